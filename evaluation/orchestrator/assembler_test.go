package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemble_LocalPromptTarget_BuildsEntryAndTargetNodes(t *testing.T) {
	a := NewWorkflowAssembler(nil, nil)

	cell := ExecutionCell{
		RowIndex: 0,
		TargetID: "t1",
		TargetConfig: TargetConfig{
			ID:   "t1",
			Kind: TargetPrompt,
			LocalPrompt: &LocalPromptConfig{
				LLM:      SamplingParams{Model: "gpt-4"},
				Messages: []Message{{Role: "system", Content: "be terse"}, {Role: "user", Content: "hi"}},
				Inputs:   []IOField{{Identifier: "question", Type: "string"}},
				Outputs:  []IOField{{Identifier: "answer", Type: "string"}},
			},
			Mappings: map[string]map[string]Mapping{
				"ds-1": {"question": {Type: MappingSource, Source: SourceDataset, SourceField: "q"}},
			},
		},
		DatasetEntry: DatasetEntry{DatasetID: "ds-1", Columns: map[string]any{"q": "what is 2+2?"}},
	}

	assembled, err := a.Assemble(cell)
	require.NoError(t, err)
	require.Len(t, assembled.Graph.Nodes, 2)
	assert.Equal(t, "entry", assembled.Graph.Nodes[0].ID)
	assert.Equal(t, "t1", assembled.TargetNodeID)
	assert.Empty(t, assembled.EvaluatorNodeIDs)

	require.Len(t, assembled.Graph.Edges, 1)
	edge := assembled.Graph.Edges[0]
	assert.Equal(t, "entry", edge.From.NodeID)
	assert.Equal(t, "q", edge.From.Field)
	assert.Equal(t, "t1", edge.To.NodeID)
	assert.Equal(t, "question", edge.To.Field)
}

func TestAssemble_EntryNodeExposesColumnIDsWhenMapped_EdgeResolvesConsistently(t *testing.T) {
	a := NewWorkflowAssembler(nil, nil)

	cell := ExecutionCell{
		RowIndex: 0,
		TargetID: "t1",
		TargetConfig: TargetConfig{
			ID:   "t1",
			Kind: TargetPrompt,
			LocalPrompt: &LocalPromptConfig{
				LLM:      SamplingParams{Model: "gpt-4"},
				Inputs:   []IOField{{Identifier: "question", Type: "string"}},
				Outputs:  []IOField{{Identifier: "answer", Type: "string"}},
			},
			Mappings: map[string]map[string]Mapping{
				"ds-1": {"question": {Type: MappingSource, Source: SourceDataset, SourceField: "question"}},
			},
		},
		DatasetEntry: DatasetEntry{
			DatasetID: "ds-1",
			Columns:   map[string]any{"question": "what is 2+2?"},
			ColumnIDs: map[string]string{"col-123": "question"},
		},
	}

	assembled, err := a.Assemble(cell)
	require.NoError(t, err)

	entryNode := assembled.Graph.Nodes[0]
	require.Len(t, entryNode.Outputs, 1)
	assert.Equal(t, "col-123", entryNode.Outputs[0].Identifier)

	params, ok := entryNode.Parameters["dataset"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, params, 1)
	assert.Contains(t, params[0], "col-123")

	require.Len(t, assembled.Graph.Edges, 1)
	edge := assembled.Graph.Edges[0]
	assert.Equal(t, "entry", edge.From.NodeID)
	assert.Equal(t, "col-123", edge.From.Field) // must match an output the entry node actually exposes
}

func TestAssemble_PromptTargetWithUnresolvedReferenceErrors(t *testing.T) {
	a := NewWorkflowAssembler(nil, nil)
	cell := ExecutionCell{
		TargetConfig: TargetConfig{
			ID:        "t1",
			Kind:      TargetPrompt,
			PromptRef: &PromptReference{PromptID: "p1"},
		},
	}

	_, err := a.Assemble(cell)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

type fakePromptLoader struct {
	prompt *VersionedPrompt
}

func (f fakePromptLoader) Load(PromptReference) (*VersionedPrompt, bool) {
	if f.prompt == nil {
		return nil, false
	}
	return f.prompt, true
}

func TestAssemble_PromptTargetResolvesViaLoader(t *testing.T) {
	a := NewWorkflowAssembler(fakePromptLoader{prompt: &VersionedPrompt{Model: "gpt-4"}}, nil)
	cell := ExecutionCell{
		TargetConfig: TargetConfig{
			ID:        "t1",
			Kind:      TargetPrompt,
			PromptRef: &PromptReference{PromptID: "p1"},
		},
	}

	assembled, err := a.Assemble(cell)
	require.NoError(t, err)
	assert.Equal(t, "t1", assembled.TargetNodeID)
}

func TestAssemble_EvaluatorAsTarget_NodeIDHasNoDot(t *testing.T) {
	a := NewWorkflowAssembler(nil, nil)
	cell := ExecutionCell{
		TargetConfig: TargetConfig{
			ID:                "t1",
			Kind:              TargetEvaluator,
			TargetEvaluatorID: "db-eval-1",
		},
	}

	assembled, err := a.Assemble(cell)
	require.NoError(t, err)
	assert.Equal(t, "t1", assembled.TargetNodeID)
	assert.Equal(t, NodeEvaluator, assembled.Graph.Nodes[1].Kind)
	assert.Equal(t, "evaluators/db-eval-1", assembled.Graph.Nodes[1].Parameters["evaluator"])
}

type fakeEvaluatorLoader struct {
	byID map[string]*Evaluator
}

func (f fakeEvaluatorLoader) Load(dbEvaluatorID string) (*Evaluator, bool) {
	e, ok := f.byID[dbEvaluatorID]
	return e, ok
}

func TestAssemble_EvaluatorNode_CompositeIDAndParameters(t *testing.T) {
	a := NewWorkflowAssembler(nil, fakeEvaluatorLoader{byID: map[string]*Evaluator{
		"db-1": {DBEvaluatorID: "db-1", EvaluatorType: "rubric", Config: EvaluatorRecordConfig{Settings: map[string]any{"threshold": 0.5}}},
	}})

	cell := ExecutionCell{
		TargetConfig: TargetConfig{ID: "t1", Kind: TargetPrompt, LocalPrompt: &LocalPromptConfig{}},
		EvaluatorConfigs: []EvaluatorConfig{
			{ID: "eval-1", EvaluatorType: "rubric", DBEvaluatorID: "db-1"},
		},
	}

	assembled, err := a.Assemble(cell)
	require.NoError(t, err)
	require.Len(t, assembled.EvaluatorNodeIDs, 1)
	assert.Equal(t, "t1.eval-1", assembled.EvaluatorNodeIDs[0])

	evalNode := assembled.Graph.Nodes[2]
	assert.Equal(t, "t1.eval-1", evalNode.ID)
	assert.Equal(t, "evaluators/db-1", evalNode.EvaluatorPath)
	assert.Equal(t, 0.5, evalNode.Parameters["threshold"])
}

func TestAssemble_EvaluatorNode_TargetOutputMappingWiresEdge(t *testing.T) {
	a := NewWorkflowAssembler(nil, nil)
	cell := ExecutionCell{
		TargetConfig: TargetConfig{ID: "t1", Kind: TargetPrompt, LocalPrompt: &LocalPromptConfig{}},
		EvaluatorConfigs: []EvaluatorConfig{
			{
				ID: "eval-1",
				Mappings: map[string]map[string]map[string]Mapping{
					"ds-1": {
						"t1": {
							"candidate": {Type: MappingSource, Source: SourceTarget, SourceID: "t1", SourceField: "answer"},
						},
					},
				},
			},
		},
	}

	assembled, err := a.Assemble(cell)
	require.NoError(t, err)
	require.Len(t, assembled.Graph.Edges, 1)
	edge := assembled.Graph.Edges[0]
	assert.Equal(t, "t1", edge.From.NodeID)
	assert.Equal(t, "answer", edge.From.Field)
	assert.Equal(t, "t1.eval-1", edge.To.NodeID)
	assert.Equal(t, "candidate", edge.To.Field)
}

func TestAssemble_LiteralValueMappingSetsNodeInputValue(t *testing.T) {
	a := NewWorkflowAssembler(nil, nil)
	cell := ExecutionCell{
		TargetConfig: TargetConfig{
			ID:   "t1",
			Kind: TargetPrompt,
			LocalPrompt: &LocalPromptConfig{
				Inputs: []IOField{{Identifier: "temperature", Type: "string"}},
			},
			Mappings: map[string]map[string]Mapping{
				"ds-1": {"temperature": {Type: MappingValue, Value: "0.2"}},
			},
		},
	}

	assembled, err := a.Assemble(cell)
	require.NoError(t, err)

	targetNode := assembled.Graph.Nodes[1]
	require.Len(t, targetNode.Inputs, 1)
	assert.True(t, targetNode.Inputs[0].HasValue)
	assert.Equal(t, "0.2", targetNode.Inputs[0].Value)
}

func TestAssemble_EvaluatorLiteralValueMappingSetsNodeInputValue(t *testing.T) {
	a := NewWorkflowAssembler(nil, nil)
	cell := ExecutionCell{
		TargetConfig: TargetConfig{ID: "t1", Kind: TargetPrompt, LocalPrompt: &LocalPromptConfig{}},
		EvaluatorConfigs: []EvaluatorConfig{
			{
				ID:     "eval-1",
				Inputs: []IOField{{Identifier: "threshold", Type: "string"}},
				Mappings: map[string]map[string]map[string]Mapping{
					"ds-1": {"t1": {"threshold": {Type: MappingValue, Value: "0.8"}}},
				},
			},
		},
	}

	assembled, err := a.Assemble(cell)
	require.NoError(t, err)

	evalNode := assembled.Graph.Nodes[2]
	require.Len(t, evalNode.Inputs, 1)
	assert.True(t, evalNode.Inputs[0].HasValue)
	assert.Equal(t, "0.8", evalNode.Inputs[0].Value)
}

func TestAssemble_UnknownTargetKindErrors(t *testing.T) {
	a := NewWorkflowAssembler(nil, nil)
	_, err := a.Assemble(ExecutionCell{TargetConfig: TargetConfig{ID: "t1", Kind: "bogus"}})
	require.Error(t, err)
}

func TestColumnIDForName_FallsBackToNameWhenNoIDMapping(t *testing.T) {
	entry := DatasetEntry{Columns: map[string]any{"q": "v"}}
	assert.Equal(t, "q", columnIDForName(entry, "q"))
}

func TestColumnIDForName_UsesIDWhenPresent(t *testing.T) {
	entry := DatasetEntry{ColumnIDs: map[string]string{"col-123": "question"}}
	assert.Equal(t, "col-123", columnIDForName(entry, "question"))
}
