package orchestrator

import "fmt"

// NodeKind tags the backend node type produced for one workflow node.
type NodeKind string

const (
	NodeEntry     NodeKind = "entry"
	NodeSignature NodeKind = "signature"
	NodeHTTP      NodeKind = "http"
	NodeCode      NodeKind = "code"
	NodeEvaluator NodeKind = "evaluator"
)

// Port is one endpoint of an Edge: a node id plus a field name.
type Port struct {
	NodeID string
	Field  string
}

// Edge wires one node's output (or the entry's dataset column) to another
// node's input field.
type Edge struct {
	From Port
	To   Port
}

// NodeInput is one input slot on an assembled node; Value is set only
// when a "value" mapping supplied a literal, otherwise the edge list
// supplies it at execution time.
type NodeInput struct {
	Identifier string
	Value      any
	HasValue   bool
}

// Node is one vertex in the assembled workflow graph.
type Node struct {
	ID         string
	Kind       NodeKind
	Inputs     []NodeInput
	Outputs    []IOField
	Parameters map[string]any
	// Evaluator path, e.g. "evaluators/{dbEvaluatorId}" or the bare type.
	EvaluatorPath string
}

// Graph is the assembled executable workflow for one cell.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// AssembledWorkflow is what WorkflowAssembler hands the backend for one
// cell: the graph plus which node ids are the target and the evaluators.
type AssembledWorkflow struct {
	Graph           Graph
	TargetNodeID    string
	EvaluatorNodeIDs []string
}

// PromptLoader resolves a PromptReference to its VersionedPrompt. The
// caller is responsible for actually fetching prompts; this package only
// consumes the resolved value already attached to PromptReference.Resolved
// when present, matching spec.md's "resolved by the caller" contract.
type PromptLoader interface {
	Load(ref PromptReference) (*VersionedPrompt, bool)
}

// AgentLoader resolves a dbAgentId to whatever metadata the assembler
// needs to name a node; only used for metadata, not node construction,
// since the agent's own Kind/HTTP/Signature/Code configs already carry
// everything the assembler needs to build the node.
type AgentLoader interface {
	Name(dbAgentID string) (string, bool)
}

// EvaluatorLoader resolves a dbEvaluatorId to the loaded Evaluator record
// that carries the evaluator's settings.
type EvaluatorLoader interface {
	Load(dbEvaluatorID string) (*Evaluator, bool)
}

// WorkflowAssembler synthesizes, for one ExecutionCell, the executable
// graph the backend will run: one entry node, one target node, and zero
// or more evaluator nodes, wired by the cell's mappings.
type WorkflowAssembler struct {
	Prompts    PromptLoader
	Evaluators EvaluatorLoader
}

// NewWorkflowAssembler builds an assembler against the given loaders.
func NewWorkflowAssembler(prompts PromptLoader, evaluators EvaluatorLoader) *WorkflowAssembler {
	return &WorkflowAssembler{Prompts: prompts, Evaluators: evaluators}
}

// Assemble builds the graph for one cell.
func (a *WorkflowAssembler) Assemble(cell ExecutionCell) (*AssembledWorkflow, error) {
	entry := a.buildEntryNode(cell.DatasetEntry)

	targetNode, err := a.buildTargetNode(cell.TargetConfig)
	if err != nil {
		return nil, err
	}
	ApplyValueMappings(&targetNode, cell.TargetConfig.Mappings)

	evaluatorNodes := make([]Node, 0, len(cell.EvaluatorConfigs))
	evaluatorNodeIDs := make([]string, 0, len(cell.EvaluatorConfigs))
	for _, ec := range cell.EvaluatorConfigs {
		node, err := a.buildEvaluatorNode(cell.TargetConfig.ID, ec)
		if err != nil {
			return nil, err
		}
		ApplyValueMappings(&node, flattenMappingsForTarget(ec.Mappings, targetNode.ID))
		evaluatorNodes = append(evaluatorNodes, node)
		evaluatorNodeIDs = append(evaluatorNodeIDs, node.ID)
	}

	edges := a.buildEdges(cell, targetNode.ID)

	nodes := make([]Node, 0, 2+len(evaluatorNodes))
	nodes = append(nodes, entry, targetNode)
	nodes = append(nodes, evaluatorNodes...)

	return &AssembledWorkflow{
		Graph:            Graph{Nodes: nodes, Edges: edges},
		TargetNodeID:     targetNode.ID,
		EvaluatorNodeIDs: evaluatorNodeIDs,
	}, nil
}

func (a *WorkflowAssembler) buildEntryNode(entry DatasetEntry) Node {
	outputs := make([]IOField, 0, len(entry.Columns))
	params := make(map[string]any, len(entry.Columns))
	for name, value := range entry.Columns {
		id := columnIDForName(entry, name)
		outputs = append(outputs, IOField{Identifier: id, Type: "any"})
		params[id] = value
	}
	return Node{
		ID:      "entry",
		Kind:    NodeEntry,
		Outputs: outputs,
		Parameters: map[string]any{
			"dataset": []map[string]any{params},
		},
	}
}

func (a *WorkflowAssembler) buildTargetNode(tc TargetConfig) (Node, error) {
	switch tc.Kind {
	case TargetPrompt:
		return a.buildPromptNode(tc)
	case TargetAgent:
		return a.buildAgentNode(tc)
	case TargetEvaluator:
		return a.buildEvaluatorAsTargetNode(tc)
	default:
		return Node{}, newConfigError("unknown target kind %q for target %s", tc.Kind, tc.ID)
	}
}

func (a *WorkflowAssembler) buildPromptNode(tc TargetConfig) (Node, error) {
	if tc.LocalPrompt != nil {
		return Node{
			ID:      tc.ID,
			Kind:    NodeSignature,
			Inputs:  inputsFromIOFields(tc.LocalPrompt.Inputs),
			Outputs: tc.LocalPrompt.Outputs,
			Parameters: map[string]any{
				"llm":          tc.LocalPrompt.LLM,
				"instructions": systemMessage(tc.LocalPrompt.Messages),
				"messages":     nonSystemMessages(tc.LocalPrompt.Messages),
			},
		}, nil
	}

	if tc.PromptRef == nil {
		return Node{}, newConfigError("target %s is a prompt target with neither a local config nor a reference", tc.ID)
	}

	resolved := tc.PromptRef.Resolved
	if resolved == nil && a.Prompts != nil {
		resolved, _ = a.Prompts.Load(*tc.PromptRef)
	}
	if resolved == nil {
		return Node{}, newConfigError("target %s references prompt %s which has not been resolved by the caller", tc.ID, tc.PromptRef.PromptID)
	}

	return Node{
		ID:      tc.ID,
		Kind:    NodeSignature,
		Inputs:  inputsFromIOFields(resolved.Inputs),
		Outputs: resolved.Outputs,
		Parameters: map[string]any{
			"llm":          SamplingParams{Model: resolved.Model},
			"instructions": systemMessage(resolved.Messages),
			"messages":     nonSystemMessages(resolved.Messages),
		},
	}, nil
}

func (a *WorkflowAssembler) buildAgentNode(tc TargetConfig) (Node, error) {
	if tc.DBAgentID == "" {
		return Node{}, newConfigError("target %s is an agent target with no dbAgentId", tc.ID)
	}

	switch tc.AgentKind {
	case AgentHTTP:
		return a.buildHTTPAgentNode(tc)
	case AgentSignature:
		return a.buildSignatureAgentNode(tc)
	case AgentCode, AgentWorkflow:
		return a.buildCodeAgentNode(tc)
	default:
		return Node{}, newConfigError("target %s has unknown agent kind %q", tc.ID, tc.AgentKind)
	}
}

func (a *WorkflowAssembler) buildHTTPAgentNode(tc TargetConfig) (Node, error) {
	if tc.HTTP == nil {
		return Node{}, newConfigError("target %s is an http agent with no HTTPAgentConfig", tc.ID)
	}
	cfg := tc.HTTP

	fixedInputs := []IOField{{Identifier: "threadId", Type: "string"}, {Identifier: "messages", Type: "any"}, {Identifier: "input", Type: "any"}}
	inputs := make([]NodeInput, 0, len(fixedInputs)+len(cfg.CustomInputs))
	for _, f := range fixedInputs {
		inputs = append(inputs, NodeInput{Identifier: f.Identifier})
	}
	for _, f := range cfg.CustomInputs {
		inputs = append(inputs, NodeInput{Identifier: f.Identifier})
	}

	params := map[string]any{
		"url":             cfg.URL,
		"method":          cfg.Method,
		"body_template":   cfg.BodyTemplate,
		"output_path":     cfg.OutputPath,
		"headers":         cfg.Headers,
		"timeout_ms":      cfg.TimeoutMS,
		"auth":            authParams(cfg.Auth),
	}

	return Node{
		ID:         tc.ID,
		Kind:       NodeHTTP,
		Inputs:     inputs,
		Outputs:    tc.Outputs,
		Parameters: params,
	}, nil
}

func authParams(auth AuthConfig) map[string]any {
	switch auth.Type {
	case AuthBearer:
		return map[string]any{"type": auth.Type, "token": auth.Token}
	case AuthAPIKey:
		return map[string]any{"type": auth.Type, "header_key": auth.HeaderKey, "api_key": auth.APIKey}
	case AuthBasic:
		return map[string]any{"type": auth.Type, "username": auth.Username, "password": auth.Password}
	default:
		return map[string]any{"type": AuthNone}
	}
}

// buildSignatureAgentNode normalizes an agent/signature target's top-level
// {llm, prompt, messages} into the parameters array, tolerating the case
// where Parameters has already been normalized by the caller.
func (a *WorkflowAssembler) buildSignatureAgentNode(tc TargetConfig) (Node, error) {
	if tc.Signature == nil {
		return Node{}, newConfigError("target %s is a signature agent with no SignatureAgentConfig", tc.ID)
	}
	cfg := tc.Signature

	var parameters []map[string]any
	if cfg.Parameters != nil {
		parameters = cfg.Parameters
	} else {
		parameters = []map[string]any{{
			"llm":      cfg.LLM,
			"prompt":   cfg.Prompt,
			"messages": cfg.Messages,
		}}
	}

	return Node{
		ID:      tc.ID,
		Kind:    NodeSignature,
		Inputs:  inputsFromIOFields(tc.Inputs),
		Outputs: tc.Outputs,
		Parameters: map[string]any{
			"parameters": parameters,
		},
	}, nil
}

func (a *WorkflowAssembler) buildCodeAgentNode(tc TargetConfig) (Node, error) {
	if tc.Code == nil {
		return Node{}, newConfigError("target %s is a code/workflow agent with no CodeAgentConfig", tc.ID)
	}
	return Node{
		ID:         tc.ID,
		Kind:       NodeCode,
		Inputs:     inputsFromIOFields(tc.Inputs),
		Outputs:    tc.Outputs,
		Parameters: tc.Code.Parameters,
	}, nil
}

// buildEvaluatorAsTargetNode builds the one exception to the node-id rule:
// an evaluator node whose id equals the targetId (no dot), because the
// evaluator's verdict *is* the target's output.
func (a *WorkflowAssembler) buildEvaluatorAsTargetNode(tc TargetConfig) (Node, error) {
	if tc.TargetEvaluatorID == "" {
		return Node{}, newConfigError("target %s is an evaluator-as-target with no targetEvaluatorId", tc.ID)
	}

	node := Node{
		ID:      tc.ID,
		Kind:    NodeEvaluator,
		Inputs:  inputsFromIOFields(tc.Inputs),
		Outputs: []IOField{{Identifier: "passed", Type: "bool"}, {Identifier: "score", Type: "float"}, {Identifier: "label", Type: "string"}},
		Parameters: map[string]any{
			"evaluator": fmt.Sprintf("evaluators/%s", tc.TargetEvaluatorID),
		},
	}
	return node, nil
}

// buildEvaluatorNode builds one downstream evaluator node for the cell's
// target, with composite id "{targetId}.{evaluatorId}" and parameters
// materialized from the loaded Evaluator.Config.Settings.
func (a *WorkflowAssembler) buildEvaluatorNode(targetID TargetID, ec EvaluatorConfig) (Node, error) {
	id := targetID + "." + ec.ID

	var loaded *Evaluator
	if a.Evaluators != nil && ec.DBEvaluatorID != "" {
		loaded, _ = a.Evaluators.Load(ec.DBEvaluatorID)
	}

	params := map[string]any{}
	evaluatorPath := ec.EvaluatorType
	if loaded != nil {
		if loaded.Config.Settings != nil {
			for k, v := range loaded.Config.Settings {
				params[k] = v
			}
		}
		evaluatorPath = "evaluators/" + ec.DBEvaluatorID
	}

	return Node{
		ID:            id,
		Kind:          NodeEvaluator,
		Inputs:        inputsFromIOFields(ec.Inputs),
		Outputs:       []IOField{{Identifier: "passed", Type: "bool"}, {Identifier: "score", Type: "float"}, {Identifier: "label", Type: "string"}},
		Parameters:    params,
		EvaluatorPath: evaluatorPath,
	}, nil
}

func (a *WorkflowAssembler) buildEdges(cell ExecutionCell, targetNodeID string) []Edge {
	var edges []Edge

	for datasetID, fields := range cell.TargetConfig.Mappings {
		for inputField, mapping := range fields {
			if mapping.Type != MappingSource || mapping.Source != SourceDataset {
				continue
			}
			_ = datasetID
			columnID := columnIDForName(cell.DatasetEntry, mapping.SourceField)
			edges = append(edges, Edge{
				From: Port{NodeID: "entry", Field: columnID},
				To:   Port{NodeID: targetNodeID, Field: inputField},
			})
		}
	}

	for _, ec := range cell.EvaluatorConfigs {
		nodeID := targetNodeID + "." + ec.ID
		for _, byTarget := range ec.Mappings {
			for evalTargetID, fields := range byTarget {
				for inputField, mapping := range fields {
					if mapping.Type != MappingSource {
						continue
					}
					switch mapping.Source {
					case SourceDataset:
						columnID := columnIDForName(cell.DatasetEntry, mapping.SourceField)
						edges = append(edges, Edge{
							From: Port{NodeID: "entry", Field: columnID},
							To:   Port{NodeID: nodeID, Field: inputField},
						})
					case SourceTarget:
						if mapping.SourceID != evalTargetID && mapping.SourceID != targetNodeID {
							continue
						}
						edges = append(edges, Edge{
							From: Port{NodeID: targetNodeID, Field: mapping.SourceField},
							To:   Port{NodeID: nodeID, Field: inputField},
						})
					}
				}
			}
		}
	}

	return edges
}

// columnIDForName resolves a mapping's column *name* to the column id the
// entry node's outputs are keyed by, falling back to the name itself when
// no id mapping exists (spec.md §4.3's entry-node fallback rule).
func columnIDForName(entry DatasetEntry, columnName string) string {
	if entry.ColumnIDs != nil {
		for id, name := range entry.ColumnIDs {
			if name == columnName {
				return id
			}
		}
	}
	return columnName
}

func inputsFromIOFields(fields []IOField) []NodeInput {
	inputs := make([]NodeInput, 0, len(fields))
	for _, f := range fields {
		inputs = append(inputs, NodeInput{Identifier: f.Identifier})
	}
	return inputs
}

func systemMessage(messages []Message) string {
	for _, m := range messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

func nonSystemMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != "system" {
			out = append(out, m)
		}
	}
	return out
}

// flattenMappingsForTarget narrows an evaluator's datasetId -> targetId ->
// inputField mapping tree to the inputField level for one target node id,
// the shape ApplyValueMappings expects.
func flattenMappingsForTarget(mappings map[string]map[string]map[string]Mapping, targetNodeID string) map[string]map[string]Mapping {
	out := make(map[string]map[string]Mapping, len(mappings))
	for datasetID, byTarget := range mappings {
		if fields, ok := byTarget[targetNodeID]; ok {
			out[datasetID] = fields
		}
	}
	return out
}

// ApplyValueMappings sets NodeInput.Value from any "value" mappings
// present for the target node, leaving source-backed inputs unset so the
// edge supplies them at execution time (spec.md §4.3 input-value
// resolution).
func ApplyValueMappings(node *Node, mappings map[string]map[string]Mapping) {
	for _, fields := range mappings {
		for inputField, mapping := range fields {
			if mapping.Type != MappingValue {
				continue
			}
			for i := range node.Inputs {
				if node.Inputs[i].Identifier == inputField {
					node.Inputs[i].Value = mapping.Value
					node.Inputs[i].HasValue = true
				}
			}
		}
	}
}
