package orchestrator

import (
	"strconv"
	"strings"
	"time"
)

// ComponentStatus is the status reported on a backend execution_state.
type ComponentStatus string

const (
	ComponentRunning ComponentStatus = "running"
	ComponentSuccess ComponentStatus = "success"
	ComponentError   ComponentStatus = "error"
	ComponentDone    ComponentStatus = "done"
)

// ComponentEvent is one "component_state_change" event from the backend's
// execute_component stream, per spec.md §6.
type ComponentEvent struct {
	ComponentID    string
	Status         ComponentStatus
	Outputs        map[string]any
	Cost           *float64
	StartedAt      *int64 // unix millis
	FinishedAt     *int64
	TraceID        string
	ExecutionError string // execution_state.error, when present
}

// evaluatorShapeKeys are the keys that, if any is present in a component's
// outputs, identify it as evaluator-shaped (spec.md §4.4 step 1).
var evaluatorShapeKeys = []string{"passed", "score", "label", "details"}

// ResultMapper translates the backend's streaming component events into
// the orchestrator's public target_result / evaluator_result events.
type ResultMapper struct {
	// targetNodeIDs are the dotless node ids belonging to target nodes in
	// the assembled workflow (including the evaluator-as-target case,
	// whose node id is also dotless).
	targetNodeIDs map[string]bool
	// stripSet holds evaluator ids whose emitted score must be omitted.
	stripSet map[EvaluatorID]bool
}

// NewResultMapper builds a mapper for one cell's assembled graph.
func NewResultMapper(targetNodeIDs map[string]bool, stripSet map[EvaluatorID]bool) *ResultMapper {
	if stripSet == nil {
		stripSet = map[EvaluatorID]bool{}
	}
	return &ResultMapper{targetNodeIDs: targetNodeIDs, stripSet: stripSet}
}

// guardrailAllowlist are evaluator types whose output is intrinsically
// binary even when the loaded Evaluator record doesn't carry a Guardrail
// flag.
var guardrailAllowlist = map[string]bool{
	"exact_match":       true,
	"llm_answer_match":  true,
}

// BuildStripSet computes, once at run start, the set of evaluator ids
// whose processed-result score must be omitted: guardrail-flagged
// evaluators, or evaluators whose type is in the fixed allowlist.
// Custom-type evaluators are never stripped.
func BuildStripSet(evaluators []Evaluator, idByDBID map[string]EvaluatorID) map[EvaluatorID]bool {
	strip := map[EvaluatorID]bool{}
	for _, ev := range evaluators {
		id, ok := idByDBID[ev.DBEvaluatorID]
		if !ok {
			continue
		}
		if ev.Guardrail || guardrailAllowlist[ev.EvaluatorType] {
			strip[id] = true
		}
	}
	return strip
}

// parseNodeID splits a component id on the *first* dot. Ids with no dot
// are target ids (including the evaluator-as-target case).
func parseNodeID(id string) (targetID TargetID, evaluatorID EvaluatorID, isEvaluator bool) {
	i := strings.IndexByte(id, '.')
	if i < 0 {
		return id, "", false
	}
	return id[:i], id[i+1:], true
}

// extractTargetOutput implements spec.md §4.4's target-output extraction.
func extractTargetOutput(outputs map[string]any) any {
	if outputs == nil {
		return nil
	}

	trimmed := map[string]any{}
	for _, k := range evaluatorShapeKeys {
		if v, ok := outputs[k]; ok {
			trimmed[k] = v
		}
	}
	if len(trimmed) > 0 {
		return trimmed
	}

	if len(outputs) == 1 {
		if v, ok := outputs["output"]; ok {
			return v
		}
	}

	return outputs
}

// coerceScore is a pure, total coercion: native numbers pass through,
// strings are trimmed and parsed as float (empty/non-numeric -> nil), any
// other type -> nil. Idempotent: coerceScore(coerceScore(x)) == coerceScore(x).
func coerceScore(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case float32:
		f := float64(t)
		return &f
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// coercePassed is a pure, total coercion: native booleans pass through,
// strings equal (case-insensitive, trimmed) to "true"/"false" map to the
// corresponding bool, everything else -> nil.
func coercePassed(v any) *bool {
	switch t := v.(type) {
	case bool:
		return &t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "true":
			b := true
			return &b
		case "false":
			b := false
			return &b
		default:
			return nil
		}
	default:
		return nil
	}
}

// MapEvent translates one backend component event into zero or one public
// events for the owning cell. Running/debug/terminal-"done" events produce
// nothing; only success/error component states yield output.
func (m *ResultMapper) MapEvent(rowIndex int, ev ComponentEvent) *EvaluationEvent {
	if ev.ComponentID == "entry" {
		return nil
	}
	if ev.Status != ComponentSuccess && ev.Status != ComponentError {
		return nil
	}

	targetID, evaluatorID, isEvaluator := parseNodeID(ev.ComponentID)

	if !isEvaluator && !m.targetNodeIDs[ev.ComponentID] {
		// Unknown dotless node id; nothing to attribute it to.
		return nil
	}

	if !isEvaluator {
		return m.mapTargetResult(rowIndex, targetID, ev)
	}
	return m.mapEvaluatorResult(rowIndex, targetID, evaluatorID, ev)
}

func (m *ResultMapper) mapTargetResult(rowIndex int, targetID TargetID, ev ComponentEvent) *EvaluationEvent {
	out := &EvaluationEvent{
		Type:     EventTargetResult,
		RowIndex: &rowIndex,
		TargetID: targetID,
		TraceID:  ev.TraceID,
	}

	if ev.Status == ComponentError {
		msg := ev.ExecutionError
		if msg == "" {
			msg = "target execution failed"
		}
		out.Error = &msg
		return out
	}

	out.Output = extractTargetOutput(ev.Outputs)
	out.Cost = costFromComponent(ev)
	if d := durationFromComponent(ev); d != nil {
		out.Duration = d
	}
	return out
}

func costFromComponent(ev ComponentEvent) *Cost {
	if ev.Cost == nil {
		return nil
	}
	return &Cost{Currency: "USD", Amount: *ev.Cost}
}

func durationFromComponent(ev ComponentEvent) *time.Duration {
	if ev.StartedAt == nil || ev.FinishedAt == nil {
		return nil
	}
	d := time.Duration(*ev.FinishedAt-*ev.StartedAt) * time.Millisecond
	return &d
}

func (m *ResultMapper) mapEvaluatorResult(rowIndex int, targetID TargetID, evaluatorID EvaluatorID, ev ComponentEvent) *EvaluationEvent {
	result := m.normalizeEvaluatorResult(evaluatorID, ev)
	return &EvaluationEvent{
		Type:        EventEvaluatorResult,
		RowIndex:    &rowIndex,
		TargetID:    targetID,
		EvaluatorID: evaluatorID,
		Result:      result,
	}
}

// normalizeEvaluatorResult implements spec.md §4.4's evaluator result
// normalization. Execution-level errors win over payload-level errors.
func (m *ResultMapper) normalizeEvaluatorResult(evaluatorID EvaluatorID, ev ComponentEvent) EvaluationResult {
	if ev.Status == ComponentError || ev.ExecutionError != "" {
		msg := ev.ExecutionError
		if msg == "" {
			msg = "evaluator execution failed"
		}
		return EvaluationResult{
			Status:       ResultError,
			ErrorType:    "EvaluatorError",
			ErrorDetails: msg,
			Traceback:    []string{},
		}
	}

	if payloadStatus, _ := ev.Outputs["status"].(string); payloadStatus == "error" {
		details, _ := ev.Outputs["details"].(string)
		return EvaluationResult{
			Status:       ResultError,
			ErrorType:    "EvaluatorPayloadError",
			ErrorDetails: details,
			Traceback:    []string{},
		}
	}

	result := EvaluationResult{Status: ResultProcessed}

	if !m.stripSet[evaluatorID] {
		if score, ok := ev.Outputs["score"]; ok {
			result.Score = coerceScore(score)
		}
	}
	if passed, ok := ev.Outputs["passed"]; ok {
		result.Passed = coercePassed(passed)
	}
	if label, ok := ev.Outputs["label"].(string); ok {
		result.Label = &label
	}
	if details, ok := ev.Outputs["details"].(string); ok {
		result.Details = &details
	}
	if ev.Cost != nil {
		result.Cost = &Cost{Currency: "USD", Amount: *ev.Cost}
	}

	return result
}
