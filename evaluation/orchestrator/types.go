// Package orchestrator implements the parallel evaluation orchestrator: it
// drives grids of (dataset row x target) cells through an external
// execution backend, collects target outputs and evaluator verdicts, and
// streams a strictly ordered event log to callers and to a persistent run
// store.
package orchestrator

import (
	"strconv"
	"time"
)

// ProjectID, ExperimentID and RunID are opaque caller-scoped identifiers.
// RunID is a human-readable slug like "quick-agile-lynx" when generated by
// this package, otherwise whatever opaque string the caller supplied.
type (
	ProjectID    = string
	ExperimentID = string
	RunID        = string
	TargetID     = string
	EvaluatorID  = string
)

// ScopeType tags the variant of ExecutionScope in play.
type ScopeType string

const (
	ScopeFull      ScopeType = "full"
	ScopeRows      ScopeType = "rows"
	ScopeTarget    ScopeType = "target"
	ScopeCell      ScopeType = "cell"
	ScopeEvaluator ScopeType = "evaluator"
)

// ExecutionScope selects the subset of cells a run should execute. Exactly
// the fields relevant to Type are populated; the rest are zero.
type ExecutionScope struct {
	Type ScopeType

	// ScopeRows
	RowIndices []int

	// ScopeTarget, ScopeCell, ScopeEvaluator
	TargetID TargetID

	// ScopeCell, ScopeEvaluator
	RowIndex int

	// ScopeEvaluator
	EvaluatorID  EvaluatorID
	TargetOutput any
	TraceID      string
}

// TargetKind tags the TargetConfig variant.
type TargetKind string

const (
	TargetPrompt    TargetKind = "prompt"
	TargetAgent     TargetKind = "agent"
	TargetEvaluator TargetKind = "evaluator"
)

// AgentKind tags the agent sub-dispatch of a TargetKind == TargetAgent config.
type AgentKind string

const (
	AgentHTTP      AgentKind = "http"
	AgentSignature AgentKind = "signature"
	AgentCode      AgentKind = "code"
	AgentWorkflow  AgentKind = "workflow"
)

// IOField describes one named, typed input or output slot on a target or
// evaluator node.
type IOField struct {
	Identifier string
	Type       string
}

// Message is one turn of an LLM prompt.
type Message struct {
	Role    string // system | user | assistant
	Content string
}

// SamplingParams carries the LLM call parameters for a signature node.
type SamplingParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// LocalPromptConfig is an inline prompt definition.
type LocalPromptConfig struct {
	LLM      SamplingParams
	Messages []Message
	Inputs   []IOField
	Outputs  []IOField
}

// PromptReference points at a prompt resolved by the caller before the
// core ever sees it.
type PromptReference struct {
	PromptID             string
	PromptVersionNumber  *int
	Resolved             *VersionedPrompt
}

// VersionedPrompt is the caller-resolved form of a PromptReference.
type VersionedPrompt struct {
	Model    string
	Messages []Message
	Inputs   []IOField
	Outputs  []IOField
}

// AuthType selects how an HTTP agent node authenticates.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
)

// AuthConfig parameterizes an HTTP agent's authentication.
type AuthConfig struct {
	Type     AuthType
	Token    string // bearer
	HeaderKey string // api_key
	APIKey   string // api_key
	Username string // basic
	Password string // basic
}

// HTTPAgentConfig is the parameter set for an agent/http target.
type HTTPAgentConfig struct {
	URL           string
	Method        string
	BodyTemplate  string
	OutputPath    string
	Headers       map[string]string
	TimeoutMS     int
	Auth          AuthConfig
	CustomInputs  []IOField
}

// SignatureAgentConfig is the parameter set for an agent/signature target;
// LLM, Prompt and Messages mirror LocalPromptConfig's shape one level up.
type SignatureAgentConfig struct {
	LLM      SamplingParams
	Prompt   string
	Messages []Message
	// Parameters is the already-normalized parameter array; when non-nil it
	// is used verbatim and LLM/Prompt/Messages are not re-folded into it.
	Parameters []map[string]any
}

// CodeAgentConfig is the parameter set for agent/code and agent/workflow
// targets; parameters pass through verbatim to the backend.
type CodeAgentConfig struct {
	Parameters map[string]any
}

// TargetConfig is a tagged union over prompt / agent / evaluator-as-target.
type TargetConfig struct {
	ID   TargetID
	Kind TargetKind

	// TargetPrompt
	LocalPrompt *LocalPromptConfig
	PromptRef   *PromptReference

	// TargetAgent
	AgentKind AgentKind
	DBAgentID string
	HTTP      *HTTPAgentConfig
	Signature *SignatureAgentConfig
	Code      *CodeAgentConfig

	// TargetEvaluator
	TargetEvaluatorID EvaluatorID

	Inputs   []IOField
	Outputs  []IOField
	Mappings map[string]map[string]Mapping // datasetId -> inputField -> Mapping
}

// MappingType tags the Mapping variant.
type MappingType string

const (
	MappingSource MappingType = "source"
	MappingValue  MappingType = "value"
)

// MappingSourceKind selects what a source-mapping reads from.
type MappingSourceKind string

const (
	SourceDataset MappingSourceKind = "dataset"
	SourceTarget  MappingSourceKind = "target"
)

// Mapping populates one input field of a target or evaluator, either from a
// dataset column, an upstream target's output, or a literal value.
type Mapping struct {
	Type MappingType

	// MappingSource
	Source     MappingSourceKind
	SourceID   string // dataset id, or targetConfig.id for SourceTarget
	SourceField string // always a column *name*

	// MappingValue
	Value any
}

// Evaluator is the loaded evaluator record; settings live here, never on
// the caller-supplied EvaluatorConfig.
type Evaluator struct {
	DBEvaluatorID string
	EvaluatorType string
	Guardrail     bool
	Config        EvaluatorRecordConfig
}

// EvaluatorRecordConfig carries the loaded evaluator's settings.
type EvaluatorRecordConfig struct {
	Settings map[string]any
}

// EvaluatorConfig is the caller-supplied wiring for one evaluator attached
// to a cell; settings are never read from it.
type EvaluatorConfig struct {
	ID            EvaluatorID
	EvaluatorType string
	DBEvaluatorID string
	Inputs        []IOField
	// Mappings: datasetId -> targetId -> inputField -> Mapping
	Mappings map[string]map[string]map[string]Mapping
}

// DatasetEntry is one row's data, keyed by column name, plus the synthetic
// _datasetId field identifying which dataset it came from.
type DatasetEntry struct {
	DatasetID string
	Columns   map[string]any // column name -> value
	// ColumnIDs maps column id -> column name, for the entry-node fallback
	// lookup described in spec.md §4.3.
	ColumnIDs map[string]string
}

// ExecutionCell is one unit of work: a dataset row against one target, plus
// every evaluator configured for that target. Cells are generated lazily
// and never mutated once built.
type ExecutionCell struct {
	RowIndex              int
	TargetID              TargetID
	TargetConfig          TargetConfig
	EvaluatorConfigs      []EvaluatorConfig
	DatasetEntry          DatasetEntry
	SkipTarget            bool
	PrecomputedTargetOutput any
	TraceID               string
}

// EvaluationResultStatus tags the EvaluationResult variant.
type EvaluationResultStatus string

const (
	ResultProcessed EvaluationResultStatus = "processed"
	ResultError     EvaluationResultStatus = "error"
	ResultSkipped   EvaluationResultStatus = "skipped"
)

// Cost is the monetary cost of an evaluator or target invocation.
type Cost struct {
	Currency string
	Amount   float64
}

// EvaluationResult is the outcome of one evaluator run against one target
// output.
type EvaluationResult struct {
	Status EvaluationResultStatus

	// ResultProcessed
	Score   *float64
	Passed  *bool
	Label   *string
	Details *string
	Cost    *Cost

	// ResultError
	ErrorType string
	Traceback []string

	// shared: ResultError's free-text details and ResultProcessed's Details
	// are both plain strings; ErrorDetails holds the error-path string so
	// Details above always means the processed-path string.
	ErrorDetails string
}

// EventType tags the EvaluationEvent variant.
type EventType string

const (
	EventExecutionStarted EventType = "execution_started"
	EventCellStarted      EventType = "cell_started"
	EventTargetResult     EventType = "target_result"
	EventEvaluatorResult  EventType = "evaluator_result"
	EventProgress         EventType = "progress"
	EventError            EventType = "error"
	EventStopped          EventType = "stopped"
	EventDone             EventType = "done"
)

// StopReason tags why a "stopped" event terminated a run.
type StopReason string

const (
	StopUser  StopReason = "user"
	StopError StopReason = "error"
)

// Summary is the final tally carried by a "done" event.
type Summary struct {
	RunID          RunID
	TotalCells     int
	CompletedCells int
	FailedCells    int
	Duration       time.Duration
	StartedAt      time.Time
	FinishedAt     time.Time
}

// AsMarkdown renders the summary as a short Markdown table, the same
// convenience the teacher's evaluation/gate package provides for CI
// consumers of a run's outcome.
func (s Summary) AsMarkdown() string {
	status := "PASSED"
	if s.FailedCells > 0 {
		status = "PARTIAL"
	}
	return "## Run " + s.RunID + ": " + status + "\n\n" +
		"| Metric | Value |\n|---|---|\n" +
		"| Total | " + strconv.Itoa(s.TotalCells) + " |\n" +
		"| Completed | " + strconv.Itoa(s.CompletedCells) + " |\n" +
		"| Failed | " + strconv.Itoa(s.FailedCells) + " |\n" +
		"| Duration | " + s.Duration.Round(time.Second).String() + " |\n"
}

// EvaluationEvent is the exhaustive public event variant streamed to
// callers, the RunStore, and the event sink.
type EvaluationEvent struct {
	Type EventType

	// EventExecutionStarted
	RunID RunID
	Total int

	// EventCellStarted, EventTargetResult, EventEvaluatorResult, EventError
	RowIndex *int
	TargetID TargetID

	// EventTargetResult
	Output   any
	Cost     *Cost
	Duration *time.Duration
	TraceID  string
	Error    *string

	// EventEvaluatorResult
	EvaluatorID EvaluatorID
	Result      EvaluationResult

	// EventProgress
	Completed int

	// EventError
	Message string

	// EventStopped
	Reason StopReason

	// EventDone
	Summary Summary
}

// RunStatus tags the lifecycle state of a persisted RunState.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusStopped RunStatus = "stopped"
)

// RunState is the bounded, TTL'd persisted view of a run, polled by
// consumers that are not attached to the live event stream.
type RunState struct {
	RunID         RunID
	ProjectID     ProjectID
	ExperimentID  ExperimentID
	Status        RunStatus
	Progress      int
	Total         int
	StartedAt     time.Time
	FinishedAt    *time.Time
	Summary       *Summary
	Error         *string
	RecentEvents  []EvaluationEvent // bounded ring, max 50
}

const recentEventsCap = 50
