package orchestrator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cklxx/evalcore/internal/async"
)

// ExecutionRequest is everything the Orchestrator needs to drive one run:
// the caller-resolved scope, the dataset rows, the targets in play, each
// target's attached evaluator configs, and the loaded evaluator records
// the strip-set is computed from.
type ExecutionRequest struct {
	ProjectID    ProjectID
	ExperimentID ExperimentID
	RunID        RunID // optional; generated when empty

	Scope   ExecutionScope
	Dataset []DatasetEntry
	Targets []TargetConfig

	// EvaluatorConfigs maps a target id to the evaluators attached to it.
	EvaluatorConfigs map[TargetID][]EvaluatorConfig
	// Evaluators are the loaded evaluator records backing the strip-set.
	Evaluators []Evaluator
}

// TargetMetadata is the per-target name/model resolution the startup
// sequence computes before the first cell runs.
type TargetMetadata struct {
	ID    TargetID
	Name  string
	Model string
}

// Orchestrator ties the Semaphore, AbortCoordinator, WorkflowAssembler,
// BackendClient and ResultMapper together to drive one run's cells in
// parallel and stream its ordered event log.
type Orchestrator struct {
	Concurrency int

	Abort     *AbortCoordinator
	Assembler *WorkflowAssembler
	Agents    AgentLoader
	Backend   BackendClient
	Store     RunStore
	Sink      EventSink
	Metrics   *RunMetrics

	FlushSize     int
	FlushInterval time.Duration
}

// NewOrchestrator wires an Orchestrator from a loaded config and its
// collaborators. sink and metrics may be nil (a no-op sink is substituted;
// nil metrics are tolerated by every RunMetrics method).
func NewOrchestrator(cfg *OrchestratorConfig, abort *AbortCoordinator, assembler *WorkflowAssembler, agents AgentLoader, backend BackendClient, store RunStore, sink EventSink, metrics *RunMetrics) *Orchestrator {
	if sink == nil {
		sink = NoopEventSink{}
	}
	return &Orchestrator{
		Concurrency:   cfg.Concurrency,
		Abort:         abort,
		Assembler:     assembler,
		Agents:        agents,
		Backend:       backend,
		Store:         store,
		Sink:          sink,
		Metrics:       metrics,
		FlushSize:     cfg.RunStoreFlushSize,
		FlushInterval: 5 * time.Second,
	}
}

// runState is the mutable bookkeeping shared by a run's cell tasks: the
// event hand-off channel (the buffered-channel form of §4.5's hand-off
// queue, which spec.md explicitly sanctions for thread/channel
// implementations) and the completed/failed cell counters.
type runState struct {
	runID RunID
	total int

	events  chan EvaluationEvent
	sink    EventSink
	metrics *RunMetrics

	mu             sync.Mutex
	completedCells int
	failedCells    int
}

func (s *runState) emit(ctx context.Context, ev EvaluationEvent) {
	s.metrics.eventEmitted(ev.Type)
	s.sink.Dispatch(ctx, s.runID, ev)
	s.events <- ev
}

// recordCellOutcome tallies one finished cell and returns the updated
// (completed, failed) counters.
func (s *runState) recordCellOutcome(failed bool) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.failedCells++
	} else {
		s.completedCells++
	}
	return s.completedCells, s.failedCells
}

func (s *runState) snapshot() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedCells, s.failedCells
}

// Run generates the cells for req's scope and drives them to completion in
// the background, returning the channel the caller reads the ordered
// EvaluationEvent sequence from. The channel is closed once the terminal
// done/stopped event has been sent.
func (o *Orchestrator) Run(ctx context.Context, req ExecutionRequest) (<-chan EvaluationEvent, error) {
	cells, err := o.generateCells(req)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = GenerateRunID()
	}

	st := &runState{
		runID:   runID,
		total:   len(cells),
		events:  make(chan EvaluationEvent, 64),
		sink:    o.Sink,
		metrics: o.Metrics,
	}

	async.Go(panicLogger{}, "orchestrator.run", func() {
		o.drive(ctx, req, runID, cells, st)
	})

	return st.events, nil
}

func (o *Orchestrator) isAborted(ctx context.Context, runID RunID) bool {
	o.Metrics.abortChecked()
	return o.Abort.IsAborted(ctx, runID)
}

// drive is the run's single coordinating goroutine: startup sequence,
// parallel cell loop, termination and cleanup.
func (o *Orchestrator) drive(ctx context.Context, req ExecutionRequest, runID RunID, cells []ExecutionCell, st *runState) {
	defer close(st.events)

	ctx, runSpan := startRunSpan(ctx, runID)
	defer runSpan.End()

	startedAt := time.Now()

	o.Abort.SetRunning(ctx, runID)
	defer func() {
		o.Abort.ClearAbort(ctx, runID)
		o.Abort.ClearRunning(ctx, runID)
	}()

	targetMeta := o.buildTargetMetadata(req.Targets)
	for _, m := range targetMeta {
		log.Printf("orchestrator: run %s target %s resolved name=%q model=%q", runID, m.ID, m.Name, m.Model)
	}

	if o.Store != nil {
		if err := o.Store.Create(ctx, req.ProjectID, req.ExperimentID, runID, len(cells)); err != nil {
			log.Printf("orchestrator: run store create failed for run %s: %v", runID, err)
		}
	}

	st.emit(ctx, EvaluationEvent{Type: EventExecutionStarted, RunID: runID, Total: len(cells)})

	idByDBID := map[string]EvaluatorID{}
	for _, configs := range req.EvaluatorConfigs {
		for _, ec := range configs {
			if ec.DBEvaluatorID != "" {
				idByDBID[ec.DBEvaluatorID] = ec.ID
			}
		}
	}
	stripSet := BuildStripSet(req.Evaluators, idByDBID)

	flusher := newStoreFlusher(o.Store, req.ProjectID, req.ExperimentID, runID, o.FlushSize, o.FlushInterval)

	sem := NewSemaphore(o.Concurrency)
	var wg sync.WaitGroup

	aborted := false
	for _, cell := range cells {
		if o.isAborted(ctx, runID) {
			aborted = true
			break
		}

		sem.Acquire()
		o.Metrics.permitAcquired()

		if o.isAborted(ctx, runID) {
			sem.Release()
			o.Metrics.permitReleased()
			aborted = true
			break
		}

		wg.Add(1)
		cell := cell
		async.Go(panicLogger{}, "orchestrator.cell", func() {
			defer wg.Done()
			defer sem.Release()
			defer o.Metrics.permitReleased()
			o.executeCell(ctx, runID, cell, stripSet, st, flusher)
		})
	}

	wg.Wait()

	finishedAt := time.Now()
	if aborted {
		st.emit(ctx, EvaluationEvent{Type: EventStopped, Reason: StopUser})
	} else {
		completed, failed := st.snapshot()
		summary := Summary{
			RunID:          runID,
			TotalCells:     len(cells),
			CompletedCells: completed,
			FailedCells:    failed,
			Duration:       finishedAt.Sub(startedAt),
			StartedAt:      startedAt,
			FinishedAt:     finishedAt,
		}
		st.emit(ctx, EvaluationEvent{Type: EventDone, Summary: summary})
	}

	markSpanResult(runSpan, nil)

	// Final-flush before markComplete so no pending dataset/evaluation
	// record is still short of the batch/interval threshold when the run
	// store is told the run is done.
	flusher.final(ctx)

	if o.Store != nil {
		if err := o.Store.MarkComplete(ctx, req.ProjectID, req.ExperimentID, runID, finishedAt, aborted); err != nil {
			log.Printf("orchestrator: run store mark complete failed for run %s: %v", runID, err)
		}
	}
}

func (o *Orchestrator) buildTargetMetadata(targets []TargetConfig) []TargetMetadata {
	metas := make([]TargetMetadata, 0, len(targets))
	for _, t := range targets {
		meta := TargetMetadata{ID: t.ID, Name: string(t.ID)}

		switch t.Kind {
		case TargetPrompt:
			if t.LocalPrompt != nil {
				meta.Model = t.LocalPrompt.LLM.Model
			} else if t.PromptRef != nil {
				resolved := t.PromptRef.Resolved
				if resolved == nil && o.Assembler.Prompts != nil {
					resolved, _ = o.Assembler.Prompts.Load(*t.PromptRef)
				}
				if resolved != nil {
					meta.Model = resolved.Model
				}
			}
		case TargetAgent:
			if o.Agents != nil {
				if name, ok := o.Agents.Name(t.DBAgentID); ok {
					meta.Name = name
				}
			}
		case TargetEvaluator:
			if o.Assembler.Evaluators != nil {
				if ev, ok := o.Assembler.Evaluators.Load(t.TargetEvaluatorID); ok {
					meta.Name = ev.EvaluatorType
				}
			}
		}

		metas = append(metas, meta)
	}
	return metas
}

// executeCell implements spec.md §4.5's six-step per-cell procedure. Any
// panic escaping the happy path is converted into an `error` event so the
// main loop's WaitGroup still completes normally.
func (o *Orchestrator) executeCell(ctx context.Context, runID RunID, cell ExecutionCell, stripSet map[EvaluatorID]bool, st *runState, flusher *storeFlusher) {
	rowIndex := cell.RowIndex

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			st.emit(ctx, EvaluationEvent{Type: EventError, RowIndex: &rowIndex, TargetID: cell.TargetID, Message: msg})
			flusher.recordError(ctx, cell, msg)
			completed, failed := st.recordCellOutcome(true)
			o.Metrics.cellFinished(true)
			flusher.mu.Lock()
			if flusher.latestProgress == nil || flusher.latestProgress.Completed < completed+failed {
				flusher.latestProgress = &ProgressRecord{Completed: completed + failed, Total: st.total}
			}
			flusher.mu.Unlock()
			st.emit(ctx, EvaluationEvent{Type: EventProgress, Completed: completed + failed, Total: st.total})
		}
	}()

	cellCtx, cellSpan := startCellSpan(ctx, runID, rowIndex, cell.TargetID)
	defer cellSpan.End()

	o.Metrics.cellStarted()
	st.emit(ctx, EvaluationEvent{Type: EventCellStarted, RowIndex: &rowIndex, TargetID: cell.TargetID})

	var (
		targetFailed    bool
		targetOutput    any
		targetOutputSet bool
		abortedMidCell  bool
	)

	assembled, err := o.Assembler.Assemble(cell)
	if err != nil {
		msg := err.Error()
		st.emit(ctx, EvaluationEvent{Type: EventError, RowIndex: &rowIndex, TargetID: cell.TargetID, Message: msg})
		flusher.recordError(ctx, cell, msg)
		targetFailed = true
	}

	traceID := cell.TraceID
	if traceID == "" {
		traceID = generateTraceID()
	}

	if err == nil && cell.SkipTarget && cell.PrecomputedTargetOutput != nil {
		targetOutput = synthesizeTargetOutput(cell)
		targetOutputSet = true
	} else if err == nil {
		mapper := NewResultMapper(map[string]bool{assembled.TargetNodeID: true}, stripSet)
		isAbortedFn := func() bool { return o.isAborted(cellCtx, runID) }

		targetCtx, targetSpan := startTargetSpan(cellCtx, cell.TargetID)
		execReq := ExecuteComponentRequest{
			TraceID:  traceID,
			Workflow: assembled.Graph,
			NodeID:   assembled.TargetNodeID,
			Inputs:   resolveTargetInputs(cell),
		}

		stream, err := o.Backend.ExecuteComponent(targetCtx, execReq, isAbortedFn)
		if err != nil {
			msg := err.Error()
			st.emit(ctx, EvaluationEvent{Type: EventTargetResult, RowIndex: &rowIndex, TargetID: cell.TargetID, TraceID: traceID, Error: &msg})
			flusher.recordError(ctx, cell, msg)
			targetFailed = true
			markSpanResult(targetSpan, err)
		} else {
			for compEv := range stream {
				pubEv := mapper.MapEvent(rowIndex, compEv)
				if pubEv == nil || pubEv.Type != EventTargetResult {
					continue
				}
				st.emit(ctx, *pubEv)
				flusher.recordTarget(ctx, cell, *pubEv)
				if pubEv.Error != nil {
					targetFailed = true
				} else {
					targetOutput = pubEv.Output
					targetOutputSet = true
					o.Metrics.targetObserved(pubEv.Duration, pubEv.Cost)
				}
			}
			markSpanResult(targetSpan, nil)
		}
		targetSpan.End()
	}

	if o.isAborted(cellCtx, runID) {
		abortedMidCell = true
	}

	if !abortedMidCell && !targetFailed && targetOutputSet && len(cell.EvaluatorConfigs) > 0 {
		targetOutputObj := asObject(targetOutput)

		for _, ec := range cell.EvaluatorConfigs {
			if o.isAborted(cellCtx, runID) {
				abortedMidCell = true
				break
			}
			o.runEvaluator(cellCtx, rowIndex, cell, assembled, ec, targetOutputObj, traceID, stripSet, st, flusher)
		}
	}

	if abortedMidCell {
		markSpanResult(cellSpan, nil)
		return
	}

	markSpanResult(cellSpan, nil)

	completed, failed := st.recordCellOutcome(targetFailed)
	o.Metrics.cellFinished(targetFailed)
	flusher.mu.Lock()
	if flusher.latestProgress == nil || flusher.latestProgress.Completed < completed+failed {
		flusher.latestProgress = &ProgressRecord{Completed: completed + failed, Total: st.total}
	}
	flusher.mu.Unlock()
	st.emit(ctx, EvaluationEvent{Type: EventProgress, Completed: completed + failed, Total: st.total})
}

func (o *Orchestrator) runEvaluator(ctx context.Context, rowIndex int, cell ExecutionCell, assembled *AssembledWorkflow, ec EvaluatorConfig, targetOutputObj map[string]any, traceID string, stripSet map[EvaluatorID]bool, st *runState, flusher *storeFlusher) {
	evalCtx, evalSpan := startEvaluatorSpan(ctx, cell.TargetID, ec.ID)
	defer evalSpan.End()

	nodeID := string(cell.TargetID) + "." + string(ec.ID)
	isAbortedFn := func() bool { return o.isAborted(evalCtx, st.runID) }

	mapper := NewResultMapper(map[string]bool{assembled.TargetNodeID: true}, stripSet)

	execReq := ExecuteComponentRequest{
		TraceID:  traceID,
		Workflow: assembled.Graph,
		NodeID:   nodeID,
		Inputs:   resolveEvaluatorInputs(ec, cell, targetOutputObj),
	}

	stream, err := o.Backend.ExecuteComponent(evalCtx, execReq, isAbortedFn)
	if err != nil {
		o.emitEvaluatorError(ctx, rowIndex, cell, ec, err, st, flusher)
		markSpanResult(evalSpan, err)
		return
	}

	for compEv := range stream {
		pubEv := mapper.MapEvent(rowIndex, compEv)
		if pubEv == nil || pubEv.Type != EventEvaluatorResult {
			continue
		}
		st.emit(ctx, *pubEv)
		flusher.recordEvaluation(ctx, cell, ec, *pubEv)
	}
	markSpanResult(evalSpan, nil)
}

func (o *Orchestrator) emitEvaluatorError(ctx context.Context, rowIndex int, cell ExecutionCell, ec EvaluatorConfig, err error, st *runState, flusher *storeFlusher) {
	ev := EvaluationEvent{
		Type:        EventEvaluatorResult,
		RowIndex:    &rowIndex,
		TargetID:    cell.TargetID,
		EvaluatorID: ec.ID,
		Result: EvaluationResult{
			Status:       ResultError,
			ErrorType:    "EvaluatorError",
			ErrorDetails: err.Error(),
			Traceback:    []string{},
		},
	}
	st.emit(ctx, ev)
	flusher.recordEvaluation(ctx, cell, ec, ev)
}

// generateTraceID produces a 16-byte hex trace id (32 lowercase hex chars,
// no dashes), threading target and evaluator spans for one cell.
func generateTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// synthesizeTargetOutput implements step 2 of executeCell: a precomputed
// object output passes through unchanged; any other value is wrapped under
// the target's first declared output identifier, or "output" if none.
func synthesizeTargetOutput(cell ExecutionCell) any {
	if obj, ok := cell.PrecomputedTargetOutput.(map[string]any); ok {
		return obj
	}
	key := "output"
	if len(cell.TargetConfig.Outputs) > 0 {
		key = cell.TargetConfig.Outputs[0].Identifier
	}
	return map[string]any{key: cell.PrecomputedTargetOutput}
}

// asObject normalizes a target output for mapping resolution: object
// outputs are used directly, scalar outputs are addressable as "output".
func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": v}
}

func resolveTargetInputs(cell ExecutionCell) map[string]any {
	fields := mappingFieldsForDataset(cell.TargetConfig.Mappings, cell.DatasetEntry.DatasetID)
	inputs := map[string]any{}
	for inputField, mapping := range fields {
		if v, ok := resolveMappingValue(mapping, cell.DatasetEntry, nil); ok {
			inputs[inputField] = v
		}
	}
	return inputs
}

func resolveEvaluatorInputs(ec EvaluatorConfig, cell ExecutionCell, targetOutput map[string]any) map[string]any {
	byTarget := mappingByTargetForDataset(ec.Mappings, cell.DatasetEntry.DatasetID)
	fields, ok := byTarget[cell.TargetID]
	if !ok {
		fields = map[string]Mapping{}
		for _, m := range byTarget {
			for k, v := range m {
				fields[k] = v
			}
		}
	}

	inputs := map[string]any{}
	for inputField, mapping := range fields {
		if v, ok := resolveMappingValue(mapping, cell.DatasetEntry, targetOutput); ok {
			inputs[inputField] = v
		}
	}
	return inputs
}

func mappingFieldsForDataset(mappings map[string]map[string]Mapping, datasetID string) map[string]Mapping {
	if fields, ok := mappings[datasetID]; ok {
		return fields
	}
	merged := map[string]Mapping{}
	for _, fields := range mappings {
		for k, v := range fields {
			merged[k] = v
		}
	}
	return merged
}

func mappingByTargetForDataset(mappings map[string]map[string]map[string]Mapping, datasetID string) map[string]map[string]Mapping {
	if byTarget, ok := mappings[datasetID]; ok {
		return byTarget
	}
	merged := map[string]map[string]Mapping{}
	for _, byTarget := range mappings {
		for targetID, fields := range byTarget {
			if merged[targetID] == nil {
				merged[targetID] = map[string]Mapping{}
			}
			for k, v := range fields {
				merged[targetID][k] = v
			}
		}
	}
	return merged
}

// resolveMappingValue reads a mapping's value from the dataset entry, the
// upstream target output, or the mapping's own literal.
func resolveMappingValue(mapping Mapping, entry DatasetEntry, targetOutput map[string]any) (any, bool) {
	switch mapping.Type {
	case MappingValue:
		return mapping.Value, true
	case MappingSource:
		switch mapping.Source {
		case SourceDataset:
			v, ok := entry.Columns[mapping.SourceField]
			return v, ok
		case SourceTarget:
			if targetOutput == nil {
				return nil, false
			}
			v, ok := targetOutput[mapping.SourceField]
			return v, ok
		}
	}
	return nil, false
}

// isRowEmpty implements the empty-row rule of spec.md §4.5: a row is empty
// iff every non-structural (non-underscore-prefixed) column is nil, an
// empty string, or whitespace-only.
func isRowEmpty(entry DatasetEntry) bool {
	for k, v := range entry.Columns {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if !isEmptyValue(v) {
			return false
		}
	}
	return true
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func findTarget(targets []TargetConfig, id TargetID) (TargetConfig, bool) {
	for _, t := range targets {
		if t.ID == id {
			return t, true
		}
	}
	return TargetConfig{}, false
}

func findEvaluatorConfig(configs []EvaluatorConfig, id EvaluatorID) (EvaluatorConfig, bool) {
	for _, ec := range configs {
		if ec.ID == id {
			return ec, true
		}
	}
	return EvaluatorConfig{}, false
}

// generateCells implements spec.md §4.5's cell generation for all five
// ExecutionScope variants.
func (o *Orchestrator) generateCells(req ExecutionRequest) ([]ExecutionCell, error) {
	switch req.Scope.Type {
	case ScopeEvaluator:
		return o.generateEvaluatorCell(req)
	case ScopeCell:
		return o.generateCellScope(req)
	case ScopeTarget:
		return o.generateTargetScope(req)
	case ScopeRows:
		return o.generateRowsScope(req)
	case ScopeFull:
		return o.generateFullScope(req)
	default:
		return nil, newConfigError("unknown scope type %q", req.Scope.Type)
	}
}

func (o *Orchestrator) generateEvaluatorCell(req ExecutionRequest) ([]ExecutionCell, error) {
	scope := req.Scope

	target, ok := findTarget(req.Targets, scope.TargetID)
	if !ok {
		return nil, newConfigError("evaluator scope references unknown target %q", scope.TargetID)
	}
	ec, ok := findEvaluatorConfig(req.EvaluatorConfigs[scope.TargetID], scope.EvaluatorID)
	if !ok {
		return nil, newConfigError("evaluator scope references unknown evaluator %q for target %q", scope.EvaluatorID, scope.TargetID)
	}
	if scope.RowIndex < 0 || scope.RowIndex >= len(req.Dataset) {
		return nil, newConfigError("evaluator scope row index %d out of range", scope.RowIndex)
	}

	cell := ExecutionCell{
		RowIndex:                scope.RowIndex,
		TargetID:                scope.TargetID,
		TargetConfig:            target,
		EvaluatorConfigs:        []EvaluatorConfig{ec},
		DatasetEntry:            req.Dataset[scope.RowIndex],
		SkipTarget:              scope.TargetOutput != nil,
		PrecomputedTargetOutput: scope.TargetOutput,
		TraceID:                 scope.TraceID,
	}
	return []ExecutionCell{cell}, nil
}

func (o *Orchestrator) generateCellScope(req ExecutionRequest) ([]ExecutionCell, error) {
	scope := req.Scope

	target, ok := findTarget(req.Targets, scope.TargetID)
	if !ok {
		return nil, newConfigError("cell scope references unknown target %q", scope.TargetID)
	}
	if scope.RowIndex < 0 || scope.RowIndex >= len(req.Dataset) {
		return nil, newConfigError("cell scope row index %d out of range", scope.RowIndex)
	}

	entry := req.Dataset[scope.RowIndex]
	if isRowEmpty(entry) {
		return nil, nil
	}
	return []ExecutionCell{o.buildCell(scope.RowIndex, entry, target, req)}, nil
}

func (o *Orchestrator) generateTargetScope(req ExecutionRequest) ([]ExecutionCell, error) {
	target, ok := findTarget(req.Targets, req.Scope.TargetID)
	if !ok {
		return nil, newConfigError("target scope references unknown target %q", req.Scope.TargetID)
	}

	var cells []ExecutionCell
	for i, entry := range req.Dataset {
		if isRowEmpty(entry) {
			continue
		}
		cells = append(cells, o.buildCell(i, entry, target, req))
	}
	return cells, nil
}

func (o *Orchestrator) generateRowsScope(req ExecutionRequest) ([]ExecutionCell, error) {
	var cells []ExecutionCell
	for _, rowIndex := range req.Scope.RowIndices {
		if rowIndex < 0 || rowIndex >= len(req.Dataset) {
			continue
		}
		entry := req.Dataset[rowIndex]
		if isRowEmpty(entry) {
			continue
		}
		for _, target := range req.Targets {
			cells = append(cells, o.buildCell(rowIndex, entry, target, req))
		}
	}
	return cells, nil
}

func (o *Orchestrator) generateFullScope(req ExecutionRequest) ([]ExecutionCell, error) {
	var cells []ExecutionCell
	for i, entry := range req.Dataset {
		if isRowEmpty(entry) {
			continue
		}
		for _, target := range req.Targets {
			cells = append(cells, o.buildCell(i, entry, target, req))
		}
	}
	return cells, nil
}

func (o *Orchestrator) buildCell(rowIndex int, entry DatasetEntry, target TargetConfig, req ExecutionRequest) ExecutionCell {
	return ExecutionCell{
		RowIndex:         rowIndex,
		TargetID:         target.ID,
		TargetConfig:     target,
		EvaluatorConfigs: req.EvaluatorConfigs[target.ID],
		DatasetEntry:     entry,
	}
}

// storeFlusher batches RunStore writes, flushing when either the pending
// item count or the elapsed time since the last flush crosses its
// threshold, per spec.md §4.5's "≥10 pending items or ≥5s" rule.
type storeFlusher struct {
	store        RunStore
	projectID    ProjectID
	experimentID ExperimentID
	runID        RunID

	flushSize     int
	flushInterval time.Duration

	mu                 sync.Mutex
	pendingDataset     []DatasetEntryRecord
	pendingEvaluations []EvaluationRecord
	latestProgress     *ProgressRecord
	lastFlush          time.Time
}

func newStoreFlusher(store RunStore, projectID ProjectID, experimentID ExperimentID, runID RunID, flushSize int, flushInterval time.Duration) *storeFlusher {
	if flushSize <= 0 {
		flushSize = 10
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &storeFlusher{
		store:         store,
		projectID:     projectID,
		experimentID:  experimentID,
		runID:         runID,
		flushSize:     flushSize,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
	}
}

func (f *storeFlusher) recordTarget(ctx context.Context, cell ExecutionCell, ev EvaluationEvent) {
	if f.store == nil {
		return
	}
	rec := DatasetEntryRecord{
		Index:    cell.RowIndex,
		TargetID: cell.TargetID,
		Entry:    cell.DatasetEntry.Columns,
		Duration: ev.Duration,
	}
	if ev.TraceID != "" {
		traceID := ev.TraceID
		rec.TraceID = &traceID
	}
	if ev.Error != nil {
		rec.Error = ev.Error
	} else {
		rec.Predicted = &PredictedOutput{Output: ev.Output}
	}
	if ev.Cost != nil {
		amount := ev.Cost.Amount
		rec.Cost = &amount
	}
	f.addDataset(ctx, rec)
}

func (f *storeFlusher) recordEvaluation(ctx context.Context, cell ExecutionCell, ec EvaluatorConfig, ev EvaluationEvent) {
	if f.store == nil {
		return
	}
	result := ev.Result
	rec := EvaluationRecord{
		Evaluator: ec.ID,
		Name:      ec.EvaluatorType,
		TargetID:  cell.TargetID,
		Index:     cell.RowIndex,
		Status:    result.Status,
		Score:     result.Score,
		Label:     result.Label,
		Passed:    result.Passed,
		Details:   result.Details,
	}
	if result.Cost != nil {
		amount := result.Cost.Amount
		rec.Cost = &amount
	}
	f.addEvaluation(ctx, rec)
}

func (f *storeFlusher) recordError(ctx context.Context, cell ExecutionCell, message string) {
	if f.store == nil {
		return
	}
	f.addDataset(ctx, DatasetEntryRecord{
		Index:    cell.RowIndex,
		TargetID: cell.TargetID,
		Entry:    cell.DatasetEntry.Columns,
		Error:    &message,
	})
}

func (f *storeFlusher) addDataset(ctx context.Context, rec DatasetEntryRecord) {
	f.mu.Lock()
	f.pendingDataset = append(f.pendingDataset, rec)
	f.mu.Unlock()
	f.maybeFlush(ctx)
}

func (f *storeFlusher) addEvaluation(ctx context.Context, rec EvaluationRecord) {
	f.mu.Lock()
	f.pendingEvaluations = append(f.pendingEvaluations, rec)
	f.mu.Unlock()
	f.maybeFlush(ctx)
}

func (f *storeFlusher) maybeFlush(ctx context.Context) {
	f.mu.Lock()
	due := len(f.pendingDataset)+len(f.pendingEvaluations) >= f.flushSize || time.Since(f.lastFlush) >= f.flushInterval
	f.mu.Unlock()
	if due {
		f.flush(ctx)
	}
}

func (f *storeFlusher) flush(ctx context.Context) {
	f.mu.Lock()
	batch := UpsertBatch{
		Dataset:     f.pendingDataset,
		Evaluations: f.pendingEvaluations,
		Progress:    f.latestProgress,
	}
	f.pendingDataset = nil
	f.pendingEvaluations = nil
	f.lastFlush = time.Now()
	f.mu.Unlock()

	if f.store == nil || (len(batch.Dataset) == 0 && len(batch.Evaluations) == 0 && batch.Progress == nil) {
		return
	}
	if err := f.store.UpsertResults(ctx, f.projectID, f.experimentID, f.runID, batch); err != nil {
		log.Printf("orchestrator: run store upsert failed for run %s: %v", f.runID, err)
	}
}

func (f *storeFlusher) final(ctx context.Context) {
	f.flush(ctx)
}
