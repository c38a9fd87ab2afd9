package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatasetEntryRecord is one persisted dataset-entry row, merged by the
// composite key (index, target_id) per spec.md §3 invariant 7.
type DatasetEntryRecord struct {
	Index     int
	TargetID  TargetID
	Entry     map[string]any
	Predicted *PredictedOutput
	Cost      *float64
	Duration  *time.Duration
	Error     *string
	TraceID   *string
}

// PredictedOutput wraps a target's output so its presence, not just its
// truthiness, is preserved across persistence (falsy values like `false`
// must still be stored, per spec.md §6).
type PredictedOutput struct {
	Output any
}

// EvaluationRecord is one persisted evaluation, merged by the composite
// key (index, evaluator, target_id).
type EvaluationRecord struct {
	Evaluator EvaluatorID
	Name      string
	TargetID  TargetID
	Index     int
	Status    EvaluationResultStatus
	Score     *float64
	Label     *string
	Passed    *bool
	Details   *string
	Cost      *float64
}

// ProgressRecord is the coalesced progress update folded into each flush.
type ProgressRecord struct {
	Completed int
	Total     int
}

// UpsertBatch is one batched write to the RunStore.
type UpsertBatch struct {
	Dataset     []DatasetEntryRecord
	Evaluations []EvaluationRecord
	Progress    *ProgressRecord
}

// RunStore is the persistent run-document repository the core writes
// incrementally to. It is idempotent per (projectId, experimentId, runId):
// re-driving a partially-written run must merge, not duplicate.
type RunStore interface {
	Create(ctx context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, total int) error
	UpsertResults(ctx context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, batch UpsertBatch) error
	MarkComplete(ctx context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, finishedAt time.Time, stopped bool) error
	GetByRunID(ctx context.Context, runID RunID) (*RunDocument, error)
	ListByExperiment(ctx context.Context, projectID ProjectID, experimentID ExperimentID) ([]*RunDocument, error)
}

// RunDocument is the full persisted view of a run.
type RunDocument struct {
	ProjectID    ProjectID
	ExperimentID ExperimentID
	RunID        RunID
	Total        int
	Status       RunStatus
	Progress     int
	Dataset      []DatasetEntryRecord
	Evaluations  []EvaluationRecord
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// retryOnConflict is the number of compare-and-merge retries the PGRunStore
// makes after a failed first attempt of an upsert, per spec.md §5's
// "retry_on_conflict >= 3".
const retryOnConflict = 3

// PGRunStore persists run documents as JSONB rows in Postgres via
// github.com/jackc/pgx/v5, using compare-and-merge upserts keyed by
// (project_id, experiment_id, run_id) so concurrent writers converge.
type PGRunStore struct {
	pool *pgxpool.Pool
}

// NewPGRunStore wraps an existing pgx connection pool. The caller is
// responsible for migrating a `run_documents` table with columns
// (project_id, experiment_id, run_id, total, status, progress, dataset
// jsonb, evaluations jsonb, started_at, finished_at) and a unique index on
// (project_id, experiment_id, run_id).
func NewPGRunStore(pool *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{pool: pool}
}

func (s *PGRunStore) Create(ctx context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, total int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_documents (project_id, experiment_id, run_id, total, status, progress, dataset, evaluations, started_at)
		VALUES ($1, $2, $3, $4, 'running', 0, '[]', '[]', now())
		ON CONFLICT (project_id, experiment_id, run_id) DO NOTHING
	`, projectID, experimentID, runID, total)
	if err != nil {
		return &StoreError{Op: "create", Reason: err.Error()}
	}
	return nil
}

// UpsertResults merges dataset entries and evaluations into the existing
// document using a read-modify-write loop bounded by retryOnConflict, the
// application-level equivalent of the scripted compare-and-merge upsert
// spec.md §5 describes; each attempt locks the row with SELECT ... FOR
// UPDATE inside a transaction before writing the merged document back.
func (s *PGRunStore) UpsertResults(ctx context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, batch UpsertBatch) error {
	var lastErr error
	for attempt := 0; attempt <= retryOnConflict; attempt++ {
		if err := s.upsertOnce(ctx, projectID, experimentID, runID, batch); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &StoreError{Op: "upsert_results", Reason: lastErr.Error()}
}

func (s *PGRunStore) upsertOnce(ctx context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, batch UpsertBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var datasetJSON, evaluationsJSON []byte
	row := tx.QueryRow(ctx, `
		SELECT dataset, evaluations FROM run_documents
		WHERE project_id = $1 AND experiment_id = $2 AND run_id = $3
		FOR UPDATE
	`, projectID, experimentID, runID)
	if err := row.Scan(&datasetJSON, &evaluationsJSON); err != nil {
		return err
	}

	var dataset []DatasetEntryRecord
	var evaluations []EvaluationRecord
	if err := json.Unmarshal(datasetJSON, &dataset); err != nil {
		return err
	}
	if err := json.Unmarshal(evaluationsJSON, &evaluations); err != nil {
		return err
	}

	dataset = mergeDatasetEntries(dataset, batch.Dataset)
	evaluations = mergeEvaluations(evaluations, batch.Evaluations)

	newDatasetJSON, err := json.Marshal(dataset)
	if err != nil {
		return err
	}
	newEvaluationsJSON, err := json.Marshal(evaluations)
	if err != nil {
		return err
	}

	if batch.Progress != nil {
		_, err = tx.Exec(ctx, `
			UPDATE run_documents SET dataset = $1, evaluations = $2, progress = $3
			WHERE project_id = $4 AND experiment_id = $5 AND run_id = $6
		`, newDatasetJSON, newEvaluationsJSON, batch.Progress.Completed, projectID, experimentID, runID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE run_documents SET dataset = $1, evaluations = $2
			WHERE project_id = $3 AND experiment_id = $4 AND run_id = $5
		`, newDatasetJSON, newEvaluationsJSON, projectID, experimentID, runID)
	}
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func mergeDatasetEntries(existing []DatasetEntryRecord, incoming []DatasetEntryRecord) []DatasetEntryRecord {
	byKey := make(map[[2]any]int, len(existing))
	for i, e := range existing {
		byKey[[2]any{e.Index, e.TargetID}] = i
	}
	for _, e := range incoming {
		key := [2]any{e.Index, e.TargetID}
		if i, ok := byKey[key]; ok {
			existing[i] = e
		} else {
			byKey[key] = len(existing)
			existing = append(existing, e)
		}
	}
	return existing
}

func mergeEvaluations(existing []EvaluationRecord, incoming []EvaluationRecord) []EvaluationRecord {
	type key struct {
		index     int
		evaluator EvaluatorID
		targetID  TargetID
	}
	byKey := make(map[key]int, len(existing))
	for i, e := range existing {
		byKey[key{e.Index, e.Evaluator, e.TargetID}] = i
	}
	for _, e := range incoming {
		k := key{e.Index, e.Evaluator, e.TargetID}
		if i, ok := byKey[k]; ok {
			existing[i] = e
		} else {
			byKey[k] = len(existing)
			existing = append(existing, e)
		}
	}
	return existing
}

func (s *PGRunStore) MarkComplete(ctx context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, finishedAt time.Time, stopped bool) error {
	status := RunStatusDone
	if stopped {
		status = RunStatusStopped
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE run_documents SET status = $1, finished_at = $2
		WHERE project_id = $3 AND experiment_id = $4 AND run_id = $5
	`, status, finishedAt, projectID, experimentID, runID)
	if err != nil {
		return &StoreError{Op: "mark_complete", Reason: err.Error()}
	}
	return nil
}

func (s *PGRunStore) GetByRunID(ctx context.Context, runID RunID) (*RunDocument, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT project_id, experiment_id, run_id, total, status, progress, dataset, evaluations, started_at, finished_at
		FROM run_documents WHERE run_id = $1
	`, runID)
	return scanRunDocument(row)
}

func (s *PGRunStore) ListByExperiment(ctx context.Context, projectID ProjectID, experimentID ExperimentID) ([]*RunDocument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, experiment_id, run_id, total, status, progress, dataset, evaluations, started_at, finished_at
		FROM run_documents WHERE project_id = $1 AND experiment_id = $2
	`, projectID, experimentID)
	if err != nil {
		return nil, &StoreError{Op: "list_by_experiment", Reason: err.Error()}
	}
	defer rows.Close()

	var docs []*RunDocument
	for rows.Next() {
		doc, err := scanRunDocument(rows)
		if err != nil {
			return nil, &StoreError{Op: "list_by_experiment", Reason: err.Error()}
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// rowScanner abstracts pgx.Row / pgx.Rows so scanRunDocument works for
// both a single QueryRow result and a Query iteration row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunDocument(row rowScanner) (*RunDocument, error) {
	var doc RunDocument
	var datasetJSON, evaluationsJSON []byte
	var finishedAt *time.Time
	if err := row.Scan(
		&doc.ProjectID, &doc.ExperimentID, &doc.RunID, &doc.Total, &doc.Status, &doc.Progress,
		&datasetJSON, &evaluationsJSON, &doc.StartedAt, &finishedAt,
	); err != nil {
		return nil, &StoreError{Op: "scan", Reason: err.Error()}
	}
	doc.FinishedAt = finishedAt
	if err := json.Unmarshal(datasetJSON, &doc.Dataset); err != nil {
		return nil, fmt.Errorf("run store: decode dataset: %w", err)
	}
	if err := json.Unmarshal(evaluationsJSON, &doc.Evaluations); err != nil {
		return nil, fmt.Errorf("run store: decode evaluations: %w", err)
	}
	return &doc, nil
}

// MemoryRunStore is an in-process RunStore used in tests and single-node
// demos, implementing the same idempotent merge semantics as PGRunStore.
type MemoryRunStore struct {
	mu   sync.Mutex
	docs map[string]*RunDocument
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{docs: make(map[string]*RunDocument)}
}

func docKey(projectID ProjectID, experimentID ExperimentID, runID RunID) string {
	return projectID + "/" + experimentID + "/" + runID
}

func (s *MemoryRunStore) Create(_ context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(projectID, experimentID, runID)
	if _, ok := s.docs[key]; ok {
		return nil
	}
	s.docs[key] = &RunDocument{
		ProjectID:    projectID,
		ExperimentID: experimentID,
		RunID:        runID,
		Total:        total,
		Status:       RunStatusRunning,
		StartedAt:    time.Now(),
	}
	return nil
}

func (s *MemoryRunStore) UpsertResults(_ context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, batch UpsertBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docKey(projectID, experimentID, runID)]
	if !ok {
		return &StoreError{Op: "upsert_results", Reason: "run not found"}
	}
	doc.Dataset = mergeDatasetEntries(doc.Dataset, batch.Dataset)
	doc.Evaluations = mergeEvaluations(doc.Evaluations, batch.Evaluations)
	if batch.Progress != nil {
		doc.Progress = batch.Progress.Completed
	}
	return nil
}

func (s *MemoryRunStore) MarkComplete(_ context.Context, projectID ProjectID, experimentID ExperimentID, runID RunID, finishedAt time.Time, stopped bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docKey(projectID, experimentID, runID)]
	if !ok {
		return &StoreError{Op: "mark_complete", Reason: "run not found"}
	}
	doc.Status = RunStatusDone
	if stopped {
		doc.Status = RunStatusStopped
	}
	t := finishedAt
	doc.FinishedAt = &t
	return nil
}

func (s *MemoryRunStore) GetByRunID(_ context.Context, runID RunID) (*RunDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.docs {
		if doc.RunID == runID {
			return doc, nil
		}
	}
	return nil, nil
}

func (s *MemoryRunStore) ListByExperiment(_ context.Context, projectID ProjectID, experimentID ExperimentID) ([]*RunDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []*RunDocument
	for _, doc := range s.docs {
		if doc.ProjectID == projectID && doc.ExperimentID == experimentID {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}
