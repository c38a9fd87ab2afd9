package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeDatasetEntries_MergesByCompositeKey(t *testing.T) {
	existing := []DatasetEntryRecord{
		{Index: 0, TargetID: "t1", Predicted: &PredictedOutput{Output: "old"}},
	}
	incoming := []DatasetEntryRecord{
		{Index: 0, TargetID: "t1", Predicted: &PredictedOutput{Output: "new"}},
		{Index: 1, TargetID: "t1", Predicted: &PredictedOutput{Output: "fresh"}},
	}

	merged := mergeDatasetEntries(existing, incoming)

	require.Len(t, merged, 2)
	assert.Equal(t, "new", merged[0].Predicted.Output)
	assert.Equal(t, "fresh", merged[1].Predicted.Output)
}

func TestMergeDatasetEntries_DifferentTargetsDoNotCollide(t *testing.T) {
	existing := []DatasetEntryRecord{{Index: 0, TargetID: "t1"}}
	incoming := []DatasetEntryRecord{{Index: 0, TargetID: "t2"}}

	merged := mergeDatasetEntries(existing, incoming)
	require.Len(t, merged, 2)
}

func TestMergeEvaluations_MergesByCompositeKey(t *testing.T) {
	existing := []EvaluationRecord{
		{Index: 0, Evaluator: "e1", TargetID: "t1", Status: ResultProcessed, Score: f64p(0.5)},
	}
	incoming := []EvaluationRecord{
		{Index: 0, Evaluator: "e1", TargetID: "t1", Status: ResultProcessed, Score: f64p(0.9)},
		{Index: 0, Evaluator: "e2", TargetID: "t1", Status: ResultProcessed, Score: f64p(0.1)},
	}

	merged := mergeEvaluations(existing, incoming)

	require.Len(t, merged, 2)
	assert.Equal(t, 0.9, *merged[0].Score)
	assert.Equal(t, 0.1, *merged[1].Score)
}

func TestMemoryRunStore_CreateIsIdempotent(t *testing.T) {
	store := NewMemoryRunStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "p1", "e1", "r1", 10))
	require.NoError(t, store.Create(ctx, "p1", "e1", "r1", 999)) // second call is a no-op

	doc, err := store.GetByRunID(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, 10, doc.Total)
}

func TestMemoryRunStore_UpsertResultsMergesAcrossCalls(t *testing.T) {
	store := NewMemoryRunStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "p1", "e1", "r1", 2))

	require.NoError(t, store.UpsertResults(ctx, "p1", "e1", "r1", UpsertBatch{
		Dataset:  []DatasetEntryRecord{{Index: 0, TargetID: "t1", Predicted: &PredictedOutput{Output: "first"}}},
		Progress: &ProgressRecord{Completed: 1, Total: 2},
	}))
	require.NoError(t, store.UpsertResults(ctx, "p1", "e1", "r1", UpsertBatch{
		Dataset:  []DatasetEntryRecord{{Index: 1, TargetID: "t1", Predicted: &PredictedOutput{Output: "second"}}},
		Progress: &ProgressRecord{Completed: 2, Total: 2},
	}))

	doc, err := store.GetByRunID(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, doc.Dataset, 2)
	assert.Equal(t, 2, doc.Progress)
}

func TestMemoryRunStore_FalsyPredictedOutputIsPreserved(t *testing.T) {
	store := NewMemoryRunStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "p1", "e1", "r1", 1))

	require.NoError(t, store.UpsertResults(ctx, "p1", "e1", "r1", UpsertBatch{
		Dataset: []DatasetEntryRecord{{Index: 0, TargetID: "t1", Predicted: &PredictedOutput{Output: false}}},
	}))

	doc, err := store.GetByRunID(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, doc.Dataset, 1)
	require.NotNil(t, doc.Dataset[0].Predicted)
	assert.Equal(t, false, doc.Dataset[0].Predicted.Output)
}

func TestMemoryRunStore_UpsertResultsBeforeCreateErrors(t *testing.T) {
	store := NewMemoryRunStore()
	err := store.UpsertResults(context.Background(), "p1", "e1", "r1", UpsertBatch{})
	assert.Error(t, err)
}

func TestMemoryRunStore_MarkCompleteSetsStatus(t *testing.T) {
	store := NewMemoryRunStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "p1", "e1", "r1", 1))

	require.NoError(t, store.MarkComplete(ctx, "p1", "e1", "r1", time.Now(), false))
	doc, err := store.GetByRunID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, doc.Status)
	assert.NotNil(t, doc.FinishedAt)

	require.NoError(t, store.MarkComplete(ctx, "p1", "e1", "r1", time.Now(), true))
	doc, err = store.GetByRunID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusStopped, doc.Status)
}

func TestMemoryRunStore_ListByExperimentScopesByProjectAndExperiment(t *testing.T) {
	store := NewMemoryRunStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "p1", "e1", "r1", 1))
	require.NoError(t, store.Create(ctx, "p1", "e1", "r2", 1))
	require.NoError(t, store.Create(ctx, "p1", "e2", "r3", 1))

	docs, err := store.ListByExperiment(ctx, "p1", "e1")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestMemoryRunStore_GetByRunIDUnknownReturnsNilWithoutError(t *testing.T) {
	store := NewMemoryRunStore()
	doc, err := store.GetByRunID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
