package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopEventSink_Discards(t *testing.T) {
	var sink NoopEventSink
	sink.Dispatch(context.Background(), "run-1", EvaluationEvent{Type: EventDone})
}

func TestHTTPBatchEventSink_AutoFlushesAtBatchSize(t *testing.T) {
	var mu sync.Mutex
	var received []sinkRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []sinkRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPBatchEventSink(srv.URL, 2)
	ctx := context.Background()

	sink.Dispatch(ctx, "run-1", EvaluationEvent{Type: EventExecutionStarted})
	mu.Lock()
	assert.Empty(t, received)
	mu.Unlock()

	sink.Dispatch(ctx, "run-1", EvaluationEvent{Type: EventDone})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, RunID("run-1"), received[0].RunID)
}

func TestHTTPBatchEventSink_FlushDrainsPartialBatch(t *testing.T) {
	var mu sync.Mutex
	var received []sinkRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []sinkRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPBatchEventSink(srv.URL, 100)
	ctx := context.Background()
	sink.Dispatch(ctx, "run-1", EvaluationEvent{Type: EventProgress})

	require.NoError(t, sink.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
}

func TestHTTPBatchEventSink_FlushOnEmptyIsNoop(t *testing.T) {
	sink := NewHTTPBatchEventSink("http://unreachable.invalid", 10)
	require.NoError(t, sink.Flush(context.Background()))
}

func TestHTTPBatchEventSink_FailedPostDoesNotPanicAndClearsBuffer(t *testing.T) {
	sink := NewHTTPBatchEventSink("http://127.0.0.1:0", 10)
	ctx := context.Background()
	sink.Dispatch(ctx, "run-1", EvaluationEvent{Type: EventDone})

	err := sink.Flush(ctx)
	assert.Error(t, err)

	// Buffer cleared regardless of failure; a second flush has nothing to send.
	assert.NoError(t, sink.Flush(ctx))
}
