package orchestrator

import (
	"context"
	"log"
	"strconv"
	"time"
)

const abortTTL = 3600 * time.Second

// AbortCoordinator fronts a shared KV store with abort:{runId} and
// running:{runId} keys. Abort requests are sticky until cleared, survive
// crashes (the TTL eventually sweeps them), and are observable by polling
// at whatever granularity the Orchestrator chooses. If the underlying
// store is unavailable, writes are no-ops (logged) and IsAborted reports
// false rather than propagating the failure into the run, matching the
// teacher's "warn and continue" handling of monitor/progress failures in
// evaluation/swe_bench/batch.go.
type AbortCoordinator struct {
	kv KVStore
}

// NewAbortCoordinator wraps a KVStore.
func NewAbortCoordinator(kv KVStore) *AbortCoordinator {
	return &AbortCoordinator{kv: kv}
}

func abortKey(runID RunID) string   { return "abort:" + runID }
func runningKey(runID RunID) string { return "running:" + runID }

// RequestAbort marks runID for cancellation. Idempotent; repeated calls
// are no-ops in effect (the key is simply rewritten with a fresh TTL).
func (a *AbortCoordinator) RequestAbort(ctx context.Context, runID RunID) {
	if err := a.kv.Set(ctx, abortKey(runID), "1", abortTTL); err != nil {
		log.Printf("orchestrator: abort coordinator: failed to set abort flag for run %s: %v", runID, err)
	}
}

// IsAborted reports whether runID's abort flag is set to exactly "1".
// Any store failure is treated as "not aborted".
func (a *AbortCoordinator) IsAborted(ctx context.Context, runID RunID) bool {
	val, ok, err := a.kv.Get(ctx, abortKey(runID))
	if err != nil {
		log.Printf("orchestrator: abort coordinator: failed to read abort flag for run %s: %v", runID, err)
		return false
	}
	return ok && val == "1"
}

// ClearAbort removes runID's abort flag.
func (a *AbortCoordinator) ClearAbort(ctx context.Context, runID RunID) {
	if err := a.kv.Delete(ctx, abortKey(runID)); err != nil {
		log.Printf("orchestrator: abort coordinator: failed to clear abort flag for run %s: %v", runID, err)
	}
}

// SetRunning marks runID as running, value = current millisecond timestamp.
func (a *AbortCoordinator) SetRunning(ctx context.Context, runID RunID) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := a.kv.Set(ctx, runningKey(runID), now, abortTTL); err != nil {
		log.Printf("orchestrator: abort coordinator: failed to set running flag for run %s: %v", runID, err)
	}
}

// ClearRunning removes runID's running flag.
func (a *AbortCoordinator) ClearRunning(ctx context.Context, runID RunID) {
	if err := a.kv.Delete(ctx, runningKey(runID)); err != nil {
		log.Printf("orchestrator: abort coordinator: failed to clear running flag for run %s: %v", runID, err)
	}
}
