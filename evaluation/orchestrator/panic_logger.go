package orchestrator

import "log"

// panicLogger adapts the standard logger to internal/async.PanicLogger, the
// same shim evaluation/swe_bench uses around its worker and progress
// goroutines.
type panicLogger struct{}

func (panicLogger) Error(format string, args ...any) {
	log.Printf(format, args...)
}
