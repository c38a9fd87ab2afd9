package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScopeOrchestrator = "evalcore.orchestrator"

	traceSpanRun       = "evalcore.run"
	traceSpanCell      = "evalcore.cell"
	traceSpanTarget    = "evalcore.target"
	traceSpanEvaluator = "evalcore.evaluator"

	traceAttrRunID       = "evalcore.run_id"
	traceAttrRowIndex    = "evalcore.row_index"
	traceAttrTargetID    = "evalcore.target_id"
	traceAttrEvaluatorID = "evalcore.evaluator_id"
	traceAttrStatus      = "evalcore.status"
)

// startRunSpan opens the top-level span for one run, tagged with the
// caller-supplied run id.
func startRunSpan(ctx context.Context, runID RunID) (context.Context, trace.Span) {
	return otel.Tracer(traceScopeOrchestrator).Start(ctx, traceSpanRun,
		trace.WithAttributes(attribute.String(traceAttrRunID, runID)))
}

// startCellSpan opens a child span for one cell, tagged with the run id,
// row index and target id. The span's trace id is the one OpenTelemetry
// assigns; it is not the cell's 16-byte hex backend trace id, which is not
// recorded on the span.
func startCellSpan(ctx context.Context, runID RunID, rowIndex int, targetID TargetID) (context.Context, trace.Span) {
	return otel.Tracer(traceScopeOrchestrator).Start(ctx, traceSpanCell,
		trace.WithAttributes(
			attribute.String(traceAttrRunID, runID),
			attribute.Int(traceAttrRowIndex, rowIndex),
			attribute.String(traceAttrTargetID, string(targetID)),
		))
}

func startTargetSpan(ctx context.Context, targetID TargetID) (context.Context, trace.Span) {
	return otel.Tracer(traceScopeOrchestrator).Start(ctx, traceSpanTarget,
		trace.WithAttributes(attribute.String(traceAttrTargetID, string(targetID))))
}

func startEvaluatorSpan(ctx context.Context, targetID TargetID, evaluatorID EvaluatorID) (context.Context, trace.Span) {
	return otel.Tracer(traceScopeOrchestrator).Start(ctx, traceSpanEvaluator,
		trace.WithAttributes(
			attribute.String(traceAttrTargetID, string(targetID)),
			attribute.String(traceAttrEvaluatorID, string(evaluatorID)),
		))
}

// markSpanResult records an error on the span, or a plain success status
// when err is nil.
func markSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
