package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Lifecycle attributes.
var (
	AttrItemID        = attribute.Key("steward.item.id")
	AttrActionType    = attribute.Key("steward.item.action_type")
	AttrFromBucket    = attribute.Key("steward.bucket.from")
	AttrToBucket      = attribute.Key("steward.bucket.to")
	AttrExecutorID    = attribute.Key("steward.executor.id")
	AttrOperation     = attribute.Key("steward.executor.operation")
	AttrAttempt       = attribute.Key("steward.execution.attempt")
	AttrOutcome       = attribute.Key("steward.outcome")
	AttrOperationName = attribute.Key("steward.operation")
)

// ItemOperation describes work on one item.
func ItemOperation(itemID, actionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrItemID.String(itemID),
		AttrActionType.String(actionType),
	}
}

// ExecutionOperation describes one executor attempt.
func ExecutionOperation(itemID, executorID, operation string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrItemID.String(itemID),
		AttrExecutorID.String(executorID),
		AttrOperation.String(operation),
		AttrAttempt.Int(attempt),
	}
}

// SetSpanStatus marks the current span failed when err is set.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
