package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline attribute keys.
var (
	AttrQueue     = attribute.Key("assure.queue")
	AttrJobID     = attribute.Key("assure.job.id")
	AttrAttempt   = attribute.Key("assure.job.attempt")
	AttrCustomer  = attribute.Key("assure.customer.id")
	AttrControl   = attribute.Key("assure.control.id")
	AttrCollector = attribute.Key("assure.collector")
	AttrStatus    = attribute.Key("assure.check.status")
	AttrOutcome   = attribute.Key("assure.job.outcome")
)

// JobOperation creates attributes for a queue job attempt.
func JobOperation(queue, jobID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrQueue.String(queue),
		AttrJobID.String(jobID),
		AttrAttempt.Int(attempt),
	}
}

// ControlOperation creates attributes for work on one customer control.
func ControlOperation(customerID, controlID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCustomer.String(customerID),
		AttrControl.String(controlID),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
