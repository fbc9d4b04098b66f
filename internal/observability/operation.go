package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	pkgerrors "github.com/gezibash/arc-broker/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation times one broker step (journal open, recovery) with a span, a
// debug log pair and the operation metrics.
type Operation struct {
	name    string
	start   time.Time
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
}

// StartOperation opens an operation. m may be nil.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	slog.DebugContext(ctx, "operation started", "operation", name)
	return &Operation{name: name, start: time.Now(), ctx: ctx, span: span, metrics: m}, ctx
}

// End closes the operation with its final error. Timeouts count as status
// "timeout" rather than "error".
func (o *Operation) End(err error) {
	took := time.Since(o.start)
	status := operationStatus(err)
	EndSpan(o.span, err)

	if status == "error" {
		slog.ErrorContext(o.ctx, "operation failed", "operation", o.name, "took", took, "error", err)
	} else {
		slog.DebugContext(o.ctx, "operation finished", "operation", o.name, "took", took, "status", status)
	}
	if o.metrics == nil {
		return
	}
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(took.Seconds())
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
	if status == "error" {
		o.metrics.ErrorsTotal.WithLabelValues(o.name, errorKind(err)).Inc()
	}
}

func operationStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, pkgerrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// errorKind buckets errors by the shared sentinel they wrap.
func errorKind(err error) string {
	for _, k := range []struct {
		target error
		kind   string
	}{
		{pkgerrors.ErrNotFound, "not_found"},
		{pkgerrors.ErrClosed, "closed"},
		{pkgerrors.ErrInvalidInput, "invalid_input"},
		{pkgerrors.ErrNotConnected, "not_connected"},
		{context.Canceled, "canceled"},
	} {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return "other"
}
