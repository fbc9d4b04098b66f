package observability

import (
	"context"
	"errors"

	pkgerrors "github.com/gezibash/arc-broker/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/gezibash/arc-broker"

// Span attribute keys for broker entities.
const (
	AttrQueue     = attribute.Key("broker.queue")
	AttrMessageID = attribute.Key("broker.message_id")
	AttrSession   = attribute.Key("broker.session")
	AttrOutcome   = attribute.Key("broker.outcome")
	AttrPeerTLS   = attribute.Key("broker.peer.tls")
)

// StartSpan starts an internal broker span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends span. A consume timeout is an expected result, not a span
// error.
func EndSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, pkgerrors.ErrTimeout):
		span.SetAttributes(attribute.Bool("broker.timeout", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
