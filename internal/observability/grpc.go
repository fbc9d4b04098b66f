package observability

import (
	"context"
	"time"

	"github.com/gezibash/arc-broker/internal/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor opens a server span per call, continuing any trace
// the client propagated, and records duration and status code per method.
func UnaryServerInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
		ctx, span := otel.Tracer(instrumentation).Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(callAttributes(ctx, md)...),
		)
		defer span.End()

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err).String()

		span.SetAttributes(attribute.String("rpc.grpc.status_code", code))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		m.OperationDuration.WithLabelValues(info.FullMethod, code).Observe(time.Since(start).Seconds())
		m.OperationTotal.WithLabelValues(info.FullMethod, code).Inc()
		return resp, err
	}
}

func callAttributes(ctx context.Context, md metadata.MD) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("rpc.system", "grpc")}
	if v := md.Get(middleware.SessionKey); len(v) > 0 {
		attrs = append(attrs, AttrSession.String(v[0]))
	}
	if p, ok := peer.FromContext(ctx); ok {
		_, secure := p.AuthInfo.(credentials.TLSInfo)
		attrs = append(attrs, AttrPeerTLS.Bool(secure))
		if p.Addr != nil {
			attrs = append(attrs, attribute.String("net.peer.addr", p.Addr.String()))
		}
	}
	return attrs
}

// metadataCarrier adapts incoming gRPC metadata, whose keys are lower case,
// to the propagation API.
type metadataCarrier metadata.MD

var _ propagation.TextMapCarrier = metadataCarrier(nil)

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
