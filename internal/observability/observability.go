// Package observability wires broker logging, Prometheus metrics and
// OpenTelemetry tracing, and coordinates ordered shutdown of components.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ObsConfig is the config subset needed by the observability package.
type ObsConfig struct {
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string
	OTLPProtocol   string
	OTLPInsecure   bool
	SampleRatio    float64
	ServiceName    string
	ServiceVersion string
}

// Observability is the per-process bundle handed to broker components.
type Observability struct {
	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
	Shutdown       *ShutdownCoordinator
}

// New sets up logging first so tracer errors are reported through it.
// Without an OTLP endpoint spans go to a no-op provider.
func New(ctx context.Context, cfg ObsConfig, w io.Writer) (*Observability, error) {
	o := &Observability{
		Logger:   SetupLogger(cfg.LogLevel, cfg.LogFormat, w),
		Metrics:  NewMetrics(),
		Shutdown: &ShutdownCoordinator{},
	}

	if cfg.OTLPEndpoint == "" {
		o.TracerProvider = tracenoop.NewTracerProvider()
		o.Logger.Debug("tracing disabled")
		return o, nil
	}

	tp, err := InitTracer(ctx, TracerConfig{
		Endpoint:       cfg.OTLPEndpoint,
		Protocol:       cfg.OTLPProtocol,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.SampleRatio,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	o.TracerProvider = tp
	o.Shutdown.Register("tracer", tp.Shutdown)
	o.Logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint, "protocol", cfg.OTLPProtocol)
	return o, nil
}

// Close runs the registered shutdown steps.
func (o *Observability) Close(ctx context.Context) error {
	return o.Shutdown.Shutdown(ctx)
}

// ServeMetrics binds addr and serves /metrics and /health in the background.
// A non-nil check turns /health into 503 while it fails. The bind error is
// returned directly; the server is stopped by Close.
func (o *Observability) ServeMetrics(addr string, check func(context.Context) error) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(o.Logger.Handler(), slog.LevelError),
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = io.WriteString(w, "OK")
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.Logger.Error("metrics server stopped", "error", err)
		}
	}()
	o.Shutdown.Register("metrics", srv.Shutdown)
	o.Logger.Info("metrics listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}
