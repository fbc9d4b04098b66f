// Package server exposes broker queues over gRPC. Each acceptor is admitted
// through transport.Validate before it listens.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	brokerv1 "github.com/gezibash/arc-broker/api/arc/broker/v1"
	"github.com/gezibash/arc-broker/internal/middleware"
	"github.com/gezibash/arc-broker/internal/observability"
	"github.com/gezibash/arc-broker/internal/queue"
	"github.com/gezibash/arc-broker/internal/transport"
	"github.com/gezibash/arc-broker/pkg/logging"
)

// Config wires a Server.
type Config struct {
	// Acceptor describes the listening endpoint. A remote acceptor also
	// serves an in-process acceptor under the same name unless
	// InVMDisabled is set.
	Acceptor *transport.Configuration
	Queues   *queue.Manager
	// Metrics defaults to a fresh registry.
	Metrics *observability.Metrics
	// Hooks run before every call. Optional.
	Hooks            *middleware.Chain
	Logger           *logging.Logger
	EnableReflection bool
	// Options are appended to every endpoint's gRPC server options.
	Options []grpc.ServerOption
}

type endpoint struct {
	grpc     *grpc.Server
	listener net.Listener
}

// Server serves BrokerService on one acceptor and, optionally, its
// in-process companion.
type Server struct {
	acceptor  *transport.Configuration
	endpoints []endpoint
	health    *health.Server
	service   *brokerService
	log       *logging.Logger
	stopOnce  sync.Once
}

// New validates the acceptor, opens its listeners and registers the broker
// service. Nothing is served until Serve.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := transport.Validate(cfg.Acceptor); err != nil {
		return nil, err
	}
	if cfg.Queues == nil {
		return nil, errors.New("server: queue manager required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = &middleware.Chain{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(nil)
	}
	log := cfg.Logger.WithComponent("server")

	creds, err := transport.ServerOptions(cfg.Acceptor)
	if err != nil {
		return nil, err
	}

	s := &Server{
		acceptor: cfg.Acceptor,
		health:   health.NewServer(),
		service: &brokerService{
			queues:   cfg.Queues,
			sessions: newSessions(cfg.Logger.WithComponent("session")),
			metrics:  cfg.Metrics,
			log:      log,
		},
		log: log,
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	lis, err := transport.Listen(ctx, cfg.Acceptor)
	if err != nil {
		return nil, err
	}
	s.endpoints = append(s.endpoints, endpoint{grpc: s.newGRPCServer(cfg, creds), listener: lis})

	if cfg.Acceptor.Kind == transport.KindRemote && !cfg.Acceptor.InVMDisabled {
		inVM, err := transport.ListenInVM(cfg.Acceptor.Name)
		if err != nil {
			_ = lis.Close()
			return nil, fmt.Errorf("server: in-process acceptor: %w", err)
		}
		s.endpoints = append(s.endpoints, endpoint{grpc: s.newGRPCServer(cfg, nil), listener: inVM})
	}

	log.Info("acceptor ready", "acceptor", cfg.Acceptor.String(), "addr", lis.Addr().String())
	return s, nil
}

func (s *Server) newGRPCServer(cfg Config, creds []grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			observability.UnaryServerInterceptor(cfg.Metrics),
			middleware.UnaryServerInterceptor(cfg.Hooks),
		),
	}
	opts = append(opts, creds...)
	opts = append(opts, cfg.Options...)

	gs := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(gs, s.health)
	brokerv1.RegisterBrokerServer(gs, s.service)
	if cfg.EnableReflection {
		reflection.Register(gs)
	}
	return gs
}

// Serve marks the broker healthy and serves every endpoint until Stop.
func (s *Server) Serve() error {
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	errs := make(chan error, len(s.endpoints))
	for _, ep := range s.endpoints {
		go func() {
			errs <- ep.grpc.Serve(ep.listener)
		}()
	}

	var err error
	for range s.endpoints {
		if e := <-errs; e != nil && !errors.Is(e, grpc.ErrServerStopped) && err == nil {
			err = e
			s.stopAll()
		}
	}
	return err
}

// Addr returns the address of the acceptor listener.
func (s *Server) Addr() string {
	return s.endpoints[0].listener.Addr().String()
}

// Acceptor returns the validated acceptor configuration.
func (s *Server) Acceptor() *transport.Configuration {
	return s.acceptor
}

// Check reports an error unless the broker is serving.
func (s *Server) Check(ctx context.Context) error {
	resp, err := s.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if st := resp.GetStatus(); st != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("broker %s", st)
	}
	return nil
}

// Sessions returns the number of open consumer sessions.
func (s *Server) Sessions() int {
	return s.service.sessions.count()
}

// Stop marks the broker unhealthy, drains calls, closes every listener and
// returns every delivery still held by a session to its queue. A Server that
// never reached Serve releases its acceptor too. When ctx ends first in-flight calls
// are cut off.
func (s *Server) Stop(ctx context.Context) {
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() {
		for _, ep := range s.endpoints {
			ep.grpc.GracefulStop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("graceful stop timed out, forcing")
		s.stopAll()
		<-done
	}

	// grpc only closes listeners that reached Serve.
	for _, ep := range s.endpoints {
		if err := ep.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("close listener", "error", err)
		}
	}

	if n := s.service.closeAll(context.WithoutCancel(ctx)); n > 0 {
		s.log.Info("returned held deliveries", "count", n)
	}
}

func (s *Server) stopAll() {
	s.stopOnce.Do(func() {
		for _, ep := range s.endpoints {
			ep.grpc.Stop()
		}
	})
}
