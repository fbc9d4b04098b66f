package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/gezibash/arc-broker/internal/config"
	"github.com/gezibash/arc-broker/internal/journal"
	_ "github.com/gezibash/arc-broker/internal/journal/badger"
	_ "github.com/gezibash/arc-broker/internal/journal/memory"
	_ "github.com/gezibash/arc-broker/internal/journal/redis"
	_ "github.com/gezibash/arc-broker/internal/journal/sqlite"
	"github.com/gezibash/arc-broker/internal/middleware"
	"github.com/gezibash/arc-broker/internal/observability"
	"github.com/gezibash/arc-broker/internal/policy"
	"github.com/gezibash/arc-broker/internal/queue"
	"github.com/gezibash/arc-broker/internal/server"
	"github.com/gezibash/arc-broker/pkg/logging"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Long: `Start the broker on one acceptor.

Examples:
  arc-broker serve                                   # remote acceptor on :50051, badger journal
  arc-broker serve --transport invm --name local     # in-process only
  arc-broker serve --tls --need-client-auth \
      --keystore server.pem --truststore ca.pem     # two-way TLS
  arc-broker serve --journal sqlite --ack-timeout 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, os.Stderr, nil)
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}

// runServe runs the broker until ctx ends. ready, when non-nil, receives the
// server once it is accepting calls.
func runServe(ctx context.Context, cfg config.Config, logOut io.Writer, ready chan<- *server.Server) (err error) {
	acceptor, err := cfg.Acceptor.ToTransport()
	if err != nil {
		return fmt.Errorf("acceptor: %w", err)
	}

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		OTLPInsecure:   cfg.Observability.OTLPInsecure,
		SampleRatio:    cfg.Observability.TraceSampleRatio,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, logOut)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if closeErr := obs.Close(shutdownCtx); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown: %w", closeErr))
		}
	}()
	log := logging.New(obs.Logger)

	backend, err := journal.New(ctx, cfg.Journal.Backend, cfg.JournalParams(), obs.Metrics)
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	obs.Shutdown.Register("journal", func(context.Context) error {
		return backend.Close()
	})

	queues := queue.NewManager(backend, cfg.Delivery.QueueOptions(), obs.Metrics, log)
	obs.Shutdown.Register("queues", func(context.Context) error {
		queues.Close()
		return nil
	})
	recovered, err := queues.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queues: %w", err)
	}
	slog.Info("journal recovered", "backend", cfg.Journal.Backend, "messages", recovered)

	hooks := &middleware.Chain{}
	if cfg.Policy != "" {
		p, err := policy.Compile(cfg.Policy)
		if err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		hooks.Use(p.Hook())
		slog.Info("admission policy enabled", "policy", p.String())
	}

	srv, err := server.New(ctx, server.Config{
		Acceptor:         acceptor,
		Queues:           queues,
		Metrics:          obs.Metrics,
		Hooks:            hooks,
		Logger:           log,
		EnableReflection: cfg.GRPC.EnableReflection,
		Options:          grpcOptions(cfg.GRPC),
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	obs.Shutdown.Register("grpc-server", func(ctx context.Context) error {
		srv.Stop(ctx)
		return nil
	})

	reapCtx, stopReaper := context.WithCancel(ctx)
	go queue.NewReaper(queues, cfg.Delivery.ReapInterval).Run(reapCtx)
	obs.Shutdown.Register("reaper", func(context.Context) error {
		stopReaper()
		return nil
	})

	if cfg.Observability.MetricsAddr != "" {
		if _, err := obs.ServeMetrics(cfg.Observability.MetricsAddr, srv.Check); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()
	slog.Info("serving", "acceptor", acceptor.String(), "addr", srv.Addr(), "metrics", cfg.Observability.MetricsAddr)
	if ready != nil {
		ready <- srv
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

func grpcOptions(cfg config.GRPCConfig) []grpc.ServerOption {
	var opts []grpc.ServerOption
	if cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	}
	if cfg.MaxSendMsgSize > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(cfg.MaxSendMsgSize))
	}
	return opts
}
