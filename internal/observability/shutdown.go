package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ShutdownCoordinator stops broker components in reverse registration order.
// Register the journal before the queues that write to it and the queues
// before the server that hands out their deliveries.
type ShutdownCoordinator struct {
	mu    sync.Mutex
	steps []shutdownStep
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// Register appends a step.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	s.steps = append(s.steps, shutdownStep{name: name, fn: fn})
	s.mu.Unlock()
}

// Pending reports how many steps have not run yet.
func (s *ShutdownCoordinator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Shutdown runs every registered step once, last registered first. Every
// step runs even when an earlier one fails; failures are joined.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		start := time.Now()
		if err := step.fn(ctx); err != nil {
			slog.ErrorContext(ctx, "shutdown step failed", "component", step.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		slog.DebugContext(ctx, "component stopped", "component", step.name, "took", time.Since(start))
	}
	return errors.Join(errs...)
}
