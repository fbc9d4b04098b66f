package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gezibash/arc-broker/internal/delivery"
	"github.com/gezibash/arc-broker/internal/observability"
)

// ReapInterval is the default period between in-flight scans.
const ReapInterval = 5 * time.Second

// Reaper periodically cancels deliveries whose ack timeout has passed, so
// a consumer that vanished without an outcome does not strand its messages.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	now      func() time.Time
}

// NewReaper creates a reaper over every queue of m. A non-positive interval
// selects ReapInterval.
func NewReaper(m *Manager, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = ReapInterval
	}
	return &Reaper{manager: m, interval: interval, now: time.Now}
}

// Run starts the reaper loop. Blocks until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap cancels every expired delivery once and returns how many it
// cancelled.
func (r *Reaper) Reap(ctx context.Context) int {
	now := r.now()
	n := 0
	for _, q := range r.manager.Queues() {
		for _, d := range q.Expired(now) {
			requeued, err := d.Cancel(ctx)
			switch {
			case errors.Is(err, delivery.ErrOutcomePending), errors.Is(err, delivery.ErrSettled), errors.Is(err, ErrNotInFlight):
				// An outcome raced the reaper.
				continue
			case err != nil:
				slog.WarnContext(ctx, "reaper: cancel expired delivery", "queue", q.Name(), "delivery", d, "error", err)
				continue
			}
			n++
			q.count(observability.OutcomeExpired)
			slog.InfoContext(ctx, "reaper: expired delivery cancelled",
				"queue", q.Name(), "delivery", d, "requeued", requeued)
		}
	}
	return n
}
