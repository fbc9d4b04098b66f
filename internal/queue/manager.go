package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gezibash/arc-broker/internal/journal"
	"github.com/gezibash/arc-broker/internal/observability"
	"github.com/gezibash/arc-broker/pkg/logging"
)

// ErrQueueInUse is returned when deleting a queue with in-flight deliveries.
var ErrQueueInUse = errors.New("queue: deliveries in flight")

// Manager owns the named queues of one broker. Queues share a journal
// backend and a delivery policy.
type Manager struct {
	journal journal.Backend
	opts    Options
	metrics *observability.Metrics
	log     *logging.Logger

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewManager creates an empty manager. backend, metrics and log may be nil.
func NewManager(backend journal.Backend, opts Options, metrics *observability.Metrics, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.New(nil)
	}
	return &Manager{
		journal: backend,
		opts:    opts,
		metrics: metrics,
		log:     log,
		queues:  make(map[string]*Queue),
	}
}

// Get returns the queue named name, creating it on first use.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return q, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := New(name, m.journal, m.opts, m.metrics, m.log)
	if err != nil {
		return nil, err
	}
	m.queues[name] = q
	return q, nil
}

// Lookup returns an existing queue without creating it.
func (m *Manager) Lookup(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Names returns the queue names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Queues returns a snapshot of all queues.
func (m *Manager) Queues() []*Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out
}

// Delete closes a queue and purges its journal records. Queues with
// deliveries in flight are refused with ErrQueueInUse.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("queue %q: %w", name, journal.ErrNotFound)
	}
	if q.InFlight() > 0 {
		m.mu.Unlock()
		return fmt.Errorf("queue %q: %w", name, ErrQueueInUse)
	}
	delete(m.queues, name)
	m.mu.Unlock()

	q.Close()
	if m.journal == nil {
		return nil
	}
	recs, err := m.journal.List(ctx, name)
	if err != nil {
		return fmt.Errorf("queue %q: purge: %w", name, err)
	}
	for _, rec := range recs {
		if err := m.journal.Delete(ctx, name, rec.ID); err != nil && !errors.Is(err, journal.ErrNotFound) {
			return fmt.Errorf("queue %q: purge %s: %w", name, rec.ID, err)
		}
	}
	return nil
}

// Recover creates a queue for every queue name found in the journal and
// loads its records. It returns the total number of ready messages.
func (m *Manager) Recover(ctx context.Context) (total int, err error) {
	if m.journal == nil {
		return 0, nil
	}
	op, ctx := observability.StartOperation(ctx, m.metrics, "queue.recover")
	defer func() { op.End(err) }()

	names, err := m.journal.Queues(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover queues: %w", err)
	}
	for _, name := range names {
		q, err := m.Get(name)
		if err != nil {
			return total, err
		}
		n, err := q.Recover(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close closes every queue.
func (m *Manager) Close() {
	for _, q := range m.Queues() {
		q.Close()
	}
}
