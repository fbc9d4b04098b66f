// Package memory provides an in-process journal backend. Records do not
// survive a restart.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gezibash/arc-broker/internal/journal"
)

func init() {
	journal.Register("memory", NewFactory, nil)
}

// NewFactory creates a memory backend. It takes no configuration.
func NewFactory(_ context.Context, _ map[string]string) (journal.Backend, error) {
	return New(), nil
}

// Backend is a map-backed journal.Backend.
type Backend struct {
	mu     sync.RWMutex
	queues map[string]map[string]*journal.Record
	closed atomic.Bool
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{queues: make(map[string]map[string]*journal.Record)}
}

// Put stores a copy of rec.
func (b *Backend) Put(_ context.Context, rec *journal.Record) error {
	if b.closed.Load() {
		return journal.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[rec.Queue]
	if !ok {
		q = make(map[string]*journal.Record)
		b.queues[rec.Queue] = q
	}
	q[rec.ID] = rec.Clone()
	return nil
}

func (b *Backend) Get(_ context.Context, queue, id string) (*journal.Record, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.queues[queue][id]
	if !ok {
		return nil, journal.ErrNotFound
	}
	return rec.Clone(), nil
}

func (b *Backend) Delete(_ context.Context, queue, id string) error {
	if b.closed.Load() {
		return journal.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[queue]
	if _, ok := q[id]; !ok {
		return journal.ErrNotFound
	}
	delete(q, id)
	if len(q) == 0 {
		delete(b.queues, queue)
	}
	return nil
}

func (b *Backend) List(_ context.Context, queue string) ([]*journal.Record, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	b.mu.RLock()
	out := make([]*journal.Record, 0, len(b.queues[queue]))
	for _, rec := range b.queues[queue] {
		out = append(out, rec.Clone())
	}
	b.mu.RUnlock()

	journal.SortRecords(out)
	return out, nil
}

func (b *Backend) Queues(_ context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	b.mu.RLock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	b.mu.RUnlock()

	slices.Sort(names)
	return names, nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
