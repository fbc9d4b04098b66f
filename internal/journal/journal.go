// Package journal persists messages that have been published but not yet
// acknowledged, so a restarted broker can make them deliverable again.
package journal

import (
	"context"
	"fmt"
	"sort"

	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
)

var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = fmt.Errorf("journal record %w", brokererrors.ErrNotFound)

	// ErrClosed indicates the backend has been closed.
	ErrClosed = fmt.Errorf("journal %w", brokererrors.ErrClosed)
)

// Record is one journaled message.
type Record struct {
	ID         string            `json:"id"`
	Queue      string            `json:"queue"`
	Payload    []byte            `json:"payload"`
	Labels     map[string]string `json:"labels,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	Attempts   int               `json:"attempts"`
	DeadLetter bool              `json:"dead_letter,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Labels != nil {
		cp.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}

// Backend stores records. All implementations must be thread-safe.
type Backend interface {
	// Put inserts or replaces the record with the same Queue and ID.
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, queue, id string) (*Record, error)
	// Delete removes a record. Deleting a missing record returns ErrNotFound.
	Delete(ctx context.Context, queue, id string) error
	// List returns every record of queue ordered by Timestamp, then ID.
	List(ctx context.Context, queue string) ([]*Record, error)
	// Queues returns the names of all queues that have records.
	Queues(ctx context.Context) ([]string, error)
	Close() error
}

// SortRecords orders records by Timestamp, then ID.
func SortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp < recs[j].Timestamp
		}
		return recs[i].ID < recs[j].ID
	})
}
