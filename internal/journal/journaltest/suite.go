// Package journaltest provides a conformance suite run against every journal
// backend.
package journaltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gezibash/arc-broker/internal/journal"
	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
)

// NewFunc returns a fresh, empty backend. The suite closes it.
type NewFunc func(t *testing.T) journal.Backend

// Record builds a test record.
func Record(queue, id string, ts int64) *journal.Record {
	return &journal.Record{
		ID:        id,
		Queue:     queue,
		Payload:   []byte("payload-" + id),
		Labels:    map[string]string{"content-type": "text/plain"},
		Timestamp: ts,
	}
}

// Run executes the backend conformance suite.
func Run(t *testing.T, newBackend NewFunc) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newBackend(t)) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, newBackend(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newBackend(t)) })
	t.Run("ListOrder", func(t *testing.T) { testListOrder(t, newBackend(t)) })
	t.Run("Queues", func(t *testing.T) { testQueues(t, newBackend(t)) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, newBackend(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newBackend(t)) })
}

func testPutGet(t *testing.T, be journal.Backend) {
	defer be.Close()
	ctx := context.Background()

	rec := Record("orders", "m1", 100)
	if err := be.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := be.Get(ctx, "orders", "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != "payload-m1" {
		t.Errorf("Payload = %q, want %q", got.Payload, "payload-m1")
	}
	if got.Labels["content-type"] != "text/plain" {
		t.Errorf("Labels = %v", got.Labels)
	}
	if got.Timestamp != 100 {
		t.Errorf("Timestamp = %d, want 100", got.Timestamp)
	}

	if _, err := be.Get(ctx, "other", "m1"); !errors.Is(err, journal.ErrNotFound) {
		t.Errorf("Get in other queue = %v, want ErrNotFound", err)
	}
	if _, err := be.Get(ctx, "orders", "missing"); !errors.Is(err, brokererrors.ErrNotFound) {
		t.Errorf("Get missing = %v, want shared ErrNotFound", err)
	}
}

func testPutReplaces(t *testing.T, be journal.Backend) {
	defer be.Close()
	ctx := context.Background()

	rec := Record("orders", "m1", 100)
	if err := be.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec = rec.Clone()
	rec.Attempts = 2
	rec.DeadLetter = true
	if err := be.Put(ctx, rec); err != nil {
		t.Fatalf("Put replace: %v", err)
	}

	got, err := be.Get(ctx, "orders", "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attempts != 2 || !got.DeadLetter {
		t.Errorf("got Attempts=%d DeadLetter=%v, want 2 true", got.Attempts, got.DeadLetter)
	}

	list, err := be.List(ctx, "orders")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List len = %d, want 1", len(list))
	}
}

func testDelete(t *testing.T, be journal.Backend) {
	defer be.Close()
	ctx := context.Background()

	if err := be.Put(ctx, Record("orders", "m1", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := be.Delete(ctx, "orders", "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := be.Get(ctx, "orders", "m1"); !errors.Is(err, journal.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := be.Delete(ctx, "orders", "m1"); !errors.Is(err, journal.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func testListOrder(t *testing.T, be journal.Backend) {
	defer be.Close()
	ctx := context.Background()

	for _, rec := range []*journal.Record{
		Record("orders", "c", 300),
		Record("orders", "b", 100),
		Record("orders", "a", 100),
		Record("orders", "d", 200),
		Record("audit", "x", 50),
	} {
		if err := be.Put(ctx, rec); err != nil {
			t.Fatalf("Put %s: %v", rec.ID, err)
		}
	}

	list, err := be.List(ctx, "orders")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	if got, want := fmt.Sprint(ids), "[a b d c]"; got != want {
		t.Errorf("List order = %s, want %s", got, want)
	}

	empty, err := be.List(ctx, "nothing")
	if err != nil {
		t.Fatalf("List empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("List of unknown queue = %d records, want 0", len(empty))
	}
}

func testQueues(t *testing.T, be journal.Backend) {
	defer be.Close()
	ctx := context.Background()

	for _, rec := range []*journal.Record{Record("b", "1", 1), Record("a", "1", 1), Record("a", "2", 2)} {
		if err := be.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	queues, err := be.Queues(ctx)
	if err != nil {
		t.Fatalf("Queues: %v", err)
	}
	if got, want := fmt.Sprint(queues), "[a b]"; got != want {
		t.Errorf("Queues = %s, want %s", got, want)
	}

	if err := be.Delete(ctx, "b", "1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	queues, err = be.Queues(ctx)
	if err != nil {
		t.Fatalf("Queues: %v", err)
	}
	if got, want := fmt.Sprint(queues), "[a]"; got != want {
		t.Errorf("Queues after delete = %s, want %s", got, want)
	}
}

func testConcurrent(t *testing.T, be journal.Backend) {
	defer be.Close()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("m%03d", i)
			if err := be.Put(ctx, Record("load", id, int64(i))); err != nil {
				errs <- err
				return
			}
			if i%2 == 0 {
				if err := be.Delete(ctx, "load", id); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent op: %v", err)
	}

	list, err := be.List(ctx, "load")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != n/2 {
		t.Errorf("List len = %d, want %d", len(list), n/2)
	}
}

func testClosed(t *testing.T, be journal.Backend) {
	ctx := context.Background()
	if err := be.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := be.Put(ctx, Record("q", "1", 1)); !errors.Is(err, journal.ErrClosed) {
		t.Errorf("Put after close = %v, want ErrClosed", err)
	}
	if _, err := be.List(ctx, "q"); !errors.Is(err, journal.ErrClosed) {
		t.Errorf("List after close = %v, want ErrClosed", err)
	}
}
