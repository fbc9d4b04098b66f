package journal_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/gezibash/arc-broker/internal/journal"
	_ "github.com/gezibash/arc-broker/internal/journal/badger"
	"github.com/gezibash/arc-broker/internal/journal/journaltest"
	_ "github.com/gezibash/arc-broker/internal/journal/memory"
	_ "github.com/gezibash/arc-broker/internal/journal/sqlite"
	"github.com/gezibash/arc-broker/internal/observability"
	"github.com/gezibash/arc-broker/internal/params"
)

func TestListBackends(t *testing.T) {
	got := journal.ListBackends()
	for _, want := range []string{"badger", "memory", "sqlite"} {
		if !slices.Contains(got, want) {
			t.Errorf("ListBackends() = %v, missing %q", got, want)
		}
		if !journal.IsRegistered(want) {
			t.Errorf("IsRegistered(%q) = false", want)
		}
	}
	if !slices.IsSorted(got) {
		t.Errorf("ListBackends() not sorted: %v", got)
	}
}

func TestNewMergesDefaults(t *testing.T) {
	if journal.GetDefaults("badger")["in_memory"] != "false" {
		t.Fatalf("badger defaults = %v", journal.GetDefaults("badger"))
	}
	if journal.GetDefaults("memory") != nil {
		t.Errorf("memory should have no defaults")
	}

	be, err := journal.New(context.Background(), "badger", map[string]string{"in_memory": "true"}, observability.NewMetrics())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer be.Close()

	if err := be.Put(context.Background(), journaltest.Record("q", "1", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := journal.New(context.Background(), "etcd", nil, nil)
	var cfgErr *params.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *params.ConfigError", err)
	}
	if cfgErr.Value != "etcd" {
		t.Errorf("Value = %q, want etcd", cfgErr.Value)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	journal.Register("memory", nil, nil)
}

func TestSortRecords(t *testing.T) {
	recs := []*journal.Record{{ID: "b", Timestamp: 2}, {ID: "z", Timestamp: 1}, {ID: "a", Timestamp: 2}}
	journal.SortRecords(recs)
	if recs[0].ID != "z" || recs[1].ID != "a" || recs[2].ID != "b" {
		t.Errorf("order = %s %s %s, want z a b", recs[0].ID, recs[1].ID, recs[2].ID)
	}
}
