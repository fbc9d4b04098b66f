// Package badger provides a BadgerDB-backed journal backend.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-broker/internal/journal"
	"github.com/gezibash/arc-broker/internal/params"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
)

const component = "badger"

// Record keys are prefixRecord + queue + sep + id.
var (
	prefixRecord = []byte("rec/")
	sep          = byte(0)
)

func init() {
	journal.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc-broker/journal",
		KeySyncWrites:       "true",
		KeyValueLogFileSize: strconv.FormatInt(256<<20, 10),
		KeyMemTableSize:     strconv.FormatInt(64<<20, 10),
		KeyInMemory:         "false",
	}
}

// NewFactory creates a BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (journal.Backend, error) {
	inMemory, err := params.Bool(config, KeyInMemory, false)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyInMemory, config[KeyInMemory], err.Error())
	}
	if inMemory {
		return newInMemory()
	}

	path := params.String(config, KeyPath, "")
	if path == "" {
		return nil, params.NewConfigError(component, KeyPath, "cannot be empty")
	}
	path = params.ExpandPath(path)

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, params.NewConfigErrorWithCause(component, KeyPath, "failed to create directory", err)
	}

	syncWrites, err := params.Bool(config, KeySyncWrites, true)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeySyncWrites, config[KeySyncWrites], err.Error())
	}
	valueLogFileSize, err := params.Int64(config, KeyValueLogFileSize, 256<<20)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyValueLogFileSize, config[KeyValueLogFileSize], err.Error())
	}
	memTableSize, err := params.Int64(config, KeyMemTableSize, 64<<20)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyMemTableSize, config[KeyMemTableSize], err.Error())
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites
	if valueLogFileSize > 0 {
		opts.ValueLogFileSize = valueLogFileSize
	}
	if memTableSize > 0 {
		opts.MemTableSize = memTableSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, params.NewConfigErrorWithCause(component, KeyPath, "failed to open database", err)
	}

	slog.Info("badger journal initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

func newInMemory() (*Backend, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, params.NewConfigErrorWithCause(component, KeyInMemory, "failed to open in-memory database", err)
	}

	slog.Info("badger journal initialized (in-memory)")
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of journal.Backend.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB wraps an open BadgerDB instance.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func queuePrefix(queue string) []byte {
	k := make([]byte, 0, len(prefixRecord)+len(queue)+1)
	k = append(k, prefixRecord...)
	k = append(k, queue...)
	return append(k, sep)
}

func recordKey(queue, id string) []byte {
	return append(queuePrefix(queue), id...)
}

// Put stores rec, replacing any record with the same queue and ID.
func (b *Backend) Put(_ context.Context, rec *journal.Record) error {
	if b.closed.Load() {
		return journal.ErrClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("badger put: encode: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Queue, rec.ID), data)
	})
}

func (b *Backend) Get(_ context.Context, queue, id string) (*journal.Record, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	var rec journal.Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(queue, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, journal.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return &rec, nil
}

func (b *Backend) Delete(_ context.Context, queue, id string) error {
	if b.closed.Load() {
		return journal.ErrClosed
	}
	key := recordKey(queue, id)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return journal.ErrNotFound
	}
	return err
}

func (b *Backend) List(_ context.Context, queue string) ([]*journal.Record, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	prefix := queuePrefix(queue)
	var out []*journal.Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec journal.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list: %w", err)
	}
	journal.SortRecords(out)
	return out, nil
}

func (b *Backend) Queues(_ context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixRecord
		it := txn.NewIterator(opts)
		defer it.Close()

		var last string
		for it.Seek(prefixRecord); it.ValidForPrefix(prefixRecord); it.Next() {
			rest := it.Item().Key()[len(prefixRecord):]
			i := bytes.IndexByte(rest, sep)
			if i < 0 {
				continue
			}
			if name := string(rest[:i]); name != last {
				names = append(names, name)
				last = name
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger queues: %w", err)
	}
	return names, nil
}

// Close closes the database. Further calls return journal.ErrClosed.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
