// Package sqlite provides a SQLite-backed journal backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-broker/internal/journal"
	"github.com/gezibash/arc-broker/internal/params"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeySynchronous = "synchronous"
)

const component = "sqlite"

func init() {
	journal.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.arc-broker/journal.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeySynchronous: "full",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
    queue       TEXT NOT NULL,
    id          TEXT NOT NULL,
    payload     BLOB,
    labels      TEXT NOT NULL DEFAULT '{}',
    timestamp   INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    dead_letter INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (queue, id)
);

CREATE INDEX IF NOT EXISTS idx_records_order ON records(queue, timestamp, id);
`

// NewFactory creates a SQLite backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (journal.Backend, error) {
	path := params.String(config, KeyPath, "")
	if path == "" {
		return nil, params.NewConfigError(component, KeyPath, "cannot be empty")
	}
	path = params.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, params.NewConfigErrorWithCause(component, KeyPath, "failed to create directory", err)
	}

	busyTimeout, err := params.Int(config, KeyBusyTimeout, 5000)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyBusyTimeout, config[KeyBusyTimeout], err.Error())
	}
	journalMode := params.String(config, KeyJournalMode, "wal")
	synchronous := params.String(config, KeySynchronous, "full")

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", journalMode))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", synchronous))
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, params.NewConfigErrorWithCause(component, KeyPath, "failed to open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, params.NewConfigErrorWithCause(component, KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite journal initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of journal.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

// Put stores rec, replacing any record with the same queue and ID.
func (b *Backend) Put(ctx context.Context, rec *journal.Record) error {
	if b.closed.Load() {
		return journal.ErrClosed
	}
	labels, err := json.Marshal(rec.Labels)
	if err != nil {
		return fmt.Errorf("sqlite put: encode labels: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO records (queue, id, payload, labels, timestamp, attempts, dead_letter)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(queue, id) DO UPDATE SET
    payload = excluded.payload,
    labels = excluded.labels,
    timestamp = excluded.timestamp,
    attempts = excluded.attempts,
    dead_letter = excluded.dead_letter`,
		rec.Queue, rec.ID, rec.Payload, string(labels), rec.Timestamp, rec.Attempts, rec.DeadLetter)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*journal.Record, error) {
	var (
		rec    journal.Record
		labels string
	)
	if err := s.Scan(&rec.Queue, &rec.ID, &rec.Payload, &labels, &rec.Timestamp, &rec.Attempts, &rec.DeadLetter); err != nil {
		return nil, err
	}
	if labels != "" && labels != "null" {
		if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	return &rec, nil
}

const selectColumns = `SELECT queue, id, payload, labels, timestamp, attempts, dead_letter FROM records`

func (b *Backend) Get(ctx context.Context, queue, id string) (*journal.Record, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	row := b.db.QueryRowContext(ctx, selectColumns+` WHERE queue = ? AND id = ?`, queue, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, journal.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return rec, nil
}

func (b *Backend) Delete(ctx context.Context, queue, id string) error {
	if b.closed.Load() {
		return journal.ErrClosed
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE queue = ? AND id = ?`, queue, id)
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	if n == 0 {
		return journal.ErrNotFound
	}
	return nil
}

func (b *Backend) List(ctx context.Context, queue string) ([]*journal.Record, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	rows, err := b.db.QueryContext(ctx, selectColumns+` WHERE queue = ? ORDER BY timestamp, id`, queue)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var out []*journal.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *Backend) Queues(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT queue FROM records ORDER BY queue`)
	if err != nil {
		return nil, fmt.Errorf("sqlite queues: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite queues: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database. Further calls return journal.ErrClosed.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
