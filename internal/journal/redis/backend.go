// Package redis provides a Redis-backed journal backend.
//
// Each queue is a hash keyed by message ID holding the JSON record. A set
// tracks which queues currently hold records.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-broker/internal/journal"
	"github.com/gezibash/arc-broker/internal/params"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"
)

const component = "redis"

func init() {
	journal.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "arc-broker:",
	}
}

// KEYS[1] queue hash, KEYS[2] queue set; ARGV[1] id, ARGV[2] queue name.
var deleteScript = redis.NewScript(`
local n = redis.call("HDEL", KEYS[1], ARGV[1])
if n == 0 then
  return 0
end
if redis.call("HLEN", KEYS[1]) == 0 then
  redis.call("SREM", KEYS[2], ARGV[2])
end
return n
`)

// NewFactory creates a Redis backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (journal.Backend, error) {
	addr := params.String(config, KeyAddr, "")
	if addr == "" {
		return nil, params.NewConfigError(component, KeyAddr, "cannot be empty")
	}

	db, err := params.Int(config, KeyDB, 0)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyDB, config[KeyDB], err.Error())
	}
	if db < 0 {
		return nil, params.NewConfigErrorWithValue(component, KeyDB, config[KeyDB], "must be non-negative")
	}
	maxRetries, err := params.Int(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyMaxRetries, config[KeyMaxRetries], err.Error())
	}
	dialTimeout, err := params.Duration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyDialTimeout, config[KeyDialTimeout], err.Error())
	}
	readTimeout, err := params.Duration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyReadTimeout, config[KeyReadTimeout], err.Error())
	}
	writeTimeout, err := params.Duration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyWriteTimeout, config[KeyWriteTimeout], err.Error())
	}
	poolSize, err := params.Int(config, KeyPoolSize, 0)
	if err != nil {
		return nil, params.NewConfigErrorWithValue(component, KeyPoolSize, config[KeyPoolSize], err.Error())
	}

	opts := &redis.Options{
		Addr:         addr,
		Password:     params.String(config, KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, params.NewConfigErrorWithCause(component, KeyAddr, "failed to connect", err)
	}

	prefix := params.String(config, KeyKeyPrefix, "arc-broker:")
	slog.Info("redis journal initialized", "addr", addr, "db", db, "key_prefix", prefix)
	return NewWithClient(client, prefix), nil
}

// Backend is a Redis implementation of journal.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient wraps an existing client. All keys are namespaced by prefix.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) queueKey(queue string) string { return b.prefix + "queue:" + queue }
func (b *Backend) queuesKey() string            { return b.prefix + "queues" }

// Put stores rec, replacing any record with the same queue and ID.
func (b *Backend) Put(ctx context.Context, rec *journal.Record) error {
	if b.closed.Load() {
		return journal.ErrClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis put: encode: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.queueKey(rec.Queue), rec.ID, data)
		pipe.SAdd(ctx, b.queuesKey(), rec.Queue)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, queue, id string) (*journal.Record, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	data, err := b.client.HGet(ctx, b.queueKey(queue), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, journal.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec journal.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis get: decode: %w", err)
	}
	return &rec, nil
}

func (b *Backend) Delete(ctx context.Context, queue, id string) error {
	if b.closed.Load() {
		return journal.ErrClosed
	}
	n, err := deleteScript.Run(ctx, b.client, []string{b.queueKey(queue), b.queuesKey()}, id, queue).Int()
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
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
	vals, err := b.client.HVals(ctx, b.queueKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	out := make([]*journal.Record, 0, len(vals))
	for _, v := range vals {
		var rec journal.Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("redis list: decode: %w", err)
		}
		out = append(out, &rec)
	}
	journal.SortRecords(out)
	return out, nil
}

func (b *Backend) Queues(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, journal.ErrClosed
	}
	names, err := b.client.SMembers(ctx, b.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queues: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Close closes the client. Further calls return journal.ErrClosed.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
