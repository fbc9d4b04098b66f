package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gezibash/arc-broker/internal/journal"
	"github.com/gezibash/arc-broker/internal/journal/journaltest"
	"github.com/gezibash/arc-broker/internal/params"
)

// Set ARC_BROKER_TEST_REDIS to a host:port to run against a live server.
func newTestBackend(t *testing.T) journal.Backend {
	t.Helper()
	addr := os.Getenv("ARC_BROKER_TEST_REDIS")
	if addr == "" {
		t.Skip("ARC_BROKER_TEST_REDIS not set")
	}
	be, err := NewFactory(context.Background(), map[string]string{
		KeyAddr:      addr,
		KeyDB:        "15",
		KeyKeyPrefix: fmt.Sprintf("test-%d-", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatal(err)
	}
	return be
}

func TestConformance(t *testing.T) {
	journaltest.Run(t, newTestBackend)
}

func TestNewFactoryConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   map[string]string
		field string
	}{
		{"empty addr", map[string]string{KeyAddr: ""}, KeyAddr},
		{"negative db", map[string]string{KeyAddr: "localhost:1", KeyDB: "-1"}, KeyDB},
		{"bad timeout", map[string]string{KeyAddr: "localhost:1", KeyDialTimeout: "soon"}, KeyDialTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory(context.Background(), tt.cfg)
			var cfgErr *params.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want *params.ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}
