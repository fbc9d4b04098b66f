package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gezibash/arc-broker/internal/config"
	"github.com/gezibash/arc-broker/internal/server"
	"github.com/gezibash/arc-broker/internal/transport"
	"github.com/gezibash/arc-broker/pkg/client"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func TestConnectorConfig(t *testing.T) {
	tc := connectorConfig(config.TransportConfig{
		Kind:           "remote",
		Host:           "0.0.0.0",
		NeedClientAuth: true,
		InVMDisabled:   true,
	})
	if tc.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want %q", tc.Host, "127.0.0.1")
	}
	if tc.NeedClientAuth || tc.InVMDisabled {
		t.Error("acceptor-only policy should be cleared")
	}

	tc = connectorConfig(config.TransportConfig{Kind: "invm", Name: "x", TLSEnabled: true})
	if tc.TLSEnabled {
		t.Error("in-process connector should not use TLS")
	}
}

func TestFormatDelivery(t *testing.T) {
	d := &client.Delivery{
		MessageID: "0123456789abcdef",
		Queue:     "orders",
		Attempts:  2,
		Labels:    map[string]string{"b": "2", "a": "1"},
		Payload:   []byte("hello"),
	}

	var text bytes.Buffer
	if err := formatDelivery(&text, d, "text"); err != nil {
		t.Fatalf("formatDelivery text: %v", err)
	}
	if !strings.HasPrefix(text.String(), "01234567") || !strings.Contains(text.String(), "a=1 b=2") {
		t.Errorf("text = %q", text.String())
	}

	var js bytes.Buffer
	if err := formatDelivery(&js, d, "json"); err != nil {
		t.Fatalf("formatDelivery json: %v", err)
	}
	if !strings.Contains(js.String(), `"message_id":"0123456789abcdef"`) {
		t.Errorf("json = %q", js.String())
	}
}

func TestValidateCommand(t *testing.T) {
	isolate(t)

	t.Run("invm with tls is rejected", func(t *testing.T) {
		cmd := newValidateCmd()
		cmd.SetArgs([]string{"--transport", "invm", "--name", "local", "--tls"})
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		err := cmd.Execute()
		if !errors.Is(err, transport.ErrInvalidConfiguration) {
			t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
		}
	})

	t.Run("plain remote is accepted", func(t *testing.T) {
		cmd := newValidateCmd()
		var out bytes.Buffer
		cmd.SetArgs([]string{"--port", "6000"})
		cmd.SetOut(&out)
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !strings.HasPrefix(out.String(), "ok transport[broker]") {
			t.Errorf("output = %q", out.String())
		}
	})

	t.Run("tls without keystore is rejected", func(t *testing.T) {
		cmd := newValidateCmd()
		cmd.SetArgs([]string{"--tls"})
		cmd.SetOut(io.Discard)
		if err := cmd.Execute(); err == nil {
			t.Fatal("expected keystore error")
		}
	})
}

func TestRunServe(t *testing.T) {
	name := strings.ReplaceAll(t.Name(), "/", "-")
	cfg := config.Config{
		Acceptor: config.TransportConfig{Name: name, Kind: "invm"},
		Journal:  config.BackendConfig{Backend: "memory"},
		Delivery: config.DeliveryConfig{MaxRedeliveries: 3, AckTimeout: time.Minute, ReapInterval: time.Second},
		Observability: config.ObservabilityConfig{
			LogLevel:  "error",
			LogFormat: "json",
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan *server.Server, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, io.Discard, ready)
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("runServe exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not start")
	}

	c, err := client.Dial(ctx, &transport.Configuration{Name: name, Kind: transport.KindInVM})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Publish(ctx, "q", []byte("p"), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, err := c.Consume(ctx, "q", time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if string(d.Payload) != "p" {
		t.Errorf("Payload = %q, want %q", d.Payload, "p")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runServe: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("runServe did not stop")
	}
}

func TestRunServeRejectsAcceptor(t *testing.T) {
	cfg := config.Config{Acceptor: config.TransportConfig{Name: "x", Kind: "invm", InVMDisabled: true}}
	err := runServe(context.Background(), cfg, io.Discard, nil)
	if !errors.Is(err, transport.ErrInvalidConfiguration) {
		t.Errorf("err = %v, want ErrInvalidConfiguration", err)
	}
}
