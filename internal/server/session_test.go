package server

import (
	"context"
	"errors"
	"testing"

	"github.com/gezibash/arc-broker/internal/delivery"
	"github.com/gezibash/arc-broker/pkg/logging"
)

type routable struct{ id, dest string }

func (r routable) ID() string          { return r.id }
func (r routable) Destination() string { return r.dest }

type countingObserver struct{ cancels int }

func (o *countingObserver) Acknowledge(_ context.Context, d *delivery.Delivery) error {
	d.MarkDone()
	return nil
}

func (o *countingObserver) Cancel(_ context.Context, d *delivery.Delivery) (bool, error) {
	o.cancels++
	d.MarkDone()
	return true, nil
}

func (o *countingObserver) Redeliver(context.Context, *delivery.Delivery, delivery.Receiver) error {
	return nil
}

func TestSessionHandleQueuesByDestination(t *testing.T) {
	s := newSession("s1", logging.New(nil))
	obs := &countingObserver{}
	ctx := context.Background()

	if _, err := s.Handle(ctx, obs, routable{"m1", "a"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := s.Handle(ctx, obs, routable{"m2", "b"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if _, _, ok := s.next("c"); ok {
		t.Error("next(c) should find nothing")
	}
	id, d, ok := s.next("b")
	if !ok {
		t.Fatal("next(b) found nothing")
	}
	if d.Routable().ID() != "m2" {
		t.Errorf("routable = %q, want %q", d.Routable().ID(), "m2")
	}
	if got, ok := s.lookup(id); !ok || got != d {
		t.Error("pending delivery should stay held after next")
	}
	if _, _, ok := s.next("b"); ok {
		t.Error("next(b) should be drained")
	}
}

func TestSessionCloseCancelsActive(t *testing.T) {
	s := newSession("s1", logging.New(nil))
	obs := &countingObserver{}
	ctx := context.Background()

	active := delivery.New(delivery.WithObserver(obs), delivery.WithRoutable(routable{"m1", "a"}))
	done := delivery.New(delivery.WithObserver(obs), delivery.WithDone(true))
	if _, err := s.hold(active); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := s.hold(done); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if n := s.close(ctx); n != 1 {
		t.Errorf("cancelled = %d, want 1", n)
	}
	if obs.cancels != 1 {
		t.Errorf("observer cancels = %d, want 1", obs.cancels)
	}
	if _, err := s.hold(active); !errors.Is(err, errSessionClosed) {
		t.Errorf("hold after close err = %v, want errSessionClosed", err)
	}
	if _, err := s.Handle(ctx, obs, routable{"m2", "a"}); !errors.Is(err, errSessionClosed) {
		t.Errorf("Handle after close err = %v, want errSessionClosed", err)
	}
}

func TestSessionPrunesSettledDeliveries(t *testing.T) {
	s := newSession("s1", logging.New(nil))
	obs := &countingObserver{}
	ctx := context.Background()

	reaped := delivery.New(delivery.WithObserver(obs), delivery.WithRoutable(routable{"m1", "a"}))
	reapedID, err := s.hold(reaped)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	unconsumed, err := s.Handle(ctx, obs, routable{"m2", "a"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	liveID, err := s.hold(delivery.New(delivery.WithObserver(obs), delivery.WithRoutable(routable{"m3", "a"})))
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	// Settled outside the session, as the reaper does.
	reaped.MarkDone()
	unconsumed.MarkDone()

	if got, ok := s.lookup(reapedID); !ok || got != reaped {
		t.Error("looked-up settled delivery should be returned once")
	}
	if _, _, ok := s.next("a"); ok {
		t.Error("next should skip settled redeliveries")
	}
	if _, ok := s.lookup(reapedID); ok {
		t.Error("settled delivery still held after next")
	}
	if _, ok := s.lookup(liveID); !ok {
		t.Error("active delivery was pruned")
	}

	s.mu.Lock()
	held, pending := len(s.held), len(s.pending)
	s.mu.Unlock()
	if held != 1 || pending != 0 {
		t.Errorf("held = %d, pending = %d, want 1, 0", held, pending)
	}
}
