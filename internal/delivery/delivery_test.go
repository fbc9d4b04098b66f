package delivery

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
)

type testRoutable struct {
	id   string
	dest string
}

func (r testRoutable) ID() string          { return r.id }
func (r testRoutable) Destination() string { return r.dest }
func (r testRoutable) String() string      { return r.id }

// recordingObserver records every outcome call and commits like a queue would.
type recordingObserver struct {
	mu          sync.Mutex
	acks        []string
	cancels     []string
	redelivers  []string
	redeliverOK bool
	commit      bool
	ackErr      error
	handed      []*Delivery
	block       chan struct{}
}

func (o *recordingObserver) Acknowledge(_ context.Context, d *Delivery) error {
	if o.block != nil {
		<-o.block
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ackErr != nil {
		return o.ackErr
	}
	o.acks = append(o.acks, d.Routable().ID())
	if o.commit {
		d.MarkDone()
	}
	return nil
}

func (o *recordingObserver) Cancel(_ context.Context, d *Delivery) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels = append(o.cancels, d.Routable().ID())
	d.MarkDone()
	return o.redeliverOK, nil
}

func (o *recordingObserver) Redeliver(ctx context.Context, d *Delivery, r Receiver) error {
	nd, err := r.Handle(ctx, o, d.Routable())
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.redelivers = append(o.redelivers, d.Routable().ID())
	o.handed = append(o.handed, nd)
	o.mu.Unlock()
	d.MarkDone()
	return nil
}

type recordingReceiver struct {
	got []Routable
	err error
}

func (r *recordingReceiver) Handle(_ context.Context, o Observer, rt Routable) (*Delivery, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.got = append(r.got, rt)
	return New(WithObserver(o), WithRoutable(rt)), nil
}

func TestNewDefaults(t *testing.T) {
	d := New()
	if d.Routable() != nil {
		t.Errorf("Routable() = %v, want nil", d.Routable())
	}
	if d.Observer() != nil {
		t.Errorf("Observer() = %v, want nil", d.Observer())
	}
	if d.Done() {
		t.Error("new delivery should be active")
	}
	if got := d.String(); got != "delivery[<nil>](active)" {
		t.Errorf("String() = %q", got)
	}
}

func TestNewDoneDoesNotNotify(t *testing.T) {
	obs := &recordingObserver{}
	d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg-1"}), WithDone(true))

	if !d.Done() {
		t.Fatal("Done() = false, want true")
	}
	if len(obs.acks)+len(obs.cancels)+len(obs.redelivers) != 0 {
		t.Error("construction must not notify the observer")
	}
	if got := d.String(); got != "delivery[msg-1](done)" {
		t.Errorf("String() = %q", got)
	}
	if err := d.Acknowledge(context.Background()); !errors.Is(err, ErrSettled) {
		t.Errorf("Acknowledge on done delivery = %v, want ErrSettled", err)
	}
}

func TestAcknowledgeNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{commit: true}
	msg := testRoutable{id: "msg-1", dest: "orders"}
	d := New(WithObserver(obs), WithRoutable(msg))

	if err := d.Acknowledge(context.Background()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if len(obs.acks) != 1 || obs.acks[0] != "msg-1" {
		t.Errorf("acks = %v, want [msg-1]", obs.acks)
	}
	if !d.Done() {
		t.Error("Done() should reflect the observer's commit")
	}
}

func TestDoneFollowsObserverCommit(t *testing.T) {
	obs := &recordingObserver{commit: false}
	d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg-1"}))

	if err := d.Acknowledge(context.Background()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if d.Done() {
		t.Error("delivery must not mark itself done")
	}
}

func TestSingleOutcome(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{commit: true}
	d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg-1"}))

	if err := d.Acknowledge(ctx); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	if err := d.Acknowledge(ctx); !errors.Is(err, ErrSettled) {
		t.Errorf("second Acknowledge = %v, want ErrSettled", err)
	}
	if _, err := d.Cancel(ctx); !errors.Is(err, ErrSettled) {
		t.Errorf("Cancel after ack = %v, want ErrSettled", err)
	}
	if err := d.Redeliver(ctx, &recordingReceiver{}); !errors.Is(err, ErrSettled) {
		t.Errorf("Redeliver after ack = %v, want ErrSettled", err)
	}
	if len(obs.acks) != 1 || len(obs.cancels) != 0 || len(obs.redelivers) != 0 {
		t.Errorf("observer saw double bookkeeping: acks=%v cancels=%v redelivers=%v", obs.acks, obs.cancels, obs.redelivers)
	}
}

func TestSingleOutcomeWithoutCommit(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{commit: false}
	d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg-1"}))

	if err := d.Acknowledge(ctx); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := d.Acknowledge(ctx); !errors.Is(err, ErrSettled) {
		t.Errorf("second Acknowledge = %v, want ErrSettled", err)
	}
	if len(obs.acks) != 1 {
		t.Errorf("acks = %v, want exactly one", obs.acks)
	}
}

func TestRoutableStable(t *testing.T) {
	ctx := context.Background()
	msg := &testRoutable{id: "msg-1"}
	obs := &recordingObserver{redeliverOK: true}
	d := New(WithObserver(obs), WithRoutable(msg))

	before := d.Routable()
	if _, err := d.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_ = d.Acknowledge(ctx)
	if d.Routable() != before {
		t.Error("Routable() changed across outcome calls")
	}
}

func TestSetObserverRebinds(t *testing.T) {
	o1 := &recordingObserver{commit: true}
	o2 := &recordingObserver{commit: true}
	d := New(WithObserver(o1), WithRoutable(testRoutable{id: "msg-1"}))

	d.SetObserver(o2)
	if d.Observer() != o2 {
		t.Fatal("Observer() should return the rebound observer")
	}
	if err := d.Acknowledge(context.Background()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if len(o1.acks) != 0 {
		t.Errorf("old observer notified: %v", o1.acks)
	}
	if len(o2.acks) != 1 {
		t.Errorf("new observer acks = %v, want 1", o2.acks)
	}
}

func TestUnboundObserver(t *testing.T) {
	ctx := context.Background()
	d := New(WithRoutable(testRoutable{id: "msg-1"}))

	err := d.Acknowledge(ctx)
	if !errors.Is(err, ErrObserverUnbound) {
		t.Errorf("Acknowledge = %v, want ErrObserverUnbound", err)
	}
	if !IsUsageError(err) {
		t.Error("unbound observer should be a usage error")
	}
	if _, err := d.Cancel(ctx); !errors.Is(err, ErrObserverUnbound) {
		t.Errorf("Cancel = %v, want ErrObserverUnbound", err)
	}
	if err := d.Redeliver(ctx, &recordingReceiver{}); !errors.Is(err, ErrObserverUnbound) {
		t.Errorf("Redeliver = %v, want ErrObserverUnbound", err)
	}
}

func TestRedeliverNilReceiver(t *testing.T) {
	obs := &recordingObserver{}
	d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg-1"}))

	err := d.Redeliver(context.Background(), nil)
	if !errors.Is(err, ErrNilReceiver) {
		t.Fatalf("Redeliver(nil) = %v, want ErrNilReceiver", err)
	}
	if !IsUsageError(err) {
		t.Error("nil receiver should be a usage error")
	}
	if len(obs.redelivers) != 0 {
		t.Error("observer must not be called")
	}
}

func TestRedeliverHandsRoutable(t *testing.T) {
	obs := &recordingObserver{}
	msg := testRoutable{id: "msg-1"}
	d := New(WithObserver(obs), WithRoutable(msg))
	recv := &recordingReceiver{}

	if err := d.Redeliver(context.Background(), recv); err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	if len(recv.got) != 1 || recv.got[0].ID() != "msg-1" {
		t.Errorf("receiver got %v", recv.got)
	}
	if !d.Done() {
		t.Error("original delivery should be done after redelivery")
	}
	if len(obs.handed) != 1 || obs.handed[0].Done() || obs.handed[0].Observer() != obs {
		t.Error("receiver should hold a new active delivery bound to the observer")
	}
}

func TestCancelNotRedeliverable(t *testing.T) {
	obs := &recordingObserver{redeliverOK: false}
	d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg-1"}))
	recv := &recordingReceiver{}

	ok, err := d.Cancel(context.Background())
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok {
		t.Error("Cancel = true, want false")
	}
	if err := d.Redeliver(context.Background(), recv); !errors.Is(err, ErrSettled) {
		t.Errorf("Redeliver after drop = %v, want ErrSettled", err)
	}
	if len(recv.got) != 0 {
		t.Error("dropped routable must not reach a receiver")
	}
}

func TestObserverErrorPropagates(t *testing.T) {
	ctx := context.Background()
	journalErr := errors.New("journal write failed")
	obs := &recordingObserver{ackErr: journalErr, commit: true}
	d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg-1"}))

	err := d.Acknowledge(ctx)
	if !errors.Is(err, journalErr) {
		t.Fatalf("Acknowledge = %v, want journal error", err)
	}
	if IsUsageError(err) {
		t.Error("observer failure is not a usage error")
	}
	if d.Done() {
		t.Error("failed acknowledge must not mark done")
	}

	// After reconciliation the caller may retry.
	obs.mu.Lock()
	obs.ackErr = nil
	obs.mu.Unlock()
	if err := d.Acknowledge(ctx); err != nil {
		t.Fatalf("retry Acknowledge: %v", err)
	}
	if !d.Done() {
		t.Error("retried acknowledge should commit")
	}
}

func TestConcurrentOutcomeRejected(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{commit: true, block: make(chan struct{})}
	d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg-1"}))

	errCh := make(chan error, 1)
	go func() { errCh <- d.Acknowledge(ctx) }()

	// Wait until the first call holds the outcome slot.
	for !d.pending.Load() {
		runtime.Gosched()
	}
	if _, err := d.Cancel(ctx); !errors.Is(err, ErrOutcomePending) {
		t.Errorf("concurrent Cancel = %v, want ErrOutcomePending", err)
	}

	close(obs.block)
	if err := <-errCh; err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if len(obs.cancels) != 0 {
		t.Error("concurrent cancel reached the observer")
	}
}

func TestRacingOutcomesReachObserverOnce(t *testing.T) {
	ctx := context.Background()
	const deliveries, callers = 200, 4

	for i := range deliveries {
		obs := &recordingObserver{}
		d := New(WithObserver(obs), WithRoutable(testRoutable{id: "msg"}))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := d.Acknowledge(ctx)
				if err != nil && !errors.Is(err, ErrSettled) && !errors.Is(err, ErrOutcomePending) {
					t.Errorf("Acknowledge = %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if len(obs.acks) != 1 {
			t.Fatalf("delivery %d: observer saw %d acknowledgements, want 1", i, len(obs.acks))
		}
		if d.pending.Load() {
			t.Fatalf("delivery %d: outcome slot still held", i)
		}
		if err := d.Acknowledge(ctx); !errors.Is(err, ErrSettled) {
			t.Fatalf("delivery %d: Acknowledge after settle = %v, want ErrSettled", i, err)
		}
	}
}
