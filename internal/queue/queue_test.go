package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-broker/internal/delivery"
	"github.com/gezibash/arc-broker/internal/journal"
	"github.com/gezibash/arc-broker/internal/journal/memory"
	"github.com/gezibash/arc-broker/internal/observability"
	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
)

type recordingReceiver struct {
	mu      sync.Mutex
	handled []delivery.Routable
	err     error
}

func (r *recordingReceiver) Handle(_ context.Context, obs delivery.Observer, routable delivery.Routable) (*delivery.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.handled = append(r.handled, routable)
	return delivery.New(delivery.WithObserver(obs), delivery.WithRoutable(routable)), nil
}

func (r *recordingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

type faultyJournal struct {
	journal.Backend
	failDelete atomic.Bool
	failPut    atomic.Bool
}

var errDisk = errors.New("disk full")

func (f *faultyJournal) Put(ctx context.Context, rec *journal.Record) error {
	if f.failPut.Load() {
		return errDisk
	}
	return f.Backend.Put(ctx, rec)
}

func (f *faultyJournal) Delete(ctx context.Context, queue, id string) error {
	if f.failDelete.Load() {
		return errDisk
	}
	return f.Backend.Delete(ctx, queue, id)
}

func newTestQueue(t *testing.T, opts Options) (*Queue, journal.Backend) {
	t.Helper()
	be := memory.New()
	q, err := New("orders", be, opts, observability.NewMetrics(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(q.Close)
	return q, be
}

func publish(t *testing.T, q *Queue, body string) *Message {
	t.Helper()
	msg, err := q.Publish(context.Background(), []byte(body), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return msg
}

func consume(t *testing.T, q *Queue) *delivery.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	return d
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New("", nil, DefaultOptions(), nil, nil); err == nil {
		t.Error("empty name should be rejected")
	}
	if _, err := New("q", nil, Options{MaxRedeliveries: -1}, nil, nil); err == nil {
		t.Error("negative max redeliveries should be rejected")
	}
	if _, err := New("q", nil, Options{AckTimeout: -time.Second}, nil, nil); err == nil {
		t.Error("negative ack timeout should be rejected")
	}
}

func TestPublishConsumeAcknowledge(t *testing.T) {
	q, be := newTestQueue(t, DefaultOptions())
	ctx := context.Background()
	msg := publish(t, q, "hello")

	if _, err := be.Get(ctx, "orders", msg.ID()); err != nil {
		t.Fatalf("message should be journaled: %v", err)
	}

	d := consume(t, q)
	if d.Routable() != msg {
		t.Fatalf("Routable() = %v, want %v", d.Routable(), msg)
	}
	if d.Observer() != q {
		t.Fatalf("Observer() should be the queue")
	}
	if q.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1", q.InFlight())
	}

	if err := d.Acknowledge(ctx); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !d.Done() {
		t.Error("delivery should be done after acknowledge")
	}
	if q.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", q.InFlight())
	}
	if _, err := be.Get(ctx, "orders", msg.ID()); !errors.Is(err, journal.ErrNotFound) {
		t.Errorf("journal record after ack: %v, want ErrNotFound", err)
	}

	if err := d.Acknowledge(ctx); !errors.Is(err, delivery.ErrSettled) {
		t.Errorf("second Acknowledge = %v, want ErrSettled", err)
	}
	if got := testutil.ToFloat64(q.metrics.Deliveries.WithLabelValues("orders", observability.OutcomeAcknowledged)); got != 1 {
		t.Errorf("acknowledged metric = %v, want 1", got)
	}
}

func TestConsumeFIFO(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	first := publish(t, q, "1")
	second := publish(t, q, "2")

	if got := consume(t, q).Routable(); got != first {
		t.Errorf("first consume = %v, want %v", got, first)
	}
	if got := consume(t, q).Routable(); got != second {
		t.Errorf("second consume = %v, want %v", got, second)
	}
}

func TestCancelRequeuesAtHead(t *testing.T) {
	q, be := newTestQueue(t, DefaultOptions())
	ctx := context.Background()
	m1 := publish(t, q, "1")
	publish(t, q, "2")

	d := consume(t, q)
	ok, err := d.Cancel(ctx)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("Cancel = false, want true (redeliverable)")
	}
	if !d.Done() {
		t.Error("cancelled delivery should be done")
	}

	again := consume(t, q)
	if again.Routable() != m1 {
		t.Fatalf("redelivered = %v, want %v at head", again.Routable(), m1)
	}
	if m1.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", m1.Attempts)
	}
	rec, err := be.Get(ctx, "orders", m1.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Attempts != 1 || rec.DeadLetter {
		t.Errorf("journal record = attempts %d dead_letter %v, want 1 false", rec.Attempts, rec.DeadLetter)
	}
}

func TestCancelDeadLettersAfterMaxRedeliveries(t *testing.T) {
	q, be := newTestQueue(t, Options{MaxRedeliveries: 1})
	ctx := context.Background()
	msg := publish(t, q, "poison")
	r := &recordingReceiver{}

	d := consume(t, q)
	if ok, err := d.Cancel(ctx); err != nil || !ok {
		t.Fatalf("first Cancel = %v, %v; want true", ok, err)
	}

	d = consume(t, q)
	ok, err := d.Cancel(ctx)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if ok {
		t.Fatal("second Cancel = true, want false (dead-lettered)")
	}

	if _, err := q.Deliver(ctx, r); !errors.Is(err, ErrEmpty) {
		t.Errorf("Deliver after dead-letter = %v, want ErrEmpty", err)
	}
	if r.count() != 0 {
		t.Errorf("receiver handled %d routables, want 0", r.count())
	}

	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0] != msg {
		t.Fatalf("DeadLetters = %v, want [%v]", dead, msg)
	}
	rec, err := be.Get(ctx, "orders", msg.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.DeadLetter || rec.Attempts != 2 {
		t.Errorf("journal record = dead_letter %v attempts %d, want true 2", rec.DeadLetter, rec.Attempts)
	}
}

func TestZeroRedeliveriesDeadLettersImmediately(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxRedeliveries: 0})
	publish(t, q, "x")

	ok, err := consume(t, q).Cancel(context.Background())
	if err != nil || ok {
		t.Fatalf("Cancel = %v, %v; want false, nil", ok, err)
	}
}

func TestConsumeTimeoutLeavesInflight(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	publish(t, q, "1")
	d := consume(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Consume(ctx)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, brokererrors.ErrTimeout) {
		t.Fatalf("Consume = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Consume should wrap the context error: %v", err)
	}

	if d.Done() || q.InFlight() != 1 {
		t.Fatal("timed-out consume must not touch in-flight deliveries")
	}
	if ok, err := d.Cancel(context.Background()); err != nil || !ok {
		t.Errorf("Cancel after timeout = %v, %v; want true, nil", ok, err)
	}
}

func TestConsumeWakesOnPublish(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())

	got := make(chan *delivery.Delivery, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d, err := q.Consume(ctx)
		if err != nil {
			t.Errorf("Consume: %v", err)
		}
		got <- d
	}()

	time.Sleep(10 * time.Millisecond)
	msg := publish(t, q, "late")
	if d := <-got; d == nil || d.Routable() != msg {
		t.Fatalf("consumer got %v, want %v", d, msg)
	}
}

func TestConsumeClosed(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Consume(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("Consume on closed queue = %v, want ErrClosed", err)
	}
	if _, err := q.Publish(context.Background(), nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish on closed queue = %v, want ErrClosed", err)
	}
}

func TestAcknowledgeJournalFailurePropagates(t *testing.T) {
	fj := &faultyJournal{Backend: memory.New()}
	q, err := New("orders", fj, DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	publish(t, q, "1")
	d := consume(t, q)

	fj.failDelete.Store(true)
	if err := d.Acknowledge(ctx); !errors.Is(err, errDisk) {
		t.Fatalf("Acknowledge = %v, want disk error", err)
	}
	if d.Done() {
		t.Fatal("failed acknowledge must not mark the delivery done")
	}
	if q.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", q.InFlight())
	}

	fj.failDelete.Store(false)
	if err := d.Acknowledge(ctx); err != nil {
		t.Fatalf("retried Acknowledge: %v", err)
	}
	if !d.Done() {
		t.Error("delivery should be done after retry")
	}
}

func TestCancelJournalFailurePropagates(t *testing.T) {
	fj := &faultyJournal{Backend: memory.New()}
	q, err := New("orders", fj, DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	msg := publish(t, q, "1")
	d := consume(t, q)

	fj.failPut.Store(true)
	ok, err := d.Cancel(context.Background())
	if !errors.Is(err, errDisk) || ok {
		t.Fatalf("Cancel = %v, %v; want false, disk error", ok, err)
	}
	if msg.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 after failed cancel", msg.Attempts)
	}
	if d.Done() || q.InFlight() != 1 || q.Len() != 0 {
		t.Error("failed cancel must leave the delivery in flight")
	}
}

func TestRedeliver(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()
	msg := publish(t, q, "1")
	d := consume(t, q)
	r := &recordingReceiver{}

	if err := d.Redeliver(ctx, r); err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	if r.count() != 1 || r.handled[0] != msg {
		t.Fatalf("receiver handled %v, want [%v]", r.handled, msg)
	}
	if !d.Done() {
		t.Error("original delivery should be done after redeliver")
	}
	if q.InFlight() != 1 || q.Len() != 0 {
		t.Errorf("InFlight=%d Len=%d, want 1 0", q.InFlight(), q.Len())
	}
	if msg.Attempts != 0 {
		t.Errorf("redeliver should not count as a failed attempt, Attempts = %d", msg.Attempts)
	}
	if err := d.Acknowledge(ctx); !errors.Is(err, delivery.ErrSettled) {
		t.Errorf("Acknowledge on replaced delivery = %v, want ErrSettled", err)
	}
}

func TestRedeliverThenAcknowledgeNewDelivery(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()
	publish(t, q, "1")
	d := consume(t, q)

	r := &pushReceiver{}
	if err := d.Redeliver(ctx, r); err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	if err := r.last.Acknowledge(ctx); err != nil {
		t.Fatalf("Acknowledge new delivery: %v", err)
	}
	if q.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", q.InFlight())
	}
}

type pushReceiver struct {
	last *delivery.Delivery
}

func (p *pushReceiver) Handle(_ context.Context, obs delivery.Observer, r delivery.Routable) (*delivery.Delivery, error) {
	p.last = delivery.New(delivery.WithObserver(obs), delivery.WithRoutable(r))
	return p.last, nil
}

func TestRedeliverReceiverFailure(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()
	publish(t, q, "1")
	d := consume(t, q)

	refuse := errors.New("consumer closing")
	if err := d.Redeliver(ctx, &recordingReceiver{err: refuse}); !errors.Is(err, refuse) {
		t.Fatalf("Redeliver = %v, want receiver error", err)
	}
	if d.Done() || q.InFlight() != 1 {
		t.Fatal("failed redeliver must leave the delivery in flight")
	}
	if ok, err := d.Cancel(ctx); err != nil || !ok {
		t.Errorf("Cancel after failed redeliver = %v, %v", ok, err)
	}
}

func TestDeliverPush(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	if _, err := q.Deliver(ctx, nil); !errors.Is(err, delivery.ErrNilReceiver) {
		t.Errorf("Deliver(nil) = %v, want ErrNilReceiver", err)
	}

	msg := publish(t, q, "1")
	refuse := errors.New("busy")
	if _, err := q.Deliver(ctx, &recordingReceiver{err: refuse}); !errors.Is(err, refuse) {
		t.Fatalf("Deliver = %v, want receiver error", err)
	}
	if q.Len() != 1 {
		t.Fatalf("refused message should be back in the queue, Len = %d", q.Len())
	}

	r := &recordingReceiver{}
	d, err := q.Deliver(ctx, r)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if d.Routable() != msg || r.count() != 1 {
		t.Errorf("Deliver handed %v to receiver (count %d)", d.Routable(), r.count())
	}
	if err := d.Acknowledge(ctx); err != nil {
		t.Errorf("Acknowledge pushed delivery: %v", err)
	}
}

func TestOutcomeOnForeignDelivery(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	msg := publish(t, q, "1")

	stray := delivery.New(delivery.WithObserver(q), delivery.WithRoutable(msg))
	if err := stray.Acknowledge(context.Background()); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("Acknowledge = %v, want ErrNotInFlight", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestConcurrentOutcomesSettleOnce(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	publish(t, q, "1")
	d := consume(t, q)

	const n = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = d.Acknowledge(context.Background())
			} else {
				_, err = d.Cancel(context.Background())
			}
			if err == nil {
				succeeded.Add(1)
				return
			}
			if !delivery.IsUsageError(err) && !errors.Is(err, ErrNotInFlight) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != 1 {
		t.Fatalf("%d outcomes succeeded, want exactly 1", got)
	}
	if q.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", q.InFlight())
	}
}

func TestNonDurableQueue(t *testing.T) {
	q, err := New("scratch", nil, DefaultOptions(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	publish(t, q, "1")
	d := consume(t, q)
	if err := d.Acknowledge(context.Background()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if n, err := q.Recover(context.Background()); n != 0 || err != nil {
		t.Errorf("Recover = %d, %v", n, err)
	}
}

func TestMessageRoutable(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	msg := publish(t, q, "1")

	var r delivery.Routable = msg
	if r.Destination() != "orders" {
		t.Errorf("Destination = %q, want orders", r.Destination())
	}
	d := delivery.New(delivery.WithRoutable(msg))
	if got, want := d.String(), "delivery["+msg.ID()+"](active)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
