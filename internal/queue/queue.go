// Package queue provides durable FIFO queues that act as the observer for
// every delivery they hand out. A queue owns the in-flight set, the
// redelivery counter and dead-lettering for its messages, and serializes all
// outcome calls for its deliveries on one mutex.
package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-broker/internal/delivery"
	"github.com/gezibash/arc-broker/internal/journal"
	"github.com/gezibash/arc-broker/internal/observability"
	"github.com/gezibash/arc-broker/pkg/logging"
)

const (
	DefaultMaxRedeliveries = 3
	DefaultAckTimeout      = 30 * time.Second
)

// Options configures a queue's delivery policy.
type Options struct {
	// MaxRedeliveries is how many cancelled deliveries a message survives
	// before it is dead-lettered. Zero dead-letters on the first cancel.
	MaxRedeliveries int
	// AckTimeout is how long a delivery may stay in flight before the reaper
	// cancels it. Zero disables expiry.
	AckTimeout time.Duration
}

// DefaultOptions returns the default delivery policy.
func DefaultOptions() Options {
	return Options{MaxRedeliveries: DefaultMaxRedeliveries, AckTimeout: DefaultAckTimeout}
}

type inflight struct {
	msg   *Message
	since time.Time
}

// Queue is a named FIFO queue. It implements delivery.Observer.
type Queue struct {
	name    string
	journal journal.Backend
	opts    Options
	metrics *observability.Metrics
	log     *logging.Logger
	now     func() time.Time

	mu         sync.Mutex
	ready      []*Message
	wake       chan struct{}
	inflight   map[*delivery.Delivery]*inflight
	deadLetter []*Message
	closed     bool
}

var _ delivery.Observer = (*Queue)(nil)

// New creates an empty queue. A nil backend makes the queue non-durable;
// metrics and log may be nil.
func New(name string, backend journal.Backend, opts Options, metrics *observability.Metrics, log *logging.Logger) (*Queue, error) {
	if name == "" {
		return nil, errors.New("queue: name cannot be empty")
	}
	if opts.MaxRedeliveries < 0 {
		return nil, fmt.Errorf("queue: max redeliveries must be non-negative, got %d", opts.MaxRedeliveries)
	}
	if opts.AckTimeout < 0 {
		return nil, fmt.Errorf("queue: ack timeout must be non-negative, got %s", opts.AckTimeout)
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &Queue{
		name:     name,
		journal:  backend,
		opts:     opts,
		metrics:  metrics,
		log:      log.WithComponent("queue").WithQueue(name),
		now:      time.Now,
		wake:     make(chan struct{}),
		inflight: make(map[*delivery.Delivery]*inflight),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Publish journals a new message and makes it ready for delivery.
func (q *Queue) Publish(ctx context.Context, payload []byte, labels map[string]string) (*Message, error) {
	msg := &Message{
		id:        uuid.NewString(),
		queue:     q.name,
		Payload:   payload,
		Labels:    maps.Clone(labels),
		Timestamp: q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	if q.journal != nil {
		if err := q.journal.Put(ctx, msg.record(false)); err != nil {
			return nil, fmt.Errorf("queue %s: journal message: %w", q.name, err)
		}
	}
	q.pushLocked(msg)
	q.log.DebugContext(ctx, "message published", "message", logging.FormatID(msg.id), "size", len(payload))
	return msg, nil
}

// Consume blocks until a message is ready and returns a delivery for it, with
// this queue bound as the observer. When ctx ends first it returns
// ErrTimeout; deliveries already in flight are not affected.
func (q *Queue) Consume(ctx context.Context) (*delivery.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if msg := q.popLocked(); msg != nil {
			d := delivery.New(delivery.WithObserver(q), delivery.WithRoutable(msg))
			q.trackLocked(d, msg)
			q.mu.Unlock()
			q.count(observability.OutcomeDelivered)
			return d, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
}

// Deliver pushes the head message to r. The delivery r returns is tracked
// as in flight. If r fails the message goes back to the head of the queue.
// Receivers must not call back into the queue from Handle.
func (q *Queue) Deliver(ctx context.Context, r delivery.Receiver) (*delivery.Delivery, error) {
	if r == nil {
		return nil, delivery.ErrNilReceiver
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	msg := q.popLocked()
	if msg == nil {
		return nil, ErrEmpty
	}

	d, err := r.Handle(ctx, q, msg)
	if err == nil && (d == nil || d.Done()) {
		err = ErrNoDelivery
	}
	if err != nil {
		q.requeueLocked(msg)
		return nil, fmt.Errorf("queue %s: deliver %s: %w", q.name, msg.id, err)
	}
	q.trackLocked(d, msg)
	q.count(observability.OutcomeDelivered)
	return d, nil
}

// Acknowledge removes the message from the journal and marks d done. A
// journal failure is returned unchanged and leaves d in flight.
func (q *Queue) Acknowledge(ctx context.Context, d *delivery.Delivery) (err error) {
	ctx, span := observability.StartSpan(ctx, "queue.acknowledge", q.spanAttrs(d)...)
	defer func() { observability.EndSpan(span, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[d]
	if !ok {
		return ErrNotInFlight
	}
	if q.journal != nil {
		if err := q.journal.Delete(ctx, q.name, entry.msg.id); err != nil && !errors.Is(err, journal.ErrNotFound) {
			return fmt.Errorf("queue %s: acknowledge %s: %w", q.name, entry.msg.id, err)
		}
	}

	q.untrackLocked(d)
	d.MarkDone()
	q.count(observability.OutcomeAcknowledged)
	q.log.DebugContext(ctx, "delivery acknowledged", "message", logging.FormatID(entry.msg.id))
	return nil
}

// Cancel counts a failed delivery attempt. While the message has
// redeliveries left it goes back to the head of the queue and Cancel returns
// true; otherwise it is dead-lettered and Cancel returns false. d is marked
// done in both cases.
func (q *Queue) Cancel(ctx context.Context, d *delivery.Delivery) (requeued bool, err error) {
	ctx, span := observability.StartSpan(ctx, "queue.cancel", q.spanAttrs(d)...)
	defer func() {
		span.SetAttributes(observability.AttrOutcome.Bool(requeued))
		observability.EndSpan(span, err)
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[d]
	if !ok {
		return false, ErrNotInFlight
	}
	msg := entry.msg

	attempts := msg.Attempts + 1
	deadLetter := attempts > q.opts.MaxRedeliveries
	if q.journal != nil {
		rec := msg.record(deadLetter)
		rec.Attempts = attempts
		if err := q.journal.Put(ctx, rec); err != nil {
			return false, fmt.Errorf("queue %s: cancel %s: %w", q.name, msg.id, err)
		}
	}
	msg.Attempts = attempts

	q.untrackLocked(d)
	d.MarkDone()

	if deadLetter {
		q.deadLetter = append(q.deadLetter, msg)
		q.count(observability.OutcomeDeadLetter)
		q.log.WarnContext(ctx, "message dead-lettered",
			"message", logging.FormatID(msg.id), "attempts", attempts, "max_redeliveries", q.opts.MaxRedeliveries)
		return false, nil
	}

	q.requeueLocked(msg)
	q.count(observability.OutcomeRequeued)
	q.log.DebugContext(ctx, "delivery cancelled, requeued", "message", logging.FormatID(msg.id), "attempts", attempts)
	return true, nil
}

// Redeliver hands d's message to r without going back through the ready
// list. The delivery r returns replaces d in the in-flight set and d is
// marked done. If r fails d stays in flight.
func (q *Queue) Redeliver(ctx context.Context, d *delivery.Delivery, r delivery.Receiver) (err error) {
	if r == nil {
		return delivery.ErrNilReceiver
	}
	ctx, span := observability.StartSpan(ctx, "queue.redeliver", q.spanAttrs(d)...)
	defer func() { observability.EndSpan(span, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[d]
	if !ok {
		return ErrNotInFlight
	}

	next, err := r.Handle(ctx, q, entry.msg)
	if err == nil && (next == nil || next.Done()) {
		err = ErrNoDelivery
	}
	if err != nil {
		return fmt.Errorf("queue %s: redeliver %s: %w", q.name, entry.msg.id, err)
	}

	q.untrackLocked(d)
	q.trackLocked(next, entry.msg)
	d.MarkDone()
	q.count(observability.OutcomeRedelivered)
	q.log.DebugContext(ctx, "delivery redelivered", "message", logging.FormatID(entry.msg.id))
	return nil
}

// Expired returns the in-flight deliveries older than the ack timeout.
func (q *Queue) Expired(now time.Time) []*delivery.Delivery {
	if q.opts.AckTimeout <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*delivery.Delivery
	for d, entry := range q.inflight {
		if now.Sub(entry.since) > q.opts.AckTimeout {
			out = append(out, d)
		}
	}
	return out
}

// Recover loads the journaled messages of this queue. Dead-lettered records
// go to the dead-letter list; the rest become ready in publish order.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	recs, err := q.journal.List(ctx, q.name)
	if err != nil {
		return 0, fmt.Errorf("queue %s: recover: %w", q.name, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, rec := range recs {
		msg := messageFromRecord(rec)
		if rec.DeadLetter {
			q.deadLetter = append(q.deadLetter, msg)
			continue
		}
		q.pushLocked(msg)
		n++
	}
	if n > 0 {
		q.log.InfoContext(ctx, "queue recovered", "ready", n, "dead_letter", len(q.deadLetter))
	}
	return n, nil
}

// Attempts reads msg's cancelled-delivery count under the queue lock.
func (q *Queue) Attempts(msg *Message) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return msg.Attempts
}

// Len returns the number of ready messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight returns the number of deliveries awaiting an outcome.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// DeadLetters returns the dead-lettered messages, oldest first.
func (q *Queue) DeadLetters() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// Close wakes blocked consumers with ErrClosed. In-flight deliveries keep
// their observer and may still be acknowledged or cancelled.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

func (q *Queue) pushLocked(msg *Message) {
	q.ready = append(q.ready, msg)
	q.signalLocked()
}

func (q *Queue) requeueLocked(msg *Message) {
	q.ready = append([]*Message{msg}, q.ready...)
	q.signalLocked()
}

func (q *Queue) popLocked() *Message {
	if len(q.ready) == 0 {
		return nil
	}
	msg := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	q.gaugeLocked()
	return msg
}

// signalLocked wakes every waiting consumer. Closed queues keep their
// closed wake channel.
func (q *Queue) signalLocked() {
	q.gaugeLocked()
	if q.closed {
		return
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) trackLocked(d *delivery.Delivery, msg *Message) {
	q.inflight[d] = &inflight{msg: msg, since: q.now()}
	q.gaugeLocked()
}

func (q *Queue) untrackLocked(d *delivery.Delivery) {
	delete(q.inflight, d)
	q.gaugeLocked()
}

func (q *Queue) gaugeLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ready)))
	q.metrics.Inflight.WithLabelValues(q.name).Set(float64(len(q.inflight)))
}

func (q *Queue) spanAttrs(d *delivery.Delivery) []attribute.KeyValue {
	attrs := []attribute.KeyValue{observability.AttrQueue.String(q.name)}
	if r := d.Routable(); r != nil {
		attrs = append(attrs, observability.AttrMessageID.String(r.ID()))
	}
	return attrs
}

func (q *Queue) count(outcome string) {
	if q.metrics == nil {
		return
	}
	q.metrics.Deliveries.WithLabelValues(q.name, outcome).Inc()
}
