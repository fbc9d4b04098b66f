package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Routable is the unit of content moved through the broker.
// Implementations must keep ID stable for the lifetime of any Delivery.
type Routable interface {
	ID() string
	Destination() string
}

// Observer records the final fate of the deliveries it produced.
type Observer interface {
	// Acknowledge commits the delivery (e.g. removes it from durable storage)
	// and marks it done.
	Acknowledge(ctx context.Context, d *Delivery) error
	// Cancel returns true if the routable was made deliverable again, false if
	// it was dropped or dead-lettered.
	Cancel(ctx context.Context, d *Delivery) (bool, error)
	// Redeliver hands the delivery's routable to r without re-running routing.
	Redeliver(ctx context.Context, d *Delivery, r Receiver) error
}

// Receiver is a consuming endpoint. Handle accepts a routable from observer
// and returns the Delivery the receiver now holds for it.
type Receiver interface {
	Handle(ctx context.Context, observer Observer, r Routable) (*Delivery, error)
}

// Delivery tracks one routable's transit to one receiver.
type Delivery struct {
	routable Routable

	mu       sync.RWMutex
	observer Observer

	done    atomic.Bool
	pending atomic.Bool
	settled atomic.Bool
}

// Option configures a Delivery at construction.
type Option func(*Delivery)

// WithObserver binds the observer that will receive outcome calls.
func WithObserver(o Observer) Option {
	return func(d *Delivery) { d.observer = o }
}

// WithRoutable sets the routable being delivered.
func WithRoutable(r Routable) Option {
	return func(d *Delivery) { d.routable = r }
}

// WithDone creates the delivery already settled. Used for synthetic
// deliveries that bypass outcome tracking.
func WithDone(done bool) Option {
	return func(d *Delivery) { d.done.Store(done) }
}

// New creates a Delivery. With no options it has no observer, no routable and
// is active.
func New(opts ...Option) *Delivery {
	d := &Delivery{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Routable returns the routable bound at construction, possibly nil.
func (d *Delivery) Routable() Routable {
	return d.routable
}

// Done reports whether an observer has committed an outcome.
func (d *Delivery) Done() bool {
	return d.done.Load()
}

// MarkDone records that the observer committed this delivery's outcome.
// It is called by observers; done never resets.
func (d *Delivery) MarkDone() {
	d.done.Store(true)
}

// Observer returns the currently bound observer, possibly nil.
func (d *Delivery) Observer() Observer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.observer
}

// SetObserver rebinds the observer. Subsequent outcome calls go to o.
func (d *Delivery) SetObserver(o Observer) {
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

// Acknowledge asks the observer to commit the delivery.
// Observer failures are returned unchanged; the delivery may then be retried.
func (d *Delivery) Acknowledge(ctx context.Context) (err error) {
	obs, err := d.begin()
	if err != nil {
		return err
	}
	defer func() { d.finish(err) }()
	return obs.Acknowledge(ctx, d)
}

// Cancel asks the observer to return the routable for redelivery. The result
// is true if it will be redelivered and false if it was dropped.
func (d *Delivery) Cancel(ctx context.Context) (ok bool, err error) {
	obs, err := d.begin()
	if err != nil {
		return false, err
	}
	defer func() { d.finish(err) }()
	return obs.Cancel(ctx, d)
}

// Redeliver asks the observer to hand the routable to r.
func (d *Delivery) Redeliver(ctx context.Context, r Receiver) (err error) {
	if r == nil {
		return ErrNilReceiver
	}
	obs, err := d.begin()
	if err != nil {
		return err
	}
	defer func() { d.finish(err) }()
	return obs.Redeliver(ctx, d, r)
}

func (d *Delivery) begin() (Observer, error) {
	obs := d.Observer()
	if obs == nil {
		return nil, ErrObserverUnbound
	}
	if d.done.Load() || d.settled.Load() {
		return nil, ErrSettled
	}
	if !d.pending.CompareAndSwap(false, true) {
		return nil, ErrOutcomePending
	}
	// An outcome may have settled between the check above and the swap.
	if d.done.Load() || d.settled.Load() {
		d.pending.Store(false)
		return nil, ErrSettled
	}
	return obs, nil
}

func (d *Delivery) finish(err error) {
	if err == nil {
		d.settled.Store(true)
	}
	d.pending.Store(false)
}

func (d *Delivery) String() string {
	state := "active"
	if d.Done() {
		state = "done"
	}
	return fmt.Sprintf("delivery[%v](%s)", d.routable, state)
}
