package queue

import (
	"errors"
	"fmt"

	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
)

var (
	// ErrNotInFlight is returned when an outcome is reported for a delivery
	// this queue did not hand out, or whose outcome was already recorded.
	ErrNotInFlight = errors.New("queue: delivery not in flight")

	// ErrEmpty is returned by Deliver when no message is ready.
	ErrEmpty = errors.New("queue: no message ready")

	// ErrNoDelivery is returned when a receiver accepts a message but hands
	// back no active delivery for it.
	ErrNoDelivery = errors.New("queue: receiver returned no active delivery")

	// ErrTimeout is returned by Consume when the context ends before a
	// message becomes ready.
	ErrTimeout = fmt.Errorf("queue: consume %w", brokererrors.ErrTimeout)

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = fmt.Errorf("queue %w", brokererrors.ErrClosed)
)
