package delivery

import "errors"

var (
	// ErrObserverUnbound is returned when an outcome is requested on a
	// delivery that has no observer.
	ErrObserverUnbound = errors.New("delivery: observer not bound")

	// ErrNilReceiver is returned by Redeliver when no receiver is given.
	ErrNilReceiver = errors.New("delivery: nil receiver")

	// ErrSettled is returned when an outcome is requested on a delivery whose
	// outcome has already been recorded.
	ErrSettled = errors.New("delivery: outcome already recorded")

	// ErrOutcomePending is returned when an outcome is requested while
	// another outcome call on the same delivery is still running.
	ErrOutcomePending = errors.New("delivery: outcome in progress")
)

// IsUsageError reports whether err is a contract violation by the caller
// rather than a failure raised by the observer.
func IsUsageError(err error) bool {
	return errors.Is(err, ErrObserverUnbound) ||
		errors.Is(err, ErrNilReceiver) ||
		errors.Is(err, ErrSettled) ||
		errors.Is(err, ErrOutcomePending)
}
