// Package errors defines the sentinels shared by broker packages and the
// client. Package-level errors wrap these so callers can match with
// errors.Is without importing broker internals.
package errors

import stderrors "errors"

var (
	// ErrNotFound: no queue, journal record or held delivery by that name.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed: the queue, journal or session has shut down.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput: a request or configuration value was rejected before
	// any state changed.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrNotConnected: the connector could not reach the acceptor or the
	// acceptor refused it, including a rejected TLS handshake. Retrying with
	// the same transport configuration will fail the same way.
	ErrNotConnected = stderrors.New("not connected")

	// ErrTimeout: a blocking call such as consume ran out of time.
	ErrTimeout = stderrors.New("timeout")
)
