package server

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gezibash/arc-broker/internal/delivery"
	"github.com/gezibash/arc-broker/internal/queue"
	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
)

// toStatus maps a broker error to a gRPC status.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, delivery.ErrSettled), errors.Is(err, delivery.ErrOutcomePending):
		code = codes.FailedPrecondition
	case errors.Is(err, queue.ErrNotInFlight), errors.Is(err, brokererrors.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, brokererrors.ErrTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, brokererrors.ErrClosed), errors.Is(err, errSessionClosed):
		code = codes.Unavailable
	case errors.Is(err, brokererrors.ErrInvalidInput), errors.Is(err, delivery.ErrNilReceiver):
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, fmt.Sprintf("%s: %v", op, err))
}
