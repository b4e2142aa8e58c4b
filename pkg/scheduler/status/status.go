// Copyright © 2018 One Concern

// Package status holds the scheduler error taxonomy and its mapping to gRPC codes.
package status

import (
	"context"

	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/errors"
	storagestatus "github.com/oneconcern/buildfarm/pkg/storage/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var (
	// ErrWorkerUnavailable is returned when no matching worker picked up an action in time,
	// or when workers were lost beyond the retry budget
	ErrWorkerUnavailable = errors.New("no worker available")

	// ErrCancelled is returned when the caller withdrew its interest
	ErrCancelled = errors.New("cancelled")

	// ErrInternal reports a state the scheduler should never reach
	ErrInternal = errors.New("internal scheduler error")

	// ErrSessionExpired is returned to workers whose session is unknown or timed out
	ErrSessionExpired = errors.New("worker session expired")

	// ErrClosed is returned once the scheduler is shut down
	ErrClosed = errors.New("scheduler is closed")

	// ErrQueueFull is a resource exhaustion: too many outstanding executions
	ErrQueueFull = storagestatus.ErrResourceExhausted.WrapMessage("execution queue is full")

	// ErrInvalidAction is returned for actions that cannot be executed
	ErrInvalidAction = action.ErrInvalidAction
)

// Code maps an error to its gRPC status code
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, storagestatus.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, storagestatus.ErrRange):
		return codes.OutOfRange
	case errors.Is(err, storagestatus.ErrDigestMismatch),
		errors.Is(err, storagestatus.ErrInvalidDigest),
		errors.Is(err, ErrInvalidAction):
		return codes.InvalidArgument
	case errors.Is(err, storagestatus.ErrResourceExhausted):
		return codes.ResourceExhausted
	case errors.Is(err, ErrWorkerUnavailable), errors.Is(err, ErrClosed), errors.Is(err, storagestatus.ErrStorageAPI):
		return codes.Unavailable
	case errors.Is(err, ErrSessionExpired):
		return codes.FailedPrecondition
	case errors.Is(err, storagestatus.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, storagestatus.ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, storagestatus.ErrNotSupported):
		return codes.Unimplemented
	case errors.Is(err, storagestatus.ErrLocked):
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// ToGRPC converts an error to a gRPC status error
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	return grpcstatus.Error(Code(err), err.Error())
}
