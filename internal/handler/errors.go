// internal/handler/errors.go
package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
	"github.com/SyedDaiam9101/astro-ensemble/internal/ensemble"
	"github.com/SyedDaiam9101/astro-ensemble/internal/inference"
	"github.com/SyedDaiam9101/astro-ensemble/internal/modality"
)

// grpcError maps known internal errors to gRPC status errors by identity.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var cfgErr *ensemble.ConfigError
	switch {
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "request cancelled: %v", err)

	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "processing timed out: %v", err)

	case errors.Is(err, catalog.ErrNotFound):
		return status.Errorf(codes.NotFound, "object not found: %v", err)

	case errors.Is(err, inference.ErrModelMissing):
		return status.Errorf(codes.NotFound, "model not found: %v", err)

	case errors.As(err, &cfgErr):
		return status.Errorf(codes.FailedPrecondition, "%v", err)

	case errors.Is(err, modality.ErrUnavailable):
		return status.Errorf(codes.Unavailable, "input unavailable: %v", err)

	case errors.Is(err, inference.ErrInference):
		return status.Errorf(codes.Internal, "inference execution failed: %v", err)

	default:
		return status.Errorf(codes.Internal, "internal error: %v", err)
	}
}

// invalidArgumentError creates an InvalidArgument gRPC error
func invalidArgumentError(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// failedPreconditionError creates a FailedPrecondition gRPC error
func failedPreconditionError(format string, args ...interface{}) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

// notFoundError creates a NotFound gRPC error
func notFoundError(format string, args ...interface{}) error {
	return status.Errorf(codes.NotFound, format, args...)
}

// internalError creates an Internal gRPC error
func internalError(format string, args ...interface{}) error {
	return status.Errorf(codes.Internal, format, args...)
}
