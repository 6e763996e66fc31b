package api

import (
	"context"
	"errors"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps engine errors onto gRPC status codes at the transport
// boundary. Everything below this package works with errdefs sentinels only.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errdefs.IsUnauthorized(err):
		code = codes.Unauthenticated
	case errdefs.IsForbidden(err):
		code = codes.PermissionDenied
	case errdefs.IsNotFound(err):
		code = codes.NotFound
	case errdefs.IsInvalidRequest(err):
		code = codes.InvalidArgument
	case errdefs.IsInvalidState(err):
		code = codes.FailedPrecondition
	case errdefs.IsResourceExhausted(err):
		code = codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
