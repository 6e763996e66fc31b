// Package errdefs defines the error kinds returned by the fleet engine.
//
// Domain code classifies every failure as exactly one of the sentinel kinds
// below by wrapping it with %w. Callers test with errors.Is or the Is*
// helpers; only the boundary adapter (pkg/api) translates kinds to transport
// status codes.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized marks a missing, invalid, expired, revoked, or
	// already-used credential or token, including a certificate thumbprint
	// mismatch during renewal.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden marks a caller whose authenticated organization does not
	// match the organization explicitly targeted by the request.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound marks a target that does not exist, or that exists in a
	// different organization reached through an indirect reference.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest marks malformed input, such as an unsupported
	// platform value.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidState marks an operation that is not valid in the entity's
	// current state, such as a heartbeat against a decommissioned node.
	ErrInvalidState = errors.New("invalid state")

	// ErrResourceExhausted marks a reservation that would exceed the node's
	// currently available capacity.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInternal marks an infrastructure failure (signing, storage). The
	// wrapped detail is for logs, not for the caller.
	ErrInternal = errors.New("internal error")
)

func IsUnauthorized(err error) bool      { return errors.Is(err, ErrUnauthorized) }
func IsForbidden(err error) bool         { return errors.Is(err, ErrForbidden) }
func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsInvalidRequest(err error) bool    { return errors.Is(err, ErrInvalidRequest) }
func IsInvalidState(err error) bool      { return errors.Is(err, ErrInvalidState) }
func IsResourceExhausted(err error) bool { return errors.Is(err, ErrResourceExhausted) }
func IsInternal(err error) bool          { return errors.Is(err, ErrInternal) }

// Unauthorizedf returns an ErrUnauthorized wrapping the formatted detail.
func Unauthorizedf(format string, args ...any) error {
	return wrapf(ErrUnauthorized, format, args...)
}

// Forbiddenf returns an ErrForbidden wrapping the formatted detail.
func Forbiddenf(format string, args ...any) error {
	return wrapf(ErrForbidden, format, args...)
}

// NotFoundf returns an ErrNotFound wrapping the formatted detail.
func NotFoundf(format string, args ...any) error {
	return wrapf(ErrNotFound, format, args...)
}

// InvalidRequestf returns an ErrInvalidRequest wrapping the formatted detail.
func InvalidRequestf(format string, args ...any) error {
	return wrapf(ErrInvalidRequest, format, args...)
}

// InvalidStatef returns an ErrInvalidState wrapping the formatted detail.
func InvalidStatef(format string, args ...any) error {
	return wrapf(ErrInvalidState, format, args...)
}

// ResourceExhaustedf returns an ErrResourceExhausted wrapping the formatted detail.
func ResourceExhaustedf(format string, args ...any) error {
	return wrapf(ErrResourceExhausted, format, args...)
}

// Internalf returns an ErrInternal wrapping the formatted detail.
func Internalf(format string, args ...any) error {
	return wrapf(ErrInternal, format, args...)
}

// Internal wraps err as ErrInternal, preserving the original chain for logs.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
