// Package apperr defines the error taxonomy shared by every invoicechain component
// and its mapping onto HTTP and Connect status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"connectrpc.com/connect"
)

var (
	// ErrValidation marks bad caller input. Inputs failing validation are never persisted.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a duplicate off-chain invoice id or a concurrent write that lost.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")

	// ErrSignatureMismatch means the recovered signer differs from the claimed wallet.
	ErrSignatureMismatch = errors.New("signature does not match wallet")

	// ErrNoPendingChallenge means no unexpired nonce is outstanding for the wallet.
	ErrNoPendingChallenge = errors.New("no pending challenge")

	// ErrUpstreamUnavailable marks a storage, content store or ledger RPC outage.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidTransition marks a reconciliation in a disallowed direction.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRateLimited marks a load issued before the minimum interval elapsed.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnauthorized marks a missing or invalid bearer credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden marks an authenticated caller acting on another wallet's data.
	ErrForbidden = errors.New("forbidden")

	// ErrUnknownOutcome means a ledger transaction may or may not have been mined.
	// It must be resolved by polling the transaction hash, never by resubmitting.
	ErrUnknownOutcome = errors.New("ledger outcome unknown")
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid is shorthand for constructing a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsNetwork reports whether err is a transport-level failure: timeouts,
// connection resets and refusals, or a truncated response.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Retryable is the default retry predicate: upstream outages and network-class errors.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || IsNetwork(err)
}

// Unavailable wraps err so that it matches ErrUpstreamUnavailable.
func Unavailable(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrUpstreamUnavailable, err)
}

type mapping struct {
	target  error
	status  int
	code    string
	connect connect.Code
}

// Order matters: the first matching entry wins.
var mappings = []mapping{
	{ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR", connect.CodeInvalidArgument},
	{ErrConflict, http.StatusConflict, "CONFLICT", connect.CodeAlreadyExists},
	{ErrNotFound, http.StatusNotFound, "NOT_FOUND", connect.CodeNotFound},
	{ErrSignatureMismatch, http.StatusUnauthorized, "SIGNATURE_MISMATCH", connect.CodeUnauthenticated},
	{ErrNoPendingChallenge, http.StatusConflict, "NO_PENDING_CHALLENGE", connect.CodeFailedPrecondition},
	{ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION", connect.CodeFailedPrecondition},
	{ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED", connect.CodeResourceExhausted},
	{ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", connect.CodeUnauthenticated},
	{ErrForbidden, http.StatusForbidden, "FORBIDDEN", connect.CodePermissionDenied},
	{ErrUnknownOutcome, http.StatusAccepted, "UNKNOWN_OUTCOME", connect.CodeUnavailable},
	{ErrUpstreamUnavailable, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", connect.CodeUnavailable},
}

func lookup(err error) (mapping, bool) {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m, true
		}
	}
	return mapping{}, false
}

// HTTPStatus maps err onto an HTTP status code. Unknown errors are 500.
func HTTPStatus(err error) int {
	if m, ok := lookup(err); ok {
		return m.status
	}
	if IsNetwork(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	if m, ok := lookup(err); ok {
		return m.code
	}
	if IsNetwork(err) {
		return "UPSTREAM_UNAVAILABLE"
	}
	return "INTERNAL"
}

// ConnectCode maps err onto a Connect status code.
func ConnectCode(err error) connect.Code {
	if m, ok := lookup(err); ok {
		return m.connect
	}
	if IsNetwork(err) {
		return connect.CodeUnavailable
	}
	return connect.CodeInternal
}
