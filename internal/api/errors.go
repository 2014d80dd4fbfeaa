package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mmynk/invoicechain/internal/apperr"
)

// ErrorBody is the JSON error envelope: {"error":{"code":"...","message":"..."}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the envelope for err with its mapped status.
// Internal errors are not echoed to the caller.
func WriteError(w http.ResponseWriter, err error) {
	code := apperr.Code(err)
	msg := err.Error()
	if code == "INTERNAL" {
		msg = "internal error"
	}
	WriteJSON(w, apperr.HTTPStatus(err), ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}

var codeErrors = map[string]error{
	"VALIDATION_ERROR":     apperr.ErrValidation,
	"CONFLICT":             apperr.ErrConflict,
	"NOT_FOUND":            apperr.ErrNotFound,
	"SIGNATURE_MISMATCH":   apperr.ErrSignatureMismatch,
	"NO_PENDING_CHALLENGE": apperr.ErrNoPendingChallenge,
	"INVALID_TRANSITION":   apperr.ErrInvalidTransition,
	"RATE_LIMITED":         apperr.ErrRateLimited,
	"UNAUTHORIZED":         apperr.ErrUnauthorized,
	"FORBIDDEN":            apperr.ErrForbidden,
	"UNKNOWN_OUTCOME":      apperr.ErrUnknownOutcome,
	"UPSTREAM_UNAVAILABLE": apperr.ErrUpstreamUnavailable,
}

// DecodeError turns an envelope back into an error matching the sentinel for its code.
func DecodeError(status int, body ErrorBody) error {
	if sentinel, ok := codeErrors[body.Error.Code]; ok {
		return fmt.Errorf("%s: %w", body.Error.Message, sentinel)
	}
	if status == http.StatusUnauthorized {
		return fmt.Errorf("http %d: %w", status, apperr.ErrUnauthorized)
	}
	if status >= 500 {
		return apperr.Unavailable(fmt.Sprintf("http %d", status), errors.New(body.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, body.Error.Message)
}
