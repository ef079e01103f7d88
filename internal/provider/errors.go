package provider

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors in the provider taxonomy. Providers wrap these (or the
// typed errors below) so the reconciler can dispatch with errors.Is/As.
var (
	// ErrAuthExpired means the bearer token was rejected. The client
	// layer refreshes and retries once before surfacing this.
	ErrAuthExpired = errors.New("auth expired")

	// ErrNotFound means the remote object does not exist.
	ErrNotFound = errors.New("remote not found")
)

// RateLimitedError means the provider asked us to back off. Only the
// rate-limited provider pauses; the other provider's work continues.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ConflictError means the remote version moved under us. Never fatal: the
// next cycle re-fetches and the reconciler merges.
type ConflictError struct {
	RemoteVersion string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote version conflict (current %q)", e.RemoteVersion)
}

// UnavailableError covers network failures and 5xx responses. Retryable
// with backoff; does not fail the whole cycle.
type UnavailableError struct {
	Status int
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider unavailable: %v", e.Err)
	}
	return fmt.Sprintf("provider unavailable (status %d)", e.Status)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedError covers 4xx responses other than auth, rate-limit,
// conflict, and not-found. Not retryable: the originating journal entry
// goes terminal and is surfaced to the user.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected request (status %d): %s", e.Status, e.Message)
}

// IsRetryable reports whether err warrants another attempt with backoff.
func IsRetryable(err error) bool {
	var unavail *UnavailableError
	var limited *RateLimitedError
	return errors.As(err, &unavail) || errors.As(err, &limited)
}

// RetryAfter extracts the provider-requested pause, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return limited.RetryAfter, true
	}
	return 0, false
}

// IsConflict reports whether err is a remote version conflict.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsRejected reports whether err is a terminal rejection.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}
