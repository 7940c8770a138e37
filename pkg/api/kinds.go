package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a gateway failure for retry and propagation policy.
type ErrorKind string

const (
	// KindAuthentication is a permanent upstream auth/validation failure.
	// Surfaced immediately, never retried, and a single occurrence does not
	// demote the provider's health.
	KindAuthentication ErrorKind = "authentication_error"

	// KindRateLimited means the local ceiling was hit; no provider call was
	// made.
	KindRateLimited ErrorKind = "rate_limited"

	// KindProviderRateLimited is a remote 429-style signal, treated as
	// transient.
	KindProviderRateLimited ErrorKind = "provider_rate_limited"

	// KindTimeout covers per-attempt deadline hits and connection resets.
	KindTimeout ErrorKind = "timeout"

	// KindBudgetExceeded rejects spend before dispatch.
	KindBudgetExceeded ErrorKind = "budget_exceeded"

	// KindAllProvidersExhausted is terminal for a request; it carries one
	// cause per attempted candidate.
	KindAllProvidersExhausted ErrorKind = "all_providers_exhausted"

	// KindSwapFailed is recovered internally and only ever logged.
	KindSwapFailed ErrorKind = "swap_failed"

	// KindStaleHardwareProfile is non-fatal; the classifier degrades.
	KindStaleHardwareProfile ErrorKind = "stale_hardware_profile"

	// KindPartialResult marks a stream that failed after output began.
	KindPartialResult ErrorKind = "partial_result"

	// KindDuplicateProvider rejects a conflicting registration.
	KindDuplicateProvider ErrorKind = "duplicate_provider"

	KindCancelled ErrorKind = "cancelled"
	KindInternal  ErrorKind = "internal"
)

// AttemptCause records why one candidate in a fallback chain failed.
type AttemptCause struct {
	ProviderID string    `json:"provider_id"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
}

// GatewayError is the error type flowing out of the routing core.
type GatewayError struct {
	Kind       ErrorKind
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Causes     []AttemptCause
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from any error in the chain; unknown errors
// classify as internal.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the router may retry the same candidate.
func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// RetryAfterOf returns the advisory wait attached to a rejection, if any.
func RetryAfterOf(err error) time.Duration {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

// CausesOf returns the per-candidate causes from an exhaustion error.
func CausesOf(err error) []AttemptCause {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Causes
	}
	return nil
}

func AuthenticationError(msg string, err error) *GatewayError {
	return &GatewayError{Kind: KindAuthentication, Message: msg, Err: err}
}

func RateLimitedError(retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		Kind:       KindRateLimited,
		Message:    "request rate ceiling reached",
		RetryAfter: retryAfter,
	}
}

func ProviderRateLimitedError(msg string, err error) *GatewayError {
	return &GatewayError{Kind: KindProviderRateLimited, Message: msg, Retryable: true, Err: err}
}

func TimeoutError(msg string, err error) *GatewayError {
	return &GatewayError{Kind: KindTimeout, Message: msg, Retryable: true, Err: err}
}

func BudgetExceededError(callerKey string, window Window) *GatewayError {
	return &GatewayError{
		Kind:    KindBudgetExceeded,
		Message: fmt.Sprintf("hard budget limit reached for %q in %s window", callerKey, window),
	}
}

func AllProvidersExhaustedError(causes []AttemptCause) *GatewayError {
	return &GatewayError{
		Kind:    KindAllProvidersExhausted,
		Message: fmt.Sprintf("no candidate could serve the request (%d attempted)", len(causes)),
		Causes:  causes,
	}
}

func SwapFailedError(category, model string, err error) *GatewayError {
	return &GatewayError{
		Kind:    KindSwapFailed,
		Message: fmt.Sprintf("swap to %q failed for category %q", model, category),
		Err:     err,
	}
}

func PartialResultError(providerID string, err error) *GatewayError {
	return &GatewayError{
		Kind:    KindPartialResult,
		Message: fmt.Sprintf("stream from %q failed after output began", providerID),
		Err:     err,
	}
}

func DuplicateProviderError(id string) *GatewayError {
	return &GatewayError{
		Kind:    KindDuplicateProvider,
		Message: fmt.Sprintf("provider %q already registered", id),
	}
}

func CancelledError(err error) *GatewayError {
	return &GatewayError{Kind: KindCancelled, Message: "request cancelled by caller", Err: err}
}
