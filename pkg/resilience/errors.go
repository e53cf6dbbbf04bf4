package resilience

import (
	"fmt"
	"net/http"

	"github.com/jxskiss/errors"

	"github.com/jxskiss/mygw/pkg/circuit"
)

var (
	ErrDeadlineExceeded = errors.New("request deadline exceeded")
	ErrClientCanceled   = errors.New("client canceled request")
	ErrTryTimeout       = errors.New("upstream attempt timed out")
	ErrRetryExhausted   = errors.New("retries exhausted")

	// ErrCircuitOpen is returned when every otherwise healthy member
	// refuses traffic because its breaker is open.
	ErrCircuitOpen = circuit.ErrOpen
)

// UpstreamError is a failed attempt against one member, either a
// transport error or a retryable status.
type UpstreamError struct {
	Member string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Member, e.Err)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Member, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RetryExhaustedError wraps the last attempt's error.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// UpstreamStatus returns the last upstream status carried by err, or 0.
func UpstreamStatus(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}

// IsRetryableStatus reports whether a response status allows trying
// another member.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

// IsFailureStatus reports whether a response counts as a breaker failure.
func IsFailureStatus(code int) bool {
	return code >= 500
}
