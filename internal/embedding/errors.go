package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/openai/openai-go"
)

var (
	// ErrTransient marks provider failures that are worth retrying.
	// Providers other than OpenAI wrap their retryable errors with it.
	ErrTransient = errors.New("transient provider error")

	// ErrEmptyQuery is returned when a query embedding is requested for blank text.
	ErrEmptyQuery = errors.New("query text is empty")

	// ErrDimensionMismatch is returned when the provider returns vectors of inconsistent length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ProviderError reports an embedding batch that failed permanently or
// exhausted its retries.
type ProviderError struct {
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure:
// rate limiting (429), server errors (5xx), timeouts, network failures such
// as refused or reset connections, or anything wrapping ErrTransient. Cancellation is never transient; callers check their own
// context before retrying a deadline error.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
