package llm

import (
	"errors"
	"fmt"
)

// ErrConfiguration is returned when no usable provider credential can be resolved.
var ErrConfiguration = errors.New("llm: provider not configured")

// ErrEmptyCompletion is wrapped in a ProviderError when the upstream answered
// successfully but without any text.
var ErrEmptyCompletion = errors.New("empty completion")

// ProviderError wraps a failed upstream call. StatusCode is zero when the
// request never produced an HTTP response.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s provider error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }
