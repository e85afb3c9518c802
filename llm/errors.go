package llm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStreamProtocol is returned for events that do not fit the block structure.
	ErrStreamProtocol = errors.New("stream protocol violation")

	// ErrStreamTruncated is returned when a stream closes before message_stop.
	ErrStreamTruncated = errors.New("stream ended before message_stop")

	// ErrToolInput is returned when a tool's accumulated arguments are not a JSON object.
	ErrToolInput = errors.New("malformed tool input")

	// ErrParseLimit is returned when a buffer would exceed its configured bound.
	ErrParseLimit = errors.New("stream buffer limit exceeded")
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s API error %d (%s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// HTTPStatus exposes the status code for error classification.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// RetryDelay is the provider-requested wait, zero if none was sent.
func (e *APIError) RetryDelay() time.Duration {
	return e.RetryAfter
}

// ToolInputParseError reports a tool whose argument buffer did not decode.
type ToolInputParseError struct {
	Index int
	ID    string
	Name  string
	Err   error
}

func (e *ToolInputParseError) Error() string {
	return fmt.Sprintf("tool %s (%s) at block %d: %v: %v", e.Name, e.ID, e.Index, ErrToolInput, e.Err)
}

func (e *ToolInputParseError) Unwrap() []error {
	return []error{ErrToolInput, e.Err}
}

// ParseLimitError reports a buffer that would have grown past its bound.
type ParseLimitError struct {
	Index int
	What  string
	Limit int
}

func (e *ParseLimitError) Error() string {
	return fmt.Sprintf("%v: %s at block %d exceeds %d bytes", ErrParseLimit, e.What, e.Index, e.Limit)
}

func (e *ParseLimitError) Is(target error) bool {
	return target == ErrParseLimit
}
