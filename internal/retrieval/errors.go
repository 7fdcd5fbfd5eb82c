package retrieval

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrTransferTimeout matches every *TimeoutError.
var ErrTransferTimeout = errors.New("transfer timeout")

// ErrStreamTruncated means the stream ended, with or without a complete
// event, before every announced block arrived.
var ErrStreamTruncated = errors.New("stream truncated")

type Phase string

const (
	PhaseConnect    Phase = "connect"
	PhaseFirstEvent Phase = "first-event"
	PhaseStall      Phase = "stall"
	PhaseHardCap    Phase = "hard-cap"
	PhaseSnapshot   Phase = "snapshot"
)

// TimeoutError is one of the layered transfer timeouts.
type TimeoutError struct {
	Phase Phase
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transfer timeout: %s after %s", e.Phase, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTransferTimeout }

// StreamError is an error event sent by the server mid-stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "server stream error: " + e.Message }

// HTTPError is a non-200 response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying another strategy is pointless: the
// build does not exist or does not validate.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusUnprocessableEntity
}

// ExhaustedError is returned after every strategy failed. It unwraps to
// the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d strategies failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
