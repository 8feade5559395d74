package scraper

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownRegion is returned when a region code is not in the catalogue.
var ErrUnknownRegion = errors.New("unknown region")

// ErrAlreadyRunning is returned when a run is requested while another one
// holds the single-flight slot. No session is created.
var ErrAlreadyRunning = errors.New("scraping already in progress")

// ErrNoPartnerList is returned for a body that carries none of the known
// partner list keys.
var ErrNoPartnerList = errors.New("payload has no partner list")

// ErrStopped is the reason recorded on sessions aborted by Stop.
var ErrStopped = errors.New("stopped by caller")

// TimeoutError is returned when a single upstream request exceeds the
// configured per-request timeout.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Timeout)
}

// NetworkError wraps a transport-level failure (DNS, refused, reset).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is returned for any non-2xx upstream response.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// ValidationError describes a record that cannot become a channel.
// The parser only logs these; manual input returns them to the caller.
type ValidationError struct {
	Field      string
	ExternalID string
	Msg        string
}

func (e *ValidationError) Error() string {
	if e.ExternalID != "" {
		return fmt.Sprintf("invalid record %s: %s: %s", e.ExternalID, e.Field, e.Msg)
	}
	return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Msg)
}

// SessionError wraps a failure of session bookkeeping. When returned from a
// run entry point no scraping was performed.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
