package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is reported to requests that were outstanding when the session was torn down.
var ErrClosed = errors.New("session closed")

// ConnectionError is returned when the session cannot be established or is lost.
type ConnectionError struct {
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("coordinator connection failed during %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolTimeoutError is returned when the coordinator does not answer in time.
type ProtocolTimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *ProtocolTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.Operation)
}

// NoMatchDataError is returned when the coordinator reply holds no matches.
type NoMatchDataError struct {
	Sharecode string
}

func (e *NoMatchDataError) Error() string {
	return "no match data received for sharecode " + e.Sharecode
}

// NoDownloadURLError is returned when a match has no demo location.
type NoDownloadURLError struct {
	MatchID string
}

func (e *NoDownloadURLError) Error() string {
	return fmt.Sprintf("no download URL found for match %s", e.MatchID)
}
