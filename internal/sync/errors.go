package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when a sync window does not satisfy start < end.
	ErrInvalidRange = errors.New("invalid sync range: start must be before end")

	// ErrSyncInProgress is returned immediately when another sync is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrEventProcessingFailed is the chain root of every per-event error.
	ErrEventProcessingFailed = errors.New("event processing failed")

	// ErrNoEventsFound marks a successful sync whose batch held no events.
	// It is informational and never returned as the sync's error.
	ErrNoEventsFound = errors.New("no events found in sync window")
)

// EventError reports a single event or record that could not be processed.
// Per-event errors are collected in [Result.Errors] and never abort a batch.
type EventError struct {
	EventID string
	Title   string
	Reason  string
	Err     error
}

func (e *EventError) Error() string {
	msg := fmt.Sprintf("event %q (%s): %s", e.Title, e.EventID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the processing-failed root and the underlying cause.
func (e *EventError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEventProcessingFailed}
	}
	return []error{ErrEventProcessingFailed, e.Err}
}
