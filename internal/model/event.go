package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ExternalEvent is the calendar-source view of an event, normalised across
// EventKit and ICS feeds.
type ExternalEvent struct {
	// ID is unique within one fetched batch. Recurring occurrences carry an
	// occurrence suffix.
	ID       string
	Title    string
	Location string
	Start    time.Time
	End      time.Time
	Notes    string

	// Calendar is the source calendar or feed name. It is informational and
	// not part of the fingerprint.
	Calendar string
}

// HasLocation reports whether the event carries usable location text.
func (e *ExternalEvent) HasLocation() bool {
	return strings.TrimSpace(e.Location) != ""
}

// Fingerprint returns the change fingerprint of the event's sourced fields.
func (e *ExternalEvent) Fingerprint() string {
	return Fingerprint(e.Title, e.Location, e.Start, e.End, e.Notes)
}

// Fingerprint returns a deterministic SHA-256 hex digest of the externally
// sourced fields of an event. Fields are NUL-separated so no field value can
// shift into its neighbour; times are hashed as UTC RFC3339Nano.
func Fingerprint(title, location string, start, end time.Time, notes string) string {
	h := sha256.New()
	for i, field := range []string{
		title,
		location,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
		notes,
	} {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return w.Start.Before(w.End)
}

// Overlaps reports whether the half-open interval [start, end) intersects
// the window. An interval ending exactly at w.Start does not; a zero-length
// interval counts when its instant lies inside the window.
func (w Window) Overlaps(start, end time.Time) bool {
	if !start.Before(w.End) {
		return false
	}
	if !end.After(start) {
		return !start.Before(w.Start)
	}
	return end.After(w.Start)
}

// DayWindow returns the window covering the local calendar days starting with
// the day containing now. days < 1 is treated as 1.
func DayWindow(now time.Time, days int) Window {
	if days < 1 {
		days = 1
	}
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return Window{Start: start, End: start.AddDate(0, 0, days)}
}

// Clock supplies the current time. Inject a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to [Clock].
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }
