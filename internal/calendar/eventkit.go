// Package calendar provides the calendar sources the sync engine reads from:
// the local macOS calendar store via EventKit, remote ICS feeds, and [Multi]
// which merges several sources into one batch.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ekcalendar "github.com/BRO3886/go-eventkit/calendar"

	"github.com/njoerd114/placesync/internal/model"
)

// EventsFunc lists the EventKit events overlapping [start, end). It is the
// only EventKit call the source needs; tests inject a fake.
type EventsFunc func(start, end time.Time) ([]ekcalendar.Event, error)

// EventKit reads events from the macOS calendar store. Create one with
// [NewEventKit] or [NewEventKitWithFunc].
type EventKit struct {
	events    EventsFunc
	calendars map[string]bool // lower-cased names; empty = all
	log       *slog.Logger
}

// NewEventKit creates a source backed by a real EventKit client. This
// triggers the macOS TCC permissions prompt on first use.
func NewEventKit(calendars []string, logger *slog.Logger) (*EventKit, error) {
	c, err := ekcalendar.New()
	if err != nil {
		return nil, mapAccessError(fmt.Errorf("initialising calendar client: %w", err))
	}
	fetch := func(start, end time.Time) ([]ekcalendar.Event, error) {
		return c.Events(start, end)
	}
	return NewEventKitWithFunc(fetch, calendars, logger), nil
}

// NewEventKitWithFunc creates a source with a caller-supplied fetch
// function. Intended for testing.
func NewEventKitWithFunc(fetch EventsFunc, calendars []string, logger *slog.Logger) *EventKit {
	set := make(map[string]bool, len(calendars))
	for _, c := range calendars {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			set[c] = true
		}
	}
	return &EventKit{events: fetch, calendars: set, log: logger}
}

// FetchEvents returns the events overlapping w from the configured
// calendars, in EventKit order. The underlying cgo call is not cancellable;
// ctx is only checked before it starts.
func (e *EventKit) FetchEvents(ctx context.Context, w model.Window) ([]model.ExternalEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch calendar events: %w", err)
	}

	e.log.Debug("fetching EventKit events", "start", w.Start, "end", w.End)
	raw, err := e.events(w.Start, w.End)
	if err != nil {
		return nil, mapAccessError(fmt.Errorf("fetching EventKit events: %w", err))
	}

	out := make([]model.ExternalEvent, 0, len(raw))
	for i := range raw {
		ev := &raw[i]
		if len(e.calendars) > 0 && !e.calendars[strings.ToLower(ev.Calendar)] {
			continue
		}
		out = append(out, eventToExternal(ev))
	}
	out = disambiguateOccurrences(out)

	e.log.Debug("fetched EventKit events", "count", len(out), "total", len(raw))
	return out, nil
}

// eventToExternal converts one EventKit event. Occurrences of a recurring
// series share the series id, so each gets one derived from its original
// occurrence date. That date survives the occurrence being moved, keeping
// the id stable whatever window the occurrence is fetched in.
func eventToExternal(ev *ekcalendar.Event) model.ExternalEvent {
	id := ev.ID
	if ev.Recurring && id != "" {
		occurred := ev.StartDate
		if ev.OccurrenceDate != nil && !ev.OccurrenceDate.IsZero() {
			occurred = *ev.OccurrenceDate
		}
		id = OccurrenceID(id, occurred)
	}
	return model.ExternalEvent{
		ID:       id,
		Title:    ev.Title,
		Location: ev.Location,
		Start:    ev.StartDate,
		End:      ev.EndDate,
		Notes:    ev.Notes,
		Calendar: ev.Calendar,
	}
}

// disambiguateOccurrences appends the start to ids that still repeat in the
// batch. Recurring occurrences already carry distinct ids; this only covers
// events EventKit reports under a shared id without marking them recurring.
func disambiguateOccurrences(events []model.ExternalEvent) []model.ExternalEvent {
	counts := make(map[string]int, len(events))
	for _, ev := range events {
		counts[ev.ID]++
	}
	for i := range events {
		if events[i].ID != "" && counts[events[i].ID] > 1 {
			events[i].ID = OccurrenceID(events[i].ID, events[i].Start)
		}
	}
	return events
}

// OccurrenceID returns the id of one occurrence of a recurring event.
func OccurrenceID(uid string, start time.Time) string {
	return uid + "/" + start.UTC().Format(time.RFC3339)
}

// mapAccessError converts EventKit permission failures to
// [model.ErrAccessDenied]. The library reports them only as text.
func mapAccessError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "not granted") {
		return fmt.Errorf("%w: %v", model.ErrAccessDenied, err)
	}
	return err
}
