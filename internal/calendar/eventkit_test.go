package calendar

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	ekcalendar "github.com/BRO3886/go-eventkit/calendar"

	"github.com/njoerd114/placesync/internal/model"
)

var testLogger = slog.Default()

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func dayWindow() model.Window {
	return model.Window{Start: day, End: day.Add(24 * time.Hour)}
}

func ekEvent(id, title, location, cal string, hour int) ekcalendar.Event {
	start := day.Add(time.Duration(hour) * time.Hour)
	return ekcalendar.Event{
		ID:        id,
		Title:     title,
		Location:  location,
		StartDate: start,
		EndDate:   start.Add(time.Hour),
		Notes:     "notes for " + title,
		Calendar:  cal,
	}
}

func TestEventKit_FetchEvents(t *testing.T) {
	var gotStart, gotEnd time.Time
	fetch := func(start, end time.Time) ([]ekcalendar.Event, error) {
		gotStart, gotEnd = start, end
		return []ekcalendar.Event{
			ekEvent("e1", "Dentist", "123 Main St", "Personal", 9),
			ekEvent("e2", "Standup", "Office", "Work", 10),
		}, nil
	}
	src := NewEventKitWithFunc(fetch, nil, testLogger)

	events, err := src.FetchEvents(context.Background(), dayWindow())
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if !gotStart.Equal(day) || !gotEnd.Equal(day.Add(24*time.Hour)) {
		t.Errorf("window passed = [%v, %v)", gotStart, gotEnd)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	ev := events[0]
	if ev.ID != "e1" || ev.Title != "Dentist" || ev.Location != "123 Main St" || ev.Calendar != "Personal" {
		t.Errorf("converted = %+v", ev)
	}
	if ev.Notes != "notes for Dentist" || !ev.Start.Equal(day.Add(9*time.Hour)) {
		t.Errorf("converted = %+v", ev)
	}
}

func TestEventKit_CalendarFilter(t *testing.T) {
	fetch := func(time.Time, time.Time) ([]ekcalendar.Event, error) {
		return []ekcalendar.Event{
			ekEvent("e1", "Dentist", "123 Main St", "Personal", 9),
			ekEvent("e2", "Standup", "Office", "Work", 10),
		}, nil
	}
	src := NewEventKitWithFunc(fetch, []string{" work "}, testLogger)

	events, err := src.FetchEvents(context.Background(), dayWindow())
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e2" {
		t.Errorf("events = %+v, want only e2", events)
	}
}

func TestEventKit_SharedIDsGetDistinctIDs(t *testing.T) {
	fetch := func(time.Time, time.Time) ([]ekcalendar.Event, error) {
		return []ekcalendar.Event{
			ekEvent("r1", "Walk", "Park", "Personal", 7),
			ekEvent("r1", "Walk", "Park", "Personal", 19),
			ekEvent("s1", "Dinner", "Home", "Personal", 20),
		}, nil
	}
	events, err := NewEventKitWithFunc(fetch, nil, testLogger).FetchEvents(context.Background(), dayWindow())
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	want := []string{"r1/2026-03-02T07:00:00Z", "r1/2026-03-02T19:00:00Z", "s1"}
	for i, ev := range events {
		if ev.ID != want[i] {
			t.Errorf("events[%d].ID = %q, want %q", i, ev.ID, want[i])
		}
	}
}

// dailySeries returns the occurrences of a 09:00 daily series in [start, end).
func dailySeries(start, end time.Time) []ekcalendar.Event {
	var out []ekcalendar.Event
	for d := day; d.Before(day.Add(7 * 24 * time.Hour)); d = d.Add(24 * time.Hour) {
		occ := d.Add(9 * time.Hour)
		if !occ.Before(start) && occ.Before(end) {
			ev := ekEvent("series", "Standup", "Office", "Work", 0)
			ev.StartDate, ev.EndDate = occ, occ.Add(15*time.Minute)
			ev.Recurring = true
			ev.OccurrenceDate = &occ
			out = append(out, ev)
		}
	}
	return out
}

func TestEventKit_RecurringIDsStableAcrossWindows(t *testing.T) {
	src := NewEventKitWithFunc(func(start, end time.Time) ([]ekcalendar.Event, error) {
		return dailySeries(start, end), nil
	}, nil, testLogger)
	ctx := context.Background()

	ids := func(w model.Window) []string {
		t.Helper()
		events, err := src.FetchEvents(ctx, w)
		if err != nil {
			t.Fatalf("FetchEvents: %v", err)
		}
		var out []string
		for _, ev := range events {
			out = append(out, ev.ID)
		}
		return out
	}

	day0 := ids(model.DayWindow(day, 1))
	day1 := ids(model.DayWindow(day.Add(24*time.Hour), 1))
	both := ids(model.DayWindow(day, 2))

	want0, want1 := "series/2026-03-02T09:00:00Z", "series/2026-03-03T09:00:00Z"
	if len(day0) != 1 || day0[0] != want0 {
		t.Errorf("one-day window ids = %v, want [%s]", day0, want0)
	}
	if len(day1) != 1 || day1[0] != want1 {
		t.Errorf("next-day window ids = %v, want [%s]", day1, want1)
	}
	if len(both) != 2 || both[0] != want0 || both[1] != want1 {
		t.Errorf("two-day window ids = %v, want [%s %s]", both, want0, want1)
	}
}

func TestEventKit_MovedOccurrenceKeepsID(t *testing.T) {
	original := day.Add(9 * time.Hour)
	moved := ekEvent("series", "Standup", "Office", "Work", 14)
	moved.Recurring = true
	moved.IsDetached = true
	moved.OccurrenceDate = &original

	src := NewEventKitWithFunc(func(time.Time, time.Time) ([]ekcalendar.Event, error) {
		return []ekcalendar.Event{moved}, nil
	}, nil, testLogger)
	events, err := src.FetchEvents(context.Background(), dayWindow())
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != OccurrenceID("series", original) {
		t.Errorf("events = %+v, want id from the original occurrence date", events)
	}
	if !events[0].Start.Equal(day.Add(14 * time.Hour)) {
		t.Errorf("Start = %v, want the moved time", events[0].Start)
	}
}

func TestEventKit_AccessDenied(t *testing.T) {
	fetch := func(time.Time, time.Time) ([]ekcalendar.Event, error) {
		return nil, errors.New("calendar access denied by user")
	}
	_, err := NewEventKitWithFunc(fetch, nil, testLogger).FetchEvents(context.Background(), dayWindow())
	if !errors.Is(err, model.ErrAccessDenied) {
		t.Errorf("err = %v, want ErrAccessDenied", err)
	}
}

func TestEventKit_OtherErrorsPassThrough(t *testing.T) {
	sentinel := errors.New("store unavailable")
	fetch := func(time.Time, time.Time) ([]ekcalendar.Event, error) { return nil, sentinel }
	_, err := NewEventKitWithFunc(fetch, nil, testLogger).FetchEvents(context.Background(), dayWindow())
	if !errors.Is(err, sentinel) || errors.Is(err, model.ErrAccessDenied) {
		t.Errorf("err = %v", err)
	}
}

func TestEventKit_CancelledContext(t *testing.T) {
	called := false
	fetch := func(time.Time, time.Time) ([]ekcalendar.Event, error) {
		called = true
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewEventKitWithFunc(fetch, nil, testLogger).FetchEvents(ctx, dayWindow()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("EventKit called with a cancelled context")
	}
}

type stubSource struct {
	events []model.ExternalEvent
	err    error
}

func (s stubSource) FetchEvents(context.Context, model.Window) ([]model.ExternalEvent, error) {
	return s.events, s.err
}

func TestMulti(t *testing.T) {
	a := stubSource{events: []model.ExternalEvent{{ID: "a1"}, {ID: "a2"}}}
	b := stubSource{events: []model.ExternalEvent{{ID: "b1"}}}
	m := NewMulti(testLogger, Named{"a", a}, Named{"b", b})

	events, err := m.FetchEvents(context.Background(), dayWindow())
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if len(events) != 3 || events[0].ID != "a1" || events[2].ID != "b1" {
		t.Errorf("events = %+v", events)
	}

	failing := NewMulti(testLogger, Named{"a", a}, Named{"broken", stubSource{err: model.ErrAccessDenied}})
	if _, err := failing.FetchEvents(context.Background(), dayWindow()); !errors.Is(err, model.ErrAccessDenied) {
		t.Errorf("err = %v, want ErrAccessDenied", err)
	}
}
