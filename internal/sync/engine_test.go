package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/placesync/internal/model"
)

type mockNotifier struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (m *mockNotifier) Notify(_ context.Context, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return m.err
}

func newTestEngine(t *testing.T, svc *Service, n Notifier) *Engine {
	t.Helper()
	e, err := NewEngine(svc, n, EngineOptions{WindowDays: 2}, testLogger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestNewEngine_InvalidSchedule(t *testing.T) {
	svc := newTestService(newMockCalendar(), newMockGeocoder(), newMockStore())
	if _, err := NewEngine(svc, nil, EngineOptions{Schedule: "every tuesday"}, testLogger); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestEngine_Window(t *testing.T) {
	svc := newTestService(newMockCalendar(), newMockGeocoder(), newMockStore())
	w := newTestEngine(t, svc, nil).Window()
	if got := w.End.Sub(w.Start); got != 48*time.Hour {
		t.Errorf("window length = %v, want 48h", got)
	}
}

func TestEngine_RunOnceNotifiesAndRetries(t *testing.T) {
	// One stale record waiting for a retry outside the sync window.
	waiting := model.Location{
		ID: "old", Name: "Museum", Address: "Museum Sq 1",
		StartTime: testNow.AddDate(0, 0, -10), EndTime: testNow.AddDate(0, 0, -10).Add(time.Hour),
		SyncStatus: model.SyncModified, GeocodingStatus: model.GeocodeRetryLater,
		GeocodingAttempts: 1, LastGeocodeAttempt: testNow.Add(-time.Hour),
	}
	store := newMockStore(waiting)
	cal := newMockCalendar(event("1", "Gym", "Fitness St 1", 7))
	geo := newMockGeocoder().with("Fitness St 1", 1, 1).with("Museum Sq 1", 2, 2)
	n := &mockNotifier{}
	e := newTestEngine(t, newTestService(cal, geo, store), n)

	var seen []Result
	e.OnResult(func(_ context.Context, res Result, err error) {
		if err != nil {
			t.Errorf("listener got err: %v", err)
		}
		seen = append(seen, res)
	})

	res, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.NewLocations != 1 {
		t.Errorf("NewLocations = %d, want 1", res.NewLocations)
	}
	if len(n.results) != 1 {
		t.Errorf("notifications = %d, want 1", len(n.results))
	}
	if len(seen) != 2 {
		t.Errorf("listener calls = %d, want sync + geocode retry", len(seen))
	}
	for _, l := range store.all() {
		if l.ID == "old" && l.GeocodingStatus != model.GeocodeSuccess {
			t.Errorf("old record geocoding = %s, want success", l.GeocodingStatus)
		}
	}
}

func TestEngine_NotifierErrorIsNotFatal(t *testing.T) {
	n := &mockNotifier{err: errors.New("ha unreachable")}
	svc := newTestService(newMockCalendar(event("1", "Gym", "Fitness St 1", 7)), newMockGeocoder(), newMockStore())
	if _, err := newTestEngine(t, svc, n).RunOnce(context.Background()); err != nil {
		t.Errorf("RunOnce: %v", err)
	}
}

func TestEngine_SyncFailureSkipsNotifier(t *testing.T) {
	cal := newMockCalendar()
	cal.err = model.ErrAccessDenied
	n := &mockNotifier{}
	e := newTestEngine(t, newTestService(cal, newMockGeocoder(), newMockStore()), n)

	var gotErr error
	e.OnResult(func(_ context.Context, _ Result, err error) { gotErr = err })

	if _, err := e.RunOnce(context.Background()); !errors.Is(err, model.ErrAccessDenied) {
		t.Errorf("err = %v, want ErrAccessDenied", err)
	}
	if len(n.results) != 0 {
		t.Error("notifier called for a failed sync")
	}
	if !errors.Is(gotErr, model.ErrAccessDenied) {
		t.Errorf("listener err = %v, want ErrAccessDenied", gotErr)
	}
}

func TestEngine_InvalidRangeIsNotPublished(t *testing.T) {
	n := &mockNotifier{}
	e := newTestEngine(t, newTestService(newMockCalendar(), newMockGeocoder(), newMockStore()), n)
	called := false
	e.OnResult(func(context.Context, Result, error) { called = true })

	_, err := e.SyncWindow(context.Background(), model.Window{Start: testNow, End: testNow.Add(-time.Hour)})
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("err = %v, want ErrInvalidRange", err)
	}
	if called || len(n.results) != 0 {
		t.Error("invalid range was published")
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	cal := newMockCalendar()
	e := newTestEngine(t, newTestService(cal, newMockGeocoder(), newMockStore()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Wait for the immediate first pass.
	deadline := time.After(2 * time.Second)
	for {
		cal.mu.Lock()
		calls := cal.calls
		cal.mu.Unlock()
		if calls > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first pass did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
