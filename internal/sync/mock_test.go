package sync

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/state"
)

// --- Mock Calendar -----------------------------------------------------------

type mockCalendar struct {
	mu     sync.Mutex
	events []model.ExternalEvent
	err    error
	calls  int

	// block, when set, is closed by the test to release FetchEvents. entered
	// receives once per call before blocking.
	block   chan struct{}
	entered chan struct{}
}

func newMockCalendar(events ...model.ExternalEvent) *mockCalendar {
	return &mockCalendar{events: events}
}

func (m *mockCalendar) FetchEvents(_ context.Context, w model.Window) ([]model.ExternalEvent, error) {
	m.mu.Lock()
	m.calls++
	block, entered := m.block, m.entered
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []model.ExternalEvent
	for _, ev := range m.events {
		if w.Overlaps(ev.Start, ev.End) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockCalendar) set(events ...model.ExternalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
}

// --- Mock Geocoder -----------------------------------------------------------

type mockGeocoder struct {
	mu      sync.Mutex
	coords  map[string]model.Coordinate // address → result; missing fails
	calls   []string
	failAll bool
}

func newMockGeocoder() *mockGeocoder {
	return &mockGeocoder{coords: make(map[string]model.Coordinate)}
}

func (m *mockGeocoder) with(address string, lat, lon float64) *mockGeocoder {
	m.coords[address] = model.Coordinate{Latitude: lat, Longitude: lon}
	return m
}

func (m *mockGeocoder) Resolve(_ context.Context, address string) (model.Coordinate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, address)
	if c, ok := m.coords[address]; ok && !m.failAll {
		return c, nil
	}
	return model.Coordinate{}, &model.GeocodeError{Address: address, Err: errors.New("no results")}
}

func (m *mockGeocoder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- Mock Store --------------------------------------------------------------

// mockStore keeps committed and staged records separately so tests can observe
// that nothing is durable before Save.
type mockStore struct {
	mu        sync.Mutex
	committed map[string]model.Location
	staged    map[string]*model.Location // nil value = hard delete
	saves     int
	rollbacks int

	fetchErr error
	saveErr  error
	putErr   error
}

func newMockStore(locs ...model.Location) *mockStore {
	m := &mockStore{
		committed: make(map[string]model.Location),
		staged:    make(map[string]*model.Location),
	}
	for _, l := range locs {
		m.committed[l.ID] = l
	}
	return m
}

func (m *mockStore) Fetch(_ context.Context, f state.Filter) ([]model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}

	view := make(map[string]model.Location, len(m.committed))
	for id, l := range m.committed {
		view[id] = l
	}
	for id, l := range m.staged {
		if l == nil {
			delete(view, id)
		} else {
			view[id] = *l
		}
	}

	var out []model.Location
	for _, l := range view {
		if matchFilter(f, &l) {
			out = append(out, l.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Location) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func matchFilter(f state.Filter, l *model.Location) bool {
	if !f.IncludeDeleted && l.IsDeleted() {
		return false
	}
	if f.Window != nil && !f.Window.Overlaps(l.StartTime, l.EndTime) {
		return false
	}
	if f.ExternalEventIDs != nil && (l.ExternalEventID == "" || !slices.Contains(f.ExternalEventIDs, l.ExternalEventID)) {
		return false
	}
	if f.GeocodingStatuses != nil && !slices.Contains(f.GeocodingStatuses, l.GeocodingStatus) {
		return false
	}
	return true
}

func (m *mockStore) Put(_ context.Context, loc model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	cp := loc.Clone()
	m.staged[loc.ID] = &cp
	return nil
}

func (m *mockStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[id] = nil
	return nil
}

func (m *mockStore) Save(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	for id, l := range m.staged {
		if l == nil {
			delete(m.committed, id)
		} else {
			m.committed[id] = *l
		}
	}
	m.staged = make(map[string]*model.Location)
	return nil
}

func (m *mockStore) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	m.staged = make(map[string]*model.Location)
}

// all returns the committed records in id order.
func (m *mockStore) all() []model.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Location, 0, len(m.committed))
	for _, l := range m.committed {
		out = append(out, l.Clone())
	}
	slices.SortFunc(out, func(a, b model.Location) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (m *mockStore) byEvent(eventID string) (model.Location, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.committed {
		if l.ExternalEventID == eventID {
			return l.Clone(), true
		}
	}
	return model.Location{}, false
}

func (m *mockStore) stagedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged)
}
