// Package sync implements the reconciliation and enrichment engine for
// placesync. It compares calendar events against the persisted location
// catalogue, plans creates, updates, and soft-deletes using content
// fingerprints, geocodes new and changed addresses, and commits the batch
// through a single store save.
//
// The package contains three main components:
//
//   - [BuildPlan] classifies events and records without side effects.
//   - [Service] runs one guarded sync batch and returns a [Result].
//   - [Engine] schedules syncs for the daemon and records telemetry.
package sync

import (
	"context"

	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/state"
)

// CalendarSource provides the events overlapping a window, in source order.
// Implemented by [calendar.EventKit], [calendar.ICSFeed] and [calendar.Multi].
// Fails with [model.ErrAccessDenied] when permission is unavailable.
type CalendarSource interface {
	FetchEvents(ctx context.Context, w model.Window) ([]model.ExternalEvent, error)
}

// Geocoder resolves an address to coordinates. Implemented by
// [geocode.Nominatim]. Fails with [*model.GeocodeError].
type Geocoder interface {
	Resolve(ctx context.Context, address string) (model.Coordinate, error)
}

// Store provides access to the location catalogue. Put and Delete only stage
// changes; Save is the sole durability point. Implemented by [state.Store].
type Store interface {
	Fetch(ctx context.Context, f state.Filter) ([]model.Location, error)
	Put(ctx context.Context, loc model.Location) error
	Delete(ctx context.Context, id string) error
	Save(ctx context.Context) error
	Rollback()
}
