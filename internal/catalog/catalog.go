// Package catalog holds the read snapshot of the location catalogue and the
// user actions that edit it.
//
// Readers never see a live store: [Catalog.Snapshot] returns an immutable set
// that is replaced after every successful sync or user action. Writers share
// one lock with the sync service so a user edit can never be flushed or
// discarded by a sync batch.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/query"
	"github.com/njoerd114/placesync/internal/state"
)

var (
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("location not found")

	// ErrInvalid is returned when a draft or patch would produce an invalid
	// record.
	ErrInvalid = errors.New("invalid location")
)

// Store is the subset of [state.Store] the catalogue uses.
type Store interface {
	Fetch(ctx context.Context, f state.Filter) ([]model.Location, error)
	Get(ctx context.Context, id string) (*model.Location, error)
	Put(ctx context.Context, loc model.Location) error
	Delete(ctx context.Context, id string) error
	Save(ctx context.Context) error
	Rollback()
}

// Snapshot is an immutable view of every persisted record, soft-deleted ones
// included. Callers must not modify Locations.
type Snapshot struct {
	Locations []model.Location
	LoadedAt  time.Time
	byID      map[string]int
}

func newSnapshot(locs []model.Location, at time.Time) *Snapshot {
	s := &Snapshot{Locations: locs, LoadedAt: at, byID: make(map[string]int, len(locs))}
	for i, l := range locs {
		s.byID[l.ID] = i
	}
	return s
}

// Get returns a copy of the record with id.
func (s *Snapshot) Get(id string) (model.Location, bool) {
	i, ok := s.byID[id]
	if !ok {
		return model.Location{}, false
	}
	return s.Locations[i].Clone(), true
}

// Options tunes a [Catalog]. Zero values select the defaults.
type Options struct {
	Clock model.Clock
	NewID func() string
}

// Catalog serves reads from a snapshot and applies user actions.
type Catalog struct {
	store  Store
	writer gosync.Locker
	clock  model.Clock
	newID  func() string
	log    *slog.Logger

	snap atomic.Pointer[Snapshot]
}

// New creates a Catalog. writer must be the lock shared with the sync
// service; see sync.Service.Writer. The snapshot starts empty until
// [Catalog.Refresh] is called.
func New(store Store, writer gosync.Locker, opts Options, logger *slog.Logger) *Catalog {
	if opts.Clock == nil {
		opts.Clock = model.SystemClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	c := &Catalog{store: store, writer: writer, clock: opts.Clock, newID: opts.NewID, log: logger}
	c.snap.Store(newSnapshot(nil, time.Time{}))
	return c
}

// Refresh reloads the snapshot from the store.
func (c *Catalog) Refresh(ctx context.Context) error {
	locs, err := c.store.Fetch(ctx, state.Filter{IncludeDeleted: true})
	if err != nil {
		return fmt.Errorf("loading catalogue: %w", err)
	}
	c.snap.Store(newSnapshot(locs, c.clock.Now()))
	c.log.Debug("catalogue refreshed", "records", len(locs))
	return nil
}

// Snapshot returns the current read snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Get returns the record with id from the snapshot.
func (c *Catalog) Get(id string) (model.Location, error) {
	l, ok := c.Snapshot().Get(id)
	if !ok {
		return model.Location{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l, nil
}

// Query applies opts to the snapshot. A zero opts.Now is replaced by the
// clock's now.
func (c *Catalog) Query(opts query.Options) []model.Location {
	if opts.Now.IsZero() {
		opts.Now = c.clock.Now()
	}
	return query.Apply(c.Snapshot().Locations, opts)
}

// Draft describes a user-created record.
type Draft struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Notes     string    `json:"notes"`
	Tags      []string  `json:"tags"`

	// Coordinate, when set, skips geocoding.
	Coordinate *model.Coordinate `json:"coordinate,omitempty"`
}

// Create stores a new user record. It has no external event and starts in
// the pending sync state.
func (c *Catalog) Create(ctx context.Context, d Draft) (model.Location, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return model.Location{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if d.StartTime.IsZero() {
		return model.Location{}, fmt.Errorf("%w: start time is required", ErrInvalid)
	}
	if d.EndTime.IsZero() {
		d.EndTime = d.StartTime
	}
	if d.EndTime.Before(d.StartTime) {
		return model.Location{}, fmt.Errorf("%w: end time before start time", ErrInvalid)
	}

	now := c.clock.Now()
	loc := model.Location{
		ID:                    c.newID(),
		Name:                  name,
		Address:               strings.TrimSpace(d.Address),
		StartTime:             d.StartTime,
		EndTime:               d.EndTime,
		SyncStatus:            model.SyncPending,
		LastLocalModification: now,
		IsUserModified:        true,
		Notes:                 d.Notes,
		Tags:                  model.NormalizeTags(d.Tags),
		GeocodingStatus:       model.GeocodePending,
	}
	switch {
	case d.Coordinate != nil && !d.Coordinate.IsZero():
		loc.Latitude = d.Coordinate.Latitude
		loc.Longitude = d.Coordinate.Longitude
		loc.GeocodingStatus = model.GeocodeNotNeeded
	case loc.Address == "":
		return model.Location{}, fmt.Errorf("%w: address or coordinate is required", ErrInvalid)
	}

	c.writer.Lock()
	defer c.writer.Unlock()

	if err := c.commit(ctx, loc); err != nil {
		return model.Location{}, err
	}
	c.log.Info("location created by user", "id", loc.ID, "name", loc.Name)
	return loc, nil
}

// Patch lists the fields of a user edit. Nil fields are left unchanged.
type Patch struct {
	Name      *string    `json:"name,omitempty"`
	Address   *string    `json:"address,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// Edit applies p to the record with id. Changing the address re-arms
// geocoding; the next geocode retry resolves it.
func (c *Catalog) Edit(ctx context.Context, id string, p Patch) (model.Location, error) {
	return c.mutate(ctx, id, func(l *model.Location) error {
		if p.Name != nil {
			name := strings.TrimSpace(*p.Name)
			if name == "" {
				return fmt.Errorf("%w: name is required", ErrInvalid)
			}
			l.Name = name
		}
		if p.Address != nil {
			addr := strings.TrimSpace(*p.Address)
			if addr != strings.TrimSpace(l.Address) {
				l.Address = addr
				if addr == "" {
					l.GeocodingStatus = model.GeocodeNotNeeded
				} else {
					model.DefaultGeocodePolicy().Rearm(l)
				}
			}
		}
		if p.Notes != nil {
			l.Notes = *p.Notes
		}
		if p.StartTime != nil {
			l.StartTime = *p.StartTime
		}
		if p.EndTime != nil {
			l.EndTime = *p.EndTime
		}
		if l.EndTime.Before(l.StartTime) {
			return fmt.Errorf("%w: end time before start time", ErrInvalid)
		}
		return nil
	})
}

// AddTag adds tag to the record.
func (c *Catalog) AddTag(ctx context.Context, id, tag string) (model.Location, error) {
	if model.NormalizeTag(tag) == "" {
		return model.Location{}, fmt.Errorf("%w: empty tag", ErrInvalid)
	}
	return c.mutate(ctx, id, func(l *model.Location) error {
		l.AddTag(tag)
		return nil
	})
}

// RemoveTag removes tag from the record.
func (c *Catalog) RemoveTag(ctx context.Context, id, tag string) (model.Location, error) {
	return c.mutate(ctx, id, func(l *model.Location) error {
		l.RemoveTag(tag)
		return nil
	})
}

// SetArchived archives or unarchives the record.
func (c *Catalog) SetArchived(ctx context.Context, id string, archived bool) (model.Location, error) {
	return c.mutate(ctx, id, func(l *model.Location) error {
		l.IsArchived = archived
		return nil
	})
}

// Delete soft-deletes the record. Sync leaves it deleted even while its
// event is still in the calendar.
func (c *Catalog) Delete(ctx context.Context, id string) (model.Location, error) {
	return c.mutate(ctx, id, func(l *model.Location) error {
		l.SyncStatus = model.SyncDeleted
		l.DeletedByUser = true
		return nil
	})
}

// Restore brings a soft-deleted record back as modified. Restoring a live
// record only marks it user-modified.
func (c *Catalog) Restore(ctx context.Context, id string) (model.Location, error) {
	return c.mutate(ctx, id, func(l *model.Location) error {
		if l.IsDeleted() {
			l.SyncStatus = model.SyncModified
		}
		l.DeletedByUser = false
		return nil
	})
}

// Purge hard-deletes the record with id. This cannot be undone.
func (c *Catalog) Purge(ctx context.Context, id string) error {
	c.writer.Lock()
	defer c.writer.Unlock()

	if _, err := c.load(ctx, id); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, id); err != nil {
		c.store.Rollback()
		return fmt.Errorf("purging %s: %w", id, err)
	}
	if err := c.saveAndRefresh(ctx); err != nil {
		return err
	}
	c.log.Info("location purged", "id", id)
	return nil
}

// PurgeDeleted hard-deletes every soft-deleted record and returns how many
// were removed.
func (c *Catalog) PurgeDeleted(ctx context.Context) (int, error) {
	c.writer.Lock()
	defer c.writer.Unlock()

	locs, err := c.store.Fetch(ctx, state.Filter{IncludeDeleted: true})
	if err != nil {
		return 0, fmt.Errorf("listing soft-deleted locations: %w", err)
	}
	n := 0
	for _, l := range locs {
		if !l.IsDeleted() {
			continue
		}
		if err := c.store.Delete(ctx, l.ID); err != nil {
			c.store.Rollback()
			return 0, fmt.Errorf("purging %s: %w", l.ID, err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := c.saveAndRefresh(ctx); err != nil {
		return 0, err
	}
	c.log.Info("soft-deleted locations purged", "count", n)
	return n, nil
}

// mutate loads the record, applies fn, marks the record user-modified, and
// commits it.
func (c *Catalog) mutate(ctx context.Context, id string, fn func(*model.Location) error) (model.Location, error) {
	c.writer.Lock()
	defer c.writer.Unlock()

	loc, err := c.load(ctx, id)
	if err != nil {
		return model.Location{}, err
	}
	if err := fn(&loc); err != nil {
		return model.Location{}, err
	}
	loc.MarkUserModified(c.clock.Now())

	if err := c.commit(ctx, loc); err != nil {
		return model.Location{}, err
	}
	return loc, nil
}

// load reads the authoritative record from the store, not the snapshot.
func (c *Catalog) load(ctx context.Context, id string) (model.Location, error) {
	l, err := c.store.Get(ctx, id)
	if err != nil {
		return model.Location{}, fmt.Errorf("loading %s: %w", id, err)
	}
	if l == nil {
		return model.Location{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l.Clone(), nil
}

func (c *Catalog) commit(ctx context.Context, loc model.Location) error {
	if err := c.store.Put(ctx, loc); err != nil {
		c.store.Rollback()
		return fmt.Errorf("staging %s: %w", loc.ID, err)
	}
	return c.saveAndRefresh(ctx)
}

func (c *Catalog) saveAndRefresh(ctx context.Context) error {
	if err := c.store.Save(ctx); err != nil {
		c.store.Rollback()
		return fmt.Errorf("saving catalogue: %w", err)
	}
	if err := c.Refresh(ctx); err != nil {
		// The change is durable; a stale snapshot heals on the next refresh.
		c.log.Warn("refreshing catalogue after save", "error", err)
	}
	return nil
}
