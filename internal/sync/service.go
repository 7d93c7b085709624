package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/state"
)

// DefaultRetryDelay is the minimum age of a failed geocode attempt before
// [Service.RetryGeocoding] tries the address again.
const DefaultRetryDelay = 15 * time.Minute

// Result aggregates the outcome of one batch.
type Result struct {
	Window    model.Window
	StartedAt time.Time
	Duration  time.Duration

	NewLocations int
	Updated      int
	Deleted      int
	Skipped      int

	GeocodeSuccesses int
	GeocodeFailures  int

	// Errors holds per-event failures, in the order they occurred. They never
	// abort the batch.
	Errors []error

	// NoEventsFound is set when the window held no events at all.
	NoEventsFound bool
}

// Changed reports whether the batch mutated any record.
func (r *Result) Changed() bool {
	return r.NewLocations+r.Updated+r.Deleted > 0
}

// Notice returns [ErrNoEventsFound] for empty batches and nil otherwise.
func (r *Result) Notice() error {
	if r.NoEventsFound {
		return ErrNoEventsFound
	}
	return nil
}

// Options tunes a [Service]. Zero values select the defaults.
type Options struct {
	Clock      model.Clock
	Policy     model.GeocodePolicy
	RetryDelay time.Duration
	// NewID generates record ids. Defaults to random UUIDs.
	NewID func() string
}

// Service is the sync orchestrator. At most one batch runs at a time per
// Service; a concurrent call fails fast with [ErrSyncInProgress].
type Service struct {
	calendar CalendarSource
	geocoder Geocoder
	store    Store
	log      *slog.Logger

	clock      model.Clock
	policy     model.GeocodePolicy
	retryDelay time.Duration
	newID      func() string

	running atomic.Bool
	// writer serialises every writer of the store: sync batches and user
	// actions sharing the same staged store.
	writer gosync.Mutex

	obsMu     gosync.Mutex
	observers []func(Progress)
}

// NewService creates a Service wired to the given collaborators. geocoder may
// be nil, in which case records stay pending.
func NewService(cal CalendarSource, geocoder Geocoder, store Store, opts Options, logger *slog.Logger) *Service {
	if opts.Clock == nil {
		opts.Clock = model.SystemClock{}
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = model.DefaultGeocodePolicy()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		calendar:   cal,
		geocoder:   geocoder,
		store:      store,
		log:        logger,
		clock:      opts.Clock,
		policy:     opts.Policy,
		retryDelay: opts.RetryDelay,
		newID:      opts.NewID,
	}
}

// OnProgress registers an observer for progress updates. Observers run on the
// syncing goroutine and must not block.
func (s *Service) OnProgress(fn func(Progress)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Writer returns the lock every other writer of the store must hold.
func (s *Service) Writer() gosync.Locker {
	return &s.writer
}

// Running reports whether a batch is in flight.
func (s *Service) Running() bool {
	return s.running.Load()
}

// SyncToday syncs the local calendar day containing the clock's now.
func (s *Service) SyncToday(ctx context.Context) (Result, error) {
	return s.Sync(ctx, model.DayWindow(s.clock.Now(), 1))
}

// Sync reconciles the events overlapping w with the catalogue. Per-event
// errors are collected in the result; calendar and store failures abort the
// batch, discard its staged changes, and are returned.
//
// The batch is not cancellable once started: ctx values are kept but its
// cancellation is ignored, so an abandoned call still runs to completion and
// releases the guard.
func (s *Service) Sync(ctx context.Context, w model.Window) (Result, error) {
	if !w.Valid() {
		return Result{Window: w}, fmt.Errorf("%w: [%s, %s)", ErrInvalidRange,
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	if !s.running.CompareAndSwap(false, true) {
		return Result{Window: w}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	s.writer.Lock()
	defer s.writer.Unlock()

	return s.run(context.WithoutCancel(ctx), w)
}

func (s *Service) run(ctx context.Context, w model.Window) (res Result, err error) {
	now := s.clock.Now()
	res = Result{Window: w, StartedAt: now}
	prog := &progressTracker{emit: s.emit}
	defer func() { res.Duration = s.clock.Now().Sub(now) }()

	s.log.Debug("sync starting", "start", w.Start, "end", w.End)

	// 1. Events from the calendar source.
	prog.report(StepFetchEvents, 0, 0, 0)
	events, err := s.calendar.FetchEvents(ctx, w)
	if err != nil {
		return s.abort(&res, fmt.Errorf("fetching calendar events: %w", err))
	}
	res.NoEventsFound = len(events) == 0

	// 2. Non-deleted records in the window, plus records linked to events
	// that fall outside it or were soft-deleted.
	prog.report(StepLoadRecords, 0.1, 0, 0)
	existing, err := s.store.Fetch(ctx, state.Filter{Window: &w})
	if err != nil {
		return s.abort(&res, fmt.Errorf("fetching existing locations: %w", err))
	}
	linked, err := s.fetchLinked(ctx, events, existing)
	if err != nil {
		return s.abort(&res, fmt.Errorf("fetching linked locations: %w", err))
	}

	// 3. Plan.
	prog.report(StepPlan, 0.2, 0, 0)
	plan := BuildPlan(PlanInput{Existing: existing, Linked: linked, Events: events})
	for _, rej := range plan.Rejected {
		s.log.Warn("event rejected", "event_id", rej.EventID, "title", rej.Title, "reason", rej.Reason)
		res.Errors = append(res.Errors, rej)
	}
	res.Skipped = len(plan.Unchanged)

	// 4–6. Apply.
	total := plan.Actions()
	done := 0
	step := func() {
		done++
		prog.item(done, total, 0.2, 0.9)
	}

	for _, ev := range plan.Creates {
		loc := s.newLocation(ev, now)
		s.geocode(ctx, &loc, now, &res)
		if err := s.store.Put(ctx, loc); err != nil {
			return s.abort(&res, fmt.Errorf("staging new location %q: %w", ev.Title, err))
		}
		s.log.Info("location created", "event_id", ev.ID, "title", ev.Title, "geocoding", loc.GeocodingStatus)
		res.NewLocations++
		step()
	}

	for _, u := range plan.Updates {
		loc := s.applyUpdate(ctx, u, now, &res)
		if err := s.store.Put(ctx, loc); err != nil {
			return s.abort(&res, fmt.Errorf("staging update of %q: %w", loc.Name, err))
		}
		s.log.Info("location updated", "event_id", u.Event.ID, "title", u.Event.Title, "revived", u.Revive)
		res.Updated++
		step()
	}

	for _, rec := range plan.Deletes {
		loc := rec.Clone()
		loc.SyncStatus = model.SyncDeleted
		loc.DeletedByUser = false
		loc.LastLocalModification = now
		if err := s.store.Put(ctx, loc); err != nil {
			return s.abort(&res, fmt.Errorf("staging soft delete of %q: %w", loc.Name, err))
		}
		s.log.Info("location soft-deleted", "event_id", loc.ExternalEventID, "name", loc.Name)
		res.Deleted++
		step()
	}

	// 7. Single durability point.
	prog.report(StepSave, 0.95, done, total)
	if err := s.store.Save(ctx); err != nil {
		return s.abort(&res, fmt.Errorf("saving sync batch: %w", err))
	}
	prog.report(StepDone, 1, done, total)

	s.log.Info("sync complete",
		"created", res.NewLocations,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"skipped", res.Skipped,
		"geocode_failures", res.GeocodeFailures,
		"errors", len(res.Errors),
	)
	return res, nil
}

// abort discards staged changes and returns the structural error.
func (s *Service) abort(res *Result, err error) (Result, error) {
	s.store.Rollback()
	s.log.Error("sync aborted", "error", err)
	return *res, err
}

// fetchLinked loads records linked to events that have no match among
// existing, so a moved or reappearing event updates its record instead of
// creating a duplicate.
func (s *Service) fetchLinked(ctx context.Context, events []model.ExternalEvent, existing []model.Location) ([]model.Location, error) {
	known := make(map[string]bool, len(existing))
	for _, l := range existing {
		if l.ExternalEventID != "" {
			known[l.ExternalEventID] = true
		}
	}
	var ids []string
	for _, ev := range events {
		if ev.ID != "" && !known[ev.ID] {
			known[ev.ID] = true
			ids = append(ids, ev.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.store.Fetch(ctx, state.Filter{ExternalEventIDs: ids, IncludeDeleted: true})
}

func (s *Service) newLocation(ev model.ExternalEvent, now time.Time) model.Location {
	return model.Location{
		ID:                    s.newID(),
		ExternalEventID:       ev.ID,
		Name:                  ev.Title,
		Address:               strings.TrimSpace(ev.Location),
		StartTime:             ev.Start,
		EndTime:               ev.End,
		SyncStatus:            model.SyncSynced,
		LastLocalModification: now,
		LastSyncDate:          now,
		ChangeFingerprint:     ev.Fingerprint(),
		Notes:                 ev.Notes,
		Tags:                  []string{},
		GeocodingStatus:       model.GeocodePending,
	}
}

// applyUpdate overwrites the sourced fields of the matched record. Notes are
// only taken from the calendar while the user has not edited the record.
func (s *Service) applyUpdate(ctx context.Context, u Update, now time.Time, res *Result) model.Location {
	loc := u.Record.Clone()
	ev := u.Event

	address := strings.TrimSpace(ev.Location)
	addressChanged := strings.TrimSpace(loc.Address) != address

	loc.Name = ev.Title
	loc.Address = address
	loc.StartTime = ev.Start
	loc.EndTime = ev.End
	if !loc.IsUserModified {
		loc.Notes = ev.Notes
	}
	loc.ChangeFingerprint = u.Fingerprint
	loc.SyncStatus = model.SyncSynced
	loc.LastSyncDate = now

	if addressChanged {
		s.policy.Rearm(&loc)
		s.geocode(ctx, &loc, now, res)
	}
	return loc
}

// geocode makes one attempt for loc and records the outcome in res.
func (s *Service) geocode(ctx context.Context, loc *model.Location, now time.Time, res *Result) {
	if s.geocoder == nil {
		return
	}
	out, err := s.policy.Attempt(ctx, s.geocoder, loc, now)
	switch out {
	case model.OutcomeResolved:
		res.GeocodeSuccesses++
	case model.OutcomeRetryLater:
		res.GeocodeFailures++
		s.log.Debug("geocoding deferred", "address", loc.Address, "attempts", loc.GeocodingAttempts)
	case model.OutcomeExhausted:
		res.GeocodeFailures++
		s.log.Warn("geocoding exhausted", "address", loc.Address, "attempts", loc.GeocodingAttempts, "error", err)
		res.Errors = append(res.Errors, &EventError{
			EventID: loc.ExternalEventID,
			Title:   loc.Name,
			Reason:  "geocoding failed",
			Err:     err,
		})
	}
}

// RetryGeocoding re-attempts records that are pending or waiting for a retry
// and whose last attempt is older than the retry delay. It shares the sync
// guard and commits through a single save. Updated counts attempted records.
func (s *Service) RetryGeocoding(ctx context.Context) (res Result, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	s.writer.Lock()
	defer s.writer.Unlock()

	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	res = Result{StartedAt: now}
	defer func() { res.Duration = s.clock.Now().Sub(now) }()

	if s.geocoder == nil {
		return res, nil
	}

	prog := &progressTracker{emit: s.emit}
	prog.report(StepGeocode, 0, 0, 0)

	due, err := s.store.Fetch(ctx, state.Filter{
		GeocodingStatuses: []model.GeocodingStatus{model.GeocodePending, model.GeocodeRetryLater},
	})
	if err != nil {
		return s.abort(&res, fmt.Errorf("fetching records awaiting geocoding: %w", err))
	}

	var batch []model.Location
	for _, l := range due {
		if l.LastGeocodeAttempt.IsZero() || now.Sub(l.LastGeocodeAttempt) >= s.retryDelay {
			batch = append(batch, l)
		}
	}

	for i, l := range batch {
		loc := l.Clone()
		s.geocode(ctx, &loc, now, &res)
		if err := s.store.Put(ctx, loc); err != nil {
			return s.abort(&res, fmt.Errorf("staging geocode result for %q: %w", loc.Name, err))
		}
		res.Updated++
		prog.item(i+1, len(batch), 0, 0.9)
	}

	if err := s.store.Save(ctx); err != nil {
		return s.abort(&res, fmt.Errorf("saving geocode retries: %w", err))
	}
	prog.report(StepDone, 1, len(batch), len(batch))

	if len(batch) > 0 {
		s.log.Info("geocode retry complete",
			"attempted", res.Updated,
			"resolved", res.GeocodeSuccesses,
			"failed", res.GeocodeFailures,
		)
	}
	return res, nil
}

func (s *Service) emit(p Progress) {
	s.obsMu.Lock()
	obs := make([]func(Progress), len(s.observers))
	copy(obs, s.observers)
	s.obsMu.Unlock()

	for _, fn := range obs {
		fn(p)
	}
}
