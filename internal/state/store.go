// Package state manages the SQLite database that holds the location
// catalogue.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods. Writes are staged in memory by [Store.Put]
// and [Store.Delete] and become durable only when [Store.Save] commits them in
// a single transaction; [Store.Rollback] discards them.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/placesync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS locations (
    id                   TEXT    PRIMARY KEY,
    external_event_id    TEXT    NOT NULL DEFAULT '',
    name                 TEXT    NOT NULL,
    address              TEXT    NOT NULL DEFAULT '',
    latitude             REAL    NOT NULL DEFAULT 0,
    longitude            REAL    NOT NULL DEFAULT 0,
    start_time           INTEGER NOT NULL,
    end_time             INTEGER NOT NULL,
    sync_status          TEXT    NOT NULL,
    last_local_modified  INTEGER NOT NULL DEFAULT 0,
    last_sync_date       INTEGER NOT NULL DEFAULT 0,
    is_user_modified     INTEGER NOT NULL DEFAULT 0,
    change_fingerprint   TEXT    NOT NULL DEFAULT '',
    notes                TEXT    NOT NULL DEFAULT '',
    tags                 TEXT    NOT NULL DEFAULT '[]',
    is_archived          INTEGER NOT NULL DEFAULT 0,
    geocoding_status     TEXT    NOT NULL,
    geocoding_attempts   INTEGER NOT NULL DEFAULT 0,
    last_geocode_attempt INTEGER NOT NULL DEFAULT 0,
    deleted_by_user      INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_external_event_id ON locations (external_event_id) WHERE external_event_id != '';
CREATE INDEX        IF NOT EXISTS idx_time_range        ON locations (start_time, end_time);
CREATE INDEX        IF NOT EXISTS idx_sync_status       ON locations (sync_status);
`

const selectColumns = `
	SELECT id, external_event_id, name, address, latitude, longitude,
	       start_time, end_time, sync_status, last_local_modified, last_sync_date,
	       is_user_modified, change_fingerprint, notes, tags, is_archived,
	       geocoding_status, geocoding_attempts, last_geocode_attempt,
	       deleted_by_user
	FROM locations`

// Filter selects records for [Store.Fetch]. The zero value selects every
// record that is not soft-deleted.
type Filter struct {
	// Window restricts results to records overlapping it.
	Window *model.Window

	// IncludeDeleted also returns soft-deleted records.
	IncludeDeleted bool

	// ExternalEventIDs restricts results to records linked to these events.
	// A non-nil empty slice matches nothing.
	ExternalEventIDs []string

	// GeocodingStatuses restricts results to these geocoding states.
	GeocodingStatuses []model.GeocodingStatus
}

func (f Filter) matches(l *model.Location) bool {
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

// change is a staged write. A nil loc is a hard delete.
type change struct {
	loc *model.Location
}

// Store is the SQLite-backed location repository.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	pending map[string]change
	order   []string // staging order of pending ids
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/placesync/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "placesync", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, pending: make(map[string]change)}, nil
}

// Close releases the underlying database connection. Staged changes that were
// not saved are lost.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS) and
// adds columns introduced after a database was created.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	ok, err := hasColumn(db, "locations", "deleted_by_user")
	if err != nil || ok {
		return err
	}
	_, err = db.Exec(`ALTER TABLE locations ADD COLUMN deleted_by_user INTEGER NOT NULL DEFAULT 0`)
	return err
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("inspecting %s columns: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Fetch returns the records matching f, ordered by start time. Staged changes
// are visible to the caller that staged them.
func (s *Store) Fetch(ctx context.Context, f Filter) ([]model.Location, error) {
	if f.ExternalEventIDs != nil && len(f.ExternalEventIDs) == 0 {
		return nil, nil
	}

	q, args := buildQuery(f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &model.StoreError{Op: "fetch", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var locs []model.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, &model.StoreError{Op: "fetch", Err: err}
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreError{Op: "fetch", Err: err}
	}

	return s.overlay(locs, f), nil
}

// Get returns the record with the given id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*model.Location, error) {
	s.mu.Lock()
	c, staged := s.pending[id]
	s.mu.Unlock()
	if staged {
		if c.loc == nil {
			return nil, nil //nolint:nilnil // intentional: "not found" sentinel
		}
		loc := c.loc.Clone()
		return &loc, nil
	}

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, &model.StoreError{Op: "get", Err: err}
	}
	return &loc, nil
}

// Put stages an insert, or a replacement of the stored value for loc.ID.
func (s *Store) Put(_ context.Context, loc model.Location) error {
	if loc.ID == "" {
		return &model.StoreError{Op: "put", Err: errors.New("location has no id")}
	}
	cp := loc.Clone()
	s.stage(loc.ID, change{loc: &cp})
	return nil
}

// Delete stages a hard delete of the record with the given id.
func (s *Store) Delete(_ context.Context, id string) error {
	if id == "" {
		return &model.StoreError{Op: "delete", Err: errors.New("empty id")}
	}
	s.stage(id, change{})
	return nil
}

func (s *Store) stage(id string, c change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		s.order = append(s.order, id)
	}
	s.pending[id] = c
}

// Pending returns the number of staged, unsaved changes.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Save commits every staged change in one transaction. On failure nothing is
// written and the staged changes are kept so the caller can decide between a
// retry and [Store.Rollback].
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.StoreError{Op: "save", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range s.order {
		c := s.pending[id]
		if c.loc == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM locations WHERE id = ?`, id); err != nil {
				return &model.StoreError{Op: "save", Err: fmt.Errorf("deleting %s: %w", id, err)}
			}
			continue
		}
		if err := upsert(ctx, tx, c.loc); err != nil {
			return &model.StoreError{Op: "save", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &model.StoreError{Op: "save", Err: err}
	}

	s.pending = make(map[string]change)
	s.order = nil
	return nil
}

// Rollback discards every staged change.
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]change)
	s.order = nil
}

// Count reports the number of persisted records, soft-deleted ones included.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&n); err != nil {
		return 0, &model.StoreError{Op: "count", Err: err}
	}
	return n, nil
}

func upsert(ctx context.Context, tx *sql.Tx, l *model.Location) error {
	const q = `
		INSERT INTO locations
		    (id, external_event_id, name, address, latitude, longitude,
		     start_time, end_time, sync_status, last_local_modified, last_sync_date,
		     is_user_modified, change_fingerprint, notes, tags, is_archived,
		     geocoding_status, geocoding_attempts, last_geocode_attempt,
		     deleted_by_user)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    external_event_id    = excluded.external_event_id,
		    name                 = excluded.name,
		    address              = excluded.address,
		    latitude             = excluded.latitude,
		    longitude            = excluded.longitude,
		    start_time           = excluded.start_time,
		    end_time             = excluded.end_time,
		    sync_status          = excluded.sync_status,
		    last_local_modified  = excluded.last_local_modified,
		    last_sync_date       = excluded.last_sync_date,
		    is_user_modified     = excluded.is_user_modified,
		    change_fingerprint   = excluded.change_fingerprint,
		    notes                = excluded.notes,
		    tags                 = excluded.tags,
		    is_archived          = excluded.is_archived,
		    geocoding_status     = excluded.geocoding_status,
		    geocoding_attempts   = excluded.geocoding_attempts,
		    last_geocode_attempt = excluded.last_geocode_attempt,
		    deleted_by_user      = excluded.deleted_by_user`

	tags, err := json.Marshal(model.NormalizeTags(l.Tags))
	if err != nil {
		return fmt.Errorf("encoding tags for %s: %w", l.ID, err)
	}

	_, err = tx.ExecContext(ctx, q,
		l.ID,
		l.ExternalEventID,
		l.Name,
		l.Address,
		l.Latitude,
		l.Longitude,
		toUnix(l.StartTime),
		toUnix(l.EndTime),
		string(l.SyncStatus),
		toUnix(l.LastLocalModification),
		toUnix(l.LastSyncDate),
		l.IsUserModified,
		l.ChangeFingerprint,
		l.Notes,
		string(tags),
		l.IsArchived,
		string(l.GeocodingStatus),
		l.GeocodingAttempts,
		toUnix(l.LastGeocodeAttempt),
		l.DeletedByUser,
	)
	if err != nil {
		return fmt.Errorf("upserting location %s (%q): %w", l.ID, l.Name, err)
	}
	return nil
}

// buildQuery translates f into SQL. Staged changes are applied afterwards by
// overlay, so the query only has to be correct for persisted rows.
func buildQuery(f Filter) (string, []any) {
	var where []string
	var args []any

	if !f.IncludeDeleted {
		where = append(where, "sync_status != ?")
		args = append(args, string(model.SyncDeleted))
	}
	if f.Window != nil {
		// Same predicate as model.Window.Overlaps.
		where = append(where, "start_time < ? AND (end_time > ? OR (end_time <= start_time AND start_time >= ?))")
		args = append(args, toUnix(f.Window.End), toUnix(f.Window.Start), toUnix(f.Window.Start))
	}
	if len(f.ExternalEventIDs) > 0 {
		where = append(where, "external_event_id IN ("+placeholders(len(f.ExternalEventIDs))+")")
		for _, id := range f.ExternalEventIDs {
			args = append(args, id)
		}
	}
	if len(f.GeocodingStatuses) > 0 {
		where = append(where, "geocoding_status IN ("+placeholders(len(f.GeocodingStatuses))+")")
		for _, st := range f.GeocodingStatuses {
			args = append(args, string(st))
		}
	}

	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY start_time, id", args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// overlay applies staged changes to rows read from the database.
func (s *Store) overlay(rows []model.Location, f Filter) []model.Location {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return rows
	}

	out := rows[:0]
	seen := make(map[string]bool, len(rows))
	for _, l := range rows {
		seen[l.ID] = true
		c, staged := s.pending[l.ID]
		if !staged {
			out = append(out, l)
			continue
		}
		if c.loc != nil && f.matches(c.loc) {
			out = append(out, c.loc.Clone())
		}
	}
	for _, id := range s.order {
		c := s.pending[id]
		if seen[id] || c.loc == nil || !f.matches(c.loc) {
			continue
		}
		out = append(out, c.loc.Clone())
	}

	slices.SortStableFunc(out, func(a, b model.Location) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanLocation can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(s scanner) (model.Location, error) {
	var l model.Location
	var start, end, localMod, lastSync, lastGeo int64
	var syncStatus, geoStatus, tags string

	err := s.Scan(
		&l.ID,
		&l.ExternalEventID,
		&l.Name,
		&l.Address,
		&l.Latitude,
		&l.Longitude,
		&start,
		&end,
		&syncStatus,
		&localMod,
		&lastSync,
		&l.IsUserModified,
		&l.ChangeFingerprint,
		&l.Notes,
		&tags,
		&l.IsArchived,
		&geoStatus,
		&l.GeocodingAttempts,
		&lastGeo,
		&l.DeletedByUser,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l, err
		}
		return l, fmt.Errorf("scanning location row: %w", err)
	}

	l.StartTime = fromUnix(start)
	l.EndTime = fromUnix(end)
	l.LastLocalModification = fromUnix(localMod)
	l.LastSyncDate = fromUnix(lastSync)
	l.LastGeocodeAttempt = fromUnix(lastGeo)
	l.SyncStatus = model.SyncStatus(syncStatus)
	l.GeocodingStatus = model.GeocodingStatus(geoStatus)

	if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
		return l, fmt.Errorf("decoding tags for %s: %w", l.ID, err)
	}
	if l.Tags == nil {
		l.Tags = []string{}
	}
	return l, nil
}

// toUnix stores times as UTC unix nanoseconds so range predicates compare
// numerically. The zero time maps to 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
