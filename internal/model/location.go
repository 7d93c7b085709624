// Package model defines the location record, the external event shape, and
// the small pure pieces of the sync engine that operate on them: change
// fingerprinting and the geocoding state machine.
package model

import (
	"slices"
	"strings"
	"time"
)

// SyncStatus tracks where a record stands relative to its calendar source.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncModified SyncStatus = "modified"
	// SyncDeleted is a soft marker. The record stays persisted until purged.
	SyncDeleted SyncStatus = "deleted"
	SyncError   SyncStatus = "error"
)

// Valid reports whether s is one of the known sync statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncModified, SyncDeleted, SyncError:
		return true
	}
	return false
}

// GeocodingStatus tracks the address lookup for a record.
type GeocodingStatus string

const (
	// GeocodeNotNeeded is only ever set manually, for records that already
	// carry coordinates.
	GeocodeNotNeeded  GeocodingStatus = "notNeeded"
	GeocodePending    GeocodingStatus = "pending"
	GeocodeSuccess    GeocodingStatus = "success"
	GeocodeFailed     GeocodingStatus = "failed"
	GeocodeRetryLater GeocodingStatus = "retryLater"
)

// Valid reports whether s is one of the known geocoding statuses.
func (s GeocodingStatus) Valid() bool {
	switch s {
	case GeocodeNotNeeded, GeocodePending, GeocodeSuccess, GeocodeFailed, GeocodeRetryLater:
		return true
	}
	return false
}

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// IsZero reports whether c is the default (unset) coordinate.
func (c Coordinate) IsZero() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// Location is a place tied to a time window. Records are values: updating a
// record means replacing the stored value for its ID.
type Location struct {
	// ID is stable for the record's lifetime.
	ID string `json:"id"`

	// ExternalEventID links back to the calendar event. Empty for records the
	// user created by hand.
	ExternalEventID string `json:"external_event_id,omitempty"`

	Name    string `json:"name"`
	Address string `json:"address,omitempty"`

	// Latitude and Longitude are meaningful only when geocoding succeeded or
	// the user supplied them.
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	SyncStatus            SyncStatus `json:"sync_status"`
	LastLocalModification time.Time  `json:"last_local_modification"`
	// LastSyncDate is zero when the record has never been synced.
	LastSyncDate      time.Time `json:"last_sync_date,omitempty"`
	IsUserModified    bool      `json:"is_user_modified"`
	ChangeFingerprint string    `json:"change_fingerprint,omitempty"`
	// DeletedByUser marks a soft delete the user asked for. Sync never
	// revives such a record; only a restore or purge ends it.
	DeletedByUser bool `json:"deleted_by_user,omitempty"`

	Notes      string   `json:"notes,omitempty"`
	Tags       []string `json:"tags"`
	IsArchived bool     `json:"is_archived"`

	GeocodingStatus    GeocodingStatus `json:"geocoding_status"`
	GeocodingAttempts  int             `json:"geocoding_attempts"`
	LastGeocodeAttempt time.Time       `json:"last_geocode_attempt,omitempty"`
}

// Coordinate returns the record's coordinates.
func (l *Location) Coordinate() Coordinate {
	return Coordinate{Latitude: l.Latitude, Longitude: l.Longitude}
}

// HasCoordinates reports whether the record carries non-default coordinates.
func (l *Location) HasCoordinates() bool {
	return !l.Coordinate().IsZero()
}

// IsDeleted reports whether the record is soft-deleted.
func (l *Location) IsDeleted() bool {
	return l.SyncStatus == SyncDeleted
}

// IsSynced reports whether the record originates from a calendar event.
func (l *Location) IsSynced() bool {
	return l.ExternalEventID != ""
}

// Clone returns a copy that shares no mutable state with l.
func (l Location) Clone() Location {
	l.Tags = slices.Clone(l.Tags)
	return l
}

// HasTag reports whether the record carries tag (case-insensitive).
func (l *Location) HasTag(tag string) bool {
	tag = NormalizeTag(tag)
	return slices.Contains(l.Tags, tag)
}

// AddTag adds tag to the set. It reports whether the set changed.
func (l *Location) AddTag(tag string) bool {
	tag = NormalizeTag(tag)
	if tag == "" || slices.Contains(l.Tags, tag) {
		return false
	}
	l.Tags = append(l.Tags, tag)
	slices.Sort(l.Tags)
	return true
}

// RemoveTag removes tag from the set. It reports whether the set changed.
func (l *Location) RemoveTag(tag string) bool {
	tag = NormalizeTag(tag)
	i := slices.Index(l.Tags, tag)
	if i < 0 {
		return false
	}
	l.Tags = slices.Delete(l.Tags, i, i+1)
	return true
}

// MarkUserModified records a user edit: the record becomes user-modified and
// a synced record moves to modified.
func (l *Location) MarkUserModified(at time.Time) {
	l.IsUserModified = true
	if l.SyncStatus == SyncSynced {
		l.SyncStatus = SyncModified
	}
	l.LastLocalModification = at
}

// NormalizeTag trims and lower-cases a tag.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// NormalizeTags returns the sorted, de-duplicated, normalised form of tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = NormalizeTag(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
