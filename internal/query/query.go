// Package query filters, searches, and sorts an in-memory set of locations.
// Everything here is pure: the input slice is never modified and the current
// time is passed in explicitly.
package query

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/njoerd114/placesync/internal/model"
)

// Kind selects one of the mutually exclusive filters.
type Kind int

const (
	KindAll Kind = iota
	KindToday
	KindUpcoming
	KindPast
	KindHasNotes
	KindArchived
	KindSoftDeleted
	KindTag
	KindGeocodingStatus
	KindSyncStatus
)

var kindNames = map[Kind]string{
	KindAll:             "all",
	KindToday:           "today",
	KindUpcoming:        "upcoming",
	KindPast:            "past",
	KindHasNotes:        "notes",
	KindArchived:        "archived",
	KindSoftDeleted:     "deleted",
	KindTag:             "tag",
	KindGeocodingStatus: "geocoding",
	KindSyncStatus:      "sync",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Filter is a tagged filter value. Only the field matching Kind is read.
type Filter struct {
	Kind            Kind
	Tag             string
	GeocodingStatus model.GeocodingStatus
	SyncStatus      model.SyncStatus
}

// The constructors below match active records only (neither archived nor
// soft-deleted), except Archived and SoftDeleted.

// All matches every active record.
func All() Filter { return Filter{Kind: KindAll} }

// Today matches records starting later on the current day.
func Today() Filter { return Filter{Kind: KindToday} }

// Upcoming matches records starting after now.
func Upcoming() Filter { return Filter{Kind: KindUpcoming} }

// Past matches records that ended before now.
func Past() Filter { return Filter{Kind: KindPast} }

// HasNotes matches records with non-blank notes.
func HasNotes() Filter { return Filter{Kind: KindHasNotes} }

// Archived matches archived records that are not soft-deleted.
func Archived() Filter { return Filter{Kind: KindArchived} }

// SoftDeleted matches soft-deleted records, archived or not.
func SoftDeleted() Filter { return Filter{Kind: KindSoftDeleted} }

// ByTag matches records carrying tag. The tag is normalized first.
func ByTag(tag string) Filter {
	return Filter{Kind: KindTag, Tag: model.NormalizeTag(tag)}
}

// ByGeocodingStatus matches records in geocoding state s.
func ByGeocodingStatus(s model.GeocodingStatus) Filter {
	return Filter{Kind: KindGeocodingStatus, GeocodingStatus: s}
}

// BySyncStatus matches records in sync state s.
func BySyncStatus(s model.SyncStatus) Filter {
	return Filter{Kind: KindSyncStatus, SyncStatus: s}
}

// ParseFilter builds a Filter from its name and, for the tag and status
// filters, an argument. An empty name selects [All].
func ParseFilter(name, arg string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "all":
		return All(), nil
	case "today":
		return Today(), nil
	case "upcoming":
		return Upcoming(), nil
	case "past":
		return Past(), nil
	case "notes":
		return HasNotes(), nil
	case "archived":
		return Archived(), nil
	case "deleted":
		return SoftDeleted(), nil
	case "tag":
		if model.NormalizeTag(arg) == "" {
			return Filter{}, fmt.Errorf("tag filter needs a tag")
		}
		return ByTag(arg), nil
	case "geocoding":
		s := model.GeocodingStatus(arg)
		if !s.Valid() {
			return Filter{}, fmt.Errorf("unknown geocoding status %q", arg)
		}
		return ByGeocodingStatus(s), nil
	case "sync":
		s := model.SyncStatus(arg)
		if !s.Valid() {
			return Filter{}, fmt.Errorf("unknown sync status %q", arg)
		}
		return BySyncStatus(s), nil
	}
	return Filter{}, fmt.Errorf("unknown filter %q", name)
}

// Match reports whether l passes f at time now. Soft-deleted records only
// pass [SoftDeleted]; archived records only pass [Archived] and
// [SoftDeleted].
func (f Filter) Match(l *model.Location, now time.Time) bool {
	switch f.Kind {
	case KindSoftDeleted:
		return l.IsDeleted()
	case KindArchived:
		return !l.IsDeleted() && l.IsArchived
	}
	if l.IsDeleted() || l.IsArchived {
		return false
	}

	switch f.Kind {
	case KindAll:
		return true
	case KindToday:
		return sameDay(l.StartTime, now) && !l.StartTime.Before(now)
	case KindUpcoming:
		return l.StartTime.After(now)
	case KindPast:
		return l.EndTime.Before(now)
	case KindHasNotes:
		return strings.TrimSpace(l.Notes) != ""
	case KindTag:
		return l.HasTag(f.Tag)
	case KindGeocodingStatus:
		return l.GeocodingStatus == f.GeocodingStatus
	case KindSyncStatus:
		return l.SyncStatus == f.SyncStatus
	}
	return false
}

// sameDay compares calendar dates in now's location.
func sameDay(t, now time.Time) bool {
	y1, m1, d1 := t.In(now.Location()).Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// SortKey selects the ordering of [Apply].
type SortKey int

const (
	SortStartTime SortKey = iota
	SortName
	SortModified
	SortDistance
)

// ParseSort maps a sort name to its key. An empty name sorts by start time.
func ParseSort(name string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "start":
		return SortStartTime, nil
	case "name":
		return SortName, nil
	case "modified":
		return SortModified, nil
	case "distance":
		return SortDistance, nil
	}
	return 0, fmt.Errorf("unknown sort %q", name)
}

// Options describes one query.
type Options struct {
	Filter    Filter
	Sort      SortKey
	Ascending bool
	// Search is matched case-insensitively against name, address, notes and
	// tags.
	Search string
	// Origin is the reference point for [SortDistance].
	Origin *model.Coordinate
	Now    time.Time
}

// Apply returns the locations matching opts in sort order. Ties keep their
// input order.
func Apply(locs []model.Location, opts Options) []model.Location {
	needle := strings.ToLower(strings.TrimSpace(opts.Search))

	out := make([]model.Location, 0, len(locs))
	for i := range locs {
		l := &locs[i]
		if needle != "" && !matchesSearch(l, needle) {
			continue
		}
		if !opts.Filter.Match(l, opts.Now) {
			continue
		}
		out = append(out, l.Clone())
	}

	slices.SortStableFunc(out, comparator(opts))
	return out
}

func matchesSearch(l *model.Location, needle string) bool {
	if strings.Contains(strings.ToLower(l.Name), needle) ||
		strings.Contains(strings.ToLower(l.Address), needle) ||
		strings.Contains(strings.ToLower(l.Notes), needle) {
		return true
	}
	for _, t := range l.Tags {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}

func comparator(opts Options) func(a, b model.Location) int {
	dir := func(c int) int {
		if opts.Ascending {
			return c
		}
		return -c
	}

	switch opts.Sort {
	case SortName:
		return func(a, b model.Location) int {
			return dir(strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)))
		}
	case SortModified:
		return func(a, b model.Location) int {
			return dir(a.LastLocalModification.Compare(b.LastLocalModification))
		}
	case SortDistance:
		if opts.Origin == nil {
			return func(model.Location, model.Location) int { return 0 }
		}
		origin := *opts.Origin
		return func(a, b model.Location) int {
			// Records without coordinates go last in either direction.
			ha, hb := a.HasCoordinates(), b.HasCoordinates()
			switch {
			case !ha && !hb:
				return 0
			case !ha:
				return 1
			case !hb:
				return -1
			}
			return dir(cmp.Compare(Distance(origin, a.Coordinate()), Distance(origin, b.Coordinate())))
		}
	default:
		return func(a, b model.Location) int {
			return dir(a.StartTime.Compare(b.StartTime))
		}
	}
}

const earthRadiusKm = 6371.0

// Distance returns the great-circle distance between a and b in kilometres.
func Distance(a, b model.Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
