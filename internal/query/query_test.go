package query

import (
	"math"
	"testing"
	"time"

	"github.com/njoerd114/placesync/internal/model"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func loc(id, name string, start time.Time) model.Location {
	return model.Location{
		ID:              id,
		Name:            name,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		SyncStatus:      model.SyncSynced,
		GeocodingStatus: model.GeocodeSuccess,
	}
}

func ids(locs []model.Location) []string {
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fixture() []model.Location {
	past := loc("past", "Breakfast", now.Add(-4*time.Hour))
	laterToday := loc("later", "Dentist", now.Add(2*time.Hour))
	laterToday.Notes = "bring card"
	laterToday.Tags = []string{"health"}
	tomorrow := loc("tomorrow", "Gym", now.Add(24*time.Hour))
	tomorrow.Address = "Fitness St 1"
	archived := loc("archived", "Old trip", now.Add(3*time.Hour))
	archived.IsArchived = true
	deleted := loc("deleted", "Cancelled", now.Add(time.Hour))
	deleted.SyncStatus = model.SyncDeleted
	pending := loc("pending", "Museum", now.Add(5*time.Hour))
	pending.GeocodingStatus = model.GeocodePending
	pending.SyncStatus = model.SyncModified
	return []model.Location{past, laterToday, tomorrow, archived, deleted, pending}
}

func TestApply_Filters(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", All(), []string{"past", "later", "pending", "tomorrow"}},
		{"today", Today(), []string{"later", "pending"}},
		{"upcoming", Upcoming(), []string{"later", "pending", "tomorrow"}},
		{"past", Past(), []string{"past"}},
		{"notes", HasNotes(), []string{"later"}},
		{"archived", Archived(), []string{"archived"}},
		{"deleted", SoftDeleted(), []string{"deleted"}},
		{"tag", ByTag(" HEALTH "), []string{"later"}},
		{"geocoding", ByGeocodingStatus(model.GeocodePending), []string{"pending"}},
		{"sync", BySyncStatus(model.SyncModified), []string{"pending"}},
		{"sync deleted stays hidden", BySyncStatus(model.SyncDeleted), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Apply(fixture(), Options{Filter: tt.filter, Ascending: true, Now: now}))
			if !equalIDs(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApply_SoftDeletedExcludedByDefault(t *testing.T) {
	got := Apply(fixture(), Options{Now: now})
	for _, l := range got {
		if l.IsDeleted() {
			t.Errorf("soft-deleted %q returned by All", l.ID)
		}
	}
}

func TestApply_Search(t *testing.T) {
	tests := []struct {
		search string
		want   []string
	}{
		{"dent", []string{"later"}},       // name
		{"FITNESS", []string{"tomorrow"}}, // address
		{"card", []string{"later"}},       // notes
		{"heal", []string{"later"}},       // tag
		{"cancelled", []string{}},         // search never resurrects deleted records
	}
	for _, tt := range tests {
		got := ids(Apply(fixture(), Options{Search: tt.search, Ascending: true, Now: now}))
		if !equalIDs(got, tt.want) {
			t.Errorf("search %q = %v, want %v", tt.search, got, tt.want)
		}
	}
}

func TestApply_SortName(t *testing.T) {
	got := ids(Apply(fixture(), Options{Sort: SortName, Ascending: true, Now: now}))
	want := []string{"past", "later", "tomorrow", "pending"}
	if !equalIDs(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got = ids(Apply(fixture(), Options{Sort: SortName, Now: now}))
	want = []string{"pending", "tomorrow", "later", "past"}
	if !equalIDs(got, want) {
		t.Errorf("descending got %v, want %v", got, want)
	}
}

func TestApply_StableTies(t *testing.T) {
	same := now.Add(time.Hour)
	in := []model.Location{loc("b", "X", same), loc("a", "X", same), loc("c", "X", same)}
	for range 5 {
		got := ids(Apply(in, Options{Sort: SortName, Ascending: true, Now: now}))
		if !equalIDs(got, []string{"b", "a", "c"}) {
			t.Fatalf("ties reordered: %v", got)
		}
		got = ids(Apply(in, Options{Sort: SortStartTime, Now: now}))
		if !equalIDs(got, []string{"b", "a", "c"}) {
			t.Fatalf("descending ties reordered: %v", got)
		}
	}
}

func TestApply_SortDistance(t *testing.T) {
	berlin := loc("berlin", "Berlin", now)
	berlin.Latitude, berlin.Longitude = 52.52, 13.405
	paris := loc("paris", "Paris", now)
	paris.Latitude, paris.Longitude = 48.8566, 2.3522
	nowhere := loc("nowhere", "Unknown", now)
	potsdam := loc("potsdam", "Potsdam", now)
	potsdam.Latitude, potsdam.Longitude = 52.3906, 13.0645

	in := []model.Location{nowhere, paris, berlin, potsdam}
	origin := &model.Coordinate{Latitude: 52.52, Longitude: 13.40}

	got := ids(Apply(in, Options{Sort: SortDistance, Ascending: true, Origin: origin, Now: now}))
	if want := []string{"berlin", "potsdam", "paris", "nowhere"}; !equalIDs(got, want) {
		t.Errorf("ascending got %v, want %v", got, want)
	}
	got = ids(Apply(in, Options{Sort: SortDistance, Origin: origin, Now: now}))
	if want := []string{"paris", "potsdam", "berlin", "nowhere"}; !equalIDs(got, want) {
		t.Errorf("descending got %v, want %v", got, want)
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	in := fixture()
	in[1].Tags = []string{"health"}
	out := Apply(in, Options{Sort: SortName, Ascending: true, Now: now})
	out[0].Name = "changed"
	for i := range out {
		out[i].Tags = append(out[i].Tags, "x")
	}
	if in[0].Name != "Breakfast" || len(in[1].Tags) != 1 || in[0].ID != "past" {
		t.Error("Apply aliased its input")
	}
}

func TestDistance(t *testing.T) {
	berlin := model.Coordinate{Latitude: 52.52, Longitude: 13.405}
	paris := model.Coordinate{Latitude: 48.8566, Longitude: 2.3522}
	got := Distance(berlin, paris)
	if math.Abs(got-878) > 5 {
		t.Errorf("Berlin-Paris = %.1f km, want ~878", got)
	}
	if d := Distance(berlin, berlin); d != 0 {
		t.Errorf("self distance = %v", d)
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name, arg string
		want      Filter
		wantErr   bool
	}{
		{"", "", All(), false},
		{"Today", "", Today(), false},
		{"deleted", "", SoftDeleted(), false},
		{"tag", "Work", ByTag("work"), false},
		{"tag", " ", Filter{}, true},
		{"geocoding", "retryLater", ByGeocodingStatus(model.GeocodeRetryLater), false},
		{"geocoding", "bogus", Filter{}, true},
		{"sync", "synced", BySyncStatus(model.SyncSynced), false},
		{"weekly", "", Filter{}, true},
	}
	for _, tt := range tests {
		got, err := ParseFilter(tt.name, tt.arg)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFilter(%q, %q) err = %v, wantErr %v", tt.name, tt.arg, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFilter(%q, %q) = %+v, want %+v", tt.name, tt.arg, got, tt.want)
		}
	}
}

func TestParseSort(t *testing.T) {
	for name, want := range map[string]SortKey{"": SortStartTime, "name": SortName, "Modified": SortModified, "distance": SortDistance} {
		got, err := ParseSort(name)
		if err != nil || got != want {
			t.Errorf("ParseSort(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseSort("random"); err == nil {
		t.Error("expected error for unknown sort")
	}
}
