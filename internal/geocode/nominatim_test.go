package geocode

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Nominatim {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	n, err := NewNominatim(Options{
		BaseURL:     srv.URL,
		UserAgent:   "placesync-test",
		MinInterval: time.Millisecond,
		HTTPClient:  srv.Client(),
		Retry:       retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewNominatim: %v", err)
	}
	return n
}

func TestResolve_Success(t *testing.T) {
	n := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %q, want /search", r.URL.Path)
		}
		if got := r.URL.Query().Get("q"); got != "123 Main St" {
			t.Errorf("q = %q", got)
		}
		if got := r.URL.Query().Get("format"); got != "jsonv2" {
			t.Errorf("format = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "placesync-test" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"place_id":1,"lat":"40.7128","lon":"-74.0060","display_name":"Main St"}]`))
	})

	c, err := n.Resolve(context.Background(), " 123 Main St ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.Latitude != 40.7128 || c.Longitude != -74.006 {
		t.Errorf("coordinate = %+v", c)
	}
}

func TestResolve_NoResults(t *testing.T) {
	var hits atomic.Int32
	n := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := n.Resolve(context.Background(), "Nowhere 0")
	var ge *model.GeocodeError
	if !errors.As(err, &ge) || ge.Address != "Nowhere 0" {
		t.Fatalf("err = %v, want *model.GeocodeError for the address", err)
	}
	if !errors.Is(err, ErrNoResults) {
		t.Errorf("err = %v, want ErrNoResults in chain", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1 (no-result is not retried)", hits.Load())
	}
}

func TestResolve_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	n := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"lat":"1.5","lon":"2.5"}]`))
	})

	c, err := n.Resolve(context.Background(), "Somewhere 1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.Latitude != 1.5 || hits.Load() != 3 {
		t.Errorf("coordinate = %+v after %d hits", c, hits.Load())
	}
}

func TestResolve_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	n := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "bad query", http.StatusBadRequest)
	})

	_, err := n.Resolve(context.Background(), "x")
	var ge *model.GeocodeError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *model.GeocodeError", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestResolve_MalformedResponse(t *testing.T) {
	n := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"lat":"north","lon":"2"}]`))
	})
	var ge *model.GeocodeError
	if _, err := n.Resolve(context.Background(), "x"); !errors.As(err, &ge) {
		t.Errorf("err = %v, want *model.GeocodeError", err)
	}
}

func TestResolve_EmptyAddress(t *testing.T) {
	called := false
	n := newTestClient(t, func(http.ResponseWriter, *http.Request) { called = true })
	var ge *model.GeocodeError
	if _, err := n.Resolve(context.Background(), "   "); !errors.As(err, &ge) {
		t.Errorf("err = %v, want *model.GeocodeError", err)
	}
	if called {
		t.Error("service called for an empty address")
	}
}

func TestNewNominatim_InvalidBaseURL(t *testing.T) {
	if _, err := NewNominatim(Options{BaseURL: "not a url"}, slog.Default()); err == nil {
		t.Error("expected error")
	}
}

func TestParseCoordinate_OutOfRange(t *testing.T) {
	if _, err := parseCoordinate(searchResult{Lat: "91", Lon: "0"}); err == nil {
		t.Error("expected error for latitude 91")
	}
}
