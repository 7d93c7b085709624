package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/njoerd114/placesync/internal/catalog"
	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/query"
	"github.com/njoerd114/placesync/internal/sync"
)

const maxBodyBytes = 64 << 10

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status           string    `json:"status"`
	Locations        int       `json:"locations"`
	SnapshotLoadedAt time.Time `json:"snapshot_loaded_at"`
	SyncRunning      bool      `json:"sync_running"`
	WSClients        int       `json:"ws_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.catalog.Snapshot()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		Locations:        len(snap.Locations),
		SnapshotLoadedAt: snap.LoadedAt,
		SyncRunning:      s.syncer.Running(),
		WSClients:        s.hub.ClientCount(),
	})
}

// ResultResponse is the JSON rendering of a [sync.Result].
type ResultResponse struct {
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	StartedAt        time.Time `json:"started_at"`
	DurationMS       int64     `json:"duration_ms"`
	Created          int       `json:"created"`
	Updated          int       `json:"updated"`
	Deleted          int       `json:"deleted"`
	Skipped          int       `json:"skipped"`
	GeocodeSuccesses int       `json:"geocode_successes"`
	GeocodeFailures  int       `json:"geocode_failures"`
	Errors           []string  `json:"errors"`
	NoEventsFound    bool      `json:"no_events_found"`
}

func newResultResponse(res sync.Result) ResultResponse {
	errs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		errs = append(errs, err.Error())
	}
	return ResultResponse{
		WindowStart:      res.Window.Start,
		WindowEnd:        res.Window.End,
		StartedAt:        res.StartedAt,
		DurationMS:       res.Duration.Milliseconds(),
		Created:          res.NewLocations,
		Updated:          res.Updated,
		Deleted:          res.Deleted,
		Skipped:          res.Skipped,
		GeocodeSuccesses: res.GeocodeSuccesses,
		GeocodeFailures:  res.GeocodeFailures,
		Errors:           errs,
		NoEventsFound:    res.NoEventsFound,
	}
}

// handleSync runs a batch over ?start=&end= (RFC 3339), or the engine's
// default window when both are absent.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r, s.syncer.Window())
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	res, err := s.syncer.SyncWindow(r.Context(), win)
	switch {
	case errors.Is(err, sync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, codeConflict, "a sync is already running")
	case errors.Is(err, sync.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case err != nil:
		s.log.Error("sync via api failed", "error", err)
		writeError(w, http.StatusBadGateway, codeSyncFailed, err.Error())
	default:
		writeJSON(w, http.StatusOK, newResultResponse(res))
	}
}

func parseWindow(r *http.Request, def model.Window) (model.Window, error) {
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")
	if start == "" && end == "" {
		return def, nil
	}
	if start == "" || end == "" {
		return model.Window{}, errors.New("start and end must be given together")
	}
	var (
		w   model.Window
		err error
	)
	if w.Start, err = time.Parse(time.RFC3339, start); err != nil {
		return model.Window{}, fmt.Errorf("invalid start: %w", err)
	}
	if w.End, err = time.Parse(time.RFC3339, end); err != nil {
		return model.Window{}, fmt.Errorf("invalid end: %w", err)
	}
	return w, nil
}

// handleListLocations serves GET /api/locations. Query parameters:
// filter, tag, status, sort, asc, q, lat, lon.
func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	locs := s.catalog.Query(opts)
	if locs == nil {
		locs = []model.Location{}
	}
	writeJSON(w, http.StatusOK, locs)
}

func parseQuery(r *http.Request) (query.Options, error) {
	q := r.URL.Query()
	var opts query.Options

	name := q.Get("filter")
	arg := q.Get("status")
	if strings.EqualFold(name, "tag") {
		arg = q.Get("tag")
	}
	f, err := query.ParseFilter(name, arg)
	if err != nil {
		return opts, err
	}
	opts.Filter = f

	if opts.Sort, err = query.ParseSort(q.Get("sort")); err != nil {
		return opts, err
	}
	if v := q.Get("asc"); v != "" {
		if opts.Ascending, err = strconv.ParseBool(v); err != nil {
			return opts, fmt.Errorf("invalid asc %q", v)
		}
	} else {
		opts.Ascending = opts.Sort != query.SortModified
	}
	opts.Search = q.Get("q")

	lat, lon := q.Get("lat"), q.Get("lon")
	switch {
	case lat != "" && lon != "":
		var c model.Coordinate
		if c.Latitude, err = strconv.ParseFloat(lat, 64); err != nil {
			return opts, fmt.Errorf("invalid lat %q", lat)
		}
		if c.Longitude, err = strconv.ParseFloat(lon, 64); err != nil {
			return opts, fmt.Errorf("invalid lon %q", lon)
		}
		opts.Origin = &c
	case lat != "" || lon != "":
		return opts, errors.New("lat and lon must be given together")
	}
	if opts.Sort == query.SortDistance && opts.Origin == nil {
		return opts, errors.New("distance sort needs lat and lon")
	}
	return opts, nil
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.catalog.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	var d catalog.Draft
	if !decodeBody(w, r, &d) {
		return
	}
	loc, err := s.catalog.Create(r.Context(), d)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	s.hub.Publish(TypeLocationsChanged, nil)
	writeJSON(w, http.StatusCreated, loc)
}

func (s *Server) handleEditLocation(w http.ResponseWriter, r *http.Request) {
	var p catalog.Patch
	if !decodeBody(w, r, &p) {
		return
	}
	s.respondMutation(w, func() (model.Location, error) {
		return s.catalog.Edit(r.Context(), mux.Vars(r)["id"], p)
	})
}

func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	s.respondMutation(w, func() (model.Location, error) {
		return s.catalog.Delete(r.Context(), mux.Vars(r)["id"])
	})
}

func (s *Server) handleRestoreLocation(w http.ResponseWriter, r *http.Request) {
	s.respondMutation(w, func() (model.Location, error) {
		return s.catalog.Restore(r.Context(), mux.Vars(r)["id"])
	})
}

func (s *Server) handleArchive(archived bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondMutation(w, func() (model.Location, error) {
			return s.catalog.SetArchived(r.Context(), mux.Vars(r)["id"], archived)
		})
	}
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondMutation(w, func() (model.Location, error) {
		return s.catalog.AddTag(r.Context(), mux.Vars(r)["id"], req.Tag)
	})
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.respondMutation(w, func() (model.Location, error) {
		return s.catalog.RemoveTag(r.Context(), vars["id"], vars["tag"])
	})
}

func (s *Server) handlePurgeLocation(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Purge(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeCatalogError(w, err)
		return
	}
	s.hub.Publish(TypeLocationsChanged, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondMutation(w http.ResponseWriter, fn func() (model.Location, error)) {
	loc, err := fn()
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	s.hub.Publish(TypeLocationsChanged, nil)
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, catalog.ErrInvalid):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	default:
		s.log.Error("catalogue operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to update location")
	}
}

// decodeBody decodes a JSON body into v, rejecting unknown fields. It writes
// the error response itself and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body: " + err.Error()
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, codeBadRequest, msg)
		return false
	}
	return true
}
