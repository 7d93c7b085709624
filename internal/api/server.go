// Package api serves the location catalogue over HTTP and streams sync
// progress to websocket clients.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/njoerd114/placesync/internal/catalog"
	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/query"
	"github.com/njoerd114/placesync/internal/sync"
)

// DefaultListen keeps the API on the loopback interface.
const DefaultListen = "127.0.0.1:8787"

// Catalog is the subset of [catalog.Catalog] the handlers use.
type Catalog interface {
	Refresh(ctx context.Context) error
	Snapshot() *catalog.Snapshot
	Get(id string) (model.Location, error)
	Query(opts query.Options) []model.Location
	Create(ctx context.Context, d catalog.Draft) (model.Location, error)
	Edit(ctx context.Context, id string, p catalog.Patch) (model.Location, error)
	AddTag(ctx context.Context, id, tag string) (model.Location, error)
	RemoveTag(ctx context.Context, id, tag string) (model.Location, error)
	SetArchived(ctx context.Context, id string, archived bool) (model.Location, error)
	Delete(ctx context.Context, id string) (model.Location, error)
	Restore(ctx context.Context, id string) (model.Location, error)
	Purge(ctx context.Context, id string) error
}

// Syncer is the subset of [sync.Engine] the handlers use.
type Syncer interface {
	SyncWindow(ctx context.Context, w model.Window) (sync.Result, error)
	Window() model.Window
	Running() bool
}

// Server holds the handler dependencies.
type Server struct {
	catalog Catalog
	syncer  Syncer
	hub     *Hub
	log     *slog.Logger
}

// NewServer creates a Server. The hub must be running for websocket clients
// to receive anything.
func NewServer(cat Catalog, syncer Syncer, hub *Hub, logger *slog.Logger) *Server {
	return &Server{catalog: cat, syncer: syncer, hub: hub, log: logger}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logging(s.log))
	r.Use(recovery(s.log))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)

	api.HandleFunc("/locations", s.handleListLocations).Methods(http.MethodGet)
	api.HandleFunc("/locations", s.handleCreateLocation).Methods(http.MethodPost)
	api.HandleFunc("/locations/{id}", s.handleGetLocation).Methods(http.MethodGet)
	api.HandleFunc("/locations/{id}", s.handleEditLocation).Methods(http.MethodPatch)
	api.HandleFunc("/locations/{id}", s.handleDeleteLocation).Methods(http.MethodDelete)
	api.HandleFunc("/locations/{id}/restore", s.handleRestoreLocation).Methods(http.MethodPost)
	api.HandleFunc("/locations/{id}/archive", s.handleArchive(true)).Methods(http.MethodPost)
	api.HandleFunc("/locations/{id}/unarchive", s.handleArchive(false)).Methods(http.MethodPost)
	api.HandleFunc("/locations/{id}/tags", s.handleAddTag).Methods(http.MethodPost)
	api.HandleFunc("/locations/{id}/tags/{tag}", s.handleRemoveTag).Methods(http.MethodDelete)
	api.HandleFunc("/locations/{id}/purge", s.handlePurgeLocation).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeBadRequest, "method not allowed")
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Sync requests run a whole batch.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http: %w", err)
	}
	s.log.Info("http api stopped")
	return nil
}

// ProgressListener forwards batch progress to websocket clients. Register it
// with sync.Service.OnProgress.
func (s *Server) ProgressListener() func(sync.Progress) {
	return func(p sync.Progress) {
		s.hub.Publish(TypeSyncProgress, p)
	}
}

// ResultListener refreshes the catalogue after a batch and announces the
// outcome. Register it with sync.Engine.OnResult.
func (s *Server) ResultListener() sync.ResultFunc {
	return func(ctx context.Context, res sync.Result, err error) {
		if err != nil {
			s.hub.Publish(TypeSyncFailed, ErrorResponse{Error: codeSyncFailed, Message: err.Error()})
		} else {
			s.hub.Publish(TypeSyncCompleted, newResultResponse(res))
		}
		if rerr := s.catalog.Refresh(ctx); rerr != nil {
			s.log.Error("refreshing catalogue after sync", "error", rerr)
			return
		}
		if res.Changed() || res.GeocodeSuccesses > 0 {
			s.hub.Publish(TypeLocationsChanged, nil)
		}
	}
}
