package calendar

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/placesync/internal/model"
)

// Source is the contract every calendar source satisfies. It matches
// sync.CalendarSource.
type Source interface {
	FetchEvents(ctx context.Context, w model.Window) ([]model.ExternalEvent, error)
}

// Named pairs a source with the name used in logs and errors.
type Named struct {
	Name   string
	Source Source
}

// Multi merges several sources into one batch, in source order. Any failing
// source fails the whole fetch, so a sync never soft-deletes the records of a
// calendar that merely could not be read.
type Multi struct {
	sources []Named
	log     *slog.Logger
}

// NewMulti creates a merged source.
func NewMulti(logger *slog.Logger, sources ...Named) *Multi {
	return &Multi{sources: sources, log: logger}
}

// Len returns the number of merged sources.
func (m *Multi) Len() int { return len(m.sources) }

// FetchEvents fetches every source in turn and concatenates the events.
func (m *Multi) FetchEvents(ctx context.Context, w model.Window) ([]model.ExternalEvent, error) {
	var out []model.ExternalEvent
	for _, s := range m.sources {
		events, err := s.Source.FetchEvents(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("calendar source %q: %w", s.Name, err)
		}
		m.log.Debug("calendar source fetched", "source", s.Name, "events", len(events))
		out = append(out, events...)
	}
	return out, nil
}
