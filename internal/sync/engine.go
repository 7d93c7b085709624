package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/placesync/internal/model"
)

const (
	otelScope       = "placesync/sync"
	spanSync        = "sync.run"
	spanGeocode     = "sync.geocode_retry"
	metricCreated   = "placesync.sync.locations.created"
	metricUpdated   = "placesync.sync.locations.updated"
	metricDeleted   = "placesync.sync.locations.deleted"
	metricSkipped   = "placesync.sync.locations.skipped"
	metricGeoFailed = "placesync.sync.geocode.failures"
	metricErrors    = "placesync.sync.errors"
)

// DefaultSchedule runs a sync every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// Notifier publishes batch summaries. Implemented by [notify.HomeAssistant].
type Notifier interface {
	Notify(ctx context.Context, res Result) error
}

// ResultFunc observes finished batches, successful or not.
type ResultFunc func(ctx context.Context, res Result, err error)

// EngineOptions configures an [Engine].
type EngineOptions struct {
	// Schedule is a standard five-field cron expression.
	Schedule string
	// WindowDays is the number of local days each scheduled sync covers.
	WindowDays int
}

// Engine runs the [Service] on a schedule for the daemon. Create one with
// [NewEngine] and start it with [Engine.Run].
type Engine struct {
	svc        *Service
	notifier   Notifier
	schedule   cron.Schedule
	cronExpr   string
	windowDays int
	log        *slog.Logger

	mu        gosync.Mutex
	listeners []ResultFunc

	// OTel instruments, no-op when telemetry is disabled.
	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntSkipped   metric.Int64Counter
	cntGeoFailed metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewEngine creates an Engine. notifier may be nil. It fails when the
// schedule does not parse.
func NewEngine(svc *Service, notifier Notifier, opts EngineOptions, logger *slog.Logger) (*Engine, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.WindowDays < 1 {
		opts.WindowDays = 1
	}
	sched, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", opts.Schedule, err)
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		svc:        svc,
		notifier:   notifier,
		schedule:   sched,
		cronExpr:   opts.Schedule,
		windowDays: opts.WindowDays,
		log:        logger,

		tracer:       tracer,
		cntCreated:   mustCounter(metricCreated, "Number of locations created during sync"),
		cntUpdated:   mustCounter(metricUpdated, "Number of locations updated during sync"),
		cntDeleted:   mustCounter(metricDeleted, "Number of locations soft-deleted during sync"),
		cntSkipped:   mustCounter(metricSkipped, "Number of unchanged events skipped during sync"),
		cntGeoFailed: mustCounter(metricGeoFailed, "Number of failed geocoding attempts"),
		cntErrors:    mustCounter(metricErrors, "Number of per-event errors encountered during sync"),
	}, nil
}

// OnResult registers fn to run after every batch the engine starts.
func (e *Engine) OnResult(fn ResultFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Window returns the window the next scheduled sync covers.
func (e *Engine) Window() model.Window {
	return model.DayWindow(e.svc.clock.Now(), e.windowDays)
}

// Running reports whether a batch is in flight.
func (e *Engine) Running() bool { return e.svc.Running() }

// SyncWindow runs one traced sync over w and informs listeners and the
// notifier. It does not retry geocoding.
func (e *Engine) SyncWindow(ctx context.Context, w model.Window) (Result, error) {
	ctx, span := e.tracer.Start(ctx, spanSync)
	defer span.End()

	res, err := e.svc.Sync(ctx, w)
	e.record(ctx, span, res, err)

	if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrInvalidRange) {
		return res, err
	}
	e.publish(ctx, res, err)
	return res, err
}

// RunOnce syncs the configured window, then retries pending geocoding.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	res, err := e.SyncWindow(ctx, e.Window())
	if err != nil {
		return res, err
	}

	ctx, span := e.tracer.Start(ctx, spanGeocode)
	defer span.End()

	retried, rerr := e.svc.RetryGeocoding(ctx)
	switch {
	case errors.Is(rerr, ErrSyncInProgress):
		e.log.Debug("geocode retry skipped, sync in progress")
	case rerr != nil:
		span.RecordError(rerr)
		e.log.Error("geocode retry failed", "error", rerr)
	case retried.Updated > 0:
		e.addCount(ctx, e.cntGeoFailed, retried.GeocodeFailures)
		span.SetAttributes(
			attribute.Int("geocode.attempted", retried.Updated),
			attribute.Int("geocode.resolved", retried.GeocodeSuccesses),
		)
		e.notifyListeners(ctx, retried, nil)
	}
	return res, nil
}

// Run registers the schedule and blocks until ctx is cancelled. A first pass
// runs immediately.
func (e *Engine) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{e.log}))
	c.Schedule(e.schedule, cron.NewChain(cron.SkipIfStillRunning(cronLogger{e.log})).Then(cron.FuncJob(func() {
		e.runScheduled(ctx)
	})))

	e.log.Info("sync engine started", "schedule", e.cronExpr, "window_days", e.windowDays)
	e.runScheduled(ctx)
	c.Start()

	<-ctx.Done()
	e.log.Info("sync engine shutting down")
	<-c.Stop().Done()
	return ctx.Err()
}

func (e *Engine) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := e.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			e.log.Info("scheduled sync skipped, another sync is running")
			return
		}
		e.log.Error("scheduled sync failed", "error", err)
	}
}

// record adds the batch counters and span attributes. Counters are always
// safe even if the span is a no-op.
func (e *Engine) record(ctx context.Context, span trace.Span, res Result, err error) {
	e.addCount(ctx, e.cntCreated, res.NewLocations)
	e.addCount(ctx, e.cntUpdated, res.Updated)
	e.addCount(ctx, e.cntDeleted, res.Deleted)
	e.addCount(ctx, e.cntSkipped, res.Skipped)
	e.addCount(ctx, e.cntGeoFailed, res.GeocodeFailures)
	e.addCount(ctx, e.cntErrors, len(res.Errors))

	span.SetAttributes(
		attribute.String("sync.window.start", res.Window.Start.String()),
		attribute.String("sync.window.end", res.Window.End.String()),
		attribute.Int("sync.created", res.NewLocations),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.deleted", res.Deleted),
		attribute.Int("sync.skipped", res.Skipped),
		attribute.Int("sync.geocode_failures", res.GeocodeFailures),
		attribute.Int("sync.errors", len(res.Errors)),
	)
	if err != nil {
		span.RecordError(err)
	}
}

func (e *Engine) addCount(ctx context.Context, c metric.Int64Counter, n int) {
	if n > 0 {
		c.Add(ctx, int64(n))
	}
}

// publish informs listeners, then the notifier on success. Notifier errors are
// logged only.
func (e *Engine) publish(ctx context.Context, res Result, err error) {
	e.notifyListeners(ctx, res, err)
	if e.notifier == nil || err != nil {
		return
	}
	if nerr := e.notifier.Notify(ctx, res); nerr != nil {
		e.log.Warn("sending sync notification", "error", nerr)
	}
}

func (e *Engine) notifyListeners(ctx context.Context, res Result, err error) {
	e.mu.Lock()
	ls := make([]ResultFunc, len(e.listeners))
	copy(ls, e.listeners)
	e.mu.Unlock()

	for _, fn := range ls {
		fn(ctx, res, err)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
