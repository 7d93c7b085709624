// placesync keeps a local catalogue of places in step with calendar events
// and resolves each event's address to coordinates.
//
// Usage:
//
//	placesync daemon [--config <path>]     # scheduled sync + HTTP API
//	placesync sync-once [--config <path>]  # single sync pass then exit
//	placesync list [--filter today] ...    # print the catalogue
//	placesync purge [--id <id>]            # hard-delete soft-deleted records
//	placesync status                       # show config and state DB
//	placesync setup                        # interactive config + launchd agent
//	placesync uninstall [--purge]          # remove the launchd agent
//	placesync version                      # print version
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/placesync/internal/api"
	"github.com/njoerd114/placesync/internal/calendar"
	"github.com/njoerd114/placesync/internal/catalog"
	"github.com/njoerd114/placesync/internal/config"
	"github.com/njoerd114/placesync/internal/geocode"
	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/notify"
	"github.com/njoerd114/placesync/internal/state"
	syncp "github.com/njoerd114/placesync/internal/sync"
	"github.com/njoerd114/placesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "daemon":
		return runSync(args, true)
	case "sync-once":
		return runSync(args, false)
	case "list":
		return runList(args)
	case "purge":
		return runPurge(args)
	case "status":
		return runStatus(args)
	case "setup":
		return runSetup(args)
	case "uninstall":
		return runUninstall(args)
	case "version":
		fmt.Println("placesync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'placesync help' for usage", os.Args[1])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "placesync keeps a catalogue of places in sync with your calendar")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  placesync daemon [--config ...]     Scheduled sync and HTTP API")
	fmt.Fprintln(os.Stderr, "  placesync sync-once [--config ...]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  placesync list [flags]              Print the catalogue")
	fmt.Fprintln(os.Stderr, "  placesync purge [--id ...]          Hard-delete soft-deleted locations")
	fmt.Fprintln(os.Stderr, "  placesync status                    Show config and state DB")
	fmt.Fprintln(os.Stderr, "  placesync setup                     Interactive first-run setup")
	fmt.Fprintln(os.Stderr, "  placesync uninstall [--purge]       Remove the background agent")
	fmt.Fprintln(os.Stderr, "  placesync version                   Print version")
}

// commonFlags registers --config and --verbose on fs.
func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// --- Subcommands -------------------------------------------------------------

func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"schedule", cfg.Schedule,
		"window_days", cfg.WindowDays,
		"eventkit", cfg.Calendar.EventKitEnabled(),
		"ics_feeds", len(cfg.Calendar.ICSFeeds),
	)

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.NewLogHandler(logger.Handler(), global.GetLoggerProvider(), "placesync"))
			slog.SetDefault(logger)
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	store, dbPath, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}()
	logger.Info("state DB opened", "path", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	source, err := buildSources(cfg, logger)
	if err != nil {
		return err
	}

	geocoder, err := geocode.NewNominatim(geocode.Options{
		BaseURL:     cfg.Geocoder.BaseURL,
		UserAgent:   cfg.Geocoder.UserAgent,
		MinInterval: cfg.Geocoder.MinInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialising geocoder: %w", err)
	}

	svc := syncp.NewService(source, geocoder, store, syncp.Options{
		Policy:     model.GeocodePolicy{MaxAttempts: cfg.Geocoder.MaxAttempts},
		RetryDelay: cfg.Geocoder.RetryDelay,
	}, logger)

	var notifier syncp.Notifier
	if ha := cfg.HomeAssistant; ha != nil {
		n, err := notify.NewHomeAssistant(ha.URL, ha.Token, notify.Options{OnlyOnChanges: ha.OnlyOnChanges}, logger)
		if err != nil {
			return fmt.Errorf("initialising Home Assistant notifier: %w", err)
		}
		if err := n.Ping(ctx); err != nil {
			logger.Warn("Home Assistant unreachable, notifications may fail", "url", ha.URL, "error", err)
		}
		notifier = n
	}

	engine, err := syncp.NewEngine(svc, notifier, syncp.EngineOptions{
		Schedule:   cfg.Schedule,
		WindowDays: cfg.WindowDays,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating sync engine: %w", err)
	}

	if !daemon {
		return syncOnce(ctx, engine, logger)
	}

	cat := catalog.New(store, svc.Writer(), catalog.Options{}, logger)
	if err := cat.Refresh(ctx); err != nil {
		return err
	}

	hub := api.NewHub(logger)
	server := api.NewServer(cat, engine, hub, logger)
	svc.OnProgress(server.ProgressListener())
	engine.OnResult(server.ResultListener())

	logger.Info("daemon starting", "schedule", cfg.Schedule, "listen", cfg.HTTP.Listen)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.HTTP.Listen)
	})
	g.Go(func() error {
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync engine: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func syncOnce(ctx context.Context, engine *syncp.Engine, logger *slog.Logger) error {
	logger.Info("running single sync pass")
	res, err := engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	if notice := res.Notice(); notice != nil {
		logger.Info(notice.Error(), "window_start", res.Window.Start, "window_end", res.Window.End)
	}
	for _, e := range res.Errors {
		logger.Warn("event not synced", "error", e)
	}
	logger.Info("sync complete",
		"created", res.NewLocations,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"skipped", res.Skipped,
		"geocode_failures", res.GeocodeFailures,
		"errors", len(res.Errors),
		"duration", res.Duration,
	)
	return nil
}

// buildSources merges EventKit and the ICS feeds. On macOS a denied EventKit
// permission opens System Settings and retries once.
func buildSources(cfg *config.Config, logger *slog.Logger) (*calendar.Multi, error) {
	var sources []calendar.Named

	if cfg.Calendar.EventKitEnabled() {
		logger.Info("initialising calendar client (may trigger permissions prompt)…")
		ek, err := calendar.NewEventKit(cfg.Calendar.Calendars, logger)
		if errors.Is(err, model.ErrAccessDenied) && runtime.GOOS == "darwin" {
			fmt.Fprintln(os.Stderr, "")
			fmt.Fprintln(os.Stderr, "Calendar access is denied.")
			fmt.Fprintln(os.Stderr, "   Opening System Settings → Privacy & Security → Calendars…")
			_ = exec.Command("open", "x-apple.systempreferences:com.apple.preference.security?Privacy_Calendars").Start()
			fmt.Fprint(os.Stderr, "   Press Enter after granting access to retry: ")
			_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
			ek, err = calendar.NewEventKit(cfg.Calendar.Calendars, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("initialising calendar client: %w", err)
		}
		sources = append(sources, calendar.Named{Name: "eventkit", Source: ek})
	}

	client := &http.Client{Timeout: 30 * time.Second}
	for _, f := range cfg.Calendar.ICSFeeds {
		feed := calendar.NewICSFeed(calendar.Feed{Name: f.Name, URL: f.URL}, client, logger)
		sources = append(sources, calendar.Named{Name: f.Name, Source: feed})
	}

	m := calendar.NewMulti(logger, sources...)
	logger.Info("calendar sources ready", "sources", m.Len())
	return m, nil
}

func openStore(cfg *config.Config) (*state.Store, string, error) {
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		p, err := state.DefaultDBPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolving state DB path: %w", err)
		}
		dbPath = p
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	return store, dbPath, nil
}

// openCatalog loads the config and the catalogue for the offline commands.
func openCatalog(ctx context.Context, cfgPath string, logger *slog.Logger) (*catalog.Catalog, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Error("closing state DB", "error", err)
		}
	}
	// A running daemon is another process; SQLite serialises its writes
	// with ours.
	cat := catalog.New(store, &sync.Mutex{}, catalog.Options{}, logger)
	if err := cat.Refresh(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return cat, closeFn, nil
}
