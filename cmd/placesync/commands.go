package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/njoerd114/placesync/internal/config"
	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/query"
	"github.com/njoerd114/placesync/internal/setup"
	"github.com/njoerd114/placesync/internal/state"
)

// runList prints the catalogue as a table.
func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	filter := fs.String("filter", "all", "all|today|upcoming|past|notes|archived|deleted|tag|geocoding|sync")
	arg := fs.String("arg", "", "argument for the tag, geocoding and sync filters")
	sortBy := fs.String("sort", "start", "start|name|modified|distance")
	order := fs.String("order", "", "asc|desc (default desc for modified, asc otherwise)")
	search := fs.String("q", "", "case-insensitive search in name, address and notes")
	near := fs.String("near", "", "origin for distance sort as lat,lon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(*verbose)

	f, err := query.ParseFilter(*filter, *arg)
	if err != nil {
		return err
	}
	sk, err := query.ParseSort(*sortBy)
	if err != nil {
		return err
	}
	asc := sk != query.SortModified
	switch *order {
	case "":
	case "asc":
		asc = true
	case "desc":
		asc = false
	default:
		return fmt.Errorf("unknown --order %q", *order)
	}
	opts := query.Options{Filter: f, Sort: sk, Ascending: asc, Search: *search}
	if *near != "" {
		c, err := parseCoordinate(*near)
		if err != nil {
			return err
		}
		opts.Origin = &c
	}
	if sk == query.SortDistance && opts.Origin == nil {
		return fmt.Errorf("--sort distance needs --near lat,lon")
	}

	cat, closeFn, err := openCatalog(context.Background(), *cfgPath, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	locs := cat.Query(opts)
	if len(locs) == 0 {
		fmt.Println("No locations.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tNAME\tADDRESS\tSYNC\tGEOCODING\tTAGS\tID")
	for _, l := range locs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.StartTime.Local().Format("2006-01-02 15:04"),
			truncate(l.Name, 32),
			truncate(l.Address, 40),
			l.SyncStatus,
			l.GeocodingStatus,
			strings.Join(l.Tags, ","),
			l.ID,
		)
	}
	return tw.Flush()
}

// runPurge hard-deletes one record, or every soft-deleted record.
func runPurge(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	id := fs.String("id", "", "purge only this location")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(*verbose)
	ctx := context.Background()

	cat, closeFn, err := openCatalog(ctx, *cfgPath, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	if *id != "" {
		if err := cat.Purge(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("✓ Purged %s\n", *id)
		return nil
	}
	n, err := cat.PurgeDeleted(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Purged %d soft-deleted location(s)\n", n)
	return nil
}

// runStatus prints the configuration and state DB summary.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(*verbose)

	fmt.Println("placesync status")
	fmt.Println("────────────────")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if _, statErr := os.Stat(*cfgPath); statErr != nil {
			fmt.Printf("  Config:    not found (%s)\n", *cfgPath)
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", *cfgPath, err)
		}
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", *cfgPath)
	fmt.Printf("  Schedule:  %s, %d day window\n", cfg.Schedule, cfg.WindowDays)
	fmt.Printf("  Sources:   eventkit=%v, %d ICS feed(s)\n", cfg.Calendar.EventKitEnabled(), len(cfg.Calendar.ICSFeeds))
	fmt.Printf("  API:       http://%s/api\n", cfg.HTTP.Listen)
	if cfg.HomeAssistant != nil {
		fmt.Printf("  Notify:    %s\n", cfg.HomeAssistant.URL)
	}
	if runtime.GOOS == "darwin" {
		if home, err := os.UserHomeDir(); err == nil {
			agent := "not loaded"
			if setup.NewAgent(home, *cfgPath).Loaded() {
				agent = "loaded"
			}
			fmt.Printf("  Agent:     %s\n", agent)
		}
	}

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return err
		}
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Println("  State DB:  not found")
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))

	cat, closeFn, err := openCatalog(context.Background(), *cfgPath, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	snap := cat.Snapshot()
	syncCounts := map[model.SyncStatus]int{}
	geoCounts := map[model.GeocodingStatus]int{}
	var lastSync time.Time
	for _, l := range snap.Locations {
		syncCounts[l.SyncStatus]++
		geoCounts[l.GeocodingStatus]++
		if l.LastSyncDate.After(lastSync) {
			lastSync = l.LastSyncDate
		}
	}
	fmt.Printf("  Records:   %d (synced %d, modified %d, pending %d, deleted %d)\n",
		len(snap.Locations),
		syncCounts[model.SyncSynced], syncCounts[model.SyncModified],
		syncCounts[model.SyncPending], syncCounts[model.SyncDeleted])
	fmt.Printf("  Geocoding: success %d, pending %d, retry later %d, failed %d\n",
		geoCounts[model.GeocodeSuccess], geoCounts[model.GeocodePending],
		geoCounts[model.GeocodeRetryLater], geoCounts[model.GeocodeFailed])
	if !lastSync.IsZero() {
		fmt.Printf("  Last sync: %s\n", lastSync.Local().Format(time.RFC1123))
	}
	return nil
}

func parseCoordinate(s string) (model.Coordinate, error) {
	var c model.Coordinate
	if _, err := fmt.Sscanf(strings.ReplaceAll(s, " ", ""), "%f,%f", &c.Latitude, &c.Longitude); err != nil {
		return c, fmt.Errorf("invalid coordinate %q, want lat,lon", s)
	}
	return c, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
