package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"

	"github.com/njoerd114/placesync/internal/config"
	"github.com/njoerd114/placesync/internal/geocode"
)

// PingFunc checks that a Home Assistant instance accepts the token.
type PingFunc func(ctx context.Context, url, token string) error

// Wizard walks the user through writing a config file and, optionally,
// installing the launchd agent.
type Wizard struct {
	prompt     *Prompter
	w          io.Writer
	configPath string
	ping       PingFunc
	logger     *slog.Logger
}

// NewWizard creates a Wizard that writes its result to configPath.
func NewWizard(r io.Reader, w io.Writer, configPath string, ping PingFunc, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:     NewPrompter(r, w),
		w:          w,
		configPath: configPath,
		ping:       ping,
		logger:     logger,
	}
}

// Run asks for the configuration and writes it. It returns false without
// error when the user keeps an existing config file.
func (wiz *Wizard) Run(ctx context.Context) (bool, error) {
	fmt.Fprintf(wiz.w, "\nWelcome to placesync setup!\n\n")

	if _, err := os.Stat(wiz.configPath); err == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.configPath)
		if !wiz.prompt.Confirm("Overwrite it?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n\n")
			return false, nil
		}
		fmt.Fprintln(wiz.w)
	}

	cfg := &config.Config{}

	fmt.Fprintf(wiz.w, "Step 1/4 · Calendars\n")
	if err := wiz.askCalendars(&cfg.Calendar); err != nil {
		return false, err
	}

	fmt.Fprintf(wiz.w, "\nStep 2/4 · Geocoding\n")
	base := wiz.prompt.String("Nominatim URL", geocode.DefaultBaseURL)
	if base != geocode.DefaultBaseURL {
		cfg.Geocoder.BaseURL = base
	}
	if email := wiz.prompt.Optional("Contact e-mail sent to Nominatim"); email != "" {
		cfg.Geocoder.UserAgent = fmt.Sprintf("placesync/1.0 (%s)", email)
	}

	fmt.Fprintf(wiz.w, "\nStep 3/4 · Schedule\n")
	cfg.Schedule = wiz.prompt.String("Sync schedule (cron)", "*/15 * * * *")
	days, err := strconv.Atoi(wiz.prompt.String("Days to sync, starting today", "1"))
	if err != nil {
		return false, fmt.Errorf("days to sync must be a number")
	}
	cfg.WindowDays = days

	fmt.Fprintf(wiz.w, "\nStep 4/4 · Home Assistant\n")
	if wiz.prompt.Confirm("Post sync summaries to Home Assistant?", false) {
		ha := &config.HomeAssistantConfig{
			URL:   wiz.prompt.String("HA URL", "http://homeassistant.local:8123"),
			Token: wiz.prompt.Secret("Long-lived access token"),
		}
		ha.OnlyOnChanges = wiz.prompt.Confirm("Only when something changed?", true)

		fmt.Fprintf(wiz.w, "  Connecting to Home Assistant...")
		if err := wiz.ping(ctx, ha.URL, ha.Token); err != nil {
			fmt.Fprintf(wiz.w, " ✗\n")
			return false, fmt.Errorf("cannot reach Home Assistant: %w", err)
		}
		fmt.Fprintf(wiz.w, " ✓\n")
		cfg.HomeAssistant = ha
	}

	if err := cfg.Write(wiz.configPath); err != nil {
		return false, err
	}
	wiz.logger.Debug("config written", "path", wiz.configPath)
	fmt.Fprintf(wiz.w, "\n  ✓ Config written to %s\n\n", wiz.configPath)
	return true, nil
}

func (wiz *Wizard) askCalendars(c *config.CalendarConfig) error {
	ek := wiz.prompt.Confirm("Read the macOS calendar store?", runtime.GOOS == "darwin")
	c.EventKit = &ek
	if ek {
		c.Calendars = wiz.prompt.List("Only these calendars")
	}

	for i := 1; ; i++ {
		u := wiz.prompt.Optional("ICS feed URL, empty to finish")
		if u == "" {
			break
		}
		name := wiz.prompt.String("Feed name", fmt.Sprintf("feed-%d", i))
		c.ICSFeeds = append(c.ICSFeeds, config.ICSFeed{Name: name, URL: u})
	}

	if !ek && len(c.ICSFeeds) == 0 {
		return fmt.Errorf("at least one calendar source is required")
	}
	return nil
}

// OfferInstall asks whether to run placesync as a login agent and calls
// install when the user agrees.
func (wiz *Wizard) OfferInstall(install func() error, logDir string) error {
	if !wiz.prompt.Confirm("Run placesync in the background (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping install.\n")
		fmt.Fprintf(wiz.w, "  Run manually with: placesync daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later:  placesync setup\n\n")
		return nil
	}
	if err := install(); err != nil {
		return fmt.Errorf("installing agent: %w", err)
	}
	fmt.Fprintf(wiz.w, "\n  ✓ Agent loaded, syncing now\n")
	fmt.Fprintf(wiz.w, "  Logs:    %s\n", logDir)
	fmt.Fprintf(wiz.w, "  Status:  placesync status\n")
	fmt.Fprintf(wiz.w, "  Remove:  placesync uninstall\n\n")
	return nil
}
