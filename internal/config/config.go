// Package config loads and validates the placesync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultSchedule    = "*/15 * * * *"
	defaultWindowDays  = 1
	maxWindowDays      = 31
	defaultListen      = "127.0.0.1:8787"
	defaultMaxAttempts = 3
	defaultRetryDelay  = 15 * time.Minute
	defaultMinInterval = time.Second
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DatabasePath is the SQLite state file. Empty selects
	// ~/.local/share/placesync/state.db. A leading ~/ is expanded.
	DatabasePath string `yaml:"database_path,omitempty"`

	// Schedule is the standard 5-field cron expression the daemon syncs on.
	// Defaults to every 15 minutes.
	Schedule string `yaml:"schedule"`

	// WindowDays is the number of calendar days, starting today, each sync
	// covers. 1 to 31, defaults to 1.
	WindowDays int `yaml:"window_days"`

	Calendar CalendarConfig `yaml:"calendar"`
	Geocoder GeocoderConfig `yaml:"geocoder"`
	HTTP     HTTPConfig     `yaml:"http"`

	// HomeAssistant enables sync summaries as HA persistent notifications.
	// Omit the block to disable them.
	HomeAssistant *HomeAssistantConfig `yaml:"home_assistant,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// CalendarConfig selects the event sources.
type CalendarConfig struct {
	// EventKit reads the macOS calendar store. Defaults to true.
	EventKit *bool `yaml:"eventkit,omitempty"`

	// Calendars limits EventKit to the named calendars. Empty means all.
	Calendars []string `yaml:"calendars,omitempty"`

	// ICSFeeds are remote iCalendar feeds merged with EventKit.
	ICSFeeds []ICSFeed `yaml:"ics_feeds,omitempty"`
}

// ICSFeed names a remote iCalendar feed.
type ICSFeed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// EventKitEnabled reports whether the EventKit source should be used.
func (c CalendarConfig) EventKitEnabled() bool {
	return c.EventKit == nil || *c.EventKit
}

// GeocoderConfig configures the Nominatim client and the attempt budget.
type GeocoderConfig struct {
	// BaseURL of a Nominatim-compatible service. Empty selects the public
	// OpenStreetMap instance.
	BaseURL string `yaml:"base_url,omitempty"`

	// UserAgent identifies the application as Nominatim's usage policy
	// requires. Include contact details when using the public instance.
	UserAgent string `yaml:"user_agent,omitempty"`

	// MaxAttempts per address before geocoding is marked failed.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is the minimum time between attempts for one record.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MinInterval spaces requests to the service.
	MinInterval time.Duration `yaml:"min_interval"`
}

// HTTPConfig configures the local API.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// HomeAssistantConfig holds the notifier settings.
type HomeAssistantConfig struct {
	// URL is the base URL of the Home Assistant instance (e.g. "http://homeassistant.local:8123").
	URL string `yaml:"url"`

	// Token is a long-lived access token.
	Token string `yaml:"token"`

	// OnlyOnChanges skips notifications for batches that changed nothing.
	OnlyOnChanges bool `yaml:"only_on_changes,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "placesync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers are sent as gRPC metadata on every OTLP request, e.g.
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/placesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "placesync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and saves it to path, creating parent directories. The
// file is written 0600 because it may hold the Home Assistant token.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks the fields and fills defaults.
func (c *Config) validate() error {
	if c.DatabasePath != "" {
		p, err := expandHome(c.DatabasePath)
		if err != nil {
			return err
		}
		c.DatabasePath = p
	}

	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", c.Schedule, err)
	}

	if c.WindowDays == 0 {
		c.WindowDays = defaultWindowDays
	}
	if c.WindowDays < 1 || c.WindowDays > maxWindowDays {
		return fmt.Errorf("window_days %d must be between 1 and %d", c.WindowDays, maxWindowDays)
	}

	if err := c.Calendar.validate(); err != nil {
		return err
	}
	if err := c.Geocoder.validate(); err != nil {
		return err
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = defaultListen
	}

	if ha := c.HomeAssistant; ha != nil {
		if err := validateHTTPURL("home_assistant.url", ha.URL); err != nil {
			return err
		}
		if ha.Token == "" {
			return fmt.Errorf("home_assistant.token is required when home_assistant is configured")
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (c *CalendarConfig) validate() error {
	if !c.EventKitEnabled() && len(c.ICSFeeds) == 0 {
		return fmt.Errorf("calendar: eventkit is disabled and no ics_feeds are configured")
	}
	for i, name := range c.Calendars {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("calendar.calendars[%d] is empty", i)
		}
	}
	seen := make(map[string]bool, len(c.ICSFeeds))
	for i, f := range c.ICSFeeds {
		if f.Name == "" {
			return fmt.Errorf("calendar.ics_feeds[%d].name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("calendar.ics_feeds: duplicate name %q", f.Name)
		}
		seen[f.Name] = true
		if err := validateHTTPURL(fmt.Sprintf("calendar.ics_feeds[%q].url", f.Name), f.URL); err != nil {
			return err
		}
	}
	return nil
}

func (g *GeocoderConfig) validate() error {
	if g.BaseURL != "" {
		if err := validateHTTPURL("geocoder.base_url", g.BaseURL); err != nil {
			return err
		}
	}
	if g.MaxAttempts == 0 {
		g.MaxAttempts = defaultMaxAttempts
	}
	if g.MaxAttempts < 1 {
		return fmt.Errorf("geocoder.max_attempts %d must be at least 1", g.MaxAttempts)
	}
	if g.RetryDelay == 0 {
		g.RetryDelay = defaultRetryDelay
	}
	if g.RetryDelay < 0 {
		return fmt.Errorf("geocoder.retry_delay %v must not be negative", g.RetryDelay)
	}
	if g.MinInterval == 0 {
		g.MinInterval = defaultMinInterval
	}
	if g.MinInterval < 0 {
		return fmt.Errorf("geocoder.min_interval %v must not be negative", g.MinInterval)
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be a valid http or https URL", field)
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
