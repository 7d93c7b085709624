// Package geocode resolves free-text addresses to coordinates through a
// Nominatim-compatible search API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/retry"
)

const (
	// DefaultBaseURL is the public OpenStreetMap Nominatim instance.
	DefaultBaseURL = "https://nominatim.openstreetmap.org"

	// DefaultMinInterval honours the public instance's one request per
	// second limit.
	DefaultMinInterval = time.Second

	defaultUserAgent = "placesync/1.0"
)

// ErrNoResults is wrapped by the [*model.GeocodeError] returned when the
// service found nothing for an address.
var ErrNoResults = errors.New("no results")

// Options configures a [Nominatim] client. Zero values select the defaults.
type Options struct {
	BaseURL     string
	UserAgent   string
	MinInterval time.Duration
	HTTPClient  *http.Client
	Retry       retry.Policy
}

// Nominatim is a rate-limited geocoder. A transient failure is retried
// internally and the whole call counts as one geocoding attempt.
type Nominatim struct {
	base      *url.URL
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	policy    retry.Policy
	log       *slog.Logger
}

// NewNominatim creates a client. It fails when the base URL does not parse.
func NewNominatim(opts Options, logger *slog.Logger) (*Nominatim, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid geocoder base URL %q", opts.BaseURL)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Nominatim{
		base:      base,
		userAgent: opts.UserAgent,
		client:    opts.HTTPClient,
		limiter:   rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		policy:    opts.Retry,
		log:       logger,
	}, nil
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Resolve returns the coordinate of the best match for address. Every
// failure is a [*model.GeocodeError].
func (n *Nominatim) Resolve(ctx context.Context, address string) (model.Coordinate, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return model.Coordinate{}, &model.GeocodeError{Address: address, Err: errors.New("empty address")}
	}

	var c model.Coordinate
	err := retry.Do(ctx, n.policy, func(ctx context.Context) error {
		var err error
		c, err = n.search(ctx, address)
		return err
	})
	if err != nil {
		n.log.Debug("geocoding failed", "address", address, "error", err)
		return model.Coordinate{}, &model.GeocodeError{Address: address, Err: err}
	}
	n.log.Debug("geocoded", "address", address, "lat", c.Latitude, "lon", c.Longitude)
	return c, nil
}

func (n *Nominatim) search(ctx context.Context, address string) (model.Coordinate, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return model.Coordinate{}, retry.Permanent(fmt.Errorf("waiting for rate limiter: %w", err))
	}

	u := *n.base
	u.Path += "/search"
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.Coordinate{}, retry.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return model.Coordinate{}, fmt.Errorf("search: HTTP %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Coordinate{}, retry.Permanent(fmt.Errorf("search: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return model.Coordinate{}, retry.Permanent(fmt.Errorf("decoding search response: %w", err))
	}
	if len(results) == 0 {
		return model.Coordinate{}, retry.Permanent(ErrNoResults)
	}
	return parseCoordinate(results[0])
}

func parseCoordinate(r searchResult) (model.Coordinate, error) {
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return model.Coordinate{}, retry.Permanent(fmt.Errorf("parsing latitude %q: %w", r.Lat, err))
	}
	lon, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return model.Coordinate{}, retry.Permanent(fmt.Errorf("parsing longitude %q: %w", r.Lon, err))
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return model.Coordinate{}, retry.Permanent(fmt.Errorf("coordinate out of range: %v,%v", lat, lon))
	}
	return model.Coordinate{Latitude: lat, Longitude: lon}, nil
}
