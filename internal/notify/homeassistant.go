// Package notify publishes sync summaries to Home Assistant as persistent
// notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	haclient "github.com/mkelcik/go-ha-client/v2"

	"github.com/njoerd114/placesync/internal/retry"
	"github.com/njoerd114/placesync/internal/sync"
)

const (
	domainNotification    = "persistent_notification"
	serviceCreate         = "create"
	notificationID        = "placesync_summary"
	notificationTitle     = "PlaceSync"
	maxListedErrors       = 5
	defaultRequestTimeout = 10 * time.Second
)

// RESTClient is the subset of the Home Assistant REST API the notifier uses.
type RESTClient interface {
	Ping(ctx context.Context) error
	// CallService POSTs to /api/services/<domain>/<service> without
	// return_response.
	CallService(ctx context.Context, domain, service string, body io.Reader) error
}

// haClientWrapper adds a plain CallService to [haclient.Client];
// persistent_notification.create rejects ?return_response.
type haClientWrapper struct {
	client  *haclient.Client
	baseURL string
	token   string
	hc      *http.Client
}

func (w *haClientWrapper) Ping(ctx context.Context) error {
	return w.client.Ping(ctx)
}

func (w *haClientWrapper) CallService(ctx context.Context, domain, service string, body io.Reader) error {
	endpoint := fmt.Sprintf("%s/api/services/%s/%s",
		strings.TrimRight(w.baseURL, "/"),
		url.PathEscape(domain),
		url.PathEscape(service),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create service request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute service request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		var br struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&br)
		return retry.Permanent(errors.New(br.Message))
	case resp.StatusCode == http.StatusUnauthorized:
		return retry.Permanent(errors.New("HA returned 401 Unauthorized, check home_assistant.token"))
	case resp.StatusCode >= 300:
		return fmt.Errorf("HA returned unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Options tunes a [HomeAssistant] notifier.
type Options struct {
	// OnlyOnChanges suppresses notifications for batches that changed
	// nothing and reported no errors.
	OnlyOnChanges bool
	Retry         retry.Policy
}

// HomeAssistant turns a [sync.Result] into a persistent notification.
type HomeAssistant struct {
	rest   RESTClient
	opts   Options
	logger *slog.Logger
}

// NewHomeAssistant creates a notifier backed by the real HA REST client.
func NewHomeAssistant(haURL, token string, opts Options, logger *slog.Logger) (*HomeAssistant, error) {
	rest, err := haclient.NewClient(haURL,
		haclient.WithToken(token),
		haclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create HA REST client: %w", err)
	}
	wrapper := &haClientWrapper{
		client:  rest,
		baseURL: haURL,
		token:   token,
		hc:      &http.Client{Timeout: defaultRequestTimeout},
	}
	return NewHomeAssistantWithClient(wrapper, opts, logger), nil
}

// NewHomeAssistantWithClient creates a notifier with a caller-supplied
// client, for tests.
func NewHomeAssistantWithClient(rest RESTClient, opts Options, logger *slog.Logger) *HomeAssistant {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &HomeAssistant{rest: rest, opts: opts, logger: logger}
}

// Ping validates the HA connection and token.
func (h *HomeAssistant) Ping(ctx context.Context) error {
	err := retry.Do(ctx, h.opts.Retry, func(ctx context.Context) error {
		return h.rest.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("ping HA: %w", err)
	}
	return nil
}

// Notify creates or replaces the summary notification for res.
func (h *HomeAssistant) Notify(ctx context.Context, res sync.Result) error {
	if h.opts.OnlyOnChanges && !res.Changed() && len(res.Errors) == 0 {
		h.logger.Debug("no changes, notification skipped")
		return nil
	}

	data := map[string]any{
		"notification_id": notificationID,
		"title":           notificationTitle,
		"message":         Summary(res),
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	err = retry.Do(ctx, h.opts.Retry, func(ctx context.Context) error {
		return h.rest.CallService(ctx, domainNotification, serviceCreate, bytes.NewReader(b))
	})
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	h.logger.Debug("notification sent", "created", res.NewLocations, "updated", res.Updated, "deleted", res.Deleted)
	return nil
}

// Summary renders res as the notification message.
func Summary(res sync.Result) string {
	var sb strings.Builder
	if res.NoEventsFound {
		sb.WriteString("No events found")
	} else {
		fmt.Fprintf(&sb, "%d new, %d updated, %d removed, %d unchanged",
			res.NewLocations, res.Updated, res.Deleted, res.Skipped)
	}
	if !res.Window.Start.IsZero() {
		fmt.Fprintf(&sb, " (%s to %s)",
			res.Window.Start.Format("Jan 2 15:04"), res.Window.End.Format("Jan 2 15:04"))
	}
	sb.WriteString(".")

	if res.GeocodeFailures > 0 {
		fmt.Fprintf(&sb, "\n%d address(es) could not be geocoded.", res.GeocodeFailures)
	}
	if n := len(res.Errors); n > 0 {
		fmt.Fprintf(&sb, "\n%d error(s):", n)
		for i, err := range res.Errors {
			if i == maxListedErrors {
				fmt.Fprintf(&sb, "\n- and %d more", n-maxListedErrors)
				break
			}
			fmt.Fprintf(&sb, "\n- %v", err)
		}
	}
	return sb.String()
}
