package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/njoerd114/placesync/internal/model"
	"github.com/njoerd114/placesync/internal/retry"
)

// maxOccurrences caps the expansion of one recurring event per window.
const maxOccurrences = 1000

// Feed names a remote ICS calendar.
type Feed struct {
	Name string
	URL  string
}

// ICSFeed reads events from a remote ICS feed. The last body is cached in
// memory and revalidated with ETag and Last-Modified; when the feed is
// unreachable the cached body is served instead.
type ICSFeed struct {
	feed   Feed
	client *http.Client
	policy retry.Policy
	log    *slog.Logger

	mu           gosync.Mutex
	etag         string
	lastModified string
	body         []byte
}

// NewICSFeed creates a feed source. A nil client selects one with a 15s
// timeout.
func NewICSFeed(feed Feed, client *http.Client, logger *slog.Logger) *ICSFeed {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ICSFeed{feed: feed, client: client, policy: retry.DefaultPolicy(), log: logger}
}

// WithRetryPolicy replaces the retry policy used for fetches.
func (f *ICSFeed) WithRetryPolicy(p retry.Policy) *ICSFeed {
	f.policy = p
	return f
}

// FetchEvents downloads the feed and returns every occurrence overlapping w.
// Recurring events expand to one event per occurrence, with ids built by
// [OccurrenceID].
func (f *ICSFeed) FetchEvents(ctx context.Context, w model.Window) ([]model.ExternalEvent, error) {
	body, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}
	parsed, err := parseICS(body, f.log)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %q: %w", f.feed.Name, err)
	}
	out := expand(parsed, w, f.feed.Name, f.log)
	f.log.Debug("ics feed expanded", "feed", f.feed.Name, "vevents", len(parsed), "occurrences", len(out))
	return out, nil
}

var errNotModifiedWithoutCache = errors.New("received 304 Not Modified but no cached body available")

func (f *ICSFeed) fetch(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	etag, lastMod, cached := f.etag, f.lastModified, f.body
	f.mu.Unlock()

	var body []byte
	err := retry.Do(ctx, f.policy, func(ctx context.Context) error {
		b, err := f.get(ctx, etag, lastMod, cached)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err == nil {
		return body, nil
	}
	if errors.Is(err, model.ErrAccessDenied) || len(cached) == 0 {
		return nil, fmt.Errorf("fetching feed %q: %w", f.feed.Name, err)
	}
	f.log.Warn("ics fetch failed, using cached body", "feed", f.feed.Name, "url", redactURL(f.feed.URL), "error", err)
	return cached, nil
}

func (f *ICSFeed) get(ctx context.Context, etag, lastMod string, cached []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.feed.URL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("building request: %w", err))
	}
	if len(cached) > 0 {
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastMod != "" {
			req.Header.Set("If-Modified-Since", lastMod)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		f.mu.Lock()
		f.etag = resp.Header.Get("ETag")
		f.lastModified = resp.Header.Get("Last-Modified")
		f.body = body
		f.mu.Unlock()
		f.log.Debug("ics fetch success", "feed", f.feed.Name, "bytes", len(body))
		return body, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return nil, retry.Permanent(errNotModifiedWithoutCache)
		}
		f.log.Debug("ics feed not modified", "feed", f.feed.Name)
		return cached, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, retry.Permanent(fmt.Errorf("%w: HTTP %d", model.ErrAccessDenied, resp.StatusCode))

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)

	default:
		return nil, retry.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
	}
}

// vevent is the subset of a VEVENT the expansion needs.
type vevent struct {
	uid         string
	summary     string
	description string
	location    string
	start       time.Time
	end         time.Time
	allDay      bool
	rrule       string
	exdates     []time.Time
	// recurrenceID is set on overrides of a single occurrence.
	recurrenceID *time.Time
}

func parseICS(body []byte, log *slog.Logger) ([]vevent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []vevent
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			// Skip this event, keep the others.
			log.Warn("skipping unparseable VEVENT", "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent) (vevent, error) {
	var ev vevent

	p := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if p == nil || strings.TrimSpace(p.Value) == "" {
		return ev, errors.New("missing UID")
	}
	ev.uid = strings.TrimSpace(p.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.location = unescapeText(p.Value)
	}

	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return ev, fmt.Errorf("event %s: missing DTSTART", ev.uid)
	}
	ev.allDay = isDateValue(dtstart)

	var err error
	if ev.allDay {
		ev.start, err = ve.GetAllDayStartAt()
	} else {
		ev.start, err = ve.GetStartAt()
	}
	if err != nil {
		return ev, fmt.Errorf("event %s: parsing DTSTART: %w", ev.uid, err)
	}

	if ev.allDay {
		ev.end, err = ve.GetAllDayEndAt()
	} else {
		ev.end, err = ve.GetEndAt()
	}
	if err != nil || ev.end.IsZero() {
		ev.end = ev.start
		if ev.allDay {
			ev.end = ev.start.AddDate(0, 0, 1)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc := paramLocation(p, ev.start.Location())
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, loc); err == nil {
				ev.exdates = append(ev.exdates, t)
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		if t, err := parseICSTime(p.Value, paramLocation(p, ev.start.Location())); err == nil {
			ev.recurrenceID = &t
		}
	}
	return ev, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// paramLocation resolves a TZID parameter, falling back to def.
func paramLocation(p *ical.IANAProperty, def *time.Location) *time.Location {
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) > 0 {
		if loc, err := time.LoadLocation(tz[0]); err == nil {
			return loc
		}
	}
	return def
}

// parseICSTime parses DATE and DATE-TIME values. Floating times are read in
// loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}

// expand turns parsed VEVENTs into the occurrences overlapping w, in feed
// order. Overrides replace the occurrence whose start matches their
// RECURRENCE-ID.
func expand(events []vevent, w model.Window, calendarName string, log *slog.Logger) []model.ExternalEvent {
	overrides := make(map[string][]vevent)
	var bases []vevent
	for _, ev := range events {
		if ev.recurrenceID != nil {
			overrides[ev.uid] = append(overrides[ev.uid], ev)
		} else {
			bases = append(bases, ev)
		}
	}

	var out []model.ExternalEvent
	for _, ev := range bases {
		if ev.rrule == "" {
			if w.Overlaps(ev.start, ev.end) {
				out = append(out, toExternal(ev, ev.uid, ev.start, ev.end, calendarName))
			}
			continue
		}
		occ, err := occurrences(ev, w)
		if err != nil {
			log.Warn("skipping recurring event with invalid RRULE", "uid", ev.uid, "rrule", ev.rrule, "error", err)
			continue
		}
		dur := ev.end.Sub(ev.start)
		for _, start := range occ {
			id := OccurrenceID(ev.uid, start)
			src, s, e := ev, start, start.Add(dur)
			if o, ok := findOverride(overrides[ev.uid], start); ok {
				src, s, e = o, o.start, o.end
			}
			if w.Overlaps(s, e) {
				out = append(out, toExternal(src, id, s, e, calendarName))
			}
		}
	}
	return out
}

// occurrences returns the starts of ev's occurrences that may overlap w.
func occurrences(ev vevent, w model.Window) ([]time.Time, error) {
	r, err := rrule.StrToRRule(ev.rrule)
	if err != nil {
		return nil, err
	}
	r.DTStart(ev.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exdates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	// Widen by the duration so occurrences that started before the window
	// but still run into it are included.
	dur := ev.end.Sub(ev.start)
	from := w.Start.Add(-dur).In(ev.start.Location())
	to := w.End.In(ev.start.Location())

	starts := set.Between(from, to, true)
	if len(starts) > maxOccurrences {
		starts = starts[:maxOccurrences]
	}
	return starts, nil
}

func findOverride(overrides []vevent, start time.Time) (vevent, bool) {
	for _, o := range overrides {
		if o.recurrenceID.Equal(start) {
			return o, true
		}
	}
	return vevent{}, false
}

func toExternal(ev vevent, id string, start, end time.Time, calendarName string) model.ExternalEvent {
	return model.ExternalEvent{
		ID:       id,
		Title:    ev.summary,
		Location: ev.location,
		Start:    start,
		End:      end,
		Notes:    ev.description,
		Calendar: calendarName,
	}
}

// redactURL keeps only the scheme and host, since feed URLs often embed
// access tokens.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}
