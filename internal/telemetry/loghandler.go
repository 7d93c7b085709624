package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// LogHandler passes every record to the wrapped handler and emits it to an
// OpenTelemetry logger as well. Attributes are flattened; groups become
// dotted key prefixes.
type LogHandler struct {
	next   slog.Handler
	logger otellog.Logger
	attrs  []otellog.KeyValue
	prefix string
}

// NewLogHandler wraps next. Records below next's level are dropped for both
// outputs.
func NewLogHandler(next slog.Handler, provider otellog.LoggerProvider, scope string) *LogHandler {
	return &LogHandler{next: next, logger: provider.Logger(scope)}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(convertAttr(h.prefix, a)...)
		return true
	})
	h.logger.Emit(ctx, rec)

	return h.next.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	c.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		c.attrs = append(c.attrs, convertAttr(h.prefix, a)...)
	}
	return c
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.next = h.next.WithGroup(name)
	c.prefix = h.prefix + name + "."
	return c
}

func (h *LogHandler) clone() *LogHandler {
	c := *h
	c.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	return &c
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

func convertAttr(prefix string, a slog.Attr) []otellog.KeyValue {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		var out []otellog.KeyValue
		for _, ga := range v.Group() {
			out = append(out, convertAttr(p, ga)...)
		}
		return out
	}
	if a.Key == "" {
		return nil
	}

	key := prefix + a.Key
	switch v.Kind() {
	case slog.KindString:
		return []otellog.KeyValue{otellog.String(key, v.String())}
	case slog.KindInt64:
		return []otellog.KeyValue{otellog.Int64(key, v.Int64())}
	case slog.KindUint64:
		return []otellog.KeyValue{otellog.Int64(key, int64(v.Uint64()))}
	case slog.KindFloat64:
		return []otellog.KeyValue{otellog.Float64(key, v.Float64())}
	case slog.KindBool:
		return []otellog.KeyValue{otellog.Bool(key, v.Bool())}
	case slog.KindDuration:
		return []otellog.KeyValue{otellog.String(key, v.Duration().String())}
	case slog.KindTime:
		return []otellog.KeyValue{otellog.String(key, v.Time().Format(time.RFC3339Nano))}
	default:
		return []otellog.KeyValue{otellog.String(key, fmt.Sprint(v.Any()))}
	}
}
