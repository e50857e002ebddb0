package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/streamrelay/pkg/metrics"
	"github.com/harunnryd/streamrelay/pkg/redact"
)

// LoggerObserver writes each event as an "observer_event" debug record.
// Error events go out at warn. Per-frame events are skipped unless verbose.
type LoggerObserver struct {
	log     *slog.Logger
	verbose bool
}

func NewLoggerObserver(log *slog.Logger, verbose bool) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With(slog.String("component", "observer")), verbose: verbose}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	if !o.verbose && metrics.PerFrame(ev.Name) {
		return
	}
	level := slog.LevelDebug
	switch ev.Name {
	case metrics.EventOutboundError, metrics.EventOutboundAuthError, metrics.EventDecodeError:
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("at", ev.Time),
	}
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	keys := make([]string, 0, len(ev.Tags))
	for k := range ev.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	if len(ev.Fields) > 0 {
		fields := redact.Fields(ev.Fields)
		group := make([]any, 0, len(fields))
		for k, v := range fields {
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("fields", group...))
	}
	o.log.LogAttrs(context.Background(), level, "observer_event", attrs...)
}
