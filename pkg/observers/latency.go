package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/streamrelay/pkg/metrics"
)

// LatencyObserver logs how long each session waited for the outbound side
// to open and for its first transcript.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started         time.Time
	active          time.Time
	firstTranscript time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.Tags["session_id"]
	if id == "" {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	o.mu.Lock()
	tr := o.traces[id]
	switch ev.Name {
	case metrics.EventSessionStarted:
		o.traces[id] = &trace{started: at}
		o.mu.Unlock()
		return
	case metrics.EventSessionClosed:
		delete(o.traces, id)
		o.mu.Unlock()
		return
	}
	if tr == nil {
		o.mu.Unlock()
		return
	}
	var (
		msg     string
		elapsed time.Duration
	)
	switch {
	case ev.Name == metrics.EventSessionActive && tr.active.IsZero():
		tr.active = at
		msg, elapsed = "outbound_open_latency", at.Sub(tr.started)
	case ev.Name == metrics.EventTranscript && tr.firstTranscript.IsZero():
		tr.firstTranscript = at
		msg, elapsed = "first_transcript_latency", at.Sub(tr.started)
	}
	o.mu.Unlock()

	if msg != "" {
		o.log.Info(msg,
			slog.String("session_id", id),
			slog.String("trace_id", ev.Tags["trace_id"]),
			slog.Int64("latency_ms", elapsed.Milliseconds()))
	}
}

// Pending reports sessions still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

var _ metrics.Observer = (*LatencyObserver)(nil)
