package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver maps relay events onto Prometheus collectors.
type PrometheusObserver struct {
	registry *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	SessionsStarted     prometheus.Counter
	SessionsClosed      *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	AudioFramesForward  prometheus.Counter
	AudioBytesForwarded prometheus.Counter
	AudioFramesDropped  prometheus.Counter
	Transcripts         prometheus.Counter
	DecodeErrors        *prometheus.CounterVec
	OutboundErrors      *prometheus.CounterVec
}

// NewPrometheusObserver registers the relay collectors on a fresh registry.
func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamrelay_active_sessions",
			Help: "Current number of bridged sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_sessions_started_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_sessions_closed_total",
			Help: "Total number of sessions closed, by the side that initiated teardown",
		}, []string{"origin"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamrelay_session_duration_seconds",
			Help:    "Duration of bridged sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		AudioFramesForward: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_audio_frames_forwarded_total",
			Help: "Audio frames relayed to the transcription backend",
		}),
		AudioBytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_audio_bytes_forwarded_total",
			Help: "Audio bytes relayed to the transcription backend",
		}),
		AudioFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_audio_frames_dropped_total",
			Help: "Audio frames dropped because the outbound connection was not open",
		}),
		Transcripts: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_transcripts_total",
			Help: "Non-empty transcripts received",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_decode_errors_total",
			Help: "Messages dropped because they could not be decoded",
		}, []string{"source"}),
		OutboundErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_outbound_errors_total",
			Help: "Outbound connection failures by kind",
		}, []string{"kind"}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionStarted:
		p.SessionsStarted.Inc()
		p.ActiveSessions.Inc()
	case EventSessionClosed:
		p.ActiveSessions.Dec()
		p.SessionsClosed.WithLabelValues(tagOr(ev.Tags, "origin", "unknown")).Inc()
		if ev.Value > 0 {
			p.SessionDuration.Observe(ev.Value)
		}
	case EventAudioForwarded:
		p.AudioFramesForward.Inc()
		p.AudioBytesForwarded.Add(ev.Value)
	case EventAudioDropped:
		p.AudioFramesDropped.Inc()
	case EventTranscript:
		p.Transcripts.Inc()
	case EventDecodeError:
		p.DecodeErrors.WithLabelValues(tagOr(ev.Tags, "source", "unknown")).Inc()
	case EventOutboundError:
		p.OutboundErrors.WithLabelValues("connection").Inc()
	case EventOutboundAuthError:
		p.OutboundErrors.WithLabelValues("authentication").Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (p *PrometheusObserver) Registry() *prometheus.Registry {
	return p.registry
}

func tagOr(tags map[string]string, key, fallback string) string {
	if v := tags[key]; v != "" {
		return v
	}
	return fallback
}
