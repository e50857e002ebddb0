package metrics

import "time"

// Event names recorded by the relay.
const (
	EventSessionStarted    = "session_started"
	EventSessionActive     = "session_active"
	EventSessionClosed     = "session_closed"
	EventAudioForwarded    = "audio_forwarded"
	EventAudioDropped      = "audio_dropped"
	EventTranscript        = "transcript"
	EventDecodeError       = "decode_error"
	EventOutboundError     = "outbound_error"
	EventOutboundAuthError = "outbound_auth_error"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Lifecycle reports whether name marks a session state change.
func Lifecycle(name string) bool {
	switch name {
	case EventSessionStarted, EventSessionActive, EventSessionClosed:
		return true
	}
	return false
}

// PerFrame reports whether name is recorded once per audio frame.
func PerFrame(name string) bool {
	return name == EventAudioForwarded || name == EventAudioDropped
}
