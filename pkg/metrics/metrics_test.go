package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		async.RecordEvent(MetricsEvent{Name: EventAudioForwarded, Value: 160})
	}
	async.Close()
	if got := mem.Count(EventAudioForwarded); got != 10 {
		t.Fatalf("expected 10 events, got %d", got)
	}
	async.RecordEvent(MetricsEvent{Name: EventAudioForwarded})
	async.Close()
	if got := mem.Count(EventAudioForwarded); got != 10 {
		t.Fatalf("expected no events after close, got %d", got)
	}
}

type blockingObserver struct{ release chan struct{} }

func (b blockingObserver) RecordEvent(MetricsEvent) { <-b.release }

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	inner := blockingObserver{release: make(chan struct{})}
	async := NewAsyncObserver(inner, 1)
	for i := 0; i < 10; i++ {
		async.RecordEvent(MetricsEvent{Name: EventTranscript})
	}
	if async.Dropped() == 0 {
		t.Fatalf("expected drops with a full buffer")
	}
	close(inner.release)
	async.Close()
}

func TestAsyncObserverKeepsLifecycleEvents(t *testing.T) {
	release := make(chan struct{})
	mem := NewMemoryObserver()
	gate := gatedObserver{release: release, inner: mem}
	async := NewAsyncObserver(gate, 1)
	for i := 0; i < 5; i++ {
		async.RecordEvent(MetricsEvent{Name: EventAudioForwarded})
	}
	sent := make(chan struct{})
	go func() {
		async.RecordEvent(MetricsEvent{Name: EventSessionClosed})
		close(sent)
	}()
	close(release)
	<-sent
	async.Close()
	if got := mem.Count(EventSessionClosed); got != 1 {
		t.Fatalf("expected lifecycle event delivered, got %d", got)
	}
	if async.Delivered()+async.Dropped() != 6 {
		t.Fatalf("delivered=%d dropped=%d", async.Delivered(), async.Dropped())
	}
}

type gatedObserver struct {
	release chan struct{}
	inner   Observer
}

func (g gatedObserver) RecordEvent(ev MetricsEvent) {
	<-g.release
	g.inner.RecordEvent(ev)
}

func TestEventClasses(t *testing.T) {
	if !Lifecycle(EventSessionStarted) || Lifecycle(EventTranscript) {
		t.Fatalf("unexpected lifecycle classification")
	}
	if !PerFrame(EventAudioDropped) || PerFrame(EventSessionClosed) {
		t.Fatalf("unexpected per-frame classification")
	}
}

func TestPrometheusObserverCounts(t *testing.T) {
	p := NewPrometheusObserver()
	p.RecordEvent(MetricsEvent{Name: EventSessionStarted})
	p.RecordEvent(MetricsEvent{Name: EventSessionStarted})
	p.RecordEvent(MetricsEvent{Name: EventAudioForwarded, Value: 160})
	p.RecordEvent(MetricsEvent{Name: EventAudioForwarded, Value: 40})
	p.RecordEvent(MetricsEvent{Name: EventAudioDropped})
	p.RecordEvent(MetricsEvent{Name: EventDecodeError, Tags: map[string]string{"source": "inbound"}})
	p.RecordEvent(MetricsEvent{Name: EventOutboundAuthError})
	p.RecordEvent(MetricsEvent{Name: EventSessionClosed, Value: 3, Tags: map[string]string{"origin": "outbound"}})

	if got := testutil.ToFloat64(p.ActiveSessions); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(p.AudioBytesForwarded); got != 200 {
		t.Fatalf("expected 200 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(p.AudioFramesForward); got != 2 {
		t.Fatalf("expected 2 frames, got %v", got)
	}
	if got := testutil.ToFloat64(p.DecodeErrors.WithLabelValues("inbound")); got != 1 {
		t.Fatalf("expected 1 inbound decode error, got %v", got)
	}
	if got := testutil.ToFloat64(p.OutboundErrors.WithLabelValues("authentication")); got != 1 {
		t.Fatalf("expected 1 auth error, got %v", got)
	}
	if got := testutil.ToFloat64(p.SessionsClosed.WithLabelValues("outbound")); got != 1 {
		t.Fatalf("expected 1 outbound-initiated close, got %v", got)
	}
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	p := NewPrometheusObserver()
	p.RecordEvent(MetricsEvent{Name: EventTranscript})
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "streamrelay_transcripts_total 1") {
		t.Fatalf("expected transcripts counter in output, got:\n%s", body)
	}
}
