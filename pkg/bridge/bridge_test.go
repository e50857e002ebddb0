package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
	"github.com/harunnryd/streamrelay/pkg/metrics"
	"github.com/harunnryd/streamrelay/pkg/providers/mock"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(s.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func (s *syncBuffer) withMsg(t *testing.T, msg string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, rec := range s.records(t) {
		if rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

type fakeInbound struct {
	mu     sync.Mutex
	calls  int
	closed chan struct{}
}

func newFakeInbound() *fakeInbound {
	return &fakeInbound{closed: make(chan struct{})}
}

func (f *fakeInbound) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		close(f.closed)
	}
	return nil
}

func (f *fakeInbound) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	bridge    *Bridge
	inbound   *fakeInbound
	connector *mock.Connector
	logs      *syncBuffer
	obs       *metrics.MemoryObserver
}

func newHarness(t *testing.T, cfg mock.STTConfig, timeout time.Duration) *harness {
	t.Helper()
	logs := &syncBuffer{}
	h := &harness{
		inbound:   newFakeInbound(),
		connector: mock.NewSTT(cfg),
		logs:      logs,
		obs:       metrics.NewMemoryObserver(),
	}
	h.bridge = New(Options{
		ID:             1,
		TraceID:        "trace-1",
		Inbound:        h.inbound,
		Connector:      h.connector,
		Logger:         slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Observer:       h.obs,
		ConnectTimeout: timeout,
	})
	return h
}

func (h *harness) startActive(t *testing.T) *mock.Stream {
	t.Helper()
	h.bridge.Start(context.Background())
	var stream *mock.Stream
	select {
	case stream = <-h.connector.Connected():
	case <-time.After(time.Second):
		t.Fatalf("outbound connect not attempted")
	}
	waitState(t, h.bridge, StateActive)
	return stream
}

func waitState(t *testing.T, b *Bridge, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, b.State())
}

func waitDone(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatalf("bridge did not close, state %s", b.State())
	}
}

func mediaMsg(payload []byte) []byte {
	return []byte(`{"event":"media","streamSid":"MZ1","media":{"payload":"` + base64.StdEncoding.EncodeToString(payload) + `"}}`)
}

func TestForwardsMediaPayloadWhenActive(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	h.bridge.OnInboundMessage(mediaMsg([]byte{0x01, 0x02, 0x03}))

	sent := stream.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(sent))
	}
	if !bytes.Equal(sent[0], []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("unexpected frame %v", sent[0])
	}
	if !h.bridge.OutboundReady() {
		t.Fatalf("expected outbound ready")
	}
}

func TestForwardsInArrivalOrder(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	want := [][]byte{{0x10}, {0x20, 0x21}, {0x30, 0x31, 0x32}}
	for _, p := range want {
		h.bridge.OnInboundMessage(mediaMsg(p))
	}
	sent := stream.Sent()
	if len(sent) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(sent))
	}
	for i := range want {
		if !bytes.Equal(sent[i], want[i]) {
			t.Fatalf("frame %d: got %v want %v", i, sent[i], want[i])
		}
	}
}

func TestNonMediaEventsAreNotForwarded(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	for _, raw := range []string{
		`{"event":"connected","protocol":"Call"}`,
		`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`,
		`{"event":"media","media":{}}`,
		`{"event":"mark","mark":{"name":"m"}}`,
	} {
		h.bridge.OnInboundMessage([]byte(raw))
	}
	if n := len(stream.Sent()); n != 0 {
		t.Fatalf("expected no forwarding, got %d frames", n)
	}
	if h.bridge.State() != StateActive {
		t.Fatalf("expected still active, got %s", h.bridge.State())
	}
	if len(h.logs.withMsg(t, "media_stream_started")) != 1 {
		t.Fatalf("expected start event to be logged")
	}
}

func TestDropsAudioWhileConnecting(t *testing.T) {
	h := newHarness(t, mock.STTConfig{Hold: true}, 0)
	h.bridge.Start(context.Background())

	h.bridge.OnInboundMessage(mediaMsg([]byte{0xAA}))
	if h.bridge.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", h.bridge.State())
	}
	if got := h.obs.Count(metrics.EventAudioDropped); got != 1 {
		t.Fatalf("expected one dropped frame, got %d", got)
	}

	h.connector.Release()
	stream := <-h.connector.Connected()
	waitState(t, h.bridge, StateActive)
	h.bridge.OnInboundMessage(mediaMsg([]byte{0xBB}))

	sent := stream.Sent()
	if len(sent) != 1 || !bytes.Equal(sent[0], []byte{0xBB}) {
		t.Fatalf("expected only post-open audio, got %v", sent)
	}
}

func TestMalformedInboundIsLoggedWithoutStateChange(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	h.bridge.OnInboundMessage([]byte(`{not json`))
	h.bridge.OnInboundMessage([]byte(`{"event":"media","media":{"payload":"%%%"}}`))

	if h.bridge.State() != StateActive {
		t.Fatalf("expected active after decode errors, got %s", h.bridge.State())
	}
	recs := h.logs.withMsg(t, "inbound_decode_error")
	if len(recs) != 2 {
		t.Fatalf("expected two decode error logs, got %d", len(recs))
	}
	if recs[0]["error_kind"] != string(errorsx.KindDecode) {
		t.Fatalf("expected DecodeError kind, got %v", recs[0]["error_kind"])
	}
	if len(stream.Sent()) != 0 {
		t.Fatalf("expected nothing forwarded")
	}
	if h.inbound.Calls() != 0 || stream.CloseCalls() != 0 {
		t.Fatalf("decode errors must not close connections")
	}
}

func TestTranscriptIsLogged(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	stream.Emit([]byte(`{"channel":{"alternatives":[{"transcript":"hello world"}]}}`))

	recs := h.logs.withMsg(t, "transcription")
	if len(recs) != 1 {
		t.Fatalf("expected one transcription record, got %d", len(recs))
	}
	if recs[0]["text"] != "hello world" {
		t.Fatalf("expected hello world, got %v", recs[0]["text"])
	}
	if recs[0]["session_id"] != float64(1) {
		t.Fatalf("expected session_id on record, got %v", recs[0]["session_id"])
	}
}

func TestEmptyAlternativesAreSkipped(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	stream.Emit([]byte(`{"channel":{"alternatives":[]}}`))
	stream.Emit([]byte(`{"channel":{"alternatives":[{"transcript":""}]}}`))
	stream.Emit([]byte(`{"type":"UtteranceEnd","channel":[0,1],"last_word_end":1.5}`))

	if n := len(h.logs.withMsg(t, "transcription")); n != 0 {
		t.Fatalf("expected no transcription records, got %d", n)
	}
	if n := len(h.logs.withMsg(t, "transcript_decode_error")); n != 0 {
		t.Fatalf("expected no decode errors, got %d", n)
	}
	if h.bridge.State() != StateActive {
		t.Fatalf("expected active, got %s", h.bridge.State())
	}
}

func TestMalformedTranscriptIsLoggedOnly(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	stream.Emit([]byte(`{"channel":`))

	if n := len(h.logs.withMsg(t, "transcript_decode_error")); n != 1 {
		t.Fatalf("expected one decode error record, got %d", n)
	}
	if h.bridge.State() != StateActive {
		t.Fatalf("expected active, got %s", h.bridge.State())
	}
}

func TestOutboundErrorClosesInbound(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	stream.Fail(errors.New("connection reset by peer"))
	waitDone(t, h.bridge)

	if h.bridge.State() != StateClosed {
		t.Fatalf("expected closed, got %s", h.bridge.State())
	}
	if h.inbound.Calls() != 1 {
		t.Fatalf("expected inbound close request, got %d", h.inbound.Calls())
	}
	recs := h.logs.withMsg(t, "outbound_error")
	if len(recs) != 1 || recs[0]["error_kind"] != string(errorsx.KindConnection) {
		t.Fatalf("expected one ConnectionError record, got %v", recs)
	}
}

func TestOutboundCloseClosesInbound(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	stream.Hangup(1011, "internal error")
	waitDone(t, h.bridge)

	if h.inbound.Calls() != 1 {
		t.Fatalf("expected inbound close request, got %d", h.inbound.Calls())
	}
	recs := h.logs.withMsg(t, "outbound_closed")
	if len(recs) != 1 || recs[0]["code"] != float64(1011) {
		t.Fatalf("expected outbound_closed with code, got %v", recs)
	}
}

func TestInboundCloseClosesOutbound(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	h.bridge.OnInboundClosed()
	waitDone(t, h.bridge)

	select {
	case <-stream.Closed():
	default:
		t.Fatalf("expected outbound close request")
	}
	if h.bridge.OutboundReady() {
		t.Fatalf("readiness must drop on teardown")
	}
}

func TestInboundErrorClosesOutbound(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	h.bridge.OnInboundError(errors.New("read: connection reset"))
	waitDone(t, h.bridge)

	if stream.CloseCalls() != 1 {
		t.Fatalf("expected one outbound close, got %d", stream.CloseCalls())
	}
	recs := h.logs.withMsg(t, "inbound_error")
	if len(recs) != 1 || recs[0]["reason_code"] != string(errorsx.ReasonInboundConnection) {
		t.Fatalf("expected inbound_error record, got %v", recs)
	}
}

func TestClosePathsAreIdempotent(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)

	h.bridge.OnInboundClosed()
	h.bridge.OnInboundClosed()
	h.bridge.OnOutboundClosed(1000, "")
	h.bridge.OnOutboundError(errors.New("late"))
	_ = h.bridge.Close()
	waitDone(t, h.bridge)

	if h.inbound.Calls() != 1 {
		t.Fatalf("expected one inbound close, got %d", h.inbound.Calls())
	}
	if stream.CloseCalls() != 1 {
		t.Fatalf("expected one outbound close, got %d", stream.CloseCalls())
	}
	if n := h.obs.Count(metrics.EventSessionClosed); n != 1 {
		t.Fatalf("expected one session_closed event, got %d", n)
	}
	if n := len(h.logs.withMsg(t, "session_closing")); n != 1 {
		t.Fatalf("expected one transition to closing, got %d", n)
	}
}

func TestMessagesAfterClosedAreDropped(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	stream := h.startActive(t)
	_ = h.bridge.Close()
	waitDone(t, h.bridge)

	h.bridge.OnInboundMessage(mediaMsg([]byte{0x01}))
	h.bridge.OnOutboundMessage([]byte(`{"channel":{"alternatives":[{"transcript":"late"}]}}`))

	if len(stream.Sent()) != 0 {
		t.Fatalf("expected nothing forwarded after close")
	}
	if n := len(h.logs.withMsg(t, "transcription")); n != 0 {
		t.Fatalf("expected no transcript after close, got %d", n)
	}
}

func TestAuthFailureBeforeMedia(t *testing.T) {
	authErr := errorsx.Errorf(errorsx.ReasonSTTAuth, "deepgram handshake rejected: status 401")
	h := newHarness(t, mock.STTConfig{ConnectErr: authErr}, 0)
	h.bridge.Start(context.Background())
	waitDone(t, h.bridge)

	if h.bridge.State() != StateClosed {
		t.Fatalf("expected closed, got %s", h.bridge.State())
	}
	if h.inbound.Calls() != 1 {
		t.Fatalf("expected inbound close request, got %d", h.inbound.Calls())
	}
	recs := h.logs.withMsg(t, "outbound_auth_error")
	if len(recs) != 1 {
		t.Fatalf("expected one outbound_auth_error record, got %d", len(recs))
	}
	if recs[0]["error_kind"] != string(errorsx.KindAuthentication) {
		t.Fatalf("expected AuthenticationError kind, got %v", recs[0]["error_kind"])
	}
	if hint, _ := recs[0]["hint"].(string); !strings.Contains(hint, "API key") {
		t.Fatalf("expected remediation hint, got %q", hint)
	}
	if n := len(h.logs.withMsg(t, "outbound_error")); n != 0 {
		t.Fatalf("auth failure must not be logged as a generic error")
	}
	if h.obs.Count(metrics.EventOutboundAuthError) != 1 {
		t.Fatalf("expected auth metric")
	}
}

func TestGenericConnectFailureIsNotAuth(t *testing.T) {
	h := newHarness(t, mock.STTConfig{ConnectErr: errors.New("dial tcp: connection refused")}, 0)
	h.bridge.Start(context.Background())
	waitDone(t, h.bridge)

	if n := len(h.logs.withMsg(t, "outbound_auth_error")); n != 0 {
		t.Fatalf("generic failure must not be classified as auth")
	}
	recs := h.logs.withMsg(t, "outbound_error")
	if len(recs) != 1 || recs[0]["error_kind"] != string(errorsx.KindConnection) {
		t.Fatalf("expected ConnectionError record, got %v", recs)
	}
}

func TestInboundCloseWhileConnectingAbortsOpen(t *testing.T) {
	h := newHarness(t, mock.STTConfig{Hold: true}, 0)
	h.bridge.Start(context.Background())

	h.bridge.OnInboundClosed()
	waitDone(t, h.bridge)

	if len(h.connector.Streams()) != 0 {
		t.Fatalf("expected open attempt to be abandoned")
	}
	if n := len(h.logs.withMsg(t, "outbound_error")); n != 0 {
		t.Fatalf("aborted open must not be reported as an error")
	}
}

func TestLateOpenAfterCloseIsClosed(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, 0)
	_ = h.bridge.Close()
	waitDone(t, h.bridge)

	stream, err := h.connector.Connect(context.Background(), stt.Meta{SessionID: 1}, h.bridge)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.bridge.OnOutboundOpened(stream)

	if stream.(*mock.Stream).CloseCalls() != 1 {
		t.Fatalf("expected late stream to be closed")
	}
	if h.bridge.State() != StateClosed {
		t.Fatalf("expected closed to be terminal, got %s", h.bridge.State())
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, mock.STTConfig{Hold: true}, 20*time.Millisecond)
	h.bridge.Start(context.Background())
	waitDone(t, h.bridge)

	recs := h.logs.withMsg(t, "outbound_error")
	if len(recs) != 1 || recs[0]["reason_code"] != string(errorsx.ReasonSTTTimeout) {
		t.Fatalf("expected timeout error record, got %v", recs)
	}
	if h.inbound.Calls() != 1 {
		t.Fatalf("expected inbound close request")
	}
}

func TestConnectTimeoutAfterOpenIsIgnored(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, time.Hour)
	stream := h.startActive(t)

	h.bridge.connectTimedOut()

	if h.bridge.State() != StateActive {
		t.Fatalf("expected active session to survive a late timer, got %s", h.bridge.State())
	}
	if stream.CloseCalls() != 0 || h.inbound.Calls() != 0 {
		t.Fatalf("late timer must not tear the session down")
	}
	if n := len(h.logs.withMsg(t, "outbound_error")); n != 0 {
		t.Fatalf("late timer must not log a connect timeout")
	}
}

func TestOpenAfterConnectTimeoutIsClosed(t *testing.T) {
	h := newHarness(t, mock.STTConfig{Hold: true}, time.Hour)
	h.bridge.Start(context.Background())

	h.bridge.connectTimedOut()
	waitDone(t, h.bridge)

	stream, err := mock.NewSTT(mock.STTConfig{}).Connect(context.Background(), stt.Meta{SessionID: 1}, h.bridge)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.bridge.OnOutboundOpened(stream)
	if stream.(*mock.Stream).CloseCalls() != 1 {
		t.Fatalf("stream opened after timeout must be closed")
	}
	if h.bridge.State() != StateClosed {
		t.Fatalf("expected closed, got %s", h.bridge.State())
	}
	recs := h.logs.withMsg(t, "outbound_error")
	if len(recs) != 1 || recs[0]["reason_code"] != string(errorsx.ReasonSTTTimeout) {
		t.Fatalf("expected one timeout record, got %v", recs)
	}
}

func TestOnClosedCallbackRunsOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	b := New(Options{
		ID:        9,
		Inbound:   newFakeInbound(),
		Connector: mock.NewSTT(mock.STTConfig{}),
		OnClosed: func(*Bridge) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	_ = b.Close()
	_ = b.Close()
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one OnClosed call, got %d", calls)
	}
}

func TestMockTranscriptEndToEnd(t *testing.T) {
	h := newHarness(t, mock.STTConfig{Transcript: "offline transcript"}, 0)
	h.startActive(t)
	h.bridge.OnInboundMessage(mediaMsg([]byte{0x01}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(h.logs.withMsg(t, "transcription")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected transcript from mock connector")
}

func TestStateString(t *testing.T) {
	if StateConnecting.String() != "connecting" || StateClosed.String() != "closed" {
		t.Fatalf("unexpected state names")
	}
}
