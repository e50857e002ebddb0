package bridge

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
	"github.com/harunnryd/streamrelay/pkg/frames"
	"github.com/harunnryd/streamrelay/pkg/logging"
	"github.com/harunnryd/streamrelay/pkg/metrics"
	"github.com/harunnryd/streamrelay/pkg/redact"
)

// State is the lifecycle position of a Bridge.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Origin names what initiated a teardown.
type Origin string

const (
	OriginInbound  Origin = "inbound"
	OriginOutbound Origin = "outbound"
	OriginShutdown Origin = "shutdown"
)

// InboundConn is the telephony side of a session.
type InboundConn interface {
	Close() error
}

const authGuidance = "check the transcription API key: verify it is set in the environment or .env file, has not expired, and has permission to use the streaming listen API"

// Options configures a Bridge.
type Options struct {
	ID        uint64
	TraceID   string
	Inbound   InboundConn
	Connector stt.Connector
	Logger    *slog.Logger
	Observer  metrics.Observer
	// ConnectTimeout bounds the outbound open. Zero leaves it unbounded.
	ConnectTimeout time.Duration
	// OnClosed runs once after the bridge reaches StateClosed.
	OnClosed func(*Bridge)
}

// Bridge couples one inbound connection to one outbound connection.
// Teardown of either side tears down the other; every close request is
// idempotent.
type Bridge struct {
	id             uint64
	traceID        string
	inbound        InboundConn
	connector      stt.Connector
	log            *slog.Logger
	obs            metrics.Observer
	connectTimeout time.Duration
	onClosed       func(*Bridge)

	mu            sync.Mutex
	state         State
	outbound      stt.Stream
	outboundReady bool
	streamSID     string
	callSID       string
	created       time.Time
	timer         *time.Timer

	ctx    context.Context
	cancel context.CancelFunc

	inboundOnce  sync.Once
	outboundOnce sync.Once
	done         chan struct{}
}

// New creates a bridge in StateConnecting. Call Start to open the outbound side.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewComponentLogger(slog.Default(), "bridge")
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Bridge{
		id:             opts.ID,
		traceID:        opts.TraceID,
		inbound:        opts.Inbound,
		connector:      opts.Connector,
		log:            logger.With(slog.Uint64("session_id", opts.ID), slog.String("trace_id", opts.TraceID)),
		obs:            obs,
		connectTimeout: opts.ConnectTimeout,
		onClosed:       opts.OnClosed,
		state:          StateConnecting,
		created:        time.Now(),
		done:           make(chan struct{}),
	}
}

func (b *Bridge) ID() uint64 { return b.id }

func (b *Bridge) TraceID() string { return b.traceID }

// Done is closed once the bridge reaches StateClosed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OutboundReady reports whether audio is currently being relayed.
func (b *Bridge) OutboundReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outboundReady
}

// Start requests the outbound connection. It returns immediately; the open
// completes on its own goroutine.
func (b *Bridge) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	if b.connectTimeout > 0 {
		b.timer = time.AfterFunc(b.connectTimeout, b.connectTimedOut)
	}
	b.mu.Unlock()

	b.log.Info("session_started", slog.String("connector", b.connector.Name()))
	b.record(metrics.EventSessionStarted, 0, nil)
	go b.connect()
}

func (b *Bridge) connect() {
	meta := stt.Meta{SessionID: b.id, TraceID: b.traceID}
	stream, err := b.connector.Connect(b.ctx, meta, b)
	if err != nil {
		b.OnOutboundError(err)
		return
	}
	b.OnOutboundOpened(stream)
}

// connectTimedOut fires from the open timer. The Connecting check and the
// move to Closing share one critical section with OnOutboundOpened.
func (b *Bridge) connectTimedOut() {
	c, ok := b.claimClose(true)
	if !ok {
		return
	}
	err := errorsx.Errorf(errorsx.ReasonSTTTimeout, "outbound open did not complete within %s", b.connectTimeout)
	b.log.Error("outbound_error", errorsx.Attrs(err)...)
	b.record(metrics.EventOutboundError, 0, nil)
	b.completeClose(c, OriginOutbound, "outbound_error")
}

// OnOutboundOpened moves Connecting to Active. A stream that opens after
// teardown began is closed right away.
func (b *Bridge) OnOutboundOpened(stream stt.Stream) {
	b.mu.Lock()
	if b.state != StateConnecting {
		state := b.state
		b.mu.Unlock()
		if stream != nil && state >= StateClosing {
			_ = stream.Close()
		}
		return
	}
	b.outbound = stream
	b.outboundReady = true
	b.state = StateActive
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	b.log.Info("outbound_opened", slog.String("connector", b.connector.Name()))
	b.record(metrics.EventSessionActive, 0, nil)
}

// OnInboundMessage decodes one inbound frame and forwards its audio when the
// outbound side is open. Audio that arrives while connecting is dropped.
func (b *Bridge) OnInboundMessage(raw []byte) {
	if b.State() == StateClosed {
		return
	}
	evt, err := frames.DecodeInbound(raw)
	if err != nil {
		b.log.Warn("inbound_decode_error", errorsx.Attrs(err)...)
		b.record(metrics.EventDecodeError, 0, map[string]string{"source": frames.SourceInbound})
		return
	}

	b.mu.Lock()
	if evt.Start != nil {
		b.streamSID = evt.Start.StreamSID
		b.callSID = evt.Start.CallSID
	}
	state := b.state
	out := b.outbound
	b.mu.Unlock()

	if !evt.HasPayload() {
		b.logLifecycleEvent(evt)
		return
	}
	switch state {
	case StateActive:
	case StateConnecting:
		b.log.Debug("audio_dropped_not_ready", slog.Int("size_bytes", len(evt.Payload)))
		b.record(metrics.EventAudioDropped, float64(len(evt.Payload)), nil)
		return
	default:
		return
	}

	if err := out.Send(frames.EncodeOutboundAudio(evt.Payload)); err != nil {
		b.OnOutboundError(errorsx.Wrap(err, errorsx.ReasonSTTSend))
		return
	}
	b.record(metrics.EventAudioForwarded, float64(len(evt.Payload)), nil)
}

func (b *Bridge) logLifecycleEvent(evt frames.MediaEvent) {
	switch evt.Name {
	case frames.EventStart:
		attrs := []any{}
		if evt.Start != nil {
			attrs = append(attrs,
				slog.String("stream_sid", evt.Start.StreamSID),
				slog.String("call_sid", evt.Start.CallSID),
				slog.String("encoding", evt.Start.Encoding),
				slog.Int("sample_rate", evt.Start.SampleRate))
		}
		b.log.Info("media_stream_started", attrs...)
	case frames.EventStop:
		b.log.Info("media_stream_stopped", slog.String("stream_sid", evt.StreamSID))
	default:
		b.log.Debug("inbound_event_ignored", slog.String("event", evt.Name))
	}
}

// OnOutboundMessage logs the first non-empty alternative of a transcript.
func (b *Bridge) OnOutboundMessage(raw []byte) {
	if b.State() == StateClosed {
		return
	}
	evt, err := frames.DecodeTranscript(raw)
	if err != nil {
		b.log.Warn("transcript_decode_error", errorsx.Attrs(err)...)
		b.record(metrics.EventDecodeError, 0, map[string]string{"source": frames.SourceTranscript})
		return
	}
	text := evt.Text()
	if text == "" {
		return
	}
	b.mu.Lock()
	streamSID := b.streamSID
	b.mu.Unlock()
	b.log.Info("transcription",
		redact.String("text", text),
		slog.Bool("is_final", evt.IsFinal),
		slog.Bool("speech_final", evt.SpeechFinal),
		slog.String("stream_sid", streamSID))
	b.record(metrics.EventTranscript, 0, nil)
}

// OnInboundClosed tears the session down after the inbound side closed.
func (b *Bridge) OnInboundClosed() {
	b.beginClose(OriginInbound, "inbound_closed")
}

// OnInboundError tears the session down after an inbound transport failure.
func (b *Bridge) OnInboundError(err error) {
	err = errorsx.Wrap(err, errorsx.ReasonInboundConnection)
	if b.State() >= StateClosing {
		b.log.Debug("inbound_error_during_teardown", slog.String("error", err.Error()))
	} else {
		b.log.Error("inbound_error", errorsx.Attrs(err)...)
	}
	b.beginClose(OriginInbound, "inbound_error")
}

// OnOutboundClosed tears the session down after the backend closed.
func (b *Bridge) OnOutboundClosed(code int, reason string) {
	if b.State() < StateClosing {
		b.log.Info("outbound_closed", slog.Int("code", code), slog.String("reason", reason))
	}
	b.beginClose(OriginOutbound, "outbound_closed")
}

// OnOutboundError tears the session down after a backend failure.
// Authentication failures are reported separately with remediation guidance.
func (b *Bridge) OnOutboundError(err error) {
	err = errorsx.Wrap(err, errorsx.ReasonOutboundConnection)
	if b.State() >= StateClosing {
		b.log.Debug("outbound_error_during_teardown", slog.String("error", err.Error()))
		b.beginClose(OriginOutbound, "outbound_error")
		return
	}
	if errorsx.IsAuth(err) {
		b.log.Error("outbound_auth_error", append(errorsx.Attrs(err), slog.String("hint", authGuidance))...)
		b.record(metrics.EventOutboundAuthError, 0, nil)
	} else {
		b.log.Error("outbound_error", errorsx.Attrs(err)...)
		b.record(metrics.EventOutboundError, 0, nil)
	}
	b.beginClose(OriginOutbound, "outbound_error")
}

// Close tears the session down on process shutdown.
func (b *Bridge) Close() error {
	b.beginClose(OriginShutdown, "shutdown")
	return nil
}

func (b *Bridge) beginClose(origin Origin, cause string) {
	c, ok := b.claimClose(false)
	if !ok {
		return
	}
	b.completeClose(c, origin, cause)
}

type closeClaim struct {
	from   State
	out    stt.Stream
	cancel context.CancelFunc
}

// claimClose moves the bridge to Closing. With connectingOnly set it only
// succeeds from Connecting.
func (b *Bridge) claimClose(connectingOnly bool) (closeClaim, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state >= StateClosing || (connectingOnly && b.state != StateConnecting) {
		return closeClaim{}, false
	}
	c := closeClaim{from: b.state, out: b.outbound, cancel: b.cancel}
	b.state = StateClosing
	b.outboundReady = false
	if b.timer != nil {
		b.timer.Stop()
	}
	return c, true
}

func (b *Bridge) completeClose(c closeClaim, origin Origin, cause string) {
	b.log.Info("session_closing",
		slog.String("origin", string(origin)),
		slog.String("cause", cause),
		slog.String("from_state", c.from.String()))

	if c.cancel != nil {
		c.cancel()
	}
	b.closeInbound()
	if c.out != nil {
		b.closeOutbound(c.out)
	}
	b.finish(origin)
}

func (b *Bridge) closeInbound() {
	b.inboundOnce.Do(func() {
		if b.inbound == nil {
			return
		}
		if err := b.inbound.Close(); err != nil {
			b.log.Debug("inbound_close_error", slog.String("error", err.Error()))
		}
	})
}

func (b *Bridge) closeOutbound(out stt.Stream) {
	b.outboundOnce.Do(func() {
		if err := out.Close(); err != nil {
			b.log.Debug("outbound_close_error", slog.String("error", err.Error()))
		}
	})
}

func (b *Bridge) finish(origin Origin) {
	b.mu.Lock()
	b.state = StateClosed
	duration := time.Since(b.created)
	b.mu.Unlock()

	b.log.Info("session_closed",
		slog.String("origin", string(origin)),
		slog.Duration("duration", duration))
	b.record(metrics.EventSessionClosed, duration.Seconds(), map[string]string{"origin": string(origin)})
	close(b.done)
	if b.onClosed != nil {
		b.onClosed(b)
	}
}

func (b *Bridge) record(name string, value float64, tags map[string]string) {
	if tags == nil {
		tags = make(map[string]string, 2)
	}
	tags["session_id"] = strconv.FormatUint(b.id, 10)
	if b.traceID != "" {
		tags["trace_id"] = b.traceID
	}
	b.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}

var _ stt.Handler = (*Bridge)(nil)
