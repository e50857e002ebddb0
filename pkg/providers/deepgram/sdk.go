package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/configutil"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
	"github.com/harunnryd/streamrelay/pkg/logging"
)

// SDKConnector opens live transcription streams through deepgram-go-sdk.
// The url setting is ignored; the host setting selects the endpoint.
type SDKConnector struct {
	settings Settings
	format   stt.AudioFormat
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

func NewSDKConnector(settings Settings, format stt.AudioFormat, logger *slog.Logger) *SDKConnector {
	return &SDKConnector{
		settings: settings,
		format:   format,
		dialer:   &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 15 * time.Second},
		logger:   logging.NewComponentLogger(logger, "deepgram_sdk_stt"),
	}
}

func (c *SDKConnector) Name() string { return "deepgram_sdk" }

func (c *SDKConnector) transcriptionOptions() *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          c.settings.Model,
		Language:       c.settings.Language,
		Encoding:       c.format.Encoding,
		SampleRate:     c.format.SampleRate,
		Channels:       c.format.Channels,
		SmartFormat:    configutil.BoolValue(c.settings.SmartFormat, false),
		Punctuate:      configutil.BoolValue(c.settings.Punctuate, false),
		InterimResults: configutil.BoolValue(c.settings.InterimResults, false),
	}
}

func (c *SDKConnector) Connect(ctx context.Context, meta stt.Meta, h stt.Handler) (stt.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := c.logger.With(slog.Uint64("session_id", meta.SessionID), slog.String("trace_id", meta.TraceID))
	streamCtx, cancel := context.WithCancel(ctx)

	cb := &sdkCallback{h: h, log: log}
	clientOptions := &interfaces.ClientOptions{
		Host:            c.settings.Host,
		EnableKeepAlive: c.settings.KeepAlive() > 0,
	}
	dgClient, err := client.NewWSUsingCallback(streamCtx, c.settings.APIKey, clientOptions, c.transcriptionOptions(), cb)
	if err != nil {
		cancel()
		return nil, errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram client: %w", err)
	}
	if ok := dgClient.Connect(); !ok {
		cancel()
		return nil, c.connectFailure(ctx, cb)
	}
	cb.opened.Store(true)
	log.Info("deepgram_connected", slog.String("binding", "sdk"), slog.String("model", c.settings.Model))

	pr, pw := io.Pipe()
	s := &sdkStream{client: dgClient, cancel: cancel, pw: pw, cb: cb}
	go func() {
		err := dgClient.Stream(pr)
		if err != nil && !s.closing.Load() && !errors.Is(err, io.ErrClosedPipe) {
			h.OnOutboundError(errorsx.Errorf(errorsx.ReasonOutboundConnection, "deepgram stream: %w", err))
		}
	}()
	go func() {
		<-streamCtx.Done()
		_ = s.Close()
	}()
	return s, nil
}

type sdkStream struct {
	client  *client.WSCallback
	cancel  context.CancelFunc
	pw      *io.PipeWriter
	cb      *sdkCallback
	closing atomic.Bool
	once    sync.Once
}

func (s *sdkStream) Send(audio []byte) error {
	if s.closing.Load() {
		return errorsx.Errorf(errorsx.ReasonSTTSend, "deepgram stream closed")
	}
	if _, err := s.pw.Write(audio); err != nil {
		return errorsx.Errorf(errorsx.ReasonSTTSend, "deepgram send: %w", err)
	}
	return nil
}

func (s *sdkStream) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.cb.closing.Store(true)
		_ = s.pw.Close()
		s.client.Stop()
		s.cancel()
	})
	return nil
}

// sdkCallback adapts the SDK callback set onto stt.Handler. Errors seen
// before the connection opens are held so Connect can classify them.
type sdkCallback struct {
	h   stt.Handler
	log *slog.Logger

	opened  atomic.Bool
	closing atomic.Bool

	mu      sync.Mutex
	lastErr *msginterfaces.ErrorResponse
}

// connectFailure classifies a refused SDK connect. The SDK swallows the
// handshake response, so when no error callback arrived the handshake is
// replayed once over gorilla to read the status.
func (c *SDKConnector) connectFailure(ctx context.Context, cb *sdkCallback) error {
	if err := ctx.Err(); err != nil {
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram connect: %w", err)
	}
	if cb.hasError() {
		return cb.connectError()
	}
	target, err := Settings{
		URL:            hostListenURL(c.settings.Host),
		Model:          c.settings.Model,
		Language:       c.settings.Language,
		SmartFormat:    c.settings.SmartFormat,
		Punctuate:      c.settings.Punctuate,
		InterimResults: c.settings.InterimResults,
	}.ListenURL(c.format)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram connection failed: %w", err)
	}
	conn, _, err := dialListen(ctx, c.dialer, target, c.settings.APIKey)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram connection failed")
}

func (c *sdkCallback) hasError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr != nil
}

func (c *sdkCallback) connectError() error {
	c.mu.Lock()
	last := c.lastErr
	c.mu.Unlock()
	if last == nil {
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}
	if isAuthError(last) {
		return errorsx.Errorf(errorsx.ReasonSTTAuth, "deepgram rejected credentials: %s %s", last.ErrCode, last.ErrMsg)
	}
	return errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram connection failed: %s %s", last.ErrCode, last.ErrMsg)
}

func isAuthError(er *msginterfaces.ErrorResponse) bool {
	text := strings.ToUpper(er.ErrCode + " " + er.ErrMsg)
	return strings.Contains(text, "401") ||
		strings.Contains(text, "403") ||
		strings.Contains(text, "UNAUTHORIZED") ||
		strings.Contains(text, "INVALID_AUTH")
}

func (c *sdkCallback) Open(*msginterfaces.OpenResponse) error {
	c.log.Debug("deepgram_connection_opened")
	return nil
}

func (c *sdkCallback) Message(mr *msginterfaces.MessageResponse) error {
	raw, err := json.Marshal(mr)
	if err != nil {
		c.log.Warn("deepgram_message_encode_failed", slog.String("error", err.Error()))
		return nil
	}
	c.h.OnOutboundMessage(raw)
	return nil
}

func (c *sdkCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.log.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *sdkCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *sdkCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (c *sdkCallback) Close(*msginterfaces.CloseResponse) error {
	if c.opened.Load() {
		c.h.OnOutboundClosed(1000, "")
	}
	return nil
}

func (c *sdkCallback) Error(er *msginterfaces.ErrorResponse) error {
	if er == nil {
		return nil
	}
	if !c.opened.Load() {
		c.mu.Lock()
		c.lastErr = er
		c.mu.Unlock()
		return nil
	}
	if c.closing.Load() {
		return nil
	}
	reason := errorsx.ReasonOutboundConnection
	if isAuthError(er) {
		reason = errorsx.ReasonSTTAuth
	}
	c.h.OnOutboundError(errorsx.Errorf(reason, "deepgram error: %s %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *sdkCallback) UnhandledEvent(byData []byte) error {
	c.log.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

var (
	_ stt.Connector                     = (*SDKConnector)(nil)
	_ stt.Stream                        = (*sdkStream)(nil)
	_ msginterfaces.LiveMessageCallback = (*sdkCallback)(nil)
)
