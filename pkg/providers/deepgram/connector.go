package deepgram

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
	"github.com/harunnryd/streamrelay/pkg/logging"
)

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

const closeWriteTimeout = time.Second

// Connector opens Deepgram live transcription sockets over gorilla/websocket.
type Connector struct {
	settings Settings
	format   stt.AudioFormat
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

func NewConnector(settings Settings, format stt.AudioFormat, logger *slog.Logger) *Connector {
	return &Connector{
		settings: settings,
		format:   format,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logging.NewComponentLogger(logger, "deepgram_stt"),
	}
}

func (c *Connector) Name() string { return "deepgram" }

func (c *Connector) Connect(ctx context.Context, meta stt.Meta, h stt.Handler) (stt.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := c.settings.ListenURL(c.format)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	log := c.logger.With(slog.Uint64("session_id", meta.SessionID), slog.String("trace_id", meta.TraceID))

	conn, resp, err := dialListen(ctx, c.dialer, target, c.settings.APIKey)
	if err != nil {
		return nil, err
	}

	log.Info("deepgram_connected",
		slog.String("host", hostOf(target)),
		slog.String("request_id", resp.Header.Get("dg-request-id")))

	s := &stream{
		conn: conn,
		h:    h,
		log:  log,
		done: make(chan struct{}),
	}
	go s.readLoop()
	if interval := c.settings.KeepAlive(); interval > 0 {
		go s.keepAlive(interval)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// dialListen opens the listen socket. A 401 or 403 handshake response is
// reported with reason stt_auth, anything else with stt_connect.
func dialListen(ctx context.Context, dialer *websocket.Dialer, target, apiKey string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+apiKey)
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err == nil {
		return conn, resp, nil
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return nil, resp, errorsx.Errorf(errorsx.ReasonSTTAuth, "deepgram handshake rejected: status %d %s", resp.StatusCode, strings.TrimSpace(resp.Header.Get("dg-error")))
	}
	if resp != nil {
		return nil, resp, errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram handshake failed: status %d: %w", resp.StatusCode, err)
	}
	return nil, nil, errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram dial: %w", err)
}

type stream struct {
	conn *websocket.Conn
	h    stt.Handler
	log  *slog.Logger

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *stream) Send(audio []byte) error {
	if s.closing.Load() {
		return errorsx.Errorf(errorsx.ReasonSTTSend, "deepgram stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return errorsx.Errorf(errorsx.ReasonSTTSend, "deepgram send: %w", err)
	}
	return nil
}

// Close asks Deepgram to finish the stream, then closes the socket.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = s.conn.WriteMessage(websocket.TextMessage, closeStreamMsg)
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		err = s.conn.Close()
		s.log.Debug("deepgram_closed")
	})
	return err
}

func (s *stream) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case s.closing.Load():
				s.h.OnOutboundClosed(websocket.CloseNormalClosure, "")
			case errors.As(err, &closeErr):
				s.h.OnOutboundClosed(closeErr.Code, closeErr.Text)
			default:
				s.h.OnOutboundError(errorsx.Errorf(errorsx.ReasonOutboundConnection, "deepgram read: %w", err))
			}
			return
		}
		// Binary frames carry the same JSON as text frames.
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.h.OnOutboundMessage(data)
	}
}

func (s *stream) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, keepAliveMsg)
			s.writeMu.Unlock()
			if err != nil {
				s.log.Debug("deepgram_keepalive_failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

var (
	_ stt.Connector = (*Connector)(nil)
	_ stt.Stream    = (*stream)(nil)
)
