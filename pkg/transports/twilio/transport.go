package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/bridge"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
	"github.com/harunnryd/streamrelay/pkg/logging"
	"github.com/harunnryd/streamrelay/pkg/metrics"
	"github.com/harunnryd/streamrelay/pkg/transports"
)

type Config struct {
	ServerAddr        string   `mapstructure:"server_addr"`
	PublicURL         string   `mapstructure:"public_url"`
	AuthToken         string   `mapstructure:"auth_token"`
	AccountSID        string   `mapstructure:"account_sid"`
	VoicePath         string   `mapstructure:"voice_path"`
	WebsocketPath     string   `mapstructure:"ws_path"`
	VoiceGreeting     string   `mapstructure:"voice_greeting"`
	ValidateSignature bool     `mapstructure:"validate_signature"`
	AllowAnyOrigin    bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	MetricsPath       string   `mapstructure:"metrics_path"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Options wires the per-session collaborators.
type Options struct {
	Connector      stt.Connector
	Observer       metrics.Observer
	Logger         *slog.Logger
	ConnectTimeout time.Duration
	// Metrics is mounted on Config.MetricsPath when set.
	Metrics http.Handler
}

// Transport is the media-stream listener. Each websocket upgrade becomes one
// bridge.Bridge feeding the configured connector.
type Transport struct {
	cfg      Config
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	registry *bridge.Registry

	server   *http.Server
	listener net.Listener
	baseCtx  context.Context

	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config, opts Options) *Transport {
	cfg = cfg.withDefaults()
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	t := &Transport{
		cfg:    cfg,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "twilio_transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		registry: bridge.NewRegistry(),
		baseCtx:  context.Background(),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

// Addr returns the bound address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Sessions reports the number of live bridges.
func (t *Transport) Sessions() int64 { return t.registry.Count() }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url": t.voiceWebhookURL(),
		"stream_path": t.cfg.WebsocketPath,
		"connector":   t.connectorName(),
	}
}

func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.HandleFunc("/health", t.handleHealth)
	if t.opts.Metrics != nil {
		mux.Handle(t.cfg.MetricsPath, t.opts.Metrics)
	}
	mux.Handle(t.cfg.WebsocketPath, t)
	return mux
}

// Start binds the listener and serves in the background. Cancelling ctx
// does not stop the listener; shutdown goes through Drain.
func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ServerAddr)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonStartupBind, "listen %s: %w", t.cfg.ServerAddr, err)
	}
	server := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	t.mu.Lock()
	t.listener = ln
	t.server = server
	// Sessions are closed by Drain, not by the caller's cancellation.
	t.baseCtx = context.WithoutCancel(ctx)
	t.mu.Unlock()

	t.logger.Info("twilio_transport_listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Drain stops accepting, closes every session and waits for their handlers.
func (t *Transport) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.registry.SetDraining(true)
	server := t.server
	t.mu.Unlock()

	if server != nil {
		_ = server.Close()
	}
	closing := t.registry.Count()
	t.registry.CloseAll()
	t.logger.Info("twilio_transport_draining", slog.Int64("sessions", closing))

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains without a deadline. Callers with a shutdown budget use Drain.
func (t *Transport) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		err = t.Drain(context.Background())
	})
	return err
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.registry.Draining() {
		t.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	t.wg.Add(1)
	ctx := t.baseCtx
	t.mu.Unlock()
	defer t.wg.Done()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("twilio_upgrade_failed", slog.String("error", err.Error()), slog.String("remote_addr", r.RemoteAddr))
		return
	}

	b := bridge.New(bridge.Options{
		ID:             t.registry.NextID(),
		TraceID:        uuid.NewString(),
		Inbound:        &inboundConn{conn: conn},
		Connector:      t.opts.Connector,
		Logger:         t.opts.Logger,
		Observer:       t.opts.Observer,
		ConnectTimeout: t.opts.ConnectTimeout,
		OnClosed: func(b *bridge.Bridge) {
			t.registry.Remove(b.ID())
		},
	})
	if !t.registry.Add(b) {
		_ = b.Close()
		return
	}
	b.Start(ctx)
	t.readLoop(conn, b)
	<-b.Done()
}

func (t *Transport) readLoop(conn *websocket.Conn, b *bridge.Bridge) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if b.State() >= bridge.StateClosing || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				b.OnInboundClosed()
			} else {
				b.OnInboundError(err)
			}
			return
		}
		b.OnInboundMessage(msg)
	}
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "sessions": t.registry.Count()}
	if t.registry.Draining() {
		status = http.StatusServiceUnavailable
		body["status"] = "draining"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.ValidateSignature && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", slog.String("reason_code", string(errorsx.ReasonWebhookSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	doc, err := t.voiceTwiML(r)
	if err != nil {
		t.logger.Error("twilio_twiml_error", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

// voiceTwiML answers a call by connecting its media stream back to this server.
func (t *Transport) voiceTwiML(r *http.Request) (string, error) {
	var verbs []twiml.Element
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		verbs = append(verbs, twiml.VoiceSay{Message: greeting})
	}
	verbs = append(verbs, twiml.VoiceConnect{
		InnerElements: []twiml.Element{twiml.VoiceStream{Url: t.websocketURL(r)}},
	})
	return twiml.Voice(verbs)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.VoicePath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.VoicePath
}

func (t *Transport) connectorName() string {
	if t.opts.Connector == nil {
		return ""
	}
	return t.opts.Connector.Name()
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// inboundConn lets the bridge close the telephony socket with a normal
// close frame.
type inboundConn struct {
	conn *websocket.Conn
}

func (c *inboundConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var (
	_ transports.Listener      = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
