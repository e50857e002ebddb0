package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"strings"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/configutil"
	"github.com/harunnryd/streamrelay/pkg/logging"
	"github.com/harunnryd/streamrelay/pkg/metrics"
	"github.com/harunnryd/streamrelay/pkg/observers"
	"github.com/harunnryd/streamrelay/pkg/redact"
	"github.com/harunnryd/streamrelay/pkg/resilience"
	"github.com/harunnryd/streamrelay/pkg/runner"
	"github.com/harunnryd/streamrelay/pkg/transports"
	"github.com/harunnryd/streamrelay/pkg/transports/twilio"
)

type ServerOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Connector overrides the provider lookup when set.
	Connector stt.Connector
	// Logger defaults to a process-wide logger built from Config.
	Logger *slog.Logger
}

// Server owns the listener, the observer chain and the shutdown lifecycle.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	connector stt.Connector
	transport transports.Listener
	runner    *runner.LifecycleRunner
	observers *observers.MultiObserver
	async     *metrics.AsyncObserver
}

func NewServer(opts ServerOptions) (*Server, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	connector := opts.Connector
	if connector == nil {
		providers := opts.Providers
		if providers == nil {
			providers = DefaultProviders()
		}
		c, err := providers.BuildConnector(cfg.Vendors.STT.Provider, cfg, logger)
		if err != nil {
			return nil, err
		}
		connector = c
	}
	if out := cfg.Outbound; out.Guarded() {
		connector = resilience.Guard(connector,
			resilience.NewRetryPolicy(out.ConnectRetries, configutil.Millis(out.RetryBackoffMS)),
			resilience.NewCircuitBreaker(out.BreakerThreshold, configutil.Millis(out.BreakerCooldownMS)),
			logger)
	}

	logger.Info("relay_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", connector.Name()),
		slog.String("addr", cfg.Server.Addr()),
		slog.Bool("outbound_guarded", cfg.Outbound.Guarded()))

	obsList := []metrics.Observer{observers.NewLatencyObserver(logger)}
	if cfg.Observability.LogEvents {
		obsList = append(obsList, observers.NewLoggerObserver(logger, cfg.Observability.Verbose))
	}
	var prom *metrics.PrometheusObserver
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheusObserver()
		obsList = append(obsList, prom)
	}
	if dir := strings.TrimSpace(cfg.Observability.TimelineDir); dir != "" {
		obsList = append(obsList, observers.NewTimelineObserver(dir))
	}
	multi := observers.NewMultiObserver(obsList...)
	async := metrics.NewAsyncObserver(multi, 2048)

	topts := twilio.Options{
		Connector:      connector,
		Observer:       async,
		Logger:         logger,
		ConnectTimeout: cfg.ConnectTimeout(),
	}
	if prom != nil {
		topts.Metrics = prom.Handler()
	}
	transport := twilio.New(twilio.Config{
		ServerAddr:        cfg.Server.Addr(),
		PublicURL:         cfg.Server.PublicURL,
		AuthToken:         cfg.Twilio.AuthToken,
		AccountSID:        cfg.Twilio.AccountSID,
		VoicePath:         cfg.Server.VoicePath,
		WebsocketPath:     cfg.Server.WebsocketPath,
		VoiceGreeting:     cfg.Server.VoiceGreeting,
		ValidateSignature: cfg.Server.ValidateSignature,
		AllowAnyOrigin:    cfg.Server.AllowAnyOrigin,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MetricsPath:       cfg.Metrics.Path,
	}, topts)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		connector: connector,
		transport: transport,
		observers: multi,
		async:     async,
	}
	s.runner = runner.NewLifecycleRunner(transport, runner.Hooks{
		OnStart: s.onStart,
		OnStop:  s.onStop,
	}, cfg.ShutdownTimeout())
	return s, nil
}

// Run serves until ctx is canceled, then drains every live session.
// Exceeding the shutdown timeout is logged, not returned.
func (s *Server) Run(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if errors.Is(err, runner.ErrDrainTimeout) {
		s.logger.Warn("shutdown_drain_timeout",
			slog.Duration("timeout", s.cfg.ShutdownTimeout()),
			slog.Int64("sessions", s.transport.Sessions()))
		return nil
	}
	return err
}

// Stop triggers the same shutdown as canceling Run's context.
func (s *Server) Stop() error {
	err := s.runner.Stop()
	if errors.Is(err, runner.ErrDrainTimeout) {
		return nil
	}
	return err
}

// Addr returns the bound address once Run has started the listener.
func (s *Server) Addr() net.Addr { return s.transport.Addr() }

func (s *Server) State() runner.State { return s.runner.State() }

func (s *Server) onStart(ctx context.Context) error {
	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	attrs := []any{slog.String("addr", s.transport.Addr().String())}
	if rr, ok := s.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			attrs = append(attrs, slog.Any(k, v))
		}
	}
	s.logger.Info("relay_ready", attrs...)
	return nil
}

func (s *Server) onStop() {
	s.async.Close()
	if err := s.observers.Close(); err != nil {
		s.logger.Warn("observer_close_failed", slog.String("error", err.Error()))
	}
	s.logger.Info("shutdown",
		slog.Int("goroutines", runtime.NumGoroutine()),
		slog.Int64("sessions", s.transport.Sessions()),
		slog.Int64("events_dropped", s.async.Dropped()))
}
