package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
	"github.com/harunnryd/streamrelay/pkg/logging"
)

// ErrCircuitOpen is returned while the breaker rejects connects.
var ErrCircuitOpen = errors.New("outbound circuit open")

// GuardedConnector wraps a Connector with connect retries and a shared
// circuit breaker. Auth failures and canceled contexts are never retried.
type GuardedConnector struct {
	inner   stt.Connector
	retry   RetryPolicy
	breaker *CircuitBreaker
	logger  *slog.Logger
}

func Guard(inner stt.Connector, retry RetryPolicy, breaker *CircuitBreaker, logger *slog.Logger) *GuardedConnector {
	retry.Retryable = retryableConnect
	return &GuardedConnector{
		inner:   inner,
		retry:   retry,
		breaker: breaker,
		logger:  logging.NewComponentLogger(logger, "outbound_guard"),
	}
}

func (g *GuardedConnector) Name() string { return g.inner.Name() }

func (g *GuardedConnector) Connect(ctx context.Context, meta stt.Meta, h stt.Handler) (stt.Stream, error) {
	if !g.breaker.Allow() {
		return nil, errorsx.Errorf(errorsx.ReasonSTTConnect, "%w: retry in %s", ErrCircuitOpen, g.breaker.RetryAfter())
	}
	var stream stt.Stream
	err := g.retry.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			g.logger.Info("outbound_connect_retry",
				slog.Uint64("session_id", meta.SessionID),
				slog.Int("attempt", attempt))
		}
		s, err := g.inner.Connect(ctx, meta, h)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		if g.breaker.OnFailure() {
			g.logger.Warn("outbound_circuit_opened",
				slog.String("connector", g.inner.Name()),
				slog.Duration("cooldown", g.breaker.RetryAfter()),
				slog.String("error", err.Error()))
		}
		return nil, err
	}
	g.breaker.OnSuccess()
	return stream, nil
}

func retryableConnect(err error) bool {
	if errorsx.IsAuth(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

var _ stt.Connector = (*GuardedConnector)(nil)
