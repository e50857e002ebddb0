package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/configutil"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
	"github.com/harunnryd/streamrelay/pkg/providers/deepgram"
	"github.com/harunnryd/streamrelay/pkg/providers/mock"
)

// ConnectorFactory builds the outbound connector for a provider name.
type ConnectorFactory func(cfg Config, logger *slog.Logger) (stt.Connector, error)

type ProviderRegistry struct {
	stt map[string]ConnectorFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{stt: make(map[string]ConnectorFactory)}
}

// DefaultProviders returns a registry with every built-in connector.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgram)
	r.RegisterSTT("deepgram_sdk", buildDeepgramSDK)
	r.RegisterSTT("mock", buildMock)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory ConnectorFactory) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildConnector(provider string, cfg Config, logger *slog.Logger) (stt.Connector, error) {
	fn := r.stt[normalizeProvider(provider)]
	if fn == nil {
		return nil, errorsx.Errorf(errorsx.ReasonConfig, "stt provider not registered: %s", provider)
	}
	c, err := fn(cfg, logger)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfig)
	}
	return c, nil
}

// Providers lists registered names in sorted order.
func (r *ProviderRegistry) Providers() []string {
	out := make([]string, 0, len(r.stt))
	for name := range r.stt {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func audioFormat(cfg Config) stt.AudioFormat {
	return stt.AudioFormat{
		Encoding:   cfg.Audio.Encoding,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}
}

func buildDeepgram(cfg Config, logger *slog.Logger) (stt.Connector, error) {
	settings, err := deepgram.ParseSettings(cfg.Vendors.STT.Settings)
	if err != nil {
		return nil, err
	}
	if _, err := settings.ListenURL(audioFormat(cfg)); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	return deepgram.NewConnector(settings, audioFormat(cfg), logger), nil
}

func buildDeepgramSDK(cfg Config, logger *slog.Logger) (stt.Connector, error) {
	settings, err := deepgram.ParseSettings(cfg.Vendors.STT.Settings)
	if err != nil {
		return nil, err
	}
	return deepgram.NewSDKConnector(settings, audioFormat(cfg), logger), nil
}

var mockSchema = configutil.Schema{Optional: []string{"transcript", "connect_timeout_ms"}}

func buildMock(cfg Config, _ *slog.Logger) (stt.Connector, error) {
	if err := configutil.ValidateSettings(cfg.Vendors.STT.Settings, mockSchema); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	var s struct {
		Transcript string `mapstructure:"transcript"`
	}
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	return mock.NewSTT(mock.STTConfig{Transcript: s.Transcript}), nil
}
