package deepgram

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/streamrelay/pkg/adapters/stt"
	"github.com/harunnryd/streamrelay/pkg/configutil"
)

const (
	DefaultListenURL = "wss://api.deepgram.com/v1/listen"
	DefaultKeepAlive = 5 * time.Second
)

// Settings is the provider settings block under vendors.stt.settings.
type Settings struct {
	APIKey           string            `mapstructure:"api_key"`
	URL              string            `mapstructure:"url"`
	Host             string            `mapstructure:"host"`
	Model            string            `mapstructure:"model"`
	Language         string            `mapstructure:"language"`
	SmartFormat      *bool             `mapstructure:"smart_format"`
	Punctuate        *bool             `mapstructure:"punctuate"`
	InterimResults   *bool             `mapstructure:"interim_results"`
	KeepAliveMS      *int              `mapstructure:"keepalive_ms"`
	ConnectTimeoutMS int               `mapstructure:"connect_timeout_ms"`
	Extra            map[string]string `mapstructure:"extra"`
}

// SettingsSchema lists the keys accepted in the settings map.
var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{
		"url", "host", "model", "language", "smart_format", "punctuate",
		"interim_results", "keepalive_ms", "connect_timeout_ms", "extra",
	},
}

// ParseSettings validates and decodes a raw settings map.
func ParseSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.ValidateSettings(raw, SettingsSchema); err != nil {
		return s, fmt.Errorf("deepgram settings: %w", err)
	}
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return s, fmt.Errorf("deepgram settings: %w", err)
	}
	if s.ConnectTimeoutMS < 0 {
		return s, fmt.Errorf("deepgram settings: connect_timeout_ms must be >= 0")
	}
	return s, nil
}

// KeepAlive returns the keepalive interval. Zero disables keepalives.
func (s Settings) KeepAlive() time.Duration {
	return configutil.Millis(configutil.IntValue(s.KeepAliveMS, int(DefaultKeepAlive/time.Millisecond)))
}

func (s Settings) ConnectTimeout() time.Duration {
	return configutil.Millis(s.ConnectTimeoutMS)
}

// ListenURL builds the streaming endpoint. Query parameters already present
// in the configured URL win over generated ones.
func (s Settings) ListenURL(format stt.AudioFormat) (string, error) {
	base := s.URL
	if base == "" {
		base = DefaultListenURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse listen url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("listen url scheme %q is not ws or wss", u.Scheme)
	}
	q := u.Query()
	setIfAbsent(q, "encoding", format.Encoding)
	if format.SampleRate > 0 {
		setIfAbsent(q, "sample_rate", strconv.Itoa(format.SampleRate))
	}
	if format.Channels > 0 {
		setIfAbsent(q, "channels", strconv.Itoa(format.Channels))
	}
	setIfAbsent(q, "model", s.Model)
	setIfAbsent(q, "language", s.Language)
	setBool(q, "smart_format", s.SmartFormat)
	setBool(q, "punctuate", s.Punctuate)
	setBool(q, "interim_results", s.InterimResults)
	for k, v := range s.Extra {
		setIfAbsent(q, k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// hostListenURL maps the SDK host setting onto the listen endpoint the SDK
// dials, so a failed SDK handshake can be replayed and classified.
func hostListenURL(host string) string {
	switch {
	case host == "":
		return DefaultListenURL
	case strings.HasPrefix(host, "http://"):
		host = "ws://" + strings.TrimPrefix(host, "http://")
	case strings.HasPrefix(host, "https://"):
		host = "wss://" + strings.TrimPrefix(host, "https://")
	case !strings.Contains(host, "://"):
		host = "wss://" + host
	}
	return strings.TrimRight(host, "/") + "/v1/listen"
}

func setIfAbsent(q url.Values, key, value string) {
	if value == "" || q.Has(key) {
		return
	}
	q.Set(key, value)
}

func setBool(q url.Values, key string, value *bool) {
	if value == nil {
		return
	}
	setIfAbsent(q, key, strconv.FormatBool(*value))
}

// String keeps the API key out of %v output.
func (s Settings) String() string {
	key := "unset"
	if s.APIKey != "" {
		key = "set"
	}
	return fmt.Sprintf("deepgram{model=%s language=%s api_key=%s}", s.Model, s.Language, key)
}
