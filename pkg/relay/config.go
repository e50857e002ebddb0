package relay

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/streamrelay/pkg/configutil"
	"github.com/harunnryd/streamrelay/pkg/errorsx"
)

type Config struct {
	Server            ServerConfig        `mapstructure:"server"`
	Audio             AudioConfig         `mapstructure:"audio"`
	Vendors           VendorsConfig       `mapstructure:"vendors"`
	Outbound          OutboundConfig      `mapstructure:"outbound"`
	Twilio            TwilioConfig        `mapstructure:"twilio"`
	Metrics           MetricsConfig       `mapstructure:"metrics"`
	Observability     ObservabilityConfig `mapstructure:"observability"`
	Privacy           PrivacyConfig       `mapstructure:"privacy"`
	Environment       string              `mapstructure:"environment"`
	LogLevel          string              `mapstructure:"log_level"`
	LogFormat         string              `mapstructure:"log_format"`
	ShutdownTimeoutMS int                 `mapstructure:"shutdown_timeout_ms"`
}

type ServerConfig struct {
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	WebsocketPath     string   `mapstructure:"ws_path"`
	VoicePath         string   `mapstructure:"voice_path"`
	PublicURL         string   `mapstructure:"public_url"`
	VoiceGreeting     string   `mapstructure:"voice_greeting"`
	ValidateSignature bool     `mapstructure:"validate_signature"`
	AllowAnyOrigin    bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type AudioConfig struct {
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
}

// OutboundConfig guards outbound connects. Zero values disable both the
// retries and the breaker.
type OutboundConfig struct {
	ConnectRetries    int `mapstructure:"connect_retries"`
	RetryBackoffMS    int `mapstructure:"retry_backoff_ms"`
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

func (o OutboundConfig) Guarded() bool {
	return o.ConnectRetries > 0 || o.BreakerThreshold > 0
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ObservabilityConfig struct {
	TimelineDir string `mapstructure:"timeline_dir"`
	LogEvents   bool   `mapstructure:"log_events"`
	Verbose     bool   `mapstructure:"verbose"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func (c Config) ShutdownTimeout() time.Duration {
	return configutil.Millis(c.ShutdownTimeoutMS)
}

// ConnectTimeout reads the optional connect_timeout_ms provider setting.
func (c Config) ConnectTimeout() time.Duration {
	var s struct {
		ConnectTimeoutMS int `mapstructure:"connect_timeout_ms"`
	}
	if err := configutil.DecodeSettings(configutil.Pick(c.Vendors.STT.Settings, "connect_timeout_ms"), &s); err != nil {
		return 0
	}
	return configutil.Millis(s.ConnectTimeoutMS)
}

// envBindings maps config keys to the environment variables that override
// them, in precedence order.
var envBindings = map[string][]string{
	"server.port":                  {"PORT", "STREAMRELAY_SERVER_PORT"},
	"server.host":                  {"STREAMRELAY_SERVER_HOST"},
	"server.public_url":            {"STREAMRELAY_SERVER_PUBLIC_URL"},
	"vendors.stt.provider":         {"STREAMRELAY_STT_PROVIDER"},
	"vendors.stt.settings.url":     {"WS_URL"},
	"vendors.stt.settings.api_key": {"DEEPGRAM_API_KEY"},
	"log_level":                    {"LOG_LEVEL", "STREAMRELAY_LOG_LEVEL"},
	"log_format":                   {"LOG_FORMAT", "STREAMRELAY_LOG_FORMAT"},
	"twilio.account_sid":           {"TWILIO_ACCOUNT_SID"},
	"twilio.auth_token":            {"TWILIO_AUTH_TOKEN"},
}

// LoadConfig reads .env from the working directory, then the optional config
// file at path, then environment overrides.
func LoadConfig(path string) (Config, error) {
	return Load(path, ".env")
}

// Load is LoadConfig with an explicit dotenv file. An empty envFile skips it.
func Load(path, envFile string) (Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return Config{}, errorsx.Errorf(errorsx.ReasonConfig, "load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, errorsx.Errorf(errorsx.ReasonConfig, "bind env %s: %w", key, err)
		}
	}
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errorsx.Errorf(errorsx.ReasonConfig, "read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Errorf(errorsx.ReasonConfig, "unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, errorsx.Errorf(errorsx.ReasonConfig, "validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ws_path", "/")
	v.SetDefault("server.voice_path", "/voice")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.voice_greeting", "")
	v.SetDefault("server.validate_signature", false)
	v.SetDefault("server.allow_any_origin", true)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("audio.encoding", "mulaw")
	v.SetDefault("audio.sample_rate", 8000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("vendors.stt.provider", "deepgram")
	v.SetDefault("outbound.connect_retries", 0)
	v.SetDefault("outbound.retry_backoff_ms", 200)
	v.SetDefault("outbound.breaker_threshold", 0)
	v.SetDefault("outbound.breaker_cooldown_ms", 30000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.log_events", false)
	v.SetDefault("observability.verbose", false)
	v.SetDefault("privacy.redact_pii", false)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("shutdown_timeout_ms", 10000)
}

func loadDotEnv(file string) error {
	if strings.TrimSpace(file) == "" {
		return nil
	}
	if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(file)
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.WebsocketPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if !strings.HasPrefix(c.Server.VoicePath, "/") {
		return fmt.Errorf("server.voice_path must start with /")
	}
	if c.Server.ValidateSignature && strings.TrimSpace(c.Twilio.AuthToken) == "" {
		return fmt.Errorf("server.validate_signature requires twilio.auth_token")
	}
	if err := configutil.RequireString(c.Audio.Encoding, "audio.encoding"); err != nil {
		return err
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}
	if err := configutil.RequireString(c.Vendors.STT.Provider, "vendors.stt.provider"); err != nil {
		return err
	}
	if c.Outbound.ConnectRetries < 0 || c.Outbound.BreakerThreshold < 0 {
		return fmt.Errorf("outbound.connect_retries and outbound.breaker_threshold must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.ShutdownTimeoutMS < 0 {
		return fmt.Errorf("shutdown_timeout_ms must be >= 0")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
