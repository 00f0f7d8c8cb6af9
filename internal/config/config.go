// Package config loads relaysync settings from defaults, an optional YAML
// file and RELAYSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/relaysync/internal/mailer"
)

const EnvPrefix = "RELAYSYNC"

type Config struct {
	DataDir string `mapstructure:"data_dir"`
	// StorageDSN selects the local key-value backend holding the outbox,
	// the staged profile edit and the document cache.
	StorageDSN string `mapstructure:"storage_dsn"`

	Store        StoreConfig        `mapstructure:"store"`
	Server       ServerConfig       `mapstructure:"server"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Mail         MailConfig         `mapstructure:"mail"`
	Push         PushConfig         `mapstructure:"push"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Log          LogConfig          `mapstructure:"log"`
}

type StoreConfig struct {
	// Mode is "local" (in-process store persisted to StorageDSN) or
	// "remote" (a relaysync server at URL).
	Mode  string `mapstructure:"mode"`
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ConnectivityConfig struct {
	ProbeURLs      []string      `mapstructure:"probe_urls"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeJitter    float64       `mapstructure:"probe_jitter"`
	FlagFile       string        `mapstructure:"flag_file"`
	NoticeDebounce time.Duration `mapstructure:"notice_debounce"`
	RecentWindow   time.Duration `mapstructure:"recent_window"`
}

type OutboxConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	ProbeOnReconnect bool          `mapstructure:"probe_on_reconnect"`
}

type MailConfig struct {
	BaseURL    string           `mapstructure:"base_url"`
	PublicKey  string           `mapstructure:"public_key"`
	PrivateKey string           `mapstructure:"private_key"`
	ServiceID  string           `mapstructure:"service_id"`
	Templates  mailer.Templates `mapstructure:"templates"`
}

type PushConfig struct {
	// WebhookURL is the push relay. Empty logs pushes instead of sending.
	WebhookURL string `mapstructure:"webhook_url"`
	Token      string `mapstructure:"token"`
}

type NotifyConfig struct {
	// WebhookURL receives system notifications. Empty logs them.
	WebhookURL string `mapstructure:"webhook_url"`
}

type TelemetryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".relaysync")
	v.SetDefault("storage_dsn", "")

	v.SetDefault("store.mode", "local")
	v.SetDefault("store.url", "http://127.0.0.1:8080")
	v.SetDefault("store.token", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwt_secret", "dev-secret")
	v.SetDefault("server.rate_limit_max", 0)
	v.SetDefault("server.rate_limit_window", "1m")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("connectivity.probe_urls", []string{})
	v.SetDefault("connectivity.probe_timeout", "1200ms")
	v.SetDefault("connectivity.probe_interval", "15s")
	v.SetDefault("connectivity.probe_jitter", 0.2)
	v.SetDefault("connectivity.flag_file", "")
	v.SetDefault("connectivity.notice_debounce", "800ms")
	v.SetDefault("connectivity.recent_window", "2s")

	v.SetDefault("outbox.max_attempts", 3)
	v.SetDefault("outbox.send_timeout", "10s")
	v.SetDefault("outbox.startup_delay", "2s")
	v.SetDefault("outbox.settle_delay", "1s")
	v.SetDefault("outbox.probe_on_reconnect", false)

	v.SetDefault("mail.base_url", "https://api.emailjs.com")
	v.SetDefault("mail.public_key", "")
	v.SetDefault("mail.private_key", "")
	v.SetDefault("mail.service_id", "")
	v.SetDefault("mail.templates.contact_owner", "")
	v.SetDefault("mail.templates.appointment_owner", "")

	v.SetDefault("push.webhook_url", "")
	v.SetDefault("push.token", "")
	v.SetDefault("notify.webhook_url", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. An empty path looks for relaysync.yaml in the
// working directory and silently skips it when absent; an explicit path
// must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("relaysync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalizeProbeURLs()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeProbeURLs accepts comma separated entries, as set through
// RELAYSYNC_CONNECTIVITY_PROBE_URLS, and drops blanks.
func (c *Config) normalizeProbeURLs() {
	var urls []string
	for _, raw := range c.Connectivity.ProbeURLs {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				urls = append(urls, part)
			}
		}
	}
	c.Connectivity.ProbeURLs = urls
}

func (c Config) Validate() error {
	switch c.Store.Mode {
	case "local":
	case "remote":
		if strings.TrimSpace(c.Store.URL) == "" {
			return errors.New("store.url is required when store.mode=remote")
		}
	default:
		return fmt.Errorf("unsupported store.mode: %q", c.Store.Mode)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log.format: %q", c.Log.Format)
	}
	if c.Outbox.MaxAttempts < 0 {
		return fmt.Errorf("outbox.max_attempts must not be negative")
	}
	if c.Connectivity.ProbeJitter < 0 || c.Connectivity.ProbeJitter > 1 {
		return fmt.Errorf("connectivity.probe_jitter must be within [0,1]")
	}
	return nil
}

// ResolvedStorageDSN returns StorageDSN, defaulting to a sqlite database
// under DataDir.
func (c Config) ResolvedStorageDSN() string {
	if dsn := strings.TrimSpace(c.StorageDSN); dsn != "" {
		return dsn
	}
	dir := c.DataDir
	if strings.TrimSpace(dir) == "" {
		dir = ".relaysync"
	}
	return "sqlite://" + filepath.Join(dir, "relaysync.db")
}

// ConfigPathFromEnv returns RELAYSYNC_CONFIG when set.
func ConfigPathFromEnv() string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG"))
}
