// Package config loads leadsync configuration from config.yaml, .env files
// and LEADSYNC_* environment variables.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	Scorer  ScorerConfig  `yaml:"scorer" mapstructure:"scorer"`
	Convert ConvertConfig `yaml:"convert" mapstructure:"convert"`
	Notify  NotifyConfig  `yaml:"notify" mapstructure:"notify"`
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SyncConfig configures sheet sync runs and the scheduler.
type SyncConfig struct {
	IntervalSecs         int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	TimeoutSecs          int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxConcurrentTenants int    `yaml:"max_concurrent_tenants" mapstructure:"max_concurrent_tenants"`
	DefaultGID           string `yaml:"default_gid" mapstructure:"default_gid"`
	ExportBaseURL        string `yaml:"export_base_url" mapstructure:"export_base_url"`
	UserAgent            string `yaml:"user_agent" mapstructure:"user_agent"`
	MaxRetries           int    `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoffMs       int    `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	HTTPTimeoutSecs      int    `yaml:"http_timeout_secs" mapstructure:"http_timeout_secs"`
}

// Interval returns the scheduler tick period.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

// Timeout returns the wall-clock budget for one sync run.
func (s SyncConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// ScorerConfig configures lead scoring.
type ScorerConfig struct {
	QualifyThreshold int `yaml:"qualify_threshold" mapstructure:"qualify_threshold"`
}

// ConvertConfig configures lead conversion.
type ConvertConfig struct {
	MaxErrorMessages int `yaml:"max_error_messages" mapstructure:"max_error_messages"`
}

// NotifyConfig configures LeadsChanged publishing. An empty AMQPURL keeps
// events in-process.
type NotifyConfig struct {
	AMQPURL  string `yaml:"amqp_url" mapstructure:"amqp_url"`
	Exchange string `yaml:"exchange" mapstructure:"exchange"`
}

// MonitorConfig configures sync health alerting.
type MonitorConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleAfterHours   int    `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	StuckAfterMins    int    `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEADSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("sync.interval_secs", 900)
	v.SetDefault("sync.timeout_secs", 120)
	v.SetDefault("sync.max_concurrent_tenants", 4)
	v.SetDefault("sync.default_gid", "0")
	v.SetDefault("sync.export_base_url", "https://docs.google.com")
	v.SetDefault("sync.user_agent", "leadsync/1.0")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_backoff_ms", 500)
	v.SetDefault("sync.http_timeout_secs", 30)
	v.SetDefault("scorer.qualify_threshold", 70)
	v.SetDefault("convert.max_error_messages", 20)
	v.SetDefault("notify.amqp_url", "")
	v.SetDefault("notify.exchange", "leadsync.events")
	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.check_interval_secs", 300)
	v.SetDefault("monitor.stale_after_hours", 24)
	v.SetDefault("monitor.stuck_after_mins", 30)
	v.SetDefault("monitor.webhook_url", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is the command name.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	if c.Sync.TimeoutSecs <= 0 {
		errs = append(errs, "sync.timeout_secs must be positive")
	}
	if c.Sync.MaxConcurrentTenants <= 0 {
		errs = append(errs, "sync.max_concurrent_tenants must be positive")
	}
	if c.Scorer.QualifyThreshold < 0 || c.Scorer.QualifyThreshold > 100 {
		errs = append(errs, "scorer.qualify_threshold must be within [0, 100]")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
		if c.Sync.IntervalSecs <= 0 {
			errs = append(errs, "sync.interval_secs must be positive")
		}
		if c.Monitor.Enabled && c.Monitor.WebhookURL == "" {
			errs = append(errs, "monitor.webhook_url is required when monitoring is enabled")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
