package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SOUNDLEAF"

	defaultHTTPAddress       = "127.0.0.1:9187"
	defaultDatabasePath      = "soundleaf.db"
	defaultCoversDir         = "covers"
	defaultLogLevel          = "info"
	defaultSyncIntervalS     = 300
	defaultPullParallelism   = 3
	defaultBackoffMinMS      = 1000
	defaultBackoffMaxMS      = 60000
	defaultMaxAttempts       = 8
	defaultFlushThreshold    = 50
	defaultFlushIntervalS    = 30
	defaultEventRetentionDay = 7
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	ServerURL       string
	HTTPAddress     string
	DatabasePath    string
	CoversDir       string
	DeviceID        string
	DeviceName      string
	LogLevel        string
	SyncInterval    time.Duration
	PullParallelism int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	MaxAttempts     int
	FlushThreshold  int
	FlushInterval   time.Duration
	EventRetention  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("covers.dir", defaultCoversDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval_s", defaultSyncIntervalS)
	configViper.SetDefault("sync.pull_parallelism", defaultPullParallelism)
	configViper.SetDefault("push.backoff_min_ms", defaultBackoffMinMS)
	configViper.SetDefault("push.backoff_max_ms", defaultBackoffMaxMS)
	configViper.SetDefault("push.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("events.flush_threshold", defaultFlushThreshold)
	configViper.SetDefault("events.flush_interval_s", defaultFlushIntervalS)
	configViper.SetDefault("events.retention_days", defaultEventRetentionDay)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerURL:       configViper.GetString("server.url"),
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		CoversDir:       configViper.GetString("covers.dir"),
		DeviceID:        configViper.GetString("device.id"),
		DeviceName:      configViper.GetString("device.name"),
		LogLevel:        configViper.GetString("log.level"),
		SyncInterval:    time.Duration(configViper.GetInt("sync.interval_s")) * time.Second,
		PullParallelism: configViper.GetInt("sync.pull_parallelism"),
		BackoffMin:      time.Duration(configViper.GetInt("push.backoff_min_ms")) * time.Millisecond,
		BackoffMax:      time.Duration(configViper.GetInt("push.backoff_max_ms")) * time.Millisecond,
		MaxAttempts:     configViper.GetInt("push.max_attempts"),
		FlushThreshold:  configViper.GetInt("events.flush_threshold"),
		FlushInterval:   time.Duration(configViper.GetInt("events.flush_interval_s")) * time.Second,
		EventRetention:  time.Duration(configViper.GetInt("events.retention_days")) * 24 * time.Hour,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute URL")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.PullParallelism < 1 {
		return fmt.Errorf("sync.pull_parallelism must be at least 1")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("push backoff bounds are invalid")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("push.max_attempts must be at least 1")
	}
	return nil
}
