// Package config loads lofi settings from lofi.yaml, LOFI_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/lofi/internal/syncclient"
)

// FileName is the configuration file looked up in the working directory
// when no explicit file is given.
const FileName = "lofi.yaml"

// EnvPrefix prefixes environment overrides: LOFI_STORE_PATH sets store.path.
const EnvPrefix = "LOFI"

// Config is the full configuration of a replica process or reference server.
type Config struct {
	Schema  string        `mapstructure:"schema" yaml:"schema"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type StoreConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
}

type RemoteConfig struct {
	URL string `mapstructure:"url" yaml:"url"` // ws:// or wss:// endpoint of /sync
}

type SyncConfig struct {
	BackoffMin       time.Duration `mapstructure:"backoff_min" yaml:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	UploadBatch      int           `mapstructure:"upload_batch" yaml:"upload_batch"`
	ConflictStrategy string        `mapstructure:"conflict_strategy" yaml:"conflict_strategy"`
	GCInterval       time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // text or json
	File       string `mapstructure:"file" yaml:"file"`     // empty = stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // empty disables the endpoint
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Schema: "schema.cue",
		Store:  StoreConfig{Path: "lofi.db"},
		Sync: SyncConfig{
			BackoffMin:       syncclient.DefaultBackoffMin,
			BackoffMax:       syncclient.DefaultBackoffMax,
			UploadBatch:      syncclient.DefaultUploadBatch,
			ConflictStrategy: string(syncclient.StrategyLastWriterWins),
			GCInterval:       time.Minute,
		},
		Server: ServerConfig{Addr: "127.0.0.1:7070"},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// New returns a viper instance seeded with Default and bound to LOFI_*
// environment variables.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("schema", d.Schema)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.client_id", d.Store.ClientID)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("sync.backoff_min", d.Sync.BackoffMin)
	v.SetDefault("sync.backoff_max", d.Sync.BackoffMax)
	v.SetDefault("sync.upload_batch", d.Sync.UploadBatch)
	v.SetDefault("sync.conflict_strategy", d.Sync.ConflictStrategy)
	v.SetDefault("sync.gc_interval", d.Sync.GCInterval)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	// Environment overrides file configuration. Underscores after the
	// prefix stand for nested keys: LOFI_SYNC_BACKOFF_MAX -> sync.backoff_max.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file into v (or lofi.yaml from the working directory when file
// is empty and one exists) and decodes the merged configuration.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if c.Sync.BackoffMin <= 0 {
		errs = append(errs, fmt.Errorf("sync.backoff_min must be positive, got %s", c.Sync.BackoffMin))
	}
	if c.Sync.BackoffMax < c.Sync.BackoffMin {
		errs = append(errs, fmt.Errorf("sync.backoff_max (%s) must not be below sync.backoff_min (%s)", c.Sync.BackoffMax, c.Sync.BackoffMin))
	}
	if c.Sync.UploadBatch <= 0 {
		errs = append(errs, fmt.Errorf("sync.upload_batch must be positive, got %d", c.Sync.UploadBatch))
	}
	if _, err := syncclient.ResolverFor(syncclient.Strategy(c.Sync.ConflictStrategy)); err != nil {
		errs = append(errs, fmt.Errorf("sync.conflict_strategy: %w", err))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Remote.URL != "" && !strings.HasPrefix(c.Remote.URL, "ws://") && !strings.HasPrefix(c.Remote.URL, "wss://") {
		errs = append(errs, fmt.Errorf("remote.url must be a ws:// or wss:// URL, got %q", c.Remote.URL))
	}
	return errors.Join(errs...)
}

// Resolver returns the configured conflict resolver.
func (c Config) Resolver() syncclient.Resolver {
	r, err := syncclient.ResolverFor(syncclient.Strategy(c.Sync.ConflictStrategy))
	if err != nil {
		return syncclient.LastWriterWins{}
	}
	return r
}
