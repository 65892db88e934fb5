// Package config loads chatsync settings.
//
// Values are layered: built-in defaults, then a chatsync.yaml or
// chatsync.toml file, then CHATSYNC_* environment variables, then any
// command-line flags bound by the caller. Nested keys map to environment
// variables with dots replaced by underscores, so remote.token is read
// from CHATSYNC_REMOTE_TOKEN.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATSYNC"

// Config is the full chatsync configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// DatabaseConfig locates the local record database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // default: <data_dir>/chatsync.db
}

// SettingsConfig locates the key-value settings file.
type SettingsConfig struct {
	Path string `mapstructure:"path"` // default: <data_dir>/settings.db
}

// RemoteConfig describes the sync endpoint.
type RemoteConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RetryConfig tunes the sync retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// DaemonConfig tunes background sync.
type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`
	Watch    bool          `mapstructure:"watch"`
}

// DashboardConfig configures the status WebSocket.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TokenConfig maps one bearer token to a user.
type TokenConfig struct {
	Token string `mapstructure:"token"`
	User  string `mapstructure:"user"`
}

// ServerConfig configures `chatsync serve`.
type ServerConfig struct {
	Addr        string        `mapstructure:"addr"`
	Driver      string        `mapstructure:"driver"` // sqlite or postgres
	DSN         string        `mapstructure:"dsn"`    // default: <data_dir>/server.db for sqlite
	Tokens      []TokenConfig `mapstructure:"tokens"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// LogConfig selects the log destination.
type LogConfig struct {
	File       string `mapstructure:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Stderr     bool   `mapstructure:"stderr"` // also log to stderr when File is set
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Remote: RemoteConfig{
			RequestTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
		},
		Daemon: DaemonConfig{
			Interval: time.Minute,
			Debounce: 2 * time.Second,
			Watch:    true,
		},
		Dashboard: DashboardConfig{
			Port: 8766,
		},
		Server: ServerConfig{
			Addr:   ":8787",
			Driver: "sqlite",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatsync"
	}
	return filepath.Join(home, ".chatsync")
}

// SearchPaths returns the directories searched for chatsync.{yaml,toml}.
func SearchPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "chatsync"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".chatsync"))
	}
	return append(paths, ".")
}

// LoadOptions controls Load.
type LoadOptions struct {
	// File reads this config file instead of searching SearchPaths.
	File string
	// Flags binds command-line flags to config keys, e.g.
	// "remote.endpoint" -> the --endpoint flag. Only flags the user set
	// override lower layers.
	Flags map[string]*pflag.Flag
}

// Load builds the configuration from all layers and validates it.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("chatsync")
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("settings.path", d.Settings.Path)
	v.SetDefault("remote.endpoint", d.Remote.Endpoint)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.request_timeout", d.Remote.RequestTimeout)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("daemon.interval", d.Daemon.Interval)
	v.SetDefault("daemon.debounce", d.Daemon.Debounce)
	v.SetDefault("daemon.watch", d.Daemon.Watch)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.driver", d.Server.Driver)
	v.SetDefault("server.dsn", d.Server.DSN)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.stderr", d.Log.Stderr)
}

// resolvePaths fills paths derived from DataDir.
func (c *Config) resolvePaths() {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "chatsync.db")
	}
	if c.Settings.Path == "" {
		c.Settings.Path = filepath.Join(c.DataDir, "settings.db")
	}
	if c.Server.DSN == "" && c.Server.Driver == "sqlite" {
		c.Server.DSN = filepath.Join(c.DataDir, "server.db")
	}
}

// Validate checks value ranges. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{key}, args...)...))
	}

	if c.Remote.Endpoint != "" {
		u, err := url.Parse(c.Remote.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("remote.endpoint", "must be an http(s) URL, got %q", c.Remote.Endpoint)
		}
	}
	if c.Remote.RequestTimeout <= 0 {
		bad("remote.request_timeout", "must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		bad("retry.max_attempts", "must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 {
		bad("retry.base_delay", "must not be negative")
	}
	if c.Daemon.Interval <= 0 {
		bad("daemon.interval", "must be positive")
	}
	if c.Daemon.Debounce <= 0 {
		bad("daemon.debounce", "must be positive")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		bad("dashboard.port", "must be between 0 and 65535, got %d", c.Dashboard.Port)
	}
	switch c.Server.Driver {
	case "sqlite", "postgres":
	default:
		bad("server.driver", "must be sqlite or postgres, got %q", c.Server.Driver)
	}
	for i, t := range c.Server.Tokens {
		if t.Token == "" || t.User == "" {
			bad(fmt.Sprintf("server.tokens[%d]", i), "token and user are required")
		}
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		bad("log", "rotation limits must not be negative")
	}

	return errors.Join(errs...)
}

// TokenMap returns the server tokens keyed by token.
func (c *Config) TokenMap() map[string]string {
	out := make(map[string]string, len(c.Server.Tokens))
	for _, t := range c.Server.Tokens {
		out[t.Token] = t.User
	}
	return out
}
