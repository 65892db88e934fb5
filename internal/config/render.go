package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat accepts yaml, yml or toml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported config format %q (use yaml or toml)", s)
}

// Render encodes cfg in the given format. Durations are written as
// strings such as "1m0s", which Load reads back.
func Render(cfg *Config, format Format) ([]byte, error) {
	doc := cfg.toMap()
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported config format %q", format)
}

// WriteFile renders cfg to path, choosing the format from its extension.
// An existing file is left alone unless overwrite is set.
func WriteFile(cfg *Config, path string, overwrite bool) error {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := Render(cfg, format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Remote.Token != "" {
		out.Remote.Token = "********"
	}
	out.Server.Tokens = make([]TokenConfig, len(c.Server.Tokens))
	for i, t := range c.Server.Tokens {
		out.Server.Tokens[i] = TokenConfig{Token: "********", User: t.User}
	}
	out.Server.DSN = redactDSN(c.Server.DSN)
	return &out
}

// redactDSN masks the password of a URL-style DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	if user, _, hasPass := strings.Cut(creds, ":"); hasPass {
		return scheme + "://" + user + ":********@" + host
	}
	return dsn
}

func (c *Config) toMap() map[string]any {
	tokens := make([]map[string]any, 0, len(c.Server.Tokens))
	for _, t := range c.Server.Tokens {
		tokens = append(tokens, map[string]any{"token": t.Token, "user": t.User})
	}
	origins := c.Server.CORSOrigins
	if origins == nil {
		origins = []string{}
	}

	return map[string]any{
		"data_dir": c.DataDir,
		"database": map[string]any{"path": c.Database.Path},
		"settings": map[string]any{"path": c.Settings.Path},
		"remote": map[string]any{
			"endpoint":        c.Remote.Endpoint,
			"token":           c.Remote.Token,
			"request_timeout": c.Remote.RequestTimeout.String(),
		},
		"retry": map[string]any{
			"max_attempts": c.Retry.MaxAttempts,
			"base_delay":   c.Retry.BaseDelay.String(),
		},
		"daemon": map[string]any{
			"interval": c.Daemon.Interval.String(),
			"debounce": c.Daemon.Debounce.String(),
			"watch":    c.Daemon.Watch,
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"port":    c.Dashboard.Port,
		},
		"server": map[string]any{
			"addr":         c.Server.Addr,
			"driver":       c.Server.Driver,
			"dsn":          c.Server.DSN,
			"tokens":       tokens,
			"cors_origins": origins,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"stderr":       c.Log.Stderr,
		},
	}
}
