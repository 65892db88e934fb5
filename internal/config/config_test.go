package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

// isolate points every search path at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
	dataDir := filepath.Join(home, ".chatsync")
	if cfg.DataDir != dataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dataDir)
	}
	if cfg.Database.Path != filepath.Join(dataDir, "chatsync.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Settings.Path != filepath.Join(dataDir, "settings.db") {
		t.Errorf("Settings.Path = %q", cfg.Settings.Path)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Daemon.Interval != time.Minute || cfg.Daemon.Debounce != 2*time.Second {
		t.Errorf("Daemon = %+v", cfg.Daemon)
	}
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	yaml := `
remote:
  endpoint: https://chat.example.com/api/sync
  request_timeout: 10s
retry:
  max_attempts: 5
daemon:
  interval: 5m
server:
  tokens:
    - token: Tok-Alice
      user: alice
`
	if err := os.WriteFile(filepath.Join(dir, "chatsync.yaml"), []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATSYNC_RETRY_MAX_ATTEMPTS", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("interval", 0, "")
	flags.String("endpoint", "", "")
	if err := flags.Parse([]string{"--interval=30s"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(LoadOptions{Flags: map[string]*pflag.Flag{
		"daemon.interval": flags.Lookup("interval"),
		"remote.endpoint": flags.Lookup("endpoint"),
	}})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !strings.HasSuffix(cfg.File, "chatsync.yaml") {
		t.Errorf("File = %q", cfg.File)
	}
	if cfg.Remote.Endpoint != "https://chat.example.com/api/sync" {
		t.Errorf("unset flag should not override the file, got %q", cfg.Remote.Endpoint)
	}
	if cfg.Remote.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Remote.RequestTimeout)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, env should override the file", cfg.Retry.MaxAttempts)
	}
	if cfg.Daemon.Interval != 30*time.Second {
		t.Errorf("Interval = %v, flag should override the file", cfg.Daemon.Interval)
	}
	if diff := cmp.Diff(map[string]string{"Tok-Alice": "alice"}, cfg.TokenMap()); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	isolate(t)
	if _, err := Load(LoadOptions{File: filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "chatsync.toml")
	toml := `
[retry]
max_attempts = 0

[server]
driver = "mysql"
`
	if err := os.WriteFile(path, []byte(toml), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(LoadOptions{File: path})
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"retry.max_attempts", "server.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults"},
		{name: "relative endpoint", mutate: func(c *Config) { c.Remote.Endpoint = "/api/sync" }, wantErr: "remote.endpoint"},
		{name: "ftp endpoint", mutate: func(c *Config) { c.Remote.Endpoint = "ftp://x/sync" }, wantErr: "remote.endpoint"},
		{name: "zero timeout", mutate: func(c *Config) { c.Remote.RequestTimeout = 0 }, wantErr: "remote.request_timeout"},
		{name: "zero debounce", mutate: func(c *Config) { c.Daemon.Debounce = 0 }, wantErr: "daemon.debounce"},
		{name: "port out of range", mutate: func(c *Config) { c.Dashboard.Port = 70000 }, wantErr: "dashboard.port"},
		{name: "token without user", mutate: func(c *Config) { c.Server.Tokens = []TokenConfig{{Token: "x"}} }, wantErr: "server.tokens[0]"},
		{name: "negative rotation", mutate: func(c *Config) { c.Log.MaxBackups = -1 }, wantErr: "log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestRender_RoundTrip(t *testing.T) {
	for _, format := range []Format{FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			isolate(t)
			want := Default()
			want.DataDir = t.TempDir()
			want.Remote.Endpoint = "https://chat.example.com/api/sync"
			want.Daemon.Interval = 90 * time.Second
			want.Server.Tokens = []TokenConfig{{Token: "tok", User: "alice"}}
			want.Server.CORSOrigins = []string{"app://chat"}

			path := filepath.Join(t.TempDir(), "chatsync."+string(format))
			if err := WriteFile(want, path, false); err != nil {
				t.Fatalf("WriteFile() failed: %v", err)
			}
			if err := WriteFile(want, path, false); err == nil {
				t.Error("second WriteFile() without overwrite should fail")
			}

			got, err := Load(LoadOptions{File: path})
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			want.resolvePaths()
			want.File = path
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"yaml": FormatYAML, ".yml": FormatYAML, "TOML": FormatTOML} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("json"); err == nil {
		t.Error("ParseFormat(json) should fail")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Remote.Token = "secret"
	cfg.Server.Tokens = []TokenConfig{{Token: "tok", User: "alice"}}
	cfg.Server.DSN = "postgres://chat:hunter2@db:5432/chat"

	r := cfg.Redacted()
	if r.Remote.Token == "secret" || r.Server.Tokens[0].Token == "tok" || strings.Contains(r.Server.DSN, "hunter2") {
		t.Errorf("Redacted() leaked secrets: %+v", r)
	}
	if r.Server.Tokens[0].User != "alice" || r.Server.DSN != "postgres://chat:********@db:5432/chat" {
		t.Errorf("Redacted() = %+v", r.Server)
	}
	if cfg.Remote.Token != "secret" || cfg.Server.Tokens[0].Token != "tok" {
		t.Error("Redacted() modified the original")
	}
}
