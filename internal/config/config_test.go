// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

producer:
  provider: "anthropic"
  model: "claude-sonnet"

limits:
  text_cap: 100000
  tool_cap: 100
  max_tombstones: 500
  active_ttl: "30m"
  tombstone_ttl: "2m"
  sweep_interval: "15s"
  dedupe_window: "5s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Producer.Provider != "anthropic" {
		t.Errorf("Producer.Provider = %q, want %q", cfg.Producer.Provider, "anthropic")
	}
	if cfg.Producer.Model != "claude-sonnet" {
		t.Errorf("Producer.Model = %q, want %q", cfg.Producer.Model, "claude-sonnet")
	}

	if cfg.Limits.TextCap != 100000 {
		t.Errorf("Limits.TextCap = %d, want 100000", cfg.Limits.TextCap)
	}
	if cfg.Limits.ToolCap != 100 {
		t.Errorf("Limits.ToolCap = %d, want 100", cfg.Limits.ToolCap)
	}
	if cfg.Limits.MaxTombstones != 500 {
		t.Errorf("Limits.MaxTombstones = %d, want 500", cfg.Limits.MaxTombstones)
	}
	if cfg.Limits.ActiveTTL != 30*time.Minute {
		t.Errorf("Limits.ActiveTTL = %v, want %v", cfg.Limits.ActiveTTL, 30*time.Minute)
	}
	if cfg.Limits.TombstoneTTL != 2*time.Minute {
		t.Errorf("Limits.TombstoneTTL = %v, want %v", cfg.Limits.TombstoneTTL, 2*time.Minute)
	}
	if cfg.Limits.SweepInterval != 15*time.Second {
		t.Errorf("Limits.SweepInterval = %v, want %v", cfg.Limits.SweepInterval, 15*time.Second)
	}
	if cfg.Limits.DedupeWindow != 5*time.Second {
		t.Errorf("Limits.DedupeWindow = %v, want %v", cfg.Limits.DedupeWindow, 5*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_DB", "/var/lib/relay/relay.db")
	t.Setenv("RELAY_TEST_TS_KEY", "tskey-test-1234")

	configPath := writeConfig(t, `
tailscale:
  enabled: true
  hostname: "relay"
  auth_key: "${RELAY_TEST_TS_KEY}"

database:
  path: "${RELAY_TEST_DB}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/relay/relay.db" {
		t.Errorf("Database.Path = %q, want expanded env value", cfg.Database.Path)
	}
	if cfg.Tailscale.AuthKey != "tskey-test-1234" {
		t.Errorf("Tailscale.AuthKey = %q, want expanded env value", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"

database:
  path: "./test.db"

tailscale:
  auth_key: "${RELAY_DEFINITELY_UNSET_VAR}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tailscale.AuthKey != "" {
		t.Errorf("Tailscale.AuthKey = %q, want empty", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8080"

database:
  path: "./test.db"

limits:
  active_ttl: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "active_ttl") {
		t.Errorf("error %q should name the bad field", err.Error())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing http addr without tailscale",
			cfg:     Config{Database: DatabaseConfig{Path: "./db"}},
			wantErr: "http_addr",
		},
		{
			name: "tailscale without hostname",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: true},
				Database:  DatabaseConfig{Path: "./db"},
			},
			wantErr: "hostname",
		},
		{
			name: "missing database path",
			cfg: Config{
				Server: ServerConfig{HTTPAddr: "localhost:8080"},
			},
			wantErr: "database.path",
		},
		{
			name: "negative limit",
			cfg: Config{
				Server:   ServerConfig{HTTPAddr: "localhost:8080"},
				Database: DatabaseConfig{Path: "./db"},
				Limits:   LimitsConfig{TextCap: -1},
			},
			wantErr: "limits",
		},
		{
			name: "valid with tailscale only",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: true, Hostname: "relay"},
				Database:  DatabaseConfig{Path: "./db"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}
