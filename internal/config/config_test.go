// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults, and validation

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
	path := writeConfig(t, `
server:
  grpc_addr: "0.0.0.0:50061"
  http_addr: "0.0.0.0:8090"
  server_id: "gw-1"

state:
  backend: "redis"
  redis:
    addr: "localhost:6379"
    db: 2
    prefix: "test:"

registry:
  placement: "least_loaded"
  shards: 32

messages:
  replay_window: "10s"
  dead_letter_capacity: 50
  dedupe_ttl: "1m"

rpc:
  default_timeout: "2s"
  max_timeout: "1m"

workers:
  send_queue_size: 64
  max_events_per_second: 100
  event_burst: 20
  keepalive_time: "20s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50061" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50061")
	}
	if cfg.Server.ServerID != "gw-1" {
		t.Errorf("Server.ServerID = %q, want %q", cfg.Server.ServerID, "gw-1")
	}
	if cfg.State.Backend != "redis" || cfg.State.Redis.Addr != "localhost:6379" || cfg.State.Redis.DB != 2 {
		t.Errorf("State = %+v, want redis at localhost:6379 db 2", cfg.State)
	}
	if cfg.Registry.Placement != "least_loaded" || cfg.Registry.Shards != 32 {
		t.Errorf("Registry = %+v", cfg.Registry)
	}
	if cfg.Messages.ReplayWindow != 10*time.Second {
		t.Errorf("Messages.ReplayWindow = %v, want 10s", cfg.Messages.ReplayWindow)
	}
	if cfg.Messages.DeadLetterCapacity != 50 {
		t.Errorf("Messages.DeadLetterCapacity = %d, want 50", cfg.Messages.DeadLetterCapacity)
	}
	if cfg.Messages.DedupeTTL != time.Minute {
		t.Errorf("Messages.DedupeTTL = %v, want 1m", cfg.Messages.DedupeTTL)
	}
	if cfg.RPC.DefaultTimeout != 2*time.Second || cfg.RPC.MaxTimeout != time.Minute {
		t.Errorf("RPC = %+v", cfg.RPC)
	}
	if cfg.Workers.MaxEventsPerSecond != 100 || cfg.Workers.EventBurst != 20 || cfg.Workers.SendQueueSize != 64 {
		t.Errorf("Workers = %+v", cfg.Workers)
	}
	if cfg.Workers.KeepaliveTime != 20*time.Second {
		t.Errorf("Workers.KeepaliveTime = %v, want 20s", cfg.Workers.KeepaliveTime)
	}
	// unset duration keeps its default
	if cfg.Workers.KeepaliveTimeout != 5*time.Second {
		t.Errorf("Workers.KeepaliveTimeout = %v, want 5s", cfg.Workers.KeepaliveTimeout)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_COVEN_JWT_SECRET", strings.Repeat("s", 40))
	t.Setenv("TEST_COVEN_PG", "postgres://localhost/coven")

	path := writeConfig(t, `
state:
  backend: "postgres"
  postgres_url: "${TEST_COVEN_PG}"
auth:
  enabled: true
  jwt_secret: "${TEST_COVEN_JWT_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.PostgresURL != "postgres://localhost/coven" {
		t.Errorf("State.PostgresURL = %q", cfg.State.PostgresURL)
	}
	if cfg.Auth.JWTSecret != strings.Repeat("s", 40) {
		t.Errorf("Auth.JWTSecret was not expanded")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.State.Backend != "memory" {
		t.Errorf("State.Backend = %q, want memory", cfg.State.Backend)
	}
	if cfg.Registry.Placement != "round_robin" {
		t.Errorf("Registry.Placement = %q, want round_robin", cfg.Registry.Placement)
	}
	if cfg.Messages.ReplayWindow != 5*time.Second {
		t.Errorf("Messages.ReplayWindow = %v, want 5s", cfg.Messages.ReplayWindow)
	}
	if cfg.Messages.DeadLetterCapacity != 1000 {
		t.Errorf("Messages.DeadLetterCapacity = %d, want 1000", cfg.Messages.DeadLetterCapacity)
	}
	if cfg.RPC.DefaultTimeout != 30*time.Second {
		t.Errorf("RPC.DefaultTimeout = %v, want 30s", cfg.RPC.DefaultTimeout)
	}
	if cfg.Workers.KeepaliveTime != 15*time.Second {
		t.Errorf("Workers.KeepaliveTime = %v, want 15s", cfg.Workers.KeepaliveTime)
	}
	if cfg.Server.ServerID == "" {
		t.Error("Server.ServerID should default to a non-empty value")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "rpc:\n  default_timeout: \"soon\"\n",
			wantErr: "rpc.default_timeout",
		},
		{
			name:    "unknown backend",
			content: "state:\n  backend: \"etcd\"\n",
			wantErr: "state.backend",
		},
		{
			name:    "sqlite without path",
			content: "state:\n  backend: \"sqlite\"\n",
			wantErr: "state.sqlite_path",
		},
		{
			name:    "unknown placement",
			content: "registry:\n  placement: \"random\"\n",
			wantErr: "registry.placement",
		},
		{
			name:    "default above max",
			content: "rpc:\n  default_timeout: \"10m\"\n  max_timeout: \"1m\"\n",
			wantErr: "exceeds rpc.max_timeout",
		},
		{
			name:    "short jwt secret",
			content: "auth:\n  enabled: true\n  jwt_secret: \"short\"\n",
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "invalid yaml",
			content: "server: [unclosed\n",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("a${COVEN_TEST_DEFINITELY_UNSET}b")
	if got != "ab" {
		t.Errorf("expandEnvVars() = %q, want %q", got, "ab")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_RUNTIME_CONFIG", "/etc/coven/runtime.yaml")
	if got := DefaultPath(); got != "/etc/coven/runtime.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("COVEN_RUNTIME_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	t.Chdir(t.TempDir())
	if got := DefaultPath(); got != filepath.Join("/tmp/xdg", "coven", "runtime.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
