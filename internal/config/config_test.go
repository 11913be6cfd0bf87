package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.ModelBackend != "mock" {
		t.Fatalf("ModelBackend = %q, want %q", cfg.ModelBackend, "mock")
	}
	if cfg.SessionMaxHistory != 100 {
		t.Fatalf("SessionMaxHistory = %d, want 100", cfg.SessionMaxHistory)
	}
	if cfg.SessionInactivityTimeout != 30*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %v, want 30m", cfg.SessionInactivityTimeout)
	}
	if cfg.MaxToolCalls != 5 {
		t.Fatalf("MaxToolCalls = %d, want 5", cfg.MaxToolCalls)
	}
	if cfg.ModelTemperature != 0.7 {
		t.Fatalf("ModelTemperature = %v, want 0.7", cfg.ModelTemperature)
	}
	if cfg.ConnectRetryBase != 500*time.Millisecond {
		t.Fatalf("ConnectRetryBase = %v, want 500ms", cfg.ConnectRetryBase)
	}
	if len(cfg.Servers) != 0 {
		t.Fatalf("Servers = %v, want empty map", cfg.Servers)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MODEL_BACKEND", "anthropic")
	t.Setenv("MODEL_NAME", "claude-3-5-sonnet-latest")
	t.Setenv("MODEL_API_KEY", " sk-test \n")
	t.Setenv("MODEL_TEMPERATURE", "0.2")
	t.Setenv("MAX_TOOL_CALLS", "8")
	t.Setenv("SESSION_SWEEP_INTERVAL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ModelBackend != "anthropic" || cfg.ModelName != "claude-3-5-sonnet-latest" {
		t.Fatalf("model config = %q/%q", cfg.ModelBackend, cfg.ModelName)
	}
	if cfg.ModelAPIKey != "sk-test" {
		t.Fatalf("ModelAPIKey = %q, want trimmed", cfg.ModelAPIKey)
	}
	if cfg.ModelTemperature != 0.2 {
		t.Fatalf("ModelTemperature = %v, want 0.2", cfg.ModelTemperature)
	}
	if cfg.MaxToolCalls != 8 {
		t.Fatalf("MaxToolCalls = %d, want 8", cfg.MaxToolCalls)
	}
	if cfg.SessionSweepInterval != time.Minute {
		t.Fatalf("SessionSweepInterval = %v, want 1m", cfg.SessionSweepInterval)
	}
}

func TestLoadServersConfig(t *testing.T) {
	setCoreEnvEmpty(t)

	path := filepath.Join(t.TempDir(), "servers.json")
	data := `{
		"finance": {"command": "python", "args": ["-m", "finance_server"], "env": {"LOG_LEVEL": "info"}},
		"academic": {"command": "./academic-server"}
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("MCP_SERVERS_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("Servers = %v, want 2 roles", cfg.Servers)
	}
	finance := cfg.Servers["finance"]
	if finance.Command != "python" || len(finance.Args) != 2 || finance.Env["LOG_LEVEL"] != "info" {
		t.Fatalf("finance spec = %+v", finance)
	}
}

func TestLoadServersConfigMissingCommand(t *testing.T) {
	setCoreEnvEmpty(t)

	path := filepath.Join(t.TempDir(), "servers.json")
	if err := os.WriteFile(path, []byte(`{"finance": {"args": ["x"]}}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("MCP_SERVERS_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing command rejected")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"MAX_TOOL_CALLS":             "0",
		"SESSION_MAX_HISTORY":        "-1",
		"SESSION_INACTIVITY_TIMEOUT": "1s",
		"MODEL_TEMPERATURE":          "warm",
		"CONNECT_RETRY_BASE":         "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want %s=%q rejected", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"SESSION_MAX_HISTORY",
		"SESSION_INACTIVITY_TIMEOUT",
		"SESSION_SWEEP_INTERVAL",
		"MODEL_BACKEND",
		"MODEL_NAME",
		"MODEL_API_KEY",
		"MODEL_BASE_URL",
		"MODEL_TEMPERATURE",
		"MODEL_MAX_TOKENS",
		"MAX_TOOL_CALLS",
		"HISTORY_WINDOW",
		"CONNECT_MAX_RETRIES",
		"CONNECT_RETRY_BASE",
		"CONNECT_RETRY_CAP",
		"MCP_SERVERS_CONFIG",
		"DATABASE_URL",
		"MEMORY_CONTEXT_LIMIT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
