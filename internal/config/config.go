package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/transport"
)

// Config contains all runtime settings for the host service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SessionMaxHistory        int
	SessionInactivityTimeout time.Duration
	SessionSweepInterval     time.Duration

	ModelBackend     string
	ModelName        string
	ModelAPIKey      string
	ModelBaseURL     string
	ModelTemperature float64
	ModelMaxTokens   int

	MaxToolCalls  int
	HistoryWindow int

	ConnectMaxRetries int
	ConnectRetryBase  time.Duration
	ConnectRetryCap   time.Duration

	// ServersConfigPath points at a JSON file mapping role names to server
	// launch specs. Empty means no role servers are configured.
	ServersConfigPath string
	Servers           map[string]transport.ServerSpec

	DatabaseURL        string
	MemoryContextLimit int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "mycastle"),
		AllowAnyOrigin:           false,
		SessionMaxHistory:        100,
		SessionInactivityTimeout: 30 * time.Minute,
		SessionSweepInterval:     5 * time.Minute,
		ModelBackend:             envOrDefault("MODEL_BACKEND", "mock"),
		ModelName:                stringsTrimSpace("MODEL_NAME"),
		ModelAPIKey:              stringsTrimSpace("MODEL_API_KEY"),
		ModelBaseURL:             stringsTrimSpace("MODEL_BASE_URL"),
		ModelTemperature:         0.7,
		ModelMaxTokens:           1024,
		MaxToolCalls:             5,
		HistoryWindow:            10,
		ConnectMaxRetries:        2,
		ConnectRetryBase:         500 * time.Millisecond,
		ConnectRetryCap:          5 * time.Second,
		ServersConfigPath:        stringsTrimSpace("MCP_SERVERS_CONFIG"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		MemoryContextLimit:       5,
		ShutdownTimeout:          15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxHistory, err = intFromEnv("SESSION_MAX_HISTORY", cfg.SessionMaxHistory)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelTemperature, err = floatFromEnv("MODEL_TEMPERATURE", cfg.ModelTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelMaxTokens, err = intFromEnv("MODEL_MAX_TOKENS", cfg.ModelMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxToolCalls, err = intFromEnv("MAX_TOOL_CALLS", cfg.MaxToolCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryWindow, err = intFromEnv("HISTORY_WINDOW", cfg.HistoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectMaxRetries, err = intFromEnv("CONNECT_MAX_RETRIES", cfg.ConnectMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectRetryBase, err = durationFromEnv("CONNECT_RETRY_BASE", cfg.ConnectRetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectRetryCap, err = durationFromEnv("CONNECT_RETRY_CAP", cfg.ConnectRetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryContextLimit, err = intFromEnv("MEMORY_CONTEXT_LIMIT", cfg.MemoryContextLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionMaxHistory <= 0 {
		return Config{}, fmt.Errorf("SESSION_MAX_HISTORY must be positive")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MaxToolCalls <= 0 {
		return Config{}, fmt.Errorf("MAX_TOOL_CALLS must be positive")
	}
	if cfg.ModelMaxTokens <= 0 {
		return Config{}, fmt.Errorf("MODEL_MAX_TOKENS must be positive")
	}
	if cfg.ConnectMaxRetries < 0 {
		return Config{}, fmt.Errorf("CONNECT_MAX_RETRIES must be >= 0")
	}

	cfg.Servers, err = loadServers(cfg.ServersConfigPath)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadServers parses the role-to-server map. A missing path yields an empty
// map so the host can run without any role servers attached.
func loadServers(path string) (map[string]transport.ServerSpec, error) {
	if path == "" {
		return map[string]transport.ServerSpec{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers config: %w", err)
	}

	var servers map[string]transport.ServerSpec
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("parse servers config %s: %w", path, err)
	}

	for role, spec := range servers {
		if strings.TrimSpace(spec.Command) == "" {
			return nil, fmt.Errorf("servers config %s: role %q has no command", path, role)
		}
	}

	return servers, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
