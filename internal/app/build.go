package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jojopeligroso/mycastle-host/internal/config"
	"github.com/jojopeligroso/mycastle-host/internal/connection"
	"github.com/jojopeligroso/mycastle-host/internal/host"
	"github.com/jojopeligroso/mycastle-host/internal/httpapi"
	"github.com/jojopeligroso/mycastle-host/internal/memory"
	"github.com/jojopeligroso/mycastle-host/internal/model"
	"github.com/jojopeligroso/mycastle-host/internal/observability"
	"github.com/jojopeligroso/mycastle-host/internal/router"
	"github.com/jojopeligroso/mycastle-host/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Host     *host.Host
	Sessions *session.Manager
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires every subsystem from config: memory store, model client, role
// server pool, session manager, router, host facade, and the HTTP API.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	client, err := model.New(model.Config{
		Backend:     cfg.ModelBackend,
		Model:       cfg.ModelName,
		APIKey:      cfg.ModelAPIKey,
		BaseURL:     cfg.ModelBaseURL,
		Temperature: cfg.ModelTemperature,
		MaxTokens:   cfg.ModelMaxTokens,
	})
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("model client init failed: %w", err)
	}

	pool := connection.NewManager(cfg.Servers, connection.RetryPolicy{
		MaxRetries: cfg.ConnectMaxRetries,
		Base:       cfg.ConnectRetryBase,
		Cap:        cfg.ConnectRetryCap,
	})

	sessions := session.NewManager(cfg.SessionMaxHistory, cfg.SessionInactivityTimeout)

	r := router.New(sessions, pool, client, memoryStore, metrics, router.Config{
		MaxToolCalls:  cfg.MaxToolCalls,
		HistoryWindow: cfg.HistoryWindow,
		MemoryLimit:   cfg.MemoryContextLimit,
	})

	h := host.New(sessions, pool, r, memoryStore, metrics, cfg.SessionSweepInterval)

	api := httpapi.New(cfg, h, metrics)

	cleanup := func() error {
		var errs []string
		pool.DisconnectAll()
		if err := memoryStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Host:     h,
		Sessions: sessions,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
