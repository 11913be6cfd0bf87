package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jojopeligroso/mycastle-host/internal/app"
	"github.com/jojopeligroso/mycastle-host/internal/config"
)

func main() {
	// Local development keeps settings in a .env file; absence is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	result, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("build error: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	if err := result.Host.Start(runCtx); err != nil {
		log.Fatalf("host start error: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: result.API.Router(),
	}

	go func() {
		log.Printf("server listening on %s (model backend %s, %d role servers)",
			cfg.BindAddr, cfg.ModelBackend, len(cfg.Servers))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	result.Host.Shutdown(shutdownCtx)
	runCancel()
	if err := result.Cleanup(); err != nil {
		log.Printf("cleanup: %v", err)
	}

	log.Printf("shutdown complete")
}
