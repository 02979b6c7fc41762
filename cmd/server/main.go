package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/voicebridge/internal/bridge"
	"github.com/chadiek/voicebridge/internal/config"
	"github.com/chadiek/voicebridge/internal/httpserver"
	"github.com/chadiek/voicebridge/internal/inference"
	"github.com/chadiek/voicebridge/internal/logging"
)

func main() {
	log := logging.Init()
	defer func() { _ = log.Sync() }()

	cfg := config.Load()

	backend, err := inference.Dial(cfg.ModelAddress())
	if err != nil {
		log.Fatalw("backend dial failed", "address", cfg.ModelAddress(), "error", err)
	}
	defer func() { _ = backend.Close() }()

	dial := func(ctx context.Context) (bridge.BackendStream, error) {
		return backend.OpenStream(ctx)
	}

	e := httpserver.NewRouter()
	httpserver.New(cfg, dial, log).Register(e)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("server listening", "address", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	case sig := <-sigChan:
		log.Infow("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnw("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
}
