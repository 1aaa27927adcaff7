// Package main runs the evidence retrieval service: HTTP API, MCP and health.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bull/evidence-rag/internal/api"
	"github.com/bull/evidence-rag/internal/app"
	"github.com/bull/evidence-rag/internal/config"
	mcpserver "github.com/bull/evidence-rag/internal/mcp"
)

var version = "dev"

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("failed to start", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	server := mcpserver.NewServer(&mcpserver.Config{
		Search:   a.Search,
		Ingestor: a.Indexer,
		Store:    a.Retriever,
		Version:  version,
	})

	mux := api.NewHandler(api.Config{
		Search:   a.Search,
		Ingestor: a.Indexer,
		Store:    a.Retriever,
		Logger:   logger,
	}).Routes()
	mux.Handle("/mcp", mcpserver.NewHTTPHandler(server, nil))

	if retention := cfg.Ingestion.StatusRetention; retention > 0 {
		go pruneStatuses(ctx, a, retention)
	}

	httpServer := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.ServerMode {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "err", err)
			}
		}()

		logger.Info("starting HTTP server", "addr", httpServer.Addr, "backend", a.Retriever.Kind())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "err", err)
			os.Exit(1)
		}
		return
	}

	// Stdio mode for local MCP clients; the HTTP API still runs in the background.
	go func() {
		logger.Info("starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("HTTP server error", "err", err)
		}
	}()

	logger.Info("starting MCP server (stdio mode)", "backend", a.Retriever.Kind())
	if err := server.Run(ctx); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	_ = httpServer.Close()
}

// pruneStatuses periodically drops finished ingestion statuses older than retention.
func pruneStatuses(ctx context.Context, a *app.App, retention time.Duration) {
	ticker := time.NewTicker(min(retention, time.Hour))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Indexer.PruneStatuses(ctx, retention); err != nil {
				a.Logger.Warn("status pruning failed", "err", err)
			}
		}
	}
}
