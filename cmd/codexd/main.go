// Package main is the entry point for the codexd daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codexd/codexd/internal/codexruntime"
	"github.com/codexd/codexd/internal/common/config"
	"github.com/codexd/codexd/internal/common/httpmw"
	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/common/tracing"
	"github.com/codexd/codexd/internal/identity"
	"github.com/codexd/codexd/internal/run/backlog"
	"github.com/codexd/codexd/internal/run/broadcast"
	"github.com/codexd/codexd/internal/run/handlers"
	"github.com/codexd/codexd/internal/run/manager"
	"github.com/codexd/codexd/internal/run/rollup"
	"github.com/codexd/codexd/internal/run/store"
)

// Version is stamped at build time via -ldflags.
var (
	Version              = "dev"
	InformationalVersion = "codexd dev build"
)

func main() {
	startedAt := time.Now().UTC()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting codexd...", zap.String("version", Version))

	// 3. Resolve state directory and identity
	stateDir, err := cfg.State.StateDir()
	if err != nil {
		log.Fatal("Failed to resolve state directory", zap.Error(err))
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err))
	}
	ident, err := identity.LoadOrCreate(stateDir)
	if err != nil {
		log.Fatal("Failed to load identity", zap.Error(err))
	}

	// 4. Open the run store
	st, err := store.New(stateDir, store.Options{PersistRaw: cfg.Events.PersistRaw}, log)
	if err != nil {
		log.Fatal("Failed to open run store", zap.Error(err))
	}

	// 5. Build the event pipeline
	bc := broadcast.New(log)
	bl := backlog.New(log)
	rw := rollup.NewWriter(st, log)

	// 6. Start the Codex runtime supervisor
	runtime := codexruntime.New(cfg.Codex, Version, log)

	// 7. Create the run manager and wire the disconnect hook
	mgr := manager.New(st, bc, bl, rw, runtime, cfg.Codex, log)
	runtime.SetDisconnectHandler(func(reason string) {
		mgr.PauseAllInProgress(reason)
	})
	runtime.Start()

	// 8. Reconcile runs orphaned by a previous instance
	mgr.ReconcileOrphans(startedAt)

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "codexd"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing("codexd"))

	// 10. Register API routes
	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	info := handlers.Info{
		StartedAtUtc:         startedAt,
		RunnerID:             ident.RunnerID,
		Version:              Version,
		InformationalVersion: InformationalVersion,
		Listen:               cfg.Server.Host,
		Port:                 cfg.Server.Port,
		RequireAuth:          cfg.Auth.RequireAuth,
		StateDir:             stateDir,
		BaseURL:              baseURL,
	}
	var authMW gin.HandlerFunc
	if cfg.Auth.RequireAuth {
		authMW = httpmw.BearerAuth(ident.Token)
	}
	h := handlers.New(mgr, st, bc, bl, runtime, info, log)
	h.SetupRoutes(router, authMW)

	// 11. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Publish the discovery document
	err = identity.WriteRuntimeDoc(stateDir, identity.RuntimeDoc{
		BaseURL:      baseURL,
		Port:         cfg.Server.Port,
		PID:          os.Getpid(),
		StartedAtUtc: startedAt,
		StateDir:     stateDir,
		Version:      Version,
	})
	if err != nil {
		log.Warn("Failed to write runtime discovery doc", zap.Error(err))
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down codexd...")

	// 15. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := identity.RemoveRuntimeDoc(stateDir); err != nil {
		log.Warn("Failed to remove runtime discovery doc", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Park in-flight runs and stop the agent runtime in parallel.
	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return mgr.Shutdown(gctx) })
	g.Go(func() error { return runtime.Shutdown(gctx) })
	if err := g.Wait(); err != nil {
		log.Error("Shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("codexd stopped")
}
