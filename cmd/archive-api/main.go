// Command archive-api serves the hub-archive control API without running
// a crawl: probe triggers, hub listings, and download-evidence queries over
// an existing store.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/api"
	"github.com/newsatlas/crawler/internal/common/config"
	"github.com/newsatlas/crawler/internal/common/logger"
	"github.com/newsatlas/crawler/internal/common/metricsserver"
	"github.com/newsatlas/crawler/internal/engine"
)

func main() {
	configPath := flag.String("config", "", "path to run manifest")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	initialLogger, err := logger.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	path, err := config.ResolvePath(*configPath)
	if err != nil {
		initialLogger.Error("No run manifest", zap.Error(err))
		os.Exit(2)
	}
	mgr, err := config.NewManager(path, initialLogger.Logger)
	if err != nil {
		initialLogger.Error("Failed to load config", zap.Error(err))
		os.Exit(2)
	}
	cfg := mgr.Config()
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	dynamicLogger, err := logger.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()
	apiLogger := dynamicLogger.Logger

	// The engine is wired for its store, prober, and event hub; no run
	// loop starts here.
	eng, err := engine.Build(mgr, apiLogger)
	if err != nil {
		apiLogger.Fatal("Failed to wire engine", zap.Error(err))
	}
	defer eng.Close()

	metricsServer, err := metricsserver.StartMetricsServer(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		eng.Metrics(),
		apiLogger,
	)
	if err != nil {
		apiLogger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	srv := api.NewServer(eng.Store(), eng.Prober(), eng.Queue(), eng.Hub(), cfg.API, apiLogger)
	if err := srv.Start(); err != nil {
		apiLogger.Fatal("Failed to start API server", zap.Error(err))
	}
	apiLogger.Info("Archive API listening", zap.String("addr", srv.Address()))

	dynamicLogger.SwitchToConfiguredLevel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	dynamicLogger.EnsureInfoLevelForShutdown()
	apiLogger.Info("Shutting down", zap.String("signal", sig.String()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		apiLogger.Warn("API server shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			apiLogger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
}
