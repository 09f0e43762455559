// Command crawl runs the news crawler: it resolves the run manifest,
// wires the engine, and executes either a named sequence or an ad-hoc
// run built from flags.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/api"
	"github.com/newsatlas/crawler/internal/common/config"
	"github.com/newsatlas/crawler/internal/common/logger"
	"github.com/newsatlas/crawler/internal/common/metricsserver"
	"github.com/newsatlas/crawler/internal/engine"
	"github.com/newsatlas/crawler/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to run manifest (default: config/crawler.yaml, then $CRAWLER_CONFIG)")
	startURL := flag.String("start-url", "", "comma-separated start URLs")
	sequence := flag.String("sequence", "", "named crawl sequence from the manifest")
	overrides := flag.String("shared-overrides", "", "JSON document merged over the loaded config")
	seedFromCache := flag.String("seed-from-cache", "", "comma-separated hosts whose verified downloads replay as seeds")
	maxAgeHubMs := flag.Int64("max-age-hub-ms", 0, "cache freshness window for hub pages, in milliseconds")
	maxPages := flag.Int("max-pages", 0, "cap on fetch attempts (0 = unbounded)")
	verbose := flag.Bool("verbose", false, "per-step narration")
	jsonOut := flag.Bool("json", false, "print the run report as JSON")
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
	initialLogger.Info("Starting crawler", zap.String("config_path", path))

	mgr, err := config.NewManager(path, initialLogger.Logger)
	if err != nil {
		initialLogger.Error("Failed to load config", zap.Error(err))
		os.Exit(2)
	}
	if err := mgr.MergeOverrides(*overrides); err != nil {
		initialLogger.Error("Failed to apply overrides", zap.Error(err))
		os.Exit(2)
	}
	cfg := mgr.Config()
	if *verbose {
		cfg.Crawl.Verbose = true
	}
	if *maxAgeHubMs > 0 {
		cfg.Crawl.MaxAgeHub = types.Duration(time.Duration(*maxAgeHubMs) * time.Millisecond)
	}

	spec, err := buildSpec(mgr, *sequence, *startURL, *seedFromCache, *maxPages)
	if err != nil {
		initialLogger.Error("Invalid run request", zap.Error(err))
		os.Exit(2)
	}

	dynamicLogger, err := logger.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()
	crawlLogger := dynamicLogger.Logger

	eng, err := engine.Build(mgr, crawlLogger)
	if err != nil {
		crawlLogger.Fatal("Failed to wire engine", zap.Error(err))
	}
	defer eng.Close()

	metricsServer, err := metricsserver.StartMetricsServer(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		eng.Metrics(),
		crawlLogger,
	)
	if err != nil {
		crawlLogger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(eng.Store(), eng.Prober(), eng.Queue(), eng.Hub(), cfg.API, crawlLogger)
		if err := apiServer.Start(); err != nil {
			crawlLogger.Fatal("Failed to start API server", zap.Error(err))
		}
		crawlLogger.Info("API server listening", zap.String("addr", apiServer.Address()))
	}

	if schedule := cfg.Predictor.LearnerSchedule; schedule != "" {
		if err := eng.Learner().Start(schedule); err != nil {
			crawlLogger.Warn("Pattern learner not scheduled", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dynamicLogger.SwitchToConfiguredLevel()
	report, runErr := eng.Run(ctx, spec)

	dynamicLogger.EnsureInfoLevelForShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			crawlLogger.Warn("API server shutdown failed", zap.Error(err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			crawlLogger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}

	if runErr != nil {
		crawlLogger.Error("Crawl run failed", zap.Error(runErr))
		os.Exit(1)
	}
	printReport(report, *jsonOut)
}

// buildSpec merges the sequence (if named) with flag-level overrides.
func buildSpec(mgr *config.Manager, sequence, startURL, seedHosts string, maxPages int) (engine.RunSpec, error) {
	var spec engine.RunSpec
	if sequence != "" {
		seq := mgr.Sequence(sequence)
		if seq == nil {
			return spec, fmt.Errorf("unknown sequence %q", sequence)
		}
		spec = engine.SpecForSequence(seq)
	}
	if startURL != "" {
		spec.StartURLs = append(spec.StartURLs, splitList(startURL)...)
	}
	if seedHosts != "" {
		spec.SeedHosts = append(spec.SeedHosts, splitList(seedHosts)...)
	}
	if maxPages > 0 {
		spec.MaxPages = maxPages
	}
	if len(spec.StartURLs) == 0 && len(spec.SeedHosts) == 0 {
		return spec, fmt.Errorf("nothing to crawl: pass --start-url, --seed-from-cache, or --sequence")
	}
	return spec, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printReport(report *engine.RunReport, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		return
	}
	fmt.Printf("task %s: %d verified, %d fetched, %d failed, %d cache hits, %d still queued (%.0fs)\n",
		report.TaskID, report.Verified, report.PagesFetched, report.PagesFailed,
		report.CacheHits, report.QueueRemained, report.End.Sub(report.Start).Seconds())
}
