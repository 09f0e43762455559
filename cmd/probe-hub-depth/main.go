// Command probe-hub-depth measures the archive depth of verified hub
// mappings and records the results on their rows.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/config"
	"github.com/newsatlas/crawler/internal/common/logger"
	"github.com/newsatlas/crawler/internal/engine"
)

func main() {
	configPath := flag.String("config", "", "path to run manifest")
	host := flag.String("host", "", "restrict probing to this host")
	limit := flag.Int("limit", 0, "maximum mappings to probe (0 = all)")
	jsonOut := flag.Bool("json", false, "print probe reports as JSON")
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

	dynamicLogger, err := logger.NewLoggerWithStartupOverride(mgr.Config().Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()

	eng, err := engine.Build(mgr, dynamicLogger.Logger)
	if err != nil {
		dynamicLogger.Fatal("Failed to wire engine", zap.Error(err))
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dynamicLogger.SwitchToConfiguredLevel()
	reports, err := eng.Prober().ProbeAll(ctx, *host, *limit)
	dynamicLogger.EnsureInfoLevelForShutdown()
	if err != nil {
		dynamicLogger.Error("Depth probing failed", zap.Error(err))
		os.Exit(1)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(reports)
		return
	}
	for _, r := range reports {
		oldest := "-"
		if !r.OldestContent.IsZero() {
			oldest = r.OldestContent.Format("2006-01-02")
		}
		fmt.Printf("mapping %d: %s depth=%d oldest=%s (%d pages fetched)\n",
			r.MappingID, r.URL, r.Depth, oldest, r.PagesFetched)
	}
	fmt.Printf("probed %d mappings\n", len(reports))
}
