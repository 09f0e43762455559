// Command verified-crawl crawls toward a verified-download target and
// prints a verification report whose counts come from the database, not
// from in-process tallies. Exit codes: 0 target reached, 1 target missed,
// 2 usage or configuration error.
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
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/config"
	"github.com/newsatlas/crawler/internal/common/logger"
	"github.com/newsatlas/crawler/internal/engine"
)

// verification is the claimed-versus-actual report printed after the run.
type verification struct {
	TaskID    string `json:"task_id"`
	URL       string `json:"url"`
	Target    int    `json:"target"`
	Baseline  int64  `json:"baseline"`
	Claimed   int64  `json:"claimed"`
	Actual    int64  `json:"actual"`
	Valid     bool   `json:"valid"`
	Achieved  bool   `json:"achieved"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func main() {
	configPath := flag.String("config", "", "path to run manifest")
	target := flag.Int("target", 0, "verified downloads to reach (required)")
	timeoutMs := flag.Int64("timeout", 0, "run timeout in milliseconds")
	maxPages := flag.Int("max-pages", 0, "cap on fetch attempts (0 = unbounded)")
	jsonOut := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	if flag.NArg() != 1 || *target <= 0 {
		fmt.Fprintln(os.Stderr, "usage: verified-crawl <url> --target N [--timeout ms]")
		os.Exit(2)
	}
	startURL := flag.Arg(0)

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
	report, runErr := eng.Run(ctx, engine.RunSpec{
		StartURLs: []string{startURL},
		Target:    *target,
		MaxPages:  *maxPages,
		Timeout:   time.Duration(*timeoutMs) * time.Millisecond,
	})
	dynamicLogger.EnsureInfoLevelForShutdown()
	if runErr != nil {
		dynamicLogger.Error("Crawl run failed", zap.Error(runErr))
		os.Exit(1)
	}

	// Re-count from the store so the report cannot claim more than the
	// evidence supports.
	actual, err := eng.Store().VerifiedCount(report.Start, report.End)
	if err != nil {
		dynamicLogger.Error("Verification query failed", zap.Error(err))
		os.Exit(1)
	}

	v := verification{
		TaskID:    report.TaskID,
		URL:       startURL,
		Target:    *target,
		Baseline:  report.Baseline,
		Claimed:   report.Verified,
		Actual:    actual,
		Valid:     actual >= report.Verified,
		Achieved:  actual >= int64(*target),
		ElapsedMs: report.End.Sub(report.Start).Milliseconds(),
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(v)
	} else {
		fmt.Printf("task %s: target %d, verified %d (claimed %d, baseline %d) in %dms\n",
			v.TaskID, v.Target, v.Actual, v.Claimed, v.Baseline, v.ElapsedMs)
	}
	if !v.Achieved {
		os.Exit(1)
	}
}
