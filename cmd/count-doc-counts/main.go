// Command count-doc-counts reports verified download counts per host,
// straight from the evidence tables.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/config"
	"github.com/newsatlas/crawler/internal/common/logger"
	"github.com/newsatlas/crawler/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to run manifest")
	threshold := flag.Int64("threshold", 0, "only report hosts with at least this many verified downloads")
	check := flag.Bool("check", false, "exit 1 when no host reaches the threshold")
	jsonOut := flag.Bool("json", false, "print counts as JSON")
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

	s, err := store.Open(mgr.Config().Database, initialLogger.Logger)
	if err != nil {
		initialLogger.Error("Failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer s.Close()

	counts, err := s.VerifiedCountsByHost(*threshold)
	if err != nil {
		initialLogger.Error("Count query failed", zap.Error(err))
		os.Exit(1)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(counts)
	} else {
		var total int64
		for _, c := range counts {
			fmt.Printf("%8d  %s\n", c.Verified, c.Host)
			total += c.Verified
		}
		fmt.Printf("%8d  total across %d hosts\n", total, len(counts))
	}

	if *check && len(counts) == 0 {
		os.Exit(1)
	}
}
