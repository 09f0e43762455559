// Command guess-place-hubs crosses a site's learned hub URL templates with
// the gazetteer and writes the resulting candidate mappings.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/config"
	"github.com/newsatlas/crawler/internal/common/logger"
	"github.com/newsatlas/crawler/internal/engine"
	"github.com/newsatlas/crawler/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to run manifest")
	domain := flag.String("domain", "", "host whose hub templates to cross (required)")
	kindsFlag := flag.String("kinds", "country,adm1", "comma-separated place kinds: country,adm1,adm2,city")
	limit := flag.Int("limit", 0, "maximum candidates to create (0 = all)")
	jsonOut := flag.Bool("json", false, "print candidates as JSON")
	flag.Parse()

	if *domain == "" {
		fmt.Fprintln(os.Stderr, "usage: guess-place-hubs --domain host [--kinds country,adm1,...]")
		os.Exit(2)
	}
	kinds, err := parseKinds(*kindsFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

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

	candidates, err := eng.Seeder().Seed(*domain, kinds, *limit)
	if err != nil {
		dynamicLogger.Error("Hub seeding failed", zap.Error(err))
		os.Exit(1)
	}

	if *jsonOut {
		type candidate struct {
			MappingID  int64          `json:"mapping_id"`
			URL        string         `json:"url"`
			PageKind   types.PageKind `json:"page_kind"`
			Confidence float64        `json:"confidence"`
		}
		out := make([]candidate, 0, len(candidates))
		for _, m := range candidates {
			out = append(out, candidate{
				MappingID: m.ID, URL: m.URL, PageKind: m.PageKind, Confidence: m.Confidence,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return
	}
	for _, m := range candidates {
		fmt.Printf("%s\t%s\tconfidence=%.2f\n", m.PageKind, m.URL, m.Confidence)
	}
	fmt.Printf("created %d candidate hub mappings for %s\n", len(candidates), *domain)
}

func parseKinds(raw string) ([]types.PlaceKind, error) {
	known := map[string]types.PlaceKind{
		"country": types.PlaceCountry,
		"adm1":    types.PlaceAdm1,
		"adm2":    types.PlaceAdm2,
		"city":    types.PlaceCity,
	}
	var kinds []types.PlaceKind
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		kind, ok := known[p]
		if !ok {
			return nil, fmt.Errorf("unknown place kind %q", p)
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no place kinds given")
	}
	return kinds, nil
}
