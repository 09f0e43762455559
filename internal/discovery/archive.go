package discovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/queue"
	"github.com/newsatlas/crawler/internal/telemetry"
)

// Archive probe defaults.
const (
	DefaultProbeCooldown     = time.Hour
	DefaultLowQueueThreshold = 10
	DefaultMaxYearsBack      = 2
)

// ArchiveProber injects archive and sitemap probe URLs for a host when its
// queue runs low. Probes go through the ordinary queue and fetch pipeline;
// sitemap bodies come back to discovery for parsing.
type ArchiveProber struct {
	orch      *queue.Orchestrator
	cfg       configtypes.DiscoveryConfig
	lastProbe *xsync.Map[string, time.Time]
	emitter   telemetry.Emitter
	logger    *zap.Logger
	clock     func() time.Time
}

// NewArchiveProber wires the prober.
func NewArchiveProber(orch *queue.Orchestrator, cfg configtypes.DiscoveryConfig, emitter telemetry.Emitter, logger *zap.Logger) *ArchiveProber {
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	return &ArchiveProber{
		orch:      orch,
		cfg:       cfg,
		lastProbe: xsync.NewMap[string, time.Time](),
		emitter:   emitter,
		logger:    logger,
		clock:     time.Now,
	}
}

// MaybeProbe admits probe URLs for a host if its queue depth fell below the
// threshold and the cooldown elapsed. sections lists known section path
// prefixes for per-section archive probes (may be empty). Returns the number
// of probe URLs admitted.
func (a *ArchiveProber) MaybeProbe(host string, sections []string) (int, error) {
	depth, err := a.orch.Depth(host)
	if err != nil {
		return 0, fmt.Errorf("archive probe %q: %w", host, err)
	}
	if depth >= int64(a.lowQueueThreshold()) {
		return 0, nil
	}

	now := a.clock()
	if last, ok := a.lastProbe.Load(host); ok && now.Sub(last) < a.cooldown() {
		return 0, nil
	}
	a.lastProbe.Store(host, now)

	admitted := 0
	for _, probeURL := range a.probeURLs(host, sections, now) {
		out, err := a.orch.Admit(queue.Candidate{RawURL: probeURL})
		if err != nil {
			a.logger.Warn("Archive probe admit failed",
				zap.String("url", probeURL), zap.Error(err))
			continue
		}
		if out.Admitted {
			admitted++
		}
	}

	a.emitter.Emit(telemetry.Event{
		Type:      telemetry.EventArchiveProbed,
		Scope:     "host",
		Target:    host,
		ItemCount: int64(admitted),
	})
	return admitted, nil
}

// probeURLs builds the probe list: well-known archive endpoints, per-section
// archives, then date-patterned paths back maxYearsBack.
func (a *ArchiveProber) probeURLs(host string, sections []string, now time.Time) []string {
	base := "https://" + host
	urls := []string{
		base + "/archive",
		base + "/sitemap.xml",
		base + "/sitemap-news.xml",
		base + "/robots.txt",
	}
	for _, section := range sections {
		section = "/" + strings.Trim(section, "/")
		urls = append(urls, base+section+"/archive")
	}
	urls = append(urls, base+"/blog/archive")

	year := now.Year()
	for back := 0; back < a.maxYearsBack(); back++ {
		y := year - back
		urls = append(urls, fmt.Sprintf("%s/%d/", base, y))
		for month := 1; month <= 12; month++ {
			if y == year && month > int(now.Month()) {
				continue
			}
			urls = append(urls, fmt.Sprintf("%s/%d/%02d/", base, y, month))
		}
	}
	return urls
}

func (a *ArchiveProber) cooldown() time.Duration {
	if d := a.cfg.ArchiveProbeCooldown.ToDuration(); d > 0 {
		return d
	}
	return DefaultProbeCooldown
}

func (a *ArchiveProber) lowQueueThreshold() int {
	if a.cfg.LowQueueThreshold > 0 {
		return a.cfg.LowQueueThreshold
	}
	return DefaultLowQueueThreshold
}

func (a *ArchiveProber) maxYearsBack() int {
	if a.cfg.MaxYearsBack > 0 {
		return a.cfg.MaxYearsBack
	}
	return DefaultMaxYearsBack
}
