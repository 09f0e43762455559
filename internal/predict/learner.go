package predict

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/pkg/types"
)

// DefaultMinSamples is the minimum verified URLs per structural signature
// before a pattern row is emitted.
const DefaultMinSamples = 3

// Learner derives per-host URL patterns from verified content
// classifications. Runs as a periodic batch; re-running on unchanged data
// writes identical rows.
type Learner struct {
	store      *store.Store
	minSamples int
	emitter    telemetry.Emitter
	logger     *zap.Logger
	cron       *cron.Cron
	clock      func() time.Time
}

// NewLearner creates a Learner from config.
func NewLearner(s *store.Store, cfg configtypes.PredictorConfig, emitter telemetry.Emitter, logger *zap.Logger) *Learner {
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	return &Learner{
		store:      s,
		minSamples: minSamples,
		emitter:    emitter,
		logger:     logger,
		clock:      time.Now,
	}
}

// Start schedules the batch on the configured cron expression (default
// every 15 minutes). Stop with Stop.
func (l *Learner) Start(schedule string) error {
	if schedule == "" {
		schedule = "@every 15m"
	}
	l.cron = cron.New()
	_, err := l.cron.AddFunc(schedule, func() {
		if _, err := l.RunOnce(); err != nil {
			l.logger.Error("Pattern learner batch failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("learner schedule %q: %w", schedule, err)
	}
	l.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for a running batch.
func (l *Learner) Stop() {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
}

// RunOnce executes one learner batch over every host with enough verified
// URLs. Returns the number of patterns upserted.
func (l *Learner) RunOnce() (int, error) {
	hosts, err := l.store.HostsWithVerifiedClassifications(l.minSamples)
	if err != nil {
		return 0, fmt.Errorf("learner: %w", err)
	}

	total := 0
	for _, host := range hosts {
		n, err := l.learnHost(host)
		if err != nil {
			l.logger.Warn("Pattern learning failed for host",
				zap.String("host", host), zap.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		l.emitter.Emit(telemetry.Event{
			Type:      telemetry.EventPatternLearned,
			Scope:     "learner",
			ItemCount: int64(total),
		})
	}
	return total, nil
}

type signatureGroup struct {
	counts map[types.Classification]int
	total  int
}

// learnHost groups the host's verified URLs by structural signature and
// upserts one pattern per signature that clears the sample threshold. The
// pattern's class is the group majority; accuracy starts at the majority
// fraction and is refined by later per-prediction verification.
func (l *Learner) learnHost(host string) (int, error) {
	verified, err := l.store.VerifiedClassificationsByHost(host, 5000)
	if err != nil {
		return 0, err
	}

	groups := map[string]*signatureGroup{}
	for _, v := range verified {
		sig := StructuralSignature(v.Path)
		g := groups[sig]
		if g == nil {
			g = &signatureGroup{counts: map[types.Classification]int{}}
			groups[sig] = g
		}
		g.counts[v.Classification]++
		g.total++
	}

	now := l.clock()
	written := 0
	for sig, g := range groups {
		if g.total < l.minSamples {
			continue
		}
		var majority types.Classification
		var majorityN int
		for class, n := range g.counts {
			if n > majorityN || (n == majorityN && class < majority) {
				majority, majorityN = class, n
			}
		}
		accuracy := float64(majorityN) / float64(g.total)
		if _, err := l.store.UpsertPattern(store.PatternRow{
			Host:            host,
			Template:        sig,
			Classification:  majority,
			SampleCount:     int64(g.total),
			VerifiedCount:   int64(g.total),
			VerifiedCorrect: int64(majorityN),
			Accuracy:        accuracy,
		}, now); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// LearnHubTemplates derives {place} URL templates from verified-present hub
// mappings, feeding the hub seeder. One template per distinct shape.
func (l *Learner) LearnHubTemplates(host string, placeSlugFor func(mappingID int64) string) (int, error) {
	mappings, err := l.store.Mappings(store.MappingFilter{
		Host:     host,
		Status:   types.MappingVerified,
		Presence: types.PresencePresent,
	})
	if err != nil {
		return 0, err
	}

	now := l.clock()
	seen := map[string]int{}
	for _, m := range mappings {
		slug := placeSlugFor(m.ID)
		if slug == "" {
			continue
		}
		path := pathOf(m.URL)
		if !strings.Contains(path, "/"+slug) {
			continue
		}
		template := strings.Replace(path, "/"+slug, "/{place}", 1)
		seen[template]++
	}

	written := 0
	for template, n := range seen {
		if _, err := l.store.UpsertPattern(store.PatternRow{
			Host:            host,
			Template:        template,
			Classification:  types.ClassHub,
			SampleCount:     int64(n),
			VerifiedCount:   int64(n),
			VerifiedCorrect: int64(n),
			Accuracy:        1.0,
		}, now); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func pathOf(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rest := rawURL[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			return rest[j:]
		}
		return "/"
	}
	return rawURL
}
