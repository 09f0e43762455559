package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/predict"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(configtypes.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "crawl.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newOrchestrator(t *testing.T, s *store.Store, hostCfg HostConfigFunc) *Orchestrator {
	t.Helper()
	return NewOrchestrator(s, nil, configtypes.QueueConfig{}, hostCfg, nil, zap.NewNop())
}

func TestAdmit_Dedupe(t *testing.T) {
	s := newTestStore(t)
	o := newOrchestrator(t, s, nil)

	first, err := o.Admit(Candidate{RawURL: "https://Example.com/World/France/"})
	require.NoError(t, err)
	assert.True(t, first.Admitted)

	// Same URL modulo case, trailing slash: dedupes to one entry.
	second, err := o.Admit(Candidate{RawURL: "https://example.com/World/France"})
	require.NoError(t, err)
	assert.True(t, second.Admitted)
	assert.Equal(t, first.URL.ID, second.URL.ID)

	counts, err := s.QueueStateCounts()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[types.QueueQueued])
}

func TestAdmit_BlockPrivateHosts(t *testing.T) {
	s := newTestStore(t)
	o := NewOrchestrator(s, nil, configtypes.QueueConfig{BlockPrivateHosts: true}, nil, nil, zap.NewNop())

	blocked, err := o.Admit(Candidate{RawURL: "http://127.0.0.1:8080/admin"})
	require.NoError(t, err)
	assert.False(t, blocked.Admitted)
	assert.Equal(t, "private address", blocked.Reason)

	blocked, err = o.Admit(Candidate{RawURL: "http://192.168.1.10/"})
	require.NoError(t, err)
	assert.False(t, blocked.Admitted)

	// Domain names pass; only IP literals are checked at admission.
	ok, err := o.Admit(Candidate{RawURL: "https://example.com/world"})
	require.NoError(t, err)
	assert.True(t, ok.Admitted)
}

func TestAdmit_PriorityShares(t *testing.T) {
	s := newTestStore(t)
	o := newOrchestrator(t, s, nil)

	page1, err := o.Admit(Candidate{RawURL: "https://example.com/world?page=1", PageNumber: 1})
	require.NoError(t, err)
	page5, err := o.Admit(Candidate{RawURL: "https://example.com/world?page=5", PageNumber: 5})
	require.NoError(t, err)
	assert.Greater(t, page1.Priority, page5.Priority, "earlier archive pages rank higher")

	bigCity, err := o.Admit(Candidate{RawURL: "https://example.com/city/tokyo", Population: 37_000_000})
	require.NoError(t, err)
	village, err := o.Admit(Candidate{RawURL: "https://example.com/city/smallville", Population: 900})
	require.NoError(t, err)
	assert.Greater(t, bigCity.Priority, village.Priority)
}

func TestAdmit_SkipRule(t *testing.T) {
	s := newTestStore(t)
	rule := types.URLRule{Match: "/tag/*", Action: types.ActionSkip}
	require.NoError(t, rule.CompilePatterns())
	hc := &configtypes.HostConfig{Host: "example.com", URLRules: types.URLRules{rule}}

	o := newOrchestrator(t, s, func(host string) *configtypes.HostConfig {
		if host == "example.com" {
			return hc
		}
		return nil
	})

	out, err := o.Admit(Candidate{RawURL: "https://example.com/tag/celebrity"})
	require.NoError(t, err)
	assert.False(t, out.Admitted)
	assert.Equal(t, "skip rule", out.Reason)

	out, err = o.Admit(Candidate{RawURL: "https://example.com/world/france"})
	require.NoError(t, err)
	assert.True(t, out.Admitted)
}

func TestAdmit_PredictedLowValueRejected(t *testing.T) {
	s := newTestStore(t)

	// Teach the predictor that /tag/... is nav on this host.
	now := time.Now()
	for _, raw := range []string{
		"https://example.com/tag/celebrity-gossip-and-entertainment",
		"https://example.com/tag/politics-westminster-coverage-all",
		"https://example.com/tag/sport-football-premier-league-news",
	} {
		u, err := s.EnsureURL(raw, now)
		require.NoError(t, err)
		_, contentID, err := s.RecordResponse(store.ResponseRecord{
			URLID: u.ID, Status: 200, Bytes: 1024,
			Body: []byte("<html>nav</html>"), Source: types.SourceNetwork, FetchedAt: now,
		})
		require.NoError(t, err)
		_, err = s.InsertAnalysis(contentID, types.ClassNav, 0.9, "", now)
		require.NoError(t, err)
	}
	learner := predict.NewLearner(s, configtypes.PredictorConfig{MinSamples: 3}, nil, zap.NewNop())
	_, err := learner.RunOnce()
	require.NoError(t, err)

	o := NewOrchestrator(s, predict.NewPredictor(s, zap.NewNop()),
		configtypes.QueueConfig{MinPredictedConfidence: 0.8}, nil, nil, zap.NewNop())

	out, err := o.Admit(Candidate{RawURL: "https://example.com/tag/culture-music-festivals-roundup-new"})
	require.NoError(t, err)
	assert.False(t, out.Admitted)
	assert.Equal(t, "predicted low-value", out.Reason)
}

func TestLease_SingleFlight(t *testing.T) {
	s := newTestStore(t)
	o := newOrchestrator(t, s, nil)

	_, err := o.Admit(Candidate{RawURL: "https://example.com/world/france"})
	require.NoError(t, err)

	q1, u1, err := o.Lease("worker-1")
	require.NoError(t, err)
	require.NotNil(t, q1)
	assert.Equal(t, "worker-1", q1.LeaseOwner)

	q2, _, err := o.Lease("worker-2")
	require.NoError(t, err)
	assert.Nil(t, q2, "a leased URL must not be leased again")

	require.NoError(t, o.Complete(u1.ID))
	q3, _, err := o.Lease("worker-2")
	require.NoError(t, err)
	assert.Nil(t, q3, "done entries stay done")
}

func TestDefer_RequeuesWithDelay(t *testing.T) {
	s := newTestStore(t)
	o := newOrchestrator(t, s, nil)

	_, err := o.Admit(Candidate{RawURL: "https://example.com/world/france"})
	require.NoError(t, err)

	q, u, err := o.Lease("worker-1")
	require.NoError(t, err)
	require.NotNil(t, q)

	until := time.Now().Add(time.Hour)
	require.NoError(t, o.Defer(u.ID, until))

	q2, _, err := o.Lease("worker-1")
	require.NoError(t, err)
	assert.Nil(t, q2, "deferred entry is not ready yet")
}

func TestSeedFromCache(t *testing.T) {
	s := newTestStore(t)
	o := newOrchestrator(t, s, nil)

	now := time.Now()
	u, err := s.EnsureURL("https://example.com/world/france", now)
	require.NoError(t, err)
	body := []byte("<html><body><article>cached hub content</article></body></html>")
	respID, _, err := s.RecordResponse(store.ResponseRecord{
		URLID: u.ID, Status: 200, Bytes: int64(len(body)),
		Body: body, Source: types.SourceNetwork, FetchedAt: now,
	})
	require.NoError(t, err)

	baseline, err := s.VerifiedCount(time.Time{}, time.Time{})
	require.NoError(t, err)

	seeds, err := o.SeedFromCache("example.com", 10)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, u.ID, seeds[0].URL.ID)
	assert.Equal(t, respID, seeds[0].ResponseID)
	assert.Equal(t, body, seeds[0].Body)

	// Replays never create evidence rows.
	after, err := s.VerifiedCount(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, baseline, after)
}
