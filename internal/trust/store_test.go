package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/hub/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNeutralReputationForUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	rep := s.Get("ghost")
	assert.Equal(t, 50.0, rep.TrustScore)
	assert.Zero(t, rep.RecentSamples)
}

func TestTrustScoreBounds(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 30; i++ {
		require.NoError(t, s.RecordCompletion("star", true, true, 20))
	}
	rep := s.Get("star")
	assert.Equal(t, 100.0, rep.TrustScore)
	assert.Equal(t, 20, rep.RecentSamples, "window caps samples")

	for i := 0; i < 30; i++ {
		require.NoError(t, s.RecordAbandonment("flake"))
	}
	rep = s.Get("flake")
	assert.Equal(t, 0.0, rep.TrustScore)
	assert.Zero(t, rep.CompletionRate)
}

func TestRatesReflectMixedOutcomes(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordCompletion("mixed", true, true, 30))
	require.NoError(t, s.RecordCompletion("mixed", false, true, 30))
	require.NoError(t, s.RecordAbandonment("mixed"))

	rep := s.Get("mixed")
	assert.InDelta(t, 2.0/3.0, rep.CompletionRate, 1e-9)
	assert.InDelta(t, 0.5, rep.AcceptanceRate, 1e-9)
	assert.InDelta(t, 1.0, rep.SLAComplianceRate, 1e-9)
	assert.Greater(t, rep.TrustScore, 0.0)
	assert.Less(t, rep.TrustScore, 100.0)
}

func TestReputationPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.RecordCompletion("alice", true, true, 45))

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	rep := reopened.Get("alice")
	assert.Equal(t, 1, rep.RecentSamples)
	assert.Equal(t, 100.0, rep.TrustScore)
}

func TestSuggestRanksBySkillAndHistory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordCompletion("codex", true, true, 30))
	require.NoError(t, s.RecordCompletion("gemini", false, false, 400))

	candidates := []core.Account{
		{Name: "codex", Skills: []string{"go", "sql"}},
		{Name: "gemini", Skills: []string{"go"}},
		{Name: "fresh", Skills: []string{"python"}},
	}

	ranked := s.Suggest([]string{"go", "sql"}, nil, candidates)
	require.Len(t, ranked, 3)
	assert.Equal(t, "codex", ranked[0].Account)
	assert.Equal(t, 1.0, ranked[0].Subscores.SkillMatch)
	assert.Equal(t, 1.0, ranked[0].Subscores.SuccessRate)
	assert.Greater(t, ranked[0].Subscores.RecencyBoost, 0.9)

	// fresh has no skills in common.
	for _, c := range ranked {
		if c.Account == "fresh" {
			assert.Zero(t, c.Subscores.SkillMatch)
			assert.Equal(t, 0.5, c.Subscores.SuccessRate, "unknown agents score neutral")
		}
	}
}

func TestSuggestFiltersExcludedAndQuarantined(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Quarantine("badbot"))

	candidates := []core.Account{
		{Name: "badbot", Skills: []string{"go"}},
		{Name: "Excluded", Skills: []string{"go"}},
		{Name: "ok", Skills: []string{"go"}},
	}

	ranked := s.Suggest([]string{"go"}, []string{"excluded"}, candidates)
	require.Len(t, ranked, 1)
	assert.Equal(t, "ok", ranked[0].Account)
}

func TestQuarantineReinstate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Quarantine("agent"))
	assert.True(t, s.IsQuarantined("agent"))

	require.NoError(t, s.Reinstate("agent"))
	assert.False(t, s.IsQuarantined("agent"))
}
