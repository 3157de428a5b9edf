// Package trust maintains per-agent rolling reputation from completed
// tasks and scores candidate assignees for capability-based routing.
package trust

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentctl/hub/internal/core"
	"github.com/agentctl/hub/internal/store"
)

// sampleWindow bounds the rolling window of completion samples.
const sampleWindow = 20

// quarantineWindow is how long an agent counts as "recently
// quarantined" for SLA escalation and assignee filtering.
const quarantineWindow = 30 * time.Minute

// Suggestion weights.
const (
	weightSkillMatch  = 0.4
	weightSuccessRate = 0.3
	weightSpeed       = 0.2
	weightRecency     = 0.1
)

type sample struct {
	Completed       bool      `json:"completed"`
	Accepted        bool      `json:"accepted"`
	SLACompliant    bool      `json:"slaCompliant"`
	DurationMinutes float64   `json:"durationMinutes"`
	At              time.Time `json:"at"`
}

type agentState struct {
	Samples        []sample  `json:"samples"`
	LastAcceptedAt time.Time `json:"lastAcceptedAt"`
}

type persisted struct {
	Agents      map[string]*agentState `json:"agents"`
	Quarantined map[string]time.Time   `json:"quarantined"`
}

// Store is the reputation and quarantine registry, persisted as a
// single JSON file under the base directory.
type Store struct {
	mu          sync.RWMutex
	path        string
	agents      map[string]*agentState
	quarantined map[string]time.Time
	logger      *log.Logger
}

// NewStore loads (or initializes) the trust file under baseDir.
func NewStore(baseDir string) (*Store, error) {
	s := &Store{
		path:        filepath.Join(baseDir, "trust.json"),
		agents:      make(map[string]*agentState),
		quarantined: make(map[string]time.Time),
		logger:      log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Printf("corrupt trust file, starting fresh: %v", err)
		return s, nil
	}
	if p.Agents != nil {
		s.agents = p.Agents
	}
	if p.Quarantined != nil {
		s.quarantined = p.Quarantined
	}
	return s, nil
}

// RecordCompletion folds one finished task into the assignee's rolling
// window and persists.
func (s *Store) RecordCompletion(account string, accepted, slaCompliant bool, durationMinutes float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.agents[account]
	if st == nil {
		st = &agentState{}
		s.agents[account] = st
	}
	st.Samples = append(st.Samples, sample{
		Completed:       true,
		Accepted:        accepted,
		SLACompliant:    slaCompliant,
		DurationMinutes: durationMinutes,
		At:              time.Now().UTC(),
	})
	if accepted {
		st.LastAcceptedAt = time.Now().UTC()
	}
	if len(st.Samples) > sampleWindow {
		st.Samples = st.Samples[len(st.Samples)-sampleWindow:]
	}
	return s.flushLocked()
}

// RecordAbandonment notes a task that never completed (reassigned or
// quarantined away), which drags the completion rate down.
func (s *Store) RecordAbandonment(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.agents[account]
	if st == nil {
		st = &agentState{}
		s.agents[account] = st
	}
	st.Samples = append(st.Samples, sample{At: time.Now().UTC()})
	if len(st.Samples) > sampleWindow {
		st.Samples = st.Samples[len(st.Samples)-sampleWindow:]
	}
	return s.flushLocked()
}

// Quarantine marks an agent as recently quarantined.
func (s *Store) Quarantine(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[account] = time.Now().UTC()
	return s.flushLocked()
}

// Reinstate clears the agent's quarantine mark.
func (s *Store) Reinstate(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantined, account)
	return s.flushLocked()
}

// IsQuarantined reports whether the agent was quarantined within the
// recency window.
func (s *Store) IsQuarantined(account string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.quarantined[account]
	return ok && time.Since(at) < quarantineWindow
}

// Get computes the agent's current reputation. Unknown agents get a
// neutral 50.
func (s *Store) Get(account string) core.AgentReputation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.computeLocked(account)
}

func (s *Store) computeLocked(account string) core.AgentReputation {
	rep := core.AgentReputation{Account: account, TrustScore: 50}
	st := s.agents[account]
	if st == nil || len(st.Samples) == 0 {
		return rep
	}

	var completed, accepted, compliant int
	for _, sm := range st.Samples {
		if sm.Completed {
			completed++
			if sm.Accepted {
				accepted++
			}
			if sm.SLACompliant {
				compliant++
			}
		}
	}
	n := len(st.Samples)
	rep.RecentSamples = n
	rep.CompletionRate = float64(completed) / float64(n)
	if completed > 0 {
		rep.AcceptanceRate = float64(accepted) / float64(completed)
		rep.SLAComplianceRate = float64(compliant) / float64(completed)
	}
	rep.TrustScore = clamp(100*(0.4*rep.CompletionRate+0.3*rep.SLAComplianceRate+0.3*rep.AcceptanceRate), 0, 100)
	rep.LastUpdatedAt = st.Samples[n-1].At
	return rep
}

// Subscores breaks a suggestion score into its weighted components.
type Subscores struct {
	SkillMatch   float64 `json:"skillMatch"`
	SuccessRate  float64 `json:"successRate"`
	SpeedFactor  float64 `json:"speedFactor"`
	RecencyBoost float64 `json:"recencyBoost"`
}

// Candidate is one ranked assignee suggestion.
type Candidate struct {
	Account   string    `json:"account"`
	Score     float64   `json:"score"`
	Subscores Subscores `json:"subscores"`
}

// Suggest ranks candidate accounts for the required skills. Excluded
// and recently quarantined accounts are filtered out.
func (s *Store) Suggest(requiredSkills, exclude []string, candidates []core.Account) []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[strings.ToLower(e)] = true
	}

	var out []Candidate
	for _, acct := range candidates {
		if excluded[strings.ToLower(acct.Name)] {
			continue
		}
		if at, ok := s.quarantined[acct.Name]; ok && time.Since(at) < quarantineWindow {
			continue
		}

		sub := Subscores{
			SkillMatch:   skillMatch(requiredSkills, acct.Skills),
			SuccessRate:  s.successRateLocked(acct.Name),
			SpeedFactor:  s.speedFactorLocked(acct.Name),
			RecencyBoost: s.recencyBoostLocked(acct.Name),
		}
		score := weightSkillMatch*sub.SkillMatch +
			weightSuccessRate*sub.SuccessRate +
			weightSpeed*sub.SpeedFactor +
			weightRecency*sub.RecencyBoost

		out = append(out, Candidate{Account: acct.Name, Score: score, Subscores: sub})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func skillMatch(required, declared []string) float64 {
	if len(required) == 0 {
		return 1
	}
	have := make(map[string]bool, len(declared))
	for _, d := range declared {
		have[strings.ToLower(d)] = true
	}
	matched := 0
	for _, r := range required {
		if have[strings.ToLower(r)] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func (s *Store) successRateLocked(account string) float64 {
	rep := s.computeLocked(account)
	if rep.RecentSamples == 0 {
		return 0.5 // neutral for unknown agents
	}
	return rep.AcceptanceRate
}

// speedFactorLocked maps the median completion time onto [0,1]:
// 30 minutes or faster scores 1, eight hours or slower scores 0.
func (s *Store) speedFactorLocked(account string) float64 {
	st := s.agents[account]
	if st == nil {
		return 0.5
	}
	var durations []float64
	for _, sm := range st.Samples {
		if sm.Completed && sm.DurationMinutes > 0 {
			durations = append(durations, sm.DurationMinutes)
		}
	}
	if len(durations) == 0 {
		return 0.5
	}
	sort.Float64s(durations)
	median := durations[len(durations)/2]
	if len(durations)%2 == 0 {
		median = (durations[len(durations)/2-1] + durations[len(durations)/2]) / 2
	}
	return clamp((480-median)/450, 0, 1)
}

// recencyBoostLocked decays linearly over 24h since the last accepted
// task.
func (s *Store) recencyBoostLocked(account string) float64 {
	st := s.agents[account]
	if st == nil || st.LastAcceptedAt.IsZero() {
		return 0
	}
	hours := time.Since(st.LastAcceptedAt).Hours()
	return clamp(1-hours/24, 0, 1)
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(persisted{Agents: s.agents, Quarantined: s.quarantined}, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(s.path, data, 0o600)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
