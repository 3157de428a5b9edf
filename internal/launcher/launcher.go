// Package launcher implements the auto-launch policy engine: per-target
// spawn rate limiting, deduplication windows, and circuit breakers that
// open after consecutive failures and half-open after a cooldown.
package launcher

import (
	"log"
	"sync"
	"time"
)

// Deny reasons, stable strings surfaced to callers.
const (
	ReasonSelfHandoff = "self-handoff"
	ReasonCircuitOpen = "circuit breaker open"
	ReasonDedup       = "dedup"
	ReasonRateLimit   = "rate limit"
)

// rateWindow is the sliding window over which spawns are counted.
const rateWindow = 60 * time.Second

// Config tunes the policy engine.
type Config struct {
	MaxSpawnsPerMinute  int
	DeduplicationWindow time.Duration
	FailureThreshold    int
	Cooldown            time.Duration
	SelfHandoffBlocked  bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxSpawnsPerMinute:  3,
		DeduplicationWindow: 30 * time.Second,
		FailureThreshold:    3,
		Cooldown:            5 * time.Minute,
		SelfHandoffBlocked:  true,
	}
}

// Decision is the outcome of a CanLaunch check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// BreakerState is the externally visible circuit state for a target.
type BreakerState struct {
	Target   string    `json:"target"`
	Failures int       `json:"failures"`
	Open     bool      `json:"open"`
	OpenedAt time.Time `json:"openedAt,omitempty"`
}

type spawnRecord struct {
	target string
	at     time.Time
}

type breaker struct {
	failures int
	openedAt time.Time // zero while closed
}

// Launcher holds the transient per-target policy state.
type Launcher struct {
	mu                sync.Mutex
	cfg               Config
	recentSpawns      []spawnRecord
	lastSpawnByTarget map[string]time.Time
	breakers          map[string]*breaker
	logger            *log.Logger
}

// New creates a policy engine. Zero-valued config fields fall back to
// defaults.
func New(cfg Config) *Launcher {
	def := DefaultConfig()
	if cfg.MaxSpawnsPerMinute == 0 {
		cfg.MaxSpawnsPerMinute = def.MaxSpawnsPerMinute
	}
	if cfg.DeduplicationWindow == 0 {
		cfg.DeduplicationWindow = def.DeduplicationWindow
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Launcher{
		cfg:               cfg,
		lastSpawnByTarget: make(map[string]time.Time),
		breakers:          make(map[string]*breaker),
		logger:            log.New(log.Writer(), "[LAUNCHER] ", log.LstdFlags),
	}
}

// CanLaunch evaluates the policy chain in fixed order: self-handoff,
// circuit breaker, dedup window, rate limit.
func (l *Launcher) CanLaunch(from, target string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	if l.cfg.SelfHandoffBlocked && from == target {
		return Decision{Reason: ReasonSelfHandoff}
	}

	if br, ok := l.breakers[target]; ok && !br.openedAt.IsZero() {
		if now.Sub(br.openedAt) < l.cfg.Cooldown {
			return Decision{Reason: ReasonCircuitOpen}
		}
		// Cooldown elapsed: half-open, clear the entry and let this
		// attempt through the remaining checks.
		delete(l.breakers, target)
		l.logger.Printf("breaker half-open for %s after cooldown", target)
	}

	if last, ok := l.lastSpawnByTarget[target]; ok && now.Sub(last) < l.cfg.DeduplicationWindow {
		return Decision{Reason: ReasonDedup}
	}

	l.pruneLocked(now)
	if len(l.recentSpawns) >= l.cfg.MaxSpawnsPerMinute {
		return Decision{Reason: ReasonRateLimit}
	}

	return Decision{Allowed: true}
}

// RecordSpawn notes a successful launch toward target, resetting its
// failure count.
func (l *Launcher) RecordSpawn(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	l.recentSpawns = append(l.recentSpawns, spawnRecord{target: target, at: now})
	l.lastSpawnByTarget[target] = now
	delete(l.breakers, target)
}

// RecordFailure increments the target's failure count and opens the
// breaker once the threshold is reached.
func (l *Launcher) RecordFailure(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	br := l.breakers[target]
	if br == nil {
		br = &breaker{}
		l.breakers[target] = br
	}
	br.failures++
	if br.failures >= l.cfg.FailureThreshold && br.openedAt.IsZero() {
		br.openedAt = time.Now()
		l.logger.Printf("breaker opened for %s after %d failures", target, br.failures)
	}
}

// Reinstate clears the target's breaker entirely.
func (l *Launcher) Reinstate(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.breakers, target)
}

// State reports the target's breaker state.
func (l *Launcher) State(target string) BreakerState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := BreakerState{Target: target}
	if br, ok := l.breakers[target]; ok {
		st.Failures = br.failures
		if !br.openedAt.IsZero() && time.Since(br.openedAt) < l.cfg.Cooldown {
			st.Open = true
			st.OpenedAt = br.openedAt
		}
	}
	return st
}

func (l *Launcher) pruneLocked(now time.Time) {
	kept := l.recentSpawns[:0]
	for _, r := range l.recentSpawns {
		if now.Sub(r.at) < rateWindow {
			kept = append(kept, r)
		}
	}
	l.recentSpawns = kept
}

// Operator hooks for deterministic tests: rewind internal timestamps
// instead of sleeping through real windows.

// ExpireRateLimitForTest ages every recent spawn past the rate window.
func (l *Launcher) ExpireRateLimitForTest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.recentSpawns {
		l.recentSpawns[i].at = l.recentSpawns[i].at.Add(-2 * rateWindow)
	}
}

// ExpireDedupForTest ages the target's last-spawn stamp past the dedup
// window.
func (l *Launcher) ExpireDedupForTest(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastSpawnByTarget[target]; ok {
		l.lastSpawnByTarget[target] = last.Add(-2 * l.cfg.DeduplicationWindow)
	}
}

// ExpireCircuitBreakerForTest ages the target's breaker past its
// cooldown.
func (l *Launcher) ExpireCircuitBreakerForTest(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if br, ok := l.breakers[target]; ok && !br.openedAt.IsZero() {
		br.openedAt = br.openedAt.Add(-2 * l.cfg.Cooldown)
	}
}
