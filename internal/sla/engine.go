// Package sla implements progress tracking and the stale-task scan:
// graduated recommendations computed from task criticality, age and
// reported progress.
package sla

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/agentctl/hub/internal/core"
	"github.com/agentctl/hub/internal/events"
)

// Action is a graduated response recommendation, weakest to strongest.
type Action string

const (
	ActionNone       Action = "none"
	ActionPing       Action = "ping"
	ActionReassign   Action = "reassign"
	ActionQuarantine Action = "quarantine"
	ActionEscalate   Action = "escalate"
)

// DefaultCheckDeadline bounds client-initiated scans.
const DefaultCheckDeadline = 2 * time.Second

// ReportStore keeps ordered progress reports per task.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string][]core.ProgressReport
	bus     *events.Bus
}

func NewReportStore(bus *events.Bus) *ReportStore {
	return &ReportStore{reports: make(map[string][]core.ProgressReport), bus: bus}
}

// Record appends a report and emits PROGRESS_UPDATE.
func (rs *ReportStore) Record(r core.ProgressReport) {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now().UTC()
	}
	rs.mu.Lock()
	rs.reports[r.TaskID] = append(rs.reports[r.TaskID], r)
	rs.mu.Unlock()

	rs.bus.Emit(events.ProgressUpdate, r.TaskID, map[string]any{
		"agent":       r.Agent,
		"percent":     r.Percent,
		"currentStep": r.CurrentStep,
	})
}

// Latest returns the newest report for a task.
func (rs *ReportStore) Latest(taskID string) (core.ProgressReport, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	history := rs.reports[taskID]
	if len(history) == 0 {
		return core.ProgressReport{}, false
	}
	return history[len(history)-1], true
}

// History returns all reports for a task in arrival order.
func (rs *ReportStore) History(taskID string) []core.ProgressReport {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]core.ProgressReport(nil), rs.reports[taskID]...)
}

// Recommendation is one scan finding. Executing it (notification,
// reassignment) is the caller's responsibility.
type Recommendation struct {
	TaskID     string  `json:"taskId"`
	Assignee   string  `json:"assignee"`
	Action     Action  `json:"action"`
	Reason     string  `json:"reason"`
	AgeMinutes float64 `json:"ageMinutes"`
}

// TaskSource yields the tasks eligible for scanning.
type TaskSource interface {
	InFlight() []*core.Task
}

// QuarantineChecker reports whether an account is under quarantine.
type QuarantineChecker interface {
	IsQuarantined(account string) bool
}

// Checker runs the stale-task scan.
type Checker struct {
	tasks      TaskSource
	reports    *ReportStore
	quarantine QuarantineChecker
	now        func() time.Time
}

func NewChecker(tasks TaskSource, reports *ReportStore, quarantine QuarantineChecker) *Checker {
	return &Checker{tasks: tasks, reports: reports, quarantine: quarantine, now: time.Now}
}

// Check scans in-flight tasks and returns recommendations, strongest
// findings included, none omitted. Cancellation is cooperative: the
// context is consulted between tasks.
func (c *Checker) Check(ctx context.Context) ([]Recommendation, error) {
	now := c.now().UTC()
	var out []Recommendation

	for _, t := range c.tasks.InFlight() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		last := t.UpdatedAt
		percent := 0.0
		if r, ok := c.reports.Latest(t.ID); ok {
			if r.ReportedAt.After(last) {
				last = r.ReportedAt
			}
			percent = r.Percent
		}
		age := now.Sub(last).Minutes()

		if c.quarantine != nil && c.quarantine.IsQuarantined(t.Assignee) {
			out = append(out, Recommendation{
				TaskID: t.ID, Assignee: t.Assignee, Action: ActionEscalate,
				Reason: "assignee recently quarantined", AgeMinutes: age,
			})
			continue
		}

		action := recommend(criticality(t), age, percent)
		if action == ActionNone {
			continue
		}
		out = append(out, Recommendation{
			TaskID: t.ID, Assignee: t.Assignee, Action: action,
			Reason:     fmt.Sprintf("no progress for %.0f minutes (criticality=%s)", age, criticality(t)),
			AgeMinutes: age,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgeMinutes > out[j].AgeMinutes })
	return out, nil
}

func criticality(t *core.Task) string {
	if t.Payload == nil || t.Payload.Criticality == "" {
		return core.CriticalityMedium
	}
	return t.Payload.Criticality
}

// recommend maps (criticality, age, percent) through the threshold
// lattice. Stronger thresholds are checked first.
func recommend(crit string, ageMinutes, percent float64) Action {
	switch crit {
	case core.CriticalityCritical:
		switch {
		case ageMinutes >= 30:
			return ActionEscalate
		case ageMinutes >= 15:
			return ActionReassign
		case ageMinutes >= 5:
			return ActionPing
		}
	case core.CriticalityHigh:
		switch {
		case ageMinutes >= 120:
			return ActionEscalate
		case ageMinutes >= 60:
			return ActionReassign
		case ageMinutes >= 15:
			return ActionPing
		}
	case core.CriticalityLow:
		if ageMinutes >= 240 {
			return ActionPing
		}
	default: // medium
		switch {
		case ageMinutes > 240:
			return ActionReassign
		case ageMinutes > 60 && percent < 25:
			return ActionPing
		}
	}
	return ActionNone
}

// Scheduler drives periodic scans on a ticker. Stop is deterministic:
// it returns only after the loop goroutine has exited.
type Scheduler struct {
	checker  *Checker
	interval time.Duration
	onResult func([]Recommendation)
	logger   *log.Logger

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(checker *Checker, interval time.Duration, onResult func([]Recommendation)) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		checker:  checker,
		interval: interval,
		onResult: onResult,
		logger:   log.New(log.Writer(), "[SLA] ", log.LstdFlags),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCheckDeadline)
	defer cancel()
	recs, err := s.checker.Check(ctx)
	if err != nil {
		s.logger.Printf("scan aborted: %v", err)
		return
	}
	if len(recs) > 0 {
		s.logger.Printf("scan found %d stale task(s)", len(recs))
	}
	if s.onResult != nil {
		s.onResult(recs)
	}
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}
