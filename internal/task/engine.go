package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentctl/hub/internal/acceptance"
	"github.com/agentctl/hub/internal/core"
	"github.com/agentctl/hub/internal/events"
	"github.com/agentctl/hub/internal/protocol"
	"github.com/agentctl/hub/internal/store"
)

// CodedError carries a stable error code for the wire.
type CodedError struct {
	Code string
	Msg  string
}

func (e *CodedError) Error() string { return e.Msg }

func coded(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Config wires the engine's collaborators.
type Config struct {
	BaseDir   string
	Bus       *events.Bus
	Messages  *store.MessageStore
	Journal   *store.HandoffJournal
	Issuer    *acceptance.Issuer
	Runner    acceptance.CommandRunner
	Knowledge *store.KnowledgeStore // optional; handoffs are indexed when set
	MaxDepth  int                   // 0 = unlimited delegation depth
}

// Engine drives the handoff pipeline and the task state machine.
// Tasks are persisted as a single JSON file under the base directory.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	path      string
	tasks     map[string]*core.Task
	byHandoff map[string]string // handoff id -> task id
	escalated map[string]bool   // task id -> escalation seen during life
	logger    *log.Logger
}

// NewEngine loads any persisted tasks and returns the engine.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		path:      filepath.Join(cfg.BaseDir, "tasks.json"),
		tasks:     make(map[string]*core.Task),
		byHandoff: make(map[string]string),
		escalated: make(map[string]bool),
		logger:    log.New(log.Writer(), "[TASKS] ", log.LstdFlags),
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		return nil, err
	}
	var tasks []*core.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		e.logger.Printf("corrupt task file, starting fresh: %v", err)
		return e, nil
	}
	for _, t := range tasks {
		e.tasks[t.ID] = t
		e.byHandoff[t.HandoffID] = t.ID
	}
	return e, nil
}

// HandoffResult is the outcome of an accepted handoff_task request.
type HandoffResult struct {
	HandoffID string
	TaskID    string
	Warnings  []string
}

// Handoff validates, sanitizes and persists a task transfer. The
// TASK_CREATED event fires and the inbox/journal writes complete
// before this returns, so the caller's reply always trails them.
func (e *Engine) Handoff(from, to string, payload core.HandoffPayload, reqContext map[string]string) (*HandoffResult, error) {
	warnings, err := Sanitize(&payload, reqContext)
	if err != nil {
		return nil, coded(protocol.CodeSanitizationBlock, "handoff blocked: %v", err)
	}
	if err := Validate(&payload); err != nil {
		return nil, coded(protocol.CodeValidation, "%v", err)
	}
	if e.cfg.MaxDepth > 0 && payload.DelegationDepth >= e.cfg.MaxDepth {
		return nil, coded(protocol.CodeDepthExceeded,
			"delegation depth %d exceeds limit %d", payload.DelegationDepth, e.cfg.MaxDepth)
	}

	handoffID := uuid.NewString()
	taskID := uuid.NewString()
	now := time.Now().UTC()

	t := &core.Task{
		ID:        taskID,
		HandoffID: handoffID,
		Title:     title(payload.Goal),
		Status:    core.StatusTodo,
		Assignee:  to,
		Delegator: from,
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   &payload,
		Events: []core.TaskEvent{{
			Type: events.TaskCreated, Timestamp: now, Actor: from,
		}},
	}

	msg := core.Message{
		ID:        handoffID,
		From:      from,
		To:        to,
		Kind:      core.KindHandoff,
		Content:   payload.Goal,
		Timestamp: now,
		Context:   reqContext,
		Payload:   &payload,
	}

	if err := e.cfg.Journal.Write(msg); err != nil {
		return nil, coded(protocol.CodeIO, "journal write: %v", err)
	}
	if err := e.cfg.Messages.Append(msg); err != nil {
		return nil, coded(protocol.CodeIO, "inbox write: %v", err)
	}

	e.mu.Lock()
	e.tasks[taskID] = t
	e.byHandoff[handoffID] = taskID
	flushErr := e.flushLocked()
	e.mu.Unlock()
	if flushErr != nil {
		return nil, coded(protocol.CodeIO, "task persist: %v", flushErr)
	}

	e.cfg.Bus.Emit(events.TaskCreated, taskID, map[string]any{
		"handoffId": handoffID,
		"delegator": from,
		"delegatee": to,
		"characteristics": map[string]any{
			"complexity":  payload.Complexity,
			"criticality": payload.Criticality,
			"depth":       payload.DelegationDepth,
		},
	})

	e.indexHandoff(handoffID, to, &payload)

	return &HandoffResult{HandoffID: handoffID, TaskID: taskID, Warnings: warnings}, nil
}

// Accept confirms a queued handoff. The task keeps its todo status;
// the assignment event marks the delegatee's explicit pickup.
func (e *Engine) Accept(handoffID, actor string) (*core.Task, error) {
	e.mu.Lock()
	taskID, ok := e.byHandoff[handoffID]
	if !ok {
		e.mu.Unlock()
		return nil, coded(protocol.CodeNotFound, "no task for handoff %s", handoffID)
	}
	t := e.tasks[taskID]
	t.Events = append(t.Events, core.TaskEvent{
		Type: events.TaskAssigned, Timestamp: time.Now().UTC(), Actor: actor,
	})
	t.UpdatedAt = time.Now().UTC()
	snapshot := cloneTask(t)
	flushErr := e.flushLocked()
	e.mu.Unlock()
	if flushErr != nil {
		return nil, coded(protocol.CodeIO, "task persist: %v", flushErr)
	}

	e.cfg.Bus.Emit(events.TaskAssigned, taskID, map[string]any{
		"handoffId": handoffID, "assignee": actor,
	})
	return snapshot, nil
}

var legalTransitions = map[core.TaskStatus][]core.TaskStatus{
	core.StatusTodo:           {core.StatusInProgress},
	core.StatusInProgress:     {core.StatusReadyForReview},
	core.StatusReadyForReview: {core.StatusAccepted, core.StatusRejected},
}

func transitionAllowed(from, to core.TaskStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusResult is the outcome of an update_task_status request.
type StatusResult struct {
	Task       *core.Task
	Acceptance string // blocked | auto | require-* ; set on ready_for_review
	Receipt    *core.VerificationReceipt
}

// gateTimeout bounds the acceptance gate; run_commands cannot hold a
// review transition open indefinitely.
const gateTimeout = 30 * time.Second

// UpdateStatus enforces the FSM and emits lifecycle events. Moving to
// ready_for_review runs the auto-acceptance gate; a green auto-accept
// immediately finalizes the task.
func (e *Engine) UpdateStatus(ctx context.Context, taskID string, to core.TaskStatus, reason string, ws *core.Workspace, actor string) (*StatusResult, error) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return nil, coded(protocol.CodeNotFound, "task %s not found", taskID)
	}
	if !transitionAllowed(t.Status, to) {
		from := t.Status
		e.mu.Unlock()
		return nil, coded(protocol.CodeInvalidTransition, "cannot move task from %s to %s", from, to)
	}
	if to == core.StatusRejected && strings.TrimSpace(reason) == "" {
		e.mu.Unlock()
		return nil, coded(protocol.CodeValidation, "rejection requires a non-empty reason")
	}

	if ws != nil && (ws.Path != "" || ws.Branch != "" || ws.ID != "") {
		t.Workspace = ws
	}
	// Terminal verdicts commit inside finalize, which re-checks the
	// status under the lock so concurrent verdicts cannot both win.
	if to == core.StatusInProgress || to == core.StatusReadyForReview {
		t.Status = to
		t.UpdatedAt = time.Now().UTC()
	}
	e.mu.Unlock()

	res := &StatusResult{}
	switch to {
	case core.StatusInProgress:
		e.appendEvent(t, events.TaskStarted, actor, nil)
		e.cfg.Bus.Emit(events.TaskStarted, taskID, map[string]any{"assignee": t.Assignee})

	case core.StatusReadyForReview:
		e.appendEvent(t, events.CheckpointReached, actor, map[string]any{"percent": 100})
		e.cfg.Bus.Emit(events.CheckpointReached, taskID, map[string]any{"percent": 100})

		gateCtx, cancel := context.WithTimeout(ctx, gateTimeout)
		verdict := acceptance.Evaluate(gateCtx, t, e.cfg.Runner)
		cancel()
		switch verdict.Action {
		case acceptance.ActionBlocked:
			res.Acceptance = "blocked"
		case acceptance.ActionAutoAccept:
			res.Acceptance = "auto"
			if receipt, err := e.finalize(t, core.StatusAccepted, "", "auto-acceptance"); err == nil {
				res.Receipt = &receipt
			} else {
				e.logger.Printf("auto-acceptance for %s lost to a concurrent verdict: %v", taskID, err)
			}
		default:
			res.Acceptance = string(verdict.Action)
		}

	case core.StatusAccepted, core.StatusRejected:
		receipt, err := e.finalize(t, to, reason, actor)
		if err != nil {
			return nil, err
		}
		res.Receipt = &receipt
	}

	e.mu.Lock()
	res.Task = cloneTask(t)
	flushErr := e.flushLocked()
	e.mu.Unlock()
	if flushErr != nil {
		return nil, coded(protocol.CodeIO, "task persist: %v", flushErr)
	}
	return res, nil
}

// finalize commits a terminal verdict, issues the bound receipt and
// emits TASK_COMPLETED then TASK_VERIFIED. The status re-check under
// the lock makes the verdict single-shot: whichever caller commits
// first wins, any concurrent one gets an invalid-transition error.
func (e *Engine) finalize(t *core.Task, verdict core.TaskStatus, reason, actor string) (core.VerificationReceipt, error) {
	e.mu.Lock()
	if t.Status != core.StatusReadyForReview {
		from := t.Status
		e.mu.Unlock()
		return core.VerificationReceipt{}, coded(protocol.CodeInvalidTransition,
			"cannot move task from %s to %s", from, verdict)
	}
	t.Status = verdict
	if verdict == core.StatusRejected {
		t.RejectReason = reason
	}
	t.UpdatedAt = time.Now().UTC()
	slaCompliant := !e.escalated[t.ID]
	duration := t.UpdatedAt.Sub(t.CreatedAt).Minutes()
	e.mu.Unlock()

	e.appendEvent(t, events.TaskCompleted, actor, map[string]any{"verdict": string(verdict)})
	e.cfg.Bus.Emit(events.TaskCompleted, t.ID, map[string]any{
		"assignee":        t.Assignee,
		"accepted":        verdict == core.StatusAccepted,
		"slaCompliant":    slaCompliant,
		"durationMinutes": duration,
	})

	receipt := e.issueReceipt(t, string(verdict))
	e.appendEvent(t, events.TaskVerified, receipt.Verifier, map[string]any{"specHash": receipt.SpecHash})
	e.cfg.Bus.Emit(events.TaskVerified, t.ID, map[string]any{
		"receipt": receipt,
	})
	return receipt, nil
}

// issueReceipt hashes the exact handoff bound to this task. When the
// journal cannot produce that exact handoff, the hash comes from the
// task's stored payload; a sibling handoff is never substituted.
func (e *Engine) issueReceipt(t *core.Task, verdict string) core.VerificationReceipt {
	payload := t.Payload
	if msg, err := e.cfg.Journal.Load(t.HandoffID); err == nil && msg.Payload != nil && msg.ID == t.HandoffID {
		payload = msg.Payload
	} else if err != nil {
		e.logger.Printf("journal lookup for %s failed, hashing stored payload: %v", t.HandoffID, err)
	}
	return e.cfg.Issuer.Issue(t.ID, acceptance.SpecHash(payload), verdict)
}

// MarkEscalated flags that the task drew an SLA escalation; its
// eventual completion counts as non-compliant.
func (e *Engine) MarkEscalated(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalated[taskID] = true
}

// Get returns a copy of the task.
func (e *Engine) Get(taskID string) (*core.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// TaskForHandoff resolves the stable handoff->task mapping.
func (e *Engine) TaskForHandoff(handoffID string) (*core.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byHandoff[handoffID]
	if !ok {
		return nil, false
	}
	return cloneTask(e.tasks[id]), true
}

// InFlight returns copies of tasks still in progress or under review.
func (e *Engine) InFlight() []*core.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*core.Task
	for _, t := range e.tasks {
		if t.Status == core.StatusInProgress || t.Status == core.StatusReadyForReview {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// CountByStatus summarizes the store for health reporting.
func (e *Engine) CountByStatus() map[core.TaskStatus]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[core.TaskStatus]int)
	for _, t := range e.tasks {
		counts[t.Status]++
	}
	return counts
}

func (e *Engine) appendEvent(t *core.Task, eventType, actor string, detail map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t.Events = append(t.Events, core.TaskEvent{
		Type: eventType, Timestamp: time.Now().UTC(), Actor: actor, Detail: detail,
	})
}

func (e *Engine) indexHandoff(handoffID, assignee string, p *core.HandoffPayload) {
	if e.cfg.Knowledge == nil {
		return
	}
	err := e.cfg.Knowledge.Index(context.Background(), store.KnowledgeEntry{
		ID:          handoffID,
		Category:    store.CategoryHandoff,
		Title:       title(p.Goal),
		Content:     p.Goal + "\n" + strings.Join(p.AcceptanceCriteria, "\n"),
		Tags:        strings.Join(p.RequiredSkills, ","),
		AccountName: assignee,
	})
	if err != nil {
		e.logger.Printf("knowledge index for %s failed: %v", handoffID, err)
	}
}

func (e *Engine) flushLocked() error {
	tasks := make([]*core.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(e.path, data, 0o600)
}

func title(goal string) string {
	goal = strings.TrimSpace(goal)
	if i := strings.IndexByte(goal, '\n'); i >= 0 {
		goal = goal[:i]
	}
	if len(goal) > 80 {
		goal = goal[:80]
	}
	return goal
}

func cloneTask(t *core.Task) *core.Task {
	cp := *t
	cp.Events = append([]core.TaskEvent(nil), t.Events...)
	if t.Workspace != nil {
		ws := *t.Workspace
		cp.Workspace = &ws
	}
	return &cp
}
