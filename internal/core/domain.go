// Package core holds the shared domain model for the hub daemon:
// accounts, messages, handoff payloads, tasks and their lifecycle records.
package core

import "time"

// Account is a named agent identity from the config file. One AI agent
// connects per account; its secret token lives under <base>/tokens/.
type Account struct {
	Name      string   `json:"name"`
	ConfigDir string   `json:"configDir"`
	Provider  string   `json:"provider"`
	Color     string   `json:"color,omitempty"`
	Label     string   `json:"label,omitempty"`
	Skills    []string `json:"skills,omitempty"`
}

// MessageKind distinguishes plain messages from structured handoffs.
type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindHandoff MessageKind = "handoff"
)

// Message is a single inbox entry. Handoff messages additionally carry
// a validated payload and are journaled to disk under their ID.
type Message struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Kind      MessageKind       `json:"kind"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read"`
	Context   map[string]string `json:"context,omitempty"`
	Payload   *HandoffPayload   `json:"payload,omitempty"`
}

// Handoff enrichment enums. All values are fixed; anything else fails
// structural validation.
const (
	ComplexityLow      = "low"
	ComplexityMedium   = "medium"
	ComplexityHigh     = "high"
	ComplexityCritical = "critical"

	CriticalityLow      = "low"
	CriticalityMedium   = "medium"
	CriticalityHigh     = "high"
	CriticalityCritical = "critical"

	ReversibilityReversible   = "reversible"
	ReversibilityPartial      = "partial"
	ReversibilityIrreversible = "irreversible"

	VerifiabilityAutoTestable = "auto-testable"
	VerifiabilityNeedsReview  = "needs-review"
	VerifiabilitySubjective   = "subjective"

	UncertaintyLow    = "low"
	UncertaintyMedium = "medium"
	UncertaintyHigh   = "high"

	AutonomyStrict    = "strict"
	AutonomyStandard  = "standard"
	AutonomyOpenEnded = "open-ended"

	MonitoringOutcomeOnly = "outcome-only"
	MonitoringPeriodic    = "periodic"
	MonitoringContinuous  = "continuous"
)

// HandoffPayload is the validated contract for a task transfer.
// Required fields must be non-empty; blocked_by uses the literal "none"
// when there are no blockers.
type HandoffPayload struct {
	Goal               string   `json:"goal"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	RunCommands        []string `json:"run_commands"`
	BlockedBy          []string `json:"blocked_by"`

	Complexity               string   `json:"complexity,omitempty"`
	Criticality              string   `json:"criticality,omitempty"`
	Reversibility            string   `json:"reversibility,omitempty"`
	Verifiability            string   `json:"verifiability,omitempty"`
	Uncertainty              string   `json:"uncertainty,omitempty"`
	AutonomyLevel            string   `json:"autonomy_level,omitempty"`
	MonitoringLevel          string   `json:"monitoring_level,omitempty"`
	RequiredSkills           []string `json:"required_skills,omitempty"`
	EstimatedDurationMinutes float64  `json:"estimated_duration_minutes,omitempty"`
	DelegationDepth          int      `json:"delegation_depth,omitempty"`
	ParentHandoffID          string   `json:"parent_handoff_id,omitempty"`
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusTodo           TaskStatus = "todo"
	StatusInProgress     TaskStatus = "in_progress"
	StatusReadyForReview TaskStatus = "ready_for_review"
	StatusAccepted       TaskStatus = "accepted"
	StatusRejected       TaskStatus = "rejected"
)

// TaskEvent is one append-only entry in a task's history.
type TaskEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Workspace describes where a task's work landed (branch/worktree),
// supplied by the delegatee on ready_for_review.
type Workspace struct {
	Path   string `json:"path,omitempty"`
	Branch string `json:"branch,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Task corresponds 1:1 with a handoff message. HandoffID and ID are
// distinct identifiers with a stable mapping maintained by the engine.
type Task struct {
	ID           string          `json:"id"`
	HandoffID    string          `json:"handoffId"`
	Title        string          `json:"title"`
	Status       TaskStatus      `json:"status"`
	Assignee     string          `json:"assignee"`
	Delegator    string          `json:"delegator"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Events       []TaskEvent     `json:"events"`
	Payload      *HandoffPayload `json:"payload"`
	Workspace    *Workspace      `json:"workspace,omitempty"`
	RejectReason string          `json:"rejectReason,omitempty"`
}

// ProgressReport is a delegatee's self-report on an in-flight task.
// Only the latest report per task feeds SLA decisions.
type ProgressReport struct {
	TaskID                    string    `json:"taskId"`
	Agent                     string    `json:"agent"`
	Percent                   float64   `json:"percent"`
	CurrentStep               string    `json:"currentStep"`
	Blockers                  []string  `json:"blockers,omitempty"`
	EstimatedRemainingMinutes float64   `json:"estimatedRemainingMinutes,omitempty"`
	ArtifactsProduced         []string  `json:"artifactsProduced,omitempty"`
	ReportedAt                time.Time `json:"reportedAt"`
}

// VerificationReceipt binds a verdict to the exact spec that was
// verified. The signature covers (taskId, specHash, verdict, issuedAt)
// under the per-daemon secret, so sibling handoffs to the same
// recipient cannot be confused.
type VerificationReceipt struct {
	TaskID    string    `json:"taskId"`
	Verifier  string    `json:"verifier"`
	Verdict   string    `json:"verdict"` // accepted | rejected
	SpecHash  string    `json:"specHash"`
	Signature string    `json:"signature"`
	IssuedAt  time.Time `json:"issuedAt"`
	Passed    bool      `json:"passed"`
}

// AgentReputation is the rolling trust record for one account.
type AgentReputation struct {
	Account           string    `json:"account"`
	TrustScore        float64   `json:"trustScore"` // 0-100
	CompletionRate    float64   `json:"completionRate"`
	SLAComplianceRate float64   `json:"slaComplianceRate"`
	AcceptanceRate    float64   `json:"acceptanceRate"`
	RecentSamples     int       `json:"recentSamples"`
	LastUpdatedAt     time.Time `json:"lastUpdatedAt"`
}
