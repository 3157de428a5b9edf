// Package acceptance implements the auto-acceptance gate: cognitive
// friction rules that block unsafe auto-acceptance, the gated-action
// classifier, and signed verification receipts.
package acceptance

import (
	"context"

	"github.com/agentctl/hub/internal/core"
)

// FrictionLevel classifies how much human attention a review needs.
type FrictionLevel string

const (
	FrictionNone     FrictionLevel = "none"
	FrictionWarning  FrictionLevel = "warning"  // requires human confirmation
	FrictionBlocking FrictionLevel = "blocking" // requires human review, never auto-accepted
)

// Action is the gate's recommendation for a ready_for_review task.
type Action string

const (
	ActionAutoAccept        Action = "auto-accept"
	ActionRequireAcceptance Action = "require-acceptance"
	ActionRequireJustify    Action = "require-justification"
	ActionRequireElevated   Action = "require-elevated-review"
	ActionBlocked           Action = "blocked"
)

// Friction holds the classification outcome.
type Friction struct {
	Level  FrictionLevel `json:"level"`
	Reason string        `json:"reason,omitempty"`
}

// ClassifyFriction applies the cognitive-friction rule table. Blocking
// rules win over warnings.
func ClassifyFriction(p *core.HandoffPayload) Friction {
	if p == nil {
		return Friction{Level: FrictionNone}
	}

	highCrit := p.Criticality == core.CriticalityHigh || p.Criticality == core.CriticalityCritical
	riskyRev := p.Reversibility == core.ReversibilityIrreversible || p.Reversibility == core.ReversibilityPartial

	if highCrit && riskyRev {
		return Friction{Level: FrictionBlocking, Reason: "high criticality with limited reversibility requires human review"}
	}
	if p.Criticality == core.CriticalityCritical {
		return Friction{Level: FrictionWarning, Reason: "critical task requires human confirmation"}
	}
	if p.Reversibility == core.ReversibilityIrreversible &&
		(p.Complexity == core.ComplexityHigh || p.Complexity == core.ComplexityCritical) {
		return Friction{Level: FrictionWarning, Reason: "irreversible and complex"}
	}
	return Friction{Level: FrictionNone}
}

// CommandRunner executes a task's run_commands in its workspace. The
// worktree/council machinery lives behind this interface; the gate
// only cares whether every command exited zero.
type CommandRunner interface {
	Run(ctx context.Context, workspacePath string, command string) error
}

// Verdict is the gate's full answer for one ready_for_review task.
type Verdict struct {
	Friction Friction `json:"friction"`
	Action   Action   `json:"action"`
}

// Evaluate classifies the task and, when friction does not block,
// picks the gated action. Auto-accept is the only path that skips
// human confirmation, and it requires every run command to exit zero.
func Evaluate(ctx context.Context, task *core.Task, runner CommandRunner) Verdict {
	p := task.Payload
	friction := ClassifyFriction(p)
	if friction.Level == FrictionBlocking {
		return Verdict{Friction: friction, Action: ActionBlocked}
	}

	v := Verdict{Friction: friction, Action: ActionRequireAcceptance}
	if p == nil {
		return v
	}

	switch {
	case p.Criticality == core.CriticalityCritical:
		v.Action = ActionRequireElevated
	case p.Criticality == core.CriticalityHigh && p.Reversibility == core.ReversibilityIrreversible:
		v.Action = ActionRequireJustify
	case p.Criticality == core.CriticalityLow && p.Verifiability == core.VerifiabilityAutoTestable:
		if runAllZero(ctx, task, runner) {
			v.Action = ActionAutoAccept
		}
	}
	return v
}

func runAllZero(ctx context.Context, task *core.Task, runner CommandRunner) bool {
	if runner == nil || task.Workspace == nil || task.Payload == nil {
		return false
	}
	for _, cmd := range task.Payload.RunCommands {
		if err := runner.Run(ctx, task.Workspace.Path, cmd); err != nil {
			return false
		}
	}
	return true
}
