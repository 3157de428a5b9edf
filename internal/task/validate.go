package task

import (
	"fmt"
	"strings"

	"github.com/agentctl/hub/internal/core"
)

var enumValues = map[string][]string{
	"complexity":       {core.ComplexityLow, core.ComplexityMedium, core.ComplexityHigh, core.ComplexityCritical},
	"criticality":      {core.CriticalityLow, core.CriticalityMedium, core.CriticalityHigh, core.CriticalityCritical},
	"reversibility":    {core.ReversibilityReversible, core.ReversibilityPartial, core.ReversibilityIrreversible},
	"verifiability":    {core.VerifiabilityAutoTestable, core.VerifiabilityNeedsReview, core.VerifiabilitySubjective},
	"uncertainty":      {core.UncertaintyLow, core.UncertaintyMedium, core.UncertaintyHigh},
	"autonomy_level":   {core.AutonomyStrict, core.AutonomyStandard, core.AutonomyOpenEnded},
	"monitoring_level": {core.MonitoringOutcomeOnly, core.MonitoringPeriodic, core.MonitoringContinuous},
}

// Validate enforces the handoff payload contract. All problems are
// collected and returned together.
func Validate(p *core.HandoffPayload) error {
	var errs []string

	if strings.TrimSpace(p.Goal) == "" {
		errs = append(errs, "goal is required")
	}
	if len(p.AcceptanceCriteria) == 0 {
		errs = append(errs, "acceptance_criteria must be non-empty")
	}
	for i, c := range p.AcceptanceCriteria {
		if strings.TrimSpace(c) == "" {
			errs = append(errs, fmt.Sprintf("acceptance_criteria[%d] is empty", i))
		}
	}
	if len(p.RunCommands) == 0 {
		errs = append(errs, "run_commands must be non-empty")
	}
	for i, c := range p.RunCommands {
		if strings.TrimSpace(c) == "" {
			errs = append(errs, fmt.Sprintf("run_commands[%d] is empty", i))
		}
	}
	if len(p.BlockedBy) == 0 {
		errs = append(errs, `blocked_by must be non-empty (use "none" when unblocked)`)
	}

	checkEnum := func(field, value string) {
		if value == "" {
			return
		}
		for _, v := range enumValues[field] {
			if value == v {
				return
			}
		}
		errs = append(errs, fmt.Sprintf("%s: invalid value %q", field, value))
	}
	checkEnum("complexity", p.Complexity)
	checkEnum("criticality", p.Criticality)
	checkEnum("reversibility", p.Reversibility)
	checkEnum("verifiability", p.Verifiability)
	checkEnum("uncertainty", p.Uncertainty)
	checkEnum("autonomy_level", p.AutonomyLevel)
	checkEnum("monitoring_level", p.MonitoringLevel)

	if p.EstimatedDurationMinutes < 0 {
		errs = append(errs, "estimated_duration_minutes must be non-negative")
	}
	if p.DelegationDepth < 0 {
		errs = append(errs, "delegation_depth must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid handoff payload: %s", strings.Join(errs, "; "))
	}
	return nil
}
