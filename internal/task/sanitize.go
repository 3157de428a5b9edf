// Package task implements the handoff pipeline: input sanitization,
// structural validation, delegation-depth enforcement, the task store,
// and the lifecycle state machine with event emission.
package task

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentctl/hub/internal/core"
)

// Length caps enforced before structural validation.
const (
	maxGoalLen      = 10000
	maxCriterionLen = 2000
	maxCommandLen   = 1000
)

// Shell-injection patterns that block a handoff outright.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`\$\{`),
	regexp.MustCompile(`[;&|]\s*(rm|curl|wget|sudo|chmod|mkfs|dd)\b`),
	regexp.MustCompile(`\|\s*(bash|sh|zsh)\b`),
	regexp.MustCompile(`>{1,2}\s*/etc/`),
	regexp.MustCompile(`>{1,2}\s*/dev/`),
	regexp.MustCompile(`>{1,2}\s*~/\.`),
}

// Prompt-override patterns produce warnings, never rejections.
var overridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+previous\s+instructions`),
	regexp.MustCompile(`(?i)forget\s+your\s+instructions`),
	regexp.MustCompile(`(?i)override\s+system\s+prompt`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+a`),
	regexp.MustCompile(`(?i)^\s*system:`),
}

// Sanitize runs the blocking checks against a handoff payload and its
// context, then strips control characters from accepted string fields
// in place. It returns non-blocking prompt-override warnings.
func Sanitize(p *core.HandoffPayload, context map[string]string) ([]string, error) {
	if len(p.Goal) > maxGoalLen {
		return nil, fmt.Errorf("goal exceeds %d characters", maxGoalLen)
	}
	for i, c := range p.AcceptanceCriteria {
		if len(c) > maxCriterionLen {
			return nil, fmt.Errorf("acceptance_criteria[%d] exceeds %d characters", i, maxCriterionLen)
		}
	}
	for i, c := range p.RunCommands {
		if len(c) > maxCommandLen {
			return nil, fmt.Errorf("run_commands[%d] exceeds %d characters", i, maxCommandLen)
		}
		for _, pat := range injectionPatterns {
			if pat.MatchString(c) {
				return nil, fmt.Errorf("run_commands[%d] matches shell-injection pattern %q", i, pat.String())
			}
		}
	}
	for key, val := range context {
		if err := checkContextPath(val); err != nil {
			return nil, fmt.Errorf("context[%s]: %w", key, err)
		}
	}

	var warnings []string
	for _, field := range append([]string{p.Goal}, p.AcceptanceCriteria...) {
		for _, pat := range overridePatterns {
			if pat.MatchString(field) {
				warnings = append(warnings, fmt.Sprintf("prompt-override pattern %q detected", pat.String()))
			}
		}
	}

	stripPayloadControls(p)
	return warnings, nil
}

func checkContextPath(val string) error {
	if strings.Contains(val, "..") {
		return fmt.Errorf("path traversal sequence")
	}
	for _, r := range val {
		if r == 0 {
			return fmt.Errorf("NUL byte")
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return fmt.Errorf("control character 0x%02x", r)
		}
	}
	return nil
}

// StripControl removes control characters from s, preserving newline,
// carriage return and tab.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func stripPayloadControls(p *core.HandoffPayload) {
	p.Goal = StripControl(p.Goal)
	for i := range p.AcceptanceCriteria {
		p.AcceptanceCriteria[i] = StripControl(p.AcceptanceCriteria[i])
	}
	for i := range p.RunCommands {
		p.RunCommands[i] = StripControl(p.RunCommands[i])
	}
	for i := range p.BlockedBy {
		p.BlockedBy[i] = StripControl(p.BlockedBy[i])
	}
	for i := range p.RequiredSkills {
		p.RequiredSkills[i] = StripControl(p.RequiredSkills[i])
	}
}
