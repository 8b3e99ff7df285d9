package validator

import (
	"fmt"
	"strings"
)

// Tie-break rules applied, in policy order, when a context reference matches
// more than one entity.
const (
	RuleArea    = "area"    // keep candidates in the reference's area
	RuleRecency = "recency" // keep the most recently changed candidates
	RuleID      = "id"      // keep the lexicographically smallest entity id
)

// RuleOnlyMatch is recorded when a single candidate needed no tie-break.
const RuleOnlyMatch = "only_match"

// Policy configures context resolution and safety checks.
type Policy struct {
	TieBreak      []string
	DeniedDomains []string
}

// DefaultPolicy prefers the exact area, then the most recently active
// entity, then id order.
func DefaultPolicy() Policy {
	return Policy{
		TieBreak:      []string{RuleArea, RuleRecency, RuleID},
		DeniedDomains: []string{"lock", "alarm_control_panel", "camera"},
	}
}

// Check rejects unknown or repeated rules.
func (p Policy) Check() error {
	seen := make(map[string]bool)
	for _, r := range p.TieBreak {
		switch r {
		case RuleArea, RuleRecency, RuleID:
		default:
			return fmt.Errorf("unknown tie-break rule %q (want %s)", r, strings.Join([]string{RuleArea, RuleRecency, RuleID}, ", "))
		}
		if seen[r] {
			return fmt.Errorf("tie-break rule %q listed twice", r)
		}
		seen[r] = true
	}
	return nil
}

func (p Policy) denied(domain string) bool {
	for _, d := range p.DeniedDomains {
		if d == domain {
			return true
		}
	}
	return false
}
