package validator

import (
	"fmt"
	"strings"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/environment"
	"github.com/sbenjam1n/autoforge/internal/template"
)

// Safety check names, in evaluation order.
const (
	CheckDeniedDomain = "denied_domain"
	CheckTriggerLoop  = "trigger_loop"
	CheckEntityExists = "entity_exists"
)

// runSafetyChecks renders the skeleton with the resolved values and inspects
// what it would touch. Results are returned up to and including the first
// failure.
func (v *Validator) runSafetyChecks(tpl *template.Template, params map[string]any, resolved map[string]string, snap *environment.Snapshot) ([]automation.CheckResult, *automation.Rejection, error) {
	rendered, err := tpl.Render(template.Bindings{Params: params, Context: resolved})
	if err != nil {
		return nil, nil, fmt.Errorf("render %s for safety checks: %w", tpl.Key(), err)
	}
	refs := rendered.References()

	checks := []func() automation.CheckResult{
		func() automation.CheckResult { return v.checkDeniedDomain(refs) },
		func() automation.CheckResult { return checkTriggerLoop(refs) },
		func() automation.CheckResult { return checkEntityExists(refs, resolved, snap) },
	}

	var results []automation.CheckResult
	for _, run := range checks {
		r := run()
		results = append(results, r)
		if !r.Passed {
			return results, &automation.Rejection{
				Code:    automation.SafetyViolation,
				Message: fmt.Sprintf("Safety check %s failed: %s", r.Check, r.Got),
				Details: results,
			}, nil
		}
	}
	return results, nil, nil
}

func (v *Validator) checkDeniedDomain(refs template.References) automation.CheckResult {
	r := automation.CheckResult{
		Check:    CheckDeniedDomain,
		Passed:   true,
		Expected: "no actions on " + strings.Join(v.policy.DeniedDomains, ", "),
	}
	var hits []string
	for _, d := range refs.ActionDomains {
		if v.policy.denied(d) {
			hits = append(hits, "service domain "+d)
		}
	}
	for _, id := range refs.ActionEntities {
		d, _, _ := strings.Cut(id, ".")
		if v.policy.denied(d) {
			hits = append(hits, "target "+id)
		}
	}
	if len(hits) > 0 {
		r.Passed = false
		r.Got = strings.Join(hits, ", ")
		r.Fix = "Automations may not act on these domains; choose a template that does not control them."
	}
	return r
}

func checkTriggerLoop(refs template.References) automation.CheckResult {
	r := automation.CheckResult{
		Check:    CheckTriggerLoop,
		Passed:   true,
		Expected: "no entity is both a trigger and an action target",
	}
	triggers := make(map[string]bool, len(refs.TriggerEntities))
	for _, id := range refs.TriggerEntities {
		triggers[id] = true
	}
	var loops []string
	for _, id := range refs.ActionEntities {
		if triggers[id] {
			loops = append(loops, id)
		}
	}
	if len(loops) > 0 {
		r.Passed = false
		r.Got = strings.Join(loops, ", ") + " would re-trigger the automation"
		r.Fix = "Bind the trigger and the action to different entities."
	}
	return r
}

func checkEntityExists(refs template.References, resolved map[string]string, snap *environment.Snapshot) automation.CheckResult {
	r := automation.CheckResult{
		Check:    CheckEntityExists,
		Passed:   true,
		Expected: "every referenced entity exists in the hub",
	}
	ids := make(map[string]bool)
	for _, id := range resolved {
		ids[id] = true
	}
	for _, list := range [][]string{refs.TriggerEntities, refs.ConditionEntities, refs.ActionEntities} {
		for _, id := range list {
			ids[id] = true
		}
	}
	var missing []string
	for _, id := range sortedNames(ids) {
		if id == "all" || id == "none" || strings.Contains(id, "{{") {
			continue
		}
		if _, ok := snap.Lookup(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		r.Passed = false
		r.Got = "unknown " + strings.Join(missing, ", ")
		r.Fix = "Refresh the environment snapshot or fix the template's hard-coded entity ids."
	}
	return r
}
