package validator

import (
	"fmt"
	"strings"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/environment"
	"github.com/sbenjam1n/autoforge/internal/template"
)

func (v *Validator) resolveContext(tpl *template.Template, params map[string]any, snap *environment.Snapshot) (map[string]string, map[string]automation.ResolvedEntity, *automation.Rejection) {
	resolved := make(map[string]string, len(tpl.Context))
	resolution := make(map[string]automation.ResolvedEntity, len(tpl.Context))

	for _, name := range sortedNames(tpl.Context) {
		ref := tpl.Context[name]
		area := ref.Area
		if ref.AreaParam != "" {
			area, _ = params[ref.AreaParam].(string)
		}

		candidates := snap.Filter(func(e environment.Entity) bool {
			if e.Domain != ref.Domain {
				return false
			}
			if ref.DeviceClass != "" && e.DeviceClass != ref.DeviceClass {
				return false
			}
			if ref.Capability != "" && !e.HasCapability(ref.Capability) {
				return false
			}
			if area != "" && ref.AreaMatch == template.AreaStrict && e.AreaID != area {
				return false
			}
			return true
		})

		predicate := describeRef(ref, area)
		if len(candidates) == 0 {
			return nil, nil, &automation.Rejection{
				Code:    automation.UnresolvedContextReference,
				Message: fmt.Sprintf("No entity matches %s for %s", predicate, name),
				Details: []automation.CheckResult{{
					Check:    "context:" + name,
					Expected: predicate,
					Got:      "no matching entity",
					Fix:      fmt.Sprintf("Ask the user which device to use for %s, or pick another area.", name),
				}},
			}
		}

		chosen, rule, ok := v.tieBreak(candidates, area)
		if !ok {
			return nil, nil, &automation.Rejection{
				Code:    automation.UnresolvedContextReference,
				Message: fmt.Sprintf("%d entities match %s for %s and the tie-break policy cannot choose", len(chosen), predicate, name),
				Details: []automation.CheckResult{{
					Check:    "context:" + name,
					Expected: "exactly one entity after tie-break [" + strings.Join(v.policy.TieBreak, ", ") + "]",
					Got:      strings.Join(entityIDs(chosen), ", "),
					Fix:      fmt.Sprintf("Ask the user which of %s to use for %s.", strings.Join(entityIDs(chosen), ", "), name),
				}},
			}
		}
		resolved[name] = chosen[0].EntityID
		resolution[name] = automation.ResolvedEntity{EntityID: chosen[0].EntityID, Rule: rule}
	}
	return resolved, resolution, nil
}

// tieBreak narrows candidates rule by rule. It returns the single survivor and
// the rule that produced it, or the remaining tie when the policy runs out.
func (v *Validator) tieBreak(candidates []environment.Entity, area string) ([]environment.Entity, string, bool) {
	if len(candidates) == 1 {
		return candidates, RuleOnlyMatch, true
	}
	for _, rule := range v.policy.TieBreak {
		switch rule {
		case RuleArea:
			if area == "" {
				continue
			}
			var in []environment.Entity
			for _, e := range candidates {
				if e.AreaID == area {
					in = append(in, e)
				}
			}
			if len(in) > 0 {
				candidates = in
			}
		case RuleRecency:
			var latest []environment.Entity
			for _, e := range candidates {
				switch {
				case len(latest) == 0 || e.LastChanged.After(latest[0].LastChanged):
					latest = []environment.Entity{e}
				case e.LastChanged.Equal(latest[0].LastChanged):
					latest = append(latest, e)
				}
			}
			candidates = latest
		case RuleID:
			first := candidates[0]
			for _, e := range candidates[1:] {
				if e.EntityID < first.EntityID {
					first = e
				}
			}
			candidates = []environment.Entity{first}
		}
		if len(candidates) == 1 {
			return candidates, rule, true
		}
	}
	return candidates, "", false
}

func describeRef(ref template.ContextRef, area string) string {
	var b strings.Builder
	b.WriteString("a " + ref.Domain + " entity")
	if ref.DeviceClass != "" {
		b.WriteString(" with device_class " + ref.DeviceClass)
	}
	if ref.Capability != "" {
		b.WriteString(" with capability " + ref.Capability)
	}
	if area != "" {
		if ref.AreaMatch == template.AreaStrict {
			b.WriteString(" in area " + area)
		} else {
			b.WriteString(" preferably in area " + area)
		}
	}
	return b.String()
}

func entityIDs(es []environment.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.EntityID
	}
	return out
}
