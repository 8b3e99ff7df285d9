// Package validator turns a plan into a ValidatedPlan: parameters are
// type-checked, context references are bound to live entities and the fixed
// safety checks are run. Any failure is a typed *automation.Rejection.
package validator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/environment"
	"github.com/sbenjam1n/autoforge/internal/template"
)

// Catalog resolves pinned template versions.
type Catalog interface {
	Get(id string, version int) (*template.Template, error)
}

// Validator checks plans against the catalog and an environment snapshot.
type Validator struct {
	lib    Catalog
	policy Policy
	log    logrus.FieldLogger
}

// New creates a new Validator.
func New(lib Catalog, policy Policy, log logrus.FieldLogger) (*Validator, error) {
	if err := policy.Check(); err != nil {
		return nil, fmt.Errorf("validator policy: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Validator{lib: lib, policy: policy, log: log.WithField("component", "validator")}, nil
}

// Validate runs every stage in order and stops at the first failure. A
// returned error is either a *automation.Rejection or an internal failure.
func (v *Validator) Validate(p *automation.Plan, snap *environment.Snapshot) (*automation.ValidatedPlan, error) {
	log := v.log.WithFields(logrus.Fields{"plan_id": p.ID, "template_id": p.TemplateID})

	tpl, err := v.lib.Get(p.TemplateID, p.TemplateVersion)
	if errors.Is(err, template.ErrNotFound) {
		return nil, &automation.Rejection{
			Code:    automation.UnknownTemplate,
			Message: fmt.Sprintf("Template %s@%d does not exist", p.TemplateID, p.TemplateVersion),
			Details: []automation.CheckResult{{
				Check:    "template_exists",
				Expected: fmt.Sprintf("template %s version %d in the catalog", p.TemplateID, p.TemplateVersion),
				Got:      "not found",
				Fix:      "Re-plan against a template listed by GET /api/v1/templates.",
			}},
		}
	}
	if err != nil {
		return nil, fmt.Errorf("look up template: %w", err)
	}

	params, rej := checkParameters(tpl, p.Parameters)
	if rej != nil {
		log.WithField("code", rej.Code).Info("plan rejected")
		return nil, rej
	}

	resolved, resolution, rej := v.resolveContext(tpl, params, snap)
	if rej != nil {
		log.WithField("code", rej.Code).Info("plan rejected")
		return nil, rej
	}

	checks, rej, err := v.runSafetyChecks(tpl, params, resolved, snap)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		log.WithField("code", rej.Code).Info("plan rejected")
		return nil, rej
	}

	log.Debug("plan validated")
	return &automation.ValidatedPlan{
		Plan:            p,
		Template:        tpl,
		Parameters:      params,
		ResolvedContext: resolved,
		Resolution:      resolution,
		SafetyChecks:    checks,
	}, nil
}

func checkParameters(tpl *template.Template, raw map[string]any) (map[string]any, *automation.Rejection) {
	used := make(map[string]bool)
	for _, ph := range tpl.Placeholders() {
		if ph.Namespace == template.NamespaceParam {
			used[ph.Name] = true
		}
	}
	for _, ref := range tpl.Context {
		if ref.AreaParam != "" {
			used[ref.AreaParam] = true
		}
	}

	out := make(map[string]any, len(tpl.Parameters))
	for _, name := range sortedNames(tpl.Parameters) {
		spec := tpl.Parameters[name]
		value, present := raw[name]
		if !present || value == nil {
			if spec.Default != nil {
				out[name] = spec.Default
				continue
			}
			if spec.Required || used[name] {
				return nil, &automation.Rejection{
					Code:    automation.ParameterMissing,
					Message: fmt.Sprintf("Parameter %s is required", name),
					Details: []automation.CheckResult{{
						Check:    "parameter:" + name,
						Expected: fmt.Sprintf("a %s value", spec.Type),
						Got:      "missing",
						Fix:      fmt.Sprintf("Ask the user for %s%s.", name, describeSpec(spec)),
					}},
				}
			}
			continue
		}

		v, err := spec.Coerce(value)
		if err != nil {
			var ce *template.CoerceError
			if !errors.As(err, &ce) {
				ce = &template.CoerceError{Failure: template.FailType, Expected: string(spec.Type), Got: err.Error()}
			}
			code := automation.ParameterTypeMismatch
			if ce.Failure == template.FailRange {
				code = automation.ParameterOutOfRange
			}
			return nil, &automation.Rejection{
				Code:    code,
				Message: fmt.Sprintf("Parameter %s: %s", name, ce.Error()),
				Details: []automation.CheckResult{{
					Check:    "parameter:" + name,
					Expected: ce.Expected,
					Got:      ce.Got,
					Fix:      fmt.Sprintf("Provide %s as %s%s.", name, spec.Type, describeSpec(spec)),
				}},
			}
		}
		out[name] = v
	}
	return out, nil
}

func describeSpec(spec template.ParamSpec) string {
	var parts []string
	if spec.Min != nil {
		parts = append(parts, fmt.Sprintf("min %v", *spec.Min))
	}
	if spec.Max != nil {
		parts = append(parts, fmt.Sprintf("max %v", *spec.Max))
	}
	if len(spec.Options) > 0 {
		parts = append(parts, "one of "+strings.Join(spec.Options, "|"))
	}
	if spec.Pattern != "" {
		parts = append(parts, "matching "+spec.Pattern)
	}
	if spec.Description != "" {
		parts = append(parts, spec.Description)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
