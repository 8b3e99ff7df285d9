// Package automation holds the plan, artifact and deployment records shared by
// every pipeline stage.
package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sbenjam1n/autoforge/internal/template"
)

// PlanStatus is the validation state of a plan row.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanValidated PlanStatus = "validated"
	PlanRejected  PlanStatus = "rejected"
)

// DeploymentStatus is the state of one deployment attempt.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentSucceeded  DeploymentStatus = "succeeded"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// Terminal reports whether no further pending -> terminal transition applies.
func (s DeploymentStatus) Terminal() bool {
	return s != DeploymentPending
}

// Plan is a template reference plus the raw parameter values chosen by the planner.
// Rows are never edited except for Status; a re-plan creates a new row.
type Plan struct {
	ID              string         `json:"plan_id" db:"plan_id"`
	ConversationID  string         `json:"conversation_id" db:"conversation_id"`
	RequestText     string         `json:"request_text,omitempty" db:"request_text"`
	TemplateID      string         `json:"template_id" db:"template_id"`
	TemplateVersion int            `json:"template_version" db:"template_version"`
	Parameters      map[string]any `json:"parameters"`
	Status          PlanStatus     `json:"status" db:"status"`
	RejectionCode   RejectionCode  `json:"rejection_code,omitempty" db:"rejection_code"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// ResolvedEntity records which environment entity a context placeholder was bound to.
type ResolvedEntity struct {
	EntityID string `json:"entity_id"`
	Rule     string `json:"rule"`
}

// ValidatedPlan is a plan whose parameters are type-checked and whose context
// references are bound to concrete entities. It is never persisted on its own.
type ValidatedPlan struct {
	Plan            *Plan                     `json:"plan"`
	Template        *template.Template        `json:"-"`
	Parameters      map[string]any            `json:"parameters"`
	ResolvedContext map[string]string         `json:"resolved_context"`
	Resolution      map[string]ResolvedEntity `json:"resolution,omitempty"`
	SafetyChecks    []CheckResult             `json:"safety_checks"`
}

// CompiledArtifact is the write-once output of compiling a validated plan.
type CompiledArtifact struct {
	ID              string            `json:"compiled_id" db:"compiled_id"`
	PlanID          string            `json:"plan_id" db:"plan_id"`
	TemplateID      string            `json:"template_id" db:"template_id"`
	TemplateVersion int               `json:"template_version" db:"template_version"`
	Parameters      map[string]any    `json:"parameters_snapshot"`
	ResolvedContext map[string]string `json:"resolved_context_snapshot"`
	CompiledOutput  string            `json:"compiled_output" db:"compiled_output"`
	ContentHash     string            `json:"content_hash" db:"content_hash"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// Deployment is one attempt to push an artifact to a hub.
type Deployment struct {
	ID             string           `json:"deployment_id" db:"deployment_id"`
	CompiledID     string           `json:"compiled_id" db:"compiled_id"`
	TargetSystemID string           `json:"target_system_id" db:"target_system_id"`
	DeployedAt     time.Time        `json:"deployed_at" db:"deployed_at"`
	Status         DeploymentStatus `json:"status" db:"status"`
	ExternalID     string           `json:"external_id,omitempty" db:"external_id"`
	RollbackOf     *string          `json:"rollback_of,omitempty" db:"rollback_of"`
	LastError      string           `json:"last_error,omitempty" db:"last_error"`
	Attempts       int              `json:"attempts" db:"attempts"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// RejectionCode enumerates the validator's fixed rejection taxonomy.
type RejectionCode string

const (
	UnknownTemplate            RejectionCode = "UnknownTemplate"
	ParameterMissing           RejectionCode = "ParameterMissing"
	ParameterTypeMismatch      RejectionCode = "ParameterTypeMismatch"
	ParameterOutOfRange        RejectionCode = "ParameterOutOfRange"
	UnresolvedContextReference RejectionCode = "UnresolvedContextReference"
	SafetyViolation            RejectionCode = "SafetyViolation"
)

// CheckResult describes a single validation check.
type CheckResult struct {
	Check    string `json:"check"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected,omitempty"`
	Got      string `json:"got,omitempty"`
	Fix      string `json:"fix,omitempty"` // set for every failing check
}

// Rejection is the typed validation failure returned to callers.
type Rejection struct {
	Code    RejectionCode `json:"code"`
	Message string        `json:"message"`
	Details []CheckResult `json:"details,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Briefing renders the rejection as an actionable, multi-line message.
func (r *Rejection) Briefing() string {
	var b strings.Builder
	fmt.Fprintf(&b, "REJECTED (%s)\n%s", r.Code, r.Message)
	for _, d := range r.Details {
		if d.Passed {
			continue
		}
		fmt.Fprintf(&b, "\n  Check: %s | Expected: %s | Got: %s", d.Check, d.Expected, d.Got)
		if d.Fix != "" {
			fmt.Fprintf(&b, "\n  Fix: %s", d.Fix)
		}
	}
	return b.String()
}

// LifecycleEntry is one plan with whatever it produced downstream.
type LifecycleEntry struct {
	Plan        *Plan             `json:"plan"`
	Artifact    *CompiledArtifact `json:"artifact,omitempty"`
	Deployments []*Deployment     `json:"deployments,omitempty"`
}

// Lineage is the single path from a deployment back to the plan that produced it.
type Lineage struct {
	Deployment *Deployment       `json:"deployment"`
	Artifact   *CompiledArtifact `json:"artifact"`
	Plan       *Plan             `json:"plan"`
	// Chain holds the rollback_of ancestry, newest first, excluding Deployment.
	Chain []*Deployment `json:"rollback_chain,omitempty"`
}

// CanonicalJSON encodes v with sorted map keys and no insignificant whitespace.
// HTML characters are written literally so hashes match other encoders.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
