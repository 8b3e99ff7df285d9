// Package store persists plans, compiled artifacts and deployments. Rows are
// append-mostly: only plan status and deployment status, error and attempt
// count change after insert.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sbenjam1n/autoforge/internal/automation"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyCompiled is returned when a plan already owns an artifact.
	ErrAlreadyCompiled = errors.New("plan already compiled")
	// ErrPendingExists is returned when an artifact already has a pending deployment.
	ErrPendingExists = errors.New("artifact has a pending deployment")
	// ErrStaleTransition is returned when a row is no longer in the expected status.
	ErrStaleTransition = errors.New("status changed concurrently")
)

// Transition describes a guarded deployment status change.
type Transition struct {
	From      automation.DeploymentStatus
	To        automation.DeploymentStatus
	LastError string
	Attempts  int
}

// Store is the lifecycle registry's persistence.
type Store interface {
	// CreatePlan inserts p, assigning ID and CreatedAt when empty.
	CreatePlan(ctx context.Context, p *automation.Plan) error
	GetPlan(ctx context.Context, id string) (*automation.Plan, error)
	// SetPlanStatus records the validation outcome.
	SetPlanStatus(ctx context.Context, id string, status automation.PlanStatus, code automation.RejectionCode) error
	// ListPlans returns a conversation's plans, oldest first.
	ListPlans(ctx context.Context, conversationID string) ([]*automation.Plan, error)

	// CreateArtifact inserts a, assigning ID and CreatedAt when empty.
	CreateArtifact(ctx context.Context, a *automation.CompiledArtifact) error
	GetArtifact(ctx context.Context, id string) (*automation.CompiledArtifact, error)
	GetArtifactByPlan(ctx context.Context, planID string) (*automation.CompiledArtifact, error)

	// CreateDeployment inserts d, assigning ID and timestamps when empty.
	CreateDeployment(ctx context.Context, d *automation.Deployment) error
	GetDeployment(ctx context.Context, id string) (*automation.Deployment, error)
	// TransitionDeployment applies t only if the row is still in t.From.
	TransitionDeployment(ctx context.Context, id string, t Transition) (*automation.Deployment, error)
	// ListDeployments returns an artifact's deployments, oldest first.
	ListDeployments(ctx context.Context, compiledID string) ([]*automation.Deployment, error)
	// ListLineage returns the deployments on target of every artifact compiled
	// from templateID within conversationID, oldest first.
	ListLineage(ctx context.Context, conversationID, templateID, target string) ([]*automation.Deployment, error)
	// ListPending returns pending deployments last updated before cutoff.
	ListPending(ctx context.Context, cutoff time.Time) ([]*automation.Deployment, error)

	Ping(ctx context.Context) error
}
