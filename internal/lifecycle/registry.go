// Package lifecycle answers read-only questions about how a conversation's
// requests moved through planning, compilation and deployment.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/store"
)

// Reader is the part of the store the registry queries.
type Reader interface {
	GetPlan(ctx context.Context, id string) (*automation.Plan, error)
	ListPlans(ctx context.Context, conversationID string) ([]*automation.Plan, error)
	GetArtifact(ctx context.Context, id string) (*automation.CompiledArtifact, error)
	GetArtifactByPlan(ctx context.Context, planID string) (*automation.CompiledArtifact, error)
	GetDeployment(ctx context.Context, id string) (*automation.Deployment, error)
	ListDeployments(ctx context.Context, compiledID string) ([]*automation.Deployment, error)
}

// Registry has no state of its own.
type Registry struct {
	r Reader
}

func New(r Reader) *Registry {
	return &Registry{r: r}
}

func (g *Registry) GetPlan(ctx context.Context, id string) (*automation.Plan, error) {
	return g.r.GetPlan(ctx, id)
}

func (g *Registry) GetArtifact(ctx context.Context, id string) (*automation.CompiledArtifact, error) {
	return g.r.GetArtifact(ctx, id)
}

func (g *Registry) GetDeployment(ctx context.Context, id string) (*automation.Deployment, error) {
	return g.r.GetDeployment(ctx, id)
}

// GetLifecycle returns every plan of the conversation, oldest first, with its
// artifact and deployment history. Plans that were rejected or never compiled
// appear with no artifact.
func (g *Registry) GetLifecycle(ctx context.Context, conversationID string) ([]automation.LifecycleEntry, error) {
	plans, err := g.r.ListPlans(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list plans of %s: %w", conversationID, err)
	}
	out := make([]automation.LifecycleEntry, 0, len(plans))
	for _, p := range plans {
		e := automation.LifecycleEntry{Plan: p}
		a, err := g.r.GetArtifactByPlan(ctx, p.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out = append(out, e)
			continue
		case err != nil:
			return nil, fmt.Errorf("artifact of plan %s: %w", p.ID, err)
		}
		e.Artifact = a
		e.Deployments, err = g.r.ListDeployments(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("deployments of %s: %w", a.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Lineage walks from a deployment back to its plan, following rollback_of
// links through the deployments it superseded.
func (g *Registry) Lineage(ctx context.Context, deploymentID string) (*automation.Lineage, error) {
	d, err := g.r.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	a, err := g.r.GetArtifact(ctx, d.CompiledID)
	if err != nil {
		return nil, fmt.Errorf("artifact of deployment %s: %w", d.ID, err)
	}
	p, err := g.r.GetPlan(ctx, a.PlanID)
	if err != nil {
		return nil, fmt.Errorf("plan of artifact %s: %w", a.ID, err)
	}

	l := &automation.Lineage{Deployment: d, Artifact: a, Plan: p}
	seen := map[string]bool{d.ID: true}
	for cur := d; cur.RollbackOf != nil; {
		if seen[*cur.RollbackOf] {
			return nil, fmt.Errorf("rollback chain of %s loops at %s", d.ID, *cur.RollbackOf)
		}
		prev, err := g.r.GetDeployment(ctx, *cur.RollbackOf)
		if err != nil {
			return nil, fmt.Errorf("rollback_of %s: %w", *cur.RollbackOf, err)
		}
		seen[prev.ID] = true
		l.Chain = append(l.Chain, prev)
		cur = prev
	}
	return l, nil
}
