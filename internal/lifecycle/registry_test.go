package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/store"
)

func TestLifecycle(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	rejected := &automation.Plan{ConversationID: "c1", TemplateID: "motion_dim_off", TemplateVersion: 1, CreatedAt: t0}
	require.NoError(t, s.CreatePlan(ctx, rejected))
	require.NoError(t, s.SetPlanStatus(ctx, rejected.ID, automation.PlanRejected, automation.UnresolvedContextReference))

	v1Plan := &automation.Plan{ConversationID: "c1", TemplateID: "motion_dim_off", TemplateVersion: 1, CreatedAt: t0.Add(time.Minute)}
	require.NoError(t, s.CreatePlan(ctx, v1Plan))
	v1 := &automation.CompiledArtifact{PlanID: v1Plan.ID, TemplateID: "motion_dim_off", TemplateVersion: 1, ContentHash: "h1"}
	require.NoError(t, s.CreateArtifact(ctx, v1))

	v2Plan := &automation.Plan{ConversationID: "c1", TemplateID: "motion_dim_off", TemplateVersion: 2, CreatedAt: t0.Add(2 * time.Minute)}
	require.NoError(t, s.CreatePlan(ctx, v2Plan))
	v2 := &automation.CompiledArtifact{PlanID: v2Plan.ID, TemplateID: "motion_dim_off", TemplateVersion: 2, ContentHash: "h2"}
	require.NoError(t, s.CreateArtifact(ctx, v2))

	d1 := &automation.Deployment{CompiledID: v1.ID, TargetSystemID: "hub", ExternalID: "x", Status: automation.DeploymentSucceeded, DeployedAt: t0.Add(3 * time.Minute)}
	require.NoError(t, s.CreateDeployment(ctx, d1))
	d2 := &automation.Deployment{CompiledID: v2.ID, TargetSystemID: "hub", ExternalID: "x", Status: automation.DeploymentRolledBack, DeployedAt: t0.Add(4 * time.Minute)}
	require.NoError(t, s.CreateDeployment(ctx, d2))
	rb := d2.ID
	d3 := &automation.Deployment{CompiledID: v1.ID, TargetSystemID: "hub", ExternalID: "x", Status: automation.DeploymentSucceeded, RollbackOf: &rb, DeployedAt: t0.Add(5 * time.Minute)}
	require.NoError(t, s.CreateDeployment(ctx, d3))

	other := &automation.Plan{ConversationID: "c2", TemplateID: "motion_dim_off", TemplateVersion: 1}
	require.NoError(t, s.CreatePlan(ctx, other))

	g := New(s)

	t.Run("conversation chain", func(t *testing.T) {
		entries, err := g.GetLifecycle(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, entries, 3)

		assert.Equal(t, rejected.ID, entries[0].Plan.ID)
		assert.Equal(t, automation.PlanRejected, entries[0].Plan.Status)
		assert.Nil(t, entries[0].Artifact)
		assert.Empty(t, entries[0].Deployments)

		assert.Equal(t, v1.ID, entries[1].Artifact.ID)
		require.Len(t, entries[1].Deployments, 2)
		assert.Equal(t, d1.ID, entries[1].Deployments[0].ID)
		assert.Equal(t, d3.ID, entries[1].Deployments[1].ID)

		assert.Equal(t, v2.ID, entries[2].Artifact.ID)
		require.Len(t, entries[2].Deployments, 1)
		assert.Equal(t, automation.DeploymentRolledBack, entries[2].Deployments[0].Status)

		empty, err := g.GetLifecycle(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("every deployment leads back to one plan", func(t *testing.T) {
		for _, d := range []*automation.Deployment{d1, d2, d3} {
			l, err := g.Lineage(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, d.ID, l.Deployment.ID)
			assert.Equal(t, d.CompiledID, l.Artifact.ID)
			assert.Equal(t, l.Artifact.PlanID, l.Plan.ID)
			assert.Equal(t, "c1", l.Plan.ConversationID)
		}
	})

	t.Run("rollback chain", func(t *testing.T) {
		l, err := g.Lineage(ctx, d3.ID)
		require.NoError(t, err)
		assert.Equal(t, v1Plan.ID, l.Plan.ID)
		require.Len(t, l.Chain, 1)
		assert.Equal(t, d2.ID, l.Chain[0].ID)
	})

	t.Run("lookups", func(t *testing.T) {
		p, err := g.GetPlan(ctx, v2Plan.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, p.TemplateVersion)

		a, err := g.GetArtifact(ctx, v2.ID)
		require.NoError(t, err)
		assert.Equal(t, "h2", a.ContentHash)

		d, err := g.GetDeployment(ctx, d3.ID)
		require.NoError(t, err)
		assert.Equal(t, d2.ID, *d.RollbackOf)

		_, err = g.Lineage(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
