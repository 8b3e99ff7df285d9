package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sbenjam1n/autoforge/internal/automation"
)

// Memory is a Store held in process memory. It enforces the same uniqueness
// rules as the Postgres schema and hands out copies, never its own rows.
type Memory struct {
	Now func() time.Time

	mu          sync.RWMutex
	plans       map[string]*automation.Plan
	artifacts   map[string]*automation.CompiledArtifact
	byPlan      map[string]string
	deployments map[string]*automation.Deployment
	seq         map[string]int64
	next        int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		plans:       make(map[string]*automation.Plan),
		artifacts:   make(map[string]*automation.CompiledArtifact),
		byPlan:      make(map[string]string),
		deployments: make(map[string]*automation.Deployment),
		seq:         make(map[string]int64),
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// order records insertion order so equal timestamps still sort stably.
func (m *Memory) order(id string) {
	m.next++
	m.seq[id] = m.next
}

func (m *Memory) CreatePlan(_ context.Context, p *automation.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	if p.Status == "" {
		p.Status = automation.PlanPending
	}
	if _, dup := m.plans[p.ID]; dup {
		return fmt.Errorf("create plan %s: duplicate id", p.ID)
	}
	m.plans[p.ID] = clonePlan(p)
	m.order(p.ID)
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id string) (*automation.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return clonePlan(p), nil
}

func (m *Memory) SetPlanStatus(_ context.Context, id string, status automation.PlanStatus, code automation.RejectionCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	p.Status = status
	p.RejectionCode = code
	return nil
}

func (m *Memory) ListPlans(_ context.Context, conversationID string) ([]*automation.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*automation.Plan
	for _, p := range m.plans {
		if p.ConversationID == conversationID {
			out = append(out, clonePlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out, nil
}

func (m *Memory) CreateArtifact(_ context.Context, a *automation.CompiledArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[a.PlanID]; !ok {
		return fmt.Errorf("create artifact: plan %s: %w", a.PlanID, ErrNotFound)
	}
	if _, dup := m.byPlan[a.PlanID]; dup {
		return fmt.Errorf("create artifact for plan %s: %w", a.PlanID, ErrAlreadyCompiled)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.artifacts[a.ID] = cloneArtifact(a)
	m.byPlan[a.PlanID] = a.ID
	m.order(a.ID)
	return nil
}

func (m *Memory) GetArtifact(_ context.Context, id string) (*automation.CompiledArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return cloneArtifact(a), nil
}

func (m *Memory) GetArtifactByPlan(_ context.Context, planID string) (*automation.CompiledArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPlan[planID]
	if !ok {
		return nil, fmt.Errorf("artifact for plan %s: %w", planID, ErrNotFound)
	}
	return cloneArtifact(m.artifacts[id]), nil
}

func (m *Memory) CreateDeployment(_ context.Context, d *automation.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[d.CompiledID]; !ok {
		return fmt.Errorf("create deployment: artifact %s: %w", d.CompiledID, ErrNotFound)
	}
	if d.Status == "" {
		d.Status = automation.DeploymentPending
	}
	if d.Status == automation.DeploymentPending {
		for _, x := range m.deployments {
			if x.CompiledID == d.CompiledID && x.Status == automation.DeploymentPending {
				return fmt.Errorf("create deployment for %s: %w", d.CompiledID, ErrPendingExists)
			}
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := m.now()
	if d.DeployedAt.IsZero() {
		d.DeployedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	m.deployments[d.ID] = cloneDeployment(d)
	m.order(d.ID)
	return nil
}

func (m *Memory) GetDeployment(_ context.Context, id string) (*automation.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return cloneDeployment(d), nil
}

func (m *Memory) TransitionDeployment(_ context.Context, id string, t Transition) (*automation.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if d.Status != t.From {
		return nil, fmt.Errorf("deployment %s is %s, not %s: %w", id, d.Status, t.From, ErrStaleTransition)
	}
	d.Status = t.To
	d.LastError = t.LastError
	if t.Attempts > 0 {
		d.Attempts = t.Attempts
	}
	d.UpdatedAt = m.now()
	return cloneDeployment(d), nil
}

func (m *Memory) ListDeployments(_ context.Context, compiledID string) ([]*automation.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*automation.Deployment
	for _, d := range m.deployments {
		if d.CompiledID == compiledID {
			out = append(out, cloneDeployment(d))
		}
	}
	m.sortDeployments(out)
	return out, nil
}

func (m *Memory) ListLineage(_ context.Context, conversationID, templateID, target string) ([]*automation.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*automation.Deployment
	for _, d := range m.deployments {
		if d.TargetSystemID != target {
			continue
		}
		a, ok := m.artifacts[d.CompiledID]
		if !ok || a.TemplateID != templateID {
			continue
		}
		if p, ok := m.plans[a.PlanID]; ok && p.ConversationID == conversationID {
			out = append(out, cloneDeployment(d))
		}
	}
	m.sortDeployments(out)
	return out, nil
}

func (m *Memory) ListPending(_ context.Context, cutoff time.Time) ([]*automation.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*automation.Deployment
	for _, d := range m.deployments {
		if d.Status == automation.DeploymentPending && d.UpdatedAt.Before(cutoff) {
			out = append(out, cloneDeployment(d))
		}
	}
	m.sortDeployments(out)
	return out, nil
}

func (m *Memory) sortDeployments(ds []*automation.Deployment) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].DeployedAt.Equal(ds[j].DeployedAt) {
			return ds[i].DeployedAt.Before(ds[j].DeployedAt)
		}
		return m.seq[ds[i].ID] < m.seq[ds[j].ID]
	})
}

func (m *Memory) Ping(context.Context) error { return nil }

func clonePlan(p *automation.Plan) *automation.Plan {
	c := *p
	c.Parameters = cloneAny(p.Parameters)
	return &c
}

func cloneArtifact(a *automation.CompiledArtifact) *automation.CompiledArtifact {
	c := *a
	c.Parameters = cloneAny(a.Parameters)
	c.ResolvedContext = make(map[string]string, len(a.ResolvedContext))
	for k, v := range a.ResolvedContext {
		c.ResolvedContext[k] = v
	}
	return &c
}

func cloneDeployment(d *automation.Deployment) *automation.Deployment {
	c := *d
	if d.RollbackOf != nil {
		r := *d.RollbackOf
		c.RollbackOf = &r
	}
	return &c
}

func cloneAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
