package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/compiler"
	"github.com/sbenjam1n/autoforge/internal/db"
	"github.com/sbenjam1n/autoforge/internal/hub"
	"github.com/sbenjam1n/autoforge/internal/queue"
	"github.com/sbenjam1n/autoforge/internal/store"
	"github.com/sbenjam1n/autoforge/internal/template"
	"github.com/sbenjam1n/autoforge/internal/testutil"
)

// fakeHub stores documents by id. gate, when set, blocks each push until it
// is closed or the push context ends.
type fakeHub struct {
	mu      sync.Mutex
	docs    map[string]string
	puts    int
	failN   int
	failErr error
	gate    chan struct{}
	entered chan struct{}
}

func newFakeHub() *fakeHub {
	return &fakeHub{docs: make(map[string]string)}
}

func (h *fakeHub) PutAutomation(ctx context.Context, id, document string) error {
	h.mu.Lock()
	h.puts++
	gate, entered := h.gate, h.entered
	if h.failN != 0 {
		if h.failN > 0 {
			h.failN--
		}
		h.mu.Unlock()
		return h.failErr
	}
	h.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.docs[id] = document
	return nil
}

func (h *fakeHub) GetAutomation(_ context.Context, id string) (*hub.Automation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[id]
	if !ok {
		return nil, hub.ErrNotFound
	}
	var a hub.Automation
	if err := yaml.Unmarshal([]byte(doc), &a); err != nil {
		return nil, err
	}
	a.ID = id
	return &a, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []queue.ReconcileMessage
}

func (q *fakeQueue) Push(_ context.Context, m queue.ReconcileMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, m)
	return "1-0", nil
}

var fastRetry = Options{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

// seedArtifact stores a plan plus an artifact whose document carries the
// lineage description.
func seedArtifact(t *testing.T, s store.Store, templateID, hash string) *automation.CompiledArtifact {
	t.Helper()
	ctx := context.Background()
	p := &automation.Plan{ConversationID: "conv", TemplateID: templateID, TemplateVersion: 1}
	require.NoError(t, s.CreatePlan(ctx, p))
	desc := compiler.Description(template.Key{ID: templateID, Version: 1}, hash)
	a := &automation.CompiledArtifact{
		PlanID:          p.ID,
		TemplateID:      templateID,
		TemplateVersion: 1,
		CompiledOutput:  "alias: test\ndescription: " + desc + "\ntriggers: []\nconditions: []\nactions: []\nmode: single\n",
		ContentHash:     hash,
	}
	require.NoError(t, s.CreateArtifact(ctx, a))
	return a
}

func TestDeployAndRedeployOverwrites(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	svc := New(s, h, nil, nil, fastRetry, nil)
	a := seedArtifact(t, s, "motion_dim_off", "h1")
	ctx := context.Background()

	first, err := svc.Deploy(ctx, a.ID, "hub-1")
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentSucceeded, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.True(t, strings.HasPrefix(first.ExternalID, DefaultExternalPrefix))

	second, err := svc.Deploy(ctx, a.ID, "hub-1")
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentSucceeded, second.Status)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, h.docs, 1)

	other, err := svc.Deploy(ctx, a.ID, "hub-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ExternalID, other.ExternalID)
}

func TestDeployUnknownArtifact(t *testing.T) {
	svc := New(store.NewMemory(), newFakeHub(), nil, nil, fastRetry, nil)
	_, err := svc.Deploy(context.Background(), "missing", "hub-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentDeployIsRejected(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	h.gate = make(chan struct{})
	h.entered = make(chan struct{}, 1)
	svc := New(s, h, nil, nil, fastRetry, nil)
	a := seedArtifact(t, s, "motion_dim_off", "h1")
	ctx := context.Background()

	done := make(chan *automation.Deployment)
	go func() {
		d, err := svc.Deploy(ctx, a.ID, "hub-1")
		assert.NoError(t, err)
		done <- d
	}()
	<-h.entered

	_, err := svc.Deploy(ctx, a.ID, "hub-1")
	assert.ErrorIs(t, err, ErrAlreadyDeploying)

	close(h.gate)
	d := <-done
	assert.Equal(t, automation.DeploymentSucceeded, d.Status)

	rows, err := s.ListDeployments(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Status.Terminal())
	assert.Equal(t, 1, h.puts)
}

func TestPendingRowBlocksAcrossServices(t *testing.T) {
	// Two services with separate in-process lockers still share the store's
	// single pending row per artifact.
	s := store.NewMemory()
	h := newFakeHub()
	h.gate = make(chan struct{})
	h.entered = make(chan struct{}, 1)
	a := seedArtifact(t, s, "motion_dim_off", "h1")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := New(s, h, nil, nil, fastRetry, nil).Deploy(ctx, a.ID, "hub-1")
		assert.NoError(t, err)
	}()
	<-h.entered

	_, err := New(s, h, nil, nil, fastRetry, nil).Deploy(ctx, a.ID, "hub-1")
	assert.ErrorIs(t, err, ErrAlreadyDeploying)
	close(h.gate)
	<-done
}

func TestDeployFailureKeepsArtifact(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	h.failN = -1
	h.failErr = &hub.StatusError{Op: "put automation", Code: 503, Body: "unavailable"}
	svc := New(s, h, nil, nil, fastRetry, nil)
	a := seedArtifact(t, s, "motion_dim_off", "h1")
	ctx := context.Background()

	d, err := svc.Deploy(ctx, a.ID, "hub-1")
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentFailed, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.Contains(t, d.LastError, "503")

	_, err = s.GetArtifact(ctx, a.ID)
	require.NoError(t, err)

	// Manual retry without re-planning reuses the same artifact and hub id.
	h.mu.Lock()
	h.failN = 0
	h.mu.Unlock()
	retry, err := svc.Deploy(ctx, a.ID, "hub-1")
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentSucceeded, retry.Status)
	assert.Equal(t, d.ExternalID, retry.ExternalID)
}

func TestDeployRetryPolicy(t *testing.T) {
	tests := []struct {
		name     string
		failN    int
		err      error
		status   automation.DeploymentStatus
		attempts int
	}{
		{"transient then ok", 2, errors.New("connection refused"), automation.DeploymentSucceeded, 3},
		{"rejected by hub", -1, &hub.StatusError{Code: 400, Body: "Message malformed"}, automation.DeploymentFailed, 1},
		{"invalid document", -1, hub.ErrInvalidDocument, automation.DeploymentFailed, 1},
		{"wrong hub path", -1, fmt.Errorf("%w: /api/config/automation/config/x", hub.ErrNotFound), automation.DeploymentFailed, 1},
		{"rate limited", -1, &hub.StatusError{Code: 429}, automation.DeploymentFailed, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemory()
			h := newFakeHub()
			h.failN, h.failErr = tt.failN, tt.err
			a := seedArtifact(t, s, "motion_dim_off", "h1")

			d, err := New(s, h, nil, nil, fastRetry, nil).Deploy(context.Background(), a.ID, "hub-1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.attempts, d.Attempts)
			assert.Equal(t, tt.attempts, h.puts)
		})
	}
}

func TestTimeoutLeavesPendingAndReconciles(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	h.gate = make(chan struct{})
	q := &fakeQueue{}
	svc := New(s, h, nil, q, fastRetry, nil)
	a := seedArtifact(t, s, "motion_dim_off", "h1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d, err := svc.Deploy(ctx, a.ID, "hub-1")
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentPending, d.Status)

	stored, err := s.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentPending, stored.Status)
	require.Len(t, q.msgs, 1)
	assert.Equal(t, d.ID, q.msgs[0].DeploymentID)

	// A retry while the row is pending must not double-submit.
	_, err = svc.Deploy(context.Background(), a.ID, "hub-1")
	assert.ErrorIs(t, err, ErrAlreadyDeploying)

	close(h.gate)
	h.mu.Lock()
	h.gate = nil
	h.mu.Unlock()
	out, err := svc.Reconcile(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentSucceeded, out.Status)
	assert.Contains(t, h.docs, d.ExternalID)

	again, err := svc.Reconcile(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentSucceeded, again.Status)
}

func TestReconcileSkipsPushWhenHubHasArtifact(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	svc := New(s, h, nil, nil, fastRetry, nil)
	a := seedArtifact(t, s, "motion_dim_off", "h1")
	ctx := context.Background()

	// A slow push that landed after the caller gave up.
	d := &automation.Deployment{CompiledID: a.ID, TargetSystemID: "hub-1", ExternalID: "autoforge_x"}
	require.NoError(t, s.CreateDeployment(ctx, d))
	h.docs["autoforge_x"] = a.CompiledOutput

	out, err := svc.Reconcile(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentSucceeded, out.Status)
	assert.Equal(t, 0, h.puts)
}

func TestSweep(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	svc := New(s, h, nil, nil, fastRetry, nil)
	ctx := context.Background()

	for i, hash := range []string{"h1", "h2"} {
		a := seedArtifact(t, s, "motion_dim_off", hash)
		d := &automation.Deployment{CompiledID: a.ID, TargetSystemID: "hub-1", ExternalID: "autoforge_" + hash,
			UpdatedAt: time.Now().Add(-time.Duration(i+1) * time.Hour)}
		require.NoError(t, s.CreateDeployment(ctx, d))
	}
	fresh := seedArtifact(t, s, "motion_dim_off", "h3")
	require.NoError(t, s.CreateDeployment(ctx, &automation.Deployment{CompiledID: fresh.ID, TargetSystemID: "hub-1", ExternalID: "autoforge_h3"}))

	n, err := svc.Sweep(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotContains(t, h.docs, "autoforge_h3")
}

func TestRollback(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	svc := New(s, h, nil, nil, fastRetry, nil)
	ctx := context.Background()

	v1 := seedArtifact(t, s, "motion_dim_off", "h1")
	v2 := seedArtifact(t, s, "motion_dim_off", "h2")
	d1, err := svc.Deploy(ctx, v1.ID, "hub-1")
	require.NoError(t, err)
	d2, err := svc.Deploy(ctx, v2.ID, "hub-1")
	require.NoError(t, err)
	assert.Equal(t, d1.ExternalID, d2.ExternalID, "a new version overwrites the lineage's automation")
	require.Len(t, h.docs, 1)
	assert.Equal(t, v2.CompiledOutput, h.docs[d1.ExternalID])

	rb, err := svc.Rollback(ctx, d2.ID, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentSucceeded, rb.Status)
	assert.Equal(t, d2.ExternalID, rb.ExternalID)
	require.NotNil(t, rb.RollbackOf)
	assert.Equal(t, d2.ID, *rb.RollbackOf)
	require.Len(t, h.docs, 1, "rollback leaves one automation on the hub")
	assert.Equal(t, v1.CompiledOutput, h.docs[d2.ExternalID])

	superseded, err := s.GetDeployment(ctx, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentRolledBack, superseded.Status)

	t.Run("rejections", func(t *testing.T) {
		other := seedArtifact(t, s, "door_left_open_notify", "h9")
		_, err := svc.Deploy(ctx, other.ID, "hub-2")
		require.NoError(t, err)
		never := seedArtifact(t, s, "motion_dim_off", "h5")

		tests := []struct {
			name       string
			deployment string
			to         string
			want       error
		}{
			{"superseded row is no longer live", d2.ID, v1.ID, ErrNotRollbackable},
			{"same artifact", rb.ID, v1.ID, ErrNotRollbackable},
			{"different lineage", rb.ID, other.ID, ErrNotRollbackable},
			{"never deployed", rb.ID, never.ID, ErrNotRollbackable},
			{"unknown deployment", "missing", v1.ID, store.ErrNotFound},
			{"unknown artifact", rb.ID, "missing", store.ErrNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.Rollback(ctx, tt.deployment, tt.to)
				assert.ErrorIs(t, err, tt.want)
			})
		}
	})
}

func TestLineageIsScopedToConversation(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	svc := New(s, h, nil, nil, fastRetry, nil)
	ctx := context.Background()

	mine := seedArtifact(t, s, "motion_dim_off", "h1")
	d, err := svc.Deploy(ctx, mine.ID, "hub-1")
	require.NoError(t, err)

	p := &automation.Plan{ConversationID: "someone-else", TemplateID: "motion_dim_off", TemplateVersion: 1}
	require.NoError(t, s.CreatePlan(ctx, p))
	theirs := &automation.CompiledArtifact{PlanID: p.ID, TemplateID: "motion_dim_off", TemplateVersion: 1,
		CompiledOutput: mine.CompiledOutput, ContentHash: "h2"}
	require.NoError(t, s.CreateArtifact(ctx, theirs))
	other, err := svc.Deploy(ctx, theirs.ID, "hub-1")
	require.NoError(t, err)

	assert.NotEqual(t, d.ExternalID, other.ExternalID)
	assert.Len(t, h.docs, 2)
}

func TestRollbackLocksSupersededArtifact(t *testing.T) {
	s := store.NewMemory()
	h := newFakeHub()
	locker := NewMemoryLocker()
	svc := New(s, h, locker, nil, fastRetry, nil)
	ctx := context.Background()

	v1 := seedArtifact(t, s, "motion_dim_off", "h1")
	v2 := seedArtifact(t, s, "motion_dim_off", "h2")
	_, err := svc.Deploy(ctx, v1.ID, "hub-1")
	require.NoError(t, err)
	d2, err := svc.Deploy(ctx, v2.ID, "hub-1")
	require.NoError(t, err)

	// A deploy of v2 is in flight.
	unlock, ok, err := locker.TryLock(ctx, v2.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Rollback(ctx, d2.ID, v1.ID)
	assert.ErrorIs(t, err, ErrAlreadyDeploying)

	// The failed attempt must not keep v1 locked.
	release, ok, err := locker.TryLock(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	release()

	unlock()
	rb, err := svc.Rollback(ctx, d2.ID, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.DeploymentSucceeded, rb.Status)
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "a")
	assert.False(t, ok)

	unlockB, ok, _ := l.TryLock(ctx, "b")
	assert.True(t, ok, "different keys are independent")
	unlockB()

	unlock()
	unlock()
	_, ok, _ = l.TryLock(ctx, "a")
	assert.True(t, ok)
}

func TestAdvisoryLocker(t *testing.T) {
	url := testutil.Postgres(t)
	pool, err := db.Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	l := &AdvisoryLocker{Pool: pool}
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "artifact-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "artifact-1")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock2, ok, err := l.TryLock(ctx, "artifact-2")
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()

	unlock()
	again, ok, err := l.TryLock(ctx, "artifact-1")
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}
