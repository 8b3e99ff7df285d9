// Package deploy pushes compiled artifacts to a hub and records each attempt.
// At most one deployment per artifact is in flight at any time.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/hub"
	"github.com/sbenjam1n/autoforge/internal/queue"
	"github.com/sbenjam1n/autoforge/internal/store"
)

var (
	// ErrAlreadyDeploying is returned when the artifact has a deployment in flight.
	ErrAlreadyDeploying = errors.New("already deploying")
	// ErrNotRollbackable is returned when a rollback target is not a valid
	// earlier version of the superseded deployment.
	ErrNotRollbackable = errors.New("not rollbackable")
)

// DefaultExternalPrefix prefixes hub automation ids assigned by the service.
const DefaultExternalPrefix = "autoforge_"

// Hub is the target system's automation-management interface.
type Hub interface {
	PutAutomation(ctx context.Context, id, document string) error
	GetAutomation(ctx context.Context, id string) (*hub.Automation, error)
}

// Enqueuer hands pending deployments to the reconciler.
type Enqueuer interface {
	Push(ctx context.Context, msg queue.ReconcileMessage) (string, error)
}

// Options tune pushes to the hub.
type Options struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout bounds a deploy whose caller set no deadline.
	Timeout        time.Duration
	ExternalPrefix string
}

type Service struct {
	store  store.Store
	hub    Hub
	locker Locker
	queue  Enqueuer
	opts   Options
	log    logrus.FieldLogger
}

// New creates a Service. queue may be nil, in which case timed-out
// deployments wait for a sweep.
func New(s store.Store, h Hub, locker Locker, q Enqueuer, opts Options, log logrus.FieldLogger) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 5 * time.Second
	}
	if opts.ExternalPrefix == "" {
		opts.ExternalPrefix = DefaultExternalPrefix
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: s, hub: h, locker: locker, queue: q, opts: opts, log: log}
}

// Deploy pushes the artifact to target. The returned deployment is
// succeeded, failed (hub retries exhausted; the artifact stays deployable) or
// pending (the caller's deadline passed mid-push; reconciliation settles it).
func (s *Service) Deploy(ctx context.Context, compiledID, target string) (*automation.Deployment, error) {
	a, err := s.store.GetArtifact(ctx, compiledID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, compiledID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	external, err := s.externalID(ctx, a, target)
	if err != nil {
		return nil, err
	}
	d := &automation.Deployment{
		CompiledID:     compiledID,
		TargetSystemID: target,
		ExternalID:     external,
	}
	return s.run(ctx, a, d)
}

// Rollback re-deploys toCompiledID over the hub automation owned by the
// live deployment deploymentID, then marks that deployment rolled_back.
func (s *Service) Rollback(ctx context.Context, deploymentID, toCompiledID string) (*automation.Deployment, error) {
	cur, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if cur.Status != automation.DeploymentSucceeded {
		return nil, fmt.Errorf("%w: deployment %s is %s", ErrNotRollbackable, cur.ID, cur.Status)
	}
	if cur.CompiledID == toCompiledID {
		return nil, fmt.Errorf("%w: deployment %s already runs %s", ErrNotRollbackable, cur.ID, toCompiledID)
	}
	from, err := s.store.GetArtifact(ctx, cur.CompiledID)
	if err != nil {
		return nil, err
	}
	to, err := s.store.GetArtifact(ctx, toCompiledID)
	if err != nil {
		return nil, err
	}
	if from.TemplateID != to.TemplateID {
		return nil, fmt.Errorf("%w: %s comes from %s, not %s", ErrNotRollbackable, to.ID, to.TemplateID, from.TemplateID)
	}

	// The superseded artifact is locked too: a deploy of it would write the
	// same hub automation.
	unlock, err := s.lock(ctx, cur.CompiledID, toCompiledID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prior, err := s.store.ListDeployments(ctx, toCompiledID)
	if err != nil {
		return nil, fmt.Errorf("list deployments of %s: %w", toCompiledID, err)
	}
	if !hasSucceeded(prior, cur.TargetSystemID) {
		return nil, fmt.Errorf("%w: %s never succeeded on %s", ErrNotRollbackable, toCompiledID, cur.TargetSystemID)
	}

	rollbackOf := cur.ID
	d := &automation.Deployment{
		CompiledID:     toCompiledID,
		TargetSystemID: cur.TargetSystemID,
		ExternalID:     cur.ExternalID,
		RollbackOf:     &rollbackOf,
	}
	return s.run(ctx, to, d)
}

// lock try-locks every artifact in sorted order and releases in reverse.
// Either all locks are held on return or none are.
func (s *Service) lock(ctx context.Context, compiledIDs ...string) (func(), error) {
	ids := slices.Clone(compiledIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var held []func()
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, id := range ids {
		unlock, ok, err := s.locker.TryLock(ctx, id)
		if err != nil {
			release()
			return nil, fmt.Errorf("lock artifact %s: %w", id, err)
		}
		if !ok {
			release()
			return nil, fmt.Errorf("artifact %s: %w", id, ErrAlreadyDeploying)
		}
		held = append(held, unlock)
	}
	return release, nil
}

// run inserts d as pending, pushes the document and settles the row.
// Callers hold the artifact lock.
func (s *Service) run(ctx context.Context, a *automation.CompiledArtifact, d *automation.Deployment) (*automation.Deployment, error) {
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		if errors.Is(err, store.ErrPendingExists) {
			return nil, fmt.Errorf("artifact %s: %w", a.ID, ErrAlreadyDeploying)
		}
		return nil, fmt.Errorf("record deployment: %w", err)
	}
	log := s.log.WithFields(logrus.Fields{
		"deployment_id": d.ID,
		"compiled_id":   a.ID,
		"external_id":   d.ExternalID,
		"target":        d.TargetSystemID,
	})

	pctx := ctx
	if _, ok := ctx.Deadline(); !ok && s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	attempts, pushErr := s.push(pctx, d.ExternalID, a.CompiledOutput, log)

	// Bookkeeping must land even when the caller has given up.
	bctx := context.WithoutCancel(ctx)
	if pushErr != nil && pctx.Err() != nil {
		log.WithError(pushErr).Warn("deploy outlived its deadline, leaving pending for reconciliation")
		s.enqueue(bctx, d, pctx.Err().Error(), log)
		d.Attempts = attempts
		return d, nil
	}
	return s.settle(bctx, d, attempts, pushErr, log)
}

// settle moves d out of pending and, for a successful rollback, retires the
// deployment it superseded.
func (s *Service) settle(ctx context.Context, d *automation.Deployment, attempts int, pushErr error, log logrus.FieldLogger) (*automation.Deployment, error) {
	t := store.Transition{From: automation.DeploymentPending, To: automation.DeploymentSucceeded, Attempts: attempts}
	if pushErr != nil {
		t.To = automation.DeploymentFailed
		t.LastError = pushErr.Error()
	}
	out, err := s.store.TransitionDeployment(ctx, d.ID, t)
	if err != nil {
		return nil, fmt.Errorf("settle deployment %s: %w", d.ID, err)
	}
	if pushErr != nil {
		log.WithError(pushErr).WithField("attempt", attempts).Error("deploy failed")
		return out, nil
	}
	log.WithField("attempt", attempts).Info("deployed")

	if d.RollbackOf != nil {
		_, err := s.store.TransitionDeployment(ctx, *d.RollbackOf, store.Transition{
			From: automation.DeploymentSucceeded, To: automation.DeploymentRolledBack,
		})
		if err != nil {
			log.WithError(err).WithField("rollback_of", *d.RollbackOf).Warn("superseded deployment not marked rolled_back")
		}
	}
	return out, nil
}

func (s *Service) enqueue(ctx context.Context, d *automation.Deployment, reason string, log logrus.FieldLogger) {
	if s.queue == nil {
		return
	}
	if _, err := s.queue.Push(ctx, queue.ReconcileMessage{
		DeploymentID: d.ID,
		CompiledID:   d.CompiledID,
		Reason:       reason,
	}); err != nil {
		log.WithError(err).Warn("enqueue reconcile failed, a sweep will pick it up")
	}
}

// push writes the document under id, retrying transient hub failures.
func (s *Service) push(ctx context.Context, id, document string, log logrus.FieldLogger) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := s.hub.PutAutomation(ctx, id, document)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		log.WithError(err).WithField("attempt", attempts).Debug("hub push failed, retrying")
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = s.opts.MaxInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxAttempts-1)), ctx))
	return attempts, err
}

func retryable(err error) bool {
	if errors.Is(err, hub.ErrInvalidDocument) || errors.Is(err, hub.ErrNotFound) {
		return false
	}
	var se *hub.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// externalID returns the hub id owned by the artifact's lineage on target:
// every artifact compiled from the same template within one conversation
// overwrites one automation. A lineage's first deployment gets a fresh id.
func (s *Service) externalID(ctx context.Context, a *automation.CompiledArtifact, target string) (string, error) {
	p, err := s.store.GetPlan(ctx, a.PlanID)
	if err != nil {
		return "", fmt.Errorf("plan of artifact %s: %w", a.ID, err)
	}
	prior, err := s.store.ListLineage(ctx, p.ConversationID, a.TemplateID, target)
	if err != nil {
		return "", fmt.Errorf("list lineage of %s: %w", a.ID, err)
	}
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].ExternalID != "" {
			return prior[i].ExternalID, nil
		}
	}
	return s.opts.ExternalPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}

func hasSucceeded(ds []*automation.Deployment, target string) bool {
	for _, d := range ds {
		if d.TargetSystemID != target {
			continue
		}
		if d.Status == automation.DeploymentSucceeded || d.Status == automation.DeploymentRolledBack {
			return true
		}
	}
	return false
}
