package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/compiler"
	"github.com/sbenjam1n/autoforge/internal/hub"
	"github.com/sbenjam1n/autoforge/internal/queue"
)

// Reconcile settles a deployment left pending. If the hub already holds the
// artifact (matched by the content hash in its description) the row becomes
// succeeded without another push; otherwise the document is pushed again.
func (s *Service) Reconcile(ctx context.Context, deploymentID string) (*automation.Deployment, error) {
	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return d, nil
	}
	a, err := s.store.GetArtifact(ctx, d.CompiledID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, d.CompiledID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := s.log.WithFields(logrus.Fields{
		"deployment_id": d.ID,
		"compiled_id":   a.ID,
		"external_id":   d.ExternalID,
		"reconcile":     true,
	})

	live, err := s.hub.GetAutomation(ctx, d.ExternalID)
	switch {
	case err == nil:
		if hash, ok := compiler.HashFromDescription(live.Description); ok && hash == a.ContentHash {
			log.Info("hub already holds artifact")
			return s.settle(ctx, d, d.Attempts, nil, log)
		}
	case errors.Is(err, hub.ErrNotFound):
	default:
		log.WithError(err).Warn("read back from hub failed, pushing again")
	}

	attempts, pushErr := s.push(ctx, d.ExternalID, a.CompiledOutput, log)
	if pushErr != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("reconcile %s: %w", d.ID, ctx.Err())
	}
	return s.settle(context.WithoutCancel(ctx), d, d.Attempts+attempts, pushErr, log)
}

// Consumer is the reading side of the reconcile queue.
type Consumer interface {
	Read(ctx context.Context, consumer string, block time.Duration) (*queue.ReconcileMessage, string, error)
	Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*queue.ReconcileMessage, []string, error)
	Ack(ctx context.Context, msgID string) error
}

// Reconciler drains the reconcile queue and sweeps stale pending rows.
type Reconciler struct {
	Service *Service
	Queue   Consumer
	Name    string
	Block   time.Duration
	MinIdle time.Duration
	Log     logrus.FieldLogger
}

func (r *Reconciler) log() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return r.Service.log
}

// Run consumes the queue until ctx is done. Messages whose deployment is
// still locked by a live deploy are left unacked and claimed again later.
func (r *Reconciler) Run(ctx context.Context) error {
	block := r.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	minIdle := r.MinIdle
	if minIdle <= 0 {
		minIdle = time.Minute
	}
	for ctx.Err() == nil {
		msgs, ids, err := r.Queue.Claim(ctx, r.Name, minIdle, 10)
		if err != nil && ctx.Err() == nil {
			r.log().WithError(err).Warn("claim stale reconcile messages")
		}
		for i, m := range msgs {
			r.handle(ctx, m, ids[i])
		}

		msg, id, err := r.Queue.Read(ctx, r.Name, block)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.log().WithError(err).Warn("read reconcile queue")
			sleep(ctx, time.Second)
			continue
		}
		r.handle(ctx, msg, id)
	}
	return nil
}

func (r *Reconciler) handle(ctx context.Context, m *queue.ReconcileMessage, msgID string) {
	log := r.log().WithFields(logrus.Fields{"deployment_id": m.DeploymentID, "message_id": msgID})
	d, err := r.Service.Reconcile(ctx, m.DeploymentID)
	if errors.Is(err, ErrAlreadyDeploying) {
		log.Debug("deployment busy, leaving message for later")
		return
	}
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		log.WithError(err).Error("reconcile failed")
	} else {
		log.WithField("status", d.Status).Info("reconciled")
	}
	if err := r.Queue.Ack(context.WithoutCancel(ctx), msgID); err != nil {
		log.WithError(err).Warn("ack reconcile message")
	}
}

// Sweep reconciles every pending deployment untouched for olderThan and
// returns how many were settled.
func (s *Service) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.store.ListPending(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list pending deployments: %w", err)
	}
	settled := 0
	for _, d := range pending {
		out, err := s.Reconcile(ctx, d.ID)
		if errors.Is(err, ErrAlreadyDeploying) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return settled, ctx.Err()
			}
			s.log.WithError(err).WithField("deployment_id", d.ID).Error("sweep reconcile failed")
			continue
		}
		if out.Status.Terminal() {
			settled++
		}
	}
	return settled, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
