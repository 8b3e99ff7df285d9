// Package engine drives a request through plan, validate, compile and deploy,
// recording each outcome in the store.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/compiler"
	"github.com/sbenjam1n/autoforge/internal/deploy"
	"github.com/sbenjam1n/autoforge/internal/environment"
	"github.com/sbenjam1n/autoforge/internal/lifecycle"
	"github.com/sbenjam1n/autoforge/internal/planner"
	"github.com/sbenjam1n/autoforge/internal/store"
	"github.com/sbenjam1n/autoforge/internal/validator"
)

// Engine wires the pipeline stages together. Only the planner is
// non-deterministic; everything after a stored plan is reproducible.
type Engine struct {
	Planner   *planner.Planner
	Validator *validator.Validator
	Env       environment.Source
	Store     store.Store
	Deployer  *deploy.Service
	Registry  *lifecycle.Registry
	// Target is used when a deploy request names no target system.
	Target string
	Log    logrus.FieldLogger
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// Plan runs the planner for one user turn.
func (e *Engine) Plan(ctx context.Context, req planner.Request) (*planner.Result, error) {
	return e.Planner.Plan(ctx, req)
}

// Validate checks a stored plan against a fresh snapshot and records the
// outcome on the plan row. Nothing else is written, even on success.
func (e *Engine) Validate(ctx context.Context, planID string, turn environment.Turn) (*automation.ValidatedPlan, error) {
	p, err := e.Store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if turn.ConversationID == "" {
		turn.ConversationID = p.ConversationID
	}
	snap, err := e.Env.Snapshot(ctx, turn)
	if err != nil {
		return nil, fmt.Errorf("environment snapshot: %w", err)
	}

	vp, verr := e.Validator.Validate(p, snap)
	var rej *automation.Rejection
	switch {
	case errors.As(verr, &rej):
		if err := e.Store.SetPlanStatus(ctx, p.ID, automation.PlanRejected, rej.Code); err != nil {
			return nil, fmt.Errorf("record rejection: %w", err)
		}
		return nil, rej
	case verr != nil:
		return nil, verr
	}
	if p.Status != automation.PlanValidated {
		if err := e.Store.SetPlanStatus(ctx, p.ID, automation.PlanValidated, ""); err != nil {
			return nil, fmt.Errorf("record validation: %w", err)
		}
		vp.Plan.Status = automation.PlanValidated
		vp.Plan.RejectionCode = ""
	}
	return vp, nil
}

// Compile validates the plan again and stores its artifact. A plan compiles
// at most once; a second call returns the existing artifact with
// store.ErrAlreadyCompiled.
func (e *Engine) Compile(ctx context.Context, planID string, turn environment.Turn) (*automation.CompiledArtifact, error) {
	if existing, err := e.Store.GetArtifactByPlan(ctx, planID); err == nil {
		return existing, fmt.Errorf("plan %s: %w", planID, store.ErrAlreadyCompiled)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	vp, err := e.Validate(ctx, planID, turn)
	if err != nil {
		return nil, err
	}

	log := e.log().WithFields(logrus.Fields{
		"plan_id":          planID,
		"template_id":      vp.Template.ID,
		"template_version": vp.Template.Version,
	})
	a, err := compiler.Compile(vp)
	if err != nil {
		log.WithError(err).WithField("fatal_compile", true).Error("validated plan failed to compile")
		if !errors.Is(err, compiler.ErrFatal) {
			err = fmt.Errorf("%w: %v", compiler.ErrFatal, err)
		}
		return nil, err
	}
	if err := e.Store.CreateArtifact(ctx, a); err != nil {
		if errors.Is(err, store.ErrAlreadyCompiled) {
			existing, gerr := e.Store.GetArtifactByPlan(ctx, planID)
			if gerr == nil {
				return existing, err
			}
		}
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	log.WithFields(logrus.Fields{"compiled_id": a.ID, "content_hash": a.ContentHash}).Info("plan compiled")
	return a, nil
}

// Deploy pushes a stored artifact. An empty target selects the default hub.
func (e *Engine) Deploy(ctx context.Context, compiledID, target string) (*automation.Deployment, error) {
	if target == "" {
		target = e.Target
	}
	return e.Deployer.Deploy(ctx, compiledID, target)
}

func (e *Engine) Rollback(ctx context.Context, deploymentID, toCompiledID string) (*automation.Deployment, error) {
	return e.Deployer.Rollback(ctx, deploymentID, toCompiledID)
}
