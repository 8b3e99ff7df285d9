// Package planner turns free-text requests into template plans using a
// language model. The model only chooses a template and its parameter values;
// it never sees or produces the automation document.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/sbenjam1n/autoforge/internal/automation"
	tpl "github.com/sbenjam1n/autoforge/internal/template"
)

// Reasons attached to ClarificationNeeded.
const (
	ReasonModelAsked       = "model_asked"
	ReasonUnparseable      = "unparseable_response"
	ReasonUnknownTemplate  = "unknown_template"
	ReasonMissingParameter = "missing_parameter"
	ReasonModelUnavailable = "model_unavailable"
	ReasonNoCandidates     = "no_candidates"
)

const (
	defaultAttempts        = 3
	defaultAttemptTimeout  = 20 * time.Second
	defaultInitialInterval = 500 * time.Millisecond
)

// Catalog is the slice of the template library the planner reads.
type Catalog interface {
	Summaries() []tpl.Summary
	Get(id string, version int) (*tpl.Template, error)
	Latest(id string) (*tpl.Template, error)
}

// PlanStore persists accepted plans.
type PlanStore interface {
	CreatePlan(ctx context.Context, p *automation.Plan) error
}

// Hints carry what the conversation already knows.
type Hints struct {
	Area        string   `json:"area,omitempty"`
	Entities    []string `json:"entities,omitempty"`
	RecentTurns []string `json:"recent_turns,omitempty"`
}

// Request is one planning turn.
type Request struct {
	ConversationID string   `json:"conversation_id"`
	TurnID         string   `json:"turn_id,omitempty"`
	Text           string   `json:"text"`
	Hints          Hints    `json:"hints,omitempty"`
	Candidates     []string `json:"candidates,omitempty"` // template ids; empty means all
}

// ClarificationNeeded asks the user for the information the planner lacks.
type ClarificationNeeded struct {
	Question string `json:"clarification_question"`
	Reason   string `json:"reason"`
}

// Result holds exactly one of Plan or Clarification.
type Result struct {
	Plan          *automation.Plan     `json:"plan,omitempty"`
	Clarification *ClarificationNeeded `json:"clarification,omitempty"`
	Attempts      int                  `json:"attempts"`
}

// Options tune the retry loop around the model call.
type Options struct {
	MaxAttempts     int
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
}

type Planner struct {
	catalog Catalog
	llm     Completer
	store   PlanStore
	opts    Options
	log     logrus.FieldLogger
}

func New(catalog Catalog, llm Completer, store PlanStore, opts Options, log logrus.FieldLogger) *Planner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaultInitialInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Planner{catalog: catalog, llm: llm, store: store, opts: opts, log: log}
}

// Plan asks the model for a template choice and persists the resulting plan
// as pending. Model failures and unusable answers become a clarification; the
// returned error is reserved for prompt or storage faults.
func (p *Planner) Plan(ctx context.Context, req Request) (*Result, error) {
	log := p.log.WithFields(logrus.Fields{"conversation_id": req.ConversationID, "turn_id": req.TurnID})

	catalog := p.candidates(req.Candidates)
	if len(catalog) == 0 {
		return &Result{Clarification: &ClarificationNeeded{
			Question: "None of the available automation templates apply. What would you like to automate?",
			Reason:   ReasonNoCandidates,
		}}, nil
	}

	prompt, err := buildPrompt(req, catalog)
	if err != nil {
		return nil, err
	}

	raw, attempts, err := p.complete(ctx, prompt, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("plan request: %w", ctx.Err())
		}
		log.WithError(err).WithField("attempt", attempts).Warn("language model unavailable")
		return &Result{Attempts: attempts, Clarification: &ClarificationNeeded{
			Question: "I couldn't work that out right now. Could you rephrase or try again?",
			Reason:   ReasonModelUnavailable,
		}}, nil
	}

	plan, clar := p.interpret(raw, req.Candidates)
	if clar != nil {
		log.WithField("reason", clar.Reason).Info("planner needs clarification")
		return &Result{Attempts: attempts, Clarification: clar}, nil
	}

	plan.ConversationID = req.ConversationID
	plan.RequestText = req.Text
	if err := p.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	log.WithFields(logrus.Fields{
		"plan_id":          plan.ID,
		"template_id":      plan.TemplateID,
		"template_version": plan.TemplateVersion,
	}).Info("plan created")
	return &Result{Plan: plan, Attempts: attempts}, nil
}

// complete makes one model call per attempt, each under its own deadline.
func (p *Planner) complete(ctx context.Context, prompt string, log logrus.FieldLogger) (string, int, error) {
	var (
		out      string
		attempts int
	)
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
		defer cancel()
		res, err := p.llm.Complete(actx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.WithError(err).WithField("attempt", attempts).Debug("model call failed")
			return err
		}
		out = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", attempts, err
	}
	return out, attempts, nil
}

type response struct {
	TemplateID      string         `json:"template_id"`
	TemplateVersion int            `json:"template_version"`
	Version         int            `json:"version"`
	Parameters      map[string]any `json:"parameters"`
	Clarification   string         `json:"clarification"`
}

func (p *Planner) interpret(raw string, allowed []string) (*automation.Plan, *ClarificationNeeded) {
	var r response
	dec := json.NewDecoder(strings.NewReader(stripFence(raw)))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, &ClarificationNeeded{
			Question: "I'm not sure which automation you mean. Could you describe it differently?",
			Reason:   ReasonUnparseable,
		}
	}
	if r.Clarification != "" {
		return nil, &ClarificationNeeded{Question: r.Clarification, Reason: ReasonModelAsked}
	}
	if r.TemplateID == "" {
		return nil, &ClarificationNeeded{
			Question: "I'm not sure which automation you mean. Could you describe it differently?",
			Reason:   ReasonUnparseable,
		}
	}

	unknown := &ClarificationNeeded{
		Question: fmt.Sprintf("I don't have an automation called %q. Which of the available automations did you mean?", r.TemplateID),
		Reason:   ReasonUnknownTemplate,
	}
	if len(allowed) > 0 && !contains(allowed, r.TemplateID) {
		return nil, unknown
	}
	version := r.TemplateVersion
	if version == 0 {
		version = r.Version
	}
	var (
		t   *tpl.Template
		err error
	)
	if version == 0 {
		t, err = p.catalog.Latest(r.TemplateID)
	} else {
		t, err = p.catalog.Get(r.TemplateID, version)
	}
	if errors.Is(err, tpl.ErrNotFound) {
		return nil, unknown
	} else if err != nil {
		p.log.WithError(err).Warn("template lookup failed")
		return nil, unknown
	}

	params := normalizeNumbers(r.Parameters)
	for _, name := range sortedParams(t.Parameters) {
		spec := t.Parameters[name]
		if _, ok := params[name]; ok || !spec.Required || spec.Default != nil {
			continue
		}
		q := fmt.Sprintf("What value should I use for %s?", name)
		if spec.Description != "" {
			q = fmt.Sprintf("What value should I use for %s (%s)?", name, spec.Description)
		}
		return nil, &ClarificationNeeded{Question: q, Reason: ReasonMissingParameter}
	}

	return &automation.Plan{
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		Parameters:      params,
	}, nil
}

func (p *Planner) candidates(ids []string) []tpl.Summary {
	all := p.catalog.Summaries()
	if len(ids) == 0 {
		return all
	}
	var out []tpl.Summary
	for _, s := range all {
		if contains(ids, s.ID) {
			out = append(out, s)
		}
	}
	return out
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// normalizeNumbers turns json.Number into int64 where integral, else float64.
// Values stay raw otherwise; the validator does the real coercion.
func normalizeNumbers(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				out[k] = i
				continue
			}
			if f, err := n.Float64(); err == nil {
				out[k] = f
				continue
			}
			out[k] = n.String()
			continue
		}
		out[k] = v
	}
	return out
}

func sortedParams(m map[string]tpl.ParamSpec) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
