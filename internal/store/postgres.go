package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sbenjam1n/autoforge/internal/automation"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the pgx-backed Store. The schema is applied by db.Migrate.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const planColumns = `plan_id::text, conversation_id, request_text, template_id, template_version,
	parameters, status, rejection_code, created_at`

func (s *Postgres) CreatePlan(ctx context.Context, p *automation.Plan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = automation.PlanPending
	}
	params, err := json.Marshal(orEmpty(p.Parameters))
	if err != nil {
		return fmt.Errorf("encode plan parameters: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO plans (plan_id, conversation_id, request_text, template_id, template_version,
			parameters, status, rejection_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.ConversationID, p.RequestText, p.TemplateID, p.TemplateVersion,
		params, p.Status, p.RejectionCode, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *Postgres) GetPlan(ctx context.Context, id string) (*automation.Plan, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	row := s.db.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE plan_id = $1`, id)
	p, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

func (s *Postgres) SetPlanStatus(ctx context.Context, id string, status automation.PlanStatus, code automation.RejectionCode) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE plans SET status = $2, rejection_code = $3 WHERE plan_id = $1`,
		id, status, code)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListPlans(ctx context.Context, conversationID string) ([]*automation.Plan, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE conversation_id = $1
		ORDER BY created_at, plan_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*automation.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const artifactColumns = `compiled_id::text, plan_id::text, template_id, template_version,
	parameters_snapshot, resolved_context_snapshot, compiled_output, content_hash, created_at`

func (s *Postgres) CreateArtifact(ctx context.Context, a *automation.CompiledArtifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(orEmpty(a.Parameters))
	if err != nil {
		return fmt.Errorf("encode parameters snapshot: %w", err)
	}
	resolved := a.ResolvedContext
	if resolved == nil {
		resolved = map[string]string{}
	}
	ctxJSON, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("encode resolved context snapshot: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO compiled_artifacts (compiled_id, plan_id, template_id, template_version,
			parameters_snapshot, resolved_context_snapshot, compiled_output, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.PlanID, a.TemplateID, a.TemplateVersion, params, ctxJSON,
		a.CompiledOutput, a.ContentHash, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "compiled_artifacts_plan_id_key":
				return fmt.Errorf("create artifact for plan %s: %w", a.PlanID, ErrAlreadyCompiled)
			case pgErr.Code == pgForeignKeyViolation:
				return fmt.Errorf("create artifact: plan %s: %w", a.PlanID, ErrNotFound)
			}
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *Postgres) GetArtifact(ctx context.Context, id string) (*automation.CompiledArtifact, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	row := s.db.QueryRow(ctx, `SELECT `+artifactColumns+` FROM compiled_artifacts WHERE compiled_id = $1`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}
	return a, nil
}

func (s *Postgres) GetArtifactByPlan(ctx context.Context, planID string) (*automation.CompiledArtifact, error) {
	if _, err := uuid.Parse(planID); err != nil {
		return nil, fmt.Errorf("artifact for plan %s: %w", planID, ErrNotFound)
	}
	row := s.db.QueryRow(ctx, `SELECT `+artifactColumns+` FROM compiled_artifacts WHERE plan_id = $1`, planID)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("artifact for plan %s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact for plan %s: %w", planID, err)
	}
	return a, nil
}

const deploymentColumns = `deployment_id::text, compiled_id::text, target_system_id, deployed_at,
	status, external_id, rollback_of::text, last_error, attempts, updated_at`

func (s *Postgres) CreateDeployment(ctx context.Context, d *automation.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = automation.DeploymentPending
	}
	now := time.Now().UTC()
	if d.DeployedAt.IsZero() {
		d.DeployedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO deployments (deployment_id, compiled_id, target_system_id, deployed_at, status,
			external_id, rollback_of, last_error, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.CompiledID, d.TargetSystemID, d.DeployedAt, d.Status,
		d.ExternalID, d.RollbackOf, d.LastError, d.Attempts, d.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "deployments_one_pending_idx":
				return fmt.Errorf("create deployment for %s: %w", d.CompiledID, ErrPendingExists)
			case pgErr.Code == pgForeignKeyViolation:
				return fmt.Errorf("create deployment: %s: %w", pgErr.ConstraintName, ErrNotFound)
			}
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (s *Postgres) GetDeployment(ctx context.Context, id string) (*automation.Deployment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	row := s.db.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE deployment_id = $1`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", id, err)
	}
	return d, nil
}

func (s *Postgres) TransitionDeployment(ctx context.Context, id string, t Transition) (*automation.Deployment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	row := s.db.QueryRow(ctx, `
		UPDATE deployments
		SET status = $3, last_error = $4,
			attempts = CASE WHEN $5::int > 0 THEN $5::int ELSE attempts END,
			updated_at = now()
		WHERE deployment_id = $1 AND status = $2
		RETURNING `+deploymentColumns,
		id, t.From, t.To, t.LastError, t.Attempts)
	d, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.GetDeployment(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("deployment %s is %s, not %s: %w", id, cur.Status, t.From, ErrStaleTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("transition deployment %s: %w", id, err)
	}
	return d, nil
}

func (s *Postgres) ListDeployments(ctx context.Context, compiledID string) ([]*automation.Deployment, error) {
	if _, err := uuid.Parse(compiledID); err != nil {
		return nil, nil
	}
	return s.queryDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE compiled_id = $1
		ORDER BY deployed_at, deployment_id
	`, compiledID)
}

func (s *Postgres) ListLineage(ctx context.Context, conversationID, templateID, target string) ([]*automation.Deployment, error) {
	return s.queryDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE target_system_id = $3 AND compiled_id IN (
			SELECT a.compiled_id FROM compiled_artifacts a
			JOIN plans p ON p.plan_id = a.plan_id
			WHERE p.conversation_id = $1 AND a.template_id = $2
		)
		ORDER BY deployed_at, deployment_id
	`, conversationID, templateID, target)
}

func (s *Postgres) ListPending(ctx context.Context, cutoff time.Time) ([]*automation.Deployment, error) {
	return s.queryDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY deployed_at, deployment_id
	`, cutoff)
}

func (s *Postgres) queryDeployments(ctx context.Context, sql string, args ...any) ([]*automation.Deployment, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*automation.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanPlan(row pgx.Row) (*automation.Plan, error) {
	var (
		p      automation.Plan
		params []byte
	)
	if err := row.Scan(&p.ID, &p.ConversationID, &p.RequestText, &p.TemplateID, &p.TemplateVersion,
		&params, &p.Status, &p.RejectionCode, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &p.Parameters); err != nil {
		return nil, fmt.Errorf("decode plan parameters: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func scanArtifact(row pgx.Row) (*automation.CompiledArtifact, error) {
	var (
		a        automation.CompiledArtifact
		params   []byte
		resolved []byte
	)
	if err := row.Scan(&a.ID, &a.PlanID, &a.TemplateID, &a.TemplateVersion, &params, &resolved,
		&a.CompiledOutput, &a.ContentHash, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &a.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters snapshot: %w", err)
	}
	if err := json.Unmarshal(resolved, &a.ResolvedContext); err != nil {
		return nil, fmt.Errorf("decode resolved context snapshot: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func scanDeployment(row pgx.Row) (*automation.Deployment, error) {
	var d automation.Deployment
	if err := row.Scan(&d.ID, &d.CompiledID, &d.TargetSystemID, &d.DeployedAt, &d.Status,
		&d.ExternalID, &d.RollbackOf, &d.LastError, &d.Attempts, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.DeployedAt = d.DeployedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
