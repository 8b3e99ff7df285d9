// Package api exposes the pipeline over HTTP under /api/v1.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/engine"
	"github.com/sbenjam1n/autoforge/internal/environment"
	"github.com/sbenjam1n/autoforge/internal/planner"
	"github.com/sbenjam1n/autoforge/internal/template"
)

// Catalog is the template library as the API sees it.
type Catalog interface {
	List() []template.Summary
	Reload() (*template.ReloadResult, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Engine  *engine.Engine
	Catalog Catalog
	Health  Pinger
	Log     logrus.FieldLogger
}

// NewEcho builds the echo instance with middleware and every route mounted.
func NewEcho(s *Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := s.log().WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
			} else {
				entry.Debug("request")
			}
			return nil
		},
	}))

	e.GET("/healthz", s.Healthz)
	s.Register(e.Group("/api/v1"))
	return e
}

// Register mounts the v1 routes on g.
func (s *Server) Register(g *echo.Group) {
	g.POST("/plan", s.Plan)
	g.POST("/validate", s.Validate)
	g.POST("/compile", s.Compile)
	g.POST("/deploy", s.Deploy)
	g.POST("/rollback", s.Rollback)
	g.GET("/lifecycle/:conversation_id", s.Lifecycle)
	g.GET("/plans/:id", s.GetPlan)
	g.GET("/artifacts/:id", s.GetArtifact)
	g.GET("/deployments/:id", s.GetDeployment)
	g.GET("/deployments/:id/lineage", s.Lineage)
	g.GET("/templates", s.ListTemplates)
	g.POST("/templates/reload", s.ReloadTemplates)
}

func (s *Server) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

type planResponse struct {
	PlanID                string         `json:"plan_id,omitempty"`
	TemplateID            string         `json:"template_id,omitempty"`
	Version               int            `json:"version,omitempty"`
	Parameters            map[string]any `json:"parameters,omitempty"`
	ClarificationQuestion string         `json:"clarification_question,omitempty"`
	Reason                string         `json:"reason,omitempty"`
}

// Plan handles POST /api/v1/plan.
func (s *Server) Plan(c echo.Context) error {
	var req planner.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ConversationID == "" || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id and text are required")
	}
	res, err := s.Engine.Plan(c.Request().Context(), req)
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	if res.Clarification != nil {
		return c.JSON(http.StatusOK, planResponse{
			ClarificationQuestion: res.Clarification.Question,
			Reason:                res.Clarification.Reason,
		})
	}
	return c.JSON(http.StatusCreated, planResponse{
		PlanID:     res.Plan.ID,
		TemplateID: res.Plan.TemplateID,
		Version:    res.Plan.TemplateVersion,
		Parameters: res.Plan.Parameters,
	})
}

type planRef struct {
	PlanID string `json:"plan_id"`
	TurnID string `json:"turn_id"`
}

func (s *Server) bindPlanRef(c echo.Context) (planRef, environment.Turn, error) {
	var ref planRef
	if err := c.Bind(&ref); err != nil {
		return ref, environment.Turn{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if ref.PlanID == "" {
		return ref, environment.Turn{}, echo.NewHTTPError(http.StatusBadRequest, "plan_id is required")
	}
	return ref, environment.Turn{TurnID: ref.TurnID}, nil
}

type validateResponse struct {
	PlanID          string                               `json:"plan_id"`
	ResolvedContext map[string]string                    `json:"resolved_context"`
	Resolution      map[string]automation.ResolvedEntity `json:"resolution,omitempty"`
	SafetyChecks    []automation.CheckResult             `json:"safety_checks"`
	Errors          []automation.CheckResult             `json:"errors"`
}

// Validate handles POST /api/v1/validate.
func (s *Server) Validate(c echo.Context) error {
	ref, turn, err := s.bindPlanRef(c)
	if err != nil {
		return err
	}
	vp, err := s.Engine.Validate(c.Request().Context(), ref.PlanID, turn)
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	return c.JSON(http.StatusOK, validateResponse{
		PlanID:          ref.PlanID,
		ResolvedContext: vp.ResolvedContext,
		Resolution:      vp.Resolution,
		SafetyChecks:    vp.SafetyChecks,
		Errors:          []automation.CheckResult{},
	})
}

type compileResponse struct {
	CompiledID     string `json:"compiled_id"`
	CompiledOutput string `json:"compiled_output"`
	ContentHash    string `json:"content_hash"`
}

// Compile handles POST /api/v1/compile.
func (s *Server) Compile(c echo.Context) error {
	ref, turn, err := s.bindPlanRef(c)
	if err != nil {
		return err
	}
	a, err := s.Engine.Compile(c.Request().Context(), ref.PlanID, turn)
	if err != nil {
		p := problemFor(err)
		if a != nil {
			p.CompiledID = a.ID
		}
		return writeProblem(c, p)
	}
	return c.JSON(http.StatusCreated, compileResponse{
		CompiledID:     a.ID,
		CompiledOutput: a.CompiledOutput,
		ContentHash:    a.ContentHash,
	})
}

type deployRequest struct {
	CompiledID     string `json:"compiled_id"`
	TargetSystemID string `json:"target_system_id"`
	// TimeoutSeconds bounds the push; on expiry the deployment stays pending.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Deploy handles POST /api/v1/deploy.
func (s *Server) Deploy(c echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.CompiledID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "compiled_id is required")
	}
	ctx := c.Request().Context()
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	d, err := s.Engine.Deploy(ctx, req.CompiledID, req.TargetSystemID)
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	return deploymentResponse(c, d)
}

type rollbackRequest struct {
	DeploymentID string `json:"deployment_id"`
	ToCompiledID string `json:"to_compiled_id"`
}

// Rollback handles POST /api/v1/rollback.
func (s *Server) Rollback(c echo.Context) error {
	var req rollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.DeploymentID == "" || req.ToCompiledID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "deployment_id and to_compiled_id are required")
	}
	d, err := s.Engine.Rollback(c.Request().Context(), req.DeploymentID, req.ToCompiledID)
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	return deploymentResponse(c, d)
}

// deploymentResponse picks the status from the deployment outcome: 201 live,
// 202 still pending, 502 hub retries exhausted.
func deploymentResponse(c echo.Context, d *automation.Deployment) error {
	switch d.Status {
	case automation.DeploymentPending:
		return c.JSON(http.StatusAccepted, d)
	case automation.DeploymentFailed:
		p := problem(http.StatusBadGateway, "Deployment failed", d.LastError)
		p.DeploymentID = d.ID
		p.CompiledID = d.CompiledID
		return writeProblem(c, p)
	}
	return c.JSON(http.StatusCreated, d)
}

// Lifecycle handles GET /api/v1/lifecycle/:conversation_id.
func (s *Server) Lifecycle(c echo.Context) error {
	entries, err := s.Engine.Registry.GetLifecycle(c.Request().Context(), c.Param("conversation_id"))
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conversation_id": c.Param("conversation_id"),
		"entries":         entries,
	})
}

func (s *Server) GetPlan(c echo.Context) error {
	p, err := s.Engine.Registry.GetPlan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) GetArtifact(c echo.Context) error {
	a, err := s.Engine.Registry.GetArtifact(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) GetDeployment(c echo.Context) error {
	d, err := s.Engine.Registry.GetDeployment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) Lineage(c echo.Context) error {
	l, err := s.Engine.Registry.Lineage(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeProblem(c, problemFor(err))
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) ListTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Catalog.List())
}

// ReloadTemplates re-reads the catalog. A file that changed an existing
// version in place fails the reload and leaves the current catalog serving.
func (s *Server) ReloadTemplates(c echo.Context) error {
	res, err := s.Catalog.Reload()
	if err != nil {
		return writeProblem(c, problem(http.StatusConflict, "Template reload rejected", err.Error()))
	}
	added := make([]string, 0, len(res.Added))
	for _, k := range res.Added {
		added = append(added, k.String())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"added":    added,
		"retained": res.Retained,
		"total":    res.Total,
	})
}

// HealthStatus is the /healthz body.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) Healthz(c echo.Context) error {
	h := HealthStatus{Status: "ok", Timestamp: time.Now().UTC(), Service: "autoforge"}
	if s.Health != nil {
		if err := s.Health.Ping(c.Request().Context()); err != nil {
			h.Status, h.Error = "degraded", err.Error()
			return c.JSON(http.StatusServiceUnavailable, h)
		}
	}
	return c.JSON(http.StatusOK, h)
}
