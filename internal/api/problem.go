package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/compiler"
	"github.com/sbenjam1n/autoforge/internal/deploy"
	"github.com/sbenjam1n/autoforge/internal/store"
	"github.com/sbenjam1n/autoforge/internal/template"
)

// ProblemDetails is an RFC 7807 error body with a few autoforge extensions.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`

	Code         automation.RejectionCode `json:"code,omitempty"`
	Errors       []automation.CheckResult `json:"errors,omitempty"`
	CompiledID   string                   `json:"compiled_id,omitempty"`
	DeploymentID string                   `json:"deployment_id,omitempty"`
}

func problem(status int, title, detail string) *ProblemDetails {
	return &ProblemDetails{Type: "about:blank", Title: title, Status: status, Detail: detail}
}

func writeProblem(c echo.Context, p *ProblemDetails) error {
	p.Instance = c.Request().URL.Path
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(p.Status, p)
}

// problemFor maps pipeline errors onto HTTP statuses.
func problemFor(err error) *ProblemDetails {
	var rej *automation.Rejection
	switch {
	case errors.As(err, &rej):
		p := problem(http.StatusUnprocessableEntity, "Validation rejected", rej.Briefing())
		p.Code = rej.Code
		p.Errors = rej.Details
		return p
	case errors.Is(err, store.ErrNotFound), errors.Is(err, template.ErrNotFound):
		return problem(http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, deploy.ErrAlreadyDeploying):
		return problem(http.StatusConflict, "Already deploying", err.Error())
	case errors.Is(err, store.ErrAlreadyCompiled):
		return problem(http.StatusConflict, "Already compiled", err.Error())
	case errors.Is(err, deploy.ErrNotRollbackable):
		return problem(http.StatusConflict, "Not rollbackable", err.Error())
	case errors.Is(err, compiler.ErrFatal):
		return problem(http.StatusInternalServerError, "Compiler fault", err.Error())
	}
	return problem(http.StatusInternalServerError, "Internal error", err.Error())
}

// errorHandler renders echo's own errors (bad routes, bind failures) as problems.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	var p *ProblemDetails
	if errors.As(err, &he) {
		detail, _ := he.Message.(string)
		if detail == "" {
			detail = http.StatusText(he.Code)
		}
		p = problem(he.Code, http.StatusText(he.Code), detail)
	} else {
		p = problemFor(err)
	}
	_ = writeProblem(c, p)
}
