package jobs

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ingest/internal/platform/fhir"
)

// Handler serves the batch job API.
type Handler struct {
	manager *Manager
	known   func(source string) error
}

// NewHandler returns the job handlers. known rejects unknown source names
// before a job is created.
func NewHandler(manager *Manager, known func(source string) error) *Handler {
	return &Handler{manager: manager, known: known}
}

// RegisterRoutes adds the batch routes to the given API group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/batches", h.Submit)
	g.GET("/batches", h.List)
	g.GET("/batches/:id", h.Get)
	g.GET("/batches/:id/outcome", h.Outcome)
}

type submitRequest struct {
	Source string `json:"source"`
	Dir    string `json:"dir"`
}

// Submit handles POST /batches. The job runs in the background; the response
// is 202 with a Content-Location for polling.
func (h *Handler) Submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, fmt.Sprintf("invalid request body: %v", err)))
	}
	req.Source, req.Dir = strings.ToLower(strings.TrimSpace(req.Source)), strings.TrimSpace(req.Dir)
	if req.Source == "" || req.Dir == "" {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeRequired, "source and dir are required"))
	}
	if h.known != nil {
		if err := h.known(req.Source); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeValue, err.Error()))
		}
	}
	job := h.manager.Submit(req.Source, req.Dir)
	c.Response().Header().Set("Content-Location", strings.TrimSuffix(c.Request().URL.Path, "/")+"/"+job.ID.String())
	return c.JSON(http.StatusAccepted, job)
}

// List handles GET /batches?status=...&_count=...
func (h *Handler) List(c echo.Context) error {
	limit := 100
	if s := c.QueryParam("_count"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	jobs := h.manager.Store().List(c.QueryParam("status"), limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (h *Handler) job(c echo.Context) (*Job, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "id must be a uuid"))
	}
	job, err := h.manager.Store().Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeNotFound, fmt.Sprintf("batch job %s not found", id)))
	}
	return job, err
}

// Get handles GET /batches/:id.
func (h *Handler) Get(c echo.Context) error {
	job, err := h.job(c)
	if job == nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// Outcome handles GET /batches/:id/outcome.
//
//   - queued/running: 202 Accepted with Retry-After.
//   - completed/failed: 200 OK with the OperationOutcome of the row issues.
//   - not found: 404 Not Found.
func (h *Handler) Outcome(c echo.Context) error {
	job, err := h.job(c)
	if job == nil {
		return err
	}
	if !job.Done() {
		c.Response().Header().Set("Retry-After", "5")
		return c.NoContent(http.StatusAccepted)
	}
	outcome := fhir.NewOutcomeBuilder().SetID(job.ID.String()).Build()
	if job.Outcome != nil {
		cp := *job.Outcome
		cp.Issue = append([]fhir.OperationOutcomeIssue(nil), job.Outcome.Issue...)
		outcome = &cp
	}
	if job.Status == StatusFailed && job.Error != "" && !outcome.HasErrors() {
		outcome.Issue = append(outcome.Issue, fhir.OperationOutcomeIssue{
			Severity:    fhir.IssueSeverityError,
			Code:        fhir.IssueTypeException,
			Diagnostics: job.Error,
		})
	}
	if job.EndTime != nil {
		c.Response().Header().Set("Last-Modified", job.EndTime.Format(http.TimeFormat))
	}
	return c.JSON(http.StatusOK, outcome)
}
