package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/clearbrook-ai/conductor"
)

// Server holds the dependencies for the orchestrator HTTP API.
type Server struct {
	manager *conductor.Manager
	logger  *slog.Logger
}

// NewServer creates a new Server.
func NewServer(manager *conductor.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{manager: manager, logger: logger}
}

// Echo builds the echo instance with all routes registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/health", s.Health)

	api := e.Group("/api/v1")
	api.POST("/workflows", s.StartWorkflow)
	api.GET("/workflows/:id", s.GetStatus)
	api.POST("/workflows/:id/pause", s.PauseWorkflow)
	api.POST("/workflows/:id/resume", s.ResumeWorkflow)
	api.POST("/workflows/:id/cancel", s.CancelWorkflow)
	api.GET("/workflows/:id/result", s.GetResult)
	return e
}

// Health reports service liveness
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type startRequest struct {
	WorkflowType string         `json:"workflow_type"`
	Context      map[string]any `json:"context"`
}

type startResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// StartWorkflow submits a new workflow instance
// (POST /api/v1/workflows)
func (s *Server) StartWorkflow(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.WorkflowType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_type is required")
	}

	workflowID, err := s.manager.Start(c.Request().Context(), req.WorkflowType, req.Context)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusAccepted, startResponse{WorkflowID: workflowID})
}

type stageStatus struct {
	StageID string                `json:"stage_id"`
	Status  conductor.StageStatus `json:"status"`
}

type statusResponse struct {
	WorkflowID string                   `json:"workflow_id"`
	Status     conductor.InstanceStatus `json:"status"`
	Stages     []stageStatus            `json:"stages"`
	Progress   float64                  `json:"progress"`
}

// GetStatus returns instance status with per-stage detail
// (GET /api/v1/workflows/:id)
func (s *Server) GetStatus(c echo.Context) error {
	snapshot, err := s.manager.Status(c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}

	resp := statusResponse{
		WorkflowID: snapshot.WorkflowID,
		Status:     snapshot.Status,
		Progress:   snapshot.Progress(),
	}
	for _, record := range snapshot.Stages {
		resp.Stages = append(resp.Stages, stageStatus{StageID: record.StageID, Status: record.Status})
	}
	return c.JSON(http.StatusOK, resp)
}

type lifecycleResponse struct {
	WorkflowID string                   `json:"workflow_id"`
	Status     conductor.InstanceStatus `json:"status"`
}

// PauseWorkflow stops dispatch of new stages
// (POST /api/v1/workflows/:id/pause)
func (s *Server) PauseWorkflow(c echo.Context) error {
	return s.lifecycle(c, s.manager.Pause)
}

// ResumeWorkflow re-enters the scheduling loop
// (POST /api/v1/workflows/:id/resume)
func (s *Server) ResumeWorkflow(c echo.Context) error {
	return s.lifecycle(c, s.manager.Resume)
}

// CancelWorkflow stops the instance and abandons in-flight calls
// (POST /api/v1/workflows/:id/cancel)
func (s *Server) CancelWorkflow(c echo.Context) error {
	return s.lifecycle(c, s.manager.Cancel)
}

func (s *Server) lifecycle(c echo.Context, command func(string) (conductor.InstanceStatus, error)) error {
	workflowID := c.Param("id")
	status, err := command(workflowID)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, lifecycleResponse{WorkflowID: workflowID, Status: status})
}

// GetResult returns the final report of a terminal instance
// (GET /api/v1/workflows/:id/result)
func (s *Server) GetResult(c echo.Context) error {
	report, err := s.manager.Result(c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// httpError maps the orchestration error taxonomy onto response codes.
func (s *Server) httpError(err error) *echo.HTTPError {
	switch conductor.Classify(err).Type {
	case conductor.ErrorTypeUnknownWorkflow:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case conductor.ErrorTypeUnknownTemplate, conductor.ErrorTypeTemplateInvalid:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case conductor.ErrorTypeInvalidTransition:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
