package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/amelia-dev/amelia/pkg/orchestrator"
)

// createWorkflowHandler handles POST /workflows.
// Unless start=false, the workflow is admitted immediately.
func (s *Server) createWorkflowHandler(c *echo.Context) error {
	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	title := req.TaskTitle
	if title == "" {
		title = req.IssueID
	}
	wfType := models.WorkflowTypeFull
	if req.PlanNow {
		wfType = models.WorkflowTypePlanOnly
	}

	wf, err := s.orch.Create(c.Request().Context(), orchestrator.CreateRequest{
		TaskTitle:       title,
		TaskDescription: req.TaskDescription,
		WorktreePath:    req.WorktreePath,
		ProfileID:       req.Profile,
		WorkflowType:    wfType,
		AutoApprove:     req.AutoApprove,
	})
	if err != nil {
		return mapServiceError(err)
	}

	if req.Start == nil || *req.Start {
		if err := s.orch.Start(c.Request().Context(), wf.ID); err != nil {
			return mapServiceError(err)
		}
		wf.Status = models.WorkflowStatusInProgress
	}

	return c.JSON(http.StatusAccepted, &WorkflowResponse{WorkflowID: wf.ID, Status: string(wf.Status)})
}

// startWorkflowHandler handles POST /workflows/:id/start.
func (s *Server) startWorkflowHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow id is required")
	}
	if err := s.orch.Start(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &WorkflowResponse{WorkflowID: id, Status: string(models.WorkflowStatusInProgress)})
}

// startBatchHandler handles POST /workflows/start-batch. Pending workflows
// are selected by explicit ids or by worktree; each is admitted
// independently and failures do not stop the batch.
func (s *Server) startBatchHandler(c *echo.Context) error {
	var req StartBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	ids := req.WorkflowIDs
	if len(ids) == 0 {
		wfs, err := s.store.ListWorkflows(c.Request().Context(), models.WorkflowFilters{
			Status:       string(models.WorkflowStatusPending),
			WorktreePath: req.WorktreePath,
		})
		if err != nil {
			return mapServiceError(err)
		}
		for _, wf := range wfs {
			ids = append(ids, wf.ID)
		}
	}

	resp := &StartBatchResponse{Started: []string{}, Errors: map[string]string{}}
	for _, id := range ids {
		if err := s.orch.Start(c.Request().Context(), id); err != nil {
			resp.Errors[id] = err.Error()
			continue
		}
		resp.Started = append(resp.Started, id)
	}
	return c.JSON(http.StatusOK, resp)
}

// approveWorkflowHandler handles POST /workflows/:id/approve.
func (s *Server) approveWorkflowHandler(c *echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.orch.Approve(c.Request().Context(), c.Param("id"), req.Message); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &WorkflowResponse{WorkflowID: c.Param("id"), Status: string(models.WorkflowStatusInProgress)})
}

// rejectWorkflowHandler handles POST /workflows/:id/reject.
func (s *Server) rejectWorkflowHandler(c *echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.orch.Reject(c.Request().Context(), c.Param("id"), req.Message); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &WorkflowResponse{WorkflowID: c.Param("id"), Status: string(models.WorkflowStatusInProgress)})
}

// cancelWorkflowHandler handles POST /workflows/:id/cancel.
func (s *Server) cancelWorkflowHandler(c *echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.orch.Cancel(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// listWorkflowsHandler handles GET /workflows?status=&worktree=.
func (s *Server) listWorkflowsHandler(c *echo.Context) error {
	filters := models.WorkflowFilters{
		Status:       c.QueryParam("status"),
		WorktreePath: c.QueryParam("worktree"),
	}
	if filters.Status != "" && !models.ValidWorkflowStatus(filters.Status) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+filters.Status)
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filters.Limit = n
	}

	wfs, err := s.store.ListWorkflows(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, wfs)
}

// getWorkflowHandler handles GET /workflows/:id.
func (s *Server) getWorkflowHandler(c *echo.Context) error {
	wf, err := s.store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	totals, err := s.store.AggregateTokenUsage(c.Request().Context(), wf.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &WorkflowDetail{Workflow: wf, TokenUsage: totals})
}

// listEventsHandler handles GET /workflows/:id/events?from_sequence=.
// It backs the WebSocket catchup path with plain REST replay.
func (s *Server) listEventsHandler(c *echo.Context) error {
	var from int64
	if v := c.QueryParam("from_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from_sequence")
		}
		from = n
	}

	if _, err := s.store.GetWorkflow(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	events, err := s.bus.Replay(c.Request().Context(), c.Param("id"), from)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, events)
}
