package tasks

import (
	"errors"

	"go_rex/internal/event"
	"go_rex/internal/httpx"
	"go_rex/internal/launcher"
	"go_rex/internal/pulltask"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler handles task lifecycle requests from operators and agent callbacks
type Handler struct {
	svc      *pulltask.Service
	launcher *launcher.Launcher
	logger   *logrus.Entry
}

// NewHandler creates a new tasks handler
func NewHandler(svc *pulltask.Service, l *launcher.Launcher, logger *logrus.Entry) *Handler {
	return &Handler{
		svc:      svc,
		launcher: l,
		logger:   logger.WithField("component", "tasks"),
	}
}

// CreateRequest starts a single task. Missing task and plan ids are generated.
// ActionID is required when ExecutionPlanID is given.
type CreateRequest struct {
	TaskID          string           `json:"taskId"`
	ExecutionPlanID string           `json:"executionPlanId"`
	StepID          string           `json:"stepId"`
	ActionID        int              `json:"actionId"`
	Host            string           `json:"host" binding:"required"`
	Script          string           `json:"script"`
	Variant         pulltask.Variant `json:"variant"`
}

// CreateResponse is returned by Create
type CreateResponse struct {
	TaskID          string `json:"taskId"`
	ExecutionPlanID string `json:"executionPlanId"`
	ActionID        int    `json:"actionId"`
	pulltask.Outcome
}

// ResultResponse is returned when a task reached a result
type ResultResponse struct {
	pulltask.Result
	Error string `json:"error,omitempty"`
}

// EventResponse is returned to agents after an event was applied
type EventResponse struct {
	pulltask.Outcome
	Result *ResultResponse `json:"result,omitempty"`
}

func resultResponse(result pulltask.Result) *ResultResponse {
	resp := &ResultResponse{Result: result}
	if !result.Success {
		if result.ExitStatus == nil {
			resp.Error = pulltask.ErrMissingExitStatus.Error()
		} else {
			resp.Error = pulltask.ErrScriptFailed.Error()
		}
	}
	return resp
}

func isScriptFailure(err error) bool {
	return errors.Is(err, pulltask.ErrScriptFailed) || errors.Is(err, pulltask.ErrMissingExitStatus)
}

// Create handles POST /api/v1/tasks
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	in := pulltask.Input{
		TaskID:          req.TaskID,
		ExecutionPlanID: req.ExecutionPlanID,
		StepID:          req.StepID,
		ActionID:        req.ActionID,
		Host:            req.Host,
		Script:          req.Script,
		Variant:         req.Variant,
	}
	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}
	// A generated plan is new, so its first action cannot collide
	if in.ExecutionPlanID == "" {
		in.ExecutionPlanID = uuid.NewString()
		if in.ActionID == 0 {
			in.ActionID = 1
		}
	}
	if in.StepID == "" {
		in.StepID = "1"
	}

	outcome, err := h.svc.Start(c.Request.Context(), in)
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}

	httpx.OK(c, CreateResponse{
		TaskID:          in.TaskID,
		ExecutionPlanID: in.ExecutionPlanID,
		ActionID:        in.ActionID,
		Outcome:         outcome,
	})
}

// Batch handles POST /api/v1/tasks/batch
func (h *Handler) Batch(c *gin.Context) {
	var req launcher.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	result, err := h.launcher.LaunchBatch(c.Request.Context(), req)
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}
	httpx.OK(c, result)
}

// Get handles GET /api/v1/tasks/:id
func (h *Handler) Get(c *gin.Context) {
	state, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}
	httpx.OK(c, state)
}

// Finalize handles POST /api/v1/tasks/:id/finalize.
// A failed script is a result, not a request error.
func (h *Handler) Finalize(c *gin.Context) {
	result, err := h.svc.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil && !isScriptFailure(err) {
		httpx.FailErr(c, toAppError(err))
		return
	}
	httpx.OK(c, resultResponse(result))
}

// Stop handles POST /api/v1/tasks/:id/stop
func (h *Handler) Stop(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := h.svc.Get(c.Request.Context(), taskID); err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}
	if err := h.svc.Stop(c.Request.Context(), taskID); err != nil {
		h.logger.WithField("task_id", taskID).WithError(err).Warn("Stop finished with cleanup errors")
		httpx.FailErr(c, toAppError(err))
		return
	}
	httpx.OKMsg(c, "task stopped", gin.H{"taskId": taskID, "phase": pulltask.PhaseStopped})
}

// Events handles POST /api/v1/tasks/:id/events, the agent callback
func (h *Handler) Events(c *gin.Context) {
	taskID := c.Param("id")
	body, err := c.GetRawData()
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("failed to read request body"))
		return
	}
	ev, err := event.Parse(body)
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}

	outcome, result, err := h.svc.Deliver(c.Request.Context(), taskID, ev)
	if err != nil {
		if errors.Is(err, pulltask.ErrTaskClosed) {
			h.logger.WithField("task_id", taskID).Debug("Rejected event for closed task")
		}
		httpx.FailErr(c, toAppError(err))
		return
	}

	resp := EventResponse{Outcome: outcome}
	if result != nil {
		resp.Result = resultResponse(*result)
	}
	httpx.OK(c, resp)
}
