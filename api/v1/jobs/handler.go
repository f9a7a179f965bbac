package jobs

import (
	"encoding/json"
	"net/http"

	"go_rex/internal/jobstore"
	"go_rex/internal/plan"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Item is one entry of the listing served to agents
type Item struct {
	ExecutionPlanUUID string          `json:"execution_plan_uuid"`
	RunStepID         string          `json:"run_step_id"`
	ActionID          int             `json:"action_id"`
	Payload           json.RawMessage `json:"payload"`
}

// Handler serves the pending jobs of a host
type Handler struct {
	registry *jobstore.Registry
	plans    plan.Store
	logger   *logrus.Entry
}

// NewHandler creates a new jobs handler
func NewHandler(registry *jobstore.Registry, plans plan.Store, logger *logrus.Entry) *Handler {
	return &Handler{
		registry: registry,
		plans:    plans,
		logger:   logger.WithField("component", "jobs"),
	}
}

// List handles GET /jobs/:host
func (h *Handler) List(c *gin.Context) {
	host := c.Param("host")
	ctx := c.Request.Context()

	items := make([]Item, 0)
	for job := range h.registry.List(host) {
		log := h.logger.WithFields(logrus.Fields{
			"host":                host,
			"execution_plan_uuid": job.ExecutionPlanID,
			"action_id":           job.ActionID,
		})

		p, err := h.plans.LoadPlan(ctx, job.ExecutionPlanID)
		if err != nil {
			log.WithError(err).Warn("Skipping job with unresolvable plan")
			continue
		}
		action, err := h.plans.LoadAction(ctx, p, job.ActionID)
		if err != nil {
			log.WithError(err).Warn("Skipping job with unresolvable action")
			continue
		}

		items = append(items, Item{
			ExecutionPlanUUID: job.ExecutionPlanID,
			RunStepID:         action.RunStepID,
			ActionID:          job.ActionID,
			Payload:           action.Payload,
		})
	}

	c.JSON(http.StatusOK, items)
}
