package launcher

import (
	"context"
	"errors"
	"fmt"

	"go_rex/internal/pulltask"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNoHosts is returned for a batch without hosts
var ErrNoHosts = errors.New("at least one host is required")

// Starter starts single tasks
type Starter interface {
	Start(ctx context.Context, in pulltask.Input) (pulltask.Outcome, error)
}

// BatchRequest runs one script on many hosts under a single execution plan
type BatchRequest struct {
	ExecutionPlanID string           `json:"executionPlanId"`
	StepID          string           `json:"stepId"`
	Hosts           []string         `json:"hosts" binding:"required,min=1"`
	Script          string           `json:"script"`
	Variant         pulltask.Variant `json:"variant"`
}

// HostResult is the outcome of the child task of one host
type HostResult struct {
	Host     string         `json:"host"`
	TaskID   string         `json:"taskId"`
	ActionID int            `json:"actionId"`
	Phase    pulltask.Phase `json:"phase,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// BatchResult summarizes a batch launch
type BatchResult struct {
	ExecutionPlanID string       `json:"executionPlanId"`
	Created         int          `json:"created"`
	Failed          int          `json:"failed"`
	Results         []HostResult `json:"results"`
}

// Launcher starts batches of pull tasks
type Launcher struct {
	starter Starter
	logger  *logrus.Entry
}

// New creates a launcher
func New(starter Starter, logger *logrus.Entry) *Launcher {
	return &Launcher{starter: starter, logger: logger.WithField("component", "launcher")}
}

// LaunchBatch starts one child task per host. Action ids are assigned in host order starting at 1.
// A child that fails to start is reported in its HostResult and does not stop its siblings.
func (l *Launcher) LaunchBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if len(req.Hosts) == 0 {
		return nil, ErrNoHosts
	}
	variant, err := pulltask.ParseVariant(string(req.Variant))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pulltask.ErrInvalidInput, err)
	}

	planID := req.ExecutionPlanID
	if planID == "" {
		planID = uuid.NewString()
	}
	stepID := req.StepID
	if stepID == "" {
		stepID = "1"
	}

	result := &BatchResult{ExecutionPlanID: planID, Results: make([]HostResult, 0, len(req.Hosts))}
	for i, host := range req.Hosts {
		hr := HostResult{Host: host, TaskID: uuid.NewString(), ActionID: i + 1}

		outcome, err := l.starter.Start(ctx, pulltask.Input{
			TaskID:          hr.TaskID,
			ExecutionPlanID: planID,
			StepID:          stepID,
			ActionID:        hr.ActionID,
			Host:            host,
			Script:          req.Script,
			Variant:         variant,
		})
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"execution_plan_uuid": planID,
				"host":                host,
			}).WithError(err).Warn("Failed to start child task")
			hr.Error = err.Error()
			result.Failed++
		} else {
			hr.Phase = outcome.Phase
			result.Created++
		}
		result.Results = append(result.Results, hr)
	}

	l.logger.WithFields(logrus.Fields{
		"execution_plan_uuid": planID,
		"created":             result.Created,
		"failed":              result.Failed,
	}).Info("Batch launched")
	return result, nil
}
