// Package pulltask implements the lifecycle of a task executed by a pulling agent.
//
// A task is started, suspends while it waits for agent events, is resumed once per event
// and terminates when an event carries an exit code. The workflow engine then finalizes
// and stops it. Stop releases the host job, the callback token and the staged files.
package pulltask

import (
	"fmt"
	"slices"
	"time"

	"go_rex/internal/event"
	"go_rex/internal/jobstore"
)

// Phase is the lifecycle phase of a task
type Phase string

const (
	PhaseInitializing  Phase = "initializing"
	PhaseAwaitingEvent Phase = "awaiting_event"
	PhaseTerminated    Phase = "terminated"
	PhaseStopped       Phase = "stopped"
)

// Closed reports whether the task no longer accepts events
func (p Phase) Closed() bool {
	return p == PhaseTerminated || p == PhaseStopped
}

// Variant selects how a pull task is announced to its host
type Variant string

const (
	// VariantPull leaves the job for the agent to find through the listing endpoint
	VariantPull Variant = "pull"
	// VariantPullMQTT additionally publishes a notification on the host topic
	VariantPullMQTT Variant = "pull-mqtt"
)

// ParseVariant validates a variant name. An empty name selects VariantPull.
func ParseVariant(name string) (Variant, error) {
	switch Variant(name) {
	case "", VariantPull:
		return VariantPull, nil
	case VariantPullMQTT:
		return VariantPullMQTT, nil
	default:
		return "", fmt.Errorf("unknown action variant %q", name)
	}
}

// Input is what the engine passes to Start
type Input struct {
	TaskID          string  `json:"taskId"`
	ExecutionPlanID string  `json:"executionPlanId"`
	StepID          string  `json:"stepId"`
	ActionID        int     `json:"actionId"`
	Host            string  `json:"host"`
	Script          string  `json:"script"`
	Variant         Variant `json:"variant"`
}

func (in Input) validate() error {
	switch {
	case in.TaskID == "":
		return fmt.Errorf("%w: taskId is required", ErrInvalidInput)
	case in.ExecutionPlanID == "":
		return fmt.Errorf("%w: executionPlanId is required", ErrInvalidInput)
	case in.StepID == "":
		return fmt.Errorf("%w: stepId is required", ErrInvalidInput)
	case in.ActionID <= 0:
		return fmt.Errorf("%w: actionId must be positive", ErrInvalidInput)
	case in.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidInput)
	}
	if _, err := ParseVariant(string(in.Variant)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// State is the persisted state of one task
type State struct {
	TaskID          string        `json:"taskId"`
	ExecutionPlanID string        `json:"executionPlanId"`
	StepID          string        `json:"stepId"`
	ActionID        int           `json:"actionId"`
	Host            string        `json:"host"`
	Variant         Variant       `json:"variant"`
	Phase           Phase         `json:"phase"`
	Output          []event.Chunk `json:"output"`
	ExitStatus      *int          `json:"exitStatus,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Job is the registry entry of the task
func (s State) Job() jobstore.Job {
	return jobstore.Job{ExecutionPlanID: s.ExecutionPlanID, ActionID: s.ActionID}
}

// Clone returns a deep copy
func (s State) Clone() State {
	cp := s
	cp.Output = slices.Clone(s.Output)
	if s.ExitStatus != nil {
		code := *s.ExitStatus
		cp.ExitStatus = &code
	}
	return cp
}

// Outcome tells the engine whether the task suspended after a transition
type Outcome struct {
	Phase     Phase `json:"phase"`
	Suspended bool  `json:"suspended"`
}

// Result is the outcome of Finalize
type Result struct {
	TaskID     string        `json:"taskId"`
	Success    bool          `json:"success"`
	ExitStatus *int          `json:"exitStatus,omitempty"`
	Output     []event.Chunk `json:"output"`
}
