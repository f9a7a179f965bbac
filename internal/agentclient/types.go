package agentclient

import "encoding/json"

// Job is one entry of the job listing of a host
type Job struct {
	ExecutionPlanUUID string          `json:"execution_plan_uuid"`
	RunStepID         string          `json:"run_step_id"`
	ActionID          int             `json:"action_id"`
	Payload           json.RawMessage `json:"payload"`
}

// Assignment is the payload of a job: where to fetch its files and how to report back.
// Broker notifications carry the same document.
type Assignment struct {
	CallbackHost string   `json:"callback_host"`
	TaskID       string   `json:"task_id"`
	StepID       string   `json:"step_id"`
	OTP          string   `json:"otp"`
	Files        []string `json:"files"`
	Main         string   `json:"main"`
}

// EventRequest is the body of an event callback
type EventRequest struct {
	Output   *string `json:"output,omitempty"`
	ExitCode *int    `json:"exit_code,omitempty"`
}

// envelope is the {code,message,data} wrapper of API responses
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}
