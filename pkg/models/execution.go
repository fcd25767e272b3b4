package models

import "time"

// ExecutionStatus is the state of one workflow run for one lead.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusPaused    ExecutionStatus = "paused"
)

// IsTerminal reports whether no further step may run without an explicit retry.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Retryable reports whether a replay may be requested from this state.
func (s ExecutionStatus) Retryable() bool {
	return s == ExecutionStatusFailed || s == ExecutionStatusQueued
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsFinal reports whether the step record must no longer change.
func (s StepStatus) IsFinal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

type TriggerType string

const (
	TriggerTypeForm   TriggerType = "form_submission"
	TriggerTypeManual TriggerType = "manual"
)

// WorkflowExecution is one lead-workflow pairing attempt.
type WorkflowExecution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkspaceID  string          `json:"workspace_id"`
	LeadID       string          `json:"lead_id"`
	Status       ExecutionStatus `json:"status"`
	TriggerType  TriggerType     `json:"trigger_type"`
	TriggerData  map[string]any  `json:"trigger_data,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails map[string]any  `json:"error_details,omitempty"`
	OutputData   map[string]any  `json:"output_data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Output returns the mutable output bag, allocating it on first use.
func (e *WorkflowExecution) Output() map[string]any {
	if e.OutputData == nil {
		e.OutputData = make(map[string]any)
	}

	return e.OutputData
}

// ExecutionStep records one node's run within an execution.
type ExecutionStep struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	StepNumber     int            `json:"step_number"`
	WorkflowNodeID string         `json:"workflow_node_id"`
	Status         StepStatus     `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
