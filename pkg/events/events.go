// Package events defines the workflow execution lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every execution lifecycle event.
const Topic = "flowtrack.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionPausedEvent    EventType = "execution.paused"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionRetriedEvent   EventType = "execution.retried"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkflowID  string         `json:"workflow_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	ExecutionID string         `json:"execution_id"`
	LeadID      string         `json:"lead_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ExecutionStarted struct {
	BaseEvent

	TriggerType string `json:"trigger_type"`
	FromStep    int    `json:"from_step"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

// ExecutionResumed is published when a delayed continuation picks an
// execution back up.
type ExecutionResumed struct {
	BaseEvent

	FromStep int `json:"from_step"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionPaused struct {
	BaseEvent

	NodeID     string    `json:"node_id"`
	ResumeFrom int       `json:"resume_from"`
	ResumeAt   time.Time `json:"resume_at"`
}

func (e ExecutionPaused) GetType() EventType {
	return ExecutionPausedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	StepsExecuted int   `json:"steps_executed"`
	DurationMs    int64 `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
	Error  string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionRetried struct {
	BaseEvent

	DeletedSteps int `json:"deleted_steps"`
}

func (e ExecutionRetried) GetType() EventType {
	return ExecutionRetriedEvent
}

// New returns an empty event value for a type, ready to be decoded into.
// Unknown types return nil.
func New(eventType EventType) any {
	switch eventType {
	case ExecutionStartedEvent:
		return &ExecutionStarted{}
	case ExecutionResumedEvent:
		return &ExecutionResumed{}
	case ExecutionPausedEvent:
		return &ExecutionPaused{}
	case ExecutionCompletedEvent:
		return &ExecutionCompleted{}
	case ExecutionFailedEvent:
		return &ExecutionFailed{}
	case ExecutionRetriedEvent:
		return &ExecutionRetried{}
	default:
		return nil
	}
}

func NewBaseEvent(eventType EventType, workflowID, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Metadata:    make(map[string]any),
	}
}
