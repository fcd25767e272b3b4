package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/queue/memqueue"
	"github.com/dukex/flowtrack/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayFor(t *testing.T) {
	tests := []struct {
		name     string
		node     map[string]any
		workflow map[string]any
		want     time.Duration
	}{
		{"default", nil, nil, 72 * time.Hour},
		{"node_days", map[string]any{"delayDays": float64(2)}, map[string]any{"followUpDelayDays": 5}, 48 * time.Hour},
		{"node_minutes", map[string]any{"delayMinutes": 15}, nil, 15 * time.Minute},
		{"node_ms", map[string]any{"delayMs": "1500"}, nil, 1500 * time.Millisecond},
		{"workflow_follow_up_days", nil, map[string]any{"followUpDelayDays": 5}, 5 * 24 * time.Hour},
		{"negative_is_ignored", map[string]any{"delayDays": -1}, nil, 72 * time.Hour},
		{"zero_is_unset", map[string]any{"delayDays": 0}, map[string]any{"followUpDelayDays": 1}, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &models.WorkflowNode{NodeType: models.NodeTypeDelay, Config: tt.node}
			wf := &models.Workflow{Configuration: tt.workflow}

			assert.Equal(t, tt.want, workflow.DelayFor(node, wf))
		})
	}
}

func TestHandlers_RegisterOverridesBuiltIn(t *testing.T) {
	handlers := workflow.NewHandlers(nil, nil, nil, testLogger())

	for _, nodeType := range []models.NodeType{
		models.NodeTypeTriggerForm,
		models.NodeTypeSendEmail,
		models.NodeTypeSendFollowup,
		models.NodeTypeDelay,
		models.NodeTypeCondition,
		models.NodeTypeMarkFailed,
	} {
		_, ok := handlers.Lookup(nodeType)
		assert.True(t, ok, nodeType)
	}

	called := false
	handlers.Register(models.NodeTypeTriggerForm, workflow.StepHandlerFunc(func(context.Context, workflow.StepContext) (workflow.Result, error) {
		called = true

		return workflow.Result{Continue: true}, nil
	}))

	handler, ok := handlers.Lookup(models.NodeTypeTriggerForm)
	require.True(t, ok)

	result, err := handler.Handle(context.Background(), workflow.StepContext{})
	require.NoError(t, err)
	assert.True(t, result.Continue)
	assert.True(t, called)

	_, ok = handlers.Lookup(models.NodeType("enrich_lead"))
	assert.False(t, ok)
}

func TestQueue_EnqueueCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q := memqueue.New(memqueue.WithClock(func() time.Time { return now }))
	executions := workflow.NewQueue(q, testLogger())

	require.NoError(t, executions.EnqueueExecution(ctx, "exec-1"))
	require.NoError(t, executions.EnqueueExecution(ctx, "exec-1"))
	require.NoError(t, executions.EnqueueDelayedExecution(ctx, "exec-2", 3, time.Hour))
	require.NoError(t, executions.EnqueueDelayedExecution(ctx, "exec-2", 3, 2*time.Hour))

	metrics, err := executions.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.Metrics{Waiting: 1, Delayed: 1}, metrics)

	job, err := q.Job(ctx, queue.TopicWorkflowExecution, "delayed-exec-2-3")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), job.RunAt)
	assert.Equal(t, queue.Backoff{Type: queue.BackoffExponential, Delay: 30 * time.Second}, job.Options.Backoff)
}

func TestPermanentError(t *testing.T) {
	err := workflow.Permanent("load lead", "exec-1", workflow.ErrNoEmail)

	assert.True(t, workflow.IsPermanent(err))
	assert.ErrorIs(t, err, workflow.ErrNoEmail)
	assert.Equal(t, "load lead failed for execution exec-1: lead has no email address", err.Error())
	assert.False(t, workflow.IsPermanent(workflow.ErrNoEmail))
}
