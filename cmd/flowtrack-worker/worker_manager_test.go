package main

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/cmd"
	"github.com/dukex/flowtrack/pkg/config"
	"github.com/dukex/flowtrack/pkg/events"
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) (*WorkerManager, *cmd.Services) {
	t.Helper()

	ctx := context.Background()
	cfg := config.Default()

	services, err := cmd.NewServices(ctx, "flowtrack-worker-test", testLogger(), cmd.Options{Config: cfg})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = services.Close(ctx)
	})

	return NewWorkerManager(services, cfg, testLogger()), services
}

func TestWorkerManager_Setup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, services := newTestManager(t)
	require.NoError(t, manager.Setup(ctx))
	require.Len(t, manager.workers, 3)

	polls, err := services.Queue.Repeatables(ctx, queue.TopicBookingPolling)
	require.NoError(t, err)
	assert.Len(t, polls, 1)

	tasks, err := services.Queue.Repeatables(ctx, queue.TopicMaintenance)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
}

func TestWorkerManager_ExecutesTriggeredWorkflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, services := newTestManager(t)
	require.NoError(t, manager.Setup(ctx))

	wf := &models.Workflow{
		WorkspaceID: "ws-1",
		Name:        "Inbound",
		Status:      models.WorkflowStatusActive,
		Nodes: []*models.WorkflowNode{
			{FlowNodeID: "n1", NodeType: models.NodeTypeTriggerForm, Category: models.NodeCategoryTrigger, ExecutionOrder: 1},
		},
	}
	require.NoError(t, services.Persistence.Workflows().SaveWorkflow(ctx, wf))

	lead := &models.Lead{WorkspaceID: "ws-1", Email: "ada@example.com", Status: models.LeadStatusNew, Source: models.LeadSourceForm}
	require.NoError(t, services.Persistence.Leads().SaveLead(ctx, lead))

	executionID, err := services.Trigger.TriggerFormWorkflow(ctx, lead.ID, wf.ID, nil)
	require.NoError(t, err)

	processed, err := manager.workers[0].ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	execution, err := services.Persistence.Executions().ExecutionByID(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
}

func TestWorkerManager_LifecycleHandlersIgnoreWrongTypes(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.handleExecutionCompleted(ctx, &events.ExecutionFailed{}))
	require.NoError(t, manager.handleExecutionFailed(ctx, &events.ExecutionCompleted{}))
	require.NoError(t, manager.handleExecutionCompleted(ctx, &events.ExecutionCompleted{StepsExecuted: 1, DurationMs: 5}))
}

func TestWorkerManager_RunStopsOnCancel(t *testing.T) {
	manager, _ := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- manager.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker manager did not stop")
	}
}
