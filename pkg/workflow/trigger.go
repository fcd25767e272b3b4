package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
)

// Trigger starts executions for leads.
type Trigger struct {
	executions persistence.ExecutionRepository
	workflows  persistence.WorkflowRepository
	leads      persistence.LeadRepository
	queue      Enqueuer
	logger     *slog.Logger
}

func NewTrigger(store persistence.Persistence, queue Enqueuer, logger *slog.Logger) *Trigger {
	return &Trigger{
		executions: store.Executions(),
		workflows:  store.Workflows(),
		leads:      store.Leads(),
		queue:      queue,
		logger:     logger.With("module", "workflow_trigger"),
	}
}

// TriggerFormWorkflow creates a queued execution of the workflow for a lead
// that submitted its form and enqueues it. It returns the execution id.
func (t *Trigger) TriggerFormWorkflow(ctx context.Context, leadID, workflowID string, data map[string]any) (string, error) {
	return t.trigger(ctx, leadID, workflowID, models.TriggerTypeForm, data)
}

// TriggerManual starts the workflow for a lead on operator request.
func (t *Trigger) TriggerManual(ctx context.Context, leadID, workflowID string) (string, error) {
	return t.trigger(ctx, leadID, workflowID, models.TriggerTypeManual, nil)
}

func (t *Trigger) trigger(ctx context.Context, leadID, workflowID string, triggerType models.TriggerType, data map[string]any) (string, error) {
	workflow, err := t.workflows.WorkflowByID(ctx, workflowID)
	if err != nil {
		return "", err
	}

	lead, err := t.leads.LeadByID(ctx, leadID)
	if err != nil {
		return "", err
	}

	if lead.WorkspaceID != workflow.WorkspaceID {
		return "", fmt.Errorf("%w: lead %s, workflow %s", ErrWrongWorkflow, leadID, workflowID)
	}

	if data == nil {
		data = map[string]any{}
	}

	data["leadId"] = leadID

	execution := &models.WorkflowExecution{
		WorkflowID:  workflow.ID,
		WorkspaceID: workflow.WorkspaceID,
		LeadID:      lead.ID,
		Status:      models.ExecutionStatusQueued,
		TriggerType: triggerType,
		TriggerData: data,
	}

	err = t.executions.SaveExecution(ctx, execution)
	if err != nil {
		return "", fmt.Errorf("failed to create execution: %w", err)
	}

	err = t.queue.EnqueueExecution(ctx, execution.ID)
	if err != nil {
		return execution.ID, err
	}

	t.logger.InfoContext(ctx, "Workflow triggered",
		"execution_id", execution.ID,
		"workflow_id", workflowID,
		"lead_id", leadID,
		"trigger_type", triggerType,
	)

	return execution.ID, nil
}
