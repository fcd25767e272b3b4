// Package workflow runs lead workflows: it advances an execution node by node,
// pauses on delays through the job queue and replays failed executions.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/eventbus"
	"github.com/dukex/flowtrack/pkg/events"
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/otelhelper"
	"github.com/dukex/flowtrack/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Executor struct {
	executions persistence.ExecutionRepository
	workflows  persistence.WorkflowRepository
	leads      persistence.LeadRepository
	handlers   *Handlers
	queue      Enqueuer
	publisher  eventbus.EventPublisher
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

type ExecutorOption func(*Executor)

// WithPublisher sends lifecycle events to an event bus.
func WithPublisher(publisher eventbus.EventPublisher) ExecutorOption {
	return func(e *Executor) {
		e.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

func NewExecutor(store persistence.Persistence, handlers *Handlers, queue Enqueuer, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		executions: store.Executions(),
		workflows:  store.Workflows(),
		leads:      store.Leads(),
		handlers:   handlers,
		queue:      queue,
		publisher:  eventbus.Noop{},
		tracer:     otelhelper.Noop(),
		logger:     logger.With("module", "workflow_executor"),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs the nodes of an execution whose execution order is at least
// fromStep. Nodes that already completed in this execution are not run again,
// so a retried job picks up where the failed attempt stopped.
//
// Permanent errors have already failed the execution when returned. Other
// errors leave it running for the queue to retry.
func (e *Executor) Execute(ctx context.Context, executionID string, fromStep int) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.execute",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.Int(otelhelper.StepNumberKey, fromStep),
	)
	defer span.End()

	err := e.execute(ctx, executionID, fromStep)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (e *Executor) execute(ctx context.Context, executionID string, fromStep int) error {
	logger := e.logger.With("execution_id", executionID, "from_step", fromStep)

	execution, err := e.executions.ExecutionByID(ctx, executionID)
	if persistence.IsExecutionNotFound(err) {
		return Permanent("load execution", executionID, err)
	}

	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if execution.Status.IsTerminal() {
		logger.WarnContext(ctx, "Execution already finished, dropping orphan job", "status", execution.Status)

		return nil
	}

	workflow, err := e.workflows.WorkflowByID(ctx, execution.WorkflowID)
	if persistence.IsNotFound(err) {
		return e.failPermanent(ctx, execution, nil, Permanent("load workflow", executionID, err))
	}

	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", execution.WorkflowID, err)
	}

	lead, err := e.leads.LeadByID(ctx, execution.LeadID)
	if persistence.IsNotFound(err) {
		return e.failPermanent(ctx, execution, nil, Permanent("load lead", executionID, err))
	}

	if err != nil {
		return fmt.Errorf("failed to load lead %s: %w", execution.LeadID, err)
	}

	resumed := execution.Status == models.ExecutionStatusPaused

	execution.Status = models.ExecutionStatusRunning
	if execution.StartedAt == nil {
		startedAt := e.now()
		execution.StartedAt = &startedAt
	}

	err = e.executions.SaveExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}

	if resumed {
		e.publish(ctx, execution.ID, events.ExecutionResumed{
			BaseEvent: e.base(events.ExecutionResumedEvent, execution),
			FromStep:  fromStep,
		})
	} else {
		e.publish(ctx, execution.ID, events.ExecutionStarted{
			BaseEvent:   e.base(events.ExecutionStartedEvent, execution),
			TriggerType: string(execution.TriggerType),
			FromStep:    fromStep,
		})
	}

	done, filter, err := e.progress(ctx, executionID)
	if err != nil {
		return err
	}

	nodes := workflow.OrderedNodes()

	logger.InfoContext(ctx, "Executing workflow", "workflow_id", workflow.ID, "nodes", len(nodes), "resumed", resumed)

	for i, node := range nodes {
		if node.ExecutionOrder < fromStep || done[node.ID] {
			continue
		}

		if !filter.allows(node.FlowNodeID) {
			err = e.skipStep(ctx, execution, node)
			if err != nil {
				return err
			}

			continue
		}

		sc := StepContext{Node: node, Lead: lead, Execution: execution, Workflow: workflow}

		step, result, stepErr := e.runStep(ctx, sc)
		if step == nil {
			return stepErr
		}

		if stepErr == nil && !result.Continue && result.Delay > 0 {
			stepErr = e.pause(ctx, execution, node, resumeOrder(nodes, i), result.Delay)
		}

		err = e.executions.SaveExecution(ctx, execution)
		if err != nil && stepErr == nil {
			stepErr = fmt.Errorf("failed to save execution output: %w", err)
		}

		if stepErr != nil {
			e.finishStep(ctx, step, models.StepStatusFailed, result.Output, stepErr)

			if node.NonBlocking {
				logger.WarnContext(ctx, "Non-blocking step failed, continuing", "node_id", node.FlowNodeID, "error", stepErr)

				continue
			}

			if IsPermanent(stepErr) {
				return e.failPermanent(ctx, execution, node, stepErr)
			}

			logger.WarnContext(ctx, "Step failed", "node_id", node.FlowNodeID, "error", stepErr)

			return fmt.Errorf("step %s failed: %w", node.FlowNodeID, stepErr)
		}

		err = e.finishStep(ctx, step, models.StepStatusCompleted, result.Output, nil)
		if err != nil {
			return err
		}

		if ids, ok := reachableIDs(result.Output); ok {
			filter.add(ids)
		}

		if result.Delay > 0 && !result.Continue {
			return nil
		}

		if !result.Continue {
			logger.InfoContext(ctx, "Step ended the execution", "node_id", node.FlowNodeID)

			break
		}
	}

	return e.complete(ctx, execution)
}

// progress rebuilds what earlier runs of the execution achieved: the nodes
// already done and the branch filter of the conditions evaluated so far.
func (e *Executor) progress(ctx context.Context, executionID string) (map[string]bool, branchFilter, error) {
	steps, err := e.executions.Steps(ctx, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load steps of execution %s: %w", executionID, err)
	}

	done := make(map[string]bool, len(steps))

	var filter branchFilter

	for _, step := range steps {
		if step.Status != models.StepStatusCompleted && step.Status != models.StepStatusSkipped {
			continue
		}

		done[step.WorkflowNodeID] = true

		if ids, ok := reachableIDs(step.OutputData); ok {
			filter.add(ids)
		}
	}

	return done, filter, nil
}

// resumeOrder is the execution order a delayed continuation starts from: the
// order of the node after the delay.
func resumeOrder(nodes []*models.WorkflowNode, i int) int {
	if i+1 < len(nodes) {
		return nodes[i+1].ExecutionOrder
	}

	return nodes[i].ExecutionOrder + 1
}

func (e *Executor) runStep(ctx context.Context, sc StepContext) (*models.ExecutionStep, Result, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.step",
		attribute.String(otelhelper.ExecutionIDKey, sc.Execution.ID),
		attribute.String(otelhelper.NodeIDKey, sc.Node.FlowNodeID),
		attribute.String(otelhelper.NodeTypeKey, string(sc.Node.NodeType)),
	)
	defer span.End()

	count, err := e.executions.CountSteps(ctx, sc.Execution.ID)
	if err != nil {
		return nil, Result{}, fmt.Errorf("failed to count steps: %w", err)
	}

	step := &models.ExecutionStep{
		ExecutionID:    sc.Execution.ID,
		StepNumber:     count + 1,
		WorkflowNodeID: sc.Node.ID,
		Status:         models.StepStatusPending,
	}

	err = e.executions.SaveStep(ctx, step)
	if err != nil {
		return nil, Result{}, fmt.Errorf("failed to create step: %w", err)
	}

	startedAt := e.now()
	step.Status = models.StepStatusRunning
	step.StartedAt = &startedAt

	err = e.executions.SaveStep(ctx, step)
	if err != nil {
		return nil, Result{}, fmt.Errorf("failed to start step: %w", err)
	}

	span.SetAttributes(attribute.Int(otelhelper.StepNumberKey, step.StepNumber))

	handler, ok := e.handlers.Lookup(sc.Node.NodeType)
	if !ok {
		e.logger.WarnContext(ctx, "Unknown node type, completing step",
			"execution_id", sc.Execution.ID,
			"node_id", sc.Node.FlowNodeID,
			"node_type", sc.Node.NodeType,
		)

		return step, next(nil), nil
	}

	e.logger.InfoContext(ctx, "Executing node",
		"execution_id", sc.Execution.ID,
		"node_type", sc.Node.NodeType,
		"execution_order", sc.Node.ExecutionOrder,
	)

	result, err := handler.Handle(ctx, sc)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return step, result, err
}

func (e *Executor) finishStep(ctx context.Context, step *models.ExecutionStep, status models.StepStatus, output map[string]any, stepErr error) error {
	completedAt := e.now()
	step.Status = status
	step.CompletedAt = &completedAt
	step.OutputData = output

	if step.StartedAt != nil {
		step.DurationMs = completedAt.Sub(*step.StartedAt).Milliseconds()
	}

	if stepErr != nil {
		step.ErrorMessage = stepErr.Error()
		step.ErrorDetails = map[string]any{"errorChain": errorChain(stepErr)}
	}

	err := e.executions.SaveStep(ctx, step)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to save step", "step_id", step.ID, "status", status, "error", err)

		return fmt.Errorf("failed to save step %d: %w", step.StepNumber, err)
	}

	return nil
}

func (e *Executor) skipStep(ctx context.Context, execution *models.WorkflowExecution, node *models.WorkflowNode) error {
	count, err := e.executions.CountSteps(ctx, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to count steps: %w", err)
	}

	now := e.now()

	err = e.executions.SaveStep(ctx, &models.ExecutionStep{
		ExecutionID:    execution.ID,
		StepNumber:     count + 1,
		WorkflowNodeID: node.ID,
		Status:         models.StepStatusSkipped,
		StartedAt:      &now,
		CompletedAt:    &now,
		OutputData:     map[string]any{"reason": "not on selected branch"},
	})
	if err != nil {
		return fmt.Errorf("failed to record skipped step: %w", err)
	}

	e.logger.DebugContext(ctx, "Skipping node off the selected branch", "execution_id", execution.ID, "node_id", node.FlowNodeID)

	return nil
}

// pause marks the execution paused before scheduling the continuation, so a
// continuation that fires early never finds it still running.
func (e *Executor) pause(ctx context.Context, execution *models.WorkflowExecution, node *models.WorkflowNode, resumeFrom int, delay time.Duration) error {
	execution.Status = models.ExecutionStatusPaused

	err := e.executions.SaveExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to pause execution: %w", err)
	}

	err = e.queue.EnqueueDelayedExecution(ctx, execution.ID, resumeFrom, delay)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Execution paused",
		"execution_id", execution.ID,
		"resume_from", resumeFrom,
		"delay", delay,
	)

	e.publish(ctx, execution.ID, events.ExecutionPaused{
		BaseEvent:  e.base(events.ExecutionPausedEvent, execution),
		NodeID:     node.FlowNodeID,
		ResumeFrom: resumeFrom,
		ResumeAt:   e.now().Add(delay),
	})

	return nil
}

func (e *Executor) complete(ctx context.Context, execution *models.WorkflowExecution) error {
	completedAt := e.now()
	execution.Status = models.ExecutionStatusCompleted
	execution.CompletedAt = &completedAt

	err := e.executions.SaveExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}

	steps, err := e.executions.CountSteps(ctx, execution.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to count steps", "execution_id", execution.ID, "error", err)
	}

	var duration time.Duration
	if execution.StartedAt != nil {
		duration = completedAt.Sub(*execution.StartedAt)
	}

	e.logger.InfoContext(ctx, "Workflow execution completed", "execution_id", execution.ID, "steps", steps)

	e.publish(ctx, execution.ID, events.ExecutionCompleted{
		BaseEvent:     e.base(events.ExecutionCompletedEvent, execution),
		StepsExecuted: steps,
		DurationMs:    duration.Milliseconds(),
	})

	return nil
}

func (e *Executor) failPermanent(ctx context.Context, execution *models.WorkflowExecution, node *models.WorkflowNode, cause error) error {
	err := e.markFailed(ctx, execution, node, cause)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark execution failed", "execution_id", execution.ID, "error", err)
	}

	return cause
}

func (e *Executor) markFailed(ctx context.Context, execution *models.WorkflowExecution, node *models.WorkflowNode, cause error) error {
	completedAt := e.now()
	execution.Status = models.ExecutionStatusFailed
	execution.CompletedAt = &completedAt
	execution.ErrorMessage = cause.Error()
	execution.ErrorDetails = map[string]any{"errorChain": errorChain(cause)}

	nodeID := ""
	if node != nil {
		nodeID = node.FlowNodeID
		execution.ErrorDetails["nodeId"] = node.FlowNodeID
		execution.ErrorDetails["nodeType"] = string(node.NodeType)
	}

	err := e.executions.SaveExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to save failed execution: %w", err)
	}

	e.logger.ErrorContext(ctx, "Workflow execution failed", "execution_id", execution.ID, "node_id", nodeID, "error", cause)

	e.publish(ctx, execution.ID, events.ExecutionFailed{
		BaseEvent: e.base(events.ExecutionFailedEvent, execution),
		NodeID:    nodeID,
		Error:     cause.Error(),
	})

	return nil
}

// Fail marks an execution failed after its last queue attempt. Finished
// executions are left alone.
func (e *Executor) Fail(ctx context.Context, executionID string, cause error) error {
	execution, err := e.executions.ExecutionByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if execution.Status.IsTerminal() {
		return nil
	}

	return e.markFailed(ctx, execution, nil, cause)
}

// Retry replays a failed or queued execution from its first node. Steps are
// deleted; the execution output, and with it the sent markers of email nodes,
// is kept.
func (e *Executor) Retry(ctx context.Context, executionID string) error {
	execution, err := e.executions.ExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}

	if !execution.Status.Retryable() {
		return fmt.Errorf("%w: execution %s is %s", ErrNotRetryable, executionID, execution.Status)
	}

	deleted, err := e.executions.DeleteSteps(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}

	execution.Status = models.ExecutionStatusQueued
	execution.StartedAt = nil
	execution.CompletedAt = nil
	execution.ErrorMessage = ""
	execution.ErrorDetails = nil

	err = e.executions.SaveExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to reset execution: %w", err)
	}

	err = e.queue.EnqueueExecution(ctx, executionID)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Execution queued for retry", "execution_id", executionID, "deleted_steps", deleted)

	e.publish(ctx, execution.ID, events.ExecutionRetried{
		BaseEvent:    e.base(events.ExecutionRetriedEvent, execution),
		DeletedSteps: deleted,
	})

	return nil
}

func (e *Executor) base(eventType events.EventType, execution *models.WorkflowExecution) events.BaseEvent {
	base := events.NewBaseEvent(eventType, execution.WorkflowID, execution.ID)
	base.Timestamp = e.now().UTC()
	base.WorkspaceID = execution.WorkspaceID
	base.LeadID = execution.LeadID

	return base
}

func (e *Executor) publish(ctx context.Context, executionID string, event eventbus.Event) {
	err := e.publisher.Publish(ctx, executionID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}
