package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
)

// DefaultDelay applies when neither the delay node nor the workflow sets one.
const DefaultDelay = 3 * 24 * time.Hour

const (
	defaultEmailSubject    = "Thanks for reaching out!"
	defaultFollowUpSubject = "Following up"
)

// StepContext is what a handler sees of the running execution. Handlers may
// write to Execution.OutputData; the executor persists it after the step.
type StepContext struct {
	Node      *models.WorkflowNode
	Lead      *models.Lead
	Execution *models.WorkflowExecution
	Workflow  *models.Workflow
}

// Result tells the executor how to proceed. Continue false with a Delay
// pauses the execution; without a Delay it ends the execution.
type Result struct {
	Continue bool
	Output   map[string]any
	Delay    time.Duration
}

func next(output map[string]any) Result {
	return Result{Continue: true, Output: output}
}

type StepHandler interface {
	Handle(ctx context.Context, sc StepContext) (Result, error)
}

type StepHandlerFunc func(ctx context.Context, sc StepContext) (Result, error)

func (f StepHandlerFunc) Handle(ctx context.Context, sc StepContext) (Result, error) {
	return f(ctx, sc)
}

type ConditionEvaluator interface {
	Evaluate(ctx context.Context, node *models.WorkflowNode, lead *models.Lead) (bool, error)
}

// Handlers maps node types to their step handlers.
type Handlers struct {
	handlers   map[models.NodeType]StepHandler
	leads      persistence.LeadRepository
	conditions ConditionEvaluator
	mailer     Mailer
	logger     *slog.Logger
	now        func() time.Time
}

type HandlersOption func(*Handlers)

func WithHandlersClock(now func() time.Time) HandlersOption {
	return func(h *Handlers) {
		h.now = now
	}
}

// NewHandlers returns a registry holding the built-in node handlers.
func NewHandlers(leads persistence.LeadRepository, conditions ConditionEvaluator, mailer Mailer, logger *slog.Logger, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		handlers:   make(map[models.NodeType]StepHandler),
		leads:      leads,
		conditions: conditions,
		mailer:     mailer,
		logger:     logger.With("module", "step_handlers"),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(h)
	}

	h.Register(models.NodeTypeTriggerForm, StepHandlerFunc(h.triggerForm))
	h.Register(models.NodeTypeSendEmail, h.email("emailTemplate", defaultEmailSubject, models.LeadStatusEmailSent))
	h.Register(models.NodeTypeSendFollowup, h.email("followUpTemplate", defaultFollowUpSubject, models.LeadStatusFollowUpSent))
	h.Register(models.NodeTypeDelay, StepHandlerFunc(h.delay))
	h.Register(models.NodeTypeCondition, StepHandlerFunc(h.condition))
	h.Register(models.NodeTypeMarkFailed, StepHandlerFunc(h.markFailed))

	return h
}

// Register adds or replaces the handler of a node type.
func (h *Handlers) Register(nodeType models.NodeType, handler StepHandler) {
	h.handlers[nodeType] = handler
}

func (h *Handlers) Lookup(nodeType models.NodeType) (StepHandler, bool) {
	handler, ok := h.handlers[nodeType]

	return handler, ok
}

func (h *Handlers) triggerForm(ctx context.Context, sc StepContext) (Result, error) {
	h.logger.DebugContext(ctx, "Trigger node already fired", "execution_id", sc.Execution.ID)

	return next(nil), nil
}

func sentMarker(node *models.WorkflowNode) string {
	return "sent:" + node.ID
}

// email sends a templated message once per node and execution. The sent
// marker in the execution output survives replays, so a retried execution
// does not mail the lead twice.
func (h *Handlers) email(templateKey, defaultSubject string, status models.LeadStatus) StepHandlerFunc {
	return func(ctx context.Context, sc StepContext) (Result, error) {
		marker := sentMarker(sc.Node)

		if sentAt, ok := sc.Execution.Output()[marker]; ok {
			h.logger.InfoContext(ctx, "Email already sent for node, skipping",
				"execution_id", sc.Execution.ID,
				"node_id", sc.Node.ID,
			)

			return next(map[string]any{"skipped": true, "sentAt": sentAt}), nil
		}

		if sc.Lead.Email == "" {
			return Result{}, Permanent("send email", sc.Execution.ID, fmt.Errorf("%w: %s", ErrNoEmail, sc.Lead.ID))
		}

		template := sc.Node.ConfigString(templateKey)
		if template == "" {
			template = sc.Workflow.ConfigString(templateKey)
		}

		if template == "" {
			return Result{}, Permanent("send email", sc.Execution.ID, fmt.Errorf("%w: %s for node %s", ErrNoTemplate, templateKey, sc.Node.FlowNodeID))
		}

		subject := sc.Node.ConfigString("emailSubject")
		if subject == "" {
			subject = defaultSubject
		}

		err := h.mailer.Send(ctx, Email{
			WorkspaceID: sc.Execution.WorkspaceID,
			WorkflowID:  sc.Workflow.ID,
			LeadID:      sc.Lead.ID,
			To:          sc.Lead.Email,
			ToName:      sc.Lead.Name,
			FromName:    DefaultSenderName,
			Subject:     subject,
			Template:    template,
			Variables: map[string]string{
				"firstName":   sc.Lead.FirstName(),
				"companyName": sc.Lead.CompanyName,
				"email":       sc.Lead.Email,
			},
		})
		if err != nil {
			return Result{}, fmt.Errorf("failed to send email to lead %s: %w", sc.Lead.ID, err)
		}

		sentAt := h.now().UTC()
		sc.Execution.Output()[marker] = sentAt.Format(time.RFC3339)

		err = h.leads.RecordEmailSent(ctx, sc.Lead.ID, status, sentAt)
		if err != nil {
			return Result{}, fmt.Errorf("failed to record email sent: %w", err)
		}

		h.logger.InfoContext(ctx, "Email sent to lead", "lead_id", sc.Lead.ID, "lead_status", status)

		return next(map[string]any{"to": sc.Lead.Email, "subject": subject, "sentAt": sentAt.Format(time.RFC3339)}), nil
	}
}

// DelayFor resolves a delay node's wait: delayDays, delayMinutes or delayMs
// on the node, then followUpDelayDays on the workflow, then DefaultDelay.
func DelayFor(node *models.WorkflowNode, workflow *models.Workflow) time.Duration {
	if days, ok := node.ConfigNumber("delayDays"); ok && days > 0 {
		return time.Duration(days * float64(24*time.Hour))
	}

	if minutes, ok := node.ConfigNumber("delayMinutes"); ok && minutes > 0 {
		return time.Duration(minutes * float64(time.Minute))
	}

	if ms, ok := node.ConfigNumber("delayMs"); ok && ms > 0 {
		return time.Duration(ms * float64(time.Millisecond))
	}

	if days, ok := workflow.ConfigNumber("followUpDelayDays"); ok && days > 0 {
		return time.Duration(days * float64(24*time.Hour))
	}

	return DefaultDelay
}

func (h *Handlers) delay(_ context.Context, sc StepContext) (Result, error) {
	d := DelayFor(sc.Node, sc.Workflow)

	return Result{
		Continue: false,
		Delay:    d,
		Output:   map[string]any{"delayMs": d.Milliseconds()},
	}, nil
}

// condition evaluates the node and follows the edge whose handle matches the
// outcome. The nodes reachable from that edge are stored in the step output.
func (h *Handlers) condition(ctx context.Context, sc StepContext) (Result, error) {
	met, err := h.conditions.Evaluate(ctx, sc.Node, sc.Lead)
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate condition %s: %w", sc.Node.FlowNodeID, err)
	}

	handle := strconv.FormatBool(met)
	output := map[string]any{"conditionMet": met, "branchTaken": handle}

	edge := selectEdge(sc.Workflow, sc.Node.FlowNodeID, handle)
	if edge == nil {
		h.logger.WarnContext(ctx, "No edge for condition branch",
			"execution_id", sc.Execution.ID,
			"node_id", sc.Node.FlowNodeID,
			"branch", handle,
		)

		return next(output), nil
	}

	output[targetNodeKey] = edge.TargetNodeID
	output[reachableNodesKey] = reachableFrom(sc.Workflow, edge.TargetNodeID)

	h.logger.InfoContext(ctx, "Following condition branch",
		"execution_id", sc.Execution.ID,
		"node_id", sc.Node.FlowNodeID,
		"branch", handle,
		"target_node_id", edge.TargetNodeID,
	)

	return next(output), nil
}

func (h *Handlers) markFailed(ctx context.Context, sc StepContext) (Result, error) {
	err := h.leads.UpdateLeadStatus(ctx, sc.Lead.ID, models.LeadStatusLost)
	if err != nil {
		return Result{}, fmt.Errorf("failed to mark lead %s lost: %w", sc.Lead.ID, err)
	}

	return next(map[string]any{"leadStatus": string(models.LeadStatusLost)}), nil
}
