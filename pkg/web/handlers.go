// Package web provides the HTTP handlers of the engine: provider webhooks,
// form triggers, execution retries and the booking health surface.
package web

import (
	"log/slog"
	"strconv"

	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/dukex/flowtrack/pkg/polling"
	"github.com/dukex/flowtrack/pkg/providers/calendly"
	"github.com/dukex/flowtrack/pkg/webhook"
	"github.com/dukex/flowtrack/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// Dependencies are the services the handlers call into.
type Dependencies struct {
	Persistence   persistence.Persistence
	Calendly      *calendly.WebhookProcessor
	Webhooks      *webhook.Service
	Reprocessor   *webhook.Reprocessor
	Polling       *polling.Scheduler
	Trigger       *workflow.Trigger
	Executor      *workflow.Executor
	WorkflowQueue *workflow.Queue
	AppURL        string
}

type APIHandlers struct {
	deps      Dependencies
	validator *validator.Validate
	logger    *slog.Logger
}

func NewAPIHandlers(deps Dependencies, validator *validator.Validate, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		deps:      deps,
		validator: validator,
		logger:    logger.With("module", "web"),
	}
}

// Register mounts every route on the router.
func (h *APIHandlers) Register(r fiber.Router) {
	r.Post("/webhooks/calendly/:credentialId", h.CalendlyWebhook)
	r.Post("/forms/:workflowId/submissions", h.SubmitForm)
	r.Post("/executions/:id/retry", h.RetryExecution)

	b := r.Group("/booking/health")
	b.Get("/", h.BookingHealth)
	b.Get("/dlq", h.ListDeadLetters)
	b.Post("/dlq/:id/retry", h.RetryDeadLetter)
	b.Post("/dlq/:id/resolve", h.ResolveDeadLetter)
	b.Post("/dlq/:id/abandon", h.AbandonDeadLetter)
	b.Post("/polling/trigger", h.TriggerPolling)
	b.Get("/polling-queue/stats", h.PollingQueueStats)
	b.Post("/cleanup/idempotency", h.CleanupIdempotency)
}

func (h *APIHandlers) CalendlyWebhook(c fiber.Ctx) error {
	credentialID := c.Params("credentialId")
	if credentialID == "" {
		return badRequest(c, "Credential ID is required")
	}

	body := append([]byte(nil), c.Body()...)

	outcome, err := h.deps.Calendly.Process(c.Context(), credentialID, c.Get(calendly.SignatureHeader), body)
	if err != nil {
		h.logger.WarnContext(c.Context(), "Calendly webhook rejected", "credential_id", credentialID, "error", err)

		return handleServiceError(c, err)
	}

	return c.JSON(WebhookResponse{Received: true, Outcome: outcome})
}

func (h *APIHandlers) SubmitForm(c fiber.Ctx) error {
	workflowID := c.Params("workflowId")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req FormSubmissionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	executionID, err := h.deps.Trigger.TriggerFormWorkflow(c.Context(), req.LeadID, workflowID, req.Data)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(FormSubmissionResponse{ExecutionID: executionID})
}

func (h *APIHandlers) RetryExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	err := h.deps.Executor.Retry(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(RetryExecutionResponse{ExecutionID: id, Status: "queued"})
}

// listLimit reads ?limit, clamped to [1, maxListLimit].
func listLimit(c fiber.Ctx) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}

	return min(max(limit, 1), maxListLimit), nil
}
