package web

import (
	"errors"

	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/dukex/flowtrack/pkg/providers/calendly"
	"github.com/dukex/flowtrack/pkg/webhook"
	"github.com/dukex/flowtrack/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, "not_found", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps domain errors to problems.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, calendly.ErrInvalidSignature):
		return problem(c, fiber.StatusBadRequest, "invalid_signature", "invalid webhook signature")
	case errors.Is(err, calendly.ErrInvalidPayload):
		return problem(c, fiber.StatusBadRequest, "invalid_payload", err.Error())
	case errors.Is(err, webhook.ErrProcessingFailed):
		return internalError(c, err)
	case errors.Is(err, workflow.ErrWrongWorkflow):
		return problem(c, fiber.StatusBadRequest, "wrong_workflow", err.Error())
	case errors.Is(err, workflow.ErrNotRetryable):
		return problem(c, fiber.StatusConflict, "not_retryable", err.Error())
	case errors.Is(err, webhook.ErrDeadLetterResolved):
		return problem(c, fiber.StatusConflict, "dead_letter_resolved", err.Error())
	case persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")
	case errors.Is(err, persistence.ErrWorkflowNotFound):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")
	case errors.Is(err, persistence.ErrLeadNotFound):
		return problem(c, fiber.StatusNotFound, "lead_not_found", "lead not found")
	case errors.Is(err, persistence.ErrDeadLetterNotFound):
		return problem(c, fiber.StatusNotFound, "dead_letter_not_found", "dead letter item not found")
	case persistence.IsNotFound(err):
		return notFound(c, err.Error())
	default:
		return internalError(c, err)
	}
}
