package web

import (
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/gofiber/fiber/v3"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// BookingHealth reports dead letters, polling and workflow queue state. The
// optional workspaceId and credentialId query parameters narrow the report.
func (h *APIHandlers) BookingHealth(c fiber.Ctx) error {
	ctx := c.Context()

	pending, err := h.deps.Webhooks.PendingDeadLetters(ctx, maxListLimit)
	if err != nil {
		return internalError(c, err)
	}

	queueStats, err := h.deps.Polling.QueueStats(ctx)
	if err != nil {
		return internalError(c, err)
	}

	credentials, err := h.deps.Polling.Stats(ctx, c.Query("workspaceId"), 5)
	if err != nil {
		return internalError(c, err)
	}

	running, err := h.deps.Polling.RunningRuns(ctx, maxListLimit)
	if err != nil {
		return internalError(c, err)
	}

	metrics, err := h.deps.WorkflowQueue.Metrics(ctx)
	if err != nil {
		return internalError(c, err)
	}

	resp := BookingHealthResponse{
		Status:             statusHealthy,
		PendingDeadLetters: len(pending),
		PollingQueue:       queueStats,
		PolledCredentials:  credentials,
		RunningPolls:       running,
		WorkflowQueue:      metrics,
	}

	if h.deps.AppURL != "" {
		resp.WebhookURLTemplate = h.deps.AppURL + "/webhooks/calendly/{credentialId}"
	}

	if credentialID := c.Query("credentialId"); credentialID != "" {
		credential, err := h.deps.Persistence.Credentials().CredentialByID(ctx, credentialID)
		if err != nil {
			return handleServiceError(c, err)
		}

		resp.CredentialWebhook = &CredentialWebhookHealth{
			CredentialID:   credential.ID,
			WebhookEnabled: credential.WebhookEnabled,
			FailedAttempts: credential.WebhookFailedAttempts,
			LastVerifiedAt: credential.WebhookLastVerifiedAt,
		}
	}

	if len(pending) > 0 || queueStats.Paused {
		resp.Status = statusDegraded
	}

	return c.JSON(resp)
}

func (h *APIHandlers) ListDeadLetters(c fiber.Ctx) error {
	limit, err := listLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	items, err := h.deps.Webhooks.PendingDeadLetters(c.Context(), limit)
	if err != nil {
		return internalError(c, err)
	}

	if items == nil {
		items = []*models.DeadLetterItem{}
	}

	return c.JSON(DeadLetterListResponse{Items: items, Count: len(items)})
}

func (h *APIHandlers) RetryDeadLetter(c fiber.Ctx) error {
	item, err := h.deps.Reprocessor.Retry(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(DeadLetterActionResponse{ID: item.ID, Status: item.Status})
}

func (h *APIHandlers) ResolveDeadLetter(c fiber.Ctx) error {
	id := c.Params("id")

	err := h.deps.Webhooks.ResolveDeadLetter(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(DeadLetterActionResponse{ID: id, Status: models.DeadLetterResolved})
}

func (h *APIHandlers) AbandonDeadLetter(c fiber.Ctx) error {
	id := c.Params("id")

	err := h.deps.Webhooks.AbandonDeadLetter(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(DeadLetterActionResponse{ID: id, Status: models.DeadLetterAbandoned})
}

func (h *APIHandlers) TriggerPolling(c fiber.Ctx) error {
	jobs, err := h.deps.Polling.TriggerManual(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}

	return c.Status(fiber.StatusAccepted).JSON(TriggerPollingResponse{Triggered: true, JobIDs: ids})
}

func (h *APIHandlers) PollingQueueStats(c fiber.Ctx) error {
	limit, err := listLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	stats, err := h.deps.Polling.QueueStats(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	recent, err := h.deps.Polling.RecentJobs(c.Context(), limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(PollingQueueStatsResponse{QueueStats: stats, RecentJobs: recent})
}

func (h *APIHandlers) CleanupIdempotency(c fiber.Ctx) error {
	deleted, err := h.deps.Webhooks.CleanupIdempotencyKeys(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(CleanupResponse{Deleted: deleted})
}
