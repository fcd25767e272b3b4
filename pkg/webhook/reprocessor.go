package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrack/pkg/models"
)

// Replayer re-applies a dead-lettered event for one provider. Replays go
// through the same idempotency key as live deliveries.
type Replayer interface {
	Replay(ctx context.Context, item *models.DeadLetterItem) error
}

// Reprocessor drives dead letter items back through their provider.
type Reprocessor struct {
	service   *Service
	replayers map[models.ProviderKind]Replayer
	logger    *slog.Logger
}

func NewReprocessor(service *Service, logger *slog.Logger) *Reprocessor {
	return &Reprocessor{
		service:   service,
		replayers: make(map[models.ProviderKind]Replayer),
		logger:    logger.With("module", "dead_letter_reprocessor"),
	}
}

func (r *Reprocessor) Register(provider models.ProviderKind, replayer Replayer) {
	r.replayers[provider] = replayer
}

type ReprocessResult struct {
	Attempted int `json:"attempted"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
}

// ReprocessPending replays up to limit pending items. Items that fail again
// stay PENDING with one more retry counted.
func (r *Reprocessor) ReprocessPending(ctx context.Context, limit int) (ReprocessResult, error) {
	var result ReprocessResult

	items, err := r.service.PendingDeadLetters(ctx, limit)
	if err != nil {
		return result, err
	}

	for _, item := range items {
		result.Attempted++

		resolved, err := r.replay(ctx, item)
		if err != nil {
			return result, err
		}

		if resolved {
			result.Resolved++
		} else {
			result.Failed++
		}
	}

	if result.Attempted > 0 {
		r.logger.InfoContext(ctx, "Reprocessed dead letter items", "attempted", result.Attempted, "resolved", result.Resolved, "failed", result.Failed)
	}

	return result, nil
}

// Retry replays a single item on operator request.
func (r *Reprocessor) Retry(ctx context.Context, id string) (*models.DeadLetterItem, error) {
	item, err := r.service.DeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	if item.Status == models.DeadLetterResolved {
		return item, fmt.Errorf("%w: %s", ErrDeadLetterResolved, id)
	}

	_, err = r.replay(ctx, item)
	if err != nil {
		return nil, err
	}

	return r.service.DeadLetter(ctx, id)
}

func (r *Reprocessor) replay(ctx context.Context, item *models.DeadLetterItem) (bool, error) {
	logger := r.logger.With("dead_letter_id", item.ID, "provider", item.Provider, "event_id", item.EventID)

	replayErr := fmt.Errorf("no replayer registered for provider %s", item.Provider)

	if replayer, ok := r.replayers[item.Provider]; ok {
		replayErr = replayer.Replay(ctx, item)
	}

	if replayErr == nil {
		logger.InfoContext(ctx, "Dead letter item resolved")

		return true, r.service.UpdateDeadLetter(ctx, item.ID, models.DeadLetterResolved, item.RetryCount)
	}

	logger.WarnContext(ctx, "Dead letter replay failed", "error", replayErr, "retry_count", item.RetryCount+1)

	return false, r.service.UpdateDeadLetter(ctx, item.ID, models.DeadLetterPending, item.RetryCount+1)
}
