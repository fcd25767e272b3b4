// Package conditions evaluates the predicates of condition nodes against a
// lead. Evaluation is deterministic and never writes.
package conditions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrack/pkg/models"
)

const (
	ConfigConditionType   = "conditionType"
	ConfigBudgetThreshold = "budgetThreshold"

	BudgetField            = "budget"
	DefaultBudgetThreshold = 2000
)

// Condition is one predicate kind.
type Condition interface {
	Evaluate(ctx context.Context, node *models.WorkflowNode, lead *models.Lead) (bool, error)
}

type ConditionFunc func(ctx context.Context, node *models.WorkflowNode, lead *models.Lead) (bool, error)

func (f ConditionFunc) Evaluate(ctx context.Context, node *models.WorkflowNode, lead *models.Lead) (bool, error) {
	return f(ctx, node, lead)
}

// BookingCounter is the read the booking_completed predicate needs.
type BookingCounter interface {
	CountBookingsForLead(ctx context.Context, leadID string) (int, error)
}

type Evaluator struct {
	conditions map[models.ConditionKind]Condition
	logger     *slog.Logger
}

// NewEvaluator returns an evaluator with the built-in predicates registered.
func NewEvaluator(bookings BookingCounter, logger *slog.Logger) *Evaluator {
	e := &Evaluator{
		conditions: make(map[models.ConditionKind]Condition),
		logger:     logger.With("module", "condition_evaluator"),
	}

	e.Register(models.ConditionBudgetQualification, ConditionFunc(e.budgetQualification))
	e.Register(models.ConditionReplyReceived, ConditionFunc(e.replyReceived))
	e.Register(models.ConditionBookingCompleted, bookingCompleted(bookings, e.logger))

	return e
}

func (e *Evaluator) Register(kind models.ConditionKind, condition Condition) {
	e.conditions[kind] = condition
}

// Evaluate runs the node's predicate. Unknown condition types pass.
func (e *Evaluator) Evaluate(ctx context.Context, node *models.WorkflowNode, lead *models.Lead) (bool, error) {
	raw := node.ConfigString(ConfigConditionType)
	kind := models.ParseConditionKind(raw)

	e.logger.DebugContext(ctx, "Evaluating condition", "condition_type", raw, "lead_id", lead.ID, "node_id", node.ID)

	condition, ok := e.conditions[kind]
	if !ok {
		e.logger.WarnContext(ctx, "Unknown condition type", "condition_type", raw, "node_id", node.ID)

		return true, nil
	}

	return condition.Evaluate(ctx, node, lead)
}

func (e *Evaluator) budgetQualification(ctx context.Context, node *models.WorkflowNode, lead *models.Lead) (bool, error) {
	threshold, ok := node.ConfigNumber(ConfigBudgetThreshold)
	if !ok {
		threshold = DefaultBudgetThreshold
	}

	value, ok := lead.Field(BudgetField)
	if !ok {
		e.logger.DebugContext(ctx, "No budget field found, passing by default", "lead_id", lead.ID)

		return true, nil
	}

	budget, ok := parseLeadingInt(value)
	if !ok {
		e.logger.InfoContext(ctx, "Budget is not a number", "lead_id", lead.ID, "budget", value)

		return false, nil
	}

	qualified := float64(budget) >= threshold
	e.logger.DebugContext(ctx, "Budget qualification", "budget", budget, "threshold", threshold, "qualified", qualified)

	return qualified, nil
}

// An opened email stands in for a reply.
func (e *Evaluator) replyReceived(ctx context.Context, _ *models.WorkflowNode, lead *models.Lead) (bool, error) {
	replied := lead.LastEmailOpenedAt != nil
	e.logger.DebugContext(ctx, "Reply check", "lead_id", lead.ID, "replied", replied)

	return replied, nil
}

func bookingCompleted(bookings BookingCounter, logger *slog.Logger) ConditionFunc {
	return func(ctx context.Context, _ *models.WorkflowNode, lead *models.Lead) (bool, error) {
		count, err := bookings.CountBookingsForLead(ctx, lead.ID)
		if err != nil {
			return false, fmt.Errorf("failed to count bookings for lead %s: %w", lead.ID, err)
		}

		logger.DebugContext(ctx, "Booking check", "lead_id", lead.ID, "count", count)

		return count > 0, nil
	}
}

// parseLeadingInt reads an optionally signed integer prefix after leading
// whitespace, ignoring whatever follows it. "5,000" reads as 5.
func parseLeadingInt(s string) (int64, bool) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}

	negative := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		negative = s[i] == '-'
		i++
	}

	start := i

	var n int64
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + int64(s[i]-'0')
		i++
	}

	if i == start {
		return 0, false
	}

	if negative {
		n = -n
	}

	return n, true
}
