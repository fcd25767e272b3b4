package conditions

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bookingCount struct {
	count int
	err   error
}

func (b bookingCount) CountBookingsForLead(context.Context, string) (int, error) {
	return b.count, b.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func conditionNode(kind string, config map[string]any) *models.WorkflowNode {
	if config == nil {
		config = map[string]any{}
	}

	config[ConfigConditionType] = kind

	return &models.WorkflowNode{ID: "node-1", NodeType: models.NodeTypeCondition, Config: config}
}

func TestEvaluator_BudgetQualification(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		fields map[string]string
		want   bool
	}{
		{"missing field passes", nil, nil, true},
		{"above default threshold", nil, map[string]string{"budget": "5000"}, true},
		{"exactly default threshold", nil, map[string]string{"budget": "2000"}, true},
		{"below default threshold", nil, map[string]string{"budget": "1500"}, false},
		{"custom threshold", map[string]any{"budgetThreshold": float64(10000)}, map[string]string{"budget": "5000"}, false},
		{"string threshold", map[string]any{"budgetThreshold": "1000"}, map[string]string{"budget": "1200"}, true},
		{"zero threshold falls back to default", map[string]any{"budgetThreshold": float64(0)}, map[string]string{"budget": "1500"}, false},
		{"leading integer prefix", nil, map[string]string{"budget": "5,000"}, false},
		{"trailing text", nil, map[string]string{"budget": "3000 USD"}, true},
		{"unparsable budget fails", nil, map[string]string{"budget": "$5000"}, false},
		{"empty budget fails", nil, map[string]string{"budget": ""}, false},
	}

	evaluator := NewEvaluator(bookingCount{}, testLogger())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := &models.Lead{ID: "lead-1", FieldData: tt.fields}

			got, err := evaluator.Evaluate(context.Background(), conditionNode("budget_qualification", tt.config), lead)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_ReplyReceived(t *testing.T) {
	evaluator := NewEvaluator(bookingCount{}, testLogger())
	node := conditionNode("reply_received", nil)
	opened := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	got, err := evaluator.Evaluate(context.Background(), node, &models.Lead{ID: "lead-1"})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = evaluator.Evaluate(context.Background(), node, &models.Lead{ID: "lead-1", LastEmailOpenedAt: &opened})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluator_BookingCompleted(t *testing.T) {
	node := conditionNode("booking_completed", nil)
	lead := &models.Lead{ID: "lead-1"}

	got, err := NewEvaluator(bookingCount{count: 0}, testLogger()).Evaluate(context.Background(), node, lead)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = NewEvaluator(bookingCount{count: 2}, testLogger()).Evaluate(context.Background(), node, lead)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = NewEvaluator(bookingCount{err: errors.New("db down")}, testLogger()).Evaluate(context.Background(), node, lead)
	assert.Error(t, err)
}

func TestEvaluator_UnknownConditionPasses(t *testing.T) {
	evaluator := NewEvaluator(bookingCount{}, testLogger())

	got, err := evaluator.Evaluate(context.Background(), conditionNode("lead_score", nil), &models.Lead{ID: "lead-1"})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = evaluator.Evaluate(context.Background(), &models.WorkflowNode{ID: "node-2"}, &models.Lead{ID: "lead-1"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluator_Register(t *testing.T) {
	evaluator := NewEvaluator(bookingCount{}, testLogger())
	evaluator.Register(models.ConditionReplyReceived, ConditionFunc(func(context.Context, *models.WorkflowNode, *models.Lead) (bool, error) {
		return true, nil
	}))

	got, err := evaluator.Evaluate(context.Background(), conditionNode("reply_received", nil), &models.Lead{ID: "lead-1"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParseLeadingInt(t *testing.T) {
	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"42", 42, true},
		{"  42abc", 42, true},
		{"-7", -7, true},
		{"+9", 9, true},
		{"abc", 0, false},
		{"-", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := parseLeadingInt(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
