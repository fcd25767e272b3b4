package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
)

const executionColumns = `
	id
  , workflow_id
  , workspace_id
  , lead_id
  , status
  , trigger_type
  , trigger_data
  , started_at
  , completed_at
  , error_message
  , error_details
  , output_data
  , created_at
  , updated_at
`

const stepColumns = `
	id
  , execution_id
  , step_number
  , workflow_node_id
  , status
  , started_at
  , completed_at
  , duration_ms
  , error_message
  , error_details
  , output_data
  , created_at
`

// ExecutionRepository handles workflow execution and step database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM workflow_executions WHERE id = $1", id)

	execution, err := r.scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("ExecutionByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// SaveExecution saves an execution to the database.
func (r *ExecutionRepository) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	now := time.Now().UTC()

	if execution.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		execution.ID = id
	}

	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now

	triggerJSON, err := marshalJSON(execution.TriggerData)
	if err != nil {
		return err
	}

	detailsJSON, err := marshalJSON(execution.ErrorDetails)
	if err != nil {
		return err
	}

	outputJSON, err := marshalJSON(execution.OutputData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			trigger_data = EXCLUDED.trigger_data,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message,
			error_details = EXCLUDED.error_details,
			output_data = EXCLUDED.output_data,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.WorkspaceID,
		execution.LeadID,
		execution.Status,
		execution.TriggerType,
		triggerJSON,
		nullTime(execution.StartedAt),
		nullTime(execution.CompletedAt),
		nullString(execution.ErrorMessage),
		detailsJSON,
		outputJSON,
		execution.CreatedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

// Steps returns the steps of an execution ordered by step number.
func (r *ExecutionRepository) Steps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	query := "SELECT " + stepColumns + " FROM execution_steps WHERE execution_id = $1 ORDER BY step_number"

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution steps: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.ExecutionStep, 0)

	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution step: %w", err)
		}

		steps = append(steps, step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating execution steps: %w", err)
	}

	return steps, nil
}

func (r *ExecutionRepository) CountSteps(ctx context.Context, executionID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_steps WHERE execution_id = $1", executionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count execution steps: %w", err)
	}

	return count, nil
}

// SaveStep upserts a step. The (execution_id, step_number) uniqueness keeps
// concurrent runners from writing the same step twice.
func (r *ExecutionRepository) SaveStep(ctx context.Context, step *models.ExecutionStep) error {
	if step.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		step.ID = id
	}

	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	detailsJSON, err := marshalJSON(step.ErrorDetails)
	if err != nil {
		return err
	}

	outputJSON, err := marshalJSON(step.OutputData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO execution_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			error_message = EXCLUDED.error_message,
			error_details = EXCLUDED.error_details,
			output_data = EXCLUDED.output_data
	`

	_, err = r.db.ExecContext(ctx, query,
		step.ID,
		step.ExecutionID,
		step.StepNumber,
		step.WorkflowNodeID,
		step.Status,
		nullTime(step.StartedAt),
		nullTime(step.CompletedAt),
		step.DurationMs,
		nullString(step.ErrorMessage),
		detailsJSON,
		outputJSON,
		step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution step: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) DeleteSteps(ctx context.Context, executionID string) (int, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM execution_steps WHERE execution_id = $1", executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution steps: %w", err)
	}

	return affected(result)
}

func (r *ExecutionRepository) scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution                            models.WorkflowExecution
		startedAt, completedAt               sql.NullTime
		errorMessage                         sql.NullString
		triggerJSON, detailsJSON, outputJSON []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.WorkspaceID,
		&execution.LeadID,
		&execution.Status,
		&execution.TriggerType,
		&triggerJSON,
		&startedAt,
		&completedAt,
		&errorMessage,
		&detailsJSON,
		&outputJSON,
		&execution.CreatedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.StartedAt = timePtr(startedAt)
	execution.CompletedAt = timePtr(completedAt)
	execution.ErrorMessage = errorMessage.String

	if execution.TriggerData, err = unmarshalMap(triggerJSON); err != nil {
		return nil, err
	}

	if execution.ErrorDetails, err = unmarshalMap(detailsJSON); err != nil {
		return nil, err
	}

	if execution.OutputData, err = unmarshalMap(outputJSON); err != nil {
		return nil, err
	}

	return &execution, nil
}

func (r *ExecutionRepository) scanStep(row scanner) (*models.ExecutionStep, error) {
	var (
		step                    models.ExecutionStep
		startedAt, completedAt  sql.NullTime
		errorMessage            sql.NullString
		detailsJSON, outputJSON []byte
	)

	err := row.Scan(
		&step.ID,
		&step.ExecutionID,
		&step.StepNumber,
		&step.WorkflowNodeID,
		&step.Status,
		&startedAt,
		&completedAt,
		&step.DurationMs,
		&errorMessage,
		&detailsJSON,
		&outputJSON,
		&step.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.StartedAt = timePtr(startedAt)
	step.CompletedAt = timePtr(completedAt)
	step.ErrorMessage = errorMessage.String

	if step.ErrorDetails, err = unmarshalMap(detailsJSON); err != nil {
		return nil, err
	}

	if step.OutputData, err = unmarshalMap(outputJSON); err != nil {
		return nil, err
	}

	return &step, nil
}
