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

// WorkflowRepository handles workflow, node and edge database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

func (r *WorkflowRepository) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT
			id
		  , workspace_id
		  , name
		  , status
		  , configuration
		  , created_at
		  , updated_at
		FROM workflows
		WHERE id = $1
	`

	return r.loadOne(ctx, "WorkflowByID", id, query, id)
}

func (r *WorkflowRepository) LatestWorkflow(ctx context.Context, workspaceID string) (*models.Workflow, error) {
	query := `
		SELECT
			id
		  , workspace_id
		  , name
		  , status
		  , configuration
		  , created_at
		  , updated_at
		FROM workflows
		WHERE workspace_id = $1 AND status IN ('active', 'draft')
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.loadOne(ctx, "LatestWorkflow", workspaceID, query, workspaceID)
}

func (r *WorkflowRepository) loadOne(ctx context.Context, op, id, query string, args ...any) (*models.Workflow, error) {
	workflow, err := r.scanWorkflowBase(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError(op, "workflow", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	err = r.loadNodesAndEdges(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow nodes and edges: %w", err)
	}

	return workflow, nil
}

// SaveWorkflow upserts the workflow and replaces its nodes and edges in one
// transaction.
func (r *WorkflowRepository) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		workflow.ID = id
	}

	configJSON, err := marshalJSON(workflow.Configuration)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				r.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rollbackErr)
			}
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, workspace_id, name, status, configuration, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			configuration = EXCLUDED.configuration,
			updated_at = EXCLUDED.updated_at
	`, workflow.ID, workflow.WorkspaceID, workflow.Name, workflow.Status, configJSON, workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	err = r.saveNodes(ctx, tx, workflow)
	if err != nil {
		return err
	}

	err = r.saveEdges(ctx, tx, workflow)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *WorkflowRepository) saveNodes(ctx context.Context, tx *sql.Tx, workflow *models.Workflow) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM workflow_nodes WHERE workflow_id = $1", workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow nodes: %w", err)
	}

	for _, node := range workflow.Nodes {
		if node.ID == "" {
			node.ID, err = newID()
			if err != nil {
				return err
			}
		}

		node.WorkflowID = workflow.ID

		configJSON, err := marshalJSON(node.Config)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_nodes (id, workflow_id, flow_node_id, node_type, category, name, execution_order, config, non_blocking)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, node.ID, node.WorkflowID, node.FlowNodeID, node.NodeType, node.Category, node.Name, node.ExecutionOrder, configJSON, node.NonBlocking)
		if err != nil {
			return fmt.Errorf("failed to insert workflow node %s: %w", node.FlowNodeID, err)
		}
	}

	return nil
}

func (r *WorkflowRepository) saveEdges(ctx context.Context, tx *sql.Tx, workflow *models.Workflow) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM workflow_edges WHERE workflow_id = $1", workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow edges: %w", err)
	}

	for _, edge := range workflow.Edges {
		if edge.ID == "" {
			edge.ID, err = newID()
			if err != nil {
				return err
			}
		}

		edge.WorkflowID = workflow.ID

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_edges (id, workflow_id, source_node_id, target_node_id, source_handle, enabled)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, edge.ID, edge.WorkflowID, edge.SourceNodeID, edge.TargetNodeID, nullString(edge.SourceHandle), edge.Enabled)
		if err != nil {
			return fmt.Errorf("failed to insert workflow edge %s: %w", edge.ID, err)
		}
	}

	return nil
}

func (r *WorkflowRepository) loadNodesAndEdges(ctx context.Context, workflow *models.Workflow) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workflow_id, flow_node_id, node_type, category, name, execution_order, config, non_blocking
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY execution_order, id
	`, workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to query workflow nodes: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflow.Nodes = make([]*models.WorkflowNode, 0)

	for rows.Next() {
		var (
			node       models.WorkflowNode
			configJSON []byte
		)

		err := rows.Scan(&node.ID, &node.WorkflowID, &node.FlowNodeID, &node.NodeType, &node.Category,
			&node.Name, &node.ExecutionOrder, &configJSON, &node.NonBlocking)
		if err != nil {
			return fmt.Errorf("failed to scan workflow node: %w", err)
		}

		node.Config, err = unmarshalMap(configJSON)
		if err != nil {
			return err
		}

		workflow.Nodes = append(workflow.Nodes, &node)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("error iterating workflow nodes: %w", err)
	}

	edgeRows, err := r.db.QueryContext(ctx, `
		SELECT id, workflow_id, source_node_id, target_node_id, source_handle, enabled
		FROM workflow_edges
		WHERE workflow_id = $1
		ORDER BY id
	`, workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to query workflow edges: %w", err)
	}

	defer closeRows(ctx, r.logger, edgeRows)

	workflow.Edges = make([]*models.WorkflowEdge, 0)

	for edgeRows.Next() {
		var (
			edge   models.WorkflowEdge
			handle sql.NullString
		)

		err := edgeRows.Scan(&edge.ID, &edge.WorkflowID, &edge.SourceNodeID, &edge.TargetNodeID, &handle, &edge.Enabled)
		if err != nil {
			return fmt.Errorf("failed to scan workflow edge: %w", err)
		}

		edge.SourceHandle = handle.String
		workflow.Edges = append(workflow.Edges, &edge)
	}

	err = edgeRows.Err()
	if err != nil {
		return fmt.Errorf("error iterating workflow edges: %w", err)
	}

	return nil
}

func (r *WorkflowRepository) scanWorkflowBase(row scanner) (*models.Workflow, error) {
	var (
		workflow   models.Workflow
		configJSON []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.WorkspaceID,
		&workflow.Name,
		&workflow.Status,
		&configJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.Configuration, err = unmarshalMap(configJSON)
	if err != nil {
		return nil, err
	}

	return &workflow, nil
}
