// Package models defines the domain models of the outreach engine: workflows,
// executions, leads, provider credentials and the webhook reliability records.
package models

import (
	"sort"
	"strconv"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// Workflow is a graph of nodes a lead is advanced through.
type Workflow struct {
	ID            string          `json:"id"`
	WorkspaceID   string          `json:"workspace_id"  validate:"required"`
	Name          string          `json:"name"          validate:"required,min=3"`
	Status        WorkflowStatus  `json:"status"        validate:"required"`
	Configuration map[string]any  `json:"configuration"`
	Nodes         []*WorkflowNode `json:"nodes"`
	Edges         []*WorkflowEdge `json:"edges"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// WorkflowNode is a static, read-only node definition owned by a workflow.
type WorkflowNode struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	FlowNodeID     string         `json:"flow_node_id"    validate:"required"` // graph id referenced by edges
	NodeType       NodeType       `json:"node_type"       validate:"required"`
	Category       NodeCategory   `json:"category"`
	Name           string         `json:"name"`
	ExecutionOrder int            `json:"execution_order"`
	Config         map[string]any `json:"config"`
	NonBlocking    bool           `json:"non_blocking"`
}

// WorkflowEdge connects two nodes by their graph ids. Condition nodes label
// their outgoing edges with SourceHandle "true" or "false".
type WorkflowEdge struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	SourceNodeID string `json:"source_node_id" validate:"required"`
	TargetNodeID string `json:"target_node_id" validate:"required"`
	SourceHandle string `json:"source_handle,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// OrderedNodes returns the nodes sorted by execution order. Ties keep their
// stored order.
func (w *Workflow) OrderedNodes() []*WorkflowNode {
	nodes := make([]*WorkflowNode, len(w.Nodes))
	copy(nodes, w.Nodes)

	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].ExecutionOrder < nodes[j].ExecutionOrder
	})

	return nodes
}

// NodeByID looks a node up by its persisted id.
func (w *Workflow) NodeByID(id string) (*WorkflowNode, bool) {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node, true
		}
	}

	return nil, false
}

// EnabledEdges returns the edges that take part in branch traversal.
func (w *Workflow) EnabledEdges() []*WorkflowEdge {
	edges := make([]*WorkflowEdge, 0, len(w.Edges))

	for _, edge := range w.Edges {
		if edge.Enabled {
			edges = append(edges, edge)
		}
	}

	return edges
}

// ConfigString reads a string setting from the node config.
func (n *WorkflowNode) ConfigString(key string) string {
	return stringValue(n.Config, key)
}

// ConfigNumber reads a numeric setting from the node config. JSON numbers,
// Go numbers and numeric strings are accepted; zero values count as unset.
func (n *WorkflowNode) ConfigNumber(key string) (float64, bool) {
	return numberValue(n.Config, key)
}

// ConfigString reads a string setting from the workflow configuration.
func (w *Workflow) ConfigString(key string) string {
	return stringValue(w.Configuration, key)
}

// ConfigNumber reads a numeric setting from the workflow configuration.
func (w *Workflow) ConfigNumber(key string) (float64, bool) {
	return numberValue(w.Configuration, key)
}

func stringValue(values map[string]any, key string) string {
	if values == nil {
		return ""
	}

	s, _ := values[key].(string)

	return s
}

func numberValue(values map[string]any, key string) (float64, bool) {
	if values == nil {
		return 0, false
	}

	var n float64

	switch v := values[key].(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}

		n = parsed
	default:
		return 0, false
	}

	if n == 0 {
		return 0, false
	}

	return n, true
}
