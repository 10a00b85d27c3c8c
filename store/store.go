// Package store provides the graph-store collaborator consumed by the
// orchestrator: persistence for workflow definitions (nodes and edges),
// agent blueprints, execution records, and append-only execution logs.
//
// Supported backends:
// - Memory: for development and testing (default)
// - GORM: for production deployments (sqlite/mysql/postgres)
//
// A Redis-backed log mirror (RedisLogStore) can additionally fan out
// execution logs for cheap polling without hitting the primary database.
package store

import (
	"context"
	"errors"

	"github.com/agentmesh/agentmesh/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// GraphStore persists workflow graphs and execution state.
//
// Every call is individually transactional: the orchestrator commits status
// and log writes at node boundaries so external observers see monotonically
// increasing progress.
type GraphStore interface {
	// LoadWorkflow returns the active workflow with its nodes and edges.
	// Returns ErrNotFound for missing or inactive workflows.
	LoadWorkflow(ctx context.Context, workflowID uint) (*types.Workflow, error)

	// GetAgent returns an active agent blueprint by id.
	// Returns ErrNotFound for missing or inactive agents.
	GetAgent(ctx context.Context, agentID uint) (*types.AgentBlueprint, error)

	// ListActiveAgents returns an id -> name mapping of all active agents.
	ListActiveAgents(ctx context.Context) (map[uint]string, error)

	// CreateExecution persists a new execution row and fills in its ID.
	CreateExecution(ctx context.Context, exec *types.Execution) error

	// GetExecution returns an execution row by id.
	GetExecution(ctx context.Context, executionID uint) (*types.Execution, error)

	// UpdateExecutionStatus transitions an execution's status. Terminal
	// transitions set CompletedAt; finalOutput and errorMessage are written
	// only when non-zero.
	UpdateExecutionStatus(ctx context.Context, executionID uint, status types.ExecutionStatus, finalOutput types.JSONMap, errorMessage string) error

	// AppendExecutionLog persists one append-only log entry.
	AppendExecutionLog(ctx context.Context, entry *types.ExecutionLog) error

	// ListExecutionLogs returns an execution's log entries ordered by timestamp.
	ListExecutionLogs(ctx context.Context, executionID uint) ([]*types.ExecutionLog, error)

	// Close releases backend resources.
	Close() error
}
