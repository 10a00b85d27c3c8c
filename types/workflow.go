package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a map column stored as JSON. It implements driver.Valuer and
// sql.Scanner so GORM can persist it across sqlite/mysql/postgres.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// NodeType identifies what a workflow node does when dispatched.
type NodeType string

const (
	// NodeStart marks a workflow entry point; it passes the initial input through.
	NodeStart NodeType = "start"
	// NodeAgent runs the referenced agent blueprint against the current message.
	NodeAgent NodeType = "agent"
	// NodeCondition is a conditional-branch placeholder; predicates are not
	// evaluated and the node passes the previous output through.
	NodeCondition NodeType = "condition"
	// NodeEnd aggregates the final result and full shared context.
	NodeEnd NodeType = "end"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeAgent, NodeCondition, NodeEnd:
		return true
	default:
		return false
	}
}

// ExecutionStatus represents the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	// StatusPending indicates the execution row exists but the run has not started.
	StatusPending ExecutionStatus = "pending"
	// StatusRunning indicates the background run is in progress.
	StatusRunning ExecutionStatus = "running"
	// StatusCompleted indicates all nodes finished successfully.
	StatusCompleted ExecutionStatus = "completed"
	// StatusFailed indicates validation or a node error halted the run.
	StatusFailed ExecutionStatus = "failed"
	// StatusCancelled indicates a caller cancelled the run between nodes.
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Workflow is a DAG of agent executions, built incrementally by an external
// editor and executed by the orchestrator.
type Workflow struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:255;not null;index" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`
	IsActive    bool   `gorm:"default:true;not null" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Nodes []Node `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"nodes,omitempty"`
	Edges []Edge `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"edges,omitempty"`
}

// Node is a unit of work in a workflow DAG.
//
// AgentID is required iff Type is NodeAgent. Position is an advisory ordering
// hint for UIs; the scheduler ignores it.
type Node struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	WorkflowID uint     `gorm:"not null;index" json:"workflow_id"`
	Type       NodeType `gorm:"size:20;not null" json:"type"`
	AgentID    *uint    `json:"agent_id,omitempty"`
	Name       string   `gorm:"size:255;not null" json:"name"`
	Config     JSONMap  `gorm:"type:text" json:"config,omitempty"`
	Position   int      `gorm:"default:0;not null" json:"position"`
}

// Edge is a directed dependency between two nodes of the same workflow.
// Condition is an optional predicate expression carried in the data model but
// not evaluated by this engine.
type Edge struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	WorkflowID   uint   `gorm:"not null;index" json:"workflow_id"`
	SourceNodeID uint   `gorm:"not null" json:"source_node_id"`
	TargetNodeID uint   `gorm:"not null" json:"target_node_id"`
	Condition    string `gorm:"type:text" json:"condition,omitempty"`
	Label        string `gorm:"size:255" json:"label,omitempty"`
}

// Execution is one timestamped run instance of a workflow.
//
// Status transitions are monotone: pending -> running -> {completed, failed,
// cancelled}. CompletedAt is set exactly once, at the terminal transition.
type Execution struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	WorkflowID   uint            `gorm:"not null;index" json:"workflow_id"`
	Status       ExecutionStatus `gorm:"size:20;default:pending;not null;index" json:"status"`
	InitialInput JSONMap         `gorm:"type:text" json:"initial_input,omitempty"`
	FinalOutput  JSONMap         `gorm:"type:text" json:"final_output,omitempty"`
	ErrorMessage string          `gorm:"type:text" json:"error_message,omitempty"`

	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionLog is one append-only entry recording a node execution (or a
// delegation call) within a run. AgentID may differ from the node's static
// agent when the entry was produced through delegation.
type ExecutionLog struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	ExecutionID  uint    `gorm:"not null;index" json:"execution_id"`
	NodeID       *uint   `json:"node_id,omitempty"`
	AgentID      *uint   `json:"agent_id,omitempty"`
	InputData    JSONMap `gorm:"type:text" json:"input_data,omitempty"`
	OutputData   JSONMap `gorm:"type:text" json:"output_data,omitempty"`
	ErrorMessage string  `gorm:"type:text" json:"error_message,omitempty"`
	IsDelegation bool    `gorm:"default:false;not null" json:"is_delegation"`

	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}
