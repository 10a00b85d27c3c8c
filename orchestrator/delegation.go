package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/store"
	"github.com/agentmesh/agentmesh/types"
)

// DefaultMaxDelegationDepth bounds agent-to-agent handoffs within one
// execution, preventing infinite delegation loops.
const DefaultMaxDelegationDepth = 5

// DelegationRecord is one entry of the delegation audit trail. The history
// length doubles as the current delegation depth.
type DelegationRecord struct {
	AgentID   uint      `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Depth     int       `json:"depth"`
}

// DelegationResult is the typed outcome of a successful delegation.
type DelegationResult struct {
	AgentID         uint      `json:"agent_id"`
	AgentName       string    `json:"agent_name"`
	Response        string    `json:"response"`
	Reasoning       string    `json:"reasoning,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	DelegationDepth int       `json:"delegation_depth"`
}

// DelegationController manages the depth-bounded, auditable chain of
// agent-to-agent handoffs within one execution. It is scoped to a single run
// and never stored globally, so concurrent executions cannot interfere.
//
// The available-agent roster is snapshotted once at execution start; agents
// created afterwards are invisible for the remainder of the run.
type DelegationController struct {
	graphStore  store.GraphStore
	runner      agent.Runner
	logger      *zap.Logger
	executionID uint
	available   map[uint]string
	shared      map[string]any
	maxDepth    int

	// onDelegation, when set, receives a result label per attempt
	// (success, depth_exceeded, target_not_found, runner_error).
	onDelegation func(result string)

	mu      sync.Mutex
	history []DelegationRecord
}

// NewDelegationController creates a controller for one execution.
// available is the id -> name snapshot of active agents; shared is the run's
// shared-context map, forwarded into every delegated invocation.
func NewDelegationController(
	graphStore store.GraphStore,
	runner agent.Runner,
	logger *zap.Logger,
	executionID uint,
	available map[uint]string,
	shared map[string]any,
	maxDepth int,
) *DelegationController {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDelegationDepth
	}
	return &DelegationController{
		graphStore:  graphStore,
		runner:      runner,
		logger:      logger.With(zap.String("component", "delegation"), zap.Uint("execution_id", executionID)),
		executionID: executionID,
		available:   available,
		shared:      shared,
		maxDepth:    maxDepth,
	}
}

// Depth returns the current delegation depth (the history length).
func (c *DelegationController) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// History returns a copy of the delegation audit trail.
func (c *DelegationController) History() []DelegationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DelegationRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Prompt implements agent.Delegator. It renders the available-agent roster
// and the current depth for injection into a running agent's system prompt.
func (c *DelegationController) Prompt() string {
	ids := make([]uint, 0, len(c.available))
	for id := range c.available {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString("You have access to a special delegation capability. Available agents:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "- Agent %d: %s\n", id, c.available[id])
	}
	fmt.Fprintf(&b, "\nUse the `%s` tool when a task requires specialized expertise or another agent is better suited for a subtask.\n", agent.DelegateToolName)
	fmt.Fprintf(&b, "Current delegation depth: %d/%d", c.Depth(), c.maxDepth)
	return b.String()
}

// Delegate implements agent.Delegator: the tool surface exposed to a running
// agent. Every failure mode is converted to an {"error": ...} map rather
// than raised, since the calling agent is expected to handle it
// conversationally; none of them aborts the workflow.
func (c *DelegationController) Delegate(ctx context.Context, targetAgentID uint, taskDescription string) map[string]any {
	result, err := c.delegateToAgent(ctx, targetAgentID, taskDescription)
	if err != nil {
		c.logger.Warn("delegation failed",
			zap.Uint("target_agent_id", targetAgentID),
			zap.Error(err),
		)
		c.record(resultLabel(err))
		var derr *types.Error
		if errors.As(err, &derr) {
			return map[string]any{"error": derr.Message}
		}
		return map[string]any{"error": fmt.Sprintf("Delegation failed: %v", err)}
	}
	c.record("success")

	return map[string]any{
		"delegated_to":     result.AgentName,
		"response":         result.Response,
		"reasoning":        result.Reasoning,
		"delegation_depth": result.DelegationDepth,
	}
}

// delegateToAgent performs one delegation: depth check, target resolution
// against the snapshot, transient agent construction from the stored
// blueprint, and invocation. On success it appends to the shared history in
// place so nested delegations see the updated depth.
func (c *DelegationController) delegateToAgent(ctx context.Context, targetAgentID uint, taskDescription string) (*DelegationResult, error) {
	c.mu.Lock()
	currentDepth := len(c.history)
	c.mu.Unlock()

	if currentDepth >= c.maxDepth {
		return nil, types.Errorf(types.ErrDelegationDepth,
			"Maximum delegation depth (%d) exceeded. Possible infinite delegation loop detected.", c.maxDepth)
	}

	if _, ok := c.available[targetAgentID]; !ok {
		return nil, types.Errorf(types.ErrDelegationTarget,
			"Invalid agent_id %d. Available agents: %s", targetAgentID, c.renderRoster())
	}

	blueprint, err := c.graphStore.GetAgent(ctx, targetAgentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.Errorf(types.ErrDelegationTarget,
			"Agent with ID %d not found or inactive", targetAgentID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve delegation target %d: %w", targetAgentID, err)
	}

	c.logger.Info("delegating",
		zap.Uint("target_agent_id", targetAgentID),
		zap.String("target_agent_name", blueprint.Name),
		zap.Int("depth", currentDepth+1),
	)

	runResult, err := c.runner.Run(ctx, blueprint, taskDescription, agent.Deps{
		SharedContext: c.shared,
		Delegator:     c,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := &DelegationResult{
		AgentID:         targetAgentID,
		AgentName:       blueprint.Name,
		Response:        runResult.Response,
		Reasoning:       runResult.Reasoning,
		Timestamp:       now,
		DelegationDepth: currentDepth + 1,
	}

	c.mu.Lock()
	c.history = append(c.history, DelegationRecord{
		AgentID:   targetAgentID,
		AgentName: blueprint.Name,
		Message:   taskDescription,
		Timestamp: now,
		Depth:     result.DelegationDepth,
	})
	c.mu.Unlock()

	// Record the delegation in the execution log. The log row carries the
	// responding agent's id, which may differ from the node's static agent.
	agentID := targetAgentID
	logEntry := &types.ExecutionLog{
		ExecutionID:  c.executionID,
		AgentID:      &agentID,
		InputData:    types.JSONMap{"task_description": taskDescription},
		OutputData:   types.JSONMap{"response": result.Response, "delegation_depth": result.DelegationDepth},
		IsDelegation: true,
		Timestamp:    now,
	}
	if err := c.graphStore.AppendExecutionLog(ctx, logEntry); err != nil {
		// Audit write failure must not fail a delegation that already ran.
		c.logger.Warn("failed to append delegation log", zap.Error(err))
	}

	c.logger.Info("delegation successful",
		zap.String("agent_name", blueprint.Name),
		zap.Int("response_chars", len(result.Response)),
	)

	return result, nil
}

// record reports one delegation attempt to the optional metrics hook.
func (c *DelegationController) record(result string) {
	if c.onDelegation != nil {
		c.onDelegation(result)
	}
}

// resultLabel maps a delegation error to its metrics label.
func resultLabel(err error) string {
	switch types.GetErrorCode(err) {
	case types.ErrDelegationDepth:
		return "depth_exceeded"
	case types.ErrDelegationTarget:
		return "target_not_found"
	default:
		return "runner_error"
	}
}

// renderRoster formats the available-agent snapshot for error messages.
func (c *DelegationController) renderRoster() string {
	ids := make([]uint, 0, len(c.available))
	for id := range c.available {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d: %s", id, c.available[id]))
	}
	return strings.Join(parts, ", ")
}
