package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/store"
	"github.com/agentmesh/agentmesh/types"
)

// LogMirror receives a copy of every execution log entry. Implemented by
// store.RedisLogStore; mirror failures are logged and never fail the run.
type LogMirror interface {
	Append(ctx context.Context, entry *types.ExecutionLog) error
}

// Engine drives workflow runs end-to-end: it creates the execution record,
// obtains the node order from the scheduler, dispatches each node by type,
// merges outputs into the run's shared context, and finalizes status.
//
// Each ExecuteWorkflow call launches one background goroutine; the caller
// receives the execution id immediately and polls for status.
type Engine struct {
	graphStore store.GraphStore
	runner     agent.Runner
	logger     *zap.Logger

	collector *metrics.Collector // optional
	logMirror LogMirror          // optional
	maxDepth  int

	group *errgroup.Group

	mu      sync.Mutex
	cancels map[uint]*atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithLogMirror attaches a secondary log sink (e.g. the Redis mirror).
func WithLogMirror(m LogMirror) Option {
	return func(e *Engine) { e.logMirror = m }
}

// WithMaxDelegationDepth overrides the delegation depth bound.
func WithMaxDelegationDepth(depth int) Option {
	return func(e *Engine) { e.maxDepth = depth }
}

// NewEngine creates an execution engine.
func NewEngine(graphStore store.GraphStore, runner agent.Runner, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		graphStore: graphStore,
		runner:     runner,
		logger:     logger.With(zap.String("component", "engine")),
		maxDepth:   DefaultMaxDelegationDepth,
		group:      &errgroup.Group{},
		cancels:    make(map[uint]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWorkflow starts one asynchronous run of a workflow and returns the
// new execution id. It fails synchronously only on workflow-not-found or a
// failed execution-record write; everything after that is reported through
// the execution's status and logs.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID uint, initialInput types.JSONMap) (uint, error) {
	workflow, err := e.graphStore.LoadWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, types.Errorf(types.ErrWorkflowGone, "workflow %d not found or inactive", workflowID)
	}
	if err != nil {
		return 0, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}

	exec := &types.Execution{
		WorkflowID:   workflowID,
		Status:       types.StatusPending,
		InitialInput: initialInput,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.graphStore.CreateExecution(ctx, exec); err != nil {
		return 0, fmt.Errorf("create execution: %w", err)
	}

	e.logger.Info("created execution",
		zap.Uint("execution_id", exec.ID),
		zap.Uint("workflow_id", workflowID),
	)

	cancelled := &atomic.Bool{}
	e.mu.Lock()
	e.cancels[exec.ID] = cancelled
	e.mu.Unlock()

	// The run is detached from the caller's context: the caller only waits
	// for the execution id, never for completion.
	e.group.Go(func() error {
		defer func() {
			e.mu.Lock()
			delete(e.cancels, exec.ID)
			e.mu.Unlock()
		}()
		e.runWorkflow(context.Background(), exec.ID, workflow, initialInput, cancelled)
		return nil
	})

	return exec.ID, nil
}

// Cancel requests cancellation of a running execution. The flag is observed
// between node dispatches; the node currently executing is not interrupted.
func (e *Engine) Cancel(executionID uint) error {
	e.mu.Lock()
	flag, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %d is not running", executionID)
	}
	flag.Store(true)
	return nil
}

// GetExecutionStatus returns the current execution record.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID uint) (*types.Execution, error) {
	return e.graphStore.GetExecution(ctx, executionID)
}

// GetExecutionLogs returns the execution's log entries ordered by timestamp.
func (e *Engine) GetExecutionLogs(ctx context.Context, executionID uint) ([]*types.ExecutionLog, error) {
	return e.graphStore.ListExecutionLogs(ctx, executionID)
}

// Shutdown waits for all in-flight executions to reach a terminal status.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorkflow drives one run in the background. It always persists a
// terminal status, including on panic.
func (e *Engine) runWorkflow(ctx context.Context, executionID uint, workflow *types.Workflow, initialInput types.JSONMap, cancelled *atomic.Bool) {
	started := time.Now()
	terminal := false

	finish := func(status types.ExecutionStatus, finalOutput types.JSONMap, errMsg string) {
		if terminal {
			return
		}
		terminal = true
		if err := e.graphStore.UpdateExecutionStatus(ctx, executionID, status, finalOutput, errMsg); err != nil {
			e.logger.Error("failed to persist terminal status",
				zap.Uint("execution_id", executionID),
				zap.Error(err),
			)
		}
		if e.collector != nil {
			e.collector.RecordExecution(string(status), time.Since(started))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow run panicked",
				zap.Uint("execution_id", executionID),
				zap.Any("panic", r),
			)
			finish(types.StatusFailed, nil, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := e.graphStore.UpdateExecutionStatus(ctx, executionID, types.StatusRunning, nil, ""); err != nil {
		e.logger.Error("failed to mark execution running",
			zap.Uint("execution_id", executionID),
			zap.Error(err),
		)
		return
	}

	// Validate the DAG before any node runs: a rejected graph fails the
	// execution with zero log entries.
	order, err := Schedule(workflow.Nodes, workflow.Edges)
	if err != nil {
		e.logger.Warn("workflow validation failed",
			zap.Uint("execution_id", executionID),
			zap.Error(err),
		)
		finish(types.StatusFailed, nil, err.Error())
		return
	}

	available, err := e.graphStore.ListActiveAgents(ctx)
	if err != nil {
		finish(types.StatusFailed, nil, fmt.Sprintf("list active agents: %v", err))
		return
	}

	shared := map[string]any{"initial_input": map[string]any(initialInput)}
	controller := NewDelegationController(e.graphStore, e.runner, e.logger, executionID, available, shared, e.maxDepth)
	if e.collector != nil {
		controller.onDelegation = e.collector.RecordDelegation
	}

	var endOutput map[string]any

	for _, node := range order {
		if cancelled.Load() {
			e.logger.Info("execution cancelled",
				zap.Uint("execution_id", executionID),
				zap.Uint("next_node_id", node.ID),
			)
			finish(types.StatusCancelled, nil, "execution cancelled")
			return
		}

		e.logger.Info("executing node",
			zap.Uint("execution_id", executionID),
			zap.Uint("node_id", node.ID),
			zap.String("node_name", node.Name),
			zap.String("node_type", string(node.Type)),
		)

		nodeStarted := time.Now()
		output, err := e.executeNode(ctx, executionID, node, shared, initialInput, controller)
		if e.collector != nil {
			result := "success"
			if err != nil {
				result = "error"
			}
			e.collector.RecordNode(string(node.Type), result, time.Since(nodeStarted))
		}
		if err != nil {
			// The failing node's log entry was written by executeNode;
			// prior logs are retained for observability.
			finish(types.StatusFailed, nil, err.Error())
			return
		}

		shared[fmt.Sprintf("node_%d_output", node.ID)] = output
		shared["last_output"] = output

		if node.Type == types.NodeEnd {
			endOutput = output
		}
	}

	finalOutput := types.JSONMap(endOutput)
	if finalOutput == nil {
		finalOutput = types.JSONMap(snapshotContext(shared))
	}
	finish(types.StatusCompleted, finalOutput, "")

	e.logger.Info("workflow execution completed",
		zap.Uint("execution_id", executionID),
		zap.Duration("duration", time.Since(started)),
	)
}

// executeNode dispatches one node by type and appends its execution log
// entry. On failure the entry records the error and the error is returned to
// halt the run.
func (e *Engine) executeNode(
	ctx context.Context,
	executionID uint,
	node types.Node,
	shared map[string]any,
	initialInput types.JSONMap,
	controller *DelegationController,
) (map[string]any, error) {
	entry := &types.ExecutionLog{
		ExecutionID: executionID,
		NodeID:      &node.ID,
		AgentID:     node.AgentID,
		InputData:   types.JSONMap(snapshotContext(shared)),
		Timestamp:   time.Now().UTC(),
	}

	output, err := e.dispatchNode(ctx, node, shared, initialInput, controller)
	if err != nil {
		entry.ErrorMessage = err.Error()
	} else {
		entry.OutputData = types.JSONMap(output)
	}

	if logErr := e.graphStore.AppendExecutionLog(ctx, entry); logErr != nil {
		e.logger.Error("failed to append execution log",
			zap.Uint("execution_id", executionID),
			zap.Uint("node_id", node.ID),
			zap.Error(logErr),
		)
	} else if e.logMirror != nil {
		if mirrorErr := e.logMirror.Append(ctx, entry); mirrorErr != nil {
			e.logger.Warn("failed to mirror execution log", zap.Error(mirrorErr))
		}
	}

	return output, err
}

// dispatchNode executes the per-type node logic.
func (e *Engine) dispatchNode(
	ctx context.Context,
	node types.Node,
	shared map[string]any,
	initialInput types.JSONMap,
	controller *DelegationController,
) (map[string]any, error) {
	switch node.Type {
	case types.NodeStart:
		// Pass the initial input through unchanged.
		return map[string]any(initialInput), nil

	case types.NodeEnd:
		return map[string]any{
			"final_result": shared["last_output"],
			"full_context": snapshotContext(shared),
		}, nil

	case types.NodeAgent:
		return e.executeAgentNode(ctx, node, shared, initialInput, controller)

	case types.NodeCondition:
		// Predicate evaluation is deliberately not implemented; the node
		// passes the previous output through.
		if last, ok := shared["last_output"].(map[string]any); ok {
			return last, nil
		}
		return map[string]any{}, nil

	default:
		return nil, types.Errorf(types.ErrUnknownNodeType, "unknown node type: %s", node.Type)
	}
}

// executeAgentNode resolves the node's agent blueprint, derives the message
// from the accumulated context, and invokes the runner with the delegation
// controller forwarded so the agent may itself delegate.
func (e *Engine) executeAgentNode(
	ctx context.Context,
	node types.Node,
	shared map[string]any,
	initialInput types.JSONMap,
	controller *DelegationController,
) (map[string]any, error) {
	if node.AgentID == nil {
		return nil, types.Errorf(types.ErrNodeNoAgent, "node %d is type agent but has no agent reference", node.ID)
	}

	blueprint, err := e.graphStore.GetAgent(ctx, *node.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %d not found", *node.AgentID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve agent %d: %w", *node.AgentID, err)
	}

	message := resolveAgentMessage(shared, initialInput)

	e.logger.Info("running agent",
		zap.String("agent_name", blueprint.Name),
		zap.String("message_preview", preview(message, 100)),
	)

	result, err := e.runner.Run(ctx, blueprint, message, agent.Deps{
		SharedContext: shared,
		Delegator:     controller,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"agent_id":           blueprint.ID,
		"agent_name":         blueprint.Name,
		"response":           result.Response,
		"reasoning":          result.Reasoning,
		"tool_calls":         result.ToolCalls,
		"delegation_history": controller.History(),
	}, nil
}

// resolveAgentMessage derives the message for an agent node: the previous
// output's response field when it is structured, else the stringified
// previous output; if that is empty, the initial input's message field, else
// the stringified initial input.
func resolveAgentMessage(shared map[string]any, initialInput types.JSONMap) string {
	message := ""
	if last, ok := shared["last_output"]; ok && last != nil {
		if m, ok := last.(map[string]any); ok {
			if resp, ok := m["response"].(string); ok {
				message = resp
			} else {
				message = stringifyJSON(m)
			}
		} else {
			message = fmt.Sprintf("%v", last)
		}
	}

	if message == "" || message == "{}" {
		if msg, ok := initialInput["message"].(string); ok && msg != "" {
			return msg
		}
		return stringifyJSON(map[string]any(initialInput))
	}
	return message
}

// snapshotContext returns a shallow copy of the shared context map.
func snapshotContext(shared map[string]any) map[string]any {
	snapshot := make(map[string]any, len(shared))
	for k, v := range shared {
		snapshot[k] = v
	}
	return snapshot
}

// stringifyJSON renders a value as compact JSON, falling back to fmt.
func stringifyJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// preview truncates s for log output.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
