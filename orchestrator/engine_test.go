package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/store"
	"github.com/agentmesh/agentmesh/testutil"
	"github.com/agentmesh/agentmesh/types"
)

func uintPtr(v uint) *uint { return &v }

// linearWorkflow builds the canonical start -> agent -> end chain with the
// agent node bound to agentID.
func linearWorkflow(agentID uint) *types.Workflow {
	return &types.Workflow{
		ID:       1,
		Name:     "linear",
		IsActive: true,
		Nodes: []types.Node{
			{ID: 1, WorkflowID: 1, Type: types.NodeStart, Name: "start"},
			{ID: 2, WorkflowID: 1, Type: types.NodeAgent, Name: "worker", AgentID: uintPtr(agentID)},
			{ID: 3, WorkflowID: 1, Type: types.NodeEnd, Name: "end"},
		},
		Edges: []types.Edge{
			{ID: 1, WorkflowID: 1, SourceNodeID: 1, TargetNodeID: 2},
			{ID: 2, WorkflowID: 1, SourceNodeID: 2, TargetNodeID: 3},
		},
	}
}

func newEngineFixture(t *testing.T) (*store.MemoryStore, *fakeRunner, *Engine) {
	t.Helper()
	memStore := store.NewMemoryStore()
	runner := &fakeRunner{}
	engine := NewEngine(memStore, runner, zap.NewNop())
	return memStore, runner, engine
}

func awaitShutdown(t *testing.T, engine *Engine) {
	t.Helper()
	require.NoError(t, engine.Shutdown(testutil.TestContextWithTimeout(t, 5*time.Second)))
}

func TestEngine_ExecuteWorkflow_HappyPath(t *testing.T) {
	memStore, runner, engine := newEngineFixture(t)
	memStore.PutWorkflow(linearWorkflow(10))
	memStore.PutAgent(&types.AgentBlueprint{ID: 10, Name: "Echo Agent", SystemPrompt: "Echo.", ModelID: "test-model", IsActive: true})

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)
	require.NotZero(t, execID)

	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, exec.Status)
	assert.Empty(t, exec.ErrorMessage)
	require.NotNil(t, exec.CompletedAt)

	// Final output is the end node's output.
	require.NotNil(t, exec.FinalOutput)
	finalResult, ok := exec.FinalOutput["final_result"].(map[string]any)
	require.True(t, ok, "final_result missing: %v", exec.FinalOutput)
	assert.Equal(t, "Echo Agent", finalResult["agent_name"])
	response, _ := finalResult["response"].(string)
	assert.Contains(t, response, "hi")
	assert.Contains(t, exec.FinalOutput, "full_context")

	// One log entry per node, in schedule order.
	logs, err := engine.GetExecutionLogs(ctx, execID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, wantNode := range []uint{1, 2, 3} {
		require.NotNil(t, logs[i].NodeID)
		assert.Equal(t, wantNode, *logs[i].NodeID)
		assert.Empty(t, logs[i].ErrorMessage)
	}

	// The agent saw the start node's pass-through output.
	require.Equal(t, 1, runner.callCount())
	assert.Contains(t, runner.calls[0], "hi")
}

func TestEngine_ExecuteWorkflow_WorkflowNotFound(t *testing.T) {
	_, _, engine := newEngineFixture(t)

	_, err := engine.ExecuteWorkflow(context.Background(), 42, types.JSONMap{"message": "hi"})
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkflowGone, types.GetErrorCode(err))
}

func TestEngine_ExecuteWorkflow_UnresolvableAgent(t *testing.T) {
	memStore, _, engine := newEngineFixture(t)
	memStore.PutWorkflow(linearWorkflow(99))

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)

	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "agent 99 not found")

	// The start node ran; the agent node's entry records the failure.
	logs, err := engine.GetExecutionLogs(ctx, execID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Empty(t, logs[0].ErrorMessage)
	assert.Contains(t, logs[1].ErrorMessage, "agent 99 not found")
}

func TestEngine_ExecuteWorkflow_AgentNodeWithoutAgent(t *testing.T) {
	memStore, _, engine := newEngineFixture(t)
	wf := linearWorkflow(10)
	wf.Nodes[1].AgentID = nil
	memStore.PutWorkflow(wf)

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)

	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "no agent reference")
}

func TestEngine_ExecuteWorkflow_InvalidGraphFailsWithoutLogs(t *testing.T) {
	memStore, _, engine := newEngineFixture(t)
	memStore.PutWorkflow(&types.Workflow{
		ID:       1,
		Name:     "cyclic",
		IsActive: true,
		Nodes: []types.Node{
			{ID: 1, WorkflowID: 1, Type: types.NodeStart, Name: "start"},
			{ID: 2, WorkflowID: 1, Type: types.NodeCondition, Name: "a"},
			{ID: 3, WorkflowID: 1, Type: types.NodeCondition, Name: "b"},
		},
		Edges: []types.Edge{
			{ID: 1, WorkflowID: 1, SourceNodeID: 1, TargetNodeID: 2},
			{ID: 2, WorkflowID: 1, SourceNodeID: 2, TargetNodeID: 3},
			{ID: 3, WorkflowID: 1, SourceNodeID: 3, TargetNodeID: 2},
		},
	})

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)

	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "cycle or unreachable node detected")

	logs, err := engine.GetExecutionLogs(ctx, execID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestEngine_ExecuteWorkflow_UnknownNodeType(t *testing.T) {
	memStore, _, engine := newEngineFixture(t)
	memStore.PutWorkflow(&types.Workflow{
		ID:       1,
		Name:     "weird",
		IsActive: true,
		Nodes: []types.Node{
			{ID: 1, WorkflowID: 1, Type: types.NodeStart, Name: "start"},
			{ID: 2, WorkflowID: 1, Type: types.NodeType("teleport"), Name: "mystery"},
		},
		Edges: []types.Edge{
			{ID: 1, WorkflowID: 1, SourceNodeID: 1, TargetNodeID: 2},
		},
	})

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)

	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "unknown node type")
}

func TestEngine_ExecuteWorkflow_ConditionPassThrough(t *testing.T) {
	memStore, _, engine := newEngineFixture(t)
	memStore.PutWorkflow(&types.Workflow{
		ID:       1,
		Name:     "gated",
		IsActive: true,
		Nodes: []types.Node{
			{ID: 1, WorkflowID: 1, Type: types.NodeStart, Name: "start"},
			{ID: 2, WorkflowID: 1, Type: types.NodeCondition, Name: "gate"},
			{ID: 3, WorkflowID: 1, Type: types.NodeEnd, Name: "end"},
		},
		Edges: []types.Edge{
			{ID: 1, WorkflowID: 1, SourceNodeID: 1, TargetNodeID: 2},
			{ID: 2, WorkflowID: 1, SourceNodeID: 2, TargetNodeID: 3},
		},
	})

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)

	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, exec.Status)

	// The condition node forwarded the start output unchanged.
	finalResult, ok := exec.FinalOutput["final_result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", finalResult["message"])
}

func TestEngine_Cancel(t *testing.T) {
	memStore, runner, engine := newEngineFixture(t)
	memStore.PutWorkflow(linearWorkflow(10))
	memStore.PutAgent(&types.AgentBlueprint{ID: 10, Name: "Slow Agent", SystemPrompt: "Wait.", ModelID: "test-model", IsActive: true})

	started := make(chan struct{})
	release := make(chan struct{})
	runner.handler = func(ctx context.Context, blueprint *types.AgentBlueprint, message string, deps agent.Deps) (*agent.RunResult, error) {
		close(started)
		<-release
		return &agent.RunResult{Response: "done"}, nil
	}

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent node never started")
	}

	require.NoError(t, engine.Cancel(execID))
	close(release)
	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, exec.Status)
	assert.Equal(t, "execution cancelled", exec.ErrorMessage)

	// The agent node finished; the end node never ran.
	logs, err := engine.GetExecutionLogs(ctx, execID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestEngine_Cancel_NotRunning(t *testing.T) {
	_, _, engine := newEngineFixture(t)
	assert.Error(t, engine.Cancel(12345))
}

func TestEngine_DelegationViaAgentNode(t *testing.T) {
	memStore, runner, engine := newEngineFixture(t)
	memStore.PutWorkflow(linearWorkflow(10))
	memStore.PutAgent(&types.AgentBlueprint{ID: 10, Name: "Coordinator", SystemPrompt: "Coordinate.", ModelID: "test-model", IsActive: true})
	memStore.PutAgent(&types.AgentBlueprint{ID: 11, Name: "Specialist", SystemPrompt: "Specialize.", ModelID: "test-model", IsActive: true})

	runner.handler = func(ctx context.Context, blueprint *types.AgentBlueprint, message string, deps agent.Deps) (*agent.RunResult, error) {
		if blueprint.ID == 10 {
			result := deps.Delegator.Delegate(ctx, 11, "handle the details")
			response, _ := result["response"].(string)
			return &agent.RunResult{Response: "delegated: " + response}, nil
		}
		return &agent.RunResult{Response: "specialist says hello"}, nil
	}

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)

	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, exec.Status)

	finalResult, ok := exec.FinalOutput["final_result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "delegated: specialist says hello", finalResult["response"])

	history, ok := finalResult["delegation_history"].([]DelegationRecord)
	require.True(t, ok, "delegation_history missing: %T", finalResult["delegation_history"])
	require.Len(t, history, 1)
	assert.Equal(t, uint(11), history[0].AgentID)

	// Node logs plus one delegation log.
	logs, err := engine.GetExecutionLogs(ctx, execID)
	require.NoError(t, err)
	delegations := 0
	for _, entry := range logs {
		if entry.IsDelegation {
			delegations++
		}
	}
	assert.Equal(t, 1, delegations)
}

func TestEngine_SharedContextAccumulates(t *testing.T) {
	memStore, runner, engine := newEngineFixture(t)
	memStore.PutWorkflow(linearWorkflow(10))
	memStore.PutAgent(&types.AgentBlueprint{ID: 10, Name: "Echo Agent", SystemPrompt: "Echo.", ModelID: "test-model", IsActive: true})

	var seen map[string]any
	runner.handler = func(ctx context.Context, blueprint *types.AgentBlueprint, message string, deps agent.Deps) (*agent.RunResult, error) {
		seen = snapshotContext(deps.SharedContext)
		return &agent.RunResult{Response: "ok"}, nil
	}

	ctx := context.Background()
	execID, err := engine.ExecuteWorkflow(ctx, 1, types.JSONMap{"message": "hi"})
	require.NoError(t, err)
	awaitShutdown(t, engine)

	exec, err := engine.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, exec.Status)

	require.NotNil(t, seen)
	assert.Contains(t, seen, "initial_input")
	assert.Contains(t, seen, "node_1_output")
	assert.Contains(t, seen, "last_output")
}
