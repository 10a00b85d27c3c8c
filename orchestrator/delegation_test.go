package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/store"
	"github.com/agentmesh/agentmesh/types"
)

// fakeRunner is a scripted agent.Runner. Without a handler it echoes the
// incoming message.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	handler func(ctx context.Context, blueprint *types.AgentBlueprint, message string, deps agent.Deps) (*agent.RunResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, blueprint *types.AgentBlueprint, message string, deps agent.Deps) (*agent.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, message)
	f.mu.Unlock()

	if f.handler != nil {
		return f.handler(ctx, blueprint, message, deps)
	}
	return &agent.RunResult{Response: "echo: " + message}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newDelegationFixture(t *testing.T) (*store.MemoryStore, *fakeRunner, *DelegationController) {
	t.Helper()

	memStore := store.NewMemoryStore()
	memStore.PutAgent(&types.AgentBlueprint{ID: 2, Name: "Summarizer", SystemPrompt: "Summarize.", ModelID: "test-model", IsActive: true})
	memStore.PutAgent(&types.AgentBlueprint{ID: 3, Name: "Researcher", SystemPrompt: "Research.", ModelID: "test-model", IsActive: true})

	runner := &fakeRunner{}
	available := map[uint]string{2: "Summarizer", 3: "Researcher"}
	shared := map[string]any{"initial_input": map[string]any{"message": "hi"}}

	controller := NewDelegationController(memStore, runner, zap.NewNop(), 1, available, shared, DefaultMaxDelegationDepth)
	return memStore, runner, controller
}

func TestDelegationController_Delegate_Success(t *testing.T) {
	memStore, runner, controller := newDelegationFixture(t)
	ctx := context.Background()

	result := controller.Delegate(ctx, 2, "summarize")

	assert.Equal(t, "Summarizer", result["delegated_to"])
	assert.Equal(t, "echo: summarize", result["response"])
	assert.Equal(t, 1, result["delegation_depth"])
	assert.NotContains(t, result, "error")

	assert.Equal(t, 1, controller.Depth())
	history := controller.History()
	require.Len(t, history, 1)
	assert.Equal(t, uint(2), history[0].AgentID)
	assert.Equal(t, "summarize", history[0].Message)
	assert.Equal(t, 1, history[0].Depth)
	assert.Equal(t, 1, runner.callCount())

	logs, err := memStore.ListExecutionLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsDelegation)
	require.NotNil(t, logs[0].AgentID)
	assert.Equal(t, uint(2), *logs[0].AgentID)
}

func TestDelegationController_Delegate_UnknownTarget(t *testing.T) {
	_, runner, controller := newDelegationFixture(t)
	ctx := context.Background()

	first := controller.Delegate(ctx, 2, "summarize")
	assert.NotContains(t, first, "error")
	require.Equal(t, 1, controller.Depth())

	second := controller.Delegate(ctx, 999, "do something")
	errMsg, ok := second["error"].(string)
	require.True(t, ok, "expected error map, got %v", second)
	assert.Contains(t, errMsg, "Invalid agent_id 999")
	assert.Contains(t, errMsg, "2: Summarizer")

	// The failed attempt leaves the audit trail untouched.
	assert.Equal(t, 1, controller.Depth())
	assert.Equal(t, 1, runner.callCount())
}

func TestDelegationController_Delegate_InactiveAgent(t *testing.T) {
	memStore, _, controller := newDelegationFixture(t)
	ctx := context.Background()

	// Agent 3 is in the roster snapshot but has gone inactive since.
	memStore.PutAgent(&types.AgentBlueprint{ID: 3, Name: "Researcher", IsActive: false})

	result := controller.Delegate(ctx, 3, "research")
	errMsg, ok := result["error"].(string)
	require.True(t, ok)
	assert.Contains(t, errMsg, "Agent with ID 3 not found or inactive")
	assert.Equal(t, 0, controller.Depth())
}

func TestDelegationController_DepthBound(t *testing.T) {
	_, runner, controller := newDelegationFixture(t)
	ctx := context.Background()

	for i := 0; i < DefaultMaxDelegationDepth; i++ {
		result := controller.Delegate(ctx, 2, fmt.Sprintf("task %d", i+1))
		require.NotContains(t, result, "error", "delegation %d should succeed", i+1)
		assert.Equal(t, i+1, result["delegation_depth"])
	}
	require.Equal(t, DefaultMaxDelegationDepth, controller.Depth())

	result := controller.Delegate(ctx, 2, "one too many")
	errMsg, ok := result["error"].(string)
	require.True(t, ok)
	assert.Contains(t, errMsg, "Maximum delegation depth (5) exceeded")

	// The over-limit attempt never reaches the runner.
	assert.Equal(t, DefaultMaxDelegationDepth, runner.callCount())
	assert.Equal(t, DefaultMaxDelegationDepth, controller.Depth())
}

func TestDelegationController_RunnerError(t *testing.T) {
	_, runner, controller := newDelegationFixture(t)
	runner.handler = func(ctx context.Context, blueprint *types.AgentBlueprint, message string, deps agent.Deps) (*agent.RunResult, error) {
		return nil, types.NewError(types.ErrRunnerFailure, "provider unavailable")
	}
	ctx := context.Background()

	result := controller.Delegate(ctx, 2, "summarize")
	errMsg, ok := result["error"].(string)
	require.True(t, ok)
	assert.Contains(t, errMsg, "provider unavailable")
	assert.Equal(t, 0, controller.Depth())
}

func TestDelegationController_Prompt(t *testing.T) {
	_, _, controller := newDelegationFixture(t)

	prompt := controller.Prompt()
	assert.Contains(t, prompt, "Agent 2: Summarizer")
	assert.Contains(t, prompt, "Agent 3: Researcher")
	assert.Contains(t, prompt, agent.DelegateToolName)
	assert.Contains(t, prompt, "Current delegation depth: 0/5")

	controller.Delegate(context.Background(), 2, "summarize")
	assert.Contains(t, controller.Prompt(), "Current delegation depth: 1/5")
}

func TestDelegationController_MetricsHook(t *testing.T) {
	_, _, controller := newDelegationFixture(t)

	var labels []string
	controller.onDelegation = func(result string) { labels = append(labels, result) }

	ctx := context.Background()
	controller.Delegate(ctx, 2, "summarize")
	controller.Delegate(ctx, 999, "nope")

	assert.Equal(t, []string{"success", "target_not_found"}, labels)
}
