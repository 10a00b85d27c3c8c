package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/llm"
	"github.com/agentmesh/agentmesh/llm/retry"
	"github.com/agentmesh/agentmesh/types"
)

// DelegateToolName is the tool name through which an agent hands a sub-task
// to another agent.
const DelegateToolName = "delegate_to_another_agent"

// maxToolRounds bounds the completion/tool-result loop within one Run call.
// Delegation depth is bounded separately by the delegation controller.
const maxToolRounds = 4

// Delegator is the delegation surface forwarded into an agent invocation.
// It is implemented by the orchestrator's delegation controller.
type Delegator interface {
	// Delegate hands a sub-task to another agent. Depth and resolution
	// failures come back as an {"error": ...} map, never as a Go error,
	// so the model can react to them conversationally.
	Delegate(ctx context.Context, targetAgentID uint, taskDescription string) map[string]any

	// Prompt renders the available-agent roster and current depth for
	// injection into the running agent's system prompt.
	Prompt() string
}

// Deps carries per-run resources forwarded into an agent invocation.
type Deps struct {
	// SharedContext is the execution-scoped context map. Forwarded so
	// delegated agents see accumulated node outputs.
	SharedContext map[string]any

	// Delegator enables the delegation tool. Nil disables delegation.
	Delegator Delegator
}

// RunResult is the structured response of one agent invocation.
type RunResult struct {
	Response  string           `json:"response"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls"`
}

// Runner executes one agent invocation against a blueprint.
type Runner interface {
	Run(ctx context.Context, blueprint *types.AgentBlueprint, message string, deps Deps) (*RunResult, error)
}

// LLMRunner runs blueprints against an llm.Provider. Transient provider
// errors are retried with exponential backoff inside the runner; callers only
// see errors once retries are exhausted.
type LLMRunner struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewLLMRunner creates a runner on the given provider.
func NewLLMRunner(provider llm.Provider, logger *zap.Logger) *LLMRunner {
	return &LLMRunner{
		provider: provider,
		logger:   logger.With(zap.String("component", "agent_runner")),
	}
}

// delegateToolSchema is the JSON Schema for the delegation tool parameters.
var delegateToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"agent_id": {"type": "integer", "description": "ID of the agent to delegate to"},
		"task_description": {"type": "string", "description": "Clear description of what the agent should do"}
	},
	"required": ["agent_id", "task_description"]
}`)

// Run implements Runner.
func (r *LLMRunner) Run(ctx context.Context, blueprint *types.AgentBlueprint, message string, deps Deps) (*RunResult, error) {
	if blueprint == nil {
		return nil, types.NewError(types.ErrAgentNotFound, "blueprint is nil")
	}

	systemPrompt := blueprint.SystemPrompt
	var tools []llm.ToolSchema
	if deps.Delegator != nil {
		systemPrompt += "\n\n" + deps.Delegator.Prompt()
		tools = []llm.ToolSchema{{
			Name:        DelegateToolName,
			Description: "Delegate a task to another specialized agent when it is better suited for the subtask.",
			Parameters:  delegateToolSchema,
		}}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: message},
	}

	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxRetries:   blueprint.MaxRetries,
		InitialDelay: retry.DefaultRetryPolicy().InitialDelay,
		MaxDelay:     retry.DefaultRetryPolicy().MaxDelay,
		Multiplier:   retry.DefaultRetryPolicy().Multiplier,
		Jitter:       true,
		RetryIf:      types.IsRetryable,
	}, r.logger)

	traceID := uuid.NewString()
	executedCalls := make([]map[string]any, 0)

	for round := 0; round < maxToolRounds; round++ {
		req := &llm.ChatRequest{
			TraceID:     traceID,
			Model:       blueprint.ModelID,
			Messages:    messages,
			Temperature: float32(blueprint.Temperature),
			Tools:       tools,
		}

		raw, err := retryer.DoWithResult(ctx, func() (any, error) {
			return r.provider.Completion(ctx, req)
		})
		if err != nil {
			return nil, types.Errorf(types.ErrRunnerFailure, "agent %q completion failed", blueprint.Name).WithCause(err)
		}

		resp := raw.(*llm.ChatResponse)
		if len(resp.Choices) == 0 {
			return nil, types.Errorf(types.ErrRunnerFailure, "agent %q: empty response from provider %s", blueprint.Name, r.provider.Name())
		}

		reply := resp.Choices[0].Message
		if len(reply.ToolCalls) == 0 {
			return &RunResult{
				Response:  reply.Content,
				ToolCalls: executedCalls,
			}, nil
		}

		// Execute the requested tools and feed results back to the model.
		messages = append(messages, reply)
		for _, call := range reply.ToolCalls {
			result := r.executeToolCall(ctx, call, deps)
			executedCalls = append(executedCalls, map[string]any{
				"tool":   call.Name,
				"args":   json.RawMessage(call.Arguments),
				"result": result,
			})

			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    string(payload),
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
	}

	return nil, types.Errorf(types.ErrRunnerFailure, "agent %q exceeded %d tool rounds", blueprint.Name, maxToolRounds)
}

// executeToolCall dispatches one tool call. Failures become tool output, not
// runner errors, so the model can recover.
func (r *LLMRunner) executeToolCall(ctx context.Context, call llm.ToolCall, deps Deps) map[string]any {
	if call.Name != DelegateToolName {
		return map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}
	if deps.Delegator == nil {
		return map[string]any{"error": "delegation is not available in this run"}
	}

	var args struct {
		AgentID         uint   `json:"agent_id"`
		TaskDescription string `json:"task_description"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return map[string]any{"error": fmt.Sprintf("invalid delegation arguments: %v", err)}
	}

	r.logger.Debug("delegation tool invoked",
		zap.Uint("target_agent_id", args.AgentID),
	)

	return deps.Delegator.Delegate(ctx, args.AgentID, args.TaskDescription)
}
