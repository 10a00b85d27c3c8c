// Package agentmesh provides a top-level convenience entry point for wiring
// the workflow-orchestration engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/agentmesh/agentmesh"
//
//	engine := agentmesh.New(graphStore, runner, logger)
//	execID, err := engine.ExecuteWorkflow(ctx, workflowID, input)
//
// This is a thin wrapper around [orchestrator.NewEngine]; use this package
// when you prefer the shorter import path.
package agentmesh

import (
	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/orchestrator"
	"github.com/agentmesh/agentmesh/store"

	"go.uber.org/zap"
)

// Option configures the engine created by [New].
type Option = orchestrator.Option

// New creates an [orchestrator.Engine] on the given store and runner.
func New(graphStore store.GraphStore, runner agent.Runner, logger *zap.Logger, opts ...Option) *orchestrator.Engine {
	return orchestrator.NewEngine(graphStore, runner, logger, opts...)
}

// WithMetrics attaches a Prometheus collector.
var WithMetrics = orchestrator.WithMetrics

// WithLogMirror attaches a secondary execution-log sink.
var WithLogMirror = orchestrator.WithLogMirror

// WithMaxDelegationDepth overrides the delegation depth bound.
var WithMaxDelegationDepth = orchestrator.WithMaxDelegationDepth
