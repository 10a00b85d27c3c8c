// Package types defines the shared domain model for agentmesh: workflow
// graphs (nodes and edges), execution records and logs, agent blueprints,
// and the structured error type used across the engine.
//
// Types in this package are plain data. Behavior lives in store/ (persistence),
// agent/ (running agents), and orchestrator/ (scheduling and execution).
package types
