// Package agent implements the agent-runner collaborator: it turns a stored
// agent blueprint into a model invocation, executes the delegation tool the
// model may call, and owns the retry/backoff policy for transient provider
// failures.
package agent
