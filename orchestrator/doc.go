// Package orchestrator is the workflow execution core: it validates a
// node/edge set as a DAG and derives a linear execution order (Kahn's
// algorithm), drives one run end-to-end through per-type node dispatch with
// append-only logging, and bounds recursive agent-to-agent delegation.
//
// Within one execution nodes run strictly sequentially in scheduler order;
// independent executions run concurrently on their own goroutines with fully
// independent shared-context maps and delegation controllers.
package orchestrator
