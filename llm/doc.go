// Package llm defines the minimal provider contract the agent runner is
// built on: chat request/response types and a retrying wrapper with
// exponential backoff for transient provider failures.
package llm
