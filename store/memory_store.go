package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/types"
)

// MemoryStore is an in-memory implementation of GraphStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	workflows  map[uint]*types.Workflow
	agents     map[uint]*types.AgentBlueprint
	executions map[uint]*types.Execution
	logs       map[uint][]*types.ExecutionLog

	nextExecID uint
	nextLogID  uint
	closed     bool
}

// NewMemoryStore creates a new in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[uint]*types.Workflow),
		agents:     make(map[uint]*types.AgentBlueprint),
		executions: make(map[uint]*types.Execution),
		logs:       make(map[uint][]*types.ExecutionLog),
	}
}

// PutWorkflow registers a workflow definition. Test/setup helper; the
// orchestrator itself never writes workflow definitions.
func (s *MemoryStore) PutWorkflow(wf *types.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
}

// PutAgent registers an agent blueprint. Test/setup helper.
func (s *MemoryStore) PutAgent(bp *types.AgentBlueprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[bp.ID] = bp
}

// LoadWorkflow implements GraphStore.
func (s *MemoryStore) LoadWorkflow(ctx context.Context, workflowID uint) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	wf, ok := s.workflows[workflowID]
	if !ok || !wf.IsActive {
		return nil, ErrNotFound
	}
	return wf, nil
}

// GetAgent implements GraphStore.
func (s *MemoryStore) GetAgent(ctx context.Context, agentID uint) (*types.AgentBlueprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	bp, ok := s.agents[agentID]
	if !ok || !bp.IsActive {
		return nil, ErrNotFound
	}
	return bp, nil
}

// ListActiveAgents implements GraphStore.
func (s *MemoryStore) ListActiveAgents(ctx context.Context) (map[uint]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	agents := make(map[uint]string, len(s.agents))
	for id, bp := range s.agents {
		if bp.IsActive {
			agents[id] = bp.Name
		}
	}
	return agents, nil
}

// CreateExecution implements GraphStore.
func (s *MemoryStore) CreateExecution(ctx context.Context, exec *types.Execution) error {
	if exec == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.nextExecID++
	exec.ID = s.nextExecID
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}

	clone := *exec
	s.executions[exec.ID] = &clone
	return nil
}

// GetExecution implements GraphStore.
func (s *MemoryStore) GetExecution(ctx context.Context, executionID uint) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *exec
	return &clone, nil
}

// UpdateExecutionStatus implements GraphStore.
func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, executionID uint, status types.ExecutionStatus, finalOutput types.JSONMap, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	exec, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}

	exec.Status = status
	if status.IsTerminal() && exec.CompletedAt == nil {
		now := time.Now().UTC()
		exec.CompletedAt = &now
	}
	if finalOutput != nil {
		exec.FinalOutput = finalOutput
	}
	if errorMessage != "" {
		exec.ErrorMessage = errorMessage
	}
	return nil
}

// AppendExecutionLog implements GraphStore.
func (s *MemoryStore) AppendExecutionLog(ctx context.Context, entry *types.ExecutionLog) error {
	if entry == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.nextLogID++
	entry.ID = s.nextLogID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	clone := *entry
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], &clone)
	return nil
}

// ListExecutionLogs implements GraphStore.
func (s *MemoryStore) ListExecutionLogs(ctx context.Context, executionID uint) ([]*types.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries := s.logs[executionID]
	result := make([]*types.ExecutionLog, len(entries))
	for i, e := range entries {
		clone := *e
		result[i] = &clone
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Close implements GraphStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
