package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentmesh/agentmesh/types"
)

// GormStore is a GORM-backed GraphStore. It works against any dialect GORM
// supports; tests and the default deployment use the pure-Go sqlite driver.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a GormStore on an open gorm.DB.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "graph_store")),
	}, nil
}

// Migrate creates or updates the schema for all orchestration tables.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.AgentBlueprint{},
		&types.Workflow{},
		&types.Node{},
		&types.Edge{},
		&types.Execution{},
		&types.ExecutionLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// LoadWorkflow implements GraphStore.
func (s *GormStore) LoadWorkflow(ctx context.Context, workflowID uint) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.WithContext(ctx).
		Preload("Nodes").
		Preload("Edges").
		Where("id = ? AND is_active = ?", workflowID, true).
		First(&wf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	return &wf, nil
}

// GetAgent implements GraphStore.
func (s *GormStore) GetAgent(ctx context.Context, agentID uint) (*types.AgentBlueprint, error) {
	var bp types.AgentBlueprint
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", agentID, true).
		First(&bp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %d: %w", agentID, err)
	}
	return &bp, nil
}

// ListActiveAgents implements GraphStore.
func (s *GormStore) ListActiveAgents(ctx context.Context) (map[uint]string, error) {
	var rows []types.AgentBlueprint
	err := s.db.WithContext(ctx).
		Select("id", "name").
		Where("is_active = ?", true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	agents := make(map[uint]string, len(rows))
	for _, row := range rows {
		agents[row.ID] = row.Name
	}
	return agents, nil
}

// CreateExecution implements GraphStore.
func (s *GormStore) CreateExecution(ctx context.Context, exec *types.Execution) error {
	if exec == nil {
		return ErrInvalidInput
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution implements GraphStore.
func (s *GormStore) GetExecution(ctx context.Context, executionID uint) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.WithContext(ctx).First(&exec, executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", executionID, err)
	}
	return &exec, nil
}

// UpdateExecutionStatus implements GraphStore.
func (s *GormStore) UpdateExecutionStatus(ctx context.Context, executionID uint, status types.ExecutionStatus, finalOutput types.JSONMap, errorMessage string) error {
	updates := map[string]any{"status": status}
	if status.IsTerminal() {
		updates["completed_at"] = time.Now().UTC()
	}
	if finalOutput != nil {
		updates["final_output"] = finalOutput
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	res := s.db.WithContext(ctx).
		Model(&types.Execution{}).
		Where("id = ?", executionID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update execution %d: %w", executionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("execution status updated",
		zap.Uint("execution_id", executionID),
		zap.String("status", string(status)),
	)
	return nil
}

// AppendExecutionLog implements GraphStore.
func (s *GormStore) AppendExecutionLog(ctx context.Context, entry *types.ExecutionLog) error {
	if entry == nil {
		return ErrInvalidInput
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs implements GraphStore.
func (s *GormStore) ListExecutionLogs(ctx context.Context, executionID uint) ([]*types.ExecutionLog, error) {
	var logs []*types.ExecutionLog
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("timestamp ASC, id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("list execution logs %d: %w", executionID, err)
	}
	return logs, nil
}

// Close implements GraphStore.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
