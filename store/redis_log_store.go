package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/agentmesh/types"
)

// RedisLogStore mirrors execution logs into Redis lists so status dashboards
// can poll progress without touching the primary database. It is a write-aside
// cache, not a source of truth: the GORM store keeps the authoritative rows.
type RedisLogStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisLogConfig configures the Redis log mirror.
type RedisLogConfig struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"password"`
	DB        int           `yaml:"db" json:"db"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
}

// NewRedisLogStore connects to Redis and returns a log mirror.
func NewRedisLogStore(cfg RedisLogConfig) (*RedisLogStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisLogStore{
		client:    client,
		keyPrefix: keyPrefix + "exec:",
		ttl:       ttl,
	}, nil
}

// NewRedisLogStoreFromClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisLogStoreFromClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisLogStore {
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLogStore{client: client, keyPrefix: keyPrefix + "exec:", ttl: ttl}
}

// logsKey returns the Redis key holding an execution's log list.
func (s *RedisLogStore) logsKey(executionID uint) string {
	return fmt.Sprintf("%slogs:%d", s.keyPrefix, executionID)
}

// Append pushes one log entry onto the execution's log list.
func (s *RedisLogStore) Append(ctx context.Context, entry *types.ExecutionLog) error {
	if entry == nil {
		return ErrInvalidInput
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal execution log: %w", err)
	}

	key := s.logsKey(entry.ExecutionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append execution log to redis: %w", err)
	}
	return nil
}

// List returns all mirrored log entries for an execution in append order.
func (s *RedisLogStore) List(ctx context.Context, executionID uint) ([]*types.ExecutionLog, error) {
	raw, err := s.client.LRange(ctx, s.logsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list execution logs from redis: %w", err)
	}

	logs := make([]*types.ExecutionLog, 0, len(raw))
	for _, item := range raw {
		var entry types.ExecutionLog
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal execution log: %w", err)
		}
		logs = append(logs, &entry)
	}
	return logs, nil
}

// Close closes the Redis connection.
func (s *RedisLogStore) Close() error {
	return s.client.Close()
}
