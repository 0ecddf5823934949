package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/scttfrdmn/totcode/task"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "totcode"

// RedisKey returns the list key holding the solutions of one run.
func RedisKey(prefix, runID string) string {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return fmt.Sprintf("%s:%s:solutions", prefix, runID)
}

// RedisSink appends solutions to a Redis list so that shards running in
// separate processes can share one result stream.
//
// Redis Data Structure:
//   - Key: "{prefix}:{run_id}:solutions"
//   - Type: List, in write order
//   - Value: JSON {"task_id", "code"}
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink connects to redisURL and writes to key.
func NewRedisSink(redisURL, key string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return NewRedisSinkWithClient(redis.NewClient(opts), key), nil
}

// NewRedisSinkWithClient writes to key through an existing client.
func NewRedisSinkWithClient(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

// Key returns the list key.
func (s *RedisSink) Key() string {
	return s.key
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Write pushes solutions in one RPUSH.
func (s *RedisSink) Write(ctx context.Context, solutions []task.Solution) error {
	if len(solutions) == 0 {
		return nil
	}
	values := make([]interface{}, len(solutions))
	for i, sol := range solutions {
		data, err := json.Marshal(sol)
		if err != nil {
			return fmt.Errorf("failed to serialize solution: %w", err)
		}
		values[i] = string(data)
	}
	if err := s.client.RPush(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("failed to push solutions: %w", err)
	}
	return nil
}

// Solutions reads back every solution in the list. Entries that do not
// decode are skipped.
func (s *RedisSink) Solutions(ctx context.Context) ([]task.Solution, error) {
	items, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read solutions: %w", err)
	}
	out := make([]task.Solution, 0, len(items))
	for _, item := range items {
		var sol task.Solution
		if err := json.Unmarshal([]byte(item), &sol); err != nil {
			continue
		}
		out = append(out, sol)
	}
	return out, nil
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
