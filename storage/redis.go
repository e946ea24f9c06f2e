package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/auditflow/orchestrator/types"
	"github.com/go-redis/redis/v8"
)

const (
	runPrefix        = "run:"
	auditPrefix      = "audit:"
	assignmentPrefix = "assignment:"
)

// ErrNotFound is returned when a requested resource is not found.
var ErrNotFound = errors.New("resource not found")

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Audit trails are RPUSH-only lists, so the backend itself never rewrites
// an appended entry.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// setJSON marshals a value and stores it under the given key.
func (s *RedisStorage) setJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value stored under the given key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveRun saves a run record to Redis.
func (s *RedisStorage) SaveRun(ctx context.Context, run types.Run) error {
	return s.setJSON(ctx, runPrefix+run.ID, run)
}

// GetRun retrieves a run from Redis.
func (s *RedisStorage) GetRun(ctx context.Context, id string) (types.Run, error) {
	run, err := getJSON[types.Run](ctx, s.client, runPrefix+id)
	if errors.Is(err, ErrNotFound) {
		return types.Run{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
	}
	return run, err
}

// AppendAuditEntry appends an audit entry to the run's trail list.
func (s *RedisStorage) AppendAuditEntry(ctx context.Context, entry types.AuditEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry %s/%d: %v", entry.RunID, entry.Seq, err)
		}
		key := auditPrefix + entry.RunID
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append to %s: %v", key, err)
		}
		return nil
	})
}

// ListAuditEntries returns a run's audit trail in append order.
func (s *RedisStorage) ListAuditEntries(ctx context.Context, runID string) ([]types.AuditEntry, error) {
	return withContext(ctx, func() ([]types.AuditEntry, error) {
		key := auditPrefix + runID
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %v", key, err)
		}

		entries := make([]types.AuditEntry, 0, len(raw))
		for _, item := range raw {
			var entry types.AuditEntry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit entry in %s: %v", key, err)
			}
			entries = append(entries, entry)
		}
		return entries, nil
	})
}

// SaveAssignment persists a fold assignment artifact to Redis.
func (s *RedisStorage) SaveAssignment(ctx context.Context, name string, a types.FoldAssignment) error {
	return s.setJSON(ctx, assignmentPrefix+name, a)
}

// GetAssignment retrieves a fold assignment artifact from Redis.
func (s *RedisStorage) GetAssignment(ctx context.Context, name string) (types.FoldAssignment, error) {
	a, err := getJSON[types.FoldAssignment](ctx, s.client, assignmentPrefix+name)
	if errors.Is(err, ErrNotFound) {
		return types.FoldAssignment{}, fmt.Errorf("%w: name=%s", ErrAssignmentNotFound, name)
	}
	return a, err
}

// ClearTerminal removes run records with a terminal state from Redis.
// Audit trail lists are left untouched.
func (s *RedisStorage) ClearTerminal(ctx context.Context) error {
	return withContextError(ctx, func() error {
		keys, err := s.client.Keys(ctx, runPrefix+"*").Result()
		if err != nil {
			return fmt.Errorf("failed to scan run keys: %v", err)
		}

		if len(keys) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %v", key, err)
			}

			var run types.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}

			if run.Terminal() {
				pipe.Del(ctx, key)
			}
		}

		_, err = pipe.Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
