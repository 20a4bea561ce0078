package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"schoolsync/internal/config"
	"schoolsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStatusRepository keeps the latest sync status and the dead-letter list
// of a session in Redis.
type RedisStatusRepository struct {
	client *redis.Client
	ttl    time.Duration
	limit  int64
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisStatusRepository(client *redis.Client, ttl time.Duration) *RedisStatusRepository {
	return &RedisStatusRepository{
		client: client,
		ttl:    ttl,
		limit:  models.DeadLetterLimit,
	}
}

func statusKey(session string) string {
	return "sync_status:" + session
}

func deadLetterKey(session string) string {
	return "sync_deadletter:" + session
}

func (r *RedisStatusRepository) SaveStatus(ctx context.Context, session string, status models.SyncStatus) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := r.client.Set(ctx, statusKey(session), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status in redis: %w", err)
	}
	return nil
}

func (r *RedisStatusRepository) LoadStatus(ctx context.Context, session string) (*models.SyncStatus, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, statusKey(session)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}

	var status models.SyncStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &status, nil
}

// PushDeadLetter prepends op to the session's dead-letter list, keeping the
// newest entries only.
func (r *RedisStatusRepository) PushDeadLetter(ctx context.Context, session string, op models.QueuedOperation) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	key := deadLetterKey(session)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.limit-1)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit entries, newest first. limit <= 0 returns
// all of them.
func (r *RedisStatusRepository) DeadLetters(ctx context.Context, session string, limit int) ([]models.QueuedOperation, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	vals, err := r.client.LRange(ctx, deadLetterKey(session), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	out := make([]models.QueuedOperation, 0, len(vals))
	for _, v := range vals {
		var op models.QueuedOperation
		if err := json.Unmarshal([]byte(v), &op); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, op)
	}
	return out, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
