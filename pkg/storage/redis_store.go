package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-dlp/pkg/domain"
)

const redisKeyPrefix = "dlp:evidence:"

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL expires records; zero keeps them forever.
	TTL time.Duration
}

// redisClient is the subset of *redis.Client the store uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// RedisStore keeps records as JSON strings written with SET NX.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("storage: redis backend requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}
	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

// Put stores the record unless the key already exists.
func (s *RedisStore) Put(ctx context.Context, rec domain.DecisionRecord) error {
	if rec.ID == "" {
		return errors.New("storage: record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}

	created, err := s.client.SetNX(ctx, redisKeyPrefix+rec.ID, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("storage: redis set: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	return nil
}

// Get reads a record back.
func (s *RedisStore) Get(ctx context.Context, id string) (domain.DecisionRecord, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.DecisionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.DecisionRecord{}, fmt.Errorf("storage: redis get: %w", err)
	}

	var rec domain.DecisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("storage: decode record: %w", err)
	}
	return rec, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
