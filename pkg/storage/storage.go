// Package storage provides the evidence backends the gateway writes decision
// records to. Every backend is write-once per record id.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polisai/polis-dlp/pkg/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist in the store.
	ErrNotFound = errors.New("evidence record not found")
	// ErrExists is returned when a record id has already been written.
	ErrExists = errors.New("evidence record already exists")
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendRedis  = "redis"
	BackendKafka  = "kafka"
)

// Config selects and configures an evidence backend.
type Config struct {
	Backend string

	// file
	Dir string

	// s3
	Bucket        string
	Prefix        string
	Region        string
	Endpoint      string
	AccessKeyID   string
	SecretKey     string
	SessionToken  string
	KMSKeyID      string
	MaxRetries    uint64
	RetryInterval time.Duration

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// kafka, either as the backend or as a stream alongside it
	KafkaBrokers []string
	KafkaTopic   string
	Stream       bool
}

// Open builds the configured sink. When Stream is set and Kafka brokers are
// configured, records are also published to Kafka after the primary write.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (domain.EvidenceSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		primary domain.EvidenceSink
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		primary = NewMemoryStore()
	case BackendFile:
		primary, err = NewFileStore(cfg.Dir)
	case BackendS3:
		primary, err = NewS3Store(ctx, S3Config{
			Bucket:        cfg.Bucket,
			Prefix:        cfg.Prefix,
			Region:        cfg.Region,
			Endpoint:      cfg.Endpoint,
			AccessKeyID:   cfg.AccessKeyID,
			SecretKey:     cfg.SecretKey,
			SessionToken:  cfg.SessionToken,
			KMSKeyID:      cfg.KMSKeyID,
			MaxRetries:    cfg.MaxRetries,
			RetryInterval: cfg.RetryInterval,
		})
	case BackendRedis:
		primary, err = NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		})
	case BackendKafka:
		primary, err = NewKafkaStore(KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	default:
		return nil, fmt.Errorf("storage: unknown evidence backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Stream && len(cfg.KafkaBrokers) > 0 && cfg.Backend != BackendKafka {
		stream, err := NewKafkaStore(KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			_ = primary.Close()
			return nil, err
		}
		return NewTee(primary, logger, stream), nil
	}
	return primary, nil
}
