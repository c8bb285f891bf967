// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-dlp/pkg/policy"
	"github.com/polisai/polis-dlp/pkg/storage"
)

// Policy engines selectable with policy.engine.
const (
	EngineEvaluator = "evaluator"
	EngineRego      = "rego"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Policy    PolicyConfig    `yaml:"policy"`
	Roles     RolesConfig     `yaml:"roles"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	ListenAddress   string          `yaml:"listen_address"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	TLS             *TLSConfig      `yaml:"tls,omitempty"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits prompts per user. Zero requests_per_second disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// PolicyConfig locates the flow policy and selects how it is evaluated.
type PolicyConfig struct {
	FlowsFile string `yaml:"flows_file"`
	Engine    string `yaml:"engine"`
	// Watch reloads the flows file when it changes on disk.
	Watch          bool              `yaml:"watch"`
	Postures       map[string]string `yaml:"postures"`
	RegoCacheSize  int               `yaml:"rego_cache_size"`
	DebounceWindow time.Duration     `yaml:"debounce_window"`
}

// RolesConfig lists the roles whose restricted content is masked instead of blocked.
type RolesConfig struct {
	Privileged []string `yaml:"privileged"`
}

// EvidenceConfig selects the evidence backend.
type EvidenceConfig struct {
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	S3      S3Config    `yaml:"s3"`
	Redis   RedisConfig `yaml:"redis"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

// S3Config configures the S3 evidence bucket. Credentials normally come from
// the AWS SDK default chain. DLP_S3_ACCESS_KEY_ID, DLP_S3_SECRET_ACCESS_KEY and
// DLP_S3_SESSION_TOKEN pin static keys instead; they are never read from the file.
type S3Config struct {
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	KMSKeyID      string        `yaml:"kms_key_id"`
	MaxRetries    uint64        `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`

	AccessKeyID  string `yaml:"-"`
	SecretKey    string `yaml:"-"`
	SessionToken string `yaml:"-"`
}

// RedisConfig configures the Redis evidence store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"-"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// KafkaConfig configures the Kafka evidence topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// Stream publishes records to Kafka in addition to the primary backend.
	Stream bool `yaml:"stream"`
}

// UpstreamConfig locates the RAG orchestrator. An empty URL selects the stub model.
type UpstreamConfig struct {
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig trips the upstream after consecutive failures.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8090",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Policy: PolicyConfig{
			FlowsFile:      "configs/flows.yaml",
			Engine:         EngineEvaluator,
			RegoCacheSize:  1024,
			DebounceWindow: 100 * time.Millisecond,
		},
		Roles: RolesConfig{Privileged: append([]string(nil), policy.DefaultPrivilegedRoles...)},
		Evidence: EvidenceConfig{
			Backend: storage.BackendMemory,
			S3: S3Config{
				Prefix:        "decisions",
				MaxRetries:    3,
				RetryInterval: 200 * time.Millisecond,
			},
			Kafka: KafkaConfig{Topic: "dlp-decisions"},
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
	}
}

// Load reads configuration from a file, then a .env file in the working
// directory, and applies environment variable overrides. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("DLP_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("DLP_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("DLP_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("DLP_FLOWS_FILE"); val != "" {
		cfg.Policy.FlowsFile = val
	}
	if val := os.Getenv("DLP_POLICY_ENGINE"); val != "" {
		cfg.Policy.Engine = val
	}
	if val := os.Getenv("DLP_POLICY_WATCH"); val == "true" {
		cfg.Policy.Watch = true
	}
	if val := os.Getenv("DLP_PRIVILEGED_ROLES"); val != "" {
		cfg.Roles.Privileged = splitList(val)
	}

	if val := os.Getenv("DLP_EVIDENCE_BACKEND"); val != "" {
		cfg.Evidence.Backend = val
	}
	if val := os.Getenv("DLP_EVIDENCE_DIR"); val != "" {
		cfg.Evidence.Dir = val
	}
	if val := os.Getenv("DLP_EVIDENCE_BUCKET"); val != "" {
		cfg.Evidence.S3.Bucket = val
	}
	if val := os.Getenv("DLP_EVIDENCE_KMS_KEY_ID"); val != "" {
		cfg.Evidence.S3.KMSKeyID = val
	}
	if val := os.Getenv("AWS_REGION"); val != "" && cfg.Evidence.S3.Region == "" {
		cfg.Evidence.S3.Region = val
	}
	if val := os.Getenv("AWS_ENDPOINT_URL_S3"); val != "" {
		cfg.Evidence.S3.Endpoint = val
	}
	cfg.Evidence.S3.AccessKeyID = os.Getenv("DLP_S3_ACCESS_KEY_ID")
	cfg.Evidence.S3.SecretKey = os.Getenv("DLP_S3_SECRET_ACCESS_KEY")
	cfg.Evidence.S3.SessionToken = os.Getenv("DLP_S3_SESSION_TOKEN")

	if val := os.Getenv("DLP_REDIS_ADDR"); val != "" {
		cfg.Evidence.Redis.Addr = val
	}
	cfg.Evidence.Redis.Password = os.Getenv("DLP_REDIS_PASSWORD")
	if val := os.Getenv("DLP_REDIS_DB"); val != "" {
		db, err := strconv.Atoi(val)
		if err != nil {
			return NewConfigValidationError("DLP_REDIS_DB", val, "must be an integer")
		}
		cfg.Evidence.Redis.DB = db
	}

	if val := os.Getenv("DLP_KAFKA_BROKERS"); val != "" {
		cfg.Evidence.Kafka.Brokers = splitList(val)
	}
	if val := os.Getenv("DLP_KAFKA_TOPIC"); val != "" {
		cfg.Evidence.Kafka.Topic = val
	}
	if val := os.Getenv("DLP_KAFKA_STREAM"); val == "true" {
		cfg.Evidence.Kafka.Stream = true
	}

	if val := os.Getenv("DLP_UPSTREAM_URL"); val != "" {
		cfg.Upstream.URL = val
	}
	if val := os.Getenv("DLP_UPSTREAM_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return NewConfigValidationError("DLP_UPSTREAM_TIMEOUT", val, err.Error())
		}
		cfg.Upstream.Timeout = d
	}

	if val := os.Getenv("DLP_RATE_LIMIT_RPS"); val != "" {
		rps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return NewConfigValidationError("DLP_RATE_LIMIT_RPS", val, "must be a number")
		}
		cfg.Server.RateLimit.RequestsPerSecond = rps
	}

	if val := os.Getenv("DLP_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("DLP_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("DLP_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("DLP_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}
	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if err := c.Evidence.Validate(); err != nil {
		return fmt.Errorf("evidence configuration: %w", err)
	}
	if c.Upstream.Timeout <= 0 {
		return NewConfigValidationError("upstream.timeout", c.Upstream.Timeout, "must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return NewConfigValidationError("telemetry.sample_ratio", c.Telemetry.SampleRatio, "must be between 0 and 1")
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8090"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return NewConfigValidationError("rate_limit.requests_per_second", c.RateLimit.RequestsPerSecond, "must not be negative")
	}
	if c.MaxBodyBytes < 0 {
		return NewConfigValidationError("max_body_bytes", c.MaxBodyBytes, "must not be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate checks the engine name and posture overrides.
func (c *PolicyConfig) Validate() error {
	if strings.TrimSpace(c.FlowsFile) == "" {
		return NewConfigMissingError("flows_file")
	}
	c.Engine = strings.ToLower(strings.TrimSpace(c.Engine))
	switch c.Engine {
	case "":
		c.Engine = EngineEvaluator
	case EngineEvaluator, EngineRego:
	default:
		return NewConfigValidationError("engine", c.Engine, "must be evaluator or rego")
	}
	if _, err := c.PostureSet(); err != nil {
		return NewConfigValidationError("postures", c.Postures, err.Error())
	}
	return nil
}

// PostureSet returns the default postures with the configured overrides applied.
func (c *PolicyConfig) PostureSet() (policy.PostureSet, error) {
	set := policy.DefaultPostureSet()
	if err := set.ApplyOverrideStrings(c.Postures); err != nil {
		return policy.PostureSet{}, err
	}
	return set, nil
}

// Validate checks that the selected backend has what it needs.
func (c *EvidenceConfig) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "":
		c.Backend = storage.BackendMemory
	case storage.BackendMemory:
	case storage.BackendFile:
		if c.Dir == "" {
			return NewConfigMissingError("evidence.dir")
		}
	case storage.BackendS3:
		if c.S3.Bucket == "" {
			return NewConfigMissingError("evidence.s3.bucket").
				WithSuggestion("Set DLP_EVIDENCE_BUCKET")
		}
	case storage.BackendRedis:
		if c.Redis.Addr == "" {
			return NewConfigMissingError("evidence.redis.addr")
		}
	case storage.BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			return NewConfigMissingError("evidence.kafka.brokers")
		}
	default:
		return NewConfigValidationError("evidence.backend", c.Backend, "unknown backend").
			WithSuggestion("Use one of memory, file, s3, redis, kafka")
	}
	if c.Kafka.Stream && len(c.Kafka.Brokers) == 0 {
		return NewConfigMissingError("evidence.kafka.brokers").
			WithSuggestion("Streaming requires at least one broker")
	}
	return nil
}

// Storage converts the evidence section for storage.Open.
func (c EvidenceConfig) Storage() storage.Config {
	return storage.Config{
		Backend:       c.Backend,
		Dir:           c.Dir,
		Bucket:        c.S3.Bucket,
		Prefix:        c.S3.Prefix,
		Region:        c.S3.Region,
		Endpoint:      c.S3.Endpoint,
		AccessKeyID:   c.S3.AccessKeyID,
		SecretKey:     c.S3.SecretKey,
		SessionToken:  c.S3.SessionToken,
		KMSKeyID:      c.S3.KMSKeyID,
		MaxRetries:    c.S3.MaxRetries,
		RetryInterval: c.S3.RetryInterval,
		RedisAddr:     c.Redis.Addr,
		RedisPassword: c.Redis.Password,
		RedisDB:       c.Redis.DB,
		RedisTTL:      c.Redis.TTL,
		KafkaBrokers:  c.Kafka.Brokers,
		KafkaTopic:    c.Kafka.Topic,
		Stream:        c.Kafka.Stream,
	}
}
