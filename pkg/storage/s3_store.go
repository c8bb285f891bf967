package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"

	"github.com/polisai/polis-dlp/pkg/domain"
)

const (
	defaultS3Prefix      = "evidence"
	defaultS3MaxRetries  = 3
	defaultRetryInterval = 200 * time.Millisecond
)

// S3Config configures the evidence bucket.
type S3Config struct {
	Bucket string
	// Prefix is prepended to object keys, "evidence" by default.
	Prefix string
	Region string
	// Endpoint overrides the service URL, e.g. "http://127.0.0.1:9000" for MinIO.
	Endpoint string
	// AccessKeyID, SecretKey and SessionToken pin static credentials. When
	// AccessKeyID is empty the SDK default chain resolves credentials
	// (environment, shared config, SSO, container and instance roles).
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	// KMSKeyID enables SSE-KMS with the given key.
	KMSKeyID      string
	MaxRetries    uint64
	RetryInterval time.Duration
}

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store writes each record as a JSON object keyed by date and id.
type S3Store struct {
	client     s3API
	bucket     string
	prefix     string
	kmsKeyID   string
	maxRetries uint64
	interval   time.Duration
}

// NewS3Store connects to the bucket described by cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage: s3 backend requires a bucket")
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg), nil
}

// loadAWSConfig resolves region and credentials through the SDK default
// chain. Static keys in cfg replace the chain's credential provider.
func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("storage: load aws config: %w", err)
	}
	return awsCfg, nil
}

func newS3Store(client s3API, cfg S3Config) *S3Store {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultS3Prefix
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultS3MaxRetries
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return &S3Store{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     prefix,
		kmsKeyID:   cfg.KMSKeyID,
		maxRetries: maxRetries,
		interval:   interval,
	}
}

// Key returns the object key for a record.
func (s *S3Store) Key(rec domain.DecisionRecord) string {
	return path.Join(s.prefix, rec.Timestamp.UTC().Format("2006/01/02"), rec.ID+".json")
}

// Put uploads the record with If-None-Match so an existing object is never
// overwritten. Transient failures are retried with Fibonacci backoff.
func (s *S3Store) Put(ctx context.Context, rec domain.DecisionRecord) error {
	if rec.ID == "" {
		return errors.New("storage: record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(rec)),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	}
	if s.kmsKeyID != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}

	b := retry.NewFibonacci(s.interval)
	return retry.Do(ctx, retry.WithMaxRetries(s.maxRetries, b), func(ctx context.Context) error {
		input.Body = bytes.NewReader(data)
		_, err := s.client.PutObject(ctx, input)
		if err == nil {
			return nil
		}
		switch status := httpStatus(err); {
		case status == http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %s", ErrExists, rec.ID)
		case status == http.StatusConflict, status >= 500, status == 0 && ctx.Err() == nil:
			return retry.RetryableError(fmt.Errorf("storage: put object: %w", err))
		default:
			return fmt.Errorf("storage: put object: %w", err)
		}
	})
}

// GetAt fetches the record written for id on the day of ts.
func (s *S3Store) GetAt(ctx context.Context, id string, ts time.Time) (domain.DecisionRecord, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(domain.DecisionRecord{ID: id, Timestamp: ts})),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || httpStatus(err) == http.StatusNotFound {
			return domain.DecisionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.DecisionRecord{}, fmt.Errorf("storage: get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("storage: read object: %w", err)
	}
	var rec domain.DecisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("storage: decode record: %w", err)
	}
	return rec, nil
}

// Close is a no-op; the S3 client holds no long-lived connections.
func (s *S3Store) Close() error {
	return nil
}

func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
