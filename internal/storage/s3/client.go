// Package s3 reads captured console output of a server from an S3 bucket.
// A sidecar uploads <prefix>/status.txt and <prefix>/stats.txt; the Reader
// answers console commands with the matching object.
package s3

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// objectGetter is the part of *s3.Client the reader uses.
type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Reader answers console commands from objects in a bucket.
type Reader struct {
	client  objectGetter
	config  *Config
	logger  *zap.Logger
	metrics *MetricsCollector
}

// NewReader loads the AWS configuration and creates a reader.
func NewReader(ctx context.Context, cfg *Config, logger *zap.Logger) (*Reader, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newReader(client, cfg, logger), nil
}

func newReader(client objectGetter, cfg *Config, logger *zap.Logger) *Reader {
	defaults := NewDefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = defaults.MaxObjectSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		client:  client,
		config:  cfg,
		logger:  logger.With(zap.String("bucket", cfg.Bucket), zap.String("prefix", cfg.Prefix)),
		metrics: NewMetricsCollector(),
	}
}

// Key returns the object key holding the output of command.
func (r *Reader) Key(command string) string {
	return path.Join(r.config.Prefix, command+".txt")
}

// Query returns the captured output of command.
func (r *Reader) Query(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	key := r.Key(command)
	start := time.Now()
	data, err := r.getObject(ctx, key)
	r.metrics.RecordRequest(time.Since(start), int64(len(data)), err)
	if err != nil {
		r.logger.Debug("GetObject failed", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return string(data), nil
}

// Metrics returns the read statistics.
func (r *Reader) Metrics() ReaderMetrics {
	return r.metrics.Snapshot()
}

func (r *Reader) getObject(ctx context.Context, key string) ([]byte, error) {
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, r.translateError(err, key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(io.LimitReader(result.Body, r.config.MaxObjectSize+1))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "failed to read object body", err).
			WithComponent("s3").
			WithTarget(key)
	}
	if int64(len(data)) > r.config.MaxObjectSize {
		return nil, errors.NewError(errors.ErrCodeParseFailed,
			fmt.Sprintf("object exceeds %d bytes", r.config.MaxObjectSize)).
			WithComponent("s3").
			WithTarget(key)
	}
	return data, nil
}

func (r *Reader) translateError(err error, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return errors.Wrap(errors.ErrCodeFetchFailure, fmt.Sprintf("object not found: %s", key), err).
			WithComponent("s3").
			WithTarget(key)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Wrap(errors.ErrCodeInvalidConfig, fmt.Sprintf("bucket not found: %s", r.config.Bucket), err).
			WithComponent("s3").
			WithTarget(key)
	case stderr.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.ErrCodeConnectionTimeout, "GetObject timed out", err).
			WithComponent("s3").
			WithTarget(key)
	default:
		return errors.Wrap(errors.ErrCodeConnectionFailed, "GetObject failed", err).
			WithComponent("s3").
			WithTarget(key)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
