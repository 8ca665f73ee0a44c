package pool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"ecssync/pkg/config"
	"ecssync/pkg/log"
)

// ConnectionPool hands out S3 clients round-robin so concurrent sync workers
// spread over several HTTP transports.
type ConnectionPool struct {
	mu         sync.RWMutex
	clients    []*s3.Client
	currentIdx atomic.Uint32
	requests   atomic.Int64
	errors     atomic.Int64
}

// NewConnectionPool creates settings.PoolSize clients up front.
func NewConnectionPool(ctx context.Context, settings config.S3Settings, logger *log.Logger) (*ConnectionPool, error) {
	size := settings.PoolSize
	if size <= 0 {
		size = 1
	}
	cp := &ConnectionPool{clients: make([]*s3.Client, size)}
	for i := range cp.clients {
		client, err := newS3Client(ctx, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to create client %d: %w", i, err)
		}
		cp.clients[i] = client
	}
	logger.Debug("s3 connection pool ready",
		zap.Int("size", size),
		zap.String("endpoint", settings.EndpointURL),
		zap.String("region", settings.Region),
		zap.Bool("path_style", settings.ForcePathStyle || settings.EndpointURL != ""))
	return cp, nil
}

func newS3Client(ctx context.Context, s config.S3Settings) (*s3.Client, error) {
	region := s.Region
	if region == "" {
		// S3-compatible endpoints ignore the region but signing needs one
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if s.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(s.MaxRetries))
	}
	if s.HasStaticCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, s.SessionToken)))
	}
	if s.EndpointURL != "" {
		opts = append(opts, awsconfig.WithHTTPClient(&http.Client{
			Timeout: s.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.EndpointURL != "" {
			o.BaseEndpoint = aws.String(s.EndpointURL)
			o.UsePathStyle = true
		}
		if s.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// GetClient returns the next client round-robin.
func (cp *ConnectionPool) GetClient() *s3.Client {
	cp.requests.Add(1)
	idx := cp.currentIdx.Add(1)

	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.clients[int(idx%uint32(len(cp.clients)))]
}

// RecordError counts a failed request.
func (cp *ConnectionPool) RecordError() {
	cp.errors.Add(1)
}

// ConnectionPoolStats describes pool usage.
type ConnectionPoolStats struct {
	Size          int   `json:"size"`
	TotalRequests int64 `json:"total_requests"`
	TotalErrors   int64 `json:"total_errors"`
}

func (cp *ConnectionPool) Stats() ConnectionPoolStats {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return ConnectionPoolStats{
		Size:          len(cp.clients),
		TotalRequests: cp.requests.Load(),
		TotalErrors:   cp.errors.Load(),
	}
}
