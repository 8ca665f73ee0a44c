package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// bucketExists checks if the storage bucket exists
func (s *S3Storage) bucketExists(ctx context.Context) (bool, error) {
	_, err := s.pool.GetClient().HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return false, nil
	}
	s.pool.RecordError()
	return false, err
}

// ensureBucket fails unless the bucket exists, creating it first when create is set.
func (s *S3Storage) ensureBucket(ctx context.Context, region string, create bool) error {
	exists, err := s.bucketExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if !create {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}

	_, err = s.pool.GetClient().CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket:                    aws.String(s.bucket),
		CreateBucketConfiguration: bucketConfiguration(region),
	})
	if err != nil {
		s.pool.RecordError()
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("created bucket", zap.String("bucket", s.bucket), zap.String("region", region))
	return nil
}

// bucketConfiguration returns the location constraint for region. us-east-1
// rejects an explicit constraint.
func bucketConfiguration(region string) *types.CreateBucketConfiguration {
	if region == "" || region == "us-east-1" {
		return nil
	}
	return &types.CreateBucketConfiguration{
		LocationConstraint: types.BucketLocationConstraint(region),
	}
}
