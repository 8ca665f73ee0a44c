package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	defaultMultipartThreshold = 64 << 20
	minPartSize               = 5 << 20
	maxParts                  = 10000
	defaultPartWorkers        = 4
)

// partSizeFor picks a part size that grows with the object and keeps the
// part count under the S3 limit.
func partSizeFor(objectSize int64) int64 {
	var size int64
	switch {
	case objectSize < 100<<20:
		size = 5 << 20
	case objectSize < 1<<30:
		size = 10 << 20
	case objectSize < 10<<30:
		size = 25 << 20
	default:
		size = 50 << 20
	}
	for objectSize/size >= maxParts {
		size *= 2
	}
	return size
}

// putMultipart streams body into a multipart upload. Parts are read one at a
// time and uploaded by up to partWorkers goroutines.
func (s *S3Storage) putMultipart(ctx context.Context, input *s3.PutObjectInput, body io.Reader, size int64) error {
	client := s.pool.GetClient()
	created, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      input.Bucket,
		Key:         input.Key,
		Metadata:    input.Metadata,
		ContentType: input.ContentType,
	})
	if err != nil {
		s.pool.RecordError()
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := created.UploadId

	partSize := s.partSize
	if partSize <= 0 {
		partSize = partSizeFor(size)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		parts    []types.CompletedPart
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}
	sem := make(chan struct{}, s.partWorkers)

	for number := int32(1); ctx.Err() == nil; number++ {
		buf := make([]byte, partSize)
		n, rerr := io.ReadFull(body, buf)
		if n == 0 && number > 1 {
			break
		}
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			fail(fmt.Errorf("failed to read part %d: %w", number, rerr))
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(number int32, data []byte) {
			defer func() {
				<-sem
				wg.Done()
			}()
			out, err := client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        input.Bucket,
				Key:           input.Key,
				UploadId:      uploadID,
				PartNumber:    aws.Int32(number),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
			})
			if err != nil {
				fail(fmt.Errorf("failed to upload part %d: %w", number, err))
				return
			}
			mu.Lock()
			parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(number)})
			mu.Unlock()
		}(number, buf[:n])

		if rerr != nil {
			break
		}
	}
	wg.Wait()

	if firstErr != nil || ctx.Err() != nil {
		if firstErr == nil {
			firstErr = ctx.Err()
		}
		s.pool.RecordError()
		_, aerr := client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   input.Bucket,
			Key:      input.Key,
			UploadId: uploadID,
		})
		if aerr != nil {
			s.logger.Warn("abort multipart upload failed", zap.String("key", aws.ToString(input.Key)), zap.Error(aerr))
		}
		return firstErr
	}

	slices.SortFunc(parts, func(a, b types.CompletedPart) int {
		return int(aws.ToInt32(a.PartNumber) - aws.ToInt32(b.PartNumber))
	})
	_, err = client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          input.Bucket,
		Key:             input.Key,
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.pool.RecordError()
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}
