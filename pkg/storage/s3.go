package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"ecssync/pkg/log"
	"ecssync/pkg/models"
	"ecssync/pkg/pool"
)

// S3Storage is a bucket (optionally under a key prefix) on S3 or an
// S3-compatible endpoint.
type S3Storage struct {
	*Meter
	bucket string
	prefix string
	pool   *pool.ConnectionPool
	logger *log.Logger

	multipartThreshold int64
	partSize           int64
	partWorkers        int
}

// NewS3Storage parses s3://bucket[/prefix][?endpoint=..&region=..&pathStyle=true&createBucket=bool].
// Query parameters override the storage.s3 settings of the process. With
// createBucket the bucket is checked up front and created when it is true.
// Objects of at least multipartThreshold bytes are written with a multipart
// upload using partSize parts (sized from the object when 0) and partWorkers
// concurrent part uploads.
func NewS3Storage(ctx context.Context, uri string, deps Deps) (*S3Storage, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, errors.New("s3 storage needs a bucket name")
	}

	settings := deps.S3
	q := u.Query()
	if v := q.Get("endpoint"); v != "" {
		settings.EndpointURL = v
	}
	if v := q.Get("region"); v != "" {
		settings.Region = v
	}
	if v := q.Get("pathStyle"); v != "" {
		if settings.ForcePathStyle, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid pathStyle: %q", v)
		}
	}
	threshold, err := int64Param(q, "multipartThreshold", defaultMultipartThreshold)
	if err != nil {
		return nil, err
	}
	partSize, err := int64Param(q, "partSize", 0)
	if err != nil {
		return nil, err
	}
	if partSize != 0 && partSize < minPartSize {
		return nil, fmt.Errorf("partSize must be at least %d", minPartSize)
	}
	workers, err := int64Param(q, "partWorkers", defaultPartWorkers)
	if err != nil || workers < 1 {
		return nil, fmt.Errorf("invalid partWorkers: %q", q.Get("partWorkers"))
	}
	checkBucket, createBucket := false, false
	if v := q.Get("createBucket"); v != "" {
		if createBucket, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid createBucket: %q", v)
		}
		checkBucket = true
	}

	logger := deps.Logger.Named("s3")
	cp, err := pool.NewConnectionPool(ctx, settings, logger)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	s := &S3Storage{
		Meter:              NewMeter(),
		bucket:             u.Host,
		prefix:             prefix,
		pool:               cp,
		logger:             logger,
		multipartThreshold: threshold,
		partSize:           partSize,
		partWorkers:        int(workers),
	}
	if checkBucket {
		if err := s.ensureBucket(ctx, settings.Region, createBucket); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func int64Param(q url.Values, name string, def int64) (int64, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

func (s *S3Storage) Name() string { return "s3://" + s.bucket + "/" + s.prefix }

func (s *S3Storage) key(identifier string) string {
	return s.prefix + identifier
}

func (s *S3Storage) List(ctx context.Context) iter.Seq2[*models.ObjectSummary, error] {
	return func(yield func(*models.ObjectSummary, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.pool.GetClient(), &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				s.pool.RecordError()
				yield(nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, s.prefix, err))
				return
			}
			for _, obj := range page.Contents {
				id := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
				if id == "" {
					continue
				}
				summary := &models.ObjectSummary{
					Identifier:  strings.TrimSuffix(id, "/"),
					IsDirectory: strings.HasSuffix(id, "/"),
					Size:        aws.ToInt64(obj.Size),
				}
				if !yield(summary, nil) {
					return
				}
			}
		}
	}
}

func (s *S3Storage) ParseListLine(ctx context.Context, line string) (*models.ObjectSummary, error) {
	id := strings.TrimSpace(line)
	head, err := s.head(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.ObjectSummary{Identifier: id, Size: aws.ToInt64(head.ContentLength), ListFileRow: line}, nil
}

func (s *S3Storage) head(ctx context.Context, identifier string) (*s3.HeadObjectOutput, error) {
	head, err := s.pool.GetClient().HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(identifier)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, identifier)
		}
		s.pool.RecordError()
		return nil, fmt.Errorf("failed to get metadata of %s: %w", identifier, err)
	}
	return head, nil
}

// etagChecksum returns the MD5 carried in a single-part ETag.
func etagChecksum(etag *string) string {
	v := strings.Trim(aws.ToString(etag), `"`)
	if len(v) != 32 || strings.Contains(v, "-") {
		return ""
	}
	return strings.ToLower(v)
}

func (s *S3Storage) Load(ctx context.Context, identifier string) (*models.SyncObject, error) {
	head, err := s.head(ctx, identifier)
	dir := false
	if errors.Is(err, ErrObjectNotFound) {
		if h, derr := s.head(ctx, identifier+"/"); derr == nil {
			head, err, dir = h, nil, true
		}
	}
	if err != nil {
		return nil, err
	}
	md := models.ObjectMetadata{
		Directory:     dir,
		ContentLength: aws.ToInt64(head.ContentLength),
		ModTime:       aws.ToTime(head.LastModified),
		ContentType:   aws.ToString(head.ContentType),
		UserMetadata:  head.Metadata,
		Checksum:      etagChecksum(head.ETag),
	}
	return models.NewSyncObject(identifier, md, func() (io.ReadCloser, error) {
		resp, err := s.pool.GetClient().GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(identifier)),
		})
		if err != nil {
			s.pool.RecordError()
			return nil, fmt.Errorf("failed to get %s: %w", identifier, err)
		}
		return s.Reader(resp.Body), nil
	}), nil
}

func (s *S3Storage) Create(ctx context.Context, obj *models.SyncObject) (string, error) {
	if err := s.Update(ctx, obj.RelativePath, obj); err != nil {
		return "", err
	}
	return obj.RelativePath, nil
}

func (s *S3Storage) Update(ctx context.Context, identifier string, obj *models.SyncObject) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key(identifier)),
		Metadata: obj.Metadata.UserMetadata,
	}
	if obj.Metadata.ContentType != "" {
		input.ContentType = aws.String(obj.Metadata.ContentType)
	}
	if obj.Metadata.Directory {
		input.Key = aws.String(s.key(identifier) + "/")
		input.Body = strings.NewReader("")
		input.ContentLength = aws.Int64(0)
	} else {
		body, err := obj.DataStream()
		if err != nil {
			return err
		}
		if obj.Metadata.ContentLength >= s.multipartThreshold {
			return s.putMultipart(ctx, input, s.Writer(body), obj.Metadata.ContentLength)
		}
		// Plain-HTTP endpoints need a seekable body for payload signing.
		data, err := io.ReadAll(s.Writer(body))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", identifier, err)
		}
		input.Body = bytes.NewReader(data)
		input.ContentLength = aws.Int64(int64(len(data)))
	}

	if _, err := s.pool.GetClient().PutObject(ctx, input); err != nil {
		s.pool.RecordError()
		s.logger.Debug("put object failed", zap.String("key", aws.ToString(input.Key)), zap.Error(err))
		return fmt.Errorf("failed to put %s: %w", identifier, err)
	}
	return nil
}

func (s *S3Storage) Delete(ctx context.Context, identifier string) error {
	_, err := s.pool.GetClient().DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(identifier)),
	})
	if err != nil {
		s.pool.RecordError()
		return fmt.Errorf("failed to delete %s: %w", identifier, err)
	}
	return nil
}

func (s *S3Storage) Close() error { return nil }
