package integrity

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"ecssync/pkg/models"
)

// ErrMismatch is wrapped by every verification failure.
var ErrMismatch = errors.New("verification failed")

// StreamingHasher computes an MD5 and byte count of the data written to it.
type StreamingHasher struct {
	md5Hash hash.Hash
	size    int64
}

func NewStreamingHasher() *StreamingHasher {
	return &StreamingHasher{md5Hash: md5.New()}
}

func (sh *StreamingHasher) Write(p []byte) (int, error) {
	n, err := sh.md5Hash.Write(p)
	sh.size += int64(n)
	return n, err
}

func (sh *StreamingHasher) MD5() string { return hex.EncodeToString(sh.md5Hash.Sum(nil)) }
func (sh *StreamingHasher) Size() int64 { return sh.size }

// CleanETag strips quotes and whitespace from an ETag.
func CleanETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), "\"")
}

// Verifier compares an object read back from the target with its source.
type Verifier interface {
	Verify(ctx context.Context, source, target *models.SyncObject) error
}

// MD5Verifier compares the MD5 of the raw source bytes with the MD5 of the
// target data. With UseMetadataChecksum set, a checksum the target reports
// in its metadata is trusted instead of re-reading the data.
type MD5Verifier struct {
	UseMetadataChecksum bool
}

func (v MD5Verifier) Verify(ctx context.Context, source, target *models.SyncObject) error {
	if source.Metadata.Directory != target.Metadata.Directory {
		return fmt.Errorf("%w: %s: source directory=%t, target directory=%t",
			ErrMismatch, source.RelativePath, source.Metadata.Directory, target.Metadata.Directory)
	}
	if source.Metadata.Directory {
		return nil
	}

	sourceSum, err := source.Md5Hex(true)
	if err != nil {
		return fmt.Errorf("failed to read source %s: %w", source.RelativePath, err)
	}

	if v.UseMetadataChecksum && target.Metadata.Checksum != "" {
		if targetSum := strings.ToLower(CleanETag(target.Metadata.Checksum)); targetSum != sourceSum {
			return fmt.Errorf("%w: %s: source md5 %s, target checksum %s", ErrMismatch, source.RelativePath, sourceSum, targetSum)
		}
		return nil
	}

	stream, err := target.DataStream()
	if err != nil {
		return fmt.Errorf("failed to read target %s: %w", source.RelativePath, err)
	}
	hasher := NewStreamingHasher()
	if _, err := io.Copy(hasher, stream); err != nil {
		return fmt.Errorf("failed to read target %s: %w", source.RelativePath, err)
	}
	if hasher.MD5() != sourceSum {
		return fmt.Errorf("%w: %s: source md5 %s (%d bytes), target md5 %s (%d bytes)",
			ErrMismatch, source.RelativePath, sourceSum, source.BytesRead(), hasher.MD5(), hasher.Size())
	}
	return nil
}
