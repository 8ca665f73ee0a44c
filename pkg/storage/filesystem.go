package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"ecssync/pkg/models"
	"ecssync/pkg/pool"
)

// FilesystemStorage reads and writes a directory tree. Identifiers are
// slash-separated paths relative to the root.
type FilesystemStorage struct {
	*Meter
	root    string
	buffers *pool.BufferPool
}

// NewFilesystemStorage parses file:///abs/path or file:relative/path.
func NewFilesystemStorage(uri string, deps Deps) (*FilesystemStorage, error) {
	root := strings.TrimPrefix(strings.TrimPrefix(uri, "file://"), "file:")
	if root == "" {
		return nil, errors.New("filesystem storage needs a path")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FilesystemStorage{Meter: NewMeter(), root: root, buffers: deps.Buffers}, nil
}

func (s *FilesystemStorage) Name() string { return "file://" + s.root }

func (s *FilesystemStorage) path(identifier string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(identifier))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("identifier escapes storage root: %s", identifier)
	}
	return p, nil
}

func (s *FilesystemStorage) identifier(p string) (string, error) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (s *FilesystemStorage) List(ctx context.Context) iter.Seq2[*models.ObjectSummary, error] {
	return func(yield func(*models.ObjectSummary, error) bool) {
		stopped := false
		err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if p == s.root {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			id, err := s.identifier(p)
			if err != nil {
				return err
			}
			summary := &models.ObjectSummary{Identifier: id, IsDirectory: d.IsDir()}
			if !d.IsDir() {
				summary.Size = info.Size()
			}
			if !yield(summary, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

func (s *FilesystemStorage) ParseListLine(ctx context.Context, line string) (*models.ObjectSummary, error) {
	id := filepath.ToSlash(strings.TrimSpace(line))
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, notFound(err, id)
	}
	summary := &models.ObjectSummary{Identifier: id, IsDirectory: info.IsDir(), ListFileRow: line}
	if !info.IsDir() {
		summary.Size = info.Size()
	}
	return summary, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	return err
}

func (s *FilesystemStorage) Load(ctx context.Context, identifier string) (*models.SyncObject, error) {
	p, err := s.path(identifier)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, notFound(err, identifier)
	}

	md := models.ObjectMetadata{
		Directory: info.IsDir(),
		ModTime:   info.ModTime(),
	}
	if !info.IsDir() {
		md.ContentLength = info.Size()
		if mt, err := mimetype.DetectFile(p); err == nil {
			md.ContentType = mt.String()
		}
	}
	return models.NewSyncObject(identifier, md, func() (io.ReadCloser, error) {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		return s.Reader(f), nil
	}), nil
}

func (s *FilesystemStorage) Create(ctx context.Context, obj *models.SyncObject) (string, error) {
	if err := s.Update(ctx, obj.RelativePath, obj); err != nil {
		return "", err
	}
	return obj.RelativePath, nil
}

func (s *FilesystemStorage) Update(ctx context.Context, identifier string, obj *models.SyncObject) error {
	p, err := s.path(identifier)
	if err != nil {
		return err
	}
	if obj.Metadata.Directory {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
		return s.touch(p, obj)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := copyData(tmp, obj, s.Meter, s.buffers); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return err
	}
	return s.touch(p, obj)
}

func (s *FilesystemStorage) touch(p string, obj *models.SyncObject) error {
	if obj.Metadata.ModTime.IsZero() {
		return nil
	}
	return os.Chtimes(p, obj.Metadata.ModTime, obj.Metadata.ModTime)
}

func (s *FilesystemStorage) Delete(ctx context.Context, identifier string) error {
	p, err := s.path(identifier)
	if err != nil {
		return err
	}
	return notFound(os.Remove(p), identifier)
}

func (s *FilesystemStorage) Close() error { return nil }
