package storage

import (
	"context"
	"errors"
	"io"
	"iter"

	"ecssync/pkg/config"
	"ecssync/pkg/log"
	"ecssync/pkg/models"
	"ecssync/pkg/pool"
	"ecssync/pkg/progress"
)

// ErrObjectNotFound is returned by Load and Delete for unknown identifiers.
var ErrObjectNotFound = errors.New("object not found")

// Storage is the capability every source and target provides.
type Storage interface {
	Name() string
	// List enumerates every object lazily. Iteration stops at the first error.
	List(ctx context.Context) iter.Seq2[*models.ObjectSummary, error]
	// ParseListLine turns one line of a source list into a summary.
	ParseListLine(ctx context.Context, line string) (*models.ObjectSummary, error)
	Load(ctx context.Context, identifier string) (*models.SyncObject, error)
	// Create writes obj at its relative path and returns the new identifier.
	Create(ctx context.Context, obj *models.SyncObject) (string, error)
	Update(ctx context.Context, identifier string, obj *models.SyncObject) error
	Delete(ctx context.Context, identifier string) error
	Close() error
}

// RateReporter is implemented by storages that meter their traffic.
type RateReporter interface {
	ReadRate() int64
	WriteRate() int64
}

// Deps are the shared resources handed to storage constructors.
type Deps struct {
	Buffers *pool.BufferPool
	S3      config.S3Settings
	Logger  *log.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Buffers == nil {
		d.Buffers = pool.NewBufferPool(0)
	}
	if d.Logger == nil {
		d.Logger = log.NewNop()
	}
	return d
}

// Meter tracks bytes per second read from and written to a storage.
type Meter struct {
	read  *progress.Window
	write *progress.Window
}

func NewMeter() *Meter {
	return &Meter{read: progress.NewDefaultWindow(), write: progress.NewDefaultWindow()}
}

func (m *Meter) ReadRate() int64  { return int64(m.read.Rate()) }
func (m *Meter) WriteRate() int64 { return int64(m.write.Rate()) }

// Reader counts bytes read through r as storage reads.
func (m *Meter) Reader(r io.ReadCloser) io.ReadCloser {
	return &countingReader{ReadCloser: r, w: m.read}
}

// Writer counts bytes pulled through r as storage writes.
func (m *Meter) Writer(r io.Reader) io.Reader {
	return &countingReader{ReadCloser: io.NopCloser(r), w: m.write}
}

type countingReader struct {
	io.ReadCloser
	w *progress.Window
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		c.w.Add(int64(n))
	}
	return n, err
}

// copyData streams obj's data into w using a pooled buffer.
func copyData(w io.Writer, obj *models.SyncObject, m *Meter, buffers *pool.BufferPool) (int64, error) {
	src, err := obj.DataStream()
	if err != nil {
		return 0, err
	}
	buf := buffers.Get()
	defer buffers.Put(buf)
	return io.CopyBuffer(w, m.Writer(src), *buf)
}
