package models

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"sync/atomic"
	"time"
)

// ObjectMetadata is the storage-independent metadata carried with an object.
type ObjectMetadata struct {
	Directory     bool              `json:"directory"`
	ContentLength int64             `json:"content_length"`
	ModTime       time.Time         `json:"mod_time"`
	ContentType   string            `json:"content_type,omitempty"`
	UserMetadata  map[string]string `json:"user_metadata,omitempty"`
	// Checksum is a hex MD5 reported by the storage, when it has one.
	Checksum string `json:"checksum,omitempty"`
}

// SyncObject is an object loaded from a storage. Its data stream is opened
// lazily on first use; every raw byte read from the source is counted and
// hashed so the source digest survives filters that replace the stream.
type SyncObject struct {
	RelativePath string
	Metadata     ObjectMetadata

	open   func() (io.ReadCloser, error)
	raw    io.ReadCloser
	source io.Reader
	stream io.Reader
	hasher hash.Hash
	read   atomic.Int64
}

// NewSyncObject creates an object whose data is produced by open. A nil open
// yields an empty stream.
func NewSyncObject(relativePath string, md ObjectMetadata, open func() (io.ReadCloser, error)) *SyncObject {
	return &SyncObject{RelativePath: relativePath, Metadata: md, open: open}
}

// NewBytesObject creates an object backed by an in-memory payload.
func NewBytesObject(relativePath string, md ObjectMetadata, data []byte) *SyncObject {
	md.ContentLength = int64(len(data))
	return NewSyncObject(relativePath, md, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

func (o *SyncObject) openSource() error {
	if o.source != nil {
		return nil
	}
	rc := io.NopCloser(bytes.NewReader(nil))
	if o.open != nil && !o.Metadata.Directory {
		var err error
		if rc, err = o.open(); err != nil {
			return err
		}
	}
	o.raw = rc
	o.hasher = md5.New()
	o.source = &meteredReader{r: rc, h: o.hasher, n: &o.read}
	return nil
}

// DataStream returns the stream the target should consume.
func (o *SyncObject) DataStream() (io.Reader, error) {
	if o.stream != nil {
		return o.stream, nil
	}
	if err := o.openSource(); err != nil {
		return nil, err
	}
	o.stream = o.source
	return o.stream, nil
}

// SetDataStream replaces the stream handed to the target. Filters call this
// to wrap the current stream.
func (o *SyncObject) SetDataStream(r io.Reader) {
	o.stream = r
}

// Md5Hex returns the hex MD5 of the raw source bytes read so far. With
// forceRead set, any unread source bytes are consumed first.
func (o *SyncObject) Md5Hex(forceRead bool) (string, error) {
	if err := o.openSource(); err != nil {
		return "", err
	}
	if forceRead {
		if _, err := io.Copy(io.Discard, o.source); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(o.hasher.Sum(nil)), nil
}

// BytesRead returns the number of raw source bytes read.
func (o *SyncObject) BytesRead() int64 {
	return o.read.Load()
}

// Close releases the underlying source stream.
func (o *SyncObject) Close() error {
	if o.raw == nil {
		return nil
	}
	err := o.raw.Close()
	o.raw = nil
	return err
}

type meteredReader struct {
	r io.Reader
	h hash.Hash
	n *atomic.Int64
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.h.Write(p[:n])
		m.n.Add(int64(n))
	}
	return n, err
}
