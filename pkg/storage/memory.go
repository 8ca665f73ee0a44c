package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"math/rand/v2"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"ecssync/pkg/models"
)

// Namespace holds the named in-memory buckets of one process.
type Namespace struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewNamespace() *Namespace {
	return &Namespace{buckets: make(map[string]*Bucket)}
}

// Bucket returns the bucket called name, creating it if needed.
func (n *Namespace) Bucket(name string) *Bucket {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.buckets[name]
	if !ok {
		b = &Bucket{objects: make(map[string]memObject)}
		n.buckets[name] = b
	}
	return b
}

// Bucket is a thread-safe map of objects.
type Bucket struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	md   models.ObjectMetadata
	data []byte
}

// Put stores a copy of md and data under id.
func (b *Bucket) Put(id string, md models.ObjectMetadata, data []byte) {
	md.ContentLength = int64(len(data))
	md.UserMetadata = maps.Clone(md.UserMetadata)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[id] = memObject{md: md, data: slices.Clone(data)}
}

// Get returns the metadata and data stored under id.
func (b *Bucket) Get(id string) (models.ObjectMetadata, []byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.objects[id]
	return o.md, o.data, ok
}

func (b *Bucket) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[id]
	delete(b.objects, id)
	return ok
}

// Keys returns the stored identifiers in order.
func (b *Bucket) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.objects))
}

func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// MemoryStorage is a storage over a Bucket. With objects=N in its URI an
// empty bucket is first filled with N random objects of up to maxSize bytes,
// which makes it a ready-made test source.
type MemoryStorage struct {
	*Meter
	name   string
	bucket *Bucket
}

// NewMemoryStorage parses mem://name[?objects=N&maxSize=B&seed=S&dirs=D].
func NewMemoryStorage(ns *Namespace, uri string) (*MemoryStorage, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("memory storage needs a bucket name")
	}

	s := &MemoryStorage{Meter: NewMeter(), name: u.Host, bucket: ns.Bucket(u.Host)}

	q := u.Query()
	count, err := intParam(q, "objects", 0)
	if err != nil {
		return nil, err
	}
	maxSize, err := intParam(q, "maxSize", 10*1024)
	if err != nil {
		return nil, err
	}
	seed, err := intParam(q, "seed", time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	dirs, err := intParam(q, "dirs", 0)
	if err != nil {
		return nil, err
	}
	if (count > 0 || dirs > 0) && s.bucket.Len() == 0 {
		generate(s.bucket, int(count), int(dirs), maxSize, uint64(seed))
	}
	return s, nil
}

func intParam(q url.Values, key string, def int64) (int64, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func generate(b *Bucket, count, dirs int, maxSize int64, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	now := time.Now().Truncate(time.Second)
	for d := 0; d < dirs; d++ {
		b.Put(fmt.Sprintf("dir-%02d", d), models.ObjectMetadata{Directory: true, ModTime: now}, nil)
	}
	for i := 0; i < count; i++ {
		data := make([]byte, rng.Int64N(maxSize+1))
		for j := range data {
			data[j] = byte(rng.UintN(256))
		}
		id := fmt.Sprintf("obj-%04d", i)
		if dirs > 0 {
			id = fmt.Sprintf("dir-%02d/%s", i%dirs, id)
		}
		b.Put(id, models.ObjectMetadata{
			ModTime:      now,
			ContentType:  "application/octet-stream",
			UserMetadata: map[string]string{"generated": "true"},
		}, data)
	}
}

func (s *MemoryStorage) Name() string { return "mem://" + s.name }

// Bucket exposes the underlying bucket.
func (s *MemoryStorage) Bucket() *Bucket { return s.bucket }

func (s *MemoryStorage) List(ctx context.Context) iter.Seq2[*models.ObjectSummary, error] {
	return func(yield func(*models.ObjectSummary, error) bool) {
		for _, id := range s.bucket.Keys() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			md, _, ok := s.bucket.Get(id)
			if !ok {
				continue
			}
			if !yield(&models.ObjectSummary{Identifier: id, IsDirectory: md.Directory, Size: md.ContentLength}, nil) {
				return
			}
		}
	}
}

func (s *MemoryStorage) ParseListLine(ctx context.Context, line string) (*models.ObjectSummary, error) {
	id := strings.TrimSpace(line)
	md, _, ok := s.bucket.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	return &models.ObjectSummary{Identifier: id, IsDirectory: md.Directory, Size: md.ContentLength, ListFileRow: line}, nil
}

func (s *MemoryStorage) Load(ctx context.Context, identifier string) (*models.SyncObject, error) {
	md, data, ok := s.bucket.Get(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, identifier)
	}
	md.UserMetadata = maps.Clone(md.UserMetadata)
	return models.NewSyncObject(identifier, md, func() (io.ReadCloser, error) {
		return s.Reader(io.NopCloser(bytes.NewReader(data))), nil
	}), nil
}

func (s *MemoryStorage) Create(ctx context.Context, obj *models.SyncObject) (string, error) {
	if err := s.Update(ctx, obj.RelativePath, obj); err != nil {
		return "", err
	}
	return obj.RelativePath, nil
}

func (s *MemoryStorage) Update(ctx context.Context, identifier string, obj *models.SyncObject) error {
	var buf bytes.Buffer
	if !obj.Metadata.Directory {
		src, err := obj.DataStream()
		if err != nil {
			return err
		}
		if _, err := io.Copy(&buf, s.Writer(src)); err != nil {
			return err
		}
	}
	s.bucket.Put(identifier, obj.Metadata, buf.Bytes())
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, identifier string) error {
	if !s.bucket.Remove(identifier) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, identifier)
	}
	return nil
}

func (s *MemoryStorage) Close() error { return nil }
