package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecssync/pkg/config"
	"ecssync/pkg/models"
)

func collect(t *testing.T, s Storage) []*models.ObjectSummary {
	t.Helper()
	var out []*models.ObjectSummary
	for summary, err := range s.List(context.Background()) {
		require.NoError(t, err)
		out = append(out, summary)
	}
	return out
}

func readAll(t *testing.T, obj *models.SyncObject) []byte {
	t.Helper()
	r, err := obj.DataStream()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestMemoryStorageGeneratesTestObjects(t *testing.T) {
	ns := NewNamespace()
	src, err := NewMemoryStorage(ns, "mem://source?objects=10&maxSize=1024&seed=42")
	require.NoError(t, err)

	summaries := collect(t, src)
	require.Len(t, summaries, 10)
	for _, s := range summaries {
		assert.LessOrEqual(t, s.Size, int64(1024))
		assert.False(t, s.IsDirectory)
	}

	// a second storage on the same bucket reuses the generated objects
	again, err := NewMemoryStorage(ns, "mem://source?objects=3")
	require.NoError(t, err)
	assert.Len(t, collect(t, again), 10)

	withDirs, err := NewMemoryStorage(ns, "mem://tree?objects=4&dirs=2&seed=1")
	require.NoError(t, err)
	var dirs int
	for _, s := range collect(t, withDirs) {
		if s.IsDirectory {
			dirs++
		}
	}
	assert.Equal(t, 2, dirs)

	_, err = NewMemoryStorage(ns, "mem://bad?objects=-1")
	assert.Error(t, err)
	_, err = NewMemoryStorage(ns, "mem://")
	assert.Error(t, err)
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	ns := NewNamespace()
	src, err := NewMemoryStorage(ns, "mem://a")
	require.NoError(t, err)
	dst, err := NewMemoryStorage(ns, "mem://b")
	require.NoError(t, err)
	ctx := context.Background()

	src.Bucket().Put("x/y.txt", models.ObjectMetadata{ContentType: "text/plain", UserMetadata: map[string]string{"k": "v"}}, []byte("hello"))

	obj, err := src.Load(ctx, "x/y.txt")
	require.NoError(t, err)
	id, err := dst.Create(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, "x/y.txt", id)

	copied, err := dst.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), readAll(t, copied))
	assert.Equal(t, "v", copied.Metadata.UserMetadata["k"])
	assert.Equal(t, int64(5), copied.Metadata.ContentLength)

	summary, err := src.ParseListLine(ctx, " x/y.txt \n")
	require.NoError(t, err)
	assert.Equal(t, "x/y.txt", summary.Identifier)
	assert.Equal(t, int64(5), summary.Size)

	_, err = src.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	require.NoError(t, dst.Delete(ctx, id))
	assert.ErrorIs(t, dst.Delete(ctx, id), ErrObjectNotFound)
}

func TestMemoryStorageListStopsEarly(t *testing.T) {
	src, err := NewMemoryStorage(NewNamespace(), "mem://s?objects=20&seed=3")
	require.NoError(t, err)

	n := 0
	for range src.List(context.Background()) {
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range src.List(ctx) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestFilesystemStorage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "sub", "b.json"), []byte(`{"b":1}`), 0o644))
	mtime := time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(root, "src", "a.txt"), mtime, mtime))

	deps := Deps{}.withDefaults()
	src, err := NewFilesystemStorage("file://"+filepath.Join(root, "src"), deps)
	require.NoError(t, err)
	dst, err := NewFilesystemStorage("file:"+filepath.Join(root, "dst"), deps)
	require.NoError(t, err)
	ctx := context.Background()

	var ids []string
	for _, s := range collect(t, src) {
		ids = append(ids, s.Identifier)
		if s.Identifier == "sub" {
			assert.True(t, s.IsDirectory)
		}
	}
	assert.ElementsMatch(t, []string{"a.txt", "sub", "sub/b.json"}, ids)

	for _, id := range ids {
		obj, err := src.Load(ctx, id)
		require.NoError(t, err)
		_, err = dst.Create(ctx, obj)
		require.NoError(t, err)
		require.NoError(t, obj.Close())
	}

	data, err := os.ReadFile(filepath.Join(root, "dst", "sub", "b.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"b":1}`, string(data))

	copied, err := dst.Load(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, copied.Metadata.ModTime.Equal(mtime))
	assert.Equal(t, []byte("alpha"), readAll(t, copied))
	assert.Contains(t, copied.Metadata.ContentType, "text/plain")

	_, err = src.Load(ctx, "../outside")
	assert.Error(t, err)
	_, err = src.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	require.NoError(t, dst.Delete(ctx, "a.txt"))
	assert.ErrorIs(t, dst.Delete(ctx, "a.txt"), ErrObjectNotFound)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	s, err := r.Resolve(ctx, "mem://bucket", Deps{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	s, err = r.Resolve(ctx, "file:"+t.TempDir(), Deps{})
	require.NoError(t, err)
	assert.IsType(t, &FilesystemStorage{}, s)

	_, err = r.Resolve(ctx, "cas://cluster", Deps{})
	assert.ErrorIs(t, err, ErrUnknownScheme)

	boom := errors.New("boom")
	r.Register("mem://special", func(ctx context.Context, uri string, deps Deps) (Storage, error) {
		return nil, boom
	})
	_, err = r.Resolve(ctx, "mem://special-bucket", Deps{})
	assert.ErrorIs(t, err, boom)
	_, err = r.Resolve(ctx, "mem://regular", Deps{})
	assert.NoError(t, err)
}

func TestS3StorageFromURI(t *testing.T) {
	deps := Deps{S3: config.S3Settings{AccessKeyID: "ak", SecretAccessKey: "sk", PoolSize: 2}}.withDefaults()
	s, err := NewS3Storage(context.Background(), "s3://bucket/some/prefix?endpoint=http://localhost:9000&region=eu-west-1", deps)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/some/prefix/", s.Name())
	assert.Equal(t, "some/prefix/a.txt", s.key("a.txt"))
	assert.Equal(t, 2, s.pool.Stats().Size)

	_, err = NewS3Storage(context.Background(), "s3://bucket?pathStyle=maybe", deps)
	assert.Error(t, err)
}

// fakeBucketServer answers HeadBucket and CreateBucket for path-style requests.
type fakeBucketServer struct {
	mu      sync.Mutex
	buckets map[string]bool
	created []string
	status  int
}

func (f *fakeBucketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := strings.Trim(r.URL.Path, "/")
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	switch r.Method {
	case http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	case http.MethodPut:
		f.buckets[bucket] = true
		f.created = append(f.created, bucket)
	}
	w.WriteHeader(http.StatusOK)
}

func TestS3CreateBucket(t *testing.T) {
	fake := &fakeBucketServer{buckets: map[string]bool{"existing": true}}
	server := httptest.NewServer(fake)
	defer server.Close()

	deps := Deps{S3: config.S3Settings{AccessKeyID: "ak", SecretAccessKey: "sk", MaxRetries: 1}}.withDefaults()
	ctx := context.Background()
	uri := func(bucket, create string) string {
		return "s3://" + bucket + "?endpoint=" + server.URL + "&pathStyle=true&createBucket=" + create
	}

	_, err := NewS3Storage(ctx, uri("existing", "false"), deps)
	require.NoError(t, err)

	_, err = NewS3Storage(ctx, uri("fresh", "maybe"), deps)
	assert.ErrorContains(t, err, "createBucket")

	_, err = NewS3Storage(ctx, uri("missing", "false"), deps)
	assert.ErrorContains(t, err, "does not exist")

	_, err = NewS3Storage(ctx, uri("fresh", "true"), deps)
	require.NoError(t, err)
	fake.mu.Lock()
	assert.Equal(t, []string{"fresh"}, fake.created)
	fake.status = http.StatusForbidden
	fake.mu.Unlock()

	_, err = NewS3Storage(ctx, uri("existing", "true"), deps)
	assert.ErrorContains(t, err, "failed to check bucket")
}

type fakeObject struct {
	data        []byte
	contentType string
	meta        map[string]string
	modified    time.Time
}

// fakeObjectServer serves path-style object requests for a single bucket.
// Listings come back pageSize keys at a time.
type fakeObjectServer struct {
	mu       sync.Mutex
	objects  map[string]*fakeObject
	pageSize int
	lists    int
}

func (f *fakeObjectServer) put(key, body string, meta map[string]string) {
	f.objects[key] = &fakeObject{
		data:        []byte(body),
		contentType: "text/plain",
		meta:        meta,
		modified:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeObjectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != "bucket" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodGet && key == "" && q.Get("list-type") == "2":
		f.lists++
		f.list(w, q.Get("prefix"), q.Get("continuation-token"))
	case r.Method == http.MethodHead || r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sum := md5.Sum(obj.data)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
		w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		for k, v := range obj.meta {
			w.Header().Set("x-amz-meta-"+k, v)
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(obj.data)
		}
	case r.Method == http.MethodPut:
		if strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		body, _ := io.ReadAll(r.Body)
		meta := map[string]string{}
		for k := range r.Header {
			if name, ok := strings.CutPrefix(strings.ToLower(k), "x-amz-meta-"); ok {
				meta[name] = r.Header.Get(k)
			}
		}
		f.objects[key] = &fakeObject{data: body, contentType: r.Header.Get("Content-Type"), meta: meta, modified: time.Now().UTC()}
		sum := md5.Sum(body)
		w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeObjectServer) list(w http.ResponseWriter, prefix, token string) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	start, _ := strconv.Atoi(token)
	end := min(start+f.pageSize, len(keys))

	var b strings.Builder
	b.WriteString(`<ListBucketResult><Name>bucket</Name>`)
	fmt.Fprintf(&b, `<Prefix>%s</Prefix><KeyCount>%d</KeyCount>`, prefix, end-start)
	if end < len(keys) {
		fmt.Fprintf(&b, `<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>`, end)
	} else {
		b.WriteString(`<IsTruncated>false</IsTruncated>`)
	}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size><LastModified>%s</LastModified></Contents>`,
			k, len(obj.data), obj.modified.Format(time.RFC3339))
	}
	b.WriteString(`</ListBucketResult>`)
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, b.String())
}

func TestS3ObjectRoundTrip(t *testing.T) {
	fake := &fakeObjectServer{objects: map[string]*fakeObject{}, pageSize: 2}
	fake.put("data/a.txt", "aaa", map[string]string{"owner": "ops"})
	fake.put("data/b/", "", nil)
	fake.put("data/b/c.txt", "cc", nil)
	fake.put("data/d.bin", "dddd", nil)
	fake.put("other/x", "x", nil)
	server := httptest.NewServer(fake)
	defer server.Close()

	deps := Deps{S3: config.S3Settings{AccessKeyID: "ak", SecretAccessKey: "sk", MaxRetries: 1}}.withDefaults()
	ctx := context.Background()
	s, err := NewS3Storage(ctx, "s3://bucket/data?pathStyle=true&endpoint="+server.URL, deps)
	require.NoError(t, err)

	var ids []string
	var dirs []string
	for _, summary := range collect(t, s) {
		ids = append(ids, summary.Identifier)
		if summary.IsDirectory {
			dirs = append(dirs, summary.Identifier)
		}
	}
	assert.Equal(t, []string{"a.txt", "b", "b/c.txt", "d.bin"}, ids)
	assert.Equal(t, []string{"b"}, dirs)
	fake.mu.Lock()
	assert.Equal(t, 2, fake.lists)
	fake.mu.Unlock()

	obj, err := s.Load(ctx, "a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 3, obj.Metadata.ContentLength)
	assert.Equal(t, "text/plain", obj.Metadata.ContentType)
	assert.Equal(t, map[string]string{"owner": "ops"}, obj.Metadata.UserMetadata)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), obj.Metadata.ModTime.UTC())
	sum := md5.Sum([]byte("aaa"))
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.Metadata.Checksum)
	stream, err := obj.DataStream()
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(data))
	require.NoError(t, obj.Close())

	dir, err := s.Load(ctx, "b")
	require.NoError(t, err)
	assert.True(t, dir.Metadata.Directory)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	id, err := s.Create(ctx, models.NewBytesObject("new/e.txt",
		models.ObjectMetadata{ContentType: "text/csv", UserMetadata: map[string]string{"source": "ecs"}},
		[]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "new/e.txt", id)
	_, err = s.Create(ctx, models.NewBytesObject("folder", models.ObjectMetadata{Directory: true}, nil))
	require.NoError(t, err)

	fake.mu.Lock()
	written := fake.objects["data/new/e.txt"]
	require.NotNil(t, written)
	assert.Equal(t, "hello", string(written.data))
	assert.Equal(t, "text/csv", written.contentType)
	assert.Equal(t, map[string]string{"source": "ecs"}, written.meta)
	require.Contains(t, fake.objects, "data/folder/")
	assert.Empty(t, fake.objects["data/folder/"].data)
	fake.mu.Unlock()

	require.NoError(t, s.Delete(ctx, "a.txt"))
	_, err = s.Load(ctx, "a.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	line, err := s.ParseListLine(ctx, " d.bin ")
	require.NoError(t, err)
	assert.Equal(t, "d.bin", line.Identifier)
	assert.EqualValues(t, 4, line.Size)
}

// fakeMultipartServer records a path-style multipart upload.
type fakeMultipartServer struct {
	mu       sync.Mutex
	parts    map[string]int
	complete string
	aborted  bool
	failPart string
}

func (f *fakeMultipartServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	body, _ := io.ReadAll(r.Body)
	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, `<InitiateMultipartUploadResult><Bucket>bucket</Bucket><Key>big.bin</Key><UploadId>u-1</UploadId></InitiateMultipartUploadResult>`)
	case r.Method == http.MethodPut && q.Get("uploadId") == "u-1":
		n := q.Get("partNumber")
		if n == f.failPart {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.parts[n] = len(body)
		w.Header().Set("ETag", `"etag-`+n+`"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && q.Get("uploadId") == "u-1":
		f.complete = string(body)
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, `<CompleteMultipartUploadResult><Bucket>bucket</Bucket><Key>big.bin</Key><ETag>"done-3"</ETag></CompleteMultipartUploadResult>`)
	case r.Method == http.MethodDelete && q.Get("uploadId") == "u-1":
		f.aborted = true
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestS3MultipartUpload(t *testing.T) {
	const partSize = 5 << 20
	data := make([]byte, 2*partSize+1024)
	for i := range data {
		data[i] = byte(i)
	}

	tests := []struct {
		name     string
		failPart string
		wantErr  bool
	}{
		{name: "all parts"},
		{name: "failed part aborts", failPart: "2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeMultipartServer{parts: map[string]int{}, failPart: tt.failPart}
			server := httptest.NewServer(fake)
			defer server.Close()

			deps := Deps{S3: config.S3Settings{AccessKeyID: "ak", SecretAccessKey: "sk", MaxRetries: 1}}.withDefaults()
			s, err := NewS3Storage(context.Background(),
				"s3://bucket?pathStyle=true&partSize=5242880&multipartThreshold=5242880&partWorkers=2&endpoint="+server.URL, deps)
			require.NoError(t, err)

			obj := models.NewBytesObject("big.bin", models.ObjectMetadata{ContentLength: int64(len(data))}, data)
			_, err = s.Create(context.Background(), obj)

			fake.mu.Lock()
			defer fake.mu.Unlock()
			if tt.wantErr {
				assert.ErrorContains(t, err, "part 2")
				assert.True(t, fake.aborted)
				assert.Empty(t, fake.complete)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"1": partSize, "2": partSize, "3": 1024}, fake.parts)
			assert.Contains(t, fake.complete, "<PartNumber>3</PartNumber>")
			assert.Less(t, strings.Index(fake.complete, `etag-1`), strings.Index(fake.complete, `etag-3`))
			assert.False(t, fake.aborted)
		})
	}
}

func TestPartSizeFor(t *testing.T) {
	assert.EqualValues(t, 5<<20, partSizeFor(10<<20))
	assert.EqualValues(t, 10<<20, partSizeFor(500<<20))
	assert.EqualValues(t, 25<<20, partSizeFor(5<<30))
	big := int64(1) << 40
	assert.Less(t, big/partSizeFor(big), int64(maxParts))

	deps := Deps{}.withDefaults()
	_, err := NewS3Storage(context.Background(), "s3://bucket?partSize=1024", deps)
	assert.ErrorContains(t, err, "partSize")
	_, err = NewS3Storage(context.Background(), "s3://bucket?partWorkers=0", deps)
	assert.ErrorContains(t, err, "partWorkers")
}

func TestBucketConfiguration(t *testing.T) {
	assert.Nil(t, bucketConfiguration(""))
	assert.Nil(t, bucketConfiguration("us-east-1"))
	cfg := bucketConfiguration("eu-west-1")
	require.NotNil(t, cfg)
	assert.EqualValues(t, "eu-west-1", cfg.LocationConstraint)
}

func TestEtagChecksum(t *testing.T) {
	v := `"D41D8CD98F00B204E9800998ECF8427E"`
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", etagChecksum(&v))
	multipart := `"d41d8cd98f00b204e9800998ecf8427e-3"`
	assert.Empty(t, etagChecksum(&multipart))
	assert.Empty(t, etagChecksum(nil))
}
