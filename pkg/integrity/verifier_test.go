package integrity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecssync/pkg/models"
)

const emptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"

func TestMD5Verifier(t *testing.T) {
	file := models.ObjectMetadata{}
	dir := models.ObjectMetadata{Directory: true}

	tests := []struct {
		name    string
		v       MD5Verifier
		source  *models.SyncObject
		target  *models.SyncObject
		wantErr bool
	}{
		{
			name:   "identical data",
			source: models.NewBytesObject("a", file, []byte("hello")),
			target: models.NewBytesObject("a", file, []byte("hello")),
		},
		{
			name:    "different data",
			source:  models.NewBytesObject("a", file, []byte("hello")),
			target:  models.NewBytesObject("a", file, []byte("hellO")),
			wantErr: true,
		},
		{
			name:   "zero byte objects",
			source: models.NewBytesObject("z", file, nil),
			target: models.NewBytesObject("z", file, []byte{}),
		},
		{
			name:   "directories",
			source: models.NewSyncObject("d", dir, nil),
			target: models.NewSyncObject("d", dir, nil),
		},
		{
			name:    "directory flag mismatch",
			source:  models.NewSyncObject("d", dir, nil),
			target:  models.NewBytesObject("d", file, nil),
			wantErr: true,
		},
		{
			name:   "metadata checksum",
			v:      MD5Verifier{UseMetadataChecksum: true},
			source: models.NewBytesObject("z", file, nil),
			target: models.NewSyncObject("z", models.ObjectMetadata{Checksum: `"` + emptyMD5 + `"`}, nil),
		},
		{
			name:    "wrong metadata checksum",
			v:       MD5Verifier{UseMetadataChecksum: true},
			source:  models.NewBytesObject("a", file, []byte("x")),
			target:  models.NewSyncObject("a", models.ObjectMetadata{Checksum: emptyMD5}, nil),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Verify(context.Background(), tt.source, tt.target)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMismatch)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStreamingHasher(t *testing.T) {
	h := NewStreamingHasher()
	assert.Equal(t, emptyMD5, h.MD5())
	_, err := h.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", h.MD5())
	assert.Equal(t, int64(3), h.Size())
	assert.Equal(t, "abc", CleanETag(` "abc" `))
}
