package filter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"

	"github.com/gabriel-vasile/mimetype"

	"ecssync/pkg/models"
)

const (
	MetadataFilterType    = "metadata"
	ContentTypeFilterType = "content-type"
)

// MetadataFilter adds fixed user metadata to every object.
type MetadataFilter struct {
	values    map[string]string
	overwrite bool
}

// NewMetadataFilter uses every param as a metadata entry. The reserved param
// "overwrite=false" keeps existing values.
func NewMetadataFilter(params map[string]string) (Filter, error) {
	values := maps.Clone(params)
	overwrite := true
	if v, ok := values["overwrite"]; ok {
		overwrite = v != "false"
		delete(values, "overwrite")
	}
	if len(values) == 0 {
		return nil, errors.New("metadata filter needs at least one param")
	}
	return &MetadataFilter{values: values, overwrite: overwrite}, nil
}

func (f *MetadataFilter) Name() string { return MetadataFilterType }

func (f *MetadataFilter) Apply(ctx context.Context, obj *models.SyncObject) (*models.SyncObject, error) {
	if obj.Metadata.UserMetadata == nil {
		obj.Metadata.UserMetadata = make(map[string]string, len(f.values))
	}
	for k, v := range f.values {
		if _, exists := obj.Metadata.UserMetadata[k]; exists && !f.overwrite {
			continue
		}
		obj.Metadata.UserMetadata[k] = v
	}
	return obj, nil
}

// ContentTypeFilter fills in a missing content type by sniffing the head of
// the data stream.
type ContentTypeFilter struct {
	fallback string
	force    bool
}

const octetStream = "application/octet-stream"

// NewContentTypeFilter accepts "default" (used for empty or unrecognized
// content) and "force=true" (sniff even when a type is set).
func NewContentTypeFilter(params map[string]string) (Filter, error) {
	return &ContentTypeFilter{
		fallback: params["default"],
		force:    params["force"] == "true",
	}, nil
}

func (f *ContentTypeFilter) Name() string { return ContentTypeFilterType }

func (f *ContentTypeFilter) Apply(ctx context.Context, obj *models.SyncObject) (*models.SyncObject, error) {
	if obj.Metadata.Directory || (obj.Metadata.ContentType != "" && !f.force) {
		return obj, nil
	}
	stream, err := obj.DataStream()
	if err != nil {
		return nil, err
	}

	head := make([]byte, 3072)
	n, err := io.ReadFull(stream, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]
	obj.SetDataStream(io.MultiReader(bytes.NewReader(head), stream))

	detected := mimetype.Detect(head)
	if f.fallback != "" && (n == 0 || detected.Is(octetStream)) {
		obj.Metadata.ContentType = f.fallback
		return obj, nil
	}
	obj.Metadata.ContentType = detected.String()
	return obj, nil
}
