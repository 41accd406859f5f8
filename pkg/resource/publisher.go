// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package resource

import (
	"context"
	"time"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/blobstore"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/metastore"
)

// MetadataPublisher maintains a bare index metadata document with no data
// blobs behind it, stamping publish_date on every update. The harvester
// uses one to summarize the latest scan window across all groups.
type MetadataPublisher struct {
	meta *metastore.Store
	now  func() time.Time
}

// NewMetadataPublisher creates a publisher for the named index document.
func NewMetadataPublisher(blobs blobstore.Store, cdc *codec.Codec, name, basePath string) *MetadataPublisher {
	if basePath == "" {
		basePath = name
	} else if basePath == "/" {
		basePath = ""
	}
	return &MetadataPublisher{
		meta: metastore.New(blobs, joinPath(basePath, metadataFile), cdc, false),
		now:  func() time.Time { return time.Now().In(cdc.Location()) },
	}
}

// JSON returns the index document, or nil when it has never been published.
func (publisher *MetadataPublisher) JSON(ctx context.Context) (map[string]interface{}, error) {
	return publisher.meta.JSON(ctx)
}

// Update stamps publish_date and replaces the index document.
func (publisher *MetadataPublisher) Update(ctx context.Context, doc map[string]interface{}) error {
	doc[KeyPublishDate] = publisher.now()
	return publisher.meta.Update(ctx, doc)
}
