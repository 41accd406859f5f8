// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package resource_test

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rockychen-dpaw/data-harvester-backup/internal/testcontext"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/resource"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/teststore"
)

func newCodec(t *testing.T) *codec.Codec {
	loc, err := time.LoadLocation("Australia/Perth")
	require.NoError(t, err)
	return codec.New(loc)
}

func TestPushFlat(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs := teststore.New()
	storage := resource.New(zaptest.NewLogger(t), blobs, newCodec(t), "report", resource.Options{})

	doc, err := storage.PushJSON(ctx, map[string]interface{}{"answer": float64(42)},
		resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.NoError(t, err)
	require.Contains(t, doc, "r1")

	meta, err := storage.Metadata(ctx, "", "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", meta.ID())
	require.NotEmpty(t, meta.File())
	require.Equal(t, "report/data/"+meta.File(), meta.Path())
	require.False(t, meta.PublishDate().IsZero())

	require.True(t, blobs.Has("report/metadata.json"))
	require.True(t, blobs.Has(meta.Path()))

	exists, err := storage.Exists(ctx, "", "r1")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = storage.Exists(ctx, "", "r2")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPushGroupValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cdc := newCodec(t)
	flat := resource.New(zaptest.NewLogger(t), teststore.New(), cdc, "report", resource.Options{})
	_, err := flat.PushJSON(ctx, "x", resource.Meta{
		resource.KeyResourceID:    "r1",
		resource.KeyResourceGroup: "g1",
	}, nil)
	require.Error(t, err)

	grouped := resource.New(zaptest.NewLogger(t), teststore.New(), cdc, "report", resource.Options{Grouped: true})
	_, err = grouped.PushJSON(ctx, "x", resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.Error(t, err)
}

func TestArchiveHistories(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	storage := resource.New(zaptest.NewLogger(t), teststore.New(), newCodec(t), "scan", resource.Options{
		Archive: true,
		NewResourceFile: func(id string) string {
			return id + "_" + time.Now().Format("20060102150405.000000") + ".json"
		},
	})

	_, err := storage.PushJSON(ctx, "v1", resource.Meta{resource.KeyResourceID: "hosts"}, nil)
	require.NoError(t, err)
	first, err := storage.Metadata(ctx, "", "hosts")
	require.NoError(t, err)

	_, err = storage.PushJSON(ctx, "v2", resource.Meta{resource.KeyResourceID: "hosts"}, nil)
	require.NoError(t, err)
	second, err := storage.Metadata(ctx, "", "hosts")
	require.NoError(t, err)
	require.NotEqual(t, first.File(), second.File())

	// the displaced version is still addressable by its file name
	history, err := storage.MetadataVersion(ctx, "", "hosts", first.File())
	require.NoError(t, err)
	require.Equal(t, first.File(), history.File())

	_, err = storage.MetadataVersion(ctx, "", "hosts", "never-pushed.json")
	require.True(t, resource.ErrNotFound.Has(err))
}

func TestPushKeepsBlobOnMetadataFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs := teststore.New()
	storage := resource.New(zaptest.NewLogger(t), blobs, newCodec(t), "report", resource.Options{})

	blobs.ForcedError = os.ErrPermission
	blobs.FailKeys["report/metadata.json"] = true

	_, err := storage.PushJSON(ctx, "x", resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.Error(t, err)

	// the data blob was uploaded before the metadata commit failed, so the
	// push is recoverable by re-running it
	blobs.ForcedError = nil
	_, err = storage.PushJSON(ctx, "x", resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.NoError(t, err)
	exists, err := storage.Exists(ctx, "", "r1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPushFailureLeavesCacheConsistent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs := teststore.New()
	storage := resource.New(zaptest.NewLogger(t), blobs, newCodec(t), "report", resource.Options{
		Archive:         true,
		CacheMetadata:   true,
		NewResourceFile: func(id string) string { return id + ".json" },
	})

	_, err := storage.PushJSON(ctx, "v1", resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.NoError(t, err)

	// the second push demotes the current version before uploading; when
	// the upload fails the cached document must not keep the demotion
	blobs.ForcedError = os.ErrPermission
	blobs.FailKeys["report/data/r1.json"] = true
	_, err = storage.PushJSON(ctx, "v2", resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.Error(t, err)

	blobs.ForcedError = nil
	meta, err := storage.Metadata(ctx, "", "r1")
	require.NoError(t, err)
	require.Equal(t, "r1.json", meta.File())

	_, err = storage.PushJSON(ctx, "v2", resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.NoError(t, err)
}

func TestDeletePurgesMalformedEntries(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs := teststore.New()
	cdc := newCodec(t)
	storage := resource.New(zaptest.NewLogger(t), blobs, cdc, "report", resource.Options{Archive: true})

	_, err := storage.PushJSON(ctx, "v1", resource.Meta{resource.KeyResourceID: "good"}, nil)
	require.NoError(t, err)

	// plant an entry with no resolvable version behind the storage's back
	raw, err := blobs.Get(ctx, "report/metadata.json")
	require.NoError(t, err)
	doc, err := cdc.DecodeMap(raw)
	require.NoError(t, err)
	doc["bad"] = map[string]interface{}{"histories": []interface{}{}}
	data, err := cdc.Encode(doc)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, "report/metadata.json", bytes.NewReader(data), int64(len(data))))

	deleted, err := storage.Delete(ctx, "", "bad")
	require.NoError(t, err)
	require.Nil(t, deleted)

	doc, err = storage.Document(ctx)
	require.NoError(t, err)
	require.NotContains(t, doc, "bad")
	require.Contains(t, doc, "good")
}

func TestDownload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	storage := resource.New(zaptest.NewLogger(t), teststore.New(), newCodec(t), "report", resource.Options{})
	_, err := storage.PushJSON(ctx, map[string]interface{}{"k": "v"},
		resource.Meta{resource.KeyResourceID: "r1"}, nil)
	require.NoError(t, err)

	target := ctx.File("downloads", "r1.json")
	meta, local, err := storage.Download(ctx, "", "r1", target, false)
	require.NoError(t, err)
	require.Equal(t, target, local)
	require.Equal(t, "r1", meta.ID())
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	require.Contains(t, string(data), `"k":"v"`)

	// refusing to overwrite
	_, _, err = storage.Download(ctx, "", "r1", target, false)
	require.Error(t, err)
	_, _, err = storage.Download(ctx, "", "r1", target, true)
	require.NoError(t, err)
}

func TestDownloadGroup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	storage := resource.New(zaptest.NewLogger(t), teststore.New(), newCodec(t), "loggedpoint", resource.Options{
		Grouped:         true,
		NewResourceFile: func(id string) string { return id + ".gpkg" },
	})
	for _, id := range []string{"loggedpoint2020-05-02", "loggedpoint2020-05-01"} {
		_, err := storage.PushJSON(ctx, "data", resource.Meta{
			resource.KeyResourceID:    id,
			resource.KeyResourceGroup: "loggedpoint2020-05",
		}, nil)
		require.NoError(t, err)
	}

	folder := ctx.Dir("group")
	groupMeta, local, err := storage.DownloadGroup(ctx, "loggedpoint2020-05", folder, false)
	require.NoError(t, err)
	require.Equal(t, folder, local)
	require.Len(t, groupMeta, 2)
	for _, id := range []string{"loggedpoint2020-05-01", "loggedpoint2020-05-02"} {
		_, err := os.Stat(ctx.File("group", id+".gpkg"))
		require.NoError(t, err)
	}

	_, _, err = storage.DownloadGroup(ctx, "loggedpoint2999-01", "", false)
	require.True(t, resource.ErrNotFound.Has(err))
}

func TestDeleteGrouped(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs := teststore.New()
	storage := resource.New(zaptest.NewLogger(t), blobs, newCodec(t), "loggedpoint", resource.Options{
		Grouped:         true,
		NewResourceFile: func(id string) string { return id + ".gpkg" },
	})
	for _, id := range []string{"a", "b"} {
		_, err := storage.PushJSON(ctx, "data", resource.Meta{
			resource.KeyResourceID:    id,
			resource.KeyResourceGroup: "g1",
		}, nil)
		require.NoError(t, err)
	}

	deleted, err := storage.Delete(ctx, "g1", "a")
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	require.False(t, blobs.Has(deleted[0].Path()))

	// deleting something that is not there is not an error
	deleted, err = storage.Delete(ctx, "g1", "a")
	require.NoError(t, err)
	require.Nil(t, deleted)

	// deleting the last entry removes the group key from the document
	_, err = storage.Delete(ctx, "g1", "b")
	require.NoError(t, err)
	doc, err := storage.Document(ctx)
	require.NoError(t, err)
	require.NotContains(t, doc, "g1")

	// neither group nor id
	_, err = storage.Delete(ctx, "", "")
	require.Error(t, err)
}

func TestMetadataPublisher(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs := teststore.New()
	publisher := resource.NewMetadataPublisher(blobs, newCodec(t), "nessus", "")

	doc, err := publisher.JSON(ctx)
	require.NoError(t, err)
	require.Nil(t, doc)

	require.NoError(t, publisher.Update(ctx, map[string]interface{}{"scan_endtime": time.Now()}))
	require.True(t, blobs.Has("nessus/metadata.json"))

	doc, err = publisher.JSON(ctx)
	require.NoError(t, err)
	require.Contains(t, doc, "scan_endtime")
	require.Contains(t, doc, resource.KeyPublishDate)
}
