// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package resource implements a metadata indexed blob store. A resource is
// a named object with versioned content; one JSON sidecar document per
// resource name is the single source of truth for enumeration. Resources
// come in two flavors (archive keeps displaced versions as history, plain
// does not) and two layouts (grouped and flat).
package resource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/blobstore"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/metastore"
)

var (
	mon = monkit.Package()

	// Error is the resource storage error class.
	Error = errs.Class("resource error")
	// ErrNotFound is returned on a metadata miss.
	ErrNotFound = errs.Class("resource not found")
	// ErrAlreadyExists is returned when a push refuses to displace an
	// existing resource id.
	ErrAlreadyExists = errs.Class("resource already exists")
)

const metadataFile = "metadata.json"

// Options fix the shape of a resource at construction time.
type Options struct {
	// BasePath is the prefix inside the container; defaults to the
	// resource name. An explicit empty prefix is expressed as "/".
	BasePath string
	// Grouped resources carry a sub-namespace per entry.
	Grouped bool
	// Archive resources retain displaced versions as history.
	Archive bool
	// CacheMetadata memoizes the sidecar document between reads.
	CacheMetadata bool

	// NewResourceID produces an id when a push supplies none.
	NewResourceID func() string
	// NewResourceFile produces the on-store file name for an id.
	NewResourceFile func(id string) string
	// NewResourcePath computes the blob path for a file.
	NewResourcePath func(base, group, file string) string
}

// Storage is the public API over one resource name.
type Storage struct {
	log   *zap.Logger
	blobs blobstore.Store
	codec *codec.Codec
	meta  *metastore.Store

	name     string
	basePath string
	grouped  bool
	archive  bool

	newID   func() string
	newFile func(id string) string
	newPath func(base, group, file string) string

	now func() time.Time
}

// New creates the storage layer for the named resource inside the container
// served by blobs.
func New(log *zap.Logger, blobs blobstore.Store, cdc *codec.Codec, name string, options Options) *Storage {
	basePath := options.BasePath
	if basePath == "" {
		basePath = name
	} else if basePath == "/" {
		basePath = ""
	}

	storage := &Storage{
		log:      log,
		blobs:    blobs,
		codec:    cdc,
		name:     name,
		basePath: basePath,
		grouped:  options.Grouped,
		archive:  options.Archive,
		now:      func() time.Time { return time.Now().In(cdc.Location()) },
	}
	storage.meta = metastore.New(blobs, joinPath(basePath, metadataFile), cdc, options.CacheMetadata)

	storage.newID = options.NewResourceID
	if storage.newID == nil {
		storage.newID = func() string {
			return fmt.Sprintf("%s_%s", name, storage.now().Format("2006-01-02-15-04-05"))
		}
	}
	storage.newFile = options.NewResourceFile
	if storage.newFile == nil {
		storage.newFile = func(id string) string {
			return fmt.Sprintf("%s_%s.json", id, storage.now().Format("20060102150405"))
		}
	}
	storage.newPath = options.NewResourcePath
	if storage.newPath == nil {
		storage.newPath = func(base, group, file string) string {
			return joinPath(base, "data", group, file)
		}
	}
	return storage
}

// Name returns the resource name.
func (storage *Storage) Name() string { return storage.name }

// Grouped reports whether entries live under sub-namespaces.
func (storage *Storage) Grouped() bool { return storage.grouped }

// MetadataPath returns the sidecar document's blob key.
func (storage *Storage) MetadataPath() string { return storage.meta.Key() }

func joinPath(parts ...string) string {
	nonEmpty := parts[:0:0]
	for _, part := range parts {
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	return path.Join(nonEmpty...)
}

// Push uploads one version of a resource. The data blob is written before
// the metadata document, so an entry always references an existing blob.
// postPush, when not nil, runs after the upload succeeds and before the
// metadata commit.
func (storage *Storage) Push(ctx context.Context, data io.Reader, size int64, meta Meta, postPush func(Meta)) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	if meta == nil {
		meta = Meta{}
	}
	group := meta.Group()
	if storage.grouped && group == "" {
		return nil, Error.New("resource %q is grouped but no resource_group was supplied", storage.name)
	}
	if !storage.grouped && group != "" {
		return nil, Error.New("resource %q is flat but resource_group %q was supplied", storage.name, group)
	}

	id := meta.ID()
	if id == "" {
		id = storage.newID()
	}
	file := meta.File()
	if file == "" {
		file = storage.newFile(id)
	}
	blobPath := storage.newPath(storage.basePath, group, file)

	meta[KeyPublishDate] = storage.now()
	meta[KeyResourceID] = id
	meta[KeyResourceFile] = file
	meta[KeyResourcePath] = blobPath

	doc, err := storage.meta.JSON(ctx)
	if err != nil {
		return nil, err
	}
	// the document is mutated in place; a failed push drops it from the
	// cache so the next read starts from the stored copy
	defer func() {
		if err != nil {
			storage.meta.Invalidate()
		}
	}()
	if doc == nil {
		doc = map[string]interface{}{}
	}
	container := doc
	if storage.grouped {
		groupMap, ok := asMap(doc[group])
		if !ok {
			groupMap = map[string]interface{}{}
			doc[group] = groupMap
		}
		container = groupMap
	}

	var entry map[string]interface{}
	if storage.archive {
		entry, _ = asMap(container[id])
		if entry == nil {
			entry = map[string]interface{}{}
		}
		if entry[keyHistories] == nil {
			entry[keyHistories] = []interface{}{}
		}
		// demote the displaced version; current stays unset until the
		// blob upload succeeds
		if current, ok := entry[keyCurrent]; ok && current != nil {
			histories, _ := entry[keyHistories].([]interface{})
			entry[keyHistories] = append([]interface{}{current}, histories...)
			delete(entry, keyCurrent)
		}
	}

	storage.log.Debug("pushing resource",
		zap.String("resource", storage.name),
		zap.String("group", group),
		zap.String("id", id),
		zap.String("path", blobPath))

	if err := storage.blobs.Put(ctx, blobPath, data, size); err != nil {
		return nil, Error.Wrap(err)
	}

	if postPush != nil {
		postPush(meta)
	}

	if storage.archive {
		entry[keyCurrent] = map[string]interface{}(meta)
		container[id] = entry
	} else {
		merged, ok := asMap(container[id])
		if !ok {
			merged = map[string]interface{}{}
		}
		for key, value := range meta {
			merged[key] = value
		}
		container[id] = merged
	}

	if err := storage.meta.Update(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// PushFile uploads the named local file as one version of the resource.
func (storage *Storage) PushFile(ctx context.Context, filename string, meta Meta, postPush func(Meta)) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := os.Open(filename)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(file.Close())) }()

	info, err := file.Stat()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return storage.Push(ctx, file, info.Size(), meta, postPush)
}

// PushJSON encodes obj with the temporal codec and uploads it.
func (storage *Storage) PushJSON(ctx context.Context, obj interface{}, meta Meta, postPush func(Meta)) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := storage.codec.Encode(obj)
	if err != nil {
		return nil, err
	}
	return storage.Push(ctx, bytes.NewReader(data), int64(len(data)), meta, postPush)
}

// Document returns the whole metadata document, or nil when the resource
// has never been pushed.
func (storage *Storage) Document(ctx context.Context) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)
	return storage.meta.JSON(ctx)
}

// GroupMetadata returns the group's entry map. A missing group yields
// ErrNotFound.
func (storage *Storage) GroupMetadata(ctx context.Context, group string) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	if !storage.grouped {
		return nil, Error.New("resource %q is not grouped", storage.name)
	}
	doc, err := storage.meta.JSON(ctx)
	if err != nil {
		return nil, err
	}
	groupMap, ok := asMap(doc[group])
	if !ok {
		return nil, ErrNotFound.New("resource %q group %q", storage.name, group)
	}
	return groupMap, nil
}

// Metadata returns the live metadata of the entry. For archive resources
// that is the current version. Group must be empty for flat resources.
func (storage *Storage) Metadata(ctx context.Context, group, id string) (Meta, error) {
	return storage.MetadataVersion(ctx, group, id, CurrentVersion)
}

// MetadataVersion returns the metadata of a specific version of the entry.
// file selects by resource_file; CurrentVersion selects the live version.
func (storage *Storage) MetadataVersion(ctx context.Context, group, id, file string) (_ Meta, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := storage.lookupEntry(ctx, group, id)
	if err != nil {
		return nil, err
	}
	meta, ok := storage.resolveVersion(entry, file)
	if !ok {
		return nil, ErrNotFound.New("resource %q id %q version %q", storage.name, id, file)
	}
	if meta.ID() == "" {
		return nil, Error.New("resource %q id %q has a malformed metadata entry", storage.name, id)
	}
	return meta, nil
}

func (storage *Storage) lookupEntry(ctx context.Context, group, id string) (interface{}, error) {
	if storage.grouped && group == "" {
		return nil, Error.New("resource %q is grouped but no group was supplied", storage.name)
	}
	if !storage.grouped && group != "" {
		return nil, Error.New("resource %q is not grouped", storage.name)
	}
	doc, err := storage.meta.JSON(ctx)
	if err != nil {
		return nil, err
	}
	container := map[string]interface{}(doc)
	if storage.grouped {
		groupMap, ok := asMap(doc[group])
		if !ok {
			return nil, ErrNotFound.New("resource %q group %q", storage.name, group)
		}
		container = groupMap
	}
	entry, ok := container[id]
	if !ok {
		return nil, ErrNotFound.New("resource %q id %q", storage.name, id)
	}
	return entry, nil
}

// resolveVersion unwraps an entry into the metadata of the requested
// version. Plain entries only have a current version.
func (storage *Storage) resolveVersion(entry interface{}, file string) (Meta, bool) {
	entryMap, ok := asMeta(entry)
	if !ok {
		return nil, false
	}
	if !storage.archive {
		if file != CurrentVersion && file != "" && entryMap.File() != file {
			return nil, false
		}
		return entryMap, true
	}
	current, _ := asMeta(entryMap[keyCurrent])
	if file == CurrentVersion || file == "" {
		return current, current != nil
	}
	if current != nil && current.File() == file {
		return current, true
	}
	histories, _ := entryMap[keyHistories].([]interface{})
	for _, h := range histories {
		meta, ok := asMeta(h)
		if ok && meta.File() == file {
			return meta, true
		}
	}
	return nil, false
}

// Exists reports whether the entry is present in the metadata document.
func (storage *Storage) Exists(ctx context.Context, group, id string) (bool, error) {
	_, err := storage.Metadata(ctx, group, id)
	if err != nil {
		if ErrNotFound.Has(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Download streams the live version of the entry to filename and returns
// its metadata and the local path. An empty filename lands the file in a
// fresh temporary folder under the version's resource_file name.
func (storage *Storage) Download(ctx context.Context, group, id, filename string, overwrite bool) (Meta, string, error) {
	return storage.DownloadVersion(ctx, group, id, CurrentVersion, filename, overwrite)
}

// DownloadVersion is Download for a specific version.
func (storage *Storage) DownloadVersion(ctx context.Context, group, id, file, filename string, overwrite bool) (_ Meta, _ string, err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := storage.MetadataVersion(ctx, group, id, file)
	if err != nil {
		return nil, "", err
	}
	if filename == "" {
		folder, err := os.MkdirTemp("", "resource_download")
		if err != nil {
			return nil, "", Error.Wrap(err)
		}
		filename = filepath.Join(folder, meta.File())
	}
	local, err := storage.blobs.Download(ctx, meta.Path(), filename, overwrite)
	if err != nil {
		return nil, "", Error.Wrap(err)
	}
	return meta, local, nil
}

// DownloadGroup downloads the live version of every entry in the group into
// folder and returns the group metadata and the folder. An empty folder
// creates a fresh temporary one.
func (storage *Storage) DownloadGroup(ctx context.Context, group, folder string, overwrite bool) (_ map[string]interface{}, _ string, err error) {
	defer mon.Task()(&ctx)(&err)

	groupMap, err := storage.GroupMetadata(ctx, group)
	if err != nil {
		return nil, "", err
	}
	if folder == "" {
		folder, err = os.MkdirTemp("", "resource_download")
		if err != nil {
			return nil, "", Error.Wrap(err)
		}
	}
	for _, id := range sortedKeys(groupMap) {
		meta, ok := storage.resolveVersion(groupMap[id], CurrentVersion)
		if !ok {
			return nil, "", Error.New("resource %q group %q id %q has no current version", storage.name, group, id)
		}
		if _, err := storage.blobs.Download(ctx, meta.Path(), filepath.Join(folder, meta.File()), overwrite); err != nil {
			return nil, "", Error.Wrap(err)
		}
	}
	return groupMap, folder, nil
}

// Delete removes entries and their blobs. With an id it deletes that entry;
// with only a group it deletes every entry of the group. Deleting something
// that does not exist returns nil metadata and no error. Blob deletion
// failures are logged and skipped so the metadata stays authoritative.
func (storage *Storage) Delete(ctx context.Context, group, id string) (_ []Meta, err error) {
	defer mon.Task()(&ctx)(&err)

	if storage.grouped {
		if group == "" && id == "" {
			return nil, Error.New("resource %q: either group or id is required for delete", storage.name)
		}
	} else if id == "" {
		return nil, Error.New("resource %q: id is required for delete", storage.name)
	}

	doc, err := storage.meta.JSON(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			storage.meta.Invalidate()
		}
	}()
	if doc == nil {
		return nil, nil
	}
	container := doc
	if storage.grouped {
		groupMap, ok := asMap(doc[group])
		if !ok {
			return nil, nil
		}
		container = groupMap
	}

	ids := []string{id}
	if id == "" {
		ids = sortedKeys(container)
	}

	var deleted []Meta
	removed := 0
	for _, target := range ids {
		entry, ok := container[target]
		if !ok {
			continue
		}
		for _, meta := range storage.allVersions(entry) {
			if err := storage.blobs.Delete(ctx, meta.Path()); err != nil && !blobstore.ErrNotFound.Has(err) {
				storage.log.Warn("failed to delete resource blob, leaving it orphaned",
					zap.String("resource", storage.name),
					zap.String("path", meta.Path()),
					zap.Error(err))
			}
		}
		if meta, ok := storage.resolveVersion(entry, CurrentVersion); ok {
			deleted = append(deleted, meta)
		}
		delete(container, target)
		removed++
	}
	// entries without a resolvable version still count as removals, so the
	// rewrite below purges them from the document
	if removed == 0 {
		return nil, nil
	}

	if storage.grouped && len(container) == 0 {
		delete(doc, group)
	}
	if err := storage.meta.Update(ctx, doc); err != nil {
		return nil, err
	}
	return deleted, nil
}

// allVersions lists the current version and every history version of entry.
func (storage *Storage) allVersions(entry interface{}) []Meta {
	var versions []Meta
	entryMap, ok := asMeta(entry)
	if !ok {
		return nil
	}
	if !storage.archive {
		return []Meta{entryMap}
	}
	if current, ok := asMeta(entryMap[keyCurrent]); ok {
		versions = append(versions, current)
	}
	histories, _ := entryMap[keyHistories].([]interface{})
	for _, h := range histories {
		if meta, ok := asMeta(h); ok {
			versions = append(versions, meta)
		}
	}
	return versions
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
