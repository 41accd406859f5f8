// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package metastore keeps a JSON encoded metadata document in a sidecar
// blob. Updates replace the document atomically by full overwrite.
package metastore

import (
	"context"
	"sync"

	"github.com/zeebo/errs"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/blobstore"
)

// Error is the metastore error class.
var Error = errs.Class("metastore error")

// Store reads and writes one metadata document. When caching is enabled the
// last read document is memoized and Update refreshes it.
type Store struct {
	blob    *blobstore.Blob
	codec   *codec.Codec
	caching bool

	mu     sync.Mutex
	cached map[string]interface{}
	valid  bool
}

// New creates a metadata store over the blob at key.
func New(blobs blobstore.Store, key string, cdc *codec.Codec, caching bool) *Store {
	return &Store{
		blob:    blobstore.NewBlob(blobs, key),
		codec:   cdc,
		caching: caching,
	}
}

// Key returns the document's blob key.
func (store *Store) Key() string { return store.blob.Key() }

// JSON reads and decodes the document. It returns nil when the document
// does not exist yet.
func (store *Store) JSON(ctx context.Context) (map[string]interface{}, error) {
	if store.caching {
		store.mu.Lock()
		if store.valid {
			doc := store.cached
			store.mu.Unlock()
			return doc, nil
		}
		store.mu.Unlock()
	}

	data, err := store.blob.Get(ctx)
	if err != nil {
		if blobstore.ErrNotFound.Has(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	doc, err := store.codec.DecodeMap(data)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	store.remember(doc)
	return doc, nil
}

// Update encodes doc and replaces the document by full overwrite.
func (store *Store) Update(ctx context.Context, doc map[string]interface{}) error {
	data, err := store.codec.Encode(doc)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := store.blob.Update(ctx, data); err != nil {
		return Error.Wrap(err)
	}
	store.remember(doc)
	return nil
}

// Delete removes the document blob. Missing documents are not an error.
func (store *Store) Delete(ctx context.Context) error {
	err := store.blob.Update(ctx, nil)
	if err != nil && !blobstore.ErrNotFound.Has(err) {
		return Error.Wrap(err)
	}
	store.Invalidate()
	return nil
}

// Invalidate drops the cached document.
func (store *Store) Invalidate() {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.cached, store.valid = nil, false
}

func (store *Store) remember(doc map[string]interface{}) {
	if !store.caching {
		return
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.cached, store.valid = doc, true
}
