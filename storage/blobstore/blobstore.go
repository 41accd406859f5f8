// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package blobstore declares the minimal object store surface the resource
// layer needs: keyed reads, full overwrites, downloads to disk and deletes
// inside a single container.
package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

var (
	// Error is the blobstore error class.
	Error = errs.Class("blobstore error")
	// ErrNotFound is returned when a key has no blob behind it.
	ErrNotFound = errs.Class("blob not found")
	// ErrTargetExists is returned when a download refuses to clobber a local file.
	ErrTargetExists = errs.Class("target file exists")
)

// Store grants access to the blobs of a single container.
//
// Put is a full overwrite; there is no partial update. Get and Download
// return ErrNotFound when the key has no blob.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data io.Reader, size int64) error
	Download(ctx context.Context, key, path string, overwrite bool) (string, error)
	Delete(ctx context.Context, key string) error
}

// Blob binds a Store to a single key.
type Blob struct {
	store Store
	key   string
}

// NewBlob creates a single-blob handle.
func NewBlob(store Store, key string) *Blob {
	return &Blob{store: store, key: key}
}

// Key returns the blob's key inside its container.
func (blob *Blob) Key() string { return blob.key }

// Get reads the whole blob.
func (blob *Blob) Get(ctx context.Context) ([]byte, error) {
	return blob.store.Get(ctx, blob.key)
}

// Download streams the blob to path, honoring overwrite.
func (blob *Blob) Download(ctx context.Context, path string, overwrite bool) (string, error) {
	return blob.store.Download(ctx, blob.key, path, overwrite)
}

// Update replaces the blob contents. A nil payload deletes the blob.
func (blob *Blob) Update(ctx context.Context, data []byte) error {
	if data == nil {
		return blob.store.Delete(ctx, blob.key)
	}
	return blob.store.Put(ctx, blob.key, bytes.NewReader(data), int64(len(data)))
}

// PrepareTarget makes sure path can be written: creates parent directories
// and, unless overwrite is set, refuses to clobber an existing file.
func PrepareTarget(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return ErrTargetExists.New("%s", path)
		}
		if err := os.RemoveAll(path); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
