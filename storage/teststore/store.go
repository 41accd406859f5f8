// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package teststore implements an in-memory blobstore.Store for tests.
package teststore

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/zeebo/errs"

	"github.com/rockychen-dpaw/data-harvester-backup/storage/blobstore"
)

// Store keeps blobs in memory.
type Store struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// ForcedError, when set, fails every call against keys in FailKeys.
	ForcedError error
	FailKeys    map[string]bool

	PutCount    int
	DeleteCount int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{blobs: map[string][]byte{}, FailKeys: map[string]bool{}}
}

func (store *Store) fail(key string) error {
	if store.ForcedError != nil && store.FailKeys[key] {
		return store.ForcedError
	}
	return nil
}

// Get reads the whole blob at key.
func (store *Store) Get(ctx context.Context, key string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.fail(key); err != nil {
		return nil, err
	}
	data, ok := store.blobs[key]
	if !ok {
		return nil, blobstore.ErrNotFound.New("%s", key)
	}
	return append([]byte(nil), data...), nil
}

// Put replaces the blob at key.
func (store *Store) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.fail(key); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return errs.Wrap(err)
	}
	store.blobs[key] = buf.Bytes()
	store.PutCount++
	return nil
}

// Download writes the blob at key to path.
func (store *Store) Download(ctx context.Context, key, path string, overwrite bool) (string, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if err := blobstore.PrepareTarget(path, overwrite); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errs.Wrap(err)
	}
	return path, nil
}

// Delete removes the blob at key.
func (store *Store) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.fail(key); err != nil {
		return err
	}
	if _, ok := store.blobs[key]; !ok {
		return blobstore.ErrNotFound.New("%s", key)
	}
	delete(store.blobs, key)
	store.DeleteCount++
	return nil
}

// Keys returns every stored key in order.
func (store *Store) Keys() []string {
	store.mu.Lock()
	defer store.mu.Unlock()

	keys := make([]string, 0, len(store.blobs))
	for key := range store.blobs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether a blob exists at key.
func (store *Store) Has(key string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.blobs[key]
	return ok
}
