package document

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	dsync "github.com/ipfs/go-datastore/sync"
	"golang.org/x/crypto/blake2b"

	"github.com/mmynk/invoicechain/internal/apperr"
)

// hashPrefix tags blake2b-256 content addresses.
const hashPrefix = "b2-"

// DatastoreUploader keeps documents in a go-datastore keyed by their blake2b-256 digest.
type DatastoreUploader struct {
	store ds.Datastore
}

var _ Uploader = (*DatastoreUploader)(nil)

// NewDatastoreUploader wraps store. A nil store gets a thread-safe in-memory map.
func NewDatastoreUploader(store ds.Datastore) *DatastoreUploader {
	if store == nil {
		store = dsync.MutexWrap(ds.NewMapDatastore())
	}
	return &DatastoreUploader{store: store}
}

// ContentHash returns the content address of b.
func ContentHash(b []byte) string {
	sum := blake2b.Sum256(b)
	return hashPrefix + hex.EncodeToString(sum[:])
}

func documentKey(hash string) ds.Key {
	return ds.NewKey("/documents/" + hash)
}

// Upload stores content under its hash. Re-uploading identical content is a no-op.
func (u *DatastoreUploader) Upload(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := ContentHash(content)
	key := documentKey(hash)

	exists, err := u.store.Has(ctx, key)
	if err != nil {
		return "", apperr.Unavailable("datastore has", err)
	}
	if exists {
		return hash, nil
	}
	if err := u.store.Put(ctx, key, content); err != nil {
		return "", apperr.Unavailable("datastore put", err)
	}
	return hash, nil
}

// Fetch returns the document stored under hash.
func (u *DatastoreUploader) Fetch(ctx context.Context, hash string) ([]byte, error) {
	b, err := u.store.Get(ctx, documentKey(hash))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("document %s: %w", hash, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Unavailable("datastore get", err)
	}
	return b, nil
}
