package snapshot

import (
	"bytes"
	"context"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/docstore"
	"github.com/solisoft/solidb/internal/kv"
)

// BlobArchiver ships a Dump archive to, and reads it back from, blob
// storage. Grounded on smarterbase/backend.go's Backend.Get/Put pair,
// narrowed to the two operations a snapshot round-trip needs: everything
// else Backend exposes (conditional puts, listing, append, streaming) has
// no role once a dump is one self-contained object per key.
type BlobArchiver interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// DumpTo runs Dump into memory and ships the result to archiver under key.
func DumpTo(ctx context.Context, kvdb *kv.DB, cat *catalog.Catalog, dbName string, archiver BlobArchiver, key string) error {
	var buf bytes.Buffer
	if err := Dump(ctx, kvdb, cat, dbName, &buf); err != nil {
		return err
	}
	return archiver.Put(ctx, key, buf.Bytes())
}

// RestoreFrom fetches key from archiver and replays it via Restore.
func RestoreFrom(ctx context.Context, archiver BlobArchiver, key string, cat *catalog.Catalog, docs *docstore.Store) error {
	data, err := archiver.Get(ctx, key)
	if err != nil {
		return err
	}
	return Restore(ctx, cat, docs, bytes.NewReader(data))
}
