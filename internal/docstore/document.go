// Package docstore implements document CRUD over the KV backend: key
// generation, revision tracking, schema validation, and index fan-out on
// every write. Grounded on smarterbase/store.go's Get/Put/ETag shape
// (backend.go's Backend interface), retargeted from opaque JSON bytes to
// the typed value.Value tree SDBQL needs for field access and index key
// encoding.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/hlc"
	"github.com/solisoft/solidb/internal/index"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/replication"
	"github.com/solisoft/solidb/internal/schema"
	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/value"
)

// Document is one stored JSON object plus its metadata fields.
type Document struct {
	Key  string
	Rev  string
	HLC  hlc.Timestamp
	Data value.Value
}

// Store performs document CRUD for every collection in every database
// registered in the catalog.
type Store struct {
	kv      *kv.DB
	cat     *catalog.Catalog
	clock   *hlc.Clock
	indexes *index.Manager
	replog  *replication.Log
}

func New(kvdb *kv.DB, cat *catalog.Catalog, clock *hlc.Clock, indexes *index.Manager, replog *replication.Log) *Store {
	return &Store{kv: kvdb, cat: cat, clock: clock, indexes: indexes, replog: replog}
}

// NewUUIDv7Key generates a document key the same way smarterbase/id.go's
// NewID does: a version-7 UUID, falling back to a version-4 UUID only if
// the runtime's entropy source fails (practically never).
func NewUUIDv7Key() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func computeRev(data value.Value, ts hlc.Timestamp) string {
	h := sha256.New()
	h.Write(value.Encode(data))
	h.Write(ts.Encode())
	return hex.EncodeToString(h.Sum(nil))
}

// Insert creates a new document. If data has no "_key" field, one is
// generated. Schema validation runs when the collection's ValidationMode is
// strict. The document write and every index entry land in one kv.Batch,
// and one replication entry is appended for the mutation, all atomically.
func (s *Store) Insert(ctx context.Context, dbName, collName string, data value.Value) (*Document, error) {
	coll, err := s.cat.GetCollection(dbName, collName)
	if err != nil {
		return nil, err
	}

	key, hasKey := data.Get("_key")
	var keyStr string
	if hasKey {
		keyStr, _ = key.String()
	} else {
		keyStr = NewUUIDv7Key()
	}

	if coll.ValidationMode == catalog.ValidationStrict && len(coll.Schema) > 0 {
		if err := schema.Validate(coll.Schema, data); err != nil {
			return nil, err
		}
	}

	cf := catalog.CollectionCF(dbName, collName)
	existing, err := s.kv.Get(cf, []byte(keyStr))
	if err != nil {
		return nil, fmt.Errorf("docstore: insert lookup: %w", err)
	}
	if existing != nil {
		return nil, sdberr.Wrap(sdberr.ErrDuplicateKey, fmt.Sprintf("%s/%s", collName, keyStr))
	}

	if err := s.checkUniqueIndexes(ctx, dbName, coll, keyStr, data); err != nil {
		return nil, err
	}

	ts := s.clock.Now()
	rev := computeRev(data, ts)
	fields := withMeta(data, keyStr, rev)

	batch := kv.NewBatch()
	encoded, err := encodeDoc(fields, ts)
	if err != nil {
		return nil, err
	}
	batch.Put(cf, []byte(keyStr), encoded)

	if err := s.indexes.FanOutInsert(batch, dbName, coll, keyStr, fields); err != nil {
		return nil, err
	}
	s.replog.Append(batch, replication.Entry{
		DB: dbName, Collection: collName, Key: keyStr,
		Op: replication.OpInsert, HLC: ts, Data: value.ToGo(fields),
	})

	if err := s.kv.Commit(ctx, batch); err != nil {
		return nil, fmt.Errorf("docstore: insert commit: %w", err)
	}
	return &Document{Key: keyStr, Rev: rev, HLC: ts, Data: fields}, nil
}

// Get fetches one document by key.
func (s *Store) Get(ctx context.Context, dbName, collName, key string) (*Document, error) {
	cf := catalog.CollectionCF(dbName, collName)
	raw, err := s.kv.Get(cf, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("docstore: get: %w", err)
	}
	if raw == nil {
		return nil, sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("%s/%s", collName, key))
	}
	return decodeDoc(raw)
}

// Update performs a read-modify-write merge of patch fields into the
// existing document. If expectedRev is non-empty, the update is a CAS: a
// mismatch returns ErrRevisionConflict rather than silently overwriting.
func (s *Store) Update(ctx context.Context, dbName, collName, key string, patch value.Value, expectedRev string) (*Document, error) {
	return s.write(ctx, dbName, collName, key, patch, expectedRev, true)
}

// write is the read-modify-write pipeline shared by Update (merge true)
// and Replace (merge false, patch becomes the whole document).
func (s *Store) write(ctx context.Context, dbName, collName, key string, patch value.Value, expectedRev string, merge bool) (*Document, error) {
	coll, err := s.cat.GetCollection(dbName, collName)
	if err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, dbName, collName, key)
	if err != nil {
		return nil, err
	}
	if expectedRev != "" && expectedRev != current.Rev {
		return nil, sdberr.Wrap(sdberr.ErrRevisionConflict, fmt.Sprintf("%s/%s", collName, key))
	}

	merged := patch
	if merge {
		merged = mergeFields(current.Data, patch)
	}
	if coll.ValidationMode == catalog.ValidationStrict && len(coll.Schema) > 0 {
		if err := schema.Validate(coll.Schema, merged); err != nil {
			return nil, err
		}
	}
	if err := s.checkUniqueIndexes(ctx, dbName, coll, key, merged); err != nil {
		return nil, err
	}

	ts := s.clock.Now()
	rev := computeRev(merged, ts)
	fields := withMeta(merged, key, rev)

	cf := catalog.CollectionCF(dbName, collName)
	batch := kv.NewBatch()
	encoded, err := encodeDoc(fields, ts)
	if err != nil {
		return nil, err
	}
	batch.Put(cf, []byte(key), encoded)

	if err := s.indexes.FanOutUpdate(batch, dbName, coll, key, current.Data, fields); err != nil {
		return nil, err
	}
	s.replog.Append(batch, replication.Entry{
		DB: dbName, Collection: collName, Key: key,
		Op: replication.OpUpdate, HLC: ts, Data: value.ToGo(fields),
	})

	if err := s.kv.Commit(ctx, batch); err != nil {
		return nil, fmt.Errorf("docstore: update commit: %w", err)
	}
	return &Document{Key: key, Rev: rev, HLC: ts, Data: fields}, nil
}

// Replace overwrites a document's fields wholesale (unlike Update, which
// merges), keeping _key and refreshing _rev/_hlc.
func (s *Store) Replace(ctx context.Context, dbName, collName, key string, data value.Value, expectedRev string) (*Document, error) {
	return s.write(ctx, dbName, collName, key, data, expectedRev, false) // same pipeline, no merge with the old fields
}

// Delete removes a document and every index entry it had in one batch.
func (s *Store) Delete(ctx context.Context, dbName, collName, key string, expectedRev string) error {
	coll, err := s.cat.GetCollection(dbName, collName)
	if err != nil {
		return err
	}
	current, err := s.Get(ctx, dbName, collName, key)
	if err != nil {
		return err
	}
	if expectedRev != "" && expectedRev != current.Rev {
		return sdberr.Wrap(sdberr.ErrRevisionConflict, fmt.Sprintf("%s/%s", collName, key))
	}

	cf := catalog.CollectionCF(dbName, collName)
	batch := kv.NewBatch()
	batch.Delete(cf, []byte(key))

	if err := s.indexes.FanOutDelete(batch, dbName, coll, key, current.Data); err != nil {
		return err
	}
	ts := s.clock.Now()
	s.replog.Append(batch, replication.Entry{
		DB: dbName, Collection: collName, Key: key,
		Op: replication.OpDelete, HLC: ts,
	})

	if err := s.kv.Commit(ctx, batch); err != nil {
		return fmt.Errorf("docstore: delete commit: %w", err)
	}
	return nil
}

func (s *Store) checkUniqueIndexes(ctx context.Context, dbName string, coll *catalog.Collection, key string, data value.Value) error {
	for _, idx := range coll.Indexes {
		if !idx.Unique || len(idx.Fields) == 0 {
			continue
		}
		fv, _ := data.Get(idx.Fields[0])
		if err := s.indexes.CheckUnique(ctx, dbName, coll.Name, idx, fv, key); err != nil {
			return err
		}
	}
	return nil
}

func withMeta(data value.Value, key, rev string) value.Value {
	pairs := []value.Pair{value.P("_key", value.String(key)), value.P("_rev", value.String(rev))}
	for _, k := range data.Keys() {
		if k == "_key" || k == "_rev" || k == "_hlc" {
			continue
		}
		v, _ := data.Get(k)
		pairs = append(pairs, value.P(k, v))
	}
	return value.Object(pairs...)
}

func mergeFields(base, patch value.Value) value.Value {
	pairs := []value.Pair{}
	seen := map[string]bool{}
	for _, k := range base.Keys() {
		v, _ := base.Get(k)
		if pv, ok := patch.Get(k); ok {
			v = pv
		}
		pairs = append(pairs, value.P(k, v))
		seen[k] = true
	}
	for _, k := range patch.Keys() {
		if !seen[k] {
			v, _ := patch.Get(k)
			pairs = append(pairs, value.P(k, v))
		}
	}
	return value.Object(pairs...)
}

// wireDoc is the JSON envelope a document is encoded as on disk and over
// the wire: fields plus the HLC timestamp that produced the current
// revision, needed by replication's LWW comparison without re-parsing _rev.
type wireDoc struct {
	Fields   json.RawMessage `json:"fields"`
	Physical int64           `json:"physical"`
	Logical  uint32          `json:"logical"`
	NodeID   string          `json:"nodeId"`
}

func encodeDoc(fields value.Value, ts hlc.Timestamp) ([]byte, error) {
	raw, err := json.Marshal(value.ToGo(fields))
	if err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	return json.Marshal(wireDoc{Fields: raw, Physical: ts.Physical, Logical: ts.Logical, NodeID: ts.NodeID})
}

func decodeDoc(raw []byte) (*Document, error) {
	var w wireDoc
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("docstore: decode: %w", err)
	}
	var goVal any
	if err := json.Unmarshal(w.Fields, &goVal); err != nil {
		return nil, fmt.Errorf("docstore: decode fields: %w", err)
	}
	v, err := value.FromGo(goVal)
	if err != nil {
		return nil, err
	}
	key, _ := v.Get("_key")
	rev, _ := v.Get("_rev")
	keyStr, _ := key.String()
	revStr, _ := rev.String()
	return &Document{
		Key: keyStr, Rev: revStr,
		HLC:  hlc.Timestamp{Physical: w.Physical, Logical: w.Logical, NodeID: w.NodeID},
		Data: v,
	}, nil
}

// DecodeStored exposes decodeDoc to sibling packages (snapshot dumps and
// SDBQL collection scans) that read raw collection CF values directly via
// kv.Snapshot.
func DecodeStored(raw []byte) (*Document, error) { return decodeDoc(raw) }

// ComputeRev, WithMeta, and MergeFields expose this file's revision and
// merge helpers to internal/sdbql, which stages writes through
// internal/txn rather than through Store and so must reproduce the same
// _key/_rev bookkeeping Store.Insert/Update apply inline.
func ComputeRev(data value.Value, ts hlc.Timestamp) string  { return computeRev(data, ts) }
func WithMeta(data value.Value, key, rev string) value.Value { return withMeta(data, key, rev) }
func MergeFields(base, patch value.Value) value.Value        { return mergeFields(base, patch) }
