// Package catalog implements the schema registry: databases, collections,
// and their indexes and optional JSON-Schema validators. Grounded on
// smarterbase/internal/storage/schema.go's cache-loaded-at-startup,
// mutate-under-lock pattern, generalized into the immutable-snapshot plus
// atomic-pointer-swap design called for when many more readers than writers
// are expected and schema changes are rare.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/solisoft/solidb/internal/hlc"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/sdberr"
)

var nameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,127}$`)

// ValidationMode controls whether document writes are checked against a
// collection's JSON Schema.
type ValidationMode string

const (
	ValidationNone   ValidationMode = "none"
	ValidationStrict ValidationMode = "strict"
)

// IndexKind enumerates the secondary index types a collection may declare.
type IndexKind string

const (
	IndexHash       IndexKind = "hash"
	IndexPersistent IndexKind = "persistent"
	IndexGeo        IndexKind = "geo"
	IndexFullText   IndexKind = "fulltext"
)

// IndexDef describes one secondary index on one or more fields.
type IndexDef struct {
	Name   string    `json:"name"`
	Kind   IndexKind `json:"kind"`
	Fields []string  `json:"fields"`
	Unique bool      `json:"unique"`
	Sparse bool      `json:"sparse"`
}

// ShardConfig describes how a collection's documents are partitioned, kept
// for dump/restore round-tripping; SoliDB's single-process core does not
// itself route by shard.
type ShardConfig struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Collection is one named bucket of documents within a database.
type Collection struct {
	Name           string          `json:"name"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	ValidationMode ValidationMode  `json:"validationMode"`
	Indexes        []IndexDef      `json:"indexes"`
	ShardConfig    *ShardConfig    `json:"shardConfig,omitempty"`
}

// Database is a named, isolated set of collections. Multi-tenancy is
// expressed entirely at this level: every KV column family is namespaced
// db:collection, so two tenants' collections never share a CF.
type Database struct {
	Name        string                 `json:"name"`
	Collections map[string]*Collection `json:"collections"`
}

func (d *Database) clone() *Database {
	nd := &Database{Name: d.Name, Collections: make(map[string]*Collection, len(d.Collections))}
	for k, c := range d.Collections {
		cc := *c
		cc.Indexes = append([]IndexDef(nil), c.Indexes...)
		nd.Collections[k] = &cc
	}
	return nd
}

type snapshot struct {
	databases map[string]*Database
}

// Catalog is the process-wide schema registry. Reads dereference an atomic
// pointer with no lock (wait-free); every mutation takes writeMu, builds a
// new snapshot copy-on-write, persists it, then swaps the pointer.
type Catalog struct {
	ptr     atomic.Pointer[snapshot]
	writeMu sync.Mutex
	store   *kv.DB
	clock   *hlc.Clock
}

const metaKey = "catalog"

// Load opens the catalog, restoring its last persisted snapshot from the
// _meta column family, or starting empty if none exists yet.
func Load(store *kv.DB, clock *hlc.Clock) (*Catalog, error) {
	c := &Catalog{store: store, clock: clock}
	raw, err := store.Get(kv.CFMeta, []byte(metaKey))
	if err != nil {
		return nil, fmt.Errorf("catalog: load: %w", err)
	}
	snap := &snapshot{databases: make(map[string]*Database)}
	if raw != nil {
		var dbs map[string]*Database
		if err := json.Unmarshal(raw, &dbs); err != nil {
			return nil, fmt.Errorf("catalog: decode persisted snapshot: %w", err)
		}
		snap.databases = dbs
	}
	c.ptr.Store(snap)
	return c, nil
}

func (c *Catalog) current() *snapshot { return c.ptr.Load() }

func (c *Catalog) persist(ctx context.Context, snap *snapshot, batch *kv.Batch) error {
	raw, err := json.Marshal(snap.databases)
	if err != nil {
		return fmt.Errorf("catalog: encode snapshot: %w", err)
	}
	batch.Put(kv.CFMeta, []byte(metaKey), raw)
	return c.store.Commit(ctx, batch)
}

func validateName(name string) error {
	if !nameRE.MatchString(name) {
		return sdberr.Wrap(sdberr.ErrInvalidName, fmt.Sprintf("name %q must match %s", name, nameRE.String()))
	}
	return nil
}

// CreateDatabase registers a new, empty database.
func (c *Catalog) CreateDatabase(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current()
	if _, exists := cur.databases[name]; exists {
		return sdberr.Wrap(sdberr.ErrAlreadyExists, fmt.Sprintf("database %q", name))
	}
	next := &snapshot{databases: make(map[string]*Database, len(cur.databases)+1)}
	for k, v := range cur.databases {
		next.databases[k] = v
	}
	next.databases[name] = &Database{Name: name, Collections: make(map[string]*Collection)}

	batch := kv.NewBatch()
	if err := c.persist(ctx, next, batch); err != nil {
		return err
	}
	c.ptr.Store(next)
	return nil
}

// DropDatabase removes a database and every column family belonging to its
// collections and their indexes.
func (c *Catalog) DropDatabase(ctx context.Context, name string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current()
	db, exists := cur.databases[name]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("database %q", name))
	}
	next := &snapshot{databases: make(map[string]*Database, len(cur.databases))}
	for k, v := range cur.databases {
		if k != name {
			next.databases[k] = v
		}
	}

	batch := kv.NewBatch()
	if err := c.persist(ctx, next, batch); err != nil {
		return err
	}
	for collName, coll := range db.Collections {
		if err := c.store.DropCF(CollectionCF(name, collName)); err != nil {
			return err
		}
		for _, idx := range coll.Indexes {
			if err := c.store.DropCF(IndexCF(name, collName, idx.Name)); err != nil {
				return err
			}
		}
	}
	c.ptr.Store(next)
	return nil
}

// CreateCollection registers a new collection within an existing database.
func (c *Catalog) CreateCollection(ctx context.Context, dbName, collName string, mode ValidationMode, schema json.RawMessage) error {
	if err := validateName(collName); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current()
	db, exists := cur.databases[dbName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("database %q", dbName))
	}
	if _, exists := db.Collections[collName]; exists {
		return sdberr.Wrap(sdberr.ErrAlreadyExists, fmt.Sprintf("collection %q", collName))
	}

	next := &snapshot{databases: make(map[string]*Database, len(cur.databases))}
	for k, v := range cur.databases {
		next.databases[k] = v
	}
	nd := db.clone()
	nd.Collections[collName] = &Collection{Name: collName, ValidationMode: mode, Schema: schema}
	next.databases[dbName] = nd

	batch := kv.NewBatch()
	if err := c.persist(ctx, next, batch); err != nil {
		return err
	}
	if err := c.store.EnsureCF(CollectionCF(dbName, collName)); err != nil {
		return err
	}
	c.ptr.Store(next)
	return nil
}

// DropCollection removes a collection, its documents, and every index it
// declared. The steps are not one atomic batch: the catalog update is
// committed first, then each column family is dropped in its own bbolt
// transaction, so a crash mid-drop can leave those column families behind
// after the collection is gone from the catalog.
func (c *Catalog) DropCollection(ctx context.Context, dbName, collName string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current()
	db, exists := cur.databases[dbName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("database %q", dbName))
	}
	coll, exists := db.Collections[collName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("collection %q", collName))
	}

	next := &snapshot{databases: make(map[string]*Database, len(cur.databases))}
	for k, v := range cur.databases {
		next.databases[k] = v
	}
	nd := db.clone()
	delete(nd.Collections, collName)
	next.databases[dbName] = nd

	batch := kv.NewBatch()
	if err := c.persist(ctx, next, batch); err != nil {
		return err
	}
	if err := c.store.DropCF(CollectionCF(dbName, collName)); err != nil {
		return err
	}
	for _, idx := range coll.Indexes {
		if err := c.store.DropCF(IndexCF(dbName, collName, idx.Name)); err != nil {
			return err
		}
	}
	c.ptr.Store(next)
	return nil
}

// TruncateCollection removes every document and index entry belonging to a
// collection while leaving its schema and index definitions registered,
// by dropping and recreating its column families.
func (c *Catalog) TruncateCollection(ctx context.Context, dbName, collName string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current()
	db, exists := cur.databases[dbName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("database %q", dbName))
	}
	coll, exists := db.Collections[collName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("collection %q", collName))
	}

	if err := c.store.DropCF(CollectionCF(dbName, collName)); err != nil {
		return err
	}
	if err := c.store.EnsureCF(CollectionCF(dbName, collName)); err != nil {
		return err
	}
	for _, idx := range coll.Indexes {
		if err := c.store.DropCF(IndexCF(dbName, collName, idx.Name)); err != nil {
			return err
		}
		if err := c.store.EnsureCF(IndexCF(dbName, collName, idx.Name)); err != nil {
			return err
		}
	}
	return nil
}

// AddIndex registers a new secondary index definition on a collection.
func (c *Catalog) AddIndex(ctx context.Context, dbName, collName string, idx IndexDef) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current()
	db, exists := cur.databases[dbName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("database %q", dbName))
	}
	coll, exists := db.Collections[collName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("collection %q", collName))
	}
	for _, existing := range coll.Indexes {
		if existing.Name == idx.Name {
			return sdberr.Wrap(sdberr.ErrAlreadyExists, fmt.Sprintf("index %q", idx.Name))
		}
	}

	next := &snapshot{databases: make(map[string]*Database, len(cur.databases))}
	for k, v := range cur.databases {
		next.databases[k] = v
	}
	nd := db.clone()
	nc := *nd.Collections[collName]
	nc.Indexes = append(append([]IndexDef(nil), nc.Indexes...), idx)
	nd.Collections[collName] = &nc
	next.databases[dbName] = nd

	batch := kv.NewBatch()
	if err := c.persist(ctx, next, batch); err != nil {
		return err
	}
	if err := c.store.EnsureCF(IndexCF(dbName, collName, idx.Name)); err != nil {
		return err
	}
	c.ptr.Store(next)
	return nil
}

// DropIndex removes an index definition and its backing column family.
func (c *Catalog) DropIndex(ctx context.Context, dbName, collName, indexName string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.current()
	db, exists := cur.databases[dbName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("database %q", dbName))
	}
	coll, exists := db.Collections[collName]
	if !exists {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("collection %q", collName))
	}
	kept := make([]IndexDef, 0, len(coll.Indexes))
	found := false
	for _, idx := range coll.Indexes {
		if idx.Name == indexName {
			found = true
			continue
		}
		kept = append(kept, idx)
	}
	if !found {
		return sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("index %q", indexName))
	}

	next := &snapshot{databases: make(map[string]*Database, len(cur.databases))}
	for k, v := range cur.databases {
		next.databases[k] = v
	}
	nd := db.clone()
	nc := *nd.Collections[collName]
	nc.Indexes = kept
	nd.Collections[collName] = &nc
	next.databases[dbName] = nd

	batch := kv.NewBatch()
	if err := c.persist(ctx, next, batch); err != nil {
		return err
	}
	if err := c.store.DropCF(IndexCF(dbName, collName, indexName)); err != nil {
		return err
	}
	c.ptr.Store(next)
	return nil
}

// GetDatabase returns the database definition, or ErrNotFound.
func (c *Catalog) GetDatabase(name string) (*Database, error) {
	db, ok := c.current().databases[name]
	if !ok {
		return nil, sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("database %q", name))
	}
	return db, nil
}

// GetCollection returns the collection definition, or ErrNotFound.
func (c *Catalog) GetCollection(dbName, collName string) (*Collection, error) {
	db, err := c.GetDatabase(dbName)
	if err != nil {
		return nil, err
	}
	coll, ok := db.Collections[collName]
	if !ok {
		return nil, sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("collection %q", collName))
	}
	return coll, nil
}

// ListDatabases returns every registered database name.
func (c *Catalog) ListDatabases() []string {
	cur := c.current()
	out := make([]string, 0, len(cur.databases))
	for name := range cur.databases {
		out = append(out, name)
	}
	return out
}

// ListCollections returns every collection name within a database.
func (c *Catalog) ListCollections(dbName string) ([]string, error) {
	db, err := c.GetDatabase(dbName)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(db.Collections))
	for name := range db.Collections {
		out = append(out, name)
	}
	return out, nil
}

// CollectionCF returns the column family name backing a collection's
// documents.
func CollectionCF(dbName, collName string) string {
	return dbName + ":" + collName
}

// IndexCF returns the column family name backing one secondary index.
func IndexCF(dbName, collName, indexName string) string {
	return kv.IndexCF + dbName + ":" + collName + ":" + indexName
}
