// Package kv implements the L0 storage backend: an ordered, column-family
// keyed key-value store with atomic multi-CF batch writes and snapshot
// reads, backed by go.etcd.io/bbolt. Grounded on the bucket-per-entity,
// Update/View-transaction pattern used throughout
// cuemby-warren/pkg/storage/boltdb.go, generalized from fixed entity
// buckets to dynamically named column families (one bbolt bucket per
// column family).
package kv

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Fixed column families always present, per the persisted-state layout.
const (
	CFMeta    = "_meta"
	CFTxn     = "_txn"
	ReplogCF  = "_replog:"
	IndexCF   = "_idx:"
)

// Options configure how the backing file is opened.
type Options struct {
	// FsyncOnCommit disables bbolt's NoSync flag when true (default).
	// Turning it off trades durability for throughput; never disabled in
	// production configurations.
	FsyncOnCommit bool
	Timeout       time.Duration
}

func DefaultOptions() Options {
	return Options{FsyncOnCommit: true, Timeout: 5 * time.Second}
}

// DB wraps a bbolt database file, the physical home of every database,
// collection, index, transaction record, and replication log this process
// owns.
type DB struct {
	bolt *bolt.DB
	path string
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// fixed column families exist.
func Open(path string, opts Options) (*DB, error) {
	b, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	b.NoSync = !opts.FsyncOnCommit

	db := &DB{bolt: b, path: path}
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, cf := range []string{CFMeta, CFTxn} {
			if _, err := tx.CreateBucketIfNotExists([]byte(cf)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.Close()
		return nil, fmt.Errorf("kv: init column families: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error { return db.bolt.Close() }

func (db *DB) Path() string { return db.path }

// EnsureCF creates the named column family (bbolt bucket) if it does not
// already exist. Called lazily the first time a database/collection/index
// is created, rather than up front, since collection names are unbounded.
func (db *DB) EnsureCF(cf string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cf))
		return err
	})
}

// DropCF deletes the named column family entirely, used by collection and
// index drops.
func (db *DB) DropCF(cf string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(cf))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// Get performs a point lookup in one column family. The returned slice is
// only valid until the enclosing transaction (if any) closes; callers that
// need it to outlive that must copy it, which Get does for convenience.
func (db *DB) Get(cf string, key []byte) ([]byte, error) {
	var val []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, err
}

// Batch accumulates writes across one or more column families to be applied
// atomically. It is built without holding any bbolt transaction, so callers
// may spend arbitrary time constructing it (running validation, computing
// index fan-out) before the short, exclusive Commit.
type Batch struct {
	ops []op
}

type opKind uint8

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	cf   string
	key  []byte
	val  []byte
	kind opKind
}

func NewBatch() *Batch { return &Batch{} }

func (b *Batch) Put(cf string, key, val []byte) *Batch {
	b.ops = append(b.ops, op{cf: cf, key: key, val: val, kind: opPut})
	return b
}

func (b *Batch) Delete(cf string, key []byte) *Batch {
	b.ops = append(b.ops, op{cf: cf, key: key, kind: opDelete})
	return b
}

func (b *Batch) Len() int { return len(b.ops) }

// Commit applies every staged operation inside a single bbolt transaction:
// either all of it lands, or (on any error, including context cancellation)
// none of it does. This is the one place a commit's fsync happens, giving
// every caller (document writes, transaction commits, catalog updates,
// replication entry application) group-commit durability for free.
func (db *DB) Commit(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, o := range b.ops {
			bucket, err := tx.CreateBucketIfNotExists([]byte(o.cf))
			if err != nil {
				return err
			}
			switch o.kind {
			case opPut:
				if err := bucket.Put(o.key, o.val); err != nil {
					return err
				}
			case opDelete:
				if err := bucket.Delete(o.key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Snapshot is a long-lived read-only view, giving repeatable-read and
// serializable transactions a consistent point-in-time view of the whole
// store via bbolt's native MVCC (every View/begin(false) transaction already
// sees a frozen snapshot; Snapshot just keeps one open across multiple
// calls instead of re-opening per read).
type Snapshot struct {
	tx *bolt.Tx
}

func (db *DB) NewSnapshot() (*Snapshot, error) {
	tx, err := db.bolt.Begin(false)
	if err != nil {
		return nil, err
	}
	return &Snapshot{tx: tx}, nil
}

func (s *Snapshot) Get(cf string, key []byte) []byte {
	b := s.tx.Bucket([]byte(cf))
	if b == nil {
		return nil
	}
	if v := b.Get(key); v != nil {
		return append([]byte(nil), v...)
	}
	return nil
}

// ScanPrefix iterates all keys in cf with the given prefix in ascending
// order, calling fn for each. Iteration stops early if fn returns false or
// ctx is cancelled.
func (s *Snapshot) ScanPrefix(ctx context.Context, cf string, prefix []byte, fn func(k, v []byte) bool) error {
	b := s.tx.Bucket([]byte(cf))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(k, v) {
			break
		}
	}
	return nil
}

// ScanRange iterates keys in cf within [start, end) in ascending order, or
// descending if reverse is true.
func (s *Snapshot) ScanRange(ctx context.Context, cf string, start, end []byte, reverse bool, fn func(k, v []byte) bool) error {
	b := s.tx.Bucket([]byte(cf))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	if !reverse {
		for k, v := c.Seek(start); k != nil && (end == nil || string(k) < string(end)); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !fn(k, v) {
				break
			}
		}
		return nil
	}

	var k, v []byte
	if end == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}
	for ; k != nil && (start == nil || string(k) >= string(start)); k, v = c.Prev() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (s *Snapshot) Close() error { return s.tx.Rollback() }

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
