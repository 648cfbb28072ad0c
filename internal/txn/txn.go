// Package txn implements the transaction manager: a state machine
// (active -> preparing -> {committed, aborted}) over a write-buffered set
// of document operations, with isolation-level-dependent read visibility
// and commit-time validation. Grounded on smarterbase/transaction.go's
// OptimisticTransaction (write-buffer + ETag/CAS + rollback-on-failure
// shape), promoted from that type's own documented "best effort, NOT
// ACID" status to the real atomic-commit contract this system requires:
// every staged operation, every index update, and the transaction's one
// replication entry per operation land in a single kv.Batch, so commit is
// genuinely all-or-nothing.
package txn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/changefeed"
	"github.com/solisoft/solidb/internal/hlc"
	"github.com/solisoft/solidb/internal/index"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/replication"
	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/value"
)

// wireFields mirrors docstore's own on-disk document envelope (fields plus
// the HLC that produced the current revision). Duplicated here rather than
// imported: a transaction's commit path stages many documents into one
// kv.Batch before any of them touch the store, which is a different shape
// from docstore.Store's per-call read-modify-write, so the two packages
// encode documents the same way without sharing a commit path.
type wireFields struct {
	Fields   json.RawMessage `json:"fields"`
	Physical int64           `json:"physical"`
	Logical  uint32          `json:"logical"`
	NodeID   string          `json:"nodeId"`
}

func encodeDocFields(fields value.Value, ts hlc.Timestamp) ([]byte, error) {
	raw, err := json.Marshal(value.ToGo(fields))
	if err != nil {
		return nil, fmt.Errorf("txn: encode: %w", err)
	}
	return json.Marshal(wireFields{Fields: raw, Physical: ts.Physical, Logical: ts.Logical, NodeID: ts.NodeID})
}

func decodeDocFields(raw []byte) (value.Value, error) {
	var w wireFields
	if err := json.Unmarshal(raw, &w); err != nil {
		return value.Value{}, fmt.Errorf("txn: decode: %w", err)
	}
	var goVal any
	if err := json.Unmarshal(w.Fields, &goVal); err != nil {
		return value.Value{}, fmt.Errorf("txn: decode fields: %w", err)
	}
	return value.FromGo(goVal)
}

func withRevMeta(data value.Value, key, rev string) value.Value {
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

func computeRevHLC(data value.Value, ts hlc.Timestamp) string {
	h := sha256.New()
	h.Write(value.Encode(data))
	h.Write(ts.Encode())
	return hex.EncodeToString(h.Sum(nil))
}

// State is a transaction's position in the active -> preparing ->
// {committed, aborted} state machine.
type State string

const (
	StateActive    State = "active"
	StatePreparing State = "preparing"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// Isolation controls read visibility. ReadUncommitted is aliased to
// ReadCommitted: this is a single-process system, so the distinction
// between them (visibility of another in-flight transaction's own
// uncommitted buffer) never manifests across the public API — see
// DESIGN.md's resolution of this Open Question.
type Isolation string

const (
	ReadUncommitted Isolation = "read_uncommitted"
	ReadCommitted   Isolation = "read_committed"
	RepeatableRead  Isolation = "repeatable_read"
	Serializable    Isolation = "serializable"
)

type opKind string

const (
	opInsert opKind = "insert"
	opUpdate opKind = "update"
	opDelete opKind = "delete"
)

type stagedOp struct {
	kind       opKind
	db, coll   string
	key        string
	before     value.Value
	hasBefore  bool
	after      value.Value
	expectedRev string
}

type readRecord struct {
	db, coll, key string
	rev           string // rev observed at read time; "" if the doc didn't exist
}

// Txn is one in-flight (or resolved) transaction.
type Txn struct {
	ID        string
	Isolation Isolation
	State     State
	Deadline  time.Time

	mgr      *Manager
	mu       sync.Mutex
	snapshot *kv.Snapshot // non-nil for RepeatableRead/Serializable
	writes   []stagedOp
	reads    []readRecord
}

// Manager coordinates every in-flight transaction plus commit application.
type Manager struct {
	store   *kv.DB
	cat     *catalog.Catalog
	indexes *index.Manager
	replog  *replication.Log
	clock   *hlc.Clock
	bus     *changefeed.Bus

	mu      sync.Mutex
	active  map[string]*Txn
	timeout time.Duration
}

func NewManager(store *kv.DB, cat *catalog.Catalog, indexes *index.Manager, replog *replication.Log, clock *hlc.Clock, bus *changefeed.Bus, timeout time.Duration) *Manager {
	return &Manager{
		store: store, cat: cat, indexes: indexes, replog: replog, clock: clock, bus: bus,
		active: make(map[string]*Txn), timeout: timeout,
	}
}

// Begin starts a new transaction. RepeatableRead and Serializable capture a
// kv.Snapshot immediately so every later read in the transaction sees the
// same point-in-time view.
func (m *Manager) Begin(isolation Isolation) (*Txn, error) {
	id := uuid.NewString()
	t := &Txn{ID: id, Isolation: isolation, State: StateActive, mgr: m, Deadline: time.Now().Add(m.timeout)}

	if isolation == RepeatableRead || isolation == Serializable {
		snap, err := m.store.NewSnapshot()
		if err != nil {
			return nil, fmt.Errorf("txn: begin snapshot: %w", err)
		}
		t.snapshot = snap
	}

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t, nil
}

// Get returns a document as visible under this transaction: its own staged
// writes shadow whatever the underlying view would otherwise show.
func (t *Txn) Get(ctx context.Context, dbName, collName, key string) (value.Value, bool, error) {
	t.mu.Lock()
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		if w.db == dbName && w.coll == collName && w.key == key {
			t.mu.Unlock()
			if w.kind == opDelete {
				return value.Value{}, false, nil
			}
			return w.after, true, nil
		}
	}
	t.mu.Unlock()

	cf := catalog.CollectionCF(dbName, collName)
	var raw []byte
	var err error
	if t.snapshot != nil {
		raw = t.snapshot.Get(cf, []byte(key))
	} else {
		raw, err = t.mgr.store.Get(cf, []byte(key))
		if err != nil {
			return value.Value{}, false, err
		}
	}
	if raw == nil {
		t.recordRead(dbName, collName, key, "")
		return value.Value{}, false, nil
	}
	doc, err := decodeDocFields(raw)
	if err != nil {
		return value.Value{}, false, err
	}
	rev, _ := doc.Get("_rev")
	revStr, _ := rev.String()
	t.recordRead(dbName, collName, key, revStr)
	return doc, true, nil
}

func (t *Txn) recordRead(db, coll, key, rev string) {
	if t.Isolation != Serializable {
		return
	}
	t.mu.Lock()
	t.reads = append(t.reads, readRecord{db: db, coll: coll, key: key, rev: rev})
	t.mu.Unlock()
}

// Insert, Update, and Delete stage a write into the transaction's buffer;
// none of them touch the KV store until Commit.
func (t *Txn) Insert(dbName, collName, key string, data value.Value) error {
	if t.State != StateActive {
		return sdberr.Wrap(sdberr.ErrTransactionAborted, "transaction is not active")
	}
	t.mu.Lock()
	t.writes = append(t.writes, stagedOp{kind: opInsert, db: dbName, coll: collName, key: key, after: data})
	t.mu.Unlock()
	return nil
}

func (t *Txn) Update(dbName, collName, key string, data value.Value, before value.Value, hasBefore bool, expectedRev string) error {
	if t.State != StateActive {
		return sdberr.Wrap(sdberr.ErrTransactionAborted, "transaction is not active")
	}
	t.mu.Lock()
	t.writes = append(t.writes, stagedOp{
		kind: opUpdate, db: dbName, coll: collName, key: key,
		before: before, hasBefore: hasBefore, after: data, expectedRev: expectedRev,
	})
	t.mu.Unlock()
	return nil
}

func (t *Txn) Delete(dbName, collName, key string, before value.Value, expectedRev string) error {
	if t.State != StateActive {
		return sdberr.Wrap(sdberr.ErrTransactionAborted, "transaction is not active")
	}
	t.mu.Lock()
	t.writes = append(t.writes, stagedOp{
		kind: opDelete, db: dbName, coll: collName, key: key,
		before: before, hasBefore: true, expectedRev: expectedRev,
	})
	t.mu.Unlock()
	return nil
}

// Commit validates and applies every staged write atomically. On any
// failure the transaction is aborted and nothing is applied.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.State != StateActive {
		t.mu.Unlock()
		return sdberr.Wrap(sdberr.ErrTransactionAborted, "transaction is not active")
	}
	if time.Now().After(t.Deadline) {
		t.State = StateAborted
		t.mu.Unlock()
		t.cleanup()
		return sdberr.ErrTransactionExpired
	}
	t.State = StatePreparing
	writes := append([]stagedOp(nil), t.writes...)
	reads := append([]readRecord(nil), t.reads...)
	t.mu.Unlock()

	if t.Isolation == Serializable {
		if err := t.validateReadSet(ctx, reads); err != nil {
			t.abort()
			return err
		}
	}

	batch := kv.NewBatch()
	ts := t.mgr.clock.Now()
	var events []changefeed.Event

	for _, w := range writes {
		coll, err := t.mgr.cat.GetCollection(w.db, w.coll)
		if err != nil {
			t.abort()
			return err
		}
		cf := catalog.CollectionCF(w.db, w.coll)

		switch w.kind {
		case opInsert:
			existing, _ := t.mgr.store.Get(cf, []byte(w.key))
			if existing != nil {
				t.abort()
				return sdberr.Wrap(sdberr.ErrDuplicateKey, fmt.Sprintf("%s/%s", w.coll, w.key))
			}
			fields := withRevMeta(w.after, w.key, computeRevHLC(w.after, ts))
			encoded, err := encodeDocFields(fields, ts)
			if err != nil {
				t.abort()
				return err
			}
			batch.Put(cf, []byte(w.key), encoded)
			if err := t.mgr.indexes.FanOutInsert(batch, w.db, coll, w.key, fields); err != nil {
				t.abort()
				return err
			}
			t.mgr.replog.Append(batch, replication.Entry{DB: w.db, Collection: w.coll, Key: w.key, Op: replication.OpInsert, HLC: ts, Data: value.ToGo(fields)})
			events = append(events, changefeed.Event{Type: changefeed.EventInsert, DB: w.db, Collection: w.coll, Key: w.key, Data: value.ToGo(fields), HLC: ts})

		case opUpdate:
			if w.expectedRev != "" {
				curRaw, _ := t.mgr.store.Get(cf, []byte(w.key))
				curFields, _ := decodeDocFields(curRaw)
				curRev, _ := curFields.Get("_rev")
				curRevStr, _ := curRev.String()
				if curRevStr != w.expectedRev {
					t.abort()
					return sdberr.Wrap(sdberr.ErrRevisionConflict, fmt.Sprintf("%s/%s", w.coll, w.key))
				}
			}
			fields := withRevMeta(w.after, w.key, computeRevHLC(w.after, ts))
			encoded, err := encodeDocFields(fields, ts)
			if err != nil {
				t.abort()
				return err
			}
			batch.Put(cf, []byte(w.key), encoded)
			if w.hasBefore {
				if err := t.mgr.indexes.FanOutUpdate(batch, w.db, coll, w.key, w.before, fields); err != nil {
					t.abort()
					return err
				}
			}
			t.mgr.replog.Append(batch, replication.Entry{DB: w.db, Collection: w.coll, Key: w.key, Op: replication.OpUpdate, HLC: ts, Data: value.ToGo(fields)})
			events = append(events, changefeed.Event{Type: changefeed.EventUpdate, DB: w.db, Collection: w.coll, Key: w.key, Data: value.ToGo(fields), OldData: value.ToGo(w.before), HLC: ts})

		case opDelete:
			batch.Delete(cf, []byte(w.key))
			if err := t.mgr.indexes.FanOutDelete(batch, w.db, coll, w.key, w.before); err != nil {
				t.abort()
				return err
			}
			t.mgr.replog.Append(batch, replication.Entry{DB: w.db, Collection: w.coll, Key: w.key, Op: replication.OpDelete, HLC: ts})
			events = append(events, changefeed.Event{Type: changefeed.EventDelete, DB: w.db, Collection: w.coll, Key: w.key, OldData: value.ToGo(w.before), HLC: ts})
		}
	}

	if err := t.mgr.store.Commit(ctx, batch); err != nil {
		t.abort()
		return fmt.Errorf("txn: commit: %w", err)
	}

	t.mu.Lock()
	t.State = StateCommitted
	t.mu.Unlock()
	t.cleanup()

	if t.mgr.bus != nil {
		for _, e := range events {
			t.mgr.bus.Publish(e)
		}
	}
	return nil
}

// validateReadSet rechecks every document this serializable transaction
// read against its current committed revision, failing the commit if
// anything changed underneath it (the classic serializable-snapshot
// revalidation).
func (t *Txn) validateReadSet(ctx context.Context, reads []readRecord) error {
	for _, r := range reads {
		cf := catalog.CollectionCF(r.db, r.coll)
		raw, err := t.mgr.store.Get(cf, []byte(r.key))
		if err != nil {
			return err
		}
		var curRev string
		if raw != nil {
			fields, err := decodeDocFields(raw)
			if err != nil {
				return err
			}
			rev, _ := fields.Get("_rev")
			curRev, _ = rev.String()
		}
		if curRev != r.rev {
			return sdberr.Wrap(sdberr.ErrValidation, fmt.Sprintf("read set invalidated for %s/%s", r.coll, r.key))
		}
	}
	return nil
}

// Rollback discards every staged write without applying anything.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	if t.State != StateActive && t.State != StatePreparing {
		t.mu.Unlock()
		return nil
	}
	t.State = StateAborted
	t.writes = nil
	t.mu.Unlock()
	t.cleanup()
	return nil
}

func (t *Txn) abort() {
	t.mu.Lock()
	t.State = StateAborted
	t.mu.Unlock()
	t.cleanup()
}

func (t *Txn) cleanup() {
	if t.snapshot != nil {
		_ = t.snapshot.Close()
	}
	t.mgr.mu.Lock()
	delete(t.mgr.active, t.ID)
	t.mgr.mu.Unlock()
}

// ReapExpired aborts every active transaction past its deadline. Nothing
// in this module calls it, so without a caller an expired transaction is
// aborted only when its Commit is attempted.
func (m *Manager) ReapExpired() {
	m.mu.Lock()
	var expired []*Txn
	now := time.Now()
	for _, t := range m.active {
		if now.After(t.Deadline) {
			expired = append(expired, t)
		}
	}
	m.mu.Unlock()
	for _, t := range expired {
		t.abort()
	}
}

// RecoverFromCrash scans the _txn column family at startup. Because every
// commit is a single bbolt transaction, a crash can never leave a
// partially-applied commit; this exists to clear stale bookkeeping entries
// (if any external process parks metadata there) rather than to repair
// document state.
func (m *Manager) RecoverFromCrash(ctx context.Context) error {
	snap, err := m.store.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	batch := kv.NewBatch()
	err = snap.ScanPrefix(ctx, kv.CFTxn, nil, func(k, v []byte) bool {
		batch.Delete(kv.CFTxn, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return err
	}
	if batch.Len() > 0 {
		return m.store.Commit(ctx, batch)
	}
	return nil
}
