package txn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/changefeed"
	"github.com/solisoft/solidb/internal/hlc"
	"github.com/solisoft/solidb/internal/index"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/replication"
	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/value"
)

func newTestManager(t *testing.T) (*Manager, *kv.DB, *catalog.Catalog) {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "solidb.bolt"), kv.DefaultOptions())
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := hlc.New("node-a")
	cat, err := catalog.Load(store, clock)
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	ctx := context.Background()
	if err := cat.CreateDatabase(ctx, "app"); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if err := cat.CreateCollection(ctx, "app", "users", catalog.ValidationNone, nil); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	idx := index.NewManager(store, nil)
	replog, err := replication.Open(store, "node-a")
	if err != nil {
		t.Fatalf("replication.Open: %v", err)
	}
	bus := changefeed.New()
	t.Cleanup(bus.Close)

	return NewManager(store, cat, idx, replog, clock, bus, 30*time.Second), store, cat
}

func doc(pairs ...value.Pair) value.Value { return value.Object(pairs...) }

func TestInsertCommitIsVisible(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	tx, err := mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Insert("app", "users", "u1", doc(value.P("name", value.String("ada")))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	raw, err := store.Get(catalog.CollectionCF("app", "users"), []byte("u1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if raw == nil {
		t.Fatal("expected document to be persisted after commit")
	}
}

func TestInsertDuplicateKeyAborts(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	tx1, _ := mgr.Begin(ReadCommitted)
	if err := tx1.Insert("app", "users", "u1", doc(value.P("name", value.String("ada")))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, _ := mgr.Begin(ReadCommitted)
	if err := tx2.Insert("app", "users", "u1", doc(value.P("name", value.String("grace")))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := tx2.Commit(ctx)
	if !sdberr.IsDuplicateKey(err) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if tx2.State != StateAborted {
		t.Fatalf("expected transaction aborted, got %s", tx2.State)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	mgr, store, _ := newTestManager(t)

	tx, _ := mgr.Begin(ReadCommitted)
	if err := tx.Insert("app", "users", "u2", doc(value.P("name", value.String("turing")))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	raw, _ := store.Get(catalog.CollectionCF("app", "users"), []byte("u2"))
	if raw != nil {
		t.Fatal("expected no document after rollback")
	}
}

func TestSerializableAbortsOnConcurrentModification(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	seed, _ := mgr.Begin(ReadCommitted)
	if err := seed.Insert("app", "users", "u3", doc(value.P("count", value.Number(1)))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := seed.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader, err := mgr.Begin(Serializable)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, _, err := reader.Get(ctx, "app", "users", "u3"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	writer, _ := mgr.Begin(ReadCommitted)
	if err := writer.Update("app", "users", "u3", doc(value.P("count", value.Number(2))), value.Value{}, true, ""); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := writer.Commit(ctx); err != nil {
		t.Fatalf("concurrent writer commit: %v", err)
	}

	if err := reader.Update("app", "users", "u3", doc(value.P("count", value.Number(3))), value.Value{}, true, ""); err != nil {
		t.Fatalf("Update: %v", err)
	}
	err = reader.Commit(ctx)
	if !sdberr.IsValidation(err) {
		t.Fatalf("expected read-set invalidation error, got %v", err)
	}
}

func TestCommitPastDeadlineExpires(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	tx, _ := mgr.Begin(ReadCommitted)
	tx.Deadline = time.Now().Add(-time.Second)

	err := tx.Commit(context.Background())
	if !sdberr.IsTransactionExpired(err) {
		t.Fatalf("expected ErrTransactionExpired, got %v", err)
	}
}
