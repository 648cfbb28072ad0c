// Package snapshot dumps and restores an entire database — its schema,
// documents, and index definitions — as a single JSON archive. Grounded on
// smarterbase's Backend.GetStream/PutStream streaming contract (backend.go),
// retargeted from opaque blob copy onto a structured walk of the catalog and
// every collection's documents so a restore can replay inserts through
// docstore.Store and rebuild indexes rather than copy raw bytes.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/docstore"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/value"
)

// Archive is the on-disk JSON shape of one database's snapshot.
type Archive struct {
	Database    string                    `json:"database"`
	Collections map[string]CollectionDump `json:"collections"`
}

// CollectionDump captures one collection's schema and every live document.
type CollectionDump struct {
	ValidationMode catalog.ValidationMode `json:"validationMode"`
	Schema         json.RawMessage        `json:"schema,omitempty"`
	Indexes        []catalog.IndexDef     `json:"indexes,omitempty"`
	Documents      []json.RawMessage      `json:"documents"`
}

// Dump writes dbName's full catalog and document state to w as one JSON
// document. It reads from a single kv snapshot so the dump is a consistent
// point-in-time view even while writes continue against the live database.
func Dump(ctx context.Context, kvdb *kv.DB, cat *catalog.Catalog, dbName string, w io.Writer) error {
	db, err := cat.GetDatabase(dbName)
	if err != nil {
		return fmt.Errorf("snapshot: dump %s: %w", dbName, err)
	}

	snap, err := kvdb.NewSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot: dump %s: %w", dbName, err)
	}
	defer snap.Close()

	arc := Archive{Database: dbName, Collections: make(map[string]CollectionDump, len(db.Collections))}
	for name, coll := range db.Collections {
		cf := catalog.CollectionCF(dbName, name)
		var docs []json.RawMessage
		err := snap.ScanPrefix(ctx, cf, nil, func(_, raw []byte) bool {
			doc, derr := docstore.DecodeStored(raw)
			if derr != nil {
				err = derr
				return false
			}
			b, merr := json.Marshal(value.ToGo(doc.Data))
			if merr != nil {
				err = merr
				return false
			}
			docs = append(docs, b)
			return true
		})
		if err != nil {
			return fmt.Errorf("snapshot: dump %s/%s: %w", dbName, name, err)
		}
		arc.Collections[name] = CollectionDump{
			ValidationMode: coll.ValidationMode,
			Schema:         coll.Schema,
			Indexes:        coll.Indexes,
			Documents:      docs,
		}
	}

	enc := json.NewEncoder(w)
	return enc.Encode(arc)
}

// Restore reads an Archive produced by Dump and replays it into dbName,
// creating the database and every collection/index it references if they
// don't already exist. Documents are re-inserted through docs.Insert so
// each one runs schema validation and index fan-out exactly as a live
// write would; a document's original "_key" is preserved since Insert
// keeps a pre-set "_key" field rather than generating a new one.
func Restore(ctx context.Context, cat *catalog.Catalog, docs *docstore.Store, r io.Reader) error {
	var arc Archive
	if err := json.NewDecoder(r).Decode(&arc); err != nil {
		return fmt.Errorf("snapshot: restore: decode: %w", err)
	}

	if _, err := cat.GetDatabase(arc.Database); err != nil {
		if err := cat.CreateDatabase(ctx, arc.Database); err != nil {
			return fmt.Errorf("snapshot: restore %s: %w", arc.Database, err)
		}
	}

	for collName, cd := range arc.Collections {
		if _, err := cat.GetCollection(arc.Database, collName); err != nil {
			if err := cat.CreateCollection(ctx, arc.Database, collName, cd.ValidationMode, cd.Schema); err != nil {
				return fmt.Errorf("snapshot: restore %s/%s: %w", arc.Database, collName, err)
			}
		}
		for _, idx := range cd.Indexes {
			_ = cat.AddIndex(ctx, arc.Database, collName, idx) // idempotent: already-present indexes are skipped by name
		}
		for _, raw := range cd.Documents {
			var goVal any
			if err := json.Unmarshal(raw, &goVal); err != nil {
				return fmt.Errorf("snapshot: restore %s/%s: decode document: %w", arc.Database, collName, err)
			}
			v, err := value.FromGo(goVal)
			if err != nil {
				return fmt.Errorf("snapshot: restore %s/%s: %w", arc.Database, collName, err)
			}
			if _, err := docs.Insert(ctx, arc.Database, collName, v); err != nil {
				return fmt.Errorf("snapshot: restore %s/%s: insert: %w", arc.Database, collName, err)
			}
		}
	}
	return nil
}
