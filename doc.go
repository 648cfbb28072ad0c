// Package solidb is a multi-tenant, embeddable JSON document database with a
// bbolt-backed (B+tree) storage engine, a purpose-built query language
// (SDBQL), secondary indexes, ACID transactions, and HLC-ordered
// peer-to-peer replication.
//
// # Overview
//
// SoliDB stores JSON documents in per-database, per-collection column
// families on top of go.etcd.io/bbolt, the same on-disk B+tree bolt gives
// any embedded Go process. On top of that it layers:
//
//   - A document store with UUIDv7 keys, content-addressed revisions, and
//     optional JSON Schema validation
//   - Secondary indexes: hash, persistent (sorted), geospatial (Morton
//     curve + haversine), and fuzzy full-text (n-gram + Levenshtein), with
//     an optional Redis mirror for O(1) lookups
//   - SDBQL, a FOR/FILTER/SORT/LIMIT/COLLECT/RETURN query language with
//     bind variables, graph traversal, and cursor-paginated results
//   - Multi-statement ACID transactions with configurable isolation and
//     crash recovery
//   - Hybrid-Logical-Clock-ordered replication between peers over a framed,
//     HMAC-authenticated TCP protocol
//   - A changefeed bus for subscribing to collection mutations
//   - Full observability (Prometheus metrics + structured zap logging)
//
// # Quick Start
//
// Embedding SoliDB directly:
//
//	store, err := solidb.NewStore(solidb.Config{DataDir: "./data", NodeID: "node-1"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//	ctx := context.Background()
//
//	store.CreateDatabase(ctx, "acme")
//	store.CreateCollection(ctx, "acme", "users", catalog.ValidationNone, nil)
//
//	doc, err := store.Insert(ctx, "acme", "users", value.Object(
//	    value.P("email", value.String("alice@example.com")),
//	))
//
//	rows, err := store.ExecuteQuery(ctx, "acme",
//	    `FOR u IN users FILTER u.email == @email RETURN u`,
//	    map[string]value.Value{"email": value.String("alice@example.com")})
//
// The standalone binary (cmd/solidb serve) opens the same engine and runs
// its peer replication server; it does not listen for client queries.
//
// Production setup with structured logging, Prometheus metrics, and peer
// replication:
//
//	logger, _ := solidb.NewProductionZapLogger()
//	metrics := solidb.NewPrometheusMetrics(prometheus.DefaultRegisterer.(*prometheus.Registry))
//	store, err := solidb.NewStoreWithObservability(cfg, logger, metrics)
//
// # Core Concepts
//
// KV store (internal/kv): an ordered key-value store over bbolt buckets
// ("column families"), offering atomic multi-CF batch writes and long-lived
// read snapshots. Every higher layer is built on this one interface, so
// swapping the storage engine never touches the layers above it.
//
// Catalog (internal/catalog): the schema registry — databases, collections,
// and index definitions — held as an atomically-swapped immutable snapshot
// so readers never observe a half-updated schema.
//
// Document store (internal/docstore): assigns UUIDv7 keys, computes
// SHA-256 revision tags, validates against a collection's JSON Schema (when
// configured), and commits every write as a single KV batch alongside its
// secondary index updates.
//
// SDBQL (internal/sdbql): parses and executes the query language described
// in SPEC_FULL.md — FOR/FILTER/LET/SORT/LIMIT/COLLECT/RETURN pipelines,
// INSERT/UPDATE/REPLACE/REMOVE/UPSERT mutations, and OUTBOUND/INBOUND/ANY/
// SHORTEST_PATH graph traversal over edge collections.
//
// Transactions (internal/txn): a state machine (active -> preparing ->
// committed/aborted) that stages reads and writes in memory and commits
// them as one atomic KV batch, with crash recovery on startup.
//
// Replication (internal/replication): every write appends an HLC-stamped
// entry to a local log; peers exchange entries over a length-prefixed,
// HMAC-authenticated TCP stream and reconcile conflicts last-writer-wins
// by timestamp.
//
// # Indexing and Queries
//
// Declare a secondary index on an existing collection (it is backfilled
// from the documents already stored), then query it with SDBQL:
//
//	store.CreateIndex(ctx, "acme", "users", catalog.IndexDef{
//	    Name: "by_email", Kind: catalog.IndexHash, Fields: []string{"email"}, Unique: true,
//	})
//
//	cur, err := store.ExecuteQuery(ctx, "acme",
//	    `FOR u IN users FILTER u.email == @email LIMIT 1 RETURN u`,
//	    map[string]value.Value{"email": value.String("alice@example.com")})
//	batch, hasMore, err := cur.Next(ctx)
//
// Graph traversal walks an edge collection's "_from"/"_to" fields:
//
//	`FOR v, e IN 1..3 OUTBOUND @start edges RETURN v`
//
// # Transactions
//
// Multi-statement transactions stage every read and write and commit them
// atomically:
//
//	tx, err := store.BeginTxn(ctx, txn.Serializable)
//	store.ExecuteQueryInTxn(ctx, "acme", `INSERT @doc INTO orders`, binds, tx)
//	err = store.CommitTxn(ctx, tx)
//
// A crash never leaves a transaction half-applied: Commit writes every
// staged operation in one bbolt transaction, and staged writes that were
// not yet committed live only in memory and are lost with the process.
//
// # Replication
//
// Nodes exchange writes peer-to-peer rather than through a central
// coordinator. Each node maintains its own append-only log ordered by a
// Hybrid Logical Clock and periodically pushes to each peer the entries that
// peer has not yet acknowledged; the receiver applies them locally,
// resolving any conflicting write by comparing HLC timestamps.
//
//	cfg.Peers = []replication.Peer{{Address: "node-2:7401"}, {Address: "node-3:7401"}}
//	cfg.ReplicationPort = 7401
//
// # Snapshots
//
// internal/snapshot dumps and restores an entire database (schema, documents,
// and index state) as a single JSON archive, optionally shipped to blob
// storage through the BlobArchiver interface.
//
//	snapshot.Dump(ctx, store.KV(), store.Catalog(), "acme", w)
//	snapshot.Restore(ctx, store.Catalog(), store.Docs(), r)
//
// # Observability
//
// Metrics (Prometheus):
//
//	metrics := solidb.NewPrometheusMetrics(registry)
//	store, _ := solidb.NewStoreWithObservability(cfg, logger, metrics)
//
// Logging (zap structured logging):
//
//	logger, _ := solidb.NewProductionZapLogger()
//	store, _ := solidb.NewStoreWithLogger(cfg, logger)
//
// # When to Use SoliDB
//
// Perfect for:
//   - Multi-tenant SaaS applications needing per-tenant databases
//   - Applications wanting document flexibility with transactional and
//     query guarantees closer to a relational engine than a plain KV store
//   - Edge/regional deployments that replicate peer-to-peer instead of
//     through a single primary
//   - Graph-adjacent workloads (small, relationship-heavy edge collections)
//
// Not suitable for:
//   - Workloads needing SQL joins across large, independently-scaled tables
//   - Petabyte-scale analytical workloads
//   - Strict linearizable multi-region consensus (replication here is
//     last-writer-wins, not Raft/Paxos)
//
// # Repository and License
//
// Repository: https://github.com/solisoft/solidb
//
// License: MIT License - See LICENSE file for details
package solidb
