package solidb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/changefeed"
	"github.com/solisoft/solidb/internal/docstore"
	"github.com/solisoft/solidb/internal/hlc"
	"github.com/solisoft/solidb/internal/index"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/replication"
	"github.com/solisoft/solidb/internal/sdbql"
	"github.com/solisoft/solidb/internal/txn"
	"github.com/solisoft/solidb/internal/value"
)

// Config carries every option needed to open a Store. Zero QueryTimeout,
// TxnTimeout and CursorBatchSize get the same defaults internal/config.New
// seeds into its Viper instance (CursorTTL defaults to 60s). The other
// fields are used as given: DataDir is required, a zero ReplicationPort
// starts no replication server, and a false FsyncOnCommit disables fsync.
// Callers driving cmd/solidb go through internal/config instead, since it
// also layers in flags, env vars, and a config file.
type Config struct {
	DataDir         string
	NodeID          string
	ReplicationPort int
	Peers           []replication.Peer
	SharedKey       []byte
	QueryTimeout    time.Duration
	TxnTimeout      time.Duration
	CursorBatchSize int
	CursorTTL       time.Duration
	FsyncOnCommit   bool

	// MirrorRedisAddr, when non-empty, backs every hash index with a Redis
	// mirror for O(1) point lookups. Empty disables the mirror entirely.
	MirrorRedisAddr string
}

func (c Config) withDefaults() Config {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.TxnTimeout <= 0 {
		c.TxnTimeout = 60 * time.Second
	}
	if c.CursorBatchSize <= 0 {
		c.CursorBatchSize = 1000
	}
	if c.CursorTTL <= 0 {
		c.CursorTTL = 60 * time.Second
	}
	return c
}

// Store is the embeddable entry point described in the package doc
// comment: every internal layer wired together behind the Document API
// operation set.
type Store struct {
	cfg    Config
	log    Logger
	met    Metrics
	nodeID string

	kv      *kv.DB
	clock   *hlc.Clock
	cat     *catalog.Catalog
	indexes *index.Manager
	docs    *docstore.Store
	replog  *replication.Log
	bus     *changefeed.Bus
	txns    *txn.Manager
	query   *sdbql.Engine

	replServer *replication.Server
	replClient []*replication.Client
	redis      *goredis.Client
}

// NewStore opens a Store with no-op logging and metrics.
func NewStore(cfg Config) (*Store, error) {
	return newStore(cfg, &NoOpLogger{}, &NoOpMetrics{})
}

// NewStoreWithLogger opens a Store reporting through logger, with metrics
// left no-op.
func NewStoreWithLogger(cfg Config, logger Logger) (*Store, error) {
	return newStore(cfg, logger, &NoOpMetrics{})
}

// NewStoreWithObservability opens a Store with both structured logging and
// metrics wired in.
func NewStoreWithObservability(cfg Config, logger Logger, metrics Metrics) (*Store, error) {
	return newStore(cfg, logger, metrics)
}

func newStore(cfg Config, logger Logger, metrics Metrics) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("solidb: DataDir is required")
	}

	db, err := kv.Open(cfg.DataDir+"/solidb.db", kv.Options{FsyncOnCommit: cfg.FsyncOnCommit, Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("solidb: open kv store: %w", err)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	clock := hlc.New(nodeID)

	cat, err := catalog.Load(db, clock)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("solidb: load catalog: %w", err)
	}

	replog, err := replication.Open(db, nodeID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("solidb: open replication log: %w", err)
	}

	var mirror index.Mirror
	var redisClient *goredis.Client
	if cfg.MirrorRedisAddr != "" {
		redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.MirrorRedisAddr})
		mirror = index.NewRedisMirror(redisClient)
	}
	indexes := index.NewManager(db, mirror)

	docs := docstore.New(db, cat, clock, indexes, replog)
	bus := changefeed.New()
	txns := txn.NewManager(db, cat, indexes, replog, clock, bus, cfg.TxnTimeout)
	env := sdbql.NewEnvironment(db, cat, docs, indexes, clock)
	query := sdbql.NewEngine(env, cfg.CursorBatchSize, cfg.CursorTTL)

	s := &Store{
		cfg: cfg, log: logger, met: metrics, nodeID: nodeID,
		kv: db, clock: clock, cat: cat, indexes: indexes, docs: docs,
		replog: replog, bus: bus, txns: txns, query: query, redis: redisClient,
	}

	if err := txns.RecoverFromCrash(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("solidb: recover transactions: %w", err)
	}

	if cfg.ReplicationPort > 0 {
		srv := replication.NewServer(cfg.ReplicationPort, replog, cat, db, cfg.SharedKey, cfg.Peers)
		if err := srv.Start(context.Background()); err != nil {
			s.Close()
			return nil, fmt.Errorf("solidb: start replication server: %w", err)
		}
		s.replServer = srv
	}
	for _, p := range cfg.Peers {
		client := replication.NewClient(p.Address, nodeID, cfg.SharedKey, replog, cat, db)
		go client.PushLoop(context.Background(), time.Second, func(err error) {
			s.log.Warn("replication push failed", "peer", p.Address, "error", err)
		})
		s.replClient = append(s.replClient, client)
	}

	logger.Info("solidb store opened", "data_dir", cfg.DataDir, "node_id", nodeID)
	return s, nil
}

// Close releases every resource the Store opened: the replication server,
// the changefeed bus, and finally the underlying bbolt file.
func (s *Store) Close() error {
	if s.replServer != nil {
		_ = s.replServer.Close()
	}
	s.bus.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return s.kv.Close()
}

// NodeID returns this store's replication identity.
func (s *Store) NodeID() string { return s.nodeID }

// KV, Catalog, and Docs expose the lower layers directly for callers that
// need them outside the Document API surface above — cmd/solidb's
// dump/restore commands being the only caller today.
func (s *Store) KV() *kv.DB                { return s.kv }
func (s *Store) Catalog() *catalog.Catalog { return s.cat }
func (s *Store) Docs() *docstore.Store     { return s.docs }

// --- Databases ---

func (s *Store) CreateDatabase(ctx context.Context, name string) error {
	return s.cat.CreateDatabase(ctx, name)
}

func (s *Store) DropDatabase(ctx context.Context, name string) error {
	return s.cat.DropDatabase(ctx, name)
}

func (s *Store) ListDatabases() []string { return s.cat.ListDatabases() }

// --- Collections ---

func (s *Store) CreateCollection(ctx context.Context, dbName, collName string, mode catalog.ValidationMode, schema json.RawMessage) error {
	return s.cat.CreateCollection(ctx, dbName, collName, mode, schema)
}

func (s *Store) DropCollection(ctx context.Context, dbName, collName string) error {
	return s.cat.DropCollection(ctx, dbName, collName)
}

func (s *Store) TruncateCollection(ctx context.Context, dbName, collName string) error {
	return s.cat.TruncateCollection(ctx, dbName, collName)
}

func (s *Store) ListCollections(dbName string) ([]string, error) {
	return s.cat.ListCollections(dbName)
}

// --- Indexes ---

// CreateIndex registers idx on an existing collection and immediately
// backfills it from every document already in the collection, so a newly
// declared index is queryable the moment this call returns.
func (s *Store) CreateIndex(ctx context.Context, dbName, collName string, idx catalog.IndexDef) error {
	if err := s.cat.AddIndex(ctx, dbName, collName, idx); err != nil {
		return err
	}
	coll, err := s.cat.GetCollection(dbName, collName)
	if err != nil {
		return err
	}
	return s.indexes.RebuildIndex(ctx, dbName, coll, idx)
}

func (s *Store) DropIndex(ctx context.Context, dbName, collName, indexName string) error {
	return s.cat.DropIndex(ctx, dbName, collName, indexName)
}

func (s *Store) ListIndexes(dbName, collName string) ([]catalog.IndexDef, error) {
	coll, err := s.cat.GetCollection(dbName, collName)
	if err != nil {
		return nil, err
	}
	return coll.Indexes, nil
}

// --- Documents ---

func (s *Store) Insert(ctx context.Context, dbName, collName string, data value.Value) (*docstore.Document, error) {
	start := time.Now()
	doc, err := s.docs.Insert(ctx, dbName, collName, data)
	s.recordDoc(MetricDocWriteSuccess, MetricDocWriteError, MetricDocWriteDuration, collName, start, err)
	return doc, err
}

func (s *Store) Get(ctx context.Context, dbName, collName, key string) (*docstore.Document, error) {
	start := time.Now()
	doc, err := s.docs.Get(ctx, dbName, collName, key)
	s.recordDoc(MetricDocGetSuccess, MetricDocGetError, MetricDocGetDuration, collName, start, err)
	return doc, err
}

func (s *Store) Update(ctx context.Context, dbName, collName, key string, patch value.Value, expectedRev string) (*docstore.Document, error) {
	start := time.Now()
	doc, err := s.docs.Update(ctx, dbName, collName, key, patch, expectedRev)
	s.recordDoc(MetricDocWriteSuccess, MetricDocWriteError, MetricDocWriteDuration, collName, start, err)
	return doc, err
}

func (s *Store) Replace(ctx context.Context, dbName, collName, key string, data value.Value, expectedRev string) (*docstore.Document, error) {
	start := time.Now()
	doc, err := s.docs.Replace(ctx, dbName, collName, key, data, expectedRev)
	s.recordDoc(MetricDocWriteSuccess, MetricDocWriteError, MetricDocWriteDuration, collName, start, err)
	return doc, err
}

func (s *Store) Delete(ctx context.Context, dbName, collName, key, expectedRev string) error {
	start := time.Now()
	err := s.docs.Delete(ctx, dbName, collName, key, expectedRev)
	s.recordDoc(MetricDocDeleteSuccess, MetricDocDeleteError, MetricDocDeleteDuration, collName, start, err)
	return err
}

func (s *Store) recordDoc(successMetric, errMetric, durationMetric, collName string, start time.Time, err error) {
	s.met.Timing(durationMetric, time.Since(start), "collection", collName)
	if err != nil {
		s.met.Increment(errMetric, "collection", collName)
		return
	}
	s.met.Increment(successMetric, "collection", collName)
}

// --- Transactions ---

func (s *Store) BeginTxn(ctx context.Context, isolation txn.Isolation) (*txn.Txn, error) {
	return s.txns.Begin(isolation)
}

func (s *Store) CommitTxn(ctx context.Context, t *txn.Txn) error {
	err := t.Commit(ctx)
	if err != nil {
		s.met.Increment(MetricTransactionRollback)
		return err
	}
	s.met.Increment(MetricTransactionSuccess)
	return nil
}

func (s *Store) AbortTxn(t *txn.Txn) error {
	s.met.Increment(MetricTransactionRollback)
	return t.Rollback()
}

// --- Queries ---

func (s *Store) ExecuteQuery(ctx context.Context, dbName, query string, binds map[string]value.Value) (*sdbql.Cursor, error) {
	return s.ExecuteQueryInTxn(ctx, dbName, query, binds, nil)
}

func (s *Store) ExecuteQueryInTxn(ctx context.Context, dbName, query string, binds map[string]value.Value, activeTxn *txn.Txn) (*sdbql.Cursor, error) {
	start := time.Now()
	cur, err := s.query.Execute(ctx, dbName, query, binds, activeTxn)
	s.met.Timing(MetricQueryDuration, time.Since(start), "database", dbName)
	return cur, err
}

func (s *Store) CursorNext(ctx context.Context, cursorID string) ([]value.Value, bool, error) {
	cur, ok := s.query.Cursor(cursorID)
	if !ok {
		return nil, false, fmt.Errorf("solidb: unknown cursor %q", cursorID)
	}
	rows, more, err := cur.Next(ctx)
	s.met.Gauge(MetricQueryResults, float64(len(rows)))
	return rows, more, err
}

func (s *Store) CursorClose(cursorID string) error {
	return s.query.CloseCursor(cursorID)
}

// --- Changefeed ---

// Subscribe streams every mutation matching (db, collection, key) - db and
// collection must match exactly, and an empty key matches every key in the
// collection. Grounded on internal/changefeed's topic-match Bus.
func (s *Store) Subscribe(db, collection, key string, backlog int) *changefeed.Subscription {
	return s.bus.Subscribe(db, collection, key, backlog)
}
