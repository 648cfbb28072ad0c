package sdbql

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/txn"
	"github.com/solisoft/solidb/internal/value"
)

// Cursor lazily hands out a query's already-materialized result rows in
// cursor_batch_size batches, the way execute_query/cursor_next/cursor_close
// are specified to behave. Results are computed eagerly by Execute (the
// pipeline itself has no external pagination point, matching
// smarterbase/query.go's "collect then return" shape); Cursor only paces
// delivery, and holds every row until Close.
type Cursor struct {
	ID        string
	mu        sync.Mutex
	rows      []value.Value
	pos       int
	batchSize int
	expiresAt time.Time
	ttl       time.Duration
	closed    bool
}

// Next returns up to batchSize more results and whether the cursor still
// has results after this batch. Past the end it returns no results and a
// nil error; on a closed cursor it returns a NotFound error.
func (c *Cursor) Next(ctx context.Context) ([]value.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, sdberr.Wrap(sdberr.ErrNotFound, "cursor is closed")
	}
	if c.pos >= len(c.rows) {
		return nil, false, nil
	}
	end := c.pos + c.batchSize
	if end > len(c.rows) {
		end = len(c.rows)
	}
	batch := c.rows[c.pos:end]
	c.pos = end
	c.expiresAt = time.Now().Add(c.ttl)
	return batch, c.pos < len(c.rows), nil
}

func (c *Cursor) expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().After(c.expiresAt)
}

// Close releases the cursor's materialized results. Idempotent.
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.rows = nil
	return nil
}

// Engine is the process-wide SDBQL entry point: it parses queries, executes
// them against an Environment, and tracks every open cursor's TTL.
type Engine struct {
	env *Environment

	mu        sync.Mutex
	cursors   map[string]*Cursor
	batchSize int
	ttl       time.Duration
}

func NewEngine(env *Environment, batchSize int, ttl time.Duration) *Engine {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Engine{env: env, cursors: make(map[string]*Cursor), batchSize: batchSize, ttl: ttl}
}

// Execute parses and runs query text against dbName, staging mutations into
// activeTxn when non-nil, and returns a Cursor over the results.
func (e *Engine) Execute(ctx context.Context, dbName, source string, binds map[string]value.Value, activeTxn *txn.Txn) (*Cursor, error) {
	q, err := Parse(source)
	if err != nil {
		return nil, err
	}
	env := e.env.forRequest(dbName, activeTxn)
	rows, err := runQuery(ctx, env, q, binds)
	if err != nil {
		return nil, err
	}
	return e.newCursor(rows), nil
}

func (e *Engine) newCursor(rows []value.Value) *Cursor {
	c := &Cursor{
		ID:        uuid.NewString(),
		rows:      rows,
		batchSize: e.batchSize,
		ttl:       e.ttl,
		expiresAt: time.Now().Add(e.ttl),
	}
	e.mu.Lock()
	e.cursors[c.ID] = c
	e.mu.Unlock()
	return c
}

// Cursor looks up a previously opened cursor by ID for cursor_next.
func (e *Engine) Cursor(id string) (*Cursor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cursors[id]
	return c, ok
}

// CloseCursor implements cursor_close: closes and forgets the cursor.
func (e *Engine) CloseCursor(id string) error {
	e.mu.Lock()
	c, ok := e.cursors[id]
	delete(e.cursors, id)
	e.mu.Unlock()
	if !ok {
		return sdberr.Wrap(sdberr.ErrNotFound, "cursor "+id)
	}
	return c.Close()
}

// ReapExpired closes and forgets every cursor past its TTL. Nothing in this
// module calls it, so an expired or drained cursor stays registered until
// its caller closes it or runs ReapExpired.
func (e *Engine) ReapExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.cursors {
		if c.expired() {
			c.Close()
			delete(e.cursors, id)
		}
	}
}
