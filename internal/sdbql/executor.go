package sdbql

import (
	"context"
	"fmt"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/docstore"
	"github.com/solisoft/solidb/internal/hlc"
	"github.com/solisoft/solidb/internal/index"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/txn"
	"github.com/solisoft/solidb/internal/value"
)

// Environment wires the SDBQL engine to the rest of the storage stack. One
// Environment is built per process and reused across queries; forRequest
// derives a per-query copy scoped to one database and (optionally) one
// active transaction, the same way the rest of the codebase keeps shared
// infrastructure long-lived while scoping each request's context around it.
type Environment struct {
	kvdb  *kv.DB
	cat   *catalog.Catalog
	docs  *docstore.Store
	idx   *index.Manager
	clock *hlc.Clock

	dbName string
	txn    *txn.Txn
}

func NewEnvironment(kvdb *kv.DB, cat *catalog.Catalog, docs *docstore.Store, idx *index.Manager, clock *hlc.Clock) *Environment {
	return &Environment{kvdb: kvdb, cat: cat, docs: docs, idx: idx, clock: clock}
}

func (e *Environment) forRequest(dbName string, t *txn.Txn) *Environment {
	cp := *e
	cp.dbName = dbName
	cp.txn = t
	return &cp
}

// runSubquery executes a nested `(FOR ... RETURN ...)` query to completion
// and returns its projected results, for use as an array value inside an
// enclosing expression. A subquery is expected to produce a small working
// set since nothing paginates it; it runs detached from the enclosing
// request's context, so that query's timeout or cancellation does not stop
// it.
func (e *Environment) runSubquery(q *Query, binds map[string]value.Value) ([]value.Value, error) {
	return runQuery(context.Background(), e, q, binds)
}

// runQuery threads rows through every pipeline clause and then either
// projects them through RETURN or executes the terminal mutation clause.
// Grounded on smarterbase/query.go's Filter/Sort/Limit/Offset chain,
// generalized from one filter-then-sort pass into an arbitrary clause
// sequence.
func runQuery(ctx context.Context, env *Environment, q *Query, binds map[string]value.Value) ([]value.Value, error) {
	ec := &evalCtx{binds: binds, env: env}
	rows := []Row{{}}

	for _, cl := range q.Clauses {
		var err error
		rows, err = applyClause(ctx, env, ec, cl, rows)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case q.Return != nil:
		return projectReturn(ec, rows, q.Return)
	case q.Mutation != nil:
		return runMutation(ctx, env, ec, rows, q.Mutation)
	default:
		return nil, sdberr.Wrap(sdberr.ErrParse, "query has neither RETURN nor a mutation clause")
	}
}

func applyClause(ctx context.Context, env *Environment, ec *evalCtx, cl Clause, rows []Row) ([]Row, error) {
	switch c := cl.(type) {
	case *ForClause:
		return applyFor(ctx, env, ec, c, rows)

	case *FilterClause:
		out := rows[:0:0]
		for _, r := range rows {
			v, err := ec.eval(c.Expr, r)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				out = append(out, r)
			}
		}
		return out, nil

	case *LetClause:
		out := make([]Row, len(rows))
		for i, r := range rows {
			v, err := ec.eval(c.Expr, r)
			if err != nil {
				return nil, err
			}
			nr := r.clone()
			nr[c.Var] = v
			out[i] = nr
		}
		return out, nil

	case *SortClause:
		if err := ec.sortRows(rows, c.Keys); err != nil {
			return nil, err
		}
		return rows, nil

	case *LimitClause:
		offset := 0
		if c.Offset != nil {
			v, err := ec.eval(c.Offset, Row{})
			if err != nil {
				return nil, err
			}
			n, _ := v.Number()
			offset = int(n)
		}
		countV, err := ec.eval(c.Count, Row{})
		if err != nil {
			return nil, err
		}
		n, _ := countV.Number()
		count := int(n)
		if offset >= len(rows) {
			return nil, nil
		}
		end := offset + count
		if end > len(rows) || count < 0 {
			end = len(rows)
		}
		return rows[offset:end], nil

	case *CollectClause:
		return applyCollect(ec, c, rows)

	default:
		return nil, sdberr.Wrap(sdberr.ErrInternal, fmt.Sprintf("unhandled clause type %T", cl))
	}
}

func applyCollect(ec *evalCtx, c *CollectClause, rows []Row) ([]Row, error) {
	type bucket struct {
		key   value.Value
		count int
	}
	var order []string
	buckets := map[string]*bucket{}
	for _, r := range rows {
		kv, err := ec.eval(c.KeyExpr, r)
		if err != nil {
			return nil, err
		}
		enc := string(value.Encode(kv))
		b, ok := buckets[enc]
		if !ok {
			b = &bucket{key: kv}
			buckets[enc] = b
			order = append(order, enc)
		}
		b.count++
	}
	out := make([]Row, 0, len(order))
	for _, enc := range order {
		b := buckets[enc]
		row := Row{c.KeyVar: b.key}
		if c.CountVar != "" {
			row[c.CountVar] = value.Number(float64(b.count))
		}
		out = append(out, row)
	}
	return out, nil
}

func projectReturn(ec *evalCtx, rows []Row, ret *ReturnClause) ([]value.Value, error) {
	out := make([]value.Value, 0, len(rows))
	var seen map[string]bool
	if ret.Distinct {
		seen = make(map[string]bool, len(rows))
	}
	for _, r := range rows {
		v, err := ec.eval(ret.Expr, r)
		if err != nil {
			return nil, err
		}
		if ret.Distinct {
			enc := string(value.Encode(v))
			if seen[enc] {
				continue
			}
			seen[enc] = true
		}
		out = append(out, v)
	}
	return out, nil
}

// scanCollection reads every live document in dbName/collName from the
// current committed view. FOR always iterates this committed snapshot;
// an active transaction's own uncommitted writes become visible to
// full-collection scans only after Commit (its Get reads do see them, per
// internal/txn's read-your-writes shadowing, but a scan never materializes
// an in-flight write buffer, matching the bounded-buffer/no-live-iterator
// stance in the design notes).
func scanCollection(ctx context.Context, env *Environment, dbName, collName string) ([]value.Value, error) {
	snap, err := env.kvdb.NewSnapshot()
	if err != nil {
		return nil, fmt.Errorf("sdbql: scan %s/%s: %w", dbName, collName, err)
	}
	defer snap.Close()

	cf := catalog.CollectionCF(dbName, collName)
	var out []value.Value
	err = snap.ScanPrefix(ctx, cf, nil, func(_, v []byte) bool {
		doc, derr := docstore.DecodeStored(v)
		if derr != nil {
			return true
		}
		out = append(out, doc.Data)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyFor(ctx context.Context, env *Environment, ec *evalCtx, c *ForClause, rows []Row) ([]Row, error) {
	var out []Row
	for _, r := range rows {
		items, edges, err := resolveSource(ctx, env, ec, c.Source, r)
		if err != nil {
			return nil, err
		}
		for i, item := range items {
			nr := r.clone()
			nr[c.Var] = item
			if c.EdgeVar != "" && i < len(edges) {
				nr[c.EdgeVar] = edges[i]
			}
			out = append(out, nr)
		}
	}
	return out, nil
}

// resolveSource returns the items a FOR clause binds to Var, and (for graph
// sources with a declared EdgeVar) the parallel edge document bound
// alongside each item.
func resolveSource(ctx context.Context, env *Environment, ec *evalCtx, src Source, row Row) ([]value.Value, []value.Value, error) {
	switch s := src.(type) {
	case *CollectionSource:
		items, err := scanCollection(ctx, env, env.dbName, s.Name)
		return items, nil, err

	case *BindCollectionSource:
		bound, ok := ec.binds[s.Name]
		if !ok {
			return nil, nil, sdberr.Wrap(sdberr.ErrBind, "unresolved collection bind @@"+s.Name)
		}
		collName, ok := bound.String()
		if !ok {
			return nil, nil, sdberr.Wrap(sdberr.ErrType, "@@"+s.Name+" must be a string collection name")
		}
		items, err := scanCollection(ctx, env, env.dbName, collName)
		return items, nil, err

	case *ExprSource:
		v, err := ec.eval(s.Expr, row)
		if err != nil {
			return nil, nil, err
		}
		arr, ok := v.Array()
		if !ok {
			return nil, nil, sdberr.Wrap(sdberr.ErrType, "FOR source expression did not evaluate to an array")
		}
		return arr, nil, nil

	case *GraphSource:
		startV, err := ec.eval(s.Start, row)
		if err != nil {
			return nil, nil, err
		}
		startKey, _ := startV.String()
		return traverseGraph(ctx, env, env.dbName, s, startKey)

	case *ShortestPathSource:
		startV, err := ec.eval(s.Start, row)
		if err != nil {
			return nil, nil, err
		}
		targetV, err := ec.eval(s.Target, row)
		if err != nil {
			return nil, nil, err
		}
		startKey, _ := startV.String()
		targetKey, _ := targetV.String()
		return shortestPath(ctx, env, env.dbName, s, startKey, targetKey)

	default:
		return nil, nil, sdberr.Wrap(sdberr.ErrInternal, fmt.Sprintf("unhandled source type %T", src))
	}
}
