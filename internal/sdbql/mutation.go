package sdbql

import (
	"context"

	"github.com/solisoft/solidb/internal/docstore"
	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/value"
)

// runMutation executes the query's terminal mutation clause once per input
// row, routing each write through the active transaction's staged buffer
// when one is present and straight through docstore.Store otherwise.
// RETURN on a mutation clause sees the mutated document bound as NEW, and
// (for UPDATE/REPLACE/REMOVE inside a transaction, where the prior document
// was already fetched for the merge) the pre-mutation document bound as OLD.
func runMutation(ctx context.Context, env *Environment, ec *evalCtx, rows []Row, m MutationClause) ([]value.Value, error) {
	switch mc := m.(type) {
	case *InsertClause:
		return runInsert(ctx, env, ec, rows, mc)
	case *UpdateClause:
		return runUpdate(ctx, env, ec, rows, mc)
	case *ReplaceClause:
		return runReplace(ctx, env, ec, rows, mc)
	case *RemoveClause:
		return runRemove(ctx, env, ec, rows, mc)
	case *UpsertClause:
		return runUpsert(ctx, env, ec, rows, mc)
	default:
		return nil, sdberr.Wrap(sdberr.ErrInternal, "unhandled mutation clause")
	}
}

func projectMutationReturn(ec *evalCtx, r Row, ret *ReturnClause, newDoc value.Value, oldDoc value.Value, hasOld bool) (value.Value, bool, error) {
	if ret == nil {
		return value.Value{}, false, nil
	}
	nr := r.clone()
	nr["NEW"] = newDoc
	if hasOld {
		nr["OLD"] = oldDoc
	}
	v, err := ec.eval(ret.Expr, nr)
	if err != nil {
		return value.Value{}, false, err
	}
	return v, true, nil
}

func runInsert(ctx context.Context, env *Environment, ec *evalCtx, rows []Row, mc *InsertClause) ([]value.Value, error) {
	var out []value.Value
	for _, r := range rows {
		docV, err := ec.eval(mc.Doc, r)
		if err != nil {
			return nil, err
		}

		var result value.Value
		if env.txn != nil {
			key := ""
			if k, ok := docV.Get("_key"); ok {
				key, _ = k.String()
			}
			if key == "" {
				key = docstore.NewUUIDv7Key()
			}
			ts := env.clock.Now()
			rev := docstore.ComputeRev(docV, ts)
			fields := docstore.WithMeta(docV, key, rev)
			if err := env.txn.Insert(env.dbName, mc.Collection, key, fields); err != nil {
				return nil, err
			}
			result = fields
		} else {
			doc, err := env.docs.Insert(ctx, env.dbName, mc.Collection, docV)
			if err != nil {
				return nil, err
			}
			result = doc.Data
		}

		if v, ok, err := projectMutationReturn(ec, r, mc.Return, result, value.Value{}, false); err != nil {
			return nil, err
		} else if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func runUpdate(ctx context.Context, env *Environment, ec *evalCtx, rows []Row, mc *UpdateClause) ([]value.Value, error) {
	var out []value.Value
	for _, r := range rows {
		keyV, err := ec.eval(mc.Key, r)
		if err != nil {
			return nil, err
		}
		key, _ := keyV.String()
		patch, err := ec.eval(mc.Patch, r)
		if err != nil {
			return nil, err
		}

		var result, before value.Value
		hasBefore := false
		if env.txn != nil {
			current, ok, err := env.txn.Get(ctx, env.dbName, mc.Collection, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, sdberr.Wrap(sdberr.ErrNotFound, mc.Collection+"/"+key)
			}
			before, hasBefore = current, true
			merged := docstore.MergeFields(current, patch)
			ts := env.clock.Now()
			rev := docstore.ComputeRev(merged, ts)
			fields := docstore.WithMeta(merged, key, rev)
			if err := env.txn.Update(env.dbName, mc.Collection, key, fields, current, true, ""); err != nil {
				return nil, err
			}
			result = fields
		} else {
			doc, err := env.docs.Update(ctx, env.dbName, mc.Collection, key, patch, "")
			if err != nil {
				return nil, err
			}
			result = doc.Data
		}

		if v, ok, err := projectMutationReturn(ec, r, mc.Return, result, before, hasBefore); err != nil {
			return nil, err
		} else if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func runReplace(ctx context.Context, env *Environment, ec *evalCtx, rows []Row, mc *ReplaceClause) ([]value.Value, error) {
	var out []value.Value
	for _, r := range rows {
		keyV, err := ec.eval(mc.Key, r)
		if err != nil {
			return nil, err
		}
		key, _ := keyV.String()
		docV, err := ec.eval(mc.Doc, r)
		if err != nil {
			return nil, err
		}

		var result, before value.Value
		hasBefore := false
		if env.txn != nil {
			current, ok, err := env.txn.Get(ctx, env.dbName, mc.Collection, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, sdberr.Wrap(sdberr.ErrNotFound, mc.Collection+"/"+key)
			}
			before, hasBefore = current, true
			ts := env.clock.Now()
			rev := docstore.ComputeRev(docV, ts)
			fields := docstore.WithMeta(docV, key, rev)
			if err := env.txn.Update(env.dbName, mc.Collection, key, fields, current, true, ""); err != nil {
				return nil, err
			}
			result = fields
		} else {
			doc, err := env.docs.Replace(ctx, env.dbName, mc.Collection, key, docV, "")
			if err != nil {
				return nil, err
			}
			result = doc.Data
		}

		if v, ok, err := projectMutationReturn(ec, r, mc.Return, result, before, hasBefore); err != nil {
			return nil, err
		} else if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func runRemove(ctx context.Context, env *Environment, ec *evalCtx, rows []Row, mc *RemoveClause) ([]value.Value, error) {
	var out []value.Value
	for _, r := range rows {
		keyV, err := ec.eval(mc.Key, r)
		if err != nil {
			return nil, err
		}
		key, _ := keyV.String()

		var before value.Value
		hasBefore := false
		if env.txn != nil {
			current, ok, err := env.txn.Get(ctx, env.dbName, mc.Collection, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, sdberr.Wrap(sdberr.ErrNotFound, mc.Collection+"/"+key)
			}
			before, hasBefore = current, true
			if err := env.txn.Delete(env.dbName, mc.Collection, key, current, ""); err != nil {
				return nil, err
			}
		} else {
			if err := env.docs.Delete(ctx, env.dbName, mc.Collection, key, ""); err != nil {
				return nil, err
			}
		}

		if v, ok, err := projectMutationReturn(ec, r, mc.Return, value.Null(), before, hasBefore); err != nil {
			return nil, err
		} else if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// runUpsert looks for an existing document matching Search (by "_key" when
// present, otherwise by a full-equality scan of the collection) and either
// updates it or inserts Insert merged with the search criteria, mirroring
// the common UPSERT semantics the grammar's keyword is borrowed from.
func runUpsert(ctx context.Context, env *Environment, ec *evalCtx, rows []Row, mc *UpsertClause) ([]value.Value, error) {
	var out []value.Value
	for _, r := range rows {
		search, err := ec.eval(mc.Search, r)
		if err != nil {
			return nil, err
		}

		key, found, err := findUpsertMatch(ctx, env, mc.Collection, search)
		if err != nil {
			return nil, err
		}

		var result, before value.Value
		hasBefore := false
		if found {
			patch, err := ec.eval(mc.Update, r)
			if err != nil {
				return nil, err
			}
			if env.txn != nil {
				current, ok, err := env.txn.Get(ctx, env.dbName, mc.Collection, key)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, sdberr.Wrap(sdberr.ErrNotFound, mc.Collection+"/"+key)
				}
				before, hasBefore = current, true
				merged := docstore.MergeFields(current, patch)
				ts := env.clock.Now()
				rev := docstore.ComputeRev(merged, ts)
				fields := docstore.WithMeta(merged, key, rev)
				if err := env.txn.Update(env.dbName, mc.Collection, key, fields, current, true, ""); err != nil {
					return nil, err
				}
				result = fields
			} else {
				doc, err := env.docs.Update(ctx, env.dbName, mc.Collection, key, patch, "")
				if err != nil {
					return nil, err
				}
				result = doc.Data
			}
		} else {
			insertV, err := ec.eval(mc.Insert, r)
			if err != nil {
				return nil, err
			}
			merged := docstore.MergeFields(search, insertV)
			if env.txn != nil {
				newKey := docstore.NewUUIDv7Key()
				if k, ok := merged.Get("_key"); ok {
					if ks, ok := k.String(); ok && ks != "" {
						newKey = ks
					}
				}
				ts := env.clock.Now()
				rev := docstore.ComputeRev(merged, ts)
				fields := docstore.WithMeta(merged, newKey, rev)
				if err := env.txn.Insert(env.dbName, mc.Collection, newKey, fields); err != nil {
					return nil, err
				}
				result = fields
			} else {
				doc, err := env.docs.Insert(ctx, env.dbName, mc.Collection, merged)
				if err != nil {
					return nil, err
				}
				result = doc.Data
			}
		}

		if v, ok, err := projectMutationReturn(ec, r, mc.Return, result, before, hasBefore); err != nil {
			return nil, err
		} else if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func findUpsertMatch(ctx context.Context, env *Environment, collName string, search value.Value) (string, bool, error) {
	if k, ok := search.Get("_key"); ok {
		key, _ := k.String()
		if env.txn != nil {
			_, ok, err := env.txn.Get(ctx, env.dbName, collName, key)
			return key, ok, err
		}
		_, err := env.docs.Get(ctx, env.dbName, collName, key)
		if err != nil {
			if sdberr.IsNotFound(err) {
				return "", false, nil
			}
			return "", false, err
		}
		return key, true, nil
	}

	docs, err := scanCollection(ctx, env, env.dbName, collName)
	if err != nil {
		return "", false, err
	}
	for _, d := range docs {
		if matchesSearch(d, search) {
			k, _ := d.Get("_key")
			key, _ := k.String()
			return key, true, nil
		}
	}
	return "", false, nil
}

func matchesSearch(doc, search value.Value) bool {
	for _, k := range search.Keys() {
		if k == "_key" || k == "_rev" {
			continue
		}
		sv, _ := search.Get(k)
		dv, ok := doc.Get(k)
		if !ok || value.Compare(sv, dv) != 0 {
			return false
		}
	}
	return true
}
