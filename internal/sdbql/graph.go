package sdbql

import (
	"context"

	"github.com/solisoft/solidb/internal/value"
)

// edge is one parsed edge document: its two endpoint keys plus the full
// document, the latter bound to a FOR clause's EdgeVar when declared.
type edge struct {
	from, to string
	doc      value.Value
}

// loadEdges reads every document in edgeColl and extracts its "_from" and
// "_to" endpoint keys. Edge collections are expected to stay small relative
// to vertex collections, matching the graph workloads the traversal
// keywords are meant for; there is no separate edge index, so every
// traversal step re-scans this list.
func loadEdges(ctx context.Context, env *Environment, dbName, edgeColl string) ([]edge, error) {
	docs, err := scanCollection(ctx, env, dbName, edgeColl)
	if err != nil {
		return nil, err
	}
	out := make([]edge, 0, len(docs))
	for _, d := range docs {
		fromV, _ := d.Get("_from")
		toV, _ := d.Get("_to")
		from, _ := fromV.String()
		to, _ := toV.String()
		if from == "" || to == "" {
			continue
		}
		out = append(out, edge{from: from, to: to, doc: d})
	}
	return out, nil
}

// neighbors returns the (key, edge) pairs reachable from vertex in the
// given direction.
func neighbors(edges []edge, vertex string, dir Direction) []edge {
	var out []edge
	for _, e := range edges {
		switch dir {
		case DirOutbound:
			if e.from == vertex {
				out = append(out, edge{from: e.from, to: e.to, doc: e.doc})
			}
		case DirInbound:
			if e.to == vertex {
				out = append(out, edge{from: e.to, to: e.from, doc: e.doc})
			}
		case DirAny:
			if e.from == vertex {
				out = append(out, edge{from: e.from, to: e.to, doc: e.doc})
			} else if e.to == vertex {
				out = append(out, edge{from: e.to, to: e.from, doc: e.doc})
			}
		}
	}
	return out
}

// traverseGraph performs a bounded breadth-first traversal from startKey,
// yielding one (vertex, edge) result per path at every depth within
// [Min, Max] except depth 0 (the start vertex is never yielded, even when
// Min is 0). Each path tracks its own visited set so diamond-shaped graphs
// are explored from every side while a path can never revisit a vertex it
// has already passed through, per the design note on avoiding infinite
// traversal loops in cyclic graphs.
func traverseGraph(ctx context.Context, env *Environment, dbName string, s *GraphSource, startKey string) ([]value.Value, []value.Value, error) {
	edges, err := loadEdges(ctx, env, dbName, s.EdgeColl)
	if err != nil {
		return nil, nil, err
	}

	type frame struct {
		vertex  string
		edgeDoc value.Value
		hasEdge bool
		depth   int
		visited map[string]bool
	}

	var items, edgeVals []value.Value
	queue := []frame{{vertex: startKey, depth: 0, visited: map[string]bool{startKey: true}}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		f := queue[0]
		queue = queue[1:]

		if f.depth >= s.Min && f.depth > 0 {
			items = append(items, value.String(f.vertex))
			if f.hasEdge {
				edgeVals = append(edgeVals, f.edgeDoc)
			} else {
				edgeVals = append(edgeVals, value.Null())
			}
		}
		if f.depth >= s.Max {
			continue
		}
		for _, e := range neighbors(edges, f.vertex, s.Direction) {
			if f.visited[e.to] {
				continue
			}
			nv := make(map[string]bool, len(f.visited)+1)
			for k := range f.visited {
				nv[k] = true
			}
			nv[e.to] = true
			queue = append(queue, frame{vertex: e.to, edgeDoc: e.doc, hasEdge: true, depth: f.depth + 1, visited: nv})
		}
	}
	return items, edgeVals, nil
}

// shortestPath performs a breadth-first search from startKey to targetKey
// and returns the single shortest path found as one result item: an array
// of vertex keys from start to target inclusive. Returns no items if the
// target is unreachable within the graph.
func shortestPath(ctx context.Context, env *Environment, dbName string, s *ShortestPathSource, startKey, targetKey string) ([]value.Value, []value.Value, error) {
	edges, err := loadEdges(ctx, env, dbName, s.EdgeColl)
	if err != nil {
		return nil, nil, err
	}
	if startKey == targetKey {
		return []value.Value{value.Array(value.String(startKey))}, nil, nil
	}

	prev := map[string]string{startKey: ""}
	queue := []string{startKey}
	found := false
	for len(queue) > 0 && !found {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		cur := queue[0]
		queue = queue[1:]
		for _, e := range neighbors(edges, cur, s.Direction) {
			if _, seen := prev[e.to]; seen {
				continue
			}
			prev[e.to] = cur
			if e.to == targetKey {
				found = true
				break
			}
			queue = append(queue, e.to)
		}
	}
	if !found {
		return nil, nil, nil
	}

	var path []string
	for v := targetKey; v != ""; v = prev[v] {
		path = append([]string{v}, path...)
		if v == startKey {
			break
		}
	}
	items := make([]value.Value, len(path))
	for i, v := range path {
		items[i] = value.String(v)
	}
	return []value.Value{value.Array(items...)}, nil, nil
}
