// Package index implements secondary indexes (hash, persistent, geo,
// full-text) maintained as extra column families alongside each
// collection. Grounded on smarterbase/redis_indexer.go's
// register-spec-then-fan-out-on-every-write shape, retargeted from Redis
// Sets onto the bbolt-backed kv package so indexes survive restart and
// rebuild byte-identically (the index-coherence property every testable
// property in this area ultimately depends on).
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/value"
)

// Mirror is the optional Redis-backed hash-index accelerator described in
// SPEC_FULL.md §4.4: a disposable, rebuildable-from-bbolt cache consulted
// only by point-equality lookups, never by recovery or RebuildIndex.
type Mirror interface {
	AddMember(ctx context.Context, set, member string) error
	RemoveMember(ctx context.Context, set, member string) error
	Members(ctx context.Context, set string) ([]string, error)
}

// Manager fans document writes out to every index a collection declares,
// and answers index-backed lookups (the SDBQL executor does not use them;
// its FOR clause always scans the whole collection).
type Manager struct {
	store  *kv.DB
	mirror Mirror // nil when no Redis mirror is configured
}

func NewManager(store *kv.DB, mirror Mirror) *Manager {
	return &Manager{store: store, mirror: mirror}
}

func fieldValue(doc value.Value, field string) value.Value {
	parts := strings.Split(field, ".")
	cur := doc
	for _, p := range parts {
		v, ok := cur.Get(p)
		if !ok {
			return value.Null()
		}
		cur = v
	}
	return cur
}

// FanOutInsert stages every index entry a newly inserted document needs
// into batch, to be committed atomically with the document write itself.
func (m *Manager) FanOutInsert(batch *kv.Batch, dbName string, coll *catalog.Collection, key string, doc value.Value) error {
	for _, idx := range coll.Indexes {
		if err := m.addEntry(batch, dbName, coll.Name, idx, key, doc); err != nil {
			return err
		}
	}
	return nil
}

// FanOutUpdate removes stale index entries derived from the old document
// and adds entries for the new one.
func (m *Manager) FanOutUpdate(batch *kv.Batch, dbName string, coll *catalog.Collection, key string, oldDoc, newDoc value.Value) error {
	for _, idx := range coll.Indexes {
		if err := m.removeEntry(batch, dbName, coll.Name, idx, key, oldDoc); err != nil {
			return err
		}
		if err := m.addEntry(batch, dbName, coll.Name, idx, key, newDoc); err != nil {
			return err
		}
	}
	return nil
}

// FanOutDelete removes every index entry belonging to a deleted document.
func (m *Manager) FanOutDelete(batch *kv.Batch, dbName string, coll *catalog.Collection, key string, doc value.Value) error {
	for _, idx := range coll.Indexes {
		if err := m.removeEntry(batch, dbName, coll.Name, idx, key, doc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) addEntry(batch *kv.Batch, dbName, collName string, idx catalog.IndexDef, key string, doc value.Value) error {
	cf := catalog.IndexCF(dbName, collName, idx.Name)
	switch idx.Kind {
	case catalog.IndexHash, catalog.IndexPersistent:
		fv := fieldValue(doc, idx.Fields[0])
		if fv.IsNull() && idx.Sparse {
			return nil
		}
		batch.Put(cf, indexKey(fv, key), []byte(key))
		if idx.Kind == catalog.IndexHash && m.mirror != nil {
			// Best-effort: the mirror is a disposable accelerator, so a
			// write failure here only costs a point lookup its speedup,
			// never the durability of the bbolt entry just staged above.
			_ = m.mirror.AddMember(context.Background(), mirrorSet(dbName, collName, idx, fv), key)
		}
	case catalog.IndexGeo:
		lat, lon, ok := geoFields(doc, idx.Fields)
		if !ok {
			if idx.Sparse {
				return nil
			}
			return sdberr.Wrap(sdberr.ErrIndex, "geo index requires numeric lat/lon fields")
		}
		batch.Put(cf, geoKey(lat, lon, key), []byte(key))
	case catalog.IndexFullText:
		text := fieldValue(doc, idx.Fields[0])
		s, _ := text.String()
		for gram, positions := range ngrams(s) {
			for _, pos := range positions {
				batch.Put(cf, fullTextKey(gram, key, pos), []byte{1})
			}
		}
	}
	return nil
}

func (m *Manager) removeEntry(batch *kv.Batch, dbName, collName string, idx catalog.IndexDef, key string, doc value.Value) error {
	cf := catalog.IndexCF(dbName, collName, idx.Name)
	switch idx.Kind {
	case catalog.IndexHash, catalog.IndexPersistent:
		fv := fieldValue(doc, idx.Fields[0])
		if fv.IsNull() && idx.Sparse {
			return nil
		}
		batch.Delete(cf, indexKey(fv, key))
		if idx.Kind == catalog.IndexHash && m.mirror != nil {
			_ = m.mirror.RemoveMember(context.Background(), mirrorSet(dbName, collName, idx, fv), key)
		}
	case catalog.IndexGeo:
		lat, lon, ok := geoFields(doc, idx.Fields)
		if !ok {
			return nil
		}
		batch.Delete(cf, geoKey(lat, lon, key))
	case catalog.IndexFullText:
		text := fieldValue(doc, idx.Fields[0])
		s, _ := text.String()
		for gram, positions := range ngrams(s) {
			for _, pos := range positions {
				batch.Delete(cf, fullTextKey(gram, key, pos))
			}
		}
	}
	return nil
}

// indexKey encodes "value ++ \0 ++ doc_key" so a prefix scan on the
// value's encoding alone enumerates every document with that value, and a
// full key (value+key) addresses one entry for deletion.
func indexKey(v value.Value, docKey string) []byte {
	enc := value.Encode(v)
	out := make([]byte, 0, len(enc)+1+len(docKey))
	out = append(out, enc...)
	out = append(out, 0)
	out = append(out, docKey...)
	return out
}

// mirrorSet names the Redis set backing one (collection, index, value)
// point-equality lookup.
func mirrorSet(dbName, collName string, idx catalog.IndexDef, v value.Value) string {
	return dbName + ":" + collName + ":" + idx.Name + ":" + string(value.Encode(v))
}

// LookupEqual returns every document key whose indexed field equals v,
// using the optional Redis mirror when present for point lookups and
// falling back to the bbolt CF when no mirror is configured or the mirror
// read fails (the mirror is disposable; bbolt is always the source of
// truth RebuildIndex restores it from).
func (m *Manager) LookupEqual(ctx context.Context, dbName, collName string, idx catalog.IndexDef, v value.Value) ([]string, error) {
	if idx.Kind == catalog.IndexHash && m.mirror != nil {
		if keys, err := m.mirror.Members(ctx, mirrorSet(dbName, collName, idx, v)); err == nil {
			return keys, nil
		}
	}

	cf := catalog.IndexCF(dbName, collName, idx.Name)
	snap, err := m.store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	prefix := value.Encode(v)
	var keys []string
	err = snap.ScanPrefix(ctx, cf, prefix, func(k, val []byte) bool {
		keys = append(keys, string(val))
		return true
	})
	return keys, err
}

// LookupRange returns document keys whose indexed field falls within
// [lo, hi); hasLo or hasHi false leaves that bound open.
func (m *Manager) LookupRange(ctx context.Context, dbName, collName string, idx catalog.IndexDef, lo, hi value.Value, hasLo, hasHi bool) ([]string, error) {
	cf := catalog.IndexCF(dbName, collName, idx.Name)
	snap, err := m.store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	var loKey, hiKey []byte
	if hasLo {
		loKey = value.Encode(lo)
	}
	if hasHi {
		hiKey = value.Encode(hi)
	}
	var keys []string
	err = snap.ScanRange(ctx, cf, loKey, hiKey, false, func(k, val []byte) bool {
		keys = append(keys, string(val))
		return true
	})
	return keys, err
}

// CheckUnique returns ErrDuplicateKey if a unique index already has an
// entry for v belonging to a document other than excludeKey. Callers run
// this before staging a write into a unique index's column family, since
// the batch itself has no uniqueness constraint of its own.
func (m *Manager) CheckUnique(ctx context.Context, dbName, collName string, idx catalog.IndexDef, v value.Value, excludeKey string) error {
	if !idx.Unique {
		return nil
	}
	keys, err := m.LookupEqual(ctx, dbName, collName, idx, v)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k != excludeKey {
			return sdberr.Wrap(sdberr.ErrDuplicateKey, fmt.Sprintf("unique index %q already has value for %s", idx.Name, k))
		}
	}
	return nil
}

// RebuildIndex recomputes one index's column family from scratch by
// scanning the collection, idempotently overwriting whatever was there.
// Grounded on smarterbase's index_repair.go / index_health.go drift
// detection and repair idea, repointed at bbolt CFs.
func (m *Manager) RebuildIndex(ctx context.Context, dbName string, coll *catalog.Collection, idx catalog.IndexDef) error {
	if err := m.store.DropCF(catalog.IndexCF(dbName, coll.Name, idx.Name)); err != nil {
		return err
	}
	if err := m.store.EnsureCF(catalog.IndexCF(dbName, coll.Name, idx.Name)); err != nil {
		return err
	}

	cf := catalog.CollectionCF(dbName, coll.Name)
	snap, err := m.store.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	batch := kv.NewBatch()
	count := 0
	err = snap.ScanPrefix(ctx, cf, nil, func(k, raw []byte) bool {
		doc, derr := decodeForIndex(raw)
		if derr != nil {
			return true
		}
		_ = m.addEntry(batch, dbName, coll.Name, idx, string(k), doc)
		count++
		if count%500 == 0 {
			_ = m.store.Commit(ctx, batch)
			batch = kv.NewBatch()
		}
		return true
	})
	if err != nil {
		return err
	}
	return m.store.Commit(ctx, batch)
}

// decodeForIndex avoids an import cycle with docstore (which imports
// index) by decoding just enough of the stored document envelope to read
// field values: the envelope's "fields" member is plain JSON, independent
// of docstore's own wireDoc type.
func decodeForIndex(raw []byte) (value.Value, error) {
	var envelope struct {
		Fields json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return value.Value{}, fmt.Errorf("index: decode envelope: %w", err)
	}
	var goVal any
	if err := json.Unmarshal(envelope.Fields, &goVal); err != nil {
		return value.Value{}, fmt.Errorf("index: decode fields: %w", err)
	}
	return value.FromGo(goVal)
}

func geoFields(doc value.Value, fields []string) (lat, lon float64, ok bool) {
	if len(fields) < 2 {
		return 0, 0, false
	}
	latV := fieldValue(doc, fields[0])
	lonV := fieldValue(doc, fields[1])
	lat, ok1 := latV.Number()
	lon, ok2 := lonV.Number()
	return lat, lon, ok1 && ok2
}

// geoKey interleaves the bits of quantized lat/lon into a Morton (Z-order)
// code so a bounding-box range scan over the resulting ordered keys visits
// a small, spatially-local set of candidates; exact distance is then
// verified with haversine by the caller (Query layer), never trusted from
// the key order alone.
func geoKey(lat, lon float64, docKey string) []byte {
	const scale = 1 << 20 // ~cm-scale quantization across +-180/+-90 degrees
	qx := uint32(int64((lon + 180) * scale))
	qy := uint32(int64((lat + 90) * scale))
	morton := interleave(qx, qy)
	out := make([]byte, 9+len(docKey))
	for i := 0; i < 8; i++ {
		out[i] = byte(morton >> (56 - 8*i))
	}
	out[8] = 0
	copy(out[9:], docKey)
	return out
}

func interleave(x, y uint32) uint64 {
	spread := func(v uint32) uint64 {
		r := uint64(v)
		r = (r | (r << 16)) & 0x0000FFFF0000FFFF
		r = (r | (r << 8)) & 0x00FF00FF00FF00FF
		r = (r | (r << 4)) & 0x0F0F0F0F0F0F0F0F
		r = (r | (r << 2)) & 0x3333333333333333
		r = (r | (r << 1)) & 0x5555555555555555
		return r
	}
	return spread(x) | (spread(y) << 1)
}

// HaversineMeters is the great-circle distance between two lat/lon points,
// used to post-filter geo-index candidates against an exact radius.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// ngrams tokenises s into lower-cased n-grams (default n=3) for full-text
// indexing, mapping each gram to the rune offsets it starts at.
func ngrams(s string) map[string][]int {
	s = strings.ToLower(s)
	var runes []rune
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes = append(runes, r)
		} else if len(runes) > 0 {
			runes = append(runes, ' ')
		}
	}
	const n = 3
	out := make(map[string][]int)
	for i := 0; i+n <= len(runes); i++ {
		g := string(runes[i : i+n])
		if strings.Contains(g, " ") {
			continue
		}
		out[g] = append(out[g], i)
	}
	return out
}

func fullTextKey(gram, docKey string, pos int) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%08d", gram, docKey, pos))
}

// FullTextResult is one document matched by SearchFullText, scored by a
// simple term-frequency count across the grams shared with the query.
type FullTextResult struct {
	Key   string
	Score float64
}

// SearchFullText tokenises query into the same n-grams used at index time,
// scans the matching postings, and returns candidate documents ranked by
// how many grams they share with the query (a BM25-style relevance score
// would need per-document term frequency and corpus-wide IDF; this
// approximation returns candidates for the caller to verify, without
// requiring docstore access from this package).
func (m *Manager) SearchFullText(ctx context.Context, dbName, collName string, idx catalog.IndexDef, query string, limit int) ([]FullTextResult, error) {
	cf := catalog.IndexCF(dbName, collName, idx.Name)
	snap, err := m.store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	grams := ngrams(query)
	if len(grams) == 0 {
		return nil, nil
	}
	scores := make(map[string]float64)
	for gram := range grams {
		prefix := append([]byte(gram), 0)
		err = snap.ScanPrefix(ctx, cf, prefix, func(k, _ []byte) bool {
			rest := k[len(prefix):]
			if i := strings.IndexByte(string(rest), 0); i >= 0 {
				scores[string(rest[:i])]++
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]FullTextResult, 0, len(scores))
	for key, score := range scores {
		out = append(out, FullTextResult{Key: key, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GeoResult is one document matched by SearchNear, with its distance from
// the query point in meters.
type GeoResult struct {
	Key       string
	DistanceM float64
}

// SearchNear scans the geo index's bounding Morton-code range around
// (lat, lon) and returns every candidate within radiusMeters, verified by
// exact haversine distance and sorted nearest-first. Grounded on the
// candidate-scan-then-exact-verify shape geoKey's doc comment describes.
func (m *Manager) SearchNear(ctx context.Context, dbName, collName string, idx catalog.IndexDef, lat, lon, radiusMeters float64) ([]GeoResult, error) {
	cf := catalog.IndexCF(dbName, collName, idx.Name)
	snap, err := m.store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	const scale = 1 << 20
	degPerMeterLat := 1.0 / 111320.0
	latSpan := radiusMeters * degPerMeterLat
	lonSpan := latSpan / math.Max(math.Cos(lat*math.Pi/180), 0.01)

	qx0 := uint32(int64((lon - lonSpan + 180) * scale))
	qx1 := uint32(int64((lon + lonSpan + 180) * scale))
	qy0 := uint32(int64((lat - latSpan + 90) * scale))
	qy1 := uint32(int64((lat + latSpan + 90) * scale))

	lo := mortonBytes(interleave(qx0, qy0))
	hi := mortonBytes(interleave(qx1, qy1))

	var out []GeoResult
	err = snap.ScanRange(ctx, cf, lo, hi, false, func(k, val []byte) bool {
		if len(k) < 9 {
			return true
		}
		morton := uint64(0)
		for i := 0; i < 8; i++ {
			morton = morton<<8 | uint64(k[i])
		}
		qx, qy := deinterleave(morton)
		candLon := float64(qx)/scale - 180
		candLat := float64(qy)/scale - 90
		d := HaversineMeters(lat, lon, candLat, candLon)
		if d <= radiusMeters {
			out = append(out, GeoResult{Key: string(val), DistanceM: d})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}

func mortonBytes(morton uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(morton >> (56 - 8*i))
	}
	return out
}

func deinterleave(morton uint64) (x, y uint32) {
	compact := func(r uint64) uint32 {
		r &= 0x5555555555555555
		r = (r | (r >> 1)) & 0x3333333333333333
		r = (r | (r >> 2)) & 0x0F0F0F0F0F0F0F0F
		r = (r | (r >> 4)) & 0x00FF00FF00FF00FF
		r = (r | (r >> 8)) & 0x0000FFFF0000FFFF
		r = (r | (r >> 16)) & 0x00000000FFFFFFFF
		return uint32(r)
	}
	return compact(morton), compact(morton >> 1)
}

// LevenshteinWithin reports whether the edit distance between a and b is
// at most maxDist, used to verify full-text fuzzy-match candidates
// generated from shared n-grams.
func LevenshteinWithin(a, b string, maxDist int) bool {
	if absInt(len(a)-len(b)) > maxDist {
		return false
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)] <= maxDist
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
