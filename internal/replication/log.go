// Package replication implements the append-only, HLC-ordered per-node
// operation log and the peer-to-peer sync protocol that reconciles nodes
// using last-writer-wins. The log itself is grounded on the fixed
// column-family design in internal/kv (one "_replog:<node_id>" CF per node,
// big-endian sequence keys so a forward bbolt cursor scan is already
// seq-ordered); the wire transport below adapts the manual
// length-prefixed-framing idiom from
// smarterbase/internal/protocol/server.go away from the PostgreSQL wire
// protocol and onto SoliDB's own framed message set.
package replication

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/solisoft/solidb/internal/hlc"
	"github.com/solisoft/solidb/internal/kv"
)

// OpKind identifies the kind of mutation a log entry records.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Entry is one committed mutation, as it is both persisted locally and
// shipped to peers.
type Entry struct {
	Seq        uint64        `json:"seq"`
	OriginNode string        `json:"originNode"`
	DB         string        `json:"db"`
	Collection string        `json:"collection"`
	Key        string        `json:"key"`
	Op         OpKind        `json:"op"`
	HLC        hlc.Timestamp `json:"hlc"`
	Data       any           `json:"data,omitempty"`
}

// Log is this node's append-only replication log plus the bookkeeping
// needed to apply incoming entries from peers with last-writer-wins
// semantics.
type Log struct {
	store  *kv.DB
	nodeID string
	seq    atomic.Uint64
}

// Open restores a Log for nodeID, seeding its sequence counter from the
// highest seq already persisted so seq numbers remain strictly increasing
// across restarts.
func Open(store *kv.DB, nodeID string) (*Log, error) {
	l := &Log{store: store, nodeID: nodeID}
	cf := cfFor(nodeID)
	if err := store.EnsureCF(cf); err != nil {
		return nil, err
	}
	snap, err := store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	var maxSeq uint64
	_ = snap.ScanPrefix(context.Background(), cf, nil, func(k, v []byte) bool {
		if len(k) == 8 {
			if s := binary.BigEndian.Uint64(k); s > maxSeq {
				maxSeq = s
			}
		}
		return true
	})
	l.seq.Store(maxSeq)
	return l, nil
}

func cfFor(nodeID string) string { return kv.ReplogCF + nodeID }

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Append stages one local mutation into the log, to be committed in the
// same kv.Batch as the document write that produced it (so a crash between
// the two can never happen — they are one atomic write).
func (l *Log) Append(batch *kv.Batch, e Entry) {
	e.Seq = l.seq.Add(1)
	e.OriginNode = l.nodeID
	raw, _ := json.Marshal(e)
	batch.Put(cfFor(l.nodeID), seqKey(e.Seq), raw)
}

// ApplyRemote stages a remotely-originated entry into this node's local
// document CF, honoring last-writer-wins: the entry is applied only if its
// HLC timestamp is greater than the target document's current one, and the
// decision (applied or superseded) is returned. Server.applyPushedEntries
// ignores it, so a superseded entry is dropped without any log record.
//
// The remote entry is also re-appended to the *local* log under its
// original node id's column family, preserving OriginNode. Client.pushOnce
// ships only this node's own column family, so the incremental push does
// not forward these re-appended entries to further peers.
func (l *Log) ApplyRemote(ctx context.Context, batch *kv.Batch, collCF string, currentHLC *hlc.Timestamp, e Entry) (applied bool, err error) {
	if currentHLC != nil && !hlc.After(e.HLC, *currentHLC) {
		return false, nil
	}

	switch e.Op {
	case OpDelete:
		batch.Delete(collCF, []byte(e.Key))
	case OpInsert, OpUpdate:
		raw, merr := json.Marshal(map[string]any{
			"fields":   mustJSON(e.Data),
			"physical": e.HLC.Physical,
			"logical":  e.HLC.Logical,
			"nodeId":   e.HLC.NodeID,
		})
		if merr != nil {
			return false, fmt.Errorf("replication: encode applied entry: %w", merr)
		}
		batch.Put(collCF, []byte(e.Key), raw)
	}

	remoteRaw, _ := json.Marshal(e)
	batch.Put(cfFor(e.OriginNode), seqKey(e.Seq), remoteRaw)
	return true, nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// EntriesSince returns every local entry for nodeID with seq > after, in
// ascending order, used both to serve PushEntries to peers and to resume a
// peer connection after a reconnect.
func (l *Log) EntriesSince(ctx context.Context, nodeID string, after uint64) ([]Entry, error) {
	snap, err := l.store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	var entries []Entry
	err = snap.ScanRange(ctx, cfFor(nodeID), seqKey(after+1), nil, false, func(k, v []byte) bool {
		var e Entry
		if json.Unmarshal(v, &e) == nil {
			entries = append(entries, e)
		}
		return true
	})
	return entries, err
}

// LocalSeq returns this node's current (last-assigned) sequence number.
func (l *Log) LocalSeq() uint64 { return l.seq.Load() }

// NodeID returns the node this log belongs to.
func (l *Log) NodeID() string { return l.nodeID }
