package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/kv"
	"github.com/solisoft/solidb/internal/value"
)

// Client drives outbound sync with one peer: handshake, optional full
// sync, and a periodic incremental push loop. There is no reconnect
// backoff: a failed push is retried on the next tick of PushLoop's fixed
// interval.
type Client struct {
	addr      string
	nodeID    string
	sharedKey []byte
	log       *Log
	cat       *catalog.Catalog
	store     *kv.DB
	lastAcked map[string]uint64
}

func NewClient(addr, nodeID string, sharedKey []byte, log *Log, cat *catalog.Catalog, store *kv.DB) *Client {
	return &Client{addr: addr, nodeID: nodeID, sharedKey: sharedKey, log: log, cat: cat, store: store, lastAcked: make(map[string]uint64)}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("replication: dial %s: %w", c.addr, err)
	}
	nonce, err := randomNonce()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, MsgHello, HelloMsg{NodeID: c.nodeID, Nonce: nonce}); err != nil {
		conn.Close()
		return nil, err
	}
	var ack HelloAckMsg
	if _, err := ReadFrame(conn, &ack); err != nil {
		conn.Close()
		return nil, err
	}
	if !ack.Accepted || !verifyNonce(c.sharedKey, nonce, ack.HMAC) {
		conn.Close()
		return nil, fmt.Errorf("replication: peer %s rejected handshake", c.addr)
	}
	return conn, nil
}

// FullSync requests a complete snapshot from the peer and installs it,
// one kv.Batch per received chunk (the server sends at most 500 documents
// per chunk) so memory stays bounded even for a large database.
func (c *Client) FullSync(ctx context.Context) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := WriteFrame(conn, MsgRequestSnapshot, RequestSnapshotMsg{}); err != nil {
		return err
	}

	for {
		bodyLen, msgType, err := readHeader(conn)
		if err != nil {
			return err
		}
		switch msgType {
		case MsgSnapshotChunk:
			var chunk SnapshotChunkMsg
			if err := readBody(conn, bodyLen, &chunk); err != nil {
				return err
			}
			if err := c.installChunk(ctx, chunk); err != nil {
				return err
			}
		case MsgSnapshotEnd:
			var end SnapshotEndMsg
			_ = readBody(conn, bodyLen, &end)
			for node, seq := range end.MaxSeqPerOrigin {
				c.lastAcked[node] = seq
			}
			return nil
		default:
			return fmt.Errorf("replication: unexpected message %d during full sync", msgType)
		}
	}
}

func (c *Client) installChunk(ctx context.Context, chunk SnapshotChunkMsg) error {
	if _, err := c.cat.GetDatabase(chunk.DB); err != nil {
		if err := c.cat.CreateDatabase(ctx, chunk.DB); err != nil {
			return err
		}
	}
	if _, err := c.cat.GetCollection(chunk.DB, chunk.Collection); err != nil {
		if err := c.cat.CreateCollection(ctx, chunk.DB, chunk.Collection, catalog.ValidationNone, nil); err != nil {
			return err
		}
	}

	cf := catalog.CollectionCF(chunk.DB, chunk.Collection)
	batch := kv.NewBatch()
	for _, doc := range chunk.Documents {
		key, _ := doc["_key"].(string)
		if key == "" {
			continue
		}
		v, err := value.FromGo(doc)
		if err != nil {
			continue
		}
		fieldsRaw, _ := json.Marshal(doc)
		envelope, _ := json.Marshal(map[string]json.RawMessage{"fields": fieldsRaw})
		batch.Put(cf, []byte(key), envelope)
		_ = v
	}
	return c.store.Commit(ctx, batch)
}

// PushLoop periodically pushes every entry this node has produced since
// the peer's last acknowledgement, until ctx is cancelled. Each failed
// push is passed to onError (when non-nil) and retried on the next tick;
// the interval is fixed, with no backoff.
func (c *Client) PushLoop(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pushOnce(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

func (c *Client) pushOnce(ctx context.Context) error {
	entries, err := c.log.EntriesSince(ctx, c.nodeID, c.lastAcked[c.nodeID])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := WriteFrame(conn, MsgPushEntries, PushEntriesMsg{Entries: entries}); err != nil {
		return err
	}
	bodyLen, msgType, err := readHeader(conn)
	if err != nil {
		return err
	}
	if msgType != MsgAck {
		return fmt.Errorf("replication: expected Ack, got message %d", msgType)
	}
	var ack AckMsg
	if err := readBody(conn, bodyLen, &ack); err != nil {
		return err
	}
	for node, seq := range ack.LastSeqPerOrigin {
		if seq > c.lastAcked[node] {
			c.lastAcked[node] = seq
		}
	}
	return nil
}
