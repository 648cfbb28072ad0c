package replication

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/solisoft/solidb/internal/catalog"
	"github.com/solisoft/solidb/internal/hlc"
	"github.com/solisoft/solidb/internal/kv"
)

// Peer describes one configured replication peer this node dials out to.
type Peer struct {
	Address string
}

// Server accepts inbound peer connections and serves full/incremental
// sync requests. Grounded on the net.Listener / Accept /
// goroutine-per-connection structure of
// smarterbase/internal/protocol/server.go, with the message loop
// retargeted at replication's own Hello/RequestSnapshot/PushEntries frames
// instead of pgproto3 messages.
type Server struct {
	listener     net.Listener
	port         int
	log          *Log
	cat          *catalog.Catalog
	store        *kv.DB
	sharedKey    []byte
	pushInterval time.Duration
	peers        []Peer
}

func NewServer(port int, log *Log, cat *catalog.Catalog, store *kv.DB, sharedKey []byte, peers []Peer) *Server {
	return &Server{
		port: port, log: log, cat: cat, store: store,
		sharedKey: sharedKey, pushInterval: 2 * time.Second,
		peers: peers,
	}
}

// Start begins listening for inbound peer connections. Matches the
// teacher's "listen, log, Accept-loop-with-goroutine-per-connection" shape.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("replication: listen on %d: %w", s.port, err)
	}
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			go s.handleConnection(ctx, conn)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// readHeader reads the 5-byte frame header (length + type tag) shared by
// every message on the wire.
func readHeader(r io.Reader) (bodyLen uint32, msgType MessageType, err error) {
	header := make([]byte, 5)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, 0, err
	}
	msgLen := binary.BigEndian.Uint32(header[0:4])
	if msgLen == 0 {
		return 0, MessageType(header[4]), fmt.Errorf("replication: empty frame")
	}
	return msgLen - 1, MessageType(header[4]), nil
}

func readBody(r io.Reader, n uint32, dst any) error {
	if n == 0 {
		return nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(dst)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var hello HelloMsg
	if _, err := ReadFrame(conn, &hello); err != nil {
		return
	}
	mac := signNonce(s.sharedKey, hello.Nonce)
	_ = WriteFrame(conn, MsgHelloAck, HelloAckMsg{NodeID: s.log.NodeID(), HMAC: mac, Accepted: true})

	for {
		bodyLen, msgType, err := readHeader(conn)
		if err != nil {
			return
		}
		switch msgType {
		case MsgRequestSnapshot:
			var req RequestSnapshotMsg
			if readBody(conn, bodyLen, &req) != nil {
				return
			}
			s.serveSnapshot(ctx, conn)
		case MsgPushEntries:
			var push PushEntriesMsg
			if readBody(conn, bodyLen, &push) != nil {
				return
			}
			s.applyPushedEntries(ctx, conn, push)
		case MsgPing:
			var ping PingMsg
			if readBody(conn, bodyLen, &ping) != nil {
				return
			}
			_ = WriteFrame(conn, MsgPong, PongMsg{Nonce: ping.Nonce})
		default:
			return
		}
	}
}

func (s *Server) serveSnapshot(ctx context.Context, conn net.Conn) {
	for _, dbName := range s.cat.ListDatabases() {
		colls, err := s.cat.ListCollections(dbName)
		if err != nil {
			continue
		}
		for _, collName := range colls {
			cf := catalog.CollectionCF(dbName, collName)
			snap, err := s.store.NewSnapshot()
			if err != nil {
				continue
			}
			var batch []map[string]any
			_ = snap.ScanPrefix(ctx, cf, nil, func(k, v []byte) bool {
				var envelope struct {
					Fields json.RawMessage `json:"fields"`
				}
				if json.Unmarshal(v, &envelope) == nil {
					var doc map[string]any
					if json.Unmarshal(envelope.Fields, &doc) == nil {
						batch = append(batch, doc)
					}
				}
				if len(batch) >= 500 {
					_ = WriteFrame(conn, MsgSnapshotChunk, SnapshotChunkMsg{DB: dbName, Collection: collName, Documents: batch})
					batch = nil
				}
				return true
			})
			snap.Close()
			if len(batch) > 0 {
				_ = WriteFrame(conn, MsgSnapshotChunk, SnapshotChunkMsg{DB: dbName, Collection: collName, Documents: batch})
			}
		}
	}
	_ = WriteFrame(conn, MsgSnapshotEnd, SnapshotEndMsg{MaxSeqPerOrigin: map[string]uint64{s.log.NodeID(): s.log.LocalSeq()}})
}

func (s *Server) applyPushedEntries(ctx context.Context, conn net.Conn, push PushEntriesMsg) {
	acked := make(map[string]uint64)
	for _, e := range push.Entries {
		cf := catalog.CollectionCF(e.DB, e.Collection)
		batch := kv.NewBatch()

		var currentTS *hlc.Timestamp
		if existingRaw, _ := s.store.Get(cf, []byte(e.Key)); existingRaw != nil {
			var envelope struct {
				Physical int64  `json:"physical"`
				Logical  uint32 `json:"logical"`
				NodeID   string `json:"nodeId"`
			}
			if json.Unmarshal(existingRaw, &envelope) == nil {
				ts := hlc.Timestamp{Physical: envelope.Physical, Logical: envelope.Logical, NodeID: envelope.NodeID}
				currentTS = &ts
			}
		}
		if _, err := s.log.ApplyRemote(ctx, batch, cf, currentTS, e); err == nil {
			_ = s.store.Commit(ctx, batch)
		}
		if e.Seq > acked[e.OriginNode] {
			acked[e.OriginNode] = e.Seq
		}
	}
	_ = WriteFrame(conn, MsgAck, AckMsg{LastSeqPerOrigin: acked})
}
