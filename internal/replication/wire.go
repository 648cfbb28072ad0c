package replication

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MessageType tags a framed replication message. Adapted from the
// single-byte message tags in smarterbase/internal/protocol/server.go
// ('R', 'S', 'K', 'Z', ...), repurposed for SoliDB's own message set
// instead of PostgreSQL's.
type MessageType uint8

const (
	MsgHello MessageType = iota + 1
	MsgHelloAck
	MsgRequestSnapshot
	MsgSnapshotChunk
	MsgSnapshotEnd
	MsgPushEntries
	MsgAck
	MsgPing
	MsgPong
)

type HelloMsg struct {
	NodeID string
	Nonce  []byte
}

type HelloAckMsg struct {
	NodeID     string
	HMAC       []byte // HMAC-SHA256(sharedKey, Nonce), proves keyfile possession
	Accepted   bool
	LastSeqKnown map[string]uint64 // peer's last-known seq per origin node, for resume
}

type RequestSnapshotMsg struct {
	SinceHLC *int64 // nil means full snapshot
}

type SnapshotChunkMsg struct {
	DB         string
	Collection string
	Documents  []map[string]any
}

type SnapshotEndMsg struct {
	MaxSeqPerOrigin map[string]uint64
}

type PushEntriesMsg struct {
	Entries []Entry
}

type AckMsg struct {
	LastSeqPerOrigin map[string]uint64
}

type PingMsg struct{ Nonce int64 }
type PongMsg struct{ Nonce int64 }

// WriteFrame writes one length-prefixed, gob-encoded message:
// uint32 length | uint8 type | gob payload.
//
// gob, not protobuf, because no protoc codegen toolchain is available in
// this environment to produce real generated marshal code (see
// DESIGN.md); gob is a real standard-library wire format, not a
// hand-fabricated one.
func WriteFrame(w io.Writer, msgType MessageType, payload any) error {
	var body []byte
	if payload != nil {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
			return fmt.Errorf("replication: encode frame: %w", err)
		}
		body = buf.Bytes()
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body)+1))
	header[4] = byte(msgType)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame and gob-decodes its payload into dst (which
// may be nil for payload-less messages like Ping/Pong when the caller
// decodes the nonce separately).
func ReadFrame(r io.Reader, dst any) (MessageType, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	msgLen := binary.BigEndian.Uint32(header[0:4])
	msgType := MessageType(header[4])

	if msgLen <= 1 {
		return msgType, nil
	}
	body := make([]byte, msgLen-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, err
	}
	if dst != nil {
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(dst); err != nil {
			return 0, fmt.Errorf("replication: decode frame: %w", err)
		}
	}
	return msgType, nil
}
