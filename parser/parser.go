// Package parser turns decrypted substream chunks into typed application
// records. Each stream direction owns a decoder that reassembles the
// protocol's own framing (varint-delimited protobuf for gossip and
// discovery, 8-byte length prefix for RPC) and classifies every complete
// message into a closed kind set. Unknown or malformed input degrades to an
// opaque record with the raw bytes retained.
package parser

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"peerscope/types"
)

// Result is one typed record produced from a stream.
type Result struct {
	Kind      types.MessageKind
	Brief     string
	Body      []byte          // the raw message bytes as captured
	JSON      json.RawMessage // decoded representation, when parseable
	ParseErr  string
	Block     *BlockInfo // set for new-state gossip
	Incoming  bool
	Timestamp time.Time
}

// BlockInfo is the summary extracted from new-state gossip, feeding the
// block index.
type BlockInfo struct {
	Height     uint32 `json:"height"`
	GlobalSlot uint32 `json:"global_slot,omitempty"`
	Hash       string `json:"hash"`
	Producer   string `json:"producer,omitempty"`
}

// StreamDecoder accumulates one stream's bytes per direction and emits
// complete typed records.
type StreamDecoder struct {
	kind types.StreamKind
	acc  [2][]byte
}

func NewStreamDecoder(kind types.StreamKind) *StreamDecoder {
	return &StreamDecoder{kind: kind}
}

func dirIndex(incoming bool) int {
	if incoming {
		return 1
	}
	return 0
}

// Push ingests one decrypted chunk and returns every record completed by
// it. Chunks of one direction must arrive in capture order.
func (d *StreamDecoder) Push(incoming bool, ts time.Time, data []byte) []Result {
	acc := &d.acc[dirIndex(incoming)]
	*acc = append(*acc, data...)

	var out []Result
	for {
		msg, ok := d.nextMessage(acc)
		if !ok {
			break
		}
		r := d.decode(msg, incoming)
		r.Incoming = incoming
		r.Timestamp = ts
		out = append(out, r)
	}
	return out
}

// nextMessage pops one complete message according to the stream framing.
func (d *StreamDecoder) nextMessage(acc *[]byte) ([]byte, bool) {
	if len(*acc) == 0 {
		return nil, false
	}
	switch d.kind {
	case types.StreamKindMeshsub, types.StreamKindKad,
		types.StreamKindIdentify, types.StreamKindPush, types.StreamKindDelta:
		length, n := binary.Uvarint(*acc)
		if n <= 0 || uint64(len(*acc)-n) < length {
			return nil, false
		}
		msg := append([]byte(nil), (*acc)[:n+int(length)]...)
		*acc = (*acc)[n+int(length):]
		return msg, true
	case types.StreamKindRpc:
		if len(*acc) < 8 {
			return nil, false
		}
		length := binary.LittleEndian.Uint64(*acc)
		if length > 1<<28 || uint64(len(*acc)-8) < length {
			if length > 1<<28 {
				// desynced framing, surface whatever is buffered
				msg := *acc
				*acc = nil
				return msg, true
			}
			return nil, false
		}
		msg := append([]byte(nil), (*acc)[:8+length]...)
		*acc = (*acc)[8+length:]
		return msg, true
	default:
		// no known framing, each captured chunk is one record
		msg := *acc
		*acc = nil
		return msg, true
	}
}

func (d *StreamDecoder) decode(msg []byte, incoming bool) Result {
	var r Result
	var err error
	switch d.kind {
	case types.StreamKindMeshsub:
		r, err = decodeMeshsub(msg)
	case types.StreamKindKad:
		r, err = decodeKad(msg)
	case types.StreamKindIdentify, types.StreamKindPush, types.StreamKindDelta:
		r, err = decodeIdentify(msg, d.kind)
	case types.StreamKindRpc:
		r, err = decodeRpc(msg)
	default:
		r = Result{Kind: types.KindOpaque, Body: msg}
	}
	if err != nil {
		r = Result{
			Kind:     types.KindOpaque,
			Body:     msg,
			ParseErr: err.Error(),
			Brief:    fmt.Sprintf("unparsed %s message, %d bytes", d.kind, len(msg)),
		}
	}
	if r.Body == nil {
		r.Body = msg
	}
	return r
}

// DecodeHandshakePayload classifies the plaintext payload of Noise
// handshake messages (a libp2p identity attestation).
func DecodeHandshakePayload(payload []byte) Result {
	return Result{
		Kind:  types.KindHandshakePayload,
		Body:  payload,
		Brief: fmt.Sprintf("handshake payload, %d bytes", len(payload)),
	}
}
