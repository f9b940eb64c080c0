package parser

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"

	"peerscope/types"
)

// Gossipsub RPC protobuf field numbers. The frames are walked with
// protowire directly: a passive decoder only needs a handful of fields and
// must stay robust against schema drift, so no generated code.
const (
	rpcFieldSubscriptions = 1
	rpcFieldPublish       = 2
	rpcFieldControl       = 3

	subFieldSubscribe = 1
	subFieldTopic     = 2

	msgFieldFrom      = 1
	msgFieldData      = 2
	msgFieldSeqno     = 3
	msgFieldTopic     = 4
	msgFieldSignature = 5

	ctrlFieldIHave = 1
	ctrlFieldIWant = 2
	ctrlFieldGraft = 3
	ctrlFieldPrune = 4
)

// Consensus payload tags: the gossip body is an 8-byte big-endian length
// followed by one tag byte naming the pool the message belongs to.
const (
	consensusTagNewState = 0
	consensusTagSnark    = 1
	consensusTagTx       = 2
	consensusTagTest     = 3
)

type meshsubEvent struct {
	Type       string   `json:"type"`
	Topic      string   `json:"topic,omitempty"`
	From       string   `json:"from,omitempty"`
	Seqno      string   `json:"seqno,omitempty"`
	Hash       string   `json:"hash,omitempty"`
	Height     uint32   `json:"height,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// decodeMeshsub classifies one gossipsub RPC frame. A frame can carry
// several envelopes; the first publish decides the record kind, with
// subscriptions and control taking over when no publish is present.
func decodeMeshsub(msg []byte) (Result, error) {
	body, err := stripVarintPrefix(msg)
	if err != nil {
		return Result{}, err
	}

	var events []meshsubEvent
	kind := types.MessageKind("")
	havePublish := false
	var block *BlockInfo

	rest := body
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return Result{}, types.ParseErrorf("meshsub tag: %v", protowire.ParseError(n))
		}
		rest = rest[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, rest)
			if m < 0 {
				return Result{}, types.ParseErrorf("meshsub field %d", num)
			}
			rest = rest[m:]
			continue
		}
		field, m := protowire.ConsumeBytes(rest)
		if m < 0 {
			return Result{}, types.ParseErrorf("meshsub field %d bytes", num)
		}
		rest = rest[m:]

		switch num {
		case rpcFieldSubscriptions:
			ev, k, err := decodeSubOpts(field)
			if err != nil {
				return Result{}, err
			}
			events = append(events, ev)
			if kind == "" {
				kind = k
			}
		case rpcFieldPublish:
			ev, k, bi, err := decodePublish(field)
			if err != nil {
				return Result{}, err
			}
			events = append(events, ev)
			if !havePublish {
				kind = k
				havePublish = true
			}
			if block == nil {
				block = bi
			}
		case rpcFieldControl:
			evs, k, err := decodeControl(field)
			if err != nil {
				return Result{}, err
			}
			events = append(events, evs...)
			if kind == "" {
				kind = k
			}
		}
	}

	if kind == "" {
		return Result{}, types.ParseErrorf("empty meshsub frame")
	}
	js, _ := json.Marshal(events)
	brief := string(kind)
	if block != nil {
		brief = fmt.Sprintf("%s height %d", kind, block.Height)
	}
	return Result{Kind: kind, Brief: brief, JSON: js, Block: block}, nil
}

func decodeSubOpts(field []byte) (meshsubEvent, types.MessageKind, error) {
	subscribe := false
	topic := ""
	err := walkFields(field, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) {
		switch num {
		case subFieldSubscribe:
			subscribe = varint != 0
		case subFieldTopic:
			topic = string(payload)
		}
	})
	if err != nil {
		return meshsubEvent{}, "", err
	}
	if subscribe {
		return meshsubEvent{Type: "subscribe", Topic: topic}, types.KindSubscribe, nil
	}
	return meshsubEvent{Type: "unsubscribe", Topic: topic}, types.KindUnsubscribe, nil
}

func decodePublish(field []byte) (meshsubEvent, types.MessageKind, *BlockInfo, error) {
	var from, data, seqno []byte
	topic := ""
	err := walkFields(field, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) {
		switch num {
		case msgFieldFrom:
			from = payload
		case msgFieldData:
			data = payload
		case msgFieldSeqno:
			seqno = payload
		case msgFieldTopic:
			topic = string(payload)
		}
	})
	if err != nil {
		return meshsubEvent{}, "", nil, err
	}
	if len(data) < 9 {
		return meshsubEvent{}, "", nil, types.ParseErrorf("consensus payload too short (%d)", len(data))
	}

	hash := consensusHash(data, topic)
	ev := meshsubEvent{
		Topic: topic,
		From:  hex.EncodeToString(from),
		Seqno: hex.EncodeToString(seqno),
		Hash:  hex.EncodeToString(hash[:]),
	}

	var kind types.MessageKind
	var block *BlockInfo
	switch data[8] {
	case consensusTagNewState:
		kind = types.KindNewState
		bi, err := parseNewState(data[9:])
		if err != nil {
			return meshsubEvent{}, "", nil, err
		}
		bi.Hash = ev.Hash
		if bi.Producer == "" {
			bi.Producer = ev.From
		}
		ev.Type = "publish_new_state"
		ev.Height = bi.Height
		block = &bi
	case consensusTagSnark:
		kind = types.KindSnarkPoolDiff
		ev.Type = "publish_snark_pool_diff"
	case consensusTagTx:
		kind = types.KindTxPoolDiff
		ev.Type = "publish_transaction_pool_diff"
	case consensusTagTest:
		kind = types.KindPublishTest
		ev.Type = "publish_test_message"
		if h, ok := testMessageHeight(data[9:]); ok {
			ev.Height = h
			block = &BlockInfo{Height: h, Hash: ev.Hash, Producer: ev.From}
		}
	default:
		return meshsubEvent{}, "", nil, types.ParseErrorf("consensus tag %d", data[8])
	}
	return ev, kind, block, nil
}

func decodeControl(field []byte) ([]meshsubEvent, types.MessageKind, error) {
	var events []meshsubEvent
	kind := types.MessageKind("")
	err := walkFields(field, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) {
		var ev meshsubEvent
		switch num {
		case ctrlFieldIHave:
			ev = meshsubEvent{Type: "control_ihave"}
			if kind == "" {
				kind = types.KindControlIHave
			}
		case ctrlFieldIWant:
			ev = meshsubEvent{Type: "control_iwant"}
			if kind == "" {
				kind = types.KindControlIWant
			}
		case ctrlFieldGraft:
			ev = meshsubEvent{Type: "control_graft"}
			if kind == "" {
				kind = types.KindControlGraft
			}
		case ctrlFieldPrune:
			ev = meshsubEvent{Type: "control_prune"}
			if kind == "" {
				kind = types.KindControlPrune
			}
		default:
			return
		}
		// topic and message id sub-fields share the same shape
		walkFields(payload, func(num protowire.Number, typ protowire.Type, sub []byte, _ uint64) {
			switch num {
			case 1:
				ev.Topic = string(sub)
			case 2:
				ev.MessageIDs = append(ev.MessageIDs, hex.EncodeToString(sub))
			}
		})
		events = append(events, ev)
	})
	if err != nil {
		return nil, "", err
	}
	if kind == "" {
		kind = types.KindControlIHave
	}
	return events, kind, nil
}

// parseNewState reads the compact block header that prefixes new-state
// gossip: height, global slot, producer key and state hash, followed by the
// opaque block body.
func parseNewState(body []byte) (BlockInfo, error) {
	if len(body) < 72 {
		return BlockInfo{}, types.ParseErrorf("new state header too short (%d)", len(body))
	}
	return BlockInfo{
		Height:     binary.BigEndian.Uint32(body[0:4]),
		GlobalSlot: binary.BigEndian.Uint32(body[4:8]),
		Producer:   hex.EncodeToString(body[8:40]),
		Hash:       hex.EncodeToString(body[40:72]),
	}, nil
}

// testMessageHeight recovers the slot from the harness's test messages,
// which are plain strings of the form "test message, id: X, slot: N".
func testMessageHeight(body []byte) (uint32, bool) {
	s := string(body)
	i := strings.LastIndex(s, "slot: ")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s[i+6:]), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// consensusHash is the content address of a gossip payload: a keyed
// blake2b-256 over the full payload, keyed by the topic (hashed down when
// longer than the MAC key limit).
func consensusHash(data []byte, topic string) [32]byte {
	key := []byte(topic)
	if len(key) > 64 {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// key is at most 64 bytes here
		panic(err)
	}
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// stripVarintPrefix removes the length delimiter in front of a protobuf
// frame, verifying it spans the remainder exactly.
func stripVarintPrefix(msg []byte) ([]byte, error) {
	length, n := binary.Uvarint(msg)
	if n <= 0 || uint64(len(msg)-n) != length {
		return nil, types.ParseErrorf("bad length delimiter")
	}
	return msg[n:], nil
}

// walkFields visits every field of one protobuf message. Bytes fields pass
// their payload, varint fields their value.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return types.ParseErrorf("protobuf tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			payload, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return types.ParseErrorf("protobuf bytes field %d", num)
			}
			visit(num, typ, payload, 0)
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return types.ParseErrorf("protobuf varint field %d", num)
			}
			visit(num, typ, nil, v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return types.ParseErrorf("protobuf field %d", num)
			}
			b = b[m:]
		}
	}
	return nil
}
