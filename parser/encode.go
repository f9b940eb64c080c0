package parser

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"peerscope/types"
)

// Writers for the protocols the decoders read. They exist so typed records
// can round-trip through the wire encoding, which the tests rely on, and so
// the loopback test mode can synthesize realistic traffic.

// EncodeSubscription builds a gossipsub RPC frame carrying one
// subscription change.
func EncodeSubscription(topic string, subscribe bool) []byte {
	var sub []byte
	v := uint64(0)
	if subscribe {
		v = 1
	}
	sub = protowire.AppendTag(sub, subFieldSubscribe, protowire.VarintType)
	sub = protowire.AppendVarint(sub, v)
	sub = protowire.AppendTag(sub, subFieldTopic, protowire.BytesType)
	sub = protowire.AppendBytes(sub, []byte(topic))

	var rpc []byte
	rpc = protowire.AppendTag(rpc, rpcFieldSubscriptions, protowire.BytesType)
	rpc = protowire.AppendBytes(rpc, sub)
	return prependVarint(rpc)
}

// EncodePublish builds a gossipsub RPC frame publishing one consensus
// payload.
func EncodePublish(topic string, from []byte, data []byte) []byte {
	var msg []byte
	if len(from) > 0 {
		msg = protowire.AppendTag(msg, msgFieldFrom, protowire.BytesType)
		msg = protowire.AppendBytes(msg, from)
	}
	msg = protowire.AppendTag(msg, msgFieldData, protowire.BytesType)
	msg = protowire.AppendBytes(msg, data)
	msg = protowire.AppendTag(msg, msgFieldTopic, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte(topic))

	var rpc []byte
	rpc = protowire.AppendTag(rpc, rpcFieldPublish, protowire.BytesType)
	rpc = protowire.AppendBytes(rpc, msg)
	return prependVarint(rpc)
}

// EncodeNewState builds a new-state consensus payload: the 8-byte length,
// the pool tag and the compact block header ahead of the body.
func EncodeNewState(info BlockInfo, body []byte) ([]byte, error) {
	producer, err := hex.DecodeString(info.Producer)
	if err != nil || len(producer) != 32 {
		return nil, fmt.Errorf("producer must be 32 hex bytes")
	}
	hash, err := hex.DecodeString(info.Hash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 hex bytes")
	}
	out := make([]byte, 8, 8+1+72+len(body))
	out = append(out, consensusTagNewState)
	out = binary.BigEndian.AppendUint32(out, info.Height)
	out = binary.BigEndian.AppendUint32(out, info.GlobalSlot)
	out = append(out, producer...)
	out = append(out, hash...)
	out = append(out, body...)
	binary.BigEndian.PutUint64(out[:8], uint64(len(out)-8))
	return out, nil
}

// EncodeTestMessage builds the harness's string-typed consensus payload.
func EncodeTestMessage(id string, slot uint32) []byte {
	s := fmt.Sprintf("test message, id: %s, slot: %d", id, slot)
	out := make([]byte, 8, 8+1+len(s))
	out = append(out, consensusTagTest)
	out = append(out, s...)
	binary.BigEndian.PutUint64(out[:8], uint64(len(out)-8))
	return out
}

// EncodeKad builds one DHT message frame.
func EncodeKad(kind types.MessageKind, key []byte) ([]byte, error) {
	var msgType uint64
	found := false
	for t, k := range kadKinds {
		if k == kind {
			msgType = t
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("not a kad kind: %s", kind)
	}
	var msg []byte
	msg = protowire.AppendTag(msg, kadFieldType, protowire.VarintType)
	msg = protowire.AppendVarint(msg, msgType)
	if len(key) > 0 {
		msg = protowire.AppendTag(msg, kadFieldKey, protowire.BytesType)
		msg = protowire.AppendBytes(msg, key)
	}
	return prependVarint(msg), nil
}

// EncodeIdentify builds one identify frame.
func EncodeIdentify(agent string, protocols []string) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, identFieldAgentVersion, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte(agent))
	for _, p := range protocols {
		msg = protowire.AppendTag(msg, identFieldProtocols, protowire.BytesType)
		msg = protowire.AppendBytes(msg, []byte(p))
	}
	return prependVarint(msg)
}

// EncodeRpcHeartbeat builds the one-byte heartbeat frame.
func EncodeRpcHeartbeat() []byte {
	out := make([]byte, 9)
	binary.LittleEndian.PutUint64(out, 1)
	return out
}

// EncodeRpcMagic builds the RPC handshake marker frame.
func EncodeRpcMagic() []byte {
	body := append([]byte{2}, rpcMagicMarker...)
	body = append(body, 0, 1)
	out := make([]byte, 8, 8+len(body))
	binary.LittleEndian.PutUint64(out[:8], uint64(len(body)))
	return append(out, body...)
}

func prependVarint(b []byte) []byte {
	out := protowire.AppendVarint(nil, uint64(len(b)))
	return append(out, b...)
}
