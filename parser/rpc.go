package parser

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"peerscope/types"
)

// Coda RPC framing: an 8-byte little-endian length followed by a bin-prot
// body. The first body byte distinguishes heartbeats, queries and
// responses; the handshake "magic" message embeds the literal "RPC" marker.
var rpcMagicMarker = []byte{0xfd, 'R', 'P', 'C'}

func decodeRpc(msg []byte) (Result, error) {
	if len(msg) < 8 {
		return Result{}, types.ParseErrorf("rpc frame too short (%d)", len(msg))
	}
	length := binary.LittleEndian.Uint64(msg)
	body := msg[8:]
	if uint64(len(body)) != length {
		return Result{}, types.ParseErrorf("rpc length mismatch: header %d, body %d", length, len(body))
	}
	if len(body) == 0 {
		return Result{}, types.ParseErrorf("empty rpc body")
	}

	var kind types.MessageKind
	switch body[0] {
	case 0:
		kind = types.KindRpcHeartbeat
	case 1:
		kind = types.KindRpcQuery
	case 2:
		if bytes.HasPrefix(body[1:], rpcMagicMarker) {
			kind = types.KindRpcMagic
		} else {
			kind = types.KindRpcResponse
		}
	default:
		return Result{}, types.ParseErrorf("rpc tag %d", body[0])
	}

	js, _ := json.Marshal(map[string]interface{}{
		"type": string(kind),
		"size": len(body),
	})
	return Result{
		Kind:  kind,
		Brief: fmt.Sprintf("%s, %d bytes", kind, len(body)),
		JSON:  js,
	}, nil
}
