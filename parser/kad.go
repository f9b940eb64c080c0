package parser

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"peerscope/types"
)

// Kademlia DHT protobuf, the subset a passive observer cares about.
const (
	kadFieldType        = 1
	kadFieldKey         = 2
	kadFieldCloserPeers = 8
)

var kadKinds = map[uint64]types.MessageKind{
	0: types.KindKadPutValue,
	1: types.KindKadGetValue,
	2: types.KindKadAddProvider,
	3: types.KindKadGetProviders,
	4: types.KindKadFindNode,
	5: types.KindKadPing,
}

func decodeKad(msg []byte) (Result, error) {
	body, err := stripVarintPrefix(msg)
	if err != nil {
		return Result{}, err
	}

	var msgType uint64
	var key []byte
	peers := 0
	err = walkFields(body, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) {
		switch num {
		case kadFieldType:
			msgType = varint
		case kadFieldKey:
			key = payload
		case kadFieldCloserPeers:
			peers++
		}
	})
	if err != nil {
		return Result{}, err
	}

	kind, ok := kadKinds[msgType]
	if !ok {
		return Result{}, types.ParseErrorf("kad message type %d", msgType)
	}
	js, _ := json.Marshal(map[string]interface{}{
		"type":         string(kind),
		"key":          hex.EncodeToString(key),
		"closer_peers": peers,
	})
	return Result{
		Kind:  kind,
		Brief: fmt.Sprintf("%s, %d closer peers", kind, peers),
		JSON:  js,
	}, nil
}
