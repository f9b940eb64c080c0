package parser

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"peerscope/types"
)

// libp2p identify protobuf fields
const (
	identFieldPublicKey    = 1
	identFieldListenAddrs  = 2
	identFieldProtocols    = 3
	identFieldObservedAddr = 4
	identFieldProtoVersion = 5
	identFieldAgentVersion = 6
)

func decodeIdentify(msg []byte, stream types.StreamKind) (Result, error) {
	body, err := stripVarintPrefix(msg)
	if err != nil {
		return Result{}, err
	}

	var protocols []string
	var agent, protoVersion string
	listenAddrs := 0
	err = walkFields(body, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) {
		switch num {
		case identFieldListenAddrs:
			listenAddrs++
		case identFieldProtocols:
			if utf8.Valid(payload) {
				protocols = append(protocols, string(payload))
			}
		case identFieldProtoVersion:
			protoVersion = string(payload)
		case identFieldAgentVersion:
			agent = string(payload)
		}
	})
	if err != nil {
		return Result{}, err
	}

	kind := types.KindIdentify
	if stream == types.StreamKindPush {
		kind = types.KindIdentifyPush
	}
	js, _ := json.Marshal(map[string]interface{}{
		"agent_version":    agent,
		"protocol_version": protoVersion,
		"protocols":        protocols,
		"listen_addrs":     listenAddrs,
	})
	return Result{
		Kind:  kind,
		Brief: fmt.Sprintf("%s agent %q, %d protocols", kind, agent, len(protocols)),
		JSON:  js,
	}, nil
}
