package parser

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerscope/types"
)

func push(t *testing.T, kind types.StreamKind, data []byte) []Result {
	t.Helper()
	return NewStreamDecoder(kind).Push(false, time.Now(), data)
}

func TestMeshsubSubscriptionRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		subscribe bool
		kind      types.MessageKind
	}{
		{"subscribe", true, types.KindSubscribe},
		{"unsubscribe", false, types.KindUnsubscribe},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := EncodeSubscription("coda/consensus-messages/0.0.1", tc.subscribe)
			results := push(t, types.StreamKindMeshsub, frame)
			require.Len(t, results, 1)
			assert.Equal(t, tc.kind, results[0].Kind)
			assert.Empty(t, results[0].ParseErr)

			var events []map[string]interface{}
			require.NoError(t, json.Unmarshal(results[0].JSON, &events))
			require.Len(t, events, 1)
			assert.Equal(t, "coda/consensus-messages/0.0.1", events[0]["topic"])
		})
	}
}

func TestMeshsubNewStateRoundTrip(t *testing.T) {
	producer := make([]byte, 32)
	hash := make([]byte, 32)
	for i := range producer {
		producer[i] = byte(i)
		hash[i] = byte(0xff - i)
	}
	info := BlockInfo{
		Height:     4213,
		GlobalSlot: 6100,
		Producer:   hex.EncodeToString(producer),
		Hash:       hex.EncodeToString(hash),
	}
	payload, err := EncodeNewState(info, []byte("block body"))
	require.NoError(t, err)
	frame := EncodePublish("coda/consensus-messages/0.0.1", nil, payload)

	results := push(t, types.StreamKindMeshsub, frame)
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, types.KindNewState, r.Kind)
	require.NotNil(t, r.Block)
	assert.Equal(t, uint32(4213), r.Block.Height)
	assert.Equal(t, uint32(6100), r.Block.GlobalSlot)
	assert.Equal(t, info.Producer, r.Block.Producer)
	// the index hash is the content address, not the header field
	assert.NotEmpty(t, r.Block.Hash)
	assert.Contains(t, r.Brief, "4213")
}

func TestMeshsubTestMessageHeight(t *testing.T) {
	frame := EncodePublish("coda/consensus-messages/0.0.1", []byte{1, 2, 3},
		EncodeTestMessage("peer-9", 77))
	results := push(t, types.StreamKindMeshsub, frame)
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, types.KindPublishTest, r.Kind)
	require.NotNil(t, r.Block)
	assert.Equal(t, uint32(77), r.Block.Height)
}

func TestMeshsubFragmentedFrames(t *testing.T) {
	frame1 := EncodeSubscription("a", true)
	frame2 := EncodeSubscription("b", false)
	dec := NewStreamDecoder(types.StreamKindMeshsub)

	ts := time.Now()
	all := append(append([]byte(nil), frame1...), frame2...)
	var results []Result
	for _, b := range all {
		results = append(results, dec.Push(false, ts, []byte{b})...)
	}
	require.Len(t, results, 2)
	assert.Equal(t, types.KindSubscribe, results[0].Kind)
	assert.Equal(t, types.KindUnsubscribe, results[1].Kind)
}

func TestMeshsubMalformed(t *testing.T) {
	// a complete frame whose body is a truncated protobuf tag
	results := push(t, types.StreamKindMeshsub, []byte{0x03, 0xff, 0xff, 0xff, 0x02, 0x01})
	for _, r := range results {
		assert.Equal(t, types.KindOpaque, r.Kind)
		assert.NotEmpty(t, r.ParseErr)
		assert.NotEmpty(t, r.Body, "raw bytes are retained")
	}
}

func TestKadRoundTrip(t *testing.T) {
	for _, kind := range []types.MessageKind{
		types.KindKadFindNode, types.KindKadPutValue, types.KindKadGetValue,
		types.KindKadAddProvider, types.KindKadGetProviders, types.KindKadPing,
	} {
		t.Run(string(kind), func(t *testing.T) {
			frame, err := EncodeKad(kind, []byte{0xde, 0xad})
			require.NoError(t, err)
			results := push(t, types.StreamKindKad, frame)
			require.Len(t, results, 1)
			assert.Equal(t, kind, results[0].Kind)
		})
	}
}

func TestIdentifyRoundTrip(t *testing.T) {
	frame := EncodeIdentify("mina/1.4.0", []string{"/meshsub/1.1.0", "coda/rpcs/0.0.1"})
	results := push(t, types.StreamKindIdentify, frame)
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, types.KindIdentify, r.Kind)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(r.JSON, &decoded))
	assert.Equal(t, "mina/1.4.0", decoded["agent_version"])
	assert.Len(t, decoded["protocols"], 2)
}

func TestRpcClassification(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		kind types.MessageKind
	}{
		{"heartbeat", EncodeRpcHeartbeat(), types.KindRpcHeartbeat},
		{"magic", EncodeRpcMagic(), types.KindRpcMagic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results := push(t, types.StreamKindRpc, tc.data)
			require.Len(t, results, 1)
			assert.Equal(t, tc.kind, results[0].Kind)
		})
	}
}

func TestRpcMagicWire(t *testing.T) {
	// captured: length 7, then the RPC magic marker
	raw := mustHexBytes(t, "070000000000000002fd5250430001")
	results := push(t, types.StreamKindRpc, raw)
	require.Len(t, results, 1)
	assert.Equal(t, types.KindRpcMagic, results[0].Kind)
}

func TestUnknownStreamKindIsOpaque(t *testing.T) {
	results := push(t, types.StreamKindStatus, []byte("whatever bytes"))
	require.Len(t, results, 1)
	assert.Equal(t, types.KindOpaque, results[0].Kind)
	assert.Equal(t, []byte("whatever bytes"), results[0].Body)
}

func mustHexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
