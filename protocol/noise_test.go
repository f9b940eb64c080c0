package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerscope/types"
)

// Handshake captured from a real session, together with the getrandom
// payloads both sides derived their ephemeral keys from.
func TestNoiseHandshakeCapture(t *testing.T) {
	rand := NewRandomness(50 * time.Millisecond)
	base := time.Now()
	rand.Add(1, base, mustHex(t, "d1f3bca173136dd555dd97262336ce644a76ec31d521d2befe87caec8678c1a7"))
	rand.Add(1, base, mustHex(t, "1c283e25c80f64f2806d9e19da1a393873d40bdf3d903a3776e013c4fdd97cb3"))

	n := newNoiseState(1, rand)
	ts := base.Add(10 * time.Millisecond)

	res := n.onChunk(true, ts, mustHex(t, "00209844288f8c8f0337dff411d66e0378d950fb7590f9f44d6df969fd59a18ab849"))
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.handshakeMsg)
	assert.True(t, n.initiatorIsIncoming)

	res = n.onChunk(false, ts, mustHex(t, "00c8c0e8867216784ce23e6ad97120c8bfa139941424d0aebcdfe14e339798af4a377f2a97c280a913fdf6a96b4b89c5471a7f4761bec49a557d734b65495eb87e1e00b707d561da835698fe08bab7962b0491751110e8a32a260605a64dbdc18f503958be161fe9546f3c0494c0714f6e57c3eca413cec2d20a483855b4958b96ee79e05f34fa63a74c758ebe9537f4e1c733a7a7ebcd9b1bcc47c2c882ffa361f6ebb404225b60a6bae8e7a6d479d6e1b5c5c1d858ca13dde8cbd285f5bb4d9805578553e3881d5a0d"))
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.handshakeMsg)

	res = n.onChunk(true, ts, mustHex(t, "00a8e3cfaddd47cf48db1b70b83c15dbdb32bdba21cca65f9f80fb2e7f93d7a82b1b71d6241952e1205d510afad46f8d6d23de1be013618cd79d4e87eec4761292393532e7952bddaeb6709dcb266f861f92ef0eabe282d318f813d11426ac6916240bfead8994c63f10b03f6e241c2b92495a1f63d728fb63ba78e468945f7da081761102465308523dbf50064be4251468abb99db7af8afd71b99100a2fb7a37773a8062d33cc2e1d9"))
	require.NoError(t, res.err)
	assert.Equal(t, 3, res.handshakeMsg)
	assert.Equal(t, noiseTransport, n.phase)

	res = n.onChunk(true, ts, mustHex(t, "00375cd2640426acf52810f89147cf5446f8b4bff334c9727c0a45abd220746b2e8b10d269ff28be87c8bb1d53e43e69922ff4b19760ef875d"))
	require.NoError(t, res.err)
	assert.Equal(t, 0, res.handshakeMsg)
	assert.NotEmpty(t, res.plaintext)

	// the transport counter of the initiator direction advanced
	fromInitiator, fromResponder := n.counters()
	assert.Equal(t, uint64(1), fromInitiator)
	assert.Equal(t, uint64(0), fromResponder)
}

func TestNoiseMissingRandomness(t *testing.T) {
	rand := NewRandomness(50 * time.Millisecond)
	n := newNoiseState(1, rand)
	ts := time.Now()

	res := n.onChunk(true, ts, mustHex(t, "00209844288f8c8f0337dff411d66e0378d950fb7590f9f44d6df969fd59a18ab849"))
	require.NoError(t, res.err)

	res = n.onChunk(false, ts, mustHex(t, "00c8c0e8867216784ce23e6ad97120c8bfa139941424d0aebcdfe14e339798af4a377f2a97c280a913fdf6a96b4b89c5471a7f4761bec49a557d734b65495eb87e1e00b707d561da835698fe08bab7962b0491751110e8a32a260605a64dbdc18f503958be161fe9546f3c0494c0714f6e57c3eca413cec2d20a483855b4958b96ee79e05f34fa63a74c758ebe9537f4e1c733a7a7ebcd9b1bcc47c2c882ffa361f6ebb404225b60a6bae8e7a6d479d6e1b5c5c1d858ca13dde8cbd285f5bb4d9805578553e3881d5a0d"))
	assert.ErrorIs(t, res.err, types.ErrMissingRandomness)
	assert.Equal(t, noiseFailed, n.phase)

	// a failed connection emits nothing ever after
	res = n.onChunk(true, ts, mustHex(t, "00375cd2640426acf52810f89147cf5446f8b4bff334c9727c0a45abd220746b2e8b10d269ff28be87c8bb1d53e43e69922ff4b19760ef875d"))
	assert.Error(t, res.err)
	assert.Nil(t, res.plaintext)
}

func TestNoiseChunker(t *testing.T) {
	var c noiseChunker

	// one exact chunk passes through without copying
	chunks := c.chunks(true, []byte{0, 3, 1, 2, 3})
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte{0, 3, 1, 2, 3}, chunks[0])

	// split across reads, plus a second chunk glued on
	chunks = c.chunks(false, []byte{0, 2, 0xaa})
	assert.Empty(t, chunks)
	chunks = c.chunks(false, []byte{0xbb, 0, 1, 0xcc})
	require.Len(t, chunks, 2)
	assert.Equal(t, []byte{0, 2, 0xaa, 0xbb}, chunks[0])
	assert.Equal(t, []byte{0, 1, 0xcc}, chunks[1])

	// directions do not share accumulators
	chunks = c.chunks(true, []byte{0, 1})
	assert.Empty(t, chunks)
	chunks = c.chunks(false, []byte{0, 0})
	require.Len(t, chunks, 1)
}
