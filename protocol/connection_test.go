package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"golang.org/x/crypto/salsa20"

	"peerscope/types"
)

// recordingSink collects everything the decoder reconstructs.
type recordingSink struct {
	streams    []types.StreamID
	tokens     []string
	handshakes [][]byte
	frames     []Frame
}

func (r *recordingSink) OnStream(id types.StreamID, kind types.StreamKind, incoming bool, ts time.Time) {
	r.streams = append(r.streams, id)
}
func (r *recordingSink) OnStreamEnd(id types.StreamID, reset bool, ts time.Time) {}
func (r *recordingSink) OnSelectToken(id types.StreamID, token string, incoming bool, ts time.Time) {
	r.tokens = append(r.tokens, token)
}
func (r *recordingSink) OnHandshakePayload(payload []byte, incoming bool, ts time.Time) {
	r.handshakes = append(r.handshakes, payload)
}
func (r *recordingSink) OnFrame(f Frame) { r.frames = append(r.frames, f) }

// pnetPeer encrypts one direction of test traffic the way a real peer
// would: a fresh nonce first, XSalsa20 after.
type pnetPeer struct {
	cipher *xsalsa20
	nonce  []byte
}

func newPnetPeer(chainID string, nonce []byte) *pnetPeer {
	key := pnetSecret(chainID)
	return &pnetPeer{cipher: newXSalsa20(&key, nonce), nonce: nonce}
}

func (p *pnetPeer) seal(plain []byte) []byte {
	out := append([]byte(nil), plain...)
	p.cipher.XORKeyStream(out)
	if p.nonce != nil {
		out = append(append([]byte(nil), p.nonce...), out...)
		p.nonce = nil
	}
	return out
}

const testChain = "/coda/0.0.1/dd0f3f26be5a093f00077d1cd5d89abc253c95f301e9c12ae59e2d7c6052cc4d"

var selectNoise = append([]byte("\x13/multistream/1.0.0\n"), []byte("\x07/noise\n")...)

// Full stack: pnet around multistream around the captured noise session.
func TestConnSecureSession(t *testing.T) {
	rand := NewRandomness(50 * time.Millisecond)
	base := time.Now()
	rand.Add(1, base, mustHex(t, "d1f3bca173136dd555dd97262336ce644a76ec31d521d2befe87caec8678c1a7"))
	rand.Add(1, base, mustHex(t, "1c283e25c80f64f2806d9e19da1a393873d40bdf3d903a3776e013c4fdd97cb3"))

	sink := &recordingSink{}
	conn := NewConn(1, 1, true, testChain, rand, sink, zaptest.NewLogger(t))
	ts := base.Add(10 * time.Millisecond)

	in := newPnetPeer(testChain, mustHex(t, "000102030405060708090a0b0c0d0e0f1011121314151617"))
	out := newPnetPeer(testChain, mustHex(t, "ffeeddccbbaa99887766554433221100ffeeddccbbaa9988"))

	// both sides negotiate /noise, then the captured handshake runs; the
	// incoming peer dialed, so it speaks first
	conn.OnData(true, ts, in.seal(selectNoise))
	conn.OnData(false, ts, out.seal(selectNoise))
	conn.OnData(true, ts, in.seal(mustHex(t, "00209844288f8c8f0337dff411d66e0378d950fb7590f9f44d6df969fd59a18ab849")))
	conn.OnData(false, ts, out.seal(mustHex(t, "00c8c0e8867216784ce23e6ad97120c8bfa139941424d0aebcdfe14e339798af4a377f2a97c280a913fdf6a96b4b89c5471a7f4761bec49a557d734b65495eb87e1e00b707d561da835698fe08bab7962b0491751110e8a32a260605a64dbdc18f503958be161fe9546f3c0494c0714f6e57c3eca413cec2d20a483855b4958b96ee79e05f34fa63a74c758ebe9537f4e1c733a7a7ebcd9b1bcc47c2c882ffa361f6ebb404225b60a6bae8e7a6d479d6e1b5c5c1d858ca13dde8cbd285f5bb4d9805578553e3881d5a0d")))
	conn.OnData(true, ts, in.seal(mustHex(t, "00a8e3cfaddd47cf48db1b70b83c15dbdb32bdba21cca65f9f80fb2e7f93d7a82b1b71d6241952e1205d510afad46f8d6d23de1be013618cd79d4e87eec4761292393532e7952bddaeb6709dcb266f861f92ef0eabe282d318f813d11426ac6916240bfead8994c63f10b03f6e241c2b92495a1f63d728fb63ba78e468945f7da081761102465308523dbf50064be4251468abb99db7af8afd71b99100a2fb7a37773a8062d33cc2e1d9")))
	conn.OnData(true, ts, in.seal(mustHex(t, "00375cd2640426acf52810f89147cf5446f8b4bff334c9727c0a45abd220746b2e8b10d269ff28be87c8bb1d53e43e69922ff4b19760ef875d")))

	assert.NotEqual(t, types.StateFailedDecrypt, conn.State())
	assert.NotEqual(t, types.StateHandshaking, conn.State())
	assert.Contains(t, sink.tokens, "/noise")
	assert.NotEmpty(t, sink.handshakes, "handshake payloads carry the peer identity")
	assert.NotZero(t, conn.StatsIn().DecryptedBytes)

	// total accounting: every captured byte landed in a counter
	statsIn := conn.StatsIn()
	assert.Zero(t, statsIn.FailedBytes)
	assert.NotZero(t, statsIn.TotalBytes)
}

func TestConnFailedDecryptWithoutRandomness(t *testing.T) {
	rand := NewRandomness(50 * time.Millisecond)
	sink := &recordingSink{}
	conn := NewConn(2, 1, true, testChain, rand, sink, zaptest.NewLogger(t))
	ts := time.Now()

	in := newPnetPeer(testChain, mustHex(t, "000102030405060708090a0b0c0d0e0f1011121314151617"))
	out := newPnetPeer(testChain, mustHex(t, "ffeeddccbbaa99887766554433221100ffeeddccbbaa9988"))

	conn.OnData(true, ts, in.seal(selectNoise))
	conn.OnData(false, ts, out.seal(selectNoise))
	conn.OnData(true, ts, in.seal(mustHex(t, "00209844288f8c8f0337dff411d66e0378d950fb7590f9f44d6df969fd59a18ab849")))
	conn.OnData(false, ts, out.seal(mustHex(t, "00c8c0e8867216784ce23e6ad97120c8bfa139941424d0aebcdfe14e339798af4a377f2a97c280a913fdf6a96b4b89c5471a7f4761bec49a557d734b65495eb87e1e00b707d561da835698fe08bab7962b0491751110e8a32a260605a64dbdc18f503958be161fe9546f3c0494c0714f6e57c3eca413cec2d20a483855b4958b96ee79e05f34fa63a74c758ebe9537f4e1c733a7a7ebcd9b1bcc47c2c882ffa361f6ebb404225b60a6bae8e7a6d479d6e1b5c5c1d858ca13dde8cbd285f5bb4d9805578553e3881d5a0d")))

	assert.Equal(t, types.StateFailedDecrypt, conn.State())
	assert.Zero(t, conn.StatsOut().DecryptedBytes)
	assert.Empty(t, sink.frames)

	// nothing decrypts after the failure
	conn.OnData(true, ts, in.seal(mustHex(t, "00375cd2640426acf52810f89147cf5446f8b4bff334c9727c0a45abd220746b2e8b10d269ff28be87c8bb1d53e43e69922ff4b19760ef875d")))
	assert.Empty(t, sink.frames)
	assert.Equal(t, types.StateFailedDecrypt, conn.State())
}

func TestConnDesyncIsolation(t *testing.T) {
	rand := NewRandomness(50 * time.Millisecond)
	sink := &recordingSink{}
	conn := NewConn(3, 1, false, testChain, rand, sink, zaptest.NewLogger(t))
	ts := time.Now()

	conn.Desync(true)
	conn.OnData(true, ts, []byte("lost direction"))
	conn.OnData(false, ts, make([]byte, 48))

	in, out := conn.StatsIn(), conn.StatsOut()
	assert.True(t, in.Desynced)
	assert.Equal(t, in.TotalBytes, in.FailedBytes)
	assert.False(t, out.Desynced)
	assert.Zero(t, out.FailedBytes)
}

func TestConnOpaqueProtocol(t *testing.T) {
	rand := NewRandomness(50 * time.Millisecond)
	sink := &recordingSink{}
	conn := NewConn(4, 1, true, testChain, rand, sink, zaptest.NewLogger(t))
	ts := time.Now()

	in := newPnetPeer(testChain, mustHex(t, "000102030405060708090a0b0c0d0e0f1011121314151617"))
	preamble := append([]byte("\x13/multistream/1.0.0\n"), []byte("\x0b/secio/1.0\n")...)
	conn.OnData(true, ts, in.seal(preamble))
	conn.OnData(true, ts, in.seal([]byte("undecodable")))

	assert.Equal(t, types.StateOpaque, conn.State())
	assert.Empty(t, sink.frames)
	assert.NotZero(t, conn.StatsIn().TotalBytes)
}

// keystream sanity for the test peer itself
func TestPnetPeerMatchesOneShot(t *testing.T) {
	nonce := mustHex(t, "000102030405060708090a0b0c0d0e0f1011121314151617")
	key := pnetSecret(testChain)
	peer := newPnetPeer(testChain, nonce)

	msg := []byte("some traffic some traffic some traffic")
	sealed := peer.seal(msg)
	require.Equal(t, nonce, sealed[:24])

	want := make([]byte, len(msg))
	salsa20.XORKeyStream(want, msg, nonce, &key)
	assert.Equal(t, want, sealed[24:])
}
