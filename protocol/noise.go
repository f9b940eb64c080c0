package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"peerscope/types"
)

const noisePattern = "Noise_XX_25519_ChaChaPoly_SHA256"

// noiseChunker reassembles the 2-byte big-endian length-prefixed chunks the
// secure channel is framed with, independently per direction.
type noiseChunker struct {
	accIn  []byte
	accOut []byte
}

// chunks appends data of one direction and returns every complete chunk,
// length prefix included.
func (c *noiseChunker) chunks(incoming bool, data []byte) [][]byte {
	acc := &c.accOut
	if incoming {
		acc = &c.accIn
	}

	// fast path: a single exact chunk with an empty accumulator
	if len(*acc) == 0 && len(data) >= 2 {
		l := int(binary.BigEndian.Uint16(data))
		if len(data) == 2+l {
			return [][]byte{data}
		}
	}

	*acc = append(*acc, data...)
	var out [][]byte
	for len(*acc) >= 2 {
		l := int(binary.BigEndian.Uint16(*acc))
		if len(*acc) < 2+l {
			break
		}
		chunk := append([]byte(nil), (*acc)[:2+l]...)
		*acc = (*acc)[2+l:]
		out = append(out, chunk)
	}
	return out
}

// symmetricState is the Noise symmetric state: hash, chaining key and the
// current handshake cipher key with its nonce counter.
type symmetricState struct {
	h  [32]byte
	ck [32]byte
	k  [32]byte
	n  uint64
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	copy(s.h[:], noisePattern) // pattern name is exactly 32 bytes
	s.ck = s.h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	d := sha256.New()
	d.Write(s.h[:])
	d.Write(data)
	copy(s.h[:], d.Sum(nil))
}

func (s *symmetricState) mixKey(ikm []byte) {
	kd := hkdf.New(sha256.New, ikm, s.ck[:], nil)
	if _, err := io.ReadFull(kd, s.ck[:]); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(kd, s.k[:]); err != nil {
		panic(err)
	}
	s.n = 0
}

// decryptAndHash opens ciphertext||tag in place with the current key's
// nonce counter (reset to 0 by every mixKey, advanced by each successful
// decrypt) and the running hash as associated data.
func (s *symmetricState) decryptAndHash(ct, tag []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], s.n)
	sealed := append(append([]byte(nil), ct...), tag...)
	pt, err := aead.Open(ct[:0], nonce[:], sealed, s.h[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDecrypt, err)
	}
	s.n++
	s.mixHash(sealed)
	return pt, nil
}

// split derives the two transport keys; the first protects bytes the
// initiator sends.
func (s *symmetricState) split() (k1, k2 [32]byte) {
	kd := hkdf.New(sha256.New, nil, s.ck[:], nil)
	if _, err := io.ReadFull(kd, k1[:]); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(kd, k2[:]); err != nil {
		panic(err)
	}
	return
}

// transportCipher is one direction of the post-handshake channel: an AEAD
// with a monotonically increasing 64-bit counter nonce.
type transportCipher struct {
	key     [32]byte
	counter uint64
}

func (t *transportCipher) open(ct, tag []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(t.key[:])
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], t.counter)
	sealed := append(append([]byte(nil), ct...), tag...)
	pt, err := aead.Open(ct[:0], nonce[:], sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: message %d: %v", types.ErrDecrypt, t.counter, err)
	}
	t.counter++
	return pt, nil
}

func (t *transportCipher) zero() {
	for i := range t.key {
		t.key[i] = 0
	}
}

// noise handshake phases
const (
	noiseAwaitFirst = iota
	noiseAwaitSecond
	noiseAwaitThird
	noiseTransport
	noiseFailed
)

// noiseState follows a Noise XX handshake it did not take part in. The
// initiator role belongs to whichever direction sent the first handshake
// chunk; the ephemeral private key of the local target is recovered from
// captured randomness, which is sufficient to reproduce every DH of the
// pattern and both transport keys.
type noiseState struct {
	chunker noiseChunker

	phase               int
	st                  *symmetricState
	initiatorIsIncoming bool

	iEpk [32]byte
	rEpk [32]byte

	cache keyCache

	// transport, by sender role
	fromInitiator transportCipher
	fromResponder transportCipher

	pid       uint32
	firstByte time.Time
	rand      *Randomness
}

func newNoiseState(pid uint32, rand *Randomness) *noiseState {
	return &noiseState{
		phase: noiseAwaitFirst,
		cache: keyCache{},
		pid:   pid,
		rand:  rand,
	}
}

// noiseResult is what one handshake chunk produced.
type noiseResult struct {
	// plaintext of the chunk; nil while the handshake is advancing with no
	// payload or after a failure
	plaintext []byte
	// handshakeMsg numbers the three pattern messages, 0 for transport
	handshakeMsg int
	err          error
}

// onChunk advances the machine with one complete length-prefixed chunk.
func (n *noiseState) onChunk(incoming bool, ts time.Time, chunk []byte) noiseResult {
	if n.phase == noiseFailed {
		return noiseResult{err: types.ErrDecrypt}
	}
	l := len(chunk)

	switch n.phase {
	case noiseAwaitFirst:
		n.initiatorIsIncoming = incoming
		n.firstByte = ts
		if l < 34 {
			return n.fail(fmt.Errorf("%w: first handshake message too short (%d)", types.ErrDecrypt, l))
		}
		copy(n.iEpk[:], chunk[2:34])
		n.st = newSymmetricState()
		n.st.mixHash(nil) // empty prologue
		n.st.mixHash(n.iEpk[:])
		n.st.mixHash(nil) // empty first payload
		n.phase = noiseAwaitSecond
		return noiseResult{handshakeMsg: 1}

	case noiseAwaitSecond:
		if l < 98 {
			return n.fail(fmt.Errorf("%w: second handshake message too short (%d)", types.ErrDecrypt, l))
		}
		copy(n.rEpk[:], chunk[2:34])
		n.st.mixHash(n.rEpk[:])
		ss, ok := tryDH(n.rand, n.cache, n.pid, n.firstByte, n.rEpk, n.iEpk, n.iEpk, n.rEpk)
		if !ok {
			return n.fail(types.ErrMissingRandomness)
		}
		n.st.mixKey(ss)
		rSpkBytes := append([]byte(nil), chunk[34:66]...)
		pt, err := n.st.decryptAndHash(rSpkBytes, chunk[66:82])
		if err != nil {
			return n.fail(err)
		}
		var rSpk [32]byte
		copy(rSpk[:], pt)
		ss, ok = tryDH(n.rand, n.cache, n.pid, n.firstByte, rSpk, n.iEpk, n.iEpk, n.rEpk)
		if !ok {
			return n.fail(types.ErrMissingRandomness)
		}
		n.st.mixKey(ss)
		payload := append([]byte(nil), chunk[82:l-16]...)
		pt, err = n.st.decryptAndHash(payload, chunk[l-16:])
		if err != nil {
			return n.fail(err)
		}
		n.phase = noiseAwaitThird
		return noiseResult{plaintext: pt, handshakeMsg: 2}

	case noiseAwaitThird:
		if l < 98 {
			return n.fail(fmt.Errorf("%w: third handshake message too short (%d)", types.ErrDecrypt, l))
		}
		iSpkBytes := append([]byte(nil), chunk[2:34]...)
		pt, err := n.st.decryptAndHash(iSpkBytes, chunk[34:50])
		if err != nil {
			return n.fail(err)
		}
		var iSpk [32]byte
		copy(iSpk[:], pt)
		ss, ok := tryDH(n.rand, n.cache, n.pid, n.firstByte, iSpk, n.rEpk, n.iEpk, n.rEpk)
		if !ok {
			return n.fail(types.ErrMissingRandomness)
		}
		n.st.mixKey(ss)
		payload := append([]byte(nil), chunk[50:l-16]...)
		pt, err = n.st.decryptAndHash(payload, chunk[l-16:])
		if err != nil {
			return n.fail(err)
		}
		k1, k2 := n.st.split()
		n.fromInitiator = transportCipher{key: k1}
		n.fromResponder = transportCipher{key: k2}
		n.discardHandshakeState()
		n.phase = noiseTransport
		return noiseResult{plaintext: pt, handshakeMsg: 3}

	default: // noiseTransport
		if l < 18 {
			return n.fail(fmt.Errorf("%w: transport chunk too short (%d)", types.ErrDecrypt, l))
		}
		cipher := &n.fromResponder
		if incoming == n.initiatorIsIncoming {
			cipher = &n.fromInitiator
		}
		ct := append([]byte(nil), chunk[2:l-16]...)
		pt, err := cipher.open(ct, chunk[l-16:])
		if err != nil {
			return n.fail(err)
		}
		return noiseResult{plaintext: pt}
	}
}

func (n *noiseState) fail(err error) noiseResult {
	n.phase = noiseFailed
	n.discardHandshakeState()
	n.fromInitiator.zero()
	n.fromResponder.zero()
	return noiseResult{err: err}
}

// discardHandshakeState zeroes everything only the handshake needed.
func (n *noiseState) discardHandshakeState() {
	n.cache.zero()
	if n.st != nil {
		for i := range n.st.k {
			n.st.k[i] = 0
			n.st.ck[i] = 0
		}
		n.st = nil
	}
}

// close zeroes the transport keys; the connection is done with them.
func (n *noiseState) close() {
	n.fromInitiator.zero()
	n.fromResponder.zero()
	n.discardHandshakeState()
}

// counters exposes the per-direction AEAD counters for invariant checks.
func (n *noiseState) counters() (fromInitiator, fromResponder uint64) {
	return n.fromInitiator.counter, n.fromResponder.counter
}
