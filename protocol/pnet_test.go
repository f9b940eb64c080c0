package protocol

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/salsa20"
)

func TestXSalsa20Streaming(t *testing.T) {
	var key [32]byte
	nonce := make([]byte, 24)
	rand.Read(key[:])
	rand.Read(nonce)

	plain := make([]byte, 4096)
	rand.Read(plain)

	want := make([]byte, len(plain))
	salsa20.XORKeyStream(want, plain, nonce, &key)

	// the streaming cipher must produce the same keystream regardless of
	// how the input is sliced
	for _, sizes := range [][]int{
		{4096},
		{1, 4095},
		{63, 64, 65, 3904},
		{100, 1000, 2996},
	} {
		s := newXSalsa20(&key, nonce)
		got := append([]byte(nil), plain...)
		off := 0
		for _, n := range sizes {
			s.XORKeyStream(got[off : off+n])
			off += n
		}
		assert.Equal(t, want, got)
	}
}

func TestPnetNonceAcrossReads(t *testing.T) {
	const chainID = "/coda/0.0.1/test"
	var key = pnetSecret(chainID)

	nonce := make([]byte, 24)
	rand.Read(nonce)
	plain := []byte("hello private network")

	wire := make([]byte, len(plain))
	salsa20.XORKeyStream(wire, plain, nonce, &key)

	p := newPnetState(chainID)

	// nonce delivered in two reads, payload in two
	assert.Nil(t, p.decrypt(true, nonce[:10]))
	assert.Nil(t, p.decrypt(true, nonce[10:24]))
	got := append([]byte(nil), p.decrypt(true, wire[:7])...)
	got = append(got, p.decrypt(true, wire[7:])...)
	assert.Equal(t, plain, got)

	// the outgoing direction has its own nonce and cipher
	nonce2 := make([]byte, 24)
	rand.Read(nonce2)
	wire2 := make([]byte, len(plain))
	salsa20.XORKeyStream(wire2, plain, nonce2, &key)
	out := p.decrypt(false, append(append([]byte(nil), nonce2...), wire2...))
	assert.Equal(t, plain, out)
}

func TestPnetSecretDerivation(t *testing.T) {
	a := pnetSecret("/coda/0.0.1/one")
	b := pnetSecret("/coda/0.0.1/two")
	require.NotEqual(t, a, b)
	assert.Equal(t, a, pnetSecret("/coda/0.0.1/one"))
	assert.False(t, bytes.Equal(a[:], make([]byte, 32)))
}
