package protocol

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/salsa20/salsa"
)

// pnetSecret derives the private-network pre-shared key from the chain id.
func pnetSecret(chainID string) [32]byte {
	return blake2b.Sum256([]byte(chainID))
}

// xsalsa20 is a streaming XSalsa20 cipher. The x/crypto salsa20 package is
// one-shot per nonce, so the running block offset is kept here to decrypt a
// TCP direction chunk by chunk.
type xsalsa20 struct {
	subkey  [32]byte
	counter [8]byte
	offset  uint64
}

func newXSalsa20(key *[32]byte, nonce []byte) *xsalsa20 {
	s := &xsalsa20{}
	var hNonce [16]byte
	copy(hNonce[:], nonce[:16])
	salsa.HSalsa20(&s.subkey, &hNonce, key, &salsa.Sigma)
	copy(s.counter[:], nonce[16:24])
	return s
}

// XORKeyStream decrypts p in place, continuing the keystream where the
// previous call left off.
func (s *xsalsa20) XORKeyStream(p []byte) {
	pad := int(s.offset % 64)
	buf := make([]byte, pad+len(p))
	copy(buf[pad:], p)
	var counter [16]byte
	copy(counter[:8], s.counter[:])
	binary.LittleEndian.PutUint64(counter[8:], s.offset/64)
	salsa.XORKeyStream(buf, buf, &counter, &s.subkey)
	copy(p, buf[pad:])
	s.offset += uint64(len(p))
}

// pnetState is the outermost layer: a 24-byte nonce read from the first
// bytes each side sends, then every subsequent byte is XOR-decrypted.
// It never fails structurally; short first reads accumulate until the
// nonce is complete.
type pnetState struct {
	secret    [32]byte
	nonceIn   []byte
	nonceOut  []byte
	cipherIn  *xsalsa20
	cipherOut *xsalsa20
}

func newPnetState(chainID string) *pnetState {
	return &pnetState{secret: pnetSecret(chainID)}
}

// decrypt consumes raw wire bytes of one direction and returns the
// decrypted remainder, which is nil while the nonce is still incomplete
// or when a read completes it with no payload. The returned slice aliases
// data.
func (p *pnetState) decrypt(incoming bool, data []byte) []byte {
	cipher, nonce := &p.cipherOut, &p.nonceOut
	if incoming {
		cipher, nonce = &p.cipherIn, &p.nonceIn
	}
	if *cipher == nil {
		missing := 24 - len(*nonce)
		if len(data) < missing {
			*nonce = append(*nonce, data...)
			return nil
		}
		*nonce = append(*nonce, data[:missing]...)
		data = data[missing:]
		*cipher = newXSalsa20(&p.secret, *nonce)
		if len(data) == 0 {
			return nil
		}
	}
	(*cipher).XORKeyStream(data)
	return data
}
