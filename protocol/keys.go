package protocol

import (
	"crypto/subtle"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"peerscope/types"
)

// Randomness is the registry of captured getrandom payloads. The target
// helper derives its ephemeral Noise keypairs from these bytes; a passive
// decoder recovers the private key by clamping each candidate and checking
// whether the derived public key matches the one seen on the wire.
//
// Entries are consumed once: a record matched to one handshake is never
// reused. When several records could belong to a handshake the earliest
// unconsumed one preceding the first handshake byte wins; candidates inside
// the configured window before that byte are tried first.
type Randomness struct {
	mu     sync.Mutex
	perPid map[uint32][]*randEntry
	window time.Duration
}

type randEntry struct {
	secret   types.Secret
	ts       time.Time
	consumed bool
}

func NewRandomness(window time.Duration) *Randomness {
	return &Randomness{
		perPid: make(map[uint32][]*randEntry),
		window: window,
	}
}

// Add records one getrandom payload. Only 32-byte payloads can seed an
// X25519 keypair; everything else is ignored.
func (r *Randomness) Add(pid uint32, ts time.Time, payload []byte) {
	if len(payload) != 32 {
		return
	}
	e := &randEntry{ts: ts}
	copy(e.secret[:], payload)
	r.mu.Lock()
	r.perPid[pid] = append(r.perPid[pid], e)
	r.mu.Unlock()
}

// FindSecret looks up the clamped secret whose public key equals pk, among
// unconsumed entries of pid with timestamp at or before `before`. With
// consume set the matched entry is retired and zeroed in the registry:
// ephemeral seeds belong to exactly one handshake. Static-key seeds are
// looked up with consume unset because every handshake of the process
// reuses them. The returned copy is owned by the caller, who must Zero it
// when done.
func (r *Randomness) FindSecret(pid uint32, before time.Time, pk [32]byte, consume bool) (types.Secret, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.perPid[pid]
	windowStart := before.Add(-r.window)
	// two passes: prefer entries inside the window, then fall back to any
	// earlier unconsumed entry
	for _, inWindow := range []bool{true, false} {
		for _, e := range entries {
			if e.consumed || e.ts.After(before) {
				continue
			}
			if inWindow != !e.ts.Before(windowStart) {
				continue
			}
			sk := clamp(e.secret)
			derived, err := curve25519.X25519(sk[:], curve25519.Basepoint)
			if err != nil {
				continue
			}
			if subtle.ConstantTimeCompare(derived, pk[:]) == 1 {
				if consume {
					e.consumed = true
					e.secret.Zero()
				}
				return sk, true
			}
			sk.Zero()
		}
	}
	return types.Secret{}, false
}

// DropPid forgets every entry of an exited process.
func (r *Randomness) DropPid(pid uint32) {
	r.mu.Lock()
	for _, e := range r.perPid[pid] {
		e.secret.Zero()
	}
	delete(r.perPid, pid)
	r.mu.Unlock()
}

// Pending reports how many unconsumed entries a pid has, for metrics.
func (r *Randomness) Pending(pid uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.perPid[pid] {
		if !e.consumed {
			n++
		}
	}
	return n
}

// clamp applies the X25519 scalar clamping the target applies when turning
// raw randomness into a private key.
func clamp(s types.Secret) types.Secret {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s
}

// keyCache holds the secrets one handshake has already resolved, keyed by
// public key, so repeated DH operations do not hit the registry again.
// Zeroed when the handshake completes or fails.
type keyCache map[[32]byte]types.Secret

func (c keyCache) zero() {
	for pk, sk := range c {
		sk.Zero()
		delete(c, pk)
	}
}

// tryDH recovers the shared secret of the public-key pair (a, b), given
// that one of the two private keys is recoverable from captured randomness.
// ephemerals lists the handshake's ephemeral public keys; a match against
// one of them consumes the registry entry.
func tryDH(r *Randomness, cache keyCache, pid uint32, before time.Time, a, b [32]byte, ephemerals ...[32]byte) ([]byte, bool) {
	isEphemeral := func(pk [32]byte) bool {
		for _, e := range ephemerals {
			if pk == e {
				return true
			}
		}
		return false
	}
	resolve := func(pk [32]byte) (types.Secret, bool) {
		if sk, ok := cache[pk]; ok {
			return sk, true
		}
		sk, ok := r.FindSecret(pid, before, pk, isEphemeral(pk))
		if ok {
			cache[pk] = sk
		}
		return sk, ok
	}
	if sk, ok := resolve(a); ok {
		ss, err := curve25519.X25519(sk[:], b[:])
		return ss, err == nil
	}
	if sk, ok := resolve(b); ok {
		ss, err := curve25519.X25519(sk[:], a[:])
		return ss, err == nil
	}
	return nil, false
}
