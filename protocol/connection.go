package protocol

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerscope/types"
)

// Frame is one decrypted application-level chunk, labeled with the stream
// it belongs to. Frames of one stream direction arrive in capture order.
type Frame struct {
	StreamID   types.StreamID
	StreamKind types.StreamKind
	Incoming   bool
	Timestamp  time.Time
	Data       []byte
}

// Sink receives everything the decoder reconstructs. Implementations are
// called serially from the connection's own goroutine.
type Sink interface {
	// OnStream reports a new substream once its protocol is negotiated.
	OnStream(id types.StreamID, kind types.StreamKind, incoming bool, ts time.Time)
	// OnStreamEnd reports close or reset of a substream.
	OnStreamEnd(id types.StreamID, reset bool, ts time.Time)
	// OnSelectToken reports one multistream-select token.
	OnSelectToken(id types.StreamID, token string, incoming bool, ts time.Time)
	// OnHandshakePayload reports the plaintext payload of handshake
	// messages two and three.
	OnHandshakePayload(payload []byte, incoming bool, ts time.Time)
	// OnFrame hands over one decrypted application chunk.
	OnFrame(f Frame)
}

// decoder phases, the coarse progress of the layered automaton
const (
	phasePnet = iota
	phaseOuterSelect
	phaseNoiseHandshake
	phaseInnerSelect
	phaseMux
	phaseOpaque
	phaseFailed
)

// Conn is the layered protocol decoder of one connection:
//
//	pnet -> multistream -> noise -> multistream -> yamux/mplex ->
//	per-substream multistream -> application
//
// It is restartable at any layer boundary and keeps two independent
// direction cursors; it is not safe for concurrent use, the owner must
// call it from a single goroutine.
type Conn struct {
	id       types.ConnectionID
	pid      uint32
	incoming bool

	pnet        *pnetState
	outerSelect selectState
	noise       *noiseState
	innerSelect selectState
	mux         muxState

	phase      int
	outerAgree [2]bool // per direction, index by dirIndex
	innerAgree [2]bool

	substreams map[types.StreamID]*substream

	statsIn  types.DirectionStats
	statsOut types.DirectionStats

	sink Sink
	log  *zap.Logger
	// decrypt failures repeat for every chunk of a broken connection;
	// keep them out of the log past the first few
	errLimit *rate.Limiter
}

type substream struct {
	id      types.StreamID
	sel     selectState
	kind    types.StreamKind
	agreed  [2]bool // per direction
	kindSet bool
	opaque  bool
}

func dirIndex(incoming bool) int {
	if incoming {
		return 1
	}
	return 0
}

func NewConn(id types.ConnectionID, pid uint32, incoming bool, chainID string, rand *Randomness, sink Sink, log *zap.Logger) *Conn {
	return &Conn{
		id:         id,
		pid:        pid,
		incoming:   incoming,
		pnet:       newPnetState(chainID),
		noise:      newNoiseState(pid, rand),
		phase:      phasePnet,
		substreams: make(map[types.StreamID]*substream),
		sink:       sink,
		log:        log,
		errLimit:   rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

func (c *Conn) StatsIn() types.DirectionStats  { return c.statsIn }
func (c *Conn) StatsOut() types.DirectionStats { return c.statsOut }

// State maps the decoder progress to the persisted connection state.
func (c *Conn) State() types.ConnectionState {
	switch c.phase {
	case phaseFailed:
		return types.StateFailedDecrypt
	case phaseOpaque:
		return types.StateOpaque
	case phaseMux, phaseInnerSelect:
		return types.StateSecure
	default:
		return types.StateHandshaking
	}
}

// Desync marks one direction as lossy. No further frames are emitted on it;
// the opposite direction continues independently.
func (c *Conn) Desync(incoming bool) {
	if incoming {
		c.statsIn.Desynced = true
	} else {
		c.statsOut.Desynced = true
	}
}

// Close releases key material.
func (c *Conn) Close() {
	c.noise.close()
}

// NoiseCounters exposes the transport AEAD counters, by sender role.
func (c *Conn) NoiseCounters() (fromInitiator, fromResponder uint64) {
	return c.noise.counters()
}

// OnData ingests one captured read/write payload.
func (c *Conn) OnData(incoming bool, ts time.Time, data []byte) {
	stats := &c.statsOut
	if incoming {
		stats = &c.statsIn
	}
	stats.TotalBytes += uint64(len(data))
	stats.Chunks++
	if stats.Desynced || c.phase == phaseFailed {
		stats.FailedBytes += uint64(len(data))
		return
	}

	plain := c.pnet.decrypt(incoming, data)
	if len(plain) == 0 {
		return
	}

	if c.phase == phasePnet {
		c.phase = phaseOuterSelect
	}
	c.feedOuter(incoming, ts, plain, stats)
}

// feedOuter runs the connection-level multistream negotiation that selects
// the security protocol.
func (c *Conn) feedOuter(incoming bool, ts time.Time, data []byte, stats *types.DirectionStats) {
	if c.phase == phaseOpaque {
		return
	}
	if c.outerAgree[dirIndex(incoming)] {
		c.feedNoise(incoming, ts, data, stats)
		return
	}

	out := c.outerSelect.poll(incoming, data)
	for _, token := range out.tokens {
		c.sink.OnSelectToken(types.StreamHandshake, token, incoming, ts)
	}
	if out.err != nil {
		c.log.Warn("multistream negotiation failed",
			zap.Stringer("connection", c.id), zap.Error(out.err))
		c.phase = phaseOpaque
		return
	}
	if out.agreed {
		c.outerAgree[dirIndex(incoming)] = true
		if out.agreedName != "/noise" {
			c.log.Warn("unsupported security protocol, bytes kept opaque",
				zap.Stringer("connection", c.id), zap.String("protocol", out.agreedName))
			c.phase = phaseOpaque
			return
		}
		if c.phase == phaseOuterSelect {
			c.phase = phaseNoiseHandshake
		}
		if len(out.agreedData) > 0 {
			c.feedNoise(incoming, ts, out.agreedData, stats)
		}
	}
}

// feedNoise runs handshake bookkeeping and transport decryption.
func (c *Conn) feedNoise(incoming bool, ts time.Time, data []byte, stats *types.DirectionStats) {
	for _, chunk := range c.noise.chunker.chunks(incoming, data) {
		res := c.noise.onChunk(incoming, ts, chunk)
		if res.err != nil {
			stats.FailedBytes += uint64(len(chunk))
			c.phase = phaseFailed
			if c.errLimit.Allow() {
				c.log.Warn("connection failed to decrypt",
					zap.Stringer("connection", c.id),
					zap.Uint64("failed_bytes", stats.FailedBytes),
					zap.Uint64("decrypted_bytes", stats.DecryptedBytes),
					zap.Error(res.err))
			}
			continue
		}
		switch res.handshakeMsg {
		case 1:
			// nothing decrypted yet
		case 2, 3:
			if len(res.plaintext) > 0 {
				c.sink.OnHandshakePayload(res.plaintext, incoming, ts)
			}
			if res.handshakeMsg == 3 {
				c.phase = phaseInnerSelect
			}
		default:
			stats.DecryptedBytes += uint64(len(chunk))
			c.feedInner(incoming, ts, res.plaintext, stats)
		}
	}
}

// feedInner runs the second negotiation that selects the multiplexer.
func (c *Conn) feedInner(incoming bool, ts time.Time, data []byte, stats *types.DirectionStats) {
	if c.innerAgree[dirIndex(incoming)] {
		c.feedMux(incoming, ts, data)
		return
	}
	out := c.innerSelect.poll(incoming, data)
	for _, token := range out.tokens {
		c.sink.OnSelectToken(types.StreamHandshake, token, incoming, ts)
	}
	if out.err != nil {
		c.log.Warn("mux negotiation failed",
			zap.Stringer("connection", c.id), zap.Error(out.err))
		c.phase = phaseOpaque
		return
	}
	if out.agreed {
		c.innerAgree[dirIndex(incoming)] = true
		if c.mux == nil {
			mux, ok := newMuxState(out.agreedName, c.noise.initiatorIsIncoming)
			if !ok {
				c.log.Warn("unsupported multiplexer, bytes kept opaque",
					zap.Stringer("connection", c.id), zap.String("protocol", out.agreedName))
				c.phase = phaseOpaque
				return
			}
			c.mux = mux
			c.phase = phaseMux
		}
		if len(out.agreedData) > 0 {
			c.feedMux(incoming, ts, out.agreedData)
		}
	}
}

// feedMux demultiplexes substreams and routes their bytes.
func (c *Conn) feedMux(incoming bool, ts time.Time, data []byte) {
	events, err := c.mux.onData(incoming, ts, data)
	if err != nil && c.errLimit.Allow() {
		c.log.Warn("mux decode error", zap.Stringer("connection", c.id), zap.Error(err))
	}
	for _, ev := range events {
		switch ev.kind {
		case muxStreamOpen:
			c.openSubstream(ev.id)
		case muxStreamData:
			ss := c.openSubstream(ev.id)
			c.substreamData(ss, incoming, ts, ev.data)
		case muxStreamClose:
			c.sink.OnStreamEnd(ev.id, false, ts)
			delete(c.substreams, ev.id)
		case muxStreamReset:
			c.sink.OnStreamEnd(ev.id, true, ts)
			delete(c.substreams, ev.id)
		}
	}
}

func (c *Conn) openSubstream(id types.StreamID) *substream {
	if ss, ok := c.substreams[id]; ok {
		return ss
	}
	ss := &substream{id: id}
	c.substreams[id] = ss
	return ss
}

// substreamData negotiates the substream protocol, then labels application
// bytes with it. Each direction settles independently; the first one to
// settle names the stream.
func (c *Conn) substreamData(ss *substream, incoming bool, ts time.Time, data []byte) {
	if ss.agreed[dirIndex(incoming)] {
		c.emitFrame(ss, incoming, ts, data)
		return
	}
	out := ss.sel.poll(incoming, data)
	for _, token := range out.tokens {
		c.sink.OnSelectToken(ss.id, token, incoming, ts)
	}
	if out.err != nil {
		ss.agreed[dirIndex(incoming)] = true
		if !ss.kindSet {
			ss.kindSet = true
			ss.opaque = true
			ss.kind = types.StreamKindUnknown
			c.sink.OnStream(ss.id, ss.kind, incoming, ts)
		}
		return
	}
	if out.agreed {
		ss.agreed[dirIndex(incoming)] = true
		if !ss.kindSet {
			ss.kindSet = true
			ss.kind = types.ParseStreamKind(out.agreedName)
			ss.opaque = ss.kind == types.StreamKindUnknown
			if ss.opaque {
				c.log.Debug("unknown substream protocol",
					zap.Stringer("connection", c.id), zap.String("protocol", out.agreedName))
			}
			c.sink.OnStream(ss.id, ss.kind, incoming, ts)
		}
		if len(out.agreedData) > 0 {
			c.emitFrame(ss, incoming, ts, out.agreedData)
		}
	}
}

func (c *Conn) emitFrame(ss *substream, incoming bool, ts time.Time, data []byte) {
	if ss.opaque {
		// bytes are still counted on the connection, just not parsed
		return
	}
	stats := &c.statsOut
	if incoming {
		stats = &c.statsIn
	}
	stats.Messages++
	c.sink.OnFrame(Frame{
		StreamID:   ss.id,
		StreamKind: ss.kind,
		Incoming:   incoming,
		Timestamp:  ts,
		Data:       data,
	})
}
