package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"peerscope/types"
)

// The multiplexer layer runs inside the secure channel and carries many
// logical substreams. Two framings exist in the wild: yamux (fixed 12-byte
// header) and mplex (varint header). Which one a connection uses is decided
// by the inner multistream negotiation.

const (
	yamuxTypeData         = 0
	yamuxTypeWindowUpdate = 1
	yamuxTypePing         = 2
	yamuxTypeGoAway       = 3

	yamuxFlagSYN = 1
	yamuxFlagACK = 2
	yamuxFlagFIN = 4
	yamuxFlagRST = 8
)

// muxEvent is what the multiplexer reports upward.
type muxEvent struct {
	kind muxEventKind
	id   types.StreamID
	data []byte
}

type muxEventKind int

const (
	muxStreamOpen muxEventKind = iota
	muxStreamData
	muxStreamClose
	muxStreamReset
)

type muxState interface {
	// onData consumes decrypted channel bytes of one direction and returns
	// the substream events they carry.
	onData(incoming bool, ts time.Time, data []byte) ([]muxEvent, error)
}

func newMuxState(name string, initiatorIsIncoming bool) (muxState, bool) {
	switch name {
	case "/coda/yamux/1.0.0":
		return &yamuxState{initiatorIsIncoming: initiatorIsIncoming}, true
	case "/coda/mplex/1.0.0":
		return &mplexState{initiatorIsIncoming: initiatorIsIncoming}, true
	}
	return nil, false
}

// yamuxState reassembles yamux frames per direction. Header layout:
// version(1) type(1) flags(2 BE) stream_id(4 BE) length(4 BE). The length
// field is a payload size only for data frames.
type yamuxState struct {
	initiatorIsIncoming bool
	accIn               []byte
	accOut              []byte
}

func (y *yamuxState) onData(incoming bool, ts time.Time, data []byte) ([]muxEvent, error) {
	acc := &y.accOut
	if incoming {
		acc = &y.accIn
	}
	*acc = append(*acc, data...)

	var out []muxEvent
	for len(*acc) >= 12 {
		h := *acc
		version := h[0]
		frameType := h[1]
		flags := binary.BigEndian.Uint16(h[2:4])
		rawID := binary.BigEndian.Uint32(h[4:8])
		length := binary.BigEndian.Uint32(h[8:12])
		if version != 0 {
			return out, fmt.Errorf("%w: yamux version %d", types.ErrParse, version)
		}

		var payload []byte
		if frameType == yamuxTypeData {
			if uint32(len(*acc)-12) < length {
				break
			}
			payload = append([]byte(nil), (*acc)[12:12+length]...)
			*acc = (*acc)[12+length:]
		} else {
			*acc = (*acc)[12:]
		}

		if frameType == yamuxTypePing || frameType == yamuxTypeGoAway {
			continue
		}

		id := y.streamID(rawID, incoming, flags)
		if flags&yamuxFlagSYN != 0 {
			out = append(out, muxEvent{kind: muxStreamOpen, id: id})
		}
		if frameType == yamuxTypeData && len(payload) > 0 {
			out = append(out, muxEvent{kind: muxStreamData, id: id, data: payload})
		}
		if flags&yamuxFlagRST != 0 {
			out = append(out, muxEvent{kind: muxStreamReset, id: id})
		} else if flags&yamuxFlagFIN != 0 {
			out = append(out, muxEvent{kind: muxStreamClose, id: id})
		}
	}
	return out, nil
}

// streamID maps a wire stream id to the direction-aware id space: streams
// the connection initiator opened are forward. Yamux ids carry the opener
// in their parity relative to who dialed, but a passive observer can rely
// on who sent the SYN; for non-SYN frames the parity rule applies (the
// dialer allocates odd ids).
func (y *yamuxState) streamID(raw uint32, incoming bool, flags uint16) types.StreamID {
	openedByInitiator := raw%2 == 1
	if flags&yamuxFlagSYN != 0 {
		openedByInitiator = incoming == y.initiatorIsIncoming
	}
	if openedByInitiator {
		return types.ForwardStream(uint64(raw))
	}
	return types.BackwardStream(uint64(raw))
}

// mplex header kinds, low three bits of the varint header
const (
	mplexNewStream        = 0
	mplexMessageReceiver  = 1
	mplexMessageInitiator = 2
	mplexCloseReceiver    = 3
	mplexCloseInitiator   = 4
	mplexResetReceiver    = 5
	mplexResetInitiator   = 6
)

// mplexState reassembles mplex frames per direction: varint header
// (kind = h&7, id = h>>3), varint length, payload.
type mplexState struct {
	initiatorIsIncoming bool
	accIn               []byte
	accOut              []byte
}

func (m *mplexState) onData(incoming bool, ts time.Time, data []byte) ([]muxEvent, error) {
	acc := &m.accOut
	if incoming {
		acc = &m.accIn
	}
	*acc = append(*acc, data...)

	var out []muxEvent
	for {
		header, n1 := binary.Uvarint(*acc)
		if n1 <= 0 {
			break
		}
		length, n2 := binary.Uvarint((*acc)[n1:])
		if n2 <= 0 {
			break
		}
		total := n1 + n2 + int(length)
		if len(*acc) < total {
			break
		}
		payload := append([]byte(nil), (*acc)[n1+n2:total]...)
		*acc = (*acc)[total:]

		kind := header & 7
		rawID := header >> 3
		id := m.streamID(rawID, kind, incoming)
		switch kind {
		case mplexNewStream:
			out = append(out, muxEvent{kind: muxStreamOpen, id: id})
		case mplexMessageReceiver, mplexMessageInitiator:
			if len(payload) > 0 {
				out = append(out, muxEvent{kind: muxStreamData, id: id, data: payload})
			}
		case mplexCloseReceiver, mplexCloseInitiator:
			out = append(out, muxEvent{kind: muxStreamClose, id: id})
		case mplexResetReceiver, mplexResetInitiator:
			out = append(out, muxEvent{kind: muxStreamReset, id: id})
		default:
			return out, fmt.Errorf("%w: mplex header kind 7", types.ErrParse)
		}
	}
	return out, nil
}

// streamID resolves the opener of an mplex stream. NewStream is sent by the
// opener; message/close/reset kinds carry the role in the kind itself
// (receiver variants are sent by the stream's opener peer's counterpart).
func (m *mplexState) streamID(raw uint64, kind uint64, incoming bool) types.StreamID {
	var openedBySender bool
	switch kind {
	case mplexNewStream:
		openedBySender = true
	case mplexMessageInitiator, mplexCloseInitiator, mplexResetInitiator:
		openedBySender = true
	default:
		openedBySender = false
	}
	senderIsInitiator := incoming == m.initiatorIsIncoming
	if openedBySender == senderIsInitiator {
		return types.ForwardStream(raw)
	}
	return types.BackwardStream(raw)
}
