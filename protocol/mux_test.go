package protocol

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerscope/types"
)

func yamuxFrame(frameType byte, flags uint16, id uint32, payload []byte) []byte {
	h := make([]byte, 12)
	h[1] = frameType
	binary.BigEndian.PutUint16(h[2:4], flags)
	binary.BigEndian.PutUint32(h[4:8], id)
	if frameType == yamuxTypeData {
		binary.BigEndian.PutUint32(h[8:12], uint32(len(payload)))
		return append(h, payload...)
	}
	binary.BigEndian.PutUint32(h[8:12], 0)
	return h
}

func TestYamuxStreams(t *testing.T) {
	y := &yamuxState{initiatorIsIncoming: false}
	ts := time.Now()

	// initiator (outgoing) opens stream 1 with data, responder replies
	events, err := y.onData(false, ts, yamuxFrame(yamuxTypeData, yamuxFlagSYN, 1, []byte("ping")))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, muxStreamOpen, events[0].kind)
	assert.Equal(t, types.ForwardStream(1), events[0].id)
	assert.Equal(t, muxStreamData, events[1].kind)
	assert.Equal(t, []byte("ping"), events[1].data)

	events, err = y.onData(true, ts, yamuxFrame(yamuxTypeData, yamuxFlagACK, 1, []byte("pong")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.ForwardStream(1), events[0].id)

	// responder opens its own (even id), then resets it
	events, err = y.onData(true, ts, yamuxFrame(yamuxTypeData, yamuxFlagSYN, 2, nil))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.BackwardStream(2), events[0].id)

	events, err = y.onData(true, ts, yamuxFrame(yamuxTypeData, yamuxFlagRST, 2, nil))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, muxStreamReset, events[0].kind)

	// pings and window updates carry no stream events
	events, err = y.onData(false, ts, yamuxFrame(yamuxTypePing, 0, 0, nil))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestYamuxSplitHeader(t *testing.T) {
	y := &yamuxState{}
	ts := time.Now()
	frame := yamuxFrame(yamuxTypeData, yamuxFlagSYN|yamuxFlagFIN, 3, []byte("all at once"))

	events, err := y.onData(false, ts, frame[:5])
	require.NoError(t, err)
	assert.Empty(t, events)
	events, err = y.onData(false, ts, frame[5:15])
	require.NoError(t, err)
	assert.Empty(t, events)
	events, err = y.onData(false, ts, frame[15:])
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, muxStreamOpen, events[0].kind)
	assert.Equal(t, muxStreamData, events[1].kind)
	assert.Equal(t, muxStreamClose, events[2].kind)
}

func mplexFrame(id uint64, kind uint64, payload []byte) []byte {
	out := binary.AppendUvarint(nil, id<<3|kind)
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, payload...)
}

func TestMplexStreams(t *testing.T) {
	m := &mplexState{initiatorIsIncoming: true}
	ts := time.Now()

	// incoming side is the connection initiator here
	events, err := m.onData(true, ts, mplexFrame(0, mplexNewStream, []byte("name")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, muxStreamOpen, events[0].kind)
	assert.Equal(t, types.ForwardStream(0), events[0].id)

	// responder answers on the same stream
	events, err = m.onData(false, ts, mplexFrame(0, mplexMessageReceiver, []byte("hi")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, muxStreamData, events[0].kind)
	assert.Equal(t, types.ForwardStream(0), events[0].id)

	// two frames in one read
	data := append(
		mplexFrame(0, mplexMessageInitiator, []byte("a")),
		mplexFrame(0, mplexCloseInitiator, nil)...)
	events, err = m.onData(true, ts, data)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, muxStreamData, events[0].kind)
	assert.Equal(t, muxStreamClose, events[1].kind)
}
