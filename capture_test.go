package main

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerscope/types"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []types.RawEvent{
		{Kind: types.EVENT_EXEC, Timestamp: 1, Pid: 42, Payload: []byte("devnet-10.0.0.1")},
		{Kind: types.EVENT_READ_SOCK, Timestamp: 99, Pid: 42, Fd: 7, Seq: 3, Payload: make([]byte, 1024)},
		{Kind: types.EVENT_CLOSE, Timestamp: 100, Pid: 42, Fd: 7, Seq: 4},
	}
	for _, ev := range cases {
		t.Run(ev.KindName(), func(t *testing.T) {
			got, err := decodeRecord(encodeRecord(ev))
			require.NoError(t, err)
			assert.Equal(t, ev.Kind, got.Kind)
			assert.Equal(t, ev.Timestamp, got.Timestamp)
			assert.Equal(t, ev.Pid, got.Pid)
			assert.Equal(t, ev.Fd, got.Fd)
			assert.Equal(t, ev.Seq, got.Seq)
			assert.Equal(t, ev.Payload, got.Payload)
		})
	}
}

func TestDecodeRecordBounds(t *testing.T) {
	_, err := decodeRecord([]byte{1, 2, 3})
	assert.Error(t, err)

	// length field beyond the captured sample
	raw := encodeRecord(types.RawEvent{Kind: types.EVENT_CLOSE})
	binary.LittleEndian.PutUint16(raw[0:2], 500)
	_, err = decodeRecord(raw)
	assert.Error(t, err)
}

func TestParseSockaddr(t *testing.T) {
	v4 := make([]byte, 16)
	binary.LittleEndian.PutUint16(v4[0:2], 2) // AF_INET
	binary.BigEndian.PutUint16(v4[2:4], 8302)
	copy(v4[4:8], []byte{10, 0, 0, 2})
	addr, err := parseSockaddr(v4)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8302", addr)

	v6 := make([]byte, 28)
	binary.LittleEndian.PutUint16(v6[0:2], 10) // AF_INET6
	binary.BigEndian.PutUint16(v6[2:4], 8302)
	v6[23] = 1 // ::1
	addr, err = parseSockaddr(v6)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:8302", addr)

	_, err = parseSockaddr([]byte{1, 0, 0, 0})
	assert.Error(t, err)
}

func TestDecodeOverflow(t *testing.T) {
	payload := make([]byte, 10)
	binary.LittleEndian.PutUint16(payload, types.EVENT_READ_SOCK)
	binary.LittleEndian.PutUint64(payload[2:], 17)
	kind, count := decodeOverflow(payload)
	assert.Equal(t, uint16(types.EVENT_READ_SOCK), kind)
	assert.Equal(t, uint64(17), count)

	// short payloads still account for one drop
	kind, count = decodeOverflow(payload[:2])
	assert.Equal(t, uint16(types.EVENT_READ_SOCK), kind)
	assert.Equal(t, uint64(1), count)
}
