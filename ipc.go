package main

import (
	"encoding/binary"
	"time"

	"peerscope/types"
)

// The node and its helper speak a Cap'n Proto based command/event protocol
// over the helper's stdio pipes. A passive observer does not need the
// schema: the serialization envelope (a segment table followed by the
// segments) is enough to split the byte stream into frames and size them.
// Frames go straight to the store, bypassing the protocol decoder.
//
// Envelope layout, all little-endian 32-bit words:
//
//	word 0: segment count - 1
//	words 1..n: segment sizes in 8-byte words
//	padding to an 8-byte boundary, then the segments

const (
	ipcMaxSegments = 512
	ipcMaxFrame    = 64 << 20
)

// ipcFrameLen returns the full envelope size in bytes once the segment
// table is complete (the buffer may still be shorter than that), 0 while
// the segment table is incomplete, or -1 when the bytes cannot be a frame.
func ipcFrameLen(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	segments := int(binary.LittleEndian.Uint32(buf)) + 1
	if segments <= 0 || segments > ipcMaxSegments {
		return -1
	}
	tableWords := 1 + segments
	if tableWords%2 != 0 {
		tableWords++ // padding word
	}
	headerBytes := tableWords * 4
	if len(buf) < headerBytes {
		return 0
	}
	total := headerBytes
	for i := 0; i < segments; i++ {
		words := binary.LittleEndian.Uint32(buf[4+4*i:])
		total += int(words) * 8
		if total > ipcMaxFrame {
			return -1
		}
	}
	return total
}

// ipcDecoder splits one helper's stdin/stdout capture into frames.
type ipcDecoder struct {
	pid uint32
	d   *demux

	accIn  []byte // helper stdin, commands from the node
	accOut []byte // helper stdout, events pushed to the node

	desynced [2]bool
}

func newIPCDecoder(pid uint32, d *demux) *ipcDecoder {
	return &ipcDecoder{pid: pid, d: d}
}

func (c *ipcDecoder) push(incoming bool, ts time.Time, data []byte) {
	idx, acc := 0, &c.accOut
	if incoming {
		idx, acc = 1, &c.accIn
	}
	if c.desynced[idx] {
		return
	}
	*acc = append(*acc, data...)

	for {
		n := ipcFrameLen(*acc)
		if n == 0 {
			return
		}
		if n < 0 {
			// framing lost: emit what is buffered, then ignore this pipe
			c.desynced[idx] = true
			c.emit(incoming, ts, *acc, "ipc_desynced")
			*acc = nil
			return
		}
		if len(*acc) < n {
			return
		}
		frame := (*acc)[:n]
		*acc = (*acc)[n:]
		kind := "ipc_push"
		if incoming {
			kind = "ipc_command"
		}
		c.emit(incoming, ts, frame, kind)
	}
}

func (c *ipcDecoder) emit(incoming bool, ts time.Time, frame []byte, kind string) {
	c.d.db.AddIPCEvent(types.IPCEvent{
		Pid:       c.pid,
		Height:    c.d.latestHeight.Load(),
		Incoming:  incoming,
		Timestamp: ts,
		Kind:      kind,
		Size:      uint32(len(frame)),
	}, frame)
	ipcFrames.WithLabelValues(kind).Inc()
}

// flush surfaces whatever is buffered when the helper exits.
func (c *ipcDecoder) flush(ts time.Time) {
	if len(c.accIn) > 0 {
		c.emit(true, ts, c.accIn, "ipc_truncated")
		c.accIn = nil
	}
	if len(c.accOut) > 0 {
		c.emit(false, ts, c.accOut, "ipc_truncated")
		c.accOut = nil
	}
}
