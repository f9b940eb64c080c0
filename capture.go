package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"peerscope/types"
)

// decodeRecord parses one ring record: the fixed 24-byte header followed
// by the payload. The length field covers the whole record.
func decodeRecord(raw []byte) (types.RawEvent, error) {
	var hdr types.RecordHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil {
		return types.RawEvent{}, fmt.Errorf("short ring record: %w", err)
	}
	if int(hdr.Len) > len(raw) || hdr.Len < types.RecordHeaderSize {
		return types.RawEvent{}, fmt.Errorf("ring record length %d out of bounds (%d captured)", hdr.Len, len(raw))
	}
	ev := types.RawEvent{
		Kind:      hdr.Kind,
		Timestamp: hdr.Timestamp,
		Pid:       hdr.Pid,
		Fd:        hdr.Fd,
		Seq:       hdr.Seq,
	}
	if hdr.Len > types.RecordHeaderSize {
		ev.Payload = append([]byte(nil), raw[types.RecordHeaderSize:hdr.Len]...)
	}
	return ev, nil
}

// encodeRecord is the inverse, used by the replay tooling and tests.
func encodeRecord(ev types.RawEvent) []byte {
	hdr := types.RecordHeader{
		Len:       uint16(types.RecordHeaderSize + len(ev.Payload)),
		Kind:      ev.Kind,
		Timestamp: ev.Timestamp,
		Pid:       ev.Pid,
		Fd:        ev.Fd,
		Seq:       ev.Seq,
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(ev.Payload)
	return buf.Bytes()
}

// decodeOverflow reads the payload of an overflow record: the kind of the
// dropped record and how many were lost.
func decodeOverflow(payload []byte) (droppedKind uint16, count uint64) {
	if len(payload) >= 2 {
		droppedKind = binary.LittleEndian.Uint16(payload)
	}
	if len(payload) >= 10 {
		count = binary.LittleEndian.Uint64(payload[2:])
	} else {
		count = 1
	}
	return
}

// parseSockaddr reads the kernel sockaddr captured by connect/accept.
func parseSockaddr(payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", fmt.Errorf("sockaddr too short")
	}
	family := binary.LittleEndian.Uint16(payload)
	switch family {
	case unix.AF_INET:
		if len(payload) < 8 {
			return "", fmt.Errorf("sockaddr_in too short")
		}
		port := binary.BigEndian.Uint16(payload[2:4])
		ip := net.IP(payload[4:8])
		return net.JoinHostPort(ip.String(), fmt.Sprint(port)), nil
	case unix.AF_INET6:
		if len(payload) < 24 {
			return "", fmt.Errorf("sockaddr_in6 too short")
		}
		port := binary.BigEndian.Uint16(payload[2:4])
		ip := net.IP(payload[8:24])
		return net.JoinHostPort(ip.String(), fmt.Sprint(port)), nil
	}
	return "", fmt.Errorf("address family %d", family)
}

// drainRing is the single ring consumer: it blocks on the ring's epoll
// primitive, decodes records and hands them to the demultiplexer in
// capture order. It returns when the context is canceled or the reader is
// closed.
func drainRing(ctx context.Context, reader *ringbuf.Reader, dm *demux, log *zap.Logger) error {
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("ring read: %w", err)
		}
		if len(record.RawSample) == 0 {
			continue
		}
		ev, err := decodeRecord(record.RawSample)
		if err != nil {
			log.Warn("bad ring record", zap.Error(err))
			eventErrors.WithLabelValues("decode").Inc()
			continue
		}
		eventCounter.WithLabelValues(ev.KindName()).Inc()
		dm.HandleEvent(ev)

		if ctx.Err() != nil {
			// stop after the current record
			return nil
		}
	}
}
