package store

import (
	"database/sql"

	"peerscope/types"
)

// The append surface. Each method enqueues one op for the writer; the
// store is append-only per entity kind, with updates limited to the
// counter fields flushed from in-memory connection state.

type addConnection struct{ c types.Connection }

func (o addConnection) apply(tx *sql.Tx, s *Store) error {
	_, err := tx.Exec(`
		INSERT INTO connections (
			id, pid, fd, incarnation, alias, remote_addr, incoming,
			opened_at, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uint64(o.c.ID), o.c.Pid, o.c.Fd, o.c.Incarnation, o.c.Alias,
		o.c.RemoteAddr, o.c.Incoming, ns(o.c.OpenedAt), string(o.c.State))
	return err
}

func (s *Store) AddConnection(c types.Connection) {
	s.enqueue(addConnection{c})
}

type updateConnection struct{ c types.Connection }

func (o updateConnection) apply(tx *sql.Tx, s *Store) error {
	var closedAt interface{}
	if !o.c.ClosedAt.IsZero() {
		closedAt = ns(o.c.ClosedAt)
	}
	_, err := tx.Exec(`
		UPDATE connections SET
			state = ?, closed_at = ?,
			bytes_in = ?, bytes_out = ?,
			decrypted_in = ?, decrypted_out = ?,
			failed_in = ?, failed_out = ?,
			messages_in = ?, messages_out = ?,
			desynced_in = ?, desynced_out = ?
		WHERE id = ?`,
		string(o.c.State), closedAt,
		o.c.StatsIn.TotalBytes, o.c.StatsOut.TotalBytes,
		o.c.StatsIn.DecryptedBytes, o.c.StatsOut.DecryptedBytes,
		o.c.StatsIn.FailedBytes, o.c.StatsOut.FailedBytes,
		o.c.StatsIn.Messages, o.c.StatsOut.Messages,
		o.c.StatsIn.Desynced, o.c.StatsOut.Desynced,
		uint64(o.c.ID))
	return err
}

// UpdateConnection flushes the in-memory counters of one connection.
func (s *Store) UpdateConnection(c types.Connection) {
	s.enqueue(updateConnection{c})
}

type addStream struct{ st types.Stream }

func (o addStream) apply(tx *sql.Tx, s *Store) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO streams (
			connection_id, stream_id, kind, incoming, opened_at
		) VALUES (?, ?, ?, ?, ?)`,
		uint64(o.st.ConnectionID), int64(o.st.StreamID), o.st.Kind.String(),
		o.st.Incoming, ns(o.st.OpenedAt))
	return err
}

func (s *Store) AddStream(st types.Stream) {
	s.enqueue(addStream{st})
}

type endStream struct{ st types.Stream }

func (o endStream) apply(tx *sql.Tx, s *Store) error {
	_, err := tx.Exec(`
		UPDATE streams SET closed_at = ?, reset = ?
		WHERE connection_id = ? AND stream_id = ?`,
		ns(o.st.ClosedAt), o.st.Reset,
		uint64(o.st.ConnectionID), int64(o.st.StreamID))
	return err
}

func (s *Store) EndStream(st types.Stream) {
	s.enqueue(endStream{st})
}

type addMessage struct {
	m       types.Message
	body    []byte
	decoded []byte
}

func (o addMessage) apply(tx *sql.Tx, s *Store) error {
	var inline []byte
	var segment, offset, length interface{}
	if len(o.body) > s.cfg.BlobThreshold {
		ref, err := s.blobs.put(o.body)
		if err != nil {
			return err
		}
		segment, offset, length = ref.Segment, ref.Offset, ref.Len
	} else {
		inline = o.body
	}
	var decoded interface{}
	if len(o.decoded) > 0 {
		decoded = string(o.decoded)
	}
	_, err := tx.Exec(`
		INSERT INTO messages (
			id, connection_id, remote_addr, stream_id, stream_kind,
			message_kind, incoming, timestamp, size, brief, parse_error,
			decoded, body, blob_segment, blob_offset, blob_len
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uint64(o.m.ID), uint64(o.m.ConnectionID), o.m.RemoteAddr,
		int64(o.m.StreamID), o.m.StreamKind.String(), string(o.m.Kind),
		o.m.Incoming, ns(o.m.Timestamp), o.m.Size, o.m.Brief,
		o.m.ParseError, decoded, inline, segment, offset, length)
	return err
}

// AddMessage persists one frame record with its body, spilling large
// bodies to the blob sidecar.
func (s *Store) AddMessage(m types.Message, body, decoded []byte) {
	if s.dumps != nil {
		s.dumps.append(m.ConnectionID, m.StreamID, body)
	}
	s.enqueue(addMessage{m, body, decoded})
}

type addBlockObservation struct {
	height     uint32
	hash       string
	producer   string
	globalSlot uint32
	obs        types.BlockObservation
}

func (o addBlockObservation) apply(tx *sql.Tx, s *Store) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO blocks (height, hash, producer, global_slot, first_seen)
		VALUES (?, ?, ?, ?, ?)`,
		o.height, o.hash, o.producer, o.globalSlot, ns(o.obs.Timestamp))
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO block_observations (
			height, hash, connection_id, message_id, remote_addr, incoming, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.height, o.hash, uint64(o.obs.ConnectionID), uint64(o.obs.MessageID),
		o.obs.RemoteAddr, o.obs.Incoming, ns(o.obs.Timestamp))
	return err
}

// AddBlockObservation upserts the block and appends one observation.
func (s *Store) AddBlockObservation(height uint32, hash, producer string, globalSlot uint32, obs types.BlockObservation) {
	s.enqueue(addBlockObservation{height, hash, producer, globalSlot, obs})
}

type addIPCEvent struct {
	ev   types.IPCEvent
	body []byte
}

func (o addIPCEvent) apply(tx *sql.Tx, s *Store) error {
	_, err := tx.Exec(`
		INSERT INTO ipc_events (pid, height, incoming, timestamp, kind, size, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ev.Pid, o.ev.Height, o.ev.Incoming, ns(o.ev.Timestamp),
		o.ev.Kind, o.ev.Size, o.body)
	return err
}

func (s *Store) AddIPCEvent(ev types.IPCEvent, body []byte) {
	s.enqueue(addIPCEvent{ev, body})
}

type addGap struct{ g types.Gap }

func (o addGap) apply(tx *sql.Tx, s *Store) error {
	_, err := tx.Exec(`
		INSERT INTO gaps (pid, fd, connection_id, incoming, dropped, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.g.Pid, o.g.Fd, uint64(o.g.ConnectionID), o.g.Incoming,
		o.g.Dropped, ns(o.g.Timestamp))
	return err
}

// AddGap persists a data-loss marker caused by ring overflow.
func (s *Store) AddGap(g types.Gap) {
	s.enqueue(addGap{g})
}
