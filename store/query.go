package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"peerscope/types"
)

// Query surface backing the HTTP API. All scans are bounded: a query never
// returns more than MaxLimit rows and reports the last id seen so the
// caller can continue.

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Page carries pagination state back to the caller.
type Page struct {
	// NextID is the continuation token: pass it as FromID to resume.
	NextID *uint64 `json:"next_id,omitempty"`
	// Truncated marks a result cut short by the row limit.
	Truncated bool `json:"truncated"`
}

type MessageQuery struct {
	ConnectionID  *uint64
	StreamID      *int64
	StreamKind    string
	MessageKind   string
	Addr          string
	TimestampFrom *time.Time
	TimestampTo   *time.Time
	FromID        *uint64
	Limit         int
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func (s *Store) FetchMessages(q MessageQuery) ([]types.Message, Page, error) {
	limit := clampLimit(q.Limit)

	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		where = append(where, cond)
		args = append(args, v)
	}
	if q.FromID != nil {
		add("id >= ?", *q.FromID)
	}
	if q.ConnectionID != nil {
		add("connection_id = ?", *q.ConnectionID)
	}
	if q.StreamID != nil {
		add("stream_id = ?", *q.StreamID)
	}
	if q.StreamKind != "" {
		add("stream_kind = ?", q.StreamKind)
	}
	if q.MessageKind != "" {
		add("message_kind = ?", q.MessageKind)
	}
	if q.Addr != "" {
		add("remote_addr = ?", q.Addr)
	}
	if q.TimestampFrom != nil {
		add("timestamp >= ?", q.TimestampFrom.UnixNano())
	}
	if q.TimestampTo != nil {
		add("timestamp < ?", q.TimestampTo.UnixNano())
	}

	query := `SELECT id, connection_id, remote_addr, stream_id, stream_kind,
		message_kind, incoming, timestamp, size, brief, parse_error
		FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.reads.Query(query, args...)
	if err != nil {
		return nil, Page{}, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, Page{}, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, Page{}, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}

	var page Page
	if len(out) > limit {
		next := uint64(out[limit].ID)
		out = out[:limit]
		page = Page{NextID: &next, Truncated: true}
	}
	return out, page, nil
}

type rowScanner interface{ Scan(dest ...interface{}) error }

func scanMessage(r rowScanner) (types.Message, error) {
	var m types.Message
	var id, cn uint64
	var streamID int64
	var streamKind, messageKind string
	var tsNs int64
	var brief, parseErr, addr sql.NullString
	if err := r.Scan(&id, &cn, &addr, &streamID, &streamKind, &messageKind,
		&m.Incoming, &tsNs, &m.Size, &brief, &parseErr); err != nil {
		return m, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	m.ID = types.MessageID(id)
	m.ConnectionID = types.ConnectionID(cn)
	m.RemoteAddr = addr.String
	m.StreamID = types.StreamID(streamID)
	m.StreamKind = types.ParseStreamKind(streamKind)
	m.Kind = types.MessageKind(messageKind)
	m.Timestamp = time.Unix(0, tsNs)
	m.Brief = brief.String
	m.ParseError = parseErr.String
	return m, nil
}

// FetchMessageBody resolves one message with its raw body (inline or from
// the blob sidecar) and its decoded JSON.
func (s *Store) FetchMessageBody(id uint64) (types.Message, []byte, []byte, error) {
	row := s.reads.QueryRow(`SELECT id, connection_id, remote_addr, stream_id,
		stream_kind, message_kind, incoming, timestamp, size, brief, parse_error,
		decoded, body, blob_segment, blob_offset, blob_len
		FROM messages WHERE id = ?`, id)

	var m types.Message
	var mid, cn uint64
	var streamID int64
	var streamKind, messageKind string
	var tsNs int64
	var brief, parseErr, addr, decoded sql.NullString
	var body []byte
	var segment, offset, length sql.NullInt64
	err := row.Scan(&mid, &cn, &addr, &streamID, &streamKind, &messageKind,
		&m.Incoming, &tsNs, &m.Size, &brief, &parseErr,
		&decoded, &body, &segment, &offset, &length)
	if err == sql.ErrNoRows {
		return m, nil, nil, err
	}
	if err != nil {
		return m, nil, nil, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	m.ID = types.MessageID(mid)
	m.ConnectionID = types.ConnectionID(cn)
	m.RemoteAddr = addr.String
	m.StreamID = types.StreamID(streamID)
	m.StreamKind = types.ParseStreamKind(streamKind)
	m.Kind = types.MessageKind(messageKind)
	m.Timestamp = time.Unix(0, tsNs)
	m.Brief = brief.String
	m.ParseError = parseErr.String

	if segment.Valid {
		body, err = s.blobs.get(BlobRef{
			Segment: uint32(segment.Int64),
			Offset:  offset.Int64,
			Len:     length.Int64,
		})
		if err != nil {
			return m, nil, nil, err
		}
	}
	return m, body, []byte(decoded.String), nil
}

type ConnectionQuery struct {
	Addr          string
	TimestampFrom *time.Time
	TimestampTo   *time.Time
	FromID        *uint64
	Limit         int
}

func (s *Store) FetchConnections(q ConnectionQuery) ([]types.Connection, Page, error) {
	limit := clampLimit(q.Limit)

	var where []string
	var args []interface{}
	if q.FromID != nil {
		where = append(where, "id >= ?")
		args = append(args, *q.FromID)
	}
	if q.Addr != "" {
		where = append(where, "remote_addr = ?")
		args = append(args, q.Addr)
	}
	if q.TimestampFrom != nil {
		where = append(where, "opened_at >= ?")
		args = append(args, q.TimestampFrom.UnixNano())
	}
	if q.TimestampTo != nil {
		where = append(where, "opened_at < ?")
		args = append(args, q.TimestampTo.UnixNano())
	}

	query := `SELECT id, pid, fd, incarnation, alias, remote_addr, incoming,
		opened_at, closed_at, state,
		bytes_in, bytes_out, decrypted_in, decrypted_out,
		failed_in, failed_out, messages_in, messages_out,
		desynced_in, desynced_out
		FROM connections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.reads.Query(query, args...)
	if err != nil {
		return nil, Page{}, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	defer rows.Close()

	var out []types.Connection
	for rows.Next() {
		var c types.Connection
		var id uint64
		var alias, addr sql.NullString
		var openedNs int64
		var closedNs sql.NullInt64
		var state string
		if err := rows.Scan(&id, &c.Pid, &c.Fd, &c.Incarnation, &alias, &addr,
			&c.Incoming, &openedNs, &closedNs, &state,
			&c.StatsIn.TotalBytes, &c.StatsOut.TotalBytes,
			&c.StatsIn.DecryptedBytes, &c.StatsOut.DecryptedBytes,
			&c.StatsIn.FailedBytes, &c.StatsOut.FailedBytes,
			&c.StatsIn.Messages, &c.StatsOut.Messages,
			&c.StatsIn.Desynced, &c.StatsOut.Desynced); err != nil {
			return nil, Page{}, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
		}
		c.ID = types.ConnectionID(id)
		c.Alias = alias.String
		c.RemoteAddr = addr.String
		c.OpenedAt = time.Unix(0, openedNs)
		if closedNs.Valid {
			c.ClosedAt = time.Unix(0, closedNs.Int64)
		}
		c.State = types.ConnectionState(state)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, Page{}, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}

	var page Page
	if len(out) > limit {
		next := uint64(out[limit].ID)
		out = out[:limit]
		page = Page{NextID: &next, Truncated: true}
	}
	return out, page, nil
}

// FetchBlocks returns every block seen at one height, observations joined.
func (s *Store) FetchBlocks(height uint32) ([]types.BlockRecord, error) {
	rows, err := s.reads.Query(`SELECT height, hash, producer, global_slot, first_seen
		FROM blocks WHERE height = ? ORDER BY first_seen`, height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	defer rows.Close()

	var out []types.BlockRecord
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	for i := range out {
		if err := s.loadObservations(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FetchBlock returns one block by hash.
func (s *Store) FetchBlock(hash string) (types.BlockRecord, error) {
	row := s.reads.QueryRow(`SELECT height, hash, producer, global_slot, first_seen
		FROM blocks WHERE hash = ?`, hash)
	b, err := scanBlock(row)
	if err != nil {
		return b, err
	}
	if err := s.loadObservations(&b); err != nil {
		return b, err
	}
	return b, nil
}

func scanBlock(r rowScanner) (types.BlockRecord, error) {
	var b types.BlockRecord
	var producer sql.NullString
	var slot sql.NullInt64
	var firstNs int64
	if err := r.Scan(&b.Height, &b.Hash, &producer, &slot, &firstNs); err != nil {
		if err == sql.ErrNoRows {
			return b, err
		}
		return b, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	b.Producer = producer.String
	b.GlobalSlot = uint32(slot.Int64)
	b.FirstSeen = time.Unix(0, firstNs)
	return b, nil
}

func (s *Store) loadObservations(b *types.BlockRecord) error {
	rows, err := s.reads.Query(`SELECT connection_id, message_id, remote_addr, incoming, timestamp
		FROM block_observations WHERE height = ? AND hash = ? ORDER BY timestamp`,
		b.Height, b.Hash)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	defer rows.Close()
	for rows.Next() {
		var o types.BlockObservation
		var cn, mid uint64
		var addr sql.NullString
		var tsNs int64
		if err := rows.Scan(&cn, &mid, &addr, &o.Incoming, &tsNs); err != nil {
			return fmt.Errorf("%w: %v", types.ErrStoreIO, err)
		}
		o.ConnectionID = types.ConnectionID(cn)
		o.MessageID = types.MessageID(mid)
		o.RemoteAddr = addr.String
		o.Timestamp = time.Unix(0, tsNs)
		b.Observations = append(b.Observations, o)
	}
	return rows.Err()
}

// FetchIPCEvents lists decoded helper stdio frames, optionally at one
// block height.
func (s *Store) FetchIPCEvents(height *uint32, fromID *uint64, limit int) ([]types.IPCEvent, Page, error) {
	limit = clampLimit(limit)
	var where []string
	var args []interface{}
	if height != nil {
		where = append(where, "height = ?")
		args = append(args, *height)
	}
	if fromID != nil {
		where = append(where, "id >= ?")
		args = append(args, *fromID)
	}
	query := `SELECT id, pid, height, incoming, timestamp, kind, size FROM ipc_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.reads.Query(query, args...)
	if err != nil {
		return nil, Page{}, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	defer rows.Close()

	var out []types.IPCEvent
	var page Page
	for rows.Next() {
		var ev types.IPCEvent
		var id uint64
		var height sql.NullInt64
		var tsNs int64
		if err := rows.Scan(&id, &ev.Pid, &height, &ev.Incoming, &tsNs, &ev.Kind, &ev.Size); err != nil {
			return nil, Page{}, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
		}
		ev.Height = uint32(height.Int64)
		ev.Timestamp = time.Unix(0, tsNs)
		if len(out) == limit {
			next := id
			page = Page{NextID: &next, Truncated: true}
			break
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, Page{}, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	return out, page, nil
}

// Summary are the aggregate statistics pushed to the aggregator.
type Summary struct {
	Connections  uint64              `json:"connections"`
	Messages     uint64              `json:"messages"`
	Blocks       uint64              `json:"blocks"`
	IPCEvents    uint64              `json:"ipc_events"`
	Gaps         uint64              `json:"gaps"`
	RecentBlocks []types.BlockRecord `json:"recent_blocks,omitempty"`
}

func (s *Store) FetchSummary() (Summary, error) {
	var sum Summary
	counts := []struct {
		query string
		dst   *uint64
	}{
		{`SELECT COUNT(*) FROM connections`, &sum.Connections},
		{`SELECT COUNT(*) FROM messages`, &sum.Messages},
		{`SELECT COUNT(*) FROM blocks`, &sum.Blocks},
		{`SELECT COUNT(*) FROM ipc_events`, &sum.IPCEvents},
		{`SELECT COUNT(*) FROM gaps`, &sum.Gaps},
	}
	for _, c := range counts {
		if err := s.reads.QueryRow(c.query).Scan(c.dst); err != nil {
			return sum, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
		}
	}

	rows, err := s.reads.Query(`SELECT height, hash, producer, global_slot, first_seen
		FROM blocks ORDER BY height DESC LIMIT 5`)
	if err != nil {
		return sum, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}
	defer rows.Close()
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return sum, err
		}
		if err := s.loadObservations(&b); err != nil {
			return sum, err
		}
		sum.RecentBlocks = append(sum.RecentBlocks, b)
	}
	return sum, rows.Err()
}
