// Package store is the indexed persistence layer: an embedded SQLite
// database in WAL mode for records and secondary indices, an append-only
// zstd blob sidecar for large message bodies, and optional raw per-stream
// dumps for post-mortem analysis.
//
// Writes flow through a single writer goroutine consuming a bounded
// channel and applying batches transactionally; readers use a separate
// read-only pool against the WAL snapshot. The write queue is the only
// backpressure point of the pipeline.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"peerscope/types"
)

const (
	// bodies above this size go to the blob sidecar
	DefaultBlobThreshold = 4096
	defaultQueueSize     = 8192
	batchSize            = 256
	flushInterval        = 500 * time.Millisecond
	writeRetries         = 5
)

type Config struct {
	Path          string
	BlobThreshold int
	QueueSize     int
	// DumpStreams mirrors every decrypted stream into db/streams/ files
	DumpStreams bool
}

type Store struct {
	cfg   Config
	db    *sql.DB // writer; only the writer goroutine touches it
	reads *sql.DB

	blobs *blobStore
	dumps *streamDumps

	ops    chan op
	wg     sync.WaitGroup
	fatal  chan error
	closed atomic.Bool

	msgID atomic.Uint64

	log *zap.Logger
}

type op interface{ apply(tx *sql.Tx, s *Store) error }

// barrier is a synchronization op: everything enqueued before it is
// committed once ack fires.
type barrier struct{ ack chan struct{} }

func (b barrier) apply(*sql.Tx, *Store) error { return nil }

func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if cfg.BlobThreshold == 0 {
		cfg.BlobThreshold = DefaultBlobThreshold
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	primary := filepath.Join(cfg.Path, "primary")
	if err := os.MkdirAll(primary, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreIO, err)
	}

	dsn := filepath.Join(primary, "peerscope.db")
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", types.ErrStoreIO, err)
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", types.ErrStoreIO, err)
	}

	reads, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: open read pool: %v", types.ErrStoreIO, err)
	}

	blobs, err := openBlobStore(filepath.Join(cfg.Path, "blobs"))
	if err != nil {
		db.Close()
		reads.Close()
		return nil, err
	}

	s := &Store{
		cfg:   cfg,
		db:    db,
		reads: reads,
		blobs: blobs,
		ops:   make(chan op, cfg.QueueSize),
		fatal: make(chan error, 1),
		log:   log,
	}
	if cfg.DumpStreams {
		s.dumps = newStreamDumps(filepath.Join(cfg.Path, "streams"))
	}

	// resume the id counter so replayed runs keep ids monotonic
	var maxID sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(id) FROM messages`).Scan(&maxID); err == nil && maxID.Valid {
		s.msgID.Store(uint64(maxID.Int64))
	}

	s.wg.Add(1)
	go s.writerLoop()
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY,
		pid INTEGER NOT NULL,
		fd INTEGER NOT NULL,
		incarnation INTEGER NOT NULL,
		alias TEXT,
		remote_addr TEXT,
		incoming INTEGER NOT NULL,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER,
		state TEXT NOT NULL,
		bytes_in INTEGER DEFAULT 0,
		bytes_out INTEGER DEFAULT 0,
		decrypted_in INTEGER DEFAULT 0,
		decrypted_out INTEGER DEFAULT 0,
		failed_in INTEGER DEFAULT 0,
		failed_out INTEGER DEFAULT 0,
		messages_in INTEGER DEFAULT 0,
		messages_out INTEGER DEFAULT 0,
		desynced_in INTEGER DEFAULT 0,
		desynced_out INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_connections_opened ON connections(opened_at, id);
	CREATE INDEX IF NOT EXISTS idx_connections_addr ON connections(remote_addr, id);

	CREATE TABLE IF NOT EXISTS streams (
		connection_id INTEGER NOT NULL,
		stream_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		incoming INTEGER NOT NULL,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER,
		reset INTEGER DEFAULT 0,
		PRIMARY KEY (connection_id, stream_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		connection_id INTEGER NOT NULL,
		remote_addr TEXT,
		stream_id INTEGER NOT NULL,
		stream_kind TEXT NOT NULL,
		message_kind TEXT NOT NULL,
		incoming INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		size INTEGER NOT NULL,
		brief TEXT,
		parse_error TEXT,
		decoded TEXT,
		body BLOB,
		blob_segment INTEGER,
		blob_offset INTEGER,
		blob_len INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_connection ON messages(connection_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_stream_kind ON messages(stream_kind, id);
	CREATE INDEX IF NOT EXISTS idx_messages_message_kind ON messages(message_kind, id);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp, id);
	CREATE INDEX IF NOT EXISTS idx_messages_addr ON messages(remote_addr, id);

	CREATE TABLE IF NOT EXISTS blocks (
		height INTEGER NOT NULL,
		hash TEXT NOT NULL,
		producer TEXT,
		global_slot INTEGER,
		first_seen INTEGER NOT NULL,
		PRIMARY KEY (height, hash)
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_hash ON blocks(hash);

	CREATE TABLE IF NOT EXISTS block_observations (
		height INTEGER NOT NULL,
		hash TEXT NOT NULL,
		connection_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		remote_addr TEXT,
		incoming INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_observations_block ON block_observations(height, hash, timestamp);

	CREATE TABLE IF NOT EXISTS ipc_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		height INTEGER,
		incoming INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		size INTEGER NOT NULL,
		body BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_ipc_height ON ipc_events(height, id);

	CREATE TABLE IF NOT EXISTS gaps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		fd INTEGER NOT NULL,
		connection_id INTEGER,
		incoming INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// NextMessageID hands out the process-wide monotonic message id. Callers
// assign ids in capture order within one connection direction.
func (s *Store) NextMessageID() types.MessageID {
	return types.MessageID(s.msgID.Add(1))
}

// Fatal delivers the error that killed the writer, if any. Loss of
// durability compromises correctness, so the coordinator treats it as
// process-fatal.
func (s *Store) Fatal() <-chan error { return s.fatal }

// enqueue blocks when the write queue is full: bounded backpressure within
// userspace, the ring itself is never backpressured.
func (s *Store) enqueue(o op) {
	if s.closed.Load() {
		return
	}
	s.ops <- o
}

// Flush blocks until everything enqueued so far is committed.
func (s *Store) Flush() {
	b := barrier{ack: make(chan struct{})}
	s.enqueue(b)
	<-b.ack
}

// Close flushes, stops the writer and closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.ops)
	s.wg.Wait()
	s.blobs.close()
	if s.dumps != nil {
		s.dumps.close()
	}
	s.reads.Close()
	// merge the WAL back so a fresh open replays nothing
	s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return s.db.Close()
}

// writerLoop is the store's only writer: it drains the op channel into
// transactions of at most batchSize ops, committing at the latest every
// flushInterval.
func (s *Store) writerLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var pending []op
	var barriers []barrier

	commit := func() {
		if len(pending) == 0 {
			for _, b := range barriers {
				close(b.ack)
			}
			barriers = nil
			return
		}
		if err := s.commitBatch(pending); err != nil {
			s.log.Error("store writer giving up", zap.Error(err))
			select {
			case s.fatal <- err:
			default:
			}
		}
		pending = pending[:0]
		for _, b := range barriers {
			close(b.ack)
		}
		barriers = nil
	}

	for {
		select {
		case o, ok := <-s.ops:
			if !ok {
				commit()
				return
			}
			if b, isBarrier := o.(barrier); isBarrier {
				barriers = append(barriers, b)
				commit()
				continue
			}
			pending = append(pending, o)
			if len(pending) >= batchSize {
				commit()
			}
		case <-ticker.C:
			commit()
		}
	}
}

// commitBatch applies one transaction, retrying transient failures with
// backoff. After the retry budget the error is returned and treated as
// fatal by the caller.
func (s *Store) commitBatch(ops []op) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		err = s.tryCommit(ops)
		if err == nil {
			return nil
		}
		s.log.Warn("store write failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("%w: %v", types.ErrStoreIO, err)
}

func (s *Store) tryCommit(ops []op) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, o := range ops {
		if err := o.apply(tx, s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func ns(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
