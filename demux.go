package main

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peerscope/parser"
	"peerscope/protocol"
	"peerscope/store"
	"peerscope/types"
)

// pid-exit close records carry this fd
const fdPidExit = ^uint32(0)

// demux routes raw events by (pid, fd) to per-connection actors. It runs
// entirely on the ring drainer goroutine; the actors it feeds each own a
// goroutine, so one slow connection cannot stall the others, and all state
// of one connection stays unsynchronized on its actor.
type demux struct {
	cfg   *Config
	db    *store.Store
	rand  *protocol.Randomness
	log   *zap.Logger
	clock *eventClock

	targets map[uint32]string // pid -> alias
	conns   map[connKey]*connActor
	incarn  map[connKey]uint32
	seqs    map[connKey]uint32
	ipc     map[uint32]*ipcDecoder

	nextConnID uint64

	// highest block height seen, stamps IPC events
	latestHeight atomic.Uint32

	// test mode: closes once a connection that carried traffic both ways
	// has finished
	captured     chan struct{}
	capturedOnce sync.Once

	wg sync.WaitGroup
}

type connKey struct {
	pid uint32
	fd  uint32
}

// eventClock anchors kernel monotonic timestamps to wall clock at the
// first event, like the capture origin of every run.
type eventClock struct {
	origin    time.Time
	originNs  uint64
	originSet bool
}

func (c *eventClock) at(tsNs uint64) time.Time {
	if !c.originSet {
		c.origin = time.Now()
		c.originNs = tsNs
		c.originSet = true
	}
	return c.origin.Add(time.Duration(int64(tsNs) - int64(c.originNs)))
}

func newDemux(cfg *Config, db *store.Store, rand *protocol.Randomness, log *zap.Logger) *demux {
	return &demux{
		cfg:      cfg,
		db:       db,
		rand:     rand,
		log:      log,
		clock:    &eventClock{},
		targets:  make(map[uint32]string),
		conns:    make(map[connKey]*connActor),
		incarn:   make(map[connKey]uint32),
		seqs:     make(map[connKey]uint32),
		ipc:      make(map[uint32]*ipcDecoder),
		captured: make(chan struct{}),
	}
}

// Captured fires in test mode when a connection that has seen traffic in
// both directions finishes.
func (d *demux) Captured() <-chan struct{} { return d.captured }

// HandleEvent consumes one ring record. Called from the single ring
// drainer only.
func (d *demux) HandleEvent(ev types.RawEvent) {
	ts := d.clock.at(ev.Timestamp)

	switch ev.Kind {
	case types.EVENT_EXEC:
		alias := string(ev.Payload)
		d.log.Info("target helper detected", zap.Uint32("pid", ev.Pid), zap.String("alias", alias))
		d.targets[ev.Pid] = alias

	case types.EVENT_CONNECT, types.EVENT_ACCEPT:
		d.checkSeq(ev, ts)
		addr, err := parseSockaddr(ev.Payload)
		if err != nil {
			d.log.Debug("unparseable peer address", zap.Error(err))
			return
		}
		key := connKey{ev.Pid, ev.Fd}
		if old, ok := d.conns[key]; ok {
			// fd reused without a close record
			d.log.Warn("new connection on open fd",
				zap.Uint32("pid", ev.Pid), zap.Uint32("fd", ev.Fd))
			d.finishActor(old, ts)
		}
		d.openConn(key, addr, ev.Kind == types.EVENT_ACCEPT, ts)

	case types.EVENT_READ_SOCK, types.EVENT_WRITE_SOCK:
		d.checkSeq(ev, ts)
		key := connKey{ev.Pid, ev.Fd}
		actor, ok := d.conns[key]
		if !ok {
			// traffic on an fd connected before we attached
			return
		}
		actor.push(connMsg{
			incoming: ev.Kind == types.EVENT_READ_SOCK,
			ts:       ts,
			data:     ev.Payload,
		})

	case types.EVENT_READ_PIPE, types.EVENT_WRITE_PIPE:
		dec, ok := d.ipc[ev.Pid]
		if !ok {
			dec = newIPCDecoder(ev.Pid, d)
			d.ipc[ev.Pid] = dec
		}
		dec.push(ev.Kind == types.EVENT_READ_PIPE, ts, ev.Payload)

	case types.EVENT_RANDOM:
		d.rand.Add(ev.Pid, ts, ev.Payload)

	case types.EVENT_CLOSE:
		if ev.Fd == fdPidExit {
			d.pidExit(ev.Pid, ts)
			return
		}
		key := connKey{ev.Pid, ev.Fd}
		if actor, ok := d.conns[key]; ok {
			d.finishActor(actor, ts)
			delete(d.conns, key)
		}
		delete(d.seqs, key)

	case types.EVENT_OVERFLOW:
		d.handleOverflow(ev, ts)
	}
}

func (d *demux) openConn(key connKey, addr string, incoming bool, ts time.Time) {
	d.incarn[key]++
	d.nextConnID++
	id := types.ConnectionID(d.nextConnID)

	c := types.Connection{
		ID:          id,
		Pid:         key.pid,
		Fd:          key.fd,
		Incarnation: d.incarn[key],
		Alias:       d.targets[key.pid],
		RemoteAddr:  addr,
		Incoming:    incoming,
		OpenedAt:    ts,
		State:       types.StateHandshaking,
	}
	actor := newConnActor(d, c)
	d.conns[key] = actor
	d.db.AddConnection(c)
	connectionsOpen.Inc()
	d.log.Info("connection opened",
		zap.Stringer("connection", id),
		zap.String("addr", addr),
		zap.Bool("incoming", incoming),
		zap.Uint32("pid", key.pid), zap.Uint32("fd", key.fd))
}

// checkSeq watches the per-(pid,fd) continuation counter; a hole means the
// ring dropped records for this descriptor.
func (d *demux) checkSeq(ev types.RawEvent, ts time.Time) {
	key := connKey{ev.Pid, ev.Fd}
	last, seen := d.seqs[key]
	d.seqs[key] = ev.Seq
	if !seen || ev.Seq == last+1 {
		return
	}
	d.log.Warn("sequence gap",
		zap.Uint32("pid", ev.Pid), zap.Uint32("fd", ev.Fd),
		zap.Uint32("have", last), zap.Uint32("got", ev.Seq))
	d.desync(key, ev.Kind == types.EVENT_READ_SOCK, uint64(ev.Seq-last-1), ts)
}

func (d *demux) handleOverflow(ev types.RawEvent, ts time.Time) {
	droppedKind, count := decodeOverflow(ev.Payload)
	droppedRecords.Add(float64(count))
	// the overflow record itself consumed a sequence number
	d.seqs[connKey{ev.Pid, ev.Fd}] = ev.Seq
	incoming := droppedKind == types.EVENT_READ_SOCK || droppedKind == types.EVENT_READ_PIPE
	d.desync(connKey{ev.Pid, ev.Fd}, incoming, count, ts)
}

// desync records the data loss and poisons the affected direction only;
// the opposite direction and every other connection continue.
func (d *demux) desync(key connKey, incoming bool, dropped uint64, ts time.Time) {
	gap := types.Gap{
		Pid:       key.pid,
		Fd:        key.fd,
		Incoming:  incoming,
		Dropped:   dropped,
		Timestamp: ts,
	}
	if actor, ok := d.conns[key]; ok {
		gap.ConnectionID = actor.conn.ID
		actor.push(connMsg{desync: true, incoming: incoming, ts: ts})
	}
	d.db.AddGap(gap)
}

func (d *demux) pidExit(pid uint32, ts time.Time) {
	d.log.Info("target exited", zap.Uint32("pid", pid))
	for key, actor := range d.conns {
		if key.pid == pid {
			d.finishActor(actor, ts)
			delete(d.conns, key)
			delete(d.seqs, key)
		}
	}
	if dec, ok := d.ipc[pid]; ok {
		dec.flush(ts)
		delete(d.ipc, pid)
	}
	d.rand.DropPid(pid)
	delete(d.targets, pid)
}

func (d *demux) finishActor(actor *connActor, ts time.Time) {
	actor.push(connMsg{close: true, ts: ts})
	connectionsOpen.Dec()
}

// Shutdown closes every actor and waits for them to flush.
func (d *demux) Shutdown(ts time.Time) {
	for key, actor := range d.conns {
		d.finishActor(actor, ts)
		delete(d.conns, key)
	}
	d.wg.Wait()
}

// connMsg is one mailbox entry of a connection actor.
type connMsg struct {
	incoming bool
	ts       time.Time
	data     []byte
	desync   bool
	close    bool
}

// connActor owns all state of one connection: the protocol decoder, the
// per-stream parsers and the persisted record. Its mailbox preserves
// capture order; the goroutine is the only toucher of the state, so none
// of it is locked.
type connActor struct {
	d    *demux
	conn types.Connection
	dec  *protocol.Conn

	decoders map[types.StreamID]*parser.StreamDecoder

	mailbox chan connMsg
	// events since the last counter flush
	sinceFlush int
}

const mailboxSize = 1024

func newConnActor(d *demux, c types.Connection) *connActor {
	a := &connActor{
		d:        d,
		conn:     c,
		decoders: make(map[types.StreamID]*parser.StreamDecoder),
		mailbox:  make(chan connMsg, mailboxSize),
	}
	a.dec = protocol.NewConn(c.ID, c.Pid, c.Incoming, d.cfg.ChainID, d.rand, a, d.log)
	d.wg.Add(1)
	go a.run()
	return a
}

func (a *connActor) push(m connMsg) {
	a.mailbox <- m
}

func (a *connActor) run() {
	defer a.d.wg.Done()
	for m := range a.mailbox {
		switch {
		case m.close:
			a.finish(m.ts)
			return
		case m.desync:
			a.dec.Desync(m.incoming)
		default:
			a.dec.OnData(m.incoming, m.ts, m.data)
			if m.incoming {
				bytesCaptured.WithLabelValues("in").Add(float64(len(m.data)))
			} else {
				bytesCaptured.WithLabelValues("out").Add(float64(len(m.data)))
			}
		}
		a.sinceFlush++
		if a.sinceFlush >= 64 {
			a.flushCounters()
		}
	}
}

func (a *connActor) flushCounters() {
	a.sinceFlush = 0
	a.conn.StatsIn = a.dec.StatsIn()
	a.conn.StatsOut = a.dec.StatsOut()
	a.conn.State = a.dec.State()
	a.d.db.UpdateConnection(a.conn)
}

func (a *connActor) finish(ts time.Time) {
	a.conn.ClosedAt = ts
	a.conn.StatsIn = a.dec.StatsIn()
	a.conn.StatsOut = a.dec.StatsOut()
	state := a.dec.State()
	if state == types.StateHandshaking || state == types.StateSecure {
		state = types.StateClosed
	}
	a.conn.State = state
	a.d.db.UpdateConnection(a.conn)
	a.dec.Close()
	a.d.log.Info("connection closed",
		zap.Stringer("connection", a.conn.ID),
		zap.Uint64("bytes_in", a.conn.StatsIn.TotalBytes),
		zap.Uint64("bytes_out", a.conn.StatsOut.TotalBytes),
		zap.Uint64("decrypted_in", a.conn.StatsIn.DecryptedBytes),
		zap.Uint64("decrypted_out", a.conn.StatsOut.DecryptedBytes))
	if (a.d.cfg.Test || a.d.cfg.Terminate) && a.conn.StatsIn.TotalBytes > 0 && a.conn.StatsOut.TotalBytes > 0 {
		a.d.capturedOnce.Do(func() { close(a.d.captured) })
	}
}

// The actor is the protocol decoder's sink: everything below lands in the
// store, tagged with this connection.

func (a *connActor) OnStream(id types.StreamID, kind types.StreamKind, incoming bool, ts time.Time) {
	a.d.db.AddStream(types.Stream{
		ConnectionID: a.conn.ID,
		StreamID:     id,
		Kind:         kind,
		Incoming:     incoming,
		OpenedAt:     ts,
	})
}

func (a *connActor) OnStreamEnd(id types.StreamID, reset bool, ts time.Time) {
	a.d.db.EndStream(types.Stream{
		ConnectionID: a.conn.ID,
		StreamID:     id,
		ClosedAt:     ts,
		Reset:        reset,
	})
	delete(a.decoders, id)
}

func (a *connActor) OnSelectToken(id types.StreamID, token string, incoming bool, ts time.Time) {
	a.addMessage(types.Message{
		StreamID:   id,
		StreamKind: types.StreamKindSelect,
		Kind:       types.KindSelect,
		Incoming:   incoming,
		Timestamp:  ts,
		Size:       uint32(len(token)),
		Brief:      token,
	}, []byte(token), nil, nil)
}

func (a *connActor) OnHandshakePayload(payload []byte, incoming bool, ts time.Time) {
	r := parser.DecodeHandshakePayload(payload)
	a.addMessage(types.Message{
		StreamID:   types.StreamHandshake,
		StreamKind: types.StreamKindHandshake,
		Kind:       r.Kind,
		Incoming:   incoming,
		Timestamp:  ts,
		Size:       uint32(len(payload)),
		Brief:      r.Brief,
	}, payload, r.JSON, nil)
}

func (a *connActor) OnFrame(f protocol.Frame) {
	dec, ok := a.decoders[f.StreamID]
	if !ok {
		dec = parser.NewStreamDecoder(f.StreamKind)
		a.decoders[f.StreamID] = dec
	}
	for _, r := range dec.Push(f.Incoming, f.Timestamp, f.Data) {
		if r.ParseErr != "" {
			parseErrors.WithLabelValues(f.StreamKind.String()).Inc()
			a.d.log.Debug("unparsed frame",
				zap.Stringer("connection", a.conn.ID),
				zap.Stringer("stream", f.StreamID),
				zap.String("error", r.ParseErr))
		}
		a.addMessage(types.Message{
			StreamID:   f.StreamID,
			StreamKind: f.StreamKind,
			Kind:       r.Kind,
			Incoming:   r.Incoming,
			Timestamp:  r.Timestamp,
			Size:       uint32(len(r.Body)),
			Brief:      r.Brief,
			ParseError: r.ParseErr,
		}, r.Body, r.JSON, r.Block)
	}
}

func (a *connActor) addMessage(m types.Message, body, decoded []byte, block *parser.BlockInfo) {
	m.ID = a.d.db.NextMessageID()
	m.ConnectionID = a.conn.ID
	m.RemoteAddr = a.conn.RemoteAddr
	a.d.db.AddMessage(m, body, decoded)
	messagesStored.WithLabelValues(string(m.Kind)).Inc()

	if block != nil {
		a.d.db.AddBlockObservation(block.Height, block.Hash, block.Producer, block.GlobalSlot,
			types.BlockObservation{
				ConnectionID: a.conn.ID,
				MessageID:    m.ID,
				RemoteAddr:   a.conn.RemoteAddr,
				Incoming:     m.Incoming,
				Timestamp:    m.Timestamp,
			})
		blocksObserved.Inc()
		for {
			cur := a.d.latestHeight.Load()
			if block.Height <= cur || a.d.latestHeight.CompareAndSwap(cur, block.Height) {
				break
			}
		}
	}
}
