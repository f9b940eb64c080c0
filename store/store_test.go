package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"peerscope/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConnection(id uint64) types.Connection {
	return types.Connection{
		ID:          types.ConnectionID(id),
		Pid:         100,
		Fd:          uint32(10 + id),
		Incarnation: 1,
		Alias:       "devnet-10.0.0.1",
		RemoteAddr:  "10.0.0.2:8302",
		Incoming:    id%2 == 0,
		OpenedAt:    time.Unix(1700000000, int64(id)),
		State:       types.StateHandshaking,
	}
}

func TestConnectionLifecycle(t *testing.T) {
	s := openTestStore(t)

	c := testConnection(1)
	s.AddConnection(c)

	c.State = types.StateSecure
	c.StatsIn = types.DirectionStats{TotalBytes: 1 << 20, DecryptedBytes: 1 << 19}
	c.StatsOut = types.DirectionStats{TotalBytes: 2048}
	c.ClosedAt = c.OpenedAt.Add(time.Minute)
	s.UpdateConnection(c)
	s.Flush()

	got, page, err := s.FetchConnections(ConnectionQuery{})
	require.NoError(t, err)
	assert.False(t, page.Truncated)
	require.Len(t, got, 1)
	assert.Equal(t, c.ID, got[0].ID)
	assert.Equal(t, uint64(1<<20), got[0].StatsIn.TotalBytes)
	assert.Equal(t, uint64(1<<19), got[0].StatsIn.DecryptedBytes)
	assert.Equal(t, types.StateSecure, got[0].State)
	assert.False(t, got[0].ClosedAt.IsZero())
}

func addTestMessage(s *Store, cn uint64, kind types.MessageKind, streamKind types.StreamKind, body []byte, ts time.Time) types.MessageID {
	id := s.NextMessageID()
	s.AddMessage(types.Message{
		ID:           id,
		ConnectionID: types.ConnectionID(cn),
		RemoteAddr:   "10.0.0.2:8302",
		StreamID:     types.ForwardStream(0),
		StreamKind:   streamKind,
		Kind:         kind,
		Timestamp:    ts,
		Size:         uint32(len(body)),
		Brief:        string(kind),
	}, body, []byte(`{"decoded":true}`))
	return id
}

func TestMessageFilters(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1700000000, 0)

	s.AddConnection(testConnection(1))
	s.AddConnection(testConnection(2))
	addTestMessage(s, 1, types.KindSubscribe, types.StreamKindMeshsub, []byte("a"), base)
	addTestMessage(s, 1, types.KindNewState, types.StreamKindMeshsub, []byte("b"), base.Add(time.Second))
	addTestMessage(s, 2, types.KindIdentify, types.StreamKindIdentify, []byte("c"), base.Add(2*time.Second))
	s.Flush()

	t.Run("by connection", func(t *testing.T) {
		cn := uint64(1)
		got, _, err := s.FetchMessages(MessageQuery{ConnectionID: &cn})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("by message kind", func(t *testing.T) {
		got, _, err := s.FetchMessages(MessageQuery{MessageKind: string(types.KindNewState)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, types.KindNewState, got[0].Kind)
	})

	t.Run("by stream kind", func(t *testing.T) {
		got, _, err := s.FetchMessages(MessageQuery{StreamKind: types.StreamKindIdentify.String()})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("by time window", func(t *testing.T) {
		from := base.Add(500 * time.Millisecond)
		to := base.Add(1500 * time.Millisecond)
		got, _, err := s.FetchMessages(MessageQuery{TimestampFrom: &from, TimestampTo: &to})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, types.KindNewState, got[0].Kind)
	})

	t.Run("by addr", func(t *testing.T) {
		got, _, err := s.FetchMessages(MessageQuery{Addr: "10.0.0.2:8302"})
		require.NoError(t, err)
		assert.Len(t, got, 3)
		got, _, err = s.FetchMessages(MessageQuery{Addr: "1.2.3.4:1"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestMessagePagination(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1700000000, 0)
	s.AddConnection(testConnection(1))

	const total = 1000
	want := make(map[uint64]bool, total)
	for i := 0; i < total; i++ {
		id := addTestMessage(s, 1, types.KindSubscribe, types.StreamKindMeshsub,
			[]byte(fmt.Sprintf("m%d", i)), base.Add(time.Duration(i)*time.Millisecond))
		want[uint64(id)] = true
	}
	s.Flush()

	var pages int
	var fromID *uint64
	seen := make(map[uint64]bool)
	for {
		got, page, err := s.FetchMessages(MessageQuery{Limit: 100, FromID: fromID})
		require.NoError(t, err)
		pages++
		last := uint64(0)
		for _, m := range got {
			id := uint64(m.ID)
			assert.Greater(t, id, last, "pages are sorted by id")
			last = id
			assert.False(t, seen[id], "pages are disjoint")
			seen[id] = true
		}
		if !page.Truncated {
			break
		}
		fromID = page.NextID
	}
	assert.Equal(t, 10, pages)
	assert.Equal(t, want, seen)
}

func TestBlobSpill(t *testing.T) {
	s := openTestStore(t)
	s.AddConnection(testConnection(1))

	big := make([]byte, 3*DefaultBlobThreshold)
	for i := range big {
		big[i] = byte(i * 31)
	}
	id := addTestMessage(s, 1, types.KindOpaque, types.StreamKindMeshsub, big, time.Unix(1700000000, 0))
	small := addTestMessage(s, 1, types.KindOpaque, types.StreamKindMeshsub, []byte("tiny"), time.Unix(1700000001, 0))
	s.Flush()

	_, body, decoded, err := s.FetchMessageBody(uint64(id))
	require.NoError(t, err)
	assert.Equal(t, big, body, "blob round trip")
	assert.JSONEq(t, `{"decoded":true}`, string(decoded))

	_, body, _, err = s.FetchMessageBody(uint64(small))
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), body)
}

func TestBlockObservationsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		s.AddBlockObservation(42, "abcd", "producer-1", 50, types.BlockObservation{
			ConnectionID: types.ConnectionID(uint64(i + 1)),
			MessageID:    types.MessageID(uint64(100 + i)),
			RemoteAddr:   fmt.Sprintf("10.0.0.%d:8302", i),
			Incoming:     true,
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		})
	}
	s.Flush()

	blocks, err := s.FetchBlocks(42)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	b := blocks[0]
	assert.Equal(t, "abcd", b.Hash)
	assert.Equal(t, "producer-1", b.Producer)
	assert.Equal(t, base, b.FirstSeen)
	require.Len(t, b.Observations, 3)
	for i := 1; i < len(b.Observations); i++ {
		assert.False(t, b.Observations[i].Timestamp.Before(b.Observations[i-1].Timestamp),
			"observations ordered by timestamp")
	}

	byHash, err := s.FetchBlock("abcd")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), byHash.Height)
}

func TestGapsAndIPC(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1700000000, 0)

	s.AddGap(types.Gap{Pid: 9, Fd: 4, ConnectionID: 1, Incoming: true, Dropped: 3, Timestamp: base})
	height := uint32(42)
	s.AddIPCEvent(types.IPCEvent{
		Pid: 9, Height: height, Incoming: false, Timestamp: base, Kind: "ipc_push", Size: 12,
	}, []byte("ipc-body-here"))
	s.Flush()

	events, _, err := s.FetchIPCEvents(&height, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ipc_push", events[0].Kind)

	other := uint32(7)
	events, _, err = s.FetchIPCEvents(&other, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	sum, err := s.FetchSummary()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sum.Gaps)
	assert.Equal(t, uint64(1), sum.IPCEvents)
}

// Closing and reopening the same directory must preserve everything and
// keep the id counter monotonic.
func TestReopen(t *testing.T) {
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	s, err := Open(Config{Path: dir}, log)
	require.NoError(t, err)
	s.AddConnection(testConnection(1))
	first := addTestMessage(s, 1, types.KindSubscribe, types.StreamKindMeshsub, []byte("x"), time.Unix(1700000000, 0))
	require.NoError(t, s.Close())

	s2, err := Open(Config{Path: dir}, log)
	require.NoError(t, err)
	defer s2.Close()

	next := s2.NextMessageID()
	assert.Greater(t, uint64(next), uint64(first))

	got, _, err := s2.FetchMessages(MessageQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first, got[0].ID)
}
