package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"peerscope/store"
	"peerscope/types"
)

func testServer(t *testing.T) (*apiServer, *store.Store) {
	t.Helper()
	log := zaptest.NewLogger(t)
	db, err := store.Open(store.Config{Path: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &Config{ServerPort: 8000}
	api, err := newAPIServer(cfg, db, nil, log)
	require.NoError(t, err)
	return api, db
}

func seed(t *testing.T, db *store.Store) types.MessageID {
	t.Helper()
	db.AddConnection(types.Connection{
		ID: 1, Pid: 5, Fd: 9, Incarnation: 1,
		RemoteAddr: "10.0.0.2:8302", OpenedAt: time.Unix(1700000000, 0),
		State: types.StateSecure,
	})
	id := db.NextMessageID()
	db.AddMessage(types.Message{
		ID: id, ConnectionID: 1, RemoteAddr: "10.0.0.2:8302",
		StreamID: types.ForwardStream(0), StreamKind: types.StreamKindMeshsub,
		Kind: types.KindNewState, Timestamp: time.Unix(1700000001, 0),
		Size: 4, Brief: "publish_new_state height 42",
	}, []byte("body"), []byte(`{"type":"publish_new_state"}`))
	db.AddBlockObservation(42, "cafe", "prod", 50, types.BlockObservation{
		ConnectionID: 1, MessageID: id, RemoteAddr: "10.0.0.2:8302",
		Timestamp: time.Unix(1700000001, 0),
	})
	db.Flush()
	return id
}

func get(t *testing.T, api *apiServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	api.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestAPIConnections(t *testing.T) {
	api, db := testServer(t)
	seed(t, db)

	rec := get(t, api, "/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []types.Connection `json:"items"`
		Page  store.Page         `json:"page"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "10.0.0.2:8302", resp.Items[0].RemoteAddr)
	assert.False(t, resp.Page.Truncated)
}

func TestAPIMessages(t *testing.T) {
	api, db := testServer(t)
	id := seed(t, db)

	rec := get(t, api, "/messages?connection_id=1&message_kind=publish_new_state")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []types.Message `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, id, resp.Items[0].ID)

	t.Run("bad filter is a client error", func(t *testing.T) {
		rec := get(t, api, "/messages?connection_id=notanumber")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("body endpoints", func(t *testing.T) {
		rec := get(t, api, "/message/1")
		require.Equal(t, http.StatusOK, rec.Code)
		var view messageView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.NotNil(t, view.Decoded)

		rec = get(t, api, "/message/1/raw")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "body", rec.Body.String())

		rec = get(t, api, "/message/99999")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAPIBlocks(t *testing.T) {
	api, db := testServer(t)
	seed(t, db)

	rec := get(t, api, "/blocks?height=42")
	require.Equal(t, http.StatusOK, rec.Code)
	var blocks []types.BlockRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "cafe", blocks[0].Hash)
	assert.Len(t, blocks[0].Observations, 1)

	rec = get(t, api, "/block/cafe")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, api, "/blocks")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIVersion(t *testing.T) {
	api, _ := testServer(t)
	rec := get(t, api, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dev")
}
