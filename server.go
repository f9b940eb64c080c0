package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"peerscope/store"
	"peerscope/types"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

type apiServer struct {
	cfg      *Config
	db       *store.Store
	firewall *firewall
	log      *zap.Logger

	// decoded bodies are immutable once written; cache the hot ones
	bodies *ristretto.Cache

	srv *http.Server
}

func newAPIServer(cfg *Config, db *store.Store, fw *firewall, log *zap.Logger) (*apiServer, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	s := &apiServer{cfg: cfg, db: db, firewall: fw, log: log, bodies: cache}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/connections", s.handleConnections)
	r.Get("/messages", s.handleMessages)
	r.Get("/message/{id}", s.handleMessage)
	r.Get("/message/{id}/raw", s.handleMessageRaw)
	r.Get("/blocks", s.handleBlocks)
	r.Get("/block/{hash}", s.handleBlock)
	r.Get("/libp2p_ipc", s.handleIPC)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", promhttp.Handler())
	if fw != nil {
		r.Post("/firewall/block", s.handleFirewallBlock)
		r.Post("/firewall/unblock", s.handleFirewallUnblock)
	}

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: r,
	}
	return s, nil
}

// run serves until ctx is canceled. With TLS configured the certificate is
// re-read whenever the files change on disk.
func (s *apiServer) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSEnabled() {
			reloader, rerr := newCertReloader(s.cfg.HTTPSCertPath, s.cfg.HTTPSKeyPath, s.log)
			if rerr != nil {
				errCh <- rerr
				return
			}
			defer reloader.close()
			s.srv.TLSConfig = &tls.Config{GetCertificate: reloader.getCertificate}
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			err = s.srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, types.ErrConfig) || errors.Is(err, types.ErrParse) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// paged wraps a result list with its continuation token.
type paged struct {
	Items interface{} `json:"items"`
	Page  store.Page  `json:"page"`
}

func queryUint(r *http.Request, name string) (*uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, types.ConfigError("bad %s: %v", name, err)
	}
	return &n, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	// seconds or nanoseconds since epoch, disambiguated by magnitude
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, types.ConfigError("bad %s: %v", name, err)
	}
	var t time.Time
	if n > 1e15 {
		t = time.Unix(0, n)
	} else {
		t = time.Unix(n, 0)
	}
	return &t, nil
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, types.ConfigError("bad limit %q", v)
	}
	return n, nil
}

func (s *apiServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	var q store.ConnectionQuery
	var err error
	if q.FromID, err = queryUint(r, "from_id"); err != nil {
		writeError(w, err)
		return
	}
	if q.TimestampFrom, err = queryTime(r, "timestamp_from"); err != nil {
		writeError(w, err)
		return
	}
	if q.TimestampTo, err = queryTime(r, "timestamp_to"); err != nil {
		writeError(w, err)
		return
	}
	if q.Limit, err = queryLimit(r); err != nil {
		writeError(w, err)
		return
	}
	q.Addr = r.URL.Query().Get("addr")

	items, page, err := s.db.FetchConnections(q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paged{Items: items, Page: page})
}

func (s *apiServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	var q store.MessageQuery
	var err error
	if q.ConnectionID, err = queryUint(r, "connection_id"); err != nil {
		writeError(w, err)
		return
	}
	if q.FromID, err = queryUint(r, "from_id"); err != nil {
		writeError(w, err)
		return
	}
	if q.TimestampFrom, err = queryTime(r, "timestamp_from"); err != nil {
		writeError(w, err)
		return
	}
	if q.TimestampTo, err = queryTime(r, "timestamp_to"); err != nil {
		writeError(w, err)
		return
	}
	if q.Limit, err = queryLimit(r); err != nil {
		writeError(w, err)
		return
	}
	if v := r.URL.Query().Get("stream_id"); v != "" {
		id, err := types.ParseStreamID(v)
		if err != nil {
			writeError(w, types.ConfigError("bad stream_id: %v", err))
			return
		}
		n := int64(id)
		q.StreamID = &n
	}
	q.StreamKind = r.URL.Query().Get("stream_kind")
	q.MessageKind = r.URL.Query().Get("message_kind")
	q.Addr = r.URL.Query().Get("addr")

	items, page, err := s.db.FetchMessages(q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paged{Items: items, Page: page})
}

// messageView is one message with its decoded body inlined.
type messageView struct {
	types.Message
	Decoded json.RawMessage `json:"decoded,omitempty"`
}

func (s *apiServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, types.ConfigError("bad message id"))
		return
	}
	if v, ok := s.bodies.Get(id); ok {
		writeJSON(w, http.StatusOK, v.(messageView))
		return
	}
	m, _, decoded, err := s.db.FetchMessageBody(id)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such message"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	view := messageView{Message: m}
	if len(decoded) > 0 {
		view.Decoded = json.RawMessage(decoded)
	}
	s.bodies.Set(id, view, int64(len(decoded)+128))
	writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleMessageRaw(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, types.ConfigError("bad message id"))
		return
	}
	_, body, _, err := s.db.FetchMessageBody(id)
	if err == sql.ErrNoRows {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(body)
}

func (s *apiServer) handleBlocks(w http.ResponseWriter, r *http.Request) {
	h, err := queryUint(r, "height")
	if err != nil {
		writeError(w, err)
		return
	}
	if h == nil {
		writeError(w, types.ConfigError("height is required"))
		return
	}
	blocks, err := s.db.FetchBlocks(uint32(*h))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *apiServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	b, err := s.db.FetchBlock(chi.URLParam(r, "hash"))
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such block"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *apiServer) handleIPC(w http.ResponseWriter, r *http.Request) {
	var height *uint32
	if h, err := queryUint(r, "height"); err != nil {
		writeError(w, err)
		return
	} else if h != nil {
		v := uint32(*h)
		height = &v
	}
	fromID, err := queryUint(r, "from_id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, page, err := s.db.FetchIPCEvents(height, fromID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paged{Items: items, Page: page})
}

func (s *apiServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version)
}

func (s *apiServer) handleFirewallBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Addr string `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Addr == "" {
		writeError(w, types.ConfigError("addr is required"))
		return
	}
	if err := s.firewall.block(req.Addr); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"blocked": req.Addr})
}

func (s *apiServer) handleFirewallUnblock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Addr string `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Addr == "" {
		writeError(w, types.ConfigError("addr is required"))
		return
	}
	s.firewall.unblock(req.Addr)
	writeJSON(w, http.StatusOK, map[string]string{"unblocked": req.Addr})
}

// certReloader serves the newest certificate from disk, reloading when the
// watcher reports a change.
type certReloader struct {
	certPath, keyPath string
	log               *zap.Logger

	mu      sync.RWMutex
	current *tls.Certificate
	watcher *fsnotify.Watcher
}

func newCertReloader(certPath, keyPath string, log *zap.Logger) (*certReloader, error) {
	r := &certReloader{certPath: certPath, keyPath: keyPath, log: log}
	if err := r.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r.watcher = w
	if err := w.Add(certPath); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for ev := range w.Events {
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				log.Warn("certificate reload failed", zap.Error(err))
			} else {
				log.Info("certificate reloaded")
			}
		}
	}()
	return r, nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = &cert
	r.mu.Unlock()
	return nil
}

func (r *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, nil
}

func (r *certReloader) close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}
