package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerscope/store"
	"peerscope/types"
)

const aggregatorInterval = 30 * time.Second

// aggregatorSink periodically POSTs a summary to the configured collector.
// Strictly best-effort: a failed push is logged and retried on the next
// tick, the ingest path never waits for it.
type aggregatorSink struct {
	url     string
	name    string
	session string
	db      *store.Store
	client  *http.Client
	log     *zap.Logger
}

type aggregatorPayload struct {
	Name    string    `json:"name"`
	Session string    `json:"session"`
	Time    time.Time `json:"time"`
	store.Summary
}

func newAggregatorSink(cfg *Config, db *store.Store, log *zap.Logger) *aggregatorSink {
	name := cfg.DebuggerName
	if name == "" {
		name = "peerscope"
	}
	return &aggregatorSink{
		url:     cfg.AggregatorURL,
		name:    name,
		session: uuid.NewString(),
		db:      db,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

func (a *aggregatorSink) run(ctx context.Context) {
	ticker := time.NewTicker(aggregatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.push(ctx); err != nil {
				aggregatorPushes.WithLabelValues("error").Inc()
				a.log.Warn("aggregator push failed", zap.Error(err))
			} else {
				aggregatorPushes.WithLabelValues("ok").Inc()
			}
		}
	}
}

func (a *aggregatorSink) push(ctx context.Context) error {
	summary, err := a.db.FetchSummary()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAggregator, err)
	}
	body, err := json.Marshal(aggregatorPayload{
		Name:    a.name,
		Session: a.session,
		Time:    time.Now().UTC(),
		Summary: summary,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAggregator, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAggregator, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAggregator, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %s", types.ErrAggregator, resp.Status)
	}
	return nil
}
