package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerscope/protocol"
	"peerscope/store"
	"peerscope/types"
)

const shutdownDeadline = 5 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "peerscope",
		Short: "Passive network debugger for blockchain nodes",
		Long: `peerscope attaches eBPF tracepoints to the running kernel, records every
byte crossing the sockets and stdio pipes of a node's networking helper,
reconstructs and decrypts the wire protocol stack, and serves the decoded
traffic over an HTTP API.

All configuration is taken from the environment; see the README for the
recognized variables. The monitored helper is identified by its BPF_ALIAS
environment marker.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(types.ExitCode(err))
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return types.ConfigError("logger: %v", err)
	}
	defer log.Sync()

	log.Info("starting",
		zap.String("db", cfg.DBPath),
		zap.Int("port", cfg.ServerPort),
		zap.Bool("dry", cfg.Dry),
		zap.String("version", version))

	db, err := store.Open(store.Config{Path: cfg.DBPath, DumpStreams: true}, log)
	if err != nil {
		log.Error("cannot open store", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rand := protocol.NewRandomness(cfg.RandomnessWindow)
	dm := newDemux(cfg, db, rand, log)

	var fw *firewall
	if cfg.FirewallInterface != "" && !cfg.Dry {
		fw, err = newFirewall(cfg.FirewallInterface, cfg.FirewallObjPath, log)
		if err != nil {
			// optional feature, the capture pipeline works without it
			log.Warn("firewall disabled", zap.Error(err))
			fw = nil
		} else {
			defer fw.close()
		}
	}

	api, err := newAPIServer(cfg, db, fw, log)
	if err != nil {
		db.Close()
		return types.ConfigError("api server: %v", err)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.run(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.AggregatorURL != "" {
		sink := newAggregatorSink(cfg, db, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.run(ctx)
		}()
	}

	var runErr error
	if cfg.Dry {
		log.Info("store-only mode, probe not loaded")
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			runErr = err
		case err := <-db.Fatal():
			runErr = err
		}
	} else {
		runErr = capture(ctx, cfg, dm, db, serverErr, log)
	}

	// ordered shutdown: the drainer has stopped; close the routing
	// channels so every worker drains and flushes, then flush the store
	log.Info("shutting down")
	stop()

	done := make(chan struct{})
	go func() {
		dm.Shutdown(time.Now())
		db.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		log.Warn("shutdown deadline exceeded, abandoning remaining work")
	}
	if err := db.Close(); err != nil {
		log.Warn("store close", zap.Error(err))
	}
	wg.Wait()

	if runErr != nil {
		log.Error("terminated with error", zap.Error(runErr))
		return runErr
	}
	log.Info("terminated")
	return nil
}

// capture loads the probe and drains the ring until the context ends, a
// subsystem fails, or (in test mode) one connection is fully captured.
func capture(ctx context.Context, cfg *Config, dm *demux, db *store.Store, serverErr <-chan error, log *zap.Logger) error {
	p, err := loadProbe(cfg.BPFObjPath, log)
	if err != nil {
		log.Error("cannot attach probe", zap.Error(err))
		return err
	}
	defer p.Close()

	drainErr := make(chan error, 1)
	go func() {
		drainErr <- drainRing(ctx, p.reader, dm, log)
	}()

	select {
	case <-ctx.Done():
		p.reader.Close()
		return <-drainErr
	case err := <-drainErr:
		return err
	case err := <-serverErr:
		p.reader.Close()
		<-drainErr
		return err
	case err := <-db.Fatal():
		p.reader.Close()
		<-drainErr
		return err
	case <-dm.Captured():
		if cfg.Terminate || cfg.Test {
			log.Info("capture complete, terminating as requested")
		}
		p.reader.Close()
		<-drainErr
		return nil
	}
}
