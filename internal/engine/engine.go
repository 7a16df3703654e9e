// Package engine assembles the orchestration service: ledger watcher,
// lifecycle state machine, verification pipeline, planner, treasury and the
// status API. Construction is explicit; every collaborator is injected.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/api"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/chainio"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/config"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/lifecycle"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/metrics"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/oracle"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/planner"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/store"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/sweeper"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/treasury"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/verification"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/watcher"
	"github.com/taskhive-ai/taskhive-engine/pkg/eventbus"
	"github.com/taskhive-ai/taskhive-engine/pkg/httpclient"
	"github.com/taskhive-ai/taskhive-engine/pkg/ipfs"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
)

// Options carries everything the engine needs beyond its ledger connection.
type Options struct {
	Ledger chainio.Ledger
	Policy config.Policy

	DBPath string
	Oracle oracle.Config
	IPFS   ipfs.Config

	PollInterval       time.Duration
	ExpirySpec         string
	ReimburseSpec      string
	ReimburseThreshold *big.Int

	APIPort int
}

type Engine struct {
	logger logging.Logger
	bus    *eventbus.Bus
	store  *store.Store

	treasury *treasury.Treasury
	manager  *lifecycle.Manager
	watcher  *watcher.Watcher
	sweeper  *sweeper.Sweeper
	api      *api.Server

	apiPort int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(ctx context.Context, opts Options, logger logging.Logger) (*Engine, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}

	bus := eventbus.New(logger)

	st, err := store.NewStore(opts.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	tr, err := treasury.New(ctx, st, bus, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init treasury: %w", err)
	}

	hc, err := httpclient.New(httpclient.DefaultConfig(), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init http client: %w", err)
	}

	oc, err := oracle.NewVisionClient(&opts.Oracle, hc, tr, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init oracle client: %w", err)
	}

	resolver, err := ipfs.NewResolver(opts.IPFS, hc, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init ipfs resolver: %w", err)
	}

	pipeline := verification.NewPipeline(oc, resolver, opts.Policy.Verification, logger)
	pl := planner.New(oc, opts.Policy, logger)
	mgr := lifecycle.NewManager(opts.Ledger, pl, pipeline, tr, st, bus, logger)
	w := watcher.New(opts.Ledger, mgr, st, bus, opts.PollInterval, logger)

	sw, err := sweeper.New(sweeper.Config{
		ExpirySpec:         opts.ExpirySpec,
		ReimburseSpec:      opts.ReimburseSpec,
		ReimburseThreshold: opts.ReimburseThreshold,
	}, mgr, opts.Ledger, tr, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init sweeper: %w", err)
	}

	return &Engine{
		logger:   logger,
		bus:      bus,
		store:    st,
		treasury: tr,
		manager:  mgr,
		watcher:  w,
		sweeper:  sw,
		api:      api.NewServer(opts.APIPort, mgr, tr, pl, st, logger),
		apiPort:  opts.APIPort,
	}, nil
}

// Bus exposes the engine's notification bus so transports can subscribe.
func (e *Engine) Bus() *eventbus.Bus {
	return e.bus
}

// Start recovers state from the ledger, then begins live processing. Recovery
// must finish before the first live poll; live reactions on a half-rebuilt
// registry would mis-handle events.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.treasury.LogSelfSufficiencyReport()
	metrics.StartSystemMetricsCollection(ctx)
	metrics.ObserveEngine(ctx, e.bus, e.treasury, e.manager)

	if err := e.watcher.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watcher.Start(ctx)
	}()

	e.sweeper.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.api.Start(); err != nil {
			e.logger.Error("Status API stopped", "error", err)
		}
	}()

	e.logger.Info("Engine started", "api_port", e.apiPort)
	return nil
}

// Shutdown stops live processing and closes the store. Safe to call once
// after a successful Start.
func (e *Engine) Shutdown() {
	e.logger.Info("Engine shutting down")
	if e.cancel != nil {
		e.cancel()
	}
	e.sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.api.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("Failed to stop status API cleanly", "error", err)
	}

	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		e.logger.Error("Failed to close store", "error", err)
	}
	e.logger.Info("Engine stopped")
}
