package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/chainio"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/lifecycle"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/metrics"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/store"
	"github.com/taskhive-ai/taskhive-engine/pkg/eventbus"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
)

// Watcher polls the ledger for marketplace events and feeds them, in ledger
// order, to the lifecycle manager. The sqlite checkpoint records the last
// fully processed block so a restart resumes exactly where the previous
// process stopped.
type Watcher struct {
	ledger  chainio.Ledger
	manager *lifecycle.Manager
	store   *store.Store
	bus     *eventbus.Bus
	logger  logging.Logger

	interval time.Duration
}

func New(ledger chainio.Ledger, manager *lifecycle.Manager, st *store.Store, bus *eventbus.Bus, interval time.Duration, logger logging.Logger) *Watcher {
	return &Watcher{
		ledger:   ledger,
		manager:  manager,
		store:    st,
		bus:      bus,
		logger:   logger,
		interval: interval,
	}
}

// Recover replays checkpoint+1..head through the transition function with
// reactions suppressed, then re-arms verifications that were in flight when
// the previous process died. It must complete before Start; live processing
// on a half-rebuilt registry would mis-handle events.
func (w *Watcher) Recover(ctx context.Context) error {
	checkpoint, err := w.store.GetCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	head, err := w.ledger.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	replayed := 0
	if head > checkpoint {
		events, err := w.ledger.FilterEvents(ctx, checkpoint+1, head)
		if err != nil {
			return fmt.Errorf("failed to filter events for replay: %w", err)
		}
		for i := range events {
			if err := w.manager.Replay(ctx, &events[i]); err != nil {
				return fmt.Errorf("replay stopped at block %d: %w", events[i].Block, err)
			}
			replayed++
			metrics.EventsReplayed.Inc()
		}
		if err := w.store.SaveCheckpoint(ctx, head); err != nil {
			return fmt.Errorf("failed to advance checkpoint after replay: %w", err)
		}
		metrics.CheckpointBlock.Set(float64(head))
	}

	rearmed := w.manager.ReArmPendingVerification(ctx)
	w.logger.Info("Recovery complete",
		"from_block", checkpoint+1, "to_block", head,
		"events_replayed", replayed, "verifications_rearmed", rearmed,
	)
	if w.bus != nil {
		w.bus.Publish(eventbus.Notification{
			Type: eventbus.RecoveryCompleted,
			At:   time.Now().UTC(),
			Data: map[string]any{"events_replayed": replayed, "verifications_rearmed": rearmed},
		})
	}
	return nil
}

// Start polls until the context is cancelled. An immediate poll runs first so
// the engine does not idle through the initial interval.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("Event watcher started", "interval", w.interval.String())
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Event watcher stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	checkpoint, err := w.store.GetCheckpoint(ctx)
	if err != nil {
		w.logger.Error("Failed to read checkpoint", "error", err)
		return
	}
	head, err := w.ledger.LatestBlock(ctx)
	if err != nil {
		w.logger.Error("Failed to read chain head", "error", err)
		return
	}
	if head <= checkpoint {
		return
	}

	events, err := w.ledger.FilterEvents(ctx, checkpoint+1, head)
	if err != nil {
		w.logger.Error("Failed to filter events", "from", checkpoint+1, "to", head, "error", err)
		return
	}

	for i := range events {
		ev := &events[i]
		if err := w.manager.HandleEvent(ctx, ev); err != nil {
			// A malformed or out-of-order event must not wedge the stream;
			// the ledger remains authoritative and reads self-correct later.
			w.logger.Error("Failed to handle event",
				"kind", string(ev.Kind), "block", ev.Block, "job_id", ev.JobID, "task_id", ev.TaskID, "error", err)
			continue
		}
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind)).Inc()
	}
	if len(events) > 0 {
		w.logger.Info("Processed ledger events", "count", len(events), "from", checkpoint+1, "to", head)
	}
	if err := w.store.SaveCheckpoint(ctx, head); err != nil {
		w.logger.Error("Failed to advance checkpoint", "block", head, "error", err)
		return
	}
	metrics.CheckpointBlock.Set(float64(head))
}
