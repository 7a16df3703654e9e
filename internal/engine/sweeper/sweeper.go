package sweeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/chainio"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/lifecycle"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/treasury"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// Sweeper runs the periodic maintenance jobs: expiring overdue tasks and
// reimbursing accumulated operating costs. Both sweeps are idempotent; a
// failed attempt is simply retried on the next tick.
type Sweeper struct {
	manager  *lifecycle.Manager
	ledger   chainio.Ledger
	treasury *treasury.Treasury
	logger   logging.Logger

	threshold *big.Int
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
}

type Config struct {
	// ExpirySpec and ReimburseSpec are cron expressions, e.g. "@every 1m".
	ExpirySpec    string
	ReimburseSpec string
	// ReimburseThreshold is the minimum unreimbursed amount, in wei, worth a
	// reimbursement transaction.
	ReimburseThreshold *big.Int
}

func New(cfg Config, manager *lifecycle.Manager, ledger chainio.Ledger, tr *treasury.Treasury, logger logging.Logger) (*Sweeper, error) {
	if cfg.ReimburseThreshold == nil || cfg.ReimburseThreshold.Sign() <= 0 {
		return nil, fmt.Errorf("reimburse threshold must be positive")
	}

	s := &Sweeper{
		manager:   manager,
		ledger:    ledger,
		treasury:  tr,
		logger:    logger,
		threshold: new(big.Int).Set(cfg.ReimburseThreshold),
		cron:      cron.New(),
	}

	if _, err := s.cron.AddFunc(cfg.ExpirySpec, s.expirySweep); err != nil {
		return nil, fmt.Errorf("invalid expiry sweep spec %q: %w", cfg.ExpirySpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.ReimburseSpec, s.reimburseSweep); err != nil {
		return nil, fmt.Errorf("invalid reimburse sweep spec %q: %w", cfg.ReimburseSpec, err)
	}
	return s, nil
}

func (s *Sweeper) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("Sweeper started")
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Sweeper stopped")
}

// expirySweep expires every claimable task whose deadline has passed. The
// local transition happens when the TaskExpired event comes back through the
// watcher; re-running the sweep is harmless.
func (s *Sweeper) expirySweep() {
	overdue := s.manager.OverdueTasks(time.Now())
	if len(overdue) == 0 {
		return
	}
	s.logger.Info("Expiry sweep found overdue tasks", "count", len(overdue))
	for _, taskID := range overdue {
		if err := s.manager.ExpireTask(s.ctx, taskID); err != nil {
			s.logger.Error("Failed to expire task", "task_id", taskID, "error", err)
		}
	}
}

// reimburseSweep moves accumulated oracle and storage costs back to the
// agent's wallet once they clear the configured threshold.
func (s *Sweeper) reimburseSweep() {
	owed := s.treasury.UnreimbursedCost()
	if owed.Cmp(s.threshold) < 0 {
		return
	}

	result, err := s.ledger.Reimburse(s.ctx, owed)
	if err != nil {
		s.logger.Error("Reimbursement transaction failed", "amount_wei", owed.String(), "error", err)
		return
	}
	s.treasury.RecordReimbursement(s.ctx, owed, result.Hash)
	if result.GasCost != nil {
		s.treasury.RecordCost(s.ctx, types.CategoryLedgerFee, "reimburseAgent", 0, result.GasCost)
	}
	s.logger.Info("Reimbursed operating costs", "amount_wei", owed.String(), "tx", result.Hash.Hex())
}
