package treasury

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/store"
	"github.com/taskhive-ai/taskhive-engine/pkg/eventbus"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// Treasury tracks every wei the agent spends and earns. The in-memory
// aggregates are authoritative for the running process; the sqlite store is
// the durable append-only ledger they are rebuilt from on startup. A store
// write failure is logged, never propagated, so that accounting can never
// block a lifecycle transition.
type Treasury struct {
	store  *store.Store
	bus    *eventbus.Bus
	logger logging.Logger

	mu             sync.Mutex
	totalCost      *big.Int
	totalRevenue   *big.Int
	reimbursed     *big.Int
	costByCategory map[types.EntryCategory]*big.Int
	revenueRefs    map[string]struct{}
}

func New(ctx context.Context, st *store.Store, bus *eventbus.Bus, logger logging.Logger) (*Treasury, error) {
	t := &Treasury{
		store:          st,
		bus:            bus,
		logger:         logger,
		totalCost:      new(big.Int),
		totalRevenue:   new(big.Int),
		reimbursed:     new(big.Int),
		costByCategory: make(map[types.EntryCategory]*big.Int),
		revenueRefs:    make(map[string]struct{}),
	}

	costs, err := st.ListCosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost ledger: %w", err)
	}
	for _, e := range costs {
		t.totalCost.Add(t.totalCost, e.Amount)
		t.addToCategory(e.Category, e.Amount)
	}

	revenue, err := st.ListRevenue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load revenue ledger: %w", err)
	}
	for _, e := range revenue {
		t.totalRevenue.Add(t.totalRevenue, e.Amount)
		t.revenueRefs[e.Ref] = struct{}{}
	}

	reimbursed, err := st.TotalReimbursed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reimbursement history: %w", err)
	}
	t.reimbursed = reimbursed

	return t, nil
}

func (t *Treasury) addToCategory(category types.EntryCategory, amount *big.Int) {
	if _, ok := t.costByCategory[category]; !ok {
		t.costByCategory[category] = new(big.Int)
	}
	t.costByCategory[category].Add(t.costByCategory[category], amount)
}

// RecordCost appends a cost entry. The operation label is prefixed with its
// category, e.g. "oracle-call:verify_fraud".
func (t *Treasury) RecordCost(ctx context.Context, category types.EntryCategory, operation string, jobID uint64, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}

	t.mu.Lock()
	t.totalCost.Add(t.totalCost, amount)
	t.addToCategory(category, amount)
	t.mu.Unlock()

	entry := &types.CostEntry{
		Category:  category,
		Operation: fmt.Sprintf("%s:%s", category, operation),
		JobID:     jobID,
		Amount:    new(big.Int).Set(amount),
	}
	if err := t.store.AppendCost(ctx, entry); err != nil {
		t.logger.Error("Failed to persist cost entry", "operation", entry.Operation, "error", err)
	}

	t.publishUpdate()
}

// RecordRevenue appends a revenue entry keyed by ref. Returns false when the
// ref was already recorded, in this process or a previous one.
func (t *Treasury) RecordRevenue(ctx context.Context, category types.EntryCategory, operation, ref string, jobID uint64, amount *big.Int) bool {
	if amount == nil || amount.Sign() <= 0 || ref == "" {
		return false
	}

	t.mu.Lock()
	if _, seen := t.revenueRefs[ref]; seen {
		t.mu.Unlock()
		return false
	}
	t.revenueRefs[ref] = struct{}{}
	t.totalRevenue.Add(t.totalRevenue, amount)
	t.mu.Unlock()

	entry := &types.RevenueEntry{
		Category:  category,
		Operation: fmt.Sprintf("%s:%s", category, operation),
		Ref:       ref,
		JobID:     jobID,
		Amount:    new(big.Int).Set(amount),
	}
	if _, err := t.store.AppendRevenue(ctx, entry); err != nil {
		t.logger.Error("Failed to persist revenue entry", "ref", ref, "error", err)
	}

	t.publishUpdate()
	return true
}

func (t *Treasury) RecordReimbursement(ctx context.Context, amount *big.Int, txHash common.Hash) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}

	t.mu.Lock()
	t.reimbursed.Add(t.reimbursed, amount)
	t.mu.Unlock()

	if err := t.store.RecordReimbursement(ctx, amount, txHash); err != nil {
		t.logger.Error("Failed to persist reimbursement", "tx", txHash.Hex(), "error", err)
	}

	t.publishUpdate()
}

func (t *Treasury) publishUpdate() {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Notification{
		Type: eventbus.EconomicsUpdated,
		At:   time.Now().UTC(),
		Data: t.Snapshot(),
	})
}

func (t *Treasury) TotalCost() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.totalCost)
}

func (t *Treasury) TotalRevenue() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.totalRevenue)
}

func (t *Treasury) CostByCategory() map[types.EntryCategory]*big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.EntryCategory]*big.Int, len(t.costByCategory))
	for category, amount := range t.costByCategory {
		out[category] = new(big.Int).Set(amount)
	}
	return out
}

// SustainabilityRatio is revenue divided by cost. With no costs it is 1 when
// nothing has been earned either, +Inf otherwise.
func (t *Treasury) SustainabilityRatio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.totalCost.Sign() == 0 {
		if t.totalRevenue.Sign() == 0 {
			return 1
		}
		return math.Inf(1)
	}
	ratio, _ := new(big.Float).Quo(
		new(big.Float).SetInt(t.totalRevenue),
		new(big.Float).SetInt(t.totalCost),
	).Float64()
	return ratio
}

// UnreimbursedCost is the oracle and storage spend not yet covered by a
// reimbursement, floored at zero.
func (t *Treasury) UnreimbursedCost() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	owed := new(big.Int)
	if c, ok := t.costByCategory[types.CategoryOracleCall]; ok {
		owed.Add(owed, c)
	}
	if c, ok := t.costByCategory[types.CategoryStorage]; ok {
		owed.Add(owed, c)
	}
	owed.Sub(owed, t.reimbursed)
	if owed.Sign() < 0 {
		return new(big.Int)
	}
	return owed
}

func (t *Treasury) JobEconomics(ctx context.Context, jobID uint64) (*types.JobEconomics, error) {
	return t.store.JobEconomics(ctx, jobID)
}

// Snapshot is the read model served by the status API.
type Snapshot struct {
	TotalCost           *big.Int                         `json:"total_cost_wei"`
	TotalRevenue        *big.Int                         `json:"total_revenue_wei"`
	Reimbursed          *big.Int                         `json:"reimbursed_wei"`
	CostByCategory      map[types.EntryCategory]*big.Int `json:"cost_by_category_wei"`
	SustainabilityRatio float64                          `json:"sustainability_ratio"`
}

func (t *Treasury) Snapshot() Snapshot {
	ratio := t.SustainabilityRatio()

	t.mu.Lock()
	defer t.mu.Unlock()
	byCategory := make(map[types.EntryCategory]*big.Int, len(t.costByCategory))
	for category, amount := range t.costByCategory {
		byCategory[category] = new(big.Int).Set(amount)
	}
	return Snapshot{
		TotalCost:           new(big.Int).Set(t.totalCost),
		TotalRevenue:        new(big.Int).Set(t.totalRevenue),
		Reimbursed:          new(big.Int).Set(t.reimbursed),
		CostByCategory:      byCategory,
		SustainabilityRatio: ratio,
	}
}

// LogSelfSufficiencyReport writes the startup economics summary.
func (t *Treasury) LogSelfSufficiencyReport() {
	snap := t.Snapshot()
	t.logger.Info("Self-sufficiency report",
		"total_cost_wei", snap.TotalCost.String(),
		"total_revenue_wei", snap.TotalRevenue.String(),
		"reimbursed_wei", snap.Reimbursed.String(),
		"sustainability_ratio", fmt.Sprintf("%.4f", snap.SustainabilityRatio),
	)
}
