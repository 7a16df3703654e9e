package treasury

import (
	"context"
	"math"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/store"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

func newTestTreasury(t *testing.T) (*Treasury, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "engine.db"), logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr, err := New(context.Background(), st, nil, logging.NewNoOpLogger())
	require.NoError(t, err)
	return tr, st
}

func TestRecordCostAggregates(t *testing.T) {
	tr, _ := newTestTreasury(t)
	ctx := context.Background()

	tr.RecordCost(ctx, types.CategoryOracleCall, "verify_fraud", 7, big.NewInt(100))
	tr.RecordCost(ctx, types.CategoryOracleCall, "decompose", 7, big.NewInt(50))
	tr.RecordCost(ctx, types.CategoryLedgerFee, "approveTask", 7, big.NewInt(25))

	assert.Equal(t, big.NewInt(175), tr.TotalCost())
	byCategory := tr.CostByCategory()
	assert.Equal(t, big.NewInt(150), byCategory[types.CategoryOracleCall])
	assert.Equal(t, big.NewInt(25), byCategory[types.CategoryLedgerFee])
}

func TestRecordCostIgnoresNonPositive(t *testing.T) {
	tr, _ := newTestTreasury(t)
	ctx := context.Background()

	tr.RecordCost(ctx, types.CategoryOracleCall, "verify", 0, nil)
	tr.RecordCost(ctx, types.CategoryOracleCall, "verify", 0, big.NewInt(0))
	tr.RecordCost(ctx, types.CategoryOracleCall, "verify", 0, big.NewInt(-5))

	assert.Equal(t, big.NewInt(0).Cmp(tr.TotalCost()), 0)
}

func TestRecordRevenueDedupesByRef(t *testing.T) {
	tr, _ := newTestTreasury(t)
	ctx := context.Background()

	assert.True(t, tr.RecordRevenue(ctx, types.CategoryJobProfit, "completeJob", "job-42", 42, big.NewInt(1000)))
	assert.False(t, tr.RecordRevenue(ctx, types.CategoryJobProfit, "completeJob", "job-42", 42, big.NewInt(1000)))
	assert.Equal(t, big.NewInt(1000), tr.TotalRevenue())
}

func TestRevenueRefsSurviveRestart(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "engine.db"), logging.NewNoOpLogger())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	tr, err := New(ctx, st, nil, logging.NewNoOpLogger())
	require.NoError(t, err)
	require.True(t, tr.RecordRevenue(ctx, types.CategoryJobProfit, "completeJob", "job-42", 42, big.NewInt(1000)))

	// A fresh treasury over the same store must see the ref.
	reborn, err := New(ctx, st, nil, logging.NewNoOpLogger())
	require.NoError(t, err)
	assert.False(t, reborn.RecordRevenue(ctx, types.CategoryJobProfit, "completeJob", "job-42", 42, big.NewInt(1000)))
	assert.Equal(t, big.NewInt(1000), reborn.TotalRevenue())
}

func TestSustainabilityRatio(t *testing.T) {
	tr, _ := newTestTreasury(t)
	ctx := context.Background()

	assert.Equal(t, 1.0, tr.SustainabilityRatio())

	tr.RecordRevenue(ctx, types.CategoryJobProfit, "completeJob", "job-1", 1, big.NewInt(10))
	assert.True(t, math.IsInf(tr.SustainabilityRatio(), 1))

	tr.RecordCost(ctx, types.CategoryOracleCall, "verify", 1, big.NewInt(40))
	assert.InDelta(t, 0.25, tr.SustainabilityRatio(), 1e-9)
}

func TestUnreimbursedCost(t *testing.T) {
	tr, _ := newTestTreasury(t)
	ctx := context.Background()

	tr.RecordCost(ctx, types.CategoryOracleCall, "verify", 1, big.NewInt(300))
	tr.RecordCost(ctx, types.CategoryStorage, "pin", 1, big.NewInt(100))
	tr.RecordCost(ctx, types.CategoryLedgerFee, "approveTask", 1, big.NewInt(5000)) // not reimbursable

	assert.Equal(t, big.NewInt(400), tr.UnreimbursedCost())

	tr.RecordReimbursement(ctx, big.NewInt(150), common.HexToHash("0x01"))
	assert.Equal(t, big.NewInt(250), tr.UnreimbursedCost())

	// Over-reimbursement floors at zero.
	tr.RecordReimbursement(ctx, big.NewInt(10_000), common.HexToHash("0x02"))
	assert.Equal(t, big.NewInt(0).Cmp(tr.UnreimbursedCost()), 0)
}

func TestJobEconomicsFlowsThroughStore(t *testing.T) {
	tr, _ := newTestTreasury(t)
	ctx := context.Background()

	tr.RecordCost(ctx, types.CategoryOracleCall, "verify", 7, big.NewInt(300))
	tr.RecordRevenue(ctx, types.CategoryJobProfit, "completeJob", "job-7", 7, big.NewInt(1000))

	econ, err := tr.JobEconomics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(700), econ.Profit)
}
