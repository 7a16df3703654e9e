package types

import (
	"math/big"
	"time"
)

// EntryCategory classifies cost and revenue entries. Operation labels are
// prefixed with the category (e.g. "oracle-call:verify_fraud") for reporting.
type EntryCategory string

const (
	CategoryOracleCall EntryCategory = "oracle-call"
	CategoryLedgerFee  EntryCategory = "ledger-fee"
	CategoryStorage    EntryCategory = "storage"
	CategoryJobProfit  EntryCategory = "job-profit"
	CategoryServiceFee EntryCategory = "service-fee"
)

// CostEntry is an immutable record of money spent by the agent. JobID is zero
// for costs that cannot be attributed to a single job.
type CostEntry struct {
	ID        string
	Category  EntryCategory
	Operation string
	JobID     uint64
	Amount    *big.Int
	Timestamp time.Time
}

// RevenueEntry is an immutable record of money earned by the agent. Ref is an
// idempotency key (e.g. "job-42" for a job-profit entry) so that the same
// revenue is never recorded twice across restarts.
type RevenueEntry struct {
	ID        string
	Category  EntryCategory
	Operation string
	Ref       string
	JobID     uint64
	Amount    *big.Int
	Timestamp time.Time
}

// JobEconomics summarizes one job's unit economics.
type JobEconomics struct {
	JobID   uint64
	Revenue *big.Int
	Cost    *big.Int
	Profit  *big.Int
}
