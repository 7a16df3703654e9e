package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// JobStatus tracks the marketplace lifecycle of a client job.
type JobStatus uint8

const (
	JobStatusCreated JobStatus = iota
	JobStatusInProgress
	JobStatusCompleted
	JobStatusCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusCreated:
		return "Created"
	case JobStatusInProgress:
		return "InProgress"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// Job is the client-owned unit of work. IDs are assigned by the ledger
// contract, never by the engine. Committed and Spent always satisfy
// spent <= committed <= budget.
type Job struct {
	ID          uint64
	Client      common.Address
	Description string
	Budget      *big.Int
	Committed   *big.Int
	Spent       *big.Int
	TaskCount   int
	Status      JobStatus
	CreatedAt   time.Time
}

// Clone returns a deep copy; used for snapshot/rollback around transactions.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Budget = new(big.Int).Set(j.Budget)
	cp.Committed = new(big.Int).Set(j.Committed)
	cp.Spent = new(big.Int).Set(j.Spent)
	return &cp
}

// Residual returns budget minus spent, the amount the agent keeps as profit
// when the job completes.
func (j *Job) Residual() *big.Int {
	return new(big.Int).Sub(j.Budget, j.Spent)
}
