package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TaskStatus tracks a task through its lifecycle state machine.
type TaskStatus uint8

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusOpen
	TaskStatusAccepted
	TaskStatusPendingVerification
	TaskStatusCompleted
	TaskStatusCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusPending:
		return "Pending"
	case TaskStatusOpen:
		return "Open"
	case TaskStatusAccepted:
		return "Accepted"
	case TaskStatusPendingVerification:
		return "PendingVerification"
	case TaskStatusCompleted:
		return "Completed"
	case TaskStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Task is one unit of decomposed work belonging to a Job. A task is Open only
// when every task with a smaller Index in the same job is Completed; exactly
// one worker holds Accepted/PendingVerification at a time.
type Task struct {
	ID                uint64
	JobID             uint64
	Index             int
	Worker            common.Address // zero address until accepted
	Description       string
	ProofRequirements string
	Reward            *big.Int
	Deadline          time.Time
	MaxRetries        int
	RetryCount        int
	Status            TaskStatus
	ProofRef          string
	RejectionReason   string
}

// Clone returns a deep copy; used for snapshot/rollback around transactions.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Reward = new(big.Int).Set(t.Reward)
	return &cp
}
