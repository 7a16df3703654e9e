package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind identifies a marketplace contract event.
type EventKind string

const (
	EventJobCreated     EventKind = "JOB_CREATED"
	EventJobCompleted   EventKind = "JOB_COMPLETED"
	EventJobCancelled   EventKind = "JOB_CANCELLED"
	EventTaskAdded      EventKind = "TASK_ADDED"
	EventTaskAvailable  EventKind = "TASK_AVAILABLE"
	EventTaskAccepted   EventKind = "TASK_ACCEPTED"
	EventTaskCompleted  EventKind = "TASK_COMPLETED"
	EventTaskExpired    EventKind = "TASK_EXPIRED"
	EventProofSubmitted EventKind = "PROOF_SUBMITTED"
	EventProofRejected  EventKind = "PROOF_REJECTED"
)

// ChainEvent is a decoded marketplace log. Only the fields relevant to the
// event's Kind are populated. Block and LogIndex preserve ledger ordering so
// that replay after a restart observes the exact historical sequence.
type ChainEvent struct {
	Kind     EventKind
	Block    uint64
	LogIndex uint
	TxHash   common.Hash

	JobID  uint64
	TaskID uint64

	Client common.Address // JobCreated
	Worker common.Address // TaskAccepted

	Budget   *big.Int  // JobCreated
	Reward   *big.Int  // TaskAdded
	Index    int       // TaskAdded
	Deadline time.Time // TaskAdded

	ProofRef string // ProofSubmitted
	Reason   string // ProofRejected
}
