package chainio

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

var (
	// ErrMalformedRecord marks a ledger read that did not decode into the
	// expected schema. Reads fail closed; the engine never indexes into
	// half-decoded tuples.
	ErrMalformedRecord = errors.New("malformed ledger record")

	// ErrTxFailed marks a submitted transaction that reverted or could not
	// be included.
	ErrTxFailed = errors.New("ledger transaction failed")
)

// TxResult describes one mined, successful transaction.
type TxResult struct {
	Hash    common.Hash
	GasCost *big.Int // gasUsed * effectiveGasPrice, in wei
}

// TxSender signs and submits a prepared call to the ledger and waits for
// inclusion. Signing is owned by an external wallet collaborator; the engine
// only builds calldata. A reverted transaction returns an error wrapping
// ErrTxFailed.
type TxSender interface {
	SendTransaction(ctx context.Context, to common.Address, value *big.Int, calldata []byte) (*TxResult, error)
}

// Ledger is the engine's view of the marketplace contract. Mutating calls are
// issued only by the lifecycle engine; the watcher consumes events and reads.
type Ledger interface {
	// Mutating calls.
	AddTasks(ctx context.Context, jobID uint64, plans []types.TaskPlan) (*TxResult, error)
	ApproveTask(ctx context.Context, taskID uint64) (*TxResult, error)
	RejectProof(ctx context.Context, taskID uint64, reason string) (*TxResult, error)
	ExpireTask(ctx context.Context, taskID uint64) (*TxResult, error)
	CompleteJob(ctx context.Context, jobID uint64) (*TxResult, error)
	CancelJob(ctx context.Context, jobID uint64) (*TxResult, error)
	Reimburse(ctx context.Context, amount *big.Int) (*TxResult, error)

	// Reads.
	GetJob(ctx context.Context, jobID uint64) (*types.Job, error)
	GetTask(ctx context.Context, taskID uint64) (*types.Task, error)
	GetJobTasks(ctx context.Context, jobID uint64) ([]uint64, error)
	GetOpenTasks(ctx context.Context) ([]uint64, error)
	GetPreviousDeliverable(ctx context.Context, taskID uint64) (string, error)

	// Event access for the watcher.
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]types.ChainEvent, error)
	LatestBlock(ctx context.Context) (uint64, error)
}
