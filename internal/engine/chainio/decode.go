package chainio

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// jobRecord mirrors the getJob tuple layout.
type jobRecord struct {
	Client      common.Address
	Description string
	Budget      *big.Int
	Committed   *big.Int
	Spent       *big.Int
	TaskCount   uint64
	Status      uint8
	CreatedAt   uint64
}

// taskRecord mirrors the getTask tuple layout.
type taskRecord struct {
	JobId             *big.Int
	Index             uint64
	Worker            common.Address
	Description       string
	ProofRequirements string
	Reward            *big.Int
	Deadline          uint64
	MaxRetries        uint8
	RetryCount        uint8
	Status            uint8
	ProofRef          string
}

func (m *Marketplace) GetJob(ctx context.Context, jobID uint64) (*types.Job, error) {
	values, err := m.call(ctx, "getJob", new(big.Int).SetUint64(jobID))
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: getJob returned %d values", ErrMalformedRecord, len(values))
	}

	record := *abi.ConvertType(values[0], new(jobRecord)).(*jobRecord)
	return record.toJob(jobID)
}

func (r *jobRecord) toJob(jobID uint64) (*types.Job, error) {
	if r.Budget == nil || r.Committed == nil || r.Spent == nil {
		return nil, fmt.Errorf("%w: job %d has nil amounts", ErrMalformedRecord, jobID)
	}
	if r.Status > uint8(types.JobStatusCancelled) {
		return nil, fmt.Errorf("%w: job %d has status %d", ErrMalformedRecord, jobID, r.Status)
	}
	if r.Committed.Cmp(r.Budget) > 0 {
		return nil, fmt.Errorf("%w: job %d committed exceeds budget", ErrMalformedRecord, jobID)
	}
	if r.Spent.Cmp(r.Committed) > 0 {
		return nil, fmt.Errorf("%w: job %d spent exceeds committed", ErrMalformedRecord, jobID)
	}

	return &types.Job{
		ID:          jobID,
		Client:      r.Client,
		Description: r.Description,
		Budget:      new(big.Int).Set(r.Budget),
		Committed:   new(big.Int).Set(r.Committed),
		Spent:       new(big.Int).Set(r.Spent),
		TaskCount:   int(r.TaskCount),
		Status:      types.JobStatus(r.Status),
		CreatedAt:   time.Unix(int64(r.CreatedAt), 0).UTC(),
	}, nil
}

func (m *Marketplace) GetTask(ctx context.Context, taskID uint64) (*types.Task, error) {
	values, err := m.call(ctx, "getTask", new(big.Int).SetUint64(taskID))
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: getTask returned %d values", ErrMalformedRecord, len(values))
	}

	record := *abi.ConvertType(values[0], new(taskRecord)).(*taskRecord)
	return record.toTask(taskID)
}

func (r *taskRecord) toTask(taskID uint64) (*types.Task, error) {
	if r.JobId == nil || r.Reward == nil {
		return nil, fmt.Errorf("%w: task %d has nil amounts", ErrMalformedRecord, taskID)
	}
	if r.Status > uint8(types.TaskStatusCancelled) {
		return nil, fmt.Errorf("%w: task %d has status %d", ErrMalformedRecord, taskID, r.Status)
	}
	if r.RetryCount > r.MaxRetries {
		return nil, fmt.Errorf("%w: task %d retry count %d exceeds max %d", ErrMalformedRecord, taskID, r.RetryCount, r.MaxRetries)
	}

	return &types.Task{
		ID:                taskID,
		JobID:             r.JobId.Uint64(),
		Index:             int(r.Index),
		Worker:            r.Worker,
		Description:       r.Description,
		ProofRequirements: r.ProofRequirements,
		Reward:            new(big.Int).Set(r.Reward),
		Deadline:          time.Unix(int64(r.Deadline), 0).UTC(),
		MaxRetries:        int(r.MaxRetries),
		RetryCount:        int(r.RetryCount),
		Status:            types.TaskStatus(r.Status),
		ProofRef:          r.ProofRef,
	}, nil
}

func decodeIDList(values []interface{}) ([]uint64, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: expected one value, got %d", ErrMalformedRecord, len(values))
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: id list has unexpected type %T", ErrMalformedRecord, values[0])
	}
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		if v == nil || !v.IsUint64() {
			return nil, fmt.Errorf("%w: id out of range", ErrMalformedRecord)
		}
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}
