package chainio

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

func topicUint64(topic common.Hash) (uint64, error) {
	v := new(big.Int).SetBytes(topic.Bytes())
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: indexed id out of range", ErrMalformedRecord)
	}
	return v.Uint64(), nil
}

func topicAddress(topic common.Hash) common.Address {
	return common.BytesToAddress(topic.Bytes())
}

// parseLog decodes one marketplace log into a ChainEvent. The second return
// is false for logs whose topic the engine does not track.
func (m *Marketplace) parseLog(log ethtypes.Log) (*types.ChainEvent, bool, error) {
	if len(log.Topics) == 0 {
		return nil, false, nil
	}
	kind, ok := m.kindByTopic[log.Topics[0]]
	if !ok {
		return nil, false, nil
	}

	event := &types.ChainEvent{
		Kind:     kind,
		Block:    log.BlockNumber,
		LogIndex: log.Index,
		TxHash:   log.TxHash,
	}

	fail := func(err error) (*types.ChainEvent, bool, error) {
		return nil, false, fmt.Errorf("%w: %s log at block %d: %v", ErrMalformedRecord, kind, log.BlockNumber, err)
	}

	switch kind {
	case types.EventJobCreated:
		if len(log.Topics) != 3 {
			return fail(fmt.Errorf("expected 3 topics, got %d", len(log.Topics)))
		}
		jobID, err := topicUint64(log.Topics[1])
		if err != nil {
			return fail(err)
		}
		event.JobID = jobID
		event.Client = topicAddress(log.Topics[2])
		values, err := m.abi.Events["JobCreated"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return fail(err)
		}
		budget, ok := values[0].(*big.Int)
		if !ok {
			return fail(fmt.Errorf("budget has type %T", values[0]))
		}
		event.Budget = budget

	case types.EventJobCompleted, types.EventJobCancelled:
		if len(log.Topics) != 2 {
			return fail(fmt.Errorf("expected 2 topics, got %d", len(log.Topics)))
		}
		jobID, err := topicUint64(log.Topics[1])
		if err != nil {
			return fail(err)
		}
		event.JobID = jobID

	case types.EventTaskAdded:
		if len(log.Topics) != 3 {
			return fail(fmt.Errorf("expected 3 topics, got %d", len(log.Topics)))
		}
		jobID, err := topicUint64(log.Topics[1])
		if err != nil {
			return fail(err)
		}
		taskID, err := topicUint64(log.Topics[2])
		if err != nil {
			return fail(err)
		}
		event.JobID = jobID
		event.TaskID = taskID
		values, err := m.abi.Events["TaskAdded"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return fail(err)
		}
		index, ok1 := values[0].(*big.Int)
		reward, ok2 := values[1].(*big.Int)
		deadline, ok3 := values[2].(*big.Int)
		if !ok1 || !ok2 || !ok3 {
			return fail(fmt.Errorf("unexpected data types"))
		}
		event.Index = int(index.Int64())
		event.Reward = reward
		event.Deadline = time.Unix(deadline.Int64(), 0).UTC()

	case types.EventTaskAvailable, types.EventTaskCompleted, types.EventTaskExpired:
		if len(log.Topics) != 2 {
			return fail(fmt.Errorf("expected 2 topics, got %d", len(log.Topics)))
		}
		taskID, err := topicUint64(log.Topics[1])
		if err != nil {
			return fail(err)
		}
		event.TaskID = taskID

	case types.EventTaskAccepted:
		if len(log.Topics) != 3 {
			return fail(fmt.Errorf("expected 3 topics, got %d", len(log.Topics)))
		}
		taskID, err := topicUint64(log.Topics[1])
		if err != nil {
			return fail(err)
		}
		event.TaskID = taskID
		event.Worker = topicAddress(log.Topics[2])

	case types.EventProofSubmitted:
		if len(log.Topics) != 2 {
			return fail(fmt.Errorf("expected 2 topics, got %d", len(log.Topics)))
		}
		taskID, err := topicUint64(log.Topics[1])
		if err != nil {
			return fail(err)
		}
		event.TaskID = taskID
		values, err := m.abi.Events["ProofSubmitted"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return fail(err)
		}
		ref, ok := values[0].(string)
		if !ok {
			return fail(fmt.Errorf("proof ref has type %T", values[0]))
		}
		event.ProofRef = ref

	case types.EventProofRejected:
		if len(log.Topics) != 2 {
			return fail(fmt.Errorf("expected 2 topics, got %d", len(log.Topics)))
		}
		taskID, err := topicUint64(log.Topics[1])
		if err != nil {
			return fail(err)
		}
		event.TaskID = taskID
		values, err := m.abi.Events["ProofRejected"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return fail(err)
		}
		reason, ok := values[0].(string)
		if !ok {
			return fail(fmt.Errorf("reason has type %T", values[0]))
		}
		event.Reason = reason

	default:
		return nil, false, nil
	}

	return event, true, nil
}
