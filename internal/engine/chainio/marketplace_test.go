package chainio

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

type fakeReader struct {
	callResult []byte
	callErr    error
	logs       []ethtypes.Log
	head       uint64
}

func (f *fakeReader) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, f.callErr
}

func (f *fakeReader) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return f.logs, nil
}

func (f *fakeReader) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

type fakeSender struct {
	lastTo       common.Address
	lastCalldata []byte
	err          error
}

func (f *fakeSender) SendTransaction(ctx context.Context, to common.Address, value *big.Int, calldata []byte) (*TxResult, error) {
	f.lastTo = to
	f.lastCalldata = calldata
	if f.err != nil {
		return nil, f.err
	}
	return &TxResult{Hash: common.HexToHash("0xabc"), GasCost: big.NewInt(21000)}, nil
}

func newTestMarketplace(t *testing.T, reader *fakeReader, sender *fakeSender) *Marketplace {
	t.Helper()
	m, err := NewMarketplace(common.HexToAddress("0x00000000000000000000000000000000000000aa"), reader, sender, logging.NewNoOpLogger())
	require.NoError(t, err)
	return m
}

func uint64Topic(v uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(v))
}

func TestParseLogJobCreated(t *testing.T) {
	m := newTestMarketplace(t, &fakeReader{}, &fakeSender{})

	client := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	data, err := m.abi.Events["JobCreated"].Inputs.NonIndexed().Pack(big.NewInt(1_000_000))
	require.NoError(t, err)

	log := ethtypes.Log{
		Topics: []common.Hash{
			m.abi.Events["JobCreated"].ID,
			uint64Topic(7),
			common.BytesToHash(client.Bytes()),
		},
		Data:        data,
		BlockNumber: 42,
		Index:       3,
	}

	event, known, err := m.parseLog(log)
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, types.EventJobCreated, event.Kind)
	assert.EqualValues(t, 7, event.JobID)
	assert.Equal(t, client, event.Client)
	assert.Equal(t, big.NewInt(1_000_000), event.Budget)
	assert.EqualValues(t, 42, event.Block)
}

func TestParseLogTaskAdded(t *testing.T) {
	m := newTestMarketplace(t, &fakeReader{}, &fakeSender{})

	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := m.abi.Events["TaskAdded"].Inputs.NonIndexed().Pack(
		big.NewInt(1), big.NewInt(5000), big.NewInt(deadline.Unix()))
	require.NoError(t, err)

	log := ethtypes.Log{
		Topics: []common.Hash{
			m.abi.Events["TaskAdded"].ID,
			uint64Topic(7),
			uint64Topic(13),
		},
		Data: data,
	}

	event, known, err := m.parseLog(log)
	require.NoError(t, err)
	require.True(t, known)
	assert.EqualValues(t, 7, event.JobID)
	assert.EqualValues(t, 13, event.TaskID)
	assert.Equal(t, 1, event.Index)
	assert.Equal(t, big.NewInt(5000), event.Reward)
	assert.Equal(t, deadline, event.Deadline)
}

func TestParseLogProofSubmitted(t *testing.T) {
	m := newTestMarketplace(t, &fakeReader{}, &fakeSender{})

	data, err := m.abi.Events["ProofSubmitted"].Inputs.NonIndexed().Pack("QmProof")
	require.NoError(t, err)

	log := ethtypes.Log{
		Topics: []common.Hash{m.abi.Events["ProofSubmitted"].ID, uint64Topic(13)},
		Data:   data,
	}

	event, known, err := m.parseLog(log)
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, types.EventProofSubmitted, event.Kind)
	assert.Equal(t, "QmProof", event.ProofRef)
}

func TestParseLogUnknownTopicSkipped(t *testing.T) {
	m := newTestMarketplace(t, &fakeReader{}, &fakeSender{})

	_, known, err := m.parseLog(ethtypes.Log{
		Topics: []common.Hash{common.HexToHash("0xdeadbeef")},
	})
	require.NoError(t, err)
	assert.False(t, known)
}

func TestFilterEventsPreservesLedgerOrder(t *testing.T) {
	m := newTestMarketplace(t, &fakeReader{}, &fakeSender{})

	mkLog := func(block uint64, index uint, taskID uint64) ethtypes.Log {
		return ethtypes.Log{
			Topics:      []common.Hash{m.abi.Events["TaskCompleted"].ID, uint64Topic(taskID)},
			BlockNumber: block,
			Index:       index,
		}
	}

	reader := &fakeReader{logs: []ethtypes.Log{
		mkLog(10, 2, 3),
		mkLog(9, 0, 1),
		mkLog(10, 0, 2),
	}}
	m.reader = reader

	events, err := m.FilterEvents(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.EqualValues(t, 1, events[0].TaskID)
	assert.EqualValues(t, 2, events[1].TaskID)
	assert.EqualValues(t, 3, events[2].TaskID)
}

func TestGetJobStrictDecode(t *testing.T) {
	m := newTestMarketplace(t, &fakeReader{}, &fakeSender{})

	pack := func(r jobRecord) []byte {
		out, err := m.abi.Methods["getJob"].Outputs.Pack(r)
		require.NoError(t, err)
		return out
	}

	valid := jobRecord{
		Client:      common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		Description: "build a landing page",
		Budget:      big.NewInt(1000),
		Committed:   big.NewInt(700),
		Spent:       big.NewInt(300),
		TaskCount:   2,
		Status:      uint8(types.JobStatusInProgress),
		CreatedAt:   1700000000,
	}

	m.reader = &fakeReader{callResult: pack(valid)}
	job, err := m.GetJob(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusInProgress, job.Status)
	assert.Equal(t, big.NewInt(1000), job.Budget)

	// Status outside the enum must be rejected, not truncated.
	invalid := valid
	invalid.Status = 9
	m.reader = &fakeReader{callResult: pack(invalid)}
	_, err = m.GetJob(context.Background(), 7)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	// Committed above budget violates the job invariant.
	invalid = valid
	invalid.Committed = big.NewInt(2000)
	m.reader = &fakeReader{callResult: pack(invalid)}
	_, err = m.GetJob(context.Background(), 7)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestGetTaskStrictDecode(t *testing.T) {
	m := newTestMarketplace(t, &fakeReader{}, &fakeSender{})

	record := taskRecord{
		JobId:             big.NewInt(7),
		Index:             1,
		Worker:            common.Address{},
		Description:       "take a screenshot",
		ProofRequirements: "full-page capture",
		Reward:            big.NewInt(5000),
		Deadline:          1700000000,
		MaxRetries:        2,
		RetryCount:        1,
		Status:            uint8(types.TaskStatusAccepted),
		ProofRef:          "",
	}
	out, err := m.abi.Methods["getTask"].Outputs.Pack(record)
	require.NoError(t, err)

	m.reader = &fakeReader{callResult: out}
	task, err := m.GetTask(context.Background(), 13)
	require.NoError(t, err)
	assert.EqualValues(t, 7, task.JobID)
	assert.Equal(t, types.TaskStatusAccepted, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	record.RetryCount = 5 // above MaxRetries
	out, err = m.abi.Methods["getTask"].Outputs.Pack(record)
	require.NoError(t, err)
	m.reader = &fakeReader{callResult: out}
	_, err = m.GetTask(context.Background(), 13)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestSendUsesMethodSelector(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMarketplace(t, &fakeReader{}, sender)

	_, err := m.ApproveTask(context.Background(), 13)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(sender.lastCalldata), 4)
	assert.Equal(t, m.abi.Methods["approveTask"].ID, sender.lastCalldata[:4])
	assert.Equal(t, m.address, sender.lastTo)
}

func TestSendWrapsFailuresWithErrTxFailed(t *testing.T) {
	sender := &fakeSender{err: assert.AnError}
	m := newTestMarketplace(t, &fakeReader{}, sender)

	_, err := m.ExpireTask(context.Background(), 13)
	assert.ErrorIs(t, err, ErrTxFailed)
}

func TestAddTasksRejectsEmptyPlan(t *testing.T) {
	m := newTestMarketplace(t, &fakeReader{}, &fakeSender{})
	_, err := m.AddTasks(context.Background(), 7, nil)
	assert.Error(t, err)
}
