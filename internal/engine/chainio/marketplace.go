package chainio

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// marketplaceABI covers the marketplace contract surface the engine uses.
const marketplaceABI = `[
	{"type":"function","name":"addTasks","stateMutability":"nonpayable","inputs":[
		{"name":"jobId","type":"uint256"},
		{"name":"specs","type":"tuple[]","components":[
			{"name":"description","type":"string"},
			{"name":"proofRequirements","type":"string"},
			{"name":"reward","type":"uint256"},
			{"name":"deadlineOffset","type":"uint64"},
			{"name":"maxRetries","type":"uint8"}
		]}],"outputs":[]},
	{"type":"function","name":"approveTask","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"rejectProof","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"expireTask","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"completeJob","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancelJob","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"reimburseAgent","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getJob","stateMutability":"view","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[
		{"name":"job","type":"tuple","components":[
			{"name":"client","type":"address"},
			{"name":"description","type":"string"},
			{"name":"budget","type":"uint256"},
			{"name":"committed","type":"uint256"},
			{"name":"spent","type":"uint256"},
			{"name":"taskCount","type":"uint64"},
			{"name":"status","type":"uint8"},
			{"name":"createdAt","type":"uint64"}
		]}]},
	{"type":"function","name":"getTask","stateMutability":"view","inputs":[{"name":"taskId","type":"uint256"}],"outputs":[
		{"name":"task","type":"tuple","components":[
			{"name":"jobId","type":"uint256"},
			{"name":"index","type":"uint64"},
			{"name":"worker","type":"address"},
			{"name":"description","type":"string"},
			{"name":"proofRequirements","type":"string"},
			{"name":"reward","type":"uint256"},
			{"name":"deadline","type":"uint64"},
			{"name":"maxRetries","type":"uint8"},
			{"name":"retryCount","type":"uint8"},
			{"name":"status","type":"uint8"},
			{"name":"proofRef","type":"string"}
		]}]},
	{"type":"function","name":"getJobTasks","stateMutability":"view","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"taskIds","type":"uint256[]"}]},
	{"type":"function","name":"getOpenTasks","stateMutability":"view","inputs":[],"outputs":[{"name":"taskIds","type":"uint256[]"}]},
	{"type":"function","name":"previousDeliverable","stateMutability":"view","inputs":[{"name":"taskId","type":"uint256"}],"outputs":[{"name":"proofRef","type":"string"}]},
	{"type":"event","name":"JobCreated","inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"client","type":"address","indexed":true},{"name":"budget","type":"uint256","indexed":false}]},
	{"type":"event","name":"JobCompleted","inputs":[{"name":"jobId","type":"uint256","indexed":true}]},
	{"type":"event","name":"JobCancelled","inputs":[{"name":"jobId","type":"uint256","indexed":true}]},
	{"type":"event","name":"TaskAdded","inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"taskId","type":"uint256","indexed":true},{"name":"index","type":"uint256","indexed":false},{"name":"reward","type":"uint256","indexed":false},{"name":"deadline","type":"uint256","indexed":false}]},
	{"type":"event","name":"TaskAvailable","inputs":[{"name":"taskId","type":"uint256","indexed":true}]},
	{"type":"event","name":"TaskAccepted","inputs":[{"name":"taskId","type":"uint256","indexed":true},{"name":"worker","type":"address","indexed":true}]},
	{"type":"event","name":"ProofSubmitted","inputs":[{"name":"taskId","type":"uint256","indexed":true},{"name":"proofRef","type":"string","indexed":false}]},
	{"type":"event","name":"TaskCompleted","inputs":[{"name":"taskId","type":"uint256","indexed":true}]},
	{"type":"event","name":"ProofRejected","inputs":[{"name":"taskId","type":"uint256","indexed":true},{"name":"reason","type":"string","indexed":false}]},
	{"type":"event","name":"TaskExpired","inputs":[{"name":"taskId","type":"uint256","indexed":true}]}
]`

// ChainReader is the read-only RPC surface the marketplace needs.
// *ethclient.Client satisfies it.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Marketplace is the contract-backed Ledger implementation.
type Marketplace struct {
	address     common.Address
	abi         abi.ABI
	reader      ChainReader
	sender      TxSender
	logger      logging.Logger
	kindByTopic map[common.Hash]types.EventKind
}

var _ Ledger = (*Marketplace)(nil)

func NewMarketplace(address common.Address, reader ChainReader, sender TxSender, logger logging.Logger) (*Marketplace, error) {
	if reader == nil {
		return nil, fmt.Errorf("chain reader cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("tx sender cannot be nil")
	}

	parsed, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse marketplace ABI: %w", err)
	}

	kinds := map[string]types.EventKind{
		"JobCreated":     types.EventJobCreated,
		"JobCompleted":   types.EventJobCompleted,
		"JobCancelled":   types.EventJobCancelled,
		"TaskAdded":      types.EventTaskAdded,
		"TaskAvailable":  types.EventTaskAvailable,
		"TaskAccepted":   types.EventTaskAccepted,
		"ProofSubmitted": types.EventProofSubmitted,
		"TaskCompleted":  types.EventTaskCompleted,
		"ProofRejected":  types.EventProofRejected,
		"TaskExpired":    types.EventTaskExpired,
	}
	byTopic := make(map[common.Hash]types.EventKind, len(kinds))
	for name, kind := range kinds {
		ev, ok := parsed.Events[name]
		if !ok {
			return nil, fmt.Errorf("marketplace ABI is missing event %s", name)
		}
		byTopic[ev.ID] = kind
	}

	return &Marketplace{
		address:    address,
		abi:        parsed,
		reader:     reader,
		sender:     sender,
		logger:     logger,
		kindByTopic: byTopic,
	}, nil
}

// Address returns the marketplace contract address.
func (m *Marketplace) Address() common.Address {
	return m.address
}

func (m *Marketplace) send(ctx context.Context, method string, args ...interface{}) (*TxResult, error) {
	calldata, err := m.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	result, err := m.sender.SendTransaction(ctx, m.address, common.Big0, calldata)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTxFailed, method, err)
	}
	m.logger.Debug("Ledger transaction mined", "method", method, "tx", result.Hash.Hex())
	return result, nil
}

func (m *Marketplace) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	calldata, err := m.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	out, err := m.reader.CallContract(ctx, ethereum.CallMsg{To: &m.address, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	values, err := m.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unpack %s result: %v", ErrMalformedRecord, method, err)
	}
	return values, nil
}

// taskSpec mirrors the addTasks tuple component layout.
type taskSpec struct {
	Description       string
	ProofRequirements string
	Reward            *big.Int
	DeadlineOffset    uint64
	MaxRetries        uint8
}

func (m *Marketplace) AddTasks(ctx context.Context, jobID uint64, plans []types.TaskPlan) (*TxResult, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("cannot add an empty task plan to job %d", jobID)
	}
	specs := make([]taskSpec, 0, len(plans))
	for _, p := range plans {
		specs = append(specs, taskSpec{
			Description:       p.Description,
			ProofRequirements: p.ProofRequirements,
			Reward:            p.Reward,
			DeadlineOffset:    uint64(p.DeadlineOffset / time.Second),
			MaxRetries:        uint8(p.MaxRetries),
		})
	}
	return m.send(ctx, "addTasks", new(big.Int).SetUint64(jobID), specs)
}

func (m *Marketplace) ApproveTask(ctx context.Context, taskID uint64) (*TxResult, error) {
	return m.send(ctx, "approveTask", new(big.Int).SetUint64(taskID))
}

func (m *Marketplace) RejectProof(ctx context.Context, taskID uint64, reason string) (*TxResult, error) {
	return m.send(ctx, "rejectProof", new(big.Int).SetUint64(taskID), reason)
}

func (m *Marketplace) ExpireTask(ctx context.Context, taskID uint64) (*TxResult, error) {
	return m.send(ctx, "expireTask", new(big.Int).SetUint64(taskID))
}

func (m *Marketplace) CompleteJob(ctx context.Context, jobID uint64) (*TxResult, error) {
	return m.send(ctx, "completeJob", new(big.Int).SetUint64(jobID))
}

func (m *Marketplace) CancelJob(ctx context.Context, jobID uint64) (*TxResult, error) {
	return m.send(ctx, "cancelJob", new(big.Int).SetUint64(jobID))
}

func (m *Marketplace) Reimburse(ctx context.Context, amount *big.Int) (*TxResult, error) {
	return m.send(ctx, "reimburseAgent", amount)
}

func (m *Marketplace) GetJobTasks(ctx context.Context, jobID uint64) ([]uint64, error) {
	values, err := m.call(ctx, "getJobTasks", new(big.Int).SetUint64(jobID))
	if err != nil {
		return nil, err
	}
	return decodeIDList(values)
}

func (m *Marketplace) GetOpenTasks(ctx context.Context) ([]uint64, error) {
	values, err := m.call(ctx, "getOpenTasks")
	if err != nil {
		return nil, err
	}
	return decodeIDList(values)
}

func (m *Marketplace) GetPreviousDeliverable(ctx context.Context, taskID uint64) (string, error) {
	values, err := m.call(ctx, "previousDeliverable", new(big.Int).SetUint64(taskID))
	if err != nil {
		return "", err
	}
	if len(values) != 1 {
		return "", fmt.Errorf("%w: previousDeliverable returned %d values", ErrMalformedRecord, len(values))
	}
	ref, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: previousDeliverable is not a string", ErrMalformedRecord)
	}
	return ref, nil
}

func (m *Marketplace) LatestBlock(ctx context.Context) (uint64, error) {
	return m.reader.BlockNumber(ctx)
}

// FilterEvents fetches and decodes marketplace logs in [fromBlock, toBlock],
// ordered exactly as the ledger recorded them. Logs from unknown topics are
// skipped; logs with a known topic that fail to decode are an error, because
// a half-understood history must never be replayed.
func (m *Marketplace) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]types.ChainEvent, error) {
	logs, err := m.reader.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{m.address},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter marketplace logs: %w", err)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]types.ChainEvent, 0, len(logs))
	for _, log := range logs {
		event, known, err := m.parseLog(log)
		if err != nil {
			return nil, err
		}
		if !known {
			continue
		}
		events = append(events, *event)
	}
	return events, nil
}
