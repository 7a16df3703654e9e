package lifecycle

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/chainio"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/store"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/treasury"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

var (
	testClient = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testWorker = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type fakeLedger struct {
	mu sync.Mutex

	head  uint64
	jobs  map[uint64]*types.Job
	tasks map[uint64]*types.Task
	prev  map[uint64]string

	addTasksCalls    int
	approveCalls     []uint64
	rejectCalls      []uint64
	rejectReasons    map[uint64]string
	completeJobCalls []uint64
	cancelJobCalls   []uint64
	expireCalls      []uint64

	failApprove  bool
	failReject   bool
	failComplete bool
	failAddTasks bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		jobs:          make(map[uint64]*types.Job),
		tasks:         make(map[uint64]*types.Task),
		prev:          make(map[uint64]string),
		rejectReasons: make(map[uint64]string),
	}
}

func txOK() *chainio.TxResult {
	return &chainio.TxResult{Hash: common.HexToHash("0xabc"), GasCost: big.NewInt(1000)}
}

func (f *fakeLedger) AddTasks(ctx context.Context, jobID uint64, plans []types.TaskPlan) (*chainio.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddTasks {
		return nil, fmt.Errorf("%w: addTasks reverted", chainio.ErrTxFailed)
	}
	f.addTasksCalls++
	return txOK(), nil
}

func (f *fakeLedger) ApproveTask(ctx context.Context, taskID uint64) (*chainio.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApprove {
		return nil, fmt.Errorf("%w: approveTask reverted", chainio.ErrTxFailed)
	}
	f.approveCalls = append(f.approveCalls, taskID)
	return txOK(), nil
}

func (f *fakeLedger) RejectProof(ctx context.Context, taskID uint64, reason string) (*chainio.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReject {
		return nil, fmt.Errorf("%w: rejectProof reverted", chainio.ErrTxFailed)
	}
	f.rejectCalls = append(f.rejectCalls, taskID)
	f.rejectReasons[taskID] = reason
	return txOK(), nil
}

func (f *fakeLedger) ExpireTask(ctx context.Context, taskID uint64) (*chainio.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireCalls = append(f.expireCalls, taskID)
	return txOK(), nil
}

func (f *fakeLedger) CompleteJob(ctx context.Context, jobID uint64) (*chainio.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failComplete {
		return nil, fmt.Errorf("%w: completeJob reverted", chainio.ErrTxFailed)
	}
	f.completeJobCalls = append(f.completeJobCalls, jobID)
	return txOK(), nil
}

func (f *fakeLedger) CancelJob(ctx context.Context, jobID uint64) (*chainio.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelJobCalls = append(f.cancelJobCalls, jobID)
	return txOK(), nil
}

func (f *fakeLedger) Reimburse(ctx context.Context, amount *big.Int) (*chainio.TxResult, error) {
	return txOK(), nil
}

func (f *fakeLedger) GetJob(ctx context.Context, jobID uint64) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		return job.Clone(), nil
	}
	return nil, fmt.Errorf("%w: job %d", chainio.ErrMalformedRecord, jobID)
}

func (f *fakeLedger) GetTask(ctx context.Context, taskID uint64) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[taskID]; ok {
		return task.Clone(), nil
	}
	return nil, fmt.Errorf("%w: task %d", chainio.ErrMalformedRecord, taskID)
}

func (f *fakeLedger) GetJobTasks(ctx context.Context, jobID uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uint64
	for id, task := range f.tasks {
		if task.JobID == jobID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeLedger) GetOpenTasks(ctx context.Context) ([]uint64, error) { return nil, nil }

func (f *fakeLedger) GetPreviousDeliverable(ctx context.Context, taskID uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prev[taskID], nil
}

func (f *fakeLedger) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]types.ChainEvent, error) {
	return nil, nil
}

func (f *fakeLedger) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

type fakePlanner struct {
	plans []types.TaskPlan
	err   error
}

func (f *fakePlanner) Decompose(ctx context.Context, jobID uint64, description string, budget *big.Int) ([]types.TaskPlan, error) {
	return f.plans, f.err
}

type fakeVerifier struct {
	result *types.VerificationResult
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, job *types.Job, task *types.Task, previousProofRef string) (*types.VerificationResult, error) {
	return f.result, f.err
}

type fixture struct {
	manager  *Manager
	ledger   *fakeLedger
	verifier *fakeVerifier
	planner  *fakePlanner
	treasury *treasury.Treasury
	store    *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "engine.db"), logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr, err := treasury.New(context.Background(), st, nil, logging.NewNoOpLogger())
	require.NoError(t, err)

	ledger := newFakeLedger()
	verifier := &fakeVerifier{}
	planner := &fakePlanner{}
	m := NewManager(ledger, planner, verifier, tr, st, nil, logging.NewNoOpLogger())
	return &fixture{manager: m, ledger: ledger, verifier: verifier, planner: planner, treasury: tr, store: st}
}

func ev(kind types.EventKind, jobID, taskID uint64) *types.ChainEvent {
	return &types.ChainEvent{Kind: kind, JobID: jobID, TaskID: taskID}
}

// seedCreatedJob registers a job that has not been decomposed yet.
func (fx *fixture) seedCreatedJob(t *testing.T) {
	t.Helper()
	created := ev(types.EventJobCreated, 7, 0)
	created.Client = testClient
	created.Budget = big.NewInt(1000)
	mustApply(t, fx.manager, created)

	fx.ledger.jobs[7] = fx.manager.GetJob(7)
	fx.ledger.jobs[7].Description = "photograph the storefront"
}

// seedJob walks a job with one 400-wei task up to Accepted.
func (fx *fixture) seedJob(t *testing.T) {
	t.Helper()
	m := fx.manager

	created := ev(types.EventJobCreated, 7, 0)
	created.Client = testClient
	created.Budget = big.NewInt(1000)
	mustApply(t, m, created)

	added := ev(types.EventTaskAdded, 7, 13)
	added.Index = 0
	added.Reward = big.NewInt(400)
	added.Deadline = time.Now().Add(time.Hour)
	mustApply(t, m, added)

	mustApply(t, m, ev(types.EventTaskAvailable, 0, 13))

	accepted := ev(types.EventTaskAccepted, 0, 13)
	accepted.Worker = testWorker
	mustApply(t, m, accepted)

	// Ledger-side mirror used for hydration.
	fx.ledger.jobs[7] = m.GetJob(7)
	fx.ledger.jobs[7].Description = "photograph the storefront"
	task := m.GetTask(13)
	task.Description = "take a photo"
	task.ProofRequirements = "daylight"
	task.MaxRetries = 2
	fx.ledger.tasks[13] = task
}

func mustApply(t *testing.T, m *Manager, event *types.ChainEvent) {
	t.Helper()
	applied, err := m.ApplyEvent(event)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestApplyEventHappyPath(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	job := m.GetJob(7)
	assert.Equal(t, types.JobStatusInProgress, job.Status)
	assert.Equal(t, big.NewInt(400), job.Committed)
	assert.Equal(t, 1, job.TaskCount)

	task := m.GetTask(13)
	assert.Equal(t, types.TaskStatusAccepted, task.Status)
	assert.Equal(t, testWorker, task.Worker)

	proof := ev(types.EventProofSubmitted, 0, 13)
	proof.ProofRef = "QmProof"
	mustApply(t, m, proof)
	assert.Equal(t, types.TaskStatusPendingVerification, m.GetTask(13).Status)

	mustApply(t, m, ev(types.EventTaskCompleted, 0, 13))
	assert.Equal(t, types.TaskStatusCompleted, m.GetTask(13).Status)
	assert.Equal(t, big.NewInt(400), m.GetJob(7).Spent)

	mustApply(t, m, ev(types.EventJobCompleted, 7, 0))
	assert.Equal(t, types.JobStatusCompleted, m.GetJob(7).Status)
}

func TestApplyEventIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	accepted := ev(types.EventTaskAccepted, 0, 13)
	accepted.Worker = testWorker
	applied, err := m.ApplyEvent(accepted)
	require.NoError(t, err)
	assert.False(t, applied)

	added := ev(types.EventTaskAdded, 7, 13)
	added.Reward = big.NewInt(400)
	applied, err = m.ApplyEvent(added)
	require.NoError(t, err)
	assert.False(t, applied)
	// Committed must not grow on re-delivery.
	assert.Equal(t, big.NewInt(400), m.GetJob(7).Committed)
}

func TestApplyEventRejectsInvalidEdges(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	// Completing a task that never went through verification or acceptance.
	avail := ev(types.EventTaskAvailable, 0, 13)
	_, err := m.ApplyEvent(avail)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Unknown entities are flagged for hydration.
	_, err = m.ApplyEvent(ev(types.EventTaskCompleted, 0, 999))
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = m.ApplyEvent(ev(types.EventJobCompleted, 999, 0))
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestApplyEventEnforcesBudgetInvariant(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	over := ev(types.EventTaskAdded, 7, 14)
	over.Index = 1
	over.Reward = big.NewInt(700) // 400 committed + 700 > 1000
	_, err := m.ApplyEvent(over)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, big.NewInt(400), m.GetJob(7).Committed)
}

func TestApplyProofRejectedRetriesThenCancels(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	m.mu.Lock()
	m.tasks[13].MaxRetries = 1
	m.mu.Unlock()

	submit := func(ref string) {
		proof := ev(types.EventProofSubmitted, 0, 13)
		proof.ProofRef = ref
		mustApply(t, m, proof)
	}
	reject := func(reason string) {
		rejected := ev(types.EventProofRejected, 0, 13)
		rejected.Reason = reason
		mustApply(t, m, rejected)
	}

	submit("QmFirst")
	reject("blurry")
	task := m.GetTask(13)
	assert.Equal(t, types.TaskStatusAccepted, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "blurry", task.RejectionReason)
	assert.Empty(t, task.ProofRef)

	submit("QmSecond")
	reject("still blurry")
	assert.Equal(t, types.TaskStatusCancelled, m.GetTask(13).Status)
}

func TestApplyJobCancelledCascades(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	mustApply(t, m, ev(types.EventJobCancelled, 7, 0))
	assert.Equal(t, types.JobStatusCancelled, m.GetJob(7).Status)
	assert.Equal(t, types.TaskStatusCancelled, m.GetTask(13).Status)
}

func TestSettleApprovalCompletesTaskAndJob(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager
	ctx := context.Background()

	proof := ev(types.EventProofSubmitted, 0, 13)
	proof.ProofRef = "QmProof"
	mustApply(t, m, proof)

	fx.verifier.result = &types.VerificationResult{
		Scores: types.VerificationScores{
			Authenticity: 0.9, Relevance: 0.9, Completeness: 0.9, Quality: 0.9, Consistency: 1,
		},
		Confidence: 0.92,
		Approved:   true,
	}
	m.reactToProofSubmitted(ctx, 13)

	assert.Equal(t, []uint64{13}, fx.ledger.approveCalls)
	assert.Equal(t, types.TaskStatusCompleted, m.GetTask(13).Status)
	assert.Equal(t, big.NewInt(400), m.GetJob(7).Spent)

	// The only task is done, so the job completes and books its residual.
	assert.Equal(t, []uint64{7}, fx.ledger.completeJobCalls)
	assert.Equal(t, types.JobStatusCompleted, m.GetJob(7).Status)
	assert.Equal(t, big.NewInt(600), fx.treasury.TotalRevenue())

	// The ledger event for the same completion is a no-op.
	applied, err := m.ApplyEvent(ev(types.EventTaskCompleted, 0, 13))
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = m.ApplyEvent(ev(types.EventJobCompleted, 7, 0))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, big.NewInt(600), fx.treasury.TotalRevenue())
}

func TestSettleApprovalRollsBackOnTxFailure(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager
	ctx := context.Background()

	proof := ev(types.EventProofSubmitted, 0, 13)
	proof.ProofRef = "QmProof"
	mustApply(t, m, proof)

	fx.ledger.failApprove = true
	fx.verifier.result = &types.VerificationResult{Approved: true}
	m.reactToProofSubmitted(ctx, 13)

	task := m.GetTask(13)
	assert.Equal(t, types.TaskStatusPendingVerification, task.Status)
	assert.Equal(t, "QmProof", task.ProofRef)
	assert.Zero(t, m.GetJob(7).Spent.Sign())
	assert.Empty(t, fx.ledger.completeJobCalls)
}

func TestSettleRejectionSendsRemediation(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager
	ctx := context.Background()

	proof := ev(types.EventProofSubmitted, 0, 13)
	proof.ProofRef = "QmProof"
	mustApply(t, m, proof)

	fx.verifier.result = &types.VerificationResult{
		Approved:    false,
		Remediation: "retake the photo in daylight",
	}
	m.reactToProofSubmitted(ctx, 13)

	assert.Equal(t, []uint64{13}, fx.ledger.rejectCalls)
	assert.Equal(t, "retake the photo in daylight", fx.ledger.rejectReasons[13])

	task := m.GetTask(13)
	assert.Equal(t, types.TaskStatusAccepted, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "retake the photo in daylight", task.RejectionReason)
}

func TestReactToJobCreatedCancelsOnPlannerFailure(t *testing.T) {
	fx := newFixture(t)
	fx.seedCreatedJob(t)
	m := fx.manager

	fx.planner.err = fmt.Errorf("oracle exploded")
	m.reactToJobCreated(context.Background(), 7)

	assert.Equal(t, []uint64{7}, fx.ledger.cancelJobCalls)
	assert.Zero(t, fx.ledger.addTasksCalls)
}

func TestReactToJobCreatedRegistersPlan(t *testing.T) {
	fx := newFixture(t)
	fx.seedCreatedJob(t)
	m := fx.manager

	fx.planner.plans = []types.TaskPlan{
		{Index: 0, Description: "a", Executor: types.ExecutorHuman, Reward: big.NewInt(100), ProofRequirements: "p"},
	}
	m.reactToJobCreated(context.Background(), 7)

	assert.Equal(t, 1, fx.ledger.addTasksCalls)
	assert.Empty(t, fx.ledger.cancelJobCalls)
	// Gas for addTasks lands in the cost ledger.
	assert.Equal(t, big.NewInt(1000), fx.treasury.TotalCost())
}

func TestHandleEventHydratesUnknownEntities(t *testing.T) {
	fx := newFixture(t)
	m := fx.manager
	ctx := context.Background()

	// The ledger knows a job this registry has never seen.
	fx.ledger.jobs[7] = &types.Job{
		ID: 7, Client: testClient, Description: "d",
		Budget: big.NewInt(1000), Committed: big.NewInt(400), Spent: new(big.Int),
		TaskCount: 1, Status: types.JobStatusInProgress,
	}
	fx.ledger.tasks[13] = &types.Task{
		ID: 13, JobID: 7, Index: 0, Description: "d", ProofRequirements: "p",
		Reward: big.NewInt(400), Status: types.TaskStatusOpen, MaxRetries: 2,
	}

	accepted := ev(types.EventTaskAccepted, 0, 13)
	accepted.Worker = testWorker
	require.NoError(t, m.HandleEvent(ctx, accepted))

	task := m.GetTask(13)
	require.NotNil(t, task)
	assert.Equal(t, types.TaskStatusAccepted, task.Status)
	assert.Equal(t, testWorker, task.Worker)
	require.NotNil(t, m.GetJob(7))
}

func TestHydrationAbsorbsInWindowEvents(t *testing.T) {
	fx := newFixture(t)
	m := fx.manager
	ctx := context.Background()

	// Ledger state as of block 50 already reflects one rejected proof.
	fx.ledger.head = 50
	fx.ledger.jobs[7] = &types.Job{
		ID: 7, Client: testClient, Description: "d",
		Budget: big.NewInt(1000), Committed: big.NewInt(400), Spent: new(big.Int),
		TaskCount: 1, Status: types.JobStatusInProgress,
	}
	fx.ledger.tasks[13] = &types.Task{
		ID: 13, JobID: 7, Index: 0, Description: "d", ProofRequirements: "p",
		Reward: big.NewInt(400), Worker: testWorker, MaxRetries: 2, RetryCount: 1,
		RejectionReason: "blurry", Status: types.TaskStatusAccepted,
	}

	// The polling window re-delivers the rejection that produced that state.
	// Applying it on top of the snapshot would burn a second retry.
	rejected := ev(types.EventProofRejected, 0, 13)
	rejected.Block = 40
	rejected.Reason = "blurry"
	require.NoError(t, m.HandleEvent(ctx, rejected))

	task := m.GetTask(13)
	require.NotNil(t, task)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, types.TaskStatusAccepted, task.Status)

	// Other events below the hydration height are absorbed the same way.
	accepted := ev(types.EventTaskAccepted, 0, 13)
	accepted.Block = 30
	accepted.Worker = testWorker
	applied, err := m.ApplyEvent(accepted)
	require.NoError(t, err)
	assert.False(t, applied)

	// Events past the hydration height still move state.
	proof := ev(types.EventProofSubmitted, 0, 13)
	proof.Block = 60
	proof.ProofRef = "QmSecond"
	applied, err = m.ApplyEvent(proof)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, types.TaskStatusPendingVerification, m.GetTask(13).Status)
}

func TestReactToJobCreatedSkipsPlannedJob(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	fx.planner.plans = []types.TaskPlan{
		{Index: 1, Description: "b", Executor: types.ExecutorHuman, Reward: big.NewInt(100), ProofRequirements: "p"},
	}
	m.reactToJobCreated(context.Background(), 7)

	assert.Zero(t, fx.ledger.addTasksCalls)
	assert.Empty(t, fx.ledger.cancelJobCalls)
}

func TestWorkerStatsAndBonus(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager
	ctx := context.Background()

	result := &types.VerificationResult{
		Scores: types.VerificationScores{
			Authenticity: 1, Relevance: 1, Completeness: 1, Quality: 1, Consistency: 1,
		},
		Confidence: 1,
		Approved:   true,
	}
	m.updateWorkerStats(ctx, testWorker, big.NewInt(400), 7, result)

	stats, err := fx.store.GetWorkerStats(ctx, testWorker)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, types.TierPlatinum, stats.Tier())
	// Platinum pays 10% of the reward.
	assert.Equal(t, big.NewInt(40), stats.BonusPaid)
	assert.Equal(t, big.NewInt(40), fx.treasury.CostByCategory()[types.CategoryServiceFee])
}

func TestOverdueTasksAndExpiry(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	now := time.Now()
	assert.Empty(t, m.OverdueTasks(now))

	m.mu.Lock()
	m.tasks[13].Deadline = now.Add(-time.Minute)
	m.mu.Unlock()

	overdue := m.OverdueTasks(now)
	assert.Equal(t, []uint64{13}, overdue)

	require.NoError(t, m.ExpireTask(context.Background(), 13))
	assert.Equal(t, []uint64{13}, fx.ledger.expireCalls)

	// Local state is untouched until the ledger event arrives.
	assert.Equal(t, types.TaskStatusAccepted, m.GetTask(13).Status)
	mustApply(t, m, ev(types.EventTaskExpired, 0, 13))
	assert.Equal(t, types.TaskStatusCancelled, m.GetTask(13).Status)
}

func TestReArmPendingVerificationCounts(t *testing.T) {
	fx := newFixture(t)
	fx.seedJob(t)
	m := fx.manager

	proof := ev(types.EventProofSubmitted, 0, 13)
	proof.ProofRef = "QmProof"
	mustApply(t, m, proof)

	fx.verifier.result = &types.VerificationResult{Approved: false, Remediation: "redo"}
	count := m.ReArmPendingVerification(context.Background())
	assert.Equal(t, 1, count)
}
