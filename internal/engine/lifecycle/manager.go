package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/chainio"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/store"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/treasury"
	"github.com/taskhive-ai/taskhive-engine/pkg/eventbus"
	"github.com/taskhive-ai/taskhive-engine/pkg/keymutex"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// Decomposer plans tasks for a newly created job. *planner.Planner satisfies it.
type Decomposer interface {
	Decompose(ctx context.Context, jobID uint64, description string, budget *big.Int) ([]types.TaskPlan, error)
}

// Verifier judges one submitted proof. *verification.Pipeline satisfies it.
type Verifier interface {
	Verify(ctx context.Context, job *types.Job, task *types.Task, previousProofRef string) (*types.VerificationResult, error)
}

// Manager owns the in-memory job/task registry and drives every ledger
// mutation the engine makes. Events are the sole input that moves the
// registry; reactions are the engine's outputs back to the ledger.
type Manager struct {
	ledger   chainio.Ledger
	planner  Decomposer
	verifier Verifier
	treasury *treasury.Treasury
	store    *store.Store
	bus      *eventbus.Bus
	logger   logging.Logger

	taskLocks *keymutex.KeyMutex
	jobLocks  *keymutex.KeyMutex

	// statsMu serializes read-modify-write cycles on worker stats.
	statsMu sync.Mutex

	mu    sync.RWMutex
	jobs  map[uint64]*types.Job
	tasks map[uint64]*types.Task

	// hydratedAt records, per job, the ledger height the hydrated snapshot
	// reflected. Events at or below that height are already folded into the
	// snapshot and must not be applied a second time.
	hydratedAt map[uint64]uint64
}

func NewManager(
	ledger chainio.Ledger,
	planner Decomposer,
	verifier Verifier,
	tr *treasury.Treasury,
	st *store.Store,
	bus *eventbus.Bus,
	logger logging.Logger,
) *Manager {
	return &Manager{
		ledger:     ledger,
		planner:    planner,
		verifier:   verifier,
		treasury:   tr,
		store:      st,
		bus:        bus,
		logger:     logger,
		taskLocks:  keymutex.New(),
		jobLocks:   keymutex.New(),
		jobs:       make(map[uint64]*types.Job),
		tasks:      make(map[uint64]*types.Task),
		hydratedAt: make(map[uint64]uint64),
	}
}

// GetJob returns a copy, or nil when unknown.
func (m *Manager) GetJob(jobID uint64) *types.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		return job.Clone()
	}
	return nil
}

// GetTask returns a copy, or nil when unknown.
func (m *Manager) GetTask(taskID uint64) *types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[taskID]; ok {
		return task.Clone()
	}
	return nil
}

// Jobs returns copies of all known jobs ordered by ID.
func (m *Manager) Jobs() []*types.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// JobTasks returns copies of a job's tasks ordered by index.
func (m *Manager) JobTasks(jobID uint64) []*types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Task
	for _, task := range m.tasks {
		if task.JobID == jobID {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// applyWithHydration runs the transition, backfilling registry entries and
// task plan details from the ledger as needed. Replay and HandleEvent both
// funnel through here so a replayed history lands on the same state the live
// run produced.
func (m *Manager) applyWithHydration(ctx context.Context, ev *types.ChainEvent) (applied, hydrated bool, err error) {
	if ev.Kind == types.EventProofRejected {
		// The retry budget lives in the task plan, not on any event. The
		// transition needs it to pick between retry and cancel.
		if dErr := m.hydrateTaskDetails(ctx, ev.TaskID); dErr != nil && !errors.Is(dErr, ErrUnknownTask) {
			return false, false, dErr
		}
	}
	applied, err = m.ApplyEvent(ev)
	if errors.Is(err, ErrUnknownJob) || errors.Is(err, ErrUnknownTask) {
		if hErr := m.hydrate(ctx, ev); hErr != nil {
			return false, false, hErr
		}
		hydrated = true
		applied, err = m.ApplyEvent(ev)
	}
	return applied, hydrated, err
}

// Replay applies one historical event with reactions suppressed.
func (m *Manager) Replay(ctx context.Context, ev *types.ChainEvent) error {
	_, _, err := m.applyWithHydration(ctx, ev)
	return err
}

// HandleEvent is the live processing path: apply the transition, then kick
// off the reaction it calls for. A hydration in the middle of a polling
// window still runs reactions even when the event itself lands as a no-op
// against the snapshot, so a proof awaiting a verdict is not left stranded.
func (m *Manager) HandleEvent(ctx context.Context, ev *types.ChainEvent) error {
	applied, hydrated, err := m.applyWithHydration(ctx, ev)
	if err != nil {
		return err
	}
	if !applied && !hydrated {
		m.logger.Debug("Ignoring re-delivered event", "kind", ev.Kind, "job_id", ev.JobID, "task_id", ev.TaskID)
		return nil
	}

	m.publishUpdate(ev)

	switch ev.Kind {
	case types.EventJobCreated:
		go m.reactToJobCreated(ctx, ev.JobID)
	case types.EventProofSubmitted:
		go m.reactToProofSubmitted(ctx, ev.TaskID)
	case types.EventJobCompleted:
		m.recordJobProfit(ctx, ev.JobID)
	}
	return nil
}

func (m *Manager) publishUpdate(ev *types.ChainEvent) {
	if m.bus == nil {
		return
	}
	switch ev.Kind {
	case types.EventJobCreated, types.EventJobCompleted, types.EventJobCancelled:
		m.bus.Publish(eventbus.Notification{Type: eventbus.JobUpdated, At: time.Now().UTC(), Data: m.GetJob(ev.JobID)})
	default:
		m.bus.Publish(eventbus.Notification{Type: eventbus.TaskUpdated, At: time.Now().UTC(), Data: m.GetTask(ev.TaskID)})
	}
}

// hydrate backfills a job (and its tasks) from the ledger when an event
// references an entity created before the current checkpoint window.
func (m *Manager) hydrate(ctx context.Context, ev *types.ChainEvent) error {
	// Height before state: the reads below then reflect at least this
	// height, so every event at or below it is already in the snapshot.
	head, err := m.ledger.LatestBlock(ctx)
	if err != nil {
		return err
	}

	jobID := ev.JobID
	if jobID == 0 && ev.TaskID != 0 {
		task, err := m.ledger.GetTask(ctx, ev.TaskID)
		if err != nil {
			return err
		}
		jobID = task.JobID
	}

	job, err := m.ledger.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	taskIDs, err := m.ledger.GetJobTasks(ctx, jobID)
	if err != nil {
		return err
	}
	tasks := make([]*types.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		task, err := m.ledger.GetTask(ctx, id)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	for _, task := range tasks {
		m.tasks[task.ID] = task
	}
	m.hydratedAt[job.ID] = head
	m.logger.Info("Hydrated job from ledger", "job_id", job.ID, "tasks", len(tasks), "as_of_block", head)
	return nil
}

// hydrateTaskDetails fills description and proof requirements for a task that
// was registered from its event alone.
func (m *Manager) hydrateTaskDetails(ctx context.Context, taskID uint64) error {
	m.mu.RLock()
	task, ok := m.tasks[taskID]
	needs := ok && task.Description == ""
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownTask
	}
	if !needs {
		return nil
	}

	full, err := m.ledger.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[taskID]; ok {
		task.Description = full.Description
		task.ProofRequirements = full.ProofRequirements
		task.MaxRetries = full.MaxRetries
		if task.Deadline.IsZero() {
			task.Deadline = full.Deadline
		}
	}
	return nil
}

// ReArmPendingVerification re-runs verification for tasks left waiting when
// the previous process died. Called once after replay, before live polling.
func (m *Manager) ReArmPendingVerification(ctx context.Context) int {
	m.mu.RLock()
	var stuck []uint64
	for id, task := range m.tasks {
		if task.Status == types.TaskStatusPendingVerification {
			stuck = append(stuck, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stuck {
		m.logger.Info("Re-arming verification for stuck task", "task_id", id)
		go m.reactToProofSubmitted(ctx, id)
	}
	return len(stuck)
}

// OverdueTasks returns the IDs of non-terminal claimable tasks whose deadline
// passed before now.
func (m *Manager) OverdueTasks(now time.Time) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []uint64
	for id, task := range m.tasks {
		if task.Status != types.TaskStatusOpen && task.Status != types.TaskStatusAccepted {
			continue
		}
		if !task.Deadline.IsZero() && task.Deadline.Before(now) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExpireTask sends the expiry transaction for one overdue task. The local
// transition happens when the TaskExpired event comes back; expiry stays
// idempotent and safe to re-attempt on the next sweep.
func (m *Manager) ExpireTask(ctx context.Context, taskID uint64) error {
	if !m.taskLocks.TryLock(taskID) {
		return nil
	}
	defer m.taskLocks.Unlock(taskID)

	task := m.GetTask(taskID)
	if task == nil || task.Status.Terminal() {
		return nil
	}

	result, err := m.ledger.ExpireTask(ctx, taskID)
	if err != nil {
		return err
	}
	m.recordGas(ctx, "expireTask", task.JobID, result)
	m.logger.Info("Expired overdue task", "task_id", taskID, "tx", result.Hash.Hex())
	return nil
}

func (m *Manager) recordGas(ctx context.Context, operation string, jobID uint64, result *chainio.TxResult) {
	if m.treasury == nil || result == nil || result.GasCost == nil {
		return
	}
	m.treasury.RecordCost(ctx, types.CategoryLedgerFee, operation, jobID, result.GasCost)
}
