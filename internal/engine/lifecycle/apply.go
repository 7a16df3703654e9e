package lifecycle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

var (
	// ErrUnknownJob and ErrUnknownTask mark events referencing entities the
	// registry has not seen. The caller hydrates from the ledger and retries.
	ErrUnknownJob  = errors.New("unknown job")
	ErrUnknownTask = errors.New("unknown task")

	// ErrInvalidTransition marks an event that is not a legal edge from the
	// entity's current state and is not an idempotent re-delivery either.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ApplyEvent advances the in-memory registry by one ledger event. It is the
// single transition function for both live processing and startup replay:
// deterministic, free of wall-clock reads and side effects. Re-delivery of an
// already-applied event returns applied=false with no error.
func (m *Manager) ApplyEvent(ev *types.ChainEvent) (applied bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hydrationCovers(ev) {
		return false, nil
	}

	switch ev.Kind {
	case types.EventJobCreated:
		return m.applyJobCreated(ev)
	case types.EventJobCompleted:
		return m.applyJobStatus(ev, types.JobStatusCompleted)
	case types.EventJobCancelled:
		return m.applyJobCancelled(ev)
	case types.EventTaskAdded:
		return m.applyTaskAdded(ev)
	case types.EventTaskAvailable:
		return m.applyTaskStatus(ev, types.TaskStatusOpen, types.TaskStatusPending)
	case types.EventTaskAccepted:
		return m.applyTaskAccepted(ev)
	case types.EventProofSubmitted:
		return m.applyProofSubmitted(ev)
	case types.EventProofRejected:
		return m.applyProofRejected(ev)
	case types.EventTaskCompleted:
		return m.applyTaskCompleted(ev)
	case types.EventTaskExpired:
		return m.applyTaskExpired(ev)
	default:
		return false, fmt.Errorf("unhandled event kind %s", ev.Kind)
	}
}

// hydrationCovers reports whether a hydrated snapshot already reflects the
// event. Historical events are delivered with their block height; anything at
// or below the height a job was hydrated at would move counters like the
// retry budget twice if applied on top of the snapshot. Caller holds m.mu.
func (m *Manager) hydrationCovers(ev *types.ChainEvent) bool {
	if ev.Block == 0 {
		return false
	}
	jobID := ev.JobID
	if jobID == 0 && ev.TaskID != 0 {
		if task, ok := m.tasks[ev.TaskID]; ok {
			jobID = task.JobID
		}
	}
	return ev.Block <= m.hydratedAt[jobID]
}

func (m *Manager) applyJobCreated(ev *types.ChainEvent) (bool, error) {
	if _, ok := m.jobs[ev.JobID]; ok {
		return false, nil
	}
	if ev.Budget == nil {
		return false, fmt.Errorf("job %d created with nil budget", ev.JobID)
	}
	m.jobs[ev.JobID] = &types.Job{
		ID:        ev.JobID,
		Client:    ev.Client,
		Budget:    new(big.Int).Set(ev.Budget),
		Committed: new(big.Int),
		Spent:     new(big.Int),
		Status:    types.JobStatusCreated,
	}
	return true, nil
}

func (m *Manager) applyJobStatus(ev *types.ChainEvent, to types.JobStatus) (bool, error) {
	job, ok := m.jobs[ev.JobID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownJob, ev.JobID)
	}
	if job.Status == to {
		return false, nil
	}
	if job.Status.Terminal() {
		return false, fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, ev.JobID, job.Status)
	}
	job.Status = to
	return true, nil
}

func (m *Manager) applyJobCancelled(ev *types.ChainEvent) (bool, error) {
	applied, err := m.applyJobStatus(ev, types.JobStatusCancelled)
	if err != nil || !applied {
		return applied, err
	}
	for _, task := range m.tasks {
		if task.JobID == ev.JobID && !task.Status.Terminal() {
			task.Status = types.TaskStatusCancelled
		}
	}
	return true, nil
}

func (m *Manager) applyTaskAdded(ev *types.ChainEvent) (bool, error) {
	job, ok := m.jobs[ev.JobID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownJob, ev.JobID)
	}
	if _, ok := m.tasks[ev.TaskID]; ok {
		return false, nil
	}
	if ev.Reward == nil {
		return false, fmt.Errorf("task %d added with nil reward", ev.TaskID)
	}

	committed := new(big.Int).Add(job.Committed, ev.Reward)
	if committed.Cmp(job.Budget) > 0 {
		return false, fmt.Errorf("%w: job %d committed %s would exceed budget %s",
			ErrInvalidTransition, ev.JobID, committed, job.Budget)
	}
	job.Committed = committed
	job.TaskCount++
	if job.Status == types.JobStatusCreated {
		job.Status = types.JobStatusInProgress
	}

	m.tasks[ev.TaskID] = &types.Task{
		ID:       ev.TaskID,
		JobID:    ev.JobID,
		Index:    ev.Index,
		Reward:   new(big.Int).Set(ev.Reward),
		Deadline: ev.Deadline,
		Status:   types.TaskStatusPending,
	}
	return true, nil
}

func (m *Manager) applyTaskStatus(ev *types.ChainEvent, to types.TaskStatus, from ...types.TaskStatus) (bool, error) {
	task, ok := m.tasks[ev.TaskID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTask, ev.TaskID)
	}
	if task.Status == to {
		return false, nil
	}
	for _, f := range from {
		if task.Status == f {
			task.Status = to
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: task %d cannot move %s -> %s",
		ErrInvalidTransition, ev.TaskID, task.Status, to)
}

func (m *Manager) applyTaskAccepted(ev *types.ChainEvent) (bool, error) {
	task, ok := m.tasks[ev.TaskID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTask, ev.TaskID)
	}
	if task.Status == types.TaskStatusAccepted && task.Worker == ev.Worker {
		return false, nil
	}
	if task.Status != types.TaskStatusOpen {
		return false, fmt.Errorf("%w: task %d cannot be accepted while %s",
			ErrInvalidTransition, ev.TaskID, task.Status)
	}
	task.Status = types.TaskStatusAccepted
	task.Worker = ev.Worker
	return true, nil
}

func (m *Manager) applyProofSubmitted(ev *types.ChainEvent) (bool, error) {
	task, ok := m.tasks[ev.TaskID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTask, ev.TaskID)
	}
	if task.Status == types.TaskStatusPendingVerification && task.ProofRef == ev.ProofRef {
		return false, nil
	}
	if task.Status != types.TaskStatusAccepted {
		return false, fmt.Errorf("%w: task %d cannot take a proof while %s",
			ErrInvalidTransition, ev.TaskID, task.Status)
	}
	task.Status = types.TaskStatusPendingVerification
	task.ProofRef = ev.ProofRef
	return true, nil
}

func (m *Manager) applyProofRejected(ev *types.ChainEvent) (bool, error) {
	task, ok := m.tasks[ev.TaskID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTask, ev.TaskID)
	}
	if task.Status != types.TaskStatusPendingVerification {
		// Re-delivery: the local rejection already moved the task on.
		if task.Status == types.TaskStatusAccepted || task.Status == types.TaskStatusCancelled {
			return false, nil
		}
		return false, fmt.Errorf("%w: task %d cannot be rejected while %s",
			ErrInvalidTransition, ev.TaskID, task.Status)
	}

	task.RetryCount++
	task.ProofRef = ""
	task.RejectionReason = ev.Reason
	if task.RetryCount > task.MaxRetries {
		task.Status = types.TaskStatusCancelled
	} else {
		task.Status = types.TaskStatusAccepted
	}
	return true, nil
}

func (m *Manager) applyTaskCompleted(ev *types.ChainEvent) (bool, error) {
	task, ok := m.tasks[ev.TaskID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTask, ev.TaskID)
	}
	if task.Status == types.TaskStatusCompleted {
		return false, nil
	}
	if task.Status != types.TaskStatusPendingVerification && task.Status != types.TaskStatusAccepted {
		return false, fmt.Errorf("%w: task %d cannot complete while %s",
			ErrInvalidTransition, ev.TaskID, task.Status)
	}

	job, ok := m.jobs[task.JobID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownJob, task.JobID)
	}
	spent := new(big.Int).Add(job.Spent, task.Reward)
	if spent.Cmp(job.Committed) > 0 {
		return false, fmt.Errorf("%w: job %d spent %s would exceed committed %s",
			ErrInvalidTransition, job.ID, spent, job.Committed)
	}
	job.Spent = spent
	task.Status = types.TaskStatusCompleted
	return true, nil
}

func (m *Manager) applyTaskExpired(ev *types.ChainEvent) (bool, error) {
	task, ok := m.tasks[ev.TaskID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTask, ev.TaskID)
	}
	if task.Status.Terminal() {
		return false, nil
	}
	task.Status = types.TaskStatusCancelled
	return true, nil
}
