package lifecycle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taskhive-ai/taskhive-engine/pkg/eventbus"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// reactToJobCreated decomposes a fresh job and registers its tasks on the
// ledger. A failed decomposition cancels the job so escrowed funds return to
// the client instead of sitting in limbo.
func (m *Manager) reactToJobCreated(ctx context.Context, jobID uint64) {
	m.jobLocks.Lock(jobID)
	defer m.jobLocks.Unlock(jobID)

	m.mu.RLock()
	local, known := m.jobs[jobID]
	planned := known && (local.Status != types.JobStatusCreated || local.TaskCount > 0)
	m.mu.RUnlock()
	if planned {
		m.logger.Debug("Job already has a task plan, skipping decomposition", "job_id", jobID)
		return
	}

	job, err := m.ledger.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Error("Failed to read created job from ledger", "job_id", jobID, "error", err)
		return
	}

	m.mu.Lock()
	if local, ok := m.jobs[jobID]; ok {
		local.Description = job.Description
		local.CreatedAt = job.CreatedAt
	}
	m.mu.Unlock()

	plans, err := m.planner.Decompose(ctx, jobID, job.Description, job.Budget)
	if err != nil {
		m.logger.Error("Decomposition failed, cancelling job", "job_id", jobID, "error", err)
		m.cancelJob(ctx, jobID, fmt.Sprintf("decomposition failed: %v", err))
		return
	}

	result, err := m.ledger.AddTasks(ctx, jobID, plans)
	if err != nil {
		m.logger.Error("Failed to register task plan, cancelling job", "job_id", jobID, "error", err)
		m.cancelJob(ctx, jobID, fmt.Sprintf("task registration failed: %v", err))
		return
	}
	m.recordGas(ctx, "addTasks", jobID, result)
	m.logger.Info("Registered task plan", "job_id", jobID, "tasks", len(plans), "tx", result.Hash.Hex())
}

func (m *Manager) cancelJob(ctx context.Context, jobID uint64, reason string) {
	result, err := m.ledger.CancelJob(ctx, jobID)
	if err != nil {
		m.logger.Error("Failed to cancel job", "job_id", jobID, "reason", reason, "error", err)
		return
	}
	m.recordGas(ctx, "cancelJob", jobID, result)
}

// reactToProofSubmitted runs the verification pipeline for one submitted
// proof and settles the outcome on the ledger. The local state is applied
// optimistically and snapshot-rolled-back if the settlement transaction
// fails; the eventual ledger event then re-delivers as a no-op.
func (m *Manager) reactToProofSubmitted(ctx context.Context, taskID uint64) {
	m.taskLocks.Lock(taskID)
	defer m.taskLocks.Unlock(taskID)

	if err := m.hydrateTaskDetails(ctx, taskID); err != nil {
		m.logger.Error("Failed to hydrate task for verification", "task_id", taskID, "error", err)
		return
	}

	task := m.GetTask(taskID)
	if task == nil || task.Status != types.TaskStatusPendingVerification {
		return
	}
	job := m.GetJob(task.JobID)
	if job == nil {
		m.logger.Error("Task has no registered job", "task_id", taskID, "job_id", task.JobID)
		return
	}

	previous, err := m.ledger.GetPreviousDeliverable(ctx, taskID)
	if err != nil {
		m.logger.Warn("Could not read previous deliverable", "task_id", taskID, "error", err)
		previous = ""
	}

	result, err := m.verifier.Verify(ctx, job, task, previous)
	if err != nil {
		m.logger.Error("Verification pipeline failed, leaving task pending", "task_id", taskID, "error", err)
		return
	}
	m.logger.Info("Verification complete",
		"task_id", taskID,
		"approved", result.Approved,
		"confidence", fmt.Sprintf("%.3f", result.Confidence),
		"degraded", result.Degraded,
	)
	if m.bus != nil {
		m.bus.Publish(eventbus.Notification{Type: eventbus.VerificationCompleted, At: time.Now().UTC(), Data: result})
	}

	if result.Approved {
		m.settleApproval(ctx, taskID, result)
	} else {
		m.settleRejection(ctx, taskID, result)
	}
}

func (m *Manager) settleApproval(ctx context.Context, taskID uint64, result *types.VerificationResult) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != types.TaskStatusPendingVerification {
		m.mu.Unlock()
		return
	}
	job := m.jobs[task.JobID]
	taskSnap, jobSnap := task.Clone(), job.Clone()

	task.Status = types.TaskStatusCompleted
	job.Spent = new(big.Int).Add(job.Spent, task.Reward)
	worker, reward, jobID := task.Worker, new(big.Int).Set(task.Reward), task.JobID
	m.mu.Unlock()

	txResult, err := m.ledger.ApproveTask(ctx, taskID)
	if err != nil {
		m.logger.Error("Approval transaction failed, rolling back", "task_id", taskID, "error", err)
		m.restore(taskSnap, jobSnap)
		return
	}
	m.recordGas(ctx, "approveTask", jobID, txResult)
	m.logger.Info("Approved task", "task_id", taskID, "worker", worker.Hex(), "tx", txResult.Hash.Hex())

	go m.updateWorkerStats(ctx, worker, reward, jobID, result)
	m.completeJobIfDone(ctx, jobID)
}

func (m *Manager) settleRejection(ctx context.Context, taskID uint64, result *types.VerificationResult) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != types.TaskStatusPendingVerification {
		m.mu.Unlock()
		return
	}
	taskSnap := task.Clone()

	task.RetryCount++
	task.ProofRef = ""
	task.RejectionReason = result.Remediation
	if task.RetryCount > task.MaxRetries {
		task.Status = types.TaskStatusCancelled
	} else {
		task.Status = types.TaskStatusAccepted
	}
	worker, jobID := task.Worker, task.JobID
	m.mu.Unlock()

	txResult, err := m.ledger.RejectProof(ctx, taskID, result.Remediation)
	if err != nil {
		m.logger.Error("Rejection transaction failed, rolling back", "task_id", taskID, "error", err)
		m.restore(taskSnap, nil)
		return
	}
	m.recordGas(ctx, "rejectProof", jobID, txResult)
	m.logger.Info("Rejected proof", "task_id", taskID, "worker", worker.Hex(), "tx", txResult.Hash.Hex())

	go m.updateWorkerStats(ctx, worker, nil, jobID, result)
}

func (m *Manager) restore(task *types.Task, job *types.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task != nil {
		m.tasks[task.ID] = task
	}
	if job != nil {
		m.jobs[job.ID] = job
	}
}

// completeJobIfDone sends the job completion transaction once every task of
// the job is Completed.
func (m *Manager) completeJobIfDone(ctx context.Context, jobID uint64) {
	m.jobLocks.Lock(jobID)
	defer m.jobLocks.Unlock(jobID)

	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != types.JobStatusInProgress {
		m.mu.Unlock()
		return
	}
	done := true
	for _, task := range m.tasks {
		if task.JobID == jobID && task.Status != types.TaskStatusCompleted {
			done = false
			break
		}
	}
	if !done {
		m.mu.Unlock()
		return
	}
	jobSnap := job.Clone()
	job.Status = types.JobStatusCompleted
	m.mu.Unlock()

	txResult, err := m.ledger.CompleteJob(ctx, jobID)
	if err != nil {
		m.logger.Error("Job completion transaction failed, rolling back", "job_id", jobID, "error", err)
		m.restore(nil, jobSnap)
		return
	}
	m.recordGas(ctx, "completeJob", jobID, txResult)
	m.logger.Info("Completed job", "job_id", jobID, "tx", txResult.Hash.Hex())

	m.recordJobProfit(ctx, jobID)
}

// recordJobProfit books the job residual (budget minus paid rewards) as
// revenue, keyed so a replayed completion can never double-record it.
func (m *Manager) recordJobProfit(ctx context.Context, jobID uint64) {
	if m.treasury == nil {
		return
	}
	job := m.GetJob(jobID)
	if job == nil {
		return
	}
	profit := job.Residual()
	if profit.Sign() <= 0 {
		return
	}
	ref := fmt.Sprintf("job-%d", jobID)
	if m.treasury.RecordRevenue(ctx, types.CategoryJobProfit, "completeJob", ref, jobID, profit) {
		m.logger.Info("Recorded job profit", "job_id", jobID, "profit_wei", profit.String())
	}
}

// updateWorkerStats folds one verification outcome into the worker's
// persistent aggregate and pays the reputation bonus on approvals. reward is
// nil for rejections.
func (m *Manager) updateWorkerStats(ctx context.Context, worker common.Address, reward *big.Int, jobID uint64, result *types.VerificationResult) {
	if m.store == nil {
		return
	}

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	stats, err := m.store.GetWorkerStats(ctx, worker)
	if err != nil {
		m.logger.Error("Failed to load worker stats", "worker", worker.Hex(), "error", err)
		return
	}
	if stats == nil {
		stats = types.NewWorkerStats(worker)
	}
	stats.Absorb(*result)

	if result.Approved && reward != nil {
		tier := stats.Tier()
		if permille := tier.BonusPermille(); permille > 0 {
			bonus := new(big.Int).Mul(reward, big.NewInt(permille))
			bonus.Div(bonus, big.NewInt(1000))
			if bonus.Sign() > 0 {
				stats.BonusPaid = new(big.Int).Add(stats.BonusPaid, bonus)
				if m.treasury != nil {
					m.treasury.RecordCost(ctx, types.CategoryServiceFee, "reputation_bonus", jobID, bonus)
				}
				m.logger.Info("Paid reputation bonus",
					"worker", worker.Hex(), "tier", string(tier), "bonus_wei", bonus.String())
			}
		}
	}

	if err := m.store.SaveWorkerStats(ctx, stats); err != nil {
		m.logger.Error("Failed to save worker stats", "worker", worker.Hex(), "error", err)
	}
}
