package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// Store is the engine's local sqlite persistence: the append-only cost and
// revenue ledgers, reimbursement history, worker reputation aggregates and
// the event replay checkpoint. Chain state is never persisted here; the
// ledger itself is the source of truth for jobs and tasks.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(dbPath string, logger logging.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cost_entries (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		operation TEXT NOT NULL,
		job_id INTEGER NOT NULL DEFAULT 0,
		amount_wei TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cost_entries_job_id ON cost_entries(job_id);

	CREATE TABLE IF NOT EXISTS revenue_entries (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		operation TEXT NOT NULL,
		ref TEXT NOT NULL UNIQUE,
		job_id INTEGER NOT NULL DEFAULT 0,
		amount_wei TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_revenue_entries_job_id ON revenue_entries(job_id);

	CREATE TABLE IF NOT EXISTS reimbursements (
		id TEXT PRIMARY KEY,
		amount_wei TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worker_stats (
		worker TEXT PRIMARY KEY,
		completed INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		avg_authenticity REAL NOT NULL DEFAULT 0,
		avg_relevance REAL NOT NULL DEFAULT 0,
		avg_completeness REAL NOT NULL DEFAULT 0,
		avg_quality REAL NOT NULL DEFAULT 0,
		avg_consistency REAL NOT NULL DEFAULT 0,
		reputation REAL NOT NULL DEFAULT 0,
		bonus_paid_wei TEXT NOT NULL DEFAULT '0',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_block INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendCost records one cost entry. Entries are append-only; there is no
// update or delete path. The entry's ID and timestamp are assigned here when
// unset.
func (s *Store) AppendCost(ctx context.Context, entry *types.CostEntry) error {
	if entry.Amount == nil {
		return fmt.Errorf("cost entry amount cannot be nil")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO cost_entries (id, category, operation, job_id, amount_wei, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		string(entry.Category),
		entry.Operation,
		entry.JobID,
		entry.Amount.String(),
		entry.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append cost entry: %w", err)
	}
	return nil
}

// AppendRevenue records one revenue entry. The entry's Ref is an idempotency
// key: a second append with the same ref is a no-op and returns false.
func (s *Store) AppendRevenue(ctx context.Context, entry *types.RevenueEntry) (bool, error) {
	if entry.Amount == nil {
		return false, fmt.Errorf("revenue entry amount cannot be nil")
	}
	if entry.Ref == "" {
		return false, fmt.Errorf("revenue entry ref cannot be empty")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO revenue_entries (id, category, operation, ref, job_id, amount_wei, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		string(entry.Category),
		entry.Operation,
		entry.Ref,
		entry.JobID,
		entry.Amount.String(),
		entry.Timestamp.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, nil
		}
		return false, fmt.Errorf("failed to append revenue entry: %w", err)
	}
	return true, nil
}

func (s *Store) ListCosts(ctx context.Context) ([]types.CostEntry, error) {
	query := `
		SELECT id, category, operation, job_id, amount_wei, created_at
		FROM cost_entries
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost entries: %w", err)
	}
	defer rows.Close()

	var entries []types.CostEntry
	for rows.Next() {
		var entry types.CostEntry
		var category, amountWei string
		var createdAt int64

		if err := rows.Scan(&entry.ID, &category, &entry.Operation, &entry.JobID, &amountWei, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost entry: %w", err)
		}
		amount, err := parseAmount(amountWei)
		if err != nil {
			return nil, fmt.Errorf("cost entry %s: %w", entry.ID, err)
		}
		entry.Category = types.EntryCategory(category)
		entry.Amount = amount
		entry.Timestamp = time.Unix(createdAt, 0).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cost entries: %w", err)
	}
	return entries, nil
}

func (s *Store) ListRevenue(ctx context.Context) ([]types.RevenueEntry, error) {
	query := `
		SELECT id, category, operation, ref, job_id, amount_wei, created_at
		FROM revenue_entries
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue entries: %w", err)
	}
	defer rows.Close()

	var entries []types.RevenueEntry
	for rows.Next() {
		var entry types.RevenueEntry
		var category, amountWei string
		var createdAt int64

		if err := rows.Scan(&entry.ID, &category, &entry.Operation, &entry.Ref, &entry.JobID, &amountWei, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan revenue entry: %w", err)
		}
		amount, err := parseAmount(amountWei)
		if err != nil {
			return nil, fmt.Errorf("revenue entry %s: %w", entry.ID, err)
		}
		entry.Category = types.EntryCategory(category)
		entry.Amount = amount
		entry.Timestamp = time.Unix(createdAt, 0).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate revenue entries: %w", err)
	}
	return entries, nil
}

// JobEconomics sums the cost and revenue entries attributed to one job.
func (s *Store) JobEconomics(ctx context.Context, jobID uint64) (*types.JobEconomics, error) {
	cost, err := s.sumAmounts(ctx, "SELECT amount_wei FROM cost_entries WHERE job_id = ?", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum job costs: %w", err)
	}
	revenue, err := s.sumAmounts(ctx, "SELECT amount_wei FROM revenue_entries WHERE job_id = ?", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum job revenue: %w", err)
	}
	return &types.JobEconomics{
		JobID:   jobID,
		Revenue: revenue,
		Cost:    cost,
		Profit:  new(big.Int).Sub(revenue, cost),
	}, nil
}

func (s *Store) TotalCost(ctx context.Context) (*big.Int, error) {
	return s.sumAmounts(ctx, "SELECT amount_wei FROM cost_entries")
}

func (s *Store) TotalRevenue(ctx context.Context) (*big.Int, error) {
	return s.sumAmounts(ctx, "SELECT amount_wei FROM revenue_entries")
}

func (s *Store) RecordReimbursement(ctx context.Context, amount *big.Int, txHash common.Hash) error {
	if amount == nil {
		return fmt.Errorf("reimbursement amount cannot be nil")
	}
	query := `
		INSERT INTO reimbursements (id, amount_wei, tx_hash, created_at)
		VALUES (?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, uuid.NewString(), amount.String(), txHash.Hex(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record reimbursement: %w", err)
	}
	return nil
}

func (s *Store) TotalReimbursed(ctx context.Context) (*big.Int, error) {
	return s.sumAmounts(ctx, "SELECT amount_wei FROM reimbursements")
}

// Wei amounts are stored as base-10 text because they overflow sqlite
// integers; sums happen here rather than in SQL.
func (s *Store) sumAmounts(ctx context.Context, query string, args ...interface{}) (*big.Int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query amounts: %w", err)
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var amountWei string
		if err := rows.Scan(&amountWei); err != nil {
			return nil, fmt.Errorf("failed to scan amount: %w", err)
		}
		amount, err := parseAmount(amountWei)
		if err != nil {
			return nil, err
		}
		total.Add(total, amount)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate amounts: %w", err)
	}
	return total, nil
}

func parseAmount(amountWei string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(amountWei, 10)
	if !ok {
		return nil, fmt.Errorf("malformed stored amount %q", amountWei)
	}
	return amount, nil
}

// SaveWorkerStats upserts the full reputation aggregate for one worker.
func (s *Store) SaveWorkerStats(ctx context.Context, stats *types.WorkerStats) error {
	if stats.BonusPaid == nil {
		return fmt.Errorf("worker stats bonus paid cannot be nil")
	}
	query := `
		INSERT INTO worker_stats (
			worker, completed, rejected,
			avg_authenticity, avg_relevance, avg_completeness, avg_quality, avg_consistency,
			reputation, bonus_paid_wei, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker) DO UPDATE SET
			completed = excluded.completed,
			rejected = excluded.rejected,
			avg_authenticity = excluded.avg_authenticity,
			avg_relevance = excluded.avg_relevance,
			avg_completeness = excluded.avg_completeness,
			avg_quality = excluded.avg_quality,
			avg_consistency = excluded.avg_consistency,
			reputation = excluded.reputation,
			bonus_paid_wei = excluded.bonus_paid_wei,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		stats.Worker.Hex(),
		stats.Completed,
		stats.Rejected,
		stats.AvgScores.Authenticity,
		stats.AvgScores.Relevance,
		stats.AvgScores.Completeness,
		stats.AvgScores.Quality,
		stats.AvgScores.Consistency,
		stats.Reputation,
		stats.BonusPaid.String(),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save worker stats: %w", err)
	}
	return nil
}

// GetWorkerStats returns nil without error when the worker has no history.
func (s *Store) GetWorkerStats(ctx context.Context, worker common.Address) (*types.WorkerStats, error) {
	query := `
		SELECT completed, rejected,
		       avg_authenticity, avg_relevance, avg_completeness, avg_quality, avg_consistency,
		       reputation, bonus_paid_wei
		FROM worker_stats
		WHERE worker = ?
	`
	stats := types.NewWorkerStats(worker)
	var bonusPaidWei string

	err := s.db.QueryRowContext(ctx, query, worker.Hex()).Scan(
		&stats.Completed,
		&stats.Rejected,
		&stats.AvgScores.Authenticity,
		&stats.AvgScores.Relevance,
		&stats.AvgScores.Completeness,
		&stats.AvgScores.Quality,
		&stats.AvgScores.Consistency,
		&stats.Reputation,
		&bonusPaidWei,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get worker stats: %w", err)
	}

	bonusPaid, err := parseAmount(bonusPaidWei)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", worker.Hex(), err)
	}
	stats.BonusPaid = bonusPaid
	return stats, nil
}

func (s *Store) ListWorkerStats(ctx context.Context) ([]*types.WorkerStats, error) {
	query := `
		SELECT worker, completed, rejected,
		       avg_authenticity, avg_relevance, avg_completeness, avg_quality, avg_consistency,
		       reputation, bonus_paid_wei
		FROM worker_stats
		ORDER BY reputation DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker stats: %w", err)
	}
	defer rows.Close()

	var all []*types.WorkerStats
	for rows.Next() {
		var workerHex, bonusPaidWei string
		stats := &types.WorkerStats{}

		err := rows.Scan(
			&workerHex,
			&stats.Completed,
			&stats.Rejected,
			&stats.AvgScores.Authenticity,
			&stats.AvgScores.Relevance,
			&stats.AvgScores.Completeness,
			&stats.AvgScores.Quality,
			&stats.AvgScores.Consistency,
			&stats.Reputation,
			&bonusPaidWei,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker stats: %w", err)
		}
		bonusPaid, err := parseAmount(bonusPaidWei)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", workerHex, err)
		}
		stats.Worker = common.HexToAddress(workerHex)
		stats.BonusPaid = bonusPaid
		all = append(all, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate worker stats: %w", err)
	}
	return all, nil
}

// GetCheckpoint returns the last fully processed block, or zero when the
// engine has never run against this database.
func (s *Store) GetCheckpoint(ctx context.Context) (uint64, error) {
	var lastBlock uint64
	err := s.db.QueryRowContext(ctx, "SELECT last_block FROM checkpoint WHERE id = 1").Scan(&lastBlock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return lastBlock, nil
}

// SaveCheckpoint advances the checkpoint. Moving it backwards is refused so
// that a lagging poller can never cause already-processed events to replay.
func (s *Store) SaveCheckpoint(ctx context.Context, block uint64) error {
	query := `
		INSERT INTO checkpoint (id, last_block, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_block = excluded.last_block,
			updated_at = excluded.updated_at
		WHERE excluded.last_block > checkpoint.last_block
	`
	_, err := s.db.ExecContext(ctx, query, block, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
