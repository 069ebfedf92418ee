package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

const executionColumns = `id, opportunity_id, commitment_hash, outcome, target_blocks, included_block,
	bundle_hashes, bribe, fee, fee_refunded, simulated, error, started_at, completed_at`

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Create inserts a finished protection run. Re-inserting the same ID
// overwrites the earlier row so a retried write is harmless.
func (s *ExecutionStore) Create(ctx context.Context, exec domain.Execution) error {
	var completedAt *time.Time
	if !exec.CompletedAt.IsZero() {
		completedAt = &exec.CompletedAt
	}
	blocks := make([]int64, len(exec.TargetBlocks))
	for i, b := range exec.TargetBlocks {
		blocks[i] = int64(b)
	}
	hashes := exec.BundleHashes
	if hashes == nil {
		hashes = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			target_blocks = EXCLUDED.target_blocks,
			included_block = EXCLUDED.included_block,
			bundle_hashes = EXCLUDED.bundle_hashes,
			bribe = EXCLUDED.bribe,
			fee_refunded = EXCLUDED.fee_refunded,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		exec.ID, exec.OpportunityID, exec.CommitmentHash.Hex(), string(exec.Outcome),
		blocks, int64(exec.IncludedBlock), hashes,
		toNumeric(exec.Bribe), toNumeric(exec.Fee), exec.FeeRefunded, exec.Simulated,
		exec.Error, exec.StartedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetByID returns a single execution or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, domain.ErrNotFound
		}
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return exec, nil
}

// ListRecent returns the newest executions first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListBefore returns executions started strictly before the cutoff, oldest
// first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE started_at < $1 ORDER BY started_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before: %w", err)
	}
	return collectExecutions(rows)
}

// DeleteBefore removes executions started strictly before the cutoff.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectExecutions(rows pgx.Rows) ([]domain.Execution, error) {
	defer rows.Close()
	var out []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: execution rows: %w", err)
	}
	return out, nil
}

func scanExecution(row pgx.Row) (domain.Execution, error) {
	var (
		exec          domain.Execution
		hash, outcome string
		blocks        []int64
		included      int64
		bribe, fee    pgtype.Numeric
		completedAt   *time.Time
	)
	if err := row.Scan(&exec.ID, &exec.OpportunityID, &hash, &outcome, &blocks, &included,
		&exec.BundleHashes, &bribe, &fee, &exec.FeeRefunded, &exec.Simulated, &exec.Error,
		&exec.StartedAt, &completedAt,
	); err != nil {
		return domain.Execution{}, err
	}
	exec.CommitmentHash = common.HexToHash(hash)
	exec.Outcome = domain.ProtectionOutcome(outcome)
	exec.TargetBlocks = make([]uint64, len(blocks))
	for i, b := range blocks {
		exec.TargetBlocks[i] = uint64(b)
	}
	exec.IncludedBlock = uint64(included)
	exec.Bribe = fromNumeric(bribe)
	exec.Fee = fromNumeric(fee)
	if completedAt != nil {
		exec.CompletedAt = *completedAt
	}
	return exec, nil
}
