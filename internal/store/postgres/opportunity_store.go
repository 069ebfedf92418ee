package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL. The
// full opportunity is kept as JSONB; the columns beside it exist for
// filtering.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Insert records an opportunity with its current status. A second insert
// for the same ID only updates the status fields.
func (s *OpportunityStore) Insert(ctx context.Context, rec domain.OpportunityRecord) error {
	opp := rec.Opportunity
	payload, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("postgres: marshal opportunity %s: %w", opp.ID, err)
	}
	detectedAt := opp.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (id, chain_id, source_token, target_token, amount_in, net_profit, status, reject_reason, payload, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			net_profit = EXCLUDED.net_profit,
			status = EXCLUDED.status,
			reject_reason = EXCLUDED.reject_reason,
			updated_at = NOW()`,
		opp.ID, int64(opp.ChainID), opp.SourceToken.Hex(), opp.TargetToken.Hex(),
		toNumeric(opp.AmountIn), toNumeric(rec.NetProfit), string(rec.Status), rec.RejectReason,
		payload, detectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// UpdateStatus changes the recorded fate of an opportunity.
func (s *OpportunityStore) UpdateStatus(ctx context.Context, id string, status domain.OpportunityStatus, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET status = $2, reject_reason = $3, updated_at = NOW() WHERE id = $1`,
		id, string(status), reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: update opportunity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the newest opportunities first.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.OpportunityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload, net_profit, status, reject_reason
		FROM opportunities ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	return collectOpportunities(rows)
}

// ListBefore returns opportunities detected strictly before the cutoff,
// oldest first.
func (s *OpportunityStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OpportunityRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload, net_profit, status, reject_reason
		FROM opportunities WHERE detected_at < $1 ORDER BY detected_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities before: %w", err)
	}
	return collectOpportunities(rows)
}

// DeleteBefore removes opportunities detected strictly before the cutoff.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE detected_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectOpportunities(rows pgx.Rows) ([]domain.OpportunityRecord, error) {
	defer rows.Close()
	var out []domain.OpportunityRecord
	for rows.Next() {
		var (
			rec       domain.OpportunityRecord
			payload   []byte
			netProfit pgtype.Numeric
			status    string
		)
		if err := rows.Scan(&payload, &netProfit, &status, &rec.RejectReason); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Opportunity); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal opportunity: %w", err)
		}
		rec.NetProfit = fromNumeric(netProfit)
		rec.Status = domain.OpportunityStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: opportunity rows: %w", err)
	}
	return out, nil
}
