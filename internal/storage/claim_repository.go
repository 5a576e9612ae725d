package storage

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/types"
)

const claimColumns = `
	id, dispenser_id, user_id, status, amount::text,
	destination, passive_address, batch_id, created_at, updated_at
`

// ClaimRepository handles claim record persistence. Claims are never
// physically deleted; the history doubles as the credit ledger's input.
type ClaimRepository struct {
	db *PostgresDB
}

// NewClaimRepository creates a new claim repository.
func NewClaimRepository(db *PostgresDB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// insert creates a new claim record inside the caller's transaction.
func (r *ClaimRepository) insert(ctx context.Context, q querier, claim *models.ClaimRecord) error {
	query := `
		INSERT INTO claim_record (
			id, dispenser_id, user_id, status, amount,
			destination, passive_address, batch_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
	`

	_, err := q.Exec(ctx, query,
		claim.ID,
		claim.DispenserID,
		claim.UserID,
		claim.Status,
		claim.Amount.String(),
		claim.Destination,
		claim.PassiveAddress,
		claim.BatchID,
		claim.CreatedAt,
		claim.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert claim: %w", err)
	}
	return nil
}

// sumVerifiedSince sums verified claim amounts for (user, dispenser) created
// at or after since.
func (r *ClaimRepository) sumVerifiedSince(ctx context.Context, q querier, userID string, dispenserID int64, since time.Time) (*big.Int, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM claim_record
		WHERE user_id = $1 AND dispenser_id = $2
		  AND status = $3 AND created_at >= $4
	`

	var sum string
	err := q.QueryRow(ctx, query, userID, dispenserID, types.ClaimVerified, since).Scan(&sum)
	if err != nil {
		return nil, fmt.Errorf("failed to sum verified claims: %w", err)
	}
	return parseBigInt(sum)
}

// SumVerifiedSince is the pool-backed read used by the credit ledger.
func (r *ClaimRepository) SumVerifiedSince(ctx context.Context, userID string, dispenserID int64, since time.Time) (*big.Int, error) {
	return r.sumVerifiedSince(ctx, r.db.Pool(), userID, dispenserID, since)
}

// hasPendingClaim reports whether the user has an outstanding pending claim
// on the dispenser.
func (r *ClaimRepository) hasPendingClaim(ctx context.Context, q querier, userID string, dispenserID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM claim_record
			WHERE user_id = $1 AND dispenser_id = $2 AND status = $3
		)
	`

	var exists bool
	err := q.QueryRow(ctx, query, userID, dispenserID, types.ClaimPending).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending claim: %w", err)
	}
	return exists, nil
}

// unbatchedPending returns pending claims with no batch in creation order,
// capped at limit.
func (r *ClaimRepository) unbatchedPending(ctx context.Context, q querier, dispenserID int64, limit int) ([]*models.ClaimRecord, error) {
	query := `
		SELECT ` + claimColumns + `
		FROM claim_record
		WHERE dispenser_id = $1 AND status = $2 AND batch_id IS NULL
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := q.Query(ctx, query, dispenserID, types.ClaimPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unbatched claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.ClaimRecord
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// assignBatch attaches the claims to a batch.
func (r *ClaimRepository) assignBatch(ctx context.Context, q querier, batchID string, claimIDs []string) error {
	query := `
		UPDATE claim_record
		SET batch_id = $1, updated_at = now()
		WHERE id = ANY($2) AND batch_id IS NULL
	`

	result, err := q.Exec(ctx, query, batchID, claimIDs)
	if err != nil {
		return fmt.Errorf("failed to assign claims to batch: %w", err)
	}
	if int(result.RowsAffected()) != len(claimIDs) {
		return fmt.Errorf("assigned %d of %d claims to batch %s", result.RowsAffected(), len(claimIDs), batchID)
	}
	return nil
}

// ForBatch returns the claims attached to a batch in creation order.
func (r *ClaimRepository) ForBatch(ctx context.Context, batchID string) ([]*models.ClaimRecord, error) {
	query := `
		SELECT ` + claimColumns + `
		FROM claim_record
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.ClaimRecord
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// RejectStale rejects pending claims with no batch created before cutoff.
// Re-running the sweep is a no-op for already-rejected claims.
func (r *ClaimRepository) RejectStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE claim_record
		SET status = $1, updated_at = now()
		WHERE status = $2 AND batch_id IS NULL AND created_at < $3
	`

	result, err := r.db.Pool().Exec(ctx, query, types.ClaimRejected, types.ClaimPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reject stale claims: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountsByStatus returns claim counts per status, for the ops endpoint.
func (r *ClaimRepository) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM claim_record GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count claims: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan claim count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanClaim(row rowScanner) (*models.ClaimRecord, error) {
	var (
		c      models.ClaimRecord
		amount string
	)
	if err := row.Scan(
		&c.ID, &c.DispenserID, &c.UserID, &c.Status, &amount,
		&c.Destination, &c.PassiveAddress, &c.BatchID, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if c.Amount, err = parseBigInt(amount); err != nil {
		return nil, err
	}
	return &c, nil
}
