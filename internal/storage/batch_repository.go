package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/types"
)

const batchColumns = `
	id, dispenser_id, status, tx_id, updating, created_at, updated_at
`

// BatchRepository handles settlement batch persistence.
type BatchRepository struct {
	db *PostgresDB
}

// NewBatchRepository creates a new batch repository.
func NewBatchRepository(db *PostgresDB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) insert(ctx context.Context, q querier, batch *models.SettlementBatch) error {
	query := `
		INSERT INTO settlement_batch (id, dispenser_id, status, tx_id, updating, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := q.Exec(ctx, query,
		batch.ID,
		batch.DispenserID,
		batch.Status,
		batch.TxID,
		batch.Updating,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// hasInFlight reports whether the dispenser has an open or broadcasting
// batch, optionally excluding one batch id.
func (r *BatchRepository) hasInFlight(ctx context.Context, q querier, dispenserID int64, excludeBatchID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM settlement_batch
			WHERE dispenser_id = $1 AND status = ANY($2) AND id::text <> $3
		)
	`

	var exists bool
	err := q.QueryRow(ctx, query, dispenserID,
		[]types.BatchStatus{types.BatchOpen, types.BatchBroadcasting}, excludeBatchID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check in-flight batch: %w", err)
	}
	return exists, nil
}

// ListByStatus returns batches with the given status, oldest first.
func (r *BatchRepository) ListByStatus(ctx context.Context, status types.BatchStatus) ([]*models.SettlementBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM settlement_batch
		WHERE status = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.SettlementBatch
	for rows.Next() {
		var b models.SettlementBatch
		if err := rows.Scan(&b.ID, &b.DispenserID, &b.Status, &b.TxID, &b.Updating, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

// MarkBroadcasting stores the external transaction id and moves the batch
// from open to broadcasting. The status guard keeps a late duplicate
// broadcast from clobbering a batch that already moved on.
func (r *BatchRepository) MarkBroadcasting(ctx context.Context, batchID, txID string) error {
	query := `
		UPDATE settlement_batch
		SET status = $2, tx_id = $3, updated_at = now()
		WHERE id = $1 AND status = $4 AND tx_id IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, batchID, types.BatchBroadcasting, txID, types.BatchOpen)
	if err != nil {
		return fmt.Errorf("failed to mark batch broadcasting: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("batch %s is not open", batchID)
	}
	return nil
}

// Finalize moves the batch and its in-flight claims to a terminal status in
// one transaction. Re-finalizing a terminal batch is a no-op.
func (r *BatchRepository) Finalize(ctx context.Context, batchID string, status types.BatchStatus) error {
	if status.InFlight() {
		return fmt.Errorf("cannot finalize batch %s to non-terminal status %s", batchID, status)
	}

	claimStatus := types.ClaimRejected
	if status == types.BatchVerified {
		claimStatus = types.ClaimVerified
	}

	return pgx.BeginFunc(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE settlement_batch
			SET status = $2, updating = FALSE, updated_at = now()
			WHERE id = $1 AND status = ANY($3)
		`, batchID, status, []types.BatchStatus{types.BatchOpen, types.BatchBroadcasting})
		if err != nil {
			return fmt.Errorf("failed to finalize batch: %w", err)
		}
		if result.RowsAffected() == 0 {
			// Already terminal; leave the claims alone.
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE claim_record
			SET status = $2, updated_at = now()
			WHERE batch_id = $1 AND status = $3
		`, batchID, claimStatus, types.ClaimPending); err != nil {
			return fmt.Errorf("failed to finalize batch claims: %w", err)
		}
		return nil
	})
}

// TryBeginUpdate atomically claims the batch's updating flag.
func (r *BatchRepository) TryBeginUpdate(ctx context.Context, batchID string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE settlement_batch
		SET updating = TRUE, updated_at = now()
		WHERE id = $1 AND updating = FALSE
	`, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to set updating flag: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// EndUpdate clears the batch's updating flag.
func (r *BatchRepository) EndUpdate(ctx context.Context, batchID string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE settlement_batch
		SET updating = FALSE, updated_at = now()
		WHERE id = $1
	`, batchID)
	if err != nil {
		return fmt.Errorf("failed to clear updating flag: %w", err)
	}
	return nil
}

// CountInFlight returns the number of open and broadcasting batches, for the
// ops endpoint.
func (r *BatchRepository) CountInFlight(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM settlement_batch WHERE status = ANY($1)
	`, []types.BatchStatus{types.BatchOpen, types.BatchBroadcasting}).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight batches: %w", err)
	}
	return count, nil
}
