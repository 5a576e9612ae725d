package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/claim-pipeline/internal/models"
)

// ChannelRepository persists the singleton Lightning channel cap state. All
// mutation goes through a transactional read-modify-write under the row
// lock; callers additionally hold the distributed Lightning lock.
type ChannelRepository struct {
	db *PostgresDB
}

// NewChannelRepository creates a new channel state repository.
func NewChannelRepository(db *PostgresDB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// getForUpdate reads the singleton row under the transaction's row lock.
func (r *ChannelRepository) getForUpdate(ctx context.Context, tx pgx.Tx) (*models.ChannelState, error) {
	query := `
		SELECT id, claimed_amount_sat, period_max_cap_sat, period_seconds, round_start, updated_at
		FROM lightning_channel_state
		WHERE id = 1
		FOR UPDATE
	`

	var (
		st            models.ChannelState
		periodSeconds int64
	)
	err := tx.QueryRow(ctx, query).Scan(
		&st.ID, &st.ClaimedAmountSat, &st.PeriodMaxCapSat, &periodSeconds, &st.RoundStart, &st.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel state: %w", err)
	}
	st.Period = time.Duration(periodSeconds) * time.Second
	return &st, nil
}

// UpdateChannelState runs fn against the locked channel row and writes the
// mutated state back. An error from fn aborts the transaction.
func (r *ChannelRepository) UpdateChannelState(ctx context.Context, fn func(st *models.ChannelState) error) error {
	return pgx.BeginFunc(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		st, err := r.getForUpdate(ctx, tx)
		if err != nil {
			return err
		}

		if err := fn(st); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE lightning_channel_state
			SET claimed_amount_sat = $1, period_max_cap_sat = $2,
				period_seconds = $3, round_start = $4, updated_at = now()
			WHERE id = 1
		`, st.ClaimedAmountSat, st.PeriodMaxCapSat, int64(st.Period/time.Second), st.RoundStart)
		if err != nil {
			return fmt.Errorf("failed to update channel state: %w", err)
		}
		return nil
	})
}
