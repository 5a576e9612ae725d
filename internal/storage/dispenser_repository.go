package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/claim-pipeline/internal/models"
)

const dispenserColumns = `
	id, chain, chain_family, chain_ref, window_policy,
	max_claim_per_window::text, gas_ceiling::text, contract_address,
	active, has_enough_funds, created_at, updated_at
`

// DispenserRepository handles dispenser persistence. Dispensers are operator
// managed; the pipeline only reads them and refreshes the funding flag.
type DispenserRepository struct {
	db *PostgresDB
}

// NewDispenserRepository creates a new dispenser repository.
func NewDispenserRepository(db *PostgresDB) *DispenserRepository {
	return &DispenserRepository{db: db}
}

// Get retrieves a dispenser by id.
func (r *DispenserRepository) Get(ctx context.Context, id int64) (*models.Dispenser, error) {
	return r.get(ctx, r.db.Pool(), id)
}

func (r *DispenserRepository) get(ctx context.Context, q querier, id int64) (*models.Dispenser, error) {
	query := `SELECT ` + dispenserColumns + ` FROM dispenser WHERE id = $1`
	d, err := scanDispenser(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dispenser %d not found", id)
		}
		return nil, fmt.Errorf("failed to get dispenser: %w", err)
	}
	return d, nil
}

// ListActive returns all active dispensers.
func (r *DispenserRepository) ListActive(ctx context.Context) ([]*models.Dispenser, error) {
	query := `SELECT ` + dispenserColumns + ` FROM dispenser WHERE active ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active dispensers: %w", err)
	}
	defer rows.Close()

	var dispensers []*models.Dispenser
	for rows.Next() {
		d, err := scanDispenser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispenser: %w", err)
		}
		dispensers = append(dispensers, d)
	}
	return dispensers, rows.Err()
}

// LockForUpdate takes the dispenser row lock inside tx, serializing
// scheduling decisions for this dispenser.
func (r *DispenserRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, id int64) error {
	var locked int64
	err := tx.QueryRow(ctx, `SELECT id FROM dispenser WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("dispenser %d not found", id)
		}
		return fmt.Errorf("failed to lock dispenser: %w", err)
	}
	return nil
}

// SetFundingFlag updates the cached funding-sufficiency flag.
func (r *DispenserRepository) SetFundingFlag(ctx context.Context, id int64, hasEnough bool) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE dispenser SET has_enough_funds = $2, updated_at = now() WHERE id = $1`,
		id, hasEnough)
	if err != nil {
		return fmt.Errorf("failed to update funding flag: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dispenser %d not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispenser(row rowScanner) (*models.Dispenser, error) {
	var (
		d          models.Dispenser
		maxClaim   string
		gasCeiling *string
	)
	if err := row.Scan(
		&d.ID, &d.Chain, &d.Family, &d.ChainRef, &d.WindowPolicy,
		&maxClaim, &gasCeiling, &d.ContractAddress,
		&d.Active, &d.HasEnoughFunds, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if d.MaxClaimPerWindow, err = parseBigInt(maxClaim); err != nil {
		return nil, err
	}
	if d.GasCeiling, err = parseNullableBigInt(gasCeiling); err != nil {
		return nil, err
	}
	return &d, nil
}
