package storage

import (
	"context"
	"hash/fnv"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/claim-pipeline/internal/admission"
	pipeerrors "github.com/claim-pipeline/internal/errors"
	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/scheduler"
	"github.com/claim-pipeline/internal/types"
)

// PipelineStore is the Postgres-backed persistence surface for the whole
// pipeline. It satisfies admission.Store, scheduler.Store and
// reconcile.Store, opening the transactional critical sections on top of
// the shared repositories.
type PipelineStore struct {
	db         *PostgresDB
	dispensers *DispenserRepository
	claims     *ClaimRepository
	batches    *BatchRepository
}

// NewPipelineStore creates a pipeline store over the given connection.
func NewPipelineStore(db *PostgresDB) *PipelineStore {
	return &PipelineStore{
		db:         db,
		dispensers: NewDispenserRepository(db),
		claims:     NewClaimRepository(db),
		batches:    NewBatchRepository(db),
	}
}

// userLockKey maps a user id onto the 64-bit advisory lock space. Claims are
// validated against history under this lock, so two concurrent submissions
// by the same user always serialize.
func userLockKey(userID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(userID))
	return int64(h.Sum64())
}

// WithUserLock implements admission.Store. The advisory lock is
// transaction-scoped and released automatically on commit or rollback.
func (s *PipelineStore) WithUserLock(ctx context.Context, userID string, fn func(tx admission.TxStore) error) error {
	return pgx.BeginFunc(ctx, s.db.Pool(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userLockKey(userID)); err != nil {
			return pipeerrors.NewStorageError("acquire user lock", err)
		}
		return fn(&txStore{store: s, tx: tx})
	})
}

// ActiveDispensers implements scheduler.Store and reconcile.Store.
func (s *PipelineStore) ActiveDispensers(ctx context.Context) ([]*models.Dispenser, error) {
	return s.dispensers.ListActive(ctx)
}

// WithDispenserLock implements scheduler.Store. The dispenser row lock
// serializes batch creation against concurrent scheduling runs.
func (s *PipelineStore) WithDispenserLock(ctx context.Context, dispenserID int64, fn func(tx scheduler.TxStore) error) error {
	return pgx.BeginFunc(ctx, s.db.Pool(), func(tx pgx.Tx) error {
		if err := s.dispensers.LockForUpdate(ctx, tx, dispenserID); err != nil {
			return err
		}
		return fn(&txStore{store: s, tx: tx})
	})
}

// OpenBatches implements reconcile.Store.
func (s *PipelineStore) OpenBatches(ctx context.Context) ([]*models.SettlementBatch, error) {
	return s.batches.ListByStatus(ctx, types.BatchOpen)
}

// BroadcastingBatches implements reconcile.Store.
func (s *PipelineStore) BroadcastingBatches(ctx context.Context) ([]*models.SettlementBatch, error) {
	return s.batches.ListByStatus(ctx, types.BatchBroadcasting)
}

// HasOtherInFlightBatch implements reconcile.Store.
func (s *PipelineStore) HasOtherInFlightBatch(ctx context.Context, dispenserID int64, excludeBatchID string) (bool, error) {
	return s.batches.hasInFlight(ctx, s.db.Pool(), dispenserID, excludeBatchID)
}

// ClaimsForBatch implements reconcile.Store.
func (s *PipelineStore) ClaimsForBatch(ctx context.Context, batchID string) ([]*models.ClaimRecord, error) {
	return s.claims.ForBatch(ctx, batchID)
}

// Dispenser implements reconcile.Store.
func (s *PipelineStore) Dispenser(ctx context.Context, id int64) (*models.Dispenser, error) {
	return s.dispensers.Get(ctx, id)
}

// MarkBroadcasting implements reconcile.Store.
func (s *PipelineStore) MarkBroadcasting(ctx context.Context, batchID, txID string) error {
	return s.batches.MarkBroadcasting(ctx, batchID, txID)
}

// FinalizeBatch implements reconcile.Store.
func (s *PipelineStore) FinalizeBatch(ctx context.Context, batchID string, status types.BatchStatus) error {
	return s.batches.Finalize(ctx, batchID, status)
}

// TryBeginUpdate implements reconcile.Store.
func (s *PipelineStore) TryBeginUpdate(ctx context.Context, batchID string) (bool, error) {
	return s.batches.TryBeginUpdate(ctx, batchID)
}

// EndUpdate implements reconcile.Store.
func (s *PipelineStore) EndUpdate(ctx context.Context, batchID string) error {
	return s.batches.EndUpdate(ctx, batchID)
}

// RejectStaleClaims implements reconcile.Store.
func (s *PipelineStore) RejectStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.claims.RejectStale(ctx, cutoff)
}

// SetFundingFlag implements reconcile.Store.
func (s *PipelineStore) SetFundingFlag(ctx context.Context, dispenserID int64, hasEnough bool) error {
	return s.dispensers.SetFundingFlag(ctx, dispenserID, hasEnough)
}

// StatusCounts reports claim counts per status plus the number of in-flight
// batches, for the ops endpoint.
func (s *PipelineStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	counts, err := s.claims.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	inFlight, err := s.batches.CountInFlight(ctx)
	if err != nil {
		return nil, err
	}
	counts["batches_in_flight"] = inFlight
	return counts, nil
}

// txStore is the transaction-scoped view handed to admission and scheduler
// callbacks while their locks are held.
type txStore struct {
	store *PipelineStore
	tx    pgx.Tx
}

func (t *txStore) SumVerifiedSince(ctx context.Context, userID string, dispenserID int64, since time.Time) (*big.Int, error) {
	return t.store.claims.sumVerifiedSince(ctx, t.tx, userID, dispenserID, since)
}

func (t *txStore) HasPendingClaim(ctx context.Context, userID string, dispenserID int64) (bool, error) {
	return t.store.claims.hasPendingClaim(ctx, t.tx, userID, dispenserID)
}

func (t *txStore) InsertClaim(ctx context.Context, claim *models.ClaimRecord) error {
	return t.store.claims.insert(ctx, t.tx, claim)
}

func (t *txStore) HasInFlightBatch(ctx context.Context, dispenserID int64) (bool, error) {
	return t.store.batches.hasInFlight(ctx, t.tx, dispenserID, "")
}

func (t *txStore) UnbatchedPendingClaims(ctx context.Context, dispenserID int64, limit int) ([]*models.ClaimRecord, error) {
	return t.store.claims.unbatchedPending(ctx, t.tx, dispenserID, limit)
}

func (t *txStore) InsertBatch(ctx context.Context, batch *models.SettlementBatch) error {
	return t.store.batches.insert(ctx, t.tx, batch)
}

func (t *txStore) AssignClaimsToBatch(ctx context.Context, batchID string, claimIDs []string) error {
	return t.store.claims.assignBatch(ctx, t.tx, batchID, claimIDs)
}
