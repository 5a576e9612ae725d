// Package scheduler groups outstanding unbatched claims into settlement
// batches. It runs periodically for every active dispenser, each under an
// exclusive lock on the dispenser row, so overlapping runs never
// double-batch.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/claim-pipeline/internal/audit"
	"github.com/claim-pipeline/internal/logging"
	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/types"
)

// TxStore is the dispenser-scoped transactional view used while the
// dispenser row lock is held.
type TxStore interface {
	HasInFlightBatch(ctx context.Context, dispenserID int64) (bool, error)
	UnbatchedPendingClaims(ctx context.Context, dispenserID int64, limit int) ([]*models.ClaimRecord, error)
	InsertBatch(ctx context.Context, batch *models.SettlementBatch) error
	AssignClaimsToBatch(ctx context.Context, batchID string, claimIDs []string) error
}

// Store provides dispenser listing and the per-dispenser critical section.
type Store interface {
	ActiveDispensers(ctx context.Context) ([]*models.Dispenser, error)
	WithDispenserLock(ctx context.Context, dispenserID int64, fn func(tx TxStore) error) error
}

// Scheduler assembles settlement batches.
type Scheduler struct {
	store  Store
	audit  audit.Sink
	logger *logging.Logger
	now    func() time.Time
}

// New creates a batch scheduler.
func New(store Store, sink audit.Sink, logger *logging.Logger) *Scheduler {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		store:  store,
		audit:  sink,
		logger: logger.WithField("component", "scheduler"),
		now:    time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.now = now
}

// ScheduleBatches runs one scheduling pass over every active dispenser.
// Failures are isolated per dispenser: one failing dispenser never blocks
// the others.
func (s *Scheduler) ScheduleBatches(ctx context.Context) error {
	dispensers, err := s.store.ActiveDispensers(ctx)
	if err != nil {
		return err
	}

	for _, d := range dispensers {
		if err := s.scheduleDispenser(ctx, d); err != nil {
			s.logger.WithError(err).WithField("dispenserId", d.ID).
				Error("Failed to schedule batch for dispenser")
		}
	}
	return nil
}

// scheduleDispenser creates at most one new batch for the dispenser. An
// existing open or broadcasting batch makes this a no-op: batches are
// strictly serialized per dispenser.
func (s *Scheduler) scheduleDispenser(ctx context.Context, d *models.Dispenser) error {
	return s.store.WithDispenserLock(ctx, d.ID, func(tx TxStore) error {
		inFlight, err := tx.HasInFlightBatch(ctx, d.ID)
		if err != nil {
			return err
		}
		if inFlight {
			return nil
		}

		claims, err := tx.UnbatchedPendingClaims(ctx, d.ID, d.Family.BatchLimit())
		if err != nil {
			return err
		}
		if len(claims) == 0 {
			return nil
		}

		now := s.now()
		batch := &models.SettlementBatch{
			ID:          uuid.New().String(),
			DispenserID: d.ID,
			Status:      types.BatchOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return err
		}

		claimIDs := make([]string, 0, len(claims))
		for _, c := range claims {
			claimIDs = append(claimIDs, c.ID)
		}
		if err := tx.AssignClaimsToBatch(ctx, batch.ID, claimIDs); err != nil {
			return err
		}

		s.logger.WithFields(map[string]interface{}{
			"dispenserId": d.ID,
			"batchId":     batch.ID,
			"claims":      len(claimIDs),
		}).Info("Created settlement batch")

		s.audit.Record(ctx, audit.Event{
			Entity:      "batch",
			EntityID:    batch.ID,
			DispenserID: d.ID,
			ToStatus:    string(types.BatchOpen),
			At:          now,
		})
		return nil
	})
}
