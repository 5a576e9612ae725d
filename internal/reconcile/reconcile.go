// Package reconcile drives in-flight settlement batches to a terminal state:
// it broadcasts open batches, polls broadcasting ones against the chain, and
// expires anything stuck past the maximum pending duration so the pipeline
// never wedges.
package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/claim-pipeline/internal/audit"
	pipeerrors "github.com/claim-pipeline/internal/errors"
	"github.com/claim-pipeline/internal/logging"
	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/retry"
	"github.com/claim-pipeline/internal/settle"
	"github.com/claim-pipeline/internal/types"
)

// Store is the persistence surface the reconciler needs.
type Store interface {
	OpenBatches(ctx context.Context) ([]*models.SettlementBatch, error)
	BroadcastingBatches(ctx context.Context) ([]*models.SettlementBatch, error)
	HasOtherInFlightBatch(ctx context.Context, dispenserID int64, excludeBatchID string) (bool, error)
	ClaimsForBatch(ctx context.Context, batchID string) ([]*models.ClaimRecord, error)
	Dispenser(ctx context.Context, id int64) (*models.Dispenser, error)
	ActiveDispensers(ctx context.Context) ([]*models.Dispenser, error)

	// MarkBroadcasting stores the external tx id and moves the batch to
	// broadcasting in one write.
	MarkBroadcasting(ctx context.Context, batchID, txID string) error

	// FinalizeBatch moves a batch and all its claims to the given terminal
	// status. Already-terminal rows are untouched, so the sweep is
	// idempotent.
	FinalizeBatch(ctx context.Context, batchID string, status types.BatchStatus) error

	// TryBeginUpdate atomically sets the batch's updating flag, reporting
	// whether this caller won it.
	TryBeginUpdate(ctx context.Context, batchID string) (bool, error)
	EndUpdate(ctx context.Context, batchID string) error

	// RejectStaleClaims rejects pending claims with no batch created before
	// the cutoff, returning how many were swept.
	RejectStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)

	SetFundingFlag(ctx context.Context, dispenserID int64, hasEnough bool) error
}

// Backends resolves the settlement backend for a dispenser.
type Backends interface {
	ForDispenser(d *models.Dispenser) (settle.Backend, error)
}

// Reconciler reconciles batches and claims against chain state.
type Reconciler struct {
	store      Store
	backends   Backends
	maxPending time.Duration
	audit      audit.Sink
	logger     *logging.Logger
	now        func() time.Time
}

// Config holds the reconciler's collaborators.
type Config struct {
	Store         Store
	Backends      Backends
	MaxPendingAge time.Duration
	Audit         audit.Sink
	Logger        *logging.Logger
}

// New creates a reconciler.
func New(cfg *Config) *Reconciler {
	sink := cfg.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	maxPending := cfg.MaxPendingAge
	if maxPending <= 0 {
		maxPending = 5 * time.Minute
	}
	return &Reconciler{
		store:      cfg.Store,
		backends:   cfg.Backends,
		maxPending: maxPending,
		audit:      sink,
		logger:     logger.WithField("component", "reconciler"),
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (r *Reconciler) SetNow(now func() time.Time) {
	r.now = now
}

// ProcessOpenBatches broadcasts every open batch whose dispenser has no
// other in-flight batch, and expires open batches older than the maximum
// pending duration. Failures are isolated per batch.
func (r *Reconciler) ProcessOpenBatches(ctx context.Context) error {
	batches, err := r.store.OpenBatches(ctx)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if err := r.processOpenBatch(ctx, batch); err != nil {
			if settle.Retryable(err) {
				r.logger.WithField("batchId", batch.ID).Infof("Batch deferred: %v", err)
				continue
			}
			// The batch keeps its claims and no tx id was stored, so the
			// next tick retries it until expiry forces a decision.
			r.logger.WithError(err).WithField("batchId", batch.ID).
				Error("Failed to broadcast batch")
		}
	}
	return nil
}

func (r *Reconciler) processOpenBatch(ctx context.Context, batch *models.SettlementBatch) error {
	if batch.Age(r.now()) > r.maxPending {
		return r.finalize(ctx, batch, types.BatchRejected, "expired before broadcast")
	}

	other, err := r.store.HasOtherInFlightBatch(ctx, batch.DispenserID, batch.ID)
	if err != nil {
		return err
	}
	if other {
		return nil
	}

	d, err := r.store.Dispenser(ctx, batch.DispenserID)
	if err != nil {
		return err
	}

	backend, err := r.backends.ForDispenser(d)
	if err != nil {
		return err
	}

	claims, err := r.store.ClaimsForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}

	txID, err := backend.Broadcast(ctx, batch, claims)
	if err != nil {
		return err
	}

	if err := r.store.MarkBroadcasting(ctx, batch.ID, txID); err != nil {
		return err
	}

	r.audit.Record(ctx, audit.Event{
		Entity:      "batch",
		EntityID:    batch.ID,
		DispenserID: batch.DispenserID,
		FromStatus:  string(types.BatchOpen),
		ToStatus:    string(types.BatchBroadcasting),
		Detail:      txID,
		At:          r.now(),
	})
	return nil
}

// ProcessBroadcastingBatches polls every broadcasting batch's transaction,
// guarded per batch by the updating flag so overlapping reconciliation runs
// never race on the same batch.
func (r *Reconciler) ProcessBroadcastingBatches(ctx context.Context) error {
	batches, err := r.store.BroadcastingBatches(ctx)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if err := r.processBroadcastingBatch(ctx, batch); err != nil {
			r.logger.WithError(err).WithField("batchId", batch.ID).
				Error("Failed to reconcile broadcasting batch")
		}
	}
	return nil
}

func (r *Reconciler) processBroadcastingBatch(ctx context.Context, batch *models.SettlementBatch) error {
	won, err := r.store.TryBeginUpdate(ctx, batch.ID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	defer func() {
		if err := r.store.EndUpdate(ctx, batch.ID); err != nil {
			r.logger.WithError(err).WithField("batchId", batch.ID).
				Error("Failed to clear updating flag")
		}
	}()

	d, err := r.store.Dispenser(ctx, batch.DispenserID)
	if err != nil {
		return err
	}
	backend, err := r.backends.ForDispenser(d)
	if err != nil {
		return err
	}

	expired := batch.Age(r.now()) > r.maxPending

	if batch.TxID == nil {
		// Broadcasting without a tx id should be impossible; expiry is the
		// only way out.
		if expired {
			return r.finalize(ctx, batch, types.BatchRejected, "broadcasting with no tx id")
		}
		return fmt.Errorf("batch %s is broadcasting with no tx id", batch.ID)
	}

	settled, err := backend.IsSettled(ctx, *batch.TxID)
	if err != nil {
		// A check failure coinciding with expiry resolves to rejected:
		// unblocking the pipeline beats leaving it stuck.
		if expired {
			return r.finalize(ctx, batch, types.BatchRejected, "expired while unsettled")
		}
		return err
	}

	switch {
	case settled:
		return r.finalize(ctx, batch, types.BatchVerified, "")
	case expired:
		return r.finalize(ctx, batch, types.BatchRejected, "expired while unsettled")
	}
	return nil // still in flight
}

// RejectStaleUnbatchedClaims rejects pending claims the scheduler never
// picked up within the maximum pending duration, returning their quota.
func (r *Reconciler) RejectStaleUnbatchedClaims(ctx context.Context) error {
	cutoff := r.now().Add(-r.maxPending)
	swept, err := r.store.RejectStaleClaims(ctx, cutoff)
	if err != nil {
		return err
	}
	if swept > 0 {
		r.logger.WithField("claims", swept).Info("Rejected stale unbatched claims")
	}
	return nil
}

// RefreshFunding recomputes every active dispenser's cached
// funding-sufficiency flag from the backend balance.
func (r *Reconciler) RefreshFunding(ctx context.Context) error {
	dispensers, err := r.store.ActiveDispensers(ctx)
	if err != nil {
		return err
	}

	for _, d := range dispensers {
		if err := r.refreshDispenserFunding(ctx, d); err != nil {
			if pipeerrors.IsFatal(err) {
				r.logger.WithError(err).WithField("dispenserId", d.ID).
					Error("Skipping dispenser with fatal configuration error")
				continue
			}
			r.logger.WithError(err).WithField("dispenserId", d.ID).
				Warn("Failed to refresh dispenser funding")
		}
	}
	return nil
}

func (r *Reconciler) refreshDispenserFunding(ctx context.Context, d *models.Dispenser) error {
	backend, err := r.backends.ForDispenser(d)
	if err != nil {
		return err
	}

	// Balance reads are cheap and safe to retry through transient RPC
	// hiccups; everything else in the pipeline relies on tick cadence
	// instead.
	var balance *big.Int
	err = retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
		var err error
		balance, err = backend.Balance(ctx)
		return err
	})
	if err != nil {
		return err
	}
	hasEnough := balance.Cmp(d.MaxClaimPerWindow) >= 0
	if hasEnough == d.HasEnoughFunds {
		return nil
	}
	return r.store.SetFundingFlag(ctx, d.ID, hasEnough)
}

// finalize moves the batch and its claims to a terminal status and records
// the transition. Calling it again on an already-terminal batch is a no-op
// at the storage layer.
func (r *Reconciler) finalize(ctx context.Context, batch *models.SettlementBatch, status types.BatchStatus, detail string) error {
	if err := r.store.FinalizeBatch(ctx, batch.ID, status); err != nil {
		return err
	}

	r.logger.WithFields(map[string]interface{}{
		"batchId":     batch.ID,
		"dispenserId": batch.DispenserID,
		"status":      string(status),
		"detail":      detail,
	}).Info("Finalized settlement batch")

	r.audit.Record(ctx, audit.Event{
		Entity:      "batch",
		EntityID:    batch.ID,
		DispenserID: batch.DispenserID,
		FromStatus:  string(batch.Status),
		ToStatus:    string(status),
		Detail:      detail,
		At:          r.now(),
	})
	return nil
}
