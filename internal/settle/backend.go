// Package settle implements the chain-specific settlement backends that move
// funds for a batch of claims: account-based EVM chains, Solana, and the
// custodial Lightning channel. All three sit behind one contract; the
// reconciliation loop selects an implementation by dispenser chain family.
package settle

import (
	"context"
	"errors"
	"math/big"

	pipeerrors "github.com/claim-pipeline/internal/errors"
	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/types"
)

var (
	// ErrGasPriceTooHigh means the network fee exceeds the dispenser's
	// ceiling. The batch stays open and is retried next tick.
	ErrGasPriceTooHigh = errors.New("gas price exceeds dispenser ceiling")

	// ErrPeriodicCapExceeded means the Lightning channel's rolling spending
	// cap cannot cover the payment this period. Retried next tick.
	ErrPeriodicCapExceeded = errors.New("lightning periodic cap exceeded")

	// ErrChannelBusy means another payment holds the Lightning settlement
	// lock. Retried next tick.
	ErrChannelBusy = errors.New("lightning channel busy")

	// ErrNotInitialized means an on-chain account the backend depends on is
	// missing. Operator intervention is required.
	ErrNotInitialized = errors.New("settlement account not initialized")

	// ErrTxReverted means the transaction was mined but failed. The batch is
	// a hard failure, distinct from "not yet settled".
	ErrTxReverted = errors.New("settlement transaction reverted")
)

// Retryable reports whether a broadcast error leaves the batch open for a
// retry on the next tick without being worth an error-severity log line.
func Retryable(err error) bool {
	return errors.Is(err, ErrGasPriceTooHigh) ||
		errors.Is(err, ErrPeriodicCapExceeded) ||
		errors.Is(err, ErrChannelBusy)
}

// Backend settles batches for one dispenser.
type Backend interface {
	// Broadcast produces and submits one transaction (or payment) moving
	// funds to every claim in the batch, returning its external identifier.
	Broadcast(ctx context.Context, batch *models.SettlementBatch, claims []*models.ClaimRecord) (string, error)

	// IsSettled reports whether the previously broadcast transaction has
	// settled. A transient lookup failure is "not yet settled", never
	// "settled"; a mined-but-failed transaction is ErrTxReverted.
	IsSettled(ctx context.Context, txID string) (bool, error)

	// Balance returns the funds currently available to the dispenser.
	Balance(ctx context.Context) (*big.Int, error)
}

// Factory builds backends keyed by dispenser chain family.
type Factory struct {
	evm       func(d *models.Dispenser) (Backend, error)
	solana    func(d *models.Dispenser) (Backend, error)
	lightning func(d *models.Dispenser) (Backend, error)
}

// NewFactory creates a backend factory. A nil constructor disables its
// family; dispensers on a disabled family fail with a fatal config error.
func NewFactory(
	evm func(d *models.Dispenser) (Backend, error),
	solana func(d *models.Dispenser) (Backend, error),
	lightning func(d *models.Dispenser) (Backend, error),
) *Factory {
	return &Factory{evm: evm, solana: solana, lightning: lightning}
}

// ForDispenser returns the settlement backend for the dispenser's family.
func (f *Factory) ForDispenser(d *models.Dispenser) (Backend, error) {
	var build func(d *models.Dispenser) (Backend, error)
	switch d.Family {
	case types.FamilyEVM:
		build = f.evm
	case types.FamilySolana:
		build = f.solana
	case types.FamilyLightning:
		build = f.lightning
	}
	if build == nil {
		return nil, pipeerrors.NewUnknownChainFamilyError(string(d.Family))
	}
	return build(d)
}
