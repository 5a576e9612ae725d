// Package admission validates and records claim requests. All checks and the
// insert run inside one transaction holding an exclusive lock scoped to the
// requesting user, so concurrent attempts by the same user are serialized.
package admission

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/claim-pipeline/internal/audit"
	pipeerrors "github.com/claim-pipeline/internal/errors"
	"github.com/claim-pipeline/internal/identity"
	"github.com/claim-pipeline/internal/ledger"
	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/settle"
	"github.com/claim-pipeline/internal/types"
)

// TxStore is the transaction-scoped view of claim storage the controller
// uses while the user lock is held.
type TxStore interface {
	ledger.ClaimSummer
	HasPendingClaim(ctx context.Context, userID string, dispenserID int64) (bool, error)
	InsertClaim(ctx context.Context, claim *models.ClaimRecord) error
}

// Store opens the serialized per-user critical section.
type Store interface {
	WithUserLock(ctx context.Context, userID string, fn func(tx TxStore) error) error
}

// InvoiceDecoder decodes a Lightning invoice supplied as a passive address.
type InvoiceDecoder interface {
	DecodeInvoice(ctx context.Context, invoice string) (*settle.DecodedInvoice, error)
}

// Controller admits claim requests.
type Controller struct {
	store    Store
	identity identity.Service
	invoices InvoiceDecoder
	audit    audit.Sink
	now      func() time.Time
}

// ControllerConfig holds the controller's collaborators. Invoices may be nil
// when no Lightning dispenser is configured.
type ControllerConfig struct {
	Store    Store
	Identity identity.Service
	Invoices InvoiceDecoder
	Audit    audit.Sink
}

// NewController creates an admission controller.
func NewController(cfg *ControllerConfig) *Controller {
	sink := cfg.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Controller{
		store:    cfg.Store,
		identity: cfg.Identity,
		invoices: cfg.Invoices,
		audit:    sink,
		now:      time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (c *Controller) SetNow(now func() time.Time) {
	c.now = now
}

// SubmitClaim runs the admission checks and, on success, records a pending
// claim. Business-rule rejections are returned as categorized errors; they
// are never retried automatically.
func (c *Controller) SubmitClaim(ctx context.Context, userID string, d *models.Dispenser, amount *big.Int, passiveAddress string) (*models.ClaimRecord, error) {
	if !d.Active {
		return nil, pipeerrors.NewDispenserUnavailableError(d.ID, "dispenser is not active")
	}
	if !d.HasEnoughFunds {
		return nil, pipeerrors.NewDispenserUnavailableError(d.ID, "dispenser is out of funds")
	}

	var claim *models.ClaimRecord
	err := c.store.WithUserLock(ctx, userID, func(tx TxStore) error {
		unclaimed, err := ledger.Unclaimed(ctx, tx, userID, d, c.now())
		if err != nil {
			return err
		}
		if amount.Cmp(unclaimed) > 0 {
			return pipeerrors.NewQuotaExceededError(amount, unclaimed)
		}

		verified, err := c.identity.IsVerified(ctx, userID, d.ID)
		if err != nil {
			return err
		}
		if !verified {
			return pipeerrors.NewNotVerifiedError(userID)
		}

		pending, err := tx.HasPendingClaim(ctx, userID, d.ID)
		if err != nil {
			return err
		}
		if pending {
			return pipeerrors.NewClaimInFlightError(userID, d.ID)
		}

		destination, passive, err := c.resolveDestination(ctx, userID, d, amount, passiveAddress)
		if err != nil {
			return err
		}

		now := c.now()
		claim = &models.ClaimRecord{
			ID:             uuid.New().String(),
			DispenserID:    d.ID,
			UserID:         userID,
			Status:         types.ClaimPending,
			Amount:         new(big.Int).Set(amount),
			Destination:    destination,
			PassiveAddress: passive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.InsertClaim(ctx, claim)
	})
	if err != nil {
		return nil, err
	}

	c.audit.Record(ctx, audit.Event{
		Entity:      "claim",
		EntityID:    claim.ID,
		DispenserID: d.ID,
		ToStatus:    string(types.ClaimPending),
		At:          claim.CreatedAt,
	})

	return claim, nil
}

// resolveDestination picks the payout destination: the supplied passive
// address when present (mandatory for Lightning, where it is the invoice and
// must decode to the requested amount), otherwise the user's registered
// wallet for the dispenser's chain family.
func (c *Controller) resolveDestination(ctx context.Context, userID string, d *models.Dispenser, amount *big.Int, passiveAddress string) (string, *string, error) {
	if d.Family == types.FamilyLightning {
		if passiveAddress == "" {
			return "", nil, pipeerrors.NewNoWalletError(userID, string(d.Family))
		}
		if c.invoices == nil {
			return "", nil, pipeerrors.NewUnknownChainFamilyError(string(d.Family))
		}
		decoded, err := c.invoices.DecodeInvoice(ctx, passiveAddress)
		if err != nil {
			return "", nil, err
		}
		if big.NewInt(decoded.AmountSat).Cmp(amount) != 0 {
			return "", nil, pipeerrors.NewInvalidAmountError(amount, big.NewInt(decoded.AmountSat))
		}
		return passiveAddress, &passiveAddress, nil
	}

	if passiveAddress != "" {
		return passiveAddress, &passiveAddress, nil
	}

	address, err := c.identity.ResolveWalletAddress(ctx, userID, d.Family)
	if err != nil {
		if errors.Is(err, identity.ErrNoWallet) {
			return "", nil, pipeerrors.NewNoWalletError(userID, string(d.Family))
		}
		return "", nil, err
	}
	return address, nil, nil
}
