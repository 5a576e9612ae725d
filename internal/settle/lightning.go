package settle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/claim-pipeline/internal/lock"
	"github.com/claim-pipeline/internal/logging"
	"github.com/claim-pipeline/internal/models"
)

// LightningLockKey scopes the distributed lock guarding the shared channel:
// only one payment may be in flight against it at a time.
const LightningLockKey = "settle:lightning"

// DecodedInvoice is the result of decoding a BOLT11 payment request.
type DecodedInvoice struct {
	AmountSat   int64
	PaymentHash string
}

// LightningProvider is the custodial payment node the backend drives.
type LightningProvider interface {
	DecodeInvoice(ctx context.Context, invoice string) (*DecodedInvoice, error)
	// PayInvoice pays the invoice and returns the payment identifier
	// (the payment hash) once the payment is in flight or settled.
	PayInvoice(ctx context.Context, invoice string) (string, error)
	// PaymentSettled reports whether a previously submitted payment settled.
	PaymentSettled(ctx context.Context, paymentID string) (bool, error)
	ChannelBalance(ctx context.Context) (int64, error)
}

// ChannelStore persists the channel's rolling cap state with a transactional
// read-modify-write. The callback may mutate the state; returning an error
// aborts the write.
type ChannelStore interface {
	UpdateChannelState(ctx context.Context, fn func(st *models.ChannelState) error) error
}

// LightningBackend pays one invoice per batch against the shared custodial
// channel, under the distributed lock and the channel's periodic spending cap.
type LightningBackend struct {
	provider LightningProvider
	channels ChannelStore
	locks    lock.Locker
	logger   *logging.Logger
	now      func() time.Time
}

// NewLightningBackend creates the Lightning settlement backend.
func NewLightningBackend(provider LightningProvider, channels ChannelStore, locks lock.Locker, logger *logging.Logger) *LightningBackend {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LightningBackend{
		provider: provider,
		channels: channels,
		locks:    locks,
		logger:   logger.WithField("backend", "lightning"),
		now:      time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (b *LightningBackend) SetNow(now func() time.Time) {
	b.now = now
}

// NewLightningBackendForDispenser builds the factory constructor. The backend
// is channel-scoped, not dispenser-scoped, so every dispenser shares it.
func NewLightningBackendForDispenser(backend *LightningBackend) func(d *models.Dispenser) (Backend, error) {
	return func(d *models.Dispenser) (Backend, error) {
		return backend, nil
	}
}

// Broadcast pays the single invoice in the batch. The critical section runs
// under the distributed lock; the lock release is unconditional (handled by
// the locker) so a failed payment never deadlocks subsequent attempts.
func (b *LightningBackend) Broadcast(ctx context.Context, batch *models.SettlementBatch, claims []*models.ClaimRecord) (string, error) {
	if len(claims) != 1 {
		return "", fmt.Errorf("lightning batch %s must contain exactly one claim, has %d", batch.ID, len(claims))
	}
	claim := claims[0]
	if claim.PassiveAddress == nil || *claim.PassiveAddress == "" {
		return "", fmt.Errorf("claim %s has no invoice", claim.ID)
	}
	invoice := *claim.PassiveAddress

	if !claim.Amount.IsInt64() {
		return "", fmt.Errorf("claim %s amount %s out of satoshi range", claim.ID, claim.Amount)
	}
	amountSat := claim.Amount.Int64()

	var paymentID string
	acquired, err := b.locks.WithLock(ctx, LightningLockKey, func(ctx context.Context) error {
		// Re-check the cap inside the lock: the accounting period may have
		// rolled over, and a concurrent payment may have consumed budget.
		if err := b.channels.UpdateChannelState(ctx, func(st *models.ChannelState) error {
			st.RollOver(b.now())
			// Strict > : a payment landing exactly on the cap is allowed.
			if st.ClaimedAmountSat+amountSat > st.PeriodMaxCapSat {
				return fmt.Errorf("%w: claimed %d + %d > cap %d",
					ErrPeriodicCapExceeded, st.ClaimedAmountSat, amountSat, st.PeriodMaxCapSat)
			}
			return nil
		}); err != nil {
			return err
		}

		id, err := b.provider.PayInvoice(ctx, invoice)
		if err != nil {
			return fmt.Errorf("failed to pay invoice: %w", err)
		}
		paymentID = id

		if err := b.channels.UpdateChannelState(ctx, func(st *models.ChannelState) error {
			st.ClaimedAmountSat += amountSat
			return nil
		}); err != nil {
			// The payment went out; losing the counter update undercounts
			// the period. Surface it loudly but keep the payment id.
			b.logger.WithError(err).WithField("paymentId", paymentID).
				Error("Failed to record claimed amount after payment")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", ErrChannelBusy
	}

	b.logger.WithFields(map[string]interface{}{
		"batchId":   batch.ID,
		"paymentId": paymentID,
		"amountSat": amountSat,
	}).Info("Paid settlement invoice")

	return paymentID, nil
}

// IsSettled checks the payment's settled flag with the payment provider.
func (b *LightningBackend) IsSettled(ctx context.Context, txID string) (bool, error) {
	return b.provider.PaymentSettled(ctx, txID)
}

// Balance returns the channel's local balance in satoshis.
func (b *LightningBackend) Balance(ctx context.Context) (*big.Int, error) {
	sat, err := b.provider.ChannelBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel balance: %w", err)
	}
	return big.NewInt(sat), nil
}
