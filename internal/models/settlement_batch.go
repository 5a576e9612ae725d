package models

import (
	"time"

	"github.com/claim-pipeline/internal/types"
)

// SettlementBatch groups claims submitted together in one on-chain
// transaction or payment. Batches are strictly serialized per dispenser:
// at most one batch is open or broadcasting at any time.
type SettlementBatch struct {
	ID          string            `json:"id" db:"id"`
	DispenserID int64             `json:"dispenserId" db:"dispenser_id"`
	Status      types.BatchStatus `json:"status" db:"status"`
	TxID        *string           `json:"txId,omitempty" db:"tx_id"`
	// Updating guards against overlapping reconciliation of the same batch.
	Updating  bool      `json:"updating" db:"updating"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Age returns how long the batch has existed relative to now.
func (b *SettlementBatch) Age(now time.Time) time.Duration {
	return now.Sub(b.CreatedAt)
}
