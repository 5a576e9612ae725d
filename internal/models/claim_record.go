package models

import (
	"math/big"
	"time"

	"github.com/claim-pipeline/internal/types"
)

// ClaimRecord is one user claim attempt. Records are never physically
// deleted: the claim history is the audit trail the credit ledger sums over.
type ClaimRecord struct {
	ID          string            `json:"id" db:"id"`
	DispenserID int64             `json:"dispenserId" db:"dispenser_id"`
	UserID      string            `json:"userId" db:"user_id"`
	Status      types.ClaimStatus `json:"status" db:"status"`
	Amount      *big.Int          `json:"amount" db:"amount"`
	// Destination is where funds are sent: the user's registered wallet for
	// the dispenser's chain family, or the passive address supplied at claim
	// time (a Lightning invoice, for instance).
	Destination    string    `json:"destination" db:"destination"`
	PassiveAddress *string   `json:"passiveAddress,omitempty" db:"passive_address"`
	BatchID        *string   `json:"batchId,omitempty" db:"batch_id"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}
