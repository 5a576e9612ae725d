// Package models defines the persisted entities of the claim settlement pipeline.
package models

import (
	"math/big"
	"time"

	"github.com/claim-pipeline/internal/types"
)

// Dispenser is a configured source of funds for one chain and purpose.
// It is created and edited by operators; the pipeline treats it as read-only
// except for the cached funding-sufficiency flag.
type Dispenser struct {
	ID                int64              `json:"id" db:"id"`
	Chain             string             `json:"chain" db:"chain"`
	Family            types.ChainFamily  `json:"chainFamily" db:"chain_family"`
	ChainRef          string             `json:"chainRef" db:"chain_ref"` // EVM numeric chain id, Solana cluster, ...
	WindowPolicy      types.WindowPolicy `json:"windowPolicy" db:"window_policy"`
	MaxClaimPerWindow *big.Int           `json:"maxClaimPerWindow" db:"max_claim_per_window"`
	GasCeiling        *big.Int           `json:"gasCeiling,omitempty" db:"gas_ceiling"` // nil = no ceiling
	ContractAddress   string             `json:"contractAddress" db:"contract_address"`
	Active            bool               `json:"active" db:"active"`
	HasEnoughFunds    bool               `json:"hasEnoughFunds" db:"has_enough_funds"`
	CreatedAt         time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time          `json:"updatedAt" db:"updated_at"`
}
