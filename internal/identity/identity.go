// Package identity declares the collaborator interfaces the pipeline uses to
// look up user verification status and registered wallet addresses. The
// implementations live outside this service; tests use in-memory fakes.
package identity

import (
	"context"
	"errors"

	"github.com/claim-pipeline/internal/types"
)

// ErrNoWallet indicates the user has no registered wallet for a chain family.
var ErrNoWallet = errors.New("no wallet registered for chain family")

// Verifier answers whether a user satisfies a dispenser's verification
// predicate (a BrightID-style uniqueness check, for instance).
type Verifier interface {
	IsVerified(ctx context.Context, userID string, dispenserID int64) (bool, error)
}

// WalletResolver resolves the user's registered wallet address for a chain
// family. Returns ErrNoWallet when none is registered.
type WalletResolver interface {
	ResolveWalletAddress(ctx context.Context, userID string, family types.ChainFamily) (string, error)
}

// Service bundles the identity collaborator interfaces.
type Service interface {
	Verifier
	WalletResolver
}
