// Package ledger implements the credit ledger: the read-side accounting that
// decides how much a user may still claim from a dispenser in the current
// window. Amounts are arbitrary-precision integers in chain base units.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/types"
)

const (
	secondsPerDay  = 24 * 60 * 60
	secondsPerWeek = 7 * secondsPerDay

	// The unix epoch fell on a Thursday; the first Monday after it starts
	// four days in. Weekly windows are anchored to that offset so the
	// boundary is always Monday 00:00 UTC.
	mondayEpochOffset = 4 * secondsPerDay
)

// ClaimSummer sums verified claim amounts for a (user, dispenser) pair since
// a point in time. The zero time means "since forever".
type ClaimSummer interface {
	SumVerifiedSince(ctx context.Context, userID string, dispenserID int64, since time.Time) (*big.Int, error)
}

// WindowStart returns the start of the accounting window containing now for
// the given policy. It is a pure function of wall-clock time: repeated calls
// within the same window return the same instant.
func WindowStart(policy types.WindowPolicy, now time.Time) time.Time {
	now = now.UTC()
	switch policy {
	case types.WindowWeekly:
		u := now.Unix()
		rem := (u - mondayEpochOffset) % secondsPerWeek
		if rem < 0 {
			rem += secondsPerWeek
		}
		return time.Unix(u-rem, 0).UTC()
	case types.WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // lifetime
		return time.Time{}
	}
}

// Unclaimed returns the dispenser's per-window allowance minus the sum of
// the user's verified claims inside the current window. The result can be
// zero or negative; callers decide whether a requested amount still fits.
// Admission calls it with a transaction-scoped summer so the read shares the
// snapshot of the insert that follows it.
func Unclaimed(ctx context.Context, claims ClaimSummer, userID string, d *models.Dispenser, now time.Time) (*big.Int, error) {
	start := WindowStart(d.WindowPolicy, now)

	claimed, err := claims.SumVerifiedSince(ctx, userID, d.ID, start)
	if err != nil {
		return nil, fmt.Errorf("failed to sum verified claims: %w", err)
	}

	return new(big.Int).Sub(d.MaxClaimPerWindow, claimed), nil
}
