// Package errors defines the categorized error taxonomy of the settlement
// pipeline: synchronous business-rule rejections returned to claim
// submitters, retryable settlement conditions, and fatal configuration
// errors that require operator intervention.
package errors

import (
	"errors"
	"fmt"
	"math/big"
)

// Category classifies how an error is handled.
type Category string

const (
	// CategoryRejection is a business-rule rejection surfaced synchronously
	// to the admission caller and never retried automatically.
	CategoryRejection Category = "rejection"
	// CategoryRetryable is a settlement condition retried on the next
	// scheduler or reconciliation tick, bounded only by batch expiry.
	CategoryRetryable Category = "retryable"
	// CategoryFatal is a configuration error requiring operator intervention.
	CategoryFatal Category = "fatal"
	// CategorySystem covers database and infrastructure failures.
	CategorySystem Category = "system"
)

// CategorizedError carries a category and a stable machine-readable code.
type CategorizedError struct {
	Category Category
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is matches categorized errors by code so sentinel-style comparisons work.
func (e *CategorizedError) Is(target error) bool {
	var other *CategorizedError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Business-rule rejections

// NewQuotaExceededError is returned when a claim asks for more than the
// user's remaining allowance in the current window.
func NewQuotaExceededError(requested, unclaimed *big.Int) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRejection,
		Code:     "QUOTA_EXCEEDED",
		Message:  fmt.Sprintf("requested %s exceeds remaining allowance %s", requested, unclaimed),
		Details: map[string]interface{}{
			"requested": requested.String(),
			"unclaimed": unclaimed.String(),
		},
	}
}

// NewNotVerifiedError is returned when the user fails the dispenser's
// verification predicate.
func NewNotVerifiedError(userID string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRejection,
		Code:     "NOT_VERIFIED",
		Message:  "user has not met the verification requirement",
		Details:  map[string]interface{}{"userId": userID},
	}
}

// NewClaimInFlightError is returned when the user already has a pending
// claim on the dispenser.
func NewClaimInFlightError(userID string, dispenserID int64) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRejection,
		Code:     "CLAIM_IN_FLIGHT",
		Message:  "a pending claim already exists for this dispenser",
		Details: map[string]interface{}{
			"userId":      userID,
			"dispenserId": dispenserID,
		},
	}
}

// NewInvalidAmountError is returned when a supplied Lightning invoice does
// not match the requested claim amount.
func NewInvalidAmountError(requested, decoded *big.Int) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRejection,
		Code:     "INVALID_AMOUNT",
		Message:  fmt.Sprintf("invoice amount %s does not match requested amount %s", decoded, requested),
		Details: map[string]interface{}{
			"requested": requested.String(),
			"decoded":   decoded.String(),
		},
	}
}

// NewNoWalletError is returned when no destination address could be
// resolved for the dispenser's chain family.
func NewNoWalletError(userID string, family string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRejection,
		Code:     "NO_WALLET",
		Message:  fmt.Sprintf("no registered %s wallet and no passive address supplied", family),
		Details: map[string]interface{}{
			"userId":      userID,
			"chainFamily": family,
		},
	}
}

// NewDispenserUnavailableError is returned when the dispenser is inactive
// or its funding flag indicates it cannot cover a claim.
func NewDispenserUnavailableError(dispenserID int64, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRejection,
		Code:     "DISPENSER_UNAVAILABLE",
		Message:  reason,
		Details:  map[string]interface{}{"dispenserId": dispenserID},
	}
}

// Fatal configuration errors

// NewUnknownChainFamilyError is returned when a dispenser references a chain
// family no settlement backend exists for.
func NewUnknownChainFamilyError(family string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryFatal,
		Code:     "UNKNOWN_CHAIN_FAMILY",
		Message:  fmt.Sprintf("no settlement backend for chain family %q", family),
	}
}

// System errors

// NewStorageError wraps a database failure.
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategorySystem,
		Code:     "STORAGE_ERROR",
		Message:  fmt.Sprintf("storage error during %s", operation),
		Cause:    cause,
		Details:  map[string]interface{}{"operation": operation},
	}
}

// IsRejection reports whether the error is a business-rule rejection that
// should be surfaced to the caller rather than logged as a failure.
func IsRejection(err error) bool {
	var cerr *CategorizedError
	if errors.As(err, &cerr) {
		return cerr.Category == CategoryRejection
	}
	return false
}

// IsFatal reports whether the error requires operator intervention.
func IsFatal(err error) bool {
	var cerr *CategorizedError
	if errors.As(err, &cerr) {
		return cerr.Category == CategoryFatal
	}
	return false
}

// Code extracts the machine-readable code, or "" for uncategorized errors.
func Code(err error) string {
	var cerr *CategorizedError
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ""
}
