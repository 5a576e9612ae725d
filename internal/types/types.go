// Package types defines the shared enumerations and value types used
// across the claim settlement pipeline.
package types

// ChainFamily identifies the settlement backend category a dispenser uses.
type ChainFamily string

const (
	// FamilyEVM covers account-based smart-contract chains (Ethereum, Gnosis, ...).
	FamilyEVM ChainFamily = "evm"
	// FamilySolana covers Solana clusters.
	FamilySolana ChainFamily = "solana"
	// FamilyLightning covers the custodial Lightning channel.
	FamilyLightning ChainFamily = "lightning"
)

// Valid reports whether the chain family is one the pipeline knows how to settle.
func (f ChainFamily) Valid() bool {
	switch f {
	case FamilyEVM, FamilySolana, FamilyLightning:
		return true
	}
	return false
}

// BatchLimit returns the maximum number of claims a single settlement batch
// may carry for this chain family. Lightning pays one invoice at a time; the
// other families batch transfers into one transaction, capped to bound gas
// usage and the blast radius of a failed broadcast.
func (f ChainFamily) BatchLimit() int {
	if f == FamilyLightning {
		return 1
	}
	return 32
}

// ClaimStatus is the lifecycle state of a claim record.
type ClaimStatus string

const (
	// ClaimPending is the initial state: admitted but not yet settled.
	ClaimPending ClaimStatus = "pending"
	// ClaimVerified means the claim's batch settled on chain.
	ClaimVerified ClaimStatus = "verified"
	// ClaimRejected means the claim expired or its batch failed.
	ClaimRejected ClaimStatus = "rejected"
	// ClaimProcessed and ClaimProcessedRejected are terminal states owned by
	// downstream consumers that credit the claim elsewhere.
	ClaimProcessed         ClaimStatus = "processed"
	ClaimProcessedRejected ClaimStatus = "processed_rejected"
)

// Terminal reports whether a downstream consumer has finished with the claim.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimProcessed || s == ClaimProcessedRejected
}

// BatchStatus is the lifecycle state of a settlement batch.
type BatchStatus string

const (
	// BatchOpen means the batch is assembled but has no transaction yet.
	BatchOpen BatchStatus = "open"
	// BatchBroadcasting means a transaction was submitted and awaits confirmation.
	BatchBroadcasting BatchStatus = "broadcasting"
	// BatchVerified means the transaction settled successfully.
	BatchVerified BatchStatus = "verified"
	// BatchRejected means the batch expired or its transaction failed.
	BatchRejected BatchStatus = "rejected"
)

// InFlight reports whether the batch still blocks new batches for its dispenser.
func (s BatchStatus) InFlight() bool {
	return s == BatchOpen || s == BatchBroadcasting
}

// WindowPolicy selects how a dispenser's claim accounting window rolls over.
type WindowPolicy string

const (
	// WindowLifetime never resets: one allowance for the dispenser's lifetime.
	WindowLifetime WindowPolicy = "lifetime"
	// WindowWeekly resets every Monday 00:00 UTC.
	WindowWeekly WindowPolicy = "weekly"
	// WindowMonthly resets at the start of each calendar month (UTC).
	WindowMonthly WindowPolicy = "monthly"
)

// Valid reports whether the window policy is known.
func (p WindowPolicy) Valid() bool {
	switch p {
	case WindowLifetime, WindowWeekly, WindowMonthly:
		return true
	}
	return false
}
