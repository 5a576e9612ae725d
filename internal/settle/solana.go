package settle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/claim-pipeline/internal/logging"
	"github.com/claim-pipeline/internal/models"
)

// lockAccountSeed derives the program's settlement lock account; the program
// must have initialized it before any batch can be settled.
var lockAccountSeed = []byte("lock")

// SolanaClient is the subset of rpc.Client the backend needs.
// *rpc.Client satisfies it.
type SolanaClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
}

// SolanaBackend settles batches on Solana with one transfer instruction per
// claim inside a single transaction.
type SolanaBackend struct {
	client     SolanaClient
	signer     solana.PrivateKey
	programID  solana.PublicKey
	gasCeiling *big.Int // lamports; nil = no ceiling
	logger     *logging.Logger
}

// SolanaBackendConfig configures a Solana settlement backend.
type SolanaBackendConfig struct {
	Client     SolanaClient
	PrivateKey string // base58-encoded signer key
	ProgramID  string
	GasCeiling *big.Int
	Logger     *logging.Logger
}

// NewSolanaBackend creates a Solana settlement backend.
func NewSolanaBackend(cfg *SolanaBackendConfig) (*SolanaBackend, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("solana client cannot be nil")
	}

	signer, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement key: %w", err)
	}

	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &SolanaBackend{
		client:     cfg.Client,
		signer:     signer,
		programID:  programID,
		gasCeiling: cfg.GasCeiling,
		logger:     logger.WithField("backend", "solana"),
	}, nil
}

// NewSolanaBackendForDispenser builds a per-dispenser constructor for the
// backend factory.
func NewSolanaBackendForDispenser(client SolanaClient, privateKey, programID string, logger *logging.Logger) func(d *models.Dispenser) (Backend, error) {
	return func(d *models.Dispenser) (Backend, error) {
		return NewSolanaBackend(&SolanaBackendConfig{
			Client:     client,
			PrivateKey: privateKey,
			ProgramID:  programID,
			GasCeiling: d.GasCeiling,
			Logger:     logger,
		})
	}
}

// Broadcast verifies the program's lock account exists, estimates the fee
// against the dispenser ceiling, then submits one transaction carrying a
// transfer instruction per claim.
func (b *SolanaBackend) Broadcast(ctx context.Context, batch *models.SettlementBatch, claims []*models.ClaimRecord) (string, error) {
	if len(claims) == 0 {
		return "", fmt.Errorf("batch %s has no claims", batch.ID)
	}

	lockAccount, _, err := solana.FindProgramAddress([][]byte{lockAccountSeed}, b.programID)
	if err != nil {
		return "", fmt.Errorf("failed to derive lock account: %w", err)
	}

	info, err := b.client.GetAccountInfo(ctx, lockAccount)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return "", fmt.Errorf("lock account %s: %w", lockAccount, ErrNotInitialized)
		}
		return "", fmt.Errorf("failed to read lock account: %w", err)
	}
	if info == nil || info.Value == nil {
		return "", fmt.Errorf("lock account %s: %w", lockAccount, ErrNotInitialized)
	}

	instructions := make([]solana.Instruction, 0, len(claims))
	for _, c := range claims {
		dest, err := solana.PublicKeyFromBase58(c.Destination)
		if err != nil {
			return "", fmt.Errorf("claim %s has invalid destination %q: %w", c.ID, c.Destination, err)
		}
		if !c.Amount.IsUint64() {
			return "", fmt.Errorf("claim %s amount %s out of lamport range", c.ID, c.Amount)
		}
		instructions = append(instructions,
			system.NewTransferInstruction(c.Amount.Uint64(), b.signer.PublicKey(), dest).Build())
	}

	recent, err := b.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to read recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(b.signer.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("failed to build settlement transaction: %w", err)
	}

	if b.gasCeiling != nil {
		msgBytes, err := tx.Message.MarshalBinary()
		if err != nil {
			return "", fmt.Errorf("failed to serialize message: %w", err)
		}
		feeResult, err := b.client.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(msgBytes), rpc.CommitmentFinalized)
		if err != nil {
			return "", fmt.Errorf("failed to estimate fee: %w", err)
		}
		if feeResult != nil && feeResult.Value != nil {
			fee := new(big.Int).SetUint64(*feeResult.Value)
			// Strict > : a fee exactly at the ceiling is allowed.
			if fee.Cmp(b.gasCeiling) > 0 {
				b.logger.WithFields(map[string]interface{}{
					"fee":     fee.String(),
					"ceiling": b.gasCeiling.String(),
					"batchId": batch.ID,
				}).Info("Fee above ceiling, deferring batch")
				return "", ErrGasPriceTooHigh
			}
		}
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(b.signer.PublicKey()) {
			return &b.signer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign settlement transaction: %w", err)
	}

	sig, err := b.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast settlement transaction: %w", err)
	}

	b.logger.WithFields(map[string]interface{}{
		"batchId":   batch.ID,
		"signature": sig.String(),
		"claims":    len(claims),
	}).Info("Broadcast settlement transaction")

	return sig.String(), nil
}

// IsSettled checks the signature's confirmation status. Confirmed and
// finalized both count as settled.
func (b *SolanaBackend) IsSettled(ctx context.Context, txID string) (bool, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return false, fmt.Errorf("invalid signature %q: %w", txID, err)
	}

	statuses, err := b.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, fmt.Errorf("failed to read signature status: %w", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return false, nil
	}

	status := statuses.Value[0]
	if status.Err != nil {
		return false, fmt.Errorf("%w: %v", ErrTxReverted, status.Err)
	}

	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true, nil
	}
	return false, nil
}

// Balance returns the signer account's lamport balance.
func (b *SolanaBackend) Balance(ctx context.Context) (*big.Int, error) {
	result, err := b.client.GetBalance(ctx, b.signer.PublicKey(), rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return new(big.Int).SetUint64(result.Value), nil
}
