package settle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"

	"github.com/claim-pipeline/internal/logging"
	"github.com/claim-pipeline/internal/models"
)

// multiTransferABI is the settlement contract's batching entry point: one
// call moves funds to every recipient in the batch.
const multiTransferABI = `[{"name":"multiTransfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]}]`

// EVMClient is the subset of ethclient.Client the backend needs.
// *ethclient.Client satisfies it.
type EVMClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EVMBackend settles batches on account-based smart-contract chains by
// packing all claims into one multi-transfer contract call.
type EVMBackend struct {
	client     EVMClient
	key        *ecdsa.PrivateKey
	from       common.Address
	contract   common.Address
	chainID    *big.Int
	gasCeiling *big.Int // wei; nil = no ceiling
	gasLimit   uint64
	limiter    *rate.Limiter
	abi        abi.ABI
	logger     *logging.Logger
}

// EVMBackendConfig configures an EVM settlement backend for one dispenser.
type EVMBackendConfig struct {
	Client        EVMClient
	PrivateKeyHex string
	Contract      string
	ChainID       *big.Int
	GasCeiling    *big.Int
	GasLimit      uint64
	RPCPerSecond  float64
	Logger        *logging.Logger
}

// NewEVMBackend creates an EVM settlement backend.
func NewEVMBackend(cfg *EVMBackendConfig) (*EVMBackend, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("evm client cannot be nil")
	}
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id cannot be nil")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid settlement key: %w", err)
	}

	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid settlement contract address: %q", cfg.Contract)
	}

	parsed, err := abi.JSON(strings.NewReader(multiTransferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement ABI: %w", err)
	}

	rps := cfg.RPCPerSecond
	if rps <= 0 {
		rps = 5
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 800000
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &EVMBackend{
		client:     cfg.Client,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		contract:   common.HexToAddress(cfg.Contract),
		chainID:    cfg.ChainID,
		gasCeiling: cfg.GasCeiling,
		gasLimit:   gasLimit,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		abi:        parsed,
		logger:     logger.WithField("backend", "evm"),
	}, nil
}

// NewEVMBackendForDispenser builds a per-dispenser constructor for the
// backend factory, sharing one client and signing key across dispensers.
// The chain id for transaction signing comes from the dispenser's chain ref.
func NewEVMBackendForDispenser(client EVMClient, privateKeyHex string, gasLimit uint64, rps float64, logger *logging.Logger) func(d *models.Dispenser) (Backend, error) {
	return func(d *models.Dispenser) (Backend, error) {
		chainID, ok := new(big.Int).SetString(d.ChainRef, 10)
		if !ok {
			return nil, fmt.Errorf("dispenser %d has invalid evm chain ref %q", d.ID, d.ChainRef)
		}
		return NewEVMBackend(&EVMBackendConfig{
			Client:        client,
			PrivateKeyHex: privateKeyHex,
			Contract:      d.ContractAddress,
			ChainID:       chainID,
			GasCeiling:    d.GasCeiling,
			GasLimit:      gasLimit,
			RPCPerSecond:  rps,
			Logger:        logger,
		})
	}
}

// Broadcast packs (destination, amount) pairs for every claim into one
// multi-transfer call, checks the current gas price against the dispenser's
// ceiling, then signs and submits the transaction.
func (b *EVMBackend) Broadcast(ctx context.Context, batch *models.SettlementBatch, claims []*models.ClaimRecord) (string, error) {
	if len(claims) == 0 {
		return "", fmt.Errorf("batch %s has no claims", batch.ID)
	}

	recipients := make([]common.Address, 0, len(claims))
	amounts := make([]*big.Int, 0, len(claims))
	for _, c := range claims {
		if !common.IsHexAddress(c.Destination) {
			return "", fmt.Errorf("claim %s has invalid destination %q", c.ID, c.Destination)
		}
		recipients = append(recipients, common.HexToAddress(c.Destination))
		amounts = append(amounts, c.Amount)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read gas price: %w", err)
	}

	// Strict > : a price exactly at the ceiling is allowed.
	if b.gasCeiling != nil && gasPrice.Cmp(b.gasCeiling) > 0 {
		b.logger.WithFields(map[string]interface{}{
			"gasPrice": gasPrice.String(),
			"ceiling":  b.gasCeiling.String(),
			"batchId":  batch.ID,
		}).Info("Gas price above ceiling, deferring batch")
		return "", ErrGasPriceTooHigh
	}

	calldata, err := b.abi.Pack("multiTransfer", recipients, amounts)
	if err != nil {
		return "", fmt.Errorf("failed to pack multi-transfer call: %w", err)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &b.contract,
		Value:    big.NewInt(0),
		Gas:      b.gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign settlement transaction: %w", err)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to broadcast settlement transaction: %w", err)
	}

	txHash := signed.Hash().Hex()
	b.logger.WithFields(map[string]interface{}{
		"batchId": batch.ID,
		"txHash":  txHash,
		"claims":  len(claims),
	}).Info("Broadcast settlement transaction")

	return txHash, nil
}

// IsSettled polls the receipt for the broadcast transaction. A missing
// receipt is "not yet settled"; a mined receipt with a failure status is a
// hard failure, not a retry.
func (b *EVMBackend) IsSettled(ctx context.Context, txID string) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, err
	}

	receipt, err := b.client.TransactionReceipt(ctx, common.HexToHash(txID))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up receipt: %w", err)
	}
	if receipt == nil {
		return false, nil
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return false, ErrTxReverted
	}
	return true, nil
}

// Balance returns the settlement contract's native balance.
func (b *EVMBackend) Balance(ctx context.Context) (*big.Int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.client.BalanceAt(ctx, b.contract, nil)
}
