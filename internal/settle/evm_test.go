package settle

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/types"
)

// Throwaway key generated for tests only.
const testPrivateKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type fakeEVMClient struct {
	gasPrice *big.Int
	nonce    uint64
	sent     *ethtypes.Transaction
	receipt  *ethtypes.Receipt
	balance  *big.Int

	receiptNotFound bool
}

func (f *fakeEVMClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeEVMClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEVMClient) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.sent = tx
	return nil
}

func (f *fakeEVMClient) TransactionReceipt(_ context.Context, _ common.Hash) (*ethtypes.Receipt, error) {
	if f.receiptNotFound {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeEVMClient) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return f.balance, nil
}

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func newEVM(t *testing.T, client *fakeEVMClient, gasCeiling *big.Int) *EVMBackend {
	t.Helper()
	b, err := NewEVMBackend(&EVMBackendConfig{
		Client:        client,
		PrivateKeyHex: testPrivateKeyHex,
		Contract:      testContract,
		ChainID:       big.NewInt(100),
		GasCeiling:    gasCeiling,
		RPCPerSecond:  1000, // no throttling in tests
	})
	require.NoError(t, err)
	return b
}

func evmClaims(n int) []*models.ClaimRecord {
	claims := make([]*models.ClaimRecord, 0, n)
	for i := 0; i < n; i++ {
		claims = append(claims, &models.ClaimRecord{
			ID:          "c1",
			Amount:      big.NewInt(1000),
			Destination: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		})
	}
	return claims
}

func TestEVMBroadcastSendsMultiTransfer(t *testing.T) {
	client := &fakeEVMClient{gasPrice: big.NewInt(80), nonce: 7}
	b := newEVM(t, client, big.NewInt(100))

	txID, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, evmClaims(3))
	require.NoError(t, err)

	require.NotNil(t, client.sent)
	assert.Equal(t, txID, client.sent.Hash().Hex())
	assert.Equal(t, uint64(7), client.sent.Nonce())
	assert.Equal(t, testContract, client.sent.To().Hex())
	assert.NotEmpty(t, client.sent.Data())
}

func TestEVMBroadcastGasPriceAboveCeiling(t *testing.T) {
	client := &fakeEVMClient{gasPrice: big.NewInt(150)}
	b := newEVM(t, client, big.NewInt(100))

	_, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, evmClaims(1))
	assert.ErrorIs(t, err, ErrGasPriceTooHigh)
	assert.Nil(t, client.sent)
}

func TestEVMBroadcastGasPriceAtCeilingAllowed(t *testing.T) {
	client := &fakeEVMClient{gasPrice: big.NewInt(100)}
	b := newEVM(t, client, big.NewInt(100))

	_, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, evmClaims(1))
	require.NoError(t, err)
	require.NotNil(t, client.sent)
}

func TestEVMBroadcastNoCeiling(t *testing.T) {
	client := &fakeEVMClient{gasPrice: big.NewInt(1e9)}
	b := newEVM(t, client, nil)

	_, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, evmClaims(1))
	require.NoError(t, err)
}

func TestEVMBroadcastInvalidDestination(t *testing.T) {
	client := &fakeEVMClient{gasPrice: big.NewInt(80)}
	b := newEVM(t, client, nil)

	claims := evmClaims(1)
	claims[0].Destination = "not-an-address"
	_, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, claims)
	assert.ErrorContains(t, err, "invalid destination")
}

func TestEVMBroadcastEmptyBatch(t *testing.T) {
	b := newEVM(t, &fakeEVMClient{gasPrice: big.NewInt(80)}, nil)

	_, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, nil)
	assert.ErrorContains(t, err, "no claims")
}

func TestEVMIsSettled(t *testing.T) {
	tests := []struct {
		name     string
		client   *fakeEVMClient
		settled  bool
		wantErr  error
	}{
		{
			name:    "receipt not found yet",
			client:  &fakeEVMClient{receiptNotFound: true},
			settled: false,
		},
		{
			name:    "successful receipt",
			client:  &fakeEVMClient{receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}},
			settled: true,
		},
		{
			name:    "reverted receipt",
			client:  &fakeEVMClient{receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed}},
			wantErr: ErrTxReverted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newEVM(t, tt.client, nil)
			settled, err := b.IsSettled(context.Background(), "0xdeadbeef")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.settled, settled)
		})
	}
}

func TestEVMBalance(t *testing.T) {
	client := &fakeEVMClient{balance: big.NewInt(5000)}
	b := newEVM(t, client, nil)

	balance, err := b.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5000), balance)
}

func TestNewEVMBackendForDispenserParsesChainRef(t *testing.T) {
	construct := NewEVMBackendForDispenser(&fakeEVMClient{}, testPrivateKeyHex, 0, 0, nil)

	d := &models.Dispenser{
		ID:              1,
		Family:          types.FamilyEVM,
		ChainRef:        "100",
		ContractAddress: testContract,
	}
	backend, err := construct(d)
	require.NoError(t, err)
	require.NotNil(t, backend)

	d.ChainRef = "mainnet"
	_, err = construct(d)
	assert.ErrorContains(t, err, "invalid evm chain ref")
}
