package settle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claim-pipeline/internal/circuitbreaker"
	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/types"
)

type stubBackend struct {
	broadcastErr error
	settledErr   error
	calls        int
}

func (s *stubBackend) Broadcast(_ context.Context, _ *models.SettlementBatch, _ []*models.ClaimRecord) (string, error) {
	s.calls++
	if s.broadcastErr != nil {
		return "", s.broadcastErr
	}
	return "tx-1", nil
}

func (s *stubBackend) IsSettled(_ context.Context, _ string) (bool, error) {
	s.calls++
	return false, s.settledErr
}

func (s *stubBackend) Balance(_ context.Context) (*big.Int, error) {
	s.calls++
	return big.NewInt(1), nil
}

func tightBreaker(t *testing.T) *circuitbreaker.CircuitBreaker {
	t.Helper()
	return circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Name:             "test",
		MaxFailures:      3,
		FailureThreshold: 0.5,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
	})
}

func TestBreakerOpensOnInfrastructureFailures(t *testing.T) {
	inner := &stubBackend{broadcastErr: errors.New("connection refused")}
	cb := tightBreaker(t)
	b := WithBreaker(inner, cb)

	for i := 0; i < 3; i++ {
		_, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, nil)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())

	// Calls are now short-circuited without reaching the backend.
	calls := inner.calls
	_, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, calls, inner.calls)
}

func TestBreakerIgnoresSettlementVerdicts(t *testing.T) {
	verdicts := []error{ErrGasPriceTooHigh, ErrPeriodicCapExceeded, ErrChannelBusy, ErrTxReverted, ErrNotInitialized}

	for _, verdictErr := range verdicts {
		inner := &stubBackend{broadcastErr: verdictErr}
		cb := tightBreaker(t)
		b := WithBreaker(inner, cb)

		for i := 0; i < 10; i++ {
			_, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, nil)
			assert.ErrorIs(t, err, verdictErr)
		}
		assert.Equal(t, circuitbreaker.StateClosed, cb.GetState(),
			"verdict %v must not trip the breaker", verdictErr)
	}
}

func TestBreakerPassesThroughResults(t *testing.T) {
	inner := &stubBackend{}
	b := WithBreaker(inner, tightBreaker(t))

	txID, err := b.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txID)

	balance, err := b.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), balance)
}

func TestBreakerFactoryCachesPerDispenser(t *testing.T) {
	inner := NewFactory(func(_ *models.Dispenser) (Backend, error) {
		return &stubBackend{broadcastErr: errors.New("connection refused")}, nil
	}, nil, nil)
	f := NewBreakerFactory(inner, func(_ *models.Dispenser) *circuitbreaker.Config {
		return &circuitbreaker.Config{
			Name:             "test",
			MaxFailures:      2,
			FailureThreshold: 0.5,
			Timeout:          time.Minute,
			HalfOpenMaxCalls: 1,
		}
	})

	d1 := &models.Dispenser{ID: 1, Chain: "gnosis", Family: types.FamilyEVM, ChainRef: "100"}
	d2 := &models.Dispenser{ID: 2, Chain: "sepolia", Family: types.FamilyEVM, ChainRef: "11155111"}

	// Trip dispenser 1's breaker.
	for i := 0; i < 2; i++ {
		backend, err := f.ForDispenser(d1)
		require.NoError(t, err)
		_, err = backend.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, nil)
		require.Error(t, err)
	}

	backend, err := f.ForDispenser(d1)
	require.NoError(t, err)
	_, err = backend.Broadcast(context.Background(), &models.SettlementBatch{ID: "b1"}, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	// Dispenser 2 has its own breaker and is unaffected.
	backend, err = f.ForDispenser(d2)
	require.NoError(t, err)
	_, err = backend.Broadcast(context.Background(), &models.SettlementBatch{ID: "b2"}, nil)
	assert.NotErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestFactoryUnknownFamily(t *testing.T) {
	f := NewFactory(nil, nil, nil)

	_, err := f.ForDispenser(&models.Dispenser{ID: 1, Family: types.FamilyEVM})
	require.Error(t, err)
}
