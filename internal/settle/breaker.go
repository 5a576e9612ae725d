package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/claim-pipeline/internal/circuitbreaker"
	"github.com/claim-pipeline/internal/models"
)

// breakerBackend guards a backend's RPC surface with a circuit breaker so a
// degraded node endpoint stops being hammered every tick. Settlement
// verdicts (fee ceilings, cap exhaustion, reverts) are not infrastructure
// failures and never count against the circuit.
type breakerBackend struct {
	inner Backend
	cb    *circuitbreaker.CircuitBreaker
}

// WithBreaker wraps a backend with circuit breaker protection.
func WithBreaker(inner Backend, cb *circuitbreaker.CircuitBreaker) Backend {
	return &breakerBackend{inner: inner, cb: cb}
}

// verdict reports whether err is a settlement decision rather than an
// infrastructure failure.
func verdict(err error) bool {
	return Retryable(err) ||
		errors.Is(err, ErrTxReverted) ||
		errors.Is(err, ErrNotInitialized)
}

func (b *breakerBackend) guard(ctx context.Context, op func() error) error {
	var opErr error
	err := b.cb.Execute(ctx, func() error {
		opErr = op()
		if opErr != nil && !verdict(opErr) {
			return opErr
		}
		return nil
	})
	if err != nil {
		return err
	}
	return opErr
}

func (b *breakerBackend) Broadcast(ctx context.Context, batch *models.SettlementBatch, claims []*models.ClaimRecord) (string, error) {
	var txID string
	err := b.guard(ctx, func() error {
		var err error
		txID, err = b.inner.Broadcast(ctx, batch, claims)
		return err
	})
	if err != nil {
		return "", err
	}
	return txID, nil
}

func (b *breakerBackend) IsSettled(ctx context.Context, txID string) (bool, error) {
	var settled bool
	err := b.guard(ctx, func() error {
		var err error
		settled, err = b.inner.IsSettled(ctx, txID)
		return err
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

func (b *breakerBackend) Balance(ctx context.Context) (*big.Int, error) {
	var balance *big.Int
	err := b.guard(ctx, func() error {
		var err error
		balance, err = b.inner.Balance(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// BreakerFactory decorates every backend a Factory produces with a
// per-dispenser circuit breaker.
type BreakerFactory struct {
	inner *Factory

	mu       sync.Mutex
	breakers map[int64]*circuitbreaker.CircuitBreaker
	config   func(d *models.Dispenser) *circuitbreaker.Config
}

// NewBreakerFactory wraps a factory. configFn may be nil, in which case
// defaults are used.
func NewBreakerFactory(inner *Factory, configFn func(d *models.Dispenser) *circuitbreaker.Config) *BreakerFactory {
	return &BreakerFactory{
		inner:    inner,
		breakers: make(map[int64]*circuitbreaker.CircuitBreaker),
		config:   configFn,
	}
}

// ForDispenser returns the dispenser's backend guarded by its breaker.
func (f *BreakerFactory) ForDispenser(d *models.Dispenser) (Backend, error) {
	backend, err := f.inner.ForDispenser(d)
	if err != nil {
		return nil, err
	}
	return WithBreaker(backend, f.breakerFor(d)), nil
}

func (f *BreakerFactory) breakerFor(d *models.Dispenser) *circuitbreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[d.ID]; ok {
		return cb
	}

	var cfg *circuitbreaker.Config
	if f.config != nil {
		cfg = f.config(d)
	}
	if cfg == nil {
		cfg = circuitbreaker.DefaultConfig(fmt.Sprintf("dispenser-%d-%s", d.ID, d.Chain))
	}

	cb := circuitbreaker.NewCircuitBreaker(cfg)
	f.breakers[d.ID] = cb
	return cb
}
