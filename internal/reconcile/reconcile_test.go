package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/settle"
	"github.com/claim-pipeline/internal/types"
)

type fakeStore struct {
	open          []*models.SettlementBatch
	broadcasting  []*models.SettlementBatch
	otherInFlight bool
	claims        map[string][]*models.ClaimRecord
	dispensers    map[int64]*models.Dispenser

	updateWinner bool
	beginCalls   int
	endCalls     int

	marked      map[string]string
	finalized   map[string]types.BatchStatus
	staleSwept  int64
	staleCutoff time.Time
	fundingFlag map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		otherInFlight: false,
		updateWinner:  true,
		claims:        map[string][]*models.ClaimRecord{},
		dispensers:    map[int64]*models.Dispenser{},
		marked:        map[string]string{},
		finalized:     map[string]types.BatchStatus{},
		fundingFlag:   map[int64]bool{},
	}
}

func (f *fakeStore) OpenBatches(_ context.Context) ([]*models.SettlementBatch, error) {
	return f.open, nil
}

func (f *fakeStore) BroadcastingBatches(_ context.Context) ([]*models.SettlementBatch, error) {
	return f.broadcasting, nil
}

func (f *fakeStore) HasOtherInFlightBatch(_ context.Context, _ int64, _ string) (bool, error) {
	return f.otherInFlight, nil
}

func (f *fakeStore) ClaimsForBatch(_ context.Context, batchID string) ([]*models.ClaimRecord, error) {
	return f.claims[batchID], nil
}

func (f *fakeStore) Dispenser(_ context.Context, id int64) (*models.Dispenser, error) {
	return f.dispensers[id], nil
}

func (f *fakeStore) ActiveDispensers(_ context.Context) ([]*models.Dispenser, error) {
	out := make([]*models.Dispenser, 0, len(f.dispensers))
	for _, d := range f.dispensers {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) MarkBroadcasting(_ context.Context, batchID, txID string) error {
	f.marked[batchID] = txID
	return nil
}

func (f *fakeStore) FinalizeBatch(_ context.Context, batchID string, status types.BatchStatus) error {
	f.finalized[batchID] = status
	return nil
}

func (f *fakeStore) TryBeginUpdate(_ context.Context, _ string) (bool, error) {
	f.beginCalls++
	return f.updateWinner, nil
}

func (f *fakeStore) EndUpdate(_ context.Context, _ string) error {
	f.endCalls++
	return nil
}

func (f *fakeStore) RejectStaleClaims(_ context.Context, cutoff time.Time) (int64, error) {
	f.staleCutoff = cutoff
	return f.staleSwept, nil
}

func (f *fakeStore) SetFundingFlag(_ context.Context, dispenserID int64, hasEnough bool) error {
	f.fundingFlag[dispenserID] = hasEnough
	return nil
}

type fakeBackend struct {
	txID         string
	broadcastErr error
	settled      bool
	settledErr   error
	balance      *big.Int
	balanceErr   error
	broadcasts   int
}

func (f *fakeBackend) Broadcast(_ context.Context, _ *models.SettlementBatch, _ []*models.ClaimRecord) (string, error) {
	f.broadcasts++
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	return f.txID, nil
}

func (f *fakeBackend) IsSettled(_ context.Context, _ string) (bool, error) {
	return f.settled, f.settledErr
}

func (f *fakeBackend) Balance(_ context.Context) (*big.Int, error) {
	return f.balance, f.balanceErr
}

type fakeBackends struct {
	backend settle.Backend
	err     error
}

func (f *fakeBackends) ForDispenser(_ *models.Dispenser) (settle.Backend, error) {
	return f.backend, f.err
}

var testNow = time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

func newTestReconciler(store Store, backend settle.Backend) *Reconciler {
	r := New(&Config{
		Store:         store,
		Backends:      &fakeBackends{backend: backend},
		MaxPendingAge: 5 * time.Minute,
	})
	r.SetNow(func() time.Time { return testNow })
	return r
}

func openBatch(id string, age time.Duration) *models.SettlementBatch {
	return &models.SettlementBatch{
		ID:          id,
		DispenserID: 1,
		Status:      types.BatchOpen,
		CreatedAt:   testNow.Add(-age),
		UpdatedAt:   testNow.Add(-age),
	}
}

func broadcastingBatch(id, txID string, age time.Duration) *models.SettlementBatch {
	b := openBatch(id, age)
	b.Status = types.BatchBroadcasting
	if txID != "" {
		b.TxID = &txID
	}
	return b
}

func TestProcessOpenBatchesBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.open = []*models.SettlementBatch{openBatch("b1", time.Minute)}
	store.dispensers[1] = &models.Dispenser{ID: 1, Family: types.FamilyEVM}
	store.claims["b1"] = []*models.ClaimRecord{{ID: "c1", Amount: big.NewInt(10)}}
	backend := &fakeBackend{txID: "0xdeadbeef"}
	r := newTestReconciler(store, backend)

	require.NoError(t, r.ProcessOpenBatches(context.Background()))

	assert.Equal(t, "0xdeadbeef", store.marked["b1"])
	assert.Empty(t, store.finalized)
}

func TestProcessOpenBatchesDefersOnGasPrice(t *testing.T) {
	store := newFakeStore()
	store.open = []*models.SettlementBatch{openBatch("b1", time.Minute)}
	store.dispensers[1] = &models.Dispenser{ID: 1, Family: types.FamilyEVM}
	backend := &fakeBackend{broadcastErr: settle.ErrGasPriceTooHigh}
	r := newTestReconciler(store, backend)

	// Deferred, not failed: the batch stays open for the next tick.
	require.NoError(t, r.ProcessOpenBatches(context.Background()))

	assert.Empty(t, store.marked)
	assert.Empty(t, store.finalized)
}

func TestProcessOpenBatchesExpiresOldBatch(t *testing.T) {
	store := newFakeStore()
	store.open = []*models.SettlementBatch{openBatch("b1", 6*time.Minute)}
	backend := &fakeBackend{txID: "0xdeadbeef"}
	r := newTestReconciler(store, backend)

	require.NoError(t, r.ProcessOpenBatches(context.Background()))

	assert.Equal(t, types.BatchRejected, store.finalized["b1"])
	assert.Zero(t, backend.broadcasts)
}

func TestProcessOpenBatchesSkipsWhenOtherInFlight(t *testing.T) {
	store := newFakeStore()
	store.open = []*models.SettlementBatch{openBatch("b1", time.Minute)}
	store.otherInFlight = true
	backend := &fakeBackend{txID: "0xdeadbeef"}
	r := newTestReconciler(store, backend)

	require.NoError(t, r.ProcessOpenBatches(context.Background()))

	assert.Zero(t, backend.broadcasts)
	assert.Empty(t, store.marked)
}

func TestProcessBroadcastingBatchesVerifiesSettled(t *testing.T) {
	store := newFakeStore()
	store.broadcasting = []*models.SettlementBatch{broadcastingBatch("b1", "0xabc", time.Minute)}
	store.dispensers[1] = &models.Dispenser{ID: 1, Family: types.FamilyEVM}
	r := newTestReconciler(store, &fakeBackend{settled: true})

	require.NoError(t, r.ProcessBroadcastingBatches(context.Background()))

	assert.Equal(t, types.BatchVerified, store.finalized["b1"])
	assert.Equal(t, 1, store.beginCalls)
	assert.Equal(t, 1, store.endCalls)
}

func TestProcessBroadcastingBatchesLeavesUnsettledInFlight(t *testing.T) {
	store := newFakeStore()
	store.broadcasting = []*models.SettlementBatch{broadcastingBatch("b1", "0xabc", time.Minute)}
	store.dispensers[1] = &models.Dispenser{ID: 1, Family: types.FamilyEVM}
	r := newTestReconciler(store, &fakeBackend{settled: false})

	require.NoError(t, r.ProcessBroadcastingBatches(context.Background()))

	assert.Empty(t, store.finalized)
	assert.Equal(t, 1, store.endCalls)
}

func TestProcessBroadcastingBatchesRejectsExpiredUnsettled(t *testing.T) {
	store := newFakeStore()
	store.broadcasting = []*models.SettlementBatch{broadcastingBatch("b1", "0xabc", 6*time.Minute)}
	store.dispensers[1] = &models.Dispenser{ID: 1, Family: types.FamilyEVM}
	r := newTestReconciler(store, &fakeBackend{settled: false})

	require.NoError(t, r.ProcessBroadcastingBatches(context.Background()))

	assert.Equal(t, types.BatchRejected, store.finalized["b1"])
}

func TestProcessBroadcastingBatchesRejectsExpiredOnCheckFailure(t *testing.T) {
	store := newFakeStore()
	store.broadcasting = []*models.SettlementBatch{broadcastingBatch("b1", "0xabc", 6*time.Minute)}
	store.dispensers[1] = &models.Dispenser{ID: 1, Family: types.FamilyEVM}
	r := newTestReconciler(store, &fakeBackend{settledErr: errors.New("rpc unavailable")})

	require.NoError(t, r.ProcessBroadcastingBatches(context.Background()))

	assert.Equal(t, types.BatchRejected, store.finalized["b1"])
}

func TestProcessBroadcastingBatchesSkipsLostUpdateRace(t *testing.T) {
	store := newFakeStore()
	store.broadcasting = []*models.SettlementBatch{broadcastingBatch("b1", "0xabc", time.Minute)}
	store.updateWinner = false
	r := newTestReconciler(store, &fakeBackend{settled: true})

	require.NoError(t, r.ProcessBroadcastingBatches(context.Background()))

	assert.Empty(t, store.finalized)
	// Losing the flag means no EndUpdate either: the winner clears it.
	assert.Equal(t, 0, store.endCalls)
}

func TestProcessBroadcastingBatchesMissingTxID(t *testing.T) {
	store := newFakeStore()
	store.broadcasting = []*models.SettlementBatch{broadcastingBatch("b1", "", time.Minute)}
	store.dispensers[1] = &models.Dispenser{ID: 1, Family: types.FamilyEVM}
	r := newTestReconciler(store, &fakeBackend{settled: true})

	// Logged but not finalized until it expires.
	require.NoError(t, r.ProcessBroadcastingBatches(context.Background()))
	assert.Empty(t, store.finalized)

	store.broadcasting = []*models.SettlementBatch{broadcastingBatch("b1", "", 6*time.Minute)}
	require.NoError(t, r.ProcessBroadcastingBatches(context.Background()))
	assert.Equal(t, types.BatchRejected, store.finalized["b1"])
}

func TestRejectStaleUnbatchedClaims(t *testing.T) {
	store := newFakeStore()
	store.staleSwept = 4
	r := newTestReconciler(store, &fakeBackend{})

	require.NoError(t, r.RejectStaleUnbatchedClaims(context.Background()))

	assert.Equal(t, testNow.Add(-5*time.Minute), store.staleCutoff)
}

func TestRefreshFundingFlipsFlag(t *testing.T) {
	store := newFakeStore()
	store.dispensers[1] = &models.Dispenser{
		ID:                1,
		Family:            types.FamilyEVM,
		MaxClaimPerWindow: big.NewInt(100),
		HasEnoughFunds:    true,
	}
	r := newTestReconciler(store, &fakeBackend{balance: big.NewInt(50)})

	require.NoError(t, r.RefreshFunding(context.Background()))

	flag, ok := store.fundingFlag[1]
	require.True(t, ok)
	assert.False(t, flag)
}

func TestRefreshFundingSkipsUnchangedFlag(t *testing.T) {
	store := newFakeStore()
	store.dispensers[1] = &models.Dispenser{
		ID:                1,
		Family:            types.FamilyEVM,
		MaxClaimPerWindow: big.NewInt(100),
		HasEnoughFunds:    true,
	}
	r := newTestReconciler(store, &fakeBackend{balance: big.NewInt(200)})

	require.NoError(t, r.RefreshFunding(context.Background()))

	_, wrote := store.fundingFlag[1]
	assert.False(t, wrote)
}

func TestRefreshFundingBalanceAtThresholdIsEnough(t *testing.T) {
	store := newFakeStore()
	store.dispensers[1] = &models.Dispenser{
		ID:                1,
		Family:            types.FamilyEVM,
		MaxClaimPerWindow: big.NewInt(100),
		HasEnoughFunds:    false,
	}
	r := newTestReconciler(store, &fakeBackend{balance: big.NewInt(100)})

	require.NoError(t, r.RefreshFunding(context.Background()))

	flag, ok := store.fundingFlag[1]
	require.True(t, ok)
	assert.True(t, flag)
}
