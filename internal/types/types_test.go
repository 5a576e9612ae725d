package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainFamilyValid(t *testing.T) {
	assert.True(t, FamilyEVM.Valid())
	assert.True(t, FamilySolana.Valid())
	assert.True(t, FamilyLightning.Valid())
	assert.False(t, ChainFamily("dogecoin").Valid())
	assert.False(t, ChainFamily("").Valid())
}

func TestChainFamilyBatchLimit(t *testing.T) {
	assert.Equal(t, 32, FamilyEVM.BatchLimit())
	assert.Equal(t, 32, FamilySolana.BatchLimit())
	assert.Equal(t, 1, FamilyLightning.BatchLimit())
}

func TestClaimStatusTerminal(t *testing.T) {
	assert.False(t, ClaimPending.Terminal())
	assert.False(t, ClaimVerified.Terminal())
	assert.False(t, ClaimRejected.Terminal())
	assert.True(t, ClaimProcessed.Terminal())
	assert.True(t, ClaimProcessedRejected.Terminal())
}

func TestBatchStatusInFlight(t *testing.T) {
	assert.True(t, BatchOpen.InFlight())
	assert.True(t, BatchBroadcasting.InFlight())
	assert.False(t, BatchVerified.InFlight())
	assert.False(t, BatchRejected.InFlight())
}

func TestWindowPolicyValid(t *testing.T) {
	assert.True(t, WindowLifetime.Valid())
	assert.True(t, WindowWeekly.Valid())
	assert.True(t, WindowMonthly.Valid())
	assert.False(t, WindowPolicy("daily").Valid())
}
