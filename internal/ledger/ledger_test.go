package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/types"
)

func TestWindowStartWeekly(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "mid week",
			now:  time.Date(2026, 8, 27, 15, 4, 5, 0, time.UTC), // Thursday
			want: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),  // preceding Monday
		},
		{
			name: "monday midnight is its own window start",
			now:  time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "sunday just before rollover",
			now:  time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC),
			want: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC input is normalized",
			now:  time.Date(2026, 8, 24, 1, 30, 0, 0, time.FixedZone("CEST", 2*3600)), // Sunday 23:30 UTC
			want: time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WindowStart(types.WindowWeekly, tt.now)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestWindowStartMonthly(t *testing.T) {
	got := WindowStart(types.WindowMonthly, time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), got)

	got = WindowStart(types.WindowMonthly, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestWindowStartLifetime(t *testing.T) {
	got := WindowStart(types.WindowLifetime, time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC))
	assert.True(t, got.IsZero())
}

func TestWindowStartWeeklyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Arbitrary instants between 1970 and 2100.
	genTime := gen.Int64Range(0, 4102444800).Map(func(u int64) time.Time {
		return time.Unix(u, 0).UTC()
	})

	properties.Property("window start is never after now", prop.ForAll(
		func(now time.Time) bool {
			return !WindowStart(types.WindowWeekly, now).After(now)
		},
		genTime,
	))

	properties.Property("window start is at most a week old", prop.ForAll(
		func(now time.Time) bool {
			return now.Sub(WindowStart(types.WindowWeekly, now)) < 7*24*time.Hour
		},
		genTime,
	))

	properties.Property("window start is Monday midnight UTC", prop.ForAll(
		func(now time.Time) bool {
			start := WindowStart(types.WindowWeekly, now)
			h, m, s := start.Clock()
			return start.Weekday() == time.Monday && h == 0 && m == 0 && s == 0
		},
		genTime,
	))

	properties.Property("idempotent within the window", prop.ForAll(
		func(now time.Time) bool {
			start := WindowStart(types.WindowWeekly, now)
			return WindowStart(types.WindowWeekly, start).Equal(start)
		},
		genTime,
	))

	properties.TestingRun(t)
}

// stubSummer returns a fixed claimed total and records the window start it
// was asked about.
type stubSummer struct {
	claimed *big.Int
	since   time.Time
	err     error
}

func (s *stubSummer) SumVerifiedSince(_ context.Context, _ string, _ int64, since time.Time) (*big.Int, error) {
	s.since = since
	if s.err != nil {
		return nil, s.err
	}
	return new(big.Int).Set(s.claimed), nil
}

func TestUnclaimed(t *testing.T) {
	d := &models.Dispenser{
		ID:                1,
		WindowPolicy:      types.WindowWeekly,
		MaxClaimPerWindow: big.NewInt(100),
	}
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	t.Run("subtracts claimed from allowance", func(t *testing.T) {
		summer := &stubSummer{claimed: big.NewInt(70)}
		got, err := Unclaimed(context.Background(), summer, "user-1", d, now)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(30), got)
		assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), summer.since)
	})

	t.Run("can go negative when allowance shrank", func(t *testing.T) {
		summer := &stubSummer{claimed: big.NewInt(150)}
		got, err := Unclaimed(context.Background(), summer, "user-1", d, now)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(-50), got)
	})

	t.Run("lifetime window sums since forever", func(t *testing.T) {
		lifetime := &models.Dispenser{ID: 2, WindowPolicy: types.WindowLifetime, MaxClaimPerWindow: big.NewInt(10)}
		summer := &stubSummer{claimed: big.NewInt(0)}
		_, err := Unclaimed(context.Background(), summer, "user-1", lifetime, now)
		require.NoError(t, err)
		assert.True(t, summer.since.IsZero())
	})
}
