package models

import "time"

// ChannelState is the singleton row tracking the custodial Lightning
// channel's rolling spending cap. It is the one piece of mutable shared
// state outside normal row-locking reach and is additionally serialized
// by the distributed lock.
type ChannelState struct {
	ID               int16         `json:"id" db:"id"` // always 1
	ClaimedAmountSat int64         `json:"claimedAmountSat" db:"claimed_amount_sat"`
	PeriodMaxCapSat  int64         `json:"periodMaxCapSat" db:"period_max_cap_sat"`
	Period           time.Duration `json:"period" db:"period_seconds"`
	RoundStart       time.Time     `json:"roundStart" db:"round_start"`
	UpdatedAt        time.Time     `json:"updatedAt" db:"updated_at"`
}

// RollOver resets the claimed amount if the accounting period has elapsed,
// advancing the round start by whole periods so boundaries stay aligned.
// It returns true if a reset happened.
func (s *ChannelState) RollOver(now time.Time) bool {
	if s.Period <= 0 {
		return false
	}
	elapsed := now.Sub(s.RoundStart)
	if elapsed < s.Period {
		return false
	}
	periods := elapsed / s.Period
	s.RoundStart = s.RoundStart.Add(periods * s.Period)
	s.ClaimedAmountSat = 0
	return true
}
