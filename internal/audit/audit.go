// Package audit defines the append-only event sink fed by every claim and
// batch status transition. Events are best-effort: settlement never blocks
// on the audit trail.
package audit

import (
	"context"
	"time"
)

// Event is one status transition of a claim or batch.
type Event struct {
	Entity      string    `json:"entity"` // "claim" | "batch"
	EntityID    string    `json:"entityId"`
	DispenserID int64     `json:"dispenserId"`
	FromStatus  string    `json:"fromStatus"`
	ToStatus    string    `json:"toStatus"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Sink records transition events.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// NopSink discards all events.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Event) {}
