package storage

import (
	"context"
	"time"

	"github.com/claim-pipeline/internal/audit"
	"github.com/claim-pipeline/internal/logging"
)

// AuditRepository writes status-transition events to ClickHouse. Writes are
// best-effort: failures are logged and dropped, never surfaced to the
// pipeline.
type AuditRepository struct {
	db     *ClickHouseDB
	logger *logging.Logger
}

// NewAuditRepository creates a new audit event repository.
func NewAuditRepository(db *ClickHouseDB, logger *logging.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

// InitSchema creates the audit event table if it does not exist.
func (r *AuditRepository) InitSchema(ctx context.Context) error {
	return r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS status_transition_events (
			entity       LowCardinality(String),
			entity_id    String,
			dispenser_id Int64,
			from_status  LowCardinality(String),
			to_status    LowCardinality(String),
			detail       String,
			at           DateTime64(3, 'UTC')
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(at)
		ORDER BY (dispenser_id, at)
		TTL toDateTime(at) + INTERVAL 180 DAY
	`)
}

// Record implements audit.Sink.
func (r *AuditRepository) Record(ctx context.Context, ev audit.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	err := r.db.Exec(ctx, `
		INSERT INTO status_transition_events
			(entity, entity_id, dispenser_id, from_status, to_status, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.Entity, ev.EntityID, ev.DispenserID, ev.FromStatus, ev.ToStatus, ev.Detail, ev.At)
	if err != nil {
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"entity":    ev.Entity,
			"entity_id": ev.EntityID,
			"to_status": ev.ToStatus,
		}).Warn("Failed to record audit event")
	}
}
