package postgres

import (
	"context"

	"github.com/fieldline/fieldline/engine/telemetry"
)

// AuditRepo implements telemetry.AuditRepository on Postgres. The adapter
// is append-only: it contains no update or delete statements, and the table
// is trimmed only by an external retention job.
type AuditRepo struct {
	db DB
}

func NewAuditRepo(db DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Append durably records one accepted message.
func (r *AuditRepo) Append(ctx context.Context, msg *telemetry.Message) error {
	query := `
        INSERT INTO telemetry_raw_messages (
            id, tenant_id, device_id, correlation_id,
            payload, chunk_count, first_received_at, completed_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	if _, err := r.db.Exec(ctx, query,
		msg.ID, msg.TenantID, msg.DeviceID, msg.CorrelationID,
		msg.Payload, msg.ChunkCount, msg.FirstReceivedAt, msg.CompletedAt,
	); err != nil {
		return telemetry.StoreError("append raw message", err)
	}
	return nil
}
