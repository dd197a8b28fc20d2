package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const chunkColumnsSQL = "tenant_id, device_id, correlation_id, sequence_number, " +
	"total_chunks, payload, received_at, expires_at"

// DB is the minimal database interface ChunkRepo depends on (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ChunkRepo implements telemetry.ChunkRepository on Postgres. All
// coordination is expressed in single conditional statements so the
// guarantees hold with any number of engine instances sharing the table.
type ChunkRepo struct {
	db DB
}

func NewChunkRepo(db DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// InsertDedup stores the chunk via INSERT .. ON CONFLICT DO NOTHING on the
// (tenant, correlation, sequence) primary key. Before inserting it verifies
// that the stored rows of the group declare the same totalChunks and
// returns a *telemetry.ConflictError on mismatch; the conflicting chunk is
// not stored, the existing rows are kept for forensics.
func (r *ChunkRepo) InsertDedup(ctx context.Context, chunk *telemetry.Chunk) (bool, error) {
	stored, err := r.storedTotal(ctx, chunk.TenantID, chunk.CorrelationID)
	if err != nil {
		return false, telemetry.StoreError("check group total", err)
	}
	if stored > 0 && stored != chunk.TotalChunks {
		return false, &telemetry.ConflictError{
			TenantID:      chunk.TenantID,
			DeviceID:      chunk.DeviceID,
			CorrelationID: chunk.CorrelationID,
			Declared:      chunk.TotalChunks,
			Stored:        stored,
		}
	}
	query := `
        INSERT INTO telemetry_chunks (
            tenant_id, device_id, correlation_id, sequence_number,
            total_chunks, payload, received_at, expires_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (tenant_id, correlation_id, sequence_number) DO NOTHING
    `
	tag, err := r.db.Exec(ctx, query,
		chunk.TenantID, chunk.DeviceID, chunk.CorrelationID, chunk.SequenceNumber,
		chunk.TotalChunks, chunk.Payload, chunk.ReceivedAt, chunk.ExpiresAt,
	)
	if err != nil {
		return false, telemetry.StoreError("insert chunk", err)
	}
	return tag.RowsAffected() > 0, nil
}

// storedTotal returns the totalChunks declared by the group's stored rows,
// or 0 when the group is empty. Rows are immutable, so a plain read is
// sufficient for conflict detection.
func (r *ChunkRepo) storedTotal(ctx context.Context, tenantID, correlationID string) (int, error) {
	sql, args, err := squirrel.Select("total_chunks").
		From("telemetry_chunks").
		Where(squirrel.Eq{"tenant_id": tenantID, "correlation_id": correlationID}).
		Limit(1).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building query: %w", err)
	}
	var total int
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}

// claimLockQuery locks every row of the group that agrees with the declared
// totalChunks and counts the distinct sequence numbers under those locks.
// FOR UPDATE re-evaluates each row against the latest committed version, so
// rows a concurrent claim or sweep already deleted are excluded from the
// count instead of being silently skipped by the later DELETE.
const claimLockQuery = `
        SELECT count(DISTINCT sequence_number)
        FROM (
            SELECT sequence_number
            FROM telemetry_chunks
            WHERE tenant_id = $1 AND correlation_id = $2 AND total_chunks = $3
            FOR UPDATE
        ) locked
    `

const claimDeleteQuery = `
        DELETE FROM telemetry_chunks
        WHERE tenant_id = $1 AND correlation_id = $2 AND total_chunks = $3
        RETURNING ` + chunkColumnsSQL

// ClaimComplete is the atomic completeness check and claim. It locks the
// group rows, counts distinct sequence numbers under those locks, and only
// then deletes and returns the set, all in one transaction. Row locks
// serialize concurrent claims and sweeps of the same group, so every caller
// but one observes an incomplete count and claims nothing. Both statements
// filter on the declared totalChunks, so a group holding mixed declarations
// can never complete by accident and never leaks a mismatched row into the
// claimed set; the leftover rows fall to the sweeper.
func (r *ChunkRepo) ClaimComplete(
	ctx context.Context,
	key telemetry.GroupKey,
	totalChunks int,
) ([]telemetry.Chunk, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, telemetry.StoreError("begin claim", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	var present int
	if err := tx.QueryRow(ctx, claimLockQuery, key.TenantID, key.CorrelationID, totalChunks).
		Scan(&present); err != nil {
		return nil, telemetry.StoreError("lock group", err)
	}
	if present < totalChunks {
		return nil, nil
	}
	var chunks []telemetry.Chunk
	if err := pgxscan.Select(ctx, tx, &chunks, claimDeleteQuery,
		key.TenantID, key.CorrelationID, totalChunks); err != nil {
		return nil, telemetry.StoreError("claim group", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, telemetry.StoreError("commit claim", err)
	}
	return chunks, nil
}

// CountGroup reports how many chunks are currently stored for the group.
func (r *ChunkRepo) CountGroup(ctx context.Context, key telemetry.GroupKey) (int, error) {
	sql, args, err := squirrel.Select("count(*)").
		From("telemetry_chunks").
		Where(squirrel.Eq{"tenant_id": key.TenantID, "correlation_id": key.CorrelationID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building query: %w", err)
	}
	var count int
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, telemetry.StoreError("count group", err)
	}
	return count, nil
}

// DeleteExpired removes every chunk past its expiry in one statement and
// folds the returned rows into per-group abandonment summaries.
func (r *ChunkRepo) DeleteExpired(ctx context.Context, now time.Time) ([]telemetry.AbandonedGroup, error) {
	query := `
        DELETE FROM telemetry_chunks
        WHERE expires_at <= $1
        RETURNING tenant_id, device_id, correlation_id, total_chunks, received_at
    `
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, telemetry.StoreError("delete expired", err)
	}
	defer rows.Close()
	type groupAgg struct {
		deviceID      string
		total         int
		present       int
		firstReceived time.Time
	}
	aggs := map[telemetry.GroupKey]*groupAgg{}
	order := []telemetry.GroupKey{}
	for rows.Next() {
		var tenantID, deviceID, correlationID string
		var total int
		var receivedAt time.Time
		if err := rows.Scan(&tenantID, &deviceID, &correlationID, &total, &receivedAt); err != nil {
			return nil, telemetry.StoreError("scan expired row", err)
		}
		key := telemetry.GroupKey{TenantID: tenantID, CorrelationID: correlationID}
		agg, ok := aggs[key]
		if !ok {
			agg = &groupAgg{deviceID: deviceID, total: total, firstReceived: receivedAt}
			aggs[key] = agg
			order = append(order, key)
		}
		if receivedAt.Before(agg.firstReceived) {
			agg.firstReceived = receivedAt
		}
		agg.present++
	}
	if err := rows.Err(); err != nil {
		return nil, telemetry.StoreError("iterate expired rows", err)
	}
	groups := make([]telemetry.AbandonedGroup, 0, len(order))
	for _, key := range order {
		agg := aggs[key]
		groups = append(groups, telemetry.AbandonedGroup{
			TenantID:            key.TenantID,
			DeviceID:            agg.deviceID,
			CorrelationID:       key.CorrelationID,
			ChunksPresent:       agg.present,
			TotalChunksDeclared: agg.total,
			FirstReceivedAt:     agg.firstReceived,
			AbandonedAt:         now,
		})
	}
	return groups, nil
}
