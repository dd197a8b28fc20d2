package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline/engine/infra/postgres"
	"github.com/fieldline/fieldline/engine/telemetry"
)

func testChunk() *telemetry.Chunk {
	now := time.Now()
	return &telemetry.Chunk{
		TenantID:       "t1",
		DeviceID:       "d1",
		CorrelationID:  "c-42",
		SequenceNumber: 0,
		TotalChunks:    3,
		Payload:        []byte("fragment0"),
		ReceivedAt:     now,
		ExpiresAt:      now.Add(60 * time.Second),
	}
}

// squirrel renders Eq maps in sorted key order, so correlation_id binds
// before tenant_id in the generated WHERE clauses.

func expectEmptyGroup(mockPool pgxmock.PgxPoolIface, chunk *telemetry.Chunk) {
	mockPool.ExpectQuery("SELECT total_chunks FROM telemetry_chunks").
		WithArgs(chunk.CorrelationID, chunk.TenantID).
		WillReturnError(pgx.ErrNoRows)
}

func TestChunkRepo_InsertDedup(t *testing.T) {
	t.Run("Should insert a fresh chunk", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		chunk := testChunk()
		expectEmptyGroup(mockPool, chunk)
		mockPool.ExpectExec("INSERT INTO telemetry_chunks").
			WithArgs(
				chunk.TenantID, chunk.DeviceID, chunk.CorrelationID, chunk.SequenceNumber,
				chunk.TotalChunks, chunk.Payload, chunk.ReceivedAt, chunk.ExpiresAt,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		inserted, err := repo.InsertDedup(context.Background(), chunk)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should report duplicate when the conflict target absorbs the row", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		chunk := testChunk()
		mockPool.ExpectQuery("SELECT total_chunks FROM telemetry_chunks").
			WithArgs(chunk.CorrelationID, chunk.TenantID).
			WillReturnRows(mockPool.NewRows([]string{"total_chunks"}).AddRow(3))
		mockPool.ExpectExec("INSERT INTO telemetry_chunks").
			WithArgs(
				chunk.TenantID, chunk.DeviceID, chunk.CorrelationID, chunk.SequenceNumber,
				chunk.TotalChunks, chunk.Payload, chunk.ReceivedAt, chunk.ExpiresAt,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		inserted, err := repo.InsertDedup(context.Background(), chunk)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should refuse a totalChunks mismatch without storing the chunk", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		chunk := testChunk()
		chunk.TotalChunks = 5
		mockPool.ExpectQuery("SELECT total_chunks FROM telemetry_chunks").
			WithArgs(chunk.CorrelationID, chunk.TenantID).
			WillReturnRows(mockPool.NewRows([]string{"total_chunks"}).AddRow(3))
		_, err = repo.InsertDedup(context.Background(), chunk)
		require.ErrorIs(t, err, telemetry.ErrCorrelationConflict)
		var conflict *telemetry.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, 5, conflict.Declared)
		assert.Equal(t, 3, conflict.Stored)
		assert.NoError(t, mockPool.ExpectationsWereMet(), "no INSERT may follow a conflict")
	})
	t.Run("Should classify transient failures as store unavailable", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		chunk := testChunk()
		expectEmptyGroup(mockPool, chunk)
		mockPool.ExpectExec("INSERT INTO telemetry_chunks").
			WithArgs(
				chunk.TenantID, chunk.DeviceID, chunk.CorrelationID, chunk.SequenceNumber,
				chunk.TotalChunks, chunk.Payload, chunk.ReceivedAt, chunk.ExpiresAt,
			).
			WillReturnError(context.DeadlineExceeded)
		_, err = repo.InsertDedup(context.Background(), chunk)
		assert.ErrorIs(t, err, telemetry.ErrStoreUnavailable)
	})
}

func TestChunkRepo_ClaimComplete(t *testing.T) {
	key := telemetry.GroupKey{TenantID: "t1", CorrelationID: "c-42"}
	t.Run("Should lock, count and delete the group in one transaction", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		now := time.Now()
		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SELECT count\(DISTINCT sequence_number\)`).
			WithArgs(key.TenantID, key.CorrelationID, 2).
			WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(2))
		rows := mockPool.NewRows([]string{
			"tenant_id", "device_id", "correlation_id", "sequence_number",
			"total_chunks", "payload", "received_at", "expires_at",
		}).
			AddRow("t1", "d1", "c-42", 1, 2, []byte("B"), now, now.Add(time.Minute)).
			AddRow("t1", "d1", "c-42", 0, 2, []byte("A"), now, now.Add(time.Minute))
		mockPool.ExpectQuery("DELETE FROM telemetry_chunks").
			WithArgs(key.TenantID, key.CorrelationID, 2).
			WillReturnRows(rows)
		mockPool.ExpectCommit()
		claimed, err := repo.ClaimComplete(context.Background(), key, 2)
		require.NoError(t, err)
		assert.Len(t, claimed, 2)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should claim nothing when the locked count falls short", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SELECT count\(DISTINCT sequence_number\)`).
			WithArgs(key.TenantID, key.CorrelationID, 3).
			WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(2))
		mockPool.ExpectRollback()
		claimed, err := repo.ClaimComplete(context.Background(), key, 3)
		require.NoError(t, err)
		assert.Empty(t, claimed)
		assert.NoError(t, mockPool.ExpectationsWereMet(), "no DELETE may run for an incomplete group")
	})
}

func TestChunkRepo_CountGroup(t *testing.T) {
	t.Run("Should count stored rows for the group", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		key := telemetry.GroupKey{TenantID: "t1", CorrelationID: "c-42"}
		mockPool.ExpectQuery(`SELECT count\(\*\) FROM telemetry_chunks`).
			WithArgs(key.CorrelationID, key.TenantID).
			WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(2))
		count, err := repo.CountGroup(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestChunkRepo_DeleteExpired(t *testing.T) {
	t.Run("Should fold deleted rows into per-group summaries", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		now := time.Now()
		earlier := now.Add(-2 * time.Minute)
		rows := mockPool.NewRows(
			[]string{"tenant_id", "device_id", "correlation_id", "total_chunks", "received_at"}).
			AddRow("t1", "d1", "c-a", 5, now.Add(-time.Minute)).
			AddRow("t1", "d1", "c-a", 5, earlier).
			AddRow("t2", "d9", "c-b", 2, earlier)
		mockPool.ExpectQuery("DELETE FROM telemetry_chunks").
			WithArgs(now).
			WillReturnRows(rows)
		groups, err := repo.DeleteExpired(context.Background(), now)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, "c-a", groups[0].CorrelationID)
		assert.Equal(t, 2, groups[0].ChunksPresent)
		assert.Equal(t, 5, groups[0].TotalChunksDeclared)
		assert.Equal(t, earlier, groups[0].FirstReceivedAt)
		assert.Equal(t, "t2", groups[1].TenantID)
		assert.Equal(t, "d9", groups[1].DeviceID)
		assert.Equal(t, 1, groups[1].ChunksPresent)
		assert.Equal(t, now, groups[1].AbandonedAt)
	})
	t.Run("Should return no summaries when nothing expired", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewChunkRepo(mockPool)
		now := time.Now()
		mockPool.ExpectQuery("DELETE FROM telemetry_chunks").
			WithArgs(now).
			WillReturnRows(mockPool.NewRows(
				[]string{"tenant_id", "device_id", "correlation_id", "total_chunks", "received_at"}))
		groups, err := repo.DeleteExpired(context.Background(), now)
		require.NoError(t, err)
		assert.Empty(t, groups)
	})
}
