package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline/engine/core"
	"github.com/fieldline/fieldline/engine/infra/postgres"
	"github.com/fieldline/fieldline/engine/telemetry"
)

func TestAuditRepo_Append(t *testing.T) {
	t.Run("Should append one raw message row", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewAuditRepo(mockPool)
		now := time.Now()
		msg := &telemetry.Message{
			ID:              core.MustNewID(),
			TenantID:        "t1",
			DeviceID:        "d1",
			CorrelationID:   "c-42",
			Payload:         []byte("fragment0fragment1"),
			ChunkCount:      2,
			FirstReceivedAt: now.Add(-time.Second),
			CompletedAt:     now,
		}
		mockPool.ExpectExec("INSERT INTO telemetry_raw_messages").
			WithArgs(
				msg.ID, msg.TenantID, msg.DeviceID, msg.CorrelationID,
				msg.Payload, msg.ChunkCount, msg.FirstReceivedAt, msg.CompletedAt,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		err = repo.Append(context.Background(), msg)
		assert.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
	t.Run("Should classify insert failures as store unavailable", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewAuditRepo(mockPool)
		msg := &telemetry.Message{ID: core.MustNewID(), TenantID: "t1", DeviceID: "d1", CorrelationID: "c"}
		mockPool.ExpectExec("INSERT INTO telemetry_raw_messages").
			WillReturnError(context.DeadlineExceeded)
		err = repo.Append(context.Background(), msg)
		assert.ErrorIs(t, err, telemetry.ErrStoreUnavailable)
	})
}
