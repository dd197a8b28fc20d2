package telemetry

import (
	"context"

	"github.com/fieldline/fieldline/pkg/logger"
)

// LogNotifier emits diagnostics to the structured log. It is the fallback
// when no alert transport is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) NotifyAbandoned(ctx context.Context, group *AbandonedGroup) error {
	logger.FromContext(ctx).Warn("abandoned group",
		"tenant_id", group.TenantID,
		"device_id", group.DeviceID,
		"correlation_id", group.CorrelationID,
		"chunks_present", group.ChunksPresent,
		"total_chunks_declared", group.TotalChunksDeclared,
		"abandoned_at", group.AbandonedAt)
	return nil
}

func (n *LogNotifier) NotifyConflict(ctx context.Context, conflict *ConflictError) error {
	logger.FromContext(ctx).Error("correlation conflict",
		"tenant_id", conflict.TenantID,
		"device_id", conflict.DeviceID,
		"correlation_id", conflict.CorrelationID,
		"declared_total", conflict.Declared,
		"stored_total", conflict.Stored)
	return nil
}
