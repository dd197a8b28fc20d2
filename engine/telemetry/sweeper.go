package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldline/fieldline/pkg/logger"
)

const defaultSweepInterval = 15 * time.Second

// Sweeper bounds the lifetime of incomplete correlation groups. It runs one
// sweep per tick; a skipped or failed tick is harmless because a later tick
// finds the same expired rows. Sweeps may run concurrently with ingestion of
// unrelated correlation ids.
type Sweeper struct {
	chunks   ChunkRepository
	notifier AlertNotifier
	metrics  *Metrics
	interval time.Duration
	now      func() time.Time
}

// NewSweeper builds the expiry sweeper. notifier and metrics may be nil.
func NewSweeper(chunks ChunkRepository, notifier AlertNotifier, metrics *Metrics, interval time.Duration) (*Sweeper, error) {
	if chunks == nil {
		return nil, fmt.Errorf("chunk repository is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Sweeper{
		chunks:   chunks,
		notifier: notifier,
		metrics:  metrics,
		interval: interval,
		now:      time.Now,
	}, nil
}

// Run sweeps on a fixed interval until the context is canceled. Ticks are
// processed sequentially within one Sweeper, so a single instance never
// races against its own previous sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	log := logger.FromContext(ctx).With("component", "sweeper")
	log.Info("expiry sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce reclaims every expired incomplete group and emits one
// diagnostic per group. It returns the number of groups reclaimed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)
	groups, err := s.chunks.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("deleting expired chunks: %w", err)
	}
	for i := range groups {
		group := &groups[i]
		log.Warn("abandoned correlation group reclaimed",
			"tenant_id", group.TenantID,
			"device_id", group.DeviceID,
			"correlation_id", group.CorrelationID,
			"chunks_present", group.ChunksPresent,
			"total_chunks_declared", group.TotalChunksDeclared)
		s.metrics.RecordAbandoned(ctx, group.TenantID)
		if s.notifier != nil {
			if err := s.notifier.NotifyAbandoned(ctx, group); err != nil {
				log.Warn("failed to notify abandoned group",
					"correlation_id", group.CorrelationID, "error", err)
			}
		}
	}
	return len(groups), nil
}
