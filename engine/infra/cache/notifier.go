package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/google/uuid"
)

// Alert channels consumed by the operator tooling.
const (
	AbandonedChannel = "fieldline:alerts:abandoned"
	ConflictChannel  = "fieldline:alerts:conflict"
)

// abandonedAlert is the wire shape of an abandoned-group alert. AlertID is
// unique per publish so consumers can dedup across redeliveries.
type abandonedAlert struct {
	AlertID string `json:"alert_id"`
	*telemetry.AbandonedGroup
}

// conflictAlert is the wire shape of a correlation-conflict alert.
type conflictAlert struct {
	AlertID       string `json:"alert_id"`
	TenantID      string `json:"tenant_id"`
	DeviceID      string `json:"device_id"`
	CorrelationID string `json:"correlation_id"`
	Declared      int    `json:"declared_total"`
	Stored        int    `json:"stored_total"`
}

// AlertNotifier implements telemetry.AlertNotifier over Redis pub/sub.
// Alerts are fire-and-forget diagnostics: a publish with no subscriber is
// not an error.
type AlertNotifier struct {
	redis *Redis
}

func NewAlertNotifier(r *Redis) (*AlertNotifier, error) {
	if r == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &AlertNotifier{redis: r}, nil
}

func (n *AlertNotifier) NotifyAbandoned(ctx context.Context, group *telemetry.AbandonedGroup) error {
	payload, err := json.Marshal(abandonedAlert{AlertID: uuid.NewString(), AbandonedGroup: group})
	if err != nil {
		return fmt.Errorf("encoding abandoned-group alert: %w", err)
	}
	if err := n.redis.Client().Publish(ctx, AbandonedChannel, payload).Err(); err != nil {
		return fmt.Errorf("publishing abandoned-group alert: %w", err)
	}
	return nil
}

func (n *AlertNotifier) NotifyConflict(ctx context.Context, conflict *telemetry.ConflictError) error {
	payload, err := json.Marshal(conflictAlert{
		AlertID:       uuid.NewString(),
		TenantID:      conflict.TenantID,
		DeviceID:      conflict.DeviceID,
		CorrelationID: conflict.CorrelationID,
		Declared:      conflict.Declared,
		Stored:        conflict.Stored,
	})
	if err != nil {
		return fmt.Errorf("encoding conflict alert: %w", err)
	}
	if err := n.redis.Client().Publish(ctx, ConflictChannel, payload).Err(); err != nil {
		return fmt.Errorf("publishing conflict alert: %w", err)
	}
	return nil
}
