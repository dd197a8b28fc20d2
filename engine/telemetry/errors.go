package telemetry

import (
	"errors"
	"fmt"
)

// Error taxonomy. Duplicate deliveries and lost claim races are normal
// operation and never surface as errors.
var (
	// ErrInvalidChunk covers missing attribution fields and malformed
	// declarations (totalChunks < 1).
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrOutOfRangeSequence is returned when sequenceNumber falls outside
	// [0, totalChunks); the chunk is not stored.
	ErrOutOfRangeSequence = errors.New("sequence number out of range")
	// ErrPayloadTooLarge is returned when a fragment exceeds the configured
	// maximum payload size; the chunk is not stored.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum fragment size")
	// ErrCorrelationConflict indicates a totalChunks mismatch within one
	// correlation group: a corrupt or colliding correlation id. The group is
	// poisoned, never silently merged.
	ErrCorrelationConflict = errors.New("correlation conflict")
	// ErrStoreUnavailable classifies transient durable-store failures; the
	// transport layer is expected to redeliver, which is always safe because
	// ingestion is idempotent.
	ErrStoreUnavailable = errors.New("chunk store unavailable")
)

// ConflictError carries the declared vs stored totalChunks values for a
// poisoned correlation group.
type ConflictError struct {
	TenantID      string
	DeviceID      string
	CorrelationID string
	Declared      int
	Stored        int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"correlation conflict for %s/%s: declared total_chunks=%d, stored rows declare %d",
		e.TenantID, e.CorrelationID, e.Declared, e.Stored,
	)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrCorrelationConflict
}

// StoreError wraps a transient repository failure so callers can match it
// with errors.Is(err, ErrStoreUnavailable) while keeping the cause.
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
