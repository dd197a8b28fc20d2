package telemetry

import (
	"time"

	"github.com/fieldline/fieldline/engine/core"
)

// -----------------------------------------------------------------------------
// Chunk
// -----------------------------------------------------------------------------

// Chunk is one physically delivered fragment of a logical gateway message.
// Chunks are immutable once stored: they are deleted as a group after
// reassembly, or reclaimed by the expiry sweeper, never updated in place.
type Chunk struct {
	TenantID       string    `json:"tenant_id"       db:"tenant_id"`
	DeviceID       string    `json:"device_id"       db:"device_id"`
	CorrelationID  string    `json:"correlation_id"  db:"correlation_id"`
	SequenceNumber int       `json:"sequence_number" db:"sequence_number"`
	TotalChunks    int       `json:"total_chunks"    db:"total_chunks"`
	Payload        []byte    `json:"payload"         db:"payload"`
	ReceivedAt     time.Time `json:"received_at"     db:"received_at"`
	ExpiresAt      time.Time `json:"expires_at"      db:"expires_at"`
}

// GroupKey identifies one correlation group. The tenant id is part of the
// key so identical correlation ids from different tenants never collide.
type GroupKey struct {
	TenantID      string
	CorrelationID string
}

// Key returns the chunk's correlation group key.
func (c *Chunk) Key() GroupKey {
	return GroupKey{TenantID: c.TenantID, CorrelationID: c.CorrelationID}
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

// Message is one fully reconstructed (or originally unfragmented) logical
// message, delivered to the downstream sink and appended to the raw audit log.
type Message struct {
	ID              core.ID   `json:"id"                db:"id"`
	TenantID        string    `json:"tenant_id"         db:"tenant_id"`
	DeviceID        string    `json:"device_id"         db:"device_id"`
	CorrelationID   string    `json:"correlation_id"    db:"correlation_id"`
	Payload         []byte    `json:"payload"           db:"payload"`
	ChunkCount      int       `json:"chunk_count"       db:"chunk_count"`
	FirstReceivedAt time.Time `json:"first_received_at" db:"first_received_at"`
	CompletedAt     time.Time `json:"completed_at"      db:"completed_at"`
}

// -----------------------------------------------------------------------------
// Diagnostics
// -----------------------------------------------------------------------------

// AbandonedGroup reports one incomplete correlation group reclaimed by the
// expiry sweeper. It is the only signal an operator gets that a gateway
// transmission never completed.
type AbandonedGroup struct {
	TenantID            string    `json:"tenant_id"`
	DeviceID            string    `json:"device_id"`
	CorrelationID       string    `json:"correlation_id"`
	ChunksPresent       int       `json:"chunks_present"`
	TotalChunksDeclared int       `json:"total_chunks_declared"`
	FirstReceivedAt     time.Time `json:"first_received_at"`
	AbandonedAt         time.Time `json:"abandoned_at"`
}

// -----------------------------------------------------------------------------
// Outcome
// -----------------------------------------------------------------------------

// Outcome classifies the result of ingesting one chunk.
type Outcome string

const (
	// OutcomeStored means the chunk was stored and its group is still
	// incomplete.
	OutcomeStored Outcome = "stored"
	// OutcomeReassembled means this call completed the group, won the claim
	// and produced the full message.
	OutcomeReassembled Outcome = "reassembled"
	// OutcomeAlreadyHandled means a concurrent call won the claim for the
	// same group; losing the race is not an error.
	OutcomeAlreadyHandled Outcome = "already_handled"
	// OutcomeDelivered means the message was unfragmented and bypassed the
	// accumulator entirely.
	OutcomeDelivered Outcome = "delivered"
)

func (o Outcome) String() string {
	return string(o)
}

// Result is what Ingest hands back to the transport layer.
type Result struct {
	Outcome Outcome
	// Message is set when Outcome is OutcomeReassembled or OutcomeDelivered.
	Message *Message
}
