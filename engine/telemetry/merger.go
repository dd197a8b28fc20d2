package telemetry

import (
	"fmt"
	"sort"
	"time"

	"github.com/fieldline/fieldline/engine/core"
)

// mergeChunks orders a claimed, complete chunk set by sequence number and
// concatenates the payload fragments into one logical message. Payloads are
// opaque; ordered byte concatenation is the only merge policy.
//
// The caller must hold the claim for the group: the output for a given
// correlation id is produced at most once because only one caller ever
// receives the claimed rows.
func mergeChunks(chunks []Chunk, completedAt time.Time) (*Message, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("merge called with empty chunk set")
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].SequenceNumber < chunks[j].SequenceNumber
	})
	first := chunks[0]
	total := 0
	firstReceived := first.ReceivedAt
	for i := range chunks {
		total += len(chunks[i].Payload)
		if chunks[i].ReceivedAt.Before(firstReceived) {
			firstReceived = chunks[i].ReceivedAt
		}
	}
	payload := make([]byte, 0, total)
	for i := range chunks {
		payload = append(payload, chunks[i].Payload...)
	}
	return &Message{
		ID:              core.MustNewID(),
		TenantID:        first.TenantID,
		DeviceID:        first.DeviceID,
		CorrelationID:   first.CorrelationID,
		Payload:         payload,
		ChunkCount:      len(chunks),
		FirstReceivedAt: firstReceived,
		CompletedAt:     completedAt,
	}, nil
}
