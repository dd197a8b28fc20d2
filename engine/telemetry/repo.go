package telemetry

import (
	"context"
	"time"
)

// ChunkRepository is the durable chunk store. It is the single shared
// mutable resource of the engine: all cross-instance coordination (dedup
// insert, completeness claim, expiry) is expressed through it, so
// correctness holds with any number of engine instances running
// concurrently.
type ChunkRepository interface {
	// InsertDedup stores the chunk unless a row with the same
	// (tenant, correlation, sequence) already exists; duplicates are a
	// no-op and report inserted=false. When existing rows of the group
	// declare a different totalChunks, the chunk is not stored and a
	// *ConflictError is returned.
	InsertDedup(ctx context.Context, chunk *Chunk) (inserted bool, err error)

	// ClaimComplete atomically deletes and returns every chunk of the group
	// iff the count of distinct sequence numbers equals totalChunks. At most
	// one concurrent caller receives the rows; all others receive an empty
	// slice. An empty result is not an error: the group is either still
	// incomplete or was claimed by somebody else.
	ClaimComplete(ctx context.Context, key GroupKey, totalChunks int) ([]Chunk, error)

	// CountGroup reports how many chunks are currently stored for the group.
	CountGroup(ctx context.Context, key GroupKey) (int, error)

	// DeleteExpired removes every chunk whose expiry has passed and returns
	// one summary per reclaimed correlation group.
	DeleteExpired(ctx context.Context, now time.Time) ([]AbandonedGroup, error)
}

// AuditRepository is the append-only raw audit log. It never updates or
// deletes; retention is governed by an external policy.
type AuditRepository interface {
	Append(ctx context.Context, msg *Message) error
}

// Sink receives complete logical messages for business processing.
type Sink interface {
	Deliver(ctx context.Context, msg *Message) error
}

// AlertNotifier carries operator diagnostics: abandoned incomplete groups
// and poisoned correlation ids.
type AlertNotifier interface {
	NotifyAbandoned(ctx context.Context, group *AbandonedGroup) error
	NotifyConflict(ctx context.Context, conflict *ConflictError) error
}

// ConflictFlagger remembers poisoned correlation groups so later chunks of
// a conflicted group fail fast without touching the chunk store. Flags
// carry their own TTL.
type ConflictFlagger interface {
	Flag(ctx context.Context, key GroupKey, ttl time.Duration) error
	IsFlagged(ctx context.Context, key GroupKey) (bool, error)
}
