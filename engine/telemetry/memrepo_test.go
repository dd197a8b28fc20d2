package telemetry

import (
	"context"
	"sync"
	"time"
)

// memChunkRepo is an in-memory ChunkRepository with the same atomicity
// guarantees as the Postgres adapter: dedup insert, conflict detection and
// claim-by-delete all execute under one lock.
type memChunkRepo struct {
	mu     sync.Mutex
	groups map[GroupKey]map[int]Chunk
	// failNext simulates a transient store outage for one call.
	failNext error
}

func newMemChunkRepo() *memChunkRepo {
	return &memChunkRepo{groups: map[GroupKey]map[int]Chunk{}}
}

func (r *memChunkRepo) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *memChunkRepo) InsertDedup(_ context.Context, chunk *Chunk) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return false, err
	}
	key := chunk.Key()
	group, ok := r.groups[key]
	if !ok {
		group = map[int]Chunk{}
		r.groups[key] = group
	}
	for _, existing := range group {
		if existing.TotalChunks != chunk.TotalChunks {
			return false, &ConflictError{
				TenantID:      chunk.TenantID,
				DeviceID:      chunk.DeviceID,
				CorrelationID: chunk.CorrelationID,
				Declared:      chunk.TotalChunks,
				Stored:        existing.TotalChunks,
			}
		}
		break
	}
	if _, exists := group[chunk.SequenceNumber]; exists {
		return false, nil
	}
	group[chunk.SequenceNumber] = *chunk
	return true, nil
}

func (r *memChunkRepo) ClaimComplete(_ context.Context, key GroupKey, totalChunks int) ([]Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	group, ok := r.groups[key]
	if !ok {
		return nil, nil
	}
	claimed := make([]Chunk, 0, len(group))
	for _, chunk := range group {
		if chunk.TotalChunks == totalChunks {
			claimed = append(claimed, chunk)
		}
	}
	if len(claimed) < totalChunks {
		return nil, nil
	}
	for _, chunk := range claimed {
		delete(group, chunk.SequenceNumber)
	}
	if len(group) == 0 {
		delete(r.groups, key)
	}
	return claimed, nil
}

func (r *memChunkRepo) CountGroup(_ context.Context, key GroupKey) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return 0, err
	}
	return len(r.groups[key]), nil
}

func (r *memChunkRepo) DeleteExpired(_ context.Context, now time.Time) ([]AbandonedGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	var abandoned []AbandonedGroup
	for key, group := range r.groups {
		expired := true
		for _, chunk := range group {
			if chunk.ExpiresAt.After(now) {
				expired = false
				break
			}
		}
		if !expired || len(group) == 0 {
			continue
		}
		var sample Chunk
		first := time.Time{}
		for _, chunk := range group {
			sample = chunk
			if first.IsZero() || chunk.ReceivedAt.Before(first) {
				first = chunk.ReceivedAt
			}
		}
		abandoned = append(abandoned, AbandonedGroup{
			TenantID:            key.TenantID,
			DeviceID:            sample.DeviceID,
			CorrelationID:       key.CorrelationID,
			ChunksPresent:       len(group),
			TotalChunksDeclared: sample.TotalChunks,
			FirstReceivedAt:     first,
			AbandonedAt:         now,
		})
		delete(r.groups, key)
	}
	return abandoned, nil
}

// collectingSink records every delivered message.
type collectingSink struct {
	mu       sync.Mutex
	messages []*Message
	failWith error
}

func (s *collectingSink) Deliver(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *collectingSink) delivered() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// collectingAudit records every appended message and can fail a number of
// times to exercise the retry path.
type collectingAudit struct {
	mu        sync.Mutex
	messages  []*Message
	failTimes int
	attempts  int
}

func (a *collectingAudit) Append(_ context.Context, msg *Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if a.failTimes > 0 {
		a.failTimes--
		return context.DeadlineExceeded
	}
	a.messages = append(a.messages, msg)
	return nil
}

func (a *collectingAudit) appended() []*Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// collectingNotifier records diagnostics.
type collectingNotifier struct {
	mu        sync.Mutex
	abandoned []*AbandonedGroup
	conflicts []*ConflictError
}

func (n *collectingNotifier) NotifyAbandoned(_ context.Context, group *AbandonedGroup) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.abandoned = append(n.abandoned, group)
	return nil
}

func (n *collectingNotifier) NotifyConflict(_ context.Context, conflict *ConflictError) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conflicts = append(n.conflicts, conflict)
	return nil
}

// memFlagger is an in-memory ConflictFlagger.
type memFlagger struct {
	mu    sync.Mutex
	flags map[GroupKey]time.Time
}

func newMemFlagger() *memFlagger {
	return &memFlagger{flags: map[GroupKey]time.Time{}}
}

func (f *memFlagger) Flag(_ context.Context, key GroupKey, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[key] = time.Now().Add(ttl)
	return nil
}

func (f *memFlagger) IsFlagged(_ context.Context, key GroupKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deadline, ok := f.flags[key]
	return ok && time.Now().Before(deadline), nil
}
