package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/fieldline/pkg/logger"
	"github.com/sethvargo/go-retry"
)

const (
	defaultChunkTTL        = 60 * time.Second
	defaultMaxPayloadBytes = 64 * 1024
	defaultConflictFlagTTL = 5 * time.Minute

	auditRetryBase = 100 * time.Millisecond
	auditRetryMax  = 3
)

// Options tunes the accumulator. Zero values fall back to documented
// defaults (60s TTL, 64KiB max fragment).
type Options struct {
	ChunkTTL        time.Duration
	MaxPayloadBytes int
	ConflictFlagTTL time.Duration
}

// Service is the chunk accumulator: it ingests one chunk at a time and
// drives the complete/incomplete transition. It is safe for concurrent use;
// all coordination lives in the ChunkRepository so multiple Service
// instances (or processes) may ingest the same correlation group.
type Service struct {
	chunks   ChunkRepository
	audit    AuditRepository
	sink     Sink
	notifier AlertNotifier
	flagger  ConflictFlagger
	metrics  *Metrics
	opts     Options
	now      func() time.Time
}

// NewService wires the accumulator. audit, notifier, flagger and metrics
// may be nil; chunks and sink are required.
func NewService(
	chunks ChunkRepository,
	audit AuditRepository,
	sink Sink,
	notifier AlertNotifier,
	flagger ConflictFlagger,
	metrics *Metrics,
	opts Options,
) (*Service, error) {
	if chunks == nil {
		return nil, fmt.Errorf("chunk repository is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("downstream sink is required")
	}
	if opts.ChunkTTL <= 0 {
		opts.ChunkTTL = defaultChunkTTL
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if opts.ConflictFlagTTL <= 0 {
		opts.ConflictFlagTTL = defaultConflictFlagTTL
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Service{
		chunks:   chunks,
		audit:    audit,
		sink:     sink,
		notifier: notifier,
		flagger:  flagger,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
	}, nil
}

// Ingest processes one inbound chunk. Sequence numbers are zero-based:
// valid positions are [0, totalChunks). Redelivery of a previously ingested
// chunk is absorbed without a state change. The completeness check and the
// decision to reassemble are one atomic repository operation, so exactly
// one concurrent caller observes OutcomeReassembled per correlation group.
func (s *Service) Ingest(ctx context.Context, chunk *Chunk) (*Result, error) {
	log := logger.FromContext(ctx)
	if err := s.validate(ctx, chunk); err != nil {
		return nil, err
	}
	s.metrics.RecordChunk(ctx, chunk.TenantID)
	received := chunk.ReceivedAt
	if received.IsZero() {
		received = s.now()
		chunk.ReceivedAt = received
	}
	chunk.ExpiresAt = received.Add(s.opts.ChunkTTL)
	if chunk.TotalChunks == 1 {
		return s.deliverSingle(ctx, chunk)
	}
	if err := s.checkPoisoned(ctx, chunk); err != nil {
		return nil, err
	}
	inserted, err := s.chunks.InsertDedup(ctx, chunk)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return nil, s.handleConflict(ctx, conflict)
		}
		return nil, err
	}
	if !inserted {
		log.Debug("duplicate chunk absorbed",
			"tenant_id", chunk.TenantID,
			"correlation_id", chunk.CorrelationID,
			"sequence_number", chunk.SequenceNumber)
		s.metrics.RecordDuplicate(ctx, chunk.TenantID)
	}
	claimed, err := s.chunks.ClaimComplete(ctx, chunk.Key(), chunk.TotalChunks)
	if err != nil {
		// The chunk is already durably stored; a later arrival or the
		// sweeper picks the group up, so the claim failure is safe to
		// surface for redelivery.
		return nil, err
	}
	if len(claimed) > 0 {
		return s.reassemble(ctx, claimed, chunk.TotalChunks)
	}
	return s.classifyIncomplete(ctx, chunk)
}

// validate enforces attribution, range and size rules before any store
// round trip. Rejected chunks are never stored.
func (s *Service) validate(ctx context.Context, chunk *Chunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: nil chunk", ErrInvalidChunk)
	}
	if chunk.TenantID == "" || chunk.DeviceID == "" || chunk.CorrelationID == "" {
		s.metrics.RecordRejected(ctx, chunk.TenantID, "missing_attribution")
		return fmt.Errorf("%w: tenant, device and correlation ids are required", ErrInvalidChunk)
	}
	if chunk.TotalChunks < 1 {
		s.metrics.RecordRejected(ctx, chunk.TenantID, "invalid_total")
		return fmt.Errorf("%w: total_chunks must be at least 1, got %d", ErrInvalidChunk, chunk.TotalChunks)
	}
	if chunk.SequenceNumber < 0 || chunk.SequenceNumber >= chunk.TotalChunks {
		s.metrics.RecordRejected(ctx, chunk.TenantID, "sequence_out_of_range")
		return fmt.Errorf("%w: sequence %d not in [0, %d)",
			ErrOutOfRangeSequence, chunk.SequenceNumber, chunk.TotalChunks)
	}
	if len(chunk.Payload) > s.opts.MaxPayloadBytes {
		s.metrics.RecordRejected(ctx, chunk.TenantID, "payload_too_large")
		return fmt.Errorf("%w: %d bytes exceeds limit of %d",
			ErrPayloadTooLarge, len(chunk.Payload), s.opts.MaxPayloadBytes)
	}
	return nil
}

// deliverSingle is the unfragmented fast path: no accumulator state, the
// message goes straight to the audit log and the sink.
func (s *Service) deliverSingle(ctx context.Context, chunk *Chunk) (*Result, error) {
	msg, err := mergeChunks([]Chunk{*chunk}, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.deliver(ctx, msg); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeDelivered, Message: msg}, nil
}

// checkPoisoned fails fast when the correlation group was already flagged
// for a totalChunks mismatch.
func (s *Service) checkPoisoned(ctx context.Context, chunk *Chunk) error {
	if s.flagger == nil {
		return nil
	}
	flagged, err := s.flagger.IsFlagged(ctx, chunk.Key())
	if err != nil {
		// Flag lookup is an optimization; the store-level conflict check
		// still catches the mismatch, so a flagger outage is non-fatal.
		logger.FromContext(ctx).Warn("conflict flag lookup failed",
			"correlation_id", chunk.CorrelationID, "error", err)
		return nil
	}
	if flagged {
		return &ConflictError{
			TenantID:      chunk.TenantID,
			DeviceID:      chunk.DeviceID,
			CorrelationID: chunk.CorrelationID,
			Declared:      chunk.TotalChunks,
		}
	}
	return nil
}

// handleConflict flags the poisoned group and alerts the operator. Stored
// rows are retained for forensic inspection until the sweeper reclaims them.
func (s *Service) handleConflict(ctx context.Context, conflict *ConflictError) error {
	log := logger.FromContext(ctx)
	log.Error("correlation conflict detected",
		"tenant_id", conflict.TenantID,
		"device_id", conflict.DeviceID,
		"correlation_id", conflict.CorrelationID,
		"declared_total", conflict.Declared,
		"stored_total", conflict.Stored)
	s.metrics.RecordConflict(ctx, conflict.TenantID)
	key := GroupKey{TenantID: conflict.TenantID, CorrelationID: conflict.CorrelationID}
	if s.flagger != nil {
		if err := s.flagger.Flag(ctx, key, s.opts.ConflictFlagTTL); err != nil {
			log.Warn("failed to flag poisoned correlation group", "error", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyConflict(ctx, conflict); err != nil {
			log.Warn("failed to notify correlation conflict", "error", err)
		}
	}
	return conflict
}

// reassemble merges a claimed chunk set and hands the message downstream.
// The claim already removed the rows, so a crash past this point loses the
// message but can never duplicate it. A claimed set that does not carry
// exactly totalChunks fragments is dropped rather than delivered: a
// truncated message downstream is worse than a lost one.
func (s *Service) reassemble(ctx context.Context, claimed []Chunk, totalChunks int) (*Result, error) {
	if len(claimed) != totalChunks {
		first := claimed[0]
		logger.FromContext(ctx).Error("claimed chunk set is short, dropping group",
			"tenant_id", first.TenantID,
			"device_id", first.DeviceID,
			"correlation_id", first.CorrelationID,
			"claimed", len(claimed),
			"total_chunks", totalChunks)
		s.metrics.RecordRejected(ctx, first.TenantID, "short_claim")
		return nil, fmt.Errorf("claimed %d of %d chunks for correlation %s, dropping group",
			len(claimed), totalChunks, first.CorrelationID)
	}
	start := s.now()
	msg, err := mergeChunks(claimed, start)
	if err != nil {
		return nil, fmt.Errorf("merging claimed chunks: %w", err)
	}
	if err := s.deliver(ctx, msg); err != nil {
		return nil, err
	}
	s.metrics.RecordReassembled(ctx, msg.TenantID, len(msg.Payload), s.now().Sub(start))
	logger.FromContext(ctx).Info("message reassembled",
		"tenant_id", msg.TenantID,
		"device_id", msg.DeviceID,
		"correlation_id", msg.CorrelationID,
		"chunk_count", msg.ChunkCount,
		"payload_bytes", len(msg.Payload))
	return &Result{Outcome: OutcomeReassembled, Message: msg}, nil
}

// deliver forwards the message to the sink and appends it to the raw audit
// log. An audit failure never blocks delivery: the append is retried with
// backoff and logged on final failure.
func (s *Service) deliver(ctx context.Context, msg *Message) error {
	if err := s.sink.Deliver(ctx, msg); err != nil {
		return fmt.Errorf("delivering message %s downstream: %w", msg.ID, err)
	}
	s.appendAudit(ctx, msg)
	return nil
}

func (s *Service) appendAudit(ctx context.Context, msg *Message) {
	if s.audit == nil {
		return
	}
	backoff := retry.WithMaxRetries(auditRetryMax, retry.NewExponential(auditRetryBase))
	err := retry.Do(ctx, backoff, func(retryCtx context.Context) error {
		return retry.RetryableError(s.audit.Append(retryCtx, msg))
	})
	if err != nil {
		logger.FromContext(ctx).Error("raw audit append failed after retries",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"correlation_id", msg.CorrelationID,
			"error", err)
	}
}

// classifyIncomplete distinguishes "chunk stored, waiting for the rest"
// from "a concurrent caller already reassembled the group". The group count
// is authoritative: zero rows after a failed claim means the group is gone.
func (s *Service) classifyIncomplete(ctx context.Context, chunk *Chunk) (*Result, error) {
	count, err := s.chunks.CountGroup(ctx, chunk.Key())
	if err != nil {
		// The chunk is stored; report the conservative outcome rather than
		// failing an otherwise successful ingestion.
		logger.FromContext(ctx).Warn("group count failed after insert",
			"correlation_id", chunk.CorrelationID, "error", err)
		return &Result{Outcome: OutcomeStored}, nil
	}
	if count == 0 {
		return &Result{Outcome: OutcomeAlreadyHandled}, nil
	}
	return &Result{Outcome: OutcomeStored}, nil
}
