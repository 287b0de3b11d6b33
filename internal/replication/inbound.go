package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
)

// InboundStream applies change batches arriving from upstream peers. A batch
// is applied only when it starts exactly at the watermark recorded for its
// sender; anything else is answered with RejectChanges carrying the true
// watermark so the sender can resume from there.
type InboundStream struct {
	db        DB
	transport Transport
	logger    *zap.Logger

	// mu is held across apply so batches from one sender resolve in order.
	mu        sync.Mutex
	lastSeens map[protocol.SiteID]protocol.Seq
}

// NewInboundStream constructs an InboundStream.
func NewInboundStream(db DB, transport Transport, logger *zap.Logger) *InboundStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboundStream{
		db:        db,
		transport: transport,
		logger:    logger,
		lastSeens: make(map[protocol.SiteID]protocol.Seq),
	}
}

// Prepare seeds watermarks. Entries overwrite whatever is recorded for the same peer.
func (s *InboundStream) Prepare(entries []protocol.LastSeen) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.lastSeens[entry.Site] = entry.Seq
	}
}

// LastSeen returns the watermark for a peer, (0, 0) when it was never seen.
func (s *InboundStream) LastSeen(site protocol.SiteID) protocol.Seq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeens[site]
}

// ReceiveChanges gates and applies one batch.
func (s *InboundStream) ReceiveChanges(ctx context.Context, msg protocol.Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastSeen := s.lastSeens[msg.Sender]
	if !lastSeen.GreaterOrEqual(msg.Since) || !msg.Since.GreaterOrEqual(lastSeen) {
		reason := "gap"
		if msg.Since.Less(lastSeen) {
			reason = "stale"
		}
		s.logger.Info("rejecting change batch",
			zap.String("sender", msg.Sender.String()),
			zap.Stringer("since", msg.Since),
			zap.Stringer("last_seen", lastSeen),
			zap.String("reason", reason))
		if err := s.transport.Send(ctx, protocol.RejectChanges{Whose: msg.Sender, Since: lastSeen}); err != nil {
			return fmt.Errorf("send reject changes: %w", err)
		}
		return nil
	}

	if len(msg.Changes) == 0 {
		return nil
	}

	if err := ValidateBatch(msg.Since, msg.Changes); err != nil {
		return err
	}

	last := msg.Changes[len(msg.Changes)-1]
	watermark := protocol.Seq{Version: last.DBVersion, Counter: 0}
	if err := s.db.ApplyChangesetAndSetLastSeen(ctx, msg.Changes, msg.Sender, watermark); err != nil {
		return fmt.Errorf("apply changeset from %s: %w", msg.Sender, err)
	}
	s.lastSeens[msg.Sender] = watermark

	s.logger.Debug("applied change batch",
		zap.String("sender", msg.Sender.String()),
		zap.Int("changes", len(msg.Changes)),
		zap.Stringer("last_seen", watermark))
	return nil
}

// ValidateBatch checks that db versions never run backwards and never fall
// below since.
func ValidateBatch(since protocol.Seq, changes []protocol.Change) error {
	previous := since.Version
	for index, change := range changes {
		if change.DBVersion < previous {
			return fmt.Errorf("%w: change %d db version %d precedes %d", ErrMalformedBatch, index, change.DBVersion, previous)
		}
		previous = change.DBVersion
	}
	return nil
}
