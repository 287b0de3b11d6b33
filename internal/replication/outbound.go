package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
)

// DefaultBatchSize bounds the number of changes pulled per outbound chunk.
const DefaultBatchSize = 512

// OutboundStream pushes locally held changes to one peer. The pull loop runs
// in its own goroutine, wakes on database notifications and advances its
// cursor only after a batch was handed to the transport.
type OutboundStream struct {
	db        DB
	transport Transport
	logger    *zap.Logger
	batchSize int

	// controlMu serializes start, reset and stop.
	controlMu sync.Mutex
	run       *outboundRun
	target    protocol.SiteID
	hasTarget bool

	stateMu sync.Mutex
	cursor  protocol.Seq
	err     error

	// onFailure runs on the pull goroutine after a failure is recorded. It
	// must not call back into the stream's control methods.
	onFailure func(error)
}

type outboundRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutboundStream constructs an OutboundStream. A non-positive batch size
// selects DefaultBatchSize.
func NewOutboundStream(db DB, transport Transport, batchSize int, logger *zap.Logger) *OutboundStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &OutboundStream{
		db:        db,
		transport: transport,
		logger:    logger,
		batchSize: batchSize,
	}
}

// StartStreaming begins streaming to the requestor from the requested seq.
// A schema version mismatch is answered before any data is read.
func (s *OutboundStream) StartStreaming(ctx context.Context, msg protocol.EstablishStream) error {
	local := s.db.SiteID()
	if msg.ToDBID != local {
		s.logger.Warn("ignoring stream request for another database",
			zap.String("to_dbid", msg.ToDBID.String()),
			zap.String("site_id", local.String()))
		return nil
	}

	_, schemaVersion, err := s.db.GetSchemaNameAndVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if msg.SchemaVersion != schemaVersion {
		s.logger.Warn("refusing stream on schema mismatch",
			zap.String("requestor", msg.FromDBID.String()),
			zap.Int64("requested_schema_version", msg.SchemaVersion),
			zap.Int64("schema_version", schemaVersion))
		response := protocol.ApplyChangesResponse{SeqEnd: msg.SeqStart, Status: protocol.ApplyStatusSchemaMismatch}
		if err := s.transport.Send(ctx, response); err != nil {
			return fmt.Errorf("send schema mismatch: %w", err)
		}
		return nil
	}
	if msg.QueryIDs != nil {
		s.logger.Debug("stream query ids are not interpreted", zap.Strings("query_ids", msg.QueryIDs))
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	s.target = msg.FromDBID
	s.hasTarget = true
	s.restartLocked(msg.SeqStart)
	return nil
}

// ResetStream restarts the active stream at the seq the peer reported.
// Rejections of other sites' changes are ignored.
func (s *OutboundStream) ResetStream(_ context.Context, msg protocol.RejectChanges) error {
	local := s.db.SiteID()
	if msg.Whose != local {
		s.logger.Debug("ignoring rejection for another site", zap.String("whose", msg.Whose.String()))
		return nil
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	if !s.hasTarget {
		s.logger.Debug("ignoring reset without an active stream", zap.Stringer("since", msg.Since))
		return nil
	}
	s.logger.Info("resetting outbound stream",
		zap.String("target", s.target.String()),
		zap.Stringer("since", msg.Since))
	s.restartLocked(msg.Since)
	return nil
}

// Stop terminates the pull loop and waits for it to exit. It is idempotent.
func (s *OutboundStream) Stop() {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	s.haltLocked()
	s.hasTarget = false
}

// Cursor returns the seq after the last fully transmitted batch.
func (s *OutboundStream) Cursor() protocol.Seq {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.cursor
}

// Err returns the failure that terminated the last pull loop, if any.
func (s *OutboundStream) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

func (s *OutboundStream) restartLocked(since protocol.Seq) {
	s.haltLocked()

	s.stateMu.Lock()
	s.cursor = since
	s.err = nil
	s.stateMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	run := &outboundRun{cancel: cancel, done: make(chan struct{})}
	s.run = run
	go s.pull(ctx, s.target, since, run.done)
}

func (s *OutboundStream) haltLocked() {
	if s.run == nil {
		return
	}
	s.run.cancel()
	<-s.run.done
	s.run = nil
}

func (s *OutboundStream) pull(ctx context.Context, target protocol.SiteID, cursor protocol.Seq, done chan struct{}) {
	defer close(done)

	notifications, unsubscribe := s.db.Subscribe(ctx)
	defer unsubscribe()

	local := s.db.SiteID()
	exclude := []protocol.SiteID{target}
	for {
		changes, err := s.db.PullChangeset(ctx, cursor, exclude, s.batchSize)
		if err != nil {
			s.fail(ctx, target, fmt.Errorf("pull changeset: %w", err))
			return
		}
		if len(changes) == 0 {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notifications:
				if !ok {
					return
				}
				continue
			}
		}

		batch := protocol.Changes{Sender: local, Since: cursor, Changes: changes}
		if err := s.transport.Send(ctx, batch); err != nil {
			s.fail(ctx, target, fmt.Errorf("send changes: %w", err))
			return
		}
		cursor = protocol.Seq{Version: changes[len(changes)-1].DBVersion}

		s.stateMu.Lock()
		s.cursor = cursor
		s.stateMu.Unlock()
	}
}

func (s *OutboundStream) fail(ctx context.Context, target protocol.SiteID, err error) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Error("outbound stream stopped",
		zap.String("target", target.String()),
		zap.Error(err))
	s.stateMu.Lock()
	s.err = err
	s.stateMu.Unlock()
	if s.onFailure != nil {
		s.onFailure(err)
	}
}
