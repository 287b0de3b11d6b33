package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
)

var (
	errMissingDB        = errors.New("replication: database is required")
	errMissingTransport = errors.New("replication: transport is required")
)

// Config wires a SyncedDB.
type Config struct {
	DB        DB
	Transport Transport
	Logger    *zap.Logger
	// BatchSize bounds outbound chunks; zero selects DefaultBatchSize.
	BatchSize int
}

// SyncedDB couples a database with one transport session: it announces the
// local state, applies inbound batches and serves outbound streams.
type SyncedDB struct {
	db        DB
	transport Transport
	logger    *zap.Logger
	inbound   *InboundStream
	outbound  *OutboundStream

	stopOnce sync.Once
	closeErr error

	done     chan struct{}
	doneOnce sync.Once
	failMu   sync.Mutex
	failErr  error
}

// NewSyncedDB builds the streams and registers the SyncedDB as the
// transport's handler.
func NewSyncedDB(cfg Config) (*SyncedDB, error) {
	if cfg.DB == nil {
		return nil, errMissingDB
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("site_id", cfg.DB.SiteID().String()))

	synced := &SyncedDB{
		db:        cfg.DB,
		transport: cfg.Transport,
		logger:    logger,
		inbound:   NewInboundStream(cfg.DB, cfg.Transport, logger.Named("inbound")),
		outbound:  NewOutboundStream(cfg.DB, cfg.Transport, cfg.BatchSize, logger.Named("outbound")),
		done:      make(chan struct{}),
	}
	synced.outbound.onFailure = synced.fail
	if err := cfg.Transport.Register(synced); err != nil {
		return nil, fmt.Errorf("register handler: %w", err)
	}
	return synced, nil
}

// Start seeds the inbound watermarks and announces presence to the peer.
func (s *SyncedDB) Start(ctx context.Context) error {
	lastSeens, err := s.db.GetLastSeens(ctx)
	if err != nil {
		return fmt.Errorf("read last seens: %w", err)
	}
	schemaName, schemaVersion, err := s.db.GetSchemaNameAndVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	s.inbound.Prepare(lastSeens)

	announce := protocol.AnnouncePresence{
		Sender:        s.db.SiteID(),
		LastSeens:     lastSeens,
		SchemaName:    schemaName,
		SchemaVersion: schemaVersion,
	}
	if err := s.transport.Send(ctx, announce); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	s.logger.Info("announced presence",
		zap.Int("last_seens", len(lastSeens)),
		zap.String("schema_name", schemaName),
		zap.Int64("schema_version", schemaVersion))
	return nil
}

// Stop halts the outbound stream and closes the transport. Repeated calls are
// no-ops; it always reports true.
func (s *SyncedDB) Stop() bool {
	s.stopOnce.Do(func() {
		s.outbound.Stop()
		s.closeErr = s.transport.Close()
		if s.closeErr != nil {
			s.logger.Warn("closing transport failed", zap.Error(s.closeErr))
		}
		s.logger.Info("synced db stopped")
		s.markDone()
	})
	return true
}

// Done is closed once the SyncedDB is stopped or its outbound stream fails.
// After a failure the caller is expected to call Stop and read Err.
func (s *SyncedDB) Done() <-chan struct{} {
	return s.done
}

// Err reports the failure that ended the outbound stream, if any. The first
// failure sticks even when the peer later restarts the stream.
func (s *SyncedDB) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	return s.outbound.Err()
}

func (s *SyncedDB) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
	s.markDone()
}

func (s *SyncedDB) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// LastSeen returns the inbound watermark recorded for a peer.
func (s *SyncedDB) LastSeen(site protocol.SiteID) protocol.Seq {
	return s.inbound.LastSeen(site)
}

// OutboundCursor returns the position of the outbound stream.
func (s *SyncedDB) OutboundCursor() protocol.Seq {
	return s.outbound.Cursor()
}

func (s *SyncedDB) OnChangesReceived(ctx context.Context, msg protocol.Changes) error {
	return s.inbound.ReceiveChanges(ctx, msg)
}

func (s *SyncedDB) OnStartStreaming(ctx context.Context, msg protocol.EstablishStream) error {
	return s.outbound.StartStreaming(ctx, msg)
}

func (s *SyncedDB) OnResetStream(ctx context.Context, msg protocol.RejectChanges) error {
	return s.outbound.ResetStream(ctx, msg)
}

// OnAnnouncePresence asks the announcing peer to stream from the watermark
// held for it, or reports a schema mismatch.
func (s *SyncedDB) OnAnnouncePresence(ctx context.Context, msg protocol.AnnouncePresence) error {
	schemaName, schemaVersion, err := s.db.GetSchemaNameAndVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	lastSeen := s.inbound.LastSeen(msg.Sender)

	if msg.SchemaName != schemaName || msg.SchemaVersion != schemaVersion {
		s.logger.Warn("peer schema mismatch",
			zap.String("peer", msg.Sender.String()),
			zap.String("peer_schema_name", msg.SchemaName),
			zap.Int64("peer_schema_version", msg.SchemaVersion),
			zap.String("schema_name", schemaName),
			zap.Int64("schema_version", schemaVersion))
		response := protocol.ApplyChangesResponse{SeqEnd: lastSeen, Status: protocol.ApplyStatusSchemaMismatch}
		if err := s.transport.Send(ctx, response); err != nil {
			return fmt.Errorf("send schema mismatch: %w", err)
		}
		return nil
	}

	request := protocol.EstablishStream{
		ToDBID:        msg.Sender,
		FromDBID:      s.db.SiteID(),
		SeqStart:      lastSeen,
		SchemaVersion: schemaVersion,
	}
	if err := s.transport.Send(ctx, request); err != nil {
		return fmt.Errorf("establish stream: %w", err)
	}
	s.logger.Debug("requested stream",
		zap.String("peer", msg.Sender.String()),
		zap.Stringer("since", lastSeen))
	return nil
}

// OnApplyChangesResponse stops pushing once the peer reports a schema mismatch.
func (s *SyncedDB) OnApplyChangesResponse(_ context.Context, msg protocol.ApplyChangesResponse) error {
	if msg.Status != protocol.ApplyStatusSchemaMismatch {
		s.logger.Debug("apply response", zap.String("status", string(msg.Status)), zap.Stringer("seq_end", msg.SeqEnd))
		return nil
	}
	s.logger.Warn("peer refused schema, halting outbound stream", zap.Stringer("seq_end", msg.SeqEnd))
	s.outbound.Stop()
	return nil
}
