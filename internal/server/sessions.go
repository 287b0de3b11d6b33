package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bichsonnhat/cr-sqlite/internal/database"
	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/bichsonnhat/cr-sqlite/internal/replication"
	"go.uber.org/zap"
)

const sessionQueueSize = 64

var (
	errSessionExists   = errors.New("session already open")
	errSessionNotFound = errors.New("session not found")
)

// Session binds one streaming peer connection to a server-side SyncedDB.
type Session struct {
	ID        string
	DBID      protocol.SiteID
	Peer      protocol.SiteID
	transport *sessionTransport
	synced    *replication.SyncedDB
}

// Frames yields encoded messages destined for the peer.
func (s *Session) Frames() <-chan []byte {
	return s.transport.outgoing
}

// Done is closed once the session is closed or can no longer stream to the
// peer.
func (s *Session) Done() <-chan struct{} {
	return s.synced.Done()
}

// Err reports why the session stopped streaming, if it failed.
func (s *Session) Err() error {
	return s.synced.Err()
}

// Deliver queues one upstream message for the session's handler.
func (s *Session) Deliver(ctx context.Context, msg protocol.Message) error {
	return s.transport.deliver(ctx, msg)
}

// Start announces the server replica to the peer.
func (s *Session) Start(ctx context.Context) error {
	return s.synced.Start(ctx)
}

// SessionHub tracks open sessions by id.
type SessionHub struct {
	registry  *database.Registry
	batchSize int
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionHub constructs a SessionHub backed by registry.
func NewSessionHub(registry *database.Registry, batchSize int, logger *zap.Logger) *SessionHub {
	if logger == nil {
		logger = noOpLogger
	}
	return &SessionHub{
		registry:  registry,
		batchSize: batchSize,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Open creates a session for peer against dbid.
func (h *SessionHub) Open(ctx context.Context, dbid protocol.SiteID, sessionID string, peer protocol.SiteID) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", errSessionExists, sessionID)
	}

	store, err := h.registry.Open(ctx, dbid)
	if err != nil {
		return nil, err
	}
	logger := h.logger.With(zap.String("session", sessionID), zap.String("peer", peer.String()))
	transport := newSessionTransport(logger)
	synced, err := replication.NewSyncedDB(replication.Config{
		DB:        store,
		Transport: transport,
		Logger:    logger,
		BatchSize: h.batchSize,
	})
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	session := &Session{ID: sessionID, DBID: dbid, Peer: peer, transport: transport, synced: synced}
	h.sessions[sessionID] = session
	logger.Info("session opened", zap.String("dbid", dbid.String()))
	return session, nil
}

// Lookup returns an open session.
func (h *SessionHub) Lookup(sessionID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	session, ok := h.sessions[sessionID]
	return session, ok
}

// Close stops and forgets a session. Unknown ids are ignored.
func (h *SessionHub) Close(sessionID string) {
	h.mu.Lock()
	session, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	session.synced.Stop()
	h.logger.Info("session closed", zap.String("session", sessionID))
}

// Release stops session. The id is forgotten only while it still maps to
// this session.
func (h *SessionHub) Release(session *Session) {
	h.mu.Lock()
	current, ok := h.sessions[session.ID]
	if ok && current == session {
		delete(h.sessions, session.ID)
	}
	h.mu.Unlock()
	session.synced.Stop()
	if ok && current == session {
		h.logger.Info("session closed", zap.String("session", session.ID))
	}
}

// CloseAll stops every open session.
func (h *SessionHub) CloseAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Close(id)
	}
}

// sessionTransport is the server half of a streaming session: outgoing
// messages are queued as encoded frames, upstream messages are dispatched
// from one goroutine in arrival order.
type sessionTransport struct {
	logger   *zap.Logger
	outgoing chan []byte
	inbox    chan protocol.Message

	mu      sync.Mutex
	handler replication.Handler
	done    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSessionTransport(logger *zap.Logger) *sessionTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionTransport{
		logger:   logger,
		outgoing: make(chan []byte, sessionQueueSize),
		inbox:    make(chan protocol.Message, sessionQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *sessionTransport) Send(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if t.ctx.Err() != nil {
		return replication.ErrTransportClosed
	}
	select {
	case t.outgoing <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return replication.ErrTransportClosed
	}
}

func (t *sessionTransport) Register(handler replication.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return replication.ErrTransportClosed
	}
	if t.handler != nil {
		return replication.ErrHandlerRegistered
	}
	t.handler = handler
	t.done = make(chan struct{})
	go t.dispatch(handler, t.done)
	return nil
}

func (t *sessionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		done := t.done
		t.mu.Unlock()
		if done != nil {
			<-done
		}
	})
	return nil
}

func (t *sessionTransport) deliver(ctx context.Context, msg protocol.Message) error {
	if t.ctx.Err() != nil {
		return replication.ErrTransportClosed
	}
	select {
	case t.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return replication.ErrTransportClosed
	}
}

func (t *sessionTransport) dispatch(handler replication.Handler, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.inbox:
			if err := replication.Dispatch(t.ctx, handler, msg); err != nil && t.ctx.Err() == nil {
				t.logger.Warn("session handler failed", zap.Stringer("tag", msg.Tag()), zap.Error(err))
			}
		}
	}
}
