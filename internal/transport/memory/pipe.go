// Package memory connects two replicas inside one process. Every message is
// encoded and decoded on the way so the pipe exercises the wire format.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/bichsonnhat/cr-sqlite/internal/replication"
	"go.uber.org/zap"
)

const inboxSize = 64

// Endpoint is one side of a pipe.
type Endpoint struct {
	name   string
	logger *zap.Logger
	peer   *Endpoint
	inbox  chan []byte

	mu      sync.Mutex
	handler replication.Handler
	done    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPipe returns two connected endpoints.
func NewPipe(logger *zap.Logger) (*Endpoint, *Endpoint) {
	if logger == nil {
		logger = zap.NewNop()
	}
	left := newEndpoint("left", logger)
	right := newEndpoint("right", logger)
	left.peer = right
	right.peer = left
	return left, right
}

func newEndpoint(name string, logger *zap.Logger) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		name:   name,
		logger: logger.With(zap.String("endpoint", name)),
		inbox:  make(chan []byte, inboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send encodes msg and queues it for the peer.
func (e *Endpoint) Send(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-e.ctx.Done():
		return replication.ErrTransportClosed
	case <-e.peer.ctx.Done():
		return fmt.Errorf("%w: peer closed", replication.ErrTransportClosed)
	default:
	}
	select {
	case e.peer.inbox <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return replication.ErrTransportClosed
	case <-e.peer.ctx.Done():
		return fmt.Errorf("%w: peer closed", replication.ErrTransportClosed)
	}
}

// Register installs the handler and starts delivering queued messages to it.
func (e *Endpoint) Register(handler replication.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return replication.ErrTransportClosed
	}
	if e.handler != nil {
		return replication.ErrHandlerRegistered
	}
	e.handler = handler
	e.done = make(chan struct{})
	go e.deliver(handler, e.done)
	return nil
}

// Close stops delivery and waits for an in-flight handler call to return.
// It must not be called from inside a handler.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.mu.Lock()
		done := e.done
		e.mu.Unlock()
		if done != nil {
			<-done
		}
	})
	return nil
}

func (e *Endpoint) deliver(handler replication.Handler, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case payload := <-e.inbox:
			msg, err := protocol.Decode(payload)
			if err != nil {
				e.logger.Error("dropping undecodable message", zap.Error(err))
				continue
			}
			if err := replication.Dispatch(e.ctx, handler, msg); err != nil && e.ctx.Err() == nil {
				e.logger.Warn("handler failed", zap.Stringer("tag", msg.Tag()), zap.Error(err))
			}
		}
	}
}
