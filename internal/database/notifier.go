package database

import (
	"context"
	"sync"
)

// Notifier fans commit signals out to subscribers. Signals coalesce: a
// subscriber that has not drained its channel sees one pending signal no
// matter how many commits happened.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[int64]*notifierSubscriber
	nextID      int64
	closed      bool
}

type notifierSubscriber struct {
	id     int64
	stream chan struct{}
}

// NewNotifier constructs an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subscribers: make(map[int64]*notifierSubscriber)}
}

// Subscribe registers a subscriber until ctx ends or the returned cleanup runs.
// The channel is closed on cleanup.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	subscriber := &notifierSubscriber{stream: make(chan struct{}, 1)}
	if !n.registerSubscriber(subscriber) {
		close(subscriber.stream)
		return subscriber.stream, func() {}
	}

	var once sync.Once
	released := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(released)
			n.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-released:
		}
	}()
	return subscriber.stream, cleanup
}

// Publish signals every subscriber without blocking.
func (n *Notifier) Publish() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, subscriber := range n.subscribers {
		select {
		case subscriber.stream <- struct{}{}:
		default:
		}
	}
}

// Close closes every subscriber channel and refuses new subscriptions.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, subscriber := range n.subscribers {
		close(subscriber.stream)
		delete(n.subscribers, id)
	}
}

func (n *Notifier) registerSubscriber(subscriber *notifierSubscriber) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.nextID++
	subscriber.id = n.nextID
	n.subscribers[subscriber.id] = subscriber
	return true
}

func (n *Notifier) unregisterSubscriber(subscriberID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subscriber, ok := n.subscribers[subscriberID]
	if !ok {
		return
	}
	delete(n.subscribers, subscriberID)
	close(subscriber.stream)
}
