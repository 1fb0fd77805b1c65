package messaging

import (
	"sync"

	"github.com/careconnect/portal/internal/platform/realtime"
)

// SubscriptionManager owns the live push-feed handles. It guarantees at most
// one live handle per topic: subscribing on every screen mount without
// checking for an existing handle used to produce duplicate reconciliation
// triggers.
type SubscriptionManager struct {
	mu      sync.Mutex
	feed    realtime.Feed
	handles map[string]realtime.Handle
}

// NewSubscriptionManager creates a manager over the given feed.
func NewSubscriptionManager(feed realtime.Feed) *SubscriptionManager {
	return &SubscriptionManager{
		feed:    feed,
		handles: make(map[string]realtime.Handle),
	}
}

// Subscribe registers fn for the topic. Idempotent: if a handle for the
// topic already exists the call is a no-op and the existing handler keeps
// running.
func (sm *SubscriptionManager) Subscribe(topic string, fn func(realtime.Event)) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.handles[topic]; ok {
		return nil
	}
	h, err := sm.feed.Subscribe(topic, fn)
	if err != nil {
		return err
	}
	sm.handles[topic] = h
	return nil
}

// Unsubscribe cancels and removes the topic's handle if present.
func (sm *SubscriptionManager) Unsubscribe(topic string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if h, ok := sm.handles[topic]; ok {
		h.Cancel()
		delete(sm.handles, topic)
	}
}

// Active reports whether a live handle exists for the topic.
func (sm *SubscriptionManager) Active(topic string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.handles[topic]
	return ok
}

// ActiveCount returns the number of live handles.
func (sm *SubscriptionManager) ActiveCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.handles)
}

// Close cancels every live handle.
func (sm *SubscriptionManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for topic, h := range sm.handles {
		h.Cancel()
		delete(sm.handles, topic)
	}
}
