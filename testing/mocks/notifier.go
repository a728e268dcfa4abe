package mocks

import (
	"context"
	"sync"

	"github.com/deploybot/deploybot/deployment"
)

// RecordingNotifier keeps every event it receives
type RecordingNotifier struct {
	mu     sync.Mutex
	events []deployment.Event
}

func (n *RecordingNotifier) Notify(ctx context.Context, event deployment.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Kinds returns the kinds of all received events in order
func (n *RecordingNotifier) Kinds() []deployment.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]deployment.EventKind, len(n.events))
	for i, e := range n.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Events returns a copy of all received events
func (n *RecordingNotifier) Events() []deployment.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]deployment.Event(nil), n.events...)
}
