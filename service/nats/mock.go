package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	events       []*FlowEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{events: make([]*FlowEvent, 0)}
}

// PublishFlowEvent records a copy of the event and returns any configured error.
func (m *MockPublisher) PublishFlowEvent(ctx context.Context, event *FlowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns all published events.
func (m *MockPublisher) Events() []*FlowEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*FlowEvent, len(m.events))
	copy(events, m.events)
	return events
}

// EventsOfKind returns published events of one kind, in publish order.
func (m *MockPublisher) EventsOfKind(kind string) []*FlowEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*FlowEvent
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
