package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryRelay is an in-process relay used by tests and single-process
// deployments. Emit dispatches synchronously to every subscriber.
type MemoryRelay struct {
	mu     sync.RWMutex
	subs   []func(Envelope)
	closed bool
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{}
}

func (m *MemoryRelay) Emit(ctx context.Context, room, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal relay payload: %w", err)
	}

	env := Envelope{Room: room, Event: event, Payload: body}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("relay closed")
	}
	subs := make([]func(Envelope), len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(env)
	}
	return nil
}

func (m *MemoryRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("relay closed")
	}
	m.subs = append(m.subs, fn)
	return nil
}

func (m *MemoryRelay) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = nil
	return nil
}
