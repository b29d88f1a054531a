package bus

import (
	"context"
	"sync"

	"github.com/meshwire/messaging"
)

// Memory is an in-process Producer for tests and single-node setups.
// Published envelopes are recorded in order and can be inspected, and
// an optional failure hook simulates broker outages.
type Memory struct {
	mu        sync.Mutex
	published []*messaging.Envelope
	closed    bool
	failWith  error
}

// NewMemory creates an in-memory producer.
func NewMemory() *Memory { return &Memory{} }

// FailWith makes subsequent Publish calls return err. Pass nil to
// restore normal operation.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Publish records the envelope.
func (m *Memory) Publish(ctx context.Context, env *messaging.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBusClosed
	}
	if m.failWith != nil {
		return m.failWith
	}
	m.published = append(m.published, env)
	return nil
}

// Published returns a copy of everything published so far.
func (m *Memory) Published() []*messaging.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*messaging.Envelope, len(m.published))
	copy(out, m.published)
	return out
}

// Close marks the producer closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Producer = (*Memory)(nil)
