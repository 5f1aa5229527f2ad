package backend

import (
	"context"
	"sync"
)

// MockAdapter is a scriptable in-process backend used by bridge tests and
// the loopback configuration. Audio and truncation calls are recorded;
// events are injected by the test.
type MockAdapter struct {
	mu        sync.Mutex
	opened    bool
	closed    bool
	params    SessionParams
	sent      [][]byte
	truncates []int

	events    chan Event
	closeOnce sync.Once

	// OpenErr, when set, makes Open fail.
	OpenErr error
}

// NewMockAdapter creates a mock with a buffered event channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		events: make(chan Event, 64),
	}
}

func (m *MockAdapter) Open(ctx context.Context, params SessionParams) error {
	if m.OpenErr != nil {
		return m.OpenErr
	}
	m.mu.Lock()
	m.opened = true
	m.params = params
	m.mu.Unlock()
	return nil
}

func (m *MockAdapter) SendAudio(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	m.mu.Lock()
	m.sent = append(m.sent, buf)
	m.mu.Unlock()
	return nil
}

func (m *MockAdapter) Truncate(elapsedMs int) error {
	m.mu.Lock()
	m.truncates = append(m.truncates, elapsedMs)
	m.mu.Unlock()
	return nil
}

func (m *MockAdapter) Events() <-chan Event {
	return m.events
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.events) })
	return nil
}

// Emit injects an event as if the upstream had produced it.
func (m *MockAdapter) Emit(event Event) {
	m.events <- event
}

// EndSession closes the event channel like an orderly upstream shutdown.
func (m *MockAdapter) EndSession() {
	m.closeOnce.Do(func() { close(m.events) })
}

func (m *MockAdapter) Opened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *MockAdapter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockAdapter) Params() SessionParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

func (m *MockAdapter) SentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockAdapter) Truncates() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.truncates))
	copy(out, m.truncates)
	return out
}
