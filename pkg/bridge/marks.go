package bridge

import (
	"fmt"
	"sync"
)

// MarkTracker follows which playback marks the telephony side has not yet
// echoed back. An outstanding mark means agent audio is still playing on
// the caller's phone, which is what makes an interruption a barge-in.
type MarkTracker struct {
	mu          sync.Mutex
	seq         int
	outstanding map[string]struct{}
}

// NewMarkTracker creates an empty tracker.
func NewMarkTracker() *MarkTracker {
	return &MarkTracker{outstanding: make(map[string]struct{})}
}

// Next issues a new mark name and records it as outstanding.
func (t *MarkTracker) Next() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	name := fmt.Sprintf("agent-%d", t.seq)
	t.outstanding[name] = struct{}{}
	return name
}

// Ack clears a mark echoed back by the telephony side.
func (t *MarkTracker) Ack(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.outstanding, name)
}

// Reset forgets all outstanding marks. Called after a clear, since the
// telephony side will never echo marks for flushed audio.
func (t *MarkTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding = make(map[string]struct{})
}

// Outstanding returns the number of marks not yet echoed.
func (t *MarkTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}
