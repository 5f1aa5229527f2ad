package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventKind identifies a message from the voice-AI backend.
type EventKind string

const (
	// EventAudioChunk carries synthesized agent speech in the telephony
	// encoding declared at open time.
	EventAudioChunk EventKind = "audio_chunk"

	// EventSpeechStarted signals that the caller began speaking while agent
	// audio may still be playing. Triggers the barge-in protocol.
	EventSpeechStarted EventKind = "speech_started"

	// EventTranscriptFinal carries a finalized transcript line.
	EventTranscriptFinal EventKind = "transcript_final"

	// EventSessionEnded signals an orderly upstream close.
	EventSessionEnded EventKind = "session_ended"

	// EventSessionError signals an unrecoverable upstream failure.
	EventSessionError EventKind = "session_error"
)

// Event is one typed message posted onto the adapter's event channel. The
// bridge's consumer goroutine switches on Kind; only the matching fields are
// set.
type Event struct {
	Kind  EventKind
	Audio []byte
	Role  string
	Text  string
	Err   error
}

// TurnDetection tunes the backend's voice-activity turn taking.
type TurnDetection struct {
	Type              string
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// SessionParams configures one backend session.
type SessionParams struct {
	CallSid   string
	StreamSid string

	AgentID      string
	Voice        string
	Instructions string
	Language     string

	// FirstMessage may contain a {name} placeholder filled from the caller
	// display name supplied in the stream's custom parameters.
	FirstMessage string
	CallerName   string

	InputEncoding  string
	OutputEncoding string

	TurnDetection TurnDetection
}

// Greeting renders the first utterance with the caller name substituted.
func (p SessionParams) Greeting() string {
	if p.FirstMessage == "" {
		return ""
	}
	name := p.CallerName
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(p.FirstMessage, "{name}", name)
}

// Adapter abstracts a voice-AI backend behind one capability surface. The
// bridge session never depends on backend specifics.
type Adapter interface {
	// Open establishes the upstream session. Connect attempts are
	// time-bounded; failure is reported as a backend-connect error.
	Open(ctx context.Context, params SessionParams) error

	// SendAudio forwards one decoded inbound frame. It must not stall the
	// caller's decode path.
	SendAudio(frame []byte) error

	// Truncate cuts the in-progress agent utterance at the elapsed playback
	// offset so upstream state reflects only what the caller heard.
	Truncate(elapsedMs int) error

	// Events returns the session's event channel. It is closed when the
	// upstream session ends.
	Events() <-chan Event

	// Close ends the upstream session. Idempotent, safe after a partial Open.
	Close() error
}

// Factory builds a fresh adapter for one call session.
type Factory func() Adapter

// Registry maps configured backend names to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under a backend name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = factory
}

// Create builds an adapter for the named backend.
func (r *Registry) Create(name string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
	return factory(), nil
}

// Names lists the registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
