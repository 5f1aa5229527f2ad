package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/backend"
	"voicebridge-server/pkg/media"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/twilio"
)

// State is the session lifecycle position.
type State int32

const (
	// StateConnecting covers socket accept until the stream start event has
	// been processed and the backend session is open.
	StateConnecting State = iota
	StateActive
	StateStopping
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transcript is one finalized line of conversation.
type Transcript struct {
	CallSid   string    `json:"call_sid"`
	StreamSid string    `json:"stream_sid"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioTap receives a copy of inbound caller audio, e.g. for a parallel
// transcription stream.
type AudioTap interface {
	Write(frame []byte) error
	Close() error
}

// Config assembles the collaborators for one call session.
type Config struct {
	Backend        string
	Adapter        backend.Adapter
	Bed            *media.Bed
	BedAttenuation float64
	Encoding       string

	// Params seeds the backend session; stream identifiers and caller
	// details are filled in from the start event.
	Params backend.SessionParams

	OnTranscript func(Transcript)

	// TapFactory, when set, opens an audio tap for each call once its SID
	// is known.
	TapFactory func(callSid string) (AudioTap, error)
}

// Session bridges one telephony media stream to one backend session. The
// transport reader feeds HandleMessage; the session runs the mixer and the
// backend event consumer itself.
type Session struct {
	id        string
	logger    *logrus.Entry
	transport Transport
	adapter   backend.Adapter
	cfg       Config

	queue *PlayoutQueue
	marks *MarkTracker
	mixer *Mixer

	mu              sync.Mutex
	state           State
	streamSid       string
	callSid         string
	latestMediaMs   int64
	responseStartMs int64
	failed          bool
	tap             AudioTap

	baseLogger  *logrus.Logger
	startedAt   time.Time
	cancelMixer context.CancelFunc
	teardown    sync.Once
	done        chan struct{}
}

// NewSession creates a session in the connecting state.
func NewSession(logger *logrus.Logger, transport Transport, cfg Config) *Session {
	if cfg.Encoding == "" {
		cfg.Encoding = media.EncodingULaw
	}
	id := uuid.New().String()
	return &Session{
		id:              id,
		logger:          logger.WithFields(logrus.Fields{"component": "session", "session_id": id}),
		baseLogger:      logger,
		transport:       transport,
		adapter:         cfg.Adapter,
		cfg:             cfg,
		queue:           NewPlayoutQueue(cfg.Encoding),
		marks:           NewMarkTracker(),
		state:           StateConnecting,
		responseStartMs: -1,
		startedAt:       time.Now(),
		done:            make(chan struct{}),
	}
}

// ID returns the unique identifier assigned at creation.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failed reports whether the session ended through the failure path.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HandleMessage processes one raw message from the telephony socket.
// Unknown or malformed messages are logged and ignored.
func (s *Session) HandleMessage(raw []byte) error {
	event, err := twilio.ParseEvent(raw)
	if err != nil {
		s.logger.WithError(err).Debug("Ignoring unparseable stream message")
		return nil
	}

	switch event.Kind {
	case twilio.EventConnected:
		s.logger.Info("Stream socket connected")
	case twilio.EventStart:
		return s.onStart(event)
	case twilio.EventMedia:
		s.onMedia(event.Media)
	case twilio.EventMark:
		s.onMark(event.Mark.Name)
	case twilio.EventDTMF:
		s.logger.Debug("DTMF received")
	case twilio.EventStop:
		s.logger.Info("Stream stop received")
		s.Stop()
	}
	return nil
}

// onStart opens the backend session and starts the pacing goroutines.
func (s *Session) onStart(event *twilio.StreamEvent) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		s.logger.WithField("state", state.String()).Warn("Ignoring duplicate start event")
		return nil
	}
	s.streamSid = event.StreamSid
	s.callSid = event.Start.CallSid
	s.mu.Unlock()

	s.logger = s.logger.WithFields(logrus.Fields{
		"call_sid":   event.Start.CallSid,
		"stream_sid": event.StreamSid,
	})

	params := s.cfg.Params
	params.CallSid = event.Start.CallSid
	params.StreamSid = event.StreamSid
	if name := event.Start.CustomParameters["name"]; name != "" {
		params.CallerName = name
	}
	if language := event.Start.CustomParameters["language"]; language != "" {
		params.Language = language
	}
	if params.InputEncoding == "" {
		params.InputEncoding = s.cfg.Encoding
	}
	if params.OutputEncoding == "" {
		params.OutputEncoding = s.cfg.Encoding
	}

	connectDone := metrics.ObserveBackendConnect(s.cfg.Backend)
	err := s.adapter.Open(context.Background(), params)
	connectDone()
	if err != nil {
		s.logger.WithError(err).Error("Backend session failed to open")
		s.fail("backend_connect")
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Stop raced the backend open
		s.mu.Unlock()
		return nil
	}
	s.state = StateActive
	s.mu.Unlock()

	metrics.RecordSessionStart(s.cfg.Backend)

	if s.cfg.TapFactory != nil {
		tap, tapErr := s.cfg.TapFactory(event.Start.CallSid)
		if tapErr != nil {
			s.logger.WithError(tapErr).Warn("Audio tap unavailable for this call")
		} else {
			s.mu.Lock()
			s.tap = tap
			s.mu.Unlock()
		}
	}

	mixerCtx, cancel := context.WithCancel(context.Background())
	s.cancelMixer = cancel
	s.mixer = NewMixer(s.baseLogger, s.transport, s.queue, s.marks, s.cfg.Bed,
		s.cfg.BedAttenuation, s.cfg.Encoding, event.StreamSid, event.Start.CallSid)
	go s.mixer.Run(mixerCtx)
	go s.consumeBackend()

	s.logger.WithField("backend", s.cfg.Backend).Info("Session active")
	return nil
}

// onMedia records playback timing and forwards caller audio upstream.
func (s *Session) onMedia(payload *twilio.MediaPayload) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.latestMediaMs = payload.TimestampMs()
	callSid := s.callSid
	tap := s.tap
	s.mu.Unlock()

	audio, err := payload.AudioBytes()
	if err != nil {
		s.logger.WithError(err).Warn("Inbound media payload is not valid base64")
		metrics.RecordFrameDropped(callSid, "bad_payload")
		return
	}
	metrics.RecordFrameReceived(callSid)

	if err := s.adapter.SendAudio(audio); err != nil {
		s.logger.WithError(err).Warn("Failed to forward caller audio")
	}
	metrics.RecordBackendAudio(s.cfg.Backend, "up", len(audio))

	if tap != nil {
		if err := tap.Write(audio); err != nil {
			s.logger.WithError(err).Debug("Audio tap write failed")
		}
	}
}

// consumeBackend drains the adapter's event channel until it closes.
func (s *Session) consumeBackend() {
	for event := range s.adapter.Events() {
		switch event.Kind {
		case backend.EventAudioChunk:
			s.onAgentAudio(event.Audio)
		case backend.EventSpeechStarted:
			s.bargeIn()
		case backend.EventTranscriptFinal:
			s.onTranscript(event.Role, event.Text)
		case backend.EventSessionEnded:
			s.logger.Info("Backend session ended")
			s.Stop()
			return
		case backend.EventSessionError:
			s.logger.WithError(event.Err).Error("Backend session failed")
			metrics.RecordBackendError(s.cfg.Backend, "session_error")
			s.fail("backend_error")
			return
		}
	}
	s.Stop()
}

// onAgentAudio queues agent speech and pins the utterance start timestamp.
func (s *Session) onAgentAudio(audio []byte) {
	s.queue.Push(audio)
	metrics.RecordBackendAudio(s.cfg.Backend, "down", len(audio))

	s.mu.Lock()
	if s.responseStartMs < 0 {
		s.responseStartMs = s.latestMediaMs
	}
	s.mu.Unlock()
}

// onMark acknowledges a playback marker. Once the last mark drains and no
// frames remain queued the utterance has fully played out, so its timing
// bookkeeping is reset; the next speech-started is then a normal turn, not a
// barge-in.
func (s *Session) onMark(name string) {
	s.marks.Ack(name)
	if s.marks.Outstanding() == 0 && s.queue.Len() == 0 {
		s.mu.Lock()
		s.responseStartMs = -1
		s.mu.Unlock()
	}
}

func (s *Session) onTranscript(role, text string) {
	s.mu.Lock()
	callSid, streamSid := s.callSid, s.streamSid
	s.mu.Unlock()

	metrics.RecordTranscriptPublished(role)
	if s.cfg.OnTranscript != nil {
		s.cfg.OnTranscript(Transcript{
			CallSid:   callSid,
			StreamSid: streamSid,
			Role:      role,
			Text:      text,
			Timestamp: time.Now().UTC(),
		})
	}
}

// bargeIn handles the caller interrupting agent playback: the backend is
// truncated to what the caller actually heard, queued audio is flushed,
// and the telephony side is told to drop its own buffer.
func (s *Session) bargeIn() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	// Speech while nothing is playing is an ordinary turn, not a barge-in
	playing := s.marks.Outstanding() > 0 || s.queue.Len() > 0
	if !playing {
		s.mu.Unlock()
		return
	}
	responseStart := s.responseStartMs
	var elapsed int64
	if responseStart >= 0 {
		elapsed = s.latestMediaMs - responseStart
		if elapsed < 0 {
			elapsed = 0
		}
	}
	s.responseStartMs = -1
	streamSid := s.streamSid
	s.mu.Unlock()

	// No recorded utterance start means there is nothing upstream to cut,
	// but stale local audio still gets flushed.
	if responseStart >= 0 {
		if err := s.adapter.Truncate(int(elapsed)); err != nil {
			s.logger.WithError(err).Warn("Backend truncation failed")
		}
	}

	dropped := s.queue.Clear()
	if err := s.transport.WriteClear(streamSid); err != nil {
		s.logger.WithError(err).Warn("Failed to send clear message")
	}
	s.marks.Reset()

	metrics.RecordBargeIn(s.cfg.Backend, int(elapsed))
	s.logger.WithFields(logrus.Fields{
		"elapsed_ms":     elapsed,
		"frames_dropped": dropped,
	}).Info("Barge-in handled")
}

// Stop ends the session. A stop before the backend opened goes straight to
// closed; an active session passes through stopping.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		s.state = StateClosed
	case StateActive:
		s.state = StateStopping
	default:
		s.mu.Unlock()
		return
	}
	wasActive := s.state == StateStopping
	s.mu.Unlock()

	s.shutdown()

	s.mu.Lock()
	if s.state == StateStopping {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if wasActive {
		metrics.RecordSessionEnd(s.cfg.Backend, time.Since(s.startedAt))
	}
	s.logger.WithField("state", s.State().String()).Info("Session closed")
}

// fail marks the session failed and tears it down. After best-effort
// teardown the session rests in closed like every other terminal path.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	s.state = StateFailed
	s.failed = true
	s.mu.Unlock()

	metrics.RecordSessionFailure(s.cfg.Backend, reason)
	if wasActive {
		metrics.RecordSessionEnd(s.cfg.Backend, time.Since(s.startedAt))
	}
	s.shutdown()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// shutdown releases collaborators exactly once.
func (s *Session) shutdown() {
	s.teardown.Do(func() {
		if s.cancelMixer != nil {
			s.cancelMixer()
		}
		if err := s.adapter.Close(); err != nil {
			s.logger.WithError(err).Debug("Backend close failed")
		}
		s.mu.Lock()
		tap := s.tap
		s.mu.Unlock()
		if tap != nil {
			if err := tap.Close(); err != nil {
				s.logger.WithError(err).Debug("Audio tap close failed")
			}
		}
		if err := s.transport.Close(); err != nil {
			s.logger.WithError(err).Debug("Transport close failed")
		}
		close(s.done)
	})
}
