package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/errors"
)

// ElevenLabsConfig holds configuration for the conversational-agent backend.
type ElevenLabsConfig struct {
	APIKey         string
	AgentID        string
	BaseURL        string
	ConnectTimeout time.Duration
	AudioQueueSize int
}

// ElevenLabsAdapter bridges a call to an ElevenLabs conversational agent.
// The agent platform owns recognition, dialogue, and synthesis; this side
// only shuttles µ-law audio and relays interruption signals.
type ElevenLabsAdapter struct {
	logger *logrus.Entry
	config ElevenLabsConfig
	http   *http.Client

	conn      *websocket.Conn
	writeMu   sync.Mutex
	events    chan Event
	audioChan chan []byte
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewElevenLabsAdapter creates an unopened conversational-agent adapter.
func NewElevenLabsAdapter(logger *logrus.Logger, cfg ElevenLabsConfig) *ElevenLabsAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = 128
	}

	return &ElevenLabsAdapter{
		logger:    logger.WithField("backend", "elevenlabs"),
		config:    cfg,
		http:      &http.Client{Timeout: cfg.ConnectTimeout},
		events:    make(chan Event, 64),
		audioChan: make(chan []byte, cfg.AudioQueueSize),
	}
}

type convaiInitiation struct {
	Type           string                 `json:"type"`
	ConfigOverride *convaiConfigOverride  `json:"conversation_config_override,omitempty"`
	DynamicVars    map[string]interface{} `json:"dynamic_variables,omitempty"`
}

type convaiConfigOverride struct {
	Agent *convaiAgentOverride `json:"agent,omitempty"`
	TTS   *convaiTTSOverride   `json:"tts,omitempty"`
}

type convaiAgentOverride struct {
	FirstMessage string        `json:"first_message,omitempty"`
	Language     string        `json:"language,omitempty"`
	Prompt       *convaiPrompt `json:"prompt,omitempty"`
}

type convaiPrompt struct {
	Prompt string `json:"prompt"`
}

type convaiTTSOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}

type convaiServerEvent struct {
	Type       string `json:"type"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event"`
	PingEvent *struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event"`
	UserTranscriptEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcript_event"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
}

// Open resolves the agent socket URL, dials it, and sends the conversation
// initiation overrides.
func (a *ElevenLabsAdapter) Open(ctx context.Context, params SessionParams) error {
	agentID := params.AgentID
	if agentID == "" {
		agentID = a.config.AgentID
	}
	if agentID == "" {
		return errors.NewBackendConnectError("elevenlabs", errors.New("agent ID is not configured"))
	}

	connCtx, connCancel := context.WithTimeout(ctx, a.config.ConnectTimeout)
	defer connCancel()

	wsURL, err := a.resolveSocketURL(connCtx, agentID)
	if err != nil {
		return errors.NewBackendConnectError("elevenlabs", err, map[string]interface{}{
			"call_sid": params.CallSid,
		})
	}

	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, wsURL, nil)
	if err != nil {
		return errors.NewBackendConnectError("elevenlabs", err, map[string]interface{}{
			"call_sid": params.CallSid,
		})
	}
	a.conn = conn

	if err := a.writeJSON(a.initiationMessage(params)); err != nil {
		conn.Close()
		return errors.NewBackendConnectError("elevenlabs", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.streamAudio(runCtx)
	go a.handleMessages(runCtx)

	a.logger.WithFields(logrus.Fields{
		"call_sid": params.CallSid,
		"agent_id": agentID,
	}).Info("Conversational agent session opened")

	return nil
}

// resolveSocketURL fetches a signed socket URL when an API key is present,
// which is required for private agents. Public agents accept a direct dial.
func (a *ElevenLabsAdapter) resolveSocketURL(ctx context.Context, agentID string) (string, error) {
	if a.config.APIKey == "" {
		return "wss://api.elevenlabs.io/v1/convai/conversation?agent_id=" + url.QueryEscape(agentID), nil
	}

	reqURL := fmt.Sprintf("%s/v1/convai/conversation/get-signed-url?agent_id=%s",
		a.config.BaseURL, url.QueryEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", a.config.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("signed URL request returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.SignedURL == "" {
		return "", errors.New("signed URL response is empty")
	}
	return payload.SignedURL, nil
}

// initiationMessage builds the conversation overrides from session params.
// Only fields the caller actually set are sent so agent defaults survive.
func (a *ElevenLabsAdapter) initiationMessage(params SessionParams) convaiInitiation {
	msg := convaiInitiation{Type: "conversation_initiation_client_data"}

	agent := &convaiAgentOverride{}
	if greeting := params.Greeting(); greeting != "" {
		agent.FirstMessage = greeting
	}
	if params.Language != "" {
		agent.Language = params.Language
	}
	if params.Instructions != "" {
		agent.Prompt = &convaiPrompt{Prompt: params.Instructions}
	}

	override := &convaiConfigOverride{}
	if agent.FirstMessage != "" || agent.Language != "" || agent.Prompt != nil {
		override.Agent = agent
	}
	if params.Voice != "" {
		override.TTS = &convaiTTSOverride{VoiceID: params.Voice}
	}
	if override.Agent != nil || override.TTS != nil {
		msg.ConfigOverride = override
	}

	if params.CallerName != "" || params.CallSid != "" {
		msg.DynamicVars = map[string]interface{}{}
		if params.CallerName != "" {
			msg.DynamicVars["caller_name"] = params.CallerName
		}
		if params.CallSid != "" {
			msg.DynamicVars["call_sid"] = params.CallSid
		}
	}

	return msg
}

// SendAudio queues one µ-law frame for upstream delivery. Frames are dropped
// rather than blocking the inbound decode path when the queue is full.
func (a *ElevenLabsAdapter) SendAudio(frame []byte) error {
	if a.conn == nil {
		return errors.ErrFailedPrecondition
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case a.audioChan <- buf:
		return nil
	default:
		a.logger.Debug("Upstream audio queue full, dropping frame")
		return nil
	}
}

// Truncate is a no-op: the agent platform rewinds its own conversation state
// when it emits an interruption event, so there is nothing to cut here.
func (a *ElevenLabsAdapter) Truncate(elapsedMs int) error {
	a.logger.WithField("elapsed_ms", elapsedMs).Debug("Barge-in handled by agent platform")
	return nil
}

// Events returns the session event channel.
func (a *ElevenLabsAdapter) Events() <-chan Event {
	return a.events
}

// Close ends the upstream session. Safe to call repeatedly and after a
// failed Open.
func (a *ElevenLabsAdapter) Close() error {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.conn != nil {
			a.writeMu.Lock()
			a.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			a.writeMu.Unlock()
			a.conn.Close()
		}
	})
	return nil
}

// streamAudio drains the audio queue into user_audio_chunk messages.
func (a *ElevenLabsAdapter) streamAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-a.audioChan:
			if !ok {
				return
			}
			msg := map[string]string{
				"user_audio_chunk": base64.StdEncoding.EncodeToString(frame),
			}
			if err := a.writeJSON(msg); err != nil {
				a.logger.WithError(err).Debug("Failed to forward audio upstream")
				return
			}
		}
	}
}

// handleMessages reads agent events until the socket closes.
func (a *ElevenLabsAdapter) handleMessages(ctx context.Context) {
	defer close(a.events)

	for {
		_, message, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				a.postEvent(ctx, Event{Kind: EventSessionEnded})
			} else {
				a.logger.WithError(err).Error("Agent socket read failed")
				a.postEvent(ctx, Event{Kind: EventSessionError, Err: errors.Wrap(err, "agent socket read failed")})
			}
			return
		}

		var event convaiServerEvent
		if err := json.Unmarshal(message, &event); err != nil {
			a.logger.WithError(err).Warn("Unparseable agent event")
			continue
		}

		switch event.Type {
		case "audio":
			if event.AudioEvent == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(event.AudioEvent.AudioBase64)
			if err != nil {
				a.logger.WithError(err).Warn("Agent audio is not valid base64")
				continue
			}
			a.postEvent(ctx, Event{Kind: EventAudioChunk, Audio: audio})

		case "interruption":
			a.postEvent(ctx, Event{Kind: EventSpeechStarted})

		case "ping":
			if event.PingEvent == nil {
				continue
			}
			pong := map[string]interface{}{
				"type":     "pong",
				"event_id": event.PingEvent.EventID,
			}
			if err := a.writeJSON(pong); err != nil {
				a.logger.WithError(err).Debug("Failed to answer keepalive ping")
			}

		case "user_transcript":
			if event.UserTranscriptEvent != nil && event.UserTranscriptEvent.UserTranscript != "" {
				a.postEvent(ctx, Event{Kind: EventTranscriptFinal, Role: "user", Text: event.UserTranscriptEvent.UserTranscript})
			}

		case "agent_response":
			if event.AgentResponseEvent != nil && event.AgentResponseEvent.AgentResponse != "" {
				a.postEvent(ctx, Event{Kind: EventTranscriptFinal, Role: "agent", Text: event.AgentResponseEvent.AgentResponse})
			}

		case "conversation_initiation_metadata":
			a.logger.Debug("Conversation initiation acknowledged")
		}
	}
}

func (a *ElevenLabsAdapter) postEvent(ctx context.Context, event Event) {
	select {
	case a.events <- event:
	case <-ctx.Done():
	}
}

func (a *ElevenLabsAdapter) writeJSON(v interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(v)
}
