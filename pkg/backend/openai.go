package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/errors"
)

// OpenAIConfig holds configuration for the realtime speech-model backend.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	Voice          string
	Temperature    float64
	BaseURL        string
	ConnectTimeout time.Duration
	AudioQueueSize int
}

// OpenAIAdapter bridges a call to the OpenAI Realtime API over WebSocket.
// The model does speech recognition, turn taking, and synthesis in one
// session; audio travels as G.711 µ-law in both directions.
type OpenAIAdapter struct {
	logger *logrus.Entry
	config OpenAIConfig

	conn      *websocket.Conn
	writeMu   sync.Mutex
	events    chan Event
	audioChan chan []byte
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu         sync.Mutex
	lastItemID string
}

// NewOpenAIAdapter creates an unopened realtime-model adapter.
func NewOpenAIAdapter(logger *logrus.Logger, cfg OpenAIConfig) *OpenAIAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.8
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = 128
	}

	return &OpenAIAdapter{
		logger:    logger.WithField("backend", "openai"),
		config:    cfg,
		events:    make(chan Event, 64),
		audioChan: make(chan []byte, cfg.AudioQueueSize),
	}
}

type realtimeSessionUpdate struct {
	Type    string          `json:"type"`
	Session realtimeSession `json:"session"`
}

type realtimeSession struct {
	TurnDetection           realtimeTurnDetection   `json:"turn_detection"`
	InputAudioFormat        string                  `json:"input_audio_format"`
	OutputAudioFormat       string                  `json:"output_audio_format"`
	Voice                   string                  `json:"voice"`
	Instructions            string                  `json:"instructions"`
	Modalities              []string                `json:"modalities"`
	Temperature             float64                 `json:"temperature"`
	InputAudioTranscription *realtimeTranscription  `json:"input_audio_transcription,omitempty"`
}

type realtimeTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type realtimeTranscription struct {
	Model string `json:"model"`
}

type realtimeAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type realtimeTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

type realtimeServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Open dials the realtime socket and configures the session.
func (a *OpenAIAdapter) Open(ctx context.Context, params SessionParams) error {
	if a.config.APIKey == "" {
		return errors.NewBackendConnectError("openai", errors.New("API key is not configured"))
	}

	connCtx, connCancel := context.WithTimeout(ctx, a.config.ConnectTimeout)
	defer connCancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.config.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	wsURL := a.config.BaseURL + "?model=" + a.config.Model
	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, wsURL, headers)
	if err != nil {
		return errors.NewBackendConnectError("openai", err, map[string]interface{}{
			"call_sid": params.CallSid,
		})
	}
	a.conn = conn

	voice := params.Voice
	if voice == "" {
		voice = a.config.Voice
	}
	turnType := params.TurnDetection.Type
	if turnType == "" {
		turnType = "server_vad"
	}

	update := realtimeSessionUpdate{
		Type: "session.update",
		Session: realtimeSession{
			TurnDetection: realtimeTurnDetection{
				Type:              turnType,
				Threshold:         params.TurnDetection.Threshold,
				PrefixPaddingMs:   params.TurnDetection.PrefixPaddingMs,
				SilenceDurationMs: params.TurnDetection.SilenceDurationMs,
			},
			InputAudioFormat:        wireAudioFormat(params.InputEncoding),
			OutputAudioFormat:       wireAudioFormat(params.OutputEncoding),
			Voice:                   voice,
			Instructions:            params.Instructions,
			Modalities:              []string{"text", "audio"},
			Temperature:             a.config.Temperature,
			InputAudioTranscription: &realtimeTranscription{Model: "whisper-1"},
		},
	}
	if err := a.writeJSON(update); err != nil {
		conn.Close()
		return errors.NewBackendConnectError("openai", err)
	}

	if greeting := params.Greeting(); greeting != "" {
		if err := a.sendGreeting(greeting); err != nil {
			conn.Close()
			return errors.NewBackendConnectError("openai", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.streamAudio(runCtx)
	go a.handleMessages(runCtx)

	a.logger.WithFields(logrus.Fields{
		"call_sid": params.CallSid,
		"model":    a.config.Model,
		"voice":    voice,
	}).Info("Realtime backend session opened")

	return nil
}

// sendGreeting asks the model to speak a scripted first utterance.
func (a *OpenAIAdapter) sendGreeting(greeting string) error {
	item := map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": "Greet the user with: '" + greeting + "'"},
			},
		},
	}
	if err := a.writeJSON(item); err != nil {
		return err
	}
	return a.writeJSON(map[string]interface{}{"type": "response.create"})
}

// SendAudio queues one µ-law frame for upstream delivery. Frames are dropped
// rather than blocking the inbound decode path when the queue is full.
func (a *OpenAIAdapter) SendAudio(frame []byte) error {
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

// Truncate cuts the current assistant utterance at the elapsed offset.
func (a *OpenAIAdapter) Truncate(elapsedMs int) error {
	a.mu.Lock()
	itemID := a.lastItemID
	a.lastItemID = ""
	a.mu.Unlock()

	if itemID == "" {
		return nil
	}
	if elapsedMs < 0 {
		elapsedMs = 0
	}

	a.logger.WithFields(logrus.Fields{
		"item_id":      itemID,
		"audio_end_ms": elapsedMs,
	}).Debug("Truncating assistant utterance")

	return a.writeJSON(realtimeTruncate{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   elapsedMs,
	})
}

// Events returns the session event channel.
func (a *OpenAIAdapter) Events() <-chan Event {
	return a.events
}

// Close ends the upstream session. Safe to call repeatedly and after a
// failed Open.
func (a *OpenAIAdapter) Close() error {
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

// streamAudio drains the audio queue into input_audio_buffer.append messages.
func (a *OpenAIAdapter) streamAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-a.audioChan:
			if !ok {
				return
			}
			msg := realtimeAudioAppend{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(frame),
			}
			if err := a.writeJSON(msg); err != nil {
				a.logger.WithError(err).Debug("Failed to forward audio upstream")
				return
			}
		}
	}
}

// handleMessages reads server events until the socket closes.
func (a *OpenAIAdapter) handleMessages(ctx context.Context) {
	defer close(a.events)

	for {
		_, message, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				a.postEvent(ctx, Event{Kind: EventSessionEnded})
			} else {
				a.logger.WithError(err).Error("Realtime socket read failed")
				a.postEvent(ctx, Event{Kind: EventSessionError, Err: errors.Wrap(err, "realtime socket read failed")})
			}
			return
		}

		var event realtimeServerEvent
		if err := json.Unmarshal(message, &event); err != nil {
			a.logger.WithError(err).Warn("Unparseable realtime server event")
			continue
		}

		switch event.Type {
		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(event.Delta)
			if err != nil {
				a.logger.WithError(err).Warn("Audio delta is not valid base64")
				continue
			}
			if event.ItemID != "" {
				a.mu.Lock()
				a.lastItemID = event.ItemID
				a.mu.Unlock()
			}
			a.postEvent(ctx, Event{Kind: EventAudioChunk, Audio: audio})

		case "response.audio.done", "response.done":
			// The utterance finished; there is nothing left to truncate
			a.mu.Lock()
			a.lastItemID = ""
			a.mu.Unlock()

		case "input_audio_buffer.speech_started":
			a.postEvent(ctx, Event{Kind: EventSpeechStarted})

		case "conversation.item.input_audio_transcription.completed":
			if event.Transcript != "" {
				a.postEvent(ctx, Event{Kind: EventTranscriptFinal, Role: "user", Text: event.Transcript})
			}

		case "response.audio_transcript.done":
			if event.Transcript != "" {
				a.postEvent(ctx, Event{Kind: EventTranscriptFinal, Role: "agent", Text: event.Transcript})
			}

		case "error":
			fields := logrus.Fields{}
			if event.Error != nil {
				fields["error_type"] = event.Error.Type
				fields["error_code"] = event.Error.Code
				fields["error_message"] = event.Error.Message
			}
			a.logger.WithFields(fields).Warn("Realtime server reported an error")
		}
	}
}

func (a *OpenAIAdapter) postEvent(ctx context.Context, event Event) {
	select {
	case a.events <- event:
	case <-ctx.Done():
	}
}

func (a *OpenAIAdapter) writeJSON(v interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(v)
}

// wireAudioFormat maps a telephony encoding name to the realtime API's
// audio format identifier.
func wireAudioFormat(encoding string) string {
	switch encoding {
	case "", "PCMU", "G711U", "G.711U", "G711MU":
		return "g711_ulaw"
	case "PCMA", "G711A", "G.711A":
		return "g711_alaw"
	default:
		return "pcm16"
	}
}
