package twilio

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"voicebridge-server/pkg/errors"
)

// Media-stream event kinds sent by Twilio over the WebSocket.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
)

// StreamEvent is one decoded inbound message from the media-stream socket.
// Only the section matching Kind is populated.
type StreamEvent struct {
	Kind      string
	StreamSid string
	Start     *StartPayload
	Media     *MediaPayload
	Mark      *MarkPayload
}

// StartPayload carries the session identifiers issued when media begins.
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat declares the audio encoding for the stream's lifetime.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one chunk of inbound caller audio.
type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// MarkPayload acknowledges a previously sent playback marker.
type MarkPayload struct {
	Name string `json:"name"`
}

// envelope mirrors the wire shape for decoding.
type envelope struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Start     *StartPayload `json:"start"`
	Media     *MediaPayload `json:"media"`
	Mark      *MarkPayload  `json:"mark"`
}

// ParseEvent decodes one media-stream message. Malformed or unknown events
// return an error; callers log and ignore rather than terminating the socket.
func ParseEvent(raw []byte) (*StreamEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "malformed media-stream message")
	}

	event := &StreamEvent{
		Kind:      env.Event,
		StreamSid: env.StreamSid,
	}

	switch env.Event {
	case EventConnected, EventStop, EventDTMF:
		return event, nil
	case EventStart:
		if env.Start == nil {
			return nil, errors.NewInvalidInput("start event missing start payload")
		}
		event.Start = env.Start
		if event.StreamSid == "" {
			event.StreamSid = env.Start.StreamSid
		}
		return event, nil
	case EventMedia:
		if env.Media == nil {
			return nil, errors.NewInvalidInput("media event missing media payload")
		}
		event.Media = env.Media
		return event, nil
	case EventMark:
		if env.Mark == nil {
			return nil, errors.NewInvalidInput("mark event missing mark payload")
		}
		event.Mark = env.Mark
		return event, nil
	case "":
		return nil, errors.NewInvalidInput("media-stream message missing event kind")
	default:
		return nil, errors.NewInvalidInput("unknown media-stream event").WithField("event", env.Event)
	}
}

// AudioBytes decodes the base64 payload of a media event.
func (m *MediaPayload) AudioBytes() ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "media payload is not valid base64")
	}
	return decoded, nil
}

// TimestampMs returns the media timestamp in milliseconds. Twilio sends it
// as a decimal string; a missing or garbled value reads as zero.
func (m *MediaPayload) TimestampMs() int64 {
	if m.Timestamp == "" {
		return 0
	}
	ms, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return ms
}
