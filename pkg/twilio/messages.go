package twilio

import (
	"encoding/base64"
	"encoding/json"
)

// Outbound media-stream messages. Every message is tagged with the stream
// SID issued in the start event.

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaContent `json:"media"`
}

type mediaContent struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      markContent `json:"mark"`
}

type markContent struct {
	Name string `json:"name"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// MediaMessage builds a media message carrying one companded audio frame.
func MediaMessage(streamSid string, audio []byte) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media: mediaContent{
			Payload: base64.StdEncoding.EncodeToString(audio),
		},
	})
}

// MarkMessage builds a mark message naming a playback marker.
func MarkMessage(streamSid, name string) ([]byte, error) {
	return json.Marshal(outboundMark{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      markContent{Name: name},
	})
}

// ClearMessage builds a clear message that flushes Twilio's buffered audio.
func ClearMessage(streamSid string) ([]byte, error) {
	return json.Marshal(outboundClear{
		Event:     "clear",
		StreamSid: streamSid,
	})
}
