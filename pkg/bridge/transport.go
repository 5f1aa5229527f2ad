package bridge

import (
	"sync"

	"github.com/gorilla/websocket"

	"voicebridge-server/pkg/errors"
	"voicebridge-server/pkg/twilio"
)

// Transport is the caller-facing leg of a session. Implementations must be
// safe for concurrent writers; the mixer and the barge-in path both write.
type Transport interface {
	WriteMedia(streamSid string, audio []byte) error
	WriteMark(streamSid, name string) error
	WriteClear(streamSid string) error
	Close() error
}

// WSTransport sends stream messages over a telephony WebSocket.
type WSTransport struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewWSTransport wraps an upgraded connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) WriteMedia(streamSid string, audio []byte) error {
	raw, err := twilio.MediaMessage(streamSid, audio)
	if err != nil {
		return err
	}
	return t.write(raw)
}

func (t *WSTransport) WriteMark(streamSid, name string) error {
	raw, err := twilio.MarkMessage(streamSid, name)
	if err != nil {
		return err
	}
	return t.write(raw)
}

func (t *WSTransport) WriteClear(streamSid string) error {
	raw, err := twilio.ClearMessage(streamSid)
	if err != nil {
		return err
	}
	return t.write(raw)
}

func (t *WSTransport) write(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.NewTransportClosedError("stream socket is closed")
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.closed = true
		return errors.NewTransportClosedError(err.Error())
	}
	return nil
}

// Close shuts the socket down. Safe to call repeatedly.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}
