package http

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/bridge"
)

// SessionFactory builds a bridge session around a freshly accepted stream
// socket. It returns the session ready to receive messages.
type SessionFactory func(transport bridge.Transport) (*bridge.Session, error)

// MediaStreamHandler upgrades telephony stream sockets and pumps their
// messages into bridge sessions.
type MediaStreamHandler struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	factory  SessionFactory
}

// NewMediaStreamHandler creates the stream socket handler.
func NewMediaStreamHandler(logger *logrus.Logger, factory SessionFactory) *MediaStreamHandler {
	return &MediaStreamHandler{
		logger:  logger,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The telephony platform connects from its own infrastructure,
			// not a browser origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register wires the stream endpoint onto a server.
func (h *MediaStreamHandler) Register(server *Server) {
	server.RegisterHandler("/media-stream", h.ServeStream)
}

// ServeStream runs one stream connection to completion.
func (h *MediaStreamHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Stream socket upgrade failed")
		return
	}

	transport := bridge.NewWSTransport(conn)
	session, err := h.factory(transport)
	if err != nil {
		h.logger.WithError(err).Error("Failed to create session")
		transport.Close()
		return
	}

	h.logger.WithFields(logrus.Fields{
		"remote":     r.RemoteAddr,
		"session_id": session.ID(),
	}).Info("Stream socket accepted")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Stream socket closed")
			} else {
				h.logger.WithError(err).Debug("Stream socket read failed")
			}
			break
		}
		if err := session.HandleMessage(message); err != nil {
			h.logger.WithError(err).Warn("Session rejected message")
			break
		}
	}

	session.Stop()
	<-session.Done()
}
