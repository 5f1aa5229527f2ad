package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/errors"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/twilio"
)

// CallPlacer starts an outbound call and returns its SID.
type CallPlacer interface {
	PlaceCall(to, displayName string) (string, error)
}

// RecordingArchiver moves a finished call's recording to durable storage.
type RecordingArchiver interface {
	Archive(ctx context.Context, callSid string) (string, error)
}

// WebhookHandler serves the telephony webhook endpoints.
type WebhookHandler struct {
	logger     *logrus.Logger
	publicHost string
	greeting   string
	caller     CallPlacer
	archiver   RecordingArchiver
}

// NewWebhookHandler creates the webhook handler. Caller and archiver may be
// nil when outbound calling or recording archiving is not configured.
func NewWebhookHandler(logger *logrus.Logger, publicHost, greeting string, caller CallPlacer, archiver RecordingArchiver) *WebhookHandler {
	return &WebhookHandler{
		logger:     logger,
		publicHost: publicHost,
		greeting:   greeting,
		caller:     caller,
		archiver:   archiver,
	}
}

// Register wires the webhook endpoints onto a server.
func (h *WebhookHandler) Register(server *Server) {
	server.RegisterHandler("/twilio/inbound-call", h.InboundCall)
	server.RegisterHandler("/twilio/outbound-call-twiml", h.OutboundCallTwiML)
	server.RegisterHandler("/twilio/outbound-call", h.OutboundCall)
	server.RegisterHandler("/twilio/recording-complete", h.RecordingComplete)
	server.RegisterHandler("/twilio/call-status", h.CallStatus)
}

func (h *WebhookHandler) streamURL() string {
	return fmt.Sprintf("wss://%s/media-stream", h.publicHost)
}

// InboundCall answers an incoming call with stream-connect instructions.
func (h *WebhookHandler) InboundCall(w http.ResponseWriter, r *http.Request) {
	callSid := r.FormValue("CallSid")
	h.logger.WithFields(logrus.Fields{
		"call_sid": callSid,
		"from":     r.FormValue("From"),
	}).Info("Inbound call webhook")

	params := map[string]string{}
	if name := r.URL.Query().Get("name"); name != "" {
		params["name"] = name
	}

	twiml, err := twilio.StreamTwiML(h.streamURL(), params, h.greeting)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.Write(twiml)
}

// OutboundCallTwiML provides the stream-connect instructions for the callee
// leg of an outbound call.
func (h *WebhookHandler) OutboundCallTwiML(w http.ResponseWriter, r *http.Request) {
	params := map[string]string{}
	if name := r.URL.Query().Get("name"); name != "" {
		params["name"] = name
	}

	twiml, err := twilio.StreamTwiML(h.streamURL(), params, "")
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.Write(twiml)
}

// OutboundCall places a call to the requested number.
func (h *WebhookHandler) OutboundCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.caller == nil {
		errors.WriteError(w, errors.ErrUnavailable)
		return
	}

	var request struct {
		To   string `json:"to"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		errors.WriteError(w, errors.NewInvalidInput("request body is not valid JSON"))
		return
	}
	if request.To == "" {
		errors.WriteError(w, errors.NewInvalidInput("destination number is required"))
		return
	}

	callSid, err := h.caller.PlaceCall(request.To, request.Name)
	if err != nil {
		h.logger.WithError(err).Error("Failed to place outbound call")
		errors.WriteError(w, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"call_sid": callSid,
		"to":       request.To,
	}).Info("Outbound call placed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"call_sid": callSid})
}

// RecordingComplete archives the call recording once the platform reports
// it is ready. The webhook is acknowledged immediately; archiving runs in
// the background since it involves downloads and uploads.
func (h *WebhookHandler) RecordingComplete(w http.ResponseWriter, r *http.Request) {
	callSid := r.FormValue("CallSid")
	if callSid == "" {
		errors.WriteError(w, errors.NewInvalidInput("CallSid is required"))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"call_sid":      callSid,
		"recording_sid": r.FormValue("RecordingSid"),
	}).Info("Recording complete webhook")

	if h.archiver != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := h.archiver.Archive(ctx, callSid); err != nil {
				h.logger.WithError(err).WithField("call_sid", callSid).Error("Recording archive failed")
				metrics.RecordRecordingArchived("error")
				return
			}
			metrics.RecordRecordingArchived("success")
		}()
	}

	w.WriteHeader(http.StatusOK)
}

// CallStatus logs call lifecycle callbacks.
func (h *WebhookHandler) CallStatus(w http.ResponseWriter, r *http.Request) {
	h.logger.WithFields(logrus.Fields{
		"call_sid": r.FormValue("CallSid"),
		"status":   r.FormValue("CallStatus"),
		"duration": r.FormValue("CallDuration"),
	}).Info("Call status update")
	w.WriteHeader(http.StatusOK)
}
