package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	to   string
	name string
	err  error
}

func (f *fakeCaller) PlaceCall(to, displayName string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.to = to
	f.name = displayName
	return "CA123", nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (f *fakeArchiver) Archive(ctx context.Context, callSid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, callSid)
	return "gcs://recordings/" + callSid + ".mp3", nil
}

func newTestServer(t *testing.T, caller CallPlacer, archiver RecordingArchiver) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	server := NewServer(logger, &Config{Port: 8080, EnableMetrics: false})
	handler := NewWebhookHandler(logger, "bridge.example.com", "Please hold", caller, archiver)
	handler.Register(server)
	return server
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, nil, nil)

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestInboundCallReturnsStreamTwiML(t *testing.T) {
	server := newTestServer(t, nil, nil)

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}
	request := httptest.NewRequest(http.MethodPost, "/twilio/inbound-call", strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/xml", recorder.Header().Get("Content-Type"))
	body := recorder.Body.String()
	assert.Contains(t, body, `url="wss://bridge.example.com/media-stream"`)
	assert.Contains(t, body, "<Say>Please hold</Say>")
}

func TestOutboundCallTwiMLPassesName(t *testing.T) {
	server := newTestServer(t, nil, nil)

	request := httptest.NewRequest(http.MethodPost, "/twilio/outbound-call-twiml?name=Alice", nil)
	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `<Parameter name="name" value="Alice">`)
}

func TestOutboundCallPlacesCall(t *testing.T) {
	caller := &fakeCaller{}
	server := newTestServer(t, caller, nil)

	payload, _ := json.Marshal(map[string]string{"to": "+15551234567", "name": "Alice"})
	request := httptest.NewRequest(http.MethodPost, "/twilio/outbound-call", bytes.NewReader(payload))

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusCreated, recorder.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "CA123", body["call_sid"])
	assert.Equal(t, "+15551234567", caller.to)
	assert.Equal(t, "Alice", caller.name)
}

func TestOutboundCallValidation(t *testing.T) {
	server := newTestServer(t, &fakeCaller{}, nil)

	testCases := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"missing destination", http.MethodPost, `{"name": "Alice"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, `{{{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(tc.method, "/twilio/outbound-call", strings.NewReader(tc.body))
			recorder := httptest.NewRecorder()
			server.mux.ServeHTTP(recorder, request)
			assert.Equal(t, tc.status, recorder.Code)
		})
	}
}

func TestRecordingCompleteTriggersArchive(t *testing.T) {
	archiver := &fakeArchiver{}
	server := newTestServer(t, nil, archiver)

	form := url.Values{"CallSid": {"CA1"}, "RecordingSid": {"RE1"}}
	request := httptest.NewRequest(http.MethodPost, "/twilio/recording-complete", strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)

	require.Eventually(t, func() bool {
		archiver.mu.Lock()
		defer archiver.mu.Unlock()
		return len(archiver.archived) == 1
	}, time.Second, 5*time.Millisecond)
	archiver.mu.Lock()
	assert.Equal(t, []string{"CA1"}, archiver.archived)
	archiver.mu.Unlock()
}

func TestRecordingCompleteRequiresCallSid(t *testing.T) {
	server := newTestServer(t, nil, &fakeArchiver{})

	request := httptest.NewRequest(http.MethodPost, "/twilio/recording-complete", nil)
	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestCallStatusAccepted(t *testing.T) {
	server := newTestServer(t, nil, nil)

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	request := httptest.NewRequest(http.MethodPost, "/twilio/call-status", strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
}
