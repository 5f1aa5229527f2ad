package bridge

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge-server/pkg/backend"
	"voicebridge-server/pkg/media"
)

func startEventJSON(streamSid, callSid string, params map[string]string) []byte {
	custom := ""
	for k, v := range params {
		if custom != "" {
			custom += ","
		}
		custom += fmt.Sprintf("%q:%q", k, v)
	}
	return []byte(fmt.Sprintf(`{
		"event": "start",
		"streamSid": %q,
		"start": {
			"streamSid": %q,
			"callSid": %q,
			"accountSid": "AC0",
			"tracks": ["inbound"],
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": {%s}
		}
	}`, streamSid, streamSid, callSid, custom))
}

func mediaEventJSON(streamSid, timestamp string, audio []byte) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "media",
		"streamSid": %q,
		"media": {"track": "inbound", "chunk": "1", "timestamp": %q, "payload": %q}
	}`, streamSid, timestamp, base64.StdEncoding.EncodeToString(audio)))
}

func newTestSession(adapter backend.Adapter) (*Session, *fakeTransport) {
	transport := &fakeTransport{}
	session := NewSession(testLogger(), transport, Config{
		Backend: "mock",
		Adapter: adapter,
		Params: backend.SessionParams{
			FirstMessage: "Hi {name}",
		},
	})
	return session, transport
}

func TestSessionLifecycle(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, transport := newTestSession(mock)

	assert.Equal(t, StateConnecting, session.State())

	require.NoError(t, session.HandleMessage([]byte(`{"event": "connected", "protocol": "Call"}`)))
	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", map[string]string{"name": "Alice"})))

	assert.Equal(t, StateActive, session.State())
	require.True(t, mock.Opened())
	assert.Equal(t, "CA1", mock.Params().CallSid)
	assert.Equal(t, "MZ1", mock.Params().StreamSid)
	assert.Equal(t, "Alice", mock.Params().CallerName)
	assert.Equal(t, media.EncodingULaw, mock.Params().InputEncoding)

	require.NoError(t, session.HandleMessage([]byte(`{"event": "stop", "streamSid": "MZ1"}`)))

	assert.Equal(t, StateClosed, session.State())
	assert.True(t, mock.Closed())
	transport.mu.Lock()
	assert.True(t, transport.closed)
	transport.mu.Unlock()

	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish teardown")
	}
}

func TestSessionStopWhileConnecting(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, transport := newTestSession(mock)

	session.Stop()

	assert.Equal(t, StateClosed, session.State())
	assert.True(t, mock.Closed())
	transport.mu.Lock()
	assert.True(t, transport.closed)
	transport.mu.Unlock()
}

func TestSessionBackendOpenFailure(t *testing.T) {
	mock := backend.NewMockAdapter()
	mock.OpenErr = fmt.Errorf("upstream refused")
	session, transport := newTestSession(mock)

	err := session.HandleMessage(startEventJSON("MZ1", "CA1", nil))
	require.Error(t, err)
	assert.True(t, session.Failed())
	assert.Equal(t, StateClosed, session.State())
	transport.mu.Lock()
	assert.True(t, transport.closed)
	transport.mu.Unlock()
}

func TestSessionForwardsCallerAudio(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, _ := newTestSession(mock)
	defer session.Stop()

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))

	frame := media.SilenceFrame(media.EncodingULaw, media.FrameBytes)
	require.NoError(t, session.HandleMessage(mediaEventJSON("MZ1", "20", frame)))

	sent := mock.SentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, frame, sent[0])
}

func TestSessionBargeIn(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, transport := newTestSession(mock)
	defer session.Stop()

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))

	frame := media.SilenceFrame(media.EncodingULaw, media.FrameBytes)
	require.NoError(t, session.HandleMessage(mediaEventJSON("MZ1", "1000", frame)))

	// Agent starts talking; utterance start pins to the latest caller timestamp
	mock.Emit(backend.Event{Kind: backend.EventAudioChunk, Audio: media.SilenceFrame(media.EncodingULaw, media.FrameBytes*4)})
	require.Eventually(t, func() bool {
		return transport.mediaCount() > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, session.HandleMessage(mediaEventJSON("MZ1", "1750", frame)))

	mock.Emit(backend.Event{Kind: backend.EventSpeechStarted})

	require.Eventually(t, func() bool {
		return len(mock.Truncates()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{750}, mock.Truncates())

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.clears) == 1
	}, time.Second, 5*time.Millisecond)
	transport.mu.Lock()
	assert.Equal(t, []string{"MZ1"}, transport.clears)
	transport.mu.Unlock()

	assert.Equal(t, 0, session.queue.Len())
	assert.Equal(t, 0, session.marks.Outstanding())
}

func TestSessionBargeInClampsNegativeElapsed(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, _ := newTestSession(mock)
	defer session.Stop()

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))

	frame := media.SilenceFrame(media.EncodingULaw, media.FrameBytes)
	require.NoError(t, session.HandleMessage(mediaEventJSON("MZ1", "2000", frame)))

	mock.Emit(backend.Event{Kind: backend.EventAudioChunk, Audio: frame})
	require.Eventually(t, func() bool {
		return session.marks.Outstanding() > 0 || session.queue.Len() > 0
	}, time.Second, 5*time.Millisecond)

	// A timestamp going backwards must not produce a negative offset
	require.NoError(t, session.HandleMessage(mediaEventJSON("MZ1", "1500", frame)))
	mock.Emit(backend.Event{Kind: backend.EventSpeechStarted})

	require.Eventually(t, func() bool {
		return len(mock.Truncates()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0}, mock.Truncates())
}

func TestSessionSpeechStartedWithoutPlaybackIsIgnored(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, transport := newTestSession(mock)
	defer session.Stop()

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))

	mock.Emit(backend.Event{Kind: backend.EventSpeechStarted})
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, mock.Truncates())
	transport.mu.Lock()
	assert.Empty(t, transport.clears)
	transport.mu.Unlock()
}

func TestSessionSpeechAfterPlayoutIsNormalTurn(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, transport := newTestSession(mock)
	defer session.Stop()

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))

	frame := media.SilenceFrame(media.EncodingULaw, media.FrameBytes)
	require.NoError(t, session.HandleMessage(mediaEventJSON("MZ1", "1000", frame)))

	mock.Emit(backend.Event{Kind: backend.EventAudioChunk, Audio: frame})
	require.Eventually(t, func() bool {
		return len(transport.markNames()) == 1
	}, time.Second, 5*time.Millisecond)

	// The caller heard the whole utterance; acking its mark ends playback
	name := transport.markNames()[0]
	require.NoError(t, session.HandleMessage([]byte(fmt.Sprintf(
		`{"event": "mark", "streamSid": "MZ1", "mark": {"name": %q}}`, name))))

	// Much later the caller takes an ordinary turn
	require.NoError(t, session.HandleMessage(mediaEventJSON("MZ1", "30000", frame)))
	mock.Emit(backend.Event{Kind: backend.EventSpeechStarted})
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, mock.Truncates())
	transport.mu.Lock()
	assert.Empty(t, transport.clears)
	transport.mu.Unlock()
}

func TestSessionMarkAcks(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, transport := newTestSession(mock)
	defer session.Stop()

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))

	mock.Emit(backend.Event{Kind: backend.EventAudioChunk, Audio: media.SilenceFrame(media.EncodingULaw, media.FrameBytes)})
	require.Eventually(t, func() bool {
		return len(transport.markNames()) == 1
	}, time.Second, 5*time.Millisecond)

	name := transport.markNames()[0]
	require.NoError(t, session.HandleMessage([]byte(fmt.Sprintf(
		`{"event": "mark", "streamSid": "MZ1", "mark": {"name": %q}}`, name))))
	assert.Equal(t, 0, session.marks.Outstanding())
}

func TestSessionTranscriptCallback(t *testing.T) {
	mock := backend.NewMockAdapter()
	transport := &fakeTransport{}

	var mu sync.Mutex
	var got []Transcript
	session := NewSession(testLogger(), transport, Config{
		Backend: "mock",
		Adapter: mock,
		OnTranscript: func(tr Transcript) {
			mu.Lock()
			got = append(got, tr)
			mu.Unlock()
		},
	})
	defer session.Stop()

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))
	mock.Emit(backend.Event{Kind: backend.EventTranscriptFinal, Role: "user", Text: "hello"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "CA1", got[0].CallSid)
	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "hello", got[0].Text)
	mu.Unlock()
}

func TestSessionEndsWhenBackendCloses(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, _ := newTestSession(mock)

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))
	mock.EndSession()

	require.Eventually(t, func() bool {
		return session.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestSessionBackendErrorFailsSession(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, _ := newTestSession(mock)

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))
	mock.Emit(backend.Event{Kind: backend.EventSessionError, Err: fmt.Errorf("upstream died")})

	// A failed session still rests in closed once teardown finishes
	require.Eventually(t, func() bool {
		return session.Failed() && session.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
	assert.True(t, mock.Closed())
}

func TestSessionIgnoresDuplicateStart(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, _ := newTestSession(mock)
	defer session.Stop()

	require.NoError(t, session.HandleMessage(startEventJSON("MZ1", "CA1", nil)))
	require.NoError(t, session.HandleMessage(startEventJSON("MZ2", "CA2", nil)))

	assert.Equal(t, "CA1", mock.Params().CallSid)
}

func TestSessionIgnoresGarbage(t *testing.T) {
	mock := backend.NewMockAdapter()
	session, _ := newTestSession(mock)
	defer session.Stop()

	assert.NoError(t, session.HandleMessage([]byte("not json at all")))
	assert.NoError(t, session.HandleMessage([]byte(`{"event": "teleport"}`)))
	assert.Equal(t, StateConnecting, session.State())
}
