package bridge

import (
	"sync"

	"voicebridge-server/pkg/media"
)

// PlayoutQueue buffers agent audio awaiting playout. Chunks arrive in
// whatever sizes the backend produces; the queue hands them back as fixed
// telephony frames. Clear drops everything atomically so a barge-in can
// never leave a half-flushed tail behind.
type PlayoutQueue struct {
	mu        sync.Mutex
	frames    [][]byte
	remainder []byte
	encoding  string
}

// NewPlayoutQueue creates a queue producing frames in the given encoding.
func NewPlayoutQueue(encoding string) *PlayoutQueue {
	return &PlayoutQueue{encoding: encoding}
}

// Push splits a chunk into full frames. A trailing partial frame is held
// back and joined with the next chunk.
func (q *PlayoutQueue) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	buf := append(q.remainder, chunk...)
	for len(buf) >= media.FrameBytes {
		frame := make([]byte, media.FrameBytes)
		copy(frame, buf[:media.FrameBytes])
		q.frames = append(q.frames, frame)
		buf = buf[media.FrameBytes:]
	}
	q.remainder = append([]byte(nil), buf...)
}

// Pop returns the next frame. When only a partial frame remains it is
// padded with silence so the utterance tail still plays out.
func (q *PlayoutQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) > 0 {
		frame := q.frames[0]
		q.frames = q.frames[1:]
		return frame, true
	}

	if len(q.remainder) > 0 {
		frame := media.SilenceFrame(q.encoding, media.FrameBytes)
		copy(frame, q.remainder)
		q.remainder = nil
		return frame, true
	}

	return nil, false
}

// Clear drops all buffered audio and returns the number of frames dropped.
func (q *PlayoutQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.frames)
	if len(q.remainder) > 0 {
		dropped++
	}
	q.frames = nil
	q.remainder = nil
	return dropped
}

// Len returns the number of full frames currently queued.
func (q *PlayoutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
