package bridge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/errors"
	"voicebridge-server/pkg/media"
	"voicebridge-server/pkg/metrics"
)

// DefaultBedAttenuation is applied to the background bed before mixing so
// agent speech stays dominant.
const DefaultBedAttenuation = 0.5

// Mixer paces outbound audio at the telephony frame cadence. Each tick it
// takes at most one agent frame from the playout queue, underlays the
// looping background bed, and writes a single media message. Agent frames
// are followed by a playback mark so the session can tell when the caller
// has actually heard them.
type Mixer struct {
	logger      *logrus.Entry
	transport   Transport
	queue       *PlayoutQueue
	marks       *MarkTracker
	bed         *media.Bed
	attenuation float64
	encoding    string
	streamSid   string
	callSid     string
	interval    time.Duration
}

// NewMixer creates a mixer for one stream. A nil bed disables the underlay;
// the mixer then stays silent between agent utterances.
func NewMixer(logger *logrus.Logger, transport Transport, queue *PlayoutQueue, marks *MarkTracker, bed *media.Bed, attenuation float64, encoding, streamSid, callSid string) *Mixer {
	if attenuation <= 0 || attenuation > 1 {
		attenuation = DefaultBedAttenuation
	}
	return &Mixer{
		logger:      logger.WithFields(logrus.Fields{"component": "mixer", "call_sid": callSid}),
		transport:   transport,
		queue:       queue,
		marks:       marks,
		bed:         bed,
		attenuation: attenuation,
		encoding:    encoding,
		streamSid:   streamSid,
		callSid:     callSid,
		interval:    media.FrameDuration * time.Millisecond,
	}
}

// Run paces frames until the context is canceled or the transport closes.
func (m *Mixer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.tick(); err != nil {
				if errors.IsErrorType(err, errors.ErrTransportClosed) {
					m.logger.Debug("Transport closed, stopping mixer")
					return
				}
				m.logger.WithError(err).Warn("Dropping outbound frame")
				metrics.RecordFrameDropped(m.callSid, "mixer_error")
			}
		}
	}
}

// tick produces at most one outbound frame.
func (m *Mixer) tick() error {
	done := metrics.ObserveMixerTick(m.callSid)
	defer done()

	agentFrame, hasAgent := m.queue.Pop()
	metrics.SetPlayoutQueueLen(m.callSid, m.queue.Len())

	if !hasAgent && m.bed == nil {
		return nil
	}

	var bedPCM []byte
	if m.bed != nil {
		var err error
		bedPCM, err = media.ScaleVolume(m.bed.NextChunk(media.FrameSamples), m.attenuation)
		if err != nil {
			return err
		}
	}

	var payload []byte
	source := "bed"
	switch {
	case hasAgent && bedPCM != nil:
		agentPCM, err := media.Decode(agentFrame, m.encoding)
		if err != nil {
			// Undecodable agent audio passes through unmixed rather
			// than being lost
			m.logger.WithError(err).Warn("Agent frame not decodable, passing through")
			payload = agentFrame
			source = "agent"
			break
		}
		mixed, err := media.Mix(agentPCM, bedPCM)
		if err != nil {
			return err
		}
		payload, err = media.Encode(mixed, m.encoding)
		if err != nil {
			return err
		}
		source = "mixed"
	case hasAgent:
		payload = agentFrame
		source = "agent"
	default:
		var err error
		payload, err = media.Encode(bedPCM, m.encoding)
		if err != nil {
			return err
		}
	}

	if err := m.transport.WriteMedia(m.streamSid, payload); err != nil {
		return err
	}
	metrics.RecordFrameSent(m.callSid, source)

	if hasAgent {
		if err := m.transport.WriteMark(m.streamSid, m.marks.Next()); err != nil {
			return err
		}
	}
	return nil
}
