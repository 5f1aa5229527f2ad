package transcribe

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"voicebridge-server/pkg/media"
)

// Callback receives recognized text. Only final results are delivered
// unless interim results are enabled.
type Callback func(text string, isFinal bool, confidence float64)

// GoogleConfig holds Google Speech-to-Text settings for the caller-audio tap.
type GoogleConfig struct {
	Enabled         bool
	CredentialsFile string
	APIKey          string
	Language        string
	Model           string
	InterimResults  bool
}

// GoogleClient wraps a shared Speech client. One tap is opened per call.
type GoogleClient struct {
	logger *logrus.Logger
	client *speech.Client
	config GoogleConfig
}

// NewGoogleClient initializes the Speech-to-Text client.
func NewGoogleClient(logger *logrus.Logger, cfg GoogleConfig) (*GoogleClient, error) {
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}

	var clientOptions []option.ClientOption
	if cfg.APIKey != "" {
		clientOptions = append(clientOptions, option.WithAPIKey(cfg.APIKey))
	} else if cfg.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.CredentialsFile))
	} else {
		return nil, fmt.Errorf("speech-to-text requires either API key or credentials file")
	}

	client, err := speech.NewClient(context.Background(), clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"language": cfg.Language,
		"model":    cfg.Model,
	}).Info("Speech-to-text client initialized")

	return &GoogleClient{
		logger: logger,
		client: client,
		config: cfg,
	}, nil
}

// Close releases the underlying client.
func (c *GoogleClient) Close() error {
	return c.client.Close()
}

// Tap is one streaming recognition session fed with caller audio frames.
type Tap struct {
	logger    *logrus.Entry
	stream    speechpb.Speech_StreamingRecognizeClient
	cancel    context.CancelFunc
	audioChan chan []byte
	closeOnce sync.Once
}

// NewTap opens a streaming recognition session for one call. Frames written
// to the tap are µ-law telephony audio.
func (c *GoogleClient) NewTap(callSid string, callback Callback) (*Tap, error) {
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := c.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start recognition stream: %w", err)
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_MULAW,
		SampleRateHertz:            media.SampleRate,
		LanguageCode:               c.config.Language,
		EnableAutomaticPunctuation: true,
	}
	if c.config.Model != "" {
		recognitionConfig.Model = c.config.Model
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: c.config.InterimResults,
			},
		},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	tap := &Tap{
		logger:    c.logger.WithField("call_sid", callSid),
		stream:    stream,
		cancel:    cancel,
		audioChan: make(chan []byte, 128),
	}

	go tap.sendAudio(ctx)
	go tap.receiveResults(ctx, callback)

	return tap, nil
}

// Write queues one frame for recognition. Frames are dropped rather than
// blocking the media path when recognition falls behind.
func (t *Tap) Write(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case t.audioChan <- buf:
	default:
		t.logger.Debug("Recognition queue full, dropping frame")
	}
	return nil
}

// Close ends the recognition stream. Safe to call repeatedly.
func (t *Tap) Close() error {
	t.closeOnce.Do(func() {
		close(t.audioChan)
	})
	return nil
}

// sendAudio drains queued frames into the recognition stream.
func (t *Tap) sendAudio(ctx context.Context) {
	defer t.stream.CloseSend()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-t.audioChan:
			if !ok {
				return
			}
			if err := t.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: frame,
				},
			}); err != nil {
				t.logger.WithError(err).Warn("Failed to send audio to recognizer")
				return
			}
		}
	}
}

// receiveResults delivers recognized text until the stream ends.
func (t *Tap) receiveResults(ctx context.Context, callback Callback) {
	defer t.cancel()
	for {
		resp, err := t.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				t.logger.WithError(err).Warn("Recognition stream ended with error")
			}
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			alt := result.Alternatives[0]
			if result.IsFinal {
				t.logger.WithField("transcript", alt.Transcript).Debug("Final recognition result")
			}
			if callback != nil {
				callback(alt.Transcript, result.IsFinal, float64(alt.Confidence))
			}
		}
	}
}
