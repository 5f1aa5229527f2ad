package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/backend"
	"voicebridge-server/pkg/bridge"
	"voicebridge-server/pkg/config"
	http_server "voicebridge-server/pkg/http"
	"voicebridge-server/pkg/media"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/storage"
	"voicebridge-server/pkg/transcribe"
	"voicebridge-server/pkg/twilio"
)

var (
	logger     = logrus.New()
	appConfig  *config.Config
	httpServer *http_server.Server

	registry     *backend.Registry
	bed          *media.Bed
	twilioClient *twilio.Client
	archiver     *twilio.Archiver
	uploader     *storage.GCSUploader
	amqpClient   *messaging.AMQPClient
	sttClient    *transcribe.GoogleClient
)

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	if err := initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	if amqpClient != nil {
		amqpClient.Disconnect()
	}
	if uploader != nil {
		uploader.Close()
	}
	if sttClient != nil {
		sttClient.Close()
	}

	logger.Info("Shutdown complete")
}

func initialize() error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}
	appConfig = cfg

	if err := cfg.Logging.SetupLogging(logger); err != nil {
		return err
	}

	metrics.StartMetrics(logger, cfg.HTTP.MetricsEnabled)

	if cfg.Audio.BedFile != "" {
		bed, err = media.LoadBed(cfg.Audio.BedFile)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"file":    cfg.Audio.BedFile,
			"samples": bed.Len(),
		}).Info("Background audio bed loaded")
	}

	registry = backend.NewRegistry()
	registry.Register("openai", func() backend.Adapter {
		return backend.NewOpenAIAdapter(logger, backend.OpenAIConfig{
			APIKey:         cfg.Backend.OpenAI.APIKey,
			Model:          cfg.Backend.OpenAI.Model,
			Voice:          cfg.Backend.Voice,
			Temperature:    cfg.Backend.OpenAI.Temperature,
			ConnectTimeout: cfg.Backend.ConnectTimeout,
		})
	})
	registry.Register("elevenlabs", func() backend.Adapter {
		return backend.NewElevenLabsAdapter(logger, backend.ElevenLabsConfig{
			APIKey:         cfg.Backend.ElevenLabs.APIKey,
			AgentID:        cfg.Backend.ElevenLabs.AgentID,
			ConnectTimeout: cfg.Backend.ConnectTimeout,
		})
	})
	registry.Register("mock", func() backend.Adapter {
		return backend.NewMockAdapter()
	})
	logger.WithField("backend", cfg.Backend.Name).Info("Voice backend configured")

	if cfg.Twilio.AccountSid != "" && cfg.Twilio.AuthToken != "" {
		twilioClient, err = twilio.NewClient(logger, twilio.Config{
			AccountSid: cfg.Twilio.AccountSid,
			AuthToken:  cfg.Twilio.AuthToken,
			FromNumber: cfg.Twilio.FromNumber,
			PublicHost: cfg.HTTP.PublicHost,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("Telephony credentials not set, outbound calling and recording archiving are disabled")
	}

	if cfg.Storage.Enabled {
		uploader, err = storage.NewGCSUploader(storage.GCSConfig{
			Bucket:            cfg.Storage.GCSBucket,
			Prefix:            cfg.Storage.GCSPrefix,
			ServiceAccountKey: cfg.Storage.ServiceAccountKey,
		}, logger)
		if err != nil {
			return err
		}
		if twilioClient != nil {
			archiver = twilio.NewArchiver(logger, twilioClient, uploader, cfg.Twilio.ArchiveWorkDir)
		}
	}

	if cfg.Messaging.AMQPUrl != "" {
		amqpClient = messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:       cfg.Messaging.AMQPUrl,
			QueueName: cfg.Messaging.AMQPQueueName,
		})
		if err := amqpClient.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable at startup, transcripts will not be published")
		}
	}

	if cfg.Transcribe.Enabled {
		sttClient, err = transcribe.NewGoogleClient(logger, transcribe.GoogleConfig{
			Enabled:         true,
			CredentialsFile: cfg.Transcribe.CredentialsFile,
			APIKey:          cfg.Transcribe.APIKey,
			Language:        cfg.Transcribe.Language,
			Model:           cfg.Transcribe.Model,
			InterimResults:  cfg.Transcribe.InterimResults,
		})
		if err != nil {
			return err
		}
	}

	httpServer = http_server.NewServer(logger, &http_server.Config{
		Port:            cfg.HTTP.Port,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		EnableMetrics:   cfg.HTTP.MetricsEnabled,
	})

	var caller http_server.CallPlacer
	if twilioClient != nil {
		caller = twilioClient
	}
	var recArchiver http_server.RecordingArchiver
	if archiver != nil {
		recArchiver = archiver
	}
	webhooks := http_server.NewWebhookHandler(logger, cfg.HTTP.PublicHost, cfg.Twilio.GreetingMessage, caller, recArchiver)
	webhooks.Register(httpServer)

	streams := http_server.NewMediaStreamHandler(logger, newSessionFactory(cfg))
	streams.Register(httpServer)

	return nil
}

// newSessionFactory builds the per-connection session assembly.
func newSessionFactory(cfg *config.Config) http_server.SessionFactory {
	return func(transport bridge.Transport) (*bridge.Session, error) {
		adapter, err := registry.Create(cfg.Backend.Name)
		if err != nil {
			return nil, err
		}

		sessionCfg := bridge.Config{
			Backend:        cfg.Backend.Name,
			Adapter:        adapter,
			Bed:            bed,
			BedAttenuation: cfg.Audio.BedAttenuation,
			Encoding:       cfg.Audio.Encoding,
			Params: backend.SessionParams{
				AgentID:      cfg.Backend.ElevenLabs.AgentID,
				Voice:        cfg.Backend.Voice,
				Instructions: cfg.Backend.Instructions,
				Language:     cfg.Backend.Language,
				FirstMessage: cfg.Backend.FirstMessage,
				TurnDetection: backend.TurnDetection{
					Type:              "server_vad",
					Threshold:         cfg.Backend.VADThreshold,
					PrefixPaddingMs:   cfg.Backend.VADPrefixMs,
					SilenceDurationMs: cfg.Backend.VADSilenceMs,
				},
			},
			OnTranscript: publishTranscript,
		}

		if sttClient != nil {
			sessionCfg.TapFactory = func(callSid string) (bridge.AudioTap, error) {
				return sttClient.NewTap(callSid, func(text string, isFinal bool, confidence float64) {
					if isFinal {
						publishTranscript(bridge.Transcript{
							CallSid:   callSid,
							Role:      "caller_stt",
							Text:      text,
							Timestamp: time.Now().UTC(),
						})
					}
				})
			}
		}

		return bridge.NewSession(logger, transport, sessionCfg), nil
	}
}

// publishTranscript forwards a transcript line to the message queue.
func publishTranscript(transcript bridge.Transcript) {
	if amqpClient == nil || !amqpClient.IsConnected() {
		return
	}
	err := amqpClient.PublishTranscript(messaging.TranscriptMessage{
		CallSid:   transcript.CallSid,
		StreamSid: transcript.StreamSid,
		Role:      transcript.Role,
		Text:      transcript.Text,
		Timestamp: transcript.Timestamp,
	})
	if err != nil {
		logger.WithError(err).Debug("Transcript publish failed")
	}
}
