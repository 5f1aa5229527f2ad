package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Twilio     TwilioConfig     `json:"twilio"`
	Backend    BackendConfig    `json:"backend"`
	Audio      AudioConfig      `json:"audio"`
	Transcribe TranscribeConfig `json:"transcribe"`
	Storage    StorageConfig    `json:"storage"`
	Messaging  MessagingConfig  `json:"messaging"`
	Logging    LoggingConfig    `json:"logging"`
}

// HTTPConfig holds the server listener settings
type HTTPConfig struct {
	Port            int           `json:"port"`
	PublicHost      string        `json:"public_host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	MetricsEnabled  bool          `json:"metrics_enabled"`
}

// TwilioConfig holds telephony credentials and call options
type TwilioConfig struct {
	AccountSid      string `json:"account_sid"`
	AuthToken       string `json:"-"`
	FromNumber      string `json:"from_number"`
	RecordCalls     bool   `json:"record_calls"`
	ArchiveWorkDir  string `json:"archive_work_dir"`
	GreetingMessage string `json:"greeting_message"`
}

// BackendConfig selects and configures the voice-AI backend
type BackendConfig struct {
	Name string `json:"name"`

	// Session defaults; per-call custom parameters can override some
	Voice        string  `json:"voice"`
	Instructions string  `json:"instructions"`
	Language     string  `json:"language"`
	FirstMessage string  `json:"first_message"`
	VADThreshold float64 `json:"vad_threshold"`
	VADPrefixMs  int     `json:"vad_prefix_ms"`
	VADSilenceMs int     `json:"vad_silence_ms"`

	OpenAI struct {
		APIKey      string  `json:"-"`
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
	} `json:"openai"`

	ElevenLabs struct {
		APIKey  string `json:"-"`
		AgentID string `json:"agent_id"`
	} `json:"elevenlabs"`

	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// AudioConfig holds mixer settings
type AudioConfig struct {
	Encoding       string  `json:"encoding"`
	BedFile        string  `json:"bed_file"`
	BedAttenuation float64 `json:"bed_attenuation"`
}

// TranscribeConfig holds the parallel recognition tap settings
type TranscribeConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentials_file"`
	APIKey          string `json:"-"`
	Language        string `json:"language"`
	Model           string `json:"model"`
	InterimResults  bool   `json:"interim_results"`
}

// StorageConfig holds recording archive settings
type StorageConfig struct {
	Enabled           bool   `json:"enabled"`
	GCSBucket         string `json:"gcs_bucket"`
	GCSPrefix         string `json:"gcs_prefix"`
	ServiceAccountKey string `json:"service_account_key"`
}

// MessagingConfig holds AMQP settings for transcript publishing
type MessagingConfig struct {
	AMQPUrl       string `json:"-"`
	AMQPQueueName string `json:"amqp_queue_name"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	OutputFile string `json:"output_file"`
}

// Load reads configuration from .env and the environment
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			if loadErr := godotenv.Load(envFile); loadErr == nil {
				loadedFrom, _ = filepath.Abs(envFile)
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithField("path", loadedFrom).Info("Loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Warn("No .env file found, using environment variables only")
	}

	config := &Config{}
	loadHTTPConfig(&config.HTTP)
	loadTwilioConfig(&config.Twilio)
	loadBackendConfig(&config.Backend)
	loadAudioConfig(&config.Audio)
	loadTranscribeConfig(&config.Transcribe)
	loadStorageConfig(&config.Storage)
	loadMessagingConfig(&config.Messaging)
	loadLoggingConfig(&config.Logging)

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration is invalid")
	}
	return config, nil
}

func loadHTTPConfig(c *HTTPConfig) {
	c.Port = getEnvInt("HTTP_PORT", 8080)
	c.PublicHost = getEnv("PUBLIC_HOST", "")
	c.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	c.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second)
	c.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)
}

func loadTwilioConfig(c *TwilioConfig) {
	c.AccountSid = getEnv("TWILIO_ACCOUNT_SID", "")
	c.AuthToken = getEnv("TWILIO_AUTH_TOKEN", "")
	c.FromNumber = getEnv("TWILIO_FROM_NUMBER", "")
	c.RecordCalls = getEnvBool("TWILIO_RECORD_CALLS", false)
	c.ArchiveWorkDir = getEnv("TWILIO_ARCHIVE_WORK_DIR", os.TempDir())
	c.GreetingMessage = getEnv("TWILIO_GREETING_MESSAGE", "")
}

func loadBackendConfig(c *BackendConfig) {
	c.Name = strings.ToLower(getEnv("BACKEND", "openai"))
	c.Voice = getEnv("BACKEND_VOICE", "")
	c.Instructions = getEnv("BACKEND_INSTRUCTIONS", "")
	c.Language = getEnv("BACKEND_LANGUAGE", "")
	c.FirstMessage = getEnv("BACKEND_FIRST_MESSAGE", "")
	c.VADThreshold = getEnvFloat("BACKEND_VAD_THRESHOLD", 0.5)
	c.VADPrefixMs = getEnvInt("BACKEND_VAD_PREFIX_MS", 300)
	c.VADSilenceMs = getEnvInt("BACKEND_VAD_SILENCE_MS", 500)
	c.ConnectTimeout = getEnvDuration("BACKEND_CONNECT_TIMEOUT", 10*time.Second)

	c.OpenAI.APIKey = getEnv("OPENAI_API_KEY", "")
	c.OpenAI.Model = getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview")
	c.OpenAI.Temperature = getEnvFloat("OPENAI_TEMPERATURE", 0.8)

	c.ElevenLabs.APIKey = getEnv("ELEVENLABS_API_KEY", "")
	c.ElevenLabs.AgentID = getEnv("ELEVENLABS_AGENT_ID", "")
}

func loadAudioConfig(c *AudioConfig) {
	c.Encoding = getEnv("AUDIO_ENCODING", "PCMU")
	c.BedFile = getEnv("AUDIO_BED_FILE", "")
	c.BedAttenuation = getEnvFloat("AUDIO_BED_ATTENUATION", 0.5)
}

func loadTranscribeConfig(c *TranscribeConfig) {
	c.Enabled = getEnvBool("TRANSCRIBE_ENABLED", false)
	c.CredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")
	c.APIKey = getEnv("GOOGLE_STT_API_KEY", "")
	c.Language = getEnv("TRANSCRIBE_LANGUAGE", "en-US")
	c.Model = getEnv("TRANSCRIBE_MODEL", "phone_call")
	c.InterimResults = getEnvBool("TRANSCRIBE_INTERIM_RESULTS", false)
}

func loadStorageConfig(c *StorageConfig) {
	c.Enabled = getEnvBool("STORAGE_ENABLED", false)
	c.GCSBucket = getEnv("STORAGE_GCS_BUCKET", "")
	c.GCSPrefix = getEnv("STORAGE_GCS_PREFIX", "recordings")
	c.ServiceAccountKey = getEnv("STORAGE_SERVICE_ACCOUNT_KEY", "")
}

func loadMessagingConfig(c *MessagingConfig) {
	c.AMQPUrl = getEnv("AMQP_URL", "")
	c.AMQPQueueName = getEnv("AMQP_QUEUE_NAME", "")
}

func loadLoggingConfig(c *LoggingConfig) {
	c.Level = getEnv("LOG_LEVEL", "info")
	c.Format = getEnv("LOG_FORMAT", "json")
	c.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

// Validate checks cross-field requirements
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port)
	}

	switch c.Backend.Name {
	case "openai":
		if c.Backend.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai backend")
		}
	case "elevenlabs":
		if c.Backend.ElevenLabs.AgentID == "" {
			return fmt.Errorf("ELEVENLABS_AGENT_ID is required for the elevenlabs backend")
		}
	case "mock":
		// Loopback configuration, no credentials needed
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend.Name)
	}

	if c.Audio.BedAttenuation <= 0 || c.Audio.BedAttenuation > 1 {
		return fmt.Errorf("AUDIO_BED_ATTENUATION must be in (0, 1]: %f", c.Audio.BedAttenuation)
	}

	if c.Storage.Enabled && c.Storage.GCSBucket == "" {
		return fmt.Errorf("STORAGE_GCS_BUCKET is required when storage is enabled")
	}

	if c.Transcribe.Enabled && c.Transcribe.CredentialsFile == "" && c.Transcribe.APIKey == "" {
		return fmt.Errorf("transcription requires GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_STT_API_KEY")
	}

	return nil
}

// SetupLogging applies the logging configuration to a logger
func (c *LoggingConfig) SetupLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	logger.SetLevel(level)

	if strings.ToLower(c.Format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.OutputFile != "" {
		file, err := os.OpenFile(c.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(file)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}
