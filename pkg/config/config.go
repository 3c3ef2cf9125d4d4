package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/realtime"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig
	Logging   LoggingConfig
	Audio     AudioConfig
	Session   SessionConfig
	Coaching  CoachingConfig
	Twilio    TwilioConfig
	Messaging MessagingConfig
}

// HTTPConfig holds the HTTP server settings
type HTTPConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	EnableMetrics   bool
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string
	Format     string
	OutputFile string
}

// AudioConfig describes the incoming audio and feature extraction
type AudioConfig struct {
	SampleRate        int
	ChunkSize         time.Duration
	Window            time.Duration
	VADThresholdDB    float64
	FloorDB           float64
	SyllablesPerBurst float64
	StaleAfter        time.Duration
}

// SessionConfig controls the per-session processing loop
type SessionConfig struct {
	MetricsTick      time.Duration
	EvaluationTick   time.Duration
	SnapshotInterval time.Duration
	GracePeriod      time.Duration
	InboxSize        int
	OutboxSize       int
}

// CoachingConfig tunes the rule catalog
type CoachingConfig struct {
	FastWPM              float64
	LoudDB               float64
	SoftDB               float64
	SilenceSeconds       float64
	InterruptionCooldown time.Duration
	AnnounceEnabled      bool
	RulesFile            string
}

// TwilioConfig holds the telephony provider settings
type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	PhoneNumber       string
	TunnelURL         string
	ValidateSignature bool
	Greeting          string
	Voice             string
	StreamPause       time.Duration
}

// MessagingConfig holds the optional AMQP sink settings
type MessagingConfig struct {
	Enabled        bool
	AMQPURL        string
	QueueName      string
	ExchangeName   string
	RoutingKey     string
	Durable        bool
	PublishTimeout time.Duration
}

// Load reads configuration from .env and the environment
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{}

	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}
	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}
	if err := loadAudioConfig(logger, &config.Audio); err != nil {
		return nil, errors.Wrap(err, "failed to load audio configuration")
	}
	if err := loadSessionConfig(logger, &config.Session); err != nil {
		return nil, errors.Wrap(err, "failed to load session configuration")
	}
	if err := loadCoachingConfig(logger, &config.Coaching); err != nil {
		return nil, errors.Wrap(err, "failed to load coaching configuration")
	}
	if err := loadTwilioConfig(logger, &config.Twilio); err != nil {
		return nil, errors.Wrap(err, "failed to load Twilio configuration")
	}
	if err := loadMessagingConfig(logger, &config.Messaging); err != nil {
		return nil, errors.Wrap(err, "failed to load messaging configuration")
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

func loadDotEnv(logger *logrus.Logger) {
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
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")
		if godotenv.Load(envFile) == nil {
			loadedFrom = absPath
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Info("No .env file found, using environment variables only")
	}
}

func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	config.Port = getEnvInt("HTTP_PORT", 8000)
	if config.Port < 1 || config.Port > 65535 {
		logger.Warn("Invalid HTTP_PORT value, using default: 8000")
		config.Port = 8000
	}

	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	config.IdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second)
	config.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)

	return nil
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
	return nil
}

func loadAudioConfig(logger *logrus.Logger, config *AudioConfig) error {
	config.SampleRate = getEnvInt("AUDIO_SAMPLE_RATE", realtime.DefaultSampleRate)
	config.ChunkSize = time.Duration(getEnvInt("AUDIO_CHUNK_SIZE_MS", 20)) * time.Millisecond
	config.Window = time.Duration(getEnvFloat("SLIDING_WINDOW_SECONDS", 5) * float64(time.Second))
	config.VADThresholdDB = getEnvFloat("VAD_THRESHOLD_DB", realtime.DefaultVADThresholdDB)
	config.FloorDB = getEnvFloat("VOLUME_FLOOR_DB", realtime.DefaultFloorDB)
	config.SyllablesPerBurst = getEnvFloat("PACE_SYLLABLES_PER_BURST", realtime.DefaultSyllablesPerBurst)
	config.StaleAfter = getEnvDuration("TRACK_STALE_AFTER", realtime.DefaultStaleAfter)

	if config.ChunkSize <= 0 {
		logger.Warn("Invalid AUDIO_CHUNK_SIZE_MS value, using default: 20")
		config.ChunkSize = 20 * time.Millisecond
	}
	if config.SyllablesPerBurst <= 0 {
		logger.Warn("Invalid PACE_SYLLABLES_PER_BURST value, using default: 3")
		config.SyllablesPerBurst = realtime.DefaultSyllablesPerBurst
	}
	if config.StaleAfter <= 0 {
		logger.Warn("Invalid TRACK_STALE_AFTER value, using default: 500ms")
		config.StaleAfter = realtime.DefaultStaleAfter
	}
	return nil
}

func loadSessionConfig(logger *logrus.Logger, config *SessionConfig) error {
	config.MetricsTick = getEnvDuration("METRICS_TICK_INTERVAL", 100*time.Millisecond)
	config.EvaluationTick = getEnvDuration("EVALUATION_TICK_INTERVAL", 500*time.Millisecond)
	config.SnapshotInterval = getEnvDuration("SNAPSHOT_INTERVAL", time.Second)
	config.GracePeriod = getEnvDuration("SESSION_GRACE_PERIOD", 5*time.Second)
	config.InboxSize = getEnvInt("SESSION_INBOX_SIZE", 512)
	config.OutboxSize = getEnvInt("SESSION_OUTBOX_SIZE", 64)

	if config.InboxSize < 1 {
		logger.Warn("Invalid SESSION_INBOX_SIZE value, using default: 512")
		config.InboxSize = 512
	}
	if config.OutboxSize < 1 {
		logger.Warn("Invalid SESSION_OUTBOX_SIZE value, using default: 64")
		config.OutboxSize = 64
	}
	if config.GracePeriod < 0 {
		logger.Warn("Invalid SESSION_GRACE_PERIOD value, using default: 5s")
		config.GracePeriod = 5 * time.Second
	}
	return nil
}

func loadCoachingConfig(logger *logrus.Logger, config *CoachingConfig) error {
	config.FastWPM = getEnvFloat("AGENT_WPM_THRESHOLD_FAST", 160)
	config.LoudDB = getEnvFloat("AGENT_VOLUME_THRESHOLD_LOUD", -20)
	config.SoftDB = getEnvFloat("AGENT_VOLUME_THRESHOLD_SOFT", -50)
	config.SilenceSeconds = getEnvFloat("SILENCE_THRESHOLD_SECONDS", 3)
	config.InterruptionCooldown = time.Duration(getEnvFloat("INTERRUPTION_COOLDOWN_SECONDS", 15) * float64(time.Second))
	config.AnnounceEnabled = getEnvBool("COACHING_ANNOUNCE_ENABLED", false)
	config.RulesFile = getEnv("COACHING_RULES_FILE", "")

	if config.SoftDB >= config.LoudDB {
		logger.WithFields(logrus.Fields{
			"soft_db": config.SoftDB,
			"loud_db": config.LoudDB,
		}).Warn("Soft volume threshold is not below the loud threshold")
	}
	return nil
}

func loadTwilioConfig(logger *logrus.Logger, config *TwilioConfig) error {
	config.AccountSID = getEnv("TWILIO_ACCOUNT_SID", "")
	config.AuthToken = getEnv("TWILIO_AUTH_TOKEN", "")
	config.PhoneNumber = getEnv("TWILIO_PHONE_NUMBER", "")
	config.TunnelURL = strings.TrimRight(getEnv("TUNNEL_URL", ""), "/")
	config.ValidateSignature = getEnvBool("TWILIO_VALIDATE_SIGNATURE", false)
	config.Greeting = getEnv("TWILIO_GREETING", "Thank you for calling. Your call is being connected.")
	config.Voice = getEnv("TWILIO_VOICE", "alice")
	config.StreamPause = getEnvDuration("TWILIO_STREAM_PAUSE", 300*time.Second)

	if config.ValidateSignature && config.AuthToken == "" {
		logger.Warn("TWILIO_VALIDATE_SIGNATURE is set without TWILIO_AUTH_TOKEN, disabling signature validation")
		config.ValidateSignature = false
	}
	return nil
}

func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.AMQPURL = getEnv("AMQP_URL", "")
	config.QueueName = getEnv("AMQP_QUEUE_NAME", "callcoach-suggestions")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "")
	config.RoutingKey = getEnv("AMQP_ROUTING_KEY", config.QueueName)
	config.Durable = getEnvBool("AMQP_DURABLE", true)
	config.PublishTimeout = getEnvDuration("AMQP_PUBLISH_TIMEOUT", 5*time.Second)
	config.Enabled = config.AMQPURL != ""

	if config.Enabled {
		logger.WithField("queue", config.QueueName).Debug("AMQP suggestion sink configured")
	}
	return nil
}

func validateConfig(config *Config) error {
	if config.Audio.SampleRate <= 0 {
		return errors.NewInvalidConfig("AUDIO_SAMPLE_RATE", "must be positive")
	}
	if config.Audio.Window < time.Second {
		return errors.NewInvalidConfig("SLIDING_WINDOW_SECONDS", "must be at least 1 second")
	}
	if config.Audio.FloorDB >= 0 {
		return errors.NewInvalidConfig("VOLUME_FLOOR_DB", "must be below 0 dBFS")
	}
	if config.Audio.VADThresholdDB <= config.Audio.FloorDB {
		return errors.NewInvalidConfig("VAD_THRESHOLD_DB", "must be above the volume floor")
	}
	if config.Session.MetricsTick <= 0 {
		return errors.NewInvalidConfig("METRICS_TICK_INTERVAL", "must be positive")
	}
	if config.Session.EvaluationTick <= 0 {
		return errors.NewInvalidConfig("EVALUATION_TICK_INTERVAL", "must be positive")
	}
	if config.Session.EvaluationTick < config.Session.MetricsTick {
		return errors.NewInvalidConfig("EVALUATION_TICK_INTERVAL", "must not be shorter than METRICS_TICK_INTERVAL")
	}
	return nil
}

// ExtractorConfig converts the audio settings for the feature extractor
func (a AudioConfig) ExtractorConfig() realtime.ExtractorConfig {
	return realtime.ExtractorConfig{
		SampleRate:        a.SampleRate,
		Window:            a.Window,
		MinChunkDuration:  a.ChunkSize / 2,
		VADThresholdDB:    a.VADThresholdDB,
		FloorDB:           a.FloorDB,
		SyllablesPerBurst: a.SyllablesPerBurst,
		StaleAfter:        a.StaleAfter,
	}
}

// ApplyLogging configures the logger level, format and output
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
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

// getEnvFloat retrieves an environment variable and converts it to float64
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
