// Package config loads the engine configuration from the environment, with
// optional .env support.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	Engine      EngineConfig      `json:"engine"`
	Enrollment  EnrollmentConfig  `json:"enrollment"`
	Incremental IncrementalConfig `json:"incremental"`
	STT         STTConfig         `json:"stt"`
	Checkpoint  CheckpointConfig  `json:"checkpoint"`
	Messaging   MessagingConfig   `json:"messaging"`
	Logging     LoggingConfig     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// EngineConfig holds the live-resolve decision thresholds.
type EngineConfig struct {
	// MatchThreshold is the minimum cosine similarity for an utterance to
	// join an existing cluster.
	MatchThreshold float64 `json:"match_threshold"`

	// ProfileAutoThreshold and ProfileMarginThreshold gate automatic
	// binding from an enrolled-profile match.
	ProfileAutoThreshold    float64 `json:"profile_auto_threshold"`
	ProfileConfirmThreshold float64 `json:"profile_confirm_threshold"`
	ProfileMarginThreshold  float64 `json:"profile_margin_threshold"`

	// StabilizerWindow bounds how old a prior binding may be and still
	// smooth the current decision.
	StabilizerWindow time.Duration `json:"stabilizer_window"`
}

// EnrollmentConfig holds profile readiness thresholds.
type EnrollmentConfig struct {
	ReadySeconds float64 `json:"ready_seconds"`
	ReadySamples int     `json:"ready_samples"`
}

// IncrementalConfig holds the batch pipeline configuration.
type IncrementalConfig struct {
	SpeakerMatchThreshold float64       `json:"speaker_match_threshold"`
	CumulativeThreshold   int           `json:"cumulative_threshold"`
	OverlapMs             int64         `json:"overlap_ms"`
	MaxSessions           int           `json:"max_sessions"`
	SessionStaleAfter     time.Duration `json:"session_stale_after"`
	AnalysisInterval      int           `json:"analysis_interval"`
	FinalizeMinLeftover   time.Duration `json:"finalize_min_leftover"`
	ExternalCallTimeout   time.Duration `json:"external_call_timeout"`
}

// STTConfig selects the external speech collaborators.
type STTConfig struct {
	TranscriberProvider string `json:"transcriber_provider"`
	DiarizerVariant     string `json:"diarizer_variant"`
	DefaultLanguage     string `json:"default_language"`
	EmbeddingDim        int    `json:"embedding_dim"`
}

// CheckpointConfig configures periodic transcript analysis.
type CheckpointConfig struct {
	Enabled      bool   `json:"enabled"`
	OpenAIAPIKey string `json:"-"`
	Model        string `json:"model"`
}

// MessagingConfig configures the AMQP identity-event publisher.
type MessagingConfig struct {
	AMQPUrl       string `json:"-"`
	AMQPQueueName string `json:"amqp_queue_name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MetricsConfig holds the metrics listener configuration.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded configuration from .env file")
	}

	cfg := &Config{
		Engine: EngineConfig{
			MatchThreshold:          getEnvFloat("MATCH_THRESHOLD", 0.60),
			ProfileAutoThreshold:    getEnvFloat("PROFILE_AUTO_THRESHOLD", 0.72),
			ProfileConfirmThreshold: getEnvFloat("PROFILE_CONFIRM_THRESHOLD", 0.60),
			ProfileMarginThreshold:  getEnvFloat("PROFILE_MARGIN_THRESHOLD", 0.08),
			StabilizerWindow:        getEnvDuration("STABILIZER_WINDOW", 300*time.Second),
		},
		Enrollment: EnrollmentConfig{
			ReadySeconds: getEnvFloat("ENROLLMENT_READY_SECONDS", 20),
			ReadySamples: getEnvInt("ENROLLMENT_READY_SAMPLES", 3),
		},
		Incremental: IncrementalConfig{
			SpeakerMatchThreshold: getEnvFloat("INCREMENTAL_SPEAKER_MATCH_THRESHOLD", 0.60),
			CumulativeThreshold:   getEnvInt("INCREMENTAL_CUMULATIVE_THRESHOLD", 2),
			OverlapMs:             int64(getEnvInt("INCREMENTAL_OVERLAP_MS", 30000)),
			MaxSessions:           getEnvInt("INCREMENTAL_MAX_SESSIONS", 256),
			SessionStaleAfter:     getEnvDuration("SESSION_STALE_AFTER", 7200*time.Second),
			AnalysisInterval:      getEnvInt("ANALYSIS_INTERVAL", 3),
			FinalizeMinLeftover:   getEnvDuration("FINALIZE_MIN_LEFTOVER", 5*time.Second),
			ExternalCallTimeout:   getEnvDuration("EXTERNAL_CALL_TIMEOUT", 60*time.Second),
		},
		STT: STTConfig{
			TranscriberProvider: getEnv("STT_TRANSCRIBER", "mock"),
			DiarizerVariant:     getEnv("STT_DIARIZER_VARIANT", "mock"),
			DefaultLanguage:     getEnv("STT_DEFAULT_LANGUAGE", "en-US"),
			EmbeddingDim:        getEnvInt("STT_EMBEDDING_DIM", 16),
		},
		Checkpoint: CheckpointConfig{
			Enabled:      getEnvBool("CHECKPOINT_ENABLED", false),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			Model:        getEnv("CHECKPOINT_MODEL", ""),
		},
		Messaging: MessagingConfig{
			AMQPUrl:       getEnv("AMQP_URL", ""),
			AMQPQueueName: getEnv("AMQP_QUEUE_NAME", "speakerid_events"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:    getEnvBool("METRICS_ENABLED", true),
			ListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9090"),
		},
	}

	if err := cfg.Validate(logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks threshold sanity and fixes recoverable problems with a
// logged warning.
func (c *Config) Validate(logger *logrus.Logger) error {
	if c.Engine.MatchThreshold <= -1 || c.Engine.MatchThreshold > 1 {
		return errors.NewValidation("MATCH_THRESHOLD must be in (-1, 1]", map[string]interface{}{
			"value": c.Engine.MatchThreshold,
		})
	}
	if c.Engine.ProfileConfirmThreshold > c.Engine.ProfileAutoThreshold {
		logger.WithFields(logrus.Fields{
			"confirm": c.Engine.ProfileConfirmThreshold,
			"auto":    c.Engine.ProfileAutoThreshold,
		}).Warn("Profile confirm threshold above auto threshold, lowering confirm to auto")
		c.Engine.ProfileConfirmThreshold = c.Engine.ProfileAutoThreshold
	}
	if c.Incremental.CumulativeThreshold < 1 {
		logger.Warn("INCREMENTAL_CUMULATIVE_THRESHOLD below 1, using 1")
		c.Incremental.CumulativeThreshold = 1
	}
	if c.Incremental.MaxSessions < 1 {
		return errors.NewValidation("INCREMENTAL_MAX_SESSIONS must be positive", map[string]interface{}{
			"value": c.Incremental.MaxSessions,
		})
	}
	if c.Checkpoint.Enabled && c.Checkpoint.OpenAIAPIKey == "" {
		logger.Warn("Checkpoint analysis enabled without OPENAI_API_KEY, disabling")
		c.Checkpoint.Enabled = false
	}
	return nil
}

// SetupLogger applies the logging configuration to a logrus logger.
func (c *Config) SetupLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
