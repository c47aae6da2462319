package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speakerid-server/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 0.60, cfg.Engine.MatchThreshold)
	assert.Equal(t, 0.72, cfg.Engine.ProfileAutoThreshold)
	assert.Equal(t, 0.60, cfg.Engine.ProfileConfirmThreshold)
	assert.Equal(t, 0.08, cfg.Engine.ProfileMarginThreshold)
	assert.Equal(t, 300*time.Second, cfg.Engine.StabilizerWindow)

	assert.Equal(t, 20.0, cfg.Enrollment.ReadySeconds)
	assert.Equal(t, 3, cfg.Enrollment.ReadySamples)

	assert.Equal(t, 0.60, cfg.Incremental.SpeakerMatchThreshold)
	assert.Equal(t, 2, cfg.Incremental.CumulativeThreshold)
	assert.Equal(t, int64(30000), cfg.Incremental.OverlapMs)
	assert.Equal(t, 256, cfg.Incremental.MaxSessions)
	assert.Equal(t, 7200*time.Second, cfg.Incremental.SessionStaleAfter)
	assert.Equal(t, 3, cfg.Incremental.AnalysisInterval)
	assert.Equal(t, 5*time.Second, cfg.Incremental.FinalizeMinLeftover)
	assert.Equal(t, 60*time.Second, cfg.Incremental.ExternalCallTimeout)

	assert.Equal(t, "mock", cfg.STT.TranscriberProvider)
	assert.False(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, "speakerid_events", cfg.Messaging.AMQPQueueName)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "0.75")
	t.Setenv("INCREMENTAL_OVERLAP_MS", "15000")
	t.Setenv("STABILIZER_WINDOW", "2m")
	t.Setenv("STT_DIARIZER_VARIANT", "vad")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Engine.MatchThreshold)
	assert.Equal(t, int64(15000), cfg.Incremental.OverlapMs)
	assert.Equal(t, 2*time.Minute, cfg.Engine.StabilizerWindow)
	assert.Equal(t, "vad", cfg.STT.DiarizerVariant)
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "1.5")

	_, err := Load(testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestValidateFixesConfirmAboveAuto(t *testing.T) {
	t.Setenv("PROFILE_CONFIRM_THRESHOLD", "0.9")

	cfg, err := Load(testLogger())
	require.NoError(t, err)
	assert.Equal(t, cfg.Engine.ProfileAutoThreshold, cfg.Engine.ProfileConfirmThreshold)
}

func TestValidateDisablesCheckpointWithoutKey(t *testing.T) {
	t.Setenv("CHECKPOINT_ENABLED", "true")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load(testLogger())
	require.NoError(t, err)
	assert.False(t, cfg.Checkpoint.Enabled)
}

func TestSetupLogger(t *testing.T) {
	logger := logrus.New()
	cfg := &Config{Logging: LoggingConfig{Level: "debug", Format: "text"}}
	cfg.SetupLogger(logger)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	cfg = &Config{Logging: LoggingConfig{Level: "bogus", Format: "json"}}
	cfg.SetupLogger(logger)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
