package incremental

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speakerid-server/pkg/checkpoint"
	"speakerid-server/pkg/config"
	"speakerid-server/pkg/errors"
	"speakerid-server/pkg/session"
	"speakerid-server/pkg/stt"
)

func testConfig() config.IncrementalConfig {
	return config.IncrementalConfig{
		SpeakerMatchThreshold: 0.6,
		CumulativeThreshold:   2,
		OverlapMs:             30000,
		MaxSessions:           8,
		SessionStaleAfter:     2 * time.Hour,
		AnalysisInterval:      3,
		FinalizeMinLeftover:   5 * time.Second,
		ExternalCallTimeout:   60 * time.Second,
	}
}

// recordingAnalyzer captures checkpoint requests and returns a fixed result.
type recordingAnalyzer struct {
	requests []checkpoint.Request
	err      error
}

func (a *recordingAnalyzer) Name() string { return "recording" }

func (a *recordingAnalyzer) Analyze(_ context.Context, req checkpoint.Request) (*checkpoint.Checkpoint, error) {
	a.requests = append(a.requests, req)
	if a.err != nil {
		return nil, a.err
	}
	return &checkpoint.Checkpoint{
		IncrementIndex: req.IncrementIndex,
		Summary:        "summary",
		Model:          "test",
		CreatedAt:      time.Now(),
	}, nil
}

type failingDiarizer struct{}

func (failingDiarizer) Name() string { return "failing" }
func (failingDiarizer) Diarize(context.Context, stt.Audio, []int) (stt.DiarizationResult, error) {
	return stt.DiarizationResult{}, errors.ErrNoProviderAvailable
}

func testAudio(seconds int) stt.Audio {
	samples := make([]float32, seconds*8000)
	for i := range samples {
		samples[i] = float32(i%7) * 0.05
	}
	return stt.Audio{Samples: samples, SampleRate: 8000}
}

func newTestProcessor(analyzer checkpoint.Analyzer) (*Processor, *session.Store) {
	logger := testLogger()
	store := session.NewStore(logger, 8)
	p := NewProcessor(logger, testConfig(), store,
		stt.NewMockTranscriber(logger),
		stt.NewMockDiarizer(logger),
		stt.NewMockExtractor(logger, 16),
		analyzer, nil)
	return p, store
}

func TestProcessIncrementFirstWindow(t *testing.T) {
	p, store := newTestProcessor(nil)

	resp, err := p.ProcessIncrement(context.Background(), IncrementRequest{
		SessionID: "call-1",
		Audio:     testAudio(30),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, resp.Index)
	assert.True(t, resp.Cumulative)
	assert.False(t, resp.StableSpeakerMap)
	require.NotEmpty(t, resp.Utterances)
	require.Len(t, resp.SpeakerProfiles, 2)
	assert.Equal(t, "spk_00", resp.SpeakerProfiles[0].SpeakerID)
	assert.Equal(t, "spk_01", resp.SpeakerProfiles[1].SpeakerID)

	// Every utterance overlapping a diarized turn carries a global id.
	for _, utt := range resp.Utterances {
		assert.Contains(t, []string{"spk_00", "spk_01"}, utt.Speaker)
	}
	assert.Equal(t, 1, store.Len())
}

func TestProcessIncrementSpeakerContinuity(t *testing.T) {
	p, _ := newTestProcessor(nil)
	ctx := context.Background()

	first, err := p.ProcessIncrement(ctx, IncrementRequest{SessionID: "call-1", Audio: testAudio(30)})
	require.NoError(t, err)

	// The mock diarizer emits the same voices again; no new identities.
	second, err := p.ProcessIncrement(ctx, IncrementRequest{
		SessionID:    "call-1",
		Audio:        testAudio(30),
		AudioStartMs: 30000,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, second.Index)
	assert.False(t, second.Cumulative)
	assert.True(t, second.StableSpeakerMap)
	assert.Len(t, second.SpeakerProfiles, len(first.SpeakerProfiles))

	// Second window's utterances live in session time, not window time.
	require.NotEmpty(t, second.Utterances)
	assert.GreaterOrEqual(t, second.Utterances[0].StartMs, int64(30000))
}

func TestProcessIncrementCheckpointSchedule(t *testing.T) {
	analyzer := &recordingAnalyzer{}
	p, _ := newTestProcessor(analyzer)
	ctx := context.Background()

	// Interval 3: checkpoints run at index 0, then at index 2 ((2+1)%3 == 0).
	for i := 0; i < 3; i++ {
		resp, err := p.ProcessIncrement(ctx, IncrementRequest{
			SessionID:    "call-1",
			Audio:        testAudio(20),
			AudioStartMs: int64(i) * 20000,
		})
		require.NoError(t, err)
		if i == 0 || i == 2 {
			assert.NotNil(t, resp.Checkpoint, "increment %d", i)
		} else {
			assert.Nil(t, resp.Checkpoint, "increment %d", i)
		}
	}
	require.Len(t, analyzer.requests, 2)
	assert.Equal(t, 0, analyzer.requests[0].IncrementIndex)
	assert.Equal(t, 2, analyzer.requests[1].IncrementIndex)
	assert.NotEmpty(t, analyzer.requests[1].Transcript)
}

func TestProcessIncrementCheckpointFailureIsSwallowed(t *testing.T) {
	analyzer := &recordingAnalyzer{err: errors.ErrBackendFailure}
	p, _ := newTestProcessor(analyzer)

	resp, err := p.ProcessIncrement(context.Background(), IncrementRequest{
		SessionID: "call-1",
		Audio:     testAudio(20),
	})
	require.NoError(t, err, "checkpoint failures must not fail the increment")
	assert.Nil(t, resp.Checkpoint)
}

func TestProcessIncrementEmptyAudio(t *testing.T) {
	p, store := newTestProcessor(nil)

	_, err := p.ProcessIncrement(context.Background(), IncrementRequest{SessionID: "call-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoUsableSpeech)
	assert.Equal(t, 0, store.Len(), "a rejected first increment should not leave a session behind")
}

func TestProcessIncrementDiarizerFailure(t *testing.T) {
	logger := testLogger()
	store := session.NewStore(logger, 8)
	p := NewProcessor(logger, testConfig(), store,
		stt.NewMockTranscriber(logger), failingDiarizer{}, nil, nil, nil)

	_, err := p.ProcessIncrement(context.Background(), IncrementRequest{
		SessionID: "call-1",
		Audio:     testAudio(10),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBackendFailure)
}

func TestProcessIncrementRestoresSnapshot(t *testing.T) {
	p, store := newTestProcessor(nil)
	ctx := context.Background()

	first, err := p.ProcessIncrement(ctx, IncrementRequest{SessionID: "call-1", Audio: testAudio(30)})
	require.NoError(t, err)
	store.Remove("call-1")

	// A new session seeded with the old snapshot keeps the identities.
	resp, err := p.ProcessIncrement(ctx, IncrementRequest{
		SessionID:               "call-1",
		Audio:                   testAudio(30),
		AudioStartMs:            30000,
		PreviousSpeakerProfiles: first.SpeakerProfiles,
	})
	require.NoError(t, err)
	assert.Len(t, resp.SpeakerProfiles, len(first.SpeakerProfiles))
}

func TestFinalizeUnknownSession(t *testing.T) {
	p, _ := newTestProcessor(nil)

	resp, err := p.Finalize(context.Background(), FinalizeRequest{SessionID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, "missing", resp.SessionID)
	assert.Empty(t, resp.Transcript)
	assert.Empty(t, resp.SpeakerStats)

	// Idempotent: a second finalize behaves the same.
	again, err := p.Finalize(context.Background(), FinalizeRequest{SessionID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, again.Transcript)
}

func TestFinalizeRemovesSession(t *testing.T) {
	p, store := newTestProcessor(nil)
	ctx := context.Background()

	_, err := p.ProcessIncrement(ctx, IncrementRequest{SessionID: "call-1", Audio: testAudio(30)})
	require.NoError(t, err)

	resp, err := p.Finalize(ctx, FinalizeRequest{SessionID: "call-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Transcript)
	require.Len(t, resp.SpeakerStats, 2)
	assert.Equal(t, "spk_00", resp.SpeakerStats[0].SpeakerID)
	assert.Greater(t, resp.SpeakerStats[0].TotalSpeechMs, int64(0))
	assert.Equal(t, 0, store.Len())
}

func TestFinalizeSkipsShortLeftover(t *testing.T) {
	p, _ := newTestProcessor(nil)
	ctx := context.Background()

	first, err := p.ProcessIncrement(ctx, IncrementRequest{SessionID: "call-1", Audio: testAudio(30)})
	require.NoError(t, err)

	resp, err := p.Finalize(ctx, FinalizeRequest{
		SessionID:       "call-1",
		LeftoverAudio:   testAudio(3),
		LeftoverStartMs: 30000,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Transcript, len(first.Utterances), "a sub-minimum leftover must not add utterances")
}

func TestFinalizeProcessesLongLeftover(t *testing.T) {
	p, _ := newTestProcessor(nil)
	ctx := context.Background()

	// Two cumulative increments, then a leftover chunk that extends past
	// the overlap margin so it carries genuinely new speech.
	_, err := p.ProcessIncrement(ctx, IncrementRequest{SessionID: "call-1", Audio: testAudio(30)})
	require.NoError(t, err)
	second, err := p.ProcessIncrement(ctx, IncrementRequest{SessionID: "call-1", Audio: testAudio(60)})
	require.NoError(t, err)

	resp, err := p.Finalize(ctx, FinalizeRequest{
		SessionID:       "call-1",
		LeftoverAudio:   testAudio(40),
		LeftoverStartMs: 60000,
	})
	require.NoError(t, err)
	// The first 30s of the leftover re-process the overlap region; only the
	// final 10s add utterances on top of the cumulative base.
	assert.Greater(t, len(resp.Transcript), len(second.Utterances))
}

func TestSweepStaleWrapper(t *testing.T) {
	p, store := newTestProcessor(nil)

	_, err := p.ProcessIncrement(context.Background(), IncrementRequest{SessionID: "call-1", Audio: testAudio(10)})
	require.NoError(t, err)
	sess, ok := store.Get("call-1")
	require.True(t, ok)
	sess.LastActivity = time.Now().Add(-3 * time.Hour)

	removed := p.SweepStale()
	assert.Equal(t, []string{"call-1"}, removed)
	assert.Equal(t, 0, store.Len())
}
