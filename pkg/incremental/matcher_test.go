package incremental

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speakerid-server/pkg/session"
	"speakerid-server/pkg/stt"
	"speakerid-server/pkg/vector"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestSession() *session.Session {
	return &session.Session{
		ID:              "call-1",
		SpeakerProfiles: make(map[string]*session.GlobalSpeakerProfile),
	}
}

func TestMatchIncrementCreatesProfilesFirstWindow(t *testing.T) {
	m := NewMatcher(testLogger(), 0.6)
	sess := newTestSession()

	result := stt.DiarizationResult{
		Segments: []stt.Segment{
			{SpeakerLabel: "s0", StartMs: 0, EndMs: 8000},
			{SpeakerLabel: "s1", StartMs: 8000, EndMs: 11000},
		},
		Embeddings: map[string]vector.Embedding{
			"s0": {1, 0},
			"s1": {0, 1},
		},
	}
	mapping := m.MatchIncrement(sess, 0, result)

	require.Len(t, mapping, 2)
	// Longest speaker is processed first and takes the lowest id.
	assert.Equal(t, "spk_00", mapping["s0"])
	assert.Equal(t, "spk_01", mapping["s1"])
	assert.Equal(t, int64(8000), sess.SpeakerProfiles["spk_00"].TotalSpeechMs)
	assert.Equal(t, 0, sess.SpeakerProfiles["spk_01"].FirstSeenIncrement)
}

func TestMatchIncrementReusesProfilesAcrossWindows(t *testing.T) {
	m := NewMatcher(testLogger(), 0.6)
	sess := newTestSession()

	first := stt.DiarizationResult{
		Segments:   []stt.Segment{{SpeakerLabel: "s0", StartMs: 0, EndMs: 5000}},
		Embeddings: map[string]vector.Embedding{"s0": {1, 0}},
	}
	m.MatchIncrement(sess, 0, first)

	// The same voice comes back under a different local label.
	second := stt.DiarizationResult{
		Segments:   []stt.Segment{{SpeakerLabel: "s3", StartMs: 0, EndMs: 4000}},
		Embeddings: map[string]vector.Embedding{"s3": {0.99, 0.01}},
	}
	mapping := m.MatchIncrement(sess, 1, second)

	assert.Equal(t, "spk_00", mapping["s3"])
	require.Len(t, sess.SpeakerProfiles, 1)

	prof := sess.SpeakerProfiles["spk_00"]
	assert.Equal(t, 2, prof.SampleCount)
	assert.Equal(t, int64(9000), prof.TotalSpeechMs)
	assert.InDelta(t, 0.995, prof.Centroid[0], 1e-9)
}

func TestMatchIncrementOneClaimPerProfile(t *testing.T) {
	m := NewMatcher(testLogger(), 0.6)
	sess := newTestSession()

	seed := stt.DiarizationResult{
		Segments:   []stt.Segment{{SpeakerLabel: "s0", StartMs: 0, EndMs: 5000}},
		Embeddings: map[string]vector.Embedding{"s0": {1, 0}},
	}
	m.MatchIncrement(sess, 0, seed)

	// Two local speakers that would both match spk_00. The longer one gets
	// it; the shorter one must not share the identity.
	result := stt.DiarizationResult{
		Segments: []stt.Segment{
			{SpeakerLabel: "s0", StartMs: 0, EndMs: 6000},
			{SpeakerLabel: "s1", StartMs: 6000, EndMs: 8000},
		},
		Embeddings: map[string]vector.Embedding{
			"s0": {0.99, 0.01},
			"s1": {0.98, 0.02},
		},
	}
	mapping := m.MatchIncrement(sess, 1, result)

	assert.Equal(t, "spk_00", mapping["s0"])
	assert.Equal(t, "spk_01", mapping["s1"])
	assert.Len(t, sess.SpeakerProfiles, 2)
}

func TestMatchIncrementNoEmbeddingGetsFreshIdentity(t *testing.T) {
	m := NewMatcher(testLogger(), 0.6)
	sess := newTestSession()

	seed := stt.DiarizationResult{
		Segments:   []stt.Segment{{SpeakerLabel: "s0", StartMs: 0, EndMs: 5000}},
		Embeddings: map[string]vector.Embedding{"s0": {1, 0}},
	}
	m.MatchIncrement(sess, 0, seed)

	result := stt.DiarizationResult{
		Segments: []stt.Segment{{SpeakerLabel: "s0", StartMs: 0, EndMs: 3000}},
	}
	mapping := m.MatchIncrement(sess, 1, result)

	assert.Equal(t, "spk_01", mapping["s0"])
	prof := sess.SpeakerProfiles["spk_01"]
	assert.Empty(t, prof.Centroid)
	assert.Equal(t, 0, prof.SampleCount)
	assert.Equal(t, int64(3000), prof.TotalSpeechMs)
}

func TestMatchIncrementCopiesEmbeddingOnCreate(t *testing.T) {
	m := NewMatcher(testLogger(), 0.6)
	sess := newTestSession()

	buf := vector.Embedding{1, 0}
	result := stt.DiarizationResult{
		Segments:   []stt.Segment{{SpeakerLabel: "s0", StartMs: 0, EndMs: 5000}},
		Embeddings: map[string]vector.Embedding{"s0": buf},
	}
	m.MatchIncrement(sess, 0, result)

	// A backend reusing its buffer must not reach into a stored centroid.
	buf[0] = 0
	buf[1] = 1

	assert.Equal(t, vector.Embedding{1, 0}, sess.SpeakerProfiles["spk_00"].Centroid)
}

func TestMatchIncrementSparseRestoredIDs(t *testing.T) {
	m := NewMatcher(testLogger(), 0.9)
	sess := newTestSession()
	require.True(t, sess.Restore([]session.SpeakerSnapshot{
		{SpeakerID: "spk_00", Centroid: vector.Embedding{1, 0}},
		{SpeakerID: "spk_02", Centroid: vector.Embedding{0, 1}},
	}))

	// A voice matching neither restored profile gets a fresh id past the
	// highest restored one instead of colliding with spk_02.
	result := stt.DiarizationResult{
		Segments:   []stt.Segment{{SpeakerLabel: "s0", StartMs: 0, EndMs: 4000}},
		Embeddings: map[string]vector.Embedding{"s0": {0.7, 0.7}},
	}
	mapping := m.MatchIncrement(sess, 3, result)

	assert.Equal(t, "spk_03", mapping["s0"])
	assert.Len(t, sess.SpeakerProfiles, 3)
	assert.Equal(t, vector.Embedding{0, 1}, sess.SpeakerProfiles["spk_02"].Centroid)
}

func TestMatchIncrementBelowThresholdCreatesProfile(t *testing.T) {
	m := NewMatcher(testLogger(), 0.8)
	sess := newTestSession()

	seed := stt.DiarizationResult{
		Segments:   []stt.Segment{{SpeakerLabel: "s0", StartMs: 0, EndMs: 5000}},
		Embeddings: map[string]vector.Embedding{"s0": {1, 0}},
	}
	m.MatchIncrement(sess, 0, seed)

	result := stt.DiarizationResult{
		Segments:   []stt.Segment{{SpeakerLabel: "s0", StartMs: 0, EndMs: 4000}},
		Embeddings: map[string]vector.Embedding{"s0": {0.5, 0.87}},
	}
	mapping := m.MatchIncrement(sess, 1, result)

	assert.Equal(t, "spk_01", mapping["s0"])
	assert.Len(t, sess.SpeakerProfiles, 2)
}
