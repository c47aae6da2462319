package binding

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *Policy {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewPolicy(logger, 0.72, 0.60, 0.08)
}

func TestDecideLockedBindingWinsUnconditionally(t *testing.T) {
	p := testPolicy()
	existing := &Meta{
		ParticipantName: "Alice",
		Source:          SourceManualMap,
		Confidence:      1,
		Locked:          true,
		UpdatedAt:       time.Now(),
	}

	// Strong contradicting evidence must not matter.
	outcome := p.Decide(existing, 0.8, &ProfileEvidence{Name: "Bob", Score: 0.99, Margin: 0.5}, "Carol")

	assert.Equal(t, DecisionAuto, outcome.Decision)
	assert.Equal(t, "Alice", outcome.Name)
	assert.False(t, outcome.Persist, "locked bindings are never rewritten")
}

func TestDecideProfileAuto(t *testing.T) {
	p := testPolicy()

	outcome := p.Decide(nil, 0.5, &ProfileEvidence{Name: "Alice", Score: 0.83, Margin: 0.15}, "")

	assert.Equal(t, DecisionAuto, outcome.Decision)
	assert.Equal(t, "Alice", outcome.Name)
	assert.Equal(t, SourceEnrollmentMatch, outcome.Source)
	assert.Equal(t, 0.83, outcome.Confidence)
	assert.True(t, outcome.Persist)
}

func TestDecideProfileAutoRequiresMargin(t *testing.T) {
	p := testPolicy()

	outcome := p.Decide(nil, 0.5, &ProfileEvidence{Name: "Alice", Score: 0.83, Margin: 0.02}, "")

	assert.Equal(t, DecisionConfirm, outcome.Decision, "high score with thin margin only suggests")
	assert.Equal(t, "Alice", outcome.Name)
}

func TestDecideProfileConfirm(t *testing.T) {
	p := testPolicy()

	outcome := p.Decide(nil, 0.5, &ProfileEvidence{Name: "Alice", Score: 0.65, Margin: 0.30}, "")

	assert.Equal(t, DecisionConfirm, outcome.Decision)
	assert.Equal(t, "Alice", outcome.Name)
}

func TestDecideNameCandidateConfirm(t *testing.T) {
	p := testPolicy()

	outcome := p.Decide(nil, 0.55, nil, "Bob")

	assert.Equal(t, DecisionConfirm, outcome.Decision)
	assert.Equal(t, "Bob", outcome.Name)
	assert.Equal(t, SourceNameExtract, outcome.Source)
	assert.Equal(t, 0.55, outcome.Confidence)
}

func TestDecideUnknown(t *testing.T) {
	p := testPolicy()

	outcome := p.Decide(nil, 0.3, nil, "")

	assert.Equal(t, DecisionUnknown, outcome.Decision)
	assert.Empty(t, outcome.Name)
}

func TestDecideWeakProfileFallsThroughToName(t *testing.T) {
	p := testPolicy()

	outcome := p.Decide(nil, 0.4, &ProfileEvidence{Name: "Alice", Score: 0.30, Margin: 0.01}, "Bob")

	assert.Equal(t, DecisionConfirm, outcome.Decision)
	assert.Equal(t, "Bob", outcome.Name)
}

func TestStabilizeUpgradesUnknown(t *testing.T) {
	prior := &Meta{
		ParticipantName: "Alice",
		Source:          SourceNameExtract,
		UpdatedAt:       time.Now().Add(-30 * time.Second),
	}
	outcome := Stabilize(Outcome{Decision: DecisionUnknown}, prior, 300*time.Second, time.Now())

	assert.Equal(t, DecisionConfirm, outcome.Decision)
	assert.Equal(t, "Alice", outcome.Name)
	assert.Equal(t, "stabilized by recent cluster candidate", outcome.Reason)
	assert.True(t, outcome.Persist)
}

func TestStabilizeOverridesDisagreement(t *testing.T) {
	prior := &Meta{
		ParticipantName: "Alice",
		Source:          SourceEnrollmentMatch,
		UpdatedAt:       time.Now().Add(-10 * time.Second),
	}
	outcome := Stabilize(Outcome{Decision: DecisionConfirm, Name: "Bob", Persist: true}, prior, 300*time.Second, time.Now())

	assert.Equal(t, DecisionConfirm, outcome.Decision)
	assert.Equal(t, "Alice", outcome.Name)
	assert.Equal(t, "stabilized by recent cluster candidate", outcome.Reason)
}

func TestStabilizeAgreementUntouched(t *testing.T) {
	prior := &Meta{
		ParticipantName: "Alice",
		UpdatedAt:       time.Now().Add(-10 * time.Second),
	}
	outcome := Stabilize(Outcome{Decision: DecisionAuto, Name: "Alice", Reason: "profile match above auto threshold"}, prior, 300*time.Second, time.Now())

	assert.Equal(t, "Alice", outcome.Name)
	assert.Equal(t, "profile match above auto threshold", outcome.Reason)
}

func TestStabilizeExpiredWindow(t *testing.T) {
	prior := &Meta{
		ParticipantName: "Alice",
		UpdatedAt:       time.Now().Add(-10 * time.Minute),
	}
	outcome := Stabilize(Outcome{Decision: DecisionUnknown}, prior, 300*time.Second, time.Now())

	assert.Equal(t, DecisionUnknown, outcome.Decision)
	assert.Empty(t, outcome.Name)
}

func TestStabilizeIgnoresLockedPrior(t *testing.T) {
	prior := &Meta{
		ParticipantName: "Alice",
		Locked:          true,
		UpdatedAt:       time.Now(),
	}
	outcome := Stabilize(Outcome{Decision: DecisionUnknown}, prior, 300*time.Second, time.Now())
	assert.Equal(t, DecisionUnknown, outcome.Decision)
}

func TestNewMetaDefaultsSourceAndClampsConfidence(t *testing.T) {
	now := time.Now()
	meta := NewMeta(Outcome{Decision: DecisionConfirm, Name: "Alice", Confidence: 1.7}, now)

	require.NotNil(t, meta)
	assert.Equal(t, SourceNameExtract, meta.Source)
	assert.Equal(t, 1.0, meta.Confidence)
	assert.False(t, meta.Locked)
	assert.Equal(t, now, meta.UpdatedAt)
}
