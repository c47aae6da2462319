package stt

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/errors"
	"speakerid-server/pkg/vector"
)

// MockTranscriber implements a deterministic transcriber for tests and the
// demo binary. It splits the window into fixed-length utterances with
// canned text so downstream timing logic can be exercised end to end.
type MockTranscriber struct {
	logger *logrus.Logger

	// Scripts, when set, overrides the canned lines in order.
	Scripts []string
}

// NewMockTranscriber creates a new mock transcriber.
func NewMockTranscriber(logger *logrus.Logger) *MockTranscriber {
	return &MockTranscriber{logger: logger}
}

// Name returns the provider name
func (t *MockTranscriber) Name() string { return "mock" }

var mockLines = []string{
	"Hello everyone, thanks for joining the call.",
	"Let's walk through the agenda for today.",
	"The rollout finished ahead of schedule last week.",
	"We still need sign-off from the platform team.",
	"I'll follow up with the numbers after the meeting.",
	"Does anyone have questions before we wrap up?",
}

// Transcribe produces one utterance per five seconds of audio.
func (t *MockTranscriber) Transcribe(ctx context.Context, audio Audio, languageHint string) ([]Utterance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	durationMs := audio.DurationMs()
	if durationMs == 0 {
		return nil, nil
	}

	lines := t.Scripts
	if len(lines) == 0 {
		lines = mockLines
	}

	const sliceMs = 5000
	var out []Utterance
	for i, startMs := 0, int64(0); startMs < durationMs; i, startMs = i+1, startMs+sliceMs {
		endMs := startMs + sliceMs
		if endMs > durationMs {
			endMs = durationMs
		}
		out = append(out, Utterance{
			ID:         uuid.NewString(),
			Text:       lines[i%len(lines)],
			StartMs:    startMs,
			EndMs:      endMs,
			Language:   languageHint,
			Confidence: 0.95,
		})
	}

	t.logger.WithFields(logrus.Fields{
		"utterances":  len(out),
		"duration_ms": durationMs,
	}).Debug("Mock transcription produced")
	return out, nil
}

// MockDiarizer alternates two local speaker labels over fixed turns and
// attaches a deterministic embedding per label.
type MockDiarizer struct {
	logger *logrus.Logger

	// TurnMs is the length of one speaker turn.
	TurnMs int64
}

// NewMockDiarizer creates a new mock diarizer.
func NewMockDiarizer(logger *logrus.Logger) *MockDiarizer {
	return &MockDiarizer{logger: logger, TurnMs: 10000}
}

// Name returns the provider name
func (d *MockDiarizer) Name() string { return DiarizerVariantMock }

// Diarize splits the window into alternating turns between s0 and s1.
func (d *MockDiarizer) Diarize(ctx context.Context, audio Audio, _ []int) (DiarizationResult, error) {
	if err := ctx.Err(); err != nil {
		return DiarizationResult{}, err
	}
	durationMs := audio.DurationMs()
	if durationMs == 0 {
		return DiarizationResult{}, nil
	}

	var segments []Segment
	for i, startMs := 0, int64(0); startMs < durationMs; i, startMs = i+1, startMs+d.TurnMs {
		endMs := startMs + d.TurnMs
		if endMs > durationMs {
			endMs = durationMs
		}
		segments = append(segments, Segment{
			SpeakerLabel: fmt.Sprintf("s%d", i%2),
			StartMs:      startMs,
			EndMs:        endMs,
		})
	}

	return DiarizationResult{
		Segments: segments,
		Embeddings: map[string]vector.Embedding{
			"s0": DeterministicEmbedding("s0", 16),
			"s1": DeterministicEmbedding("s1", 16),
		},
	}, nil
}

// MockExtractor derives a deterministic embedding from the audio content so
// that identical audio always maps to the same vector.
type MockExtractor struct {
	logger *logrus.Logger
	dim    int
}

// NewMockExtractor creates a new mock embedding extractor.
func NewMockExtractor(logger *logrus.Logger, dim int) *MockExtractor {
	if dim <= 0 {
		dim = 16
	}
	return &MockExtractor{logger: logger, dim: dim}
}

// Name returns the provider name
func (e *MockExtractor) Name() string { return "mock" }

// Extract computes a unit-length embedding from coarse band energies.
func (e *MockExtractor) Extract(ctx context.Context, samples []float32, sampleRate int) (vector.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.NewBackendFailure(e.Name(), errors.ErrValidation, map[string]interface{}{
			"reason": "empty audio",
		})
	}

	emb := make(vector.Embedding, e.dim)
	band := len(samples) / e.dim
	if band == 0 {
		band = 1
	}
	for i := 0; i < e.dim; i++ {
		start := i * band
		if start >= len(samples) {
			break
		}
		end := start + band
		if end > len(samples) {
			end = len(samples)
		}
		var energy float64
		for _, s := range samples[start:end] {
			energy += float64(s) * float64(s)
		}
		emb[i] = math.Sqrt(energy / float64(end-start))
	}

	normalized, ok := vector.Normalize(emb)
	if !ok {
		return nil, errors.NewBackendFailure(e.Name(), errors.ErrZeroNormEmbedding)
	}
	return normalized, nil
}

// DeterministicEmbedding produces a stable unit vector from a seed string.
// Test helper shared by the mock providers.
func DeterministicEmbedding(seed string, dim int) vector.Embedding {
	emb := make(vector.Embedding, dim)
	h := uint64(1469598103934665603)
	for _, b := range []byte(seed) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	for i := range emb {
		h ^= h << 13
		h ^= h >> 7
		h ^= h << 17
		emb[i] = float64(h%1000)/500.0 - 1.0
	}
	normalized, ok := vector.Normalize(emb)
	if !ok {
		emb[0] = 1
		return emb
	}
	return normalized
}
