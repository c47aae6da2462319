package stt

import (
	"speakerid-server/pkg/vector"
)

// Audio is normalized mono PCM at a known sample rate. Producing it from
// arbitrary input formats is the AudioNormalizer's job.
type Audio struct {
	Samples    []float32 `json:"-"`
	SampleRate int       `json:"sample_rate"`
}

// DurationMs returns the audio duration in milliseconds.
func (a Audio) DurationMs() int64 {
	if a.SampleRate <= 0 {
		return 0
	}
	return int64(len(a.Samples)) * 1000 / int64(a.SampleRate)
}

// Word is one recognized word with its timing.
type Word struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Utterance is one transcribed speech turn.
type Utterance struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Words      []Word  `json:"words,omitempty"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Segment is one diarized stretch of speech attributed to a local,
// increment-scoped speaker label.
type Segment struct {
	SpeakerLabel string `json:"speaker_label"`
	StartMs      int64  `json:"start_ms"`
	EndMs        int64  `json:"end_ms"`
}

// DiarizationResult carries the segments plus optional per-speaker
// embeddings keyed by local label. Embeddings may be missing for any
// speaker; the matcher degrades to a fresh identity for those.
type DiarizationResult struct {
	Segments   []Segment                   `json:"segments"`
	Embeddings map[string]vector.Embedding `json:"embeddings,omitempty"`
}
