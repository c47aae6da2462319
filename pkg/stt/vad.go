package stt

import (
	"context"

	"github.com/sirupsen/logrus"
)

// VADDiarizer is the built-in energy-gated segmenter. It detects speech
// regions but cannot tell speakers apart, so every segment carries the same
// local label and no embeddings are produced; downstream treats the window
// as a single unidentified speaker.
type VADDiarizer struct {
	logger *logrus.Logger

	// energy threshold for speech, and minimum gap before a segment closes
	threshold float64
	frameMs   int64
	minGapMs  int64
}

// NewVADDiarizer creates the energy-gated diarizer with default tuning.
func NewVADDiarizer(logger *logrus.Logger) *VADDiarizer {
	return &VADDiarizer{
		logger:    logger,
		threshold: 0.01,
		frameMs:   20,
		minGapMs:  300,
	}
}

// Name returns the provider name
func (d *VADDiarizer) Name() string { return DiarizerVariantVAD }

// Diarize splits audio into speech segments by frame energy.
func (d *VADDiarizer) Diarize(ctx context.Context, audio Audio, _ []int) (DiarizationResult, error) {
	if err := ctx.Err(); err != nil {
		return DiarizationResult{}, err
	}
	if audio.SampleRate <= 0 || len(audio.Samples) == 0 {
		return DiarizationResult{}, nil
	}

	frameSamples := int(d.frameMs) * audio.SampleRate / 1000
	if frameSamples <= 0 {
		frameSamples = 1
	}

	var segments []Segment
	var open bool
	var segStartMs, lastSpeechMs int64

	for off := 0; off < len(audio.Samples); off += frameSamples {
		end := off + frameSamples
		if end > len(audio.Samples) {
			end = len(audio.Samples)
		}
		frameMs := int64(off) * 1000 / int64(audio.SampleRate)

		var energy float64
		for _, s := range audio.Samples[off:end] {
			energy += float64(s) * float64(s)
		}
		energy /= float64(end - off)

		speech := energy >= d.threshold
		switch {
		case speech && !open:
			open = true
			segStartMs = frameMs
			lastSpeechMs = frameMs
		case speech && open:
			lastSpeechMs = frameMs
		case !speech && open:
			if frameMs-lastSpeechMs >= d.minGapMs {
				segments = append(segments, Segment{
					SpeakerLabel: "s0",
					StartMs:      segStartMs,
					EndMs:        lastSpeechMs + d.frameMs,
				})
				open = false
			}
		}
	}
	if open {
		segments = append(segments, Segment{
			SpeakerLabel: "s0",
			StartMs:      segStartMs,
			EndMs:        audio.DurationMs(),
		})
	}

	d.logger.WithFields(logrus.Fields{
		"segments":    len(segments),
		"duration_ms": audio.DurationMs(),
	}).Debug("VAD diarization produced")

	return DiarizationResult{Segments: segments}, nil
}
