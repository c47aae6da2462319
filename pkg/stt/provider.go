// Package stt defines the external collaborator interfaces the identity
// engine consumes: transcription, diarization, embedding extraction and
// audio normalization. Concrete speech backends live behind these
// interfaces; the engine only combines their evidence.
package stt

import (
	"context"

	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/errors"
	"speakerid-server/pkg/vector"
)

// Transcriber converts audio into timed utterances.
type Transcriber interface {
	// Name returns the provider name
	Name() string

	// Transcribe converts one audio window into utterances ordered by start time
	Transcribe(ctx context.Context, audio Audio, languageHint string) ([]Utterance, error)
}

// Diarizer splits audio into per-speaker segments with local labels.
type Diarizer interface {
	// Name returns the provider name
	Name() string

	// Diarize segments one audio window; speakerHints may carry expected
	// speaker counts and is advisory only
	Diarize(ctx context.Context, audio Audio, speakerHints []int) (DiarizationResult, error)
}

// EmbeddingExtractor produces a speaker embedding for an audio span.
type EmbeddingExtractor interface {
	// Name returns the provider name
	Name() string

	// Extract computes one embedding; fails with a backend error on empty
	// audio or a zero-norm result
	Extract(ctx context.Context, samples []float32, sampleRate int) (vector.Embedding, error)
}

// AudioNormalizer decodes arbitrary input formats to normalized mono PCM.
type AudioNormalizer interface {
	Normalize(ctx context.Context, raw []byte) (Audio, error)
}

// Diarizer variant names selected by configuration at construction time.
const (
	DiarizerVariantVAD      = "vad"
	DiarizerVariantExternal = "external"
	DiarizerVariantStub     = "stub"
	DiarizerVariantMock     = "mock"
)

// NewDiarizer selects a diarizer variant by name. The external variant
// requires a caller-supplied implementation; vad uses the built-in
// energy-gated segmenter; stub accepts construction but fails every call.
func NewDiarizer(logger *logrus.Logger, variant string, external Diarizer) (Diarizer, error) {
	switch variant {
	case DiarizerVariantVAD:
		return NewVADDiarizer(logger), nil
	case DiarizerVariantExternal:
		if external == nil {
			return nil, errors.NewValidation("external diarizer variant selected but no implementation supplied")
		}
		return external, nil
	case DiarizerVariantStub:
		return &StubDiarizer{}, nil
	case DiarizerVariantMock:
		return NewMockDiarizer(logger), nil
	default:
		return nil, errors.NewValidation("unknown diarizer variant", map[string]interface{}{
			"variant": variant,
		})
	}
}

// StubDiarizer accepts construction but has no diarization capability.
type StubDiarizer struct{}

// Name returns the provider name
func (d *StubDiarizer) Name() string { return "stub" }

// Diarize always fails; the stub exists so a deployment can disable
// diarization without changing wiring.
func (d *StubDiarizer) Diarize(_ context.Context, _ Audio, _ []int) (DiarizationResult, error) {
	return DiarizationResult{}, errors.NewNotImplemented("diarization disabled by configuration")
}

// Registry holds the configured providers with default fallbacks, in the
// manner of a provider manager: callers ask by name and get the default
// when the name is unknown.
type Registry struct {
	logger             *logrus.Logger
	transcribers       map[string]Transcriber
	diarizers          map[string]Diarizer
	defaultTranscriber string
	defaultDiarizer    string
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:       logger,
		transcribers: make(map[string]Transcriber),
		diarizers:    make(map[string]Diarizer),
	}
}

// RegisterTranscriber adds a transcriber; the first registered becomes the default.
func (r *Registry) RegisterTranscriber(t Transcriber) {
	if len(r.transcribers) == 0 {
		r.defaultTranscriber = t.Name()
	}
	r.transcribers[t.Name()] = t
	r.logger.WithField("provider", t.Name()).Info("Registered transcription provider")
}

// RegisterDiarizer adds a diarizer; the first registered becomes the default.
func (r *Registry) RegisterDiarizer(d Diarizer) {
	if len(r.diarizers) == 0 {
		r.defaultDiarizer = d.Name()
	}
	r.diarizers[d.Name()] = d
	r.logger.WithField("provider", d.Name()).Info("Registered diarization provider")
}

// Transcriber returns the named transcriber, falling back to the default.
func (r *Registry) Transcriber(name string) (Transcriber, error) {
	if t, ok := r.transcribers[name]; ok {
		return t, nil
	}
	if t, ok := r.transcribers[r.defaultTranscriber]; ok {
		if name != "" {
			r.logger.WithFields(logrus.Fields{
				"provider": name,
				"fallback": r.defaultTranscriber,
			}).Warn("Transcriber not found, falling back to default")
		}
		return t, nil
	}
	return nil, errors.Wrap(errors.ErrNoProviderAvailable, "no transcriber registered")
}

// Diarizer returns the named diarizer, falling back to the default.
func (r *Registry) Diarizer(name string) (Diarizer, error) {
	if d, ok := r.diarizers[name]; ok {
		return d, nil
	}
	if d, ok := r.diarizers[r.defaultDiarizer]; ok {
		if name != "" {
			r.logger.WithFields(logrus.Fields{
				"provider": name,
				"fallback": r.defaultDiarizer,
			}).Warn("Diarizer not found, falling back to default")
		}
		return d, nil
	}
	return nil, errors.Wrap(errors.ErrNoProviderAvailable, "no diarizer registered")
}
