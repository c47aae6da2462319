// Package vector holds the embedding math shared by the online clusterer,
// the profile matcher and the cross-window speaker matcher. All speaker
// comparisons in the engine go through Similarity so that the zero-norm
// case is handled the same way at every call site.
package vector

import (
	"math"

	"speakerid-server/pkg/errors"
)

// Embedding is a fixed-length acoustic feature vector.
type Embedding []float64

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b Embedding) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm calculates the L2 norm of a vector.
func Norm(v Embedding) float64 {
	return math.Sqrt(Dot(v, v))
}

// Similarity calculates the cosine similarity between two vectors.
// The second return value is false when no similarity is defined:
// mismatched lengths, empty vectors, or a zero-norm operand. Callers
// must handle the miss explicitly instead of relying on a sentinel score.
func Similarity(a, b Embedding) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	normA := Norm(a)
	normB := Norm(b)
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return Dot(a, b) / (normA * normB), true
}

// Normalize returns a unit-length copy of v.
// Returns false if v has zero L2 norm.
func Normalize(v Embedding) (Embedding, bool) {
	norm := Norm(v)
	if norm == 0 {
		return nil, false
	}
	out := make(Embedding, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, true
}

// RunningMean folds one new sample into an existing mean of n samples:
// mean' = (mean*n + sample) / (n+1). Used for cluster centroids and
// global speaker profile centroids alike.
func RunningMean(mean Embedding, n int, sample Embedding) Embedding {
	if len(mean) == 0 {
		out := make(Embedding, len(sample))
		copy(out, sample)
		return out
	}
	out := make(Embedding, len(mean))
	fn := float64(n)
	for i := range mean {
		out[i] = (mean[i]*fn + sample[i]) / (fn + 1)
	}
	return out
}

// SegmentEmbedding pairs one segment-level embedding with the speech
// duration it was extracted from.
type SegmentEmbedding struct {
	Embedding  Embedding
	DurationMs int64
}

// Aggregate combines per-segment embeddings for one utterance into a single
// duration-weighted, unit-normalized vector. Segments with zero duration
// fall back to equal weights when every duration is zero. Fails when the
// input is empty or the weighted sum has zero norm, both of which mean the
// upstream acoustic evidence is unusable.
func Aggregate(segments []SegmentEmbedding) (Embedding, error) {
	if len(segments) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyEmbeddingInput, "no segment embeddings to aggregate")
	}

	var totalMs int64
	for _, s := range segments {
		totalMs += s.DurationMs
	}

	dim := len(segments[0].Embedding)
	sum := make(Embedding, dim)
	for _, s := range segments {
		if len(s.Embedding) != dim {
			return nil, errors.NewValidation("segment embedding dimension mismatch", map[string]interface{}{
				"want": dim,
				"got":  len(s.Embedding),
			})
		}
		weight := 1.0
		if totalMs > 0 {
			weight = float64(s.DurationMs) / float64(totalMs)
		}
		for i, x := range s.Embedding {
			sum[i] += x * weight
		}
	}

	normalized, ok := Normalize(sum)
	if !ok {
		return nil, errors.Wrap(errors.ErrZeroNormEmbedding, "aggregated embedding has zero norm")
	}
	return normalized, nil
}
