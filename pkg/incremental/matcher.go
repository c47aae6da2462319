// Package incremental implements the batch pipeline: per-increment
// diarization and transcription fan-out, greedy cross-window speaker
// matching onto persistent global identities, utterance deduplication and
// session finalization.
package incremental

import (
	"sort"

	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/metrics"
	"speakerid-server/pkg/session"
	"speakerid-server/pkg/stt"
	"speakerid-server/pkg/vector"
)

// Matcher maps local diarization labels from one increment onto the
// session's global speaker profiles.
type Matcher struct {
	logger    *logrus.Logger
	threshold float64
}

// NewMatcher creates a cross-window speaker matcher.
func NewMatcher(logger *logrus.Logger, threshold float64) *Matcher {
	return &Matcher{logger: logger, threshold: threshold}
}

// localSpeaker is one local label with its accumulated speech duration.
type localSpeaker struct {
	label      string
	durationMs int64
}

// MatchIncrement runs the greedy assignment for one increment and returns
// the local label to global speaker id map. The session must already be
// locked by the caller.
//
// Local speakers are processed longest-duration-first; more speech means a
// more reliable embedding, so those speakers get first pick. Each global
// profile can be claimed at most once per increment: a later local speaker
// that would also have matched a claimed profile must create a new profile
// or match a different one.
func (m *Matcher) MatchIncrement(sess *session.Session, incrementIndex int, result stt.DiarizationResult) map[string]string {
	durations := make(map[string]int64)
	for _, seg := range result.Segments {
		durations[seg.SpeakerLabel] += seg.EndMs - seg.StartMs
	}

	speakers := make([]localSpeaker, 0, len(durations))
	for label, dur := range durations {
		speakers = append(speakers, localSpeaker{label: label, durationMs: dur})
	}
	sort.Slice(speakers, func(i, j int) bool {
		if speakers[i].durationMs != speakers[j].durationMs {
			return speakers[i].durationMs > speakers[j].durationMs
		}
		return speakers[i].label < speakers[j].label
	})

	claimed := make(map[string]bool)
	mapping := make(map[string]string, len(speakers))

	for _, sp := range speakers {
		embedding, hasEmbedding := result.Embeddings[sp.label]
		if !hasEmbedding || len(embedding) == 0 {
			// Nothing to match on; this speaker gets a fresh identity.
			mapping[sp.label] = m.createProfile(sess, incrementIndex, sp, nil, claimed)
			continue
		}

		bestID := ""
		bestScore := -1.0
		for id, prof := range sess.SpeakerProfiles {
			if claimed[id] {
				continue
			}
			score, ok := vector.Similarity(embedding, prof.Centroid)
			if !ok {
				continue
			}
			if score > bestScore || (score == bestScore && id < bestID) {
				bestID = id
				bestScore = score
			}
		}

		if bestID != "" && bestScore >= m.threshold {
			prof := sess.SpeakerProfiles[bestID]
			prof.Centroid = vector.RunningMean(prof.Centroid, prof.SampleCount, embedding)
			prof.SampleCount++
			prof.TotalSpeechMs += sp.durationMs
			claimed[bestID] = true
			mapping[sp.label] = bestID

			m.logger.WithFields(logrus.Fields{
				"session_id":  sess.ID,
				"local_label": sp.label,
				"speaker_id":  bestID,
				"similarity":  bestScore,
			}).Debug("Matched local speaker to global profile")
			continue
		}

		mapping[sp.label] = m.createProfile(sess, incrementIndex, sp, embedding, claimed)
	}

	return mapping
}

// createProfile seeds a new global profile for a local speaker and marks
// it claimed for this round.
func (m *Matcher) createProfile(sess *session.Session, incrementIndex int, sp localSpeaker, embedding vector.Embedding, claimed map[string]bool) string {
	id := session.FormatSpeakerID(sess.NextSpeakerIndex())
	prof := &session.GlobalSpeakerProfile{
		SpeakerID:          id,
		TotalSpeechMs:      sp.durationMs,
		FirstSeenIncrement: incrementIndex,
	}
	if len(embedding) > 0 {
		// Backends may reuse their embedding buffers between windows; the
		// stored centroid needs its own copy.
		prof.Centroid = append(vector.Embedding(nil), embedding...)
		prof.SampleCount = 1
	}
	sess.SpeakerProfiles[id] = prof
	claimed[id] = true

	if metrics.SpeakersCreated != nil {
		metrics.SpeakersCreated.Inc()
	}
	m.logger.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"local_label": sp.label,
		"speaker_id":  id,
		"embedded":    len(embedding) > 0,
	}).Debug("Created global speaker profile")
	return id
}
