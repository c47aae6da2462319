// Package profile manages enrolled participant voice profiles and matching
// of utterance embeddings against them.
package profile

import (
	"time"

	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/errors"
	"speakerid-server/pkg/vector"
)

// Enrollment status values. A profile starts collecting and becomes ready
// exactly once; it never regresses.
const (
	StatusCollecting = "collecting"
	StatusReady      = "ready"
)

// ParticipantProfile is a named, cross-session acoustic reference for one
// enrolled participant.
type ParticipantProfile struct {
	Name          string           `json:"name"`
	Email         string           `json:"email,omitempty"`
	Centroid      vector.Embedding `json:"centroid"`
	SampleCount   int              `json:"sample_count"`
	SampleSeconds float64          `json:"sample_seconds"`
	Status        string           `json:"status"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// MatchResult is the outcome of comparing one embedding against the
// enrolled profile set.
type MatchResult struct {
	Name  string
	Score float64
	// Margin is top score minus second-best score, or -1 when fewer than
	// two profiles produced a score.
	Margin float64
}

// Manager owns profile enrollment and matching.
type Manager struct {
	logger       *logrus.Logger
	readySeconds float64
	readySamples int
}

// NewManager creates a profile manager with enrollment readiness thresholds.
func NewManager(logger *logrus.Logger, readySeconds float64, readySamples int) *Manager {
	return &Manager{
		logger:       logger,
		readySeconds: readySeconds,
		readySamples: readySamples,
	}
}

// Enroll folds one embedding sample into the named profile, creating the
// profile on first sight. The centroid is kept as an exact running mean.
func (m *Manager) Enroll(profiles []*ParticipantProfile, name string, embedding vector.Embedding, durationSeconds float64) ([]*ParticipantProfile, *ParticipantProfile, error) {
	if name == "" {
		return profiles, nil, errors.Wrap(errors.ErrEmptyParticipantName, "enrollment requires a participant name")
	}

	var target *ParticipantProfile
	for _, p := range profiles {
		if p.Name == name {
			target = p
			break
		}
	}
	if target == nil {
		target = &ParticipantProfile{
			Name:   name,
			Status: StatusCollecting,
		}
		profiles = append(profiles, target)
	}

	target.Centroid = vector.RunningMean(target.Centroid, target.SampleCount, embedding)
	target.SampleCount++
	target.SampleSeconds += durationSeconds
	target.UpdatedAt = time.Now()

	if target.Status == StatusCollecting &&
		target.SampleSeconds >= m.readySeconds &&
		target.SampleCount >= m.readySamples {
		target.Status = StatusReady
		m.logger.WithFields(logrus.Fields{
			"participant":    target.Name,
			"sample_count":   target.SampleCount,
			"sample_seconds": target.SampleSeconds,
		}).Info("Participant profile ready")
	}

	return profiles, target, nil
}

// Match compares an embedding against every profile with a usable centroid
// and returns the best match with its margin to the second best. Returns
// nil when no profile produced a score. Pure lookup, no mutation.
func (m *Manager) Match(embedding vector.Embedding, profiles []*ParticipantProfile) *MatchResult {
	topScore := -1.0
	secondScore := -1.0
	topName := ""
	scored := 0

	for _, p := range profiles {
		score, ok := vector.Similarity(embedding, p.Centroid)
		if !ok {
			continue
		}
		scored++
		if score > topScore {
			secondScore = topScore
			topScore = score
			topName = p.Name
		} else if score > secondScore {
			secondScore = score
		}
	}

	if scored == 0 {
		return nil
	}

	margin := -1.0
	if scored >= 2 {
		margin = topScore - secondScore
	}
	return &MatchResult{
		Name:   topName,
		Score:  topScore,
		Margin: margin,
	}
}
