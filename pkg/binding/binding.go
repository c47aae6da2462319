// Package binding fuses acoustic and name evidence into a speaker identity
// decision for one cluster, and smooths decisions over a short recency
// window so a single noisy utterance cannot flip a settled identity.
package binding

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Binding provenance values.
const (
	SourceEnrollmentMatch = "enrollment_match"
	SourceNameExtract     = "name_extract"
	SourceManualMap       = "manual_map"
)

// Decision outcomes, ordered strongest to weakest.
const (
	DecisionAuto    = "auto"
	DecisionConfirm = "confirm"
	DecisionUnknown = "unknown"
)

// Meta is the authoritative name assignment for one cluster. Locked
// bindings are immutable to automatic updates until an explicit unlock or
// manual rebind.
type Meta struct {
	ParticipantName string    `json:"participant_name"`
	Source          string    `json:"source"`
	Confidence      float64   `json:"confidence"`
	Locked          bool      `json:"locked"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProfileEvidence is the profile matcher's contribution to a decision.
type ProfileEvidence struct {
	Name   string
	Score  float64
	Margin float64
}

// Outcome is a single decision with its provenance. Persist marks outcomes
// the orchestrator should write back as a lasting binding; the policy
// itself never writes state, so there is exactly one persistence authority.
type Outcome struct {
	Decision   string  `json:"decision"`
	Name       string  `json:"speaker_name,omitempty"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Persist    bool    `json:"-"`
}

// Policy holds the decision thresholds.
type Policy struct {
	logger           *logrus.Logger
	autoThreshold    float64
	confirmThreshold float64
	marginThreshold  float64
}

// NewPolicy creates a binder policy.
func NewPolicy(logger *logrus.Logger, autoThreshold, confirmThreshold, marginThreshold float64) *Policy {
	return &Policy{
		logger:           logger,
		autoThreshold:    autoThreshold,
		confirmThreshold: confirmThreshold,
		marginThreshold:  marginThreshold,
	}
}

// Decide runs the ordered, short-circuiting decision rules:
//  1. locked existing binding wins unconditionally,
//  2. profile match above auto thresholds binds, above confirm threshold suggests,
//  3. a roster-matched extracted name suggests,
//  4. otherwise unknown.
//
// svScore is the acoustic similarity from cluster assignment; rosterName is
// the top extracted candidate that matched the roster, empty when none did.
func (p *Policy) Decide(existing *Meta, svScore float64, match *ProfileEvidence, rosterName string) Outcome {
	if existing != nil && existing.Locked {
		return Outcome{
			Decision:   DecisionAuto,
			Name:       existing.ParticipantName,
			Source:     existing.Source,
			Confidence: existing.Confidence,
			Reason:     "locked binding",
		}
	}

	if match != nil {
		confidence := clamp(match.Score)
		if match.Score >= p.autoThreshold && match.Margin >= p.marginThreshold {
			return Outcome{
				Decision:   DecisionAuto,
				Name:       match.Name,
				Source:     SourceEnrollmentMatch,
				Confidence: confidence,
				Reason:     "profile match above auto threshold",
				Persist:    true,
			}
		}
		if match.Score >= p.confirmThreshold {
			return Outcome{
				Decision:   DecisionConfirm,
				Name:       match.Name,
				Source:     SourceEnrollmentMatch,
				Confidence: confidence,
				Reason:     "profile match above confirm threshold",
				Persist:    true,
			}
		}
	}

	if rosterName != "" {
		confidence := clamp(svScore)
		if match != nil {
			confidence = clamp(match.Score)
		}
		return Outcome{
			Decision:   DecisionConfirm,
			Name:       rosterName,
			Source:     SourceNameExtract,
			Confidence: confidence,
			Reason:     "self-introduction matched roster",
			Persist:    true,
		}
	}

	return Outcome{
		Decision:   DecisionUnknown,
		Confidence: clamp(svScore),
	}
}

// Stabilize smooths an outcome against the most recent unlocked binding for
// the same cluster. Within the window, unknown upgrades to confirm with the
// prior name, and a disagreeing confirm/auto is overridden to the prior
// name. Locked bindings never reach here; Decide already returned them.
func Stabilize(outcome Outcome, prior *Meta, window time.Duration, now time.Time) Outcome {
	if prior == nil || prior.Locked || prior.ParticipantName == "" {
		return outcome
	}
	if now.Sub(prior.UpdatedAt) > window {
		return outcome
	}

	const reason = "stabilized by recent cluster candidate"

	if outcome.Decision == DecisionUnknown {
		outcome.Decision = DecisionConfirm
		outcome.Name = prior.ParticipantName
		outcome.Source = prior.Source
		outcome.Reason = reason
		outcome.Persist = true
		return outcome
	}

	if outcome.Name != prior.ParticipantName {
		outcome.Name = prior.ParticipantName
		outcome.Source = prior.Source
		outcome.Reason = reason
		outcome.Persist = true
	}
	return outcome
}

// NewMeta builds a fresh unlocked Meta from a persistable outcome. Source
// defaults to name_extract when the outcome carries none.
func NewMeta(outcome Outcome, now time.Time) *Meta {
	source := outcome.Source
	if source == "" {
		source = SourceNameExtract
	}
	return &Meta{
		ParticipantName: outcome.Name,
		Source:          source,
		Confidence:      clamp(outcome.Confidence),
		Locked:          false,
		UpdatedAt:       now,
	}
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
