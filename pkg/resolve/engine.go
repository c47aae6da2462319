// Package resolve orchestrates live, per-utterance speaker identity
// resolution: aggregate acoustic evidence, assign a cluster, gather profile
// and name evidence, decide, stabilize, and persist the binding into the
// client-carried session state.
package resolve

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/binding"
	"speakerid-server/pkg/clustering"
	"speakerid-server/pkg/config"
	"speakerid-server/pkg/errors"
	"speakerid-server/pkg/metrics"
	"speakerid-server/pkg/naming"
	"speakerid-server/pkg/profile"
	"speakerid-server/pkg/session"
	"speakerid-server/pkg/stt"
	"speakerid-server/pkg/vector"
)

// Request is one live resolve call. Either Segments carries pre-extracted
// per-segment embeddings, or Audio is supplied for the extractor. ASRText
// is the utterance transcript when available.
type Request struct {
	SessionID string
	Audio     stt.Audio
	Segments  []vector.SegmentEmbedding
	ASRText   string
	State     *session.LiveState
}

// Evidence explains how a decision was reached.
type Evidence struct {
	SVScore        float64                `json:"sv_score"`
	ProfileName    string                 `json:"profile_name,omitempty"`
	ProfileScore   float64                `json:"profile_score,omitempty"`
	ProfileMargin  float64                `json:"profile_margin,omitempty"`
	NameCandidates []naming.Candidate     `json:"name_candidates,omitempty"`
	RosterMatch    string                 `json:"roster_match,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// Response carries the decision and the updated client-carried state.
type Response struct {
	ClusterID    string             `json:"cluster_id"`
	SpeakerName  string             `json:"speaker_name,omitempty"`
	Decision     string             `json:"decision"`
	Confidence   float64            `json:"confidence"`
	Evidence     Evidence           `json:"evidence"`
	UpdatedState *session.LiveState `json:"updated_state"`
}

// Engine is the live-resolve orchestrator. It is stateless between calls;
// the caller round-trips the full session state.
type Engine struct {
	logger    *logrus.Logger
	cfg       config.EngineConfig
	clusterer *clustering.Clusterer
	profiles  *profile.Manager
	policy    *binding.Policy
	extractor stt.EmbeddingExtractor
}

// NewEngine wires the resolve pipeline.
func NewEngine(logger *logrus.Logger, cfg *config.Config, extractor stt.EmbeddingExtractor) *Engine {
	return &Engine{
		logger:    logger,
		cfg:       cfg.Engine,
		clusterer: clustering.NewClusterer(logger, cfg.Engine.MatchThreshold),
		profiles:  profile.NewManager(logger, cfg.Enrollment.ReadySeconds, cfg.Enrollment.ReadySamples),
		policy: binding.NewPolicy(logger,
			cfg.Engine.ProfileAutoThreshold,
			cfg.Engine.ProfileConfirmThreshold,
			cfg.Engine.ProfileMarginThreshold),
		extractor: extractor,
	}
}

// Resolve processes one utterance and returns the identity decision along
// with the updated state.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	state := req.State
	if state == nil {
		state = &session.LiveState{}
	}
	state.EnsureMaps()

	embedding, err := e.utteranceEmbedding(ctx, req)
	if err != nil {
		return nil, err
	}

	clusterCount := len(state.Clusters)
	clusters, clusterID, svScore := e.clusterer.Assign(embedding, state.Clusters)
	state.Clusters = clusters
	if len(clusters) > clusterCount && metrics.ClustersCreated != nil {
		metrics.ClustersCreated.Inc()
	}

	// Profile match and name extraction are both pure lookups over the
	// request; neither mutates state.
	match := e.profiles.Match(embedding, state.ParticipantProfiles)
	candidates := naming.Extract(req.ASRText)
	rosterName := firstRosterMatch(candidates, state.Roster)

	var profileEvidence *binding.ProfileEvidence
	if match != nil {
		profileEvidence = &binding.ProfileEvidence{
			Name:   match.Name,
			Score:  match.Score,
			Margin: match.Margin,
		}
		if metrics.ProfileMatches != nil {
			metrics.ProfileMatches.WithLabelValues("scored").Inc()
		}
	} else if metrics.ProfileMatches != nil {
		metrics.ProfileMatches.WithLabelValues("none").Inc()
	}

	existing := state.ClusterBindingMeta[clusterID]
	outcome := e.policy.Decide(existing, svScore, profileEvidence, rosterName)
	outcome = binding.Stabilize(outcome, existing, e.cfg.StabilizerWindow, time.Now())

	// Single persistence authority: the policy and stabilizer only mark
	// intent, this is the one place bindings are written.
	if outcome.Persist {
		e.persist(state, clusterID, outcome)
	}

	evidence := Evidence{
		SVScore:        svScore,
		NameCandidates: candidates,
		RosterMatch:    rosterName,
		Reason:         outcome.Reason,
	}
	if match != nil {
		evidence.ProfileName = match.Name
		evidence.ProfileScore = match.Score
		evidence.ProfileMargin = match.Margin
	}

	if metrics.ResolveDecisions != nil {
		metrics.ResolveDecisions.WithLabelValues(outcome.Decision).Inc()
		metrics.ResolveLatency.Observe(time.Since(start).Seconds())
	}

	e.logger.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"cluster_id": clusterID,
		"decision":   outcome.Decision,
		"speaker":    outcome.Name,
		"sv_score":   svScore,
	}).Debug("Resolved utterance speaker")

	return &Response{
		ClusterID:    clusterID,
		SpeakerName:  outcome.Name,
		Decision:     outcome.Decision,
		Confidence:   outcome.Confidence,
		Evidence:     evidence,
		UpdatedState: state,
	}, nil
}

// Enroll folds one audio sample into the named participant profile.
func (e *Engine) Enroll(ctx context.Context, state *session.LiveState, name string, audio stt.Audio) (*profile.ParticipantProfile, error) {
	if state == nil {
		return nil, errors.NewValidation("enrollment requires session state")
	}
	embedding, err := e.extractor.Extract(ctx, audio.Samples, audio.SampleRate)
	if err != nil {
		return nil, err
	}
	durationSeconds := float64(audio.DurationMs()) / 1000.0

	profiles, enrolled, err := e.profiles.Enroll(state.ParticipantProfiles, name, embedding, durationSeconds)
	if err != nil {
		return nil, err
	}
	state.ParticipantProfiles = profiles
	return enrolled, nil
}

// ManualBind assigns a name to a cluster and locks the binding against
// automatic updates.
func (e *Engine) ManualBind(state *session.LiveState, clusterID, name string) error {
	if name == "" {
		return errors.Wrap(errors.ErrEmptyParticipantName, "manual bind requires a name")
	}
	cluster := clustering.FindCluster(state.Clusters, clusterID)
	if cluster == nil {
		return errors.NewValidation("unknown cluster", map[string]interface{}{
			"cluster_id": clusterID,
		})
	}
	state.EnsureMaps()
	cluster.BoundName = name
	state.Bindings[clusterID] = name
	state.ClusterBindingMeta[clusterID] = &binding.Meta{
		ParticipantName: name,
		Source:          binding.SourceManualMap,
		Confidence:      1,
		Locked:          true,
		UpdatedAt:       time.Now(),
	}
	return nil
}

// Unbind removes a binding, including a locked one. This is the explicit
// unlock path; automatic updates may claim the cluster again afterwards.
func (e *Engine) Unbind(state *session.LiveState, clusterID string) {
	if state == nil {
		return
	}
	state.EnsureMaps()
	delete(state.Bindings, clusterID)
	delete(state.ClusterBindingMeta, clusterID)
	if cluster := clustering.FindCluster(state.Clusters, clusterID); cluster != nil {
		cluster.BoundName = ""
	}
}

// utteranceEmbedding aggregates supplied segment embeddings, or extracts a
// single embedding from the raw audio.
func (e *Engine) utteranceEmbedding(ctx context.Context, req Request) (vector.Embedding, error) {
	if len(req.Segments) > 0 {
		return vector.Aggregate(req.Segments)
	}
	if len(req.Audio.Samples) == 0 {
		return nil, errors.Wrap(errors.ErrNoUsableSpeech, "resolve requires audio or segment embeddings")
	}
	embedding, err := e.extractor.Extract(ctx, req.Audio.Samples, req.Audio.SampleRate)
	if err != nil {
		return nil, err
	}
	return embedding, nil
}

// persist writes the binding map, the cluster's bound name and a fresh
// unlocked meta for an auto/confirm outcome.
func (e *Engine) persist(state *session.LiveState, clusterID string, outcome binding.Outcome) {
	state.Bindings[clusterID] = outcome.Name
	if cluster := clustering.FindCluster(state.Clusters, clusterID); cluster != nil {
		cluster.BoundName = outcome.Name
	}
	state.ClusterBindingMeta[clusterID] = binding.NewMeta(outcome, time.Now())
}

// firstRosterMatch returns the roster entry matched by the highest-ranked
// candidate, or the top candidate itself when no roster is configured.
func firstRosterMatch(candidates []naming.Candidate, roster []string) string {
	for _, c := range candidates {
		if len(roster) == 0 {
			return c.Name
		}
		if entry, ok := naming.MatchRoster(c.Name, roster); ok {
			return entry
		}
	}
	return ""
}
