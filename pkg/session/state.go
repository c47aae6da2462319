// Package session owns the per-session mutable state for both operating
// modes: the client-carried live-resolve state and the server-side
// incremental session with its bounded store.
package session

import (
	"fmt"
	"sync"
	"time"

	"speakerid-server/pkg/binding"
	"speakerid-server/pkg/checkpoint"
	"speakerid-server/pkg/clustering"
	"speakerid-server/pkg/profile"
	"speakerid-server/pkg/stt"
	"speakerid-server/pkg/vector"
)

// LiveState is the full live-resolve session state, round-tripped by the
// caller on every resolve call. The server keeps nothing between calls.
type LiveState struct {
	Clusters            []*clustering.Cluster         `json:"clusters"`
	Bindings            map[string]string             `json:"bindings"`
	ClusterBindingMeta  map[string]*binding.Meta      `json:"cluster_binding_meta"`
	ParticipantProfiles []*profile.ParticipantProfile `json:"participant_profiles"`
	Roster              []string                      `json:"roster,omitempty"`
}

// EnsureMaps initializes nil maps so callers can send sparse state.
func (s *LiveState) EnsureMaps() {
	if s.Bindings == nil {
		s.Bindings = make(map[string]string)
	}
	if s.ClusterBindingMeta == nil {
		s.ClusterBindingMeta = make(map[string]*binding.Meta)
	}
}

// GlobalSpeakerProfile is a persistent per-session speaker identity used
// across processing increments. The centroid is an incremental running
// mean over every embedding the profile has absorbed.
type GlobalSpeakerProfile struct {
	SpeakerID          string           `json:"speaker_id"`
	Centroid           vector.Embedding `json:"centroid"`
	SampleCount        int              `json:"sample_count"`
	TotalSpeechMs      int64            `json:"total_speech_ms"`
	FirstSeenIncrement int              `json:"first_seen_increment"`
	DisplayName        string           `json:"display_name,omitempty"`
}

// SpeakerID values are assigned sequentially as "spk_" + zero-padded index.
func FormatSpeakerID(index int) string {
	return fmt.Sprintf("spk_%02d", index)
}

// IncrementRecord is the retained result of one processed increment.
type IncrementRecord struct {
	Index         int               `json:"index"`
	AudioStartMs  int64             `json:"audio_start_ms"`
	AudioEndMs    int64             `json:"audio_end_ms"`
	Cumulative    bool              `json:"cumulative"`
	Utterances    []stt.Utterance   `json:"utterances"`
	LocalToGlobal map[string]string `json:"local_to_global"`
}

// Session is one incremental-mode session held server-side in memory.
type Session struct {
	ID               string                           `json:"session_id"`
	SpeakerProfiles  map[string]*GlobalSpeakerProfile `json:"speaker_profiles"`
	Increments       []IncrementRecord                `json:"increments"`
	Checkpoints      []*checkpoint.Checkpoint         `json:"checkpoints"`
	StableSpeakerMap bool                             `json:"stable_speaker_map"`
	CreatedAt        time.Time                        `json:"created_at"`
	LastActivity     time.Time                        `json:"last_activity"`

	// mu serializes all mutation of this session. It is held for the full
	// duration of one increment's processing, which turns the
	// one-increment-at-a-time caller contract into an enforced invariant.
	mu sync.Mutex

	// nextSpeakerIndex backs NextSpeakerIndex; never decremented.
	nextSpeakerIndex int
}

// Lock acquires the per-session mutation lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the per-session mutation lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// NextSpeakerIndex allocates the next sequential speaker index. The counter
// is monotonic for the session's lifetime, so ids stay unique even when the
// profile set is sparse after a snapshot restore.
func (s *Session) NextSpeakerIndex() int {
	if s.nextSpeakerIndex < len(s.SpeakerProfiles) {
		s.nextSpeakerIndex = len(s.SpeakerProfiles)
	}
	index := s.nextSpeakerIndex
	s.nextSpeakerIndex++
	return index
}

// SpeakerSnapshot is the serializable form of a global profile, usable to
// rehydrate a lost session from a client-supplied snapshot.
type SpeakerSnapshot struct {
	SpeakerID     string           `json:"speaker_id"`
	Centroid      vector.Embedding `json:"centroid"`
	TotalSpeechMs int64            `json:"total_speech_ms"`
	DisplayName   string           `json:"display_name,omitempty"`
}

// Restore loads previously-persisted profiles into a session that has none
// yet. Ignored when the session already has profiles: a live session's
// state always wins over a stale snapshot.
func (s *Session) Restore(snapshots []SpeakerSnapshot) bool {
	if len(s.SpeakerProfiles) > 0 || len(snapshots) == 0 {
		return false
	}
	for _, snap := range snapshots {
		s.SpeakerProfiles[snap.SpeakerID] = &GlobalSpeakerProfile{
			SpeakerID:     snap.SpeakerID,
			Centroid:      snap.Centroid,
			SampleCount:   1,
			TotalSpeechMs: snap.TotalSpeechMs,
			DisplayName:   snap.DisplayName,
		}
		// Snapshots may be sparse; the next allocation must clear the
		// highest restored id, not the profile count.
		if index, ok := parseSpeakerIndex(snap.SpeakerID); ok && index >= s.nextSpeakerIndex {
			s.nextSpeakerIndex = index + 1
		}
	}
	return true
}

func parseSpeakerIndex(id string) (int, bool) {
	var index int
	if _, err := fmt.Sscanf(id, "spk_%d", &index); err != nil || index < 0 {
		return 0, false
	}
	return index, true
}
