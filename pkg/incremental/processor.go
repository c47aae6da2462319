package incremental

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"speakerid-server/pkg/checkpoint"
	"speakerid-server/pkg/config"
	"speakerid-server/pkg/errors"
	"speakerid-server/pkg/messaging"
	"speakerid-server/pkg/metrics"
	"speakerid-server/pkg/session"
	"speakerid-server/pkg/stt"
	"speakerid-server/pkg/vector"
)

// IncrementRequest is one bounded audio window to process.
type IncrementRequest struct {
	SessionID    string
	Audio        stt.Audio
	AudioStartMs int64
	LanguageHint string
	SpeakerHints []int

	// PreviousSpeakerProfiles rehydrates a lost session; ignored when the
	// session already has profiles.
	PreviousSpeakerProfiles []session.SpeakerSnapshot
}

// IncrementResponse is the per-increment result.
type IncrementResponse struct {
	SessionID        string                    `json:"session_id"`
	Index            int                       `json:"index"`
	Cumulative       bool                      `json:"cumulative"`
	Utterances       []stt.Utterance           `json:"utterances"`
	SpeakerProfiles  []session.SpeakerSnapshot `json:"speaker_profiles"`
	LocalToGlobal    map[string]string         `json:"local_to_global_mapping"`
	Checkpoint       *checkpoint.Checkpoint    `json:"checkpoint,omitempty"`
	StableSpeakerMap bool                      `json:"stable_speaker_map"`
}

// FinalizeRequest closes one session, optionally with a leftover chunk.
type FinalizeRequest struct {
	SessionID       string
	LeftoverAudio   stt.Audio
	LeftoverStartMs int64
	LanguageHint    string
}

// SpeakerStat is one speaker's aggregate over the whole session.
type SpeakerStat struct {
	SpeakerID          string `json:"speaker_id"`
	DisplayName        string `json:"display_name,omitempty"`
	TotalSpeechMs      int64  `json:"total_speech_ms"`
	UtteranceCount     int    `json:"utterance_count"`
	FirstSeenIncrement int    `json:"first_seen_increment"`
}

// FinalizeResponse is the terminal result for one session.
type FinalizeResponse struct {
	SessionID    string                   `json:"session_id"`
	Transcript   []stt.Utterance          `json:"transcript"`
	SpeakerStats []SpeakerStat            `json:"speaker_stats"`
	Checkpoints  []*checkpoint.Checkpoint `json:"checkpoints,omitempty"`
}

// Processor runs the batch pipeline for incremental sessions.
type Processor struct {
	logger      *logrus.Logger
	cfg         config.IncrementalConfig
	store       *session.Store
	matcher     *Matcher
	transcriber stt.Transcriber
	diarizer    stt.Diarizer
	extractor   stt.EmbeddingExtractor
	analyzer    checkpoint.Analyzer
	publisher   messaging.Publisher
}

// NewProcessor wires the increment pipeline. The extractor is optional and
// only used to backfill speaker embeddings the diarizer did not produce.
func NewProcessor(logger *logrus.Logger, cfg config.IncrementalConfig, store *session.Store,
	transcriber stt.Transcriber, diarizer stt.Diarizer, extractor stt.EmbeddingExtractor,
	analyzer checkpoint.Analyzer, publisher messaging.Publisher) *Processor {
	if analyzer == nil {
		analyzer = &checkpoint.NoopAnalyzer{}
	}
	if publisher == nil {
		publisher = &messaging.NoopPublisher{}
	}
	return &Processor{
		logger:      logger,
		cfg:         cfg,
		store:       store,
		matcher:     NewMatcher(logger, cfg.SpeakerMatchThreshold),
		transcriber: transcriber,
		diarizer:    diarizer,
		extractor:   extractor,
		analyzer:    analyzer,
		publisher:   publisher,
	}
}

// ProcessIncrement handles one bounded audio window. The per-session lock
// is held for the whole call, so concurrent increments for the same
// session serialize instead of racing.
func (p *Processor) ProcessIncrement(ctx context.Context, req IncrementRequest) (*IncrementResponse, error) {
	start := time.Now()

	if len(req.Audio.Samples) == 0 {
		return nil, errors.Wrap(errors.ErrNoUsableSpeech, "increment carries no audio")
	}

	sess, _ := p.store.GetOrCreate(req.SessionID)
	if metrics.SessionsActive != nil {
		metrics.SessionsActive.Set(float64(p.store.Len()))
	}

	sess.Lock()
	defer sess.Unlock()

	if len(req.PreviousSpeakerProfiles) > 0 {
		if sess.Restore(req.PreviousSpeakerProfiles) {
			p.logger.WithFields(logrus.Fields{
				"session_id": req.SessionID,
				"profiles":   len(req.PreviousSpeakerProfiles),
			}).Info("Restored speaker profiles from snapshot")
		}
	}

	resp, err := p.processLocked(ctx, sess, req.Audio, req.AudioStartMs, req.LanguageHint, req.SpeakerHints)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if metrics.IncrementsProcessed != nil {
		metrics.IncrementsProcessed.WithLabelValues(status).Inc()
		metrics.IncrementLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	p.publisher.Publish(messaging.Event{
		Type:      messaging.EventIncrementProcessed,
		SessionID: sess.ID,
		Payload: map[string]interface{}{
			"index":      resp.Index,
			"speakers":   len(resp.SpeakerProfiles),
			"utterances": len(resp.Utterances),
		},
	})
	return resp, nil
}

// processLocked runs the pipeline for one window. Caller holds the session
// lock.
func (p *Processor) processLocked(ctx context.Context, sess *session.Session, audio stt.Audio, audioStartMs int64, languageHint string, speakerHints []int) (*IncrementResponse, error) {
	index := len(sess.Increments)
	cumulative := index < p.cfg.CumulativeThreshold

	// Diarization and transcription run concurrently; both must complete
	// before matching, and a stuck backend is cut off by the timeout.
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ExternalCallTimeout)
	defer cancel()

	var diarization stt.DiarizationResult
	var utterances []stt.Utterance

	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		result, err := p.diarizer.Diarize(gctx, audio, speakerHints)
		if err != nil {
			return errors.NewBackendFailure(p.diarizer.Name(), err)
		}
		diarization = result
		return nil
	})
	g.Go(func() error {
		result, err := p.transcriber.Transcribe(gctx, audio, languageHint)
		if err != nil {
			return errors.NewBackendFailure(p.transcriber.Name(), err)
		}
		utterances = result
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.backfillEmbeddings(callCtx, audio, &diarization)

	// Shift window-relative times into session time.
	if audioStartMs > 0 {
		for i := range diarization.Segments {
			diarization.Segments[i].StartMs += audioStartMs
			diarization.Segments[i].EndMs += audioStartMs
		}
		for i := range utterances {
			utterances[i].StartMs += audioStartMs
			utterances[i].EndMs += audioStartMs
			for w := range utterances[i].Words {
				utterances[i].Words[w].StartMs += audioStartMs
				utterances[i].Words[w].EndMs += audioStartMs
			}
		}
	}

	mapping := p.matcher.MatchIncrement(sess, index, diarization)
	labelUtterances(utterances, diarization.Segments, mapping)

	// Announce speakers that first appeared mid-session; the initial window
	// creates everyone and would only produce noise.
	for _, speakerID := range mapping {
		prof := sess.SpeakerProfiles[speakerID]
		if prof == nil || prof.FirstSeenIncrement != index || index == 0 {
			continue
		}
		p.publisher.Publish(messaging.Event{
			Type:      messaging.EventSpeakerBound,
			SessionID: sess.ID,
			Payload: map[string]interface{}{
				"speaker_id": speakerID,
				"increment":  index,
			},
		})
	}

	sess.Increments = append(sess.Increments, session.IncrementRecord{
		Index:         index,
		AudioStartMs:  audioStartMs,
		AudioEndMs:    audioStartMs + audio.DurationMs(),
		Cumulative:    cumulative,
		Utterances:    utterances,
		LocalToGlobal: mapping,
	})
	if len(sess.Increments) >= p.cfg.CumulativeThreshold {
		sess.StableSpeakerMap = true
	}

	var cp *checkpoint.Checkpoint
	if checkpoint.Due(index, p.cfg.AnalysisInterval) {
		cp = p.runCheckpoint(ctx, sess, index)
	}

	return &IncrementResponse{
		SessionID:        sess.ID,
		Index:            index,
		Cumulative:       cumulative,
		Utterances:       utterances,
		SpeakerProfiles:  snapshotProfiles(sess),
		LocalToGlobal:    mapping,
		Checkpoint:       cp,
		StableSpeakerMap: sess.StableSpeakerMap,
	}, nil
}

// backfillEmbeddings extracts an embedding for any local speaker the
// diarizer left without one, from that speaker's longest segment. An
// extraction failure degrades locally: the speaker stays embedding-less
// and will receive a fresh global identity, the increment continues.
func (p *Processor) backfillEmbeddings(ctx context.Context, audio stt.Audio, diarization *stt.DiarizationResult) {
	if p.extractor == nil || audio.SampleRate <= 0 {
		return
	}
	if diarization.Embeddings == nil {
		diarization.Embeddings = make(map[string]vector.Embedding)
	}

	longest := make(map[string]stt.Segment)
	for _, seg := range diarization.Segments {
		if _, ok := diarization.Embeddings[seg.SpeakerLabel]; ok {
			continue
		}
		if cur, ok := longest[seg.SpeakerLabel]; !ok || seg.EndMs-seg.StartMs > cur.EndMs-cur.StartMs {
			longest[seg.SpeakerLabel] = seg
		}
	}

	for label, seg := range longest {
		startSample := int(seg.StartMs) * audio.SampleRate / 1000
		endSample := int(seg.EndMs) * audio.SampleRate / 1000
		if startSample < 0 {
			startSample = 0
		}
		if endSample > len(audio.Samples) {
			endSample = len(audio.Samples)
		}
		if startSample >= endSample {
			continue
		}
		embedding, err := p.extractor.Extract(ctx, audio.Samples[startSample:endSample], audio.SampleRate)
		if err != nil {
			p.logger.WithError(err).WithField("local_label", label).Debug("Embedding backfill failed, speaker will get a fresh identity")
			continue
		}
		diarization.Embeddings[label] = embedding
	}
}

// runCheckpoint calls the analyzer over the merged transcript so far. A
// failure is logged and swallowed; identity tracking never depends on it.
func (p *Processor) runCheckpoint(ctx context.Context, sess *session.Session, index int) *checkpoint.Checkpoint {
	transcript := MergeUtterances(sess.Increments, p.cfg.CumulativeThreshold, p.cfg.OverlapMs)
	lines := make([]string, 0, len(transcript))
	for _, utt := range transcript {
		lines = append(lines, utt.Text)
	}

	cp, err := p.analyzer.Analyze(ctx, checkpoint.Request{
		SessionID:      sess.ID,
		IncrementIndex: index,
		Transcript:     lines,
	})
	if err != nil {
		if metrics.CheckpointFailures != nil {
			metrics.CheckpointFailures.Inc()
		}
		p.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sess.ID,
			"increment":  index,
		}).Warn("Checkpoint analysis failed, continuing without checkpoint")
		return nil
	}

	sess.Checkpoints = append(sess.Checkpoints, cp)
	return cp
}

// Finalize deduplicates the transcript, computes per-speaker stats, and
// deletes the session. Finalizing an unknown session returns an empty
// result rather than an error.
func (p *Processor) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResponse, error) {
	sess, ok := p.store.Get(req.SessionID)
	if !ok {
		p.logger.WithField("session_id", req.SessionID).Info("Finalize on unknown session, returning empty result")
		return &FinalizeResponse{SessionID: req.SessionID}, nil
	}

	sess.Lock()

	// A short trailing chunk is noise; only process leftovers above the
	// minimum duration.
	if req.LeftoverAudio.DurationMs() > p.cfg.FinalizeMinLeftover.Milliseconds() {
		if _, err := p.processLocked(ctx, sess, req.LeftoverAudio, req.LeftoverStartMs, req.LanguageHint, nil); err != nil {
			p.logger.WithError(err).WithField("session_id", sess.ID).Warn("Leftover chunk processing failed during finalize")
		}
	}

	transcript := MergeUtterances(sess.Increments, p.cfg.CumulativeThreshold, p.cfg.OverlapMs)
	stats := speakerStats(sess, transcript)
	checkpoints := sess.Checkpoints

	sess.Unlock()
	p.store.Remove(req.SessionID)
	if metrics.SessionsActive != nil {
		metrics.SessionsActive.Set(float64(p.store.Len()))
	}

	p.publisher.Publish(messaging.Event{
		Type:      messaging.EventSessionFinalized,
		SessionID: req.SessionID,
		Payload: map[string]interface{}{
			"utterances": len(transcript),
			"speakers":   len(stats),
		},
	})

	p.logger.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"utterances": len(transcript),
		"speakers":   len(stats),
	}).Info("Finalized speaker session")

	return &FinalizeResponse{
		SessionID:    req.SessionID,
		Transcript:   transcript,
		SpeakerStats: stats,
		Checkpoints:  checkpoints,
	}, nil
}

// SweepStale removes sessions idle longer than the configured staleness
// age. Invoked by an external scheduler, never self-triggered.
func (p *Processor) SweepStale() []string {
	removed := p.store.SweepStale(p.cfg.SessionStaleAfter)
	if metrics.SessionsSwept != nil && len(removed) > 0 {
		metrics.SessionsSwept.Add(float64(len(removed)))
	}
	if metrics.SessionsActive != nil {
		metrics.SessionsActive.Set(float64(p.store.Len()))
	}
	return removed
}

// labelUtterances attaches the global speaker id to each utterance by
// maximum time overlap with the diarized segments.
func labelUtterances(utterances []stt.Utterance, segments []stt.Segment, mapping map[string]string) {
	for i := range utterances {
		bestLabel := ""
		bestOverlap := int64(0)
		for _, seg := range segments {
			overlap := overlapMs(utterances[i].StartMs, utterances[i].EndMs, seg.StartMs, seg.EndMs)
			if overlap > bestOverlap {
				bestOverlap = overlap
				bestLabel = seg.SpeakerLabel
			}
		}
		if bestLabel == "" {
			continue
		}
		if global, ok := mapping[bestLabel]; ok {
			utterances[i].Speaker = global
		}
	}
}

func overlapMs(aStart, aEnd, bStart, bEnd int64) int64 {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}

// snapshotProfiles serializes the session's profiles, ordered by id.
func snapshotProfiles(sess *session.Session) []session.SpeakerSnapshot {
	snapshots := make([]session.SpeakerSnapshot, 0, len(sess.SpeakerProfiles))
	for _, prof := range sess.SpeakerProfiles {
		snapshots = append(snapshots, session.SpeakerSnapshot{
			SpeakerID:     prof.SpeakerID,
			Centroid:      prof.Centroid,
			TotalSpeechMs: prof.TotalSpeechMs,
			DisplayName:   prof.DisplayName,
		})
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].SpeakerID < snapshots[j].SpeakerID
	})
	return snapshots
}

// speakerStats aggregates per-global-speaker totals for the final report.
func speakerStats(sess *session.Session, transcript []stt.Utterance) []SpeakerStat {
	counts := make(map[string]int)
	for _, utt := range transcript {
		if utt.Speaker != "" {
			counts[utt.Speaker]++
		}
	}

	stats := make([]SpeakerStat, 0, len(sess.SpeakerProfiles))
	for _, prof := range sess.SpeakerProfiles {
		stats = append(stats, SpeakerStat{
			SpeakerID:          prof.SpeakerID,
			DisplayName:        prof.DisplayName,
			TotalSpeechMs:      prof.TotalSpeechMs,
			UtteranceCount:     counts[prof.SpeakerID],
			FirstSeenIncrement: prof.FirstSeenIncrement,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].SpeakerID < stats[j].SpeakerID
	})
	return stats
}
