package incremental

import (
	"sort"

	"speakerid-server/pkg/session"
	"speakerid-server/pkg/stt"
)

// MergeUtterances combines the utterance lists of all processed increments
// into one non-duplicated, time-ordered transcript.
//
// The first cumulativeThreshold increments are cumulative re-processings of
// the audio from session start, so only the last of them is kept as the
// base; it already contains everything the earlier ones did. Every later
// increment is a chunk plus a fixed overlap margin, and contributes only
// utterances starting at or after audio_start_ms + overlapMs; anything
// earlier falls inside the re-processed overlap region and is already in
// the transcript.
func MergeUtterances(records []session.IncrementRecord, cumulativeThreshold int, overlapMs int64) []stt.Utterance {
	var merged []stt.Utterance

	lastCumulative := -1
	for i, rec := range records {
		if rec.Index < cumulativeThreshold {
			lastCumulative = i
		}
	}
	if lastCumulative >= 0 {
		merged = append(merged, records[lastCumulative].Utterances...)
	}

	for _, rec := range records {
		if rec.Index < cumulativeThreshold {
			continue
		}
		cutoff := rec.AudioStartMs + overlapMs
		for _, utt := range rec.Utterances {
			if utt.StartMs >= cutoff {
				merged = append(merged, utt)
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].StartMs < merged[j].StartMs
	})
	return merged
}
