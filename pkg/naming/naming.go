// Package naming extracts self-introduction name candidates from transcript
// text and fuzzy-matches candidates against a known participant roster.
package naming

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// Candidate is one extracted name with the confidence of the pattern that
// produced it.
type Candidate struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Pattern    string  `json:"pattern"`
}

// introPattern couples a compiled self-introduction pattern with a fixed
// confidence. Patterns are applied in order; order matters only for the
// Pattern label since dedupe keeps the highest confidence per name.
type introPattern struct {
	label      string
	re         *regexp.Regexp
	confidence float64
}

var introPatterns = []introPattern{
	{"my_name_is", regexp.MustCompile(`(?i)\bmy name is ([A-Za-z][A-Za-z '-]{0,40})`), 0.95},
	{"this_is", regexp.MustCompile(`(?i)\bthis is ([A-Z][A-Za-z '-]{0,40})`), 0.75},
	{"i_am", regexp.MustCompile(`(?i)\bi am ([A-Z][A-Za-z '-]{0,40})`), 0.80},
	{"im", regexp.MustCompile(`(?i)\bi'?m ([A-Z][A-Za-z '-]{0,40})`), 0.70},
	{"call_me", regexp.MustCompile(`(?i)\bcall me ([A-Za-z][A-Za-z '-]{0,40})`), 0.85},
	{"zh_wo_jiao", regexp.MustCompile(`我叫([\p{Han}A-Za-z·]{1,12})`), 0.95},
	{"zh_wo_de_mingzi", regexp.MustCompile(`我的名字是([\p{Han}A-Za-z·]{1,12})`), 0.95},
	{"zh_wo_shi", regexp.MustCompile(`我是([\p{Han}A-Za-z·]{1,12})`), 0.80},
}

// Extract returns self-introduction name candidates found in text,
// deduplicated by normalized name (highest confidence wins) and sorted by
// confidence descending.
func Extract(text string) []Candidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	byKey := make(map[string]Candidate)
	for _, p := range introPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			name := cleanCandidate(m[1])
			if name == "" || !plausibleName(name) {
				continue
			}
			key := NormalizeName(name)
			if existing, ok := byKey[key]; !ok || p.confidence > existing.Confidence {
				byKey[key] = Candidate{Name: name, Confidence: p.confidence, Pattern: p.label}
			}
		}
	}

	out := make([]Candidate, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// cleanCandidate trims trailing sentence fragments from a raw match.
func cleanCandidate(raw string) string {
	name := strings.TrimSpace(raw)
	// Cut at connective words that signal the sentence continued past the name.
	lower := strings.ToLower(name)
	for _, stop := range []string{" and ", " from ", " with ", " here ", " speaking", " calling"} {
		if idx := strings.Index(lower, stop); idx > 0 {
			name = name[:idx]
			lower = lower[:idx]
		}
	}
	return strings.Trim(name, " .,-'")
}

// plausibleName rejects phrases of 4+ tokens that contain no CJK characters;
// ordinary sentences caught by a loose pattern look like that, names do not.
func plausibleName(name string) bool {
	if containsCJK(name) {
		return true
	}
	return len(strings.Fields(name)) < 4
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// NormalizeName lowercases and collapses a name to its comparison key.
func NormalizeName(name string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	return strings.Join(fields, " ")
}

// MatchRoster fuzzy-matches a candidate name against the roster and returns
// the matched roster entry. Strategies, in order: exact normalized key,
// substring containment for CJK names, token overlap, edit distance.
func MatchRoster(candidate string, roster []string) (string, bool) {
	key := NormalizeName(candidate)
	if key == "" {
		return "", false
	}

	for _, entry := range roster {
		if NormalizeName(entry) == key {
			return entry, true
		}
	}

	// CJK names transcribe with surname/given-name fragments, so
	// containment either way counts as a match.
	if containsCJK(candidate) {
		for _, entry := range roster {
			ek := NormalizeName(entry)
			if ek == "" || !containsCJK(entry) {
				continue
			}
			if strings.Contains(ek, key) || strings.Contains(key, ek) {
				return entry, true
			}
		}
	}

	if entry, ok := matchTokenOverlap(key, roster); ok {
		return entry, true
	}

	// Edit-distance fallback, only for names long enough that a distance
	// of 2 cannot turn one short name into another.
	if len(key) >= 5 {
		for _, entry := range roster {
			ek := NormalizeName(entry)
			if len(ek) >= 5 && levenshtein.ComputeDistance(key, ek) <= 2 {
				return entry, true
			}
		}
	}

	return "", false
}

// matchTokenOverlap matches on Jaccard token overlap. Single-token overlap
// only counts when the shared token is long enough to be a distinctive
// given name, which keeps common short words from bridging two names.
func matchTokenOverlap(key string, roster []string) (string, bool) {
	candTokens := strings.Fields(key)
	if len(candTokens) == 0 {
		return "", false
	}

	bestEntry := ""
	bestJaccard := 0.0
	for _, entry := range roster {
		entryTokens := strings.Fields(NormalizeName(entry))
		if len(entryTokens) == 0 {
			continue
		}
		shared := sharedTokens(candTokens, entryTokens)
		if len(shared) == 0 {
			continue
		}
		if len(shared) == 1 && len(shared[0]) < 4 {
			continue
		}
		union := len(candTokens) + len(entryTokens) - len(shared)
		jaccard := float64(len(shared)) / float64(union)
		if jaccard >= 0.5 && jaccard > bestJaccard {
			bestJaccard = jaccard
			bestEntry = entry
		}
	}
	return bestEntry, bestEntry != ""
}

func sharedTokens(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	var shared []string
	for _, t := range b {
		if set[t] {
			shared = append(shared, t)
			set[t] = false
		}
	}
	return shared
}
