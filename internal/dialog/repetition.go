package dialog

import (
	"strings"
	"sync"
)

// RepetitionDetector watches the agent's recent utterances and flags
// conversational loops: saying the same (or topically equivalent)
// thing more often than the threshold allows within the retained
// history. The caller substitutes a disengagement line on a flag.
type RepetitionDetector struct {
	historySize   int
	threshold     int
	similarityMin float64

	mu      sync.Mutex
	history []string
}

// NewRepetitionDetector retains the last historySize utterances and
// flags when an utterance recurs more than threshold times.
func NewRepetitionDetector(historySize, threshold int) *RepetitionDetector {
	if historySize < 4 {
		historySize = 4
	}
	return &RepetitionDetector{
		historySize:   historySize,
		threshold:     threshold,
		similarityMin: 0.8,
	}
}

// Observe records an utterance the agent is about to speak and reports
// whether it closes a repetition loop.
func (r *RepetitionDetector) Observe(utterance string) bool {
	normalized := normalizeTranscript(utterance)
	words := fieldSet(normalized)

	r.mu.Lock()
	defer r.mu.Unlock()

	matches := 0
	for _, prev := range r.history {
		if prev == normalized || wordOverlap(words, fieldSet(prev)) >= r.similarityMin {
			matches++
		}
	}

	r.history = append(r.history, normalized)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}

	return matches >= r.threshold
}

// Reset clears the retained history
func (r *RepetitionDetector) Reset() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}

func fieldSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

// wordOverlap is Jaccard similarity over word sets
func wordOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
