package dialog

import "strings"

// CutoffClassifier decides whether accumulated response text already
// constitutes a complete conversational turn, letting the orchestrator
// stop consuming tokens early and cut time-to-first-audio.
type CutoffClassifier struct {
	minLength int
	maxLength int
}

// NewCutoffClassifier builds a classifier with length bounds: no
// cutoff below min, forced cutoff above max.
func NewCutoffClassifier(minLength, maxLength int) *CutoffClassifier {
	return &CutoffClassifier{minLength: minLength, maxLength: maxLength}
}

// trailingConjunctions keep a sentence open even past terminal
// punctuation ("I can help with that, and...").
var trailingConjunctions = map[string]bool{
	"and": true, "but": true, "or": true, "so": true,
	"because": true, "however": true, "also": true, "plus": true,
}

// imperativeOpeners mark an instruction turn
var imperativeOpeners = map[string]bool{
	"please": true, "press": true, "call": true, "visit": true,
	"go": true, "click": true, "open": true, "check": true,
	"tell": true, "give": true, "let": true, "just": true,
}

// ShouldCutoff reports whether text is a complete turn. Positive on: a
// complete question, a complete instruction, or a terminal statement
// with no trailing conjunction — all subject to the length bounds.
func (c *CutoffClassifier) ShouldCutoff(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < c.minLength {
		return false
	}
	if c.maxLength > 0 && len(trimmed) > c.maxLength {
		return true
	}

	last := trimmed[len(trimmed)-1]
	if last != '.' && last != '!' && last != '?' {
		return false
	}

	// A finished question is always a complete turn
	if last == '?' {
		return true
	}

	words := strings.Fields(strings.ToLower(strings.Trim(trimmed, ".!?")))
	if len(words) == 0 {
		return false
	}
	if trailingConjunctions[words[len(words)-1]] {
		return false
	}

	// Complete instruction
	if imperativeOpeners[words[0]] {
		return true
	}

	// Terminal statement: ends cleanly, no dangling clause
	return true
}
