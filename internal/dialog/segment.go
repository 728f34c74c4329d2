// Package dialog holds the conversational text logic: splitting
// streamed tokens into speakable fragments, deciding when a response
// is already complete, filtering noisy transcripts, and breaking
// repetition loops.
package dialog

import "strings"

// SentenceBuffer accumulates streamed tokens and splits at sentence
// boundaries so fragments can be synthesized before the full response
// finishes streaming.
type SentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns any complete fragment ready for
// synthesis, or "" if no boundary has been reached yet.
func (s *SentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	text := s.buf.String()
	complete, remainder := splitAtSentence(text)
	if complete == "" {
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(remainder)
	return complete
}

// Flush returns whatever remains in the buffer
func (s *SentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtSentence finds the last sentence boundary in text. A boundary
// is an ender (.!?) followed by whitespace. Returns the complete
// prefix and the remainder; ("", text) when no boundary exists.
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := 0; i < len(text)-1; i++ {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	// A trailing ender with nothing after it also closes a sentence
	if n := len(text); n > 0 && sentenceEnders[text[n-1]] {
		lastIdx = n
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}
