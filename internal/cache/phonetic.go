package cache

import (
	"strings"
)

// topicGroups maps coarse conversational topics to their marker words.
// Entries sharing a topic group become phonetic-tier candidates.
var topicGroups = map[string][]string{
	"greeting":     {"hello", "hi", "hey", "morning", "afternoon", "evening", "calling"},
	"thanks":       {"thank", "thanks", "appreciate", "grateful"},
	"confirmation": {"yes", "correct", "right", "exactly", "sure", "absolutely", "great", "perfect"},
	"scheduling":   {"schedule", "appointment", "time", "tomorrow", "today", "week", "available", "calendar"},
	"closing":      {"goodbye", "bye", "care", "day", "talk", "soon", "wonderful"},
	"question":     {"how", "what", "when", "where", "would", "could", "can"},
}

// soundGroup produces a coarse Soundex-style code for one word, so that
// similar-sounding words land in the same group.
func soundGroup(word string) string {
	if word == "" {
		return ""
	}
	word = strings.ToLower(word)

	codes := map[rune]byte{
		'b': '1', 'f': '1', 'p': '1', 'v': '1',
		'c': '2', 'g': '2', 'j': '2', 'k': '2', 'q': '2', 's': '2', 'x': '2', 'z': '2',
		'd': '3', 't': '3',
		'l': '4',
		'm': '5', 'n': '5',
		'r': '6',
	}

	out := []byte{word[0]}
	var last byte
	for _, r := range word[1:] {
		c, ok := codes[r]
		if !ok {
			last = 0
			continue
		}
		if c == last {
			continue
		}
		out = append(out, c)
		last = c
		if len(out) == 4 {
			break
		}
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}

// extractGroups derives the phonetic/topic groups for a normalized text:
// every matching topic group plus sound codes of the two longest words.
func extractGroups(normalized string) []string {
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var groups []string
	add := func(g string) {
		if _, ok := seen[g]; !ok && g != "" {
			seen[g] = struct{}{}
			groups = append(groups, g)
		}
	}

	wordSet := make(map[string]struct{}, len(words))
	for _, w := range words {
		wordSet[w] = struct{}{}
	}
	for topic, markers := range topicGroups {
		for _, m := range markers {
			if _, ok := wordSet[m]; ok {
				add("topic:" + topic)
				break
			}
		}
	}

	// Sound codes of the two longest words anchor near-matches
	longest, second := "", ""
	for _, w := range words {
		if len(w) > len(longest) {
			longest, second = w, longest
		} else if len(w) > len(second) {
			second = w
		}
	}
	add("sound:" + soundGroup(longest))
	if second != "" {
		add("sound:" + soundGroup(second))
	}

	return groups
}

// jaccard computes word-set similarity between two word sets
func jaccard(a, b map[string]struct{}) float64 {
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
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func wordSet(normalized string) map[string]struct{} {
	words := strings.Fields(normalized)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
