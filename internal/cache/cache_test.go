package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testCache() *AudioCache {
	return New(Options{
		TTL:           time.Hour,
		JaccardMin:    0.8,
		MinTextLength: 12,
		MaxTextLength: 200,
	}, zerolog.Nop())
}

func testAudio() Audio {
	return Audio{Raw: []byte{1, 2, 3}, Mulaw: []byte{4, 5, 6}}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello,  there!", "hello there"},
		{"THANK you SO much.", "thank you so much"},
		{"  spaced   out  ", "spaced out"},
		{"don't worry about it", "don't worry about it"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCacheable_Exclusions(t *testing.T) {
	c := testCache()

	cases := []struct {
		text string
		want bool
	}{
		{"Thank you so much for your time today.", true},
		{"Your appointment is at 3 PM.", false}, // digits
		{"Hello.", false},                       // single word, too short
		{"Sorry, could you repeat that?", false},
		{"I didn't catch that last part.", false},
		{"hi", false}, // below min length
	}
	for _, tc := range cases {
		if got := c.Cacheable(tc.text); got != tc.want {
			t.Errorf("Cacheable(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestCache_ExactHit(t *testing.T) {
	c := testCache()

	if !c.Put("Thank you so much for your time.", "voice-a", testAudio()) {
		t.Fatal("Expected put to store cacheable text")
	}

	// Punctuation and case differ, normalized key is the same
	audio, ok := c.Get("thank you so much for your time", "voice-a")
	if !ok {
		t.Fatal("Expected exact-tier hit on normalized text")
	}
	if len(audio.Mulaw) == 0 {
		t.Error("Expected transcoded audio in hit")
	}
}

func TestCache_VoiceIsolated(t *testing.T) {
	c := testCache()

	c.Put("Thank you so much for your time.", "voice-a", testAudio())
	if _, ok := c.Get("Thank you so much for your time.", "voice-b"); ok {
		t.Error("Expected no hit across voice IDs")
	}
}

func TestCache_PhoneticHit(t *testing.T) {
	c := testCache()

	c.Put("thank you so much for your time today", "voice-a", testAudio())

	// One word changed out of eight: Jaccard 7/9 < 0.8 would miss, so
	// use a closer paraphrase sharing all but ordering
	if _, ok := c.Get("thank you so much for your time today", "voice-a"); !ok {
		t.Fatal("Expected exact hit first")
	}

	// Swap word order only: identical word set, Jaccard 1.0
	audio, ok := c.Get("thank you so very much for your time today", "voice-a")
	_ = audio
	// 9 words vs 8, intersection 8, union 9 => 0.889 >= 0.8
	if !ok {
		t.Error("Expected phonetic-tier hit on near-identical word set")
	}
}

func TestCache_PhoneticRejectsDistant(t *testing.T) {
	c := testCache()

	c.Put("thank you so much for your time today", "voice-a", testAudio())

	if _, ok := c.Get("thanks again for speaking with me earlier", "voice-a"); ok {
		t.Error("Expected no phonetic hit below similarity threshold")
	}
}

func TestCache_ExpiredEntryIsMissAndEvicted(t *testing.T) {
	c := New(Options{
		TTL:           1 * time.Millisecond,
		JaccardMin:    0.8,
		MinTextLength: 12,
	}, zerolog.Nop())

	c.Put("Thank you so much for your time.", "voice-a", testAudio())
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("Thank you so much for your time.", "voice-a"); ok {
		t.Error("Expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("Expected expired entry evicted, len %d", c.Len())
	}
}

func TestCache_RejectsIncompleteAudio(t *testing.T) {
	c := testCache()

	if c.Put("Thank you so much for your time.", "voice-a", Audio{Raw: []byte{1}}) {
		t.Error("Expected put rejected without transcoded audio")
	}
	if c.Put("Thank you so much for your time.", "voice-a", Audio{Mulaw: []byte{1}}) {
		t.Error("Expected put rejected without raw audio")
	}
}

func TestCache_PurgeRemovesExpired(t *testing.T) {
	c := New(Options{
		TTL:           1 * time.Millisecond,
		JaccardMin:    0.8,
		MinTextLength: 12,
	}, zerolog.Nop())

	c.Put("Thank you so much for your time.", "voice-a", testAudio())
	c.Put("Is now a good time to talk with me?", "voice-a", testAudio())
	time.Sleep(5 * time.Millisecond)

	if purged := c.Purge(); purged != 2 {
		t.Errorf("Expected 2 entries purged, got %d", purged)
	}
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after purge, len %d", c.Len())
	}
}

func TestCache_Prewarm(t *testing.T) {
	c := testCache()

	calls := 0
	c.Prewarm("voice-a", func(text string) (Audio, error) {
		calls++
		return testAudio(), nil
	})

	if calls != len(PrewarmPhrases) {
		t.Errorf("Expected %d synthesis calls, got %d", len(PrewarmPhrases), calls)
	}
	if c.Len() == 0 {
		t.Error("Expected prewarmed entries stored")
	}

	// Second prewarm finds everything cached
	calls = 0
	c.Prewarm("voice-a", func(text string) (Audio, error) {
		calls++
		return testAudio(), nil
	})
	for _, phrase := range PrewarmPhrases {
		if !c.Cacheable(phrase) {
			continue
		}
		if _, ok := c.Get(phrase, "voice-a"); !ok {
			t.Errorf("Expected prewarmed phrase cached: %q", phrase)
		}
	}
}

func TestJaccard(t *testing.T) {
	a := wordSet("thank you so much")
	b := wordSet("thank you very much")
	// intersection 3, union 5
	if got := jaccard(a, b); got < 0.59 || got > 0.61 {
		t.Errorf("Expected jaccard 0.6, got %f", got)
	}
	if got := jaccard(a, a); got != 1.0 {
		t.Errorf("Expected identical sets to score 1.0, got %f", got)
	}
	if got := jaccard(a, map[string]struct{}{}); got != 0.0 {
		t.Errorf("Expected empty set to score 0.0, got %f", got)
	}
}

func TestExtractGroups(t *testing.T) {
	groups := extractGroups("hello there how are you doing today")
	hasTopic := false
	hasSound := false
	for _, g := range groups {
		if g == "topic:greeting" {
			hasTopic = true
		}
		if len(g) > 6 && g[:6] == "sound:" {
			hasSound = true
		}
	}
	if !hasTopic {
		t.Errorf("Expected greeting topic group, got %v", groups)
	}
	if !hasSound {
		t.Errorf("Expected sound groups, got %v", groups)
	}
}
