// Package cache stores synthesized audio keyed by what was said, so
// repeated agent lines skip the synthesis provider entirely. Lookups
// run in two tiers: an exact tier over normalized text, and a phonetic
// tier that accepts close paraphrases sharing topic/sound groups.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/observability"
)

// Audio holds both representations of one synthesized utterance: the
// provider's raw output and the telephony-ready mulaw transcode.
type Audio struct {
	Raw   []byte
	Mulaw []byte
}

// Options tunes cache behavior
type Options struct {
	TTL           time.Duration
	JaccardMin    float64
	MinTextLength int
	MaxTextLength int
}

type entry struct {
	key       string
	text      string // normalized
	voiceID   string
	audio     Audio
	groups    []string
	words     map[string]struct{}
	createdAt time.Time
	expiresAt time.Time
	hits      int
}

// AudioCache is a two-tier in-memory audio cache. Safe for concurrent use.
type AudioCache struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	byGroup map[string]map[string]struct{}
}

var digitRe = regexp.MustCompile(`[0-9]`)

// confusionPhrases are clarification/repair utterances that read the
// same on paper but never mean the same thing twice in a call.
var confusionPhrases = []string{
	"sorry",
	"pardon",
	"what",
	"huh",
	"say again",
	"repeat that",
	"i didn't catch",
	"i don't understand",
	"could you repeat",
}

// New creates an empty cache
func New(opts Options, logger zerolog.Logger) *AudioCache {
	if opts.TTL <= 0 {
		opts.TTL = 12 * time.Hour
	}
	if opts.JaccardMin <= 0 {
		opts.JaccardMin = 0.8
	}
	return &AudioCache{
		opts:    opts,
		logger:  logger.With().Str("component", "audio_cache").Logger(),
		entries: make(map[string]*entry),
		byGroup: make(map[string]map[string]struct{}),
	}
}

// Normalize collapses whitespace, lowercases, and strips punctuation so
// "Hello,  there!" and "hello there" share one cache key.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\t', r == '\n':
			b.WriteRune(' ')
		case r == '\'':
			// keep contractions intact
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Cacheable reports whether text is safe to cache. Utterances with
// digits (numbers, dates, amounts are call-specific), single words,
// clarification phrases, or out-of-bounds length are excluded.
func (c *AudioCache) Cacheable(text string) bool {
	normalized := Normalize(text)
	if len(normalized) < c.opts.MinTextLength {
		return false
	}
	if c.opts.MaxTextLength > 0 && len(normalized) > c.opts.MaxTextLength {
		return false
	}
	if digitRe.MatchString(normalized) {
		return false
	}
	if len(strings.Fields(normalized)) < 2 {
		return false
	}
	for _, phrase := range confusionPhrases {
		if strings.Contains(normalized, phrase) {
			return false
		}
	}
	return true
}

func exactKey(normalized, voiceID string) string {
	sum := sha256.Sum256([]byte(voiceID + "|" + normalized))
	return hex.EncodeToString(sum[:16])
}

// Get looks up audio for text in voiceID. The exact tier is tried
// first, then the phonetic tier over entries sharing a group. Expired
// or structurally invalid entries are evicted and reported as misses.
func (c *AudioCache) Get(text, voiceID string) (Audio, bool) {
	normalized := Normalize(text)
	if normalized == "" {
		observability.RecordCacheLookup("miss")
		return Audio{}, false
	}

	now := time.Now()
	key := exactKey(normalized, voiceID)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		if audio, valid := c.validate(e, now); valid {
			observability.RecordCacheLookup("hit_exact")
			return audio, true
		}
	}

	if audio, ok := c.phoneticLookup(normalized, voiceID, now); ok {
		observability.RecordCacheLookup("hit_phonetic")
		return audio, true
	}

	observability.RecordCacheLookup("miss")
	return Audio{}, false
}

// phoneticLookup scans entries sharing any group with the query and
// accepts the closest one at or above the Jaccard threshold.
func (c *AudioCache) phoneticLookup(normalized, voiceID string, now time.Time) (Audio, bool) {
	groups := extractGroups(normalized)
	if len(groups) == 0 {
		return Audio{}, false
	}
	queryWords := wordSet(normalized)

	c.mu.RLock()
	candidates := make(map[string]struct{})
	for _, g := range groups {
		for key := range c.byGroup[g] {
			candidates[key] = struct{}{}
		}
	}

	var best *entry
	bestScore := 0.0
	for key := range candidates {
		e, ok := c.entries[key]
		if !ok || e.voiceID != voiceID {
			continue
		}
		score := jaccard(queryWords, e.words)
		if score >= c.opts.JaccardMin && score > bestScore {
			best, bestScore = e, score
		}
	}
	c.mu.RUnlock()

	if best == nil {
		return Audio{}, false
	}
	audio, valid := c.validate(best, now)
	if !valid {
		return Audio{}, false
	}
	c.logger.Debug().
		Float64("similarity", bestScore).
		Str("matched", best.text).
		Msg("Phonetic cache hit")
	return audio, true
}

// validate checks expiry and structural integrity, evicting on failure.
// A corrupted entry (either audio representation missing) is a miss.
func (c *AudioCache) validate(e *entry, now time.Time) (Audio, bool) {
	if now.After(e.expiresAt) {
		c.evict(e.key, "expired")
		return Audio{}, false
	}
	if len(e.audio.Raw) == 0 || len(e.audio.Mulaw) == 0 {
		c.evict(e.key, "corrupted")
		return Audio{}, false
	}
	c.mu.Lock()
	e.hits++
	c.mu.Unlock()
	return e.audio, true
}

// Put stores synthesized audio if the text passes cacheability checks.
// Returns true when the entry was stored.
func (c *AudioCache) Put(text, voiceID string, audio Audio) bool {
	if !c.Cacheable(text) {
		return false
	}
	if len(audio.Raw) == 0 || len(audio.Mulaw) == 0 {
		return false
	}

	normalized := Normalize(text)
	key := exactKey(normalized, voiceID)
	now := time.Now()
	e := &entry{
		key:       key,
		text:      normalized,
		voiceID:   voiceID,
		audio:     audio,
		groups:    extractGroups(normalized),
		words:     wordSet(normalized),
		createdAt: now,
		expiresAt: now.Add(c.opts.TTL),
	}

	c.mu.Lock()
	c.entries[key] = e
	for _, g := range e.groups {
		if c.byGroup[g] == nil {
			c.byGroup[g] = make(map[string]struct{})
		}
		c.byGroup[g][key] = struct{}{}
	}
	c.mu.Unlock()
	return true
}

func (c *AudioCache) evict(key, reason string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		for _, g := range e.groups {
			delete(c.byGroup[g], key)
			if len(c.byGroup[g]) == 0 {
				delete(c.byGroup, g)
			}
		}
	}
	c.mu.Unlock()
	if ok {
		c.logger.Debug().Str("reason", reason).Msg("Cache entry evicted")
	}
}

// Purge removes expired and corrupted entries; run at startup and
// from the maintenance pass. Returns the number of entries removed.
func (c *AudioCache) Purge() int {
	now := time.Now()

	c.mu.RLock()
	var stale []string
	for key, e := range c.entries {
		if now.After(e.expiresAt) || len(e.audio.Raw) == 0 || len(e.audio.Mulaw) == 0 {
			stale = append(stale, key)
		}
	}
	c.mu.RUnlock()

	for _, key := range stale {
		c.evict(key, "purge")
	}
	if len(stale) > 0 {
		c.logger.Info().Int("purged", len(stale)).Msg("Cache maintenance purge complete")
	}
	return len(stale)
}

// Len returns the number of live entries
func (c *AudioCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// PrewarmPhrases are the opening lines every call is likely to use.
// Synthesizing them ahead of the first call removes first-response
// latency on the hot path.
var PrewarmPhrases = []string{
	"Hello, this is Sarah calling on a recorded line.",
	"Hi there, how are you doing today?",
	"Thank you so much for your time.",
	"That sounds great, let me check on that for you.",
	"Is now a good time to talk?",
	"Thank you, have a wonderful day, goodbye.",
}

// Prewarm synthesizes and stores the curated opening phrases using the
// provided synthesize function. Failures are logged and skipped.
func (c *AudioCache) Prewarm(voiceID string, synthesize func(text string) (Audio, error)) {
	warmed := 0
	for _, phrase := range PrewarmPhrases {
		if _, ok := c.Get(phrase, voiceID); ok {
			continue
		}
		audio, err := synthesize(phrase)
		if err != nil {
			c.logger.Warn().Err(err).Str("phrase", phrase).Msg("Prewarm synthesis failed")
			continue
		}
		if c.Put(phrase, voiceID, audio) {
			warmed++
		}
	}
	c.logger.Info().Int("warmed", warmed).Msg("Cache prewarm complete")
}
