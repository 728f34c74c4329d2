package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage names recorded by the pipeline
const (
	StageSTT        = "stt"
	StageFirstToken = "llm_first_token"
	StageLLM        = "llm"
	StageSynthesis  = "synthesis"
	StageFirstAudio = "first_audio"
	StageCycle      = "cycle"
)

// StageStats summarizes the rolling window for one stage
type StageStats struct {
	Count int
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
	P95   time.Duration
}

type stageMark struct {
	start time.Time
	meta  map[string]string
}

// CycleTracker records per-turn pipeline milestones and aggregate latency.
// One instance is shared process-wide; all methods are safe for concurrent use.
type CycleTracker struct {
	mu         sync.Mutex
	windowSize int
	windows    map[string][]time.Duration
	active     map[string]map[string]stageMark // call id -> stage -> open mark
	errors     map[string]int64
	cacheHits  int64
	cacheMiss  int64

	// Degradation circuit: a run of consecutive cycles over the ceiling
	// raises a flag for operational handling, without stopping the pipeline.
	ceiling  time.Duration
	runLen   int
	slowRun  int
	degraded bool
}

// NewCycleTracker creates a tracker with the given rolling window size,
// end-to-end latency ceiling, and consecutive-slow-cycle run length.
func NewCycleTracker(windowSize int, ceiling time.Duration, runLen int) *CycleTracker {
	if windowSize <= 0 {
		windowSize = 100
	}
	if runLen <= 0 {
		runLen = 3
	}
	return &CycleTracker{
		windowSize: windowSize,
		windows:    make(map[string][]time.Duration),
		active:     make(map[string]map[string]stageMark),
		errors:     make(map[string]int64),
		ceiling:    ceiling,
		runLen:     runLen,
	}
}

// StartStage opens a named stage for a call
func (t *CycleTracker) StartStage(callID, stage string, meta map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	marks, ok := t.active[callID]
	if !ok {
		marks = make(map[string]stageMark)
		t.active[callID] = marks
	}
	marks[stage] = stageMark{start: time.Now(), meta: meta}
}

// CompleteStage closes a named stage and records its duration.
// Completing a stage that was never started is a no-op.
func (t *CycleTracker) CompleteStage(callID, stage string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	marks, ok := t.active[callID]
	if !ok {
		return 0
	}
	mark, ok := marks[stage]
	if !ok {
		return 0
	}
	delete(marks, stage)
	if len(marks) == 0 {
		delete(t.active, callID)
	}

	d := time.Since(mark.start)
	t.record(stage, d)
	return d
}

// Record adds an externally measured duration to a stage window
func (t *CycleTracker) Record(stage string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(stage, d)
}

func (t *CycleTracker) record(stage string, d time.Duration) {
	w := append(t.windows[stage], d)
	if len(w) > t.windowSize {
		w = w[len(w)-t.windowSize:]
	}
	t.windows[stage] = w
	ObserveStageLatency(stage, d.Seconds())

	if stage == StageCycle && t.ceiling > 0 {
		if d > t.ceiling {
			t.slowRun++
			if t.slowRun >= t.runLen && !t.degraded {
				t.degraded = true
				RecordDegradationEvent()
			}
		} else {
			t.slowRun = 0
			t.degraded = false
		}
	}
}

// RecordCacheHit counts an audio cache hit
func (t *CycleTracker) RecordCacheHit() {
	t.mu.Lock()
	t.cacheHits++
	t.mu.Unlock()
}

// RecordCacheMiss counts an audio cache miss
func (t *CycleTracker) RecordCacheMiss() {
	t.mu.Lock()
	t.cacheMiss++
	t.mu.Unlock()
}

// CacheCounts returns the cache hit/miss totals
func (t *CycleTracker) CacheCounts() (hits, misses int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cacheHits, t.cacheMiss
}

// RecordStageError counts an error against a stage
func (t *CycleTracker) RecordStageError(stage string) {
	t.mu.Lock()
	t.errors[stage]++
	t.mu.Unlock()
}

// StageErrors returns the error count for a stage
func (t *CycleTracker) StageErrors(stage string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errors[stage]
}

// Degraded reports whether the latency degradation flag is currently raised
func (t *CycleTracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

// Stats computes summary statistics over the rolling window for a stage
func (t *CycleTracker) Stats(stage string) StageStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[stage]
	if len(w) == 0 {
		return StageStats{}
	}

	sorted := make([]time.Duration, len(w))
	copy(sorted, w)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	p95Idx := (len(sorted)*95 + 99) / 100
	if p95Idx > 0 {
		p95Idx--
	}

	return StageStats{
		Count: len(sorted),
		Avg:   sum / time.Duration(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P95:   sorted[p95Idx],
	}
}

// ConversationCycle captures the milestones of one user-turn to agent-turn
// round trip. It is metrics-only and never feeds back into call logic.
type ConversationCycle struct {
	mu sync.Mutex

	ID            string
	CallID        string
	Transcript    string
	UserSpeechEnd time.Time
	STTComplete   time.Time
	LLMFirstToken time.Time
	LLMComplete   time.Time
	FirstAudio    time.Time
	FirstAudioOut time.Time
	Completed     time.Time
	ChunkCount    int
	Aborted       bool

	tracker *CycleTracker
}

// NewCycle opens a conversation cycle for a call, anchored at user speech end
func (t *CycleTracker) NewCycle(callID string) *ConversationCycle {
	return &ConversationCycle{
		ID:            uuid.New().String(),
		CallID:        callID,
		UserSpeechEnd: time.Now(),
		tracker:       t,
	}
}

// MarkTranscript records the final transcript and STT completion time
func (c *ConversationCycle) MarkTranscript(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transcript = text
	c.STTComplete = time.Now()
	c.tracker.Record(StageSTT, c.STTComplete.Sub(c.UserSpeechEnd))
}

// MarkFirstToken records the first language-model token arrival
func (c *ConversationCycle) MarkFirstToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.LLMFirstToken.IsZero() {
		return
	}
	c.LLMFirstToken = time.Now()
	if !c.STTComplete.IsZero() {
		c.tracker.Record(StageFirstToken, c.LLMFirstToken.Sub(c.STTComplete))
	}
}

// MarkLLMComplete records the end of language-model streaming
func (c *ConversationCycle) MarkLLMComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LLMComplete = time.Now()
	if !c.STTComplete.IsZero() {
		c.tracker.Record(StageLLM, c.LLMComplete.Sub(c.STTComplete))
	}
}

// MarkFirstAudio records the first synthesized audio becoming available
func (c *ConversationCycle) MarkFirstAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.FirstAudio.IsZero() {
		return
	}
	c.FirstAudio = time.Now()
	if !c.LLMFirstToken.IsZero() {
		c.tracker.Record(StageSynthesis, c.FirstAudio.Sub(c.LLMFirstToken))
	}
}

// MarkFirstAudioSent records the first outbound frame of the agent utterance
func (c *ConversationCycle) MarkFirstAudioSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.FirstAudioOut.IsZero() {
		return
	}
	c.FirstAudioOut = time.Now()
	c.tracker.Record(StageFirstAudio, c.FirstAudioOut.Sub(c.UserSpeechEnd))
}

// AddChunk counts one outbound audio chunk
func (c *ConversationCycle) AddChunk() {
	c.mu.Lock()
	c.ChunkCount++
	c.mu.Unlock()
}

// Complete closes the cycle; aborted marks a barge-in or failure teardown
func (c *ConversationCycle) Complete(aborted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Completed.IsZero() {
		return
	}
	c.Completed = time.Now()
	c.Aborted = aborted
	c.tracker.Record(StageCycle, c.Completed.Sub(c.UserSpeechEnd))
}
