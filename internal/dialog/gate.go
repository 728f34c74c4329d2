package dialog

import (
	"strings"
	"sync"
	"time"

	"github.com/outdialhq/voice-agent/internal/observability"
)

// Decision is the gate's verdict on one final transcript
type Decision int

const (
	// Accept hands the transcript to the language model
	Accept Decision = iota
	// DropDuplicate discards a near-duplicate of the previous input
	DropDuplicate
	// DropShort discards sub-threshold noise
	DropShort
	// Defer queues the transcript for retry when the session idles
	Defer
	// DropOverflow discards input that found the pending queue full
	DropOverflow
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case DropDuplicate:
		return "duplicate"
	case DropShort:
		return "too_short"
	case Defer:
		return "deferred"
	case DropOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// GateConfig tunes transcript acceptance
type GateConfig struct {
	DedupWindow     time.Duration
	MinGap          time.Duration // Minimum interval between accepted inputs
	MinLength       int
	PendingCapacity int
}

// Gate filters final transcripts before they reach the language model:
// duplicates and noise are dropped, and input arriving too soon or
// while the agent is busy is parked in the pending queue for retry.
type Gate struct {
	cfg GateConfig
	now func() time.Time

	mu               sync.Mutex
	pending          []string
	lastAcceptedText string
	lastAcceptedAt   time.Time
}

// NewGate creates a transcript gate
func NewGate(cfg GateConfig) *Gate {
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = 8
	}
	return &Gate{cfg: cfg, now: time.Now}
}

func normalizeTranscript(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.Trim(text, " .,!?"))), " ")
}

// Offer evaluates one final transcript. busy means a turn is already
// in flight (speaking or processing). Deferred input is queued
// internally; the caller retries via TakePending when idle.
func (g *Gate) Offer(text string, busy bool) Decision {
	trimmed := strings.TrimSpace(text)

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(trimmed) < g.cfg.MinLength {
		observability.RecordDroppedTranscript("too_short")
		return DropShort
	}

	now := g.now()
	if normalizeTranscript(trimmed) == g.lastAcceptedText &&
		now.Sub(g.lastAcceptedAt) <= g.cfg.DedupWindow {
		observability.RecordDroppedTranscript("duplicate")
		return DropDuplicate
	}

	if busy || now.Sub(g.lastAcceptedAt) < g.cfg.MinGap {
		if len(g.pending) >= g.cfg.PendingCapacity {
			observability.RecordDroppedTranscript("overflow")
			return DropOverflow
		}
		g.pending = append(g.pending, trimmed)
		return Defer
	}

	g.acceptLocked(trimmed, now)
	return Accept
}

// TakePending pops the oldest deferred transcript if it is now
// acceptable. Called when the session returns to idle.
func (g *Gate) TakePending() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for len(g.pending) > 0 {
		text := g.pending[0]
		g.pending = g.pending[1:]

		now := g.now()
		if normalizeTranscript(text) == g.lastAcceptedText &&
			now.Sub(g.lastAcceptedAt) <= g.cfg.DedupWindow {
			observability.RecordDroppedTranscript("duplicate")
			continue
		}
		if now.Sub(g.lastAcceptedAt) < g.cfg.MinGap {
			// Still too soon; put it back and wait
			g.pending = append([]string{text}, g.pending...)
			return "", false
		}
		g.acceptLocked(text, now)
		return text, true
	}
	return "", false
}

// HasPending reports whether deferred input is waiting
func (g *Gate) HasPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending) > 0
}

// Clear drops all deferred input, used at hangup
func (g *Gate) Clear() {
	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()
}

func (g *Gate) acceptLocked(text string, now time.Time) {
	g.lastAcceptedText = normalizeTranscript(text)
	g.lastAcceptedAt = now
}
