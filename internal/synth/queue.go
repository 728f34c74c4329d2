// Package synth runs the priority synthesis queue: text fragments go
// in as they are produced, workers synthesize them in parallel across
// provider fallbacks, and finished audio comes back out strictly in
// sequence order for playback.
package synth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/cache"
	"github.com/outdialhq/voice-agent/internal/observability"
	"github.com/outdialhq/voice-agent/internal/tts"
)

// ErrBackchannelRejected is returned when a backchannel would collide
// with queued or in-flight response audio.
var ErrBackchannelRejected = errors.New("synth: backchannel rejected, response audio active")

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.New("synth: queue closed")

// Priority orders jobs within the queue; lower values run first
type Priority int

const (
	PriorityBackchannel Priority = iota
	PriorityFirst
	PriorityEarly
	PriorityNormal
	PriorityLate
)

func (p Priority) String() string {
	switch p {
	case PriorityBackchannel:
		return "backchannel"
	case PriorityFirst:
		return "first"
	case PriorityEarly:
		return "early"
	case PriorityNormal:
		return "normal"
	case PriorityLate:
		return "late"
	default:
		return "unknown"
	}
}

// PriorityFor derives the tier for a turn fragment from its position
func PriorityFor(sequenceIndex int, isFirst bool) Priority {
	switch {
	case isFirst:
		return PriorityFirst
	case sequenceIndex < 3:
		return PriorityEarly
	case sequenceIndex < 10:
		return PriorityNormal
	default:
		return PriorityLate
	}
}

// Status tracks a job through its lifecycle
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one queued unit of text to synthesize. Backchannel jobs carry
// sequence index -1 and bypass ordering.
type Job struct {
	ID            string
	Text          string
	Priority      Priority
	SequenceIndex int
	IsFirst       bool
	Status        Status
	Provider      string
	Retries       int
	Audio         cache.Audio
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time

	epoch uint64
}

// Config tunes the queue
type Config struct {
	Concurrency int
	MaxRetries  int
	VoiceID     string
}

// Queue synthesizes jobs with bounded concurrency and delivers them on
// Events in ascending sequence order per turn, completed or failed. A
// turn abort discards queued jobs and suppresses in-flight results.
type Queue struct {
	cfg        Config
	providers  []tts.Provider
	transcoder Transcoder        // nil skips transcoding
	audioCache *cache.AudioCache // nil disables caching
	logger     zerolog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	emitCond   *sync.Cond
	pending    []*Job
	processing int
	epoch      uint64
	turnCtx    context.Context
	turnCancel context.CancelFunc
	nextSeq    int
	held       map[int]*Job
	ready      []*Job // delivery-ordered, awaiting the emitter
	closed     bool

	events chan *Job
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue and starts its workers
func New(cfg Config, providers []tts.Provider, transcoder Transcoder, audioCache *cache.AudioCache, logger zerolog.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	q := &Queue{
		cfg:        cfg,
		providers:  providers,
		transcoder: transcoder,
		audioCache: audioCache,
		logger:     logger.With().Str("component", "synth_queue").Logger(),
		held:       make(map[int]*Job),
		events:     make(chan *Job, 256),
		quit:       make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.emitCond = sync.NewCond(&q.mu)
	q.turnCtx, q.turnCancel = context.WithCancel(context.Background())

	for i := 0; i < cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.emitter()
	return q
}

// Events delivers finished jobs in ascending sequence order. Failed
// jobs are delivered too so the consumer can substitute a fallback
// utterance without losing its place in the turn.
func (q *Queue) Events() <-chan *Job {
	return q.events
}

// StartTurn resets sequence delivery for a new response turn,
// discarding anything left over from the previous one.
func (q *Queue) StartTurn() {
	q.mu.Lock()
	q.abortLocked()
	q.nextSeq = 0
	q.mu.Unlock()
}

// AbortTurn discards queued jobs and suppresses in-flight results for
// the current turn. Called on barge-in.
func (q *Queue) AbortTurn() {
	q.mu.Lock()
	q.abortLocked()
	q.mu.Unlock()
}

func (q *Queue) abortLocked() {
	q.turnCancel()
	q.epoch++
	q.pending = q.pending[:0]
	q.held = make(map[int]*Job)
	q.turnCtx, q.turnCancel = context.WithCancel(context.Background())
}

// Enqueue queues one fragment for synthesis and returns its job id.
// Backchannel jobs are rejected when any response job is active or
// queued, to avoid talking over the main response.
func (q *Queue) Enqueue(text string, priority Priority, sequenceIndex int, isFirst bool) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}
	if priority == PriorityBackchannel && (len(q.pending) > 0 || q.processing > 0) {
		return "", ErrBackchannelRejected
	}

	job := &Job{
		ID:            uuid.New().String(),
		Text:          text,
		Priority:      priority,
		SequenceIndex: sequenceIndex,
		IsFirst:       isFirst,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
		epoch:         q.epoch,
	}
	q.pending = append(q.pending, job)
	q.cond.Signal()
	return job.ID, nil
}

// EnqueueBackchannel queues a short acknowledgment outside the turn's
// sequence ordering.
func (q *Queue) EnqueueBackchannel(text string) (string, error) {
	return q.Enqueue(text, PriorityBackchannel, -1, false)
}

// Close stops the workers and closes the events channel
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.turnCancel()
	close(q.quit)
	q.cond.Broadcast()
	q.emitCond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	close(q.events)
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for !q.closed && len(q.pending) == 0 {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		job := q.popLocked()
		job.Status = StatusProcessing
		job.StartedAt = time.Now()
		q.processing++
		ctx := q.turnCtx
		q.mu.Unlock()

		q.process(ctx, job)

		q.mu.Lock()
		q.processing--
		q.mu.Unlock()
	}
}

// popLocked removes the highest-priority pending job, FIFO within a tier
func (q *Queue) popLocked() *Job {
	best := 0
	for i, job := range q.pending {
		if job.Priority < q.pending[best].Priority {
			best = i
		}
	}
	job := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	return job
}

// process synthesizes one job: cache first, then the provider chain.
// A failed attempt requeues the job at a demoted priority until
// retries run out.
func (q *Queue) process(ctx context.Context, job *Job) {
	if q.audioCache != nil {
		if audio, ok := q.audioCache.Get(job.Text, q.cfg.VoiceID); ok {
			job.Audio = audio
			job.Provider = "cache"
			q.complete(job)
			return
		}
	}

	provider := q.providers[job.Retries%len(q.providers)]
	job.Provider = provider.Name()

	audio, err := q.synthesizeOnce(ctx, provider, job.Text)
	if err != nil {
		if ctx.Err() != nil {
			// Turn aborted mid-synthesis; drop without counting a failure
			return
		}
		observability.RecordSynthesisJob(provider.Name(), "error")
		q.logger.Warn().Err(err).
			Str("provider", provider.Name()).
			Int("retries", job.Retries).
			Msg("Synthesis attempt failed")
		q.retryOrFail(job)
		return
	}

	job.Audio = audio
	if q.audioCache != nil {
		q.audioCache.Put(job.Text, q.cfg.VoiceID, audio)
	}
	q.complete(job)
}

// synthesizeOnce runs one provider attempt plus the mulaw transcode
func (q *Queue) synthesizeOnce(ctx context.Context, provider tts.Provider, text string) (cache.Audio, error) {
	start := time.Now()
	raw, err := provider.Synthesize(ctx, text, q.cfg.VoiceID)
	if err != nil {
		return cache.Audio{}, err
	}
	observability.ObserveStageLatency(observability.StageSynthesis, time.Since(start).Seconds())

	mulaw := raw
	if q.transcoder != nil {
		mulaw, err = q.transcoder.Transcode(ctx, provider.InputSpec(), raw)
		if err != nil {
			return cache.Audio{}, err
		}
	}
	return cache.Audio{Raw: raw, Mulaw: mulaw}, nil
}

// retryOrFail requeues with a demoted priority, or marks the job
// failed once retries are exhausted. Failure is terminal for the
// fragment, never for the call.
func (q *Queue) retryOrFail(job *Job) {
	if job.Retries < q.cfg.MaxRetries {
		job.Retries++
		if job.Priority < PriorityLate {
			job.Priority++
		}
		job.Status = StatusPending

		q.mu.Lock()
		if !q.closed && job.epoch == q.epoch {
			q.pending = append(q.pending, job)
			q.cond.Signal()
		}
		q.mu.Unlock()
		return
	}

	job.Status = StatusFailed
	job.CompletedAt = time.Now()
	observability.RecordSynthesisJob(job.Provider, "failed")
	q.logger.Error().
		Str("job_id", job.ID).
		Int("sequence", job.SequenceIndex).
		Msg("Synthesis exhausted all providers")
	q.deliver(job)
}

func (q *Queue) complete(job *Job) {
	job.Status = StatusCompleted
	job.CompletedAt = time.Now()
	observability.RecordSynthesisJob(job.Provider, "completed")
	q.deliver(job)
}

// deliver releases jobs to the events channel in ascending sequence
// order; out-of-order completions are held until the gap fills.
// Backchannel jobs bypass ordering.
func (q *Queue) deliver(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.epoch != q.epoch {
		return
	}
	if job.SequenceIndex < 0 {
		q.readyLocked(job)
		return
	}

	q.held[job.SequenceIndex] = job
	for {
		next, ok := q.held[q.nextSeq]
		if !ok {
			return
		}
		delete(q.held, q.nextSeq)
		q.nextSeq++
		q.readyLocked(next)
	}
}

func (q *Queue) readyLocked(job *Job) {
	q.ready = append(q.ready, job)
	q.emitCond.Signal()
}

// emitter feeds delivery-ordered jobs to the events channel. Sends
// block rather than drop: a slow consumer backpressures synthesis, so
// every job the consumer is owed eventually arrives. Jobs from an
// aborted turn are discarded here.
func (q *Queue) emitter() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for !q.closed && len(q.ready) == 0 {
			q.emitCond.Wait()
		}
		if len(q.ready) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.ready[0]
		q.ready = q.ready[1:]
		stale := job.epoch != q.epoch
		q.mu.Unlock()

		if stale {
			continue
		}
		select {
		case q.events <- job:
		case <-q.quit:
			return
		}
	}
}
