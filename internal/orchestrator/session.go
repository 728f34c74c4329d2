// Package orchestrator runs the per-call conversation state machine:
// it consumes recognizer events, gates transcripts, streams the
// language model, feeds the synthesis queue, and owns barge-in,
// hangup, and failure handling for one call.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/audio"
	"github.com/outdialhq/voice-agent/internal/config"
	"github.com/outdialhq/voice-agent/internal/dialog"
	"github.com/outdialhq/voice-agent/internal/llm"
	"github.com/outdialhq/voice-agent/internal/observability"
	"github.com/outdialhq/voice-agent/internal/stt"
	"github.com/outdialhq/voice-agent/internal/synth"
)

// State is the call session's lifecycle position
type State string

const (
	StateIdle          State = "IDLE"
	StateInitializing  State = "INITIALIZING"
	StateListening     State = "LISTENING"
	StateUserSpeaking  State = "USER_SPEAKING"
	StateLLMProcessing State = "LLM_PROCESSING"
	StateAgentSpeaking State = "AGENT_SPEAKING"
	StateBargeIn       State = "BARGE_IN_DETECTED"
	StateHangingUp     State = "HANGING_UP"
	StateTerminated    State = "TERMINATED"
	StateDisconnected  State = "DISCONNECTED"
)

// backchannelAfterSegments is how many final transcript segments a
// single user turn accumulates before an acknowledgement is played.
const backchannelAfterSegments = 2

// AudioSink receives playable mulaw audio for the callee
type AudioSink interface {
	// SendAudio queues telephony-ready audio for outbound delivery
	SendAudio(mulaw []byte) error
	// ClearAudio flushes queued outbound audio on barge-in
	ClearAudio()
	// Hangup ends the telephony leg after the closing utterance
	Hangup()
}

// Deps are the per-call collaborators injected by the stream handler
type Deps struct {
	Config  *config.Config
	STT     stt.Client
	LLM     llm.Client
	Queue   *synth.Queue
	Tracker *observability.CycleTracker
	Sink    AudioSink
	Logger  zerolog.Logger
}

// turnState tracks one in-flight response turn
type turnState struct {
	cancel     context.CancelFunc
	cycle      *observability.ConversationCycle
	nextSeq    int
	enqueued   int
	delivered  int
	llmDone    bool
	endCall    bool
	apologized bool
}

type turnResult struct {
	turn    *turnState // producing turn; stale results are dropped
	text    string
	endCall bool
	err     error
}

// CallSession coordinates one call. All state mutation happens on the
// Run loop goroutine; the LLM consumer communicates back through the
// turnDone channel and the shared turn counters under mu.
type CallSession struct {
	id     string
	userID string
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	gate       *dialog.Gate
	cutoff     *dialog.CutoffClassifier
	repetition *dialog.RepetitionDetector

	// Local energy detector backing up late recognizer speech-start
	// events. Touched only from the telephony reader goroutine.
	vad     *audio.VADDetector
	vadBuf  *audio.RingBuffer
	vadKick chan struct{}

	mu            sync.RWMutex
	state         State
	turn          *turnState
	speakingSince time.Time
	cooldownUntil time.Time
	history       []llm.Message
	utterance     []string
	startedAt     time.Time

	turnDone    chan *turnResult
	pendingKick chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// NewCallSession builds a session for one call leg
func NewCallSession(callID, userID string, deps Deps) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		id:     callID,
		userID: userID,
		cfg:    deps.Config,
		deps:   deps,
		logger: deps.Logger.With().Str("call_id", callID).Logger(),
		gate: dialog.NewGate(dialog.GateConfig{
			DedupWindow:     deps.Config.DuplicateWindow(),
			MinGap:          deps.Config.MinResponseGap(),
			MinLength:       deps.Config.MinTranscriptLength,
			PendingCapacity: deps.Config.PendingInputCapacity,
		}),
		cutoff:      dialog.NewCutoffClassifier(deps.Config.CutoffMinLength, deps.Config.CutoffMaxLength),
		repetition:  dialog.NewRepetitionDetector(deps.Config.RepetitionHistory, deps.Config.RepetitionThreshold),
		vad:         audio.NewVADDetector(nil),
		vadBuf:      audio.NewRingBuffer(4096),
		vadKick:     make(chan struct{}, 1),
		state:       StateIdle,
		history:     []llm.Message{{Role: llm.RoleSystem, Content: dialog.SystemPrompt}},
		turnDone:    make(chan *turnResult, 1),
		pendingKick: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	return s
}

// State returns the current lifecycle state
func (s *CallSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *CallSession) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("State transition")
	}
}

// HandleAudio forwards one inbound mulaw chunk to recognition. Called
// from the telephony reader goroutine.
func (s *CallSession) HandleAudio(mulaw []byte) {
	observability.RecordAudioBytes("in", int64(len(mulaw)))
	if err := s.deps.STT.SendAudio(mulaw); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to forward audio to recognizer")
	}
	s.detectSpeech(mulaw)
}

// detectSpeech runs the energy detector over frame-aligned audio and
// raises a speech-start when it fires before the recognizer's event.
// Transcription itself always stays with the recognizer.
func (s *CallSession) detectSpeech(mulaw []byte) {
	s.vadBuf.Write(mulaw)

	frame := make([]byte, audio.FrameSize)
	samples := make([]int16, audio.FrameSize)
	for s.vadBuf.Available() >= audio.FrameSize {
		s.vadBuf.Read(frame)
		for i, b := range frame {
			samples[i] = audio.MulawToLinear(b)
		}
		if _, started, _ := s.vad.ProcessFrame(samples); started {
			select {
			case s.vadKick <- struct{}{}:
			default:
			}
		}
	}
}

// Run drives the session until hangup, disconnect, or context
// cancellation. It owns all state transitions.
func (s *CallSession) Run(ctx context.Context) {
	observability.RecordCallStart()
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	defer s.teardown()

	s.setState(StateInitializing)
	if err := s.deps.STT.Start(); err != nil {
		s.logger.Error().Err(err).Msg("Recognition stream failed to start")
		s.speakScripted(dialog.FatalApologyLine, true)
	} else {
		// Scripted opening plays while the recognizer settles
		s.speakScripted(dialog.OpeningLine, false)
	}

	sttEvents := s.deps.STT.Events()
	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		case <-s.ctx.Done():
			return
		case ev, ok := <-sttEvents:
			if !ok {
				// A closed channel stays ready; nil it out so the
				// apology plays once instead of looping
				sttEvents = nil
				s.logger.Warn().Msg("Recognizer event stream closed")
				s.speakScripted(dialog.FatalApologyLine, true)
				continue
			}
			s.handleSTTEvent(ev)
		case job, ok := <-s.deps.Queue.Events():
			if !ok {
				return
			}
			s.handleSynthJob(job)
		case res := <-s.turnDone:
			s.handleLLMDone(res)
		case <-s.vadKick:
			s.handleSpeechStart()
		case <-s.pendingKick:
			s.tryPending()
		}
	}
}

// Disconnect handles the telephony leg dropping out from under us
func (s *CallSession) Disconnect() {
	s.setState(StateDisconnected)
	s.cancel()
}

func (s *CallSession) teardown() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.gate.Clear()
		if err := s.deps.STT.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Recognizer close failed")
		}
		s.mu.RLock()
		started := s.startedAt
		s.mu.RUnlock()
		observability.RecordCallEnd(time.Since(started).Seconds())
		s.logger.Info().Dur("duration", time.Since(started)).Msg("Call session ended")
	})
}

func (s *CallSession) handleSTTEvent(ev *stt.Event) {
	switch ev.Type {
	case stt.EventSpeechStarted:
		s.handleSpeechStart()
	case stt.EventFinal:
		s.mu.Lock()
		s.utterance = append(s.utterance, ev.Text)
		segments := len(s.utterance)
		busy := s.turn != nil
		s.mu.Unlock()
		if !busy && segments == backchannelAfterSegments {
			// A long user turn gets an acknowledgement so the line
			// doesn't feel dead. The queue rejects it if anything else
			// is already being synthesized.
			if _, err := s.deps.Queue.EnqueueBackchannel(dialog.BackchannelLine); err == nil {
				s.logger.Debug().Msg("Backchannel queued")
			}
		}
	case stt.EventUtteranceEnd:
		s.handleUtteranceEnd()
	case stt.EventFatal:
		// Reconnection exhausted: the call can no longer hear the user
		s.logger.Error().Msg("Recognition unrecoverable, ending call")
		s.speakScripted(dialog.FatalApologyLine, true)
	case stt.EventInterim:
		// Interim results inform nothing downstream yet
	}
}

func (s *CallSession) handleSpeechStart() {
	now := time.Now()
	s.mu.RLock()
	state := s.state
	speakingSince := s.speakingSince
	cooldownUntil := s.cooldownUntil
	s.mu.RUnlock()

	switch state {
	case StateListening:
		s.setState(StateUserSpeaking)
	case StateAgentSpeaking:
		if now.Before(cooldownUntil) {
			return
		}
		if now.Sub(speakingSince) <= s.cfg.BargeInGrace() {
			// Inside the grace window this is echo or noise
			return
		}
		s.bargeIn(now)
	}
}

// bargeIn aborts the current turn: outbound audio flushed, synthesis
// discarded, token consumption cancelled, and a cooldown started.
func (s *CallSession) bargeIn(now time.Time) {
	s.logger.Info().Msg("Barge-in detected, aborting agent turn")
	observability.RecordBargeIn()

	s.deps.Sink.ClearAudio()
	s.deps.Queue.AbortTurn()

	s.mu.Lock()
	if s.turn != nil {
		s.turn.cancel()
		s.turn.cycle.Complete(true)
		s.turn = nil
	}
	s.cooldownUntil = now.Add(s.cfg.BargeInCooldown())
	s.mu.Unlock()

	s.setState(StateBargeIn)
	s.setState(StateListening)
}

func (s *CallSession) handleUtteranceEnd() {
	s.mu.Lock()
	text := strings.TrimSpace(strings.Join(s.utterance, " "))
	s.utterance = s.utterance[:0]
	busy := s.turn != nil
	if s.state == StateUserSpeaking {
		s.state = StateListening
	}
	s.mu.Unlock()

	if text == "" {
		return
	}

	decision := s.gate.Offer(text, busy)
	s.logger.Debug().Str("decision", decision.String()).Str("text", text).Msg("Final transcript gated")
	switch decision {
	case dialog.Accept:
		s.beginTurn(text)
	case dialog.Defer:
		s.kickPendingLater()
	}
}

// beginTurn starts a language-model response for accepted input
func (s *CallSession) beginTurn(text string) {
	s.setState(StateLLMProcessing)
	s.deps.Queue.StartTurn()

	cycle := s.deps.Tracker.NewCycle(s.id)
	cycle.MarkTranscript(text)

	turnCtx, cancel := context.WithCancel(s.ctx)
	turn := &turnState{cancel: cancel, cycle: cycle}

	s.mu.Lock()
	s.turn = turn
	s.history = append(s.history, llm.Message{Role: llm.RoleUser, Content: text})
	historyCopy := make([]llm.Message, len(s.history))
	copy(historyCopy, s.history)
	s.mu.Unlock()

	go s.consumeLLM(turnCtx, turn, historyCopy)
}

// consumeLLM streams tokens, segments them into fragments, and feeds
// the synthesis queue. Runs off the loop goroutine; shared turn
// counters are guarded by mu.
func (s *CallSession) consumeLLM(ctx context.Context, turn *turnState, history []llm.Message) {
	var sb dialog.SentenceBuffer
	var accumulated strings.Builder
	cut := false

	result, err := s.deps.LLM.StreamChat(ctx, history, func(token string) bool {
		if ctx.Err() != nil {
			return false
		}
		turn.cycle.MarkFirstToken()

		frag := sb.Add(token)
		if frag == "" {
			return true
		}
		accumulated.WriteString(frag)
		accumulated.WriteString(" ")
		s.enqueueFragment(turn, frag)

		if s.cutoff.ShouldCutoff(accumulated.String()) {
			cut = true
			return false
		}
		return true
	})

	if err != nil {
		if ctx.Err() != nil {
			return // barge-in or teardown, not an LLM failure
		}
		select {
		case s.turnDone <- &turnResult{turn: turn, err: err}:
		case <-s.ctx.Done():
		}
		return
	}

	if !cut {
		if frag := sb.Flush(); frag != "" {
			s.enqueueFragment(turn, frag)
		}
	}

	res := &turnResult{
		turn:    turn,
		text:    result.Text,
		endCall: strings.Contains(result.Text, dialog.EndCallMarker),
	}
	select {
	case s.turnDone <- res:
	case <-s.ctx.Done():
	}
}

// enqueueFragment queues one speakable fragment, moving the session to
// AGENT_SPEAKING on the first.
func (s *CallSession) enqueueFragment(turn *turnState, frag string) {
	frag = strings.TrimSpace(strings.ReplaceAll(frag, dialog.EndCallMarker, ""))
	if frag == "" {
		return
	}

	s.mu.Lock()
	if s.turn != turn {
		s.mu.Unlock()
		return // turn was aborted
	}
	seq := turn.nextSeq
	isFirst := seq == 0
	priority := synth.PriorityFor(seq, isFirst)
	s.mu.Unlock()

	if _, err := s.deps.Queue.Enqueue(frag, priority, seq, isFirst); err != nil {
		s.logger.Warn().Err(err).Msg("Fragment enqueue failed")
		return
	}

	s.mu.Lock()
	turn.nextSeq++
	turn.enqueued++
	first := isFirst
	s.mu.Unlock()

	if first {
		s.mu.Lock()
		s.speakingSince = time.Now()
		s.mu.Unlock()
		s.setState(StateAgentSpeaking)
	}
}

// handleSynthJob delivers one finished fragment to the callee, or
// substitutes the apology line when synthesis exhausted all providers.
func (s *CallSession) handleSynthJob(job *synth.Job) {
	if job.SequenceIndex < 0 {
		// Backchannel: played immediately, outside turn bookkeeping
		if job.Status == synth.StatusCompleted {
			if err := s.deps.Sink.SendAudio(job.Audio.Mulaw); err == nil {
				observability.RecordAudioBytes("out", int64(len(job.Audio.Mulaw)))
			}
		}
		return
	}

	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	if turn == nil {
		return // stale delivery from an aborted turn
	}

	switch job.Status {
	case synth.StatusCompleted:
		turn.cycle.MarkFirstAudio()
		if err := s.deps.Sink.SendAudio(job.Audio.Mulaw); err != nil {
			s.logger.Warn().Err(err).Msg("Outbound audio send failed")
		} else {
			turn.cycle.MarkFirstAudioSent()
			turn.cycle.AddChunk()
			observability.RecordAudioBytes("out", int64(len(job.Audio.Mulaw)))
		}
	case synth.StatusFailed:
		observability.RecordError("synthesis_exhausted", "synth")
		s.mu.Lock()
		apologize := !turn.apologized
		turn.apologized = true
		seq := turn.nextSeq
		s.mu.Unlock()
		if apologize {
			if _, err := s.deps.Queue.Enqueue(dialog.ApologyLine, synth.PriorityNormal, seq, false); err == nil {
				s.mu.Lock()
				turn.nextSeq++
				turn.enqueued++
				s.mu.Unlock()
			}
		}
	}

	s.mu.Lock()
	turn.delivered++
	s.mu.Unlock()
	s.maybeFinishTurn(turn)
}

func (s *CallSession) handleLLMDone(res *turnResult) {
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	if turn == nil || turn != res.turn {
		// The producing turn was replaced (barge-in, scripted line);
		// applying its result here would corrupt the live turn
		return
	}

	if res.err != nil {
		// The conversation cannot continue without the language model
		s.logger.Error().Err(res.err).Msg("Language model failed, ending call")
		observability.RecordError("stream", "llm")
		s.deps.Queue.AbortTurn()
		s.mu.Lock()
		turn.cycle.Complete(true)
		s.turn = nil
		s.mu.Unlock()
		s.speakScripted(dialog.FatalApologyLine, true)
		return
	}

	cleaned := strings.TrimSpace(strings.ReplaceAll(res.text, dialog.EndCallMarker, ""))
	if s.repetition.Observe(cleaned) {
		// Break the loop instead of repeating ourselves again
		s.logger.Info().Msg("Repetition loop detected, disengaging")
		s.deps.Queue.AbortTurn()
		s.deps.Sink.ClearAudio()
		s.mu.Lock()
		turn.cycle.Complete(true)
		s.turn = nil
		s.mu.Unlock()
		s.speakScripted(dialog.DisengagementLine, true)
		return
	}

	s.mu.Lock()
	turn.llmDone = true
	turn.endCall = res.endCall
	if cleaned != "" {
		s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: cleaned})
	}
	s.mu.Unlock()
	turn.cycle.MarkLLMComplete()
	s.maybeFinishTurn(turn)
}

// maybeFinishTurn closes the turn once streaming is done and every
// fragment has been delivered.
func (s *CallSession) maybeFinishTurn(turn *turnState) {
	s.mu.Lock()
	if s.turn != turn || !turn.llmDone || turn.delivered < turn.enqueued {
		s.mu.Unlock()
		return
	}
	endCall := turn.endCall
	s.turn = nil
	s.mu.Unlock()

	turn.cycle.Complete(false)

	if endCall {
		s.hangup()
		return
	}
	s.setState(StateListening)
	s.tryPending()
}

// hangup plays out and terminates the call leg
func (s *CallSession) hangup() {
	s.setState(StateHangingUp)
	s.deps.Sink.Hangup()
	s.setState(StateTerminated)
	s.cancel()
}

// speakScripted plays a canned line outside the language-model path.
// endCall hangs up once the line has been delivered.
func (s *CallSession) speakScripted(text string, endCall bool) {
	s.deps.Queue.StartTurn()
	cycle := s.deps.Tracker.NewCycle(s.id)

	turn := &turnState{
		cancel:  func() {},
		cycle:   cycle,
		llmDone: true,
		endCall: endCall,
	}

	s.mu.Lock()
	s.turn = turn
	s.mu.Unlock()

	if _, err := s.deps.Queue.Enqueue(text, synth.PriorityFirst, 0, true); err != nil {
		s.logger.Error().Err(err).Msg("Scripted utterance enqueue failed")
		s.mu.Lock()
		s.turn = nil
		s.mu.Unlock()
		if endCall {
			s.hangup()
		}
		return
	}

	s.mu.Lock()
	turn.nextSeq = 1
	turn.enqueued = 1
	s.speakingSince = time.Now()
	s.mu.Unlock()
	s.setState(StateAgentSpeaking)
}

// tryPending retries deferred input once the session idles
func (s *CallSession) tryPending() {
	s.mu.RLock()
	busy := s.turn != nil
	s.mu.RUnlock()
	if busy {
		return
	}

	if text, ok := s.gate.TakePending(); ok {
		s.beginTurn(text)
		return
	}
	if s.gate.HasPending() {
		s.kickPendingLater()
	}
}

// kickPendingLater schedules a pending-queue retry without blocking
// the loop; the interval just needs to outlast the acceptance gap.
func (s *CallSession) kickPendingLater() {
	time.AfterFunc(300*time.Millisecond, func() {
		select {
		case s.pendingKick <- struct{}{}:
		default:
		}
	})
}
