// Package stt streams call audio to Deepgram and turns its responses
// into typed recognizer events: speech start, interim and final
// transcripts, and the utterance-end turn boundary.
package stt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/config"
	"github.com/outdialhq/voice-agent/internal/observability"
	"github.com/outdialhq/voice-agent/internal/resilience"
)

// messageCallbackHandler adapts the SDK callback interface. It embeds
// the default handler and overrides only what we consume.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage      func(*msginterfaces.MessageResponse)
	onSpeechStart  func(*msginterfaces.SpeechStartedResponse)
	onUtteranceEnd func(*msginterfaces.UtteranceEndResponse)
	onError        func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.onMessage(msg)
	return nil
}

func (m *messageCallbackHandler) SpeechStarted(ss *msginterfaces.SpeechStartedResponse) error {
	m.onSpeechStart(ss)
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(ue *msginterfaces.UtteranceEndResponse) error {
	m.onUtteranceEnd(ue)
	return nil
}

func (m *messageCallbackHandler) Error(errResp *msginterfaces.ErrorResponse) error {
	if m.onError != nil {
		return m.onError(errResp)
	}
	return m.DefaultCallbackHandler.Error(errResp)
}

// DeepgramClient implements Client over Deepgram's streaming API
type DeepgramClient struct {
	config  *config.Config
	logger  zerolog.Logger
	client  *listenClient.WSCallback
	events  chan *Event
	breaker *resilience.CircuitBreaker

	mu       sync.RWMutex
	isActive bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewDeepgramClient creates a streaming recognition client for one call
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramClient{
		config: cfg,
		logger: logger.With().Str("component", "deepgram").Logger(),
		events: make(chan *Event, 100),
		ctx:    ctx,
		cancel: cancel,
		breaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// Start opens the streaming session. The SDK keep-alive holds the
// connection open through silence between turns.
func (d *DeepgramClient) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		Endpointing:    strconv.Itoa(d.config.DeepgramEndpointingMs),
		UtteranceEndMs: strconv.Itoa(d.config.DeepgramUtteranceEnd),
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     8000,
	}
	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              d.handleTranscript,
		onSpeechStart: func(_ *msginterfaces.SpeechStartedResponse) {
			d.emit(&Event{Type: EventSpeechStarted})
		},
		onUtteranceEnd: func(_ *msginterfaces.UtteranceEndResponse) {
			d.emit(&Event{Type: EventUtteranceEnd})
		},
		onError: d.handleError,
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.config.DeepgramAPIKey,
		cOptions,
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("failed to create deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true
	d.breaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.State()))

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Int("endpointing_ms", d.config.DeepgramEndpointingMs).
		Msg("Deepgram streaming session started")
	return nil
}

func (d *DeepgramClient) handleTranscript(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	eventType := EventInterim
	if msg.IsFinal {
		eventType = EventFinal
	}

	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	d.emit(&Event{
		Type:       eventType,
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		StartTime:  startTime,
		Duration:   duration,
	})
}

func (d *DeepgramClient) handleError(errResp *msginterfaces.ErrorResponse) error {
	d.logger.Error().Interface("response", errResp).Msg("Deepgram stream error")
	d.breaker.RecordResult(false)
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.State()))
	observability.RecordError("stream", "stt")

	select {
	case <-d.ctx.Done():
		return nil
	default:
	}

	d.mu.Lock()
	d.isActive = false
	d.mu.Unlock()
	go d.attemptReconnect()
	return nil
}

func (d *DeepgramClient) emit(ev *Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn().Str("type", string(ev.Type)).Msg("Event channel full, dropping recognizer event")
		observability.RecordDroppedTranscript("channel_full")
	}
}

// SendAudio forwards one mulaw chunk through the circuit breaker
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	err := d.breaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram client is not active")
		}
		if _, err := client.Write(audioData); err != nil {
			go d.attemptReconnect()
			return fmt.Errorf("failed to send audio to deepgram: %w", err)
		}
		return nil
	})
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.State()))
	return err
}

func (d *DeepgramClient) attemptReconnect() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.RLock()
	alreadyActive := d.isActive
	d.mu.RUnlock()
	if alreadyActive {
		return
	}

	err := resilience.Reconnect(d.ctx, d.Start, &resilience.ReconnectConfig{
		MaxAttempts: d.config.ReconnectMaxAttempts,
		Backoff:     time.Duration(d.config.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("Deepgram reconnection exhausted, recognition is unrecoverable")
		// Fatal must reach the orchestrator even if the channel is
		// backed up, so block instead of going through emit
		select {
		case d.events <- &Event{Type: EventFatal}:
		case <-d.ctx.Done():
		}
	} else {
		d.logger.Info().Msg("Deepgram reconnected")
	}
}

// Events implements Client
func (d *DeepgramClient) Events() <-chan *Event {
	return d.events
}

// Stop finishes the streaming session
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isActive {
		return nil
	}
	d.client.Finish()
	d.isActive = false
	d.logger.Info().Msg("Deepgram streaming session stopped")
	return nil
}

// Close cancels reconnection and tears the session down
func (d *DeepgramClient) Close() error {
	d.cancel()
	if err := d.Stop(); err != nil {
		return err
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(d.events)
	}()
	return nil
}

// IsActive reports whether the session is live
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
