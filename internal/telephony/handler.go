// Package telephony terminates the media-stream WebSocket: it decodes
// inbound frames, wires up the per-call pipeline, and writes
// synthesized audio back to the call leg.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/cache"
	"github.com/outdialhq/voice-agent/internal/config"
	"github.com/outdialhq/voice-agent/internal/llm"
	"github.com/outdialhq/voice-agent/internal/observability"
	"github.com/outdialhq/voice-agent/internal/orchestrator"
	"github.com/outdialhq/voice-agent/internal/stt"
	"github.com/outdialhq/voice-agent/internal/synth"
	"github.com/outdialhq/voice-agent/internal/tts"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Telephony providers connect from varying origins
	},
}

// Handler accepts media-stream connections and builds the per-call
// pipeline around each one. The injected collaborators are shared
// across calls; recognition clients, synthesis queues, and sessions
// are per call.
type Handler struct {
	cfg        *config.Config
	llmClient  llm.Client
	providers  []tts.Provider
	transcoder synth.Transcoder
	audioCache *cache.AudioCache
	tracker    *observability.CycleTracker
	logger     zerolog.Logger
}

// NewHandler creates the stream handler with its shared dependencies
func NewHandler(
	cfg *config.Config,
	llmClient llm.Client,
	providers []tts.Provider,
	transcoder synth.Transcoder,
	audioCache *cache.AudioCache,
	tracker *observability.CycleTracker,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		cfg:        cfg,
		llmClient:  llmClient,
		providers:  providers,
		transcoder: transcoder,
		audioCache: audioCache,
		tracker:    tracker,
		logger:     logger.With().Str("component", "telephony").Logger(),
	}
}

// HandleMediaStream upgrades the request and runs the read loop for
// one call leg.
func (h *Handler) HandleMediaStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		h.serve(conn)
	}
}

// callLeg holds the per-call pipeline built on the start event
type callLeg struct {
	session *orchestrator.CallSession
	queue   *synth.Queue
	writer  *StreamWriter
}

func (h *Handler) serve(conn *websocket.Conn) {
	defer conn.Close()

	var leg *callLeg
	defer func() {
		if leg != nil {
			leg.session.Disconnect()
			leg.queue.Close()
			leg.writer.Close()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("Media stream closed unexpectedly")
			}
			return
		}

		var msg StreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn().Err(err).Msg("Unparseable stream message")
			continue
		}

		switch msg.Event {
		case EventConnected:
			h.logger.Debug().Msg("Media stream connected")

		case EventStart:
			if msg.Start == nil {
				h.logger.Warn().Msg("Start event missing payload")
				continue
			}
			if leg != nil {
				h.logger.Warn().Str("stream_sid", msg.Start.StreamSid).Msg("Duplicate start event")
				continue
			}
			leg = h.startCall(conn, msg.Start)

		case EventMedia:
			if leg == nil || msg.Media == nil {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Bad media payload encoding")
				continue
			}
			leg.session.HandleAudio(mulaw)

		case EventStop:
			h.logger.Info().Msg("Media stream stopped")
			return

		case EventMark:
			// Playback checkpoints are informational

		default:
			h.logger.Debug().Str("event", msg.Event).Msg("Unhandled stream event")
		}
	}
}

// startCall wires recognition, synthesis, and the session for one
// stream and launches the session loop.
func (h *Handler) startCall(conn *websocket.Conn, start *StartEvent) *callLeg {
	callID := start.CallSid
	if callID == "" {
		callID = start.StreamSid
	}
	userID := start.CustomParameters["user_id"]
	logger := observability.ForCall(callID, observability.NewCorrelationID())

	logger.Info().
		Str("stream_sid", start.StreamSid).
		Str("user_id", userID).
		Msg("Call stream started")

	sttClient := stt.NewDeepgramClient(h.cfg, logger)
	queue := synth.New(synth.Config{
		Concurrency: h.cfg.SynthConcurrency,
		MaxRetries:  h.cfg.SynthMaxRetries,
		VoiceID:     h.cfg.ElevenLabsVoiceID,
	}, h.providers, h.transcoder, h.audioCache, logger)
	writer := NewStreamWriter(conn, start.StreamSid, logger)

	session := orchestrator.NewCallSession(callID, userID, orchestrator.Deps{
		Config:  h.cfg,
		STT:     sttClient,
		LLM:     h.llmClient,
		Queue:   queue,
		Tracker: h.tracker,
		Sink:    writer,
		Logger:  logger,
	})
	go session.Run(context.Background())

	return &callLeg{session: session, queue: queue, writer: writer}
}
