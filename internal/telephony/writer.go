package telephony

import (
	"encoding/base64"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/audio"
)

// ErrWriterClosed is returned when audio is sent after shutdown
var ErrWriterClosed = errors.New("telephony: writer closed")

const hangupMark = "hangup"

// StreamWriter delivers synthesized audio to the telephony leg as
// ordered media frames. It is the session's AudioSink: barge-in
// flushes everything queued, hangup marks the end of playback. All
// WebSocket writes happen on its single run goroutine.
type StreamWriter struct {
	conn      *websocket.Conn
	streamSid string
	logger    zerolog.Logger

	out      chan []byte
	clearCh  chan struct{}
	hangupCh chan struct{}
	done     chan struct{}

	closeOnce sync.Once
}

// NewStreamWriter starts the outbound writer for one stream
func NewStreamWriter(conn *websocket.Conn, streamSid string, logger zerolog.Logger) *StreamWriter {
	w := &StreamWriter{
		conn:      conn,
		streamSid: streamSid,
		logger:    logger.With().Str("component", "stream_writer").Logger(),
		out:       make(chan []byte, 256),
		clearCh:   make(chan struct{}, 1),
		hangupCh:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// SendAudio queues one utterance of mulaw audio for delivery
func (w *StreamWriter) SendAudio(mulaw []byte) error {
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}
	select {
	case w.out <- mulaw:
		return nil
	default:
		w.logger.Warn().Int("bytes", len(mulaw)).Msg("Outbound queue full, dropping audio")
		return errors.New("telephony: outbound queue full")
	}
}

// ClearAudio flushes queued audio and tells the far end to drop its
// buffered playback. Called on barge-in.
func (w *StreamWriter) ClearAudio() {
	select {
	case w.clearCh <- struct{}{}:
	default:
	}
}

// Hangup finishes playback with a hangup mark
func (w *StreamWriter) Hangup() {
	select {
	case w.hangupCh <- struct{}{}:
	default:
	}
}

// Close stops the writer
func (w *StreamWriter) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *StreamWriter) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.clearCh:
			w.drain()
			if err := w.writeClear(); err != nil {
				w.logger.Warn().Err(err).Msg("Clear event write failed")
			}
		case <-w.hangupCh:
			if err := w.writeMark(hangupMark); err != nil {
				w.logger.Warn().Err(err).Msg("Hangup mark write failed")
			}
		case chunk := <-w.out:
			w.writeFrames(chunk)
		}
	}
}

// writeFrames sends one utterance as ordered 20ms frames, stopping
// early if a clear arrives mid-utterance.
func (w *StreamWriter) writeFrames(chunk []byte) {
	for _, frame := range audio.ChunkFrames(chunk, audio.FrameSize) {
		select {
		case <-w.clearCh:
			w.drain()
			if err := w.writeClear(); err != nil {
				w.logger.Warn().Err(err).Msg("Clear event write failed")
			}
			return
		case <-w.done:
			return
		default:
		}

		msg := StreamMessage{
			Event:     EventMedia,
			StreamSid: w.streamSid,
			Media: &MediaEvent{
				Payload: base64.StdEncoding.EncodeToString(frame),
			},
		}
		if err := w.conn.WriteJSON(msg); err != nil {
			w.logger.Warn().Err(err).Msg("Media frame write failed")
			return
		}
	}
}

func (w *StreamWriter) drain() {
	for {
		select {
		case <-w.out:
		default:
			return
		}
	}
}

func (w *StreamWriter) writeClear() error {
	return w.conn.WriteJSON(StreamMessage{Event: EventClear, StreamSid: w.streamSid})
}

func (w *StreamWriter) writeMark(name string) error {
	return w.conn.WriteJSON(StreamMessage{
		Event:     EventMark,
		StreamSid: w.streamSid,
		Mark:      &MarkPayload{Name: name},
	})
}
