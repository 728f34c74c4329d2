package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/audio"
	"github.com/outdialhq/voice-agent/internal/pool"
)

const elevenLabsDefaultHost = "wss://api.elevenlabs.io"

// ElevenLabsConfig configures the streaming synthesis client
type ElevenLabsConfig struct {
	APIKey  string
	ModelID string
	VoiceID string // Voice whose connections are pre-dialed when pooled
	Host    string // Overridable for tests
}

// ElevenLabsClient synthesizes over ElevenLabs' streaming WebSocket
// API. Each Synthesize call uses its own connection, streams the text
// in, and collects audio chunks until the final frame. With a
// connection pool attached, connections to the default voice are
// pre-dialed so synthesis never pays handshake latency.
type ElevenLabsClient struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
	conns  *pool.Pool[*streamConn] // nil dials per request
	logger zerolog.Logger
}

// streamConn wraps one pre-dialed stream-input socket for pooling.
// Sockets are single-use: the stream-input protocol closes after the
// final frame, so every checkout is released with forceDiscard.
type streamConn struct {
	conn *websocket.Conn
	used bool
}

func (s *streamConn) Healthy() bool { return !s.used }

func (s *streamConn) Close() error { return s.conn.Close() }

type elevenLabsInitMessage struct {
	Text          string              `json:"text"`
	VoiceSettings *elevenLabsSettings `json:"voice_settings,omitempty"`
	XIAPIKey      string              `json:"xi_api_key,omitempty"`
}

type elevenLabsSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsTextMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

type elevenLabsAudioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewElevenLabsClient creates a streaming synthesis client
func NewElevenLabsClient(cfg ElevenLabsConfig, logger zerolog.Logger) *ElevenLabsClient {
	if cfg.Host == "" {
		cfg.Host = elevenLabsDefaultHost
	}
	return &ElevenLabsClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("provider", "elevenlabs").Logger(),
	}
}

// NewPooledElevenLabsClient additionally warms a pool of pre-dialed
// connections to the configured default voice.
func NewPooledElevenLabsClient(cfg ElevenLabsConfig, poolCfg pool.Config, logger zerolog.Logger) *ElevenLabsClient {
	c := NewElevenLabsClient(cfg, logger)
	poolCfg.Name = "elevenlabs_conn"
	c.conns = pool.New(poolCfg, func() (*streamConn, error) {
		conn, _, err := c.dialer.Dial(c.streamURL(cfg.VoiceID), nil)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs pre-dial: %w", err)
		}
		return &streamConn{conn: conn}, nil
	}, logger)
	return c
}

// Close releases pooled connections, if any
func (c *ElevenLabsClient) Close() {
	if c.conns != nil {
		c.conns.Close()
	}
}

// Name implements Provider
func (c *ElevenLabsClient) Name() string { return "elevenlabs" }

// InputSpec implements Provider; the streaming API returns MP3 frames
func (c *ElevenLabsClient) InputSpec() audio.TranscoderSpec {
	return audio.MP3Spec()
}

func (c *ElevenLabsClient) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", c.cfg.ModelID)
	q.Set("output_format", "mp3_44100_128")
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", c.cfg.Host, voiceID, q.Encode())
}

// Synthesize implements Provider. The connection sends an init frame
// with voice settings, the full text with a flush, then the empty
// close frame, and reads base64 audio until isFinal.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if c.conns != nil && voiceID == c.cfg.VoiceID {
		co, err := c.conns.Acquire(ctx)
		if err == nil {
			co.Resource.used = true
			out, serr := c.stream(ctx, co.Resource.conn, text)
			c.conns.Release(co, true)
			return out, serr
		}
		c.logger.Warn().Err(err).Msg("Connection pool miss, dialing directly")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.streamURL(voiceID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs dial: %w", err)
	}
	defer conn.Close()
	return c.stream(ctx, conn, text)
}

// stream runs the stream-input protocol over one connection
func (c *ElevenLabsClient) stream(ctx context.Context, conn *websocket.Conn, text string) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	init := elevenLabsInitMessage{
		Text:     " ",
		XIAPIKey: c.cfg.APIKey,
		VoiceSettings: &elevenLabsSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	}
	if err := conn.WriteJSON(init); err != nil {
		return nil, fmt.Errorf("elevenlabs init frame: %w", err)
	}
	if err := conn.WriteJSON(elevenLabsTextMessage{Text: text + " ", Flush: true}); err != nil {
		return nil, fmt.Errorf("elevenlabs text frame: %w", err)
	}
	if err := conn.WriteJSON(elevenLabsTextMessage{Text: ""}); err != nil {
		return nil, fmt.Errorf("elevenlabs close frame: %w", err)
	}

	var out []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var msg elevenLabsAudioMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("elevenlabs read: %w", err)
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("elevenlabs error: %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs audio decode: %w", err)
			}
			out = append(out, chunk...)
		}
		if msg.IsFinal {
			break
		}
	}

	if len(out) == 0 {
		return nil, ErrEmptyAudio
	}
	c.logger.Debug().Int("bytes", len(out)).Msg("Synthesis complete")
	return out, nil
}
