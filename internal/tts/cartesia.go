package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/audio"
)

const cartesiaDefaultURL = "https://api.cartesia.ai/v1/tts"

// CartesiaConfig configures the HTTP synthesis client
type CartesiaConfig struct {
	APIKey  string
	ModelID string
	VoiceID string // Replaces the caller-supplied voice id, which belongs to another vendor
	APIURL  string // Overridable for tests
}

// CartesiaClient synthesizes via Cartesia's HTTP TTS API. It returns
// raw PCM at 24kHz; the caller transcodes to telephony mulaw.
type CartesiaClient struct {
	cfg        CartesiaConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// CartesiaRequest is the request payload for the TTS endpoint
type CartesiaRequest struct {
	Text            string  `json:"text"`
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id,omitempty"`
	OutputFormat    string  `json:"output_format,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`
}

// NewCartesiaClient creates an HTTP synthesis client
func NewCartesiaClient(cfg CartesiaConfig, logger zerolog.Logger) *CartesiaClient {
	if cfg.APIURL == "" {
		cfg.APIURL = cartesiaDefaultURL
	}
	return &CartesiaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("provider", "cartesia").Logger(),
	}
}

// Name implements Provider
func (c *CartesiaClient) Name() string { return "cartesia" }

// InputSpec implements Provider
func (c *CartesiaClient) InputSpec() audio.TranscoderSpec {
	return audio.PCMSpec(24000)
}

// Synthesize implements Provider
func (c *CartesiaClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if c.cfg.VoiceID != "" {
		voiceID = c.cfg.VoiceID
	}
	reqBody := CartesiaRequest{
		Text:            text,
		VoiceID:         voiceID,
		ModelID:         c.cfg.ModelID,
		OutputFormat:    "pcm",
		SampleRate:      24000,
		Speed:           1.0,
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("cartesia marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("cartesia create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, body)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cartesia read response: %w", err)
	}
	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	c.logger.Debug().Int("bytes", len(audioData)).Msg("Synthesis complete")
	return audioData, nil
}
