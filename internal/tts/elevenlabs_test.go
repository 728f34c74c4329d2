package tts

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/pool"
)

var testUpgrader = websocket.Upgrader{}

// fakeElevenLabs runs a WebSocket endpoint speaking the stream-input
// protocol: reads the init, text, and close frames, then replies with
// base64 audio chunks and a final frame.
func fakeElevenLabs(t *testing.T, chunks [][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var init elevenLabsInitMessage
		if err := conn.ReadJSON(&init); err != nil {
			// Pre-dialed connections may close without ever being used
			return
		}
		if init.XIAPIKey != "test-key" {
			t.Errorf("Expected api key in init frame, got %q", init.XIAPIKey)
		}

		var text elevenLabsTextMessage
		if err := conn.ReadJSON(&text); err != nil {
			t.Errorf("Failed to read text frame: %v", err)
			return
		}
		if !text.Flush {
			t.Error("Expected flush set on text frame")
		}

		var closeFrame elevenLabsTextMessage
		if err := conn.ReadJSON(&closeFrame); err != nil {
			t.Errorf("Failed to read close frame: %v", err)
			return
		}
		if closeFrame.Text != "" {
			t.Errorf("Expected empty close frame, got %q", closeFrame.Text)
		}

		for i, chunk := range chunks {
			msg := elevenLabsAudioMessage{
				Audio:   base64.StdEncoding.EncodeToString(chunk),
				IsFinal: i == len(chunks)-1,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestElevenLabsClient_Synthesize(t *testing.T) {
	server := fakeElevenLabs(t, [][]byte{{1, 2}, {3, 4, 5}})
	defer server.Close()

	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:  "test-key",
		ModelID: "eleven_turbo_v2_5",
		Host:    wsURL(server),
	}, zerolog.Nop())

	audio, err := client.Synthesize(context.Background(), "Hello there.", "voice-1")
	if err != nil {
		t.Fatalf("Expected synthesis to succeed: %v", err)
	}
	if len(audio) != 5 {
		t.Errorf("Expected 5 bytes across chunks, got %d", len(audio))
	}
}

func TestElevenLabsClient_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			var frame elevenLabsTextMessage
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
		}
		conn.WriteJSON(elevenLabsAudioMessage{Error: "quota_exceeded", Message: "no characters left"})
	}))
	defer server.Close()

	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey: "test-key",
		Host:   wsURL(server),
	}, zerolog.Nop())

	_, err := client.Synthesize(context.Background(), "Hello.", "voice-1")
	if err == nil || !strings.Contains(err.Error(), "quota_exceeded") {
		t.Errorf("Expected provider error surfaced, got %v", err)
	}
}

func TestElevenLabsClient_PooledConnections(t *testing.T) {
	server := fakeElevenLabs(t, [][]byte{{9, 9}})
	defer server.Close()

	client := NewPooledElevenLabsClient(ElevenLabsConfig{
		APIKey:  "test-key",
		ModelID: "eleven_turbo_v2_5",
		VoiceID: "voice-1",
		Host:    wsURL(server),
	}, pool.Config{
		TargetSize:     2,
		MaxSize:        4,
		AcquireTimeout: 2 * time.Second,
	}, zerolog.Nop())
	defer client.Close()

	for i := 0; i < 3; i++ {
		audio, err := client.Synthesize(context.Background(), "Hello there.", "voice-1")
		if err != nil {
			t.Fatalf("Expected pooled synthesis %d to succeed: %v", i, err)
		}
		if len(audio) != 2 {
			t.Errorf("Expected 2 audio bytes, got %d", len(audio))
		}
	}
}

func TestElevenLabsClient_PooledOtherVoiceDialsDirectly(t *testing.T) {
	server := fakeElevenLabs(t, [][]byte{{7}})
	defer server.Close()

	client := NewPooledElevenLabsClient(ElevenLabsConfig{
		APIKey:  "test-key",
		ModelID: "eleven_turbo_v2_5",
		VoiceID: "voice-1",
		Host:    wsURL(server),
	}, pool.Config{TargetSize: 1, MaxSize: 2}, zerolog.Nop())
	defer client.Close()

	audio, err := client.Synthesize(context.Background(), "Hello there.", "voice-2")
	if err != nil {
		t.Fatalf("Expected direct synthesis to succeed: %v", err)
	}
	if len(audio) != 1 {
		t.Errorf("Expected 1 audio byte, got %d", len(audio))
	}
}

func TestElevenLabsClient_StreamURL(t *testing.T) {
	client := NewElevenLabsClient(ElevenLabsConfig{ModelID: "eleven_turbo_v2_5"}, zerolog.Nop())
	u := client.streamURL("voice-1")
	if !strings.Contains(u, "/v1/text-to-speech/voice-1/stream-input") {
		t.Errorf("Expected stream-input path, got %q", u)
	}
	if !strings.Contains(u, "model_id=eleven_turbo_v2_5") {
		t.Errorf("Expected model id in query, got %q", u)
	}
}
