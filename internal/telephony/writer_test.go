package telephony

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// collectServer upgrades one connection and forwards every decoded
// message to the returned channel.
func collectServer(t *testing.T) (*httptest.Server, <-chan StreamMessage) {
	t.Helper()
	msgs := make(chan StreamMessage, 64)
	up := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Expected upgrade to succeed, got %v", err)
			return
		}
		defer conn.Close()
		for {
			var msg StreamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msgs <- msg
		}
	}))
	return server, msgs
}

func dialWriter(t *testing.T, server *httptest.Server) (*StreamWriter, *websocket.Conn) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Expected dial to succeed, got %v", err)
	}
	return NewStreamWriter(conn, "MS123", zerolog.Nop()), conn
}

func nextMessage(t *testing.T, msgs <-chan StreamMessage) StreamMessage {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a stream message, got none")
		return StreamMessage{}
	}
}

func TestStreamWriter_SendsOrderedFrames(t *testing.T) {
	server, msgs := collectServer(t)
	defer server.Close()
	writer, conn := dialWriter(t, server)
	defer conn.Close()
	defer writer.Close()

	mulaw := make([]byte, 400)
	for i := range mulaw {
		mulaw[i] = byte(i)
	}
	if err := writer.SendAudio(mulaw); err != nil {
		t.Fatalf("Expected send to succeed, got %v", err)
	}

	var got []byte
	for i := 0; i < 3; i++ {
		msg := nextMessage(t, msgs)
		if msg.Event != EventMedia {
			t.Fatalf("Expected media event, got %q", msg.Event)
		}
		if msg.StreamSid != "MS123" {
			t.Errorf("Expected stream sid MS123, got %q", msg.StreamSid)
		}
		frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			t.Fatalf("Expected base64 payload, got %v", err)
		}
		got = append(got, frame...)
	}

	if len(got) != len(mulaw) {
		t.Fatalf("Expected %d bytes across frames, got %d", len(mulaw), len(got))
	}
	for i := range got {
		if got[i] != mulaw[i] {
			t.Fatalf("Expected frame bytes in order, diverged at %d", i)
		}
	}
}

func TestStreamWriter_ClearSendsClearEvent(t *testing.T) {
	server, msgs := collectServer(t)
	defer server.Close()
	writer, conn := dialWriter(t, server)
	defer conn.Close()
	defer writer.Close()

	writer.ClearAudio()

	msg := nextMessage(t, msgs)
	if msg.Event != EventClear {
		t.Errorf("Expected clear event, got %q", msg.Event)
	}
	if msg.StreamSid != "MS123" {
		t.Errorf("Expected stream sid MS123, got %q", msg.StreamSid)
	}
}

func TestStreamWriter_HangupSendsMark(t *testing.T) {
	server, msgs := collectServer(t)
	defer server.Close()
	writer, conn := dialWriter(t, server)
	defer conn.Close()
	defer writer.Close()

	writer.Hangup()

	msg := nextMessage(t, msgs)
	if msg.Event != EventMark {
		t.Fatalf("Expected mark event, got %q", msg.Event)
	}
	if msg.Mark == nil || msg.Mark.Name != "hangup" {
		t.Errorf("Expected hangup mark, got %+v", msg.Mark)
	}
}

func TestStreamWriter_SendAfterClose(t *testing.T) {
	server, _ := collectServer(t)
	defer server.Close()
	writer, conn := dialWriter(t, server)
	defer conn.Close()

	writer.Close()

	if err := writer.SendAudio([]byte{1, 2, 3}); err != ErrWriterClosed {
		t.Errorf("Expected ErrWriterClosed, got %v", err)
	}
}
