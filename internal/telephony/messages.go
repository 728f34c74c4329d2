package telephony

// StreamMessage is one message on the media-stream WebSocket. The
// shapes follow Twilio Media Streams: control events signal stream
// start and stop, media events carry base64 mulaw frames.
type StreamMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	CallSid   string       `json:"callSid,omitempty"`
	Media     *MediaEvent  `json:"media,omitempty"`
	Start     *StartEvent  `json:"start,omitempty"`
	Stop      *StopEvent   `json:"stop,omitempty"`
	Mark      *MarkPayload `json:"mark,omitempty"`
}

// MediaEvent carries one audio frame
type MediaEvent struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 mulaw
}

// StartEvent opens a stream and carries caller-supplied parameters
type StartEvent struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// StopEvent closes a stream
type StopEvent struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
	StreamSid  string `json:"streamSid"`
}

// MarkPayload names a playback checkpoint
type MarkPayload struct {
	Name string `json:"name"`
}

// Stream event names
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventClear     = "clear"
	EventMark      = "mark"
)
