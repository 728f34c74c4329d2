package stt

// EventType discriminates recognizer events
type EventType string

const (
	// EventSpeechStarted fires when the recognizer detects voice onset
	EventSpeechStarted EventType = "speech_started"
	// EventInterim carries a provisional transcript, subject to revision
	EventInterim EventType = "interim"
	// EventFinal carries a finalized transcript segment
	EventFinal EventType = "final"
	// EventUtteranceEnd marks the authoritative turn boundary
	EventUtteranceEnd EventType = "utterance_end"
	// EventFatal signals the recognizer is gone for good: the stream
	// failed and reconnection attempts are exhausted. The call cannot
	// hear the user anymore and must wind down.
	EventFatal EventType = "fatal"
)

// Event is one recognizer signal for a call
type Event struct {
	Type       EventType
	Text       string
	Confidence float64

	// StartTime and Duration are utterance timing in seconds
	StartTime float64
	Duration  float64
}

// Client is the interface for streaming speech recognition
type Client interface {
	// Start begins a recognition session
	Start() error

	// SendAudio forwards one narrowband audio chunk
	SendAudio(audioData []byte) error

	// Events returns the recognizer event stream
	Events() <-chan *Event

	// Stop ends the session, flushing pending results
	Stop() error

	// Close releases the client
	Close() error
}
