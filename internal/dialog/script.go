package dialog

// Scripted utterances spoken outside the language-model path.
const (
	// OpeningLine plays while the recognition stream is established
	OpeningLine = "Hello! Thanks for taking my call. How are you doing today?"

	// ApologyLine substitutes for a fragment whose synthesis exhausted
	// every provider, without ending the call.
	ApologyLine = "Sorry, I had a little trouble there. Could you say that again?"

	// FatalApologyLine is spoken before hanging up on an unrecoverable
	// failure. The caller never gets a silent drop.
	FatalApologyLine = "I apologize, I'm having technical difficulties. I'll have someone follow up with you. Goodbye."

	// DisengagementLine breaks a repetition loop instead of repeating
	// the same response again.
	DisengagementLine = "It seems we may be going in circles. Let me have someone reach out another time. Thanks so much for your patience, goodbye."

	// BackchannelLine is the short acknowledgment injected between turns
	BackchannelLine = "Mm-hmm."
)

// SystemPrompt frames the agent for the language model
const SystemPrompt = `You are a friendly, professional phone agent on a live call. ` +
	`Keep responses short and conversational, one or two sentences. ` +
	`Never use lists, markdown, or stage directions. ` +
	`If the person wants to end the call, say goodbye politely and end with [END_CALL].`

// EndCallMarker in a response signals the conversation should close
const EndCallMarker = "[END_CALL]"
