package main

// Inbound message types accepted on the client websocket.
const (
	messageVideo          = "video"
	messageAudio          = "audio"
	messageText           = "text"
	messageEndAudioStream = "end_audio_stream"
)

// Outbound event types sent to the source and mirrored to viewers.
const (
	eventSessionStarted     = "session_started"
	eventViewerConnected    = "viewer_connected"
	eventSourceDisconnected = "source_disconnected"
	eventAudio              = "audio"
	eventText               = "text"
	eventInterrupted        = "interrupted"
	eventTurnComplete       = "turn_complete"
	eventError              = "error"
)

const (
	roleSource = "source"
	roleViewer = "viewer"
)

// User-visible rejection messages.
const (
	msgSourceActive = "A source session is already active."
	msgNoSource     = "No Pi source connected."
	msgNoAPIKey     = "GEMINI_API_KEY is not configured on the server."
)

// InboundMessage is a JSON message received from a source or viewer socket.
// Video and audio payloads arrive base64-encoded in Data.
type InboundMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

// Event is a JSON message delivered to the source connection and broadcast
// verbatim to every viewer.
type Event struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

func errorEvent(message string) Event {
	return Event{Type: eventError, Message: message}
}

// CommandKind discriminates viewer commands on the command queue.
type CommandKind int

const (
	commandText CommandKind = iota
	commandEndAudio
)

// Command is a viewer-issued instruction destined for the upstream session.
type Command struct {
	Kind CommandKind
	Text string
}
