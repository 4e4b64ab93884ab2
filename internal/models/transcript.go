// Package models defines the relay's wire records and transcript events.
package models

// Source identifies which captured audio channel a frame or session belongs to.
type Source string

const (
	SourceMic    Source = "mic"
	SourceSystem Source = "system"
)

// Sources lists every valid source tag in slot order.
var Sources = []Source{SourceMic, SourceSystem}

// ParseSource maps a client-supplied tag to a Source. Anything other than
// "system" is treated as the microphone.
func ParseSource(s string) Source {
	if s == string(SourceSystem) {
		return SourceSystem
	}
	return SourceMic
}

// Valid reports whether s is one of the two known tags.
func (s Source) Valid() bool {
	return s == SourceMic || s == SourceSystem
}

func (s Source) String() string {
	return string(s)
}

// Inbound message types.
const (
	MessageStart = "start"
	MessageAudio = "audio"
	MessageStop  = "stop"
)

// ClientMessage is a structured control or audio frame from the client.
type ClientMessage struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	Audio  string `json:"audio,omitempty"`
}

// Outbound record types.
const (
	TypeStatus     = "status"
	TypeTranscript = "transcript"
	TypeError      = "error"
)

// StatusStopped is sent once after a stop command.
const StatusStopped = "stopped"

// Event is any record sent to the client.
type Event interface {
	EventType() string
}

// StatusEvent notifies the client of a lifecycle change.
type StatusEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (StatusEvent) EventType() string { return TypeStatus }

// TranscriptEvent carries one transcript for a single source.
// IsInterim is always the negation of IsFinal.
type TranscriptEvent struct {
	Type       string  `json:"type"`
	Source     Source  `json:"source"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	IsInterim  bool    `json:"is_interim"`
	Confidence float64 `json:"confidence"`
}

func (TranscriptEvent) EventType() string { return TypeTranscript }

// ErrorEvent carries a human-readable failure description.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (ErrorEvent) EventType() string { return TypeError }

// NewStatus builds a status record.
func NewStatus(message string) StatusEvent {
	return StatusEvent{Type: TypeStatus, Message: message}
}

// ReadyStatus builds the "ready:<source>" status record.
func ReadyStatus(source Source) StatusEvent {
	return NewStatus("ready:" + string(source))
}

// NewTranscript builds a transcript record with consistent finality flags.
func NewTranscript(source Source, text string, isFinal bool, confidence float64) TranscriptEvent {
	return TranscriptEvent{
		Type:       TypeTranscript,
		Source:     source,
		Text:       text,
		IsFinal:    isFinal,
		IsInterim:  !isFinal,
		Confidence: confidence,
	}
}

// NewError builds an error record.
func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}

// Downstream event types for published transcripts.
const (
	EventTypePartial = "meeting.transcript.partial"
	EventTypeFinal   = "meeting.transcript.final"
)

// TranscriptRecord is the published form of a relayed transcript.
type TranscriptRecord struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	UpstreamID string  `json:"upstreamId"`
	Source     Source  `json:"source"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}
