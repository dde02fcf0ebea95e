// Package upstream defines the streaming speech-to-speech AI collaborator the
// relay forwards audio to, and its Gemini Live implementation.
package upstream

import (
	"context"
	"encoding/json"
)

// SessionConfig is the per-session configuration sent when opening an
// upstream session. The response modality is always audio.
type SessionConfig struct {
	Model               string
	Voice               string
	SystemInstruction   string
	Tools               json.RawMessage
	InputTranscription  bool
	OutputTranscription bool
}

// Blob is a chunk of media with its mime type.
type Blob struct {
	Data     []byte
	MIMEType string
}

// Transcription is a partial or final transcript fragment.
type Transcription struct {
	Text     string
	Finished bool
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Event is one upstream server message. Any combination of fields may be set.
type Event struct {
	Audio               []Blob
	InputTranscription  *Transcription
	OutputTranscription *Transcription
	TurnComplete        bool
	Interrupted         bool
	ToolCalls           []ToolCall
}

// Empty reports whether the event carries nothing the client cares about.
func (e Event) Empty() bool {
	return len(e.Audio) == 0 &&
		e.InputTranscription == nil &&
		e.OutputTranscription == nil &&
		!e.TurnComplete &&
		!e.Interrupted &&
		len(e.ToolCalls) == 0
}

// Handler receives the lifecycle callbacks of one upstream session.
// Callbacks are invoked sequentially from a single goroutine.
type Handler interface {
	OnOpen()
	OnEvent(Event)
	OnError(error)
	OnClose(reason string)
}

// Session is an open upstream session.
type Session interface {
	SendAudio(ctx context.Context, blob Blob) error
	Close() error
}

// Provider opens upstream sessions.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig, handler Handler) (Session, error)
}
