// Package protocol defines the WebSocket control protocol between browser
// clients and the voice relay. Every frame is a single JSON object with a
// "type" discriminator; audio travels as base64 text inside the envelope.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types from client to relay
const (
	TypePing       = "ping"
	TypeAudioChunk = "audio_chunk"
)

// Message types from relay to client
const (
	TypePong                = "pong"
	TypeConnected           = "connected"
	TypeTranscriptionUpdate = "transcription_update"
	TypeTurnComplete        = "turn_complete"
	TypeInterrupted         = "interrupted"
	TypeToolCode            = "tool_code"
	TypeError               = "error"
	TypeSessionClosed       = "session_closed"
)

// Transcription sources
const (
	SourceUser  = "user"
	SourceModel = "model"
)

// ErrMalformed is returned by Decode for frames that are not a JSON object
// carrying a type, or whose payload cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

// Envelope contains the discriminator shared by all frames.
type Envelope struct {
	Type string `json:"type"`
}

// AudioChunkIn is sent by the client with base64 PCM audio. Tools is only
// meaningful on the first chunk of a session.
type AudioChunkIn struct {
	Type  string          `json:"type"`
	Data  string          `json:"data"`
	Tools json.RawMessage `json:"tools,omitempty"`
}

// ClientFrame is a decoded client frame. Audio is set only for audio_chunk.
type ClientFrame struct {
	Type  string
	Audio []byte
	Tools json.RawMessage
}

// Pong answers a ping with the server timestamp in milliseconds.
type Pong struct {
	Type string `json:"type"`
	T    int64  `json:"t"`
}

// AudioChunkOut carries base64 audio produced by the model.
type AudioChunkOut struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// TranscriptionUpdate carries a partial or final transcript fragment.
type TranscriptionUpdate struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// ToolCall is a function-call request forwarded verbatim from upstream.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolCode wraps a single tool call.
type ToolCode struct {
	Type string   `json:"type"`
	Data ToolCall `json:"data"`
}

// ErrorMessage is sent when the upstream session reports an error.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Signal is a frame with no payload (connected, turn_complete, interrupted,
// session_closed).
type Signal struct {
	Type string `json:"type"`
}

// Decode parses one client frame. Any frame that is not a JSON object with a
// non-empty type, or an audio_chunk whose data is not valid base64, yields
// ErrMalformed.
func Decode(data []byte) (ClientFrame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return ClientFrame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	frame := ClientFrame{Type: env.Type}
	if env.Type != TypeAudioChunk {
		return frame, nil
	}

	var chunk AudioChunkIn
	if err := json.Unmarshal(data, &chunk); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	audio, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return ClientFrame{}, fmt.Errorf("%w: audio data: %v", ErrMalformed, err)
	}
	frame.Audio = audio
	if len(chunk.Tools) > 0 && string(chunk.Tools) != "null" {
		frame.Tools = chunk.Tools
	}
	return frame, nil
}

// Encode serializes an outbound frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// NewPong builds a pong frame.
func NewPong(t int64) Pong {
	return Pong{Type: TypePong, T: t}
}

// NewAudioChunk base64-encodes model audio into a frame.
func NewAudioChunk(audio []byte) AudioChunkOut {
	return AudioChunkOut{Type: TypeAudioChunk, Data: base64.StdEncoding.EncodeToString(audio)}
}

// NewTranscription builds a transcription_update frame.
func NewTranscription(source, text string, final bool) TranscriptionUpdate {
	return TranscriptionUpdate{Type: TypeTranscriptionUpdate, Source: source, Text: text, IsFinal: final}
}

// NewToolCode builds a tool_code frame.
func NewToolCode(call ToolCall) ToolCode {
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return ToolCode{Type: TypeToolCode, Data: call}
}

// NewError builds an error frame.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// NewSignal builds a payload-less frame.
func NewSignal(typ string) Signal {
	return Signal{Type: typ}
}

// FrameType returns the discriminator of an outbound frame, or "" when v is
// not one of this package's frame types.
func FrameType(v any) string {
	switch f := v.(type) {
	case Pong:
		return f.Type
	case AudioChunkOut:
		return f.Type
	case TranscriptionUpdate:
		return f.Type
	case ToolCode:
		return f.Type
	case ErrorMessage:
		return f.Type
	case Signal:
		return f.Type
	}
	return ""
}

// Preview returns at most n bytes of data for logging.
func Preview(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
