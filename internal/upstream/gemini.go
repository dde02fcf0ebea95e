package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/signagehq/voicerelay/internal/logger"
)

// GeminiProvider opens Gemini Live sessions.
type GeminiProvider struct {
	client *genai.Client
	log    *logger.Logger
}

// NewGeminiProvider creates a provider authenticated with apiKey.
func NewGeminiProvider(ctx context.Context, apiKey string, log *logger.Logger) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiProvider{client: client, log: log}, nil
}

// Connect opens a live session and starts delivering its messages to handler.
// OnOpen is called before any event.
func (p *GeminiProvider) Connect(ctx context.Context, cfg SessionConfig, handler Handler) (Session, error) {
	lc, err := liveConfig(cfg)
	if err != nil {
		p.log.Warn("ignoring invalid tool declarations", logrus.Fields{"error": err.Error()})
		cfg.Tools = nil
		lc, _ = liveConfig(cfg)
	}

	session, err := p.client.Live.Connect(ctx, cfg.Model, lc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect live session: %w", err)
	}

	s := &geminiSession{session: session}
	go s.receive(handler)
	return s, nil
}

type geminiSession struct {
	session   *genai.Session
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *geminiSession) SendAudio(ctx context.Context, blob Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: blob.Data, MIMEType: blob.MIMEType},
	})
}

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

func (s *geminiSession) receive(handler Handler) {
	handler.OnOpen()
	for {
		msg, err := s.session.Receive()
		if err != nil {
			if s.closing.Load() {
				handler.OnClose("closed by relay")
				return
			}
			reason, failed := classifyReceiveError(err)
			if failed {
				handler.OnError(err)
			}
			handler.OnClose(reason)
			return
		}
		if ev := eventFromMessage(msg); !ev.Empty() {
			handler.OnEvent(ev)
		}
	}
}

// classifyReceiveError returns the close reason for a receive error and
// whether it should be reported as a failure.
func classifyReceiveError(err error) (reason string, failed bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Text
		if reason == "" {
			reason = fmt.Sprintf("close %d", ce.Code)
		}
		return reason, !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	}
	return err.Error(), true
}

func liveConfig(cfg SessionConfig) (*genai.LiveConnectConfig, error) {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}

	tools, err := toolsFromJSON(cfg.Tools)
	if err != nil {
		return lc, err
	}
	lc.Tools = tools
	return lc, nil
}

// toolsFromJSON accepts either a list of tools or a single tool object.
func toolsFromJSON(raw json.RawMessage) ([]*genai.Tool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '{' {
		var tool genai.Tool
		if err := json.Unmarshal(raw, &tool); err != nil {
			return nil, fmt.Errorf("invalid tool: %w", err)
		}
		return []*genai.Tool{&tool}, nil
	}
	var tools []*genai.Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, fmt.Errorf("invalid tools: %w", err)
	}
	return tools, nil
}

func eventFromMessage(msg *genai.LiveServerMessage) Event {
	var ev Event
	if msg == nil {
		return ev
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				ev.Audio = append(ev.Audio, Blob{
					Data:     part.InlineData.Data,
					MIMEType: part.InlineData.MIMEType,
				})
			}
		}
		if t := sc.InputTranscription; t != nil {
			ev.InputTranscription = &Transcription{Text: t.Text, Finished: t.Finished}
		}
		if t := sc.OutputTranscription; t != nil {
			ev.OutputTranscription = &Transcription{Text: t.Text, Finished: t.Finished}
		}
		ev.TurnComplete = sc.TurnComplete
		ev.Interrupted = sc.Interrupted
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			ev.ToolCalls = append(ev.ToolCalls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	return ev
}
