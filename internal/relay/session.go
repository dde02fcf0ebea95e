// Package relay bridges one client voice connection to one upstream AI
// session.
//
// A session starts in StateAwaitingFirstAudio. The first audio_chunk opens
// the upstream session (StateOpeningUpstream) and every chunk, including that
// first one, is queued to a single pump goroutine that forwards audio in
// arrival order once the connection is established (StateActive). The session
// ends in StateClosed when either side goes away. Pings are answered in every
// state for as long as the client socket is open.
//
// The read loop never blocks on audio: when the queue is full, for example
// while a slow upstream connect is pending, chunks are dropped.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/signagehq/voicerelay/internal/logger"
	"github.com/signagehq/voicerelay/internal/metrics"
	"github.com/signagehq/voicerelay/internal/protocol"
	"github.com/signagehq/voicerelay/internal/upstream"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateAwaitingFirstAudio State = iota
	StateOpeningUpstream
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirstAudio:
		return "awaiting_first_audio"
	case StateOpeningUpstream:
		return "opening_upstream"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client-visible messages.
const (
	MessageSessionError = "Voice session error"
	ReasonStartFailed   = "failed to start voice session"
	ReasonNotConfigured = "service not configured"
)

const (
	previewBytes  = 120
	audioQueueLen = 256
)

// Sink is the client side of a session. Send must be safe for concurrent use
// and must not block.
type Sink interface {
	Send(frame any) error
	CloseWithReason(code int, reason string)
}

// PromptBuilder renders the system instruction for a tenant.
type PromptBuilder interface {
	BuildSystemPrompt(ctx context.Context, tenantID string) string
}

// errConnectTimeout is reported when opening the upstream exceeds
// Config.ConnectTimeout.
var errConnectTimeout = errors.New("upstream connect timed out")

// Config holds the upstream settings shared by all sessions.
type Config struct {
	Model     string
	Voice     string
	AudioMIME string

	// ConnectTimeout bounds prompt building plus the upstream dial. Zero
	// disables it.
	ConnectTimeout time.Duration
}

// Relay creates sessions.
type Relay struct {
	cfg      Config
	provider upstream.Provider
	prompts  PromptBuilder
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Relay. provider may be nil when no upstream is configured.
func New(cfg Config, provider upstream.Provider, prompts PromptBuilder, log *logger.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		cfg:      cfg,
		provider: provider,
		prompts:  prompts,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Configured reports whether an upstream provider is available.
func (r *Relay) Configured() bool {
	return r.provider != nil
}

// NewSession creates the session for an accepted client connection.
func (r *Relay) NewSession(connID, tenantID string, sink Sink) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		relay:    r,
		connID:   connID,
		tenantID: tenantID,
		sink:     sink,
		log:      r.log.With(logrus.Fields{"conn_id": connID, "tenant_id": tenantID}),
		ctx:      ctx,
		cancel:   cancel,
		audio:    make(chan []byte, audioQueueLen),
		state:    StateAwaitingFirstAudio,
	}
}

// Session is the relay state of one client connection.
type Session struct {
	relay    *Relay
	connID   string
	tenantID string
	sink     Sink
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	audio  chan []byte

	mu             sync.Mutex
	state          State
	clientClosed   bool
	lastPong       int64
	connect        *future[upstream.Session]
	upstream       upstream.Session
	upstreamClosed bool
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.connID
}

// HandleFrame processes one inbound client frame. It is called sequentially
// by the connection's read loop.
func (s *Session) HandleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.relay.metrics.Malformed()
		s.log.Warn("dropping malformed client frame", logrus.Fields{
			"error":   err.Error(),
			"preview": protocol.Preview(data, previewBytes),
		})
		return
	}
	s.relay.metrics.FrameIn(frame.Type)

	switch frame.Type {
	case protocol.TypePing:
		s.handlePing()
	case protocol.TypeAudioChunk:
		s.handleAudio(frame)
	default:
		s.log.Debug("ignoring client frame", logrus.Fields{"type": frame.Type})
	}
}

// handlePing replies even in StateClosed; only a closed client stops pongs.
func (s *Session) handlePing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientClosed {
		return
	}
	t := s.relay.now().UnixMilli()
	if t < s.lastPong {
		t = s.lastPong
	}
	s.lastPong = t
	s.sendLocked(protocol.NewPong(t))
}

func (s *Session) handleAudio(frame protocol.ClientFrame) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		s.log.Debug("dropping audio for closed session")
		return
	case StateAwaitingFirstAudio:
		s.state = StateOpeningUpstream
		s.connect = newFuture[upstream.Session]()
		go s.open(s.connect, frame.Tools)
		go s.pump(s.connect)
	}
	s.mu.Unlock()

	select {
	case s.audio <- frame.Audio:
	default:
		s.relay.metrics.AudioDropped()
		s.log.Warn("audio queue full, dropping chunk", logrus.Fields{"queued": len(s.audio)})
	}
}

// connectResult is the outcome of one upstream dial.
type connectResult struct {
	sess upstream.Session
	err  error
}

// open establishes the upstream session and resolves fut. The dial races
// ConnectTimeout; a session that arrives after the deadline is closed.
func (s *Session) open(fut *future[upstream.Session], tools []byte) {
	var deadline <-chan time.Time
	if d := s.relay.cfg.ConnectTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	result := make(chan connectResult, 1)
	go func() {
		prompt := s.relay.prompts.BuildSystemPrompt(s.ctx, s.tenantID)
		cfg := upstream.SessionConfig{
			Model:               s.relay.cfg.Model,
			Voice:               s.relay.cfg.Voice,
			SystemInstruction:   prompt,
			Tools:               tools,
			InputTranscription:  true,
			OutputTranscription: true,
		}
		sess, err := s.relay.provider.Connect(s.ctx, cfg, &handler{s: s})
		result <- connectResult{sess: sess, err: err}
	}()

	var (
		sess upstream.Session
		err  error
	)
	select {
	case r := <-result:
		sess, err = r.sess, r.err
	case <-deadline:
		err = errConnectTimeout
		go func() {
			if r := <-result; r.err == nil {
				_ = r.sess.Close()
			}
		}()
	}
	fut.resolve(sess, err)

	if err != nil {
		s.relay.metrics.UpstreamFailed()
		s.log.Error("failed to open upstream session", logrus.Fields{"error": err.Error()})

		s.mu.Lock()
		notify := !s.clientClosed
		s.state = StateClosed
		s.mu.Unlock()
		s.cancel()
		if notify {
			s.sink.CloseWithReason(websocket.CloseInternalServerErr, ReasonStartFailed)
		}
		return
	}

	s.relay.metrics.UpstreamOpened()

	s.mu.Lock()
	s.upstream = sess
	closed := s.state == StateClosed
	if s.state == StateOpeningUpstream {
		s.state = StateActive
	}
	s.mu.Unlock()

	if closed {
		s.closeUpstream()
		return
	}
	s.log.Info("upstream session opened")
}

// pump forwards queued audio in order once the upstream is connected.
func (s *Session) pump(fut *future[upstream.Session]) {
	sess, err := fut.wait(s.ctx)
	if err != nil {
		return
	}
	mime := s.relay.cfg.AudioMIME
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.audio:
			if err := sess.SendAudio(s.ctx, upstream.Blob{Data: chunk, MIMEType: mime}); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.log.Warn("failed to forward audio upstream", logrus.Fields{"error": err.Error()})
			}
		}
	}
}

// Close is called when the client connection closes or errors. The upstream
// session is closed if it was started, exactly once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.clientClosed {
		s.mu.Unlock()
		return
	}
	s.clientClosed = true
	prev := s.state
	s.state = StateClosed
	sess := s.upstream
	s.mu.Unlock()

	s.cancel()
	if sess != nil {
		s.closeUpstream()
	}
	s.log.Info("client session closed", logrus.Fields{"state": prev.String()})
}

// closeUpstream closes the upstream session at most once. It is a no-op
// until the connect has stored a session.
func (s *Session) closeUpstream() {
	s.mu.Lock()
	sess := s.upstream
	if sess == nil || s.upstreamClosed {
		s.mu.Unlock()
		return
	}
	s.upstreamClosed = true
	s.mu.Unlock()

	if err := sess.Close(); err != nil {
		s.log.Debug("upstream close returned error", logrus.Fields{"error": err.Error()})
	}
}

// sendLocked emits a frame while the client is open. s.mu must be held.
func (s *Session) sendLocked(frame any) {
	if s.clientClosed {
		return
	}
	if err := s.sink.Send(frame); err != nil {
		s.log.Warn("failed to send frame to client", logrus.Fields{
			"type":  protocol.FrameType(frame),
			"error": err.Error(),
		})
		return
	}
	s.relay.metrics.FrameOut(protocol.FrameType(frame))
}

// emit sends frames while the session is live.
func (s *Session) emit(frames ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	for _, f := range frames {
		s.sendLocked(f)
	}
}

// handler adapts upstream callbacks to the session.
type handler struct {
	s *Session
}

func (h *handler) OnOpen() {
	s := h.s
	s.mu.Lock()
	if s.state == StateOpeningUpstream {
		s.state = StateActive
	}
	s.mu.Unlock()
	s.emit(protocol.NewSignal(protocol.TypeConnected))
}

func (h *handler) OnEvent(ev upstream.Event) {
	h.s.emit(framesForEvent(ev)...)
}

func (h *handler) OnError(err error) {
	s := h.s
	s.relay.metrics.UpstreamError()
	s.log.Error("upstream session error", logrus.Fields{"error": err.Error()})
	s.emit(protocol.NewError(MessageSessionError))
}

func (h *handler) OnClose(reason string) {
	s := h.s
	s.mu.Lock()
	live := s.state != StateClosed
	if live {
		s.sendLocked(protocol.NewSignal(protocol.TypeSessionClosed))
		s.state = StateClosed
	}
	s.mu.Unlock()

	if !live {
		return
	}
	s.log.Info("upstream session closed", logrus.Fields{"reason": reason})
	s.cancel()
	s.closeUpstream()
}

// framesForEvent maps one upstream event to client frames in a fixed order:
// audio, user transcript, model transcript, turn_complete, interrupted, then
// one tool_code per call.
func framesForEvent(ev upstream.Event) []any {
	var frames []any
	for _, blob := range ev.Audio {
		if len(blob.Data) == 0 {
			continue
		}
		frames = append(frames, protocol.NewAudioChunk(blob.Data))
	}
	if t := ev.InputTranscription; t != nil {
		frames = append(frames, protocol.NewTranscription(protocol.SourceUser, t.Text, t.Finished))
	}
	if t := ev.OutputTranscription; t != nil {
		frames = append(frames, protocol.NewTranscription(protocol.SourceModel, t.Text, t.Finished))
	}
	if ev.TurnComplete {
		frames = append(frames, protocol.NewSignal(protocol.TypeTurnComplete))
	}
	if ev.Interrupted {
		frames = append(frames, protocol.NewSignal(protocol.TypeInterrupted))
	}
	for _, call := range ev.ToolCalls {
		frames = append(frames, protocol.NewToolCode(protocol.ToolCall{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Args,
		}))
	}
	return frames
}
