package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signagehq/voicerelay/internal/logger"
	"github.com/signagehq/voicerelay/internal/protocol"
	"github.com/signagehq/voicerelay/internal/upstream"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeUpstream struct {
	mu     sync.Mutex
	chunks [][]byte
	mimes  []string
	closes int
}

func (f *fakeUpstream) SendAudio(_ context.Context, blob upstream.Blob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, blob.Data)
	f.mimes = append(f.mimes, blob.MIMEType)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeUpstream) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeUpstream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeProvider struct {
	mu       sync.Mutex
	gate     chan struct{}
	honorCtx bool
	err      error
	connects int
	configs  []upstream.SessionConfig
	handler  upstream.Handler
	session  *fakeUpstream
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{session: &fakeUpstream{}}
}

func (p *fakeProvider) Connect(ctx context.Context, cfg upstream.SessionConfig, h upstream.Handler) (upstream.Session, error) {
	p.mu.Lock()
	p.connects++
	p.configs = append(p.configs, cfg)
	p.handler = h
	gate := p.gate
	honorCtx := p.honorCtx
	p.mu.Unlock()

	if gate != nil {
		if honorCtx {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	h.OnOpen()
	return p.session, nil
}

func (p *fakeProvider) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *fakeProvider) upstreamHandler() upstream.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

type fakeSink struct {
	mu          sync.Mutex
	frames      []any
	closeCode   int
	closeReason string
}

func (s *fakeSink) Send(frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) CloseWithReason(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCode = code
	s.closeReason = reason
}

func (s *fakeSink) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.frames...)
}

func (s *fakeSink) types() []string {
	var out []string
	for _, f := range s.snapshot() {
		out = append(out, protocol.FrameType(f))
	}
	return out
}

type fakePrompts struct{}

func (fakePrompts) BuildSystemPrompt(_ context.Context, tenantID string) string {
	return "prompt for " + tenantID
}

func newTestSession(p *fakeProvider) (*Session, *fakeSink) {
	r := New(Config{Model: "live-model", Voice: "Puck", AudioMIME: "audio/pcm;rate=16000"},
		p, fakePrompts{}, logger.Discard(), nil)
	sink := &fakeSink{}
	return r.NewSession("conn-1", "org-1", sink), sink
}

func audioFrame(audio []byte, tools string) []byte {
	frame := map[string]any{
		"type": protocol.TypeAudioChunk,
		"data": base64.StdEncoding.EncodeToString(audio),
	}
	if tools != "" {
		frame["tools"] = json.RawMessage(tools)
	}
	data, _ := json.Marshal(frame)
	return data
}

func activate(t *testing.T, s *Session) {
	t.Helper()
	s.HandleFrame(audioFrame([]byte{0}, ""))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.state == StateActive && s.upstream != nil
	}, waitFor, tick)
}

func TestBurstOpensSingleUpstreamAndKeepsOrder(t *testing.T) {
	p := newFakeProvider()
	p.gate = make(chan struct{})
	s, _ := newTestSession(p)

	for i := 0; i < 50; i++ {
		s.HandleFrame(audioFrame([]byte{byte(i)}, ""))
	}
	assert.Equal(t, StateOpeningUpstream, s.State())
	require.Eventually(t, func() bool { return p.connectCount() == 1 }, waitFor, tick)
	assert.Equal(t, 0, p.session.chunkCount())

	close(p.gate)

	require.Eventually(t, func() bool { return p.session.chunkCount() == 50 }, waitFor, tick)
	assert.Equal(t, 1, p.connectCount())
	assert.Equal(t, StateActive, s.State())

	p.session.mu.Lock()
	for i, chunk := range p.session.chunks {
		assert.Equal(t, []byte{byte(i)}, chunk)
		assert.Equal(t, "audio/pcm;rate=16000", p.session.mimes[i])
	}
	p.session.mu.Unlock()

	cfg := p.configs[0]
	assert.Equal(t, "live-model", cfg.Model)
	assert.Equal(t, "Puck", cfg.Voice)
	assert.Equal(t, "prompt for org-1", cfg.SystemInstruction)
	assert.True(t, cfg.InputTranscription)
	assert.True(t, cfg.OutputTranscription)
}

func TestFullAudioQueueNeverBlocksPings(t *testing.T) {
	p := newFakeProvider()
	p.gate = make(chan struct{})
	s, sink := newTestSession(p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < audioQueueLen+44; i++ {
			s.HandleFrame(audioFrame([]byte{byte(i)}, ""))
		}
		s.HandleFrame([]byte(`{"type":"ping"}`))
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		close(p.gate)
		t.Fatal("read loop blocked while the upstream connect was pending")
	}
	assert.Equal(t, []string{protocol.TypePong}, sink.types())
	assert.Equal(t, StateOpeningUpstream, s.State())

	close(p.gate)
	require.Eventually(t, func() bool { return p.session.chunkCount() == audioQueueLen }, waitFor, tick)

	p.session.mu.Lock()
	for i, chunk := range p.session.chunks {
		assert.Equal(t, []byte{byte(i)}, chunk)
	}
	p.session.mu.Unlock()
	assert.Equal(t, 1, p.connectCount())
}

func TestConnectTimeoutClosesClient(t *testing.T) {
	p := newFakeProvider()
	p.gate = make(chan struct{})
	p.honorCtx = true
	defer close(p.gate)
	s, sink := newTestSession(p)
	s.relay.cfg.ConnectTimeout = 20 * time.Millisecond

	s.HandleFrame(audioFrame([]byte{1}, ""))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closeCode != 0
	}, waitFor, tick)
	assert.Equal(t, websocket.CloseInternalServerErr, sink.closeCode)
	assert.Equal(t, ReasonStartFailed, sink.closeReason)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, p.session.closeCount())
}

func TestConnectTimeoutAfterLateSuccessClosesUpstream(t *testing.T) {
	p := newFakeProvider()
	p.gate = make(chan struct{})
	s, sink := newTestSession(p)
	s.relay.cfg.ConnectTimeout = 20 * time.Millisecond

	s.HandleFrame(audioFrame([]byte{1}, ""))
	require.Eventually(t, func() bool {
		return s.ctx.Err() != nil
	}, waitFor, tick)
	close(p.gate)

	require.Eventually(t, func() bool { return p.session.closeCount() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closeCode != 0
	}, waitFor, tick)
	assert.Equal(t, ReasonStartFailed, sink.closeReason)
	assert.Equal(t, StateClosed, s.State())

	s.Close()
	assert.Equal(t, 1, p.session.closeCount())
}

func TestConnectedSentOnOpen(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)
	activate(t, s)

	assert.Equal(t, []string{protocol.TypeConnected}, sink.types())
}

func TestPingPongIsMonotonicAndNeverOpensUpstream(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)

	base := time.UnixMilli(1_700_000_000_000)
	times := []time.Time{base.Add(10 * time.Second), base.Add(5 * time.Second), base.Add(20 * time.Second)}
	i := 0
	s.relay.now = func() time.Time {
		ts := times[i]
		i++
		return ts
	}

	for range times {
		s.HandleFrame([]byte(`{"type":"ping"}`))
	}

	frames := sink.snapshot()
	require.Len(t, frames, 3)
	var got []int64
	for _, f := range frames {
		pong, ok := f.(protocol.Pong)
		require.True(t, ok)
		assert.Equal(t, protocol.TypePong, pong.Type)
		got = append(got, pong.T)
	}
	assert.Equal(t, []int64{
		base.Add(10 * time.Second).UnixMilli(),
		base.Add(10 * time.Second).UnixMilli(),
		base.Add(20 * time.Second).UnixMilli(),
	}, got)
	assert.Equal(t, 0, p.connectCount())
	assert.Equal(t, StateAwaitingFirstAudio, s.State())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)

	for _, frame := range []string{
		`not json`,
		`{"data":"AAAA"}`,
		`[1,2,3]`,
		`{"type":"audio_chunk","data":"%%%"}`,
		``,
	} {
		s.HandleFrame([]byte(frame))
	}

	assert.Empty(t, sink.snapshot())
	assert.Equal(t, StateAwaitingFirstAudio, s.State())
	assert.Equal(t, 0, p.connectCount())

	s.HandleFrame([]byte(`{"type":"ping"}`))
	assert.Equal(t, []string{protocol.TypePong}, sink.types())
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)

	s.HandleFrame([]byte(`{"type":"hello"}`))
	assert.Empty(t, sink.snapshot())
	assert.Equal(t, StateAwaitingFirstAudio, s.State())
}

func TestCloseBeforeAudioNeverOpensUpstream(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)

	s.Close()
	s.HandleFrame(audioFrame([]byte{1}, ""))
	s.HandleFrame([]byte(`{"type":"ping"}`))

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, p.connectCount())
	assert.Equal(t, 0, p.session.closeCount())
	assert.Empty(t, sink.snapshot())
}

func TestCloseTearsDownUpstreamExactlyOnce(t *testing.T) {
	p := newFakeProvider()
	s, _ := newTestSession(p)
	activate(t, s)

	s.Close()
	s.Close()
	p.upstreamHandler().OnClose("closed by relay")

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, p.session.closeCount())
}

func TestCloseDuringPendingConnectClosesUpstreamOnce(t *testing.T) {
	p := newFakeProvider()
	p.gate = make(chan struct{})
	s, sink := newTestSession(p)

	s.HandleFrame(audioFrame([]byte{1}, ""))
	require.Eventually(t, func() bool { return p.connectCount() == 1 }, waitFor, tick)

	s.Close()
	assert.Equal(t, 0, p.session.closeCount())

	close(p.gate)
	require.Eventually(t, func() bool { return p.session.closeCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, sink.snapshot())
	assert.Equal(t, 0, p.session.chunkCount())
}

func TestEventMapsToFramesInOrder(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)
	activate(t, s)

	p.upstreamHandler().OnEvent(upstream.Event{
		Audio:               []upstream.Blob{{Data: []byte{1}}, {Data: nil}, {Data: []byte{2}}},
		InputTranscription:  &upstream.Transcription{Text: "hej", Finished: true},
		OutputTranscription: &upstream.Transcription{Text: "Hej hej"},
		TurnComplete:        true,
		Interrupted:         true,
		ToolCalls:           []upstream.ToolCall{{Name: "create_post"}},
	})

	assert.Equal(t, []string{
		protocol.TypeConnected,
		protocol.TypeAudioChunk,
		protocol.TypeAudioChunk,
		protocol.TypeTranscriptionUpdate,
		protocol.TypeTranscriptionUpdate,
		protocol.TypeTurnComplete,
		protocol.TypeInterrupted,
		protocol.TypeToolCode,
	}, sink.types())

	frames := sink.snapshot()
	assert.Equal(t, protocol.NewAudioChunk([]byte{1}), frames[1])
	assert.Equal(t, protocol.NewTranscription(protocol.SourceUser, "hej", true), frames[3])
	assert.Equal(t, protocol.NewTranscription(protocol.SourceModel, "Hej hej", false), frames[4])
}

func TestToolCallsForwardedInOrder(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)
	activate(t, s)

	p.upstreamHandler().OnEvent(upstream.Event{ToolCalls: []upstream.ToolCall{
		{ID: "1", Name: "create_post", Args: map[string]any{"headline": "Rea"}},
		{ID: "2", Name: "list_screens"},
		{ID: "3", Name: "schedule_post", Args: map[string]any{"screen": "Entrén"}},
	}})

	frames := sink.snapshot()
	require.Len(t, frames, 4)
	for i, f := range frames[1:] {
		code, ok := f.(protocol.ToolCode)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i+1), code.Data.ID)
		assert.NotNil(t, code.Data.Args)
	}
	assert.Equal(t, "create_post", frames[1].(protocol.ToolCode).Data.Name)
	assert.Equal(t, "list_screens", frames[2].(protocol.ToolCode).Data.Name)
	assert.Equal(t, map[string]any{}, frames[2].(protocol.ToolCode).Data.Args)
	assert.Equal(t, "schedule_post", frames[3].(protocol.ToolCode).Data.Name)
}

func TestUpstreamErrorSendsGenericMessage(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)
	activate(t, s)

	p.upstreamHandler().OnError(errors.New("quota exceeded for project 1234"))

	frames := sink.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.NewError("Voice session error"), frames[1])
	assert.Equal(t, StateActive, s.State())
}

func TestUpstreamCloseEmitsSessionClosed(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)
	activate(t, s)

	p.upstreamHandler().OnClose("session timeout")

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []string{protocol.TypeConnected, protocol.TypeSessionClosed}, sink.types())
	assert.Zero(t, sink.closeCode)

	// The client stays connected: later upstream events are dropped, pings
	// are still answered and new audio does not reopen the upstream.
	p.upstreamHandler().OnEvent(upstream.Event{TurnComplete: true})
	s.HandleFrame(audioFrame([]byte{9}, ""))
	s.HandleFrame([]byte(`{"type":"ping"}`))
	assert.Equal(t, []string{protocol.TypeConnected, protocol.TypeSessionClosed, protocol.TypePong}, sink.types())
	assert.Equal(t, 1, p.connectCount())
	assert.Equal(t, 1, p.session.closeCount())

	s.Close()
	assert.Equal(t, 1, p.session.closeCount())
}

func TestConnectFailureClosesClient(t *testing.T) {
	p := newFakeProvider()
	p.err = errors.New("dial tcp: no route to host")
	s, sink := newTestSession(p)

	s.HandleFrame(audioFrame([]byte{1}, ""))

	require.Eventually(t, func() bool { return s.State() == StateClosed }, waitFor, tick)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closeCode != 0
	}, waitFor, tick)
	assert.Equal(t, websocket.CloseInternalServerErr, sink.closeCode)
	assert.Equal(t, "failed to start voice session", sink.closeReason)
	assert.Empty(t, sink.snapshot())
}

func TestToolsCapturedFromFirstFrameOnly(t *testing.T) {
	p := newFakeProvider()
	p.gate = make(chan struct{})
	s, _ := newTestSession(p)

	s.HandleFrame(audioFrame([]byte{1}, `[{"functionDeclarations":[{"name":"first"}]}]`))
	s.HandleFrame(audioFrame([]byte{2}, `[{"functionDeclarations":[{"name":"second"}]}]`))
	close(p.gate)

	require.Eventually(t, func() bool { return p.session.chunkCount() == 2 }, waitFor, tick)
	require.Equal(t, 1, p.connectCount())
	assert.JSONEq(t, `[{"functionDeclarations":[{"name":"first"}]}]`, string(p.configs[0].Tools))
}

func TestNoFramesAfterClientClose(t *testing.T) {
	p := newFakeProvider()
	s, sink := newTestSession(p)
	activate(t, s)

	h := p.upstreamHandler()
	s.Close()
	h.OnEvent(upstream.Event{TurnComplete: true})
	h.OnError(errors.New("late"))
	h.OnClose("late")

	assert.Equal(t, []string{protocol.TypeConnected}, sink.types())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_first_audio", StateAwaitingFirstAudio.String())
	assert.Equal(t, "opening_upstream", StateOpeningUpstream.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
}
