package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/arunika/client/adapters/stt"
	"github.com/satriahrh/arunika/client/domain"
	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/eventloop"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

// fakeConnection opens on the next loop turn.
// Reconnects are recorded, never dialed.
type fakeConnection struct {
	mu      sync.Mutex
	loop    *eventloop.Loop
	handler repositories.ConnectionHandler

	open    bool
	dialing bool
	waiters []func()

	opens   int
	closes  int
	cancels int
	sent    []string
	delays  []time.Duration
}

func (c *fakeConnection) SetHandler(handler repositories.ConnectionHandler) {
	c.handler = handler
}

func (c *fakeConnection) Open(then func()) {
	c.mu.Lock()
	c.opens++
	if c.open {
		c.mu.Unlock()
		if then != nil {
			c.loop.Post(then)
		}
		return
	}
	if then != nil {
		c.waiters = append(c.waiters, then)
	}
	if c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.mu.Unlock()
	c.loop.Post(c.accept)
}

func (c *fakeConnection) accept() {
	c.mu.Lock()
	c.open = true
	c.dialing = false
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	c.handler.OnOpen()
	for _, fn := range waiters {
		fn()
	}
}

func (c *fakeConnection) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("not connected")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConnection) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendText(string(payload))
}

func (c *fakeConnection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.open = false
	c.dialing = false
	c.waiters = nil
}

func (c *fakeConnection) ScheduleReconnect(policy *entities.ReconnectPolicy) (int, time.Duration, bool) {
	if !policy.CanRetry() {
		return 0, 0, false
	}
	attempt, delay := policy.Advance()
	c.mu.Lock()
	c.delays = append(c.delays, delay)
	c.mu.Unlock()
	return attempt, delay, true
}

func (c *fakeConnection) CancelReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
}

// drop simulates the peer going away
func (c *fakeConnection) drop(code int) {
	c.loop.Post(func() {
		c.mu.Lock()
		c.open = false
		c.dialing = false
		c.mu.Unlock()
		c.handler.OnClose(code, "gone")
	})
}

func (c *fakeConnection) push(frame domain.InboundFrame) {
	c.loop.Post(func() {
		c.mu.Lock()
		open := c.open
		c.mu.Unlock()
		if open {
			c.handler.OnMessage(frame)
		}
	})
}

func (c *fakeConnection) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConnection) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConnection) reconnectDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type fakePlayback struct {
	player  *fakePlayer
	chunk   entities.AudioChunk
	handler repositories.PlaybackHandler
	stopped bool
}

func (p *fakePlayback) Stop() {
	p.player.mu.Lock()
	defer p.player.mu.Unlock()
	p.stopped = true
}

type fakePlayer struct {
	mu    sync.Mutex
	plays []*fakePlayback
}

func (f *fakePlayer) Play(chunk entities.AudioChunk, handler repositories.PlaybackHandler) (repositories.Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePlayback{player: f, chunk: chunk, handler: handler}
	f.plays = append(f.plays, p)
	return p, nil
}

func (f *fakePlayer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakePlayer) play(i int) *fakePlayback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays[i]
}

type fakeMicrophone struct {
	err error
}

func (m *fakeMicrophone) Request(ctx context.Context) error {
	return m.err
}

// recordingSink checks that capture and playback never overlap in any published status
type recordingSink struct {
	t          *testing.T
	recognizer *stt.MockSpeechRecognizer

	mu       sync.Mutex
	statuses []entities.Status
}

func (s *recordingSink) Publish(status entities.Status) {
	if status.IsListening && status.IsPlayingAudio {
		s.t.Errorf("Listening and playing at the same time: %q", status.StatusText)
	}
	if status.IsPlayingAudio {
		for _, pass := range s.recognizer.Active() {
			if !pass.Config().Continuous {
				s.t.Errorf("Capture pass running during playback: %q", status.StatusText)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) since(i int) []entities.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.Status(nil), s.statuses[i:]...)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

type harness struct {
	o          *SessionOrchestrator
	conn       *fakeConnection
	recognizer *stt.MockSpeechRecognizer
	player     *fakePlayer
	mic        *fakeMicrophone
	sink       *recordingSink
	loop       *eventloop.Loop
	clock      *clock.Mock
	cancel     context.CancelFunc
	done       chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mock := clock.NewMock()
	loop := eventloop.New(mock, logger)

	h := &harness{
		conn:       &fakeConnection{loop: loop},
		recognizer: stt.NewMockSpeechRecognizer(logger),
		player:     &fakePlayer{},
		mic:        &fakeMicrophone{},
		loop:       loop,
		clock:      mock,
		done:       make(chan error, 1),
	}
	h.sink = &recordingSink{t: t, recognizer: h.recognizer}
	h.o = NewSessionOrchestrator(DefaultSessionConfig(), loop, h.conn, h.recognizer, h.player, h.mic, h.sink,
		metrics.NewMetrics(prometheus.NewRegistry()), logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	if err := h.loop.Do(context.Background(), fn); err != nil {
		t.Fatalf("loop.Do failed: %v", err)
	}
}

func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var ok bool
		h.do(t, func() { ok = cond() })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settle lets posted callbacks run and asserts cond still holds
func (h *harness) settle(t *testing.T, what string, cond func() bool) {
	t.Helper()
	time.Sleep(30 * time.Millisecond)
	var ok bool
	h.do(t, func() { ok = cond() })
	if !ok {
		t.Fatalf("Expected %s", what)
	}
}

func (h *harness) capturePasses() []*stt.MockRecognition {
	var out []*stt.MockRecognition
	for _, pass := range h.recognizer.Passes() {
		if !pass.Config().Continuous {
			out = append(out, pass)
		}
	}
	return out
}

func (h *harness) bargeInPasses() []*stt.MockRecognition {
	var out []*stt.MockRecognition
	for _, pass := range h.recognizer.Passes() {
		if pass.Config().Continuous {
			out = append(out, pass)
		}
	}
	return out
}

func (h *harness) listening() bool {
	return h.o.capture.State() == entities.CaptureStateListening
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.o.Connect()
	h.waitFor(t, "connection", func() bool { return h.o.session.Connected() })
}

// welcome connects and delivers the welcome text; capture starts on its own
func (h *harness) welcome(t *testing.T) {
	t.Helper()
	h.connect(t)
	h.conn.push(domain.InboundFrame{Kind: domain.FrameText, Text: "Welcome! How can I help you today?"})
	h.waitFor(t, "listening after welcome", h.listening)
}

func (h *harness) audio(data string) {
	h.conn.push(domain.InboundFrame{Kind: domain.FrameAudio, Audio: []byte(data)})
}

func (h *harness) finish(t *testing.T, i int) {
	t.Helper()
	h.waitFor(t, "chunk to be playing", func() bool { return h.player.count() > i })
	h.player.play(i).handler.OnEnded()
}

func (h *harness) lastLog(t *testing.T) entities.LogEntry {
	t.Helper()
	var entry entities.LogEntry
	h.do(t, func() {
		entries := h.o.messages.Entries()
		if len(entries) > 0 {
			entry = entries[len(entries)-1]
		}
	})
	return entry
}

// logged must run on the loop
func (h *harness) logged(kind entities.LogKind, substr string) bool {
	for _, entry := range h.o.messages.Entries() {
		if entry.Kind == kind && strings.Contains(entry.Content, substr) {
			return true
		}
	}
	return false
}

func (h *harness) hasLog(t *testing.T, kind entities.LogKind, substr string) bool {
	t.Helper()
	var found bool
	h.do(t, func() { found = h.logged(kind, substr) })
	return found
}

func contains(messages []string, want string) bool {
	for _, m := range messages {
		if strings.Contains(m, want) {
			return true
		}
	}
	return false
}

func TestSessionOrchestrator_ListeningRequiresWelcome(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.o.StartListening()
	h.settle(t, "gating message", func() bool {
		return h.o.statusText == "Please submit the form and wait for the welcome message."
	})
	if len(h.capturePasses()) != 0 {
		t.Fatal("No capture pass may start before the welcome")
	}

	h.conn.push(domain.InboundFrame{Kind: domain.FrameText, Text: "WELCOME back, Ana"})
	h.waitFor(t, "listening after welcome", h.listening)

	status := h.o.Snapshot()
	if !status.WelcomeReceived || status.Phase != entities.PhaseListening {
		t.Errorf("Expected welcomed and listening, got welcomed=%v phase=%s", status.WelcomeReceived, status.Phase)
	}
}

func TestSessionOrchestrator_StartListeningWhileDisconnected(t *testing.T) {
	h := newHarness(t)

	h.o.StartListening()
	h.settle(t, "connect hint", func() bool {
		return h.o.statusText == "Please connect to AI Assistant first"
	})
	if entry := h.lastLog(t); entry.Kind != entities.LogKindError {
		t.Errorf("Expected an error log entry, got %+v", entry)
	}
}

func TestSessionOrchestrator_RegisterSendsInit(t *testing.T) {
	h := newHarness(t)

	if err := h.o.Register("  ", "ana@example.com"); !errors.Is(err, ErrRegistrationIncomplete) {
		t.Fatalf("Expected ErrRegistrationIncomplete, got %v", err)
	}
	if err := h.o.Register("ana", "ana@example.com"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	h.waitFor(t, "init message", func() bool { return len(h.conn.sent) == 1 })
	var init map[string]string
	if err := json.Unmarshal([]byte(h.conn.sentMessages()[0]), &init); err != nil {
		t.Fatalf("Init is not JSON: %v", err)
	}
	if init["type"] != "init" || init["username"] != "ana" || init["email"] != "ana@example.com" {
		t.Errorf("Unexpected init payload %v", init)
	}

	h.do(t, func() {
		if h.o.session.Reconnect.Enabled {
			t.Error("A form-initiated connect should not auto-reconnect")
		}
		if h.o.phase() != entities.PhaseAwaitingWelcome {
			t.Errorf("Expected awaiting welcome, got %s", h.o.phase())
		}
	})
}

func TestSessionOrchestrator_TranscriptForwarded(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.recognizer.Say("  what's the weather  ")
	h.waitFor(t, "transcript sent", func() bool { return contains(h.conn.sent, "what's the weather") })

	status := h.o.Snapshot()
	if status.Phase != entities.PhaseProcessing {
		t.Errorf("Expected processing, got %s", status.Phase)
	}
	if status.StatusText != "Processing your request..." {
		t.Errorf("Unexpected status %q", status.StatusText)
	}
	if !h.hasLog(t, entities.LogKindUser, "what's the weather") {
		t.Error("Transcript should be logged as a user message")
	}
}

func TestSessionOrchestrator_DiscardsTranscriptDuringPlayback(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)
	pass := h.capturePasses()[0]

	h.audio("a")
	h.waitFor(t, "playback", func() bool { return h.o.session.IsPlayingAudio })
	if !pass.Stopped() {
		t.Fatal("Capture should be stopped before playback starts")
	}

	sent := len(h.conn.sentMessages())
	pass.Handler().OnResult("echo of the assistant")
	h.settle(t, "nothing forwarded", func() bool {
		return len(h.conn.sent) == sent && h.o.session.IsPlayingAudio && !h.o.session.ResponsePending
	})
}

func TestSessionOrchestrator_DiscardsTranscriptWhileNotListeningForQuery(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)
	pass := h.capturePasses()[0]

	h.do(t, func() { h.o.session.ListeningForQuery = false })
	sent := len(h.conn.sentMessages())
	pass.Handler().OnResult("the assistant talking")

	h.settle(t, "transcript discarded on a live pass", func() bool {
		return len(h.conn.sent) == sent && h.listening() && !h.o.session.ResponsePending
	})
	if pass.Stopped() {
		t.Error("A discarded transcript must not stop the pass")
	}
	if h.hasLog(t, entities.LogKindUser, "the assistant talking") {
		t.Error("A discarded transcript must not be logged as a user message")
	}
}

func TestSessionOrchestrator_QueuedChunksPlayBackToBack(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)
	h.recognizer.Say("tell me a story")
	h.waitFor(t, "processing", func() bool { return h.o.session.ResponsePending })
	passesBefore := len(h.capturePasses())
	mark := h.sink.count()

	h.audio("first")
	h.audio("second")
	h.waitFor(t, "first chunk playing", func() bool { return h.player.count() == 1 && h.o.playback.Len() == 2 })

	h.finish(t, 0)
	h.waitFor(t, "second chunk playing", func() bool { return h.player.count() == 2 })
	if got := string(h.player.play(1).chunk.Data); got != "second" {
		t.Fatalf("Expected second chunk, got %q", got)
	}
	for _, status := range h.sink.since(mark) {
		if status.IsListening || status.Phase == entities.PhaseWaitingToRestart {
			t.Fatalf("No listening phase expected between chunks, got %s", status.Phase)
		}
	}

	h.finish(t, 1)
	h.waitFor(t, "waiting to restart", func() bool { return h.o.session.WaitingToRestart })
	h.do(t, func() {
		if h.o.session.ResponsePending {
			t.Error("Response should be complete once the queue drains")
		}
	})
	if got := len(h.capturePasses()); got != passesBefore {
		t.Errorf("No capture pass should start during playback, got %d new", got-passesBefore)
	}

	h.clock.Add(499 * time.Millisecond)
	h.settle(t, "still waiting", func() bool { return h.o.session.WaitingToRestart })

	h.clock.Add(time.Millisecond)
	h.waitFor(t, "listening again", h.listening)
}

func TestSessionOrchestrator_BargeInClearsQueue(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.audio("one")
	h.audio("two")
	h.audio("three")
	h.waitFor(t, "queue", func() bool { return h.o.playback.Len() == 3 && h.o.bargein.Armed() })
	if len(h.bargeInPasses()) != 1 {
		t.Fatalf("Expected one barge-in pass, got %d", len(h.bargeInPasses()))
	}

	h.recognizer.Say("stop")
	h.waitFor(t, "interruption", func() bool { return h.o.playback.IsEmpty() && h.o.session.WaitingToRestart })

	if !h.player.play(0).stopped {
		t.Error("The playing chunk should be stopped")
	}
	h.do(t, func() {
		s := h.o.session
		if s.IsPlayingAudio || !s.ListeningForQuery || s.ResponsePending {
			t.Errorf("Unexpected session after interruption: %+v", s)
		}
	})
	if !h.hasLog(t, entities.LogKindSystem, "Interrupted: stop") {
		t.Error("Interruption should be logged")
	}

	h.clock.Add(500 * time.Millisecond)
	h.waitFor(t, "listening after settle", h.listening)
	if h.player.count() != 1 {
		t.Errorf("Dropped chunks must not play, got %d plays", h.player.count())
	}
}

func TestSessionOrchestrator_SilenceEscalationEndsSession(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.clock.Add(9 * time.Second)
	h.waitFor(t, "nudge", func() bool { return contains(h.conn.sent, `"no_input_timeout"`) })
	h.waitFor(t, "re-armed listening", func() bool {
		return h.listening() && len(h.capturePasses()) == 2
	})

	h.clock.Add(9 * time.Second)
	h.waitFor(t, "goodbye", func() bool { return contains(h.conn.sent, `"final_goodbye"`) })
	h.settle(t, "capture stopped at goodbye", func() bool {
		return h.o.session.SilenceLevel == entities.SilenceGoodbye && !h.o.capture.Listening()
	})

	h.audio("goodbye")
	h.finish(t, 0)
	h.waitFor(t, "disconnect signal", func() bool { return contains(h.conn.sent, domain.DisconnectSignal) })

	closes := h.conn.closeCount()
	h.clock.Add(100 * time.Millisecond)
	h.waitFor(t, "channel closed", func() bool { return h.conn.closeCount() == closes+1 })

	status := h.o.Snapshot()
	if status.ConnectionState != entities.ConnectionStateDisconnected || status.SilenceLevel != entities.SilenceNormal {
		t.Errorf("Expected a clean disconnected session, got %s level %d", status.ConnectionState, status.SilenceLevel)
	}
	if status.WelcomeReceived {
		t.Error("Welcome should be reset after disconnect")
	}
}

func TestSessionOrchestrator_TranscriptResetsSilenceLevel(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.clock.Add(9 * time.Second)
	h.waitFor(t, "nudge", func() bool { return contains(h.conn.sent, `"no_input_timeout"`) })
	h.waitFor(t, "re-armed listening", func() bool {
		return h.listening() && len(h.capturePasses()) == 2
	})

	h.recognizer.Say("hi")
	h.waitFor(t, "transcript sent", func() bool {
		sent := h.conn.sentMessages()
		return len(sent) > 0 && sent[len(sent)-1] == "hi" && h.o.session.ResponsePending
	})
	h.do(t, func() {
		if h.o.session.SilenceLevel != entities.SilenceNormal {
			t.Errorf("Expected silence level 0 after a transcript, got %d", h.o.session.SilenceLevel)
		}
	})

	h.audio("reply")
	h.finish(t, 0)
	h.waitFor(t, "waiting to restart", func() bool { return h.o.session.WaitingToRestart })
	h.clock.Add(500 * time.Millisecond)
	h.waitFor(t, "listening again", h.listening)

	h.clock.Add(9 * time.Second)
	h.waitFor(t, "second nudge", func() bool { return countSent(h.conn.sentMessages(), `"no_input_timeout"`) == 2 })
	h.settle(t, "nudge instead of goodbye", func() bool {
		return h.o.session.SilenceLevel == entities.SilenceNudged && !contains(h.conn.sent, `"final_goodbye"`)
	})
}

func countSent(messages []string, want string) int {
	var n int
	for _, m := range messages {
		if strings.Contains(m, want) {
			n++
		}
	}
	return n
}

func TestSessionOrchestrator_ReconnectBackoff(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	for i := 1; i <= 5; i++ {
		h.conn.drop(1006)
		attempt := i
		h.waitFor(t, "reconnect scheduled", func() bool { return h.o.session.Reconnect.Attempts == attempt })
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	got := h.conn.reconnectDelays()
	if len(got) != len(want) {
		t.Fatalf("Expected %d reconnects, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Attempt %d: expected %v, got %v", i+1, want[i], got[i])
		}
	}
	if status := h.o.Snapshot(); status.StatusText != "Connection lost. Reconnecting... (5/5)" {
		t.Errorf("Unexpected status %q", status.StatusText)
	}

	h.conn.drop(1006)
	h.waitFor(t, "error state", func() bool { return h.o.session.ConnectionState == entities.ConnectionStateError })
	if entry := h.lastLog(t); entry.Content != "Max reconnection attempts reached. Please reconnect manually." {
		t.Errorf("Unexpected log %q", entry.Content)
	}

	h.o.Connect()
	h.waitFor(t, "reconnected", func() bool { return h.o.session.Connected() })
	h.do(t, func() {
		if h.o.session.Reconnect.Attempts != 0 {
			t.Errorf("A successful open resets attempts, got %d", h.o.session.Reconnect.Attempts)
		}
	})
}

func TestSessionOrchestrator_DisconnectDisablesReconnect(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.o.Disconnect()
	h.waitFor(t, "disconnect signal", func() bool { return contains(h.conn.sent, domain.DisconnectSignal) })
	h.do(t, func() {
		if h.o.capture.Listening() {
			t.Error("Capture should stop on disconnect")
		}
	})

	closes := h.conn.closeCount()
	h.clock.Add(99 * time.Millisecond)
	h.settle(t, "grace period", func() bool { return h.conn.closes == closes })
	h.clock.Add(time.Millisecond)
	h.waitFor(t, "close after grace", func() bool { return h.conn.closes == closes+1 })

	h.conn.drop(1000)
	h.settle(t, "no reconnect", func() bool {
		return len(h.conn.delays) == 0 && h.o.session.ConnectionState == entities.ConnectionStateDisconnected
	})
	if status := h.o.Snapshot(); status.Phase != entities.PhaseDisconnected || status.WelcomeReceived {
		t.Errorf("Unexpected status after disconnect: %s welcomed=%v", status.Phase, status.WelcomeReceived)
	}
}

func TestSessionOrchestrator_PlaybackFailureCooldown(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.audio("broken")
	h.waitFor(t, "playing", func() bool { return h.player.count() == 1 })
	h.player.play(0).handler.OnError(errors.New("decoder failed"))
	h.waitFor(t, "waiting to restart", func() bool { return h.o.session.WaitingToRestart })

	h.clock.Add(500 * time.Millisecond)
	h.settle(t, "longer cooldown", func() bool { return h.o.session.WaitingToRestart })

	h.clock.Add(1500 * time.Millisecond)
	h.waitFor(t, "listening", h.listening)
	if !h.hasLog(t, entities.LogKindError, "decoder failed") {
		t.Error("Playback failure should be logged")
	}
}

func TestSessionOrchestrator_WatchdogForcesRestart(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.audio("reply")
	h.finish(t, 0)
	h.waitFor(t, "waiting to restart", func() bool { return h.o.session.WaitingToRestart })

	h.recognizer.FailNextStart(errors.New("engine busy"))
	h.clock.Add(500 * time.Millisecond)
	h.waitFor(t, "restart attempted", func() bool {
		return !h.o.session.WaitingToRestart && h.o.loop.Pending(watchdogTimer)
	})
	h.do(t, func() {
		if h.o.capture.Listening() {
			t.Error("The failed restart should leave capture idle")
		}
	})

	h.clock.Add(3 * time.Second)
	h.waitFor(t, "force restart armed", func() bool { return h.o.loop.Pending("capture.force-restart") })

	h.clock.Add(time.Second)
	h.waitFor(t, "listening after force restart", h.listening)
}

func TestSessionOrchestrator_WatchdogRecoversHungStart(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.audio("reply")
	h.finish(t, 0)
	h.waitFor(t, "waiting to restart", func() bool { return h.o.session.WaitingToRestart })

	h.recognizer.HangNextStart()
	h.clock.Add(500 * time.Millisecond)
	h.waitFor(t, "restart stuck in starting", func() bool {
		return !h.o.session.WaitingToRestart && h.o.capture.State() == entities.CaptureStateStarting
	})
	hung := h.capturePasses()[len(h.capturePasses())-1]
	if h.o.Snapshot().IsListening {
		t.Error("A pass that never started should not be reported as listening")
	}

	h.clock.Add(3 * time.Second)
	h.waitFor(t, "force restart armed", func() bool { return h.o.loop.Pending("capture.force-restart") })
	if !hung.Stopped() {
		t.Error("Force restart should stop the hung pass")
	}

	h.clock.Add(time.Second)
	h.waitFor(t, "listening after force restart", h.listening)
}

func TestSessionOrchestrator_WatchdogQuietWhenCaptureStarted(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	h.audio("reply")
	h.finish(t, 0)
	h.waitFor(t, "waiting to restart", func() bool { return h.o.session.WaitingToRestart })
	h.clock.Add(500 * time.Millisecond)
	h.waitFor(t, "listening", h.listening)

	h.clock.Add(3 * time.Second)
	h.settle(t, "no force restart", func() bool { return !h.o.loop.Pending("capture.force-restart") })
}

func TestSessionOrchestrator_ErrorFrameReleasesPendingResponse(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)
	h.recognizer.Say("hello")
	h.waitFor(t, "processing", func() bool { return h.o.session.ResponsePending })

	h.conn.push(domain.InboundFrame{Kind: domain.FrameError, Text: "model unavailable"})
	h.waitFor(t, "listening again", h.listening)
	if !h.hasLog(t, entities.LogKindError, "Error: model unavailable") {
		t.Error("Error frame should be logged")
	}
}

func TestSessionOrchestrator_RawFrameLogged(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.conn.push(domain.InboundFrame{Kind: domain.FrameRaw, Text: "plain words"})
	h.waitFor(t, "raw log", func() bool { return h.logged(entities.LogKindAI, "plain words") })
}

func TestSessionOrchestrator_ToggleMicrophone(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)

	if err := h.o.ToggleMicrophone(context.Background()); err != nil {
		t.Fatalf("Toggle off failed: %v", err)
	}
	h.waitFor(t, "stopped", func() bool { return !h.o.capture.Listening() })

	h.mic.err = errors.New("permission denied")
	if err := h.o.ToggleMicrophone(context.Background()); err == nil {
		t.Fatal("Expected a microphone error")
	}
	h.waitFor(t, "microphone error logged", func() bool {
		return h.logged(entities.LogKindError, "Error accessing microphone. Please check permissions.")
	})

	h.mic.err = nil
	if err := h.o.ToggleMicrophone(context.Background()); err != nil {
		t.Fatalf("Toggle on failed: %v", err)
	}
	h.waitFor(t, "listening", h.listening)
}

func TestSessionOrchestrator_RunTearsDown(t *testing.T) {
	h := newHarness(t)
	h.welcome(t)
	pass := h.capturePasses()[0]

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run should return nil on cancel, got %v", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if !pass.Stopped() {
		t.Error("Capture should be stopped on teardown")
	}
	if h.conn.closeCount() == 0 {
		t.Error("The channel should be closed on teardown")
	}
	if status := h.o.Snapshot(); status.StatusText != "Session ended" {
		t.Errorf("Unexpected final status %q", status.StatusText)
	}
}
