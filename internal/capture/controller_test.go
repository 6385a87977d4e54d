package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/arunika/client/adapters/stt"
	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/internal/eventloop"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

// recorder plays the part of the session: it applies the requested transitions.
type recorder struct {
	session *entities.Session
	events  chan string
}

func (r *recorder) ListeningStarted() { r.events <- "started" }

func (r *recorder) TranscriptAccepted(text string) {
	r.session.SilenceLevel = entities.SilenceNormal
	r.session.ResponsePending = true
	r.events <- "transcript:" + text
}

func (r *recorder) SilenceTimedOut(level entities.SilenceLevel) {
	r.session.SilenceLevel = level
	r.events <- fmt.Sprintf("silence:%d", level)
}

func (r *recorder) CaptureFailed(err error) { r.events <- "failed" }
func (r *recorder) CaptureEnded()           { r.events <- "ended" }

func (r *recorder) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.events:
		if got != want {
			t.Fatalf("Expected event %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for event %q", want)
	}
}

func (r *recorder) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.events:
		t.Fatalf("Unexpected event %q", got)
	case <-time.After(30 * time.Millisecond):
	}
}

type fixture struct {
	controller *Controller
	recognizer *stt.MockSpeechRecognizer
	session    *entities.Session
	events     *recorder
	loop       *eventloop.Loop
	clock      *clock.Mock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mock := clock.NewMock()
	loop := eventloop.New(mock, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	session := entities.NewSession(entities.DefaultReconnectPolicy())
	session.ConnectionState = entities.ConnectionStateConnected
	session.WelcomeReceived = true

	events := &recorder{session: session, events: make(chan string, 32)}
	recognizer := stt.NewMockSpeechRecognizer(logger)
	controller := NewController(Config{
		SilenceTimeout:    9 * time.Second,
		ForceRestartDelay: time.Second,
	}, loop, recognizer, session, events, metrics.NewMetrics(prometheus.NewRegistry()), logger)

	return &fixture{
		controller: controller,
		recognizer: recognizer,
		session:    session,
		events:     events,
		loop:       loop,
		clock:      mock,
	}
}

func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	if err := f.loop.Do(context.Background(), fn); err != nil {
		t.Fatalf("loop.Do failed: %v", err)
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	var err error
	f.do(t, func() { err = f.controller.Start() })
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.events.expect(t, "started")
}

func (f *fixture) lastPass(t *testing.T) *stt.MockRecognition {
	t.Helper()
	passes := f.recognizer.Passes()
	if len(passes) == 0 {
		t.Fatal("No recognition pass was created")
	}
	return passes[len(passes)-1]
}

func TestController_StartGating(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *entities.Session)
		want   error
	}{
		{"not welcomed", func(s *entities.Session) { s.WelcomeReceived = false }, ErrNotWelcomed},
		{"not connected", func(s *entities.Session) { s.ConnectionState = entities.ConnectionStateReconnecting }, ErrNotConnected},
		{"playing audio", func(s *entities.Session) { s.IsPlayingAudio = true }, ErrPlayingAudio},
		{"waiting to restart", func(s *entities.Session) { s.WaitingToRestart = true }, ErrWaitingToRestart},
		{"response pending", func(s *entities.Session) { s.ResponsePending = true }, ErrResponsePending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)

			var err error
			f.do(t, func() {
				tt.mutate(f.session)
				err = f.controller.Start()
			})

			if !errors.Is(err, ErrStartRejected) {
				t.Errorf("Expected ErrStartRejected, got %v", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected reason %v, got %v", tt.want, err)
			}
			if len(f.recognizer.Passes()) != 0 {
				t.Error("A rejected start must not create a recognition")
			}
		})
	}
}

func TestController_OneHandleAtATime(t *testing.T) {
	f := setup(t)
	f.start(t)

	var err error
	f.do(t, func() { err = f.controller.Start() })
	if !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("Expected ErrAlreadyListening, got %v", err)
	}
	if active := len(f.recognizer.Active()); active != 1 {
		t.Errorf("Expected exactly one active pass, got %d", active)
	}
}

func TestController_TranscriptAccepted(t *testing.T) {
	f := setup(t)
	f.start(t)

	f.recognizer.Say("  what is on my calendar  ")
	f.events.expect(t, "transcript:what is on my calendar")

	f.do(t, func() {
		if f.controller.Listening() {
			t.Error("Capture should stop once a transcript is accepted")
		}
	})

	// The silence timer was cancelled and nothing re-arms while a response is pending.
	f.clock.Add(20 * time.Second)
	f.events.expectNothing(t)
	if passes := len(f.recognizer.Passes()); passes != 1 {
		t.Errorf("Expected no new pass while awaiting a response, got %d passes", passes)
	}
}

func TestController_DiscardsTranscriptWhileNotListeningForQuery(t *testing.T) {
	f := setup(t)
	f.start(t)

	f.do(t, func() { f.session.ListeningForQuery = false })
	f.lastPass(t).Handler().OnResult("the assistant talking")

	f.do(t, func() {
		if !f.controller.Listening() {
			t.Error("A discarded transcript must not end the pass")
		}
	})
	f.events.expectNothing(t)
}

func TestController_SilenceEscalation(t *testing.T) {
	f := setup(t)
	f.start(t)

	f.clock.Add(9 * time.Second)
	f.events.expect(t, "silence:1")
	if !f.recognizer.Passes()[0].Stopped() {
		t.Error("The first timeout should stop the current pass")
	}

	// Listening is re-armed after the soft nudge.
	f.events.expect(t, "started")
	f.clock.Add(9 * time.Second)
	f.events.expect(t, "silence:2")

	// After the goodbye nothing re-arms and no further escalation happens.
	f.clock.Add(30 * time.Second)
	f.events.expectNothing(t)
	f.do(t, func() {
		if f.controller.Listening() {
			t.Error("Capture should stay stopped after the goodbye")
		}
		if f.session.SilenceLevel != entities.SilenceGoodbye {
			t.Errorf("Expected silence level 2, got %d", f.session.SilenceLevel)
		}
	})
	if passes := len(f.recognizer.Passes()); passes != 2 {
		t.Errorf("Expected 2 passes, got %d", passes)
	}
}

func TestController_TranscriptBeforeTimeoutKeepsLevel(t *testing.T) {
	f := setup(t)
	f.start(t)

	f.clock.Add(8 * time.Second)
	f.recognizer.Say("hello")
	f.events.expect(t, "transcript:hello")

	f.clock.Add(9 * time.Second)
	f.events.expectNothing(t)
	f.do(t, func() {
		if f.session.SilenceLevel != entities.SilenceNormal {
			t.Errorf("Expected silence level 0, got %d", f.session.SilenceLevel)
		}
	})
}

func TestController_NaturalEndRearms(t *testing.T) {
	f := setup(t)
	f.start(t)

	f.lastPass(t).End()
	f.events.expect(t, "ended")
	f.events.expect(t, "started")

	if passes := len(f.recognizer.Passes()); passes != 2 {
		t.Errorf("Expected a fresh pass after a natural end, got %d passes", passes)
	}
}

func TestController_NaturalEndRespectsGating(t *testing.T) {
	f := setup(t)
	f.start(t)

	f.do(t, func() { f.session.ConnectionState = entities.ConnectionStateReconnecting })
	f.lastPass(t).End()
	f.events.expect(t, "ended")
	f.events.expectNothing(t)

	if passes := len(f.recognizer.Passes()); passes != 1 {
		t.Errorf("Expected no re-arm while disconnected, got %d passes", passes)
	}
}

func TestController_ErrorIsNotFatalAndDoesNotRearm(t *testing.T) {
	f := setup(t)
	f.start(t)

	f.lastPass(t).Fail(errors.New("no-speech"))
	f.events.expect(t, "failed")
	f.events.expectNothing(t)

	// The controller is restartable afterwards.
	f.start(t)
}

func TestController_StopDropsLateCallbacks(t *testing.T) {
	f := setup(t)
	f.start(t)
	pass := f.lastPass(t)

	f.do(t, func() { f.controller.Stop() })
	pass.Handler().OnResult("too late")
	f.clock.Add(20 * time.Second)

	f.events.expectNothing(t)
	if !pass.Stopped() {
		t.Error("Stop should stop the recognition")
	}
}

func TestController_ForceRestart(t *testing.T) {
	f := setup(t)
	f.start(t)
	first := f.lastPass(t)

	var passes uint64
	f.do(t, func() {
		passes = f.controller.Passes()
		f.controller.ForceRestart()
	})
	if !first.Stopped() {
		t.Error("Force restart should release the current pass")
	}

	f.clock.Add(999 * time.Millisecond)
	f.events.expectNothing(t)

	f.clock.Add(time.Millisecond)
	f.events.expect(t, "started")
	f.do(t, func() {
		if f.controller.Passes() != passes+1 {
			t.Errorf("Expected pass count %d, got %d", passes+1, f.controller.Passes())
		}
	})
}

func TestController_ForceRestartChecksStateAgain(t *testing.T) {
	f := setup(t)

	f.do(t, func() {
		f.controller.ForceRestart()
		f.session.IsPlayingAudio = true
	})
	f.clock.Add(time.Second)
	f.events.expectNothing(t)

	if len(f.recognizer.Passes()) != 0 {
		t.Error("Force restart must not start while audio plays")
	}
}

func TestController_HungPassIsNotRunning(t *testing.T) {
	f := setup(t)
	f.recognizer.HangNextStart()

	var err error
	f.do(t, func() { err = f.controller.Start() })
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.events.expectNothing(t)
	f.do(t, func() {
		if f.controller.Running() || f.controller.State() != entities.CaptureStateStarting {
			t.Errorf("Expected a pass stuck in starting, got %s", f.controller.State())
		}
	})

	f.do(t, f.controller.ForceRestart)
	f.clock.Add(time.Second)
	f.events.expect(t, "started")
	f.do(t, func() {
		if !f.controller.Running() {
			t.Error("Force restart should replace the hung pass")
		}
	})
	if !f.recognizer.Passes()[0].Stopped() {
		t.Error("The hung pass should be stopped")
	}
}
