// Package capture runs the foreground speech-to-text loop of a session and
// escalates through two no-input timeouts when the user stays silent.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/eventloop"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

const (
	silenceTimer      = "capture.silence"
	forceRestartTimer = "capture.force-restart"
)

// ErrStartRejected wraps the reason a start request was refused.
// Rejection is ordinary flow control, not a failure.
var ErrStartRejected = errors.New("capture start rejected")

var (
	ErrNotWelcomed      = errors.New("welcome not received")
	ErrNotConnected     = errors.New("not connected")
	ErrPlayingAudio     = errors.New("audio is playing")
	ErrWaitingToRestart = errors.New("waiting to restart")
	ErrResponsePending  = errors.New("response pending")
	ErrAlreadyListening = errors.New("already listening")
)

// Config configures the capture controller
type Config struct {
	SilenceTimeout    time.Duration
	ForceRestartDelay time.Duration
	Recognition       repositories.RecognitionConfig
}

// Events are the requests the controller makes to the session. Delivered on the event loop.
type Events interface {
	ListeningStarted()
	TranscriptAccepted(text string)
	// SilenceTimedOut asks the session to escalate to level
	SilenceTimedOut(level entities.SilenceLevel)
	CaptureFailed(err error)
	CaptureEnded()
}

// Controller owns the single capture handle. Must only be used from the event loop.
type Controller struct {
	cfg        Config
	loop       *eventloop.Loop
	recognizer repositories.SpeechRecognizer
	view       entities.SessionView
	events     Events
	metrics    *metrics.Metrics
	logger     *zap.Logger

	state   entities.CaptureState
	current repositories.Recognition
	gen     uint64
	passes  uint64
}

// NewController creates an idle controller
func NewController(
	cfg Config,
	loop *eventloop.Loop,
	recognizer repositories.SpeechRecognizer,
	view entities.SessionView,
	events Events,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		cfg:        cfg,
		loop:       loop,
		recognizer: recognizer,
		view:       view,
		events:     events,
		metrics:    m,
		logger:     logger,
		state:      entities.CaptureStateIdle,
	}
}

// State returns the capture state
func (c *Controller) State() entities.CaptureState {
	return c.state
}

// Listening reports whether a pass is starting or running
func (c *Controller) Listening() bool {
	return c.state != entities.CaptureStateIdle
}

// Running reports whether the engine confirmed the current pass
func (c *Controller) Running() bool {
	return c.state == entities.CaptureStateListening
}

// Passes returns how many listening passes actually started
func (c *Controller) Passes() uint64 {
	return c.passes
}

// CanStart returns the reason a start would be rejected, or nil
func (c *Controller) CanStart() error {
	switch {
	case !c.view.Welcomed():
		return ErrNotWelcomed
	case !c.view.Connected():
		return ErrNotConnected
	case c.view.PlayingAudio():
		return ErrPlayingAudio
	case c.view.RestartPending():
		return ErrWaitingToRestart
	case c.view.AwaitingResponse():
		return ErrResponsePending
	case c.Listening():
		return ErrAlreadyListening
	}
	return nil
}

// Start opens a new listening pass if the session allows it
func (c *Controller) Start() error {
	if reason := c.CanStart(); reason != nil {
		c.metrics.CaptureRejections.WithLabelValues(reason.Error()).Inc()
		c.logger.Debug("Capture start rejected", zap.String("reason", reason.Error()))
		return fmt.Errorf("%w: %w", ErrStartRejected, reason)
	}

	c.release()
	gen := c.gen

	recognition, err := c.recognizer.NewRecognition(c.cfg.Recognition, &passHandler{controller: c, gen: gen})
	if err != nil {
		return fmt.Errorf("failed to create recognition: %w", err)
	}
	if err := recognition.Start(); err != nil {
		c.gen++
		return fmt.Errorf("failed to start recognition: %w", err)
	}

	c.current = recognition
	c.state = entities.CaptureStateStarting
	c.logger.Debug("Capture starting")
	return nil
}

// Stop ends the current pass without re-arming
func (c *Controller) Stop() {
	c.loop.Cancel(silenceTimer)
	c.loop.Cancel(forceRestartTimer)
	if c.Listening() {
		c.logger.Debug("Capture stopped")
	}
	c.release()
}

// ForceRestart tears the capture subsystem down and starts a fresh pass after a delay.
// It recovers engines that stopped without reporting an error, including a
// pass that was accepted but never reported OnStart.
func (c *Controller) ForceRestart() {
	c.logger.Warn("Forcing capture restart", zap.Duration("delay", c.cfg.ForceRestartDelay))
	c.metrics.ForceRestarts.Inc()
	c.Stop()

	c.loop.After(forceRestartTimer, c.cfg.ForceRestartDelay, func() {
		if !c.view.Connected() || c.view.PlayingAudio() || c.view.AwaitingResponse() {
			return
		}
		if err := c.Start(); err != nil {
			c.logger.Warn("Force restart failed", zap.Error(err))
		}
	})
}

// release drops the current handle; late callbacks of the old pass become stale
func (c *Controller) release() {
	if c.current != nil {
		c.current.Stop()
		c.current = nil
	}
	c.gen++
	c.state = entities.CaptureStateIdle
}

func (c *Controller) stale(gen uint64) bool {
	return gen != c.gen || c.current == nil
}

func (c *Controller) started(gen uint64) {
	if c.stale(gen) {
		return
	}
	c.state = entities.CaptureStateListening
	c.passes++
	c.metrics.CaptureStarts.Inc()
	c.loop.After(silenceTimer, c.cfg.SilenceTimeout, func() { c.silenceExpired(gen) })
	c.events.ListeningStarted()
}

func (c *Controller) result(gen uint64, transcript string) {
	if c.stale(gen) {
		return
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return
	}
	if !c.view.QueryListening() {
		c.metrics.TranscriptsDiscarded.Inc()
		c.logger.Debug("Discarding transcript while not listening for a query", zap.String("transcript", transcript))
		return
	}

	c.loop.Cancel(silenceTimer)
	c.release()
	c.events.TranscriptAccepted(transcript)
}

func (c *Controller) failed(gen uint64, err error) {
	if c.stale(gen) {
		return
	}
	c.loop.Cancel(silenceTimer)
	c.release()
	c.metrics.CaptureErrors.Inc()
	c.logger.Warn("Speech recognition error", zap.Error(err))
	c.events.CaptureFailed(err)
}

func (c *Controller) ended(gen uint64) {
	if c.stale(gen) {
		return
	}
	c.loop.Cancel(silenceTimer)
	c.current = nil
	c.release()
	c.events.CaptureEnded()
	c.loop.Post(c.rearm)
}

func (c *Controller) silenceExpired(gen uint64) {
	if c.stale(gen) || c.state != entities.CaptureStateListening {
		return
	}
	level := c.view.Silence()
	c.release()

	if level >= entities.SilenceGoodbye {
		c.logger.Debug("Silence timeout after goodbye, capture stays stopped")
		return
	}

	next := level.Next()
	c.metrics.SilenceEscalations.WithLabelValues(strconv.Itoa(int(next))).Inc()
	c.logger.Info("No input detected", zap.Int("level", int(next)))
	c.events.SilenceTimedOut(next)
	if next < entities.SilenceGoodbye {
		c.loop.Post(c.rearm)
	}
}

// rearm continues listening after a pass ended on its own
func (c *Controller) rearm() {
	if c.view.Silence() >= entities.SilenceGoodbye {
		return
	}
	if err := c.Start(); err != nil && !errors.Is(err, ErrStartRejected) {
		c.logger.Warn("Failed to re-arm capture", zap.Error(err))
	}
}

// passHandler forwards recognition callbacks of one pass to the loop
type passHandler struct {
	controller *Controller
	gen        uint64
}

func (h *passHandler) OnStart() {
	h.controller.loop.Post(func() { h.controller.started(h.gen) })
}

func (h *passHandler) OnResult(transcript string) {
	h.controller.loop.Post(func() { h.controller.result(h.gen, transcript) })
}

func (h *passHandler) OnError(err error) {
	h.controller.loop.Post(func() { h.controller.failed(h.gen, err) })
}

func (h *passHandler) OnEnd() {
	h.controller.loop.Post(func() { h.controller.ended(h.gen) })
}
