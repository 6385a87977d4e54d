// Package bargein listens while the assistant speaks so the user can interrupt it.
// Any recognized speech counts as an interruption; no keyword is needed.
package bargein

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/eventloop"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

const restartTimer = "bargein.restart"

// Config configures the detector
type Config struct {
	// ErrorRestartDelay is the pause before listening again after a recognizer error
	ErrorRestartDelay time.Duration
	// EndRestartDelay is the pause before listening again after the engine stopped on its own
	EndRestartDelay time.Duration
	Recognition     repositories.RecognitionConfig
}

// Events receives interruptions. Delivered on the event loop.
type Events interface {
	Interrupted(utterance string)
}

// Detector owns the single barge-in handle. Must only be used from the event loop.
type Detector struct {
	cfg        Config
	loop       *eventloop.Loop
	recognizer repositories.SpeechRecognizer
	view       entities.SessionView
	events     Events
	metrics    *metrics.Metrics
	logger     *zap.Logger

	armed   bool
	current repositories.Recognition
	gen     uint64
}

// NewDetector creates a disarmed detector
func NewDetector(
	cfg Config,
	loop *eventloop.Loop,
	recognizer repositories.SpeechRecognizer,
	view entities.SessionView,
	events Events,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Detector {
	cfg.Recognition.Continuous = true
	cfg.Recognition.InterimResults = true
	return &Detector{
		cfg:        cfg,
		loop:       loop,
		recognizer: recognizer,
		view:       view,
		events:     events,
		metrics:    m,
		logger:     logger,
	}
}

// Armed reports whether the detector is listening for interruptions
func (d *Detector) Armed() bool {
	return d.armed
}

// Arm starts listening. Arming an armed detector is a no-op.
func (d *Detector) Arm() {
	if d.armed {
		return
	}
	d.armed = true
	d.logger.Debug("Barge-in detection armed")
	d.listen()
}

// Disarm stops listening and cancels any pending restart
func (d *Detector) Disarm() {
	if !d.armed && d.current == nil {
		return
	}
	d.armed = false
	d.loop.Cancel(restartTimer)
	d.release()
	d.logger.Debug("Barge-in detection disarmed")
}

func (d *Detector) listen() {
	d.release()
	gen := d.gen

	recognition, err := d.recognizer.NewRecognition(d.cfg.Recognition, &listener{detector: d, gen: gen})
	if err != nil {
		d.logger.Warn("Failed to create barge-in recognition", zap.Error(err))
		d.restartAfter(d.cfg.ErrorRestartDelay)
		return
	}
	if err := recognition.Start(); err != nil {
		d.gen++
		d.logger.Warn("Failed to start barge-in recognition", zap.Error(err))
		d.restartAfter(d.cfg.ErrorRestartDelay)
		return
	}
	d.current = recognition
}

func (d *Detector) release() {
	if d.current != nil {
		d.current.Stop()
		d.current = nil
	}
	d.gen++
}

// restartAfter listens again after delay, provided audio is still playing
func (d *Detector) restartAfter(delay time.Duration) {
	if !d.armed || !d.view.PlayingAudio() {
		return
	}
	d.loop.After(restartTimer, delay, func() {
		if !d.armed || !d.view.PlayingAudio() {
			return
		}
		d.metrics.BargeInRestarts.Inc()
		d.listen()
	})
}

func (d *Detector) stale(gen uint64) bool {
	return !d.armed || gen != d.gen || d.current == nil
}

func (d *Detector) result(gen uint64, utterance string) {
	if d.stale(gen) {
		return
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return
	}

	d.logger.Info("Barge-in detected", zap.String("utterance", utterance))
	d.metrics.BargeIns.Inc()
	d.Disarm()
	d.events.Interrupted(utterance)
}

func (d *Detector) failed(gen uint64, err error) {
	if d.stale(gen) {
		return
	}
	d.logger.Debug("Barge-in recognition error", zap.Error(err))
	d.release()
	d.restartAfter(d.cfg.ErrorRestartDelay)
}

func (d *Detector) ended(gen uint64) {
	if d.stale(gen) {
		return
	}
	d.current = nil
	d.release()
	d.restartAfter(d.cfg.EndRestartDelay)
}

// listener forwards recognition callbacks of one barge-in pass to the loop
type listener struct {
	detector *Detector
	gen      uint64
}

func (l *listener) OnStart() {}

func (l *listener) OnResult(transcript string) {
	l.detector.loop.Post(func() { l.detector.result(l.gen, transcript) })
}

func (l *listener) OnError(err error) {
	l.detector.loop.Post(func() { l.detector.failed(l.gen, err) })
}

func (l *listener) OnEnd() {
	l.detector.loop.Post(func() { l.detector.ended(l.gen) })
}
