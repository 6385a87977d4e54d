package stt

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

// MockSpeechRecognizer is a recognizer driven by the caller, used to script
// conversations in tests and demos
type MockSpeechRecognizer struct {
	mu       sync.Mutex
	logger   *zap.Logger
	passes   []*MockRecognition
	startErr error
	hang     bool
}

// NewMockSpeechRecognizer creates a new mock recognizer
func NewMockSpeechRecognizer(logger *zap.Logger) *MockSpeechRecognizer {
	return &MockSpeechRecognizer{logger: logger}
}

// NewRecognition implements repositories.SpeechRecognizer
func (r *MockSpeechRecognizer) NewRecognition(config repositories.RecognitionConfig, handler repositories.RecognitionHandler) (repositories.Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pass := &MockRecognition{
		recognizer: r,
		config:     config,
		handler:    handler,
		startErr:   r.startErr,
		hang:       r.hang,
	}
	r.startErr = nil
	r.hang = false
	r.passes = append(r.passes, pass)
	return pass, nil
}

// FailNextStart makes the next created pass refuse to start
func (r *MockSpeechRecognizer) FailNextStart(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

// HangNextStart makes the next created pass accept Start without ever reporting OnStart
func (r *MockSpeechRecognizer) HangNextStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hang = true
}

// Passes returns every pass created so far
func (r *MockSpeechRecognizer) Passes() []*MockRecognition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MockRecognition(nil), r.passes...)
}

// Active returns the passes that were started and have not ended
func (r *MockSpeechRecognizer) Active() []*MockRecognition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []*MockRecognition
	for _, pass := range r.passes {
		if pass.started && !pass.ended {
			active = append(active, pass)
		}
	}
	return active
}

// Say delivers text to every active pass
func (r *MockSpeechRecognizer) Say(text string) int {
	active := r.Active()
	for _, pass := range active {
		pass.Say(text)
	}
	return len(active)
}

// MockRecognition is one scripted recognition pass
type MockRecognition struct {
	recognizer *MockSpeechRecognizer
	config     repositories.RecognitionConfig
	handler    repositories.RecognitionHandler
	startErr   error
	hang       bool

	started bool
	stopped bool
	ended   bool
}

// Start marks the pass as listening and reports OnStart
func (m *MockRecognition) Start() error {
	m.recognizer.mu.Lock()
	if m.startErr != nil {
		m.recognizer.mu.Unlock()
		return m.startErr
	}
	if m.started {
		m.recognizer.mu.Unlock()
		return errors.New("recognition already started")
	}
	m.started = true
	hang := m.hang
	m.recognizer.mu.Unlock()

	if hang {
		m.recognizer.logger.Debug("Mock recognition hung before start")
		return nil
	}
	m.recognizer.logger.Debug("Mock recognition started", zap.Bool("continuous", m.config.Continuous))
	m.handler.OnStart()
	return nil
}

// Stop ends the pass the way an engine does, with a final OnEnd
func (m *MockRecognition) Stop() {
	m.recognizer.mu.Lock()
	m.stopped = true
	wasRunning := m.started && !m.ended
	m.ended = true
	m.recognizer.mu.Unlock()

	if wasRunning {
		m.handler.OnEnd()
	}
}

// Say reports a recognized utterance. A non-continuous pass ends right after.
func (m *MockRecognition) Say(text string) {
	m.handler.OnResult(text)
	if !m.config.Continuous {
		m.End()
	}
}

// Fail reports an engine error followed by the end of the pass
func (m *MockRecognition) Fail(err error) {
	m.handler.OnError(err)
	m.End()
}

// End finishes the pass naturally
func (m *MockRecognition) End() {
	m.recognizer.mu.Lock()
	if m.ended {
		m.recognizer.mu.Unlock()
		return
	}
	m.ended = true
	m.recognizer.mu.Unlock()

	m.handler.OnEnd()
}

// Config returns the configuration the pass was created with
func (m *MockRecognition) Config() repositories.RecognitionConfig {
	return m.config
}

// Handler returns the handler receiving this pass's events
func (m *MockRecognition) Handler() repositories.RecognitionHandler {
	return m.handler
}

// Stopped reports whether Stop was called
func (m *MockRecognition) Stopped() bool {
	m.recognizer.mu.Lock()
	defer m.recognizer.mu.Unlock()
	return m.stopped
}

// Running reports whether the pass is started and has not ended
func (m *MockRecognition) Running() bool {
	m.recognizer.mu.Lock()
	defer m.recognizer.mu.Unlock()
	return m.started && !m.ended
}
