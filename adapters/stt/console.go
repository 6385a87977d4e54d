package stt

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

// ConsoleRecognizer turns typed lines into recognized speech. Every line passed
// to Hear is delivered to the passes listening at that moment.
type ConsoleRecognizer struct {
	mu     sync.Mutex
	active map[*consoleRecognition]struct{}
	logger *zap.Logger
}

var _ repositories.SpeechRecognizer = (*ConsoleRecognizer)(nil)

// NewConsoleRecognizer creates a console recognizer
func NewConsoleRecognizer(logger *zap.Logger) *ConsoleRecognizer {
	return &ConsoleRecognizer{
		active: make(map[*consoleRecognition]struct{}),
		logger: logger,
	}
}

// NewRecognition implements repositories.SpeechRecognizer
func (c *ConsoleRecognizer) NewRecognition(config repositories.RecognitionConfig, handler repositories.RecognitionHandler) (repositories.Recognition, error) {
	return &consoleRecognition{recognizer: c, config: config, handler: handler}, nil
}

// Hear delivers a line of speech and returns how many passes heard it
func (c *ConsoleRecognizer) Hear(line string) int {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0
	}

	c.mu.Lock()
	passes := make([]*consoleRecognition, 0, len(c.active))
	for pass := range c.active {
		passes = append(passes, pass)
	}
	c.mu.Unlock()

	for _, pass := range passes {
		pass.handler.OnResult(line)
		if !pass.config.Continuous {
			pass.end()
		}
	}
	if len(passes) == 0 {
		c.logger.Debug("Nobody is listening", zap.String("line", line))
	}
	return len(passes)
}

// Listening reports whether a non-continuous pass is waiting for speech
func (c *ConsoleRecognizer) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pass := range c.active {
		if !pass.config.Continuous {
			return true
		}
	}
	return false
}

type consoleRecognition struct {
	recognizer *ConsoleRecognizer
	config     repositories.RecognitionConfig
	handler    repositories.RecognitionHandler
	started    bool
}

func (r *consoleRecognition) Start() error {
	r.recognizer.mu.Lock()
	if r.started {
		r.recognizer.mu.Unlock()
		return errors.New("recognition already started")
	}
	r.started = true
	r.recognizer.active[r] = struct{}{}
	r.recognizer.mu.Unlock()

	r.handler.OnStart()
	return nil
}

func (r *consoleRecognition) Stop() {
	r.end()
}

// end reports OnEnd once, if the pass was listening
func (r *consoleRecognition) end() {
	r.recognizer.mu.Lock()
	_, ok := r.recognizer.active[r]
	delete(r.recognizer.active, r)
	r.recognizer.mu.Unlock()

	if ok {
		r.handler.OnEnd()
	}
}
