package repositories

import (
	"context"
	"io"
)

// RecognitionConfig configures one recognition pass
type RecognitionConfig struct {
	Language string `json:"language"`
	// Continuous keeps the pass open across utterances instead of ending after the first one
	Continuous     bool `json:"continuous"`
	InterimResults bool `json:"interim_results"`
}

// RecognitionHandler receives the events of a recognition pass.
// Implementations must not block; events may arrive on any goroutine.
type RecognitionHandler interface {
	OnStart()
	OnResult(transcript string)
	OnError(err error)
	OnEnd()
}

// Recognition is a single start/stop-able pass of a speech recognizer
type Recognition interface {
	Start() error
	Stop()
}

// SpeechRecognizer abstracts the speech capture engine.
// Every call to NewRecognition yields a fresh, independent pass.
type SpeechRecognizer interface {
	NewRecognition(config RecognitionConfig, handler RecognitionHandler) (Recognition, error)
}

// AudioConfig describes a raw microphone stream
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// AudioSource opens microphone audio for streaming recognizers
type AudioSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Config() AudioConfig
}

// MicrophonePermission checks that the microphone may be used
type MicrophonePermission interface {
	Request(ctx context.Context) error
}
