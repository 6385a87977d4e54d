package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

// audioFrameSize is 100ms of 16 kHz LINEAR16 mono
const audioFrameSize = 3200

// GoogleSpeechRecognizer implements SpeechRecognizer on Google Cloud streaming recognition,
// feeding it microphone audio from an AudioSource
type GoogleSpeechRecognizer struct {
	client *speech.Client
	source repositories.AudioSource
	logger *zap.Logger
}

var _ repositories.SpeechRecognizer = (*GoogleSpeechRecognizer)(nil)

// NewGoogleSpeechRecognizer creates the speech client using application default credentials
func NewGoogleSpeechRecognizer(ctx context.Context, source repositories.AudioSource, logger *zap.Logger) (*GoogleSpeechRecognizer, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechRecognizer{client: client, source: source, logger: logger}, nil
}

// Close releases the speech client
func (g *GoogleSpeechRecognizer) Close() error {
	return g.client.Close()
}

// NewRecognition implements repositories.SpeechRecognizer
func (g *GoogleSpeechRecognizer) NewRecognition(config repositories.RecognitionConfig, handler repositories.RecognitionHandler) (repositories.Recognition, error) {
	audio := g.source.Config()
	if config.Language == "" {
		config.Language = audio.Language
	}
	encoding, err := getAudioEncoding(audio.Encoding)
	if err != nil {
		return nil, err
	}

	return &googleRecognition{
		recognizer: g,
		config:     config,
		handler:    handler,
		streaming: &speechpb.StreamingRecognitionConfig{
			Config: &speechpb.RecognitionConfig{
				Encoding:        encoding,
				SampleRateHertz: int32(audio.SampleRate),
				LanguageCode:    config.Language,
			},
			InterimResults:  config.InterimResults,
			SingleUtterance: !config.Continuous,
		},
	}, nil
}

// googleRecognition is one streaming session; a pass cannot be restarted
type googleRecognition struct {
	recognizer *GoogleSpeechRecognizer
	config     repositories.RecognitionConfig
	handler    repositories.RecognitionHandler
	streaming  *speechpb.StreamingRecognitionConfig

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	audio   io.ReadCloser
	endOnce sync.Once
}

// Start opens the stream and the microphone, then reports OnStart
func (r *googleRecognition) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("recognition already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := r.recognizer.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	// Send initial configuration
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: r.streaming,
		},
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to send streaming config: %w", err)
	}

	audio, err := r.recognizer.source.Open(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	r.started = true
	r.cancel = cancel
	r.audio = audio

	r.handler.OnStart()
	go r.sendAudio(stream)
	go r.receiveResults(ctx, stream)
	return nil
}

// Stop cancels the stream; the pass still reports OnEnd once
func (r *googleRecognition) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *googleRecognition) sendAudio(stream speechpb.Speech_StreamingRecognizeClient) {
	buf := make([]byte, audioFrameSize)
	for {
		n, err := r.audio.Read(buf)
		if n > 0 {
			if sendErr := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: append([]byte(nil), buf[:n]...),
				},
			}); sendErr != nil {
				return
			}
		}
		if err != nil {
			stream.CloseSend()
			return
		}
	}
}

func (r *googleRecognition) receiveResults(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient) {
	defer r.finish()

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				r.recognizer.logger.Warn("Speech stream failed", zap.Error(err))
				r.handler.OnError(fmt.Errorf("failed to receive response: %w", err))
			}
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			// Take the best alternative
			transcript := result.Alternatives[0].Transcript
			if !result.IsFinal && !r.config.InterimResults {
				continue
			}
			r.handler.OnResult(transcript)
			if result.IsFinal && !r.config.Continuous {
				return
			}
		}
	}
}

func (r *googleRecognition) finish() {
	r.endOnce.Do(func() {
		r.mu.Lock()
		r.cancel()
		r.audio.Close()
		r.mu.Unlock()
		r.handler.OnEnd()
	})
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16", "S16LE":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
