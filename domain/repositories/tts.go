package repositories

import "context"

// TextToSpeech synthesizes assistant replies for the dev peer
type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error)
}
