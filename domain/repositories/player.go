package repositories

import "github.com/satriahrh/arunika/client/domain/entities"

// PlaybackHandler receives the completion of a single chunk.
// Exactly one of OnEnded or OnError is delivered per successful Play, unless the playback is stopped.
type PlaybackHandler interface {
	OnEnded()
	OnError(err error)
}

// Playback is a handle on a chunk currently being played
type Playback interface {
	Stop()
}

// AudioPlayer abstracts the audio output device
type AudioPlayer interface {
	Play(chunk entities.AudioChunk, handler PlaybackHandler) (Playback, error)
}
