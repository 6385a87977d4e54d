package player

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

// SimulatedPlayer pretends to play audio, taking as long as the chunk would
// at a fixed byte rate. Used when no audio output is configured.
type SimulatedPlayer struct {
	clock          clock.Clock
	bytesPerSecond int
}

var _ repositories.AudioPlayer = (*SimulatedPlayer)(nil)

// NewSimulatedPlayer creates a simulated player
func NewSimulatedPlayer(clk clock.Clock, bytesPerSecond int) *SimulatedPlayer {
	return &SimulatedPlayer{clock: clk, bytesPerSecond: bytesPerSecond}
}

// Duration returns how long a chunk takes to play
func (p *SimulatedPlayer) Duration(chunk entities.AudioChunk) time.Duration {
	return time.Duration(len(chunk.Data)) * time.Second / time.Duration(p.bytesPerSecond)
}

// Play implements repositories.AudioPlayer
func (p *SimulatedPlayer) Play(chunk entities.AudioChunk, handler repositories.PlaybackHandler) (repositories.Playback, error) {
	if len(chunk.Data) == 0 {
		return nil, ErrEmptyChunk
	}

	playback := &simulatedPlayback{}
	timer := p.clock.AfterFunc(max(p.Duration(chunk), time.Millisecond), func() {
		if !playback.wasStopped() {
			handler.OnEnded()
		}
	})

	playback.mu.Lock()
	defer playback.mu.Unlock()
	playback.timer = timer
	return playback, nil
}

type simulatedPlayback struct {
	mu      sync.Mutex
	timer   *clock.Timer
	stopped bool
}

func (s *simulatedPlayback) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *simulatedPlayback) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
