// Package player provides AudioPlayer implementations for the terminal client.
package player

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

// ErrEmptyChunk is returned when a chunk carries no audio
var ErrEmptyChunk = errors.New("empty audio chunk")

// CommandPlayer plays every chunk by piping it into a player command such as
// "ffplay -autoexit -nodisp -loglevel quiet -" or "aplay -q"
type CommandPlayer struct {
	args   []string
	logger *zap.Logger
}

var _ repositories.AudioPlayer = (*CommandPlayer)(nil)

// NewCommandPlayer creates a player running command once per chunk
func NewCommandPlayer(command string, logger *zap.Logger) (*CommandPlayer, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("player command cannot be empty")
	}
	return &CommandPlayer{args: args, logger: logger}, nil
}

// Play implements repositories.AudioPlayer
func (p *CommandPlayer) Play(chunk entities.AudioChunk, handler repositories.PlaybackHandler) (repositories.Playback, error) {
	if len(chunk.Data) == 0 {
		return nil, ErrEmptyChunk
	}

	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.Stdin = bytes.NewReader(chunk.Data)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start player: %w", err)
	}

	playback := &commandPlayback{cmd: cmd}
	go func() {
		err := cmd.Wait()
		if playback.wasStopped() {
			return
		}
		if err != nil {
			p.logger.Warn("Player exited with error", zap.Uint64("seq", chunk.Seq), zap.Error(err))
			handler.OnError(fmt.Errorf("player failed: %w", err))
			return
		}
		handler.OnEnded()
	}()
	return playback, nil
}

type commandPlayback struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	stopped bool
}

func (c *commandPlayback) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.cmd.Process.Kill()
}

func (c *commandPlayback) wasStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
