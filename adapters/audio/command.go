// Package audio provides microphone access through an external recorder process.
package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

// CommandSource streams raw microphone audio from a recorder command such as
// "arecord -q -f S16_LE -c 1 -r 16000 -t raw" writing to stdout
type CommandSource struct {
	args   []string
	config repositories.AudioConfig
	logger *zap.Logger
}

var (
	_ repositories.AudioSource          = (*CommandSource)(nil)
	_ repositories.MicrophonePermission = (*CommandSource)(nil)
)

// NewCommandSource creates a source running command for every opened stream
func NewCommandSource(command string, config repositories.AudioConfig, logger *zap.Logger) (*CommandSource, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("record command cannot be empty")
	}
	return &CommandSource{args: args, config: config, logger: logger}, nil
}

// Config implements repositories.AudioSource
func (s *CommandSource) Config() repositories.AudioConfig {
	return s.config
}

// Request implements repositories.MicrophonePermission by checking the recorder is installed
func (s *CommandSource) Request(ctx context.Context) error {
	if _, err := exec.LookPath(s.args[0]); err != nil {
		return fmt.Errorf("recorder %q not available: %w", s.args[0], err)
	}
	return nil
}

// Open implements repositories.AudioSource. The recorder stops when ctx is
// cancelled or the stream is closed.
func (s *CommandSource) Open(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start recorder: %w", err)
	}

	s.logger.Debug("Recorder started", zap.Int("pid", cmd.Process.Pid))
	return &recording{cmd: cmd, stdout: stdout}, nil
}

type recording struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (r *recording) Read(p []byte) (int, error) {
	return r.stdout.Read(p)
}

// Close stops the recorder and reaps it
func (r *recording) Close() error {
	r.cmd.Process.Kill()
	r.cmd.Wait()
	return nil
}
