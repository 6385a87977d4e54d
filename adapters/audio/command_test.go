package audio

import (
	"context"
	"io"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

func TestCommandSource_Open(t *testing.T) {
	source, err := NewCommandSource("echo pcm-bytes", repositories.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewCommandSource failed: %v", err)
	}
	if err := source.Request(context.Background()); err != nil {
		t.Fatalf("echo should be available: %v", err)
	}

	stream, err := source.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(stream)
	stream.Close()

	if string(data) != "pcm-bytes\n" {
		t.Errorf("Unexpected recorder output %q", data)
	}
}

func TestCommandSource_MissingRecorder(t *testing.T) {
	if _, err := NewCommandSource("  ", repositories.AudioConfig{}, zaptest.NewLogger(t)); err == nil {
		t.Error("An empty command should be rejected")
	}

	source, _ := NewCommandSource("no-such-recorder-binary -r 16000", repositories.AudioConfig{}, zaptest.NewLogger(t))
	if err := source.Request(context.Background()); err == nil {
		t.Error("A missing recorder should be reported as no microphone access")
	}
	if _, err := source.Open(context.Background()); err == nil {
		t.Error("Opening a missing recorder should fail")
	}
}
