package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

const (
	toneSampleRate = 16000
	toneFrequency  = 440.0
	toneAmplitude  = 0.2
)

// ToneTTS synthesizes a WAV beep whose length follows the word count,
// enough to exercise playback without a speech vendor
type ToneTTS struct {
	// PerWord is the tone length per word
	PerWord float64
	// MaxSeconds caps a single utterance
	MaxSeconds float64
}

var _ repositories.TextToSpeech = ToneTTS{}

// NewToneTTS creates a tone synthesizer with 150ms per word, capped at 3s
func NewToneTTS() ToneTTS {
	return ToneTTS{PerWord: 0.15, MaxSeconds: 3}
}

// ConvertTextToSpeech implements repositories.TextToSpeech with a single WAV chunk
func (t ToneTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	words := len(strings.Fields(text))
	if words == 0 {
		return nil, fmt.Errorf("text cannot be empty")
	}

	seconds := math.Min(float64(words)*t.PerWord, t.MaxSeconds)
	audio := make(chan []byte, 1)
	audio <- wav(sine(seconds))
	close(audio)
	return audio, nil
}

func sine(seconds float64) []int16 {
	samples := make([]int16, int(math.Round(seconds*toneSampleRate)))
	for i := range samples {
		v := toneAmplitude * math.Sin(2*math.Pi*toneFrequency*float64(i)/toneSampleRate)
		samples[i] = int16(v * math.MaxInt16)
	}
	return samples
}

// wav wraps 16-bit mono samples in a RIFF header
func wav(samples []int16) []byte {
	dataSize := uint32(len(samples) * 2)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(toneSampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(toneSampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
