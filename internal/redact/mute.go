package redact

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runFunc executes a command, swapped out in tests.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Muter silences audio ranges by shelling out to ffmpeg.
type Muter struct {
	FfmpegPath string
	run        runFunc
}

func NewMuter(ffmpegPath string) *Muter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Muter{FfmpegPath: ffmpegPath, run: execRun}
}

// filterFor builds the audio filter chain: one volume gate per span.
func filterFor(spans []Span) string {
	parts := make([]string, len(spans))
	for i, s := range spans {
		parts[i] = fmt.Sprintf("volume=enable='between(t,%.3f,%.3f)':volume=0", s.Start, s.End)
	}
	return strings.Join(parts, ",")
}

// MuteFile writes a copy of inPath to outPath with every span silenced,
// re-encoded as 16-bit PCM WAV.
func (m *Muter) MuteFile(ctx context.Context, inPath, outPath string, spans []Span) error {
	if len(spans) == 0 {
		return fmt.Errorf("no spans to mute")
	}
	args := []string{
		"-y",
		"-i", inPath,
		"-af", filterFor(spans),
		"-c:a", "pcm_s16le",
		outPath,
	}
	out, err := m.run(ctx, m.FfmpegPath, args...)
	if err != nil {
		return fmt.Errorf("running ffmpeg: %w (output: %s)", err, truncate(string(out), 400))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
