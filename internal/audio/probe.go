package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// runFunc executes a command and returns its combined output. Swapped
// out in tests.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Prober resolves durations for formats the WAV parser cannot read
// (Asterisk gsm/g722 spools, mp3 from Twilio) by shelling out to
// ffprobe.
type Prober struct {
	FfprobePath string
	run         runFunc
}

func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{FfprobePath: ffprobePath, run: execRun}
}

// Duration asks ffprobe for the container duration of a local file.
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	out, err := p.run(ctx, p.FfprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, fmt.Errorf("running ffprobe: %w", err)
	}
	text := strings.TrimSpace(string(out))
	secs, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing ffprobe duration %q: %w", text, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
