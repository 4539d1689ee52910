// Package ffmpeg provides host audio devices backed by the ffmpeg tools:
// [Source] records the microphone with ffmpeg and [Sink] plays speech with
// ffplay, applying prosody through audio filters.
//
// Both devices exchange raw signed 16-bit little-endian PCM with the child
// process over pipes, so no codec is linked into the binary. A missing
// executable or an input device that cannot be opened is reported as
// [audio.ErrUnavailable].
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/vouch/pkg/audio"
)

// CommandFunc builds the command for a child process. It defaults to
// [exec.CommandContext].
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// lookup resolves bin on PATH, reporting a missing tool as unavailable.
func lookup(bin string) (string, error) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found: %w", audio.ErrUnavailable, bin, err)
	}
	return path, nil
}

// channelLayout names the ffmpeg channel layout for n channels.
func channelLayout(n int) string {
	if n == 2 {
		return "stereo"
	}
	return "mono"
}

// exitDetail returns the captured stderr of a failed child, if any.
func exitDetail(err error, stderr string) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) && strings.TrimSpace(stderr) != "" {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr))
	}
	return err
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
