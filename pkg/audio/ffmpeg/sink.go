package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/MrWong99/vouch/pkg/audio"
)

// DefaultFFplay is the default player executable.
const DefaultFFplay = "ffplay"

// SinkOption configures a [Sink].
type SinkOption func(*Sink)

// WithFFplay sets the ffplay executable.
func WithFFplay(bin string) SinkOption {
	return func(s *Sink) { s.bin = bin }
}

// WithSinkCommand replaces the process constructor.
func WithSinkCommand(fn CommandFunc) SinkOption {
	return func(s *Sink) { s.command = fn }
}

// Sink plays PCM on the host's default output through ffplay. Each Play
// runs its own ffplay process, which exits once the audio has been heard.
type Sink struct {
	bin     string
	command CommandFunc
	log     *slog.Logger
}

var _ audio.Sink = (*Sink)(nil)

// NewSink returns a speaker sink.
func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{
		bin:     DefaultFFplay,
		command: exec.CommandContext,
		log:     slog.Default().With("component", "ffplay-sink"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Args returns the ffplay arguments for audio in format f shaped by p.
func Args(f audio.Format, p audio.Prosody) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-nodisp", "-autoexit",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ch_layout", channelLayout(f.Channels),
	}
	if af := Filter(p, f.SampleRate); af != "" {
		args = append(args, "-af", af)
	}
	return append(args, "-i", "pipe:0")
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, f audio.Format, pcm <-chan []byte, p audio.Prosody) error {
	bin, err := lookup(s.bin)
	if err != nil {
		return err
	}
	cmd := s.command(ctx, bin, Args(f, p)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffplay: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffplay: %w", audio.ErrUnavailable, err)
	}

	var werr error
feed:
	for {
		select {
		case <-ctx.Done():
			break feed
		case chunk, ok := <-pcm:
			if !ok {
				break feed
			}
			if werr != nil {
				continue
			}
			if _, err := stdin.Write(chunk); err != nil {
				// The player died; keep draining so the producer is not blocked.
				werr = err
			}
		}
	}
	_ = stdin.Close()

	err = cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return fmt.Errorf("ffplay: %w", exitDetail(err, stderr.String()))
	case werr != nil && !errors.Is(werr, exec.ErrWaitDelay):
		return fmt.Errorf("ffplay: write audio: %w", werr)
	}
	return nil
}
