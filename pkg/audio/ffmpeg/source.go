package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/MrWong99/vouch/pkg/audio"
)

// Source defaults.
const (
	DefaultFFmpeg        = "ffmpeg"
	DefaultInputFormat   = "pulse"
	DefaultInputDevice   = "default"
	DefaultFrameDuration = 20 * time.Millisecond
)

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithFFmpeg sets the ffmpeg executable.
func WithFFmpeg(bin string) SourceOption {
	return func(s *Source) { s.bin = bin }
}

// WithInput sets the ffmpeg input format (e.g. "pulse", "alsa",
// "avfoundation", "dshow") and device name.
func WithInput(format, device string) SourceOption {
	return func(s *Source) {
		s.inputFormat = format
		s.device = device
	}
}

// WithCaptureFormat sets the PCM layout ffmpeg delivers. Defaults to
// [audio.SpeechFormat].
func WithCaptureFormat(f audio.Format) SourceOption {
	return func(s *Source) { s.format = f }
}

// WithFrameDuration sets the length of each delivered frame.
func WithFrameDuration(d time.Duration) SourceOption {
	return func(s *Source) { s.frame = d }
}

// WithSourceCommand replaces the process constructor.
func WithSourceCommand(fn CommandFunc) SourceOption {
	return func(s *Source) { s.command = fn }
}

// Source records from a host input device through ffmpeg. Each Capture
// starts its own ffmpeg process, which is stopped when the capture ends.
type Source struct {
	bin         string
	inputFormat string
	device      string
	format      audio.Format
	frame       time.Duration
	command     CommandFunc
	log         *slog.Logger
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a microphone source.
func NewSource(opts ...SourceOption) *Source {
	s := &Source{
		bin:         DefaultFFmpeg,
		inputFormat: DefaultInputFormat,
		device:      DefaultInputDevice,
		format:      audio.SpeechFormat,
		frame:       DefaultFrameDuration,
		command:     exec.CommandContext,
		log:         slog.Default().With("component", "ffmpeg-source"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Args returns the ffmpeg arguments used for a capture.
func (s *Source) Args() []string {
	return []string{
		"-hide_banner", "-nostats", "-loglevel", "error",
		"-f", s.inputFormat, "-i", s.device,
		"-ac", fmt.Sprint(s.format.Channels),
		"-ar", fmt.Sprint(s.format.SampleRate),
		"-f", "s16le", "-",
	}
}

// Capture implements [audio.Source].
func (s *Source) Capture(ctx context.Context) (<-chan audio.AudioFrame, error) {
	bin, err := lookup(s.bin)
	if err != nil {
		return nil, err
	}
	cmd := s.command(ctx, bin, s.Args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", audio.ErrUnavailable, err)
	}

	frameBytes := s.format.BytesPerSecond() * int(s.frame/time.Millisecond) / 1000
	frameBytes -= frameBytes % (2 * s.format.Channels)
	if frameBytes <= 0 {
		frameBytes = 2 * s.format.Channels
	}

	ch := make(chan audio.AudioFrame, 8)
	go func() {
		defer close(ch)
		var elapsed time.Duration
		buf := make([]byte, frameBytes)
		for {
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				f := audio.AudioFrame{
					Data:       append([]byte(nil), buf[:n-n%2]...),
					SampleRate: s.format.SampleRate,
					Channels:   s.format.Channels,
					Timestamp:  elapsed,
				}
				elapsed += f.Duration()
				select {
				case ch <- f:
				case <-ctx.Done():
				}
			}
			if err != nil || ctx.Err() != nil {
				break
			}
		}
		werr := cmd.Wait()
		if ctx.Err() == nil && werr != nil && !errors.Is(werr, context.Canceled) {
			s.log.Warn("capture ended", "error", exitDetail(werr, stderr.String()))
		}
	}()
	return ch, nil
}
