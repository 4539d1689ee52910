package ffmpeg_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/audio/ffmpeg"
)

// ─── Helper process ──────────────────────────────────────────────────────────

const helperEnv = "VOUCH_WANT_HELPER_PROCESS"

// helper runs this test binary in place of ffmpeg/ffplay. The first
// argument after "--" selects its behaviour.
func helper(mode string) ffmpeg.CommandFunc {
	return func(ctx context.Context, _ string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", mode}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), helperEnv+"=1")
		return cmd
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	mode := args[1]
	switch {
	case mode == "tone":
		// Five 20ms frames of 16kHz mono.
		_, _ = os.Stdout.Write(make([]byte, 5*640))
	case mode == "hang":
		_, _ = os.Stdout.Write(make([]byte, 640))
		time.Sleep(time.Minute)
	case mode == "fail":
		fmt.Fprint(os.Stderr, "default: No such device")
		os.Exit(1)
	case strings.HasPrefix(mode, "sink:"):
		want, _ := strconv.Atoi(strings.TrimPrefix(mode, "sink:"))
		got, _ := io.Copy(io.Discard, os.Stdin)
		if int(got) != want {
			fmt.Fprintf(os.Stderr, "got %d bytes, want %d", got, want)
			os.Exit(3)
		}
	}
	os.Exit(0)
}

// ─── Source ──────────────────────────────────────────────────────────────────

func newSource(mode string) *ffmpeg.Source {
	return ffmpeg.NewSource(ffmpeg.WithFFmpeg(os.Args[0]), ffmpeg.WithSourceCommand(helper(mode)))
}

func TestSource_Args(t *testing.T) {
	t.Parallel()

	s := ffmpeg.NewSource(ffmpeg.WithInput("alsa", "hw:1"))
	args := strings.Join(s.Args(), " ")
	for _, want := range []string{"-f alsa -i hw:1", "-ac 1", "-ar 16000", "-f s16le -"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestSource_DeliversFrames(t *testing.T) {
	t.Parallel()

	frames, err := newSource("tone").Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	var n int
	var last time.Duration
	for f := range frames {
		if len(f.Data) != 640 || f.Format() != audio.SpeechFormat {
			t.Errorf("frame %d: %d bytes, %v", n, len(f.Data), f.Format())
		}
		if n > 0 && f.Timestamp != last+20*time.Millisecond {
			t.Errorf("frame %d timestamp = %v", n, f.Timestamp)
		}
		last = f.Timestamp
		n++
	}
	if n != 5 {
		t.Errorf("frames = %d, want 5", n)
	}
}

func TestSource_CancelStopsProcess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := newSource("hang").Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	<-frames
	cancel()

	select {
	case _, ok := <-frames:
		for ok {
			_, ok = <-frames
		}
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not stop after cancel")
	}
}

func TestSource_MissingBinary(t *testing.T) {
	t.Parallel()

	s := ffmpeg.NewSource(ffmpeg.WithFFmpeg("vouch-no-such-ffmpeg"))
	if _, err := s.Capture(context.Background()); !errors.Is(err, audio.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

// ─── Sink ────────────────────────────────────────────────────────────────────

func newSink(mode string) *ffmpeg.Sink {
	return ffmpeg.NewSink(ffmpeg.WithFFplay(os.Args[0]), ffmpeg.WithSinkCommand(helper(mode)))
}

func pcmChan(chunks ...[]byte) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestSink_PlaysAllAudio(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 24000, Channels: 1}
	err := newSink("sink:3000").Play(context.Background(), f, pcmChan(make([]byte, 1000), make([]byte, 2000)), audio.Neutral)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
}

func TestSink_ReportsPlayerFailure(t *testing.T) {
	t.Parallel()

	err := newSink("fail").Play(context.Background(), audio.SpeechFormat, pcmChan(make([]byte, 64)), audio.Neutral)
	if err == nil || !strings.Contains(err.Error(), "No such device") {
		t.Errorf("err = %v, want player stderr", err)
	}
}

func TestSink_MissingBinary(t *testing.T) {
	t.Parallel()

	s := ffmpeg.NewSink(ffmpeg.WithFFplay("vouch-no-such-ffplay"))
	err := s.Play(context.Background(), audio.SpeechFormat, pcmChan(), audio.Neutral)
	if !errors.Is(err, audio.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestSink_Cancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	pcm := make(chan []byte)
	done := make(chan error, 1)
	go func() { done <- newSink("sink:1").Play(ctx, audio.SpeechFormat, pcm, audio.Neutral) }()
	pcm <- make([]byte, 10)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Play did not return after cancel")
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()

	args := ffmpeg.Args(audio.Format{SampleRate: 24000, Channels: 2}, audio.Prosody{Rate: 1.1, Pitch: 1, Volume: 0.9})
	joined := strings.Join(args, " ")
	for _, want := range []string{"-nodisp", "-autoexit", "-ar 24000", "-ch_layout stereo", "-af atempo=1.1000,volume=0.9000", "-i pipe:0"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if slices.Contains(ffmpeg.Args(audio.SpeechFormat, audio.Neutral), "-af") {
		t.Error("neutral prosody must not add filters")
	}
}

// ─── Filter ──────────────────────────────────────────────────────────────────

func TestFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    audio.Prosody
		want string
	}{
		{"neutral", audio.Neutral, ""},
		{"rate only", audio.Prosody{Rate: 0.9, Pitch: 1, Volume: 1}, "atempo=0.9000"},
		{"volume only", audio.Prosody{Rate: 1, Pitch: 1, Volume: 0.5}, "volume=0.5000"},
		{
			"pitch keeps tempo",
			audio.Prosody{Rate: 1, Pitch: 1.25, Volume: 1},
			"asetrate=30000,aresample=24000,atempo=0.8000",
		},
		{
			"pitch and matching rate",
			audio.Prosody{Rate: 1.25, Pitch: 1.25, Volume: 1},
			"asetrate=30000,aresample=24000",
		},
		{"zero fields are neutral", audio.Prosody{}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ffmpeg.Filter(tc.p, 24000); got != tc.want {
				t.Errorf("Filter = %q, want %q", got, tc.want)
			}
		})
	}
}
