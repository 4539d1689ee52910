// Package audio defines PCM types, signal helpers, and the device contracts
// used by the interviewer's speech adapters.
//
// The two device abstractions are:
//
//   - [Source] is a capture device (microphone, remote browser stream) that
//     delivers [AudioFrame] values while a capture is running.
//   - [Sink] is a playback device that renders one PCM utterance at a time and
//     reports when it has been heard in full.
//
// Concrete devices live in sub-packages (audio/ffmpeg, audio/wsbridge). The
// interfaces are intentionally narrow so that the speaker and listener stay
// decoupled from the host platform.
package audio

import (
	"context"
	"errors"
)

// ErrUnavailable is returned (possibly wrapped) by devices that cannot be
// opened at all: missing binaries, denied microphone permission, no connected
// remote peer. Callers treat it as a capability failure rather than a
// transient error.
var ErrUnavailable = errors.New("audio: device unavailable")

// Source is a capture device.
//
// Implementations must be safe for sequential reuse: Capture may be called
// again after the previous capture's channel has been closed.
type Source interface {
	// Capture starts recording and returns a channel of frames. The channel is
	// closed when ctx is cancelled or the device stops delivering audio; all
	// device resources are released before the channel closes.
	//
	// Returns an error wrapping [ErrUnavailable] when the device cannot be
	// opened.
	Capture(ctx context.Context) (<-chan AudioFrame, error)
}

// Sink is a playback device.
type Sink interface {
	// Play renders pcm (in format f) with the given prosody and blocks until the
	// last sample has been played, ctx is cancelled, or playback fails. The
	// caller closes pcm once all audio has been sent; Play drains pcm before
	// returning unless ctx is cancelled.
	//
	// Returns ctx.Err() on cancellation and an error wrapping [ErrUnavailable]
	// when the device cannot be opened.
	Play(ctx context.Context, f Format, pcm <-chan []byte, p Prosody) error
}
