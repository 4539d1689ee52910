package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/stt"
)

// streamResult accumulates final transcripts of one answer.
type streamResult struct {
	language string
	parts    []string
	rejected error
}

// add keeps a final transcript, or remembers the rejection when it was
// recognised in another language.
func (r *streamResult) add(t stt.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	if err := stt.CheckLanguage(r.language, t.Language); err != nil {
		r.rejected = err
		return
	}
	r.parts = append(r.parts, text)
}

func (l *Listener) stream(ctx context.Context) (string, error) {
	sess, err := l.recognizer.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.SpeechFormat.SampleRate,
		Channels:   audio.SpeechFormat.Channels,
		Language:   l.language,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", nil
		}
		return "", fmt.Errorf("%w: start recognition: %w", ErrUnavailable, err)
	}
	if partials := sess.Partials(); partials != nil {
		go audio.Drain(partials)
	}

	frames, closeCapture, err := l.open(ctx)
	if err != nil {
		_ = sess.Close()
		return "", err
	}

	res := &streamResult{language: l.language}
	finals, sendErr := l.pump(ctx, frames, sess, res)
	closeCapture()

	// Close flushes pending audio; keep reading finals while it does.
	closed := make(chan error, 1)
	go func() { closed <- sess.Close() }()
	if finals != nil {
		for t := range finals {
			res.add(t)
		}
	}
	if err := <-closed; err != nil {
		l.log.Debug("closing recognition session", "error", err)
	}

	switch {
	case res.rejected != nil:
		l.log.Info("answer language rejected", "error", res.rejected)
		return "", res.rejected
	case sendErr != nil && len(res.parts) == 0 && ctx.Err() == nil:
		return "", fmt.Errorf("listener: send audio: %w", sendErr)
	}
	return strings.Join(res.parts, " "), nil
}

// pump forwards captured audio to the recognizer until the answer ends. It
// returns the finals channel, or nil once the recognizer has closed it.
func (l *Listener) pump(ctx context.Context, frames <-chan audio.AudioFrame, sess stt.SessionHandle, res *streamResult) (<-chan stt.Transcript, error) {
	conv := audio.FormatConverter{Target: audio.SpeechFormat}
	det := l.newDetector(l.trailingSilence)
	clock := l.newWallClock()
	defer clock.stop()
	finals := sess.Finals()

	for {
		select {
		case <-ctx.Done():
			return finals, nil
		case <-clock.noSpeech:
			if !det.heard && len(res.parts) == 0 {
				return finals, nil
			}
		case <-clock.limit:
			return finals, nil
		case t, ok := <-finals:
			if !ok {
				return nil, nil
			}
			res.add(t)
		case f, ok := <-frames:
			if !ok {
				return finals, nil
			}
			f = conv.Convert(f)
			if err := sess.SendAudio(f.Data); err != nil {
				if errors.Is(err, context.Canceled) {
					return finals, nil
				}
				return finals, err
			}
			if det.feed(f) != keepListening {
				return finals, nil
			}
		}
	}
}
