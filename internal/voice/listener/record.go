package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/stt"
)

func (l *Listener) record(ctx context.Context) (string, error) {
	frames, closeCapture, err := l.open(ctx)
	if err != nil {
		return "", err
	}
	pcm, heard := l.collect(ctx, frames)
	closeCapture()
	if !heard || ctx.Err() != nil {
		return "", nil
	}

	start := time.Now()
	tr, err := l.transcriber.Transcribe(ctx, audio.EncodeWAV(pcm, audio.SpeechFormat))
	l.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil {
		err = stt.CheckLanguage(l.language, tr.Language)
	}
	switch {
	case err == nil:
		return tr.Text, nil
	case errors.Is(err, stt.ErrLanguageRejected):
		l.log.Info("answer language rejected", "error", err)
		return "", err
	case ctx.Err() != nil:
		return "", nil
	default:
		return "", fmt.Errorf("listener: transcribe: %w", err)
	}
}

// collect records speech-format PCM until the answer ends. heard reports
// whether any speech was detected.
func (l *Listener) collect(ctx context.Context, frames <-chan audio.AudioFrame) (pcm []byte, heard bool) {
	conv := audio.FormatConverter{Target: audio.SpeechFormat}
	det := l.newDetector(l.silence)
	clock := l.newWallClock()
	defer clock.stop()

	for {
		select {
		case <-ctx.Done():
			return pcm, det.heard
		case <-clock.noSpeech:
			if !det.heard {
				return nil, false
			}
		case <-clock.limit:
			return pcm, det.heard
		case f, ok := <-frames:
			if !ok {
				return pcm, det.heard
			}
			f = conv.Convert(f)
			pcm = append(pcm, f.Data...)
			switch det.feed(f) {
			case endOfSpeech, maxReached:
				return pcm, det.heard
			case noSpeech:
				return nil, false
			}
		}
	}
}
