package audio

import "time"

// AudioFrame is a single chunk of 16-bit little-endian PCM captured from a
// [Source]. Sample rate and channel count travel with every frame so that
// consumers can normalise with a [FormatConverter] without out-of-band state.
type AudioFrame struct {
	// Data holds interleaved little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for speech capture, 48000 for Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Format returns the sample layout of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame's samples. Frames with an
// unknown format report zero.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
// All PCM handled by this package is signed 16-bit little-endian.
type Format struct {
	SampleRate int
	Channels   int
}

// SpeechFormat is the 16 kHz mono layout expected by every transcription
// backend.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Prosody shapes how an utterance is rendered by a [Sink]. Every field is a
// multiplier around 1.0 (neutral).
type Prosody struct {
	// Rate scales speaking tempo without changing pitch.
	Rate float64 `json:"rate"`

	// Pitch scales the fundamental frequency.
	Pitch float64 `json:"pitch"`

	// Volume scales amplitude; 1.0 is unity gain.
	Volume float64 `json:"volume"`
}

// Neutral is the identity prosody.
var Neutral = Prosody{Rate: 1, Pitch: 1, Volume: 1}

// IsNeutral reports whether p leaves audio unchanged.
func (p Prosody) IsNeutral() bool {
	return p.Rate == 1 && p.Pitch == 1 && p.Volume == 1
}
