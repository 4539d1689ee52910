package ffmpeg

import (
	"strconv"
	"strings"

	"github.com/MrWong99/vouch/pkg/audio"
)

// Filter returns the ffmpeg audio filter chain rendering p for audio at
// sampleRate, or "" for neutral prosody.
//
// Pitch is shifted by resampling (which also changes tempo) and the tempo
// change is undone by atempo together with the requested rate.
func Filter(p audio.Prosody, sampleRate int) string {
	if p.IsNeutral() || sampleRate <= 0 {
		return ""
	}
	rate, pitch, volume := orOne(p.Rate), orOne(p.Pitch), orOne(p.Volume)

	var filters []string
	if pitch != 1 {
		shifted := int(float64(sampleRate)*pitch + 0.5)
		filters = append(filters,
			"asetrate="+strconv.Itoa(shifted),
			"aresample="+strconv.Itoa(sampleRate),
		)
	}
	if tempo := rate / pitch; tempo != 1 {
		filters = append(filters, "atempo="+ftoa(tempo))
	}
	if volume != 1 {
		filters = append(filters, "volume="+ftoa(volume))
	}
	return strings.Join(filters, ",")
}

func orOne(f float64) float64 {
	if f <= 0 {
		return 1
	}
	return f
}
