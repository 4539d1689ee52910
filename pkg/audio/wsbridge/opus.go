package wsbridge

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/vouch/pkg/audio"
)

// The browser exchanges 48 kHz mono Opus in 20 ms packets.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	opusFrameMs    = 20
	opusFrameSize  = opusSampleRate * opusFrameMs / 1000 // 960 samples
	opusMaxPacket  = 4000
)

// opusFormat is the PCM layout on both sides of the codec.
var opusFormat = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns one packet as little-endian PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: opus decode: %w", err)
	}
	return audio.Int16ToBytes(pcm), nil
}

type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode compresses exactly one 20 ms frame of PCM.
func (e *opusEncoder) encode(frame []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.BytesToInt16(frame), opusFrameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: opus encode: %w", err)
	}
	return packet, nil
}

// framer cuts a PCM stream into whole codec frames, padding the last one
// with silence.
type framer struct {
	buf []byte
}

const frameBytes = opusFrameSize * opusChannels * 2

func (f *framer) push(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)
	var out [][]byte
	for len(f.buf) >= frameBytes {
		out = append(out, f.buf[:frameBytes:frameBytes])
		f.buf = f.buf[frameBytes:]
	}
	return out
}

func (f *framer) flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	last := make([]byte, frameBytes)
	copy(last, f.buf)
	f.buf = nil
	return last
}
