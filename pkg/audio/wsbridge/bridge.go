// Package wsbridge connects the interviewer to a remote browser over a
// WebSocket. The browser streams its microphone as Opus packets and plays
// the Opus packets it receives, so a single [Bridge] serves as both the
// [audio.Source] and the [audio.Sink] of an interview.
//
// Wire protocol (one peer at a time):
//
//   - binary messages carry one 20 ms, 48 kHz mono Opus packet each, in
//     both directions;
//   - text messages are JSON control objects: the bridge sends
//     {"type":"start","id":N,"prosody":{...}} before an utterance and
//     {"type":"end","id":N} after its last packet, and the browser answers
//     {"type":"played","id":N} once the utterance has been heard.
//
// A Play whose acknowledgement never arrives returns once the audio
// duration plus a grace period has elapsed.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vouch/pkg/audio"
)

// DefaultPlayGrace is added to the audio duration when waiting for a
// playback acknowledgement.
const DefaultPlayGrace = 2 * time.Second

// ErrBusy is returned by Capture while another capture is active.
var ErrBusy = errors.New("wsbridge: capture already active")

// control is a JSON control message.
type control struct {
	Type    string         `json:"type"`
	ID      uint64         `json:"id,omitempty"`
	Prosody *audio.Prosody `json:"prosody,omitempty"`
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithOriginPatterns sets the allowed browser origins, e.g.
// "interview.example.com". Without patterns only same-origin peers connect.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) { b.origins = patterns }
}

// WithPlayGrace sets how long Play waits beyond the audio duration for the
// browser's acknowledgement.
func WithPlayGrace(d time.Duration) Option {
	return func(b *Bridge) { b.grace = d }
}

// Bridge is an http.Handler accepting one browser peer at a time.
// All methods are safe for concurrent use.
type Bridge struct {
	origins []string
	grace   time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	peer      *peer
	connected chan struct{} // closed while a peer is connected
	capture   chan audio.AudioFrame
	playing   map[uint64]chan struct{}
	nextID    uint64
}

type peer struct {
	conn *websocket.Conn
	gone chan struct{}
}

var (
	_ audio.Source = (*Bridge)(nil)
	_ audio.Sink   = (*Bridge)(nil)
	_ http.Handler = (*Bridge)(nil)
)

// New returns a Bridge with no peer.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		grace:     DefaultPlayGrace,
		log:       slog.Default().With("component", "wsbridge"),
		connected: make(chan struct{}),
		playing:   make(map[uint64]chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.origins})
	if err != nil {
		b.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	dec, err := newOpusDecoder()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "codec unavailable")
		return
	}

	p := &peer{conn: conn, gone: make(chan struct{})}
	b.mu.Lock()
	if b.peer != nil {
		b.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "another peer is connected")
		return
	}
	b.peer = p
	close(b.connected)
	b.mu.Unlock()
	b.log.Info("peer connected", "remote", r.RemoteAddr)

	err = b.serve(r.Context(), p, dec)

	b.mu.Lock()
	b.peer = nil
	b.connected = make(chan struct{})
	b.mu.Unlock()
	close(p.gone)
	conn.Close(websocket.StatusNormalClosure, "")
	b.log.Info("peer disconnected", "remote", r.RemoteAddr, "reason", err)
}

func (b *Bridge) serve(ctx context.Context, p *peer, dec *opusDecoder) error {
	var elapsed time.Duration
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			pcm, err := dec.decode(data)
			if err != nil {
				b.log.Debug("dropping undecodable packet", "error", err)
				continue
			}
			f := audio.AudioFrame{Data: pcm, SampleRate: opusSampleRate, Channels: opusChannels, Timestamp: elapsed}
			elapsed += f.Duration()
			b.deliver(f)
		case websocket.MessageText:
			var msg control
			if err := json.Unmarshal(data, &msg); err != nil {
				b.log.Debug("ignoring malformed control message", "error", err)
				continue
			}
			if msg.Type == "played" {
				b.acknowledge(msg.ID)
			}
		}
	}
}

// deliver hands a frame to the active capture, dropping it when there is
// none or the consumer lags.
func (b *Bridge) deliver(f audio.AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capture == nil {
		return
	}
	select {
	case b.capture <- f:
	default:
	}
}

func (b *Bridge) acknowledge(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ack, ok := b.playing[id]; ok {
		close(ack)
		delete(b.playing, id)
	}
}

// Connected reports whether a peer is connected.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer != nil
}

// WaitConnected blocks until a peer is connected or ctx ends.
func (b *Bridge) WaitConnected(ctx context.Context) error {
	b.mu.Lock()
	ch := b.connected
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capture implements [audio.Source]. Frames are 48 kHz mono; the channel
// closes when ctx ends or the peer disconnects.
func (b *Bridge) Capture(ctx context.Context) (<-chan audio.AudioFrame, error) {
	b.mu.Lock()
	p := b.peer
	switch {
	case p == nil:
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: no browser connected", audio.ErrUnavailable)
	case b.capture != nil:
		b.mu.Unlock()
		return nil, ErrBusy
	}
	ch := make(chan audio.AudioFrame, 64)
	b.capture = ch
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.gone:
		}
		b.mu.Lock()
		b.capture = nil
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Play implements [audio.Sink]. It encodes pcm to Opus, streams it to the
// peer and waits for the peer to report playback complete.
func (b *Bridge) Play(ctx context.Context, f audio.Format, pcm <-chan []byte, pr audio.Prosody) error {
	b.mu.Lock()
	p := b.peer
	if p == nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: no browser connected", audio.ErrUnavailable)
	}
	b.nextID++
	id := b.nextID
	ack := make(chan struct{})
	b.playing[id] = ack
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.playing, id)
		b.mu.Unlock()
	}()

	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, p.conn, control{Type: "start", ID: id, Prosody: &pr}); err != nil {
		return b.writeErr(ctx, err)
	}

	conv := audio.FormatConverter{Target: opusFormat}
	var fr framer
	var sent time.Duration
	send := func(frame []byte) error {
		packet, err := enc.encode(frame)
		if err != nil {
			return err
		}
		sent += opusFormat.Duration(len(frame))
		return p.conn.Write(ctx, websocket.MessageBinary, packet)
	}

stream:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				break stream
			}
			in := conv.Convert(audio.AudioFrame{Data: chunk, SampleRate: f.SampleRate, Channels: f.Channels})
			for _, frame := range fr.push(in.Data) {
				if err := send(frame); err != nil {
					return b.writeErr(ctx, err)
				}
			}
		}
	}
	if last := fr.flush(); last != nil {
		if err := send(last); err != nil {
			return b.writeErr(ctx, err)
		}
	}
	if err := wsjson.Write(ctx, p.conn, control{Type: "end", ID: id}); err != nil {
		return b.writeErr(ctx, err)
	}

	rate := pr.Rate
	if rate <= 0 {
		rate = 1
	}
	timer := time.NewTimer(time.Duration(float64(sent)/rate) + b.grace)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.gone:
		return fmt.Errorf("%w: browser disconnected during playback", audio.ErrUnavailable)
	case <-timer.C:
		b.log.Debug("no playback acknowledgement, assuming played", "id", id)
		return nil
	}
}

func (b *Bridge) writeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: send to browser: %w", audio.ErrUnavailable, err)
}
