package wsbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"layeh.com/gopus"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/audio/wsbridge"
)

func connect(t *testing.T, b *wsbridge.Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	if err := b.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	return conn
}

// tonePacket encodes one 20ms frame of a 48kHz mono square wave.
func tonePacket(t *testing.T) []byte {
	t.Helper()
	enc, err := gopus.NewEncoder(48000, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, 960)
	for i := range pcm {
		if (i/24)%2 == 0 {
			pcm[i] = 6000
		} else {
			pcm[i] = -6000
		}
	}
	packet, err := enc.Encode(pcm, 960, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return packet
}

// ─── Availability ────────────────────────────────────────────────────────────

func TestNoPeerIsUnavailable(t *testing.T) {
	t.Parallel()

	b := wsbridge.New()
	if b.Connected() {
		t.Fatal("Connected without a peer")
	}
	if _, err := b.Capture(context.Background()); !errors.Is(err, audio.ErrUnavailable) {
		t.Errorf("Capture err = %v, want ErrUnavailable", err)
	}
	pcm := make(chan []byte)
	close(pcm)
	if err := b.Play(context.Background(), audio.SpeechFormat, pcm, audio.Neutral); !errors.Is(err, audio.ErrUnavailable) {
		t.Errorf("Play err = %v, want ErrUnavailable", err)
	}
}

func TestSecondPeerRejected(t *testing.T) {
	t.Parallel()

	b := wsbridge.New()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")
	if err := b.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	second, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial second: %v", err)
	}
	_, _, err = second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("second peer read err = %v, want policy violation close", err)
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func TestCapture_DecodesPackets(t *testing.T) {
	t.Parallel()

	b := wsbridge.New()
	conn := connect(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames, err := b.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, err := b.Capture(ctx); !errors.Is(err, wsbridge.ErrBusy) {
		t.Errorf("second Capture err = %v, want ErrBusy", err)
	}

	packet := tonePacket(t)
	for range 3 {
		if err := conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for i := range 3 {
		select {
		case f := <-frames:
			if f.SampleRate != 48000 || f.Channels != 1 || len(f.Data) != 1920 {
				t.Errorf("frame %d = %d Hz, %d ch, %d bytes", i, f.SampleRate, f.Channels, len(f.Data))
			}
		case <-ctx.Done():
			t.Fatal("frame not delivered")
		}
	}
}

func TestCapture_ClosesOnDisconnect(t *testing.T) {
	t.Parallel()

	b := wsbridge.New()
	conn := connect(t, b)
	frames, err := b.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case _, ok := <-frames:
		if ok {
			t.Error("unexpected frame")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("capture not closed after disconnect")
	}
}

func TestCapture_CancelAllowsNewCapture(t *testing.T) {
	t.Parallel()

	b := wsbridge.New()
	connect(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	frames, err := b.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	cancel()
	audio.Drain(frames)

	next, err := b.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture after cancel: %v", err)
	}
	_ = next
}

// ─── Play ────────────────────────────────────────────────────────────────────

func TestPlay_StreamsAndWaitsForAck(t *testing.T) {
	t.Parallel()

	b := wsbridge.New(wsbridge.WithPlayGrace(time.Minute))
	conn := connect(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type seen struct {
		start   map[string]any
		packets int
	}
	got := make(chan seen, 1)
	go func() {
		var s seen
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				s.packets++
				continue
			}
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			switch msg["type"] {
			case "start":
				s.start = msg
			case "end":
				_ = wsjson.Write(ctx, conn, map[string]any{"type": "played", "id": msg["id"]})
				got <- s
				return
			}
		}
	}()

	// 50ms of 24kHz mono speech becomes three 20ms Opus packets.
	pcm := make(chan []byte, 2)
	pcm <- make([]byte, 1200)
	pcm <- make([]byte, 1200)
	close(pcm)
	f := audio.Format{SampleRate: 24000, Channels: 1}
	if err := b.Play(ctx, f, pcm, audio.Prosody{Rate: 1.1, Pitch: 1, Volume: 0.9}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	s := <-got
	if s.packets != 3 {
		t.Errorf("packets = %d, want 3", s.packets)
	}
	prosody, _ := s.start["prosody"].(map[string]any)
	if prosody["rate"] != 1.1 || prosody["volume"] != 0.9 {
		t.Errorf("start prosody = %v", s.start["prosody"])
	}
}

func TestPlay_NoAckFallsBackToDuration(t *testing.T) {
	t.Parallel()

	b := wsbridge.New(wsbridge.WithPlayGrace(10 * time.Millisecond))
	conn := connect(t, b)
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	pcm := make(chan []byte, 1)
	pcm <- make([]byte, 640) // 20ms at 16kHz
	close(pcm)
	start := time.Now()
	if err := b.Play(context.Background(), audio.SpeechFormat, pcm, audio.Neutral); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if d := time.Since(start); d < 25*time.Millisecond {
		t.Errorf("Play returned after %v, before the audio could be heard", d)
	}
}

func TestPlay_Cancel(t *testing.T) {
	t.Parallel()

	b := wsbridge.New(wsbridge.WithPlayGrace(time.Minute))
	conn := connect(t, b)
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	pcm := make(chan []byte)
	done := make(chan error, 1)
	go func() { done <- b.Play(ctx, audio.SpeechFormat, pcm, audio.Neutral) }()
	pcm <- make([]byte, 640)
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
