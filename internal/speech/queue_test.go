package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voximply/gridtalk/pkg/audio"
	"github.com/voximply/gridtalk/pkg/provider/tts"
	"github.com/voximply/gridtalk/pkg/provider/tts/mock"
)

// frameRecorder collects every frame sent to the sink.
type frameRecorder struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
}

func (r *frameRecorder) Send(frame audio.AudioFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return true
}

func (r *frameRecorder) snapshot() []audio.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audio.AudioFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *frameRecorder) transcript() string {
	var b strings.Builder
	for _, f := range r.snapshot() {
		b.Write(f.Data)
	}
	return b.String()
}

// echoProvider synthesises each item into a single chunk containing the item
// text, after an optional per-item delay. Items in failOn return an error
// from SynthesizeStream.
type echoProvider struct {
	mu    sync.Mutex
	delay map[string]time.Duration
	fail  map[string]bool
	calls []string
}

func (p *echoProvider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.VoiceProfile) (<-chan []byte, error) {
	var item string
	for s := range text {
		item += s
	}
	p.mu.Lock()
	p.calls = append(p.calls, item)
	fail := p.fail[item]
	delay := p.delay[item]
	p.mu.Unlock()

	if fail {
		return nil, errors.New("echo: synthesis refused")
	}

	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		select {
		case <-ctx.Done():
		case ch <- []byte(item):
		}
	}()
	return ch, nil
}

func (p *echoProvider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return nil, nil
}

func (p *echoProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestQueue_PlaysInArrivalOrder(t *testing.T) {
	t.Parallel()

	// The first item is the slowest; later items must still play after it.
	provider := &echoProvider{delay: map[string]time.Duration{
		"first":  40 * time.Millisecond,
		"second": 0,
		"third":  10 * time.Millisecond,
	}}
	sink := &frameRecorder{}
	q := New(provider, sink, WithSampleRates(48000, 48000))
	defer q.Close()

	q.Enqueue("first")
	q.Enqueue("second")
	q.Enqueue("third")

	waitFor(t, func() bool { return sink.transcript() == "firstsecondthird" })
}

func TestQueue_SkipsFailedItems(t *testing.T) {
	t.Parallel()

	provider := &echoProvider{fail: map[string]bool{"bad": true}}
	sink := &frameRecorder{}
	q := New(provider, sink, WithSampleRates(48000, 48000))
	defer q.Close()

	q.Enqueue("bad")
	q.Enqueue("good")

	waitFor(t, func() bool { return sink.transcript() == "good" })
	if n := provider.callCount(); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestQueue_DeliversProviderText(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CollectText:      true,
		SynthesizeChunks: [][]byte{[]byte("pcm")},
	}
	sink := &frameRecorder{}
	q := New(provider, sink, WithSampleRates(48000, 48000), WithVoice(tts.VoiceProfile{ID: "narrator"}))
	defer q.Close()

	q.Enqueue("your move")
	q.Enqueue("nice try")

	waitFor(t, func() bool { return len(sink.snapshot()) == 2 })

	texts := provider.Texts()
	if len(texts) != 2 || texts[0] != "your move" || texts[1] != "nice try" {
		t.Errorf("provider text order = %v, want [your move, nice try]", texts)
	}
	if voice := provider.SynthesizeStreamCalls[0].Voice; voice.ID != "narrator" {
		t.Errorf("voice = %q, want narrator", voice.ID)
	}
}

func TestQueue_InterruptDropsCurrentAndPending(t *testing.T) {
	t.Parallel()

	provider := &echoProvider{delay: map[string]time.Duration{"slow": time.Minute}}
	sink := &frameRecorder{}
	q := New(provider, sink, WithSampleRates(48000, 48000))
	defer q.Close()

	q.Enqueue("slow")
	q.Enqueue("pending")
	waitFor(t, func() bool { return provider.callCount() == 1 })

	q.Interrupt()
	q.Enqueue("after")

	waitFor(t, func() bool { return sink.transcript() == "after" })
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d, want 0", d)
	}
}

func TestQueue_Resample(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		SynthesizeChunks: [][]byte{{0x10, 0x00, 0x20, 0x00}}, // 2 samples at 24kHz
	}
	sink := &frameRecorder{}
	q := New(provider, sink, WithSampleRates(24000, 48000))
	defer q.Close()

	q.Enqueue("hello")
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	frame := sink.snapshot()[0]
	if frame.SampleRate != 48000 || frame.Channels != 1 {
		t.Errorf("frame format = %d Hz %d ch, want 48000 Hz 1 ch", frame.SampleRate, frame.Channels)
	}
	if len(frame.Data) != 8 {
		t.Errorf("resampled frame = %d bytes, want 8", len(frame.Data))
	}
}

func TestQueue_FrameTimestampsAdvance(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		SynthesizeChunks: [][]byte{make([]byte, 9600), make([]byte, 9600)}, // 100ms each at 48kHz
	}
	sink := &frameRecorder{}
	q := New(provider, sink, WithSampleRates(48000, 48000))
	defer q.Close()

	q.Enqueue("hello")
	waitFor(t, func() bool { return len(sink.snapshot()) == 2 })

	frames := sink.snapshot()
	if frames[0].Timestamp != 0 {
		t.Errorf("first frame at %v, want 0", frames[0].Timestamp)
	}
	if frames[1].Timestamp != 100*time.Millisecond {
		t.Errorf("second frame at %v, want 100ms", frames[1].Timestamp)
	}
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	q := New(provider, &frameRecorder{})

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	q.Enqueue("after close")
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth after close = %d, want 0", d)
	}
}
