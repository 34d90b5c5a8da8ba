package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voximply/gridtalk/internal/config"
	"github.com/voximply/gridtalk/internal/ingest"
	"github.com/voximply/gridtalk/pkg/audio"
	audiomock "github.com/voximply/gridtalk/pkg/audio/mock"
	"github.com/voximply/gridtalk/pkg/provider/stt"
)

// testHandle is a minimal stt.SessionHandle safe for concurrent inspection.
type testHandle struct {
	partials chan stt.Transcript
	finals   chan stt.Transcript
	sent     atomic.Int64
}

func newTestHandle() *testHandle {
	return &testHandle{
		partials: make(chan stt.Transcript, 4),
		finals:   make(chan stt.Transcript, 4),
	}
}

func (h *testHandle) SendAudio([]byte) error          { h.sent.Add(1); return nil }
func (h *testHandle) Partials() <-chan stt.Transcript { return h.partials }
func (h *testHandle) Finals() <-chan stt.Transcript   { return h.finals }
func (h *testHandle) Close() error                    { return nil }

// recordingSTT records StartStream configs and hands out handles: queued ones
// first, then the fixed fallback.
type recordingSTT struct {
	mu      sync.Mutex
	handle  stt.SessionHandle
	handles []stt.SessionHandle
	calls   []stt.StreamConfig
}

func (p *recordingSTT) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, cfg)
	if len(p.handles) > 0 {
		h := p.handles[0]
		p.handles = p.handles[1:]
		return h, nil
	}
	return p.handle, nil
}

func (p *recordingSTT) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *recordingSTT) call(i int) stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

// utteranceRecorder collects utterances delivered to the coordinator sink.
type utteranceRecorder struct {
	mu   sync.Mutex
	utts []ingest.Utterance
}

func (r *utteranceRecorder) sink(u ingest.Utterance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utts = append(r.utts, u)
}

func (r *utteranceRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.utts))
	for i, u := range r.utts {
		out[i] = u.Text
	}
	return out
}

func newTestSessionManager(conn *audiomock.Connection, provider stt.Provider) (*SessionManager, *utteranceRecorder) {
	rec := &utteranceRecorder{}
	cfg := &config.Config{
		Session: config.SessionConfig{
			Language:       "en-US",
			EndpointingMS:  300,
			UtteranceEndMS: 1000,
		},
	}
	sm := NewSessionManager(SessionManagerConfig{
		Platform: &audiomock.Platform{ConnectResult: conn},
		Config:   cfg,
		STT:      provider,
		Sink:     rec.sink,
		Output:   &outputSink{},
	})
	return sm, rec
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	out := make(chan audio.AudioFrame, 4)
	conn := &audiomock.Connection{OutputStreamResult: out}
	sm, _ := newTestSessionManager(conn, &recordingSTT{handle: newTestHandle()})

	ctx := context.Background()
	if err := sm.Start(ctx, "room-1", "tok-1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !sm.IsActive() {
		t.Error("IsActive() = false after Start")
	}
	if got := sm.Info().RoomID; got != "room-1" {
		t.Errorf("Info().RoomID = %q, want %q", got, "room-1")
	}
	if got := sm.Token(); got != "tok-1" {
		t.Errorf("Token() = %q, want %q", got, "tok-1")
	}

	if err := sm.Start(ctx, "room-2", "tok-2"); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start() error = %v, want ErrSessionActive", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sm.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if sm.IsActive() {
		t.Error("IsActive() = true after Stop")
	}
	if got := sm.Token(); got != "" {
		t.Errorf("Token() after Stop = %q, want empty", got)
	}
	if conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect call count = %d, want 1", conn.CallCountDisconnect)
	}

	if err := sm.Stop(stopCtx); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Stop() error = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_IngestsExistingParticipant(t *testing.T) {
	t.Parallel()

	frames := make(chan audio.AudioFrame, 4)
	out := make(chan audio.AudioFrame, 4)
	conn := &audiomock.Connection{
		InputStreamsResult: map[string]<-chan audio.AudioFrame{"user-1": frames},
		OutputStreamResult: out,
	}
	handle := newTestHandle()
	provider := &recordingSTT{handle: handle}
	sm, rec := newTestSessionManager(conn, provider)

	if err := sm.Start(context.Background(), "room-1", "tok-1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	waitUntil(t, "stream start", func() bool { return provider.callCount() == 1 })
	cfg := provider.call(0)
	if cfg.SpeakerID != "user-1" {
		t.Errorf("StreamConfig.SpeakerID = %q, want %q", cfg.SpeakerID, "user-1")
	}
	if cfg.Language != "en-US" {
		t.Errorf("StreamConfig.Language = %q, want %q", cfg.Language, "en-US")
	}
	if cfg.SampleRate != 48000 || cfg.Channels != 1 {
		t.Errorf("StreamConfig rate/channels = %d/%d, want 48000/1", cfg.SampleRate, cfg.Channels)
	}
	if cfg.Endpointing != 300*time.Millisecond {
		t.Errorf("StreamConfig.Endpointing = %v, want 300ms", cfg.Endpointing)
	}

	// Audio frames flow through to the backend.
	frames <- audio.AudioFrame{Data: []byte{1, 2, 3, 4}, SampleRate: 48000, Channels: 1}
	waitUntil(t, "audio forwarding", func() bool { return handle.sent.Load() == 1 })

	// A final transcript becomes an utterance at the sink.
	handle.finals <- stt.Transcript{SpeakerID: "user-1", Text: "take the center", IsFinal: true, SpeechFinal: true, Confidence: 0.95}
	waitUntil(t, "utterance delivery", func() bool { return len(rec.texts()) == 1 })
	if got := rec.texts()[0]; got != "take the center" {
		t.Errorf("delivered utterance = %q, want %q", got, "take the center")
	}

	// End the speaker's stream so the ingest loop can exit cleanly.
	close(frames)
	close(handle.partials)
	close(handle.finals)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sm.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestSessionManager_LateJoiner(t *testing.T) {
	t.Parallel()

	frames := make(chan audio.AudioFrame)
	out := make(chan audio.AudioFrame, 4)
	conn := &audiomock.Connection{OutputStreamResult: out}
	handle := newTestHandle()
	provider := &recordingSTT{handle: handle}
	sm, _ := newTestSessionManager(conn, provider)

	if err := sm.Start(context.Background(), "room-1", "tok-1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if provider.callCount() != 0 {
		t.Fatalf("StartStream calls before join = %d, want 0", provider.callCount())
	}

	conn.InputStreamsResult = map[string]<-chan audio.AudioFrame{"user-2": frames}
	conn.EmitEvent(audio.Event{Type: audio.EventJoin, UserID: "user-2", Username: "Dana"})

	waitUntil(t, "late joiner stream start", func() bool { return provider.callCount() == 1 })
	if got := provider.call(0).SpeakerID; got != "user-2" {
		t.Errorf("StreamConfig.SpeakerID = %q, want %q", got, "user-2")
	}

	close(frames)
	close(handle.partials)
	close(handle.finals)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sm.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

// TestSessionManager_RejoinResetsEndpointTiming verifies that a speaker who
// leaves and rejoins gets a fresh rate estimate: the rejoined stream opens
// with the configured base endpoint timing, not the pace learned before the
// leave.
func TestSessionManager_RejoinResetsEndpointTiming(t *testing.T) {
	t.Parallel()

	frames := make(chan audio.AudioFrame, 4)
	out := make(chan audio.AudioFrame, 4)
	conn := &audiomock.Connection{
		InputStreamsResult: map[string]<-chan audio.AudioFrame{"user-1": frames},
		OutputStreamResult: out,
	}
	first := newTestHandle()
	second := newTestHandle()
	provider := &recordingSTT{handles: []stt.SessionHandle{first, second}}
	sm, rec := newTestSessionManager(conn, provider)

	if err := sm.Start(context.Background(), "room-1", "tok-1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitUntil(t, "first stream start", func() bool { return provider.callCount() == 1 })
	if got := provider.call(0).Endpointing; got != 300*time.Millisecond {
		t.Fatalf("initial Endpointing = %v, want 300ms", got)
	}

	// A fast utterance: 12 words in under two seconds pulls the estimate
	// well above the baseline.
	words := make([]stt.WordDetail, 12)
	for i := range words {
		words[i] = stt.WordDetail{
			Word:       "go",
			Start:      time.Duration(i) * 150 * time.Millisecond,
			End:        time.Duration(i)*150*time.Millisecond + 100*time.Millisecond,
			Confidence: 0.9,
		}
	}
	first.finals <- stt.Transcript{
		SpeakerID: "user-1", Text: "go go go go go go go go go go go go",
		IsFinal: true, SpeechFinal: true, Confidence: 0.9, Words: words,
	}
	waitUntil(t, "utterance delivery", func() bool { return len(rec.texts()) == 1 })

	// Speaker leaves: the stream ends and the ingest session exits.
	close(frames)
	close(first.partials)
	close(first.finals)
	waitUntil(t, "speaker teardown", func() bool {
		sm.speakerMu.Lock()
		defer sm.speakerMu.Unlock()
		_, running := sm.speakers["user-1"]
		return !running
	})

	// Rejoin: the new stream must open at the baseline again.
	rejoined := make(chan audio.AudioFrame)
	conn.InputStreamsResult = map[string]<-chan audio.AudioFrame{"user-1": rejoined}
	conn.EmitEvent(audio.Event{Type: audio.EventJoin, UserID: "user-1", Username: "Alex"})

	waitUntil(t, "rejoined stream start", func() bool { return provider.callCount() == 2 })
	if got := provider.call(1).Endpointing; got != 300*time.Millisecond {
		t.Errorf("Endpointing after rejoin = %v, want 300ms from a fresh estimate", got)
	}

	close(rejoined)
	close(second.partials)
	close(second.finals)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sm.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestOutputSink_Send(t *testing.T) {
	t.Parallel()

	sink := &outputSink{}
	frame := audio.AudioFrame{Data: []byte{1, 2}, SampleRate: 48000, Channels: 1}

	if sink.Send(frame) {
		t.Error("Send() on unbound sink = true, want false")
	}

	ch := make(chan audio.AudioFrame, 1)
	sink.bind(ch)
	if !sink.Send(frame) {
		t.Error("Send() on bound sink = false, want true")
	}
	if sink.Send(frame) {
		t.Error("Send() on full channel = true, want false")
	}

	sink.unbind()
	if sink.Send(frame) {
		t.Error("Send() after unbind = true, want false")
	}
}
