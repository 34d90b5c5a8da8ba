package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voximply/gridtalk/internal/ingest"
	"github.com/voximply/gridtalk/pkg/audio"
	"github.com/voximply/gridtalk/pkg/provider/stt"
	sttmock "github.com/voximply/gridtalk/pkg/provider/stt/mock"
)

// utteranceRecorder is a Sink that collects delivered utterances.
type utteranceRecorder struct {
	mu    sync.Mutex
	items []ingest.Utterance
}

func (r *utteranceRecorder) sink(u ingest.Utterance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, u)
}

func (r *utteranceRecorder) all() []ingest.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ingest.Utterance, len(r.items))
	copy(out, r.items)
	return out
}

func newTestSession(sess *sttmock.Session, frames chan audio.AudioFrame, rec *utteranceRecorder) *ingest.Session {
	return ingest.NewSession(ingest.SessionConfig{
		SpeakerID:   "speaker-1",
		SpeakerName: "Alice",
		Frames:      frames,
		Provider:    &sttmock.Provider{Session: sess},
		Stream: stt.StreamConfig{
			SampleRate:   48000,
			Channels:     1,
			Language:     "en-US",
			Endpointing:  300 * time.Millisecond,
			UtteranceEnd: time.Second,
		},
		Sink: rec.sink,
	})
}

// TestSession_DeliversUtterances verifies the full path: frames to the
// backend, finals through the accumulator, utterances to the sink.
func TestSession_DeliversUtterances(t *testing.T) {
	t.Parallel()

	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
	frames := make(chan audio.AudioFrame, 4)
	rec := &utteranceRecorder{}
	s := newTestSession(sess, frames, rec)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	frames <- audio.AudioFrame{Data: []byte{1, 2, 3, 4}}
	sess.PartialsCh <- stt.Transcript{Text: "cen"}
	sess.FinalsCh <- stt.Transcript{
		Text: "center", IsFinal: true, SpeechFinal: true, Confidence: 0.9,
		Words: []stt.WordDetail{{Word: "center", Start: 0, End: 400 * time.Millisecond, Confidence: 0.9}},
	}

	// Closing the source stops the session; the finals channel follows suit
	// the way a closed backend stream would.
	close(frames)
	close(sess.PartialsCh)
	close(sess.FinalsCh)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after source close")
	}

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("delivered %d utterances, want 1", len(got))
	}
	if got[0].Text != "center" {
		t.Errorf("utterance text = %q, want %q", got[0].Text, "center")
	}
	if got[0].SpeakerID != "speaker-1" {
		t.Errorf("utterance speaker = %q, want speaker-1", got[0].SpeakerID)
	}
	if sess.SendAudioCallCount() != 1 {
		t.Errorf("SendAudio calls = %d, want 1", sess.SendAudioCallCount())
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("Close calls = %d, want 1", sess.CloseCallCount)
	}
	if s.PartialCount() != 1 {
		t.Errorf("PartialCount = %d, want 1", s.PartialCount())
	}
}

// TestSession_FlushesOnShutdown verifies that buffered speech without a
// speech-final boundary is still delivered when the stream ends.
func TestSession_FlushesOnShutdown(t *testing.T) {
	t.Parallel()

	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
	frames := make(chan audio.AudioFrame)
	rec := &utteranceRecorder{}
	s := newTestSession(sess, frames, rec)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// A final fragment that never gets its speech-final.
	sess.FinalsCh <- stt.Transcript{Text: "bottom right", IsFinal: true, Confidence: 0.9}

	close(frames)
	close(sess.PartialsCh)
	close(sess.FinalsCh)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("delivered %d utterances, want 1 (flush)", len(got))
	}
	if got[0].Text != "bottom right" {
		t.Errorf("flushed text = %q, want %q", got[0].Text, "bottom right")
	}
}

// TestSession_AppliesRateScaledTiming verifies that the stream is started
// with the speaker's scaled endpoint timing and identity.
func TestSession_AppliesRateScaledTiming(t *testing.T) {
	t.Parallel()

	// A pre-trained estimate twice the baseline halves the timing.
	rate := ingest.NewRateEstimate()
	for range 20 {
		rate.Observe(20, 4*time.Second) // 300 WPM
	}

	provider := &sttmock.Provider{Session: &sttmock.Session{
		PartialsCh: make(chan stt.Transcript),
		FinalsCh:   make(chan stt.Transcript),
	}}
	frames := make(chan audio.AudioFrame)
	s := ingest.NewSession(ingest.SessionConfig{
		SpeakerID: "speaker-2",
		Frames:    frames,
		Provider:  provider,
		Stream: stt.StreamConfig{
			Endpointing:  300 * time.Millisecond,
			UtteranceEnd: time.Second,
		},
		Rate: rate,
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	close(frames)
	close(provider.Session.(*sttmock.Session).PartialsCh)
	close(provider.Session.(*sttmock.Session).FinalsCh)
	<-done

	if len(provider.StartStreamCalls) != 1 {
		t.Fatalf("StartStream calls = %d, want 1", len(provider.StartStreamCalls))
	}
	cfg := provider.StartStreamCalls[0].Cfg
	if cfg.SpeakerID != "speaker-2" {
		t.Errorf("SpeakerID = %q, want speaker-2", cfg.SpeakerID)
	}
	if cfg.Endpointing >= 300*time.Millisecond {
		t.Errorf("Endpointing = %v, want scaled below 300ms", cfg.Endpointing)
	}
	if cfg.Endpointing < 150*time.Millisecond {
		t.Errorf("Endpointing = %v, below clamp floor", cfg.Endpointing)
	}
}

// TestSession_StartStreamFailure verifies that a backend that cannot start
// surfaces a wrapped error.
func TestSession_StartStreamFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("backend down")
	s := ingest.NewSession(ingest.SessionConfig{
		SpeakerID: "speaker-3",
		Frames:    make(chan audio.AudioFrame),
		Provider:  &sttmock.Provider{StartStreamErr: wantErr},
	})
	if err := s.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Run error = %v, want wrapped %v", err, wantErr)
	}
}

// TestSession_CancelStops verifies that cancelling the context stops the
// session cleanly.
func TestSession_CancelStops(t *testing.T) {
	t.Parallel()

	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript),
		FinalsCh:   make(chan stt.Transcript),
	}
	frames := make(chan audio.AudioFrame)
	rec := &utteranceRecorder{}
	s := newTestSession(sess, frames, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	// The backend would close its channels once the stream is closed.
	close(sess.PartialsCh)
	close(sess.FinalsCh)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
