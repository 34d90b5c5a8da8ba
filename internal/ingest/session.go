package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/voximply/gridtalk/internal/observe"
	"github.com/voximply/gridtalk/pkg/audio"
	"github.com/voximply/gridtalk/pkg/provider/stt"
)

// Sink receives finalized utterances from a [Session].
// Implementations must not block for long; the session's final-transcript
// loop calls it inline.
type Sink func(Utterance)

// SessionConfig configures a [Session].
type SessionConfig struct {
	SpeakerID   string
	SpeakerName string

	// Frames is the speaker's audio stream. Closing it stops the session.
	Frames <-chan audio.AudioFrame

	// Provider opens the live transcription stream.
	Provider stt.Provider

	// Stream is the base stream configuration. SpeakerID and the endpoint
	// timing fields are overwritten per speaker before the stream starts.
	Stream stt.StreamConfig

	// Sink receives each finalized utterance.
	Sink Sink

	// Rate carries the speaker's estimate across stream restarts. Optional.
	Rate *RateEstimate

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Session runs the ingestion loop for one joined speaker: audio frames in,
// finalized utterances out.
type Session struct {
	cfg    SessionConfig
	acc    *Accumulator
	logger *slog.Logger

	partialCount atomic.Int64
	finalCount   atomic.Int64
}

// NewSession creates a session. Run starts it.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("speaker_id", cfg.SpeakerID)
	acc := NewAccumulator(AccumulatorConfig{
		SpeakerID:        cfg.SpeakerID,
		SpeakerName:      cfg.SpeakerName,
		BaseEndpoint:     cfg.Stream.Endpointing,
		BaseUtteranceEnd: cfg.Stream.UtteranceEnd,
		Rate:             cfg.Rate,
		Logger:           logger,
	})
	return &Session{cfg: cfg, acc: acc, logger: logger}
}

// Run pumps audio into the transcription stream and delivers finalized
// utterances to the sink until ctx is cancelled or the frame source closes.
//
// On shutdown the accumulator is flushed so buffered speech is not lost, then
// the backend stream is closed. Run returns the first stream error, or nil on
// a clean stop.
func (s *Session) Run(ctx context.Context) error {
	streamCfg := s.cfg.Stream
	streamCfg.SpeakerID = s.cfg.SpeakerID
	streamCfg.Endpointing, streamCfg.UtteranceEnd = s.acc.EndpointTiming()

	handle, err := s.cfg.Provider.StartStream(ctx, streamCfg)
	if err != nil {
		return fmt.Errorf("ingest: start stream for speaker %q: %w", s.cfg.SpeakerID, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Audio pump: frames → backend.
	g.Go(func() error {
		defer func() {
			if err := handle.Close(); err != nil {
				s.logger.Warn("closing transcription stream", "err", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame, ok := <-s.cfg.Frames:
				if !ok {
					return nil
				}
				if err := handle.SendAudio(frame.Data); err != nil {
					return fmt.Errorf("ingest: send audio for speaker %q: %w", s.cfg.SpeakerID, err)
				}
			}
		}
	})

	// Partial consumer: counted for observability, never buffered.
	g.Go(func() error {
		for range handle.Partials() {
			s.partialCount.Add(1)
		}
		return nil
	})

	// Final consumer: accumulate and deliver.
	g.Go(func() error {
		for t := range handle.Finals() {
			s.finalCount.Add(1)
			if u, ok := s.acc.Feed(t); ok {
				s.deliver(ctx, u)
			}
		}
		// Stream ended: flush so trailing speech is not lost.
		if u, ok := s.acc.Flush(); ok {
			s.deliver(ctx, u)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// PartialCount returns the number of interim transcripts seen so far.
func (s *Session) PartialCount() int64 {
	return s.partialCount.Load()
}

// FinalCount returns the number of final transcripts seen so far.
func (s *Session) FinalCount() int64 {
	return s.finalCount.Load()
}

func (s *Session) deliver(ctx context.Context, u Utterance) {
	s.logger.Debug("utterance finalized", "text", u.Text, "words", len(u.Words),
		"wpm", s.acc.Rate().WPM())
	m := observe.DefaultMetrics()
	m.RecordUtterance(ctx, u.SpeakerID)
	if u.FinalizedIn > 0 {
		m.STTDuration.Record(ctx, u.FinalizedIn.Seconds())
	}
	if s.cfg.Sink != nil {
		s.cfg.Sink(u)
	}
}
