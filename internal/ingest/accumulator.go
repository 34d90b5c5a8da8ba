// Package ingest turns a speaker's raw audio into finalized utterances.
//
// Each joined speaker gets a [Session] that pumps audio frames into a live
// STT stream and an [Accumulator] that assembles the backend's finalized
// transcript fragments into exactly one [Utterance] per detected speech
// boundary. A per-speaker [RateEstimate] adapts the backend's endpoint timing
// to how fast the speaker actually talks.
package ingest

import (
	"log/slog"
	"strings"
	"time"

	"github.com/voximply/gridtalk/pkg/provider/stt"
)

// Utterance is one finalized run of speech from a single speaker.
type Utterance struct {
	// SpeakerID identifies the speaker within the session.
	SpeakerID string

	// SpeakerName is the speaker's display name.
	SpeakerName string

	// Text is the assembled transcript text.
	Text string

	// Words carries per-word timing and confidence from the backend.
	// May be empty when the backend omitted word detail.
	Words []stt.WordDetail

	// Duration spans from the first word's start to the last word's end.
	// Zero when word detail was unavailable.
	Duration time.Duration

	// FinalizedIn is the wall time from the first buffered transcript
	// fragment to the boundary that finalized the utterance.
	FinalizedIn time.Duration
}

// Accumulator assembles finalized transcript fragments into utterances.
//
// The backend emits a stream of transcript events; fragments marked final are
// buffered until a speech-final event (or an explicit [Accumulator.Flush])
// declares the boundary. On each boundary the accumulator emits the buffer as
// one Utterance, updates the speaker's rate estimate from the word timing,
// and resets.
//
// Accumulator is not safe for concurrent use; each Session owns exactly one.
type Accumulator struct {
	speakerID   string
	speakerName string
	rate        *RateEstimate
	logger      *slog.Logger

	baseEndpoint     time.Duration
	baseUtteranceEnd time.Duration

	parts     []string
	words     []stt.WordDetail
	startedAt time.Time
}

// AccumulatorConfig configures a new [Accumulator].
type AccumulatorConfig struct {
	SpeakerID   string
	SpeakerName string

	// BaseEndpoint and BaseUtteranceEnd are the unscaled backend timing
	// parameters. EndpointTiming scales them by the speaker's rate estimate.
	BaseEndpoint     time.Duration
	BaseUtteranceEnd time.Duration

	// Rate is the speaker's rate estimate. A nil value gets a fresh
	// baseline-seeded estimate; passing one in lets the estimate survive
	// backend stream restarts.
	Rate *RateEstimate

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewAccumulator creates an empty accumulator for one speaker.
func NewAccumulator(cfg AccumulatorConfig) *Accumulator {
	if cfg.Rate == nil {
		cfg.Rate = NewRateEstimate()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Accumulator{
		speakerID:        cfg.SpeakerID,
		speakerName:      cfg.SpeakerName,
		rate:             cfg.Rate,
		logger:           cfg.Logger,
		baseEndpoint:     cfg.BaseEndpoint,
		baseUtteranceEnd: cfg.BaseUtteranceEnd,
	}
}

// Feed consumes one transcript event. It returns a finalized Utterance and
// true when the event completed a speech boundary; otherwise the zero
// Utterance and false.
//
// Interim events never emit. A final event with text but no usable content
// (zero confidence) is skipped with a debug log rather than buffered.
func (a *Accumulator) Feed(t stt.Transcript) (Utterance, bool) {
	if !t.IsFinal {
		return Utterance{}, false
	}

	if text := strings.TrimSpace(t.Text); text != "" {
		if t.Confidence <= 0 {
			a.logger.Debug("skipping final transcript with zero confidence",
				"speaker_id", a.speakerID, "text", text)
		} else {
			if len(a.parts) == 0 {
				a.startedAt = time.Now()
			}
			a.parts = append(a.parts, text)
			a.words = append(a.words, t.Words...)
			if len(t.Words) == 0 {
				a.logger.Debug("final transcript carried no word detail",
					"speaker_id", a.speakerID, "text", text)
			}
		}
	}

	// Boundary: speech-final with buffered content. Speech-final on an empty
	// buffer (e.g. a bare UtteranceEnd after silence) emits nothing.
	if t.SpeechFinal && len(a.parts) > 0 {
		return a.emit(), true
	}
	return Utterance{}, false
}

// Flush emits whatever is buffered as a finalized Utterance, for callers
// tearing the session down (speaker left, stream closed). Returns false when
// the buffer is empty.
func (a *Accumulator) Flush() (Utterance, bool) {
	if len(a.parts) == 0 {
		return Utterance{}, false
	}
	return a.emit(), true
}

// Pending reports whether any finalized fragments are buffered.
func (a *Accumulator) Pending() bool {
	return len(a.parts) > 0
}

// Rate returns the speaker's rate estimate.
func (a *Accumulator) Rate() *RateEstimate {
	return a.rate
}

// EndpointTiming returns the backend timing parameters scaled by the
// speaker's current rate estimate. Applied when the backend stream is next
// (re)started.
func (a *Accumulator) EndpointTiming() (endpoint, utteranceEnd time.Duration) {
	scale := a.rate.Scale()
	return time.Duration(float64(a.baseEndpoint) * scale),
		time.Duration(float64(a.baseUtteranceEnd) * scale)
}

// emit packages and clears the buffer, folding the word timing into the rate
// estimate.
func (a *Accumulator) emit() Utterance {
	u := Utterance{
		SpeakerID:   a.speakerID,
		SpeakerName: a.speakerName,
		Text:        strings.Join(a.parts, " "),
		Words:       a.words,
	}
	if len(a.words) > 0 {
		u.Duration = a.words[len(a.words)-1].End - a.words[0].Start
		if u.Duration > 0 {
			a.rate.Observe(len(a.words), u.Duration)
		}
	}
	if !a.startedAt.IsZero() {
		u.FinalizedIn = time.Since(a.startedAt)
	}
	a.parts = nil
	a.words = nil
	a.startedAt = time.Time{}
	return u
}
