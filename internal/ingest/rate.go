package ingest

import "time"

const (
	// baselineWPM seeds every new speaker's rate estimate.
	baselineWPM = 150.0

	// Smoothing parameters. The update weight grows with utterance length so
	// that a one-word interjection barely moves the estimate while a full
	// sentence moves it substantially.
	learningRate    = 0.5
	smoothingConst  = 2.0
	lengthThreshold = 10.0

	// Endpoint scaling is clamped so a noisy estimate can never push the
	// backend's timing outside a usable range.
	minEndpointScale = 0.5
	maxEndpointScale = 2.0
)

// RateEstimate is a per-speaker smoothed words-per-minute value. It exists
// only to scale the endpoint timing thresholds for that speaker: someone who
// talks fast gets a proportionally shorter wait before an utterance boundary
// is declared.
//
// The estimate survives backend stream restarts; it is discarded only when
// the speaker rejoins the session.
type RateEstimate struct {
	wpm float64
}

// NewRateEstimate returns an estimate seeded with the fixed baseline.
func NewRateEstimate() *RateEstimate {
	return &RateEstimate{wpm: baselineWPM}
}

// WPM returns the current smoothed words-per-minute value.
func (r *RateEstimate) WPM() float64 {
	return r.wpm
}

// Observe folds one finalized utterance into the estimate.
//
// The update weight is p = min(1, learningRate·(n+smoothing)/(threshold+smoothing))
// where n is the word count, so longer utterances pull the estimate harder.
// Non-positive durations and empty utterances are ignored.
func (r *RateEstimate) Observe(wordCount int, duration time.Duration) {
	if wordCount <= 0 || duration <= 0 {
		return
	}
	observed := 60.0 * float64(wordCount) / duration.Seconds()

	p := learningRate * (float64(wordCount) + smoothingConst) / (lengthThreshold + smoothingConst)
	if p > 1 {
		p = 1
	}
	r.wpm = r.wpm*(1-p) + observed*p
}

// Scale returns the timing multiplier derived from the estimate, clamped to
// [minEndpointScale, maxEndpointScale]. Faster speakers yield a smaller
// multiplier.
func (r *RateEstimate) Scale() float64 {
	if r.wpm <= 0 {
		return maxEndpointScale
	}
	scale := baselineWPM / r.wpm
	if scale < minEndpointScale {
		return minEndpointScale
	}
	if scale > maxEndpointScale {
		return maxEndpointScale
	}
	return scale
}
