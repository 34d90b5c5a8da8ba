// Package speech owns the session's voice output: a strictly FIFO queue of
// text items, each synthesised through the TTS provider and streamed to the
// room's audio sink in the order it was enqueued. Synthesis latency varies
// per item, so ordering is enforced by playing one item at a time rather
// than by racing synthesis streams.
package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voximply/gridtalk/internal/observe"
	"github.com/voximply/gridtalk/pkg/audio"
	"github.com/voximply/gridtalk/pkg/provider/tts"
)

const defaultQueueCap = 16

// Sink receives synthesised audio frames. Send reports false when the frame
// was dropped (consumer gone or backpressured). *meet.OutputWriter satisfies
// this.
type Sink interface {
	Send(frame audio.AudioFrame) bool
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithVoice sets the voice profile passed to the TTS provider.
func WithVoice(voice tts.VoiceProfile) Option {
	return func(q *Queue) { q.voice = voice }
}

// WithSampleRates sets the provider's output rate and the sink's expected
// rate. When they differ, each chunk is resampled before delivery.
func WithSampleRates(provider, sink int) Option {
	return func(q *Queue) {
		if provider > 0 {
			q.providerRate = provider
		}
		if sink > 0 {
			q.sinkRate = sink
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Queue streams enqueued text through the TTS provider to the sink, one item
// at a time, in arrival order. All exported methods are safe for concurrent
// use.
type Queue struct {
	provider tts.Provider
	sink     Sink
	voice    tts.VoiceProfile
	logger   *slog.Logger

	providerRate int // sample rate of the provider's PCM output
	sinkRate     int // sample rate the sink expects

	mu            sync.Mutex
	items         []string
	cancelCurrent chan struct{} // closed to cut the item being played
	position      time.Duration // running playback position for frame timestamps
	closed        bool

	notify chan struct{}
	done   chan struct{}
	idle   sync.WaitGroup // tracks the dispatch goroutine for Close
}

// New creates a queue that synthesises through provider and delivers frames
// to sink. The dispatch goroutine starts immediately; call [Queue.Close] to
// stop it.
func New(provider tts.Provider, sink Sink, opts ...Option) *Queue {
	q := &Queue{
		provider:     provider,
		sink:         sink,
		logger:       slog.Default(),
		providerRate: 24000,
		sinkRate:     48000,
		items:        make([]string, 0, defaultQueueCap),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.idle.Add(1)
	go q.dispatch()
	return q
}

// Enqueue appends text to the queue. Empty text and calls after Close are
// no-ops. Enqueue never blocks; playback happens on the dispatch goroutine.
func (q *Queue) Enqueue(text string) {
	if text == "" {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, text)
	q.mu.Unlock()

	observe.DefaultMetrics().QueueDepth.Add(context.Background(), 1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Depth returns the number of items waiting to be played, excluding the one
// currently playing.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Interrupt cuts the item currently being played and discards everything
// queued behind it. Used when a participant barges in and the session is
// configured to yield the floor.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelCurrent != nil {
		close(q.cancelCurrent)
		q.cancelCurrent = nil
	}
	if n := len(q.items); n > 0 {
		q.items = q.items[:0]
		observe.DefaultMetrics().QueueDepth.Add(context.Background(), int64(-n))
	}
}

// Close stops the dispatch goroutine, cutting the current item and dropping
// anything still queued. Close is idempotent and waits for the dispatch
// goroutine to finish before returning.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.cancelCurrent != nil {
		close(q.cancelCurrent)
		q.cancelCurrent = nil
	}
	if n := len(q.items); n > 0 {
		q.items = q.items[:0]
		observe.DefaultMetrics().QueueDepth.Add(context.Background(), int64(-n))
	}
	q.mu.Unlock()

	close(q.done)
	q.idle.Wait()
	return nil
}

// dequeue pops the next item and arms its cancel channel. Returns ok=false
// when the queue is empty or closed.
func (q *Queue) dequeue() (string, chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) == 0 {
		return "", nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.cancelCurrent = make(chan struct{})
	observe.DefaultMetrics().QueueDepth.Add(context.Background(), -1)
	return item, q.cancelCurrent, true
}

// dispatch runs until Close, playing queued items strictly in order.
func (q *Queue) dispatch() {
	defer q.idle.Done()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			item, cancel, ok := q.dequeue()
			if !ok {
				break
			}
			q.play(item, cancel)

			q.mu.Lock()
			if q.cancelCurrent == cancel {
				q.cancelCurrent = nil
			}
			q.mu.Unlock()
		}
	}
}

// play synthesises one item and streams its audio to the sink. Errors are
// logged and the item is skipped so a single failed synthesis cannot stall
// the queue.
func (q *Queue) play(item string, cancel chan struct{}) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-ctx.Done():
		}
	}()

	start := time.Now()

	text := make(chan string, 1)
	text <- item
	close(text)

	audioCh, err := q.provider.SynthesizeStream(ctx, text, q.voice)
	if err != nil {
		q.logger.Error("synthesis failed, skipping item", "err", err, "chars", len(item))
		observe.DefaultMetrics().RecordSynthesis(ctx, "error")
		observe.DefaultMetrics().RecordProviderError(ctx, "tts", "synthesize")
		return
	}

	interrupted := false
	for chunk := range audioCh {
		select {
		case <-cancel:
			interrupted = true
		default:
		}
		if interrupted {
			audio.Drain(audioCh) // let the provider's goroutine finish
			break
		}
		q.deliver(chunk)
	}

	status := "ok"
	if interrupted {
		status = "interrupted"
	}
	observe.DefaultMetrics().RecordSynthesis(ctx, status)
	observe.DefaultMetrics().TTSDuration.Record(ctx, time.Since(start).Seconds())
}

// deliver resamples one PCM chunk to the sink rate and sends it as a frame.
func (q *Queue) deliver(pcm []byte) {
	if q.providerRate != q.sinkRate {
		pcm = audio.ResampleMono16(pcm, q.providerRate, q.sinkRate)
	}
	if len(pcm) == 0 {
		return
	}

	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: q.sinkRate,
		Channels:   1,
		Timestamp:  q.position,
	}
	q.position += time.Duration(len(pcm)/2) * time.Second / time.Duration(q.sinkRate)
	q.sink.Send(frame)
}
