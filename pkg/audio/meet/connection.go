package meet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voximply/gridtalk/pkg/audio"
)

const outputChannelBuffer = 64

// OutputWriter wraps a write-only audio channel with lifecycle awareness.
// It safely drops frames written after the connection has been disconnected,
// preventing panics from sends on closed channels.
type OutputWriter struct {
	ch           chan<- audio.AudioFrame
	disconnected atomic.Bool
}

// Send writes a frame to the output. Returns false if the connection
// is disconnected (frame was dropped).
func (w *OutputWriter) Send(frame audio.AudioFrame) bool {
	if w.disconnected.Load() {
		return false
	}
	select {
	case w.ch <- frame:
		return true
	default:
		// Channel full — drop frame rather than block.
		return false
	}
}

// Close marks the writer as closed. Subsequent Send calls are no-ops.
// The underlying channel is NOT closed (it is owned by the platform).
func (w *OutputWriter) Close() {
	w.disconnected.Store(true)
}

// participant holds the runtime state for a single connected participant.
type participant struct {
	userID    string
	username  string
	transport ParticipantTransport
	inputCh   chan audio.AudioFrame
	done      chan struct{} // closed by RemoveParticipant/Disconnect to signal goroutines
}

// Connection manages the media links for a single meeting room.
// It implements [audio.Connection].
//
// Connection is safe for concurrent use.
type Connection struct {
	roomID     string
	sampleRate int
	channels   int

	mu           sync.RWMutex
	participants map[string]*participant
	inputStreams map[string]chan audio.AudioFrame
	outputCh     chan audio.AudioFrame
	outputWriter *OutputWriter
	onChange     func(audio.Event)
	disconnected bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newConnection(roomID string, sampleRate, channels int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	outputCh := make(chan audio.AudioFrame, outputChannelBuffer)
	c := &Connection{
		roomID:       roomID,
		sampleRate:   sampleRate,
		channels:     channels,
		participants: make(map[string]*participant),
		inputStreams: make(map[string]chan audio.AudioFrame),
		outputCh:     outputCh,
		outputWriter: &OutputWriter{ch: outputCh},
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.forwardOutput()
	return c
}

// InputStreams returns a consistent snapshot of the per-participant audio channels.
// The map key is the participant ID; the value is the read-only input channel.
//
// Callers should call InputStreams again after receiving an [audio.EventJoin] event
// to pick up newly added channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputStreams))
	for id, ch := range c.inputStreams {
		snap[id] = ch
	}
	return snap
}

// OutputStream returns the write-only channel for synthesized audio output.
// Frames written here are forwarded to all currently connected participants.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.outputCh
}

// OutputWriter returns an OutputWriter that provides safe, lifecycle-aware
// writes to the output stream. Prefer this over OutputStream() for new code.
// After Disconnect, calls to OutputWriter().Send() safely drop frames instead
// of risking a send on a closed or abandoned channel.
func (c *Connection) OutputWriter() *OutputWriter {
	return c.outputWriter
}

// OnParticipantChange registers cb as the participant lifecycle callback.
// Subsequent calls replace the previous registration.
// The callback is invoked on an internal goroutine — callers must not block.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = cb
}

// Disconnect cleanly tears down all participant links and stops internal
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil
	}
	c.disconnected = true

	// Mark the output writer as disconnected so late writes are dropped safely.
	c.outputWriter.Close()

	// Cancel the context to stop forwardOutput and all readParticipantInput goroutines.
	c.cancel()

	// Signal each participant's goroutine to stop and release the transport.
	for userID, p := range c.participants {
		close(p.done)
		_ = p.transport.Close()
		delete(c.participants, userID)
		delete(c.inputStreams, userID)
	}
	return nil
}

// AddParticipant registers a new participant with an established media link.
// The Bridge calls this after upgrading the participant's WebSocket; tests
// pass a mock transport directly.
//
// Returns the read-only input channel for audio arriving from this
// participant, or an error if the connection is disconnected or the
// participant already exists.
func (c *Connection) AddParticipant(userID, username string, transport ParticipantTransport) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil, fmt.Errorf("meet: connection %q is disconnected", c.roomID)
	}
	if _, exists := c.participants[userID]; exists {
		return nil, fmt.Errorf("meet: participant %q is already connected in room %q", userID, c.roomID)
	}

	inputCh := make(chan audio.AudioFrame, 64)
	p := &participant{
		userID:    userID,
		username:  username,
		transport: transport,
		inputCh:   inputCh,
		done:      make(chan struct{}),
	}
	c.participants[userID] = p
	c.inputStreams[userID] = inputCh

	go c.readParticipantInput(p)

	if cb := c.onChange; cb != nil {
		go cb(audio.Event{Type: audio.EventJoin, UserID: userID, Username: username})
	}
	return inputCh, nil
}

// RemoveParticipant disconnects and removes the participant identified by userID.
func (c *Connection) RemoveParticipant(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return fmt.Errorf("meet: connection %q is disconnected", c.roomID)
	}
	p, exists := c.participants[userID]
	if !exists {
		return fmt.Errorf("meet: participant %q not found in room %q", userID, c.roomID)
	}

	// Signal the readParticipantInput goroutine to stop (it closes inputCh via defer).
	close(p.done)
	_ = p.transport.Close()
	delete(c.participants, userID)
	delete(c.inputStreams, userID)

	if cb := c.onChange; cb != nil {
		username := p.username
		go cb(audio.Event{Type: audio.EventLeave, UserID: userID, Username: username})
	}
	return nil
}

// readParticipantInput reads audio frames from the participant's transport and
// forwards them to the participant's inputCh until the participant is removed
// or the connection is closed. It closes inputCh on exit to signal any
// downstream consumer.
func (c *Connection) readParticipantInput(p *participant) {
	defer close(p.inputCh)
	audioIn := p.transport.AudioInput()
	for {
		select {
		case <-p.done:
			return
		case <-c.ctx.Done():
			return
		case frame, ok := <-audioIn:
			if !ok {
				return
			}
			select {
			case p.inputCh <- frame:
			case <-p.done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// forwardOutput reads synthesized audio frames from the output channel and
// sends them to all currently connected participants via their transports.
func (c *Connection) forwardOutput() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.outputCh:
			if !ok {
				return
			}
			// Snapshot participants under read lock to minimise contention.
			c.mu.RLock()
			participants := make([]*participant, 0, len(c.participants))
			for _, p := range c.participants {
				participants = append(participants, p)
			}
			c.mu.RUnlock()

			for _, p := range participants {
				_ = p.transport.SendAudio(frame)
			}
		}
	}
}
