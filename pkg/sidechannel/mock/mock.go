// Package mock provides an in-memory mock implementation of
// [sidechannel.Channel] for use in unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/voximply/gridtalk/pkg/sidechannel"
)

// Channel is a mock implementation of [sidechannel.Channel].
//
// Tests feed inbound payloads with [Channel.Receive] and inspect everything
// the code under test published via [Channel.Published].
type Channel struct {
	mu sync.Mutex

	// PublishErr, if set, is returned by every Publish call.
	PublishErr error

	// CloseErr is returned by the first Close call.
	CloseErr error

	inbound   chan []byte
	published [][]byte
	closed    bool

	// CloseCallCount records how many times Close was called.
	CloseCallCount int
}

var _ sidechannel.Channel = (*Channel)(nil)

// NewChannel creates a mock channel with a buffered inbound stream.
func NewChannel() *Channel {
	return &Channel{inbound: make(chan []byte, 64)}
}

// Inbound implements [sidechannel.Channel].
func (c *Channel) Inbound() <-chan []byte {
	return c.inbound
}

// Publish implements [sidechannel.Channel]. Records the payload.
func (c *Channel) Publish(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return c.PublishErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.published = append(c.published, buf)
	return nil
}

// Close implements [sidechannel.Channel]. Closes the inbound stream on the
// first call; subsequent calls are no-ops returning nil.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbound)
	return c.CloseErr
}

// Receive injects an inbound payload as if a remote client had sent it.
func (c *Channel) Receive(payload []byte) {
	c.inbound <- payload
}

// Published returns a copy of every payload passed to Publish, in order.
func (c *Channel) Published() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.published))
	copy(out, c.published)
	return out
}

// PublishCallCount returns the number of successful Publish calls.
func (c *Channel) PublishCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// Reset clears the published record.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = nil
}
