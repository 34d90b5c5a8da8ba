// Package meet provides an [audio.Platform] implementation for browser and
// SDK clients that stream meeting audio over WebSockets. Each connected
// participant maps to a dedicated input audio stream and shares the single
// synthesised output stream.
//
// The package exposes two entry points: [Platform], which manages room
// connections, and [Bridge], an HTTP handler that upgrades participant
// requests to WebSocket media links.
package meet

import (
	"context"

	"github.com/voximply/gridtalk/pkg/audio"
)

// Compile-time interface assertions.
var _ audio.Platform = (*Platform)(nil)
var _ audio.Connection = (*Connection)(nil)

// Option configures a [Platform].
type Option func(*Platform)

// WithSampleRate sets the audio sample rate in Hz. Defaults to 48000.
func WithSampleRate(rate int) Option {
	return func(p *Platform) {
		p.sampleRate = rate
	}
}

// WithChannels sets the channel count for participant audio. Defaults to mono.
func WithChannels(channels int) Option {
	return func(p *Platform) {
		p.channels = channels
	}
}

// Platform implements [audio.Platform] over WebSocket media links.
// Each call to [Platform.Connect] returns a new [Connection] that manages
// participants for the specified room. Multiple calls with the same roomID
// each produce an independent Connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	sampleRate int // audio sample rate in Hz; immutable after New
	channels   int // channel count; immutable after New
}

// New creates a new meeting Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		sampleRate: 48000,
		channels:   1,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect creates a new [Connection] for the room identified by roomID.
// The supplied ctx governs the connection-setup phase only; once the Connection
// is returned it lives until [Connection.Disconnect] is called explicitly.
func (p *Platform) Connect(_ context.Context, roomID string) (audio.Connection, error) {
	return newConnection(roomID, p.sampleRate, p.channels), nil
}
