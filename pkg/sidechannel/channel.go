// Package sidechannel defines the boundary for the JSON side channel that
// carries board commands and state broadcasts between the session and remote
// clients.
//
// The channel is payload-agnostic: it moves raw JSON documents. The schemas
// themselves (move, reset, state_update, game_over) belong to the coordinator,
// which owns the game.
//
// Subpackages provide implementations:
//   - ws: a WebSocket hub over github.com/coder/websocket
//   - mock: an in-memory test double
package sidechannel

import "context"

// Channel is a duplex JSON message link between the session and any number of
// remote clients.
//
// Implementations must be safe for concurrent use.
type Channel interface {
	// Inbound returns the stream of raw JSON payloads received from clients.
	// The channel is closed when the Channel is closed. Consumers own payload
	// validation; implementations deliver whatever clients send.
	Inbound() <-chan []byte

	// Publish broadcasts a raw JSON payload to all currently connected
	// clients. Clients that cannot keep up are skipped, not blocked on.
	Publish(ctx context.Context, payload []byte) error

	// Close tears down all client connections and closes the inbound stream.
	// Safe to call more than once.
	Close() error
}
