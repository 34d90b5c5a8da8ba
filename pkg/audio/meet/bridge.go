package meet

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Bridge attaches participants to meeting rooms over WebSocket. Each
// participant opens one socket per room; binary messages carry raw PCM in
// both directions.
type Bridge struct {
	platform *Platform

	mu    sync.Mutex
	rooms map[string]*Connection
}

// NewBridge creates a bridge backed by the given platform.
func NewBridge(platform *Platform) *Bridge {
	return &Bridge{
		platform: platform,
		rooms:    make(map[string]*Connection),
	}
}

// Handler returns an http.Handler serving the media endpoint:
//
//	GET /rooms/{roomID}/ws?user_id=...&username=...  — upgrade to WebSocket
//
// The socket stays open for the lifetime of the participant's attendance;
// closing it removes the participant from the room.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{roomID}/ws", b.handleAttach)
	return mux
}

// Room returns the Connection for roomID if one exists.
func (b *Bridge) Room(roomID string) (*Connection, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.rooms[roomID]
	return conn, ok
}

// handleAttach upgrades the request to a WebSocket and registers the
// participant with the room's connection.
func (b *Bridge) handleAttach(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	userID := r.URL.Query().Get("user_id")
	username := r.URL.Query().Get("username")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if username == "" {
		username = userID
	}

	conn, err := b.getOrCreateRoom(r.Context(), roomID)
	if err != nil {
		http.Error(w, "failed to create room: "+err.Error(), http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // media clients connect from arbitrary origins
	})
	if err != nil {
		return
	}
	ws.SetReadLimit(1 << 20)

	transport := newWSTransport(ws, conn.sampleRate, conn.channels)
	if _, err := conn.AddParticipant(userID, username, transport); err != nil {
		_ = transport.Close()
		ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	// Block until the socket stops (client disconnect or server-side removal),
	// then clean up the registration. The input stream itself is consumed by
	// the session pipeline via InputStreams().
	<-transport.Done()
	_ = conn.RemoveParticipant(userID)
}

// getOrCreateRoom returns an existing Connection for roomID, or creates one
// via the platform. Safe for concurrent use.
func (b *Bridge) getOrCreateRoom(ctx context.Context, roomID string) (*Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conn, ok := b.rooms[roomID]; ok {
		return conn, nil
	}

	raw, err := b.platform.Connect(ctx, roomID)
	if err != nil {
		return nil, err
	}
	conn := raw.(*Connection) //nolint:forcetypeassert // Platform.Connect always returns *Connection
	b.rooms[roomID] = conn
	return conn, nil
}
