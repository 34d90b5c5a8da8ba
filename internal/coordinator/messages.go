package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/voximply/gridtalk/internal/game"
)

// Side-channel message types.
const (
	TypeMove        = "move"
	TypeReset       = "reset"
	TypeStateUpdate = "state_update"
	TypeGameOver    = "game_over"
)

// envelope carries just enough of an inbound payload to dispatch on type.
type envelope struct {
	Type string `json:"type"`
}

// moveRequest is an inbound move. Position is a pointer so a missing field
// is distinguishable from position 0.
type moveRequest struct {
	Position *int   `json:"position"`
	Player   string `json:"player"`
}

// MoveBroadcast announces an automated move, comment included, before the
// accompanying state update.
type MoveBroadcast struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Player   string `json:"player"`
	Comment  string `json:"comment"`
}

// StateUpdate carries the full board snapshot after any mutation.
type StateUpdate struct {
	Type      string        `json:"type"`
	GameState game.Snapshot `json:"game_state"`
}

// GameOver announces the terminal result. Winner is null for a draw.
type GameOver struct {
	Type    string  `json:"type"`
	Winner  *string `json:"winner"`
	Comment string  `json:"comment"`
}

// parseInbound decodes one side-channel payload. A malformed payload or an
// unknown type returns an error; the caller logs and drops it.
func parseInbound(payload []byte) (string, moveRequest, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", moveRequest{}, fmt.Errorf("coordinator: decode envelope: %w", err)
	}

	switch env.Type {
	case TypeMove:
		var req moveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return "", moveRequest{}, fmt.Errorf("coordinator: decode move: %w", err)
		}
		if req.Position == nil {
			return "", moveRequest{}, fmt.Errorf("coordinator: move without position")
		}
		if !game.Mark(req.Player).Valid() {
			return "", moveRequest{}, fmt.Errorf("coordinator: move with player %q", req.Player)
		}
		return TypeMove, req, nil
	case TypeReset:
		return TypeReset, moveRequest{}, nil
	default:
		return "", moveRequest{}, fmt.Errorf("coordinator: unknown message type %q", env.Type)
	}
}

// encodeStateUpdate renders the snapshot broadcast.
func encodeStateUpdate(snap game.Snapshot) ([]byte, error) {
	return json.Marshal(StateUpdate{Type: TypeStateUpdate, GameState: snap})
}

// encodeMove renders the automated-move announcement.
func encodeMove(position int, player game.Mark, comment string) ([]byte, error) {
	return json.Marshal(MoveBroadcast{
		Type:     TypeMove,
		Position: position,
		Player:   string(player),
		Comment:  comment,
	})
}

// encodeGameOver renders the terminal announcement. A draw carries a null
// winner.
func encodeGameOver(winner, comment string) ([]byte, error) {
	msg := GameOver{Type: TypeGameOver, Comment: comment}
	if winner == game.WinnerX || winner == game.WinnerO {
		msg.Winner = &winner
	}
	return json.Marshal(msg)
}
