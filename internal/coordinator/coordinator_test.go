package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voximply/gridtalk/internal/game"
	"github.com/voximply/gridtalk/internal/ingest"
	"github.com/voximply/gridtalk/internal/intel"
	"github.com/voximply/gridtalk/pkg/sidechannel/mock"
)

// stubGateway answers decision calls from configurable functions. The zero
// value classifies nothing as a move, proposes the first free cell, and
// replies with "".
type stubGateway struct {
	classify func(text string) (int, bool)
	propose  func(snap game.Snapshot) (int, string)
	reply    func(text string, snap game.Snapshot) string
}

func (g *stubGateway) ClassifyMove(_ context.Context, text string) (int, bool) {
	if g.classify == nil {
		return 0, false
	}
	return g.classify(text)
}

func (g *stubGateway) ProposeMove(_ context.Context, snap game.Snapshot) (int, string) {
	if g.propose == nil {
		free := snap.FreeCells()
		if len(free) == 0 {
			return -1, ""
		}
		return free[0], "Making my move."
	}
	return g.propose(snap)
}

func (g *stubGateway) Reply(_ context.Context, text string, snap game.Snapshot) string {
	if g.reply == nil {
		return ""
	}
	return g.reply(text, snap)
}

// stubSpeaker records enqueued text and interrupts.
type stubSpeaker struct {
	mu         sync.Mutex
	texts      []string
	interrupts int
}

func (s *stubSpeaker) Enqueue(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func (s *stubSpeaker) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
}

func (s *stubSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

type fixture struct {
	side    *mock.Channel
	gateway *stubGateway
	speaker *stubSpeaker
	coord   *Coordinator
	done    chan error
}

// startCoordinator runs a coordinator until the test ends.
func startCoordinator(t *testing.T, gateway *stubGateway, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		side:    mock.NewChannel(),
		gateway: gateway,
		speaker: &stubSpeaker{},
		done:    make(chan error, 1),
	}
	f.coord = New(f.side, gateway, f.speaker, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { f.done <- f.coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-f.done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})

	// The opening state broadcast doubles as a readiness signal.
	f.waitPublished(t, 1)
	return f
}

// waitPublished blocks until at least n messages were published.
func (f *fixture) waitPublished(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.side.Published(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d published messages, have %d", n, f.side.PublishCallCount())
	return nil
}

func (f *fixture) waitSpoken(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if texts := f.speaker.spoken(); len(texts) >= n {
			return texts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d spoken items, have %v", n, f.speaker.spoken())
	return nil
}

func messageType(t *testing.T, payload []byte) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode %s: %v", payload, err)
	}
	return env.Type
}

func decodeState(t *testing.T, payload []byte) StateUpdate {
	t.Helper()
	var msg StateUpdate
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode state update %s: %v", payload, err)
	}
	return msg
}

func decodeMove(t *testing.T, payload []byte) MoveBroadcast {
	t.Helper()
	var msg MoveBroadcast
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode move %s: %v", payload, err)
	}
	return msg
}

func moveJSON(position int, player string) []byte {
	return fmt.Appendf(nil, `{"type":"move","position":%d,"player":%q}`, position, player)
}

func cellOf(t *testing.T, snap game.Snapshot, pos int) string {
	t.Helper()
	if snap.Board[pos] == nil {
		return ""
	}
	return string(*snap.Board[pos])
}

func TestCoordinator_OpeningBroadcast(t *testing.T) {
	t.Parallel()

	f := startCoordinator(t, &stubGateway{})

	msgs := f.waitPublished(t, 1)
	state := decodeState(t, msgs[0])
	if state.Type != TypeStateUpdate {
		t.Fatalf("first message type = %q, want state_update", state.Type)
	}
	if state.GameState.CurrentPlayer != game.MarkX || state.GameState.GameOver {
		t.Errorf("opening state = %+v, want X to move on a live board", state.GameState)
	}
	for i, cell := range state.GameState.Board {
		if cell != nil {
			t.Errorf("cell %d = %q, want empty", i, *cell)
		}
	}
}

func TestCoordinator_FullAutomatedTurn(t *testing.T) {
	t.Parallel()

	gateway := &stubGateway{
		propose: func(game.Snapshot) (int, string) { return 0, "Mine now." },
	}
	f := startCoordinator(t, gateway)

	f.side.Receive([]byte(`{"type":"reset"}`))
	f.waitPublished(t, 2)
	f.side.Receive(moveJSON(4, "X"))

	// opening, reset, X move, O move announcement, post-O state.
	msgs := f.waitPublished(t, 5)

	if got := messageType(t, msgs[2]); got != TypeStateUpdate {
		t.Errorf("message 2 type = %q, want state_update", got)
	}
	xState := decodeState(t, msgs[2])
	if cellOf(t, xState.GameState, 4) != "X" || xState.GameState.CurrentPlayer != game.MarkO {
		t.Errorf("post-X state = %+v, want X at 4 and O to move", xState.GameState)
	}

	move := decodeMove(t, msgs[3])
	if move.Type != TypeMove || move.Position != 0 || move.Player != "O" || move.Comment != "Mine now." {
		t.Errorf("automated move = %+v", move)
	}

	final := decodeState(t, msgs[4])
	if cellOf(t, final.GameState, 0) != "O" || cellOf(t, final.GameState, 4) != "X" {
		t.Errorf("final board = %+v, want O at 0 and X at 4", final.GameState)
	}
	if final.GameState.CurrentPlayer != game.MarkX || final.GameState.GameOver {
		t.Errorf("final state = %+v, want X to move on a live board", final.GameState)
	}

	if spoken := f.waitSpoken(t, 1); spoken[0] != "Mine now." {
		t.Errorf("spoken = %v, want the move comment", spoken)
	}
}

func TestCoordinator_RepairsInvalidProposal(t *testing.T) {
	t.Parallel()

	gateway := &stubGateway{
		// Propose the cell X just took; the first free cell is 0.
		propose: func(game.Snapshot) (int, string) { return 4, "Taking yours." },
	}
	f := startCoordinator(t, gateway)

	f.side.Receive(moveJSON(4, "X"))

	msgs := f.waitPublished(t, 4)
	move := decodeMove(t, msgs[2])
	if move.Position != 0 {
		t.Errorf("repaired position = %d, want 0", move.Position)
	}
	if move.Comment != intel.RepairComment {
		t.Errorf("repaired comment = %q, want %q", move.Comment, intel.RepairComment)
	}

	final := decodeState(t, msgs[3])
	if cellOf(t, final.GameState, 0) != "O" {
		t.Errorf("final board = %+v, want repaired O at 0", final.GameState)
	}
}

func TestCoordinator_VoiceMove(t *testing.T) {
	t.Parallel()

	gateway := &stubGateway{
		classify: func(text string) (int, bool) {
			if text == "center please" {
				return 4, true
			}
			return 0, false
		},
		propose: func(game.Snapshot) (int, string) { return 8, "Corner." },
	}
	f := startCoordinator(t, gateway)

	f.coord.SubmitUtterance(ingest.Utterance{SpeakerID: "alice", Text: "center please"})

	msgs := f.waitPublished(t, 4)
	xState := decodeState(t, msgs[1])
	if cellOf(t, xState.GameState, 4) != "X" {
		t.Errorf("post-voice state = %+v, want X at 4", xState.GameState)
	}
	move := decodeMove(t, msgs[2])
	if move.Position != 8 {
		t.Errorf("automated position = %d, want 8", move.Position)
	}
}

func TestCoordinator_NonMoveSpeechGetsReply(t *testing.T) {
	t.Parallel()

	gateway := &stubGateway{
		reply: func(text string, _ game.Snapshot) string { return "Bold words." },
	}
	f := startCoordinator(t, gateway)

	f.coord.SubmitUtterance(ingest.Utterance{SpeakerID: "alice", Text: "you cannot beat me"})

	if spoken := f.waitSpoken(t, 1); spoken[0] != "Bold words." {
		t.Errorf("spoken = %v", spoken)
	}
	// No game mutation, so nothing beyond the opening broadcast.
	if n := f.side.PublishCallCount(); n != 1 {
		t.Errorf("published %d messages, want 1", n)
	}
}

func TestCoordinator_SilentRejection(t *testing.T) {
	t.Parallel()

	f := startCoordinator(t, &stubGateway{})

	for _, payload := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"shout"}`),
		[]byte(`{"type":"move","player":"X"}`),
		[]byte(`{"type":"move","position":4,"player":"Q"}`),
		moveJSON(9, "X"),
		moveJSON(4, "O"), // out of turn
	} {
		f.side.Receive(payload)
	}

	// A valid move still goes through afterwards, proving the loop survived.
	f.side.Receive(moveJSON(4, "X"))
	msgs := f.waitPublished(t, 2)

	state := decodeState(t, msgs[1])
	if cellOf(t, state.GameState, 4) != "X" {
		t.Errorf("state after rejects = %+v, want only X at 4", state.GameState)
	}
}

func TestCoordinator_ResetInvalidatesPendingProposal(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	proposals := 0
	var mu sync.Mutex
	gateway := &stubGateway{
		propose: func(game.Snapshot) (int, string) {
			mu.Lock()
			proposals++
			first := proposals == 1
			mu.Unlock()
			if first {
				<-release
				return 0, "Too late."
			}
			return 8, "Corner."
		},
	}
	f := startCoordinator(t, gateway)

	f.side.Receive(moveJSON(4, "X"))
	f.waitPublished(t, 2) // opening + X move
	f.side.Receive([]byte(`{"type":"reset"}`))
	f.waitPublished(t, 3)
	close(release) // stale proposal re-enters and must be dropped

	// The board stays empty: the pre-reset proposal never lands.
	f.side.Receive(moveJSON(1, "X"))
	msgs := f.waitPublished(t, 6)

	final := decodeState(t, msgs[len(msgs)-1])
	if cellOf(t, final.GameState, 0) == "O" || cellOf(t, final.GameState, 4) == "X" {
		t.Fatalf("stale proposal leaked into post-reset board: %+v", final.GameState)
	}
	if cellOf(t, final.GameState, 1) != "X" || cellOf(t, final.GameState, 8) != "O" {
		t.Errorf("post-reset game = %+v, want X at 1 and O at 8", final.GameState)
	}
}

func TestCoordinator_ResetInvalidatesPendingReply(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	replies := 0
	var mu sync.Mutex
	gateway := &stubGateway{
		reply: func(string, game.Snapshot) string {
			mu.Lock()
			replies++
			first := replies == 1
			mu.Unlock()
			if first {
				<-release
				return "Stale answer."
			}
			return "Fresh answer."
		},
	}
	f := startCoordinator(t, gateway)

	f.coord.SubmitUtterance(ingest.Utterance{SpeakerID: "alice", Text: "who is winning"})
	f.side.Receive([]byte(`{"type":"reset"}`))
	f.waitPublished(t, 2) // opening + reset broadcast
	close(release)        // pre-reset reply re-enters and must be dropped

	f.coord.SubmitUtterance(ingest.Utterance{SpeakerID: "alice", Text: "and now"})
	spoken := f.waitSpoken(t, 1)
	time.Sleep(50 * time.Millisecond)
	spoken = f.speaker.spoken()

	for _, text := range spoken {
		if text == "Stale answer." {
			t.Fatalf("reply computed before reset was spoken after it: %v", spoken)
		}
	}
	if spoken[len(spoken)-1] != "Fresh answer." {
		t.Errorf("spoken = %v, want the post-reset answer", spoken)
	}
}

func TestCoordinator_GameOverAnnouncement(t *testing.T) {
	t.Parallel()

	gateway := &stubGateway{
		propose: func(snap game.Snapshot) (int, string) {
			free := snap.FreeCells()
			return free[len(free)-1], "Hm."
		},
	}
	f := startCoordinator(t, gateway)

	// X takes the top row; O fills from the back and never completes a line.
	f.side.Receive(moveJSON(0, "X"))
	f.waitPublished(t, 4)
	f.side.Receive(moveJSON(1, "X"))
	f.waitPublished(t, 7)
	f.side.Receive(moveJSON(2, "X"))
	msgs := f.waitPublished(t, 9)

	final := decodeState(t, msgs[7])
	if !final.GameState.GameOver || final.GameState.Winner == nil || *final.GameState.Winner != game.WinnerX {
		t.Fatalf("final state = %+v, want X win", final.GameState)
	}

	var over GameOver
	if err := json.Unmarshal(msgs[8], &over); err != nil {
		t.Fatalf("decode game over: %v", err)
	}
	if over.Type != TypeGameOver || over.Winner == nil || *over.Winner != "X" {
		t.Errorf("game over = %+v, want winner X", over)
	}
	if over.Comment != "Better luck next time!" {
		t.Errorf("comment = %q", over.Comment)
	}

	spoken := f.waitSpoken(t, 3)
	if last := spoken[len(spoken)-1]; last != "Better luck next time!" {
		t.Errorf("last spoken = %q, want the game-over line", last)
	}
}

func TestCoordinator_BargeInInterruptsSpeech(t *testing.T) {
	t.Parallel()

	f := startCoordinator(t, &stubGateway{}, WithBargeIn())

	f.coord.SubmitUtterance(ingest.Utterance{SpeakerID: "alice", Text: "wait stop"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.speaker.mu.Lock()
		n := f.speaker.interrupts
		f.speaker.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("utterance did not interrupt playback")
}
