// Package game implements the 3x3 turn-based board shared by every input
// surface of a session.
//
// A [State] is owned by exactly one goroutine (the coordinator loop); all
// external access goes through [State.Snapshot] copies. Apply is the single
// mutation point: a move is either fully applied — mark placed, turn flipped,
// outcome evaluated — or rejected with [ErrInvalidMove] leaving the state
// untouched.
package game

import (
	"errors"
	"fmt"
)

// ErrInvalidMove is the sentinel for every rejected move. Callers use
// errors.Is to distinguish a rejection (a silent no-op at the session level)
// from an internal failure.
var ErrInvalidMove = errors.New("game: invalid move")

// Mark identifies a side. The human side plays X, the automated side plays O.
type Mark string

const (
	MarkX Mark = "X"
	MarkO Mark = "O"
)

// Opponent returns the other side.
func (m Mark) Opponent() Mark {
	if m == MarkX {
		return MarkO
	}
	return MarkX
}

// Valid reports whether m is one of the two playable marks.
func (m Mark) Valid() bool {
	return m == MarkX || m == MarkO
}

// Winner values reported in a [Snapshot]. An empty string means the game is
// still in progress.
const (
	WinnerX    = "X"
	WinnerO    = "O"
	WinnerDraw = "draw"
)

// winLines enumerates the 8 winning position triples: rows, columns, diagonals.
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// State is the mutable game. The zero value is not usable; construct with [New].
type State struct {
	board  [9]Mark // "" means empty
	turn   Mark
	winner string // "", WinnerX, WinnerO, WinnerDraw
	over   bool
}

// New returns a fresh game with an empty board and X to move.
func New() *State {
	return &State{turn: MarkX}
}

// Apply places mark at pos (0..8, row-major from the top left).
//
// The move is rejected with a wrapped [ErrInvalidMove] when the game is
// already over, when it is not mark's turn, when pos is out of range, or when
// the cell is occupied. Rejection leaves the state unchanged.
func (s *State) Apply(mark Mark, pos int) error {
	if s.over {
		return fmt.Errorf("%w: game is over", ErrInvalidMove)
	}
	if !mark.Valid() {
		return fmt.Errorf("%w: unknown mark %q", ErrInvalidMove, string(mark))
	}
	if mark != s.turn {
		return fmt.Errorf("%w: not %s's turn", ErrInvalidMove, mark)
	}
	if pos < 0 || pos > 8 {
		return fmt.Errorf("%w: position %d out of range", ErrInvalidMove, pos)
	}
	if s.board[pos] != "" {
		return fmt.Errorf("%w: cell %d occupied", ErrInvalidMove, pos)
	}

	s.board[pos] = mark
	s.turn = mark.Opponent()
	s.evaluate()
	return nil
}

// Reset returns the game to its initial state: empty board, X to move.
func (s *State) Reset() {
	*s = State{turn: MarkX}
}

// evaluate checks the 8 lines and the fill count, setting winner and the
// terminal flag.
func (s *State) evaluate() {
	for _, line := range winLines {
		m := s.board[line[0]]
		if m != "" && m == s.board[line[1]] && m == s.board[line[2]] {
			s.winner = string(m)
			s.over = true
			return
		}
	}
	for _, c := range s.board {
		if c == "" {
			return
		}
	}
	s.winner = WinnerDraw
	s.over = true
}

// ─── snapshot ─────────────────────────────────────────────────────────────────

// Snapshot is an immutable copy of the game, safe to share across goroutines
// and to marshal onto the side channel.
type Snapshot struct {
	// Board holds the 9 cells row-major from the top left; nil means empty.
	Board [9]*Mark `json:"board"`

	// CurrentPlayer is the side to move. Meaningless once GameOver is set.
	CurrentPlayer Mark `json:"current_player"`

	// Winner is nil while the game runs, otherwise "X", "O" or "draw".
	Winner *string `json:"winner"`

	// GameOver reports whether the game reached a terminal position.
	GameOver bool `json:"game_over"`
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		CurrentPlayer: s.turn,
		GameOver:      s.over,
	}
	for i, c := range s.board {
		if c != "" {
			m := c
			snap.Board[i] = &m
		}
	}
	if s.winner != "" {
		w := s.winner
		snap.Winner = &w
	}
	return snap
}

// Cell returns the mark at pos, or "" when the cell is empty or pos is out of
// range.
func (snap Snapshot) Cell(pos int) Mark {
	if pos < 0 || pos > 8 || snap.Board[pos] == nil {
		return ""
	}
	return *snap.Board[pos]
}

// FreeCells returns the empty positions in ascending order.
func (snap Snapshot) FreeCells() []int {
	free := make([]int, 0, 9)
	for i, c := range snap.Board {
		if c == nil {
			free = append(free, i)
		}
	}
	return free
}

// WouldWin reports whether placing mark at pos completes a line. The cell must
// be empty; occupied or out-of-range positions report false.
func (snap Snapshot) WouldWin(mark Mark, pos int) bool {
	if pos < 0 || pos > 8 || snap.Board[pos] != nil {
		return false
	}
	for _, line := range winLines {
		inLine := false
		for _, p := range line {
			if p == pos {
				inLine = true
				break
			}
		}
		if !inLine {
			continue
		}
		complete := true
		for _, p := range line {
			if p == pos {
				continue
			}
			if snap.Cell(p) != mark {
				complete = false
				break
			}
		}
		if complete {
			return true
		}
	}
	return false
}
