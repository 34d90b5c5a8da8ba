// Package intel is the decision gateway: every judgement call the session
// needs — is this speech a move, where should the automated side play, what
// do we say back — goes through here.
//
// All operations are potentially slow (they may call an LLM backend) and must
// run off the coordinator's serialized loop. The gateway never lets a backend
// failure escape: every error is logged and mapped to a neutral fallback so a
// single failed call cannot stall the session. Returned positions are
// untrusted input; the coordinator validates them against the live game
// before applying.
package intel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voximply/gridtalk/internal/game"
	"github.com/voximply/gridtalk/internal/observe"
	"github.com/voximply/gridtalk/pkg/provider/llm"
)

// Canned remarks carried over from the session's persona.
const (
	// WinningComment is spoken when the automated side completes a line.
	WinningComment = "Huh, I knew you were such a loser."

	// RepairComment replaces a proposal the coordinator had to repair.
	RepairComment = "Let me try again."

	// defaultMoveComment fills in when the backend's reply had no comment.
	defaultMoveComment = "Making my move."
)

// TerminalComment returns the canned game-over line for a winner value
// ("X", "O" or "draw").
func TerminalComment(winner string) string {
	switch winner {
	case game.WinnerO:
		return WinningComment
	case game.WinnerX:
		return "Better luck next time!"
	default:
		return "It's a draw!"
	}
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithBoardContext makes Reply include the current board in its prompt.
func WithBoardContext() Option {
	return func(g *Gateway) { g.boardContext = true }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithClassifyTemperature overrides the classification sampling temperature.
func WithClassifyTemperature(t float64) Option {
	return func(g *Gateway) { g.classifyTemp = t }
}

// Gateway answers the session's decision requests using a local phonetic
// pass plus an LLM backend.
type Gateway struct {
	provider     llm.Provider
	matcher      *CellMatcher
	logger       *slog.Logger
	boardContext bool
	classifyTemp float64
}

// New creates a gateway backed by provider.
func New(provider llm.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider: provider,
		matcher:  NewCellMatcher(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// complete calls the LLM backend and records the round trip in the
// decision-latency histogram, labelled with the requesting operation.
func (g *Gateway) complete(ctx context.Context, operation string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := g.provider.Complete(ctx, req)
	observe.DefaultMetrics().DecisionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("operation", operation)))
	return resp, err
}

// ClassifyMove decides whether text names a board position. The local
// phonetic pass runs first so common phrasings never cost a backend round
// trip; only unresolved text goes to the LLM. Returns the position and true,
// or 0 and false for non-move speech or backend failure.
func (g *Gateway) ClassifyMove(ctx context.Context, text string) (int, bool) {
	ctx, span := observe.StartSpan(ctx, "intel.ClassifyMove")
	defer span.End()

	if pos, ok := g.matcher.Match(text); ok {
		return pos, true
	}

	prompt := fmt.Sprintf(`Determine if the user's message is a tic-tac-toe move. If yes, output the position (0-8).
User: %q. Respond ONLY with the position number or -1 if not a move.`, text)

	resp, err := g.complete(ctx, "classify", llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: g.classifyTemp,
	})
	if err != nil {
		g.logger.Warn("move classification backend failed", "err", err)
		return 0, false
	}
	pos, err := strconv.Atoi(strings.TrimSpace(resp.Content))
	if err != nil || pos < 0 || pos > 8 {
		return 0, false
	}
	return pos, true
}

// ProposeMove returns the automated side's next move for a non-terminal
// board, plus a short remark to speak.
//
// An immediate winning cell is taken without consulting the backend.
// Otherwise the backend answers in "position|comment" form; the returned
// position is NOT validated here — the coordinator checks it against the
// game and repairs invalid proposals. A backend failure or unparseable reply
// yields position -1, which the coordinator treats the same way.
func (g *Gateway) ProposeMove(ctx context.Context, snap game.Snapshot) (int, string) {
	ctx, span := observe.StartSpan(ctx, "intel.ProposeMove")
	defer span.End()

	free := snap.FreeCells()
	if len(free) == 0 {
		return -1, ""
	}
	for _, pos := range free {
		if snap.WouldWin(game.MarkO, pos) {
			return pos, WinningComment
		}
	}

	resp, err := g.complete(ctx, "propose", llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: proposePrompt(snap, free)}},
		Temperature: 0.2,
	})
	if err != nil {
		g.logger.Warn("move proposal backend failed", "err", err)
		return -1, ""
	}

	reply := strings.TrimSpace(resp.Content)
	position, comment := reply, defaultMoveComment
	if idx := strings.Index(reply, "|"); idx >= 0 {
		position = strings.TrimSpace(reply[:idx])
		comment = strings.TrimSpace(reply[idx+1:])
	}
	pos, err := strconv.Atoi(position)
	if err != nil {
		g.logger.Warn("unparseable move proposal", "reply", reply)
		return -1, ""
	}
	return pos, comment
}

// Reply produces a conversational response to non-move speech. The board is
// included only when the gateway was built with [WithBoardContext]. A backend
// failure returns "" and the caller drops the reply.
func (g *Gateway) Reply(ctx context.Context, text string, snap game.Snapshot) string {
	ctx, span := observe.StartSpan(ctx, "intel.Reply")
	defer span.End()

	var prompt string
	if g.boardContext {
		prompt = fmt.Sprintf(`You are an AI playing tic-tac-toe. Current board: %s. Respond to: %q. Keep it short and competitive.`,
			renderBoard(snap), text)
	} else {
		prompt = fmt.Sprintf(`You are an AI playing tic-tac-toe. Respond conversationally to: %q. Keep it short.`, text)
	}

	resp, err := g.complete(ctx, "reply", llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.7,
	})
	if err != nil {
		g.logger.Warn("reply backend failed", "err", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// proposePrompt renders the competitive-move prompt for the current board.
func proposePrompt(snap game.Snapshot, free []int) string {
	var xPositions []int
	for i := range 9 {
		if snap.Cell(i) == game.MarkX {
			xPositions = append(xPositions, i)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current tic-tac-toe board (0-8 positions):\n")
	for row := range 3 {
		cells := make([]string, 3)
		for col := range 3 {
			cells[col] = cellString(snap, row*3+col)
		}
		fmt.Fprintf(&b, "%s\n", strings.Join(cells, "|"))
	}
	fmt.Fprintf(&b, "\nPlayer X has moved to positions: %v\n", xPositions)
	fmt.Fprintf(&b, "Available positions: %v\n\n", free)
	b.WriteString(`You are player 'O', a highly competitive AI in a tic-tac-toe game. Your goal is not only to win but also to unnerve your opponent with strategic commentary. Analyze X's moves and:
1. Make a comment that subtly undermines their strategy.
2. Create your own winning line if possible. Announce your move with confidence and a hint of superiority.
3. Take strategic positions (center, corners) if no immediate threats. Make a comment that suggests you're thinking several steps ahead.

Return your move and a brief comment separated by a '|'. Example: '4|Just as I planned.'
`)
	fmt.Fprintf(&b, "Only use positions from %v.\n", free)
	b.WriteString(`
Attributes of comment -
1. A short, psychologically charged comment that feels human and subtly undermines your opponent.
2. Include playful words or phrases.
3. Keep it short and don't use the opponent's name.`)
	return b.String()
}

// renderBoard flattens the snapshot into the compact row form used in prompts.
func renderBoard(snap game.Snapshot) string {
	cells := make([]string, 9)
	for i := range 9 {
		cells[i] = cellString(snap, i)
	}
	return strings.Join(cells, "|")
}

func cellString(snap game.Snapshot, pos int) string {
	if m := snap.Cell(pos); m != "" {
		return string(m)
	}
	return "-"
}
