// Package coordinator is the session's serialized turn engine. One goroutine
// owns the game; every input — side-channel payloads, finalized utterances,
// decision results — arrives as an intent on a single channel, so a voice
// move and a side-channel move can never race a mutation.
//
// Decision gateway calls are slow and run on worker goroutines; their results
// re-enter the loop through the same intent channel, so the loop itself never
// blocks on a backend.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/voximply/gridtalk/internal/game"
	"github.com/voximply/gridtalk/internal/ingest"
	"github.com/voximply/gridtalk/internal/intel"
	"github.com/voximply/gridtalk/internal/observe"
	"github.com/voximply/gridtalk/pkg/sidechannel"
)

// TurnState is the coordinator's position in the turn cycle.
type TurnState int

const (
	// WaitingForMove means X is to move; player input is accepted.
	WaitingForMove TurnState = iota

	// AutomatedTurn means O's move is being computed; player moves are
	// out of turn and ignored.
	AutomatedTurn

	// Terminal means the game ended; only reset changes state.
	Terminal
)

// String returns the human-readable state name.
func (s TurnState) String() string {
	switch s {
	case WaitingForMove:
		return "WAITING_FOR_MOVE"
	case AutomatedTurn:
		return "AUTOMATED_TURN"
	case Terminal:
		return "TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// Gateway makes the session's decisions. *intel.Gateway implements it.
type Gateway interface {
	ClassifyMove(ctx context.Context, text string) (int, bool)
	ProposeMove(ctx context.Context, snap game.Snapshot) (int, string)
	Reply(ctx context.Context, text string, snap game.Snapshot) string
}

// Speaker queues text for voice output. *speech.Queue implements it.
type Speaker interface {
	Enqueue(text string)
	Interrupt()
}

type intentKind int

const (
	intentPayload intentKind = iota // raw side-channel bytes
	intentUtterance                 // finalized speech
	intentClassified                // gateway: utterance is a move
	intentProposal                  // gateway: automated move ready
	intentSpeak                     // gateway: conversational reply ready
)

// intent is one unit of work for the serialized loop. epoch stamps work
// launched before a reset so stale results are discarded on re-entry.
type intent struct {
	kind    intentKind
	payload []byte
	text    string
	pos     int
	comment string
	epoch   uint64
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithBargeIn makes a new utterance interrupt in-flight voice output instead
// of queueing behind it.
func WithBargeIn() Option {
	return func(c *Coordinator) { c.bargeIn = true }
}

// Coordinator routes session events into game mutations, decisions, and
// broadcasts. Create with [New], drive with [Coordinator.Run].
type Coordinator struct {
	side    sidechannel.Channel
	gateway Gateway
	speaker Speaker
	logger  *slog.Logger
	bargeIn bool

	st      *game.State
	state   TurnState
	epoch   uint64 // bumped on reset; in-flight gateway work becomes stale
	intents chan intent

	workers sync.WaitGroup
}

// New creates a coordinator over a fresh game, X to move.
func New(side sidechannel.Channel, gateway Gateway, speaker Speaker, opts ...Option) *Coordinator {
	c := &Coordinator{
		side:    side,
		gateway: gateway,
		speaker: speaker,
		logger:  slog.Default(),
		st:      game.New(),
		state:   WaitingForMove,
		intents: make(chan intent, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current turn state. Only reliable from the Run goroutine
// or after Run returned; exposed for tests and status reporting.
func (c *Coordinator) State() TurnState {
	return c.state
}

// Sink returns the utterance sink to wire into ingest sessions.
func (c *Coordinator) Sink() ingest.Sink {
	return c.SubmitUtterance
}

// SubmitUtterance hands a finalized utterance to the loop. Safe for
// concurrent use; blocks only while the intent buffer is full.
func (c *Coordinator) SubmitUtterance(u ingest.Utterance) {
	if u.Text == "" {
		return
	}
	c.intents <- intent{kind: intentUtterance, text: u.Text}
}

// Run processes intents until ctx is cancelled or the side channel's inbound
// stream closes. It owns all game mutations; never call it twice.
func (c *Coordinator) Run(ctx context.Context) error {
	// Opening broadcast so late-joining clients have a board to render.
	c.broadcast(ctx)

	inbound := c.side.Inbound()
	for {
		select {
		case <-ctx.Done():
			c.workers.Wait()
			if err := ctx.Err(); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case payload, ok := <-inbound:
			if !ok {
				c.workers.Wait()
				return nil
			}
			c.handlePayload(ctx, payload)
		case in := <-c.intents:
			c.handleIntent(ctx, in)
		}
	}
}

func (c *Coordinator) handleIntent(ctx context.Context, in intent) {
	switch in.kind {
	case intentPayload:
		c.handlePayload(ctx, in.payload)
	case intentUtterance:
		c.handleUtterance(ctx, in.text)
	case intentClassified:
		if in.epoch != c.epoch {
			return
		}
		c.applyPlayerMove(ctx, game.MarkX, in.pos, "voice")
	case intentProposal:
		if in.epoch != c.epoch || c.state != AutomatedTurn {
			return
		}
		c.applyAutomatedMove(ctx, in.pos, in.comment)
	case intentSpeak:
		if in.epoch != c.epoch {
			return
		}
		if in.text != "" {
			c.speaker.Enqueue(in.text)
		}
	}
}

// handlePayload dispatches one side-channel message. Malformed payloads are
// logged and dropped; nothing is reported to the sender.
func (c *Coordinator) handlePayload(ctx context.Context, payload []byte) {
	kind, req, err := parseInbound(payload)
	if err != nil {
		c.logger.Debug("dropping side-channel payload", "err", err)
		return
	}

	switch kind {
	case TypeReset:
		c.reset(ctx)
	case TypeMove:
		if c.state != WaitingForMove {
			c.rejectMove(ctx, req.Player, "side_channel")
			return
		}
		c.applyPlayerMove(ctx, game.Mark(req.Player), *req.Position, "side_channel")
	}
}

// handleUtterance launches classification off the loop. The result re-enters
// as intentClassified or intentSpeak.
func (c *Coordinator) handleUtterance(ctx context.Context, text string) {
	if c.bargeIn {
		c.speaker.Interrupt()
	}

	epoch := c.epoch
	terminal := c.state == Terminal
	snap := c.st.Snapshot()

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()

		if pos, ok := c.gateway.ClassifyMove(ctx, text); ok {
			c.submit(ctx, intent{kind: intentClassified, pos: pos, epoch: epoch})
			return
		}
		if terminal {
			return
		}
		reply := c.gateway.Reply(ctx, text, snap)
		c.submit(ctx, intent{kind: intentSpeak, text: reply, epoch: epoch})
	}()
}

// applyPlayerMove validates one player move. Success broadcasts the snapshot
// and hands the turn to the automated side; failure is a silent no-op.
func (c *Coordinator) applyPlayerMove(ctx context.Context, mark game.Mark, pos int, source string) {
	if err := c.st.Apply(mark, pos); err != nil {
		c.logger.Debug("ignoring move", "player", string(mark), "position", pos, "source", source, "err", err)
		c.rejectMove(ctx, string(mark), source)
		return
	}
	observe.DefaultMetrics().RecordMove(ctx, string(mark), source)
	c.broadcast(ctx)

	if snap := c.st.Snapshot(); snap.GameOver {
		c.finish(ctx, snap)
		return
	}
	c.startAutomatedTurn(ctx)
}

// startAutomatedTurn launches the proposal worker. The result re-enters as
// intentProposal and is discarded if a reset happened meanwhile.
func (c *Coordinator) startAutomatedTurn(ctx context.Context) {
	c.state = AutomatedTurn
	epoch := c.epoch
	snap := c.st.Snapshot()

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		pos, comment := c.gateway.ProposeMove(ctx, snap)
		c.submit(ctx, intent{kind: intentProposal, pos: pos, comment: comment, epoch: epoch})
	}()
}

// applyAutomatedMove applies the gateway's proposal, repairing it to the
// first free cell when the proposed position is unplayable.
func (c *Coordinator) applyAutomatedMove(ctx context.Context, pos int, comment string) {
	if err := c.st.Apply(game.MarkO, pos); err != nil {
		free := c.st.Snapshot().FreeCells()
		if len(free) == 0 {
			// Unreachable from AutomatedTurn, but never stall the turn.
			c.logger.Error("no free cell for automated move")
			c.state = Terminal
			return
		}
		c.logger.Warn("repairing automated move", "proposed", pos, "repaired", free[0])
		pos, comment = free[0], intel.RepairComment
		if err := c.st.Apply(game.MarkO, pos); err != nil {
			c.logger.Error("repaired move rejected", "position", pos, "err", err)
			c.state = WaitingForMove
			return
		}
	}
	observe.DefaultMetrics().RecordMove(ctx, string(game.MarkO), "automated")

	if msg, err := encodeMove(pos, game.MarkO, comment); err == nil {
		c.publish(ctx, msg)
	}
	c.broadcast(ctx)
	if comment != "" {
		c.speaker.Enqueue(comment)
	}

	if snap := c.st.Snapshot(); snap.GameOver {
		c.finish(ctx, snap)
		return
	}
	c.state = WaitingForMove
}

// finish enters Terminal and announces the result on both outputs.
func (c *Coordinator) finish(ctx context.Context, snap game.Snapshot) {
	c.state = Terminal

	winner := ""
	if snap.Winner != nil {
		winner = *snap.Winner
	}
	comment := intel.TerminalComment(winner)
	if msg, err := encodeGameOver(winner, comment); err == nil {
		c.publish(ctx, msg)
	}
	c.speaker.Enqueue(comment)
}

// reset reinitializes the game from any state and invalidates in-flight
// gateway work.
func (c *Coordinator) reset(ctx context.Context) {
	c.st.Reset()
	c.epoch++
	c.state = WaitingForMove
	c.broadcast(ctx)
}

func (c *Coordinator) rejectMove(ctx context.Context, player, source string) {
	observe.DefaultMetrics().RecordRejectedMove(ctx, player, source)
}

// broadcast publishes the current snapshot on the side channel.
func (c *Coordinator) broadcast(ctx context.Context) {
	msg, err := encodeStateUpdate(c.st.Snapshot())
	if err != nil {
		c.logger.Error("encode state update", "err", err)
		return
	}
	c.publish(ctx, msg)
}

func (c *Coordinator) publish(ctx context.Context, msg []byte) {
	if err := c.side.Publish(ctx, msg); err != nil {
		c.logger.Warn("side-channel publish failed", "err", err)
	}
}

// submit re-enters the loop from a worker without blocking past shutdown.
func (c *Coordinator) submit(ctx context.Context, in intent) {
	select {
	case c.intents <- in:
	case <-ctx.Done():
	}
}
