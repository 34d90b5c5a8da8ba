package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voximply/gridtalk/internal/config"
	"github.com/voximply/gridtalk/internal/ingest"
	"github.com/voximply/gridtalk/internal/observe"
	"github.com/voximply/gridtalk/internal/speech"
	"github.com/voximply/gridtalk/pkg/audio"
	"github.com/voximply/gridtalk/pkg/provider/stt"
)

// Room audio format. The meet platform delivers mono PCM at 48 kHz and the
// transcription stream is opened to match.
const (
	sessionSampleRate = 48000
	sessionChannels   = 1
)

// ErrSessionActive is returned by Start when a session is already running.
var ErrSessionActive = errors.New("session: a session is already active")

// ErrNoSession is returned by Stop when no session is running.
var ErrNoSession = errors.New("session: no active session")

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// RoomID is the meeting room the session is connected to.
	RoomID string `json:"room_id"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

// outputSink routes synthesised audio frames to the active room connection.
// Frames sent while no room is joined are dropped.
type outputSink struct {
	mu sync.Mutex
	ch chan<- audio.AudioFrame
}

var _ speech.Sink = (*outputSink)(nil)

func (s *outputSink) bind(ch chan<- audio.AudioFrame) {
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
}

func (s *outputSink) unbind() {
	s.bind(nil)
}

// Send implements [speech.Sink]. Returns false when the frame was dropped,
// either because no room is joined or because the output buffer is full.
func (s *outputSink) Send(frame audio.AudioFrame) bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- frame:
		return true
	default:
		return false
	}
}

// SessionManager manages the lifecycle of room sessions. Only one session can
// be active at a time. All exported methods are safe for concurrent use.
//
// For each participant in the joined room the manager runs an [ingest.Session]
// that pumps audio into the transcription backend and delivers finalized
// utterances to the coordinator's sink. A speaker's rate estimate lives as
// long as their ingest session; leaving and rejoining starts endpoint timing
// from the baseline again.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	token  string
	conn   audio.Connection
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	// speakers tracks which participants have a live ingest session.
	speakerMu sync.Mutex
	speakers  map[string]struct{}

	// Dependencies injected at construction.
	platform audio.Platform
	cfg      *config.Config
	sttp     stt.Provider
	sink     ingest.Sink
	output   *outputSink
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Platform audio.Platform
	Config   *config.Config
	STT      stt.Provider
	Sink     ingest.Sink
	Output   *outputSink
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		speakers: make(map[string]struct{}),
		platform: cfg.Platform,
		cfg:      cfg.Config,
		sttp:     cfg.STT,
		sink:     cfg.Sink,
		output:   cfg.Output,
	}
}

// Start joins the given room and begins ingesting participant audio. Each
// participant already in the room gets an ingest session immediately; later
// joiners are picked up via the connection's participant events. The token is
// the room credential presented at join; media attachments must echo it (see
// [SessionManager.Token]).
//
// Returns [ErrSessionActive] if a session is already running.
func (sm *SessionManager) Start(ctx context.Context, roomID, token string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	now := time.Now().UTC()
	sessionID := fmt.Sprintf("session-%s-%s", sanitizeName(roomID), now.Format("20060102T150405Z"))

	conn, err := sm.platform.Connect(ctx, roomID)
	if err != nil {
		return fmt.Errorf("session: connect to room %q: %w", roomID, err)
	}

	// Session-scoped context for the ingest loops. Lives past Start's ctx.
	sessionCtx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	sm.output.bind(conn.OutputStream())

	for userID, frames := range conn.InputStreams() {
		sm.startSpeaker(sessionCtx, wg, userID, userID, frames)
	}

	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type != audio.EventJoin {
			// A leaving participant's frame stream is closed by the
			// platform, which ends their ingest session.
			return
		}
		go sm.attachSpeaker(sessionCtx, wg, conn, ev)
	})

	sm.active = true
	sm.token = token
	sm.conn = conn
	sm.cancel = cancel
	sm.wg = wg
	sm.info = SessionInfo{
		SessionID: sessionID,
		RoomID:    roomID,
		StartedAt: now,
	}

	observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
	slog.Info("session started", "session_id", sessionID, "room_id", roomID)
	return nil
}

// Stop leaves the room and tears down all ingest sessions. It waits for the
// ingest loops to flush and exit, up to ctx's deadline.
//
// Returns [ErrNoSession] if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return ErrNoSession
	}
	conn, cancel, wg := sm.conn, sm.cancel, sm.wg
	sessionID := sm.info.SessionID

	sm.active = false
	sm.token = ""
	sm.conn = nil
	sm.cancel = nil
	sm.wg = nil
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	observe.DefaultMetrics().ActiveSessions.Add(ctx, -1)

	// Stop routing synthesised audio first so the speech queue cannot write
	// to a disconnecting channel.
	sm.output.unbind()

	if err := conn.Disconnect(); err != nil {
		slog.Warn("session: disconnect error", "session_id", sessionID, "err", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("session: ingest loops did not stop before deadline", "session_id", sessionID)
		return ctx.Err()
	}

	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns the zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Token returns the active session's room credential, or "" when no session
// is running. It is never part of [SessionInfo] so it cannot leak through the
// session endpoints.
func (sm *SessionManager) Token() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.token
}

// attachSpeaker looks up the input stream for a newly joined participant and
// starts their ingest session.
func (sm *SessionManager) attachSpeaker(ctx context.Context, wg *sync.WaitGroup, conn audio.Connection, ev audio.Event) {
	frames, ok := conn.InputStreams()[ev.UserID]
	if !ok {
		slog.Warn("session: no input stream for joined participant", "user_id", ev.UserID)
		return
	}
	sm.startSpeaker(ctx, wg, ev.UserID, ev.Username, frames)
}

// startSpeaker runs an ingest session for one participant. No-op when a
// session for that participant is already running.
//
// The rate estimate is created here and owned by the ingest session, so a
// speaker who leaves and rejoins is endpointed from the baseline again rather
// than from their previous pace.
func (sm *SessionManager) startSpeaker(ctx context.Context, wg *sync.WaitGroup, userID, username string, frames <-chan audio.AudioFrame) {
	sm.speakerMu.Lock()
	if _, running := sm.speakers[userID]; running {
		sm.speakerMu.Unlock()
		return
	}
	sm.speakers[userID] = struct{}{}
	sm.speakerMu.Unlock()

	rate := ingest.NewRateEstimate()

	sess := ingest.NewSession(ingest.SessionConfig{
		SpeakerID:   userID,
		SpeakerName: username,
		Frames:      frames,
		Provider:    sm.sttp,
		Stream: stt.StreamConfig{
			SampleRate:   sessionSampleRate,
			Channels:     sessionChannels,
			Language:     sm.cfg.Session.Language,
			Endpointing:  time.Duration(sm.cfg.Session.EndpointingMS) * time.Millisecond,
			UtteranceEnd: time.Duration(sm.cfg.Session.UtteranceEndMS) * time.Millisecond,
		},
		Sink: sm.sink,
		Rate: rate,
	})

	slog.Debug("session: speaker joined", "user_id", userID, "username", username)
	observe.DefaultMetrics().ActiveSpeakers.Add(ctx, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			sm.speakerMu.Lock()
			delete(sm.speakers, userID)
			sm.speakerMu.Unlock()
			observe.DefaultMetrics().ActiveSpeakers.Add(context.Background(), -1)
			slog.Debug("session: speaker left", "user_id", userID)
		}()
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("session: ingest error", "user_id", userID, "err", err)
		}
	}()
}

// sanitizeName lowercases a room name and replaces spaces with hyphens for
// use in session IDs.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}
