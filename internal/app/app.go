// Package app wires configuration, providers, and subsystems into a running
// GridTalk server: the side channel, the decision gateway, the speech queue,
// the turn coordinator, and the room session manager.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voximply/gridtalk/internal/config"
	"github.com/voximply/gridtalk/internal/coordinator"
	"github.com/voximply/gridtalk/internal/health"
	"github.com/voximply/gridtalk/internal/intel"
	"github.com/voximply/gridtalk/internal/observe"
	"github.com/voximply/gridtalk/internal/speech"
	"github.com/voximply/gridtalk/pkg/audio"
	"github.com/voximply/gridtalk/pkg/audio/meet"
	"github.com/voximply/gridtalk/pkg/provider/llm"
	"github.com/voximply/gridtalk/pkg/provider/stt"
	"github.com/voximply/gridtalk/pkg/provider/tts"
	"github.com/voximply/gridtalk/pkg/sidechannel"
	"github.com/voximply/gridtalk/pkg/sidechannel/ws"
)

// Providers bundles the external service providers the application runs on.
// All four slots must be populated before calling [New].
type Providers struct {
	// LLM backs the decision gateway (move classification, automated moves,
	// conversational replies).
	LLM llm.Provider

	// STT transcribes per-speaker audio streams.
	STT stt.Provider

	// TTS synthesises the voice responses played into the room.
	TTS tts.Provider

	// Audio connects to meeting rooms and exposes participant streams.
	Audio audio.Platform
}

// App owns all subsystems for one GridTalk server process.
type App struct {
	cfg       *config.Config
	providers *Providers

	side     sidechannel.Channel
	hub      *ws.Hub // nil when a custom side channel was injected
	gateway  *intel.Gateway
	sink     *outputSink
	queue    *speech.Queue
	coord    *coordinator.Coordinator
	sessions *SessionManager
	health   *health.Handler

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option customises an [App], mainly for injecting test doubles.
type Option func(*App)

// WithSideChannel replaces the default WebSocket hub with the given channel.
func WithSideChannel(side sidechannel.Channel) Option {
	return func(a *App) { a.side = side }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New assembles the application from configuration and providers. It does not
// start any goroutines besides the speech queue's dispatcher; call [App.Run]
// to begin serving.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		return nil, fmt.Errorf("app: providers must not be nil")
	}
	if providers.LLM == nil || providers.STT == nil || providers.TTS == nil || providers.Audio == nil {
		return nil, fmt.Errorf("app: all providers (llm, stt, tts, audio) must be configured")
	}

	a := &App{cfg: cfg, providers: providers}
	for _, opt := range opts {
		opt(a)
	}

	// ── 1. Side channel ──────────────────────────────────────────────────
	if a.side == nil {
		hub := ws.NewHub()
		a.side = hub
		a.hub = hub
	}
	a.closers = append(a.closers, a.side.Close)

	// ── 2. Decision gateway ──────────────────────────────────────────────
	var gwOpts []intel.Option
	if cfg.Session.BoardContext {
		gwOpts = append(gwOpts, intel.WithBoardContext())
	}
	a.gateway = intel.New(providers.LLM, gwOpts...)

	// ── 3. Speech queue ──────────────────────────────────────────────────
	a.sink = &outputSink{}
	a.queue = speech.New(providers.TTS, a.sink,
		speech.WithVoice(configVoiceProfile(cfg.Session.Voice)),
	)
	a.closers = append(a.closers, a.queue.Close)

	// ── 4. Coordinator ───────────────────────────────────────────────────
	var coordOpts []coordinator.Option
	if cfg.Session.AllowBargeIn {
		coordOpts = append(coordOpts, coordinator.WithBargeIn())
	}
	a.coord = coordinator.New(a.side, a.gateway, a.queue, coordOpts...)

	// ── 5. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Platform: providers.Audio,
		Config:   cfg,
		STT:      providers.STT,
		Sink:     a.coord.Sink(),
		Output:   a.sink,
	})

	// ── 6. Health checks ─────────────────────────────────────────────────
	a.health = health.New(health.Checker{
		Name: "side_channel",
		Check: func(ctx context.Context) error {
			return a.side.Publish(ctx, []byte(`{"type":"ping"}`))
		},
	})

	_ = ctx // reserved for provider warm-up
	return a, nil
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

// Handler returns the control-plane HTTP handler: side channel, media bridge,
// session control, health, and metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	if a.hub != nil {
		mux.Handle("GET /channel", a.hub.Handler())
	}
	if platform, ok := a.providers.Audio.(*meet.Platform); ok {
		bridge := meet.NewBridge(platform)
		mux.Handle("/media/", http.StripPrefix("/media", a.requireSessionToken(bridge.Handler())))
	}

	mux.HandleFunc("POST /session/join", a.handleJoin)
	mux.HandleFunc("POST /session/leave", a.handleLeave)
	mux.HandleFunc("GET /session", a.handleSessionInfo)

	mux.HandleFunc("GET /healthz", a.health.Healthz)
	mux.HandleFunc("GET /readyz", a.health.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return corsMiddleware(observe.Middleware(observe.DefaultMetrics())(mux))
}

// corsMiddleware answers preflight requests and marks every response as
// cross-origin accessible. Board clients are served from arbitrary origins.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSessionToken gates media attachments on the credential that joined
// the session. The token travels as a query parameter because browser
// WebSocket clients cannot set request headers.
func (a *App) requireSessionToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.sessions.IsActive() {
			httpError(w, http.StatusConflict, "no active session")
			return
		}
		if r.URL.Query().Get("token") != a.sessions.Token() {
			httpError(w, http.StatusUnauthorized, "missing or invalid session token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// joinRequest is the body of POST /session/join.
type joinRequest struct {
	RoomID string `json:"room_id"`
	Token  string `json:"token"`
}

func (a *App) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" || req.Token == "" {
		httpError(w, http.StatusBadRequest, "body must be a JSON object with non-empty room_id and token")
		return
	}

	if err := a.sessions.Start(r.Context(), req.RoomID, req.Token); err != nil {
		if errors.Is(err, ErrSessionActive) {
			httpError(w, http.StatusConflict, err.Error())
			return
		}
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, a.sessions.Info())
}

func (a *App) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Stop(r.Context()); err != nil {
		if errors.Is(err, ErrNoSession) {
			httpError(w, http.StatusConflict, err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSessionInfo(w http.ResponseWriter, _ *http.Request) {
	if !a.sessions.IsActive() {
		httpError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, a.sessions.Info())
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the coordinator loop and, when a listen address is configured,
// the control-plane HTTP server. It blocks until ctx is cancelled or a
// subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.coord.Run(ctx)
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			slog.Info("control server listening", "addr", addr)
			var err error
			if tc := a.cfg.Server.TLS; tc != nil {
				err = srv.ListenAndServeTLS(tc.CertFile, tc.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: control server: %w", err)
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"barge_in", a.cfg.Session.AllowBargeIn,
		"language", a.cfg.Session.Language,
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session (if any) and closes all subsystems in
// reverse creation order. Safe to call more than once; only the first call
// does the work.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if err := a.sessions.Stop(ctx); err != nil {
				slog.Warn("session stop error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		slog.Info("shutdown complete")
	})
	return firstErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// configVoiceProfile converts a config voice block to a provider profile.
func configVoiceProfile(vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:              vc.VoiceID,
		Provider:        vc.Provider,
		Stability:       vc.Stability,
		SimilarityBoost: vc.SimilarityBoost,
		SpeedFactor:     vc.SpeedFactor,
	}
}
