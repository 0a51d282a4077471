package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ngbaranov/ChatAi/internal/config"
	"github.com/ngbaranov/ChatAi/internal/conversation"
	"github.com/ngbaranov/ChatAi/internal/history"
	"github.com/ngbaranov/ChatAi/internal/memory"
	"github.com/ngbaranov/ChatAi/internal/observability"
	"github.com/ngbaranov/ChatAi/internal/session"
)

// Turns runs one chat exchange.
type Turns interface {
	HandleTurn(ctx context.Context, userID, userMessage string) (string, error)
}

// Flusher persists and resets a user's live conversation. Purge deletes the
// durable history under the same per-user lock.
type Flusher interface {
	Flush(ctx context.Context, userID string) (history.Result, error)
	Reset(ctx context.Context, userID string) (history.Result, error)
	Purge(ctx context.Context, userID string) (int64, error)
}

// Loader restores a durable session into the live conversation.
type Loader interface {
	Load(ctx context.Context, userID, sessionID string) ([]conversation.Message, error)
}

// SettingsStore reads and writes model settings.
type SettingsStore interface {
	Settings(ctx context.Context, userID string) (conversation.Settings, error)
	GlobalSettings(ctx context.Context) (conversation.Settings, error)
	SaveGlobalSettings(ctx context.Context, settings conversation.Settings) error
	SaveUserSettings(ctx context.Context, userID string, settings conversation.Settings) error
}

// ReadyCheck reports whether a dependency answers.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Sessions    *session.Manager
	Turns       Turns
	Flusher     Flusher
	Loader      Loader
	Log         conversation.Log
	Settings    SettingsStore
	History     memory.Store
	HistoryMode string
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	ReadyChecks map[string]ReadyCheck
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// chats tracks websocket handlers until their disconnect flush is done.
	chats sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/perf/latency", s.handlePerfLatency)

	r.Get("/ws/chat", s.handleChatWS)
	r.Post("/reset_chat", s.handleResetChat)

	r.Route("/config", func(r chi.Router) {
		r.Get("/get_config", s.handleGetConfig)
		r.Post("/set_config", s.handleSetConfig)
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/", s.handleListHistory)
		r.Delete("/", s.handlePurgeHistory)
		r.Post("/{id}/load", s.handleLoadHistory)
	})

	return r
}

// Drain waits for open chat connections to finish flushing. Request
// contexts must already be cancelled (see http.Server.BaseContext).
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.chats.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"history_store_mode": s.deps.HistoryMode,
		"active_connections": s.activeConnections(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.ReadyChecks))
	status, code := "ready", http.StatusOK
	for name, check := range s.deps.ReadyChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	respondJSON(w, code, map[string]any{
		"status":             status,
		"checks":             checks,
		"history_store_mode": s.deps.HistoryMode,
	})
}

func (s *Server) activeConnections() int {
	if s.deps.Sessions == nil {
		return 0
	}
	return s.deps.Sessions.ActiveCount()
}

// userIDFrom reads the identity forwarded by the authentication layer in
// front of this service.
func userIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userIDFrom(r)
	if id == "" {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return "", false
	}
	return id, true
}

// respondFlushError maps flush failures to transport errors. Lock and
// persistence failures are transient.
func (s *Server) respondFlushError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrPersistence):
		respondError(w, http.StatusServiceUnavailable, "persistence_failed", err.Error())
	case isLockTimeout(err):
		respondError(w, http.StatusServiceUnavailable, "flush_in_progress", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "flush_failed", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
