// Package httpapi exposes the HTTP surface: thread and config CRUD, the
// streaming message endpoint, artifact downloads, and health.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/agent"
	"github.com/nextlevelbuilder/agentdesk/internal/artifacts"
	"github.com/nextlevelbuilder/agentdesk/internal/config"
	"github.com/nextlevelbuilder/agentdesk/internal/locks"
	"github.com/nextlevelbuilder/agentdesk/internal/opendata"
	"github.com/nextlevelbuilder/agentdesk/internal/sandbox"
	"github.com/nextlevelbuilder/agentdesk/internal/state"
	"github.com/nextlevelbuilder/agentdesk/internal/store"
	"github.com/nextlevelbuilder/agentdesk/internal/tools"
)

// DataStore is the slice of the relational store the HTTP layer uses.
type DataStore interface {
	CreateThread(ctx context.Context, userID string, title *string, meta map[string]any) (*store.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (*store.Thread, error)
	ListThreads(ctx context.Context, userID string, limit int, includeArchived bool) ([]*store.Thread, error)
	UpdateThreadTitle(ctx context.Context, id uuid.UUID, title string) error
	SetThreadArchived(ctx context.Context, id uuid.UUID, archived bool) error
	DeleteThread(ctx context.Context, id uuid.UUID) error
	TouchThread(ctx context.Context, id uuid.UUID) error

	InsertUserMessage(ctx context.Context, threadID uuid.UUID, messageID, text string) (*store.Message, error)
	RecordRunOutput(ctx context.Context, threadID uuid.UUID, userMessageID string, tools []store.ToolRecord, assistantText string, meta map[string]any) error
	ListMessages(ctx context.Context, threadID uuid.UUID, limit int) ([]*store.Message, error)

	GetConfig(ctx context.Context, threadID uuid.UUID) (*store.ThreadConfig, error)
	UpsertConfig(ctx context.Context, c *store.ThreadConfig) error

	ArtifactsByToolCall(ctx context.Context, threadID uuid.UUID, toolCallID string) ([]*store.Artifact, error)
}

// Runner drives one user turn through the agent runtime.
type Runner interface {
	Run(ctx context.Context, cfg agent.Config, ec tools.ExecContext, userText string, onEvent func(agent.Event)) (*agent.RunResult, error)
}

// Titler generates thread titles; satisfied by any model provider via
// agent.GenerateTitle.
type Titler func(ctx context.Context, opening []*store.Message) (string, error)

// Deps bundles everything the server needs. Sandbox and ArtifactsHandler may
// be nil (sandbox-less deployments, tests).
type Deps struct {
	Store            DataStore
	Checkpointer     *state.Checkpointer
	Locks            *locks.Table
	Runner           Runner
	Titler           Titler
	Tokens           *artifacts.TokenService
	Sandbox          *sandbox.Manager
	Catalog          *opendata.Client
	ArtifactsHandler *artifacts.Handler
}

// Server is the HTTP front of the process.
type Server struct {
	cfg  *config.Config
	deps Deps

	limiter    *RateLimiter
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the HTTP layer.
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: NewRateLimiter(cfg.RateLimitRPM, 5),
	}
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("DELETE /api/threads/{id}", s.handleDeleteThread)
	mux.HandleFunc("POST /api/threads/{id}/archive", s.handleArchiveThread)
	mux.HandleFunc("POST /api/threads/{id}/unarchive", s.handleUnarchiveThread)
	mux.HandleFunc("PATCH /api/threads/{id}/title", s.handleUpdateTitle)

	mux.HandleFunc("POST /api/threads/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/threads/{id}/messages", s.handleListMessages)

	mux.HandleFunc("GET /api/config/defaults", s.handleDefaults)
	mux.HandleFunc("GET /api/threads/{id}/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/threads/{id}/config", s.handlePutConfig)

	if s.deps.ArtifactsHandler != nil {
		s.deps.ArtifactsHandler.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.BuildMux())
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}
	slog.Info("http server starting", "addr", s.cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withCORS allows the configured origins. No configured origins means no
// CORS headers at all; same-origin and non-browser clients are unaffected.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, a := range s.cfg.CORSOrigins {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}

// threadID parses the {id} path segment, writing a 400 on failure.
func threadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread ID"})
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
