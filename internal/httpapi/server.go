// Package httpapi exposes the engine over HTTP: JSON endpoints for tasks,
// streaming chat, health and introspection, plus a websocket event feed.
// Domain failures ride inside 200 responses as workflow records; non-2xx
// statuses are reserved for malformed requests and infrastructure faults.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/bus"
	"github.com/dirigent-run/dirigent/internal/config"
	"github.com/dirigent-run/dirigent/internal/db"
	"github.com/dirigent-run/dirigent/internal/health"
	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/learning"
	"github.com/dirigent-run/dirigent/internal/memory"
	"github.com/dirigent-run/dirigent/internal/orchestrator"
	"github.com/dirigent-run/dirigent/internal/personas"
	"github.com/dirigent-run/dirigent/internal/session"
	"github.com/dirigent-run/dirigent/internal/tracker"
)

// Orchestrator runs one task end to end and returns its record.
type Orchestrator interface {
	Execute(ctx context.Context, req orchestrator.Request) (*memory.WorkflowRecord, error)
}

// Inferencer is the slice of the inference client the API serves directly:
// single-turn chat, streaming chat, and the model listing.
type Inferencer interface {
	Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResult, error)
	ChatStream(ctx context.Context, req inference.ChatRequest, fn func(delta string) error) (*inference.ChatResult, error)
	ListModels(ctx context.Context) ([]inference.ModelInfo, error)
}

// Resolver picks a concrete model name for a task class.
type Resolver interface {
	Resolve(ctx context.Context, class inference.Class) string
}

// Deps collects the collaborators the server exposes. DB is optional; its
// aggregates appear in /api/stats only when a mirror is configured.
type Deps struct {
	Engine    Orchestrator
	Inference Inferencer
	Models    Resolver
	Health    *health.Manager
	Personas  *personas.Store
	Tracker   *tracker.Tracker
	Bus       *bus.Bus
	Memory    *memory.Store
	Sessions  *session.Manager
	Optimizer *learning.Optimizer
	DB        *db.Client
	Logger    *zap.Logger
}

func (d Deps) validate() error {
	var missing string
	switch {
	case d.Engine == nil:
		missing = "engine"
	case d.Inference == nil:
		missing = "inference client"
	case d.Models == nil:
		missing = "model resolver"
	case d.Health == nil:
		missing = "health manager"
	case d.Personas == nil:
		missing = "persona store"
	case d.Tracker == nil:
		missing = "tracker"
	case d.Bus == nil:
		missing = "bus"
	case d.Memory == nil:
		missing = "memory store"
	case d.Sessions == nil:
		missing = "session manager"
	case d.Optimizer == nil:
		missing = "optimizer"
	case d.Logger == nil:
		missing = "logger"
	default:
		return nil
	}
	return fmt.Errorf("httpapi: deps missing %s", missing)
}

// Server is the HTTP front-end.
type Server struct {
	cfg         config.HTTPConfig
	deps        Deps
	personality string
	workspace   string
	srv         *http.Server
	ln          net.Listener
	logger      *zap.Logger
}

// New builds the server from the HTTP, storage and personality sections of
// the configuration. The workspace directory is created if absent.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Storage.WorkspaceDir == "" {
		return nil, errors.New("httpapi: workspace directory not configured")
	}
	if err := os.MkdirAll(cfg.Storage.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("httpapi: create workspace: %w", err)
	}

	s := &Server{
		cfg:         cfg.HTTP,
		deps:        deps,
		personality: orchestrator.PersonalityPrefix(cfg.Personality),
		workspace:   cfg.Storage.WorkspaceDir,
		logger:      deps.Logger,
	}
	s.srv = &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // streaming endpoints hold the response open
		IdleTimeout:       300 * time.Second,
	}
	return s, nil
}

// Handler builds the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/task", s.handleTask)
	mux.HandleFunc("POST /api/stream/chat", s.handleStreamChat)
	mux.HandleFunc("GET /api/stream/events", s.handleEvents)
	mux.HandleFunc("GET /api/conversation/history", s.handleHistory)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/personas", s.handlePersonas)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/progress", s.handleProgress)
	mux.HandleFunc("POST /api/files/read", s.handleFileRead)
	mux.HandleFunc("POST /api/files/write", s.handleFileWrite)
	mux.HandleFunc("POST /api/files/list", s.handleFileList)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.recoverer(s.logging(s.cors(mux)))
}

// Listen binds the configured address. Kept separate from Serve so the
// caller can map bind failures onto its own exit path.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr reports the bound address; empty before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts requests until Shutdown. It binds first if Listen has not
// run; a clean shutdown returns nil.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("http server listening", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
