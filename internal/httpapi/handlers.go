package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/aggregate"
	"github.com/dirigent-run/dirigent/internal/db"
	"github.com/dirigent-run/dirigent/internal/health"
	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/learning"
	"github.com/dirigent-run/dirigent/internal/memory"
	"github.com/dirigent-run/dirigent/internal/orchestrator"
	"github.com/dirigent-run/dirigent/internal/personas"
	"github.com/dirigent-run/dirigent/internal/session"
	"github.com/dirigent-run/dirigent/internal/taskerr"
	"github.com/dirigent-run/dirigent/internal/tracker"
)

type healthResponse struct {
	Status     string                        `json:"status"`
	Backend    string                        `json:"backend"`
	Timestamp  time.Time                     `json:"timestamp"`
	Components map[string]health.CheckResult `json:"components,omitempty"`
}

// handleHealth serves GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Health.Report(r.Context())

	backend := "unreachable"
	if c, ok := rep.Components["backend"]; ok && c.Status != health.StatusUnhealthy {
		backend = "reachable"
	}

	status := "ok"
	httpStatus := http.StatusOK
	switch rep.Overall.Status {
	case health.StatusHealthy:
	case health.StatusDegraded:
		status = "degraded"
	default:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, healthResponse{
		Status:     status,
		Backend:    backend,
		Timestamp:  time.Now().UTC(),
		Components: rep.Components,
	})
}

// taskRequest is the POST /api/task body.
type taskRequest struct {
	Task            string            `json:"task"`
	Context         map[string]string `json:"context,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	Format          string            `json:"format,omitempty"`
	UseOrchestrator *bool             `json:"use_orchestrator,omitempty"`
}

// handleTask serves POST /api/task. The response is always the workflow
// record on 200, whatever the workflow's own status; errors before dispatch
// map onto 400 (validation) and 422 (decomposition).
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeTaskError(w, err)
		return
	}
	if err := s.validateTaskRequest(&req); err != nil {
		writeTaskError(w, err)
		return
	}

	if req.UseOrchestrator != nil && !*req.UseOrchestrator {
		s.directChat(w, r, req.Task, req.SessionID)
		return
	}

	format, err := aggregate.ParseFormat(req.Format)
	if err != nil {
		writeTaskError(w, taskerr.Wrap(taskerr.CodeValidation, err, "invalid format"))
		return
	}

	rec, err := s.deps.Engine.Execute(r.Context(), orchestrator.Request{
		Task:      req.Task,
		Context:   req.Context,
		SessionID: req.SessionID,
		Format:    format,
	})
	if err != nil {
		s.logger.Warn("task rejected",
			zap.String("code", string(taskerr.CodeOf(err))),
			zap.Error(err),
		)
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) validateTaskRequest(req *taskRequest) error {
	if strings.TrimSpace(req.Task) == "" {
		return taskerr.New(taskerr.CodeValidation, "task is required")
	}
	if err := s.checkString("task", req.Task); err != nil {
		return err
	}
	for k, v := range req.Context {
		if err := s.checkString("context key", k); err != nil {
			return err
		}
		if err := s.checkString("context."+k, v); err != nil {
			return err
		}
	}
	if req.SessionID != "" && !session.ValidSessionID(req.SessionID) {
		return taskerr.New(taskerr.CodeValidation, "invalid session_id")
	}
	return nil
}

type chatResponse struct {
	Response   string `json:"response"`
	Model      string `json:"model"`
	DurationMS int64  `json:"duration_ms"`
}

// directChat answers a task without orchestration: one conversation-class
// model call with the session window as context.
func (s *Server) directChat(w http.ResponseWriter, r *http.Request, text, sessionID string) {
	ctx := r.Context()
	messages := s.chatMessages(ctx, sessionID, text)
	model := s.deps.Models.Resolve(ctx, inference.ClassConversation)
	s.appendTurn(sessionID, session.RoleUser, text)

	start := time.Now()
	res, err := s.deps.Inference.Chat(ctx, inference.ChatRequest{Model: model, Messages: messages})
	if err != nil {
		s.logger.Warn("direct chat failed", zap.String("model", model), zap.Error(err))
		writeTaskError(w, err)
		return
	}

	s.appendTurn(sessionID, session.RoleAssistant, res.Content)
	writeJSON(w, http.StatusOK, chatResponse{
		Response:   res.Content,
		Model:      res.Model,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// chatMessages assembles the prompt for the direct chat paths: personality
// system message, recent session turns, then the new user message.
func (s *Server) chatMessages(ctx context.Context, sessionID, text string) []inference.Message {
	messages := make([]inference.Message, 0, 8)
	if s.personality != "" {
		messages = append(messages, inference.Message{Role: "system", Content: s.personality})
	}
	if sessionID != "" {
		turns, err := s.deps.Sessions.Turns(ctx, sessionID)
		if err != nil {
			s.logger.Warn("session window unavailable",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
		for _, turn := range turns {
			messages = append(messages, inference.Message{Role: turn.Role, Content: turn.Content})
		}
	}
	return append(messages, inference.Message{Role: "user", Content: text})
}

// appendTurn records one conversation turn. A fresh context keeps the write
// alive when the client disconnects right after the response; failures log
// and never fail the request.
func (s *Server) appendTurn(sessionID, role, content string) {
	if sessionID == "" || content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Sessions.AppendTurn(ctx, sessionID, role, content); err != nil {
		s.logger.Warn("append conversation turn",
			zap.String("session_id", sessionID),
			zap.String("role", role),
			zap.Error(err),
		)
	}
}

type historyResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []session.Turn `json:"turns"`
}

// handleHistory serves GET /api/conversation/history?session=…&limit=….
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if !session.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid or missing session")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}

	turns, err := s.deps.Sessions.History(sessionID, limit)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: sessionID, Turns: turns})
}

type personaStats struct {
	Total     int            `json:"total"`
	ByDomain  map[string]int `json:"by_domain"`
	MeanScore float64        `json:"mean_score"`
}

type statsResponse struct {
	Personas      personaStats                  `json:"personas"`
	Workflows     memory.Stats                  `json:"workflows"`
	Sessions      session.Stats                 `json:"sessions"`
	TopPerformers []learning.PersonaPerformance `json:"top_performers"`
	Database      *db.Stats                     `json:"database,omitempty"`
}

// handleStats serves GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Workflows: s.deps.Memory.Stats(),
		Sessions:  s.deps.Sessions.Stats(),
	}

	all := s.deps.Personas.List(personas.ListFilter{})
	ps := personaStats{
		Total:    len(all),
		ByDomain: lo.CountValuesBy(all, func(p *personas.Persona) string { return p.DNA.Domain }),
	}
	if len(all) > 0 {
		ps.MeanScore = lo.SumBy(all, func(p *personas.Persona) float64 { return p.SuccessScore }) / float64(len(all))
	}
	resp.Personas = ps

	perf := s.deps.Optimizer.Snapshot()
	if len(perf) > 10 {
		perf = perf[:10]
	}
	if perf == nil {
		perf = []learning.PersonaPerformance{}
	}
	resp.TopPerformers = perf

	if s.deps.DB != nil {
		if st, err := s.deps.DB.Stats(r.Context()); err != nil {
			s.logger.Warn("database stats unavailable", zap.Error(err))
		} else {
			resp.Database = &st
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type personaSummary struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	Seniority string  `json:"seniority"`
	Domain    string  `json:"domain"`
	Score     float64 `json:"score"`
	Uses      int     `json:"uses"`
}

// handlePersonas serves GET /api/personas with optional role and domain
// filters.
func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	filter := personas.ListFilter{
		Role:   r.URL.Query().Get("role"),
		Domain: r.URL.Query().Get("domain"),
	}
	list := s.deps.Personas.List(filter)

	out := lo.Map(list, func(p *personas.Persona, _ int) personaSummary {
		return personaSummary{
			ID:        p.ID,
			Role:      p.DNA.Role,
			Seniority: p.DNA.Seniority,
			Domain:    p.DNA.Domain,
			Score:     p.SuccessScore,
			Uses:      p.UsageCount,
		}
	})
	writeJSON(w, http.StatusOK, out)
}

// handleModels serves GET /api/models with the backend's tag listing.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Inference.ListModels(r.Context())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if models == nil {
		models = []inference.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// handleProgress serves GET /api/progress with every in-flight workflow.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Tracker.Active()
	if active == nil {
		active = []*tracker.WorkflowStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": active,
		"count":  len(active),
	})
}
