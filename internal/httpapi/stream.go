package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/bus"
	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/session"
	"github.com/dirigent-run/dirigent/internal/taskerr"
)

const (
	// heartbeatInterval paces the SSE comment frames that keep idle
	// proxies from cutting a quiet stream.
	heartbeatInterval = 15 * time.Second

	// Websocket keepalive: a peer that misses a pong for pongWait is
	// dropped; pings go out every pingInterval; writes get writeWait.
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second
)

type streamChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type streamDelta struct {
	Delta string `json:"delta"`
}

type streamFinal struct {
	Done       bool   `json:"done"`
	Final      string `json:"final"`
	Model      string `json:"model,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleStreamChat serves POST /api/stream/chat as server-sent events:
// one {"delta": …} frame per token batch, then a single closing frame with
// done set. Failures after the stream opens ride in the closing frame,
// since the 200 is already on the wire.
func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	var req streamChatRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeTaskError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeTaskError(w, taskerr.New(taskerr.CodeValidation, "message is required"))
		return
	}
	if err := s.checkString("message", req.Message); err != nil {
		writeTaskError(w, err)
		return
	}
	if req.SessionID != "" && !session.ValidSessionID(req.SessionID) {
		writeTaskError(w, taskerr.New(taskerr.CodeValidation, "invalid session_id"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	messages := s.chatMessages(ctx, req.SessionID, req.Message)
	model := s.deps.Models.Resolve(ctx, inference.ClassConversation)
	s.appendTurn(req.SessionID, session.RoleUser, req.Message)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The heartbeat goroutine and the delta callback share the writer.
	var mu sync.Mutex
	writeFrame := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mu.Lock()
				_, err := fmt.Fprint(w, ": ping\n\n")
				if err == nil {
					flusher.Flush()
				}
				mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	start := time.Now()
	res, err := s.deps.Inference.ChatStream(ctx, inference.ChatRequest{
		Model:    model,
		Messages: messages,
	}, func(delta string) error {
		return writeFrame(streamDelta{Delta: delta})
	})
	if err != nil {
		s.logger.Warn("chat stream failed", zap.String("model", model), zap.Error(err))
		_ = writeFrame(streamFinal{Done: true, Error: err.Error()})
		return
	}

	s.appendTurn(req.SessionID, session.RoleAssistant, res.Content)
	_ = writeFrame(streamFinal{
		Done:       true,
		Final:      res.Content,
		Model:      res.Model,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || originAllowed(origin)
	},
}

// handleEvents serves GET /api/stream/events over a websocket, feeding the
// subscriber every bus message that passes the optional workflow_id and
// types filters. With workflow_id and last_event_id set, buffered messages
// with a higher sequence are replayed before live delivery starts.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workflowID := q.Get("workflow_id")

	var filter bus.Filter = bus.All
	if raw := q.Get("types"); raw != "" {
		var types []bus.Type
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, bus.Type(t))
			}
		}
		if len(types) > 0 {
			filter = bus.TypesOf(types...)
		}
	}

	var lastSeq uint64
	if raw := q.Get("last_event_id"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid last_event_id")
			return
		}
		lastSeq = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sub := s.deps.Bus.Subscribe("ws-"+r.RemoteAddr, filter, bus.DefaultQueueSize)
	defer s.deps.Bus.Unsubscribe(sub)

	send := func(msg bus.Message) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if workflowID != "" && lastSeq > 0 {
		for _, msg := range s.deps.Bus.ReplaySince(workflowID, lastSeq) {
			if !filter(msg.Type) {
				continue
			}
			if err := send(msg); err != nil {
				return
			}
		}
	}

	// Reads only service control frames; any read error ends the session.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream opened",
		zap.String("remote", r.RemoteAddr),
		zap.String("workflow_id", workflowID),
	)

	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if workflowID != "" && msg.WorkflowID != workflowID {
				continue
			}
			if err := send(msg); err != nil {
				s.logger.Debug("event stream write failed",
					zap.String("remote", r.RemoteAddr),
					zap.Error(err),
				)
				return
			}
		case <-pinger.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
