// Package session keeps the short-term conversational context: a sliding
// FIFO window of turns per session, backed by an in-process map or Redis,
// with the full transcript persisted as one JSON file per session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/config"
	"github.com/dirigent-run/dirigent/internal/metrics"
	"github.com/dirigent-run/dirigent/internal/taskerr"
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidSessionID reports whether id is safe to use as a session key and
// conversation filename.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// Manager owns per-session turn windows and transcript files. All turn
// writes for a session are serialised behind its lock.
type Manager struct {
	store  Store
	window int
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	history map[string][]Turn
	loaded  map[string]bool
}

// NewManager builds a manager using Redis when the configuration names an
// address, the in-process store otherwise.
func NewManager(cfg config.SessionConfig, conversationDir string, logger *zap.Logger) (*Manager, error) {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}

	var store Store
	if cfg.RedisAddr != "" {
		rs, err := newRedisStore(cfg.RedisAddr, logger)
		if err != nil {
			return nil, err
		}
		store = rs
		logger.Info("session store using redis", zap.String("addr", cfg.RedisAddr))
	} else {
		store = newMemoryStore()
	}

	if err := os.MkdirAll(conversationDir, 0o755); err != nil {
		store.Close()
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}

	return &Manager{
		store:   store,
		window:  window,
		dir:     conversationDir,
		logger:  logger,
		history: make(map[string][]Turn),
		loaded:  make(map[string]bool),
	}, nil
}

// Window reports the configured turn cap.
func (m *Manager) Window() int { return m.window }

// AppendTurn records one turn: into the sliding window and onto the
// session's transcript file.
func (m *Manager) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	if !ValidSessionID(sessionID) {
		return taskerr.New(taskerr.CodeValidation, "invalid session id %q", sessionID)
	}
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return taskerr.New(taskerr.CodeValidation, "invalid turn role %q", role)
	}

	turn := Turn{Role: role, Content: content, Timestamp: time.Now().UTC()}
	if err := m.store.Append(ctx, sessionID, turn, m.window); err != nil {
		return err
	}

	m.mu.Lock()
	m.loadLocked(sessionID)
	m.history[sessionID] = append(m.history[sessionID], turn)
	m.persistLocked(sessionID)
	metrics.SessionsActive.Set(float64(len(m.history)))
	m.mu.Unlock()

	metrics.SessionTurns.Inc()
	return nil
}

// Turns returns the current window, oldest first.
func (m *Manager) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	if !ValidSessionID(sessionID) {
		return nil, taskerr.New(taskerr.CodeValidation, "invalid session id %q", sessionID)
	}
	return m.store.Turns(ctx, sessionID)
}

// History returns the full persisted transcript, oldest first. limit <= 0
// returns everything.
func (m *Manager) History(sessionID string, limit int) ([]Turn, error) {
	if !ValidSessionID(sessionID) {
		return nil, taskerr.New(taskerr.CodeValidation, "invalid session id %q", sessionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(sessionID)
	turns := m.history[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]Turn(nil), turns...), nil
}

// ContextString renders the last n window turns as a prompt block, one
// "ROLE: content" line per turn. n <= 0 includes the whole window.
func (m *Manager) ContextString(ctx context.Context, sessionID string, n int) (string, error) {
	turns, err := m.Turns(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, strings.ToUpper(t.Role)+": "+t.Content)
	}
	return strings.Join(lines, "\n"), nil
}

// Clear wipes a session: window, in-memory transcript, and file.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	if !ValidSessionID(sessionID) {
		return taskerr.New(taskerr.CodeValidation, "invalid session id %q", sessionID)
	}
	if err := m.store.Clear(ctx, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, sessionID)
	m.loaded[sessionID] = true
	if err := os.Remove(m.pathFor(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove conversation file: %w", err)
	}
	metrics.SessionsActive.Set(float64(len(m.history)))
	return nil
}

// Stats summarises session state for the stats endpoint.
type Stats struct {
	Sessions int `json:"sessions"`
	Turns    int `json:"turns"`
	Window   int `json:"window"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Sessions: len(m.history), Window: m.window}
	for _, turns := range m.history {
		st.Turns += len(turns)
	}
	return st
}

// Close releases the backing store.
func (m *Manager) Close() error { return m.store.Close() }

func (m *Manager) pathFor(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".json")
}

// loadLocked pulls the transcript file into memory on first touch. A
// missing or damaged file starts the session fresh.
func (m *Manager) loadLocked(sessionID string) {
	if m.loaded[sessionID] {
		return
	}
	m.loaded[sessionID] = true

	data, err := os.ReadFile(m.pathFor(sessionID))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("reading conversation file failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		m.logger.Warn("conversation file damaged, starting fresh",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.history[sessionID] = turns
}

func (m *Manager) persistLocked(sessionID string) {
	data, err := json.MarshalIndent(m.history[sessionID], "", "  ")
	if err != nil {
		m.logger.Error("marshal conversation", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	path := m.pathFor(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.logger.Error("write conversation file", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		m.logger.Error("swap conversation file", zap.String("session_id", sessionID), zap.Error(err))
	}
}
