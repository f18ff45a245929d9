// Package tracker owns subtask lifecycle state. All mutation goes through
// Transition and Skip; every other component observes through the message
// bus or read-only snapshots.
package tracker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/metrics"
	"github.com/dirigent-run/dirigent/internal/taskerr"
	"github.com/dirigent-run/dirigent/internal/taskgraph"
)

// State is a subtask lifecycle state.
type State string

const (
	Pending    State = "pending"
	Assigned   State = "assigned"
	InProgress State = "in_progress"
	Completed  State = "completed"
	Failed     State = "failed"
)

// validNext encodes the state machine. The pending->failed skip edge is not
// here; it exists only through Skip.
var validNext = map[State][]State{
	Pending:    {Assigned},
	Assigned:   {InProgress},
	InProgress: {Completed, Failed},
}

// Terminal reports whether s ends a subtask's lifecycle.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

func legal(from, to State) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// SubtaskStatus is the tracked record of one subtask.
type SubtaskStatus struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	State      State     `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	History    []State   `json:"history"`
	CreatedAt  time.Time `json:"created_at"`
	AssignedAt time.Time `json:"assigned_at,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// WorkflowStatus is a read-only snapshot of one workflow's tracked state.
type WorkflowStatus struct {
	TaskID    string                    `json:"task_id"`
	Plan      *taskgraph.Plan           `json:"plan"`
	Subtasks  map[string]*SubtaskStatus `json:"subtasks"`
	Progress  float64                   `json:"progress"`
	CreatedAt time.Time                 `json:"created_at"`
}

type workflow struct {
	taskID    string
	graph     *taskgraph.Graph
	plan      *taskgraph.Plan
	subtasks  map[string]*SubtaskStatus
	createdAt time.Time
}

// Tracker tracks all active workflows. Safe for concurrent use; a single
// mutex serialises transitions so per-subtask state history is ordered.
type Tracker struct {
	mu        sync.RWMutex
	workflows map[string]*workflow
	bySubtask map[string]*workflow
	logger    *zap.Logger
}

// New creates an empty tracker.
func New(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		workflows: make(map[string]*workflow),
		bySubtask: make(map[string]*workflow),
		logger:    logger,
	}
}

// Create registers a workflow with its plan. Every subtask starts pending.
func (t *Tracker) Create(taskID string, g *taskgraph.Graph, plan *taskgraph.Plan) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.workflows[taskID]; exists {
		return taskerr.New(taskerr.CodeState, "workflow %s already tracked", taskID)
	}

	now := time.Now().UTC()
	w := &workflow{
		taskID:    taskID,
		graph:     g,
		plan:      plan,
		subtasks:  make(map[string]*SubtaskStatus, g.Len()),
		createdAt: now,
	}
	for _, id := range g.Order() {
		if _, taken := t.bySubtask[id]; taken {
			return taskerr.New(taskerr.CodeState, "subtask id %s already tracked", id)
		}
		w.subtasks[id] = &SubtaskStatus{
			ID:        id,
			TaskID:    taskID,
			State:     Pending,
			History:   []State{Pending},
			CreatedAt: now,
		}
	}
	t.workflows[taskID] = w
	for id := range w.subtasks {
		t.bySubtask[id] = w
	}
	return nil
}

// Transition moves a subtask to the next state. Illegal moves, including
// assignment before all prerequisites completed, return a state error.
func (t *Tracker) Transition(subtaskID string, next State, detail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, s, err := t.lookup(subtaskID)
	if err != nil {
		return err
	}
	if !legal(s.State, next) {
		return taskerr.New(taskerr.CodeState,
			"subtask %s: illegal transition %s -> %s", subtaskID, s.State, next)
	}
	if next == Assigned {
		for _, p := range w.graph.Prerequisites(subtaskID) {
			if prereq := w.subtasks[p]; prereq.State != Completed {
				return taskerr.New(taskerr.CodeState,
					"subtask %s: prerequisite %s is %s, not completed", subtaskID, p, prereq.State)
			}
		}
	}

	t.apply(s, next, detail)
	return nil
}

// Skip fails a pending subtask without dispatching it. This is the one
// sanctioned shortcut through the state machine, reserved for subtasks whose
// prerequisites failed.
func (t *Tracker) Skip(subtaskID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, s, err := t.lookup(subtaskID)
	if err != nil {
		return err
	}
	if s.State != Pending {
		return taskerr.New(taskerr.CodeState,
			"subtask %s: cannot skip from %s", subtaskID, s.State)
	}

	t.apply(s, Failed, reason)
	metrics.SubtasksSkipped.Inc()
	return nil
}

func (t *Tracker) apply(s *SubtaskStatus, next State, detail string) {
	now := time.Now().UTC()
	s.State = next
	s.History = append(s.History, next)
	if detail != "" {
		s.Detail = detail
	}
	switch next {
	case Assigned:
		s.AssignedAt = now
	case InProgress:
		s.StartedAt = now
	case Completed, Failed:
		s.FinishedAt = now
	}
	metrics.SubtaskTransitions.WithLabelValues(string(next)).Inc()
}

func (t *Tracker) lookup(subtaskID string) (*workflow, *SubtaskStatus, error) {
	w, ok := t.bySubtask[subtaskID]
	if !ok {
		return nil, nil, taskerr.New(taskerr.CodeState, "subtask %s not tracked", subtaskID)
	}
	return w, w.subtasks[subtaskID], nil
}

// Get returns a snapshot of a workflow's tracked state.
func (t *Tracker) Get(taskID string) (*WorkflowStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.workflows[taskID]
	if !ok {
		return nil, taskerr.New(taskerr.CodeState, "workflow %s not tracked", taskID)
	}
	return t.snapshot(w), nil
}

// GetSubtask returns a copy of one subtask's status.
func (t *Tracker) GetSubtask(subtaskID string) (*SubtaskStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, s, err := t.lookup(subtaskID)
	if err != nil {
		return nil, err
	}
	cp := copyStatus(s)
	return &cp, nil
}

// OverallProgress is (completed + failed) / total for a workflow.
func (t *Tracker) OverallProgress(taskID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.workflows[taskID]
	if !ok || len(w.subtasks) == 0 {
		return 0
	}
	return progress(w)
}

// ListByState returns all tracked subtasks in the given state, ordered by
// workflow then plan position.
func (t *Tracker) ListByState(state State) []SubtaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	taskIDs := make([]string, 0, len(t.workflows))
	for id := range t.workflows {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	var out []SubtaskStatus
	for _, taskID := range taskIDs {
		w := t.workflows[taskID]
		for _, id := range w.graph.Order() {
			if s := w.subtasks[id]; s.State == state {
				out = append(out, copyStatus(s))
			}
		}
	}
	return out
}

// Active returns snapshots of every tracked workflow, oldest first.
func (t *Tracker) Active() []*WorkflowStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*WorkflowStatus, 0, len(t.workflows))
	for _, w := range t.workflows {
		out = append(out, t.snapshot(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Remove forgets a finished workflow. Its record lives on in long-term
// memory; the tracker only holds live state.
func (t *Tracker) Remove(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workflows[taskID]
	if !ok {
		return
	}
	for id := range w.subtasks {
		delete(t.bySubtask, id)
	}
	delete(t.workflows, taskID)
}

func (t *Tracker) snapshot(w *workflow) *WorkflowStatus {
	subs := make(map[string]*SubtaskStatus, len(w.subtasks))
	for id, s := range w.subtasks {
		cp := copyStatus(s)
		subs[id] = &cp
	}
	return &WorkflowStatus{
		TaskID:    w.taskID,
		Plan:      w.plan,
		Subtasks:  subs,
		Progress:  progress(w),
		CreatedAt: w.createdAt,
	}
}

func progress(w *workflow) float64 {
	done := 0
	for _, s := range w.subtasks {
		if s.State.Terminal() {
			done++
		}
	}
	return float64(done) / float64(len(w.subtasks))
}

func copyStatus(s *SubtaskStatus) SubtaskStatus {
	cp := *s
	cp.History = append([]State{}, s.History...)
	return cp
}
