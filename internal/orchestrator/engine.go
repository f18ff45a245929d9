package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dirigent-run/dirigent/internal/agent"
	"github.com/dirigent-run/dirigent/internal/aggregate"
	"github.com/dirigent-run/dirigent/internal/bus"
	"github.com/dirigent-run/dirigent/internal/config"
	"github.com/dirigent-run/dirigent/internal/db"
	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/learning"
	"github.com/dirigent-run/dirigent/internal/memory"
	"github.com/dirigent-run/dirigent/internal/metrics"
	"github.com/dirigent-run/dirigent/internal/personas"
	"github.com/dirigent-run/dirigent/internal/session"
	"github.com/dirigent-run/dirigent/internal/taskengine"
	"github.com/dirigent-run/dirigent/internal/taskerr"
	"github.com/dirigent-run/dirigent/internal/taskgraph"
	"github.com/dirigent-run/dirigent/internal/tracing"
	"github.com/dirigent-run/dirigent/internal/tracker"
)

const (
	defaultMaxWorkers      = 4
	defaultWorkflowTimeout = 600 * time.Second
)

// Request is one execute call.
type Request struct {
	TaskID    string
	Task      string
	Context   map[string]string
	SessionID string
	Format    aggregate.Format
}

// Engine runs workflows. The semaphore bounds concurrent inference calls
// across every workflow the process executes, not per workflow.
type Engine struct {
	env         Environment
	sem         *semaphore.Weighted
	timeout     time.Duration
	personality string
	logger      *zap.Logger
}

// New validates the environment and builds an engine.
func New(env Environment, cfg config.OrchestratorConfig, personality config.PersonalityConfig) (*Engine, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = defaultMaxWorkers
	}
	timeout := cfg.WorkflowTimeout
	if timeout <= 0 {
		timeout = defaultWorkflowTimeout
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		env:         env,
		sem:         semaphore.NewWeighted(int64(workers)),
		timeout:     timeout,
		personality: PersonalityPrefix(personality),
		logger:      logger,
	}, nil
}

// PersonalityPrefix resolves the configured personality into the system
// prompt fragment prepended to every agent and chat prompt.
func PersonalityPrefix(p config.PersonalityConfig) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(p.Prefix); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(p.Style); s != "" {
		parts = append(parts, "Respond in a "+s+" style.")
	}
	return strings.Join(parts, "\n")
}

// Execute runs one workflow to completion and returns its record. Subtask
// failures are data: they surface inside the record, never as an error.
// Errors are reserved for rejected input, failed decomposition, and a task
// id that is already mid-flight, all of which happen before dispatch.
func (e *Engine) Execute(ctx context.Context, req Request) (*memory.WorkflowRecord, error) {
	text := strings.TrimSpace(req.Task)
	if text == "" {
		return nil, taskerr.New(taskerr.CodeValidation, "task text is empty")
	}

	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = strings.TrimSpace(req.Context["task_id"])
	}
	if taskID == "" {
		taskID = "task-" + uuid.NewString()[:8]
	}

	// A task id that already finished replays its stored record.
	if rec, ok := e.env.Memory.ByTask(taskID); ok {
		e.logger.Info("replaying stored workflow record", zap.String("task_id", taskID))
		return &rec, nil
	}

	format := req.Format
	if format == "" {
		format = aggregate.DefaultFormat
	}

	started := time.Now().UTC()
	wctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	analysis := taskengine.Analyze(text, req.Context)
	wctx, span := tracing.StartWorkflowSpan(wctx, taskID, string(analysis.Complexity))
	defer span.End()
	task := taskengine.Task{ID: taskID, Text: text, Context: req.Context, SubmittedAt: started}

	refineModel := e.env.Models.Resolve(wctx, inference.ClassReasoning)
	decomposer := taskengine.NewDecomposer(e.env.Inference, refineModel, e.env.Optimizer, e.logger)
	subtasks := decomposer.Decompose(wctx, task, analysis)
	if len(subtasks) == 0 {
		return nil, taskerr.New(taskerr.CodeDecomposition, "task %s decomposed to nothing", taskID)
	}

	graph, err := taskgraph.Build(subtasks)
	if err != nil {
		return nil, err
	}
	plan := taskgraph.NewPlan(taskID, graph, taskgraph.WithWeights(e.env.Optimizer.WeightFunc()))

	if err := e.env.Tracker.Create(taskID, graph, plan); err != nil {
		return nil, err
	}
	defer e.env.Tracker.Remove(taskID)

	metrics.WorkflowsStarted.Inc()
	e.env.Bus.Publish(bus.Message{
		Type:       bus.TaskStarted,
		WorkflowID: taskID,
		Detail:     string(analysis.Complexity),
	})
	e.logger.Info("workflow started",
		zap.String("task_id", taskID),
		zap.String("complexity", string(analysis.Complexity)),
		zap.Strings("domains", analysis.Domains),
		zap.Int("subtasks", len(subtasks)),
		zap.Int("stages", len(plan.Stages)))

	run := &workflowRun{results: make(map[string]aggregate.SubtaskOutput, len(subtasks))}
	conversation := e.conversationContext(wctx, req.SessionID)
	e.runStages(wctx, run, graph, plan, conversation)

	finished := time.Now().UTC()
	interrupted := wctx.Err()

	// Subtasks that never dispatched because the workflow was interrupted.
	if interrupted != nil {
		reason := "Cancelled"
		if interrupted == context.DeadlineExceeded {
			reason = "WorkflowTimeout"
		}
		for _, id := range plan.OrderedIDs() {
			if _, ok := run.results[id]; ok {
				continue
			}
			if err := e.env.Tracker.Skip(id, reason); err == nil {
				metrics.SubtasksSkipped.Inc()
			}
			sub, _ := graph.Subtask(id)
			run.results[id] = aggregate.SubtaskOutput{
				SubtaskID:   id,
				Description: sub.Description,
				Status:      "failed",
				Reason:      reason,
			}
		}
	}

	status := e.overallStatus(run, interrupted)
	output, err := aggregate.Aggregate(plan, run.results, format)
	if err != nil {
		e.logger.Error("aggregation failed", zap.String("task_id", taskID), zap.Error(err))
	}

	rec := memory.WorkflowRecord{
		WorkflowID:   "wf-" + uuid.NewString()[:8],
		TaskID:       taskID,
		Task:         text,
		Context:      req.Context,
		Complexity:   string(analysis.Complexity),
		Domains:      analysis.Domains,
		Status:       status,
		Stages:       plan.Stages,
		CriticalPath: plan.CriticalPath,
		Results:      e.collectResults(run, graph, plan),
		Output:       output,
		Format:       string(format),
		StartedAt:    started,
		FinishedAt:   finished,
		DurationMS:   finished.Sub(started).Milliseconds(),
		StoredAt:     finished,
	}

	if err := e.env.Memory.Store(rec); err != nil {
		e.logger.Error("workflow record not stored",
			zap.String("task_id", taskID), zap.Error(err))
	}
	if e.env.DB != nil {
		e.env.DB.SaveWorkflow(db.RowFromRecord(&rec))
	}
	e.appendConversation(ctx, req.SessionID, text, status, output)

	metrics.RecordWorkflow(status, string(analysis.Complexity), finished.Sub(started).Seconds())
	e.env.Bus.Publish(bus.Message{
		Type:       bus.TaskFinished,
		WorkflowID: taskID,
		Detail:     status,
	})

	completed, failed, skipped := run.counts()
	e.logger.Info("workflow finished",
		zap.String("task_id", taskID),
		zap.String("status", status),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Duration("duration", finished.Sub(started)))
	return &rec, nil
}

// runStages dispatches every stage in plan order. Subtasks inside a stage
// run concurrently; the group wait is the stage barrier.
func (e *Engine) runStages(ctx context.Context, run *workflowRun, g *taskgraph.Graph, plan *taskgraph.Plan, conversation string) {
	for _, stage := range plan.Stages {
		if ctx.Err() != nil {
			return
		}
		var group errgroup.Group
		for _, id := range stage {
			sub, ok := g.Subtask(id)
			if !ok {
				continue
			}
			group.Go(func() error {
				e.dispatch(ctx, run, g, sub, conversation)
				return nil
			})
		}
		_ = group.Wait()
	}
}

// dispatch runs one subtask end to end: skip check, persona, agent call,
// tracking, evaluation.
func (e *Engine) dispatch(ctx context.Context, run *workflowRun, g *taskgraph.Graph, sub taskengine.Subtask, conversation string) {
	if run.blocked(g, sub.ID) {
		e.skip(run, sub)
		return
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	dispatched := time.Now()
	persona, fromStore := e.obtainPersona(ctx, sub)
	class := inference.Classify(sub.Role, sub.Description)
	model := e.env.Models.Resolve(ctx, class)
	ag := agent.New(persona, e.env.Inference, model, e.personality, e.logger)

	if err := e.env.Tracker.Transition(sub.ID, tracker.Assigned, ag.ID()); err != nil {
		e.logger.Error("tracker rejected assignment",
			zap.String("subtask_id", sub.ID), zap.Error(err))
		return
	}
	e.env.Bus.Publish(bus.Message{
		Type:       bus.SubtaskAssigned,
		WorkflowID: sub.TaskID,
		SubtaskID:  sub.ID,
		AgentID:    ag.ID(),
		PersonaID:  persona.ID,
	})

	_ = e.env.Tracker.Transition(sub.ID, tracker.InProgress, "")
	e.env.Bus.Publish(bus.Message{
		Type:       bus.SubtaskStarted,
		WorkflowID: sub.TaskID,
		SubtaskID:  sub.ID,
		AgentID:    ag.ID(),
		PersonaID:  persona.ID,
	})

	res, err := ag.Execute(ctx, sub, run.prereqOutputs(g, sub.ID), conversation)
	if err != nil {
		reason := failureReason(err)
		elapsed := time.Since(dispatched)
		_ = e.env.Tracker.Transition(sub.ID, tracker.Failed, reason)
		ev := e.env.Evaluator.Evaluate(learning.Outcome{
			TaskID:      sub.TaskID,
			SubtaskID:   sub.ID,
			AgentID:     ag.ID(),
			PersonaID:   persona.ID,
			Domain:      sub.Domain,
			Role:        sub.Role,
			Description: sub.Description,
			Completed:   false,
			Duration:    elapsed,
		})
		run.set(sub.ID, aggregate.SubtaskOutput{
			SubtaskID:   sub.ID,
			Description: sub.Description,
			AgentID:     ag.ID(),
			PersonaID:   persona.ID,
			Status:      "failed",
			Reason:      reason,
			Duration:    elapsed,
		})
		e.recordOutcome(persona, fromStore, sub, ev, elapsed)
		e.env.Bus.Publish(bus.Message{
			Type:       bus.SubtaskFailed,
			WorkflowID: sub.TaskID,
			SubtaskID:  sub.ID,
			AgentID:    ag.ID(),
			PersonaID:  persona.ID,
			Detail:     reason,
		})
		e.logger.Warn("subtask failed",
			zap.String("subtask_id", sub.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	_ = e.env.Tracker.Transition(sub.ID, tracker.Completed, "")
	ev := e.env.Evaluator.Evaluate(learning.Outcome{
		TaskID:       sub.TaskID,
		SubtaskID:    sub.ID,
		AgentID:      ag.ID(),
		PersonaID:    persona.ID,
		Domain:       sub.Domain,
		Role:         sub.Role,
		Description:  sub.Description,
		Output:       res.Output,
		OutputFormat: persona.DNA.OutputFormat,
		Completed:    true,
		Duration:     res.Duration,
	})
	run.set(sub.ID, aggregate.SubtaskOutput{
		SubtaskID:   sub.ID,
		Description: sub.Description,
		AgentID:     ag.ID(),
		PersonaID:   persona.ID,
		Status:      "completed",
		Output:      res.Output,
		Score:       ev.Overall,
		Duration:    res.Duration,
	})
	e.recordOutcome(persona, fromStore, sub, ev, res.Duration)
	e.env.Bus.Publish(bus.Message{
		Type:       bus.SubtaskCompleted,
		WorkflowID: sub.TaskID,
		SubtaskID:  sub.ID,
		AgentID:    ag.ID(),
		PersonaID:  persona.ID,
	})
	e.logger.Debug("subtask completed",
		zap.String("subtask_id", sub.ID),
		zap.Float64("score", ev.Overall),
		zap.Duration("duration", res.Duration))
}

// skip marks a subtask failed without dispatching it because a prerequisite
// did not complete.
func (e *Engine) skip(run *workflowRun, sub taskengine.Subtask) {
	if err := e.env.Tracker.Skip(sub.ID, "upstream failure"); err != nil {
		e.logger.Error("tracker rejected skip",
			zap.String("subtask_id", sub.ID), zap.Error(err))
	}
	metrics.SubtasksSkipped.Inc()
	run.set(sub.ID, aggregate.SubtaskOutput{
		SubtaskID:   sub.ID,
		Description: sub.Description,
		Status:      "failed",
		Reason:      "upstream failure",
	})
	e.env.Bus.Publish(bus.Message{
		Type:       bus.SubtaskFailed,
		WorkflowID: sub.TaskID,
		SubtaskID:  sub.ID,
		Detail:     "upstream failure",
	})
	e.logger.Info("subtask skipped",
		zap.String("subtask_id", sub.ID),
		zap.String("reason", "upstream failure"))
}

// obtainPersona resolves the persona for a subtask: suggested persona
// first, then a library match at the reuse threshold, then generation. A store failure falls back to an unpersisted persona that
// lives only for this workflow. The second return reports whether the
// persona came from the store and can accrue usage.
func (e *Engine) obtainPersona(ctx context.Context, sub taskengine.Subtask) (personas.Persona, bool) {
	if sub.SuggestedPersonaID != "" {
		if p, err := e.env.Personas.Get(sub.SuggestedPersonaID); err == nil {
			metrics.PersonaMatches.WithLabelValues("reused").Inc()
			return *p, true
		}
		// Suggestion went stale; fall through to matching.
	}

	req := requirementsFor(sub)
	if p, score := e.env.Personas.Match(req); p != nil && score >= personas.MatchThreshold {
		metrics.PersonaMatches.WithLabelValues("reused").Inc()
		e.logger.Debug("persona reused",
			zap.String("persona_id", p.ID),
			zap.Float64("similarity", score))
		return *p, true
	}

	model := e.env.Models.Resolve(ctx, inference.ClassGeneral)
	dna := e.env.Generator.Generate(ctx, model, req)
	id, created, err := e.env.Personas.Insert(dna)
	if err != nil {
		metrics.PersonaMatches.WithLabelValues("fallback").Inc()
		e.logger.Warn("persona store rejected insert, using ephemeral persona",
			zap.String("subtask_id", sub.ID), zap.Error(err))
		return personas.Persona{
			ID:        "ephemeral-" + uuid.NewString()[:8],
			DNA:       dna,
			CreatedAt: time.Now().UTC(),
		}, false
	}
	p, err := e.env.Personas.Get(id)
	if err != nil {
		metrics.PersonaMatches.WithLabelValues("fallback").Inc()
		return personas.Persona{ID: id, DNA: dna, CreatedAt: time.Now().UTC()}, false
	}
	if created {
		metrics.PersonaMatches.WithLabelValues("created").Inc()
		e.env.Bus.Publish(bus.Message{
			Type:       bus.PersonaCreated,
			WorkflowID: sub.TaskID,
			PersonaID:  id,
		})
		e.logger.Info("persona created",
			zap.String("persona_id", id),
			zap.String("role", dna.Role),
			zap.String("domain", dna.Domain))
	} else {
		metrics.PersonaMatches.WithLabelValues("reused").Inc()
	}
	return *p, true
}

// requirementsFor expands a subtask into full-shape requirements so that
// matching compares against the same fields generation would fill.
func requirementsFor(sub taskengine.Subtask) personas.Requirements {
	dna := personas.TemplateDNA(personas.Requirements{Role: sub.Role, Domain: sub.Domain})
	return personas.Requirements{
		Role:          dna.Role,
		Seniority:     dna.Seniority,
		Domain:        dna.Domain,
		Methodologies: dna.Methodologies,
		Constraints:   dna.Constraints,
		OutputFormat:  dna.OutputFormat,
	}
}

func (e *Engine) recordOutcome(p personas.Persona, fromStore bool, sub taskengine.Subtask, ev learning.Evaluation, dur time.Duration) {
	e.env.Optimizer.Record(p.ID, sub.Domain, p.DNA.Role, ev.Overall, dur)
	if !fromStore {
		return
	}
	if err := e.env.Personas.RecordUse(p.ID, ev.Overall); err != nil {
		e.logger.Warn("persona use not recorded",
			zap.String("persona_id", p.ID), zap.Error(err))
	}
}

func (e *Engine) conversationContext(ctx context.Context, sessionID string) string {
	if sessionID == "" || e.env.Sessions == nil {
		return ""
	}
	text, err := e.env.Sessions.ContextString(ctx, sessionID, e.env.Sessions.Window())
	if err != nil {
		e.logger.Warn("conversation context unavailable",
			zap.String("session_id", sessionID), zap.Error(err))
		return ""
	}
	return text
}

// appendConversation records the exchange in the session so follow-up tasks
// see it as context.
func (e *Engine) appendConversation(ctx context.Context, sessionID, text, status, output string) {
	if sessionID == "" || e.env.Sessions == nil || ctx.Err() != nil {
		return
	}
	if err := e.env.Sessions.AppendTurn(ctx, sessionID, session.RoleUser, text); err != nil {
		e.logger.Warn("session turn not recorded",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if status == memory.StatusOK || status == memory.StatusPartial {
		if output != "" {
			if err := e.env.Sessions.AppendTurn(ctx, sessionID, session.RoleAssistant, output); err != nil {
				e.logger.Warn("session turn not recorded",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
}

func (e *Engine) overallStatus(run *workflowRun, interrupted error) string {
	if interrupted != nil {
		return memory.StatusCancelled
	}
	completed, failed, skipped := run.counts()
	switch {
	case failed == 0 && skipped == 0:
		return memory.StatusOK
	case completed == 0:
		return memory.StatusFailed
	default:
		return memory.StatusPartial
	}
}

// collectResults assembles the per-subtask records in plan order, pulling
// timestamps from the tracker.
func (e *Engine) collectResults(run *workflowRun, g *taskgraph.Graph, plan *taskgraph.Plan) []memory.SubtaskResult {
	ids := plan.OrderedIDs()
	out := make([]memory.SubtaskResult, 0, len(ids))
	for _, id := range ids {
		sub, _ := g.Subtask(id)
		res := memory.SubtaskResult{
			SubtaskID:   id,
			Description: sub.Description,
			Domain:      sub.Domain,
		}
		if entry, ok := run.results[id]; ok {
			res.AgentID = entry.AgentID
			res.PersonaID = entry.PersonaID
			res.Status = entry.Status
			res.Output = entry.Output
			res.Reason = entry.Reason
			res.Score = entry.Score
		} else {
			res.Status = "skipped"
			res.Reason = "no output recorded"
		}
		if st, err := e.env.Tracker.GetSubtask(id); err == nil {
			res.StartedAt = st.StartedAt
			res.FinishedAt = st.FinishedAt
		}
		out = append(out, res)
	}
	return out
}

// failureReason maps classified errors onto the reason vocabulary stored in
// workflow records.
func failureReason(err error) string {
	switch taskerr.CodeOf(err) {
	case taskerr.CodeInferenceTimeout:
		return "InferenceTimeout"
	case taskerr.CodeInferenceUnreachable:
		return "InferenceUnreachable"
	case taskerr.CodeInferenceBackend:
		return "InferenceBackend"
	case taskerr.CodeCancelled:
		return "Cancelled"
	case taskerr.CodeWorkflowTimeout:
		return "WorkflowTimeout"
	}
	return err.Error()
}

// workflowRun is the mutable state of one Execute call. The mutex guards
// results while a stage's goroutines run; after the stage barrier the engine
// reads it directly.
type workflowRun struct {
	mu      sync.Mutex
	results map[string]aggregate.SubtaskOutput
}

func (r *workflowRun) set(id string, out aggregate.SubtaskOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[id] = out
}

// blocked reports whether any prerequisite finished without completing.
func (r *workflowRun) blocked(g *taskgraph.Graph, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range g.Prerequisites(id) {
		if out, ok := r.results[p]; !ok || out.Status != "completed" {
			return true
		}
	}
	return false
}

// prereqOutputs returns completed prerequisite outputs for prompt assembly.
func (r *workflowRun) prereqOutputs(g *taskgraph.Graph, id string) []agent.PrereqOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := g.Prerequisites(id)
	out := make([]agent.PrereqOutput, 0, len(ids))
	for _, p := range ids {
		entry, ok := r.results[p]
		if !ok || entry.Status != "completed" {
			continue
		}
		out = append(out, agent.PrereqOutput{
			SubtaskID:   p,
			Description: entry.Description,
			Output:      entry.Output,
		})
	}
	return out
}

func (r *workflowRun) counts() (completed, failed, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.results {
		switch {
		case entry.Status == "completed":
			completed++
		case entry.Reason == "upstream failure":
			skipped++
		default:
			failed++
		}
	}
	return completed, failed, skipped
}
