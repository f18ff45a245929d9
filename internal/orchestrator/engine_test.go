package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/bus"
	"github.com/dirigent-run/dirigent/internal/config"
	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/learning"
	"github.com/dirigent-run/dirigent/internal/memory"
	"github.com/dirigent-run/dirigent/internal/personas"
	"github.com/dirigent-run/dirigent/internal/taskerr"
	"github.com/dirigent-run/dirigent/internal/tracker"
)

type fakeChatter struct {
	mu    sync.Mutex
	calls []inference.ChatRequest
	reply func(ctx context.Context, req inference.ChatRequest) (*inference.ChatResult, error)
}

func (f *fakeChatter) Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(ctx, req)
	}
	return &inference.ChatResult{
		Model:        req.Model,
		Content:      "done",
		OutputTokens: 3,
		Duration:     5 * time.Millisecond,
	}, nil
}

func (f *fakeChatter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChatter) snapshot() []inference.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inference.ChatRequest(nil), f.calls...)
}

type staticResolver struct{ model string }

func (r staticResolver) Resolve(context.Context, inference.Class) string { return r.model }

type templateGenerator struct{}

func (templateGenerator) Generate(_ context.Context, _ string, req personas.Requirements) personas.AgentDNA {
	return personas.TemplateDNA(req)
}

func newTestEngine(t *testing.T, chat Chatter, cfg config.OrchestratorConfig) (*Engine, Environment) {
	t.Helper()
	logger := zap.NewNop()

	store, err := personas.NewStore(filepath.Join(t.TempDir(), "personas.yaml"), logger)
	require.NoError(t, err)
	mem, err := memory.NewStore(t.TempDir(), 100, logger)
	require.NoError(t, err)
	t.Cleanup(mem.Close)
	events := bus.New(64, logger)
	t.Cleanup(events.Close)

	env := Environment{
		Inference: chat,
		Models:    staticResolver{model: "test-model"},
		Personas:  store,
		Generator: templateGenerator{},
		Tracker:   tracker.New(logger),
		Bus:       events,
		Evaluator: learning.NewEvaluator(logger),
		Optimizer: learning.NewOptimizer(logger),
		Memory:    mem,
		Logger:    logger,
	}
	eng, err := New(env, cfg, config.PersonalityConfig{})
	require.NoError(t, err)
	return eng, env
}

func userContent(req inference.ChatRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

// subtaskOf extracts the description the agent was asked to work on.
func subtaskOf(req inference.ChatRequest) string {
	content := userContent(req)
	idx := strings.Index(content, "Your subtask: ")
	if idx < 0 {
		return ""
	}
	rest := content[idx+len("Your subtask: "):]
	if cut := strings.Index(rest, "\n"); cut >= 0 {
		rest = rest[:cut]
	}
	return rest
}

func drainTypes(sub *bus.Subscription) []bus.Type {
	var out []bus.Type
	for {
		select {
		case m := <-sub.C():
			out = append(out, m.Type)
		default:
			return out
		}
	}
}

func unreachableErr() error {
	return taskerr.Wrap(taskerr.CodeInferenceUnreachable,
		errors.New("connection refused"), "backend unreachable")
}

func TestSimpleTaskRunsSingleSubtask(t *testing.T) {
	chat := &fakeChatter{}
	eng, env := newTestEngine(t, chat, config.OrchestratorConfig{})
	sub := env.Bus.Subscribe("test", bus.All, 128)
	defer env.Bus.Unsubscribe(sub)

	rec, err := eng.Execute(context.Background(), Request{Task: "say hi"})
	require.NoError(t, err)

	assert.Equal(t, memory.StatusOK, rec.Status)
	assert.Equal(t, "simple", rec.Complexity)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "completed", rec.Results[0].Status)
	assert.Equal(t, "done", rec.Results[0].Output)
	assert.NotEmpty(t, rec.Output)
	assert.Equal(t, 1, chat.count())

	types := drainTypes(sub)
	assert.Equal(t, []bus.Type{
		bus.TaskStarted,
		bus.PersonaCreated,
		bus.SubtaskAssigned,
		bus.SubtaskStarted,
		bus.SubtaskCompleted,
		bus.TaskFinished,
	}, types)
}

func TestComplexTaskPlansParallelStages(t *testing.T) {
	chat := &fakeChatter{}
	eng, _ := newTestEngine(t, chat, config.OrchestratorConfig{})

	rec, err := eng.Execute(context.Background(), Request{
		Task: "Build a REST API with authentication and deploy it to AWS",
	})
	require.NoError(t, err)

	assert.Equal(t, "complex", rec.Complexity)
	assert.Contains(t, rec.Domains, "development")
	assert.Contains(t, rec.Domains, "devops")
	assert.GreaterOrEqual(t, len(rec.Results), 4)
	assert.GreaterOrEqual(t, len(rec.Stages), 2)

	parallel := false
	for _, stage := range rec.Stages {
		if len(stage) > 1 {
			parallel = true
		}
	}
	assert.True(t, parallel, "at least one stage should hold multiple subtasks")
	assert.Equal(t, memory.StatusOK, rec.Status)
}

func TestSequenceChainFeedsOutputsForward(t *testing.T) {
	chat := &fakeChatter{}
	chat.reply = func(_ context.Context, req inference.ChatRequest) (*inference.ChatResult, error) {
		return &inference.ChatResult{
			Model:        req.Model,
			Content:      "result-" + subtaskOf(req),
			OutputTokens: 2,
			Duration:     time.Millisecond,
		}, nil
	}
	eng, _ := newTestEngine(t, chat, config.OrchestratorConfig{})

	rec, err := eng.Execute(context.Background(), Request{
		Task: "A and then B and then C and then D and then E",
	})
	require.NoError(t, err)

	require.Len(t, rec.Stages, 5)
	for _, stage := range rec.Stages {
		assert.Len(t, stage, 1)
	}
	assert.Len(t, rec.CriticalPath, 5)

	require.Len(t, rec.Results, 5)
	wantDesc := []string{"A", "B", "C", "D", "E"}
	for i, res := range rec.Results {
		assert.Equal(t, wantDesc[i], res.Description)
		assert.Equal(t, "result-"+wantDesc[i], res.Output)
	}

	// Each agent after the first sees its predecessor's output.
	for _, call := range chat.snapshot() {
		desc := subtaskOf(call)
		if desc == "A" || desc == "" {
			continue
		}
		prev := wantDesc[indexOf(wantDesc, desc)-1]
		assert.Contains(t, userContent(call), "result-"+prev,
			"subtask %s should receive the output of %s", desc, prev)
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestKnownTaskIDReplaysRecord(t *testing.T) {
	chat := &fakeChatter{}
	eng, _ := newTestEngine(t, chat, config.OrchestratorConfig{})
	req := Request{Task: "say hi", Context: map[string]string{"task_id": "fixed-1"}}

	first, err := eng.Execute(context.Background(), req)
	require.NoError(t, err)
	calls := chat.count()

	second, err := eng.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.WorkflowID, second.WorkflowID)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, calls, chat.count(), "replay must not dispatch agents")
}

func TestUnreachableBackendBecomesFailedSubtask(t *testing.T) {
	chat := &fakeChatter{reply: func(context.Context, inference.ChatRequest) (*inference.ChatResult, error) {
		return nil, unreachableErr()
	}}
	eng, env := newTestEngine(t, chat, config.OrchestratorConfig{})
	sub := env.Bus.Subscribe("test", bus.TypesOf(bus.SubtaskFailed), 16)
	defer env.Bus.Unsubscribe(sub)

	rec, err := eng.Execute(context.Background(), Request{Task: "say hi"})
	require.NoError(t, err, "infrastructure failure must surface as data, not an error")

	assert.Equal(t, memory.StatusFailed, rec.Status)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "failed", rec.Results[0].Status)
	assert.Equal(t, "InferenceUnreachable", rec.Results[0].Reason)
	assert.NotEmpty(t, rec.Output)
	assert.Len(t, drainTypes(sub), 1)
}

func TestUpstreamFailureSkipsDependents(t *testing.T) {
	chat := &fakeChatter{}
	chat.reply = func(_ context.Context, req inference.ChatRequest) (*inference.ChatResult, error) {
		if subtaskOf(req) == "A" {
			return nil, unreachableErr()
		}
		return &inference.ChatResult{Content: "done", Duration: time.Millisecond}, nil
	}
	eng, _ := newTestEngine(t, chat, config.OrchestratorConfig{})

	rec, err := eng.Execute(context.Background(), Request{Task: "A and then B and then C"})
	require.NoError(t, err)

	require.Len(t, rec.Results, 3)
	assert.Equal(t, "InferenceUnreachable", rec.Results[0].Reason)
	assert.Equal(t, "upstream failure", rec.Results[1].Reason)
	assert.Equal(t, "upstream failure", rec.Results[2].Reason)
	assert.Equal(t, memory.StatusFailed, rec.Status)
	assert.Equal(t, 1, chat.count(), "skipped subtasks must not reach the backend")
}

func TestPartialFailureKeepsCompletedWork(t *testing.T) {
	chat := &fakeChatter{}
	chat.reply = func(_ context.Context, req inference.ChatRequest) (*inference.ChatResult, error) {
		if subtaskOf(req) == "B" {
			return nil, unreachableErr()
		}
		return &inference.ChatResult{Content: "done", Duration: time.Millisecond}, nil
	}
	eng, _ := newTestEngine(t, chat, config.OrchestratorConfig{})

	rec, err := eng.Execute(context.Background(), Request{Task: "A and then B"})
	require.NoError(t, err)

	assert.Equal(t, memory.StatusPartial, rec.Status)
	assert.Equal(t, "completed", rec.Results[0].Status)
	assert.Equal(t, "failed", rec.Results[1].Status)
}

func TestCancellationProducesCancelledRecord(t *testing.T) {
	chat := &fakeChatter{reply: func(ctx context.Context, _ inference.ChatRequest) (*inference.ChatResult, error) {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, taskerr.Wrap(taskerr.CodeInferenceTimeout, ctx.Err(), "inference request timed out")
		}
		return nil, taskerr.Wrap(taskerr.CodeCancelled, ctx.Err(), "inference request cancelled")
	}}
	eng, _ := newTestEngine(t, chat, config.OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	rec, err := eng.Execute(ctx, Request{Task: "say hi"})
	require.NoError(t, err)

	assert.Equal(t, memory.StatusCancelled, rec.Status)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "Cancelled", rec.Results[0].Reason)
}

func TestWorkflowTimeoutMatchesCancellation(t *testing.T) {
	chat := &fakeChatter{reply: func(ctx context.Context, _ inference.ChatRequest) (*inference.ChatResult, error) {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, taskerr.Wrap(taskerr.CodeInferenceTimeout, ctx.Err(), "inference request timed out")
		}
		return nil, taskerr.Wrap(taskerr.CodeCancelled, ctx.Err(), "inference request cancelled")
	}}
	eng, _ := newTestEngine(t, chat, config.OrchestratorConfig{WorkflowTimeout: 50 * time.Millisecond})

	rec, err := eng.Execute(context.Background(), Request{Task: "say hi"})
	require.NoError(t, err)

	assert.Equal(t, memory.StatusCancelled, rec.Status)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "InferenceTimeout", rec.Results[0].Reason)
}

func TestEmptyTaskRejected(t *testing.T) {
	chat := &fakeChatter{}
	eng, _ := newTestEngine(t, chat, config.OrchestratorConfig{})

	rec, err := eng.Execute(context.Background(), Request{Task: "   "})
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, taskerr.CodeValidation, taskerr.CodeOf(err))
	assert.Zero(t, chat.count())
}

func TestPersonaReusedAcrossWorkflows(t *testing.T) {
	chat := &fakeChatter{}
	eng, env := newTestEngine(t, chat, config.OrchestratorConfig{})
	sub := env.Bus.Subscribe("test", bus.TypesOf(bus.PersonaCreated), 16)
	defer env.Bus.Unsubscribe(sub)

	_, err := eng.Execute(context.Background(), Request{Task: "say hi"})
	require.NoError(t, err)
	_, err = eng.Execute(context.Background(), Request{Task: "say hello"})
	require.NoError(t, err)

	store := env.Personas.(*personas.Store)
	assert.Equal(t, 1, store.Count(), "identical requirements must reuse the stored persona")
	assert.Len(t, drainTypes(sub), 1, "persona.created should fire once")
}

func TestEnvironmentValidation(t *testing.T) {
	_, err := New(Environment{}, config.OrchestratorConfig{}, config.PersonalityConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment missing")
}

func TestRecordStoredInMemory(t *testing.T) {
	chat := &fakeChatter{}
	eng, env := newTestEngine(t, chat, config.OrchestratorConfig{})

	rec, err := eng.Execute(context.Background(), Request{
		Task:    "say hi",
		Context: map[string]string{"task_id": "stored-1"},
	})
	require.NoError(t, err)

	got, ok := env.Memory.ByTask("stored-1")
	require.True(t, ok)
	assert.Equal(t, rec.WorkflowID, got.WorkflowID)
	assert.Equal(t, rec.Status, got.Status)
}
