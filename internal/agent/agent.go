// Package agent binds a persona to the inference client for exactly one
// subtask. Agents are created at dispatch, run once, and are discarded;
// retries are modelled as new subtasks by the orchestrator.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/personas"
	"github.com/dirigent-run/dirigent/internal/taskengine"
)

// Chatter is the slice of the inference client an agent needs.
type Chatter interface {
	Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResult, error)
}

// PrereqOutput carries one completed prerequisite into the prompt.
type PrereqOutput struct {
	SubtaskID   string
	Description string
	Output      string
}

// Result is what a finished agent hands back to the orchestrator.
type Result struct {
	AgentID      string
	PersonaID    string
	Model        string
	Output       string
	PromptTokens int
	OutputTokens int
	Duration     time.Duration
}

const responseTrailer = "Respond with two sections: ANSWER, your complete result following the output requirements above, then SUMMARY, two sentences on what you produced."

// Agent is the one-shot executor. It holds a read-only persona snapshot and
// no state survives Execute.
type Agent struct {
	id      string
	persona personas.Persona
	client  Chatter
	model   string
	prefix  string
	logger  *zap.Logger
}

// New constructs an agent for a single dispatch. prefix is the resolved
// personality prefix and may be empty.
func New(p personas.Persona, client Chatter, model, prefix string, logger *zap.Logger) *Agent {
	role := strings.ReplaceAll(strings.ToLower(p.DNA.Role), " ", "-")
	if role == "" {
		role = "agent"
	}
	return &Agent{
		id:      fmt.Sprintf("%s-%s", role, uuid.NewString()[:8]),
		persona: p,
		client:  client,
		model:   model,
		prefix:  prefix,
		logger:  logger,
	}
}

// ID is the ephemeral agent identity used in events and records.
func (a *Agent) ID() string { return a.id }

// PersonaID exposes the bound persona.
func (a *Agent) PersonaID() string { return a.persona.ID }

// Execute runs the subtask through the inference backend. conversation is
// the short-term memory block and may be empty. Errors come back already
// classified by the inference client.
func (a *Agent) Execute(ctx context.Context, sub taskengine.Subtask, prereqs []PrereqOutput, conversation string) (*Result, error) {
	req := inference.ChatRequest{
		Model: a.model,
		Messages: []inference.Message{
			{Role: "system", Content: a.systemPrompt()},
			{Role: "user", Content: a.userPrompt(sub, prereqs, conversation)},
		},
		Options: &inference.Options{Temperature: 0.7},
	}

	a.logger.Debug("agent dispatching",
		zap.String("agent_id", a.id),
		zap.String("subtask_id", sub.ID),
		zap.String("model", a.model))

	start := time.Now()
	res, err := a.client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	return &Result{
		AgentID:      a.id,
		PersonaID:    a.persona.ID,
		Model:        res.Model,
		Output:       strings.TrimSpace(res.Content),
		PromptTokens: res.PromptTokens,
		OutputTokens: res.OutputTokens,
		Duration:     time.Since(start),
	}, nil
}

func (a *Agent) systemPrompt() string {
	prompt := a.persona.DNA.Preamble()
	if a.prefix != "" {
		prompt += "\n" + a.prefix
	}
	return prompt
}

func (a *Agent) userPrompt(sub taskengine.Subtask, prereqs []PrereqOutput, conversation string) string {
	var b strings.Builder
	if conversation != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(conversation)
		b.WriteString("\n\n")
	}
	if len(prereqs) > 0 {
		b.WriteString("Results from prerequisite subtasks:\n")
		for _, p := range prereqs {
			fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", p.SubtaskID, p.Description, p.Output)
		}
	}
	b.WriteString("Your subtask: ")
	b.WriteString(sub.Description)
	b.WriteString("\n\n")
	b.WriteString(responseTrailer)
	return b.String()
}
