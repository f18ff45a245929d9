// Package orchestrator drives a task from analysis to a stored workflow
// record: decompose, plan, dispatch agents stage by stage, aggregate the
// outputs, score them, and remember the outcome.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/bus"
	"github.com/dirigent-run/dirigent/internal/db"
	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/learning"
	"github.com/dirigent-run/dirigent/internal/memory"
	"github.com/dirigent-run/dirigent/internal/personas"
	"github.com/dirigent-run/dirigent/internal/session"
	"github.com/dirigent-run/dirigent/internal/tracker"
)

// Chatter issues one chat call against the inference backend. Satisfied by
// *inference.Client.
type Chatter interface {
	Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResult, error)
}

// ModelResolver maps a task class to an installed model name. Satisfied by
// *inference.Selector.
type ModelResolver interface {
	Resolve(ctx context.Context, class inference.Class) string
}

// Library is the slice of the persona store the engine uses.
type Library interface {
	Match(req personas.Requirements) (*personas.Persona, float64)
	Insert(dna personas.AgentDNA) (id string, created bool, err error)
	Get(id string) (*personas.Persona, error)
	RecordUse(id string, score float64) error
}

// Generator produces DNA when the library has no close enough match.
// Satisfied by *personas.Generator.
type Generator interface {
	Generate(ctx context.Context, model string, req personas.Requirements) personas.AgentDNA
}

// Environment wires the engine's collaborators. Sessions and DB are
// optional; everything else must be set. Tests assemble an Environment from
// fakes instead of reaching through globals.
type Environment struct {
	Inference Chatter
	Models    ModelResolver
	Personas  Library
	Generator Generator
	Tracker   *tracker.Tracker
	Bus       *bus.Bus
	Evaluator *learning.Evaluator
	Optimizer *learning.Optimizer
	Memory    *memory.Store
	Sessions  *session.Manager
	DB        *db.Client
	Logger    *zap.Logger
}

func (env Environment) validate() error {
	missing := ""
	switch {
	case env.Inference == nil:
		missing = "inference client"
	case env.Models == nil:
		missing = "model resolver"
	case env.Personas == nil:
		missing = "persona library"
	case env.Generator == nil:
		missing = "persona generator"
	case env.Tracker == nil:
		missing = "task tracker"
	case env.Bus == nil:
		missing = "message bus"
	case env.Evaluator == nil:
		missing = "outcome evaluator"
	case env.Optimizer == nil:
		missing = "delegation optimizer"
	case env.Memory == nil:
		missing = "long-term memory"
	}
	if missing != "" {
		return fmt.Errorf("orchestrator: environment missing %s", missing)
	}
	return nil
}
