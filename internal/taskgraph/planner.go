package taskgraph

import "github.com/dirigent-run/dirigent/internal/taskengine"

// Plan is the staged schedule for one workflow. Members of a stage have no
// dependencies on each other and may run concurrently; stages run strictly
// in order.
type Plan struct {
	TaskID         string     `json:"task_id"`
	Stages         [][]string `json:"stages"`
	CriticalPath   []string   `json:"critical_path"`
	CriticalLength float64    `json:"critical_length"`
	CanParallelize bool       `json:"can_parallelize"`
}

// WeightFunc assigns a duration weight to a subtask for critical-path
// computation. The default weighs every subtask 1.
type WeightFunc func(taskengine.Subtask) float64

// PlanOption adjusts planning.
type PlanOption func(*planConfig)

type planConfig struct {
	weight WeightFunc
}

// WithWeights uses historical durations instead of unit weights.
func WithWeights(w WeightFunc) PlanOption {
	return func(c *planConfig) { c.weight = w }
}

// NewPlan derives the staged schedule and critical path from the DAG.
func NewPlan(taskID string, g *Graph, opts ...PlanOption) *Plan {
	cfg := planConfig{weight: func(taskengine.Subtask) float64 { return 1 }}
	for _, opt := range opts {
		opt(&cfg)
	}

	stages := g.Layers()
	canParallelize := false
	for _, stage := range stages {
		if len(stage) > 1 {
			canParallelize = true
			break
		}
	}

	path, length := criticalPath(g, cfg.weight)
	return &Plan{
		TaskID:         taskID,
		Stages:         stages,
		CriticalPath:   path,
		CriticalLength: length,
		CanParallelize: canParallelize,
	}
}

// criticalPath runs the longest-path DP over topological order.
func criticalPath(g *Graph, weight WeightFunc) ([]string, float64) {
	dist := make(map[string]float64, g.Len())
	pred := make(map[string]string, g.Len())

	order := g.TopoOrder()
	for _, id := range order {
		sub, _ := g.Subtask(id)
		w := weight(sub)
		if w <= 0 {
			w = 1
		}
		d := w
		for _, p := range g.Prerequisites(id) {
			if dist[p]+w > d {
				d = dist[p] + w
				pred[id] = p
			}
		}
		dist[id] = d
	}

	var end string
	var best float64
	for _, id := range order {
		if dist[id] > best {
			best = dist[id]
			end = id
		}
	}
	if end == "" {
		return nil, 0
	}

	var path []string
	for id := end; id != ""; id = pred[id] {
		path = append(path, id)
	}
	// Reverse into execution order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, best
}

// StageOf returns the index of the stage containing id, or -1.
func (p *Plan) StageOf(id string) int {
	for i, stage := range p.Stages {
		for _, s := range stage {
			if s == id {
				return i
			}
		}
	}
	return -1
}

// SubtaskCount returns the total number of scheduled subtasks.
func (p *Plan) SubtaskCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage)
	}
	return n
}

// OrderedIDs returns every subtask id in stage order, preserving in-stage
// order. This is the canonical presentation order for aggregation.
func (p *Plan) OrderedIDs() []string {
	out := make([]string, 0, p.SubtaskCount())
	for _, stage := range p.Stages {
		out = append(out, stage...)
	}
	return out
}
