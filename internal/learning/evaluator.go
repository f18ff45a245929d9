// Package learning closes the feedback loop: the evaluator scores finished
// subtasks, the optimizer folds those scores into per-persona statistics and
// recommends personas for future work.
package learning

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/metrics"
)

// Axis weights for the overall score.
const (
	qualityWeight      = 0.4
	completenessWeight = 0.3
	successWeight      = 0.3
)

// Outcome is everything the evaluator needs to know about one finished
// subtask.
type Outcome struct {
	TaskID       string
	SubtaskID    string
	AgentID      string
	PersonaID    string
	Domain       string
	Role         string
	Description  string
	Output       string
	OutputFormat map[string]string
	Completed    bool
	Duration     time.Duration
}

// Evaluation is the scored result. All axes are in [0, 1].
type Evaluation struct {
	TaskID       string    `json:"task_id"`
	SubtaskID    string    `json:"subtask_id"`
	AgentID      string    `json:"agent_id,omitempty"`
	PersonaID    string    `json:"persona_id,omitempty"`
	Quality      float64   `json:"quality"`
	Completeness float64   `json:"completeness"`
	Success      bool      `json:"success"`
	Overall      float64   `json:"overall"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Evaluator assesses subtask outcomes with deterministic heuristics. It holds
// no state between calls.
type Evaluator struct {
	logger *zap.Logger
}

func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate scores one outcome. quality measures conformance to the persona's
// requested output format, completeness measures keyword coverage of the
// subtask description, success is reaching the completed state.
func (e *Evaluator) Evaluate(o Outcome) Evaluation {
	ev := Evaluation{
		TaskID:      o.TaskID,
		SubtaskID:   o.SubtaskID,
		AgentID:     o.AgentID,
		PersonaID:   o.PersonaID,
		Success:     o.Completed,
		EvaluatedAt: time.Now().UTC(),
	}

	ev.Quality = quality(o)
	ev.Completeness = completeness(o)
	success := 0.0
	if o.Completed {
		success = 1.0
	}
	ev.Overall = qualityWeight*ev.Quality + completenessWeight*ev.Completeness + successWeight*success

	metrics.OutcomeScores.Observe(ev.Overall)
	e.logger.Debug("subtask evaluated",
		zap.String("subtask_id", o.SubtaskID),
		zap.Float64("quality", ev.Quality),
		zap.Float64("completeness", ev.Completeness),
		zap.Float64("overall", ev.Overall))
	return ev
}

// quality starts from a base score for having produced output at all and
// adds points for substance and for matching the requested format.
func quality(o Outcome) float64 {
	out := strings.TrimSpace(o.Output)
	if !o.Completed || out == "" {
		return 0
	}
	score := 0.5
	if len(out) > 100 {
		score += 0.2
	}
	if conformsToFormat(out, o.OutputFormat) {
		score += 0.3
	}
	return math.Min(1.0, score)
}

// conformsToFormat checks the output against the persona's declared format.
// Unknown or unspecified formats pass.
func conformsToFormat(out string, format map[string]string) bool {
	want := strings.ToLower(format["format"])
	switch {
	case strings.Contains(want, "json"):
		start := strings.Index(out, "{")
		end := strings.LastIndex(out, "}")
		if start < 0 || end <= start {
			return false
		}
		return json.Valid([]byte(out[start : end+1]))
	case strings.Contains(want, "markdown"):
		for _, line := range strings.Split(out, "\n") {
			t := strings.TrimSpace(line)
			if strings.HasPrefix(t, "#") || strings.HasPrefix(t, "- ") ||
				strings.HasPrefix(t, "* ") || strings.HasPrefix(t, "```") {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// completeness is the fraction of significant description keywords that the
// output mentions.
func completeness(o Outcome) float64 {
	if !o.Completed {
		return 0
	}
	keys := keywords(o.Description)
	if len(keys) == 0 {
		if strings.TrimSpace(o.Output) == "" {
			return 0
		}
		return 1
	}
	lower := strings.ToLower(o.Output)
	hit := 0
	for _, k := range keys {
		if strings.Contains(lower, k) {
			hit++
		}
	}
	return float64(hit) / float64(len(keys))
}

var keywordStopwords = map[string]struct{}{
	"that": {}, "this": {}, "from": {}, "into": {}, "then": {},
	"them": {}, "their": {}, "your": {}, "will": {}, "what": {},
	"when": {}, "each": {}, "which": {}, "also": {}, "have": {},
	"been": {}, "were": {}, "with": {}, "should": {}, "would": {},
}

// keywords extracts deduplicated significant tokens (length >= 4, not a
// stopword) from a description, preserving first-seen order.
func keywords(desc string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, tok := range strings.FieldsFunc(strings.ToLower(desc), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) < 4 {
			continue
		}
		if _, stop := keywordStopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		keys = append(keys, tok)
	}
	return keys
}
