// Package taskengine turns a natural-language task into an ordered list of
// subtasks: the analyzer classifies complexity and domains, the decomposer
// expands the task through per-domain templates and optional model
// refinement.
package taskengine

import "time"

// Complexity classifies how much decomposition a task needs.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// Domains is the closed vocabulary for task tagging.
var Domains = []string{
	"development", "devops", "data", "research", "design", "testing", "security", "other",
}

// Task is one unit of submitted work. Immutable once created.
type Task struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Context     map[string]string `json:"context,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Analysis is the analyzer's verdict on a task.
type Analysis struct {
	Complexity            Complexity `json:"complexity"`
	Domains               []string   `json:"domains"`
	Score                 int        `json:"score"`
	RequiresDecomposition bool       `json:"requires_decomposition"`
}

// Dominant returns the first reported domain, or "other".
func (a Analysis) Dominant() string {
	if len(a.Domains) == 0 {
		return "other"
	}
	return a.Domains[0]
}

// Subtask is one unit of dispatchable work inside a workflow.
type Subtask struct {
	ID                 string   `json:"id"`
	TaskID             string   `json:"task_id"`
	Description        string   `json:"description"`
	Domain             string   `json:"domain"`
	Role               string   `json:"role,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
	SuggestedPersonaID string   `json:"suggested_persona_id,omitempty"`
}
