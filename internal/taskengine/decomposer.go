package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/inference"
)

// Refiner is the inference surface the decomposer uses to specialize
// template descriptions. nil disables refinement.
type Refiner interface {
	Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResult, error)
}

// Recommender suggests a persona for a domain/role pair from delegation
// history. nil or an empty suggestion leaves the field blank.
type Recommender interface {
	Recommend(domain, role string) string
}

// Decomposer expands an analyzed task into ordered subtasks.
type Decomposer struct {
	refiner     Refiner
	refineModel string
	recommender Recommender
	logger      *zap.Logger
}

// NewDecomposer builds a decomposer. refiner and recommender may be nil.
func NewDecomposer(refiner Refiner, refineModel string, recommender Recommender, logger *zap.Logger) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{
		refiner:     refiner,
		refineModel: refineModel,
		recommender: recommender,
		logger:      logger,
	}
}

// sequenceMarkerRe splits task text on explicit ordering markers. The
// segments become the subtasks themselves, chained in order.
var sequenceMarkerRe = regexp.MustCompile(`(?i)\s*(?:,\s*)?\band then\b\s*|\s*,\s*then\b\s*`)

// Decompose returns the subtasks for a task in execution order.
//
// Simple tasks pass through as a single subtask. Tasks with explicit
// sequence markers split into the marked segments. Everything else expands
// through the per-domain templates, optionally refined by the model; the
// refinement may only reword descriptions, never change count or order.
func (d *Decomposer) Decompose(ctx context.Context, task Task, analysis Analysis) []Subtask {
	if !analysis.RequiresDecomposition {
		sub := Subtask{
			ID:          subtaskID(task.ID, 1),
			TaskID:      task.ID,
			Description: task.Text,
			Domain:      analysis.Dominant(),
			Role:        "general agent",
		}
		d.suggest(&sub)
		return []Subtask{sub}
	}

	if segments := splitSequence(task.Text); len(segments) >= 2 {
		return d.chainFromSegments(task, analysis, segments)
	}
	return d.fromTemplates(ctx, task, analysis)
}

// chainFromSegments turns explicitly ordered segments into a dependency
// chain, one subtask per segment.
func (d *Decomposer) chainFromSegments(task Task, analysis Analysis, segments []string) []Subtask {
	subtasks := make([]Subtask, 0, len(segments))
	for i, seg := range segments {
		sub := Subtask{
			ID:          subtaskID(task.ID, i+1),
			TaskID:      task.ID,
			Description: seg,
			Domain:      analysis.Dominant(),
			Role:        "general agent",
		}
		if i > 0 {
			sub.DependsOn = []string{subtasks[i-1].ID}
		}
		d.suggest(&sub)
		subtasks = append(subtasks, sub)
	}
	return subtasks
}

// fromTemplates interleaves the domain templates in analyzer-reported
// order. Dependencies chain within each domain's template only.
func (d *Decomposer) fromTemplates(ctx context.Context, task Task, analysis Analysis) []Subtask {
	domains := analysis.Domains
	if len(domains) == 0 {
		domains = []string{"other"}
	}

	type cursor struct {
		domain string
		phases []phase
		next   int
		prevID string
	}
	cursors := make([]*cursor, len(domains))
	for i, domain := range domains {
		cursors[i] = &cursor{domain: domain, phases: templateFor(domain)}
	}

	var subtasks []Subtask
	n := 1
	for {
		emitted := false
		for _, c := range cursors {
			if c.next >= len(c.phases) {
				continue
			}
			p := c.phases[c.next]
			sub := Subtask{
				ID:          subtaskID(task.ID, n),
				TaskID:      task.ID,
				Description: fmt.Sprintf("%s for: %s", p.Verb, task.Text),
				Domain:      c.domain,
				Role:        p.Role,
			}
			if c.prevID != "" {
				sub.DependsOn = []string{c.prevID}
			}
			c.prevID = sub.ID
			c.next++
			n++
			subtasks = append(subtasks, sub)
			emitted = true
		}
		if !emitted {
			break
		}
	}

	d.refine(ctx, task, subtasks)
	for i := range subtasks {
		d.suggest(&subtasks[i])
	}
	return subtasks
}

// refine asks the model to specialize the template descriptions. The
// response must be a JSON array with exactly one string per subtask; on any
// deviation the template descriptions stand.
func (d *Decomposer) refine(ctx context.Context, task Task, subtasks []Subtask) {
	if d.refiner == nil || len(subtasks) == 0 {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nPlanned steps:\n", task.Text)
	for i, sub := range subtasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, sub.Description)
	}
	fmt.Fprintf(&b, "\nRewrite each step description to be specific to this task. "+
		"Keep the same number of steps in the same order. "+
		"Respond with a JSON array of exactly %d strings and nothing else.", len(subtasks))

	res, err := d.refiner.Chat(ctx, inference.ChatRequest{
		Model:    d.refineModel,
		Messages: []inference.Message{{Role: "user", Content: b.String()}},
		Format:   "json",
		Options:  &inference.Options{Temperature: 0.3},
	})
	if err != nil {
		d.logger.Warn("description refinement failed, keeping templates", zap.Error(err))
		return
	}

	descriptions, ok := parseStringArray(res.Content)
	if !ok || len(descriptions) != len(subtasks) {
		d.logger.Warn("refinement shape mismatch, keeping templates",
			zap.Int("want", len(subtasks)), zap.Int("got", len(descriptions)))
		return
	}
	for i, desc := range descriptions {
		desc = strings.TrimSpace(desc)
		if desc != "" {
			subtasks[i].Description = desc
		}
	}
}

func (d *Decomposer) suggest(sub *Subtask) {
	if d.recommender == nil {
		return
	}
	sub.SuggestedPersonaID = d.recommender.Recommend(sub.Domain, sub.Role)
}

// splitSequence returns the non-empty segments of text separated by
// sequence markers, or nil when no marker occurs.
func splitSequence(text string) []string {
	parts := sequenceMarkerRe.Split(text, -1)
	if len(parts) < 2 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

// parseStringArray extracts a JSON string array from model output that may
// carry surrounding prose or an object wrapper.
func parseStringArray(text string) ([]string, bool) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		var arr []string
		if err := json.Unmarshal([]byte(text[start:end+1]), &arr); err == nil {
			return arr, true
		}
	}
	// Some models wrap the array in an object like {"steps": [...]}.
	var obj map[string]json.RawMessage
	objStart := strings.Index(text, "{")
	objEnd := strings.LastIndex(text, "}")
	if objStart >= 0 && objEnd > objStart {
		if err := json.Unmarshal([]byte(text[objStart:objEnd+1]), &obj); err == nil {
			for _, raw := range obj {
				var arr []string
				if err := json.Unmarshal(raw, &arr); err == nil {
					return arr, true
				}
			}
		}
	}
	return nil, false
}

func subtaskID(taskID string, n int) string {
	return fmt.Sprintf("%s-sub-%d", taskID, n)
}
