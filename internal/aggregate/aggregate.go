// Package aggregate composes per-subtask agent outputs into the final
// workflow artifact. Presentation order always follows the plan, never
// completion time.
package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dirigent-run/dirigent/internal/taskgraph"
)

// Format selects the shape of the aggregated output.
type Format string

const (
	Summary  Format = "summary"
	Detailed Format = "detailed"
	JSON     Format = "json"
)

// DefaultFormat applies when the caller does not ask for one.
const DefaultFormat = Detailed

// ParseFormat maps a request string onto a known format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultFormat, nil
	case Summary:
		return Summary, nil
	case Detailed:
		return Detailed, nil
	case JSON:
		return JSON, nil
	default:
		return "", fmt.Errorf("unknown aggregation format %q", s)
	}
}

// SubtaskOutput is one subtask's contribution to the final artifact.
type SubtaskOutput struct {
	SubtaskID   string        `json:"subtask_id"`
	Description string        `json:"description"`
	AgentID     string        `json:"agent_id,omitempty"`
	PersonaID   string        `json:"persona_id,omitempty"`
	Status      string        `json:"status"`
	Output      string        `json:"output,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Score       float64       `json:"score"`
	Duration    time.Duration `json:"duration_ns"`
}

// Envelope is the structured aggregate used by the json format.
type Envelope struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Stages    [][]string      `json:"stages"`
	Entries   []SubtaskOutput `json:"entries"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
}

// Aggregate renders the subtask outputs in the requested format. outputs is
// keyed by subtask id; ids scheduled in the plan but absent from outputs are
// reported as skipped.
func Aggregate(plan *taskgraph.Plan, outputs map[string]SubtaskOutput, format Format) (string, error) {
	entries, completed, failed, skipped := collect(plan, outputs)

	switch format {
	case JSON:
		env := Envelope{
			TaskID:    plan.TaskID,
			Status:    overallStatus(completed, failed, skipped),
			Stages:    plan.Stages,
			Entries:   entries,
			Completed: completed,
			Failed:    failed,
			Skipped:   skipped,
		}
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal aggregate: %w", err)
		}
		return string(data), nil
	case Summary:
		return renderSummary(entries, completed, failed, skipped), nil
	case Detailed, "":
		return renderDetailed(plan, entries, completed, failed, skipped), nil
	default:
		return "", fmt.Errorf("unknown aggregation format %q", format)
	}
}

// collect orders entries by plan position and tallies outcomes.
func collect(plan *taskgraph.Plan, outputs map[string]SubtaskOutput) (entries []SubtaskOutput, completed, failed, skipped int) {
	for _, id := range plan.OrderedIDs() {
		entry, ok := outputs[id]
		if !ok {
			entry = SubtaskOutput{SubtaskID: id, Status: "skipped", Reason: "no output recorded"}
		}
		switch entry.Status {
		case "completed":
			completed++
		case "skipped":
			skipped++
		default:
			if entry.Reason == "upstream failure" {
				skipped++
			} else {
				failed++
			}
		}
		entries = append(entries, entry)
	}
	return entries, completed, failed, skipped
}

func overallStatus(completed, failed, skipped int) string {
	switch {
	case failed == 0 && skipped == 0:
		return "ok"
	case completed > 0:
		return "partial"
	default:
		return "failed"
	}
}

// renderSummary emits one heading per subtask with the first paragraph of
// its output.
func renderSummary(entries []SubtaskOutput, completed, failed, skipped int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow finished: %d completed, %d failed, %d skipped\n", completed, failed, skipped)
	for _, e := range entries {
		fmt.Fprintf(&b, "\n## %s\n", headingFor(e))
		switch {
		case e.Status == "completed":
			b.WriteString(firstParagraph(e.Output))
			b.WriteString("\n")
		case e.Reason != "":
			fmt.Fprintf(&b, "(%s: %s)\n", e.Status, e.Reason)
		default:
			fmt.Fprintf(&b, "(%s)\n", e.Status)
		}
	}
	return b.String()
}

// renderDetailed emits the full per-subtask blocks plus a skipped section.
func renderDetailed(plan *taskgraph.Plan, entries []SubtaskOutput, completed, failed, skipped int) string {
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 60)

	var b strings.Builder
	b.WriteString(rule + "\n")
	b.WriteString("WORKFLOW RESULTS\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Task: %s\n", plan.TaskID)
	fmt.Fprintf(&b, "Subtasks: %d total, %d completed, %d failed, %d skipped\n",
		len(entries), completed, failed, skipped)
	fmt.Fprintf(&b, "Stages: %d\n", len(plan.Stages))
	b.WriteString(thin + "\n")

	var notCompleted []SubtaskOutput
	for _, e := range entries {
		if e.Status != "completed" {
			notCompleted = append(notCompleted, e)
			continue
		}
		fmt.Fprintf(&b, "\n[%s] %s\n", e.SubtaskID, e.Description)
		if e.AgentID != "" {
			fmt.Fprintf(&b, "Agent: %s\n", e.AgentID)
		}
		b.WriteString(e.Output)
		if !strings.HasSuffix(e.Output, "\n") {
			b.WriteString("\n")
		}
	}

	if len(notCompleted) > 0 {
		b.WriteString("\n" + thin + "\n")
		b.WriteString("NOT COMPLETED\n")
		for _, e := range notCompleted {
			reason := e.Reason
			if reason == "" {
				reason = e.Status
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", e.SubtaskID, e.Description, reason)
		}
	}

	b.WriteString("\n" + rule + "\n")
	return b.String()
}

func headingFor(e SubtaskOutput) string {
	if e.Description != "" {
		return e.Description
	}
	return e.SubtaskID
}

// firstParagraph cuts output at the first blank line.
func firstParagraph(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "\n\n"); idx >= 0 {
		return s[:idx]
	}
	return s
}
