package db

import (
	"context"
	"fmt"
	"time"

	"github.com/dirigent-run/dirigent/internal/memory"
)

// WorkflowRow is the flattened form of a workflow record. The full record
// stays in the JSONL memory store; the table keeps only what aggregate
// queries need.
type WorkflowRow struct {
	WorkflowID   string    `db:"workflow_id" json:"workflow_id"`
	TaskID       string    `db:"task_id" json:"task_id"`
	Status       string    `db:"status" json:"status"`
	Query        string    `db:"query" json:"query"`
	Complexity   string    `db:"complexity" json:"complexity"`
	SubtaskCount int       `db:"subtask_count" json:"subtask_count"`
	DurationMS   int64     `db:"duration_ms" json:"duration_ms"`
	Score        float64   `db:"score" json:"score"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RowFromRecord flattens a stored workflow record. Score is the mean of the
// per-subtask scores, zero when none were evaluated.
func RowFromRecord(rec *memory.WorkflowRecord) WorkflowRow {
	var score float64
	if n := len(rec.Results); n > 0 {
		for _, res := range rec.Results {
			score += res.Score
		}
		score /= float64(n)
	}
	created := rec.StoredAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return WorkflowRow{
		WorkflowID:   rec.WorkflowID,
		TaskID:       rec.TaskID,
		Status:       rec.Status,
		Query:        rec.Task,
		Complexity:   rec.Complexity,
		SubtaskCount: len(rec.Results),
		DurationMS:   rec.DurationMS,
		Score:        score,
		CreatedAt:    created,
	}
}

const upsertWorkflow = `
INSERT INTO workflows (workflow_id, task_id, status, query, complexity, subtask_count, duration_ms, score, created_at)
VALUES (:workflow_id, :task_id, :status, :query, :complexity, :subtask_count, :duration_ms, :score, :created_at)
ON CONFLICT (workflow_id) DO UPDATE SET
	status        = excluded.status,
	subtask_count = excluded.subtask_count,
	duration_ms   = excluded.duration_ms,
	score         = excluded.score
`

func (c *Client) insertRow(ctx context.Context, row WorkflowRow) error {
	if row.WorkflowID == "" {
		return fmt.Errorf("db: row missing workflow id")
	}
	_, err := c.db.NamedExecContext(ctx, upsertWorkflow, row)
	if err != nil {
		return fmt.Errorf("db: upsert workflow %s: %w", row.WorkflowID, err)
	}
	return nil
}

// Stats summarizes the mirror for the stats endpoint.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	MeanDurationMS float64        `json:"mean_duration_ms"`
	MeanScore      float64        `json:"mean_score"`
}

const statsQuery = `
SELECT status,
       COUNT(*)                   AS n,
       COALESCE(AVG(duration_ms), 0) AS avg_ms,
       COALESCE(AVG(score), 0)       AS avg_score
FROM workflows
GROUP BY status
`

// Stats aggregates stored workflows by status.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	rows := []struct {
		Status   string  `db:"status"`
		N        int     `db:"n"`
		AvgMS    float64 `db:"avg_ms"`
		AvgScore float64 `db:"avg_score"`
	}{}
	if err := c.db.SelectContext(ctx, &rows, statsQuery); err != nil {
		return Stats{}, fmt.Errorf("db: query stats: %w", err)
	}

	stats := Stats{ByStatus: make(map[string]int, len(rows))}
	var durSum, scoreSum float64
	for _, r := range rows {
		stats.Total += r.N
		stats.ByStatus[r.Status] = r.N
		durSum += r.AvgMS * float64(r.N)
		scoreSum += r.AvgScore * float64(r.N)
	}
	if stats.Total > 0 {
		stats.MeanDurationMS = durSum / float64(stats.Total)
		stats.MeanScore = scoreSum / float64(stats.Total)
	}
	return stats, nil
}

const recentQuery = `
SELECT workflow_id, task_id, status, query, complexity, subtask_count, duration_ms, score, created_at
FROM workflows
ORDER BY created_at DESC
LIMIT ?
`

// Recent returns the newest rows, most recent first.
func (c *Client) Recent(ctx context.Context, limit int) ([]WorkflowRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows := []WorkflowRow{}
	if err := c.db.SelectContext(ctx, &rows, recentQuery, limit); err != nil {
		return nil, fmt.Errorf("db: query recent workflows: %w", err)
	}
	return rows, nil
}
