package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/memory"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &Client{db: sqlx.NewDb(mockDB, "sqlite3"), logger: zap.NewNop()}, mock
}

func sampleRecord() *memory.WorkflowRecord {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &memory.WorkflowRecord{
		WorkflowID: "wf-1",
		TaskID:     "task-1",
		Task:       "summarize the quarterly report",
		Complexity: "moderate",
		Status:     memory.StatusOK,
		Results: []memory.SubtaskResult{
			{SubtaskID: "s1", Status: "completed", Score: 0.8},
			{SubtaskID: "s2", Status: "completed", Score: 0.6},
		},
		DurationMS: 1500,
		StoredAt:   now,
	}
}

func TestRowFromRecordFlattens(t *testing.T) {
	rec := sampleRecord()
	row := RowFromRecord(rec)

	assert.Equal(t, "wf-1", row.WorkflowID)
	assert.Equal(t, "task-1", row.TaskID)
	assert.Equal(t, memory.StatusOK, row.Status)
	assert.Equal(t, "summarize the quarterly report", row.Query)
	assert.Equal(t, "moderate", row.Complexity)
	assert.Equal(t, 2, row.SubtaskCount)
	assert.Equal(t, int64(1500), row.DurationMS)
	assert.InDelta(t, 0.7, row.Score, 1e-9)
	assert.Equal(t, rec.StoredAt, row.CreatedAt)
}

func TestRowFromRecordDefaultsCreatedAt(t *testing.T) {
	rec := sampleRecord()
	rec.StoredAt = time.Time{}
	rec.Results = nil

	row := RowFromRecord(rec)
	assert.False(t, row.CreatedAt.IsZero())
	assert.Zero(t, row.Score)
	assert.Zero(t, row.SubtaskCount)
}

func TestInsertRowIssuesUpsert(t *testing.T) {
	c, mock := newMockClient(t)
	row := RowFromRecord(sampleRecord())

	mock.ExpectExec("INSERT INTO workflows").
		WithArgs(row.WorkflowID, row.TaskID, row.Status, row.Query, row.Complexity,
			row.SubtaskCount, row.DurationMS, row.Score, row.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, c.insertRow(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRowRejectsMissingID(t *testing.T) {
	c, mock := newMockClient(t)
	err := c.insertRow(context.Background(), WorkflowRow{TaskID: "task-1"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsCombinesStatusGroups(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery("SELECT status").WillReturnRows(
		sqlmock.NewRows([]string{"status", "n", "avg_ms", "avg_score"}).
			AddRow("ok", 3, 1200.0, 0.8).
			AddRow("failed", 1, 400.0, 0.2))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, map[string]int{"ok": 3, "failed": 1}, stats.ByStatus)
	assert.InDelta(t, 1000.0, stats.MeanDurationMS, 1e-9)
	assert.InDelta(t, 0.65, stats.MeanScore, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsEmptyTable(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery("SELECT status").WillReturnRows(
		sqlmock.NewRows([]string{"status", "n", "avg_ms", "avg_score"}))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Empty(t, stats.ByStatus)
	assert.Zero(t, stats.MeanDurationMS)
}

func TestSQLiteRoundTrip(t *testing.T) {
	c, err := NewClient(":memory:", zap.NewNop())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	first := WorkflowRow{
		WorkflowID: "wf-1", TaskID: "task-1", Status: "ok",
		Query: "deploy the service", SubtaskCount: 2, DurationMS: 900,
		Score: 0.9, CreatedAt: now.Add(-time.Hour),
	}
	second := WorkflowRow{
		WorkflowID: "wf-2", TaskID: "task-2", Status: "failed",
		Query: "migrate the database", SubtaskCount: 1, DurationMS: 300,
		Score: 0.1, CreatedAt: now,
	}
	c.SaveWorkflow(first)
	c.SaveWorkflow(second)

	// Rewriting wf-1 must update in place, not duplicate.
	first.Status = "partial"
	first.Score = 0.5
	c.SaveWorkflow(first)
	c.Flush()

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, map[string]int{"partial": 1, "failed": 1}, stats.ByStatus)

	recent, err := c.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "wf-2", recent[0].WorkflowID)
	assert.Equal(t, "wf-1", recent[1].WorkflowID)
	assert.Equal(t, "partial", recent[1].Status)
	assert.WithinDuration(t, now, recent[0].CreatedAt, time.Second)

	require.NoError(t, c.Close())
	// Writes after Close are dropped, not panics.
	c.SaveWorkflow(second)
	require.NoError(t, c.Close())
}
