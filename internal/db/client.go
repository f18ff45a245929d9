// Package db mirrors finished workflows into SQLite so operators can run
// ad-hoc queries without parsing the JSONL memory files. The mirror is
// write-behind: saves are queued and flushed by a background writer, and a
// full queue drops the incoming write rather than stalling a workflow.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	queueSize   = 256
	connTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	workflow_id   TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	status        TEXT NOT NULL,
	query         TEXT NOT NULL,
	complexity    TEXT NOT NULL DEFAULT '',
	subtask_count INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	score         REAL NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_task_id ON workflows (task_id);
CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows (created_at);
`

// writeRequest is either a row to persist or, when done is set, a flush
// marker: consuming it proves every earlier request was written.
type writeRequest struct {
	row  WorkflowRow
	done chan struct{}
}

// Client owns the SQLite handle and the background writer.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeCh chan writeRequest
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewClient opens (creating if needed) the SQLite file at path and starts
// the writer. Pass ":memory:" for an ephemeral database.
func NewClient(path string, logger *zap.Logger) (*Client, error) {
	if path == "" {
		return nil, fmt.Errorf("db: empty database path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create directory: %w", err)
		}
	}

	handle, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	// SQLite serializes writers anyway; a single connection also keeps
	// ":memory:" databases visible across queries.
	handle.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("db: ping %s: %w", path, err)
	}
	if _, err := handle.ExecContext(ctx, schema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("db: apply schema: %w", err)
	}

	c := &Client{
		db:      handle,
		logger:  logger,
		writeCh: make(chan writeRequest, queueSize),
		stopCh:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()

	logger.Info("workflow database ready", zap.String("path", path))
	return c, nil
}

// SaveWorkflow queues the row for the background writer. It never blocks:
// when the queue is full the row is dropped with a warning, since the JSONL
// memory store remains the source of truth.
func (c *Client) SaveWorkflow(row WorkflowRow) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("workflow database closed, dropping write",
			zap.String("workflow_id", row.WorkflowID))
		return
	}
	c.mu.Unlock()

	select {
	case c.writeCh <- writeRequest{row: row}:
	default:
		c.logger.Warn("workflow database queue full, dropping write",
			zap.String("workflow_id", row.WorkflowID))
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.writeCh:
			c.handle(req)
		case <-c.stopCh:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case req := <-c.writeCh:
					c.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) handle(req writeRequest) {
	if req.done != nil {
		close(req.done)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := c.insertRow(ctx, req.row); err != nil {
		c.logger.Error("workflow database write failed",
			zap.String("workflow_id", req.row.WorkflowID),
			zap.Error(err))
	}
}

// Flush blocks until every row queued before the call has been written.
func (c *Client) Flush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	done := make(chan struct{})
	select {
	case c.writeCh <- writeRequest{done: done}:
		select {
		case <-done:
		case <-c.stopCh:
		}
	case <-c.stopCh:
	}
}

// Close stops the writer after draining pending rows and closes the handle.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	return c.db.Close()
}
