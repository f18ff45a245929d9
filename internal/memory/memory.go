// Package memory is the long-term store for completed workflow records.
// Records append to a JSONL live file and rotate into dated archive files
// on month boundaries or when the in-memory set outgrows its retention cap.
package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/metrics"
)

const (
	liveFileName = "workflows.jsonl"

	// defaultRetain caps the in-memory record set.
	defaultRetain = 10000

	// archiveFraction of the retention cap is shed per overflow rotation.
	archiveFraction = 0.2
)

// Workflow terminal statuses.
const (
	StatusOK        = "ok"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// SubtaskResult is one subtask's outcome inside a workflow record.
type SubtaskResult struct {
	SubtaskID   string    `json:"subtask_id"`
	Description string    `json:"description"`
	Domain      string    `json:"domain,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	PersonaID   string    `json:"persona_id,omitempty"`
	Status      string    `json:"status"`
	Output      string    `json:"output,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Score       float64   `json:"score"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// WorkflowRecord is the persisted outcome of one top-level task.
type WorkflowRecord struct {
	WorkflowID   string            `json:"workflow_id"`
	TaskID       string            `json:"task_id"`
	Task         string            `json:"task"`
	Context      map[string]string `json:"context,omitempty"`
	Complexity   string            `json:"complexity"`
	Domains      []string          `json:"domains,omitempty"`
	Status       string            `json:"status"`
	Stages       [][]string        `json:"stages,omitempty"`
	CriticalPath []string          `json:"critical_path,omitempty"`
	Results      []SubtaskResult   `json:"results"`
	Output       string            `json:"output"`
	Format       string            `json:"format,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	DurationMS   int64             `json:"duration_ms"`
	StoredAt     time.Time         `json:"stored_at"`
}

func (r *WorkflowRecord) clone() WorkflowRecord {
	cp := *r
	cp.Domains = append([]string(nil), r.Domains...)
	cp.CriticalPath = append([]string(nil), r.CriticalPath...)
	cp.Results = append([]SubtaskResult(nil), r.Results...)
	if r.Context != nil {
		cp.Context = make(map[string]string, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	if r.Stages != nil {
		cp.Stages = make([][]string, len(r.Stages))
		for i, stage := range r.Stages {
			cp.Stages[i] = append([]string(nil), stage...)
		}
	}
	return cp
}

// Store is the append-only workflow memory. All disk writes run on a single
// writer goroutine; the in-memory set is the source of truth for reads.
type Store struct {
	dir      string
	livePath string
	retain   int
	logger   *zap.Logger

	mu      sync.RWMutex
	records []*WorkflowRecord
	byTask  map[string]*WorkflowRecord

	wmu     sync.Mutex
	closed  bool
	writeCh chan func()
	wg      sync.WaitGroup

	// owned by the writer goroutine
	liveFile *os.File
}

// NewStore opens (or creates) the store under dir. retain <= 0 selects the
// default cap of 10 000 records.
func NewStore(dir string, retain int, logger *zap.Logger) (*Store, error) {
	if retain <= 0 {
		retain = defaultRetain
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		livePath: filepath.Join(dir, liveFileName),
		retain:   retain,
		logger:   logger,
		byTask:   make(map[string]*WorkflowRecord),
		writeCh:  make(chan func(), 64),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	metrics.MemoryRecords.Set(float64(len(s.records)))
	s.wg.Add(1)
	go s.run()
	logger.Info("workflow memory opened",
		zap.String("path", s.livePath),
		zap.Int("records", len(s.records)))
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.livePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, rerr := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var rec WorkflowRecord
			if jerr := json.Unmarshal(trimmed, &rec); jerr != nil {
				s.logger.Warn("skipping malformed workflow record", zap.Error(jerr))
			} else {
				p := &rec
				s.records = append(s.records, p)
				s.byTask[rec.TaskID] = p
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("read memory file: %w", rerr)
		}
	}
}

// Store appends one record. The in-memory set is updated synchronously so
// an immediate ByTask sees the record; the disk append happens behind the
// writer goroutine.
func (s *Store) Store(rec WorkflowRecord) error {
	if rec.WorkflowID == "" || rec.TaskID == "" {
		return errors.New("workflow record needs workflow_id and task_id")
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal workflow record: %w", err)
	}

	s.mu.Lock()
	p := &rec
	s.records = append(s.records, p)
	s.byTask[rec.TaskID] = p
	s.enqueue(func() { s.appendLine(line) })
	s.rotateLocked(rec.StoredAt)
	metrics.MemoryRecords.Set(float64(len(s.records)))
	s.mu.Unlock()
	return nil
}

// ByTask returns the terminal record for a task id, if one exists.
func (s *Store) ByTask(taskID string) (WorkflowRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byTask[taskID]
	if !ok {
		return WorkflowRecord{}, false
	}
	return rec.clone(), true
}

// Search returns up to limit records whose task text, aggregated output,
// per-subtask outputs, or ids contain the query, newest first. An empty
// query matches everything.
func (s *Store) Search(query string, limit int) []WorkflowRecord {
	q := strings.ToLower(strings.TrimSpace(query))
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []WorkflowRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if matchesQuery(s.records[i], q) {
			out = append(out, s.records[i].clone())
		}
	}
	return out
}

func matchesQuery(rec *WorkflowRecord, q string) bool {
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(rec.Task), q) ||
		strings.Contains(strings.ToLower(rec.Output), q) ||
		strings.Contains(strings.ToLower(rec.WorkflowID), q) ||
		strings.Contains(strings.ToLower(rec.TaskID), q) {
		return true
	}
	for _, res := range rec.Results {
		if strings.Contains(strings.ToLower(res.Output), q) {
			return true
		}
	}
	return false
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) []WorkflowRecord {
	return s.Search("", limit)
}

// Count reports the number of records currently held in memory.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats summarises the in-memory set for the stats endpoint.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	SuccessRate  float64        `json:"success_rate"`
	MeanDuration int64          `json:"mean_duration_ms"`
	OldestStored *time.Time     `json:"oldest_stored,omitempty"`
	NewestStored *time.Time     `json:"newest_stored,omitempty"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.records), ByStatus: make(map[string]int)}
	if len(s.records) == 0 {
		return st
	}
	var totalMS int64
	for _, rec := range s.records {
		st.ByStatus[rec.Status]++
		totalMS += rec.DurationMS
	}
	st.SuccessRate = float64(st.ByStatus[StatusOK]) / float64(st.Total)
	st.MeanDuration = totalMS / int64(st.Total)
	oldest := s.records[0].StoredAt
	newest := s.records[len(s.records)-1].StoredAt
	st.OldestStored = &oldest
	st.NewestStored = &newest
	return st
}

// Rotate archives old records relative to now: everything stored before the
// current calendar month, plus the oldest slice whenever the set exceeds the
// retention cap. Returns the number of records archived.
func (s *Store) Rotate(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rotateLocked(now)
	metrics.MemoryRecords.Set(float64(len(s.records)))
	return n
}

func (s *Store) rotateLocked(now time.Time) int {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	cut := 0
	for cut < len(s.records) && s.records[cut].StoredAt.Before(monthStart) {
		cut++
	}
	if over := len(s.records) - s.retain; over > 0 {
		n := int(float64(s.retain) * archiveFraction)
		if n < over {
			n = over
		}
		if n > cut {
			cut = n
		}
	}
	if cut == 0 {
		return 0
	}

	archived := s.records[:cut]
	s.records = append([]*WorkflowRecord(nil), s.records[cut:]...)
	for _, rec := range archived {
		if s.byTask[rec.TaskID] == rec {
			delete(s.byTask, rec.TaskID)
		}
	}

	archives := make(map[string][][]byte)
	for _, rec := range archived {
		line, err := json.Marshal(rec)
		if err != nil {
			s.logger.Error("marshal archived record", zap.Error(err))
			continue
		}
		month := rec.StoredAt.Format("2006-01")
		archives[month] = append(archives[month], line)
	}
	live := make([][]byte, 0, len(s.records))
	for _, rec := range s.records {
		line, err := json.Marshal(rec)
		if err != nil {
			s.logger.Error("marshal live record", zap.Error(err))
			continue
		}
		live = append(live, line)
	}
	s.enqueue(func() { s.applyRotation(archives, live) })

	metrics.MemoryArchived.Add(float64(cut))
	s.logger.Info("workflow memory rotated",
		zap.Int("archived", cut),
		zap.Int("remaining", len(s.records)))
	return cut
}

// Flush blocks until every queued disk write has been applied.
func (s *Store) Flush() {
	ack := make(chan struct{})
	if !s.enqueue(func() { close(ack) }) {
		return
	}
	<-ack
}

// Close stops the writer goroutine after draining pending writes.
func (s *Store) Close() {
	s.wmu.Lock()
	if s.closed {
		s.wmu.Unlock()
		return
	}
	s.closed = true
	close(s.writeCh)
	s.wmu.Unlock()
	s.wg.Wait()
}

func (s *Store) enqueue(fn func()) bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return false
	}
	s.writeCh <- fn
	return true
}

// run is the single writer. File handles are touched only here.
func (s *Store) run() {
	defer s.wg.Done()
	for fn := range s.writeCh {
		fn()
	}
	if s.liveFile != nil {
		s.liveFile.Sync()
		s.liveFile.Close()
		s.liveFile = nil
	}
}

func (s *Store) appendLine(line []byte) {
	if s.liveFile == nil {
		f, err := os.OpenFile(s.livePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.Error("open memory file", zap.Error(err))
			return
		}
		s.liveFile = f
	}
	if _, err := s.liveFile.Write(append(line, '\n')); err != nil {
		s.logger.Error("append workflow record", zap.Error(err))
	}
}

func (s *Store) applyRotation(archives map[string][][]byte, live [][]byte) {
	for month, lines := range archives {
		path := filepath.Join(s.dir, fmt.Sprintf("workflows-%s.jsonl", month))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.Error("open archive file", zap.String("path", path), zap.Error(err))
			continue
		}
		for _, line := range lines {
			if _, werr := f.Write(append(line, '\n')); werr != nil {
				s.logger.Error("append archive record", zap.Error(werr))
				break
			}
		}
		f.Sync()
		f.Close()
	}

	if s.liveFile != nil {
		s.liveFile.Close()
		s.liveFile = nil
	}
	tmp := s.livePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		s.logger.Error("rewrite memory file", zap.Error(err))
		return
	}
	for _, line := range live {
		if _, werr := f.Write(append(line, '\n')); werr != nil {
			s.logger.Error("rewrite memory record", zap.Error(werr))
			break
		}
	}
	f.Sync()
	f.Close()
	if err := os.Rename(tmp, s.livePath); err != nil {
		s.logger.Error("swap memory file", zap.Error(err))
	}
}
