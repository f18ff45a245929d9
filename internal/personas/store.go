package personas

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dirigent-run/dirigent/internal/metrics"
	"github.com/dirigent-run/dirigent/internal/taskerr"
)

// MatchThreshold is the minimum similarity at which an existing persona is
// reused instead of generating a new one.
const MatchThreshold = 0.7

// successAlpha is the smoothing factor for the success-score moving average.
const successAlpha = 0.2

// Matching weights over the DNA elements. Role and seniority are one term.
const (
	weightRole         = 0.35
	weightDomain       = 0.25
	weightMethods      = 0.20
	weightConstraints  = 0.10
	weightOutputFormat = 0.10
)

// libraryFile is the on-disk layout of the persona library.
type libraryFile struct {
	Personas []*Persona `yaml:"personas"`
}

// ListFilter narrows List results. Zero value matches everything.
type ListFilter struct {
	Role   string
	Domain string
}

// Store is the persona library. All exported methods are safe for concurrent
// use; mutations rewrite the backing file before returning.
type Store struct {
	path   string
	logger *zap.Logger

	mu            sync.RWMutex
	byID          map[string]*Persona
	byFingerprint map[string]string
}

// NewStore opens the library at path, creating the parent directory when
// missing. A missing file is an empty library, not an error.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:          path,
		logger:        logger,
		byID:          make(map[string]*Persona),
		byFingerprint: make(map[string]string),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.CodePersonaStore, err, "create library directory")
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	metrics.PersonasStored.Set(float64(len(s.byID)))
	logger.Info("persona library opened",
		zap.String("path", path), zap.Int("personas", len(s.byID)))
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return taskerr.Wrap(taskerr.CodePersonaStore, err, "read library")
	}
	var lf libraryFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return taskerr.Wrap(taskerr.CodePersonaStore, err, "parse library")
	}
	byID := make(map[string]*Persona, len(lf.Personas))
	byFP := make(map[string]string, len(lf.Personas))
	for _, p := range lf.Personas {
		if p.ID == "" {
			continue
		}
		fp := p.DNA.Fingerprint()
		if existing, ok := byFP[fp]; ok {
			// Duplicate DNA on disk; keep the earlier record.
			s.logger.Warn("duplicate persona DNA in library, dropping",
				zap.String("kept", existing), zap.String("dropped", p.ID))
			continue
		}
		byID[p.ID] = p
		byFP[fp] = p.ID
	}
	s.byID = byID
	s.byFingerprint = byFP
	return nil
}

// Reload re-reads the library from disk. In-memory records are replaced
// wholesale; the caller is expected to invoke this from the file watcher.
func (s *Store) Reload() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return 0, err
	}
	n := len(s.byID)
	metrics.PersonasStored.Set(float64(n))
	metrics.LibraryReloads.Inc()
	return n, nil
}

// Insert adds a persona with the given DNA. When a record with identical DNA
// already exists its id is returned and nothing is written; created reports
// which case occurred.
func (s *Store) Insert(dna AgentDNA) (id string, created bool, err error) {
	if err := validateDNA(dna); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fp := dna.Fingerprint()
	if existing, ok := s.byFingerprint[fp]; ok {
		return existing, false, nil
	}

	p := &Persona{
		ID:           "persona-" + uuid.NewString()[:12],
		DNA:          dna,
		CreatedAt:    time.Now().UTC(),
		SuccessScore: 0.5,
	}
	s.byID[p.ID] = p
	s.byFingerprint[fp] = p.ID

	if err := s.persistLocked(); err != nil {
		delete(s.byID, p.ID)
		delete(s.byFingerprint, fp)
		return "", false, err
	}
	metrics.PersonasStored.Set(float64(len(s.byID)))
	s.logger.Info("persona created",
		zap.String("persona_id", p.ID),
		zap.String("role", dna.Role),
		zap.String("domain", dna.Domain))
	return p.ID, true, nil
}

// Get returns a copy of the persona with the given id.
func (s *Store) Get(id string) (*Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, taskerr.New(taskerr.CodePersonaStore, "persona %s not found", id)
	}
	cp := *p
	return &cp, nil
}

// Match returns the closest persona to the requirements and its similarity
// in [0, 1]. An empty library yields (nil, 0). Callers compare the score
// against MatchThreshold; Match itself does not gate.
func (s *Store) Match(req Requirements) (*Persona, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best      *Persona
		bestScore float64
	)
	for _, p := range s.byID {
		score := Similarity(req, p.DNA)
		switch {
		case score > bestScore:
			best, bestScore = p, score
		case score == bestScore && best != nil:
			if p.SuccessScore > best.SuccessScore ||
				(p.SuccessScore == best.SuccessScore && p.LastUsedAt.After(best.LastUsedAt)) {
				best = p
			}
		}
	}
	if best == nil {
		return nil, 0
	}
	cp := *best
	return &cp, bestScore
}

// RecordUse updates usage metadata after a subtask outcome. score is the
// evaluator's overall score in [0, 1] and feeds the moving average.
func (s *Store) RecordUse(id string, score float64) error {
	if score < 0 || score > 1 {
		return taskerr.New(taskerr.CodeValidation, "success score %v outside [0,1]", score)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return taskerr.New(taskerr.CodePersonaStore, "persona %s not found", id)
	}
	p.UsageCount++
	p.SuccessScore = successAlpha*score + (1-successAlpha)*p.SuccessScore
	p.LastUsedAt = time.Now().UTC()
	return s.persistLocked()
}

// List returns personas matching the filter, most recently used first.
func (s *Store) List(f ListFilter) []*Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Persona, 0, len(s.byID))
	for _, p := range s.byID {
		if f.Role != "" && !strings.Contains(normToken(p.DNA.Role), normToken(f.Role)) {
			continue
		}
		if f.Domain != "" && !strings.Contains(normToken(p.DNA.Domain), normToken(f.Domain)) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].LastUsedAt.After(out[j].LastUsedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes a persona and rewrites the library.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return taskerr.New(taskerr.CodePersonaStore, "persona %s not found", id)
	}
	delete(s.byID, id)
	delete(s.byFingerprint, p.DNA.Fingerprint())
	if err := s.persistLocked(); err != nil {
		return err
	}
	metrics.PersonasStored.Set(float64(len(s.byID)))
	return nil
}

// Count returns the number of personas in the library.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Path returns the backing file path, for the watcher.
func (s *Store) Path() string { return s.path }

// persistLocked rewrites the library atomically. Callers hold s.mu.
// The write is flushed to disk before rename so a crash never leaves a
// truncated library.
func (s *Store) persistLocked() error {
	personas := make([]*Persona, 0, len(s.byID))
	for _, p := range s.byID {
		personas = append(personas, p)
	}
	sort.Slice(personas, func(i, j int) bool {
		if !personas[i].CreatedAt.Equal(personas[j].CreatedAt) {
			return personas[i].CreatedAt.Before(personas[j].CreatedAt)
		}
		return personas[i].ID < personas[j].ID
	})

	data, err := yaml.Marshal(libraryFile{Personas: personas})
	if err != nil {
		return taskerr.Wrap(taskerr.CodePersonaStore, err, "marshal library")
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return taskerr.Wrap(taskerr.CodePersonaStore, err, "open temp library")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return taskerr.Wrap(taskerr.CodePersonaStore, err, "write library")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return taskerr.Wrap(taskerr.CodePersonaStore, err, "sync library")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return taskerr.Wrap(taskerr.CodePersonaStore, err, "close library")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return taskerr.Wrap(taskerr.CodePersonaStore, err, "replace library")
	}
	return nil
}

// Similarity scores how well a candidate DNA satisfies the requirements.
// Weighted overlap of the five DNA elements; 1.0 means identical.
func Similarity(req Requirements, dna AgentDNA) float64 {
	score := weightRole * tokenOverlap(
		req.Role+" "+req.Seniority,
		dna.Role+" "+dna.Seniority,
	)
	score += weightDomain * tokenOverlap(req.Domain, dna.Domain)
	score += weightMethods * listJaccard(req.Methodologies, dna.Methodologies)
	score += weightConstraints * keyJaccard(req.Constraints, dna.Constraints)
	score += weightOutputFormat * keyJaccard(req.OutputFormat, dna.OutputFormat)
	return score
}

// tokenOverlap is Jaccard similarity over lowercase word sets, so
// "Senior Backend Developer" and "backend developer, senior" agree fully.
func tokenOverlap(a, b string) float64 {
	return setJaccard(tokenSet(a), tokenSet(b))
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		set[tok] = struct{}{}
	}
	return set
}

func listJaccard(a, b []string) float64 {
	sa := make(map[string]struct{}, len(a))
	for _, v := range a {
		sa[normToken(v)] = struct{}{}
	}
	sb := make(map[string]struct{}, len(b))
	for _, v := range b {
		sb[normToken(v)] = struct{}{}
	}
	return setJaccard(sa, sb)
}

// keyJaccard compares map keys only; values are free to differ.
func keyJaccard(a, b map[string]string) float64 {
	sa := make(map[string]struct{}, len(a))
	for k := range a {
		sa[normToken(k)] = struct{}{}
	}
	sb := make(map[string]struct{}, len(b))
	for k := range b {
		sb[normToken(k)] = struct{}{}
	}
	return setJaccard(sa, sb)
}

// setJaccard treats two empty sets as full agreement, so a requirement that
// asks for nothing does not penalize a persona that promises nothing.
func setJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

func validateDNA(d AgentDNA) error {
	var missing []string
	if strings.TrimSpace(d.Role) == "" {
		missing = append(missing, "role")
	}
	if strings.TrimSpace(d.Domain) == "" {
		missing = append(missing, "domain")
	}
	if len(d.Methodologies) == 0 {
		missing = append(missing, "methodologies")
	}
	if len(missing) > 0 {
		return taskerr.New(taskerr.CodeValidation, "persona DNA missing %s", fmt.Sprint(missing))
	}
	return nil
}
