package learning

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/taskengine"
	"github.com/dirigent-run/dirigent/internal/taskgraph"
)

const (
	// emaAlpha is the learning rate for the per-persona moving average.
	emaAlpha = 0.2
	// initialScore is assumed for a persona before its first recorded use.
	initialScore = 0.5
	// minUses gates recommendations; fewer uses means not enough signal.
	minUses = 3
)

type personaStats struct {
	personaID     string
	domain        string
	role          string
	uses          int
	score         float64
	totalDuration time.Duration
	lastUsed      time.Time
}

type domainStats struct {
	totalDuration time.Duration
	count         int
}

// Optimizer tracks how well each persona performs and recommends personas
// for future subtasks. State is in-memory; the persona store carries the
// durable success score.
type Optimizer struct {
	logger *zap.Logger

	mu        sync.RWMutex
	byPersona map[string]*personaStats
	byDomain  map[string]*domainStats
}

func NewOptimizer(logger *zap.Logger) *Optimizer {
	return &Optimizer{
		logger:    logger,
		byPersona: make(map[string]*personaStats),
		byDomain:  make(map[string]*domainStats),
	}
}

// Record folds one scored outcome into the persona's moving average and
// duration history. Returns the updated average.
func (o *Optimizer) Record(personaID, domain, role string, score float64, duration time.Duration) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	ps, ok := o.byPersona[personaID]
	if !ok {
		ps = &personaStats{
			personaID: personaID,
			domain:    strings.ToLower(domain),
			role:      strings.ToLower(role),
			score:     initialScore,
		}
		o.byPersona[personaID] = ps
	}
	ps.uses++
	ps.score = emaAlpha*score + (1-emaAlpha)*ps.score
	ps.totalDuration += duration
	ps.lastUsed = time.Now().UTC()

	d := strings.ToLower(domain)
	ds, ok := o.byDomain[d]
	if !ok {
		ds = &domainStats{}
		o.byDomain[d] = ds
	}
	ds.count++
	ds.totalDuration += duration

	o.logger.Debug("delegation recorded",
		zap.String("persona_id", personaID),
		zap.String("domain", domain),
		zap.Float64("score", score),
		zap.Float64("ema", ps.score))
	return ps.score
}

// Recommend returns the best-performing persona for a domain, optionally
// narrowed by a role hint. Personas with fewer than three recorded uses are
// never recommended; an empty return tells the caller to fall back to a
// fresh persona-store match.
func (o *Optimizer) Recommend(domain, roleHint string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	d := strings.ToLower(domain)
	hint := strings.ToLower(strings.TrimSpace(roleHint))

	var best *personaStats
	for _, ps := range o.byPersona {
		if ps.uses < minUses || ps.domain != d {
			continue
		}
		if hint != "" && !strings.Contains(ps.role, hint) {
			continue
		}
		if best == nil || ps.score > best.score ||
			(ps.score == best.score && ps.lastUsed.After(best.lastUsed)) {
			best = ps
		}
	}
	if best == nil {
		return ""
	}
	return best.personaID
}

// MeanDuration returns the mean recorded execution duration for a persona.
func (o *Optimizer) MeanDuration(personaID string) (time.Duration, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ps, ok := o.byPersona[personaID]
	if !ok || ps.uses == 0 {
		return 0, false
	}
	return ps.totalDuration / time.Duration(ps.uses), true
}

// WeightFunc adapts historical durations for the execution planner: the
// critical path weighs each subtask by the mean duration (in seconds) of
// its suggested persona, falling back to the domain mean, then to 1.
func (o *Optimizer) WeightFunc() taskgraph.WeightFunc {
	return func(st taskengine.Subtask) float64 {
		o.mu.RLock()
		defer o.mu.RUnlock()

		if st.SuggestedPersonaID != "" {
			if ps, ok := o.byPersona[st.SuggestedPersonaID]; ok && ps.uses > 0 {
				return (ps.totalDuration / time.Duration(ps.uses)).Seconds()
			}
		}
		if ds, ok := o.byDomain[strings.ToLower(st.Domain)]; ok && ds.count > 0 {
			return (ds.totalDuration / time.Duration(ds.count)).Seconds()
		}
		return 1.0
	}
}

// PersonaPerformance is a read-only view of one persona's statistics.
type PersonaPerformance struct {
	PersonaID    string        `json:"persona_id"`
	Domain       string        `json:"domain"`
	Role         string        `json:"role"`
	Uses         int           `json:"uses"`
	Score        float64       `json:"score"`
	MeanDuration time.Duration `json:"mean_duration_ns"`
	LastUsed     time.Time     `json:"last_used"`
}

// Snapshot returns all tracked personas sorted by score, best first.
func (o *Optimizer) Snapshot() []PersonaPerformance {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]PersonaPerformance, 0, len(o.byPersona))
	for _, ps := range o.byPersona {
		perf := PersonaPerformance{
			PersonaID: ps.personaID,
			Domain:    ps.domain,
			Role:      ps.role,
			Uses:      ps.uses,
			Score:     ps.score,
			LastUsed:  ps.lastUsed,
		}
		if ps.uses > 0 {
			perf.MeanDuration = ps.totalDuration / time.Duration(ps.uses)
		}
		out = append(out, perf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PersonaID < out[j].PersonaID
	})
	return out
}

// TopPerformers returns up to n best personas for a domain.
func (o *Optimizer) TopPerformers(domain string, n int) []PersonaPerformance {
	all := o.Snapshot()
	d := strings.ToLower(domain)
	var out []PersonaPerformance
	for _, p := range all {
		if p.Domain != d {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}
