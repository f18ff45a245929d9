package inference

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dirigent-run/dirigent/internal/metrics"
)

// Class buckets tasks by the kind of model that serves them best.
type Class string

const (
	ClassCode         Class = "code"
	ClassReasoning    Class = "reasoning"
	ClassGeneral      Class = "general"
	ClassConversation Class = "conversation"
)

// availabilityTTL bounds how long a /api/tags snapshot is trusted.
const availabilityTTL = time.Minute

// defaultModel is used when every preference for a class is unavailable.
const defaultModel = "qwen2.5:latest"

// defaultPreferences is the compiled fallback when no models file exists.
var defaultPreferences = map[Class][]string{
	ClassCode:         {"qwen2.5-coder:latest", "deepseek-coder:latest", "qwen2.5:latest"},
	ClassReasoning:    {"deepseek-r1:latest", "qwen2.5:32b", "qwen2.5:latest"},
	ClassGeneral:      {"qwen2.5:latest", "llama3.1:latest"},
	ClassConversation: {"llama3.2:latest", "qwen2.5:latest", "mistral:latest"},
}

// modelsFile is the on-disk preference layout.
type modelsFile struct {
	DefaultModel string              `yaml:"default_model"`
	Models       map[string][]string `yaml:"models"`
}

// Lister is the slice of Client the selector needs. Satisfied by *Client.
type Lister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Selector resolves a task class to a concrete model name, falling back
// through the preference list when the preferred model is not installed.
type Selector struct {
	lister Lister
	logger *zap.Logger

	mu          sync.RWMutex
	prefs       map[Class][]string
	defaultName string

	cacheMu   sync.Mutex
	available map[string]struct{}
	fetchedAt time.Time
}

// NewSelector loads preferences from path when it exists, otherwise uses the
// compiled defaults. A missing file is not an error.
func NewSelector(path string, lister Lister, logger *zap.Logger) *Selector {
	s := &Selector{
		lister:      lister,
		logger:      logger,
		prefs:       defaultPreferences,
		defaultName: defaultModel,
	}

	if path == "" {
		return s
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("model preferences unreadable, using defaults",
				zap.String("path", path), zap.Error(err))
		}
		return s
	}

	var mf modelsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		logger.Warn("model preferences malformed, using defaults",
			zap.String("path", path), zap.Error(err))
		return s
	}

	prefs := make(map[Class][]string, len(mf.Models))
	for class, names := range mf.Models {
		if len(names) > 0 {
			prefs[Class(class)] = names
		}
	}
	if len(prefs) > 0 {
		s.prefs = prefs
	}
	if mf.DefaultModel != "" {
		s.defaultName = mf.DefaultModel
	}
	logger.Info("loaded model preferences",
		zap.String("path", path), zap.Int("classes", len(s.prefs)))
	return s
}

// Classify buckets a role/task description into a model class. Unknown
// vocabulary lands in general.
func Classify(role, taskType string) Class {
	combined := strings.ToLower(role + " " + taskType)
	switch {
	case containsAny(combined, "code", "develop", "program", "software", "engineer", "implement"):
		return ClassCode
	case containsAny(combined, "analyze", "research", "strategy", "plan", "reason"):
		return ClassReasoning
	case containsAny(combined, "chat", "converse", "respond", "talk", "assistant"):
		return ClassConversation
	default:
		return ClassGeneral
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Resolve returns the model name to use for class. The first installed model
// in the preference order wins; any step past the first is a logged fallback.
// When availability cannot be determined the first preference is assumed
// installed so a transient tags failure does not block inference.
func (s *Selector) Resolve(ctx context.Context, class Class) string {
	s.mu.RLock()
	prefs, ok := s.prefs[class]
	if !ok {
		prefs = s.prefs[ClassGeneral]
	}
	defaultName := s.defaultName
	s.mu.RUnlock()

	if len(prefs) == 0 {
		return defaultName
	}

	available, err := s.availableSet(ctx)
	if err != nil {
		s.logger.Warn("model availability unknown, assuming preferred model",
			zap.String("class", string(class)), zap.String("model", prefs[0]), zap.Error(err))
		return prefs[0]
	}

	for i, name := range prefs {
		if _, ok := available[normalizeModel(name)]; ok {
			if i > 0 {
				metrics.ModelFallbacks.WithLabelValues(string(class)).Inc()
				s.logger.Info("model fallback",
					zap.String("class", string(class)),
					zap.String("preferred", prefs[0]),
					zap.String("selected", name))
			}
			return name
		}
	}

	metrics.ModelFallbacks.WithLabelValues(string(class)).Inc()
	s.logger.Warn("no preferred model installed, using default",
		zap.String("class", string(class)), zap.String("model", defaultName))
	return defaultName
}

// Preferences returns the fallback order for a class, for the models API.
func (s *Selector) Preferences(class Class) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.prefs[class]
	if !ok {
		prefs = s.prefs[ClassGeneral]
	}
	out := make([]string, len(prefs))
	copy(out, prefs)
	return out
}

// Classes lists the configured classes in no particular order.
func (s *Selector) Classes() []Class {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Class, 0, len(s.prefs))
	for class := range s.prefs {
		out = append(out, class)
	}
	return out
}

// availableSet returns the backend's installed models, cached briefly so a
// burst of subtask dispatches costs one tags call.
func (s *Selector) availableSet(ctx context.Context) (map[string]struct{}, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.available != nil && time.Since(s.fetchedAt) < availabilityTTL {
		return s.available, nil
	}

	models, err := s.lister.ListModels(ctx)
	if err != nil {
		// Serve a stale snapshot over nothing.
		if s.available != nil {
			return s.available, nil
		}
		return nil, err
	}

	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[normalizeModel(m.Name)] = struct{}{}
	}
	s.available = set
	s.fetchedAt = time.Now()
	return set, nil
}

// Invalidate drops the availability cache. Called after a model pull.
func (s *Selector) Invalidate() {
	s.cacheMu.Lock()
	s.available = nil
	s.cacheMu.Unlock()
}

// normalizeModel folds the implicit :latest tag so qwen2.5 and
// qwen2.5:latest refer to the same installation.
func normalizeModel(name string) string {
	return strings.TrimSuffix(name, ":latest")
}
