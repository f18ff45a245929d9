package personas

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/inference"
)

// Chatter is the inference surface the generator needs.
type Chatter interface {
	Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResult, error)
}

// Generator produces new agent DNA for requirements the library cannot
// satisfy. The model is asked first; when it refuses or the backend fails the
// generator falls back to the deterministic per-domain template, so Generate
// never fails.
type Generator struct {
	chatter Chatter
	logger  *zap.Logger
}

// NewGenerator builds a generator over the given chat client.
func NewGenerator(chatter Chatter, logger *zap.Logger) *Generator {
	return &Generator{chatter: chatter, logger: logger}
}

// dnaPayload is the JSON shape the model is asked to emit.
type dnaPayload struct {
	Role          string            `json:"role"`
	Seniority     string            `json:"seniority"`
	Domain        string            `json:"domain"`
	Methodologies []string          `json:"methodologies"`
	Constraints   map[string]string `json:"constraints"`
	OutputFormat  map[string]string `json:"output_format"`
}

const generatePrompt = `Design a specialized agent for the following assignment.

Role: %s
Seniority: %s
Domain: %s

Respond with a single JSON object and nothing else, with exactly these keys:
  "role": string, the agent's professional role
  "seniority": string, one of junior, mid, senior, principal
  "domain": string, the industry or technical domain
  "methodologies": array of 3 to 5 working methods the agent applies, in order
  "constraints": object mapping constraint names to limits
  "output_format": object mapping output aspects to requirements`

// Generate returns DNA for the requirements, model-authored when possible.
func (g *Generator) Generate(ctx context.Context, model string, req Requirements) AgentDNA {
	req = fillDefaults(req)

	if g.chatter != nil {
		if dna, ok := g.fromModel(ctx, model, req); ok {
			return dna
		}
	}
	return TemplateDNA(req)
}

func (g *Generator) fromModel(ctx context.Context, model string, req Requirements) (AgentDNA, bool) {
	res, err := g.chatter.Chat(ctx, inference.ChatRequest{
		Model: model,
		Messages: []inference.Message{
			{Role: "user", Content: fmt.Sprintf(generatePrompt, req.Role, req.Seniority, req.Domain)},
		},
		Format:  "json",
		Options: &inference.Options{Temperature: 0.4},
	})
	if err != nil {
		g.logger.Warn("persona generation call failed, using template",
			zap.String("role", req.Role), zap.Error(err))
		return AgentDNA{}, false
	}

	payload, ok := extractJSON(res.Content)
	if !ok {
		g.logger.Warn("persona generation returned no JSON, using template",
			zap.String("role", req.Role))
		return AgentDNA{}, false
	}

	dna := AgentDNA{
		Role:          firstNonEmpty(payload.Role, req.Role),
		Seniority:     firstNonEmpty(payload.Seniority, req.Seniority),
		Domain:        firstNonEmpty(payload.Domain, req.Domain),
		Methodologies: payload.Methodologies,
		Constraints:   payload.Constraints,
		OutputFormat:  payload.OutputFormat,
	}
	if len(dna.Methodologies) == 0 {
		dna.Methodologies = methodologiesFor(dna.Domain)
	}
	if len(dna.Constraints) == 0 {
		dna.Constraints = defaultConstraints()
	}
	if len(dna.OutputFormat) == 0 {
		dna.OutputFormat = defaultOutputFormat()
	}
	return dna, true
}

// TemplateDNA builds deterministic DNA from the per-domain templates. Used
// directly when no inference backend is involved.
func TemplateDNA(req Requirements) AgentDNA {
	req = fillDefaults(req)
	dna := AgentDNA{
		Role:          req.Role,
		Seniority:     req.Seniority,
		Domain:        req.Domain,
		Methodologies: methodologiesFor(req.Domain),
		Constraints:   defaultConstraints(),
		OutputFormat:  defaultOutputFormat(),
	}
	if len(req.Methodologies) > 0 {
		dna.Methodologies = req.Methodologies
	}
	for k, v := range req.Constraints {
		dna.Constraints[k] = v
	}
	for k, v := range req.OutputFormat {
		dna.OutputFormat[k] = v
	}
	return dna
}

func fillDefaults(req Requirements) Requirements {
	if strings.TrimSpace(req.Role) == "" {
		req.Role = "general agent"
	}
	if strings.TrimSpace(req.Seniority) == "" {
		req.Seniority = "senior"
	}
	if strings.TrimSpace(req.Domain) == "" {
		req.Domain = "other"
	}
	return req
}

func methodologiesFor(domain string) []string {
	switch normToken(domain) {
	case "development":
		return []string{"Agile development", "Test-driven development", "Code review"}
	case "devops":
		return []string{"Infrastructure as code", "Continuous delivery", "Monitoring-first operations"}
	case "data":
		return []string{"Exploratory analysis", "Statistical validation", "Reproducible pipelines"}
	case "research":
		return []string{"Systematic review", "Source triangulation", "Structured synthesis"}
	case "design":
		return []string{"User-centered design", "Rapid prototyping", "Design critique"}
	case "testing":
		return []string{"Risk-based testing", "Test automation", "Regression coverage"}
	case "security":
		return []string{"Threat modeling", "Least privilege", "Defense in depth"}
	default:
		return []string{"Agile development", "Iterative improvement", "Continuous learning"}
	}
}

func defaultConstraints() map[string]string {
	return map[string]string{
		"quality":  "high quality required",
		"timeline": "reasonable timeline",
		"scope":    "stay within the assigned subtask",
	}
}

func defaultOutputFormat() map[string]string {
	return map[string]string{
		"format":    "markdown",
		"structure": "result first, then supporting detail",
	}
}

// extractJSON pulls the first top-level JSON object out of model output that
// may be wrapped in prose or code fences.
func extractJSON(text string) (dnaPayload, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return dnaPayload{}, false
	}
	var payload dnaPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return dnaPayload{}, false
	}
	if payload.Role == "" && len(payload.Methodologies) == 0 {
		return dnaPayload{}, false
	}
	return payload, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
