// Package personas maintains the reusable library of agent profiles.
// A persona is identified by its DNA content: two records with identical DNA
// collapse to one, and matching picks the closest existing record before the
// engine pays for generating a new one.
package personas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AgentDNA is the five-element profile of a specialized agent.
// Role and seniority count as a single element for matching purposes.
type AgentDNA struct {
	Role          string            `yaml:"role" json:"role"`
	Seniority     string            `yaml:"seniority" json:"seniority"`
	Domain        string            `yaml:"domain" json:"domain"`
	Methodologies []string          `yaml:"methodologies" json:"methodologies"`
	Constraints   map[string]string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	OutputFormat  map[string]string `yaml:"output_format,omitempty" json:"output_format,omitempty"`
}

// Persona is DNA plus library metadata.
type Persona struct {
	ID           string    `yaml:"id" json:"id"`
	DNA          AgentDNA  `yaml:"dna" json:"dna"`
	CreatedAt    time.Time `yaml:"created_at" json:"created_at"`
	UsageCount   int       `yaml:"usage_count" json:"usage_count"`
	SuccessScore float64   `yaml:"success_score" json:"success_score"`
	LastUsedAt   time.Time `yaml:"last_used_at,omitempty" json:"last_used_at,omitempty"`
}

// Requirements describes the agent a subtask needs. The same shape as DNA;
// kept separate so callers cannot accidentally persist a requirement.
type Requirements struct {
	Role          string
	Seniority     string
	Domain        string
	Methodologies []string
	Constraints   map[string]string
	OutputFormat  map[string]string
}

// Fingerprint returns a stable content hash of the DNA 5-tuple. Element
// order inside maps and the methodology list does not affect the result,
// so logically identical DNA always collapses.
func (d AgentDNA) Fingerprint() string {
	var b strings.Builder
	b.WriteString("role=")
	b.WriteString(normToken(d.Role))
	b.WriteString("|seniority=")
	b.WriteString(normToken(d.Seniority))
	b.WriteString("|domain=")
	b.WriteString(normToken(d.Domain))

	methods := make([]string, len(d.Methodologies))
	for i, m := range d.Methodologies {
		methods[i] = normToken(m)
	}
	sort.Strings(methods)
	b.WriteString("|methods=")
	b.WriteString(strings.Join(methods, ","))

	b.WriteString("|constraints=")
	b.WriteString(canonicalMap(d.Constraints))
	b.WriteString("|output=")
	b.WriteString(canonicalMap(d.OutputFormat))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Preamble renders the DNA as the system prompt that primes an agent.
func (d AgentDNA) Preamble() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s %s specializing in %s.\n", d.Seniority, d.Role, d.Domain)
	if len(d.Methodologies) > 0 {
		fmt.Fprintf(&b, "You follow these methodologies in order: %s.\n", strings.Join(d.Methodologies, ", "))
	}
	if len(d.Constraints) > 0 {
		b.WriteString("Constraints you must respect:\n")
		for _, k := range sortedKeys(d.Constraints) {
			fmt.Fprintf(&b, "- %s: %s\n", k, d.Constraints[k])
		}
	}
	if len(d.OutputFormat) > 0 {
		b.WriteString("Output requirements:\n")
		for _, k := range sortedKeys(d.OutputFormat) {
			fmt.Fprintf(&b, "- %s: %s\n", k, d.OutputFormat[k])
		}
	}
	return b.String()
}

// DNA returns the requirement shape as DNA for insertion.
func (r Requirements) DNA() AgentDNA {
	return AgentDNA{
		Role:          r.Role,
		Seniority:     r.Seniority,
		Domain:        r.Domain,
		Methodologies: r.Methodologies,
		Constraints:   r.Constraints,
		OutputFormat:  r.OutputFormat,
	}
}

func normToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func canonicalMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := sortedKeys(m)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = normToken(k) + "=" + normToken(m[k])
	}
	return strings.Join(parts, ",")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
