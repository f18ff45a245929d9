package taskengine

import (
	"regexp"
	"strings"
)

// actionVerbStems is the published action-verb list, held as stems so
// inflected forms (deploys, deploying, authentication) still count.
var actionVerbStems = []string{
	"build", "deploy", "integrat", "refactor", "migrat", "design",
	"creat", "implement", "test", "analyz", "configur", "develop",
	"authenticat", "provision", "automat", "optimiz", "document", "monitor",
	"writ", "research", "evaluat",
}

// verbLexicon is the broader set used to decide whether a conjunction joins
// two verb phrases.
var verbLexicon = append([]string{
	"write", "run", "make", "add", "fix", "update", "remove", "check",
	"install", "set", "review", "verify", "collect", "prepare", "research",
	"investigate", "evaluate", "publish", "release",
}, actionVerbStems...)

// domainKeywords drives the closed-vocabulary tagger. Order matters only for
// determinism of the scan, not for the reported order, which follows first
// occurrence in the text.
var domainKeywords = map[string][]string{
	"development": {"code", "develop", "build", "implement", "api", "function", "python", "rest", "software", "program", "backend", "frontend", "library"},
	"devops":      {"deploy", "infrastructure", "cloud", "docker", "kubernetes", "ci/cd", "aws", "server", "pipeline", "terraform"},
	"data":        {"data", "analyze", "dashboard", "report", "statistics", "visualization", "database", "metrics"},
	"research":    {"research", "investigate", "study", "evaluate", "compare", "literature"},
	"design":      {"design", "ui", "ux", "mockup", "prototype", "interface", "wireframe"},
	"testing":     {"test", "qa", "testing", "validation", "verify", "regression"},
	"security":    {"security", "vulnerability", "encrypt", "exploit", "penetration", "audit", "compliance", "threat"},
}

var numberedItemRe = regexp.MustCompile(`(^|\s)\d+[.)]\s`)

// Analyze classifies a task's complexity and domains. Pure and deterministic:
// the same text and context always produce the same analysis.
func Analyze(text string, context map[string]string) Analysis {
	tokens := tokenize(text)
	score := lengthPoints(len(tokens))
	score += conjunctionPoints(tokens)
	score += actionVerbPoints(tokens)
	score += multiplicityPoints(text)

	complexity := Simple
	switch {
	case score >= 6:
		complexity = Complex
	case score >= 3:
		complexity = Medium
	}

	domains := tagDomains(text, context)

	return Analysis{
		Complexity:            complexity,
		Domains:               domains,
		Score:                 score,
		RequiresDecomposition: complexity != Simple,
	}
}

// lengthPoints awards one point per four tokens, capped so verbosity alone
// cannot push a task past medium.
func lengthPoints(tokens int) int {
	p := tokens / 4
	if p > 3 {
		p = 3
	}
	return p
}

// conjunctionPoints counts coordinating conjunctions followed by a verb,
// the signature of a second verb phrase ("build X and deploy Y").
func conjunctionPoints(tokens []string) int {
	points := 0
	for i, tok := range tokens {
		if tok != "and" && tok != "or" {
			continue
		}
		if i+1 < len(tokens) && isVerb(tokens[i+1]) {
			points++
		}
	}
	return points
}

func actionVerbPoints(tokens []string) int {
	points := 0
	for _, tok := range tokens {
		for _, stem := range actionVerbStems {
			if strings.HasPrefix(tok, stem) {
				points++
				break
			}
		}
	}
	return points
}

// multiplicityPoints counts explicit sequence markers and numbered list
// items, each announcing one more unit of work.
func multiplicityPoints(text string) int {
	lower := strings.ToLower(text)
	points := strings.Count(lower, "and then")
	points += strings.Count(lower, ", then ")
	points += len(numberedItemRe.FindAllString(lower, -1))
	return points
}

// tagDomains reports every matched domain in order of first keyword
// occurrence in the text. Context values participate after the text. Empty
// classification resolves to other. Single-word keywords match whole tokens
// so "build" does not light up the design domain through "ui".
func tagDomains(text string, context map[string]string) []string {
	combined := text
	for _, k := range []string{"domain", "area"} {
		if v, ok := context[k]; ok {
			combined += " " + v
		}
	}
	tokens := tokenize(combined)
	lower := strings.ToLower(combined)

	type hit struct {
		domain string
		pos    int
	}
	var hits []hit
	for _, domain := range Domains {
		keywords, ok := domainKeywords[domain]
		if !ok {
			continue
		}
		first := -1
		for _, kw := range keywords {
			idx := keywordIndex(tokens, lower, kw)
			if idx >= 0 && (first < 0 || idx < first) {
				first = idx
			}
		}
		if first >= 0 {
			hits = append(hits, hit{domain, first})
		}
	}
	if len(hits) == 0 {
		return []string{"other"}
	}

	// Insertion sort by position; the vocabulary is small.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.domain
	}
	return out
}

// keywordIndex returns the token position of the first keyword match, or -1.
// Compound keywords ("ci/cd") fall back to substring search over the text.
func keywordIndex(tokens []string, lower, kw string) int {
	if strings.ContainsAny(kw, "/ ") {
		if strings.Contains(lower, kw) {
			return len(tokens) // after any single-token hit, position is approximate
		}
		return -1
	}
	for i, tok := range tokens {
		if tok == kw || tok == kw+"s" {
			return i
		}
	}
	return -1
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func isVerb(tok string) bool {
	for _, stem := range verbLexicon {
		if strings.HasPrefix(tok, stem) {
			return true
		}
	}
	return false
}
