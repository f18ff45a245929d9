package taskengine

// phase is one step of a domain template. Role seeds the persona
// requirements for the subtask.
type phase struct {
	Verb string
	Role string
}

// domainTemplates define the execution-ordered phases per dominant domain.
// Steps within one template form a dependency chain.
var domainTemplates = map[string][]phase{
	"development": {
		{Verb: "Design", Role: "software architect"},
		{Verb: "Implement", Role: "software developer"},
		{Verb: "Test", Role: "qa engineer"},
	},
	"devops": {
		{Verb: "Provision", Role: "devops engineer"},
		{Verb: "Configure", Role: "devops engineer"},
		{Verb: "Deploy", Role: "devops engineer"},
		{Verb: "Verify", Role: "site reliability engineer"},
	},
	"data": {
		{Verb: "Collect data", Role: "data engineer"},
		{Verb: "Analyze", Role: "data analyst"},
		{Verb: "Visualize and report", Role: "data analyst"},
	},
	"research": {
		{Verb: "Define scope", Role: "research analyst"},
		{Verb: "Investigate", Role: "research analyst"},
		{Verb: "Synthesize findings", Role: "technical writer"},
	},
	"design": {
		{Verb: "Explore concepts", Role: "ux designer"},
		{Verb: "Prototype", Role: "ui designer"},
		{Verb: "Evaluate", Role: "ux designer"},
	},
	"testing": {
		{Verb: "Plan test coverage", Role: "qa engineer"},
		{Verb: "Execute tests", Role: "qa engineer"},
		{Verb: "Report results", Role: "qa engineer"},
	},
	"security": {
		{Verb: "Assess risks", Role: "security analyst"},
		{Verb: "Harden", Role: "security engineer"},
		{Verb: "Verify controls", Role: "security analyst"},
	},
	"other": {
		{Verb: "Prepare", Role: "general agent"},
		{Verb: "Execute", Role: "general agent"},
		{Verb: "Review", Role: "general agent"},
	},
}

// templateFor returns the phase list for a domain, defaulting to other.
func templateFor(domain string) []phase {
	if t, ok := domainTemplates[domain]; ok {
		return t
	}
	return domainTemplates["other"]
}
