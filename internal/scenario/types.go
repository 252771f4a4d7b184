package scenario

// ScenarioAction defines the intent under test: an action type plus the
// canonical target for that type (path, command, URL, recipient, key).
type ScenarioAction struct {
	Type   string `yaml:"type"`
	Target string `yaml:"target"`
}

// ScenarioCitation attaches evidence provenance to a case so rules that
// key on citation tiers can be exercised from a YAML file.
type ScenarioCitation struct {
	Tier   string `yaml:"tier"`
	Source string `yaml:"source,omitempty"`
}

// Case is one test case within a scenario. Body feeds the payload slot
// of the built intent (request body, file content, message text).
type Case struct {
	Action    ScenarioAction     `yaml:"action"`
	Expect    string             `yaml:"expect"`
	Risk      string             `yaml:"risk,omitempty"`
	Agent     string             `yaml:"agent,omitempty"`
	Body      string             `yaml:"body,omitempty"`
	Citations []ScenarioCitation `yaml:"citations,omitempty"`
}

// Scenario is a named collection of policy test cases.
type Scenario struct {
	Name    string `yaml:"name"`
	Profile string `yaml:"profile,omitempty"`
	Cases   []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Type     string `json:"action_type"`
	Target   string `json:"target"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Reason   string `json:"reason"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
