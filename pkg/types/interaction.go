package types

import "encoding/json"

// InteractionAssertion discriminates the three interaction surfaces C5 can
// extract from assistant text.
type InteractionAssertion string

const (
	AssertionCommand  InteractionAssertion = "command"
	AssertionQuestion InteractionAssertion = "question"
	AssertionFunction InteractionAssertion = "function"
)

// InteractionMode describes how a batch of interactions should be executed.
type InteractionMode string

const (
	ModeSequential InteractionMode = "sequential"
	ModeParallel   InteractionMode = "parallel"
)

// Interaction is a transient, structured request extracted from assistant
// output by the detector. It carries no side effects by itself.
type Interaction struct {
	ID        string                `json:"id"`
	Assertion InteractionAssertion  `json:"assertion"`
	Name      string                `json:"name"`
	Args      json.RawMessage       `json:"args,omitempty"`
	Message   string                `json:"message,omitempty"`
	Options   []string              `json:"options,omitempty"`
	TimeoutMs *int                  `json:"timeout,omitempty"`
	Mode      InteractionMode       `json:"mode,omitempty"`
}

// MarkupElement is one inline executable element found by the C13 scanner.
type MarkupElement struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Content    string            `json:"content"`
	Index      int               `json:"index"`
	Length     int               `json:"length"`
}
