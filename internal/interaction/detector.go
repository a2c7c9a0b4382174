// Package interaction implements the interaction detector/parser (C5) and
// the inline markup extractor (C13): pure, side-effect-free scanners that
// turn assistant text into structured, actionable records.
package interaction

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/convoflow/engine/pkg/types"
)

var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// rawInteraction is the wire shape of one JSON-block interaction entry,
// before normalization.
type rawInteraction struct {
	ID        string          `json:"id"`
	Assertion string          `json:"assertion"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Message   string          `json:"message,omitempty"`
	Options   []string        `json:"options,omitempty"`
	Timeout   *int            `json:"timeout,omitempty"`
	Mode      string          `json:"mode,omitempty"`
}

// Detect extracts zero or more Interactions from assistant text. It never
// mutates the input and never fails: malformed JSON blocks are ignored and
// the surrounding text passes through untouched.
func Detect(text string) []types.Interaction {
	var out []types.Interaction

	for _, m := range fencedJSONBlock.FindAllStringSubmatch(text, -1) {
		out = append(out, parseFencedBlock(m[1])...)
	}

	out = append(out, detectInlineElements(text)...)

	return out
}

// parseFencedBlock parses one fenced ```json block's content, which is
// either an array (a sequential pipeline) or an object mapping pipeline
// name -> array (parallel pipelines).
func parseFencedBlock(content string) []types.Interaction {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	clean := jsonc.ToJSON([]byte(trimmed))

	var asArray []rawInteraction
	if err := json.Unmarshal(clean, &asArray); err == nil {
		return normalizeAll(asArray, types.ModeSequential)
	}

	var asObject map[string][]rawInteraction
	if err := json.Unmarshal(clean, &asObject); err == nil {
		var out []types.Interaction
		for _, arr := range asObject {
			out = append(out, normalizeAll(arr, types.ModeParallel)...)
		}
		return out
	}

	return nil // malformed: ignored, text passes through
}

func normalizeAll(raws []rawInteraction, mode types.InteractionMode) []types.Interaction {
	out := make([]types.Interaction, 0, len(raws))
	for _, r := range raws {
		i := types.Interaction{
			ID:        r.ID,
			Assertion: types.InteractionAssertion(r.Assertion),
			Name:      r.Name,
			Args:      r.Args,
			Message:   r.Message,
			Options:   r.Options,
			TimeoutMs: r.Timeout,
			Mode:      mode,
		}
		if r.Mode != "" {
			i.Mode = types.InteractionMode(r.Mode)
		}
		out = append(out, i)
	}
	return out
}

// knownInlineElements are the recognized inline executable element names;
// anything else is left in the text per the detector's policy.
var knownInlineElements = map[string]types.InteractionAssertion{
	"websearch": types.AssertionFunction,
	"bash":      types.AssertionFunction,
	"ask":       types.AssertionQuestion,
}

func detectInlineElements(text string) []types.Interaction {
	elements := Scan(text, inlineElementNames()...)
	out := make([]types.Interaction, 0, len(elements))
	for idx, el := range elements {
		assertion, ok := knownInlineElements[el.Type]
		if !ok {
			continue
		}
		i := types.Interaction{
			ID:        elementID(el, idx),
			Assertion: assertion,
			Name:      el.Type,
		}
		if assertion == types.AssertionQuestion {
			i.Message = el.Content
		} else {
			args, _ := json.Marshal(map[string]string{"query": el.Content, "command": el.Content})
			i.Args = args
		}
		out = append(out, i)
	}
	return out
}

func inlineElementNames() []string {
	names := make([]string, 0, len(knownInlineElements))
	for name := range knownInlineElements {
		names = append(names, name)
	}
	return names
}

func elementID(el types.MarkupElement, idx int) string {
	if id, ok := el.Attributes["id"]; ok && id != "" {
		return id
	}
	return el.Type + "-" + itoa(idx)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}
