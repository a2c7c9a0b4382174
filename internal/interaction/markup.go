package interaction

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/convoflow/engine/pkg/types"
)

var attrPattern = regexp.MustCompile(`([a-zA-Z_:][-a-zA-Z0-9_:.]*)\s*=\s*"([^"]*)"`)

// Scan finds inline executable elements of the given types using a
// permissive, multi-line-aware scanner. It does not validate nesting beyond
// matching each opening tag to its first same-name closing tag.
func Scan(text string, elementTypes ...string) []types.MarkupElement {
	var out []types.MarkupElement
	for _, name := range elementTypes {
		out = append(out, scanOne(text, name)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func scanOne(text, name string) []types.MarkupElement {
	// (?s) lets "." span newlines so multi-line element bodies are captured.
	pattern := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(name) + `((?:\s+[a-zA-Z_:][-a-zA-Z0-9_:.]*\s*=\s*"[^"]*")*)\s*>(.*?)</` + regexp.QuoteMeta(name) + `>`)

	var out []types.MarkupElement
	for _, m := range pattern.FindAllStringSubmatchIndex(text, -1) {
		full := text[m[0]:m[1]]
		attrsRaw := text[m[2]:m[3]]
		content := text[m[4]:m[5]]

		attrs := map[string]string{}
		for _, am := range attrPattern.FindAllStringSubmatch(attrsRaw, -1) {
			attrs[am[1]] = am[2]
		}

		out = append(out, types.MarkupElement{
			Type:       name,
			Attributes: attrs,
			Content:    content,
			Index:      m[0],
			Length:     len(full),
		})
	}
	return out
}

// InjectResults replaces each element's original substring with a
// `<result for="type" status="...">…</result>` fragment, processed
// right-to-left so earlier indices stay valid. Escapes &, <, > in injected
// content.
func InjectResults(text string, elements []types.MarkupElement, results []ResultFor) string {
	byIndex := make(map[int]ResultFor, len(results))
	for _, r := range results {
		byIndex[r.Index] = r
	}

	ordered := make([]types.MarkupElement, len(elements))
	copy(ordered, elements)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index > ordered[j].Index }) // right-to-left

	out := text
	for _, el := range ordered {
		r, ok := byIndex[el.Index]
		if !ok {
			continue
		}
		status := "success"
		if r.Error != "" {
			status = "error"
		}
		body := r.Output
		if r.Error != "" {
			body = r.Error
		}
		fragment := fmt.Sprintf(`<result for="%s" status="%s">%s</result>`, escape(el.Type), escape(status), escape(body))
		out = out[:el.Index] + fragment + out[el.Index+el.Length:]
	}
	return out
}

// ResultFor pairs a scanned element (by its original Index) with the
// outcome of executing it.
type ResultFor struct {
	Index  int
	Output string
	Error  string
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
