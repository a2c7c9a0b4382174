package permission

import (
	"encoding/json"

	"github.com/convoflow/engine/pkg/types"
)

// condition is the explicit schema resolved for the "conditions" open
// question: {equals, in, range, sessionIdMatches}. Anything else is rejected
// (treated as non-matching) rather than interpreted as a general expression
// language, since the source gives no formal grammar for one.
type condition struct {
	Field           string  `json:"field,omitempty"`
	Equals          any     `json:"equals,omitempty"`
	In              []any   `json:"in,omitempty"`
	RangeMin        *float64 `json:"rangeMin,omitempty"`
	RangeMax        *float64 `json:"rangeMax,omitempty"`
	SessionIDMatches string  `json:"sessionIdMatches,omitempty"`
}

// evaluateConditions parses a rule's conditions column and matches it
// against the evaluation context. Malformed conditions are treated as
// "always match" (null); unrecognized shapes never throw.
func evaluateConditions(raw json.RawMessage, pctx types.PermissionContext) bool {
	if len(raw) == 0 {
		return true
	}

	var conds []condition
	if err := json.Unmarshal(raw, &conds); err != nil {
		// try single-object form
		var single condition
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return true // malformed -> always match
		}
		conds = []condition{single}
	}

	for _, c := range conds {
		if !matchOne(c, pctx) {
			return false
		}
	}
	return true
}

func matchOne(c condition, pctx types.PermissionContext) bool {
	if c.SessionIDMatches != "" {
		return c.SessionIDMatches == pctx.SessionID
	}

	if c.Field == "" {
		return false
	}
	val, ok := pctx.Extra[c.Field]
	if !ok {
		return false
	}

	if c.Equals != nil {
		return equalJSON(val, c.Equals)
	}
	if len(c.In) > 0 {
		for _, candidate := range c.In {
			if equalJSON(val, candidate) {
				return true
			}
		}
		return false
	}
	if c.RangeMin != nil || c.RangeMax != nil {
		f, ok := toFloat(val)
		if !ok {
			return false
		}
		if c.RangeMin != nil && f < *c.RangeMin {
			return false
		}
		if c.RangeMax != nil && f > *c.RangeMax {
			return false
		}
		return true
	}
	return false
}

func equalJSON(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
