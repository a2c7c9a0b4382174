package permission

import (
	"context"
	"sort"
	"sync"

	"github.com/convoflow/engine/internal/storage"
	"github.com/convoflow/engine/pkg/types"
)

// Engine is the permission rule store and evaluator (C3): first-match-wins
// policy evaluation with scoped rules (once / session / permanent).
type Engine struct {
	storage *storage.Storage
	mu      sync.Mutex
}

// NewEngine creates a rule-store backed Engine.
func NewEngine(store *storage.Storage) *Engine {
	return &Engine{storage: store}
}

// AddRule persists a new PermissionRule.
func (e *Engine) AddRule(ctx context.Context, rule types.PermissionRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storage.Put(ctx, []string{"permission-rule", rule.ID}, rule)
}

// DeleteRule removes a rule, used for once-scope consumption.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storage.Delete(ctx, []string{"permission-rule", ruleID})
}

func (e *Engine) allRules(ctx context.Context) []types.PermissionRule {
	keys, err := e.storage.List(ctx, []string{"permission-rule"})
	if err != nil {
		return nil
	}
	rules := make([]types.PermissionRule, 0, len(keys))
	for _, k := range keys {
		var r types.PermissionRule
		if err := e.storage.Get(ctx, []string{"permission-rule", k}, &r); err != nil {
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

// Evaluate implements the normative evaluation algorithm: candidate
// filtering, safe-condition matching, priority/specificity/createdAt
// ordering, and a fail-safe-to-prompt default. Internal errors never become
// allow; a panic during evaluation is converted to a deny decision.
func (e *Engine) Evaluate(ctx context.Context, subject types.PermissionSubject, resource types.PermissionResource, pctx types.PermissionContext) (decision types.PermissionDecision) {
	defer func() {
		if r := recover(); r != nil {
			decision = types.PermissionDecision{Action: types.ActionDeny}
		}
	}()

	rules := e.allRules(ctx)

	var candidates []types.PermissionRule
	for _, r := range rules {
		if !subjectMatches(r, subject) {
			continue
		}
		if !resourceMatches(r, resource) {
			continue
		}
		if !scopeMatches(r, pctx) {
			continue
		}
		if !evaluateConditions(r.Conditions, pctx) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return types.PermissionDecision{Action: types.ActionPrompt}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority // priority desc
		}
		sa, sb := specificity(a), specificity(b)
		if sa != sb {
			return sa > sb // more specific first
		}
		return a.CreatedAt < b.CreatedAt // createdAt asc
	})

	winner := candidates[0]
	return types.PermissionDecision{Action: winner.Action, Rule: &winner, Scope: winner.Scope}
}

// specificity scores explicit subjectId/resourceName above wildcards, per
// "explicit subjectId before *, explicit resourceName before null".
func specificity(r types.PermissionRule) int {
	score := 0
	if r.SubjectID != nil && *r.SubjectID != "" {
		score++
	}
	if r.ResourceName != nil && *r.ResourceName != "" {
		score++
	}
	return score
}

func subjectMatches(r types.PermissionRule, s types.PermissionSubject) bool {
	if r.SubjectType != types.SubjectAny && r.SubjectType != s.Type {
		return false
	}
	if r.SubjectID != nil && *r.SubjectID != "" && *r.SubjectID != s.ID {
		return false
	}
	return true
}

func resourceMatches(r types.PermissionRule, res types.PermissionResource) bool {
	if r.ResourceType != types.ResourceAny && r.ResourceType != res.Type {
		return false
	}
	if r.ResourceName != nil && *r.ResourceName != "" && *r.ResourceName != res.Name {
		return false
	}
	return true
}

func scopeMatches(r types.PermissionRule, pctx types.PermissionContext) bool {
	switch r.Scope {
	case types.ScopePermanent:
		return r.OwnerUserID != nil && *r.OwnerUserID == pctx.OwnerID
	case types.ScopeSession:
		return r.SessionID != nil && *r.SessionID == pctx.SessionID
	case types.ScopeOnce:
		// once rules are session-scoped by construction (created per prompt answer)
		return r.SessionID == nil || *r.SessionID == pctx.SessionID
	default:
		return true
	}
}

// ConsumeOnce deletes a once-scope rule after the caller commits an allow
// decision, per the single-use invariant.
func (e *Engine) ConsumeOnce(ctx context.Context, decision types.PermissionDecision) error {
	if decision.Rule == nil || decision.Scope != types.ScopeOnce {
		return nil
	}
	return e.DeleteRule(ctx, decision.Rule.ID)
}
