package permission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/convoflow/engine/internal/frame"
	"github.com/convoflow/engine/pkg/types"
)

// DefaultPromptTimeout is the default bound on a permission prompt's
// lifetime before it auto-resolves to deny.
const DefaultPromptTimeout = 300 * time.Second

// PromptAnswer is a user's resolution of a pending prompt.
type PromptAnswer string

const (
	AnswerAllowOnce    PromptAnswer = "allow_once"
	AnswerAllowSession PromptAnswer = "allow_session"
	AnswerAllowAlways  PromptAnswer = "allow_always"
	AnswerDeny         PromptAnswer = "deny"
)

type pendingPrompt struct {
	once    sync.Once
	resolve chan PromptAnswer
}

// Broker is the permission prompt broker (C4): holds pending prompts in
// memory, bounded by a timer, and materializes each prompt as a system
// frame via the frame store.
type Broker struct {
	frames *frame.Store
	engine *Engine

	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

// NewBroker creates a Broker that appends prompt frames via the given frame
// store and creates rules in the given engine on allow answers.
func NewBroker(frames *frame.Store, engine *Engine) *Broker {
	return &Broker{frames: frames, engine: engine, pending: make(map[string]*pendingPrompt)}
}

// IsPermissionPrompt reports whether an id is a permission-prompt id.
func IsPermissionPrompt(id string) bool {
	return len(id) >= 5 && id[:5] == "perm-"
}

func newPromptID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "perm-" + hex.EncodeToString(buf)
}

// RequestPermissionPromptOptions configures a single prompt request.
type RequestPermissionPromptOptions struct {
	SessionID string
	Subject   types.PermissionSubject
	Resource  types.PermissionResource
	PContext  types.PermissionContext
	TimeoutMs int // 0 -> DefaultPromptTimeout
}

// RequestPermissionPrompt opens a pending prompt, appends a system message
// frame carrying the prompt choices, and blocks until answered, cancelled,
// or timed out — all three resolve to a PermissionDecision.
func (b *Broker) RequestPermissionPrompt(ctx context.Context, opts RequestPermissionPromptOptions) types.PermissionDecision {
	promptID := newPromptID()
	timeout := DefaultPromptTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	entry := &pendingPrompt{resolve: make(chan PromptAnswer, 1)}
	b.mu.Lock()
	b.pending[promptID] = entry
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, promptID)
		b.mu.Unlock()
	}()

	b.appendPromptFrame(ctx, opts.SessionID, promptID, opts.Subject, opts.Resource)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var answer PromptAnswer
	select {
	case answer = <-entry.resolve:
	case <-timer.C:
		answer = AnswerDeny
	case <-ctx.Done():
		answer = AnswerDeny
	}

	return b.resolveAnswer(ctx, answer, opts)
}

func (b *Broker) appendPromptFrame(ctx context.Context, sessionID, promptID string, subject types.PermissionSubject, resource types.PermissionResource) {
	html := "<prompt-element id=\"" + promptID + "\" choices=\"allow_once,allow_session,allow_always,deny\">" +
		string(subject.Type) + " " + subject.ID + " requests " + string(resource.Type) + " " + resource.Name + "</prompt-element>"

	payload, _ := json.Marshal(types.MessagePayload{
		Role:      types.RoleSystem,
		Content:   html,
		Hidden:    false,
		Kind:      types.KindSystem,
		CreatedAt: time.Now().UnixMilli(),
	})

	_ = b.frames.Append(ctx, &types.Frame{
		ID:         frame.NewFrameID(),
		SessionID:  sessionID,
		Type:       types.FrameMessage,
		AuthorType: types.AuthorSystem,
		Payload:    payload,
	})
}

// HandlePermissionResponse resolves a pending prompt. Double-resolution is a
// no-op: only the first resolution wins.
func (b *Broker) HandlePermissionResponse(promptID string, answer PromptAnswer) {
	b.mu.Lock()
	entry, ok := b.pending[promptID]
	b.mu.Unlock()
	if !ok {
		return
	}
	entry.once.Do(func() { entry.resolve <- answer })
}

// CancelPermissionPrompt resolves a pending prompt to deny. Double-resolution
// is a no-op.
func (b *Broker) CancelPermissionPrompt(promptID string) {
	b.HandlePermissionResponse(promptID, AnswerDeny)
}

// Shutdown cancels every outstanding prompt, matching the pending-prompt map
// teardown requirement on process exit.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.CancelPermissionPrompt(id)
	}
}

func (b *Broker) resolveAnswer(ctx context.Context, answer PromptAnswer, opts RequestPermissionPromptOptions) types.PermissionDecision {
	if answer == AnswerDeny || answer == "" {
		return types.PermissionDecision{Action: types.ActionDeny}
	}

	scope := types.ScopeOnce
	switch answer {
	case AnswerAllowSession:
		scope = types.ScopeSession
	case AnswerAllowAlways:
		scope = types.ScopePermanent
	}

	rule := types.PermissionRule{
		ID:           frame.NewFrameID(),
		SubjectType:  opts.Subject.Type,
		SubjectID:    &opts.Subject.ID,
		ResourceType: opts.Resource.Type,
		ResourceName: &opts.Resource.Name,
		Action:       types.ActionAllow,
		Scope:        scope,
		Priority:     0,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if scope == types.ScopeSession {
		rule.SessionID = &opts.SessionID
	}
	if scope == types.ScopePermanent {
		rule.OwnerUserID = &opts.PContext.OwnerID
	}

	if b.engine != nil {
		_ = b.engine.AddRule(ctx, rule)
	}

	return types.PermissionDecision{Action: types.ActionAllow, Rule: &rule, Scope: scope}
}
