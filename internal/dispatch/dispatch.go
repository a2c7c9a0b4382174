// Package dispatch implements the permission-gated dispatcher (C7): for
// each interaction an assistant turn produces, it evaluates permission via
// the engine, prompts the user when the engine says to, executes the
// matching tool, and records the request/result pair as frames — then
// folds everything into one feedback string the turn pipeline feeds back
// to the model.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/convoflow/engine/internal/frame"
	"github.com/convoflow/engine/internal/logging"
	"github.com/convoflow/engine/internal/permission"
	"github.com/convoflow/engine/internal/tool"
	"github.com/convoflow/engine/pkg/types"
)

// Dispatcher composes the permission engine, prompt broker, and tool
// registry to execute interactions produced by the detector.
type Dispatcher struct {
	frames   *frame.Store
	engine   *permission.Engine
	broker   *permission.Broker
	registry *tool.Registry
}

func New(frames *frame.Store, engine *permission.Engine, broker *permission.Broker, registry *tool.Registry) *Dispatcher {
	return &Dispatcher{frames: frames, engine: engine, broker: broker, registry: registry}
}

// CallerContext describes who is driving this batch of interactions and
// where the resulting frames/permission rules attach.
type CallerContext struct {
	SessionID       string
	OwnerUserID     string
	SubjectType     types.PermissionSubjectType
	SubjectID       string
	UserID          string
	AgentID         string
	DelegationDepth int
	WorkDir         string
	ProviderID      string
	ModelID         string
}

// Outcome is one interaction's result after the full evaluate/prompt/
// execute/emit pipeline.
type Outcome struct {
	InteractionID string
	Status        types.ResultStatus
	Output        string
	Error         string
}

// Dispatch runs every interaction found in one assistant turn and returns
// an aggregate feedback string to fold into the next LLM turn. Interactions
// in a `sequential` pipeline run one at a time, in order; interactions in a
// `parallel` pipeline run concurrently. If ctx is cancelled mid-flight,
// remaining un-started interactions are recorded as aborted rather than
// executed.
func (d *Dispatcher) Dispatch(ctx context.Context, cc CallerContext, interactions []types.Interaction) string {
	sequential, parallel := partitionByMode(interactions)

	outcomes := make([]Outcome, 0, len(interactions))
	for _, i := range sequential {
		outcomes = append(outcomes, d.runOne(ctx, cc, i))
	}
	outcomes = append(outcomes, d.runParallel(ctx, cc, parallel)...)

	return formatFeedback(outcomes)
}

func partitionByMode(interactions []types.Interaction) (sequential, parallel []types.Interaction) {
	for _, i := range interactions {
		if i.Mode == types.ModeParallel {
			parallel = append(parallel, i)
		} else {
			sequential = append(sequential, i)
		}
	}
	return sequential, parallel
}

func (d *Dispatcher) runParallel(ctx context.Context, cc CallerContext, interactions []types.Interaction) []Outcome {
	if len(interactions) == 0 {
		return nil
	}
	out := make([]Outcome, len(interactions))
	var wg sync.WaitGroup
	for idx, i := range interactions {
		wg.Add(1)
		go func(idx int, i types.Interaction) {
			defer wg.Done()
			out[idx] = d.runOne(ctx, cc, i)
		}(idx, i)
	}
	wg.Wait()
	return out
}

// runOne implements the 7-step C7 algorithm for a single interaction.
func (d *Dispatcher) runOne(ctx context.Context, cc CallerContext, i types.Interaction) Outcome {
	if ctx.Err() != nil {
		return d.abort(ctx, cc, i)
	}

	// Step 1: build subject/resource.
	subject := types.PermissionSubject{Type: cc.SubjectType, ID: cc.SubjectID}
	resource := types.PermissionResource{Type: assertionToResourceType(i.Assertion), Name: i.Name}
	pctx := types.PermissionContext{OwnerID: cc.OwnerUserID, SessionID: cc.SessionID}

	// Step 2: evaluate (fail-safe to deny is handled inside Engine.Evaluate).
	decision := d.engine.Evaluate(ctx, subject, resource, pctx)

	// Step 3: prompt if undecided.
	if decision.Action == types.ActionPrompt {
		if d.broker == nil {
			decision = types.PermissionDecision{Action: types.ActionDeny}
		} else {
			decision = d.broker.RequestPermissionPrompt(ctx, permission.RequestPermissionPromptOptions{
				SessionID: cc.SessionID,
				Subject:   subject,
				Resource:  resource,
				PContext:  pctx,
			})
		}
	}

	if decision.Action != types.ActionAllow {
		return Outcome{InteractionID: i.ID, Status: types.ResultFailed, Error: "permission denied"}
	}

	// Step 5: once-scope rules are consumed after the allow is committed.
	if decision.Scope == types.ScopeOnce {
		_ = d.engine.ConsumeOnce(ctx, decision)
	}

	// Step 6: emit the request frame, execute, emit the result frame.
	d.emitRequestFrame(ctx, cc, i)

	result := d.execute(ctx, cc, i)

	d.emitResultFrame(ctx, cc, i, result)

	return result
}

func (d *Dispatcher) abort(ctx context.Context, cc CallerContext, i types.Interaction) Outcome {
	outcome := Outcome{InteractionID: i.ID, Status: types.ResultAborted}
	d.emitResultFrame(ctx, cc, i, outcome)
	return outcome
}

func (d *Dispatcher) execute(ctx context.Context, cc CallerContext, i types.Interaction) Outcome {
	t, ok := d.registry.Get(i.Name)
	if !ok {
		return Outcome{InteractionID: i.ID, Status: types.ResultFailed, Error: fmt.Sprintf("unknown tool: %s", i.Name)}
	}

	toolCtx := &tool.Context{
		SessionID:       cc.SessionID,
		UserID:          cc.UserID,
		AgentID:         cc.AgentID,
		Agent:           cc.AgentID,
		WorkDir:         cc.WorkDir,
		DelegationDepth: cc.DelegationDepth,
		ProviderID:      cc.ProviderID,
		ModelID:         cc.ModelID,
	}

	terminal := func(context.Context, json.RawMessage) (*tool.Result, error) {
		return nil, fmt.Errorf("interaction %s: tool %s did not handle the call and no further handler exists", i.ID, i.Name)
	}

	result, err := t.Execute(ctx, i.Args, toolCtx, terminal)
	if err != nil {
		return Outcome{InteractionID: i.ID, Status: types.ResultFailed, Error: err.Error()}
	}

	switch result.Status {
	case tool.StatusAborted:
		return Outcome{InteractionID: i.ID, Status: types.ResultAborted}
	case tool.StatusFailed:
		errMsg := result.Output
		if result.Error != nil {
			errMsg = result.Error.Error()
		}
		return Outcome{InteractionID: i.ID, Status: types.ResultFailed, Error: errMsg}
	default:
		return Outcome{InteractionID: i.ID, Status: types.ResultCompleted, Output: result.Output}
	}
}

func (d *Dispatcher) emitRequestFrame(ctx context.Context, cc CallerContext, i types.Interaction) {
	// logged-and-continue: a frame emission failure must not abort dispatch
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("sessionID", cc.SessionID).Str("interactionID", i.ID).
				Interface("panic", r).Msg("recovered panic emitting request frame")
		}
	}()

	payload, _ := json.Marshal(types.RequestPayload{
		InteractionID: i.ID,
		Assertion:     string(i.Assertion),
		Name:          i.Name,
		Args:          i.Args,
	})
	f := &types.Frame{
		ID:         frame.NewFrameID(),
		SessionID:  cc.SessionID,
		Type:       types.FrameRequest,
		AuthorType: subjectAuthorType(cc.SubjectType),
		AuthorID:   strPtr(cc.SubjectID),
		Payload:    payload,
	}
	if err := d.frames.Append(ctx, f); err != nil {
		logging.Error().Err(err).Str("sessionID", cc.SessionID).Str("interactionID", i.ID).
			Msg("failed to append request frame")
	}
}

func (d *Dispatcher) emitResultFrame(ctx context.Context, cc CallerContext, i types.Interaction, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("sessionID", cc.SessionID).Str("interactionID", i.ID).
				Interface("panic", r).Msg("recovered panic emitting result frame")
		}
	}()

	resultJSON, _ := json.Marshal(o.Output)
	payload, _ := json.Marshal(types.ResultPayload{
		InteractionID: i.ID,
		Status:        o.Status,
		Result:        resultJSON,
		Error:         o.Error,
	})
	f := &types.Frame{
		ID:         frame.NewFrameID(),
		SessionID:  cc.SessionID,
		Type:       types.FrameResult,
		AuthorType: types.AuthorSystem,
		Payload:    payload,
	}
	if err := d.frames.Append(ctx, f); err != nil {
		logging.Error().Err(err).Str("sessionID", cc.SessionID).Str("interactionID", i.ID).
			Msg("failed to append result frame")
	}
}

func assertionToResourceType(a types.InteractionAssertion) types.PermissionResourceType {
	switch a {
	case types.AssertionCommand:
		return types.ResourceCommand
	case types.AssertionQuestion:
		return types.ResourceAbility
	default:
		return types.ResourceTool
	}
}

func subjectAuthorType(t types.PermissionSubjectType) types.AuthorType {
	if t == types.SubjectUser {
		return types.AuthorUser
	}
	return types.AuthorAgent
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// formatFeedback aggregates every outcome into the single string the turn
// pipeline appends as a `feedback` message for the next LLM turn.
func formatFeedback(outcomes []Outcome) string {
	if len(outcomes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, o := range outcomes {
		switch o.Status {
		case types.ResultCompleted:
			fmt.Fprintf(&b, "[%s] completed: %s\n", o.InteractionID, o.Output)
		case types.ResultFailed:
			fmt.Fprintf(&b, "[%s] failed: %s\n", o.InteractionID, o.Error)
		case types.ResultAborted:
			fmt.Fprintf(&b, "[%s] aborted\n", o.InteractionID)
		}
	}
	return b.String()
}
