package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
)

const delegateDescription = `Hand a task off to another participant already present in this session.

Use this when a task is better suited to a different agent's role or tools
than your own — delegate(), wait for that agent to finish its own turn, and
get its final reply back as the result of this call. Delegation nests up to
a bounded depth; a target that is not currently a participant in this
session, or that would delegate to itself, is rejected.`

// DelegateInput is the input for the delegate tool.
type DelegateInput struct {
	TargetAgentID string `json:"targetAgentId" jsonschema:"required,description=Participant agent id to delegate to"`
	Task          string `json:"task" jsonschema:"required,description=The task description handed to the target agent"`
}

// DelegateCall carries everything a delegate() invocation needs to hand to
// the delegator, mirroring delegation.Request without importing that
// package (it would import tool's Context/Result otherwise-unrelated types).
type DelegateCall struct {
	SessionID       string
	OwnerUserID     string
	CallerAgentID   string
	TargetAgentID   string
	Task            string
	DelegationDepth int
	ProviderID      string
	ModelID         string
	WorkDir         string
}

// DelegateRunner is the narrow seam the delegate tool calls through,
// satisfied by an adapter around *delegation.Delegator. Defined here rather
// than importing internal/delegation directly so the tool package's
// dependency surface stays limited to what Execute actually needs.
type DelegateRunner interface {
	Delegate(ctx context.Context, call DelegateCall) (reply string, childSessionID string, err error)
}

// DelegateTool implements delegation (C10) as a callable tool: constructed
// without a runner (matching TaskTool's pre-agent-registry shape) and wired
// once the owning delegation.Delegator exists.
type DelegateTool struct {
	workDir string
	runner  DelegateRunner
}

// NewDelegateTool creates an unwired delegate tool.
func NewDelegateTool(workDir string) *DelegateTool {
	return &DelegateTool{workDir: workDir}
}

// SetRunner wires the delegator backing this tool's Execute calls.
func (t *DelegateTool) SetRunner(runner DelegateRunner) {
	t.runner = runner
}

func (t *DelegateTool) ID() string          { return "delegate" }
func (t *DelegateTool) Description() string { return delegateDescription }

func (t *DelegateTool) Parameters() json.RawMessage {
	return SchemaFromStruct(&DelegateInput{})
}

func (t *DelegateTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context, next NextFunc) (*Result, error) {
	var params DelegateInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.TargetAgentID == "" {
		return nil, fmt.Errorf("targetAgentId is required")
	}
	if params.Task == "" {
		return nil, fmt.Errorf("task is required")
	}

	if t.runner == nil {
		return Failed(fmt.Sprintf("delegate: %s", params.TargetAgentID),
			fmt.Errorf("delegation is not configured on this server")), nil
	}

	toolCtx.SetMetadata(fmt.Sprintf("delegating to %s", params.TargetAgentID), map[string]any{
		"targetAgentId": params.TargetAgentID,
		"status":        "starting",
	})

	reply, childSessionID, err := t.runner.Delegate(ctx, DelegateCall{
		SessionID:       toolCtx.SessionID,
		OwnerUserID:     toolCtx.UserID,
		CallerAgentID:   toolCtx.AgentID,
		TargetAgentID:   params.TargetAgentID,
		Task:            params.Task,
		DelegationDepth: toolCtx.DelegationDepth,
		ProviderID:      toolCtx.ProviderID,
		ModelID:         toolCtx.ModelID,
		WorkDir:         t.workDir,
	})
	if err != nil {
		return Failed(fmt.Sprintf("delegate: %s", params.TargetAgentID), err), nil
	}

	return &Result{
		Status: StatusCompleted,
		Title:  fmt.Sprintf("Delegated to %s", params.TargetAgentID),
		Output: reply,
		Metadata: map[string]any{
			"targetAgentId":  params.TargetAgentID,
			"childSessionId": childSessionID,
		},
	}, nil
}

func (t *DelegateTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
