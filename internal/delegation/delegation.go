// Package delegation implements delegation / sub-session creation (C10): an
// agent can hand a task to another agent already present in its session, get
// a fresh child session spun up with that agent as coordinator, and wait
// (bounded) for the child's reply.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/convoflow/engine/internal/frame"
	"github.com/convoflow/engine/internal/participant"
	"github.com/convoflow/engine/internal/storage"
	"github.com/convoflow/engine/pkg/types"
)

// MaxDepth bounds delegation chains so a cycle of agents delegating to each
// other cannot recurse forever.
const MaxDepth = 3

// DefaultTimeout bounds how long a delegation waits for the child session's
// reply before failing.
const DefaultTimeout = 120 * time.Second

// TurnRunner drives one full turn pipeline run to completion; Delegate
// blocks on it returning before reading the child session's reply. Supplied
// by whatever wires the turn pipeline together, kept as a narrow interface
// here so this package doesn't need to import it.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, userID, content, providerID, modelID, workDir string)
}

// Delegator implements the delegate({agentId, task}) operation.
type Delegator struct {
	storage      *storage.Storage
	frames       *frame.Store
	participants *participant.Registry
	runner       TurnRunner
}

// New builds a Delegator from its collaborators.
func New(store *storage.Storage, frames *frame.Store, participants *participant.Registry, runner TurnRunner) *Delegator {
	return &Delegator{storage: store, frames: frames, participants: participants, runner: runner}
}

// Request describes one delegate() call from a running agent.
type Request struct {
	SessionID       string // the parent session the caller is running in
	OwnerUserID     string
	CallerAgentID   string
	TargetAgentID   string
	Task            string
	DelegationDepth int
	ProviderID      string
	ModelID         string
	WorkDir         string
}

// Result is the delegation's outcome: the child session it created and the
// reply text extracted from its final assistant message.
type Result struct {
	ChildSessionID string
	Reply          string
}

// Delegate implements the spec's 5-step algorithm: validate the target is a
// participant and not the caller, check the depth budget, spin up a child
// session with the target as coordinator and the caller as member, post the
// task, and wait bounded by DefaultTimeout for the child's reply.
func (d *Delegator) Delegate(ctx context.Context, req Request) (*Result, error) {
	if req.TargetAgentID == req.CallerAgentID {
		return nil, fmt.Errorf("cannot delegate to itself")
	}

	isMember, err := d.participants.IsParticipant(ctx, req.SessionID, types.ParticipantAgent, req.TargetAgentID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("agent %s is not a participant of this session", req.TargetAgentID)
	}

	if req.DelegationDepth >= MaxDepth {
		return nil, fmt.Errorf("delegation depth exceeded: max %d", MaxDepth)
	}

	child, err := d.createChildSession(ctx, req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	if err := d.participants.Add(ctx, types.Participant{
		SessionID: child.ID, ParticipantType: types.ParticipantAgent,
		ParticipantID: req.TargetAgentID, Role: types.RoleCoordinator, JoinedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := d.participants.Add(ctx, types.Participant{
		SessionID: child.ID, ParticipantType: types.ParticipantAgent,
		ParticipantID: req.CallerAgentID, Role: types.RoleMember, JoinedAt: now + 1,
	}); err != nil {
		return nil, err
	}

	type outcome struct {
		reply string
	}
	done := make(chan outcome, 1)
	go func() {
		d.runner.RunTurn(ctx, child.ID, req.CallerAgentID, req.Task, req.ProviderID, req.ModelID, req.WorkDir)
		reply, _ := d.lastAssistantReply(ctx, child.ID)
		done <- outcome{reply: reply}
	}()

	select {
	case o := <-done:
		return &Result{ChildSessionID: child.ID, Reply: o.reply}, nil
	case <-time.After(DefaultTimeout):
		return nil, fmt.Errorf("delegation timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Delegator) createChildSession(ctx context.Context, req Request) (*types.Session, error) {
	now := time.Now().UnixMilli()
	child := &types.Session{
		ID:              frame.NewFrameID(),
		OwnerUserID:     req.OwnerUserID,
		Status:          types.SessionStatusAgent,
		ParentSessionID: &req.SessionID,
		Directory:       req.WorkDir,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.storage.Put(ctx, []string{"session", child.ID}, child); err != nil {
		return nil, err
	}
	return child, nil
}

// lastAssistantReply returns the text of the most recent assistant message
// frame appended to a session, the "reply" a delegation returns.
func (d *Delegator) lastAssistantReply(ctx context.Context, sessionID string) (string, error) {
	frames, err := d.frames.List(ctx, sessionID, frame.ListOptions{Types: []types.FrameType{types.FrameMessage}})
	if err != nil {
		return "", err
	}
	for i := len(frames) - 1; i >= 0; i-- {
		mp, ok := decodeMessagePayload(frames[i])
		if ok && mp.Role == types.RoleAssistant {
			content, _ := mp.Content.(string)
			return content, nil
		}
	}
	return "", fmt.Errorf("child session produced no assistant reply")
}

func decodeMessagePayload(f *types.Frame) (types.MessagePayload, bool) {
	var mp types.MessagePayload
	if err := json.Unmarshal(f.Payload, &mp); err != nil {
		return types.MessagePayload{}, false
	}
	return mp, true
}
