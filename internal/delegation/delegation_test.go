package delegation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/convoflow/engine/internal/frame"
	"github.com/convoflow/engine/internal/participant"
	"github.com/convoflow/engine/internal/storage"
	"github.com/convoflow/engine/pkg/types"
)

type fakeRunner struct {
	reply string
	delay time.Duration
	fn    func(ctx context.Context, frames *frame.Store, sessionID string)
}

func (r *fakeRunner) RunTurn(ctx context.Context, sessionID, userID, content, providerID, modelID, workDir string) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return
		}
	}
	if r.fn != nil {
		r.fn(ctx, nil, sessionID)
	}
}

func setup(t *testing.T) (*storage.Storage, *frame.Store, *participant.Registry) {
	t.Helper()
	store := storage.New(t.TempDir())
	return store, frame.New(store), participant.New(store)
}

func TestDelegate_RejectsSelfDelegation(t *testing.T) {
	store, frames, participants := setup(t)
	d := New(store, frames, participants, &fakeRunner{})

	_, err := d.Delegate(context.Background(), Request{
		SessionID: "s1", CallerAgentID: "coordinator", TargetAgentID: "coordinator",
	})
	if err == nil || !contains(err.Error(), "cannot delegate to itself") {
		t.Fatalf("expected self-delegation error, got %v", err)
	}
}

func TestDelegate_RejectsNonParticipantTarget(t *testing.T) {
	store, frames, participants := setup(t)
	d := New(store, frames, participants, &fakeRunner{})

	_, err := d.Delegate(context.Background(), Request{
		SessionID: "s1", CallerAgentID: "coordinator", TargetAgentID: "researcher",
	})
	if err == nil {
		t.Fatal("expected error for non-participant target")
	}
}

func TestDelegate_RejectsBeyondMaxDepth(t *testing.T) {
	store, frames, participants := setup(t)
	participants.Add(context.Background(), types.Participant{
		SessionID: "s1", ParticipantType: types.ParticipantAgent,
		ParticipantID: "researcher", Role: types.RoleMember, JoinedAt: 1,
	})
	d := New(store, frames, participants, &fakeRunner{})

	_, err := d.Delegate(context.Background(), Request{
		SessionID: "s1", CallerAgentID: "coordinator", TargetAgentID: "researcher",
		DelegationDepth: MaxDepth,
	})
	if err == nil || !contains(err.Error(), "depth") {
		t.Fatalf("expected depth error, got %v", err)
	}
}

func TestDelegate_CreatesChildSessionAndReturnsReply(t *testing.T) {
	store, frames, participants := setup(t)
	participants.Add(context.Background(), types.Participant{
		SessionID: "s1", ParticipantType: types.ParticipantAgent,
		ParticipantID: "researcher", Role: types.RoleMember, JoinedAt: 1,
	})

	runner := &fakeRunner{fn: func(ctx context.Context, _ *frame.Store, sessionID string) {
		payload, _ := json.Marshal(types.MessagePayload{Role: types.RoleAssistant, Content: "done researching"})
		frames.Append(ctx, &types.Frame{ID: frame.NewFrameID(), SessionID: sessionID, Type: types.FrameMessage, AuthorType: types.AuthorAgent, Payload: payload})
	}}
	d := New(store, frames, participants, runner)

	result, err := d.Delegate(context.Background(), Request{
		SessionID: "s1", CallerAgentID: "coordinator", TargetAgentID: "researcher", Task: "look into X",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ChildSessionID == "" {
		t.Fatal("expected a child session id")
	}
	if result.Reply != "done researching" {
		t.Fatalf("expected reply %q, got %q", "done researching", result.Reply)
	}

	var child types.Session
	if err := store.Get(context.Background(), []string{"session", result.ChildSessionID}, &child); err != nil {
		t.Fatalf("expected child session to be persisted: %v", err)
	}
	if child.Status != types.SessionStatusAgent {
		t.Errorf("expected child session status %q, got %q", types.SessionStatusAgent, child.Status)
	}
	if child.ParentSessionID == nil || *child.ParentSessionID != "s1" {
		t.Errorf("expected parent session id s1, got %+v", child.ParentSessionID)
	}

	coordIsParticipant, _ := participants.IsParticipant(context.Background(), result.ChildSessionID, types.ParticipantAgent, "researcher")
	if !coordIsParticipant {
		t.Error("expected delegated agent to be a participant of the child session")
	}
}

func TestDelegate_TimesOutWhenChildNeverReplies(t *testing.T) {
	store, frames, participants := setup(t)
	participants.Add(context.Background(), types.Participant{
		SessionID: "s1", ParticipantType: types.ParticipantAgent,
		ParticipantID: "researcher", Role: types.RoleMember, JoinedAt: 1,
	})

	d := New(store, frames, participants, &fakeRunner{})
	d2 := &Delegator{storage: d.storage, frames: d.frames, participants: d.participants, runner: &fakeRunner{delay: 50 * time.Millisecond}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := d2.Delegate(ctx, Request{
		SessionID: "s1", CallerAgentID: "coordinator", TargetAgentID: "researcher", Task: "slow",
	})
	if err == nil {
		t.Fatal("expected an error when the context is cancelled before the child replies")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
