// Package turn implements the turn pipeline (C8): the single request/stream
// lifecycle that appends the user's message, streams an assistant reply,
// runs the interaction detector and permission-gated dispatcher over it, and
// loops until the model stops producing interactions or the turn cap is hit.
package turn

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/convoflow/engine/internal/dispatch"
	"github.com/convoflow/engine/internal/frame"
	"github.com/convoflow/engine/internal/interaction"
	"github.com/convoflow/engine/internal/participant"
	"github.com/convoflow/engine/internal/provider"
	"github.com/convoflow/engine/internal/session"
	"github.com/convoflow/engine/internal/sse"
	"github.com/convoflow/engine/pkg/types"
)

// MaxTurns bounds the number of model round-trips a single stream can drive,
// preventing an agent that keeps emitting interactions from looping forever.
const MaxTurns = 8

// Pipeline wires together the frame store, participant registry, dispatcher,
// provider registry, and SSE broadcaster that together run one turn.
type Pipeline struct {
	frames          *frame.Store
	participants    *participant.Registry
	dispatcher      *dispatch.Dispatcher
	providers       *provider.Registry
	broadcaster     *sse.Broadcaster
	promptVariables map[string]string
}

// New builds a Pipeline from its collaborators. promptVariables comes from
// the app config's top-level promptVariables map and is substituted into
// every agent's system prompt.
func New(frames *frame.Store, participants *participant.Registry, dispatcher *dispatch.Dispatcher, providers *provider.Registry, broadcaster *sse.Broadcaster, promptVariables map[string]string) *Pipeline {
	return &Pipeline{
		frames:          frames,
		participants:    participants,
		dispatcher:      dispatcher,
		providers:       providers,
		broadcaster:     broadcaster,
		promptVariables: promptVariables,
	}
}

// Input describes one POST /sessions/:id/messages/stream request.
type Input struct {
	SessionID   string
	OwnerUserID string
	UserID      string
	Content     string
	ProviderID  string
	ModelID     string
	Agent       *session.Agent
	WorkDir     string
}

// Run executes the 8-step turn pipeline. Steps 1-8 map directly onto the
// normative algorithm: append the user message, stream the assistant reply
// turn by turn, dispatch any interactions found in it, and loop with
// dispatch feedback folded in as the next turn's context until either no
// interactions remain or MaxTurns is reached.
func (p *Pipeline) Run(ctx context.Context, in Input) {
	// Step 1: append the user message frame. Wrapped on its own so the
	// user's own words are recorded even if every downstream step fails.
	func() {
		defer func() { recover() }()
		p.appendMessage(ctx, in.SessionID, types.RoleUser, in.UserID, types.AuthorUser, in.Content, false, types.KindMessage)
	}()

	// Step 2: the SSE stream is already open by the time Run is invoked
	// (the HTTP handler calls broadcaster.Serve concurrently); announce
	// that we're about to call the model.
	p.broadcaster.Publish(in.SessionID, "status", map[string]string{"state": "calling_api"})

	agent := in.Agent
	if agent == nil {
		agent = session.DefaultAgent()
	}

	turnCount := 0
	for {
		if ctx.Err() != nil {
			p.finalizeAborted(in.SessionID)
			return
		}
		if turnCount >= MaxTurns {
			break
		}

		// Step 3: compose context.
		messages, err := p.composeContext(ctx, in, agent)
		if err != nil {
			p.emitError(in.SessionID, err)
			return
		}

		// Step 4: stream from the provider, accumulating text.
		text, err := p.streamAssistant(ctx, in, messages)
		if err != nil {
			if ctx.Err() != nil {
				p.finalizeAborted(in.SessionID)
				return
			}
			p.emitError(in.SessionID, err)
			return
		}

		// Step 5: detect and dispatch interactions.
		interactions := interaction.Detect(text)
		if len(interactions) == 0 {
			break
		}

		cc := dispatch.CallerContext{
			SessionID:       in.SessionID,
			OwnerUserID:     in.OwnerUserID,
			SubjectType:     types.SubjectAgent,
			SubjectID:       agentIdentity(agent),
			UserID:          in.UserID,
			AgentID:         agentIdentity(agent),
			DelegationDepth: 0,
			WorkDir:         in.WorkDir,
			ProviderID:      in.ProviderID,
			ModelID:         in.ModelID,
		}
		feedback := p.dispatcher.Dispatch(ctx, cc, interactions)

		// Step 6: if dispatch produced no feedback, nothing more to do.
		if feedback == "" {
			break
		}

		// Step 6 continued: fold feedback in as the next turn's context.
		func() {
			defer func() { recover() }()
			p.appendMessage(ctx, in.SessionID, types.RoleUser, "", types.AuthorSystem, feedback, true, types.KindFeedback)
		}()

		turnCount++
	}

	p.broadcaster.Publish(in.SessionID, "done", map[string]bool{"aborted": false})
}

func agentIdentity(agent *session.Agent) string {
	if agent == nil {
		return "agent"
	}
	return agent.Name
}

// appendMessage persists a message frame and mirrors it to subscribers.
func (p *Pipeline) appendMessage(ctx context.Context, sessionID string, role types.MessageRole, authorID string, authorType types.AuthorType, content string, hidden bool, kind types.MessageKind) (*types.Frame, error) {
	payload, err := json.Marshal(types.MessagePayload{
		Role:      role,
		Content:   content,
		Hidden:    hidden,
		Kind:      kind,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	f := &types.Frame{
		ID:         frame.NewFrameID(),
		SessionID:  sessionID,
		Type:       types.FrameMessage,
		AuthorType: authorType,
		Payload:    payload,
	}
	if authorID != "" {
		f.AuthorID = &authorID
	}

	if err := p.frames.Append(ctx, f); err != nil {
		return nil, err
	}

	p.broadcaster.Publish(sessionID, "frame", f)
	return f, nil
}

// composeContext replays the session's frames, filters to the kinds that
// feed the model, and maps them into the provider's role schema, with the
// coordinator's system prompt and participant aliases first.
func (p *Pipeline) composeContext(ctx context.Context, in Input, agent *session.Agent) ([]*schema.Message, error) {
	frames, err := p.frames.List(ctx, in.SessionID, frame.ListOptions{})
	if err != nil {
		return nil, err
	}

	sess := &types.Session{ID: in.SessionID, OwnerUserID: in.OwnerUserID, Directory: in.WorkDir}
	var participants []types.Participant
	if p.participants != nil {
		participants, _ = p.participants.GetSessionParticipants(ctx, in.SessionID)
	}

	prompt := session.NewSystemPrompt(sess, agent, in.ProviderID, in.ModelID).
		WithParticipants(participants).
		WithPromptVariables(p.promptVariables)

	messages := []*schema.Message{{Role: schema.System, Content: prompt.Build()}}

	for _, f := range frames {
		msg, ok := frameToMessage(f)
		if ok {
			messages = append(messages, msg)
		}
	}

	return messages, nil
}

// frameToMessage maps one frame to the provider role schema, keeping only
// the frame kinds the turn pipeline composes context from: message, system,
// interaction, feedback.
func frameToMessage(f *types.Frame) (*schema.Message, bool) {
	switch f.Type {
	case types.FrameMessage:
		var mp types.MessagePayload
		if err := json.Unmarshal(f.Payload, &mp); err != nil {
			return nil, false
		}
		switch mp.Kind {
		case types.KindMessage, types.KindSystem, types.KindInteraction, types.KindFeedback:
		default:
			return nil, false
		}
		content, _ := mp.Content.(string)
		role := schema.User
		switch mp.Role {
		case types.RoleAssistant:
			role = schema.Assistant
		case types.RoleSystem:
			role = schema.System
		}
		return &schema.Message{Role: role, Content: content}, true
	default:
		return nil, false
	}
}

// streamAssistant calls the provider, accumulates text_delta chunks,
// forwards them as SSE "text" events, and on completion persists the
// assistant message frame.
func (p *Pipeline) streamAssistant(ctx context.Context, in Input, messages []*schema.Message) (string, error) {
	prov, err := p.providers.Get(in.ProviderID)
	if err != nil {
		return "", err
	}
	model, err := p.providers.GetModel(in.ProviderID, in.ModelID)
	if err != nil {
		return "", err
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	req := &provider.CompletionRequest{
		Model:     model.ID,
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	stream, err := prov.CreateCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var accumulated string
	for {
		select {
		case <-ctx.Done():
			return accumulated, ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return accumulated, err
		}

		if msg.Content == "" {
			continue
		}

		delta := msg.Content
		if len(accumulated) > 0 && len(msg.Content) >= len(accumulated) && msg.Content[:len(accumulated)] == accumulated {
			delta = msg.Content[len(accumulated):]
			accumulated = msg.Content
		} else {
			accumulated += msg.Content
		}

		if delta != "" {
			p.broadcaster.Publish(in.SessionID, "text", delta)
		}
	}

	if _, err := p.appendMessage(ctx, in.SessionID, types.RoleAssistant, agentIdentity(in.Agent), types.AuthorAgent, accumulated, false, types.KindMessage); err != nil {
		return accumulated, err
	}

	return accumulated, nil
}

func (p *Pipeline) emitError(sessionID string, err error) {
	friendly := FriendlyError(err)

	payload, _ := json.Marshal(types.MessagePayload{
		Role:      types.RoleSystem,
		Content:   friendly,
		Hidden:    false,
		Kind:      types.KindSystem,
		CreatedAt: time.Now().UnixMilli(),
		Error:     &types.MessageError{Type: "api", Message: friendly},
	})
	f := &types.Frame{
		ID:         frame.NewFrameID(),
		SessionID:  sessionID,
		Type:       types.FrameMessage,
		AuthorType: types.AuthorSystem,
		Payload:    payload,
	}
	_ = p.frames.Append(context.Background(), f)

	p.broadcaster.Publish(sessionID, "error", map[string]string{"message": friendly})
}

func (p *Pipeline) finalizeAborted(sessionID string) {
	p.broadcaster.Publish(sessionID, "done", map[string]bool{"aborted": true})
}
