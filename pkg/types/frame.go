package types

import "encoding/json"

// FrameType discriminates the kind of event a Frame carries.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameRequest FrameType = "request"
	FrameResult  FrameType = "result"
	FrameUpdate  FrameType = "update"
	FrameCompact FrameType = "compact"
)

// AuthorType discriminates who produced a Frame.
type AuthorType string

const (
	AuthorUser   AuthorType = "user"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

// Frame is an immutable typed event persisted in a session's append-only log.
// Frames are never mutated in place; "update" frames describe a mutation of
// a previously-appended frame's compiled payload without altering storage.
type Frame struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	ParentID   *string         `json:"parentId,omitempty"`
	TargetIDs  []string        `json:"targetIds,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Type       FrameType       `json:"type"`
	AuthorType AuthorType      `json:"authorType"`
	AuthorID   *string         `json:"authorId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// MessageKind distinguishes the role a message payload plays in LLM context
// composition versus UI display.
type MessageKind string

const (
	KindMessage     MessageKind = "message"
	KindInteraction MessageKind = "interaction"
	KindSystem      MessageKind = "system"
	KindFeedback    MessageKind = "feedback"
)

// MessageRole is the chat role carried by a message payload.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessagePayload is the payload shape carried by a type=message Frame.
type MessagePayload struct {
	Role      MessageRole    `json:"role"`
	Content   any            `json:"content"` // string or []ContentBlock
	Hidden    bool           `json:"hidden"`
	Kind      MessageKind    `json:"kind"`
	CreatedAt int64          `json:"createdAt"`
	Tokens    *TokenUsage    `json:"tokens,omitempty"`
	Error     *MessageError  `json:"error,omitempty"`
}

// ContentBlock is one element of a multi-part message content array.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "tool_use" | "tool_result" | ...
	Text string `json:"text,omitempty"`
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     CacheUsage `json:"cache,omitempty"`
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError represents an error that occurred during message processing.
type MessageError struct {
	Type    string `json:"type"` // "api" | "auth" | "output_length"
	Message string `json:"message"`
}

// CompactPayload is the payload shape carried by a type=compact Frame.
type CompactPayload struct {
	Snapshot map[string]json.RawMessage `json:"snapshot"`
}

// RequestPayload is the payload shape carried by a type=request Frame.
type RequestPayload struct {
	InteractionID string `json:"interactionId"`
	Assertion     string `json:"assertion"` // command | question | function
	Name          string `json:"name"`
	Args          json.RawMessage `json:"args,omitempty"`
}

// ResultStatus is the outcome of executing an interaction.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultAborted   ResultStatus = "aborted"
)

// ResultPayload is the payload shape carried by a type=result Frame.
type ResultPayload struct {
	InteractionID string          `json:"interactionId"`
	Status        ResultStatus    `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}
