package types

import "encoding/json"

// PermissionSubjectType is who is requesting to act.
type PermissionSubjectType string

const (
	SubjectUser   PermissionSubjectType = "user"
	SubjectAgent  PermissionSubjectType = "agent"
	SubjectPlugin PermissionSubjectType = "plugin"
	SubjectAny    PermissionSubjectType = "*"
)

// PermissionResourceType is what is being acted on.
type PermissionResourceType string

const (
	ResourceCommand PermissionResourceType = "command"
	ResourceTool    PermissionResourceType = "tool"
	ResourceAbility PermissionResourceType = "ability"
	ResourceAny     PermissionResourceType = "*"
)

// PermissionAction is the verdict of a rule or evaluation.
type PermissionAction string

const (
	ActionAllow  PermissionAction = "allow"
	ActionDeny   PermissionAction = "deny"
	ActionPrompt PermissionAction = "prompt"
)

// PermissionScope is a rule's lifetime class.
type PermissionScope string

const (
	ScopeOnce      PermissionScope = "once"
	ScopeSession   PermissionScope = "session"
	ScopePermanent PermissionScope = "permanent"
)

// PermissionRule is a stored policy row evaluated first-match-wins.
type PermissionRule struct {
	ID           string                  `json:"id"`
	OwnerUserID  *string                 `json:"ownerUserId,omitempty"`
	SessionID    *string                 `json:"sessionId,omitempty"`
	SubjectType  PermissionSubjectType   `json:"subjectType"`
	SubjectID    *string                 `json:"subjectId,omitempty"`
	ResourceType PermissionResourceType  `json:"resourceType"`
	ResourceName *string                 `json:"resourceName,omitempty"`
	Action       PermissionAction        `json:"action"`
	Scope        PermissionScope         `json:"scope"`
	Conditions   json.RawMessage         `json:"conditions,omitempty"`
	Priority     int                     `json:"priority"`
	CreatedAt    int64                   `json:"createdAt"`
}

// PermissionSubject identifies who is requesting to act, for evaluation.
type PermissionSubject struct {
	Type PermissionSubjectType
	ID   string
}

// PermissionResource identifies what is being acted on, for evaluation.
type PermissionResource struct {
	Type PermissionResourceType
	Name string
}

// PermissionContext carries the ambient data conditions are matched against.
type PermissionContext struct {
	OwnerID   string
	SessionID string
	Extra     map[string]any
}

// PermissionDecision is the outcome of evaluate().
type PermissionDecision struct {
	Action PermissionAction
	Rule   *PermissionRule
	Scope  PermissionScope
}
