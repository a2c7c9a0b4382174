package types

// ParticipantType discriminates human users from agents.
type ParticipantType string

const (
	ParticipantUser  ParticipantType = "user"
	ParticipantAgent ParticipantType = "agent"
)

// ParticipantRole is a participant's standing within a session.
type ParticipantRole string

const (
	RoleOwner       ParticipantRole = "owner"
	RoleCoordinator ParticipantRole = "coordinator"
	RoleMember      ParticipantRole = "member"
)

// Participant is a member of a session: at most one owner, and at least one
// coordinator while the session is live if any agent is present.
type Participant struct {
	SessionID       string          `json:"sessionId"`
	ParticipantType ParticipantType `json:"participantType"`
	ParticipantID   string          `json:"participantId"`
	Role            ParticipantRole `json:"role"`
	Alias           *string         `json:"alias,omitempty"`
	JoinedAt        int64           `json:"joinedAt"`
}

// Key returns the (sessionId, participantType, participantId) uniqueness key.
func (p Participant) Key() string {
	return string(p.ParticipantType) + ":" + p.ParticipantID
}
