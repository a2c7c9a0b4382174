// Package types provides the core data types shared across the engine.
package types

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusArchived SessionStatus = "archived"
	SessionStatusAgent    SessionStatus = "agent"
)

// Session is a long-lived conversation between an owner and its participants.
// Mutated only by owner operations and internal state transitions; destroyed
// only on owner deletion, which cascades to frames and participants.
type Session struct {
	ID              string        `json:"id"`
	OwnerUserID     string        `json:"ownerUserID"`
	Name            string        `json:"name"`
	Status          SessionStatus `json:"status"`
	ParentSessionID *string       `json:"parentSessionID,omitempty"`
	Directory       string        `json:"directory"`
	CreatedAt       int64         `json:"createdAt"`
	UpdatedAt       int64         `json:"updatedAt"`
	InputTokens     int           `json:"inputTokens"`
	OutputTokens    int           `json:"outputTokens"`

	// Compacting, when set, records the timestamp of the last compact frame
	// so clients can show a "summarizing..." indicator.
	Compacting *int64 `json:"compacting,omitempty"`

	Summary SessionSummary `json:"summary"`
	Share   *SessionShare  `json:"share,omitempty"`
	Revert  *SessionRevert `json:"revert,omitempty"`
}

// SessionSummary contains statistics about code changes produced during a session.
type SessionSummary struct {
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Files     int        `json:"files"`
	Diffs     []FileDiff `json:"diffs,omitempty"`
}

// FileDiff represents a diff for a single file.
type FileDiff struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
}

// SessionShare contains sharing information for a session.
type SessionShare struct {
	URL string `json:"url"`
}

// SessionRevert contains information about session revert state.
type SessionRevert struct {
	FrameID  string  `json:"frameID"`
	Snapshot *string `json:"snapshot,omitempty"`
	Diff     *string `json:"diff,omitempty"`
}
