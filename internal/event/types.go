package event

// PermissionRequiredData is the data for permission.required events: a
// permission check resolved to "ask" and a prompt decision is pending.
type PermissionRequiredData struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"sessionID"`
	PermissionType string   `json:"permissionType"` // "bash" | "edit" | "external_directory"
	Pattern        []string `json:"pattern"`
	Title          string   `json:"title"`
}

// PermissionResolvedData is the data for permission.resolved events: a
// pending prompt (or a static rule) resolved to allow or deny.
type PermissionResolvedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Granted   bool   `json:"granted"`
}

// FileEditedData is the data for file.edited events, published by the
// write/edit tools after a successful filesystem change.
type FileEditedData struct {
	File string `json:"file"`
}

// VcsBranchUpdatedData is the data for vcs.branch.updated events.
type VcsBranchUpdatedData struct {
	Branch string `json:"branch"`
}
