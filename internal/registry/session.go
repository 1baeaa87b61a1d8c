// Package registry persists session rows as per-session state documents and
// runs the startup reconciliation that restores truth after an unclean
// shutdown.
package registry

import "time"

// Session states.
const (
	StateCreated    = "created"
	StateStarting   = "starting"
	StateActive     = "active"
	StateProcessing = "processing"
	StatePaused     = "paused"
	StateError      = "error"
	StateTerminated = "terminated"
)

// ValidState reports whether state is one of the session states.
func ValidState(state string) bool {
	switch state {
	case StateCreated, StateStarting, StateActive, StateProcessing,
		StatePaused, StateError, StateTerminated:
		return true
	}
	return false
}

// ProcessingAllowed reports whether is_processing may be true in this state.
func ProcessingAllowed(state string) bool {
	switch state {
	case StateStarting, StateActive, StateProcessing:
		return true
	}
	return false
}

// LastError is the persisted record of the most recent fatal failure. Kind is
// the stable error-kind vocabulary; Message is user-facing; Detail preserves
// the raw diagnostic verbatim.
type LastError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Session is one registry row, persisted as
// <data>/sessions/<id>/state.json. The id doubles as the agent's session id
// for native resumption until the stream reports its own.
type Session struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	Name             string     `json:"name"`
	State            string     `json:"state"`
	IsProcessing     bool       `json:"is_processing"`
	PermissionMode   string     `json:"permission_mode"`
	ToolsAllowlist   []string   `json:"tools_allowlist,omitempty"`
	Model            string     `json:"model,omitempty"`
	WorkingDirectory string     `json:"working_directory"`
	AgentSessionID   string     `json:"agent_session_id,omitempty"`
	AddedDirectories []string   `json:"added_directories,omitempty"`
	LastError        *LastError `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActiveAt     time.Time  `json:"last_active_at"`
}

// Clone returns a deep copy so callers can hand rows across goroutines
// without racing registry writers.
func (s *Session) Clone() *Session {
	dup := *s
	if s.ToolsAllowlist != nil {
		dup.ToolsAllowlist = append([]string(nil), s.ToolsAllowlist...)
	}
	if s.AddedDirectories != nil {
		dup.AddedDirectories = append([]string(nil), s.AddedDirectories...)
	}
	if s.LastError != nil {
		le := *s.LastError
		dup.LastError = &le
	}
	return &dup
}
