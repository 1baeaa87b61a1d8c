package v1

import (
	"time"

	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// Session is the wire form of one conversation session.
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

// LastError describes the most recent fatal failure of a session.
type LastError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// CreateSessionRequest creates a new session under a project.
type CreateSessionRequest struct {
	ProjectID        string   `json:"project_id" binding:"required"`
	Name             string   `json:"name,omitempty"`
	PermissionMode   string   `json:"permission_mode,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	Model            string   `json:"model,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
}

// UpdateSessionRequest renames a session or changes its permission mode.
type UpdateSessionRequest struct {
	Name           *string `json:"name,omitempty" binding:"omitempty,max=255"`
	PermissionMode *string `json:"permission_mode,omitempty"`
}

// Envelope is the wire form of one message log record.
type Envelope struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessagesResponse is one page of a session's message log.
type MessagesResponse struct {
	Messages []Envelope `json:"messages"`
	Total    int        `json:"total"`
	Offset   int        `json:"offset"`
	Limit    int        `json:"limit"`
	HasMore  bool       `json:"has_more"`
}

// ToolCall is the derived state of one tool invocation.
type ToolCall struct {
	ID                  string                        `json:"id"`
	Name                string                        `json:"name"`
	Input               map[string]any                `json:"input,omitempty"`
	Status              string                        `json:"status"`
	Result              string                        `json:"result,omitempty"`
	IsError             bool                          `json:"is_error,omitempty"`
	PermissionRequestID string                        `json:"permission_request_id,omitempty"`
	PermissionDecision  string                        `json:"permission_decision,omitempty"`
	Suggestions         []claudecode.PermissionUpdate `json:"suggestions,omitempty"`
	Timestamp           time.Time                     `json:"timestamp"`
}

// ToolCallsResponse lists a session's tool invocations.
type ToolCallsResponse struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}
