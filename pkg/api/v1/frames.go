package v1

import (
	"encoding/json"

	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// Server frame types. Every frame on a WebSocket plane is one JSON object
// with a type field.
const (
	FrameConnectionConfirmed = "connection_confirmed"
	FrameMessage             = "message"
	FrameStateChange         = "state_change"
	FramePermissionRequest   = "permission_request"
	FramePermissionResponse  = "permission_response"
	FrameInterruptResponse   = "interrupt_response"
	FramePing                = "ping"
	FrameError               = "error"

	// UI plane
	FrameSessionList    = "session_list"
	FrameSessionState   = "session_state"
	FrameSessionDeleted = "session_deleted"
)

// Client frame types.
const (
	FrameSendMessage       = "send_message"
	FrameInterruptSession  = "interrupt_session"
	FrameSetPermissionMode = "set_permission_mode"
	FramePong              = "pong"
)

// Application close codes for the session channel. Clients must not
// auto-reconnect after any of these.
const (
	CloseSessionNotFound = 4404
	CloseSessionErrored  = 4003
	CloseInternalError   = 4500
)

// ConnectionConfirmedFrame is the first frame on an accepted session channel.
// State carries the session snapshot at accept time; the live channel only
// guarantees frames after this one.
type ConnectionConfirmedFrame struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	State     Session `json:"state"`
}

// MessageFrame streams one persisted envelope.
type MessageFrame struct {
	Type     string   `json:"type"`
	Envelope Envelope `json:"envelope"`
}

// StateChangeFrame announces a state or is_processing change.
type StateChangeFrame struct {
	Type         string     `json:"type"`
	SessionID    string     `json:"session_id"`
	State        string     `json:"state"`
	IsProcessing bool       `json:"is_processing"`
	LastError    *LastError `json:"last_error,omitempty"`
}

// PermissionRequestFrame surfaces a pending permission request.
type PermissionRequestFrame struct {
	Type        string                        `json:"type"`
	RequestID   string                        `json:"request_id"`
	SessionID   string                        `json:"session_id"`
	ToolName    string                        `json:"tool_name"`
	Input       map[string]any                `json:"input,omitempty"`
	ToolUseID   string                        `json:"tool_use_id,omitempty"`
	Suggestions []claudecode.PermissionUpdate `json:"suggestions,omitempty"`
}

// PermissionResponseFrame broadcasts a resolved permission request, so every
// client of the session sees the decision whichever client made it.
type PermissionResponseFrame struct {
	Type           string                        `json:"type"`
	RequestID      string                        `json:"request_id"`
	Decision       string                        `json:"decision"`
	AppliedUpdates []claudecode.PermissionUpdate `json:"applied_updates,omitempty"`
	Guidance       string                        `json:"guidance,omitempty"`
}

// InterruptResponseFrame acknowledges an interrupt.
type InterruptResponseFrame struct {
	Type    string `json:"type"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// PingFrame is the server's JSON keep-alive probe; clients answer with a
// pong client frame.
type PingFrame struct {
	Type string `json:"type"`
}

// ErrorFrame carries a structured, non-fatal error on a WebSocket plane.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionListFrame carries the full session list on the UI plane, sent on
// connect and after create/rename/delete.
type SessionListFrame struct {
	Type     string    `json:"type"`
	Sessions []Session `json:"sessions"`
}

// SessionStateFrame is the UI plane's lightweight state notification.
type SessionStateFrame struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	IsProcessing bool   `json:"is_processing"`
}

// SessionDeletedFrame announces a deleted session on the UI plane.
type SessionDeletedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ClientFrame is one inbound frame from a WebSocket client; the type field
// selects which payload fields matter.
type ClientFrame struct {
	Type string `json:"type"`

	// For send_message
	Content string `json:"content,omitempty"`

	// For permission_response
	RequestID          string                        `json:"request_id,omitempty"`
	Decision           string                        `json:"decision,omitempty"`
	ApplySuggestions   bool                          `json:"apply_suggestions,omitempty"`
	AppliedSuggestions []claudecode.PermissionUpdate `json:"applied_suggestions,omitempty"`
	Guidance           string                        `json:"guidance,omitempty"`
	UpdatedInput       map[string]any                `json:"updated_input,omitempty"`

	// For set_permission_mode
	Mode string `json:"mode,omitempty"`
}

// ParseClientFrame decodes one inbound frame. Unknown fields are ignored.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}
