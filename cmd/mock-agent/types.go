package main

import "encoding/json"

// Message types
const (
	TypeSystem          = "system"
	TypeAssistant       = "assistant"
	TypeUser            = "user"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Content block types
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// Control request subtypes (both directions)
const (
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
	SubtypeCanUseTool        = "can_use_tool"
)

// IncomingMessage is a minimal struct for parsing stdin messages.
type IncomingMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Request   *IncomingControl `json:"request,omitempty"`
	Message   *IncomingBody    `json:"message,omitempty"`
	Response  *PermissionReply `json:"response,omitempty"`
}

// IncomingBody is the message body for user messages.
type IncomingBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IncomingControl is the body of an inbound control request
// (initialize, interrupt, set_permission_mode).
type IncomingControl struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// PermissionReply is the response body answering our can_use_tool request.
type PermissionReply struct {
	Subtype string            `json:"subtype"`
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult carries the arbitration outcome.
type PermissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// --- Outgoing message types (written to stdout) ---

// SystemMsg is the init system message carrying the session id.
type SystemMsg struct {
	Type          string `json:"type"`
	Subtype       string `json:"subtype,omitempty"`
	SessionID     string `json:"session_id"`
	SessionStatus string `json:"session_status,omitempty"`
	Model         string `json:"model,omitempty"`
	CWD           string `json:"cwd,omitempty"`
}

// AssistantMsg is an assistant message with content blocks.
type AssistantMsg struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Message   AssistantBody `json:"message"`
}

// AssistantBody is the body of an assistant message.
type AssistantBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a content block in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UserMsg is a user message (used for tool results).
type UserMsg struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Message   UserMsgBody `json:"message"`
}

// UserMsgBody is the body of a user message with tool results.
type UserMsgBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ResultMsg is the final result message for a turn.
type ResultMsg struct {
	Type              string          `json:"type"`
	Subtype           string          `json:"subtype"`
	SessionID         string          `json:"session_id,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	CostUSD           float64         `json:"total_cost_usd"`
	DurationMS        int64           `json:"duration_ms"`
	DurationAPIMS     int64           `json:"duration_api_ms"`
	IsError           bool            `json:"is_error"`
	NumTurns          int             `json:"num_turns"`
	TotalInputTokens  int64           `json:"total_input_tokens"`
	TotalOutputTokens int64           `json:"total_output_tokens"`
}

// ResultData is the result object for successful completions.
type ResultData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ControlRequestMsg is a control request emitted to stdout (permission requests).
type ControlRequestMsg struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the body of an outbound control request.
type ControlRequestBody struct {
	Subtype               string             `json:"subtype"`
	ToolName              string             `json:"tool_name,omitempty"`
	Input                 map[string]any     `json:"input,omitempty"`
	ToolUseID             string             `json:"tool_use_id,omitempty"`
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate is a suggested rule change attached to a permission request.
type PermissionUpdate struct {
	Type string `json:"type"`
	Mode string `json:"mode,omitempty"`
	Tool string `json:"tool,omitempty"`
	Path string `json:"path,omitempty"`
}

// ControlResponseMsg answers an inbound control request. The request id lives
// inside the response body on this direction of the wire.
type ControlResponseMsg struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the body of an outbound control response.
type ControlResponseBody struct {
	Subtype   string              `json:"subtype"`
	RequestID string              `json:"request_id"`
	Error     string              `json:"error,omitempty"`
	Response  *InitializeResponse `json:"response,omitempty"`
}

// InitializeResponse is the response to an initialize control request.
type InitializeResponse struct {
	Commands []Command `json:"commands"`
	Agents   []string  `json:"agents"`
}

// Command is an available slash command.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
