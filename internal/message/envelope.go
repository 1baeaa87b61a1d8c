// Package message defines the normalised envelope persisted to the session
// log, the parser that produces envelopes from raw agent output, and the
// tool-call view derived from the log.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope types.
const (
	TypeUser               = "user"
	TypeAssistant          = "assistant"
	TypeSystem             = "system"
	TypeResult             = "result"
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
	TypeToolResult         = "tool_result"
)

// Envelope subtypes. Result envelopes carry the agent's own result subtypes
// (success, error_max_turns, ...) verbatim instead.
const (
	SubtypeInit               = "init"
	SubtypeStatus             = "status"
	SubtypeCompactBoundary    = "compact_boundary"
	SubtypeRateLimit          = "rate_limit"
	SubtypeClientLaunched     = "client_launched"
	SubtypeSessionResumed     = "session_resumed"
	SubtypeSessionInterrupted = "session_interrupted"
	SubtypeSessionFailed      = "session_failed"
	SubtypeUnknown            = "unknown"
)

// Metadata keys shared between the parser, the coordinator and the tool-call
// view. Everything else under Metadata is free-form.
const (
	MetaContentBlocks  = "content_blocks"
	MetaModel          = "model"
	MetaUsage          = "usage"
	MetaReplay         = "replay"
	MetaSynthetic      = "synthetic"
	MetaToolUseID      = "tool_use_id"
	MetaToolUseResult  = "tool_use_result"
	MetaIsError        = "is_error"
	MetaRequestID      = "request_id"
	MetaToolName       = "tool_name"
	MetaInput          = "input"
	MetaSuggestions    = "suggestions"
	MetaDecision       = "decision"
	MetaAppliedUpdates = "applied_updates"
	MetaGuidance       = "guidance"
	MetaRaw            = "raw"
)

// Content block types under MetaContentBlocks.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one typed unit of agent content. Blocks ride under
// Metadata[MetaContentBlocks] so the envelope's Content string stays
// human-readable.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Envelope is one record of a session's message log, one JSON object per
// line of messages.jsonl. Offsets are implicit in append order; the log is
// append-only and corrections are new records.
type Envelope struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New builds an envelope with a fresh id and timestamp.
func New(envType, subtype, content string, metadata map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      envType,
		Subtype:   subtype,
		Content:   content,
		Metadata:  metadata,
	}
}

// BlocksFromMetadata extracts typed content blocks from envelope metadata.
// Envelopes read back from the log carry blocks as generic JSON maps, so the
// value is re-encoded before decoding into the typed form.
func BlocksFromMetadata(metadata map[string]any) []ContentBlock {
	if metadata == nil {
		return nil
	}
	raw, ok := metadata[MetaContentBlocks]
	if !ok {
		return nil
	}
	if blocks, ok := raw.([]ContentBlock); ok {
		return blocks
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil
	}
	return blocks
}
