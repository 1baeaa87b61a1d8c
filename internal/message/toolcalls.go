package message

import (
	"encoding/json"
	"time"

	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// Tool call statuses.
const (
	CallPending            = "pending"
	CallPermissionRequired = "permission_required"
	CallExecuting          = "executing"
	CallCompleted          = "completed"
	CallError              = "error"
	CallOrphaned           = "orphaned"
)

// ToolCall is the reconstructed state of one tool invocation. The view is
// derived on demand from the envelope log plus the live permission table and
// never persisted, so it cannot diverge from the log.
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

// LivePermission is the broker's view of one outstanding request, joined into
// the derived state so calls gated right now surface as permission_required
// even before any response lands in the log.
type LivePermission struct {
	RequestID   string
	ToolUseID   string
	ToolName    string
	Input       map[string]any
	Suggestions []claudecode.PermissionUpdate
}

// BuildToolCalls replays the envelope log into per-call state. Calls are
// keyed by tool-use id; permission records without one are correlated
// against the oldest pending call with the same tool name and input. When
// ended is true (session terminated or errored) unresolved calls are marked
// orphaned.
func BuildToolCalls(envelopes []*Envelope, live []LivePermission, ended bool) []*ToolCall {
	calls := make(map[string]*ToolCall)
	var order []string
	requestToCall := make(map[string]string)

	for _, env := range envelopes {
		switch env.Type {
		case TypeAssistant:
			for _, b := range BlocksFromMetadata(env.Metadata) {
				if b.Type != BlockToolUse || b.ID == "" {
					continue
				}
				if _, exists := calls[b.ID]; exists {
					// Ids are unique per session; first sighting wins
					continue
				}
				calls[b.ID] = &ToolCall{
					ID:        b.ID,
					Name:      b.Name,
					Input:     b.Input,
					Status:    CallPending,
					Timestamp: env.Timestamp,
				}
				order = append(order, b.ID)
			}

		case TypePermissionRequest:
			call := matchCall(calls, order,
				metaString(env.Metadata, MetaToolUseID),
				metaString(env.Metadata, MetaToolName),
				metaMap(env.Metadata, MetaInput))
			if call == nil {
				continue
			}
			call.Status = CallPermissionRequired
			call.PermissionRequestID = metaString(env.Metadata, MetaRequestID)
			call.Suggestions = suggestionsFromMeta(env.Metadata)
			if call.PermissionRequestID != "" {
				requestToCall[call.PermissionRequestID] = call.ID
			}

		case TypePermissionResponse:
			id, ok := requestToCall[metaString(env.Metadata, MetaRequestID)]
			if !ok {
				continue
			}
			call := calls[id]
			call.PermissionDecision = metaString(env.Metadata, MetaDecision)
			if call.PermissionDecision == claudecode.BehaviorAllow {
				call.Status = CallExecuting
			} else {
				call.Status = CallError
				if call.Result == "" {
					call.Result = "permission denied"
				}
			}

		case TypeToolResult:
			call, ok := calls[metaString(env.Metadata, MetaToolUseID)]
			if !ok {
				continue
			}
			call.Result = env.Content
			if metaBool(env.Metadata, MetaIsError) {
				call.Status = CallError
				call.IsError = true
			} else {
				call.Status = CallCompleted
			}
		}
	}

	// Join the broker's outstanding requests; calls the log already resolved
	// are left alone.
	for _, p := range live {
		call := matchCall(calls, order, p.ToolUseID, p.ToolName, p.Input)
		if call == nil || call.Status == CallCompleted || call.Status == CallError {
			continue
		}
		call.Status = CallPermissionRequired
		call.PermissionRequestID = p.RequestID
		if len(p.Suggestions) > 0 {
			call.Suggestions = p.Suggestions
		}
	}

	if ended {
		for _, id := range order {
			switch calls[id].Status {
			case CallPending, CallPermissionRequired, CallExecuting:
				calls[id].Status = CallOrphaned
			}
		}
	}

	result := make([]*ToolCall, 0, len(order))
	for _, id := range order {
		result = append(result, calls[id])
	}
	return result
}

func matchCall(calls map[string]*ToolCall, order []string, toolUseID, toolName string, input map[string]any) *ToolCall {
	if toolUseID != "" {
		return calls[toolUseID]
	}
	want := CanonicalInput(input)
	for _, id := range order {
		c := calls[id]
		if c.Status == CallPending && c.Name == toolName && CanonicalInput(c.Input) == want {
			return c
		}
	}
	return nil
}

// CanonicalInput renders a tool input map in a stable form. encoding/json
// sorts map keys, so equal inputs produce identical strings.
func CanonicalInput(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func metaString(md map[string]any, key string) string {
	if md == nil {
		return ""
	}
	s, _ := md[key].(string)
	return s
}

func metaBool(md map[string]any, key string) bool {
	if md == nil {
		return false
	}
	b, _ := md[key].(bool)
	return b
}

func metaMap(md map[string]any, key string) map[string]any {
	if md == nil {
		return nil
	}
	m, _ := md[key].(map[string]any)
	return m
}

func suggestionsFromMeta(md map[string]any) []claudecode.PermissionUpdate {
	raw, ok := md[MetaSuggestions]
	if !ok {
		return nil
	}
	if typed, ok := raw.([]claudecode.PermissionUpdate); ok {
		return typed
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []claudecode.PermissionUpdate
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
