package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// mockAgent is the per-process state: the stdout encoder, the parsed stdin
// feed, and the active script.
type mockAgent struct {
	enc       *json.Encoder
	lines     chan IncomingMessage
	script    *Script
	model     string
	sessionID string

	permissionMode string
	initialized    bool
	toolSeq        int
	permSeq        int
}

// run is the main dispatch loop. It exits when stdin closes.
func (a *mockAgent) run() {
	for msg := range a.lines {
		switch msg.Type {
		case TypeControlRequest:
			a.handleControl(msg)
		case TypeUser:
			if msg.Message != nil {
				a.runTurn(msg.Message.Content)
			}
		}
	}
}

// handleControl answers inbound control requests outside a turn.
func (a *mockAgent) handleControl(msg IncomingMessage) {
	if msg.Request == nil || msg.RequestID == "" {
		return
	}
	switch msg.Request.Subtype {
	case SubtypeInitialize:
		a.respondSuccess(msg.RequestID, &InitializeResponse{
			Commands: []Command{
				{Name: "help", Description: "Describe the mock agent"},
			},
			Agents: []string{"Bash", "Read", "Edit", "Grep", "Glob", "Task"},
		})
		if !a.initialized {
			a.initialized = true
			a.emitInit()
		}

	case SubtypeInterrupt:
		// No turn in flight; accept and carry on.
		a.respondSuccess(msg.RequestID, nil)

	case SubtypeSetPermissionMode:
		a.permissionMode = msg.Request.Mode
		a.respondSuccess(msg.RequestID, nil)

	default:
		_ = a.enc.Encode(ControlResponseMsg{
			Type: TypeControlResponse,
			Response: ControlResponseBody{
				Subtype:   "error",
				RequestID: msg.RequestID,
				Error:     "unhandled subtype: " + msg.Request.Subtype,
			},
		})
	}
}

func (a *mockAgent) respondSuccess(requestID string, init *InitializeResponse) {
	_ = a.enc.Encode(ControlResponseMsg{
		Type: TypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  init,
		},
	})
}

// runTurn plays one scripted turn. Interrupt control requests received
// between steps or while waiting on a permission decision end the turn with
// an interrupted result.
func (a *mockAgent) runTurn(prompt string) {
	turn := a.script.turnFor(prompt)

	for _, step := range turn.Steps {
		if turn.DelayMS > 0 {
			time.Sleep(time.Duration(turn.DelayMS) * time.Millisecond)
		}
		if a.pollControl() {
			a.emitResult("success", false, "Turn interrupted.")
			return
		}

		switch step.Type {
		case "thinking":
			a.emitAssistant(ContentBlock{Type: BlockThinking, Thinking: step.Thinking})

		case "text":
			a.emitAssistant(ContentBlock{Type: BlockText, Text: step.Text})

		case "tool_use":
			if done := a.runToolUse(step); done {
				return
			}

		case "result":
			subtype := step.Subtype
			if subtype == "" {
				subtype = "success"
			}
			a.emitResult(subtype, step.IsError, step.Text)
			return
		}
	}

	a.emitResult("success", false, "Mock agent completed successfully.")
}

// runToolUse emits a tool_use block, arbitrates permission when the step asks
// for it, and emits the tool result. Returns true when the turn must end
// because an interrupt arrived mid-arbitration.
func (a *mockAgent) runToolUse(step StepSpec) bool {
	a.toolSeq++
	toolUseID := fmt.Sprintf("toolu_mock_%d", a.toolSeq)
	a.emitAssistant(ContentBlock{
		Type:  BlockToolUse,
		ID:    toolUseID,
		Name:  step.Tool,
		Input: step.Input,
	})

	allowed := true
	if step.Permission && a.permissionMode != "bypassPermissions" {
		var interrupted bool
		allowed, interrupted = a.requestPermission(step, toolUseID)
		if interrupted {
			a.emitResult("success", false, "Turn interrupted.")
			return true
		}
	}

	if !allowed {
		a.emitToolResult(toolUseID, "Permission denied by user", true)
		return false
	}

	content := step.Result
	if content == "" {
		content = "ok"
	}
	a.emitToolResult(toolUseID, content, false)
	return false
}

// requestPermission sends a can_use_tool control request and blocks until the
// matching decision arrives. Control requests that interleave with the wait
// are still answered; an interrupt aborts the wait.
func (a *mockAgent) requestPermission(step StepSpec, toolUseID string) (allowed, interrupted bool) {
	a.permSeq++
	requestID := fmt.Sprintf("mock-perm-%d", a.permSeq)

	suggestions := make([]PermissionUpdate, 0, len(step.Suggestions))
	for _, s := range step.Suggestions {
		suggestions = append(suggestions, s.toUpdate())
	}

	_ = a.enc.Encode(ControlRequestMsg{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request: ControlRequestBody{
			Subtype:               SubtypeCanUseTool,
			ToolName:              step.Tool,
			Input:                 step.Input,
			ToolUseID:             toolUseID,
			PermissionSuggestions: suggestions,
		},
	})

	for msg := range a.lines {
		switch msg.Type {
		case TypeControlResponse:
			if msg.RequestID != requestID || msg.Response == nil {
				continue
			}
			if msg.Response.Result != nil {
				return msg.Response.Result.Behavior == "allow", false
			}
			return false, false

		case TypeControlRequest:
			if msg.Request != nil && msg.Request.Subtype == SubtypeInterrupt {
				a.respondSuccess(msg.RequestID, nil)
				return false, true
			}
			a.handleControl(msg)
		}
	}
	return false, false
}

// pollControl drains any queued control requests between steps. Returns true
// when an interrupt arrived.
func (a *mockAgent) pollControl() bool {
	for {
		select {
		case msg, ok := <-a.lines:
			if !ok {
				return false
			}
			if msg.Type == TypeControlRequest && msg.Request != nil &&
				msg.Request.Subtype == SubtypeInterrupt {
				a.respondSuccess(msg.RequestID, nil)
				return true
			}
			if msg.Type == TypeControlRequest {
				a.handleControl(msg)
			}
		default:
			return false
		}
	}
}

func (a *mockAgent) emitInit() {
	_ = a.enc.Encode(SystemMsg{
		Type:          TypeSystem,
		Subtype:       "init",
		SessionID:     a.sessionID,
		SessionStatus: "active",
		Model:         a.model,
	})
}

func (a *mockAgent) emitAssistant(blocks ...ContentBlock) {
	_ = a.enc.Encode(AssistantMsg{
		Type:      TypeAssistant,
		SessionID: a.sessionID,
		Message: AssistantBody{
			Role:    "assistant",
			Content: blocks,
			Model:   a.model,
			Usage:   &Usage{InputTokens: 150, OutputTokens: 50},
		},
	})
}

func (a *mockAgent) emitToolResult(toolUseID, content string, isError bool) {
	_ = a.enc.Encode(UserMsg{
		Type:      TypeUser,
		SessionID: a.sessionID,
		Message: UserMsgBody{
			Role: "user",
			Content: []ContentBlock{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   content,
				IsError:   isError,
			}},
		},
	})
}

func (a *mockAgent) emitResult(subtype string, isError bool, text string) {
	var resultJSON json.RawMessage
	if isError {
		resultJSON, _ = json.Marshal(text)
	} else {
		resultJSON, _ = json.Marshal(ResultData{
			Text:      text,
			SessionID: a.sessionID,
		})
	}
	_ = a.enc.Encode(ResultMsg{
		Type:              TypeResult,
		Subtype:           subtype,
		SessionID:         a.sessionID,
		Result:            resultJSON,
		CostUSD:           0.0042,
		DurationMS:        1500,
		DurationAPIMS:     1200,
		IsError:           isError,
		NumTurns:          1,
		TotalInputTokens:  1500,
		TotalOutputTokens: 500,
	})
}
