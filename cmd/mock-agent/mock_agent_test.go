package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want options
	}{
		{
			name: "defaults",
			args: []string{"mock-agent"},
			want: options{model: "mock-default"},
		},
		{
			name: "separate flag and value",
			args: []string{"mock-agent", "--model", "mock-slow"},
			want: options{model: "mock-slow"},
		},
		{
			name: "equals syntax",
			args: []string{"mock-agent", "--model=mock-fast", "--script=/tmp/s.yaml"},
			want: options{model: "mock-fast", script: "/tmp/s.yaml"},
		},
		{
			name: "launcher flags ignored",
			args: []string{"mock-agent", "-p", "--output-format=stream-json", "--resume", "sess-1"},
			want: options{model: "mock-default", resume: "sess-1"},
		},
		{
			name: "fail start",
			args: []string{"mock-agent", "--fail-start"},
			want: options{model: "mock-default", failStart: true},
		},
		{
			name: "dangling flag without value",
			args: []string{"mock-agent", "--model"},
			want: options{model: "mock-default"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if got != tt.want {
				t.Errorf("parseArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestLoadScript(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path returns nil", func(t *testing.T) {
		script, err := loadScript("")
		if err != nil || script != nil {
			t.Errorf("loadScript(\"\") = (%v, %v), want (nil, nil)", script, err)
		}
	})

	t.Run("valid script", func(t *testing.T) {
		path := filepath.Join(dir, "script.yaml")
		content := `
session_id: scripted-1
turns:
  - match: deploy
    steps:
      - type: text
        text: Deploying now.
      - type: tool_use
        tool: Bash
        input:
          command: make deploy
        permission: true
        result: deployed
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		script, err := loadScript(path)
		if err != nil {
			t.Fatal(err)
		}
		if script.SessionID != "scripted-1" {
			t.Errorf("SessionID = %q, want scripted-1", script.SessionID)
		}
		if len(script.Turns) != 1 || len(script.Turns[0].Steps) != 2 {
			t.Fatalf("unexpected shape: %+v", script)
		}
		if script.Turns[0].Steps[1].Tool != "Bash" || !script.Turns[0].Steps[1].Permission {
			t.Errorf("tool_use step not parsed: %+v", script.Turns[0].Steps[1])
		}
	})

	t.Run("unknown step type rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("turns:\n  - steps:\n      - type: explode\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := loadScript(path); err == nil {
			t.Error("expected error for unknown step type")
		}
	})

	t.Run("tool_use without tool rejected", func(t *testing.T) {
		path := filepath.Join(dir, "notool.yaml")
		if err := os.WriteFile(path, []byte("turns:\n  - steps:\n      - type: tool_use\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := loadScript(path); err == nil {
			t.Error("expected error for tool_use without tool")
		}
	})
}

func TestTurnFor(t *testing.T) {
	script := &Script{Turns: []TurnSpec{
		{Match: "deploy", Steps: []StepSpec{{Type: "text", Text: "deploying"}}},
		{Steps: []StepSpec{{Type: "text", Text: "fallback"}}},
	}}

	if got := script.turnFor("please deploy the service"); got.Steps[0].Text != "deploying" {
		t.Errorf("matched turn = %q, want deploying", got.Steps[0].Text)
	}
	if got := script.turnFor("anything else"); got.Steps[0].Text != "fallback" {
		t.Errorf("fallback turn = %q, want fallback", got.Steps[0].Text)
	}

	var none *Script
	got := none.turnFor("hello")
	last := got.Steps[len(got.Steps)-1]
	if last.Type != "result" {
		t.Errorf("default turn should end with a result step, got %q", last.Type)
	}
}

// decodeFrames splits the encoder output into typed frames.
func decodeFrames(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var frames []map[string]any
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func newTestAgent(out *bytes.Buffer) *mockAgent {
	return &mockAgent{
		enc:       json.NewEncoder(out),
		lines:     make(chan IncomingMessage, 16),
		model:     "mock-default",
		sessionID: "test-session",
	}
}

func TestInitializeHandshake(t *testing.T) {
	var out bytes.Buffer
	agent := newTestAgent(&out)

	agent.handleControl(IncomingMessage{
		Type:      TypeControlRequest,
		RequestID: "req-1",
		Request:   &IncomingControl{Subtype: SubtypeInitialize},
	})

	frames := decodeFrames(t, &out)
	if len(frames) != 2 {
		t.Fatalf("expected control_response + init, got %d frames", len(frames))
	}
	if frames[0]["type"] != TypeControlResponse {
		t.Errorf("first frame = %v, want control_response", frames[0]["type"])
	}
	resp := frames[0]["response"].(map[string]any)
	if resp["request_id"] != "req-1" || resp["subtype"] != "success" {
		t.Errorf("bad control response: %v", resp)
	}
	if frames[1]["type"] != TypeSystem || frames[1]["subtype"] != "init" {
		t.Errorf("second frame = %v, want system init", frames[1])
	}
	if frames[1]["session_id"] != "test-session" {
		t.Errorf("init session_id = %v", frames[1]["session_id"])
	}
}

func TestDefaultTurnEmitsResult(t *testing.T) {
	var out bytes.Buffer
	agent := newTestAgent(&out)

	agent.runTurn("hello")

	frames := decodeFrames(t, &out)
	if len(frames) < 2 {
		t.Fatalf("expected assistant frames and a result, got %d", len(frames))
	}
	last := frames[len(frames)-1]
	if last["type"] != TypeResult || last["subtype"] != "success" {
		t.Errorf("last frame = %v, want success result", last)
	}
	if last["is_error"] != false {
		t.Errorf("is_error = %v", last["is_error"])
	}
}

func TestScriptedPermissionAllow(t *testing.T) {
	var out bytes.Buffer
	agent := newTestAgent(&out)
	agent.script = &Script{Turns: []TurnSpec{{
		Steps: []StepSpec{
			{Type: "tool_use", Tool: "Bash", Input: map[string]any{"command": "ls"}, Permission: true, Result: "file1\nfile2"},
			{Type: "result", Subtype: "success", Text: "done"},
		},
	}}}

	// Queue the allow decision before the turn asks for it.
	agent.lines <- IncomingMessage{
		Type:      TypeControlResponse,
		RequestID: "mock-perm-1",
		Response:  &PermissionReply{Subtype: "success", Result: &PermissionResult{Behavior: "allow"}},
	}

	agent.runTurn("run it")

	frames := decodeFrames(t, &out)
	var sawPermissionRequest, sawToolResult bool
	for _, frame := range frames {
		if frame["type"] == TypeControlRequest {
			req := frame["request"].(map[string]any)
			if req["subtype"] == SubtypeCanUseTool && req["tool_name"] == "Bash" {
				sawPermissionRequest = true
			}
		}
		if frame["type"] == TypeUser {
			sawToolResult = true
		}
	}
	if !sawPermissionRequest {
		t.Error("expected a can_use_tool control request")
	}
	if !sawToolResult {
		t.Error("expected a tool_result user message after allow")
	}
	last := frames[len(frames)-1]
	if last["type"] != TypeResult {
		t.Errorf("last frame = %v, want result", last["type"])
	}
}

func TestScriptedPermissionDeny(t *testing.T) {
	var out bytes.Buffer
	agent := newTestAgent(&out)
	agent.script = &Script{Turns: []TurnSpec{{
		Steps: []StepSpec{
			{Type: "tool_use", Tool: "Write", Permission: true},
		},
	}}}

	agent.lines <- IncomingMessage{
		Type:      TypeControlResponse,
		RequestID: "mock-perm-1",
		Response:  &PermissionReply{Subtype: "success", Result: &PermissionResult{Behavior: "deny", Message: "no"}},
	}

	agent.runTurn("write it")

	frames := decodeFrames(t, &out)
	var deniedResult bool
	for _, frame := range frames {
		if frame["type"] == TypeUser {
			msg := frame["message"].(map[string]any)
			blocks := msg["content"].([]any)
			block := blocks[0].(map[string]any)
			if block["is_error"] == true {
				deniedResult = true
			}
		}
	}
	if !deniedResult {
		t.Error("expected an is_error tool_result after deny")
	}
}

func TestInterruptDuringPermissionWait(t *testing.T) {
	var out bytes.Buffer
	agent := newTestAgent(&out)
	agent.script = &Script{Turns: []TurnSpec{{
		Steps: []StepSpec{
			{Type: "tool_use", Tool: "Bash", Permission: true},
			{Type: "text", Text: "never reached"},
		},
	}}}

	agent.lines <- IncomingMessage{
		Type:      TypeControlRequest,
		RequestID: "ctrl-1",
		Request:   &IncomingControl{Subtype: SubtypeInterrupt},
	}

	agent.runTurn("run it")

	frames := decodeFrames(t, &out)
	var sawInterruptAck, sawNeverReached bool
	for _, frame := range frames {
		if frame["type"] == TypeControlResponse {
			resp := frame["response"].(map[string]any)
			if resp["request_id"] == "ctrl-1" {
				sawInterruptAck = true
			}
		}
		if frame["type"] == TypeAssistant {
			raw, _ := json.Marshal(frame)
			if bytes.Contains(raw, []byte("never reached")) {
				sawNeverReached = true
			}
		}
	}
	if !sawInterruptAck {
		t.Error("expected the interrupt control request to be acknowledged")
	}
	if sawNeverReached {
		t.Error("turn should end at the interrupt")
	}
	last := frames[len(frames)-1]
	if last["type"] != TypeResult {
		t.Errorf("last frame = %v, want result", last["type"])
	}
}

func TestBypassPermissionsSkipsArbitration(t *testing.T) {
	var out bytes.Buffer
	agent := newTestAgent(&out)
	agent.permissionMode = "bypassPermissions"
	agent.script = &Script{Turns: []TurnSpec{{
		Steps: []StepSpec{
			{Type: "tool_use", Tool: "Bash", Permission: true, Result: "ok"},
		},
	}}}

	agent.runTurn("run it")

	for _, frame := range decodeFrames(t, &out) {
		if frame["type"] == TypeControlRequest {
			t.Fatal("bypassPermissions must not emit permission requests")
		}
	}
}
