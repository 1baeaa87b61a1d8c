// Package main implements a mock agent binary that speaks the claude-code
// stream-json protocol over stdin/stdout. It replays canned or scripted
// responses for rapid feature testing and e2e tests, honouring the control
// protocol (initialize, interrupt, set_permission_mode) and the permission
// round-trip for tool use.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type options struct {
	model     string
	script    string
	resume    string
	failStart bool
}

func main() {
	opts := parseArgs(os.Args)
	if opts.failStart {
		fmt.Fprintln(os.Stderr, "mock-agent: startup failure requested")
		os.Exit(2)
	}

	script, err := loadScript(opts.script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}

	// Each session spawns its own process, so the PID keeps generated ids
	// unique across parallel sessions. A resume id or scripted id wins.
	sessionID := fmt.Sprintf("mock-session-%d", os.Getpid())
	if script != nil && script.SessionID != "" {
		sessionID = script.SessionID
	}
	if opts.resume != "" {
		sessionID = opts.resume
	}

	agent := &mockAgent{
		enc:       json.NewEncoder(os.Stdout),
		lines:     make(chan IncomingMessage, 64),
		script:    script,
		model:     opts.model,
		sessionID: sessionID,
	}

	go readStdin(agent.lines)
	agent.run()
}

// readStdin feeds parsed stdin lines to the agent and closes the channel on
// EOF. Unparseable lines are dropped, matching the real CLI's tolerance.
func readStdin(lines chan<- IncomingMessage) {
	defer close(lines)

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg IncomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		lines <- msg
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
	}
}

// parseArgs extracts the flags the mock understands and ignores the rest of
// the launcher's arguments (--output-format, --permission-prompt-tool, ...).
func parseArgs(args []string) options {
	opts := options{
		model:  "mock-default",
		script: os.Getenv("MOCK_AGENT_SCRIPT"),
	}
	if os.Getenv("MOCK_AGENT_FAIL_START") == "1" {
		opts.failStart = true
	}

	take := func(i int, name string) (string, bool) {
		arg := args[i]
		if arg == name && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"="), true
		}
		return "", false
	}

	for i := 1; i < len(args); i++ {
		if v, ok := take(i, "--model"); ok {
			opts.model = v
			continue
		}
		if v, ok := take(i, "--script"); ok {
			opts.script = v
			continue
		}
		if v, ok := take(i, "--resume"); ok {
			opts.resume = v
			continue
		}
		if args[i] == "--fail-start" {
			opts.failStart = true
		}
	}
	return opts
}
