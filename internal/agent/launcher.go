// Package agent owns the per-session agent subprocess: launching the CLI,
// adapting its stream-json protocol into normalised envelopes, serialising
// outbound sends, and coordinating interrupts and permission callbacks.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// LaunchOptions describes one agent subprocess.
type LaunchOptions struct {
	// Binary is the agent CLI executable, resolved via PATH if not absolute.
	Binary string

	// WorkingDirectory is the session's project directory. Must exist.
	WorkingDirectory string

	// Model, PermissionMode and AllowedTools map to the matching CLI flags;
	// empty values are omitted.
	Model          string
	PermissionMode string
	AllowedTools   []string

	// ResumeSessionID resumes the agent's native session when set.
	ResumeSessionID string

	// AddedDirectories are extra directories the agent may access, granted by
	// applied permission suggestions in earlier runs.
	AddedDirectories []string
}

// buildArgs constructs the CLI invocation. The fixed flags put the CLI in
// bidirectional stream-json mode with permission prompts routed over stdio.
func buildArgs(opts LaunchOptions) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--include-partial-messages",
		"--replay-user-messages",
		"--permission-prompt-tool=stdio",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" && opts.PermissionMode != "default" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	for _, dir := range opts.AddedDirectories {
		args = append(args, "--add-dir", dir)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// stderrRingSize bounds the retained stderr lines used for diagnostics.
const stderrRingSize = 50

// stderrBuffer retains the last lines of the subprocess's stderr.
type stderrBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *stderrBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > stderrRingSize {
		b.lines = b.lines[len(b.lines)-stderrRingSize:]
	}
}

// Recent returns a copy of the retained lines, oldest first.
func (b *stderrBuffer) Recent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// Process is a running agent subprocess with its stdio pipes and captured
// stderr.
type Process struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	stderr *stderrBuffer
	logger *logger.Logger

	waitOnce sync.Once
	waitCh   chan struct{}
	waitErr  error
}

// Launch validates the working directory, starts the agent CLI, and begins
// capturing stderr. Failures come back as user-classifiable errors via
// ClassifyStartupFailure.
func Launch(opts LaunchOptions, log *logger.Logger) (*Process, error) {
	info, err := os.Stat(opts.WorkingDirectory)
	if err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("not a directory: %s", opts.WorkingDirectory)
		}
		return nil, fmt.Errorf("invalid working directory: %w", err)
	}

	cmd := exec.Command(opts.Binary, buildArgs(opts)...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		Stdin:  stdin,
		Stdout: stdout,
		stderr: &stderrBuffer{},
		logger: log.WithFields(zap.String("component", "agent-process"), zap.Int("pid", cmd.Process.Pid)),
		waitCh: make(chan struct{}),
	}

	go p.collectStderr(stderrPipe)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitCh)
	}()

	p.logger.Info("agent process started",
		zap.String("binary", opts.Binary),
		zap.String("cwd", opts.WorkingDirectory),
		zap.Bool("resuming", opts.ResumeSessionID != ""))
	return p, nil
}

func (p *Process) collectStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.stderr.add(line)
		p.logger.Debug("agent stderr", zap.String("line", line))
	}
}

// Exited returns a channel closed when the subprocess exits.
func (p *Process) Exited() <-chan struct{} {
	return p.waitCh
}

// ExitError returns the process's wait error once Exited is closed.
func (p *Process) ExitError() error {
	select {
	case <-p.waitCh:
		return p.waitErr
	default:
		return nil
	}
}

// RecentStderr returns the retained stderr lines for diagnostics.
func (p *Process) RecentStderr() []string {
	return p.stderr.Recent()
}

// Terminate closes stdin (the CLI exits when its input ends), escalates to
// SIGTERM after the drain window, and finally kills the process.
func (p *Process) Terminate(drain time.Duration) {
	p.waitOnce.Do(func() {
		_ = p.Stdin.Close()

		select {
		case <-p.waitCh:
			return
		case <-time.After(drain):
		}

		p.logger.Warn("agent did not exit on stdin close, sending SIGTERM")
		_ = p.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-p.waitCh:
			return
		case <-time.After(drain):
		}

		p.logger.Warn("agent did not exit on SIGTERM, killing")
		_ = p.cmd.Process.Kill()
		<-p.waitCh
	})
}

// ClassifyStartupFailure maps a launch or early-exit error plus recent stderr
// to a short user-facing message. The raw diagnostic travels separately in
// last_error.detail.
func ClassifyStartupFailure(err error, stderr []string) string {
	joined := strings.ToLower(strings.Join(stderr, "\n"))
	errText := ""
	if err != nil {
		errText = strings.ToLower(err.Error())
	}

	switch {
	case errors.Is(err, exec.ErrNotFound) || strings.Contains(errText, "executable file not found"):
		return "agent CLI not found; check that the agent binary is installed and on PATH"
	case strings.Contains(errText, "invalid working directory"):
		return "session working directory does not exist"
	case strings.Contains(joined, "api key") || strings.Contains(joined, "authentication") ||
		strings.Contains(joined, "unauthorized") || strings.Contains(joined, "401"):
		return "agent authentication failed; check the agent's credentials"
	case strings.Contains(joined, "permission denied") || strings.Contains(errText, "permission denied"):
		return "permission denied launching the agent"
	case strings.Contains(joined, "no such session") || strings.Contains(joined, "session not found"):
		return "agent could not resume the previous conversation"
	default:
		return "agent failed to start"
	}
}
