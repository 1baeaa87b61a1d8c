package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// outboundQueueSize bounds the FIFO of not-yet-written user messages. The
// queue is effectively unbounded in normal operation; hitting the cap means
// the agent stopped reading stdin.
const outboundQueueSize = 1024

// Callbacks are the coordinator's hooks into the stream. OnEnvelope fires
// once per normalised envelope, in stream order; OnResult after each
// terminal result message; OnFatal exactly once on an unrecoverable fault.
type Callbacks struct {
	OnEnvelope       func(env *message.Envelope)
	OnResult         func(subtype string, isError bool)
	OnAgentSessionID func(agentSessionID string)
	OnFatal          func(appErr *apperrors.AppError)
}

// PermissionFunc arbitrates one can_use_tool control request. It blocks until
// a decision exists; returning nil denies.
type PermissionFunc func(ctx context.Context, requestID string, req *claudecode.ControlRequest) *claudecode.PermissionResult

// Options configures an adapter.
type Options struct {
	Launch LaunchOptions

	// StartupTimeout bounds the initialize round-trip after launch.
	StartupTimeout time.Duration

	// ControlTimeout bounds interrupt and set_permission_mode round-trips.
	ControlTimeout time.Duration

	// DrainTimeout bounds each step of subprocess teardown.
	DrainTimeout time.Duration
}

// Adapter owns one session's agent stream: the subprocess, the inbound read
// loop (via claudecode.Client), and the serialised outbound queue.
type Adapter struct {
	opts       Options
	callbacks  Callbacks
	permission PermissionFunc
	logger     *logger.Logger

	proc   *Process
	client *claudecode.Client

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Interrupt coordination: if a send is mid-write the interrupt is applied
	// right after it completes, otherwise immediately.
	sending          atomic.Bool
	interruptPending atomic.Bool

	mu             sync.Mutex
	closed         bool
	started        bool
	agentSessionID string
}

// New creates an adapter. Start must be called before Send.
func New(opts Options, callbacks Callbacks, permission PermissionFunc, log *logger.Logger) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:       opts,
		callbacks:  callbacks,
		permission: permission,
		logger:     log.WithFields(zap.String("component", "agent-adapter")),
		queue:      make(chan string, outboundQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the subprocess and completes the initialize handshake.
// On failure the subprocess is reaped and an AgentStartupFailure carrying a
// user-friendly message is returned; the adapter is unusable afterwards.
func (a *Adapter) Start(ctx context.Context) error {
	proc, err := Launch(a.opts.Launch, a.logger)
	if err != nil {
		detail := err.Error()
		return apperrors.AgentStartupFailure(ClassifyStartupFailure(err, nil), detail, err)
	}
	a.proc = proc

	a.client = claudecode.NewClient(proc.Stdin, proc.Stdout, a.logger)
	a.client.SetMessageHandler(a.handleMessage)
	a.client.SetRequestHandler(a.handleControlRequest)
	<-a.client.Start(a.ctx)

	if _, err := a.client.Initialize(ctx, nil, a.opts.StartupTimeout); err != nil {
		stderr := proc.RecentStderr()
		proc.Terminate(a.opts.DrainTimeout)
		exitErr := proc.ExitError()
		if exitErr != nil {
			err = exitErr
		}
		detail := err.Error()
		if len(stderr) > 0 {
			detail = detail + "\n" + strings.Join(stderr, "\n")
		}
		a.cancel()
		return apperrors.AgentStartupFailure(ClassifyStartupFailure(err, stderr), detail, err)
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()

	a.wg.Add(2)
	go a.senderLoop()
	go a.watchStream()
	return nil
}

// Send enqueues outbound text and returns immediately. Writes to the agent
// are serialised by the sender goroutine, one in flight at a time.
func (a *Adapter) Send(text string) error {
	a.mu.Lock()
	if a.closed || !a.started {
		a.mu.Unlock()
		return apperrors.Precondition("agent adapter is not running")
	}
	a.mu.Unlock()

	select {
	case a.queue <- text:
		return nil
	default:
		return apperrors.Internal("agent outbound queue is full", nil)
	}
}

// Interrupt signals cancellation to the agent. Accepted even when the turn
// is idle; if a send is in flight the control request goes out right after
// it. A synthetic session_interrupted envelope marks the acceptance.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	if a.closed || !a.started {
		a.mu.Unlock()
		return apperrors.Precondition("agent adapter is not running")
	}
	a.mu.Unlock()

	if a.callbacks.OnEnvelope != nil {
		a.callbacks.OnEnvelope(message.New(
			message.TypeSystem, message.SubtypeSessionInterrupted,
			"Session interrupted by user",
			map[string]any{message.MetaSynthetic: true},
		))
	}

	if a.sending.Load() {
		a.interruptPending.Store(true)
		return nil
	}
	a.applyInterrupt(ctx)
	return nil
}

func (a *Adapter) applyInterrupt(ctx context.Context) {
	if err := a.client.Interrupt(ctx, a.opts.ControlTimeout); err != nil {
		// The CLI rejects interrupts when no turn is active; the request was
		// still accepted and the stream is unaffected.
		a.logger.Debug("interrupt not applied", zap.Error(err))
	}
}

// SetPermissionMode switches the agent's permission mode mid-stream,
// effective at the next tool evaluation.
func (a *Adapter) SetPermissionMode(ctx context.Context, mode string) error {
	a.mu.Lock()
	if a.closed || !a.started {
		a.mu.Unlock()
		return apperrors.Precondition("agent adapter is not running")
	}
	a.mu.Unlock()

	if err := a.client.SetPermissionMode(ctx, mode, a.opts.ControlTimeout); err != nil {
		return apperrors.Internal("failed to set permission mode", err)
	}
	return nil
}

// AgentSessionID returns the agent's native session id from the stream.
func (a *Adapter) AgentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentSessionID
}

// Close releases the stream and joins the inbound and sender goroutines.
// Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	if a.client != nil {
		a.client.Stop()
	}
	if a.proc != nil {
		a.proc.Terminate(a.opts.DrainTimeout)
	}
	a.wg.Wait()
	a.logger.Info("agent adapter closed")
	return nil
}

func (a *Adapter) senderLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case text := <-a.queue:
			a.sending.Store(true)
			if err := a.client.SendUserMessage(text); err != nil {
				a.logger.Error("failed to send user message", zap.Error(err))
			}
			a.sending.Store(false)
			if a.interruptPending.CompareAndSwap(true, false) {
				a.applyInterrupt(a.ctx)
			}
		}
	}
}

// watchStream turns an unexpected end of the agent's stdout into a fatal
// stream failure. A deliberate Close never reaches OnFatal.
func (a *Adapter) watchStream() {
	defer a.wg.Done()

	select {
	case <-a.ctx.Done():
		return
	case <-a.client.ReadDone():
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	var (
		stderr  []string
		exitErr error
	)
	if a.proc != nil {
		select {
		case <-a.proc.Exited():
		case <-time.After(a.opts.DrainTimeout):
		}
		stderr = a.proc.RecentStderr()
		exitErr = a.proc.ExitError()
	}

	friendly := "agent stream ended unexpectedly"
	if msg := ClassifyStartupFailure(exitErr, stderr); msg != "agent failed to start" {
		friendly = msg
	}
	detail := strings.Join(stderr, "\n")
	if exitErr != nil {
		detail = exitErr.Error() + "\n" + detail
	}

	a.logger.Error("agent stream failed",
		zap.Error(exitErr),
		zap.Int("stderr_lines", len(stderr)))
	if a.callbacks.OnFatal != nil {
		a.callbacks.OnFatal(apperrors.AgentStreamFailure(friendly, strings.TrimSpace(detail), exitErr))
	}
}

// handleMessage processes one inbound stream message: capture the agent's
// session id, normalise into envelopes, and surface result boundaries. Each
// message is fully processed before the client reads the next, which gives
// per-session total ordering of log records and broadcasts.
func (a *Adapter) handleMessage(msg *claudecode.CLIMessage) {
	if msg.SessionID != "" {
		a.mu.Lock()
		changed := a.agentSessionID != msg.SessionID
		if changed {
			// The CLI can rotate session ids mid-conversation (e.g. compact)
			a.agentSessionID = msg.SessionID
		}
		a.mu.Unlock()
		if changed && a.callbacks.OnAgentSessionID != nil {
			a.callbacks.OnAgentSessionID(msg.SessionID)
		}
	}

	for _, env := range message.ParseCLIMessage(msg) {
		if a.callbacks.OnEnvelope != nil {
			a.callbacks.OnEnvelope(env)
		}
	}

	if msg.Type == claudecode.MessageTypeResult && a.callbacks.OnResult != nil {
		a.callbacks.OnResult(msg.Subtype, msg.IsError)
	}
}

// handleControlRequest answers the agent's control requests. Tool permission
// requests block on the coordinator's arbitration in their own goroutine so
// the read loop keeps draining the stream.
func (a *Adapter) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	switch req.Subtype {
	case claudecode.SubtypeCanUseTool:
		go a.arbitrateToolUse(requestID, req)

	case claudecode.SubtypeHookCallback:
		a.respond(requestID, &claudecode.ControlResponse{Subtype: "success"})

	default:
		a.logger.Warn("unhandled control request subtype", zap.String("subtype", req.Subtype))
		a.respond(requestID, &claudecode.ControlResponse{
			Subtype: "error",
			Error:   "unhandled subtype: " + req.Subtype,
		})
	}
}

func (a *Adapter) arbitrateToolUse(requestID string, req *claudecode.ControlRequest) {
	a.logger.Info("permission requested",
		zap.String("request_id", requestID),
		zap.String("tool_name", req.ToolName),
		zap.String("tool_use_id", req.ToolUseID))

	var result *claudecode.PermissionResult
	if a.permission != nil {
		result = a.permission(a.ctx, requestID, req)
	}
	if result == nil {
		result = &claudecode.PermissionResult{
			Behavior: claudecode.BehaviorDeny,
			Message:  "permission denied",
		}
	}

	a.respond(requestID, &claudecode.ControlResponse{
		Subtype: "success",
		Result:  result,
	})
}

func (a *Adapter) respond(requestID string, resp *claudecode.ControlResponse) {
	err := a.client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
	if err != nil {
		a.logger.Warn("failed to send control response",
			zap.String("request_id", requestID), zap.Error(err))
	}
}
