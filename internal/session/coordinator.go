// Package session implements the session coordinator: it composes the
// registry, log store, permission broker and agent adapters, enforces the
// session state machine, and owns the authoritative is_processing flag.
package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/common/config"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/logstore"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/tracing"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// controlTimeout bounds interrupt and set_permission_mode round-trips.
const controlTimeout = 10 * time.Second

// AdapterHandle is the coordinator's view of a running agent stream. The
// concrete implementation is agent.Adapter; tests substitute fakes.
type AdapterHandle interface {
	Send(text string) error
	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode string) error
	AgentSessionID() string
	Close() error
}

// AdapterFactory creates and starts the agent stream for one session.
type AdapterFactory func(ctx context.Context, sess *registry.Session, callbacks agent.Callbacks, permission agent.PermissionFunc) (AdapterHandle, error)

// DefaultAdapterFactory launches the real agent CLI per the config.
func DefaultAdapterFactory(cfg *config.Config, log *logger.Logger) AdapterFactory {
	return func(ctx context.Context, sess *registry.Session, callbacks agent.Callbacks, permission agent.PermissionFunc) (AdapterHandle, error) {
		model := sess.Model
		if model == "" {
			model = cfg.Agent.DefaultModel
		}
		a := agent.New(agent.Options{
			Launch: agent.LaunchOptions{
				Binary:           cfg.Agent.Binary,
				WorkingDirectory: sess.WorkingDirectory,
				Model:            model,
				PermissionMode:   sess.PermissionMode,
				AllowedTools:     sess.ToolsAllowlist,
				ResumeSessionID:  sess.AgentSessionID,
				AddedDirectories: sess.AddedDirectories,
			},
			StartupTimeout: cfg.Agent.StartupTimeoutDuration(),
			ControlTimeout: controlTimeout,
			DrainTimeout:   cfg.Agent.InterruptDrainDuration(),
		}, callbacks, permission, log)
		if err := a.Start(ctx); err != nil {
			return nil, err
		}
		return a, nil
	}
}

// Coordinator composes the core subsystems. One per process.
type Coordinator struct {
	registry *registry.Store
	logs     *logstore.Store
	broker   *permission.Broker
	projects *project.Repository
	bus      bus.EventBus
	factory  AdapterFactory
	logger   *logger.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	adapters map[string]AdapterHandle

	// Per-session set of tools approved without prompting: seeded from the
	// row's allowlist at start, extended by applied allow-tool suggestions.
	autoAllow map[string]map[string]bool
}

// New creates a coordinator.
func New(reg *registry.Store, logs *logstore.Store, broker *permission.Broker,
	projects *project.Repository, eventBus bus.EventBus, factory AdapterFactory,
	log *logger.Logger) *Coordinator {
	return &Coordinator{
		registry:  reg,
		logs:      logs,
		broker:    broker,
		projects:  projects,
		bus:       eventBus,
		factory:   factory,
		logger:    log.WithFields(zap.String("component", "coordinator")),
		tracer:    tracing.Tracer("session-coordinator"),
		adapters:  make(map[string]AdapterHandle),
		autoAllow: make(map[string]map[string]bool),
	}
}

// CreateOptions are the caller-provided session fields.
type CreateOptions struct {
	Name             string
	PermissionMode   string
	Tools            []string
	Model            string
	WorkingDirectory string
}

// Create registers a new session row. No adapter is started.
func (c *Coordinator) Create(ctx context.Context, projectID string, opts CreateOptions) (*registry.Session, error) {
	proj, err := c.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if opts.PermissionMode != "" && !claudecode.ValidPermissionMode(opts.PermissionMode) {
		return nil, apperrors.Precondition("invalid permission mode: " + opts.PermissionMode)
	}

	workingDir := opts.WorkingDirectory
	if workingDir == "" {
		workingDir = proj.Path
	}

	sess, err := c.registry.Create(&registry.Session{
		ProjectID:        projectID,
		Name:             opts.Name,
		PermissionMode:   opts.PermissionMode,
		ToolsAllowlist:   opts.Tools,
		Model:            opts.Model,
		WorkingDirectory: workingDir,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("project_id", projectID))
	c.publishSessionEvent(ctx, events.SessionCreated, sess)
	return sess, nil
}

// Get returns one session row.
func (c *Coordinator) Get(_ context.Context, sessionID string) (*registry.Session, error) {
	return c.registry.Get(sessionID)
}

// List returns all session rows, newest first.
func (c *Coordinator) List(_ context.Context) ([]*registry.Session, error) {
	return c.registry.List()
}

// UpdateName renames a session.
func (c *Coordinator) UpdateName(ctx context.Context, sessionID, name string) (*registry.Session, error) {
	sess, err := c.registry.UpdateName(sessionID, name)
	if err != nil {
		return nil, err
	}
	c.publishSessionEvent(ctx, events.SessionUpdated, sess)
	return sess, nil
}

// SetPermissionMode updates the session's mode and, when a stream is live,
// applies it for the next tool evaluation.
func (c *Coordinator) SetPermissionMode(ctx context.Context, sessionID, mode string) (*registry.Session, error) {
	if !claudecode.ValidPermissionMode(mode) {
		return nil, apperrors.Precondition("invalid permission mode: " + mode)
	}
	sess, err := c.registry.UpdatePermissionMode(sessionID, mode)
	if err != nil {
		return nil, err
	}
	if adapter := c.adapter(sessionID); adapter != nil {
		if err := adapter.SetPermissionMode(ctx, mode); err != nil {
			c.logger.Warn("failed to apply permission mode to live stream",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	c.publishSessionEvent(ctx, events.SessionUpdated, sess)
	return sess, nil
}

// ListMessages returns a page of the session's envelope log.
func (c *Coordinator) ListMessages(_ context.Context, sessionID string, offset, limit int) ([]*message.Envelope, int, bool, error) {
	if _, err := c.registry.Get(sessionID); err != nil {
		return nil, 0, false, err
	}
	return c.logs.Read(sessionID, offset, limit)
}

// ToolCalls derives the session's tool-call view from the log and the
// broker's live pending table.
func (c *Coordinator) ToolCalls(_ context.Context, sessionID string) ([]*message.ToolCall, error) {
	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	envelopes, _, _, err := c.logs.Read(sessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	var live []message.LivePermission
	for _, req := range c.broker.PendingForSession(sessionID) {
		live = append(live, message.LivePermission{
			RequestID:   req.RequestID,
			ToolUseID:   req.ToolUseID,
			ToolName:    req.ToolName,
			Input:       req.Input,
			Suggestions: req.Suggestions,
		})
	}

	ended := sess.State == registry.StateTerminated || sess.State == registry.StateError
	return message.BuildToolCalls(envelopes, live, ended), nil
}

// adapter returns the live adapter for a session, or nil.
func (c *Coordinator) adapter(sessionID string) AdapterHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapters[sessionID]
}

// takeAdapter removes and returns the live adapter for a session, or nil.
func (c *Coordinator) takeAdapter(sessionID string) AdapterHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	adapter := c.adapters[sessionID]
	delete(c.adapters, sessionID)
	return adapter
}

// Shutdown closes every live adapter in parallel. Used on graceful process
// exit; each Close drains its own subprocess, so serialising them would
// multiply the worst-case drain time by the session count.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	adapters := make(map[string]AdapterHandle, len(c.adapters))
	for id, a := range c.adapters {
		adapters[id] = a
	}
	c.adapters = make(map[string]AdapterHandle)
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for id, adapter := range adapters {
		g.Go(func() error {
			c.broker.CancelSession(id)
			if err := adapter.Close(); err != nil {
				c.logger.Warn("adapter close failed during shutdown",
					zap.String("session_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
