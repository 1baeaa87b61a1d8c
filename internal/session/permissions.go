package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// PermissionResponse is the user's decision on a pending permission request.
// ApplySuggestions applies every suggestion the agent sent; AppliedSuggestions
// selects a subset instead. Guidance rides on a deny.
type PermissionResponse struct {
	Decision           string
	ApplySuggestions   bool
	AppliedSuggestions []claudecode.PermissionUpdate
	Guidance           string
	UpdatedInput       map[string]any
}

// RespondPermission resolves one pending permission request. Decisions for
// unknown or already-resolved requests are ignored: the race against auto-deny
// and teardown is inherent and late losers are not errors.
func (c *Coordinator) RespondPermission(ctx context.Context, sessionID, requestID string, resp PermissionResponse) error {
	req := c.broker.Get(requestID)
	if req == nil || req.SessionID != sessionID {
		c.logger.Info("ignoring decision for unknown permission request",
			zap.String("session_id", sessionID),
			zap.String("request_id", requestID))
		return nil
	}

	applied := resp.AppliedSuggestions
	if resp.ApplySuggestions && len(applied) == 0 {
		applied = req.Suggestions
	}
	if resp.Decision != claudecode.BehaviorAllow {
		applied = nil
	}
	if len(applied) > 0 {
		c.applySuggestions(ctx, sessionID, applied)
	}

	decision := permission.Decision{
		Behavior:           resp.Decision,
		AppliedSuggestions: applied,
		Guidance:           resp.Guidance,
		UpdatedInput:       resp.UpdatedInput,
	}

	meta := map[string]any{
		message.MetaSynthetic: true,
		message.MetaRequestID: requestID,
		message.MetaToolName:  req.ToolName,
		message.MetaDecision:  resp.Decision,
	}
	if req.ToolUseID != "" {
		meta[message.MetaToolUseID] = req.ToolUseID
	}
	if len(applied) > 0 {
		meta[message.MetaAppliedUpdates] = applied
	}
	if resp.Guidance != "" {
		meta[message.MetaGuidance] = resp.Guidance
	}
	c.recordEnvelope(sessionID, message.New(message.TypePermissionResponse, "", resp.Decision, meta))

	if err := c.broker.Resolve(requestID, decision); err != nil {
		// Auto-deny or teardown won the race after the Get above
		c.logger.Debug("permission request resolved elsewhere",
			zap.String("request_id", requestID), zap.Error(err))
		return nil
	}
	c.publishPermDone(ctx, sessionID, requestID, decision)
	return nil
}

// applySuggestions durably applies the rule changes chosen with an allow:
// mode switches take effect on the live stream, allowed tools skip future
// prompts, added directories reach the agent on the next start.
func (c *Coordinator) applySuggestions(ctx context.Context, sessionID string, updates []claudecode.PermissionUpdate) {
	for _, update := range updates {
		switch update.Type {
		case claudecode.UpdateSetMode:
			if !claudecode.ValidPermissionMode(update.Mode) {
				c.logger.Warn("skipping set-mode suggestion with invalid mode",
					zap.String("session_id", sessionID), zap.String("mode", update.Mode))
				continue
			}
			if _, err := c.registry.UpdatePermissionMode(sessionID, update.Mode); err != nil {
				c.logger.Warn("failed to persist permission mode",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if adapter := c.adapter(sessionID); adapter != nil {
				if err := adapter.SetPermissionMode(ctx, update.Mode); err != nil {
					c.logger.Warn("failed to apply permission mode to live stream",
						zap.String("session_id", sessionID), zap.Error(err))
				}
			}

		case claudecode.UpdateAllowTool:
			if update.Tool == "" {
				continue
			}
			c.addAutoAllow(sessionID, update.Tool)
			sess, err := c.registry.Get(sessionID)
			if err != nil {
				continue
			}
			allowlist := appendUnique(sess.ToolsAllowlist, update.Tool)
			if _, err := c.registry.UpdateToolsAllowlist(sessionID, allowlist); err != nil {
				c.logger.Warn("failed to persist tools allowlist",
					zap.String("session_id", sessionID), zap.Error(err))
			}

		case claudecode.UpdateAddDirectory:
			if update.Path == "" {
				continue
			}
			if _, err := c.registry.AddDirectory(sessionID, update.Path); err != nil {
				c.logger.Warn("failed to persist added directory",
					zap.String("session_id", sessionID), zap.Error(err))
			}

		default:
			c.logger.Warn("unknown permission update type",
				zap.String("session_id", sessionID), zap.String("type", update.Type))
		}
	}
}

// permissionFuncFor builds the adapter's arbitration callback for one
// session: auto-approved tools short-circuit, everything else registers with
// the broker, is surfaced to the UI, and blocks for the decision.
func (c *Coordinator) permissionFuncFor(sessionID string) agent.PermissionFunc {
	return func(ctx context.Context, requestID string, req *claudecode.ControlRequest) *claudecode.PermissionResult {
		if c.isAutoAllowed(sessionID, req.ToolName) {
			c.logger.Info("tool auto-approved from allowlist",
				zap.String("session_id", sessionID),
				zap.String("tool_name", req.ToolName))
			return &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}
		}

		preq := &permission.Request{
			RequestID:   requestID,
			SessionID:   sessionID,
			ToolName:    req.ToolName,
			Input:       req.Input,
			ToolUseID:   req.ToolUseID,
			Suggestions: req.PermissionSuggestions,
		}
		ch, err := c.broker.Register(preq)
		if err != nil {
			c.logger.Warn("permission registration failed, denying",
				zap.String("request_id", requestID), zap.Error(err))
			return &claudecode.PermissionResult{
				Behavior: claudecode.BehaviorDeny,
				Message:  "permission request could not be registered",
			}
		}

		meta := map[string]any{
			message.MetaRequestID: requestID,
			message.MetaToolName:  req.ToolName,
		}
		if req.ToolUseID != "" {
			meta[message.MetaToolUseID] = req.ToolUseID
		}
		if len(req.Input) > 0 {
			meta[message.MetaInput] = req.Input
		}
		if len(req.PermissionSuggestions) > 0 {
			meta[message.MetaSuggestions] = req.PermissionSuggestions
		}
		c.recordEnvelope(sessionID, message.New(
			message.TypePermissionRequest, "",
			"Permission requested: "+req.ToolName, meta))
		c.publishPermission(ctx, preq)

		select {
		case decision := <-ch:
			return &claudecode.PermissionResult{
				Behavior:           decision.Behavior,
				UpdatedInput:       updatedInputOrNil(decision.UpdatedInput),
				UpdatedPermissions: decision.AppliedSuggestions,
				Message:            decision.Guidance,
			}
		case <-ctx.Done():
			c.broker.Resolve(requestID, permission.Denied("session shutting down"))
			return &claudecode.PermissionResult{
				Behavior: claudecode.BehaviorDeny,
				Message:  "session shutting down",
			}
		}
	}
}

func updatedInputOrNil(input map[string]any) any {
	if len(input) == 0 {
		return nil
	}
	return input
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(append([]string(nil), list...), item)
}

func (c *Coordinator) seedAutoAllow(sessionID string, tools []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]bool, len(tools))
	for _, tool := range tools {
		set[tool] = true
	}
	c.autoAllow[sessionID] = set
}

func (c *Coordinator) addAutoAllow(sessionID, tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoAllow[sessionID] == nil {
		c.autoAllow[sessionID] = make(map[string]bool)
	}
	c.autoAllow[sessionID][tool] = true
}

func (c *Coordinator) isAutoAllowed(sessionID, tool string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoAllow[sessionID][tool]
}

func (c *Coordinator) clearAutoAllow(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.autoAllow, sessionID)
}
