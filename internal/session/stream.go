package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/registry"
)

// eventSource tags bus events emitted by the coordinator.
const eventSource = "coordinator"

// callbacksFor binds the adapter's stream hooks to one session. The hooks run
// on the adapter's read goroutine, so per-session ordering of persistence and
// broadcast follows stream order for free.
func (c *Coordinator) callbacksFor(sessionID string) agent.Callbacks {
	return agent.Callbacks{
		OnEnvelope: func(env *message.Envelope) {
			c.handleEnvelope(sessionID, env)
		},
		OnResult: func(subtype string, isError bool) {
			c.handleResult(sessionID, subtype, isError)
		},
		OnAgentSessionID: func(agentSessionID string) {
			if _, err := c.registry.UpdateAgentSessionID(sessionID, agentSessionID); err != nil {
				c.logger.Warn("failed to persist agent session id",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		},
		OnFatal: func(appErr *apperrors.AppError) {
			c.handleFatal(sessionID, appErr)
		},
	}
}

// handleEnvelope persists one stream envelope and broadcasts it. The first
// envelope of a fresh stream also moves starting → active.
func (c *Coordinator) handleEnvelope(sessionID string, env *message.Envelope) {
	c.recordEnvelope(sessionID, env)

	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return
	}
	if sess.State == registry.StateStarting {
		if sess, err = c.registry.UpdateState(sessionID, registry.StateActive); err != nil {
			c.logger.Warn("failed to activate session",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		c.publishState(context.Background(), sess)
	}
}

// handleResult ends the session's turn: is_processing drops and the row goes
// back to active. This callback and the fatal path are the only writers that
// clear the flag while an adapter is live.
func (c *Coordinator) handleResult(sessionID, subtype string, isError bool) {
	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return
	}
	switch sess.State {
	case registry.StateError, registry.StateTerminated:
		return
	}

	if sess, err = c.registry.UpdateProcessing(sessionID, false); err != nil {
		c.logger.Warn("failed to clear processing flag",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if sess.State == registry.StateProcessing {
		if sess, err = c.registry.UpdateState(sessionID, registry.StateActive); err != nil {
			c.logger.Warn("failed to return session to active",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
	}
	c.publishState(context.Background(), sess)

	if isError {
		c.logger.Warn("turn ended with error result",
			zap.String("session_id", sessionID), zap.String("subtype", subtype))
	}
}

// handleFatal is the single path for unrecoverable stream faults: record the
// failure envelope, move the row to error with last_error set, deny pending
// permissions, and release the adapter.
func (c *Coordinator) handleFatal(sessionID string, appErr *apperrors.AppError) {
	c.logger.Error("session stream failed",
		zap.String("session_id", sessionID),
		zap.String("kind", appErr.Kind),
		zap.String("message", appErr.Message))

	c.recordEnvelope(sessionID, message.New(
		message.TypeSystem, message.SubtypeSessionFailed,
		appErr.Message,
		map[string]any{
			message.MetaSynthetic: true,
			"kind":                appErr.Kind,
			"detail":              appErr.Detail,
		},
	))
	c.failSession(sessionID, appErr)

	// OnFatal runs on the adapter's own stream goroutine; Close joins that
	// goroutine, so the release happens off to the side.
	if adapter := c.takeAdapter(sessionID); adapter != nil {
		go adapter.Close()
	}
}

// failSession moves the row to error with last_error populated and denies
// every pending permission request.
func (c *Coordinator) failSession(sessionID string, appErr *apperrors.AppError) {
	if _, err := c.registry.UpdateLastError(sessionID, &registry.LastError{
		Kind:    appErr.Kind,
		Message: appErr.Message,
		Detail:  appErr.Detail,
	}); err != nil {
		c.logger.Warn("failed to persist last error",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	sess, err := c.registry.UpdateState(sessionID, registry.StateError)
	if err != nil {
		c.logger.Warn("failed to move session to error state",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	c.broker.CancelSession(sessionID)
	c.clearAutoAllow(sessionID)

	if sess != nil {
		ctx := context.Background()
		c.publishState(ctx, sess)
		c.publishSessionEvent(ctx, events.SessionUpdated, sess)
	}
}

// recordEnvelope appends to the durable log and only then broadcasts. A log
// write that fails even after the store's retry is a fatal session fault, but
// never recurses: the failure envelope itself is appended best-effort.
func (c *Coordinator) recordEnvelope(sessionID string, env *message.Envelope) {
	if err := c.logs.Append(sessionID, env); err != nil {
		if env.Subtype == message.SubtypeSessionFailed {
			c.logger.Error("failed to persist failure envelope",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		c.logger.Error("failed to persist envelope",
			zap.String("session_id", sessionID), zap.Error(err))
		c.handleFatal(sessionID, apperrors.AsAppError(err))
		return
	}
	c.publishEnvelope(context.Background(), sessionID, env)
}

func (c *Coordinator) publishEnvelope(ctx context.Context, sessionID string, env *message.Envelope) {
	data, err := events.ToMap(struct {
		SessionID string            `json:"session_id"`
		Envelope  *message.Envelope `json:"envelope"`
	}{sessionID, env})
	if err != nil {
		c.logger.Warn("failed to encode envelope event", zap.Error(err))
		return
	}
	c.publish(ctx, events.BuildEnvelopeSubject(sessionID), events.SessionEnvelope, data)
}

func (c *Coordinator) publishState(ctx context.Context, sess *registry.Session) {
	data, err := events.ToMap(struct {
		SessionID    string              `json:"session_id"`
		State        string              `json:"state"`
		IsProcessing bool                `json:"is_processing"`
		LastError    *registry.LastError `json:"last_error,omitempty"`
	}{sess.ID, sess.State, sess.IsProcessing, sess.LastError})
	if err != nil {
		c.logger.Warn("failed to encode state event", zap.Error(err))
		return
	}
	c.publish(ctx, events.BuildStateSubject(sess.ID), events.SessionState, data)
}

func (c *Coordinator) publishPermission(ctx context.Context, req *permission.Request) {
	data, err := events.ToMap(req)
	if err != nil {
		c.logger.Warn("failed to encode permission event", zap.Error(err))
		return
	}
	c.publish(ctx, events.BuildPermissionSubject(req.SessionID), events.SessionPermission, data)
}

func (c *Coordinator) publishPermDone(ctx context.Context, sessionID, requestID string, decision permission.Decision) {
	data, err := events.ToMap(struct {
		SessionID string              `json:"session_id"`
		RequestID string              `json:"request_id"`
		Decision  permission.Decision `json:"decision"`
	}{sessionID, requestID, decision})
	if err != nil {
		c.logger.Warn("failed to encode permission decision event", zap.Error(err))
		return
	}
	c.publish(ctx, events.BuildPermDoneSubject(sessionID), events.SessionPermDone, data)
}

func (c *Coordinator) publishInterrupt(ctx context.Context, sessionID string, accepted bool) {
	data, err := events.ToMap(struct {
		SessionID string    `json:"session_id"`
		Accepted  bool      `json:"accepted"`
		At        time.Time `json:"at"`
	}{sessionID, accepted, time.Now().UTC()})
	if err != nil {
		return
	}
	c.publish(ctx, events.BuildInterruptSubject(sessionID), events.SessionInterrupt, data)
}

func (c *Coordinator) publishSessionEvent(ctx context.Context, eventType string, sess *registry.Session) {
	data, err := events.ToMap(sess)
	if err != nil {
		c.logger.Warn("failed to encode session event", zap.Error(err))
		return
	}
	c.publish(ctx, eventType, eventType, data)
}

func (c *Coordinator) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		c.logger.Warn("event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}
