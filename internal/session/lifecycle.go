package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/registry"
)

// Start launches an agent adapter for the session. Starting a session that is
// already live is a no-op; a terminated or paused session restarts, resuming
// the agent's native conversation when a durable agent session id exists.
func (c *Coordinator) Start(ctx context.Context, sessionID string) (*registry.Session, error) {
	ctx, span := c.tracer.Start(ctx, "session.start")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	sess, err := c.registry.Get(sessionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if c.adapter(sessionID) != nil {
		switch sess.State {
		case registry.StateStarting, registry.StateActive, registry.StateProcessing:
			return sess, nil
		}
	}

	switch sess.State {
	case registry.StateCreated, registry.StatePaused, registry.StateTerminated:
	case registry.StateError:
		return nil, apperrors.Precondition("session is in error state; terminate it before starting again")
	default:
		return nil, apperrors.Precondition("session cannot start from state " + sess.State)
	}

	resumed := sess.AgentSessionID != ""
	sess, err = c.registry.UpdateState(sessionID, registry.StateStarting)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.publishState(ctx, sess)
	c.seedAutoAllow(sessionID, sess.ToolsAllowlist)

	callbacks := c.callbacksFor(sessionID)
	adapter, err := c.factory(ctx, sess, callbacks, c.permissionFuncFor(sessionID))
	if err != nil {
		appErr := apperrors.AsAppError(err)
		c.logger.Error("agent start failed",
			zap.String("session_id", sessionID), zap.Error(err))
		c.failSession(sessionID, appErr)
		span.SetStatus(codes.Error, appErr.Message)
		return nil, err
	}

	c.mu.Lock()
	c.adapters[sessionID] = adapter
	c.mu.Unlock()

	subtype := message.SubtypeClientLaunched
	content := "Session started"
	meta := map[string]any{message.MetaSynthetic: true}
	if resumed {
		subtype = message.SubtypeSessionResumed
		content = "Session resumed"
	}
	c.recordEnvelope(sessionID, message.New(message.TypeSystem, subtype, content, meta))

	c.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.Bool("resumed", resumed))
	return c.registry.Get(sessionID)
}

// Send appends the user's text to the log, marks the session processing, and
// hands the text to the adapter. Rejected while a turn is already in flight.
func (c *Coordinator) Send(ctx context.Context, sessionID, text string) error {
	ctx, span := c.tracer.Start(ctx, "session.send")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if _, err := c.registry.Get(sessionID); err != nil {
		return err
	}
	adapter := c.adapter(sessionID)
	if adapter == nil {
		return apperrors.Precondition("session is not started")
	}

	// Claim the turn before logging: the busy check and the flag set are one
	// atomic registry step, so concurrent sends cannot both pass, and the
	// loser never writes a stray user envelope.
	sess, err := c.registry.BeginProcessing(sessionID)
	if err != nil {
		return err
	}
	c.recordEnvelope(sessionID, message.New(message.TypeUser, "", text, nil))
	c.publishState(ctx, sess)

	if err := adapter.Send(text); err != nil {
		if sess, rerr := c.registry.UpdateProcessing(sessionID, false); rerr == nil {
			if sess, rerr = c.registry.UpdateState(sessionID, registry.StateActive); rerr == nil {
				c.publishState(ctx, sess)
			}
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Interrupt cancels the session's current turn. Accepted even when the turn
// already ended; the synthetic interrupt envelope comes back through the
// adapter's envelope callback.
func (c *Coordinator) Interrupt(ctx context.Context, sessionID string) error {
	ctx, span := c.tracer.Start(ctx, "session.interrupt")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if _, err := c.registry.Get(sessionID); err != nil {
		return err
	}
	adapter := c.adapter(sessionID)
	if adapter == nil {
		return apperrors.Precondition("session is not started")
	}

	err := adapter.Interrupt(ctx)
	c.publishInterrupt(ctx, sessionID, err == nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Terminate stops the session's agent and moves the row to terminated. A
// processing session gets a best-effort interrupt before teardown; pending
// permission requests are denied. Idempotent.
func (c *Coordinator) Terminate(ctx context.Context, sessionID string) (*registry.Session, error) {
	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	adapter := c.takeAdapter(sessionID)
	if adapter != nil {
		if sess.IsProcessing {
			if err := adapter.Interrupt(ctx); err != nil {
				c.logger.Debug("interrupt during terminate failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		if err := adapter.Close(); err != nil {
			c.logger.Warn("adapter close failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	c.broker.CancelSession(sessionID)
	c.clearAutoAllow(sessionID)

	if sess.State != registry.StateTerminated {
		sess, err = c.registry.UpdateState(sessionID, registry.StateTerminated)
		if err != nil {
			return nil, err
		}
		c.publishState(ctx, sess)
		c.publishSessionEvent(ctx, events.SessionUpdated, sess)
	}
	c.logger.Info("session terminated", zap.String("session_id", sessionID))
	return sess, nil
}

// Delete terminates the session and removes its directory, message log and
// state document included.
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	sess, err := c.Terminate(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := c.registry.Delete(sessionID); err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	if err := c.logs.Delete(sessionID); err != nil && !apperrors.IsNotFound(err) {
		return err
	}

	c.logger.Info("session deleted", zap.String("session_id", sessionID))
	c.publishSessionEvent(ctx, events.SessionDeleted, sess)
	return nil
}
