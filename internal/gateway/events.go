package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/permission"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// subscribeEvents wires the coordinator's bus subjects into the hubs. The
// session hub gets per-session traffic; the UI hub gets state changes and
// list-affecting events.
func (s *Server) subscribeEvents() error {
	subscriptions := []struct {
		subject string
		handler bus.EventHandler
	}{
		{events.BuildEnvelopeWildcardSubject(), s.onEnvelopeEvent},
		{events.BuildStateWildcardSubject(), s.onStateEvent},
		{events.BuildPermissionWildcardSubject(), s.onPermissionEvent},
		{events.BuildPermDoneWildcardSubject(), s.onPermDoneEvent},
		{events.BuildInterruptWildcardSubject(), s.onInterruptEvent},
		{events.SessionCreated, s.onSessionListEvent},
		{events.SessionUpdated, s.onSessionListEvent},
		{events.SessionDeleted, s.onSessionDeletedEvent},
	}
	for _, sub := range subscriptions {
		if _, err := s.bus.Subscribe(sub.subject, sub.handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) onEnvelopeEvent(_ context.Context, event *bus.Event) error {
	var payload struct {
		SessionID string            `json:"session_id"`
		Envelope  *message.Envelope `json:"envelope"`
	}
	if err := events.Decode(event.Data, &payload); err != nil || payload.Envelope == nil {
		s.logger.Warn("dropping undecodable envelope event", zap.Error(err))
		return nil
	}
	s.sessionHub.Broadcast(payload.SessionID, v1.MessageFrame{
		Type:     v1.FrameMessage,
		Envelope: envelopeToAPI(payload.Envelope),
	})
	return nil
}

func (s *Server) onStateEvent(_ context.Context, event *bus.Event) error {
	var payload struct {
		SessionID    string        `json:"session_id"`
		State        string        `json:"state"`
		IsProcessing bool          `json:"is_processing"`
		LastError    *v1.LastError `json:"last_error,omitempty"`
	}
	if err := events.Decode(event.Data, &payload); err != nil {
		s.logger.Warn("dropping undecodable state event", zap.Error(err))
		return nil
	}
	s.sessionHub.Broadcast(payload.SessionID, v1.StateChangeFrame{
		Type:         v1.FrameStateChange,
		SessionID:    payload.SessionID,
		State:        payload.State,
		IsProcessing: payload.IsProcessing,
		LastError:    payload.LastError,
	})
	s.uiHub.Broadcast("", v1.SessionStateFrame{
		Type:         v1.FrameSessionState,
		SessionID:    payload.SessionID,
		State:        payload.State,
		IsProcessing: payload.IsProcessing,
	})
	return nil
}

func (s *Server) onPermissionEvent(_ context.Context, event *bus.Event) error {
	var req permission.Request
	if err := events.Decode(event.Data, &req); err != nil {
		s.logger.Warn("dropping undecodable permission event", zap.Error(err))
		return nil
	}
	s.sessionHub.Broadcast(req.SessionID, v1.PermissionRequestFrame{
		Type:        v1.FramePermissionRequest,
		RequestID:   req.RequestID,
		SessionID:   req.SessionID,
		ToolName:    req.ToolName,
		Input:       req.Input,
		ToolUseID:   req.ToolUseID,
		Suggestions: req.Suggestions,
	})
	return nil
}

func (s *Server) onPermDoneEvent(_ context.Context, event *bus.Event) error {
	var payload struct {
		SessionID string              `json:"session_id"`
		RequestID string              `json:"request_id"`
		Decision  permission.Decision `json:"decision"`
	}
	if err := events.Decode(event.Data, &payload); err != nil {
		s.logger.Warn("dropping undecodable permission decision event", zap.Error(err))
		return nil
	}
	s.sessionHub.Broadcast(payload.SessionID, v1.PermissionResponseFrame{
		Type:           v1.FramePermissionResponse,
		RequestID:      payload.RequestID,
		Decision:       payload.Decision.Behavior,
		AppliedUpdates: payload.Decision.AppliedSuggestions,
		Guidance:       payload.Decision.Guidance,
	})
	return nil
}

func (s *Server) onInterruptEvent(_ context.Context, event *bus.Event) error {
	var payload struct {
		SessionID string `json:"session_id"`
		Accepted  bool   `json:"accepted"`
	}
	if err := events.Decode(event.Data, &payload); err != nil {
		return nil
	}
	s.sessionHub.Broadcast(payload.SessionID, v1.InterruptResponseFrame{
		Type: v1.FrameInterruptResponse,
		OK:   payload.Accepted,
	})
	return nil
}

func (s *Server) onSessionListEvent(ctx context.Context, _ *bus.Event) error {
	s.broadcastSessionList(ctx)
	return nil
}

func (s *Server) onSessionDeletedEvent(ctx context.Context, event *bus.Event) error {
	if id, ok := event.Data["id"].(string); ok && id != "" {
		s.uiHub.Broadcast("", v1.SessionDeletedFrame{
			Type:      v1.FrameSessionDeleted,
			SessionID: id,
		})
	}
	s.broadcastSessionList(ctx)
	return nil
}
