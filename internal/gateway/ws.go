package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/session"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement is deferred to the deployment; the server binds to
	// loopback by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSessionChannel upgrades and attaches one client to a session. The
// session is validated after the upgrade so the application close codes
// reach the client: unknown id 4404, errored session 4003, other 4500.
func (s *Server) handleSessionChannel(c *gin.Context) {
	sessionID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess, err := s.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		code := v1.CloseInternalError
		reason := "internal error"
		if apperrors.IsNotFound(err) {
			code = v1.CloseSessionNotFound
			reason = "session not found"
		}
		closeWith(conn, code, reason)
		return
	}
	if sess.State == registry.StateError {
		closeWith(conn, v1.CloseSessionErrored, "session is in error state")
		return
	}

	clientID := uuid.New().String()
	log := s.logger.WithFields(zap.String("session_id", sessionID))
	var client *websocket.Client
	client = websocket.NewClient(clientID, sessionID, conn, s.sessionHub, func(data []byte) {
		s.handleSessionFrame(client, sessionID, data)
	}, log)

	s.sessionHub.Register(client)
	client.Send(v1.ConnectionConfirmedFrame{
		Type:      v1.FrameConnectionConfirmed,
		SessionID: sessionID,
		State:     sessionToAPI(sess),
	})

	go client.WritePump()
	go client.ReadPump()
}

// handleSessionFrame dispatches one inbound client frame. Malformed or
// unknown frames are dropped with a warning; the connection continues.
func (s *Server) handleSessionFrame(client *websocket.Client, sessionID string, data []byte) {
	frame, err := v1.ParseClientFrame(data)
	if err != nil || frame.Type == "" {
		s.logger.Warn("dropping malformed client frame",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	ctx := context.Background()

	switch frame.Type {
	case v1.FrameSendMessage:
		if err := s.sessions.Send(ctx, sessionID, frame.Content); err != nil {
			client.Send(errorFrame(err))
		}

	case v1.FrameInterruptSession:
		err := s.sessions.Interrupt(ctx, sessionID)
		resp := v1.InterruptResponseFrame{Type: v1.FrameInterruptResponse, OK: err == nil}
		if err != nil {
			resp.Message = apperrors.AsAppError(err).Message
		}
		client.Send(resp)

	case v1.FramePermissionResponse:
		err := s.sessions.RespondPermission(ctx, sessionID, frame.RequestID, session.PermissionResponse{
			Decision:           frame.Decision,
			ApplySuggestions:   frame.ApplySuggestions,
			AppliedSuggestions: frame.AppliedSuggestions,
			Guidance:           frame.Guidance,
			UpdatedInput:       frame.UpdatedInput,
		})
		if err != nil {
			client.Send(errorFrame(err))
		}

	case v1.FrameSetPermissionMode:
		if _, err := s.sessions.SetPermissionMode(ctx, sessionID, frame.Mode); err != nil {
			client.Send(errorFrame(err))
		}

	default:
		s.logger.Warn("dropping unknown client frame",
			zap.String("session_id", sessionID), zap.String("type", frame.Type))
	}
}

// handleUIChannel attaches one client to the global UI plane and sends the
// current session list.
func (s *Server) handleUIChannel(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := websocket.NewClient(uuid.New().String(), "", conn, s.uiHub, nil, s.logger)
	s.uiHub.Register(client)

	sessions, err := s.sessions.List(c.Request.Context())
	if err == nil {
		client.Send(v1.SessionListFrame{
			Type:     v1.FrameSessionList,
			Sessions: sessionsToAPI(sessions),
		})
	}

	go client.WritePump()
	go client.ReadPump()
}

func errorFrame(err error) v1.ErrorFrame {
	appErr := apperrors.AsAppError(err)
	return v1.ErrorFrame{
		Type:    v1.FrameError,
		Code:    appErr.Kind,
		Message: appErr.Message,
	}
}

func closeWith(conn *gorilla.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
