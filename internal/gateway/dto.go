package gateway

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/registry"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

func sessionToAPI(sess *registry.Session) v1.Session {
	out := v1.Session{
		ID:               sess.ID,
		ProjectID:        sess.ProjectID,
		Name:             sess.Name,
		State:            sess.State,
		IsProcessing:     sess.IsProcessing,
		PermissionMode:   sess.PermissionMode,
		ToolsAllowlist:   sess.ToolsAllowlist,
		Model:            sess.Model,
		WorkingDirectory: sess.WorkingDirectory,
		AgentSessionID:   sess.AgentSessionID,
		AddedDirectories: sess.AddedDirectories,
		CreatedAt:        sess.CreatedAt,
		LastActiveAt:     sess.LastActiveAt,
	}
	if sess.LastError != nil {
		out.LastError = &v1.LastError{
			Kind:    sess.LastError.Kind,
			Message: sess.LastError.Message,
			Detail:  sess.LastError.Detail,
		}
	}
	return out
}

func sessionsToAPI(sessions []*registry.Session) []v1.Session {
	out := make([]v1.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToAPI(sess))
	}
	return out
}

func projectToAPI(p *project.Project) v1.Project {
	return v1.Project{
		ID:        p.ID,
		Name:      p.Name,
		Path:      p.Path,
		Archived:  p.Archived,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func envelopeToAPI(env *message.Envelope) v1.Envelope {
	return v1.Envelope{
		ID:        env.ID,
		Timestamp: env.Timestamp,
		Type:      env.Type,
		Subtype:   env.Subtype,
		Content:   env.Content,
		Metadata:  env.Metadata,
	}
}

func toolCallToAPI(call *message.ToolCall) v1.ToolCall {
	return v1.ToolCall{
		ID:                  call.ID,
		Name:                call.Name,
		Input:               call.Input,
		Status:              call.Status,
		Result:              call.Result,
		IsError:             call.IsError,
		PermissionRequestID: call.PermissionRequestID,
		PermissionDecision:  call.PermissionDecision,
		Suggestions:         call.Suggestions,
		Timestamp:           call.Timestamp,
	}
}

// respondError writes the error as a structured body with the kind-mapped
// HTTP status.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.HTTPStatus(), gin.H{
		"error": gin.H{
			"kind":    appErr.Kind,
			"message": appErr.Message,
		},
	})
}
