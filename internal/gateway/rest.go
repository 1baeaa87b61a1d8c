package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/session"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// defaultMessagePageSize bounds unpaginated message reads.
const defaultMessagePageSize = 200

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.projects.List(c.Request.Context(), project.ListOptions{
		Query:           c.Query("q"),
		IncludeArchived: c.Query("include_archived") == "true",
	})
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]v1.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectToAPI(p))
	}
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req v1.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ClientProtocol("invalid request body: "+err.Error()))
		return
	}
	p := &project.Project{Name: req.Name, Path: req.Path}
	if err := s.projects.Create(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, projectToAPI(p))
}

func (s *Server) handleUpdateProject(c *gin.Context) {
	var req v1.UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ClientProtocol("invalid request body: "+err.Error()))
		return
	}
	ctx := c.Request.Context()
	p, err := s.projects.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Archived != nil {
		p.Archived = *req.Archived
	}
	if err := s.projects.Update(ctx, p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectToAPI(p))
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	if err := s.projects.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ClientProtocol("invalid request body: "+err.Error()))
		return
	}
	sess, err := s.sessions.Create(c.Request.Context(), req.ProjectID, session.CreateOptions{
		Name:             req.Name,
		PermissionMode:   req.PermissionMode,
		Tools:            req.Tools,
		Model:            req.Model,
		WorkingDirectory: req.WorkingDirectory,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionToAPI(sess))
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.sessions.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessionsToAPI(sessions)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToAPI(sess))
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var req v1.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ClientProtocol("invalid request body: "+err.Error()))
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	updated, err := s.sessions.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Name != nil {
		if updated, err = s.sessions.UpdateName(ctx, id, *req.Name); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.PermissionMode != nil {
		if updated, err = s.sessions.SetPermissionMode(ctx, id, *req.PermissionMode); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, sessionToAPI(updated))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartSession(c *gin.Context) {
	sess, err := s.sessions.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToAPI(sess))
}

func (s *Server) handleListMessages(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultMessagePageSize)))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}

	envelopes, total, hasMore, err := s.sessions.ListMessages(c.Request.Context(), c.Param("id"), offset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]v1.Envelope, 0, len(envelopes))
	for _, env := range envelopes {
		out = append(out, envelopeToAPI(env))
	}
	c.JSON(http.StatusOK, v1.MessagesResponse{
		Messages: out,
		Total:    total,
		Offset:   offset,
		Limit:    limit,
		HasMore:  hasMore,
	})
}

func (s *Server) handleListToolCalls(c *gin.Context) {
	calls, err := s.sessions.ToolCalls(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]v1.ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, toolCallToAPI(call))
	}
	c.JSON(http.StatusOK, v1.ToolCallsResponse{ToolCalls: out})
}

// broadcastSessionList refreshes the UI plane's session list after any
// create/rename/delete.
func (s *Server) broadcastSessionList(ctx context.Context) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return
	}
	s.uiHub.Broadcast("", v1.SessionListFrame{
		Type:     v1.FrameSessionList,
		Sessions: sessionsToAPI(sessions),
	})
}
