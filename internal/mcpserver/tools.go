package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/session"
)

const defaultMessageWindow = 50

func registerTools(s *server.MCPServer, sessions SessionService, projects *project.Repository, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_projects",
			mcp.WithDescription("List registered projects. Use this first to get project IDs for creating sessions."),
		),
		listProjectsHandler(projects, log),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all agent sessions with their current state."),
		),
		listSessionsHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Get one session's full state, including processing status and last error."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
		),
		getSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Create a new agent session in a project. The session must be started before it accepts messages."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID to create the session in"),
			),
			mcp.WithString("name",
				mcp.Description("Session name (optional, defaults to the creation timestamp)"),
			),
			mcp.WithString("permission_mode",
				mcp.Description("Initial permission mode: default, acceptEdits, bypassPermissions, plan (optional)"),
			),
		),
		createSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Launch or resume a session's agent process. Idempotent for already-running sessions."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to start"),
			),
		),
		startSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a user message to a started session. Fails while the session is still processing a previous turn."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		sendMessageHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("interrupt_session",
			mcp.WithDescription("Interrupt the session's current turn."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
		),
		interruptSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("list_messages",
			mcp.WithDescription("Read a window of a session's message log, oldest first."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
			mcp.WithNumber("offset",
				mcp.Description("Log offset to start from (default 0)"),
			),
			mcp.WithNumber("limit",
				mcp.Description(fmt.Sprintf("Maximum messages to return (default %d)", defaultMessageWindow)),
			),
		),
		listMessagesHandler(sessions, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 8))
}

func listProjectsHandler(projects *project.Repository, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := projects.List(ctx, project.ListOptions{})
		if err != nil {
			log.Error("failed to list projects", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list projects: %v", err)), nil
		}
		return jsonResult(map[string]any{"projects": list})
	}
}

func listSessionsHandler(sessions SessionService, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := sessions.List(ctx)
		if err != nil {
			log.Error("failed to list sessions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
		}
		return jsonResult(map[string]any{"sessions": list})
	}
}

func getSessionHandler(sessions SessionService, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, err := sessions.Get(ctx, sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
		}
		return jsonResult(sess)
	}
}

func createSessionHandler(sessions SessionService, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, err := sessions.Create(ctx, projectID, sessionCreateOptions(req))
		if err != nil {
			log.Error("failed to create session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create session: %v", err)), nil
		}
		return jsonResult(sess)
	}
}

func startSessionHandler(sessions SessionService, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, err := sessions.Start(ctx, sessionID)
		if err != nil {
			log.Error("failed to start session", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start session: %v", err)), nil
		}
		return jsonResult(sess)
	}
}

func sendMessageHandler(sessions SessionService, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := sessions.Send(ctx, sessionID, content); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}
		return mcp.NewToolResultText("Message accepted; the session is now processing."), nil
	}
}

func interruptSessionHandler(sessions SessionService, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := sessions.Interrupt(ctx, sessionID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to interrupt session: %v", err)), nil
		}
		return mcp.NewToolResultText("Interrupt delivered."), nil
	}
}

func listMessagesHandler(sessions SessionService, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		offset := req.GetInt("offset", 0)
		limit := req.GetInt("limit", defaultMessageWindow)
		if offset < 0 {
			offset = 0
		}
		if limit <= 0 {
			limit = defaultMessageWindow
		}

		envelopes, total, hasMore, err := sessions.ListMessages(ctx, sessionID, offset, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list messages: %v", err)), nil
		}

		var out strings.Builder
		fmt.Fprintf(&out, "Messages %d-%d of %d (has_more=%t)\n\n", offset, offset+len(envelopes), total, hasMore)
		for _, env := range envelopes {
			out.WriteString(formatEnvelope(env))
		}
		return mcp.NewToolResultText(out.String()), nil
	}
}

func sessionCreateOptions(req mcp.CallToolRequest) session.CreateOptions {
	return session.CreateOptions{
		Name:           req.GetString("name", ""),
		PermissionMode: req.GetString("permission_mode", ""),
	}
}

// formatEnvelope renders one log record for tool output. Raw JSON is noisy
// for an LLM consumer, so the common envelope types get a compact text form.
func formatEnvelope(env *message.Envelope) string {
	var b strings.Builder
	header := env.Type
	if env.Subtype != "" {
		header += "/" + env.Subtype
	}
	fmt.Fprintf(&b, "[%s] %s\n", env.Timestamp.Format("15:04:05"), header)
	if env.Content != "" {
		b.WriteString(env.Content)
		b.WriteString("\n")
	}
	for _, block := range message.BlocksFromMetadata(env.Metadata) {
		if block.Type == message.BlockToolUse {
			input, _ := json.Marshal(block.Input)
			fmt.Fprintf(&b, "  tool_use %s %s\n", block.Name, string(input))
		}
	}
	b.WriteString("\n")
	return b.String()
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
