// Package gateway exposes the HTTP surface: the REST API, the per-session
// WebSocket channels, and the global UI channel. All live traffic reaches
// clients through the hubs, fed by the coordinator's bus events.
package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/internal/common/httpmw"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/session"
)

// SessionService is the coordinator surface the gateway needs. Implemented
// by session.Coordinator.
type SessionService interface {
	Create(ctx context.Context, projectID string, opts session.CreateOptions) (*registry.Session, error)
	Get(ctx context.Context, sessionID string) (*registry.Session, error)
	List(ctx context.Context) ([]*registry.Session, error)
	UpdateName(ctx context.Context, sessionID, name string) (*registry.Session, error)
	SetPermissionMode(ctx context.Context, sessionID, mode string) (*registry.Session, error)
	Start(ctx context.Context, sessionID string) (*registry.Session, error)
	Send(ctx context.Context, sessionID, text string) error
	Interrupt(ctx context.Context, sessionID string) error
	RespondPermission(ctx context.Context, sessionID, requestID string, resp session.PermissionResponse) error
	Terminate(ctx context.Context, sessionID string) (*registry.Session, error)
	Delete(ctx context.Context, sessionID string) error
	ListMessages(ctx context.Context, sessionID string, offset, limit int) ([]*message.Envelope, int, bool, error)
	ToolCalls(ctx context.Context, sessionID string) ([]*message.ToolCall, error)
}

// Server is the assembled gateway.
type Server struct {
	sessions   SessionService
	projects   *project.Repository
	bus        bus.EventBus
	sessionHub *websocket.Hub
	uiHub      *websocket.Hub
	logger     *logger.Logger
}

// New creates the gateway over the coordinator and project catalogue.
func New(sessions SessionService, projects *project.Repository, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		sessions:   sessions,
		projects:   projects,
		bus:        eventBus,
		sessionHub: websocket.NewHub("session", log),
		uiHub:      websocket.NewHub("ui", log),
		logger:     log,
	}
}

// Run starts the hubs and the bus-to-hub bridge, blocking until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.subscribeEvents(); err != nil {
		return err
	}
	go s.sessionHub.Run(ctx)
	s.uiHub.Run(ctx)
	return nil
}

// Router builds the gin engine with every route attached.
func (s *Server) Router(debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(s.logger, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)

		api.GET("/projects", s.handleListProjects)
		api.POST("/projects", s.handleCreateProject)
		api.PATCH("/projects/:id", s.handleUpdateProject)
		api.DELETE("/projects/:id", s.handleDeleteProject)

		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.PATCH("/sessions/:id", s.handleUpdateSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)
		api.POST("/sessions/:id/start", s.handleStartSession)
		api.GET("/sessions/:id/messages", s.handleListMessages)
		api.GET("/sessions/:id/tools", s.handleListToolCalls)
	}

	router.GET("/ws/sessions/:id", s.handleSessionChannel)
	router.GET("/ws/ui", s.handleUIChannel)
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "agentdeck",
	})
}

// corsMiddleware opens the API to browser clients on other origins. The
// server binds to loopback by default; auth is out of scope here.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
