// Package main is the AgentDeck server entry point. One binary runs the
// whole thing: the REST and WebSocket gateway, the session coordinator with
// its agent subprocesses, and the optional MCP tool surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/gateway"
	"github.com/agentdeck/agentdeck/internal/logstore"
	"github.com/agentdeck/agentdeck/internal/mcpserver"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/tracing"
)

var (
	configFlag  = flag.String("config", "", "Config file directory (defaults to ., ./config, /etc/agentdeck)")
	hostFlag    = flag.String("host", "", "Listen host (overrides config)")
	portFlag    = flag.Int("port", 0, "Listen port (overrides config)")
	dataDirFlag = flag.String("data-dir", "", "Data directory (overrides config)")
	debugFlag   = flag.Bool("debug", false, "Force debug logging and gin debug mode")

	debugAgentFlag = flag.Bool("debug-agent", false, "Debug logging for the agent adapter and subprocess")
	debugWSFlag    = flag.Bool("debug-ws", false, "Debug logging for the gateway and WebSocket planes")
	debugStoreFlag = flag.Bool("debug-store", false, "Debug logging for the registry and message log store")
	debugPermFlag  = flag.Bool("debug-permissions", false, "Debug logging for the permission broker")
	debugBusFlag   = flag.Bool("debug-bus", false, "Debug logging for the event bus")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadWithPath(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *hostFlag != "" {
		cfg.Server.Host = *hostFlag
	}
	if *portFlag != 0 {
		cfg.Server.Port = *portFlag
	}
	if *dataDirFlag != "" {
		cfg.Data.Dir = *dataDirFlag
	}
	if *debugFlag {
		cfg.Logging.Level = "debug"
	}
	for name, set := range map[string]bool{
		"agent":       *debugAgentFlag,
		"ws":          *debugWSFlag,
		"store":       *debugStoreFlag,
		"permissions": *debugPermFlag,
		"bus":         *debugBusFlag,
	} {
		if set {
			cfg.Logging.DebugComponents = append(cfg.Logging.DebugComponents, name)
		}
	}

	logCfg := logger.LoggingConfig{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		OutputPath:      cfg.Logging.OutputPath,
		DebugComponents: cfg.Logging.DebugComponents,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting AgentDeck...", zap.String("data_dir", cfg.Data.Dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	providedBus, busCleanup, err := events.Provide(cfg, logger.ForComponent(logCfg, log, "bus"))
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := providedBus.Bus

	// Project catalogue: SQLite or Postgres per config.
	projects, projectsCleanup, err := project.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize project catalogue", zap.Error(err))
	}
	defer func() { _ = projectsCleanup() }()

	// Session stores under the data directory.
	storeLog := logger.ForComponent(logCfg, log, "store")
	sessionRegistry, err := registry.New(cfg.Data.Dir, storeLog)
	if err != nil {
		log.Fatal("Failed to initialize session registry", zap.Error(err))
	}
	logs, err := logstore.New(cfg.Data.Dir, storeLog)
	if err != nil {
		log.Fatal("Failed to initialize message log store", zap.Error(err))
	}

	// Reconcile persisted state before accepting any traffic: no adapter
	// survives a restart, so every live-looking row becomes paused.
	if err := sessionRegistry.Reconcile(); err != nil {
		log.Fatal("Startup reconciliation failed", zap.Error(err))
	}

	broker := permission.NewBroker(cfg.Permissions.AutoDenyDuration(),
		logger.ForComponent(logCfg, log, "permissions"))
	coordinator := session.New(sessionRegistry, logs, broker, projects, eventBus,
		session.DefaultAdapterFactory(cfg, logger.ForComponent(logCfg, log, "agent")), log)

	// Gateway: REST, session channels, UI channel.
	gw := gateway.New(coordinator, projects, eventBus, logger.ForComponent(logCfg, log, "ws"))
	go func() {
		if err := gw.Run(ctx); err != nil {
			log.Error("Gateway event bridge failed", zap.Error(err))
		}
	}()

	// Optional MCP tool surface.
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		mcpSrv, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, coordinator, projects, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
		log.Info("MCP surface enabled",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Router(*debugFlag),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down AgentDeck...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Close adapters after the HTTP surface so no new sends race shutdown.
	coordinator.Shutdown(shutdownCtx)

	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("AgentDeck stopped")
}
