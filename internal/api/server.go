// Package api provides the HTTP REST API and WebSocket server for the
// Velbus bridge.
//
// It exposes the module registry, live channel values, bridge statistics and
// command execution to local tools and dashboards.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-velbus/internal/audit"
	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
	"github.com/nerrad567/gray-logic-velbus/internal/device"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// EventModuleStateChanged is the WebSocket channel carrying channel value
// changes reported by the bus.
const EventModuleStateChanged = "module.state_changed"

// Bridge is the subset of the velbus bridge used by the API.
// Defined here so handlers can be tested with a fake.
type Bridge interface {
	Snapshots() []velbus.ModuleSnapshot
	Snapshot(moduleID string) (velbus.ModuleSnapshot, error)
	ExecuteCommand(ctx context.Context, cmd velbus.CommandMessage) velbus.AckMessage
	GetMetrics() velbus.BridgeMetrics
}

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	IsConnected() bool
}

// DBStatser exposes connection pool statistics for the metrics endpoint.
type DBStatser interface {
	Stats() sql.DBStats
}

// CommandLog lists executed commands.
type CommandLog interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Bridge   Bridge            // optional; without it commands are unavailable
	MQTT     ConnectionChecker // optional
	DB       DBStatser         // optional
	Commands CommandLog        // optional; without it the command log is unavailable
	Version  string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	registry  *device.Registry
	bridge    Bridge
	mqtt      ConnectionChecker
	db        DBStatser
	commands  CommandLog
	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("module registry is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		registry:  deps.Registry,
		bridge:    deps.Bridge,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		commands:  deps.Commands,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}, nil
}

// PublishUpdate relays a bus value change to subscribed WebSocket clients.
// It is registered with velbus.Bridge.OnUpdate.
func (s *Server) PublishUpdate(u velbus.Update) {
	s.hub.Broadcast(EventModuleStateChanged, map[string]any{
		"module_id": u.ModuleID,
		"channel":   u.Channel,
		"value":     u.New,
		"previous":  u.Old,
		"at":        u.At.UTC().Format(time.RFC3339Nano),
	})
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, builds the router and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
