// Package api provides the operator HTTP API and WebSocket event stream.
//
// It exposes the device registry, telemetry history and command dispatch to
// dashboards and scripts. Mutating endpoints require a bearer token when a
// JWT secret is configured.
//
//	server, err := api.New(deps)
//	registry.SetObserver(server.Hub().Observe)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/iotdash-core/internal/audit"
	"github.com/nerrad567/iotdash-core/internal/device"
	"github.com/nerrad567/iotdash-core/internal/history"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Registry is the part of the device registry the API reads and writes.
type Registry interface {
	Register(ctx context.Context, id string, meta device.Metadata) (device.Device, error)
	GetDevice(ctx context.Context, id string) (device.Device, error)
	ListDevices(ctx context.Context) []device.Device
	GetDevicesByStatus(ctx context.Context, status device.Status) []device.Device
	GetStats() device.Stats
}

// Dispatcher sends operator commands to devices.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, commandType protocol.CommandType, value any) (protocol.ControlCommand, error)
}

// LatestCache serves the most recent reading without touching the database.
type LatestCache interface {
	Latest(ctx context.Context, deviceID string) (protocol.SensorReading, bool, error)
}

// HealthChecker is any dependency that can report its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Registry   Registry
	Commands   Dispatcher
	Readings   history.ReadingStore
	CommandLog history.CommandStore

	// Latest is optional; without it the latest reading comes from Readings.
	Latest LatestCache

	// Audit is optional; without it operator actions are only logged.
	Audit audit.Repository

	// Hub is optional; New creates one if nil.
	Hub *Hub

	// Health lists the dependencies reported by GET /api/v1/health.
	Health map[string]HealthChecker

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	registry   Registry
	commands   Dispatcher
	readings   history.ReadingStore
	commandLog history.CommandStore
	latest     LatestCache
	audit      audit.Repository
	health     map[string]HealthChecker
	version    string
	now        func() time.Time

	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc
}

// New creates an API server. The server is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Readings == nil || deps.CommandLog == nil {
		return nil, fmt.Errorf("reading and command history are required")
	}
	// Commands is optional: without a broker the API is read-only.

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		registry:   deps.Registry,
		commands:   deps.Commands,
		readings:   deps.Readings,
		commandLog: deps.CommandLog,
		latest:     deps.Latest,
		audit:      deps.Audit,
		health:     deps.Health,
		version:    deps.Version,
		now:        time.Now,
		hub:        deps.Hub,
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub, for wiring it as a registry observer and
// telemetry sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in a background goroutine.
//
// Binding happens synchronously so a port already in use is reported here.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
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

// HealthCheck reports whether the server has been started.
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
